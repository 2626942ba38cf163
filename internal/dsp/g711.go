package dsp

import "fmt"

// Codec identifies a sample encoding carried on a channel.
type Codec int

const (
	CodecUlaw Codec = 0
	CodecAlaw Codec = 8
	CodecSlin Codec = 10
	CodecNone Codec = -1
)

// String returns the codec name as used in configuration and logs.
func (c Codec) String() string {
	switch c {
	case CodecUlaw:
		return "ulaw"
	case CodecAlaw:
		return "alaw"
	case CodecSlin:
		return "slin"
	default:
		return "none"
	}
}

// ParseCodec maps a codec name to its Codec value.
func ParseCodec(name string) (Codec, error) {
	switch name {
	case "ulaw", "pcmu", "mulaw":
		return CodecUlaw, nil
	case "alaw", "pcma":
		return CodecAlaw, nil
	case "slin", "linear", "l16":
		return CodecSlin, nil
	}
	return CodecNone, fmt.Errorf("unknown codec %q", name)
}

// Companded reports whether the codec stores one byte per sample.
func (c Codec) Companded() bool {
	return c == CodecUlaw || c == CodecAlaw
}

// BytesPerSample returns the storage width of one sample.
func (c Codec) BytesPerSample() int {
	if c == CodecSlin {
		return 2
	}
	return 1
}

// Silence returns the byte used to fill silent frames for a companded codec.
// Linear silence is zero.
func (c Codec) Silence() byte {
	switch c {
	case CodecUlaw:
		return UlawSilence
	case CodecAlaw:
		return AlawSilence
	}
	return 0
}

const (
	// UlawSilence is the u-law code for a zero sample.
	UlawSilence = 0xFF
	// AlawSilence is the a-law code for a zero sample.
	AlawSilence = 0xD5
)

// G.711 u-law (PCMU) decoding table: maps each u-law byte to a 16-bit linear PCM sample.
var ulawToLinear [256]int16

// G.711 a-law (PCMA) decoding table: maps each a-law byte to a 16-bit linear PCM sample.
var alawToLinear [256]int16

// Encoding tables indexed by the 16-bit sample reinterpreted as uint16.
var linearToUlaw [65536]uint8
var linearToAlaw [65536]uint8

func init() {
	for i := 0; i < 256; i++ {
		ulawToLinear[i] = decodeUlaw(uint8(i))
		alawToLinear[i] = decodeAlaw(uint8(i))
	}
	for i := -32768; i <= 32767; i++ {
		linearToUlaw[uint16(int16(i))] = encodeUlaw(int16(i))
		linearToAlaw[uint16(int16(i))] = encodeAlaw(int16(i))
	}
}

func decodeUlaw(u uint8) int16 {
	u = ^u
	exponent := uint((u >> 4) & 0x07)
	mantissa := int(u & 0x0F)
	sample := (((mantissa << 3) + 0x84) << exponent) - 0x84
	if u&0x80 != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

func decodeAlaw(a uint8) int16 {
	a ^= 0x55
	t := int(a&0x0F) << 4
	seg := uint((a & 0x70) >> 4)
	switch seg {
	case 0:
		t += 8
	case 1:
		t += 0x108
	default:
		t += 0x108
		t <<= seg - 1
	}
	if a&0x80 != 0 {
		return int16(t)
	}
	return int16(-t)
}

func encodeUlaw(sample int16) uint8 {
	const bias = 0x84
	const clip = 32635

	s := int32(sample)
	sign := uint8(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > clip {
		s = clip
	}
	s += bias

	exponent := 7
	mask := int32(0x4000)
	for exponent > 0 {
		if s&mask != 0 {
			break
		}
		exponent--
		mask >>= 1
	}

	mantissa := (s >> (uint(exponent) + 3)) & 0x0F
	return ^(sign | uint8(exponent<<4) | uint8(mantissa))
}

var alawSegEnd = [8]int32{0x1F, 0x3F, 0x7F, 0xFF, 0x1FF, 0x3FF, 0x7FF, 0xFFF}

func encodeAlaw(sample int16) uint8 {
	p := int32(sample) >> 3
	mask := uint8(0xD5)
	if p < 0 {
		mask = 0x55
		p = -p - 1
	}

	seg := 0
	for seg < len(alawSegEnd) && p > alawSegEnd[seg] {
		seg++
	}
	if seg >= len(alawSegEnd) {
		return 0x7F ^ mask
	}

	aval := uint8(seg << 4)
	if seg < 2 {
		aval |= uint8(p>>1) & 0x0F
	} else {
		aval |= uint8(p>>uint(seg)) & 0x0F
	}
	return aval ^ mask
}

// DecodeUlaw returns the linear value of a u-law code.
func DecodeUlaw(u byte) int16 { return ulawToLinear[u] }

// DecodeAlaw returns the linear value of an a-law code.
func DecodeAlaw(a byte) int16 { return alawToLinear[a] }

// EncodeUlaw compands a linear sample to u-law.
func EncodeUlaw(s int16) byte { return linearToUlaw[uint16(s)] }

// EncodeAlaw compands a linear sample to a-law.
func EncodeAlaw(s int16) byte { return linearToAlaw[uint16(s)] }

// Decode returns the linear value of a companded code for the given codec.
func Decode(c Codec, b byte) int16 {
	if c == CodecAlaw {
		return alawToLinear[b]
	}
	return ulawToLinear[b]
}

// Encode compands a linear sample for the given codec.
func Encode(c Codec, s int16) byte {
	if c == CodecAlaw {
		return linearToAlaw[uint16(s)]
	}
	return linearToUlaw[uint16(s)]
}
