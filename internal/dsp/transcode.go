package dsp

import (
	"encoding/binary"
	"errors"
)

// ErrNoTranscoder is returned when no conversion exists between two codecs.
var ErrNoTranscoder = errors.New("no transcoder for codec pair")

// TranscodeFunc converts src into dst and returns the number of bytes
// written. dst must hold at least OutputLen(len(src)) bytes.
type TranscodeFunc func(dst, src []byte) int

type codecPair struct {
	from, to Codec
}

var transcoders = map[codecPair]TranscodeFunc{
	{CodecUlaw, CodecSlin}: UlawToSlin,
	{CodecSlin, CodecUlaw}: SlinToUlaw,
	{CodecAlaw, CodecSlin}: AlawToSlin,
	{CodecSlin, CodecAlaw}: SlinToAlaw,
	{CodecUlaw, CodecAlaw}: UlawToAlaw,
	{CodecAlaw, CodecUlaw}: AlawToUlaw,
}

// Transcoder returns the conversion function for a codec pair.
func Transcoder(from, to Codec) (TranscodeFunc, error) {
	fn, ok := transcoders[codecPair{from, to}]
	if !ok {
		return nil, ErrNoTranscoder
	}
	return fn, nil
}

// TranscodedLen returns the output size of converting n bytes between codecs.
func TranscodedLen(from, to Codec, n int) int {
	return n / from.BytesPerSample() * to.BytesPerSample()
}

// UlawToSlin expands u-law bytes to little-endian 16-bit samples.
func UlawToSlin(dst, src []byte) int {
	for i, b := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(ulawToLinear[b]))
	}
	return len(src) * 2
}

// AlawToSlin expands a-law bytes to little-endian 16-bit samples.
func AlawToSlin(dst, src []byte) int {
	for i, b := range src {
		binary.LittleEndian.PutUint16(dst[i*2:], uint16(alawToLinear[b]))
	}
	return len(src) * 2
}

// SlinToUlaw compands little-endian 16-bit samples to u-law.
func SlinToUlaw(dst, src []byte) int {
	n := len(src) / 2
	for i := 0; i < n; i++ {
		dst[i] = linearToUlaw[binary.LittleEndian.Uint16(src[i*2:])]
	}
	return n
}

// SlinToAlaw compands little-endian 16-bit samples to a-law.
func SlinToAlaw(dst, src []byte) int {
	n := len(src) / 2
	for i := 0; i < n; i++ {
		dst[i] = linearToAlaw[binary.LittleEndian.Uint16(src[i*2:])]
	}
	return n
}

// UlawToAlaw converts between companding laws via the linear domain.
func UlawToAlaw(dst, src []byte) int {
	for i, b := range src {
		dst[i] = linearToAlaw[uint16(ulawToLinear[b])]
	}
	return len(src)
}

// AlawToUlaw converts between companding laws via the linear domain.
func AlawToUlaw(dst, src []byte) int {
	for i, b := range src {
		dst[i] = linearToUlaw[uint16(alawToLinear[b])]
	}
	return len(src)
}

// BytesToSamples decodes raw frame bytes of codec c into linear samples,
// reusing out when it has room.
func BytesToSamples(c Codec, src []byte, out []int16) []int16 {
	n := len(src) / c.BytesPerSample()
	if cap(out) < n {
		out = make([]int16, n)
	}
	out = out[:n]
	switch c {
	case CodecSlin:
		for i := range out {
			out[i] = int16(binary.LittleEndian.Uint16(src[i*2:]))
		}
	case CodecAlaw:
		for i, b := range src {
			out[i] = alawToLinear[b]
		}
	default:
		for i, b := range src {
			out[i] = ulawToLinear[b]
		}
	}
	return out
}

// SamplesToBytes encodes linear samples into dst for codec c and returns
// the number of bytes written.
func SamplesToBytes(c Codec, samples []int16, dst []byte) int {
	switch c {
	case CodecSlin:
		for i, s := range samples {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(s))
		}
		return len(samples) * 2
	case CodecAlaw:
		for i, s := range samples {
			dst[i] = linearToAlaw[uint16(s)]
		}
	default:
		for i, s := range samples {
			dst[i] = linearToUlaw[uint16(s)]
		}
	}
	return len(samples)
}
