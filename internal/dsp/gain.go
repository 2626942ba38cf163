package dsp

import "math"

// GainTable maps each companded code to its gain-adjusted code.
type GainTable [256]byte

// IdentityGain returns a table that leaves every code unchanged.
func IdentityGain() GainTable {
	var t GainTable
	for i := range t {
		t[i] = byte(i)
	}
	return t
}

// BuildGainTable computes the lookup table applying gainDB to codec c.
// Non-companded codecs and a zero gain yield the identity table.
func BuildGainTable(c Codec, gainDB float64) GainTable {
	if !c.Companded() || gainDB == 0 {
		return IdentityGain()
	}

	lin := math.Pow(10, gainDB/20)
	var t GainTable
	for i := range t {
		sample := float64(Decode(c, byte(i))) * lin
		if sample > math.MaxInt16 {
			sample = math.MaxInt16
		} else if sample < -math.MaxInt16 {
			sample = -math.MaxInt16
		}
		t[i] = Encode(c, int16(sample))
	}
	return t
}

// Apply rewrites buf in place through the table.
func (t *GainTable) Apply(buf []byte) {
	for i, b := range buf {
		buf[i] = t[b]
	}
}
