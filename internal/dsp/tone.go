package dsp

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// SampleRate is the narrowband telephony sampling rate.
const SampleRate = 8000

// ToneSegment is one cadence step of a tone map: the listed frequencies
// summed for OnMs, followed by OffMs of silence.
type ToneSegment struct {
	OnMs  int
	OffMs int
	Freqs []float64
}

// ToneMap is a sequence of cadence segments, e.g. "%(500,500,480,620)".
type ToneMap []ToneSegment

// String renders the map back to its textual form.
func (m ToneMap) String() string {
	var b strings.Builder
	for _, seg := range m {
		fmt.Fprintf(&b, "%%(%d,%d", seg.OnMs, seg.OffMs)
		for _, f := range seg.Freqs {
			b.WriteString(",")
			b.WriteString(strconv.FormatFloat(f, 'f', -1, 64))
		}
		b.WriteString(")")
	}
	return b.String()
}

// ParseToneMap parses one or more "%(on,off,f1[,f2...])" groups.
func ParseToneMap(s string) (ToneMap, error) {
	var m ToneMap
	rest := strings.TrimSpace(s)
	for rest != "" {
		if !strings.HasPrefix(rest, "%(") {
			return nil, fmt.Errorf("tone map %q: expected %%( at %q", s, rest)
		}
		end := strings.IndexByte(rest, ')')
		if end < 0 {
			return nil, fmt.Errorf("tone map %q: unterminated group", s)
		}
		fields := strings.Split(rest[2:end], ",")
		if len(fields) < 3 {
			return nil, fmt.Errorf("tone map %q: need on,off and at least one frequency", s)
		}
		on, err := strconv.Atoi(strings.TrimSpace(fields[0]))
		if err != nil || on < 0 {
			return nil, fmt.Errorf("tone map %q: bad on duration %q", s, fields[0])
		}
		off, err := strconv.Atoi(strings.TrimSpace(fields[1]))
		if err != nil || off < 0 {
			return nil, fmt.Errorf("tone map %q: bad off duration %q", s, fields[1])
		}
		seg := ToneSegment{OnMs: on, OffMs: off}
		for _, f := range fields[2:] {
			freq, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
			if err != nil || freq <= 0 || freq >= SampleRate/2 {
				return nil, fmt.Errorf("tone map %q: bad frequency %q", s, f)
			}
			seg.Freqs = append(seg.Freqs, freq)
		}
		m = append(m, seg)
		rest = strings.TrimLeft(rest[end+1:], " ;")
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("tone map %q: empty", s)
	}
	return m, nil
}

// ParseFrequencies parses a detection entry such as "350,440".
func ParseFrequencies(s string) ([]float64, error) {
	var out []float64
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		v, err := strconv.ParseFloat(f, 64)
		if err != nil || v <= 0 {
			return nil, fmt.Errorf("bad frequency %q", f)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no frequencies in %q", s)
	}
	return out, nil
}

// DefaultVolumeDB is the per-tone level relative to full scale.
const DefaultVolumeDB = -10.0

// ToneGenerator renders tone maps and DTMF digits to linear samples.
type ToneGenerator struct {
	amplitude float64
}

// NewToneGenerator returns a generator with each component tone at volumeDB
// relative to full scale.
func NewToneGenerator(volumeDB float64) *ToneGenerator {
	return &ToneGenerator{amplitude: math.Pow(10, volumeDB/20) * 32767.0}
}

// Render produces one full cadence cycle of the map.
func (g *ToneGenerator) Render(m ToneMap) []int16 {
	var out []int16
	for _, seg := range m {
		out = g.appendTone(out, seg.Freqs, seg.OnMs)
		out = appendSilence(out, seg.OffMs)
	}
	return out
}

func (g *ToneGenerator) appendTone(out []int16, freqs []float64, ms int) []int16 {
	n := SampleRate * ms / 1000
	peak := g.amplitude
	if len(freqs) > 2 {
		peak = g.amplitude * 2 / float64(len(freqs))
	}
	for i := 0; i < n; i++ {
		t := float64(i) / SampleRate
		var v float64
		for _, f := range freqs {
			v += peak * math.Sin(2.0*math.Pi*f*t)
		}
		out = append(out, clampSample(v))
	}
	return out
}

func appendSilence(out []int16, ms int) []int16 {
	n := SampleRate * ms / 1000
	for i := 0; i < n; i++ {
		out = append(out, 0)
	}
	return out
}

func clampSample(v float64) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < -math.MaxInt16 {
		return -math.MaxInt16
	}
	return int16(v)
}

// Silence returns ms milliseconds of linear silence.
func Silence(ms int) []int16 {
	return make([]int16, SampleRate*ms/1000)
}
