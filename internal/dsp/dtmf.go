package dsp

import (
	"math"
	"strings"
)

// DTMF frequency plan.
var dtmfRows = [4]float64{697, 770, 852, 941}
var dtmfCols = [4]float64{1209, 1336, 1477, 1633}

var dtmfDigits = [4][4]byte{
	{'1', '2', '3', 'A'},
	{'4', '5', '6', 'B'},
	{'7', '8', '9', 'C'},
	{'*', '0', '#', 'D'},
}

// PauseDigit inserts PauseMs of silence when generating a digit string.
const (
	PauseDigit = ','
	PauseMs    = 500
)

// IsDTMF reports whether c is a valid DTMF character, including the
// 'W'/'w' wait marker.
func IsDTMF(c byte) bool {
	switch {
	case c >= '0' && c <= '9':
		return true
	case c >= 'A' && c <= 'D', c >= 'a' && c <= 'd':
		return true
	case c == '*', c == '#', c == 'W', c == 'w':
		return true
	}
	return false
}

func dtmfFreqs(c byte) (row, col float64, ok bool) {
	if c >= 'a' && c <= 'd' {
		c -= 'a' - 'A'
	}
	for r := range dtmfDigits {
		for k := range dtmfDigits[r] {
			if dtmfDigits[r][k] == c {
				return dtmfRows[r], dtmfCols[k], true
			}
		}
	}
	return 0, 0, false
}

// DTMFDigits renders digits with onMs of tone followed by offMs of silence
// per digit. Pause markers insert PauseMs of silence. Characters that are
// not DTMF are skipped.
func (g *ToneGenerator) DTMFDigits(digits string, onMs, offMs int) []int16 {
	var out []int16
	for i := 0; i < len(digits); i++ {
		c := digits[i]
		if c == PauseDigit {
			out = appendSilence(out, PauseMs)
			continue
		}
		row, col, ok := dtmfFreqs(c)
		if !ok {
			continue
		}
		out = g.appendTone(out, []float64{row, col}, onMs)
		out = appendSilence(out, offMs)
	}
	return out
}

// FilterDTMF returns only the characters of s that are valid DTMF.
func FilterDTMF(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if IsDTMF(s[i]) {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

// goertzel is a second-order resonator tuned to one frequency.
type goertzel struct {
	coef   float64
	s1, s2 float64
}

func newGoertzel(freq float64) goertzel {
	return goertzel{coef: 2 * math.Cos(2*math.Pi*freq/SampleRate)}
}

func (g *goertzel) update(x float64) {
	s := x + g.coef*g.s1 - g.s2
	g.s2 = g.s1
	g.s1 = s
}

func (g *goertzel) energy() float64 {
	return g.s1*g.s1 + g.s2*g.s2 - g.coef*g.s1*g.s2
}

func (g *goertzel) reset() {
	g.s1, g.s2 = 0, 0
}

// goertzelBlock is the analysis window at 8 kHz.
const goertzelBlock = 102

const (
	dtmfMinEnergy     = 1.0e8
	dtmfTwistNormal   = 6.3  // 8 dB
	dtmfTwistReverse  = 2.5  // 4 dB
	dtmfRelativePeak  = 6.3  // 8 dB over the other tones in the group
	dtmfToTotalEnergy = 0.42 // share of block energy in the two tones
)

// DTMFDetector finds DTMF digits in a stream of linear samples. State
// carries across calls so frames need not align with analysis blocks.
type DTMFDetector struct {
	rows, cols  [4]goertzel
	n           int
	total       float64
	last        byte
	current     byte
	reported    byte
	digits      []byte
}

// NewDTMFDetector returns a detector with empty state.
func NewDTMFDetector() *DTMFDetector {
	d := &DTMFDetector{}
	for i := range dtmfRows {
		d.rows[i] = newGoertzel(dtmfRows[i])
		d.cols[i] = newGoertzel(dtmfCols[i])
	}
	return d
}

// Detect consumes samples and returns any digits whose rising edge was
// seen within them. A digit is reported once it has been present for two
// consecutive blocks and not again until it stops.
func (d *DTMFDetector) Detect(samples []int16) string {
	d.digits = d.digits[:0]
	for _, s := range samples {
		x := float64(s)
		for i := range d.rows {
			d.rows[i].update(x)
			d.cols[i].update(x)
		}
		d.total += x * x
		d.n++
		if d.n == goertzelBlock {
			d.endBlock()
		}
	}
	return string(d.digits)
}

func (d *DTMFDetector) endBlock() {
	hit := d.classify()

	for i := range d.rows {
		d.rows[i].reset()
		d.cols[i].reset()
	}
	d.n = 0
	d.total = 0

	if hit == d.last {
		d.current = hit
	}
	d.last = hit

	if d.current != d.reported {
		if d.current != 0 {
			d.digits = append(d.digits, d.current)
		}
		d.reported = d.current
	}
}

func (d *DTMFDetector) classify() byte {
	var rowE, colE [4]float64
	best, bestCol := 0, 0
	for i := range d.rows {
		rowE[i] = d.rows[i].energy()
		colE[i] = d.cols[i].energy()
		if rowE[i] > rowE[best] {
			best = i
		}
		if colE[i] > colE[bestCol] {
			bestCol = i
		}
	}

	r, c := rowE[best], colE[bestCol]
	if r < dtmfMinEnergy || c < dtmfMinEnergy {
		return 0
	}
	if c > r*dtmfTwistReverse || r > c*dtmfTwistNormal {
		return 0
	}
	for i := range rowE {
		if i != best && rowE[i]*dtmfRelativePeak > r {
			return 0
		}
		if i != bestCol && colE[i]*dtmfRelativePeak > c {
			return 0
		}
	}
	// Goertzel energy scales with N^2/2 per unit of total power.
	if (r+c)*2/goertzelBlock < dtmfToTotalEnergy*d.total {
		return 0
	}
	return dtmfDigits[best][bestCol]
}

// Reset clears detector state.
func (d *DTMFDetector) Reset() {
	for i := range d.rows {
		d.rows[i].reset()
		d.cols[i].reset()
	}
	d.n = 0
	d.total = 0
	d.last, d.current, d.reported = 0, 0, 0
}
