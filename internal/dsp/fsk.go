package dsp

import "math"

// Bell 202 modem parameters.
const (
	FSKBaud      = 1200
	FSKMarkHz    = 1200.0
	FSKSpaceHz   = 2200.0
	fskWindow    = 7
	fskArmBits   = 10
	seizureBits  = 300
	leadMarkBits = 180
	tailMarkBits = 10
)

const samplesPerBit = float64(SampleRate) / FSKBaud

// FSKModulator produces a phase-continuous Bell 202 signal.
type FSKModulator struct {
	amplitude float64
	phase     float64
	carry     float64
}

// NewFSKModulator returns a modulator at volumeDB relative to full scale.
func NewFSKModulator(volumeDB float64) *FSKModulator {
	return &FSKModulator{amplitude: math.Pow(10, volumeDB/20) * 32767.0}
}

// AppendBit appends the samples for one bit (1 = mark, 0 = space).
func (m *FSKModulator) AppendBit(out []int16, bit byte) []int16 {
	freq := FSKSpaceHz
	if bit != 0 {
		freq = FSKMarkHz
	}
	step := 2 * math.Pi * freq / SampleRate

	m.carry += samplesPerBit
	n := int(m.carry)
	m.carry -= float64(n)
	for i := 0; i < n; i++ {
		out = append(out, int16(m.amplitude*math.Sin(m.phase)))
		m.phase += step
		if m.phase > 2*math.Pi {
			m.phase -= 2 * math.Pi
		}
	}
	return out
}

// AppendByte appends one UART frame: start bit, 8 data bits LSB first,
// stop bit.
func (m *FSKModulator) AppendByte(out []int16, b byte) []int16 {
	out = m.AppendBit(out, 0)
	for i := 0; i < 8; i++ {
		out = m.AppendBit(out, (b>>uint(i))&1)
	}
	return m.AppendBit(out, 1)
}

// ModulateCallerID renders a complete on-hook caller ID burst: channel
// seizure, mark preamble, the framed message and a short mark tail.
func (m *FSKModulator) ModulateCallerID(msg []byte) []int16 {
	var out []int16
	for i := 0; i < seizureBits; i++ {
		out = m.AppendBit(out, byte(i&1))
	}
	for i := 0; i < leadMarkBits; i++ {
		out = m.AppendBit(out, 1)
	}
	for _, b := range msg {
		out = m.AppendByte(out, b)
	}
	for i := 0; i < tailMarkBits; i++ {
		out = m.AppendBit(out, 1)
	}
	return out
}

type fskRef struct {
	markCos, markSin   [fskWindow]float64
	spaceCos, spaceSin [fskWindow]float64
}

var fskRefs = func() fskRef {
	var r fskRef
	for k := 0; k < fskWindow; k++ {
		wm := 2 * math.Pi * FSKMarkHz * float64(k) / SampleRate
		ws := 2 * math.Pi * FSKSpaceHz * float64(k) / SampleRate
		r.markCos[k], r.markSin[k] = math.Cos(wm), math.Sin(wm)
		r.spaceCos[k], r.spaceSin[k] = math.Cos(ws), math.Sin(ws)
	}
	return r
}()

type uartState int

const (
	uartIdle uartState = iota
	uartData
)

// FSKDemodulator recovers UART-framed bytes from a Bell 202 signal. Bytes
// are accepted only after at least ten consecutive mark bits have been
// seen, so the channel seizure pattern never yields data.
type FSKDemodulator struct {
	win    [fskWindow]float64
	idx    int
	filled int

	state       uartState
	armed       bool
	markSamples int
	elapsed     float64
	next        float64
	bitIdx      int
	cur         byte
	errors      int
}

// NewFSKDemodulator returns a demodulator waiting for mark preamble.
func NewFSKDemodulator() *FSKDemodulator {
	return &FSKDemodulator{}
}

// Demodulate consumes samples and appends any completed bytes to out.
func (d *FSKDemodulator) Demodulate(samples []int16, out []byte) []byte {
	for _, s := range samples {
		d.win[d.idx] = float64(s)
		d.idx = (d.idx + 1) % fskWindow
		if d.filled < fskWindow {
			d.filled++
			continue
		}
		if b, ok := d.clock(d.bit()); ok {
			out = append(out, b)
		}
	}
	return out
}

// FramingErrors returns the number of bytes rejected for a bad start or
// stop bit.
func (d *FSKDemodulator) FramingErrors() int {
	return d.errors
}

func (d *FSKDemodulator) bit() byte {
	var mc, ms, sc, ss float64
	for k := 0; k < fskWindow; k++ {
		x := d.win[(d.idx+k)%fskWindow]
		mc += x * fskRefs.markCos[k]
		ms += x * fskRefs.markSin[k]
		sc += x * fskRefs.spaceCos[k]
		ss += x * fskRefs.spaceSin[k]
	}
	if mc*mc+ms*ms >= sc*sc+ss*ss {
		return 1
	}
	return 0
}

func (d *FSKDemodulator) clock(bit byte) (byte, bool) {
	switch d.state {
	case uartIdle:
		if bit == 1 {
			d.markSamples++
			if float64(d.markSamples) >= fskArmBits*samplesPerBit {
				d.armed = true
			}
			return 0, false
		}
		d.markSamples = 0
		if d.armed {
			d.state = uartData
			d.elapsed = 0
			d.next = samplesPerBit / 2
			d.bitIdx = 0
			d.cur = 0
		}
		return 0, false

	case uartData:
		d.elapsed++
		if d.elapsed < d.next {
			return 0, false
		}
		d.next += samplesPerBit
		switch {
		case d.bitIdx == 0:
			if bit != 0 {
				d.state = uartIdle
				return 0, false
			}
		case d.bitIdx <= 8:
			d.cur |= bit << uint(d.bitIdx-1)
		default:
			d.state = uartIdle
			if bit != 1 {
				d.errors++
				d.armed = false
				return 0, false
			}
			return d.cur, true
		}
		d.bitIdx++
	}
	return 0, false
}

// Reset returns the demodulator to its initial unarmed state.
func (d *FSKDemodulator) Reset() {
	*d = FSKDemodulator{}
}
