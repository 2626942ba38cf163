package tdm

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/flowpbx/tdmcore/internal/dsp"
	"github.com/flowpbx/tdmcore/internal/iodump"
)

// QueueDTMF appends received digits to the channel digit queue. Invalid
// characters are dropped; when the queue would overflow the oldest digits
// are discarded.
func (c *Channel) QueueDTMF(digits string) error {
	g := c.lk.lock()
	defer c.release(g)
	return c.queueDTMFLocked(g, digits)
}

func (c *Channel) queueDTMFLocked(g *lockGuard, digits string) error {
	valid := dsp.FilterDTMF(digits)
	if valid == "" {
		return nil
	}

	if seq := c.span.dtmfHangupSeq(); seq != "" {
		for i := 0; i < len(valid); i++ {
			c.dtmfHangupBuf = append(c.dtmfHangupBuf, valid[i])
			if over := len(c.dtmfHangupBuf) - len(seq); over > 0 {
				c.dtmfHangupBuf = c.dtmfHangupBuf[over:]
			}
			if string(c.dtmfHangupBuf) == seq {
				c.logger.Debug("dtmf hangup sequence detected")
				c.dtmfHangupBuf = c.dtmfHangupBuf[:0]
				if err := c.setStateLocked(g, StateHangup, false); err != nil {
					c.logger.Warn("dtmf hangup failed", "error", err)
				}
				break
			}
		}
	}

	if len(valid) > DigitQueueSize {
		valid = valid[len(valid)-DigitQueueSize:]
	}
	if drop := len(c.digitQueue) + len(valid) - DigitQueueSize; drop > 0 {
		c.logger.Debug("digit queue full, dropping oldest", "dropped", drop)
		c.digitQueue = append(c.digitQueue[:0], c.digitQueue[drop:]...)
	}
	c.digitQueue = append(c.digitQueue, valid...)
	c.preBuf = c.preBuf[:0]
	return nil
}

// DequeueDTMF moves queued digits into buf followed by a terminating zero
// byte and returns the number of digits copied.
func (c *Channel) DequeueDTMF(buf []byte) int {
	if len(buf) == 0 {
		return 0
	}
	g := c.lk.lock()
	defer g.unlock()
	n := copy(buf[:len(buf)-1], c.digitQueue)
	buf[n] = 0
	c.digitQueue = append(c.digitQueue[:0], c.digitQueue[n:]...)
	return n
}

// DequeueDTMFString drains the digit queue.
func (c *Channel) DequeueDTMFString() string {
	g := c.lk.lock()
	defer g.unlock()
	s := string(c.digitQueue)
	c.digitQueue = c.digitQueue[:0]
	return s
}

// HasDTMF returns the number of queued digits.
func (c *Channel) HasDTMF() int {
	g := c.lk.lock()
	defer g.unlock()
	return len(c.digitQueue)
}

// FlushDTMF discards queued digits.
func (c *Channel) FlushDTMF() {
	g := c.lk.lock()
	defer g.unlock()
	c.digitQueue = c.digitQueue[:0]
}

// sendDTMFLocked queues digits for generation. A leading 'F' requests a
// hook flash before the digits.
func (c *Channel) sendDTMFLocked(digits string) error {
	if digits == "" {
		return nil
	}
	var out []byte
	for i := 0; i < len(digits); i++ {
		d := digits[i]
		if dsp.IsDTMF(d) || d == dsp.PauseDigit || (d == 'F' && i == 0 && len(c.genDigits) == 0) {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return fmt.Errorf("no valid digits in %q", digits)
	}
	c.genDigits = append(c.genDigits, out...)
	return nil
}

// SendFSKData queues a framed caller-ID message for FSK transmission on
// the next reads. User audio written meanwhile is discarded.
func (c *Channel) SendFSKData(msg []byte, volumeDB float64) error {
	g := c.lk.lock()
	defer g.unlock()
	if !c.HasFlag(ChanOpen) {
		return c.fail(fmt.Errorf("send fsk on %s: %w", c, ErrNotOpen))
	}
	if len(c.fskGen) > 0 {
		return c.fail(fmt.Errorf("send fsk on %s: transmission in progress: %w", c, ErrBusy))
	}
	mod := dsp.NewFSKModulator(volumeDB)
	c.fskGen = mod.ModulateCallerID(msg)
	c.logger.Debug("fsk data queued", "bytes", len(msg), "samples", len(c.fskGen))
	return nil
}

// SendCallerID transmits an MDMF caller-ID burst.
func (c *Channel) SendCallerID(cid dsp.CallerID) error {
	return c.SendFSKData(dsp.BuildMDMF(cid), dsp.DefaultVolumeDB)
}

// dtmfDebugIdleReads is how many reads without a new digit keep a DTMF
// debug capture open.
const dtmfDebugIdleReads = 20

// dtmfDebugCapture writes received audio around detected digits to a sink
// opened on demand.
type dtmfDebugCapture struct {
	open func() (io.WriteCloser, error)
	w    io.WriteCloser
	idle int
}

func (d *dtmfDebugCapture) enabled() bool { return d.open != nil }

// onDigit starts or extends a capture, seeding a new one with the audio
// held in the rx dump buffer.
func (d *dtmfDebugCapture) onDigit(rx *iodump.Buffer, logger *slog.Logger) {
	if !d.enabled() {
		return
	}
	d.idle = 0
	if d.w != nil {
		return
	}
	w, err := d.open()
	if err != nil {
		logger.Warn("opening dtmf debug capture", "error", err)
		return
	}
	d.w = w
	if rx != nil {
		if _, err := w.Write(rx.Bytes()); err != nil {
			logger.Warn("writing dtmf debug capture", "error", err)
		}
	}
}

func (d *dtmfDebugCapture) onRead(data []byte, logger *slog.Logger) {
	if d.w == nil {
		return
	}
	if _, err := d.w.Write(data); err != nil {
		logger.Warn("writing dtmf debug capture", "error", err)
	}
	d.idle++
	if d.idle >= dtmfDebugIdleReads {
		d.closeSink(logger)
	}
}

func (d *dtmfDebugCapture) closeSink(logger *slog.Logger) {
	if d.w == nil {
		return
	}
	if err := d.w.Close(); err != nil {
		logger.Warn("closing dtmf debug capture", "error", err)
	}
	d.w = nil
	d.idle = 0
}

func (d *dtmfDebugCapture) stop(logger *slog.Logger) {
	d.closeSink(logger)
	d.open = nil
}
