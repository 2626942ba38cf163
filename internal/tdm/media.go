package tdm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/flowpbx/tdmcore/internal/dsp"
)

// WriteResult reports how a Write disposed of the caller's buffer. Audio is
// discarded while DTMF or FSK generation owns the line, or when the
// signaling module drops the frame.
type WriteResult struct {
	Written   int
	Discarded int
}

// Read reads one frame from the driver into buf in the effective codec.
// The returned length may be smaller than len(buf).
func (c *Channel) Read(buf []byte) (int, error) {
	g := c.lk.lock()
	defer c.release(g)
	if !c.HasFlag(ChanOpen) {
		return 0, c.fail(fmt.Errorf("read on %s: %w", c, ErrNotOpen))
	}

	want := len(buf)
	if c.HasFlag(ChanTranscode) {
		want = dsp.TranscodedLen(c.effectiveCodec, c.nativeCodec, len(buf))
	}
	if cap(c.readBuf) < want {
		c.readBuf = make([]byte, want)
	}
	raw := c.readBuf[:want]

	drv := c.driver()
	var n int
	var err error
	c.setFlag(ChanInThread)
	c.unlockedFlush(g, func() {
		n, err = drv.Read(c, raw)
	})
	c.clearFlag(ChanInThread)
	if err != nil {
		return 0, c.fail(fmt.Errorf("read on %s: %w", c, err))
	}
	if !c.HasFlag(ChanOpen) {
		return 0, c.fail(fmt.Errorf("read on %s: closed during read: %w", c, ErrNotOpen))
	}
	raw = raw[:n]

	if c.rxGainDB != 0 && c.nativeCodec.Companded() {
		c.rxGain.Apply(raw)
	}
	if c.traceIn != nil {
		if _, err := c.traceIn.Write(raw); err != nil {
			c.logger.Warn("input trace write failed, disabling", "error", err)
			c.traceIn = nil
		}
	}
	if sr, ok := c.span.signaling().(SigReader); ok {
		if err := sr.SigRead(c, raw); err != nil {
			c.logger.Debug("signaling read hook", "error", err)
		}
	}
	if c.rxDump != nil {
		c.rxDump.Write(raw)
	}
	c.dtmfDebug.onRead(raw, c.logger)

	return c.processMediaLocked(g, raw, buf)
}

// processMediaLocked services tone generation and converts raw native audio
// into out, running the detectors on the decoded samples.
func (c *Channel) processMediaLocked(g *lockGuard, raw, out []byte) (int, error) {
	c.serviceGeneratorLocked()

	var n int
	if c.HasFlag(ChanTranscode) && !c.HasFlag(ChanDigitalMedia) {
		fn, err := dsp.Transcoder(c.nativeCodec, c.effectiveCodec)
		if err != nil {
			return 0, c.fail(fmt.Errorf("read on %s: %s to %s: %w", c, c.nativeCodec, c.effectiveCodec, ErrCodec))
		}
		if need := dsp.TranscodedLen(c.nativeCodec, c.effectiveCodec, len(raw)); need > len(out) {
			raw = raw[:dsp.TranscodedLen(c.effectiveCodec, c.nativeCodec, len(out))]
		}
		n = fn(out, raw)
	} else {
		n = copy(out, raw)
	}
	data := out[:n]

	if !c.HasFlag(ChanDigitalMedia) && c.Flags()&(ChanDTMFDetect|ChanProgressDetect|ChanCallerIDDetect) != 0 {
		c.scratch = dsp.BytesToSamples(c.effectiveCodec, data, c.scratch)
		// Detectors run inside the read and must not release the lock.
		dg := g.enter()
		c.detectLocked(dg, c.scratch)
		dg.exit()
	}

	switch {
	case c.skipReadFrames > 0 || c.HasFlag(ChanMute):
		if c.skipReadFrames > 0 {
			c.skipReadFrames--
		}
		c.preBuf = c.preBuf[:0]
		fillSilence(data, c.effectiveCodec)
	case c.preBufSize > 0:
		c.preBuf = append(c.preBuf, data...)
		if len(c.preBuf) >= c.preBufSize {
			copy(data, c.preBuf[:n])
			c.preBuf = append(c.preBuf[:0], c.preBuf[n:]...)
		} else {
			fillSilence(data, c.effectiveCodec)
		}
	}
	return n, nil
}

func fillSilence(data []byte, codec dsp.Codec) {
	s := codec.Silence()
	for i := range data {
		data[i] = s
	}
}

// detectLocked runs the enabled detectors over one frame of samples.
func (c *Channel) detectLocked(g *lockGuard, samples []int16) {
	if c.HasFlag(ChanCallerIDDetect) && c.cidRx != nil {
		cid, done, err := c.cidRx.Feed(samples)
		if done {
			if err != nil {
				c.logger.Warn("caller id decode failed", "error", err)
			} else {
				c.cd.CIDNum = cid.Number
				c.cd.CIDName = cid.Name
				c.cd.CIDDate = cid.DateTime
				if c.cd.ANI == "" {
					c.cd.ANI = cid.Number
				}
				c.logger.Debug("caller id received", "number", cid.Number, "name", cid.Name)
			}
			c.cidRx = nil
			c.clearFlag(ChanCallerIDDetect)
		}
	}

	if c.HasFlag(ChanProgressDetect) {
		for k := ToneDial; k < toneKindCount; k++ {
			det := c.progressDet[k]
			if det == nil || c.neededTones[k] == 0 {
				continue
			}
			if det.Detect(samples) {
				c.detectedTones[k]++
				c.detectedTones[ToneNone]++
				c.neededTones[k] = 0
				c.logger.Debug("progress tone detected", "tone", k)
			}
		}
	}

	if c.HasFlag(ChanDTMFDetect) && c.dtmfDet != nil {
		digits := c.dtmfDet.Detect(samples)
		for i := 0; i < len(digits); i++ {
			c.handleDigitLocked(g, digits[i])
		}
	}
}

func (c *Channel) handleDigitLocked(g *lockGuard, d byte) {
	if c.State() == StateCallWaiting && (d == 'A' || d == 'D') {
		c.detectedTones[ToneCallwaitAck]++
		c.detectedTones[ToneNone]++
		return
	}
	if c.HasFlag(ChanDTMFDebug) {
		c.dtmfDebug.onDigit(c.rxDump, c.logger)
	}
	if ic, ok := c.span.signaling().(DTMFInterceptor); ok && ic.InterceptDTMF(c, d) {
		return
	}
	if err := c.queueDTMFLocked(g, string(d)); err != nil {
		c.logger.Warn("queueing dtmf", "error", err)
	}
	if cb := c.eventCb; cb != nil {
		cb(Event{Kind: EventDTMF, Channel: c, Data: string(d), At: time.Now()})
	}
	if c.HasFlag(ChanSuppressDTMF) {
		c.skipReadFrames = dtmfSuppressFrames
	}
}

// serviceGeneratorLocked starts pending DTMF digits and writes one interval
// of generated DTMF or FSK audio to the driver.
func (c *Channel) serviceGeneratorLocked() {
	if len(c.genDigits) > 0 && len(c.dtmfGen) == 0 {
		digits := string(c.genDigits)
		c.genDigits = c.genDigits[:0]
		if digits[0] == 'F' {
			c.setFlag(ChanFlash)
			if _, err := c.driver().Command(c, CmdFlash, nil); err != nil {
				c.logger.Warn("flash before dtmf failed", "error", err)
			}
			digits = digits[1:]
		}
		c.dtmfGen = c.toneGen.DTMFDigits(digits, c.dtmfOnMs, c.dtmfOffMs)
		frame := c.intervalMs * 8
		if frame > 0 {
			c.skipReadFrames = len(c.dtmfGen)/frame + 4
		}
		c.logger.Debug("generating dtmf", "digits", digits)
	}

	src := &c.dtmfGen
	if len(*src) == 0 {
		src = &c.fskGen
	}
	if len(*src) == 0 {
		return
	}
	samples := c.intervalMs * 8
	take := min(samples, len(*src))
	chunk := (*src)[:take]
	*src = (*src)[take:]
	if len(*src) == 0 {
		*src = nil
	}

	// The tail of a burst is padded so the driver always gets whole frames.
	size := samples * c.nativeCodec.BytesPerSample()
	if cap(c.writeBuf) < size {
		c.writeBuf = make([]byte, size)
	}
	frame := c.writeBuf[:size]
	n := dsp.SamplesToBytes(c.nativeCodec, chunk, frame)
	fillSilence(frame[n:], c.nativeCodec)
	if _, err := c.driver().Write(c, frame); err != nil {
		c.logger.Warn("writing generated audio", "error", err)
	}
}

// generating reports whether DTMF or FSK generation owns the transmit path.
func (c *Channel) generating() bool {
	return len(c.genDigits) > 0 || len(c.dtmfGen) > 0 || len(c.fskGen) > 0
}

// Write transcodes buf from the effective codec to the native codec and
// passes it to the driver.
func (c *Channel) Write(buf []byte) (WriteResult, error) {
	g := c.lk.lock()
	defer c.release(g)
	if !c.HasFlag(ChanOpen) {
		return WriteResult{}, c.fail(fmt.Errorf("write on %s: %w", c, ErrNotOpen))
	}
	if c.generating() {
		return WriteResult{Discarded: len(buf)}, nil
	}

	var data []byte
	if c.HasFlag(ChanTranscode) && !c.HasFlag(ChanDigitalMedia) {
		fn, err := dsp.Transcoder(c.effectiveCodec, c.nativeCodec)
		if err != nil {
			return WriteResult{}, c.fail(fmt.Errorf("write on %s: %s to %s: %w", c, c.effectiveCodec, c.nativeCodec, ErrCodec))
		}
		size := dsp.TranscodedLen(c.effectiveCodec, c.nativeCodec, len(buf))
		if cap(c.writeBuf) < size {
			c.writeBuf = make([]byte, size)
		}
		data = c.writeBuf[:fn(c.writeBuf[:size], buf)]
	} else {
		if cap(c.writeBuf) < len(buf) {
			c.writeBuf = make([]byte, len(buf))
		}
		data = c.writeBuf[:copy(c.writeBuf[:len(buf)], buf)]
	}

	if c.txGainDB != 0 && c.nativeCodec.Companded() {
		c.txGain.Apply(data)
	}
	if sw, ok := c.span.signaling().(SigWriter); ok {
		if err := sw.SigWrite(c, data); errors.Is(err, ErrDropFrame) {
			return WriteResult{Discarded: len(buf)}, nil
		} else if err != nil {
			c.logger.Debug("signaling write hook", "error", err)
		}
	}
	if c.traceOut != nil {
		if _, err := c.traceOut.Write(data); err != nil {
			c.logger.Warn("output trace write failed, disabling", "error", err)
			c.traceOut = nil
		}
	}
	if c.txDump != nil {
		c.txDump.Write(data)
	}

	n, err := c.driver().Write(c, data)
	if err != nil {
		return WriteResult{}, c.fail(fmt.Errorf("write on %s: %w", c, err))
	}
	written := len(buf)
	if n < len(data) {
		written = dsp.TranscodedLen(c.nativeCodec, c.effectiveCodec, n)
	}
	return WriteResult{Written: written}, nil
}

// Wait blocks in the driver until the channel is ready for any of flags.
func (c *Channel) Wait(ctx context.Context, flags WaitFlag, timeout time.Duration) (WaitFlag, error) {
	if !c.HasFlag(ChanOpen) {
		return WaitNone, fmt.Errorf("wait on %s: %w", c, ErrNotOpen)
	}
	if c.HasFlag(ChanNonBlock) {
		timeout = 0
	}
	return c.driver().Wait(ctx, c, flags, timeout)
}
