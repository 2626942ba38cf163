package tdm

import (
	"errors"
	"fmt"
	"io"

	"github.com/flowpbx/tdmcore/internal/dsp"
	"github.com/flowpbx/tdmcore/internal/iodump"
)

// Command is a channel control request. Commands the core does not handle
// itself are passed to the driver.
type Command int

const (
	CmdNone Command = iota
	CmdEnableCallerIDDetect
	CmdDisableCallerIDDetect
	CmdTraceInput  // arg io.Writer
	CmdTraceOutput // arg io.Writer
	CmdTraceEnd
	CmdSetInterval // arg int milliseconds
	CmdGetInterval
	CmdSetCodec // arg dsp.Codec
	CmdGetCodec
	CmdSetNativeCodec
	CmdGetNativeCodec
	CmdEnableProgressDetect
	CmdDisableProgressDetect
	CmdEnableDTMFDetect
	CmdDisableDTMFDetect
	CmdSetPreBufferSize // arg int milliseconds, 0 disables
	CmdGetDTMFOnPeriod
	CmdSetDTMFOnPeriod // arg int milliseconds
	CmdGetDTMFOffPeriod
	CmdSetDTMFOffPeriod // arg int milliseconds
	CmdSendDTMF         // arg string
	CmdGenerateTone     // arg ToneKind
	CmdSetRxGain        // arg float64 dB
	CmdGetRxGain
	CmdSetTxGain // arg float64 dB
	CmdGetTxGain
	CmdEnableInputDump  // arg int bytes
	CmdDisableInputDump
	CmdEnableOutputDump // arg int bytes
	CmdDisableOutputDump
	CmdDumpInput  // arg io.Writer
	CmdDumpOutput // arg io.Writer
	CmdEnableDebugDTMF // arg func() (io.WriteCloser, error)
	CmdDisableDebugDTMF
	CmdFlushTxBuffers
	CmdFlushRxBuffers
	CmdMute
	CmdUnmute

	// Driver commands.
	CmdFlash
	CmdOffHook
	CmdOnHook
	CmdRingStart
	CmdRingStop
	CmdSetPolarity
)

var commandNames = map[Command]string{
	CmdNone:                  "none",
	CmdEnableCallerIDDetect:  "enable_callerid_detect",
	CmdDisableCallerIDDetect: "disable_callerid_detect",
	CmdTraceInput:            "trace_input",
	CmdTraceOutput:           "trace_output",
	CmdTraceEnd:              "trace_end",
	CmdSetInterval:           "set_interval",
	CmdGetInterval:           "get_interval",
	CmdSetCodec:              "set_codec",
	CmdGetCodec:              "get_codec",
	CmdSetNativeCodec:        "set_native_codec",
	CmdGetNativeCodec:        "get_native_codec",
	CmdEnableProgressDetect:  "enable_progress_detect",
	CmdDisableProgressDetect: "disable_progress_detect",
	CmdEnableDTMFDetect:      "enable_dtmf_detect",
	CmdDisableDTMFDetect:     "disable_dtmf_detect",
	CmdSetPreBufferSize:      "set_pre_buffer_size",
	CmdGetDTMFOnPeriod:       "get_dtmf_on_period",
	CmdSetDTMFOnPeriod:       "set_dtmf_on_period",
	CmdGetDTMFOffPeriod:      "get_dtmf_off_period",
	CmdSetDTMFOffPeriod:      "set_dtmf_off_period",
	CmdSendDTMF:              "send_dtmf",
	CmdGenerateTone:          "generate_tone",
	CmdSetRxGain:             "set_rx_gain",
	CmdGetRxGain:             "get_rx_gain",
	CmdSetTxGain:             "set_tx_gain",
	CmdGetTxGain:             "get_tx_gain",
	CmdEnableInputDump:       "enable_input_dump",
	CmdDisableInputDump:      "disable_input_dump",
	CmdEnableOutputDump:      "enable_output_dump",
	CmdDisableOutputDump:     "disable_output_dump",
	CmdDumpInput:             "dump_input",
	CmdDumpOutput:            "dump_output",
	CmdEnableDebugDTMF:       "enable_debug_dtmf",
	CmdDisableDebugDTMF:      "disable_debug_dtmf",
	CmdFlushTxBuffers:        "flush_tx_buffers",
	CmdFlushRxBuffers:        "flush_rx_buffers",
	CmdMute:                  "mute",
	CmdUnmute:                "unmute",
	CmdFlash:                 "flash",
	CmdOffHook:               "offhook",
	CmdOnHook:                "onhook",
	CmdRingStart:             "ring_start",
	CmdRingStop:              "ring_stop",
	CmdSetPolarity:           "set_polarity",
}

func (c Command) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("command(%d)", int(c))
}

// Command executes a control request on an open channel and returns its
// result, if any.
func (c *Channel) Command(cmd Command, arg any) (any, error) {
	g := c.lk.lock()
	defer c.release(g)
	if !c.HasFlag(ChanOpen) {
		return nil, c.fail(fmt.Errorf("%s on %s: %w", cmd, c, ErrNotOpen))
	}
	res, err := c.commandLocked(g, cmd, arg)
	if err != nil {
		return nil, c.fail(fmt.Errorf("%s on %s: %w", cmd, c, err))
	}
	return res, nil
}

func (c *Channel) commandLocked(g *lockGuard, cmd Command, arg any) (any, error) {
	switch cmd {
	case CmdEnableCallerIDDetect:
		if c.typ != ChanTypeFXO {
			return nil, fmt.Errorf("caller id detection on %s channel: %w", c.typ, ErrNotImplemented)
		}
		c.cidRx = dsp.NewCallerIDReceiver()
		c.setFlag(ChanCallerIDDetect)
		return nil, nil
	case CmdDisableCallerIDDetect:
		c.cidRx = nil
		c.clearFlag(ChanCallerIDDetect)
		return nil, nil

	case CmdTraceInput, CmdTraceOutput:
		w, err := argAs[io.Writer](arg)
		if err != nil {
			return nil, err
		}
		if cmd == CmdTraceInput {
			c.traceIn = w
		} else {
			c.traceOut = w
		}
		return nil, nil
	case CmdTraceEnd:
		c.traceIn, c.traceOut = nil, nil
		return nil, nil

	case CmdSetInterval:
		ms, err := argAs[int](arg)
		if err != nil {
			return nil, err
		}
		if ms <= 0 {
			return nil, fmt.Errorf("interval %d ms: %w", ms, ErrInvalidState)
		}
		if _, err := c.driver().Command(c, cmd, ms); err != nil && !errors.Is(err, ErrNotImplemented) {
			return nil, err
		}
		c.intervalMs = ms
		return nil, nil
	case CmdGetInterval:
		return c.intervalMs, nil

	case CmdSetCodec:
		codec, err := argAs[dsp.Codec](arg)
		if err != nil {
			return nil, err
		}
		return nil, c.setCodecLocked(codec)
	case CmdGetCodec:
		return c.effectiveCodec, nil
	case CmdSetNativeCodec:
		codec, err := argAs[dsp.Codec](arg)
		if err != nil {
			return nil, err
		}
		if _, err := c.driver().Command(c, cmd, codec); err != nil {
			return nil, err
		}
		c.nativeCodec = codec
		c.setGain(&c.rxGain, &c.rxGainDB, c.rxGainDB)
		c.setGain(&c.txGain, &c.txGainDB, c.txGainDB)
		return nil, c.setCodecLocked(c.effectiveCodec)
	case CmdGetNativeCodec:
		return c.nativeCodec, nil

	case CmdEnableProgressDetect:
		if !c.typ.IsVoice() {
			return nil, fmt.Errorf("progress detection on %s channel: %w", c.typ, ErrNotImplemented)
		}
		for k := ToneDial; k < toneKindCount; k++ {
			if freqs := c.span.detectFreqs(k); len(freqs) > 0 {
				c.progressDet[k] = dsp.NewMultiToneDetector(freqs)
			}
		}
		c.setFlag(ChanProgressDetect)
		return nil, nil
	case CmdDisableProgressDetect:
		c.progressDet = [toneKindCount]*dsp.MultiToneDetector{}
		c.clearFlag(ChanProgressDetect)
		return nil, nil

	case CmdEnableDTMFDetect:
		if !c.typ.IsVoice() {
			return nil, fmt.Errorf("dtmf detection on %s channel: %w", c.typ, ErrNotImplemented)
		}
		c.dtmfDet = dsp.NewDTMFDetector()
		c.setFlag(ChanDTMFDetect | ChanSuppressDTMF)
		return nil, nil
	case CmdDisableDTMFDetect:
		c.dtmfDet = nil
		c.clearFlag(ChanDTMFDetect | ChanSuppressDTMF)
		return nil, nil

	case CmdSetPreBufferSize:
		ms, err := argAs[int](arg)
		if err != nil {
			return nil, err
		}
		if ms < 0 {
			ms = 0
		}
		c.preBufSize = ms * 8 * c.effectiveCodec.BytesPerSample()
		c.preBuf = nil
		return nil, nil

	case CmdGetDTMFOnPeriod:
		return c.dtmfOnMs, nil
	case CmdGetDTMFOffPeriod:
		return c.dtmfOffMs, nil
	case CmdSetDTMFOnPeriod, CmdSetDTMFOffPeriod:
		ms, err := argAs[int](arg)
		if err != nil {
			return nil, err
		}
		if ms < MinDTMFPeriodMs || ms > MaxDTMFPeriodMs {
			return nil, fmt.Errorf("dtmf period %d ms outside %d-%d: %w", ms, MinDTMFPeriodMs, MaxDTMFPeriodMs, ErrInvalidState)
		}
		if cmd == CmdSetDTMFOnPeriod {
			c.dtmfOnMs = ms
		} else {
			c.dtmfOffMs = ms
		}
		return nil, nil

	case CmdSendDTMF:
		digits, err := argAs[string](arg)
		if err != nil {
			return nil, err
		}
		return nil, c.sendDTMFLocked(digits)
	case CmdGenerateTone:
		kind, err := argAs[ToneKind](arg)
		if err != nil {
			return nil, err
		}
		m := c.span.ToneMap(kind)
		if len(m) == 0 {
			return nil, fmt.Errorf("tone %s: %w", kind, ErrNotFound)
		}
		c.dtmfGen = append(c.dtmfGen, c.toneGen.Render(m)...)
		return nil, nil

	case CmdSetRxGain, CmdSetTxGain:
		db, err := argAs[float64](arg)
		if err != nil {
			return nil, err
		}
		if !c.nativeCodec.Companded() {
			return nil, fmt.Errorf("gain on %s media: %w", c.nativeCodec, ErrNotImplemented)
		}
		if cmd == CmdSetRxGain {
			c.setGain(&c.rxGain, &c.rxGainDB, db)
		} else {
			c.setGain(&c.txGain, &c.txGainDB, db)
		}
		return nil, nil
	case CmdGetRxGain:
		return c.rxGainDB, nil
	case CmdGetTxGain:
		return c.txGainDB, nil

	case CmdEnableInputDump, CmdEnableOutputDump:
		size, err := argAs[int](arg)
		if err != nil {
			return nil, err
		}
		buf, err := iodump.New(size)
		if err != nil {
			return nil, err
		}
		if cmd == CmdEnableInputDump {
			if c.rxDump != nil {
				return nil, fmt.Errorf("input dump: %w", ErrAlready)
			}
			c.rxDump = buf
		} else {
			if c.txDump != nil {
				return nil, fmt.Errorf("output dump: %w", ErrAlready)
			}
			c.txDump = buf
		}
		c.logger.Debug("io dump enabled", "command", cmd, "size", size)
		return nil, nil
	case CmdDisableInputDump:
		c.rxDump = nil
		return nil, nil
	case CmdDisableOutputDump:
		c.txDump = nil
		return nil, nil
	case CmdDumpInput, CmdDumpOutput:
		w, err := argAs[io.Writer](arg)
		if err != nil {
			return nil, err
		}
		buf := c.rxDump
		if cmd == CmdDumpOutput {
			buf = c.txDump
		}
		if buf == nil {
			return nil, fmt.Errorf("no dump buffer: %w", ErrNotFound)
		}
		return buf.DumpTo(w)

	case CmdEnableDebugDTMF:
		open, err := argAs[func() (io.WriteCloser, error)](arg)
		if err != nil {
			return nil, err
		}
		if c.rxDump == nil {
			buf, err := iodump.New(DebugDTMFPreRollBytes)
			if err != nil {
				return nil, err
			}
			c.rxDump = buf
		}
		c.dtmfDebug.stop(c.logger)
		c.dtmfDebug.open = open
		c.setFlag(ChanDTMFDebug)
		return nil, nil
	case CmdDisableDebugDTMF:
		c.dtmfDebug.stop(c.logger)
		c.clearFlag(ChanDTMFDebug)
		return nil, nil

	case CmdFlushTxBuffers:
		c.genDigits = c.genDigits[:0]
		c.dtmfGen = nil
		c.fskGen = nil
		return c.forwardOptional(cmd, arg)
	case CmdFlushRxBuffers:
		c.preBuf = nil
		return c.forwardOptional(cmd, arg)

	case CmdMute:
		c.setFlag(ChanMute)
		return nil, nil
	case CmdUnmute:
		c.clearFlag(ChanMute)
		return nil, nil
	}

	if cmd == CmdFlash {
		c.setFlag(ChanFlash)
	}
	return c.driver().Command(c, cmd, arg)
}

// DebugDTMFPreRollBytes sizes the rx dump buffer created for DTMF debug
// captures when no input dump is enabled.
const DebugDTMFPreRollBytes = 8000

// forwardOptional passes cmd to the driver, treating ErrNotImplemented as
// success.
func (c *Channel) forwardOptional(cmd Command, arg any) (any, error) {
	res, err := c.driver().Command(c, cmd, arg)
	if errors.Is(err, ErrNotImplemented) {
		return nil, nil
	}
	return res, err
}

func (c *Channel) setCodecLocked(codec dsp.Codec) error {
	if codec == c.nativeCodec {
		c.effectiveCodec = codec
		c.clearFlag(ChanTranscode)
		return nil
	}
	if c.HasFlag(ChanDigitalMedia) {
		return fmt.Errorf("transcoding digital media: %w", ErrCodec)
	}
	if _, err := dsp.Transcoder(c.nativeCodec, codec); err != nil {
		return fmt.Errorf("%s to %s: %w", c.nativeCodec, codec, ErrCodec)
	}
	if _, err := dsp.Transcoder(codec, c.nativeCodec); err != nil {
		return fmt.Errorf("%s to %s: %w", codec, c.nativeCodec, ErrCodec)
	}
	c.effectiveCodec = codec
	c.setFlag(ChanTranscode)
	c.logger.Debug("transcoding enabled", "native", c.nativeCodec, "effective", codec)
	return nil
}

// setGain rebuilds a gain table for the native codec.
func (c *Channel) setGain(tbl *dsp.GainTable, db *float64, v float64) {
	*db = v
	*tbl = dsp.BuildGainTable(c.nativeCodec, v)
}

func argAs[T any](arg any) (T, error) {
	v, ok := arg.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("unexpected argument type %T", arg)
	}
	return v, nil
}
