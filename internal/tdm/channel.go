package tdm

import (
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"

	"github.com/flowpbx/tdmcore/internal/dsp"
	"github.com/flowpbx/tdmcore/internal/iodump"
)

// Channel defaults.
const (
	MaxTokens          = 10
	MaxTokenLen        = 128
	DigitQueueSize     = 128
	DefaultDTMFOnMs    = 250
	DefaultDTMFOffMs   = 50
	DefaultIntervalMs  = 20
	MinDTMFPeriodMs    = 10
	MaxDTMFPeriodMs    = 1000
	dtmfSuppressFrames = 20
)

// CallerData describes the call currently on a channel.
type CallerData struct {
	ANI         string
	DNIS        string
	RDNIS       string
	CIDName     string
	CIDNum      string
	CIDDate     string
	HangupCause int
	CallID      int
	CallUUID    string
	RawData     []byte
}

// ChannelConfig is supplied by a driver when it adds a channel to a span.
type ChannelConfig struct {
	PhysSpanID   int
	PhysChanID   int
	Type         ChanType
	Name         string
	Number       string
	NativeCodec  dsp.Codec
	IntervalMs   int
	DigitalMedia bool
	RxGainDB     float64
	TxGainDB     float64
	DriverData   any
}

// Channel is one timeslot of a span. All mutable fields are guarded by the
// channel lock; flags and state are additionally readable without it for
// the unlocked availability check done while hunting.
type Channel struct {
	lk     chanLock
	span   *Span
	logger *slog.Logger

	id         int
	physSpanID int
	physChanID int
	typ        ChanType
	name       string
	number     string
	driverData any

	flags     atomic.Uint64
	state     atomic.Int32
	lastState State
	status    StateStatus
	stateDone chan struct{}

	pendingInd Indication
	ackDone    chan struct{}

	cd        CallerData
	tokens    []string
	vars      map[string]string
	lastError string
	availRate int

	nativeCodec    dsp.Codec
	effectiveCodec dsp.Codec
	intervalMs     int
	rxGainDB       float64
	txGainDB       float64
	rxGain         dsp.GainTable
	txGain         dsp.GainTable

	dtmfOnMs      int
	dtmfOffMs     int
	digitQueue    []byte
	dtmfHangupBuf []byte
	genDigits     []byte
	dtmfGen       []int16
	fskGen        []int16
	toneGen       *dsp.ToneGenerator
	dtmfDet       *dsp.DTMFDetector
	cidRx         *dsp.CallerIDReceiver
	progressDet   [toneKindCount]*dsp.MultiToneDetector
	neededTones   [toneKindCount]int
	detectedTones [toneKindCount]int

	preBufSize     int
	preBuf         []byte
	skipReadFrames int

	rxDump    *iodump.Buffer
	txDump    *iodump.Buffer
	dtmfDebug dtmfDebugCapture
	traceIn   io.Writer
	traceOut  io.Writer

	readBuf  []byte
	writeBuf []byte
	scratch  []int16

	eventCb EventCallback
	safety  timerID
	outbox  []*SigMsg
}

func newChannel(span *Span, id int, cfg ChannelConfig) *Channel {
	codec := cfg.NativeCodec
	if codec == dsp.CodecNone {
		codec = dsp.CodecUlaw
	}
	interval := cfg.IntervalMs
	if interval <= 0 {
		interval = DefaultIntervalMs
	}
	c := &Channel{
		span:           span,
		logger:         span.logger.With("chan", id),
		id:             id,
		physSpanID:     cfg.PhysSpanID,
		physChanID:     cfg.PhysChanID,
		typ:            cfg.Type,
		name:           cfg.Name,
		number:         cfg.Number,
		driverData:     cfg.DriverData,
		stateDone:      make(chan struct{}),
		ackDone:        make(chan struct{}),
		nativeCodec:    codec,
		effectiveCodec: codec,
		intervalMs:     interval,
		dtmfOnMs:       DefaultDTMFOnMs,
		dtmfOffMs:      DefaultDTMFOffMs,
		toneGen:        dsp.NewToneGenerator(dsp.DefaultVolumeDB),
	}
	c.setGain(&c.rxGain, &c.rxGainDB, cfg.RxGainDB)
	c.setGain(&c.txGain, &c.txGainDB, cfg.TxGainDB)
	flags := ChanConfigured | ChanReady
	if cfg.DigitalMedia {
		flags |= ChanDigitalMedia
	}
	c.flags.Store(uint64(flags))
	return c
}

// ID returns the 1-based channel id within its span.
func (c *Channel) ID() int { return c.id }

// SpanID returns the id of the owning span.
func (c *Channel) SpanID() int { return c.span.id }

// Span returns the owning span.
func (c *Channel) Span() *Span { return c.span }

func (c *Channel) PhysSpanID() int { return c.physSpanID }
func (c *Channel) PhysChanID() int { return c.physChanID }
func (c *Channel) Type() ChanType  { return c.typ }
func (c *Channel) Name() string    { return c.name }
func (c *Channel) Number() string  { return c.number }

// DriverData returns the value the driver attached when adding the channel.
func (c *Channel) DriverData() any { return c.driverData }

func (c *Channel) String() string {
	return fmt.Sprintf("%d:%d", c.span.id, c.id)
}

// Flags returns a snapshot of the channel flags.
func (c *Channel) Flags() ChannelFlag {
	return ChannelFlag(c.flags.Load())
}

// HasFlag reports whether every bit of f is set.
func (c *Channel) HasFlag(f ChannelFlag) bool {
	return ChannelFlag(c.flags.Load())&f == f
}

func (c *Channel) setFlag(f ChannelFlag)   { c.flags.Or(uint64(f)) }
func (c *Channel) clearFlag(f ChannelFlag) { c.flags.And(^uint64(f)) }

// SetFlag sets flags on behalf of drivers and signaling modules.
func (c *Channel) SetFlag(f ChannelFlag) {
	g := c.lk.lock()
	c.setFlag(f)
	g.unlock()
}

// ClearFlag clears flags on behalf of drivers and signaling modules.
func (c *Channel) ClearFlag(f ChannelFlag) {
	g := c.lk.lock()
	c.clearFlag(f)
	g.unlock()
}

// State returns the current state.
func (c *Channel) State() State {
	return State(c.state.Load())
}

// LastState returns the state before the most recent transition.
func (c *Channel) LastState() State {
	g := c.lk.lock()
	defer g.unlock()
	return c.lastState
}

// StateStatus reports whether the current state has been processed.
func (c *Channel) StateStatus() StateStatus {
	g := c.lk.lock()
	defer g.unlock()
	return c.status
}

// LastError returns a short description of the last failure on the channel.
func (c *Channel) LastError() string {
	g := c.lk.lock()
	defer g.unlock()
	return c.lastError
}

func (c *Channel) fail(err error) error {
	if err != nil {
		c.lastError = err.Error()
	}
	return err
}

func (c *Channel) driver() Driver {
	return c.span.driver
}

// release unlocks the channel and delivers any signals queued while the
// lock was held.
func (c *Channel) release(g *lockGuard) {
	out := c.outbox
	c.outbox = nil
	g.unlock()
	for _, msg := range out {
		if err := c.span.SendSignal(msg); err != nil {
			c.logger.Warn("delivering signal", "event", msg.Event, "error", err)
		}
	}
}

// unlockedFlush runs fn with the lock released, delivering queued signals
// first.
func (c *Channel) unlockedFlush(g *lockGuard, fn func()) {
	out := c.outbox
	c.outbox = nil
	g.unlocked(func() {
		for _, msg := range out {
			if err := c.span.SendSignal(msg); err != nil {
				c.logger.Warn("delivering signal", "event", msg.Event, "error", err)
			}
		}
		fn()
	})
}

func (c *Channel) queueSignal(ev SigEvent, payload any) {
	c.outbox = append(c.outbox, &SigMsg{Event: ev, Channel: c, Payload: payload})
}

// Open opens the channel for I/O and marks it in use.
func (c *Channel) Open() error {
	g := c.lk.lock()
	defer c.release(g)
	return c.openLocked(g)
}

func (c *Channel) openLocked(g *lockGuard) error {
	switch {
	case c.HasFlag(ChanSuspended):
		return c.fail(fmt.Errorf("channel %s is suspended: %w", c, ErrSuspended))
	case c.HasFlag(ChanInAlarm):
		return c.fail(fmt.Errorf("channel %s: %w", c, ErrAlarmed))
	case !c.HasFlag(ChanReady):
		return c.fail(fmt.Errorf("channel %s: %w", c, ErrNotReady))
	}
	if !c.HasFlag(ChanOpen) {
		if err := c.driver().Open(c); err != nil {
			return c.fail(fmt.Errorf("opening channel %s: %w", c, err))
		}
	}
	c.setFlag(ChanOpen | ChanInUse)
	c.logger.Debug("channel opened")
	return nil
}

// Use marks an already open channel as in use.
func (c *Channel) Use() error {
	g := c.lk.lock()
	defer g.unlock()
	if !c.HasFlag(ChanOpen) {
		return c.fail(fmt.Errorf("channel %s: %w", c, ErrNotOpen))
	}
	c.setFlag(ChanInUse)
	return nil
}

// Close closes the channel at the I/O level and resets it to defaults.
func (c *Channel) Close() error {
	g := c.lk.lock()
	defer c.release(g)
	return c.closeLocked(g)
}

func (c *Channel) closeLocked(g *lockGuard) error {
	if !c.HasFlag(ChanOpen) {
		return fmt.Errorf("channel %s: %w", c, ErrNotOpen)
	}
	if err := c.driver().Close(c); err != nil {
		c.logger.Error("driver close failed", "error", err)
	}
	c.clearFlag(ChanInUse)
	c.resetLocked(g)
	c.logger.Debug("channel closed")
	return nil
}

// resetLocked returns the channel to its post-creation defaults.
func (c *Channel) resetLocked(g *lockGuard) {
	c.clearFlag(ChanOpen | ChanDTMFDetect | ChanSuppressDTMF | ChanMute | ChanNonBlock | ChanDTMFDebug)
	c.eventCb = nil
	c.doneLocked(g)
	c.clearFlag(ChanHold)
	c.tokens = nil
	c.digitQueue = c.digitQueue[:0]
	c.dtmfHangupBuf = nil
	c.genDigits = c.genDigits[:0]
	c.dtmfGen = nil
	c.fskGen = nil
	c.dtmfDet = nil
	c.dtmfOnMs = DefaultDTMFOnMs
	c.dtmfOffMs = DefaultDTMFOffMs
	if c.HasFlag(ChanTranscode) {
		c.effectiveCodec = c.nativeCodec
		c.clearFlag(ChanTranscode)
	}
	c.preBufSize = 0
	c.skipReadFrames = 0
	c.traceIn = nil
	c.traceOut = nil
	c.dtmfDebug.stop(c.logger)
}

// Done clears all per-call data and returns the channel to Down without
// closing it.
func (c *Channel) Done() {
	g := c.lk.lock()
	defer c.release(g)
	c.doneLocked(g)
}

func (c *Channel) doneLocked(g *lockGuard) {
	if c.HasFlag(ChanIndAckPending) {
		c.ackIndicationLocked(g, c.pendingInd, ErrCancelled)
	}
	c.span.reg.calls.Release(&c.cd)
	c.cd = CallerData{}
	c.clearFlag(ChanInUse | ChanOutbound | ChanWink | ChanFlash | ChanStateChange |
		ChanHold | ChanOffHook | ChanRinging | ChanProgressDetect | ChanCallerIDDetect |
		Chan3Way | ChanProgress | ChanMedia | ChanAnswered | ChanCallStarted |
		ChanUserHangup | ChanCallWaiting)
	c.cancelSafetyLocked()
	c.preBuf = nil
	c.cidRx = nil
	c.vars = nil
	c.neededTones = [toneKindCount]int{}
	c.detectedTones = [toneKindCount]int{}
	if c.State() != StateDown {
		c.lastState = c.State()
		c.state.Store(int32(StateDown))
	}
	c.status = StatusCompleted
	c.wakeStateWaiters()
}

// CallerData returns a copy of the channel's caller data.
func (c *Channel) CallerData() CallerData {
	g := c.lk.lock()
	defer g.unlock()
	return c.cd
}

// SetCallerData replaces the caller data. The call id is preserved since
// it is owned by the call-ID table.
func (c *Channel) SetCallerData(cd CallerData) {
	g := c.lk.lock()
	defer g.unlock()
	cd.CallID = c.cd.CallID
	c.cd = cd
}

// SetHangupCause records the Q.850 cause of the current call.
func (c *Channel) SetHangupCause(cause int) {
	g := c.lk.lock()
	defer g.unlock()
	c.cd.HangupCause = cause
}

// AddToken stores an ownership marker. With end set the token is appended,
// otherwise it is inserted first.
func (c *Channel) AddToken(token string, end bool) error {
	if len(token) >= MaxTokenLen {
		token = token[:MaxTokenLen-1]
	}
	g := c.lk.lock()
	defer g.unlock()
	if len(c.tokens) >= MaxTokens {
		return c.fail(fmt.Errorf("channel %s tokens: %w", c, ErrCapacity))
	}
	if end {
		c.tokens = append(c.tokens, token)
	} else {
		c.tokens = append([]string{token}, c.tokens...)
	}
	return nil
}

// ClearToken removes token, or every token when token is empty.
func (c *Channel) ClearToken(token string) {
	g := c.lk.lock()
	defer g.unlock()
	if token == "" {
		c.tokens = nil
		return
	}
	kept := c.tokens[:0]
	for _, t := range c.tokens {
		if t != token {
			kept = append(kept, t)
		}
	}
	c.tokens = kept
}

// ReplaceToken swaps oldToken for newToken in place. It reports whether
// oldToken was present.
func (c *Channel) ReplaceToken(oldToken, newToken string) bool {
	g := c.lk.lock()
	defer g.unlock()
	for i, t := range c.tokens {
		if t == oldToken {
			c.tokens[i] = newToken
			return true
		}
	}
	return false
}

// RotateTokens moves the last token to the front.
func (c *Channel) RotateTokens() {
	g := c.lk.lock()
	defer g.unlock()
	if n := len(c.tokens); n > 1 {
		last := c.tokens[n-1]
		copy(c.tokens[1:], c.tokens[:n-1])
		c.tokens[0] = last
	}
}

// TokenCount returns the number of stored tokens.
func (c *Channel) TokenCount() int {
	g := c.lk.lock()
	defer g.unlock()
	return len(c.tokens)
}

// Token returns the token at index i or "" if out of range.
func (c *Channel) Token(i int) string {
	g := c.lk.lock()
	defer g.unlock()
	if i < 0 || i >= len(c.tokens) {
		return ""
	}
	return c.tokens[i]
}

// AddVar sets a channel variable for the current call.
func (c *Channel) AddVar(name, value string) {
	g := c.lk.lock()
	defer g.unlock()
	if c.vars == nil {
		c.vars = make(map[string]string)
	}
	c.vars[name] = value
}

// GetVar returns a channel variable.
func (c *Channel) GetVar(name string) (string, bool) {
	g := c.lk.lock()
	defer g.unlock()
	v, ok := c.vars[name]
	return v, ok
}

// Vars returns a copy of all channel variables.
func (c *Channel) Vars() map[string]string {
	g := c.lk.lock()
	defer g.unlock()
	out := make(map[string]string, len(c.vars))
	for k, v := range c.vars {
		out[k] = v
	}
	return out
}

// ClearVars drops all channel variables.
func (c *Channel) ClearVars() {
	g := c.lk.lock()
	defer g.unlock()
	c.vars = nil
}

// SetEventCallback installs the per-channel event callback. It is cleared
// when the channel is closed.
func (c *Channel) SetEventCallback(cb EventCallback) {
	g := c.lk.lock()
	defer g.unlock()
	c.eventCb = cb
}

// SetAvailabilityRate records a 0-100 availability estimate used by the
// best-rated hunting fallback.
func (c *Channel) SetAvailabilityRate(rate int) {
	g := c.lk.lock()
	defer g.unlock()
	c.availRate = min(max(rate, 0), 100)
	c.setFlag(ChanAvRate)
}

// GetAlarms refreshes the channel alarms from the driver and returns them.
func (c *Channel) GetAlarms() (Alarm, error) {
	g := c.lk.lock()
	defer g.unlock()
	ar, ok := c.driver().(AlarmReporter)
	if !ok {
		return AlarmNone, ErrNotImplemented
	}
	a, err := ar.GetAlarms(c)
	if err != nil {
		return AlarmNone, c.fail(fmt.Errorf("reading alarms: %w", err))
	}
	if a != AlarmNone {
		c.setFlag(ChanInAlarm)
		c.lastError = a.String()
	} else {
		c.clearFlag(ChanInAlarm)
	}
	return a, nil
}

// GetSigStatus asks the span signaling for the channel's link status.
func (c *Channel) GetSigStatus() (SigStatus, error) {
	s, ok := c.span.signaling().(ChannelSigStatuser)
	if !ok {
		return SigStatusDown, ErrNotImplemented
	}
	return s.ChannelSigStatus(c)
}

// SetSigStatus asks the span signaling to change the channel's link status.
func (c *Channel) SetSigStatus(status SigStatus) error {
	s, ok := c.span.signaling().(ChannelSigStatuser)
	if !ok {
		return ErrNotImplemented
	}
	return s.SetChannelSigStatus(c, status)
}

// ClearDetectedTones resets the detected tone counters.
func (c *Channel) ClearDetectedTones() {
	g := c.lk.lock()
	defer g.unlock()
	c.detectedTones = [toneKindCount]int{}
}

// ClearNeededTones resets the tones the channel is waiting for.
func (c *Channel) ClearNeededTones() {
	g := c.lk.lock()
	defer g.unlock()
	c.neededTones = [toneKindCount]int{}
}

// NeedTone arms detection of a tone kind.
func (c *Channel) NeedTone(kind ToneKind) {
	g := c.lk.lock()
	defer g.unlock()
	if kind > ToneNone && kind < toneKindCount {
		c.neededTones[kind] = 1
	}
}

// DetectedTones returns how often each tone kind was detected. Index 0
// holds the total.
func (c *Channel) DetectedTones() [toneKindCount]int {
	g := c.lk.lock()
	defer g.unlock()
	return c.detectedTones
}
