package tdm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/tdmcore/internal/dsp"
)

// SignalQueueSize bounds the per-span queued signal delivery.
const SignalQueueSize = 100

// Generation tone maps installed on every new span.
var defaultToneMaps = map[ToneKind]string{
	ToneDial: "%(1000,0,350,440)",
	ToneRing: "%(2000,4000,440,480)",
	ToneBusy: "%(500,500,480,620)",
	ToneAttn: "%(100,100,1400,2060,2450,2600)",
}

// Detection frequencies installed on every new span.
var defaultDetectMaps = map[ToneKind][]float64{
	ToneDial: {350, 440},
	ToneRing: {440, 480},
	ToneBusy: {480, 620},
}

// Span is one physical interface and the channels it owns.
type Span struct {
	reg    *Registry
	logger *slog.Logger
	id     int
	name   string
	driver Driver

	flags atomic.Uint64

	// mu guards the channel array and the round-robin cursor. Hunting
	// holds it while locking channels.
	mu       sync.Mutex
	channels []*Channel
	lastIdx  int

	// cfgMu is a leaf lock guarding configuration read from channel code.
	cfgMu      sync.RWMutex
	trunk      TrunkType
	toneGen    [toneKindCount]dsp.ToneMap
	toneDetect [toneKindCount][]float64
	stateMap   StateMap
	dtmfHangup string
	eventCb    EventCallback

	sigMu    sync.RWMutex
	sig      SpanSignaling
	sigCb    SignalCallback
	sigQueue chan *SigMsg

	// queueMu is a leaf lock; it may be taken with a channel lock held.
	queueMu sync.Mutex
	pending []*Channel
	stateCh chan struct{}

	destroyOnce sync.Once
}

func newSpan(r *Registry, id int, name string, drv Driver) *Span {
	s := &Span{
		reg:     r,
		logger:  r.logger.With("span", name, "span_id", id),
		id:      id,
		name:    name,
		driver:  drv,
		trunk:   TrunkNone,
		stateCh: make(chan struct{}, 1),
	}
	for kind, def := range defaultToneMaps {
		m, err := dsp.ParseToneMap(def)
		if err != nil {
			panic(fmt.Sprintf("tdm: default tone map %s: %v", kind, err))
		}
		s.toneGen[kind] = m
	}
	for kind, freqs := range defaultDetectMaps {
		s.toneDetect[kind] = freqs
	}
	return s
}

func (s *Span) ID() int              { return s.id }
func (s *Span) Name() string         { return s.name }
func (s *Span) Driver() Driver       { return s.driver }
func (s *Span) Registry() *Registry  { return s.reg }
func (s *Span) Logger() *slog.Logger { return s.logger }

func (s *Span) String() string { return s.name }

// TrunkType returns the interface kind.
func (s *Span) TrunkType() TrunkType {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.trunk
}

// SetTrunkType sets the interface kind.
func (s *Span) SetTrunkType(t TrunkType) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.trunk = t
}

// Flags returns a snapshot of the span flags.
func (s *Span) Flags() SpanFlag { return SpanFlag(s.flags.Load()) }

// HasFlag reports whether every bit of f is set.
func (s *Span) HasFlag(f SpanFlag) bool { return SpanFlag(s.flags.Load())&f == f }

// SetFlag sets span flags.
func (s *Span) SetFlag(f SpanFlag) { s.flags.Or(uint64(f)) }

// ClearFlag clears span flags.
func (s *Span) ClearFlag(f SpanFlag) { s.flags.And(^uint64(f)) }

// AddChannel appends a channel with the next id. Drivers call it while
// configuring the span.
func (s *Span) AddChannel(cfg ChannelConfig) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.channels) >= s.reg.maxChannels {
		return nil, fmt.Errorf("span %s channels: %w", s.name, ErrCapacity)
	}
	ch := newChannel(s, len(s.channels)+1, cfg)
	s.channels = append(s.channels, ch)
	s.SetFlag(SpanConfigured)
	return ch, nil
}

// Channel returns the channel with the 1-based id.
func (s *Span) Channel(id int) (*Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id < 1 || id > len(s.channels) {
		return nil, fmt.Errorf("channel %d:%d: %w", s.id, id, ErrNotFound)
	}
	return s.channels[id-1], nil
}

// Channels returns the channels in id order.
func (s *Span) Channels() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

// ChanCount returns the number of channels.
func (s *Span) ChanCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.channels)
}

// UseCount returns how many channels are in use.
func (s *Span) UseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return countInUse(s.channels)
}

func countInUse(chans []*Channel) int {
	n := 0
	for _, ch := range chans {
		if ch.HasFlag(ChanInUse) {
			n++
		}
	}
	return n
}

// Configure hands driver parameters to the driver so it can create the
// span's channels.
func (s *Span) Configure(ctx context.Context, params map[string]string) error {
	sc, ok := s.driver.(SpanConfigurer)
	if !ok {
		return fmt.Errorf("configuring span %s: %w", s.name, ErrNotImplemented)
	}
	if err := sc.ConfigureSpan(ctx, s, params); err != nil {
		return fmt.Errorf("configuring span %s: %w", s.name, err)
	}
	if s.ChanCount() > 0 {
		s.SetFlag(SpanConfigured)
	}
	if v, ok := params["trunk_type"]; ok {
		s.SetTrunkType(ParseTrunkType(v))
	}
	s.logger.Info("span configured", "channels", s.ChanCount(), "trunk", s.TrunkType())
	return nil
}

// ConfigureSignaling attaches a signaling module and the application
// callback that receives its signals.
func (s *Span) ConfigureSignaling(sig SpanSignaling, cb SignalCallback) error {
	if s.HasFlag(SpanStarted) {
		return fmt.Errorf("span %s already started: %w", s.name, ErrBusy)
	}
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	s.sig = sig
	s.sigCb = cb
	s.logger.Info("signaling configured", "signaling", sig.Name())
	return nil
}

// SetSignalCallback replaces the application signal callback.
func (s *Span) SetSignalCallback(cb SignalCallback) {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	s.sigCb = cb
}

// UseSignalsQueue switches the span to queued signal delivery; signals are
// then dispatched by DrainSignals.
func (s *Span) UseSignalsQueue() {
	s.sigMu.Lock()
	defer s.sigMu.Unlock()
	if s.sigQueue == nil {
		s.sigQueue = make(chan *SigMsg, SignalQueueSize)
	}
	s.SetFlag(SpanUseSignalsQueue)
}

func (s *Span) signaling() SpanSignaling {
	s.sigMu.RLock()
	defer s.sigMu.RUnlock()
	return s.sig
}

// SignalingName returns the attached module name or "none".
func (s *Span) SignalingName() string {
	if sig := s.signaling(); sig != nil {
		return sig.Name()
	}
	return "none"
}

// SetStateMap installs a span-specific transition table that replaces the
// default legality rules.
func (s *Span) SetStateMap(m StateMap) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.stateMap = m
}

func (s *Span) getStateMap() StateMap {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.stateMap
}

// SetDTMFHangup sets a digit sequence that hangs up any call on the span
// when received.
func (s *Span) SetDTMFHangup(seq string) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.dtmfHangup = dsp.FilterDTMF(seq)
}

func (s *Span) dtmfHangupSeq() string {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.dtmfHangup
}

// SetEventCallback installs the callback that receives polled hardware
// events after core processing.
func (s *Span) SetEventCallback(cb EventCallback) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.eventCb = cb
}

// ToneMap returns the generation map for a tone kind.
func (s *Span) ToneMap(kind ToneKind) dsp.ToneMap {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	if kind <= ToneNone || kind >= toneKindCount {
		return nil
	}
	return s.toneGen[kind]
}

func (s *Span) detectFreqs(kind ToneKind) []float64 {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.toneDetect[kind]
}

// LoadTones installs tone definitions. Keys have the form
// "generate-<tone>" with a tone map value or "detect-<tone>" with a comma
// separated frequency list. Unknown keys are logged and skipped.
func (s *Span) LoadTones(entries map[string]string) error {
	loaded := 0
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	for key, value := range entries {
		kindName, generate := strings.CutPrefix(key, "generate-")
		if !generate {
			var detect bool
			kindName, detect = strings.CutPrefix(key, "detect-")
			if !detect {
				s.logger.Warn("unknown tone entry", "key", key)
				continue
			}
		}
		kind, ok := ParseToneKind(kindName)
		if !ok {
			s.logger.Warn("unknown tone name", "key", key)
			continue
		}
		if generate {
			m, err := dsp.ParseToneMap(value)
			if err != nil {
				s.logger.Warn("invalid tone map", "key", key, "error", err)
				continue
			}
			s.toneGen[kind] = m
		} else {
			freqs, err := dsp.ParseFrequencies(value)
			if err != nil {
				s.logger.Warn("invalid tone frequencies", "key", key, "error", err)
				continue
			}
			s.toneDetect[kind] = freqs
		}
		loaded++
	}
	if loaded == 0 {
		return errors.New("error loading tones: no valid entries")
	}
	s.logger.Debug("tones loaded", "count", loaded)
	return nil
}

// Start starts the driver machinery and the signaling module.
func (s *Span) Start() error {
	if !s.HasFlag(SpanConfigured) {
		return fmt.Errorf("starting span %s: %w", s.name, ErrNotConfigured)
	}
	if s.HasFlag(SpanStarted) {
		return fmt.Errorf("starting span %s: %w", s.name, ErrAlready)
	}
	if st, ok := s.driver.(SpanStarter); ok {
		if err := st.StartSpan(s); err != nil {
			return fmt.Errorf("starting span %s driver: %w", s.name, err)
		}
	}
	if sig := s.signaling(); sig != nil {
		if err := sig.Start(s); err != nil {
			return fmt.Errorf("starting span %s signaling: %w", s.name, err)
		}
	}
	s.SetFlag(SpanStarted)
	s.logger.Info("span started", "signaling", s.SignalingName())
	return nil
}

// Stop stops signaling and driver machinery. Stopping a span that is not
// running is a no-op.
func (s *Span) Stop() error {
	if !s.HasFlag(SpanStarted) {
		return nil
	}
	if s.HasFlag(SpanNonStoppable) {
		return fmt.Errorf("stopping span %s: %w", s.name, ErrNotImplemented)
	}
	var errs []error
	if sig := s.signaling(); sig != nil {
		if err := sig.Stop(s); err != nil {
			errs = append(errs, fmt.Errorf("stopping span %s signaling: %w", s.name, err))
		}
	}
	if st, ok := s.driver.(SpanStarter); ok {
		if err := st.StopSpan(s); err != nil {
			errs = append(errs, fmt.Errorf("stopping span %s driver: %w", s.name, err))
		}
	}
	s.ClearFlag(SpanStarted)
	s.logger.Info("span stopped")
	return errors.Join(errs...)
}

// Destroy stops the span, destroys its channels, releases driver
// resources and removes it from the registry.
func (s *Span) Destroy() error {
	var err error
	s.destroyOnce.Do(func() {
		err = s.destroy()
	})
	return err
}

func (s *Span) destroy() error {
	var errs []error
	if s.HasFlag(SpanNonStoppable) {
		s.ClearFlag(SpanNonStoppable)
	}
	if err := s.Stop(); err != nil {
		errs = append(errs, err)
	}
	s.ClearFlag(SpanConfigured)
	for _, ch := range s.Channels() {
		if err := ch.destroy(); err != nil {
			errs = append(errs, err)
		}
	}
	if sd, ok := s.driver.(SpanDestroyer); ok {
		if err := sd.DestroySpan(s); err != nil {
			errs = append(errs, fmt.Errorf("destroying span %s: %w", s.name, err))
		}
	}
	s.reg.removeSpan(s)
	s.logger.Info("span destroyed")
	return errors.Join(errs...)
}

// Channel destruction waits for a driver thread flagged ChanInThread.
const (
	destroyPollInterval = 500 * time.Millisecond
	destroyPollTries    = 10
)

func (c *Channel) destroy() error {
	g := c.lockIdle()
	defer c.release(g)
	if c.HasFlag(ChanOpen) {
		_ = c.closeLocked(g)
	}
	var err error
	if cd, ok := c.driver().(ChannelDestroyer); ok {
		if derr := cd.DestroyChannel(c); derr != nil {
			err = fmt.Errorf("destroying channel %s: %w", c, derr)
		}
	}
	c.clearFlag(ChanConfigured | ChanReady)
	return err
}

// lockIdle polls for the channel lock while no driver thread is inside the
// channel. After destroyPollTries it blocks on the lock regardless.
func (c *Channel) lockIdle() *lockGuard {
	for range destroyPollTries {
		if g, ok := c.lk.tryLock(); ok {
			if !c.HasFlag(ChanInThread) {
				return g
			}
			g.unlock()
		}
		c.logger.Info("waiting for channel thread before destroy")
		time.Sleep(destroyPollInterval)
	}
	c.logger.Error("channel thread still running, destroying anyway")
	return c.lk.lock()
}

// SetSigStatus asks the signaling module to change the span link status.
func (s *Span) SetSigStatus(status SigStatus) error {
	ss, ok := s.signaling().(SpanSigStatuser)
	if !ok {
		return ErrNotImplemented
	}
	return ss.SetSpanSigStatus(s, status)
}

// GetSigStatus asks the signaling module for the span link status.
func (s *Span) GetSigStatus() (SigStatus, error) {
	ss, ok := s.signaling().(SpanSigStatuser)
	if !ok {
		return SigStatusDown, ErrNotImplemented
	}
	return ss.SpanSigStatus(s)
}

// PollEvent waits up to timeout for hardware events.
func (s *Span) PollEvent(ctx context.Context, timeout time.Duration) error {
	ep, ok := s.driver.(EventPoller)
	if !ok {
		return ErrNotImplemented
	}
	return ep.PollEvent(ctx, s, timeout)
}

// NextEvent returns the next pending hardware event, or ErrNotFound when
// none is queued. Alarm events update channel and span flags and are
// forwarded as signals before the event is returned.
func (s *Span) NextEvent() (Event, error) {
	ep, ok := s.driver.(EventPoller)
	if !ok {
		return Event{}, ErrNotImplemented
	}
	ev, ok := ep.NextEvent(s)
	if !ok {
		return Event{}, ErrNotFound
	}
	s.handleEvent(ev)
	return ev, nil
}

func (s *Span) handleEvent(ev Event) {
	switch ev.Kind {
	case EventAlarmTrap, EventAlarmClear:
		trap := ev.Kind == EventAlarmTrap
		sigEv := SigEventAlarmClear
		if trap {
			sigEv = SigEventAlarmTrap
		}
		if ev.Channel == nil {
			if trap {
				s.SetFlag(SpanInAlarm)
			} else {
				s.ClearFlag(SpanInAlarm)
			}
			s.logger.Warn("span alarm", "event", ev.Kind)
			break
		}
		if trap {
			ev.Channel.SetFlag(ChanInAlarm)
		} else {
			ev.Channel.ClearFlag(ChanInAlarm)
		}
		ev.Channel.logger.Warn("channel alarm", "event", ev.Kind)
		if err := s.SendSignal(&SigMsg{Event: sigEv, Channel: ev.Channel}); err != nil {
			s.logger.Warn("delivering alarm signal", "error", err)
		}
	}
	s.cfgMu.RLock()
	cb := s.eventCb
	s.cfgMu.RUnlock()
	if cb != nil {
		cb(ev)
	}
}

// NextEvent returns the next out-of-band event of one channel.
func (c *Channel) NextEvent() (Event, error) {
	src, ok := c.driver().(ChannelEventSource)
	if !ok {
		return Event{}, ErrNotImplemented
	}
	ev, ok := src.ChannelNextEvent(c)
	if !ok {
		return Event{}, ErrNotFound
	}
	return ev, nil
}
