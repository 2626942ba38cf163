// Package soft implements an in-memory TDM driver. Its timeslots carry
// audio between paired channels (or echo it back) and expose hooks for
// injecting hardware events and alarms, so a full registry can run
// without telephony hardware.
package soft

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/flowpbx/tdmcore/internal/dsp"
	"github.com/flowpbx/tdmcore/internal/tdm"
)

// Name is the name the driver registers under.
const Name = "soft"

const (
	// rxQueueFrames bounds the frames buffered per timeslot; the oldest
	// frame is dropped when a reader falls behind.
	rxQueueFrames = 50

	defaultChannels = 4
)

// Loopback selects where written audio goes.
type Loopback string

const (
	// LoopPair cross-connects channels 1-2, 3-4 and so on. Hook changes
	// on one side are reported as events on the other.
	LoopPair Loopback = "pair"
	// LoopEcho returns written audio on the same channel.
	LoopEcho Loopback = "echo"
	// LoopNone discards written audio.
	LoopNone Loopback = "none"
)

func init() {
	tdm.RegisterDriverFactory(Name, func(logger *slog.Logger) (tdm.Driver, error) {
		return New(logger), nil
	})
}

// timeslot is the driver state behind one channel.
type timeslot struct {
	mu      sync.Mutex
	ch      *tdm.Channel
	peer    *timeslot
	codec   dsp.Codec
	echo    bool
	open    bool
	offHook bool
	alarm   tdm.Alarm
	rx      [][]byte
	events  []tdm.Event
	notify  chan struct{}
	written int64
}

func newTimeslot() *timeslot {
	return &timeslot{notify: make(chan struct{}, 1)}
}

func (ts *timeslot) wake() {
	select {
	case ts.notify <- struct{}{}:
	default:
	}
}

// deliver queues a received frame.
func (ts *timeslot) deliver(frame []byte) {
	ts.mu.Lock()
	if len(ts.rx) >= rxQueueFrames {
		ts.rx = ts.rx[1:]
	}
	ts.rx = append(ts.rx, append([]byte(nil), frame...))
	ts.mu.Unlock()
	ts.wake()
}

// spanState holds the span-level event queue.
type spanState struct {
	mu     sync.Mutex
	events []tdm.Event
	notify chan struct{}
	slots  []*timeslot
}

// Driver is the soft driver. One instance serves every span of a registry.
type Driver struct {
	logger *slog.Logger

	mu    sync.Mutex
	spans map[*tdm.Span]*spanState
}

// New creates a soft driver.
func New(logger *slog.Logger) *Driver {
	return &Driver{
		logger: logger.With("subsystem", "soft"),
		spans:  make(map[*tdm.Span]*spanState),
	}
}

func (d *Driver) Name() string { return Name }

func (d *Driver) span(s *tdm.Span) *spanState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.spans[s]
	if !ok {
		st = &spanState{notify: make(chan struct{}, 1)}
		d.spans[s] = st
	}
	return st
}

func slot(ch *tdm.Channel) (*timeslot, error) {
	ts, ok := ch.DriverData().(*timeslot)
	if !ok {
		return nil, fmt.Errorf("channel %s has no soft timeslot: %w", ch, tdm.ErrNotConfigured)
	}
	return ts, nil
}

// ConfigureSpan creates the span's channels. Recognised parameters:
//
//	channels  number of channels (default 4)
//	type      channel type name (default B)
//	codec     native codec (default ulaw)
//	interval  frame interval in ms
//	loopback  pair, echo or none (default pair)
func (d *Driver) ConfigureSpan(_ context.Context, s *tdm.Span, params map[string]string) error {
	n := defaultChannels
	if v, ok := params["channels"]; ok {
		var err error
		if n, err = strconv.Atoi(v); err != nil || n <= 0 {
			return fmt.Errorf("invalid channels %q", v)
		}
	}
	typ := tdm.ChanTypeB
	if v, ok := params["type"]; ok {
		var err error
		if typ, err = tdm.ParseChanType(v); err != nil {
			return err
		}
	}
	codec := dsp.CodecUlaw
	if v, ok := params["codec"]; ok {
		var err error
		if codec, err = dsp.ParseCodec(v); err != nil {
			return err
		}
	}
	interval := 0
	if v, ok := params["interval"]; ok {
		var err error
		if interval, err = strconv.Atoi(v); err != nil || interval <= 0 {
			return fmt.Errorf("invalid interval %q", v)
		}
	}
	loop := LoopPair
	if v, ok := params["loopback"]; ok {
		loop = Loopback(v)
	}
	switch loop {
	case LoopPair, LoopEcho, LoopNone:
	default:
		return fmt.Errorf("invalid loopback %q", loop)
	}

	st := d.span(s)
	first := len(st.slots)
	for i := range n {
		ts := newTimeslot()
		ts.codec = codec
		ts.echo = loop == LoopEcho
		ch, err := s.AddChannel(tdm.ChannelConfig{
			PhysSpanID:  s.ID(),
			PhysChanID:  first + i + 1,
			Type:        typ,
			NativeCodec: codec,
			IntervalMs:  interval,
			DriverData:  ts,
		})
		if err != nil {
			return err
		}
		ts.ch = ch
		st.slots = append(st.slots, ts)
	}
	if loop == LoopPair {
		for i := first; i+1 < len(st.slots); i += 2 {
			st.slots[i].peer = st.slots[i+1]
			st.slots[i+1].peer = st.slots[i]
		}
	}
	d.logger.Info("soft span configured", "span", s.Name(), "channels", n, "type", typ, "codec", codec, "loopback", loop)
	return nil
}

func (d *Driver) Open(ch *tdm.Channel) error {
	ts, err := slot(ch)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.open = true
	return nil
}

func (d *Driver) Close(ch *tdm.Channel) error {
	ts, err := slot(ch)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	ts.open = false
	ts.rx = nil
	ts.mu.Unlock()
	ts.wake()
	return nil
}

// Read returns the next received frame. A TDM line always carries audio,
// so when nothing is queued buf is filled with silence.
func (d *Driver) Read(ch *tdm.Channel, buf []byte) (int, error) {
	ts, err := slot(ch)
	if err != nil {
		return 0, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if len(ts.rx) == 0 {
		s := ts.codec.Silence()
		for i := range buf {
			buf[i] = s
		}
		return len(buf), nil
	}
	frame := ts.rx[0]
	n := copy(buf, frame)
	if n < len(frame) {
		ts.rx[0] = frame[n:]
	} else {
		ts.rx = ts.rx[1:]
	}
	return n, nil
}

func (d *Driver) Write(ch *tdm.Channel, buf []byte) (int, error) {
	ts, err := slot(ch)
	if err != nil {
		return 0, err
	}
	ts.mu.Lock()
	ts.written += int64(len(buf))
	peer, echo := ts.peer, ts.echo
	ts.mu.Unlock()
	switch {
	case echo:
		ts.deliver(buf)
	case peer != nil:
		peer.mu.Lock()
		open := peer.open
		peer.mu.Unlock()
		if open {
			peer.deliver(buf)
		}
	}
	return len(buf), nil
}

// Wait reports which of flags are ready, blocking up to timeout for
// received audio or events.
func (d *Driver) Wait(ctx context.Context, ch *tdm.Channel, flags tdm.WaitFlag, timeout time.Duration) (tdm.WaitFlag, error) {
	ts, err := slot(ch)
	if err != nil {
		return tdm.WaitNone, err
	}
	ready := func() tdm.WaitFlag {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		var out tdm.WaitFlag
		if flags&tdm.WaitRead != 0 && len(ts.rx) > 0 {
			out |= tdm.WaitRead
		}
		if flags&tdm.WaitWrite != 0 {
			out |= tdm.WaitWrite
		}
		if flags&tdm.WaitEvent != 0 && len(ts.events) > 0 {
			out |= tdm.WaitEvent
		}
		return out
	}
	if out := ready(); out != tdm.WaitNone || timeout <= 0 {
		return out, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return tdm.WaitNone, ctx.Err()
		case <-timer.C:
			return ready(), nil
		case <-ts.notify:
			if out := ready(); out != tdm.WaitNone {
				return out, nil
			}
		}
	}
}

// Command implements the hook and ring commands. Hook changes and ring
// requests are reported to the paired channel as events.
func (d *Driver) Command(ch *tdm.Channel, cmd tdm.Command, arg any) (any, error) {
	ts, err := slot(ch)
	if err != nil {
		return nil, err
	}
	var peerEvent tdm.EventKind
	switch cmd {
	case tdm.CmdOffHook:
		ts.mu.Lock()
		ts.offHook = true
		ts.mu.Unlock()
		peerEvent = tdm.EventOffHook
	case tdm.CmdOnHook:
		ts.mu.Lock()
		ts.offHook = false
		ts.mu.Unlock()
		peerEvent = tdm.EventOnHook
	case tdm.CmdRingStart:
		peerEvent = tdm.EventRingStart
	case tdm.CmdRingStop:
		peerEvent = tdm.EventRingStop
	case tdm.CmdFlash:
		peerEvent = tdm.EventFlash
	case tdm.CmdSetInterval:
		return nil, nil
	case tdm.CmdSetNativeCodec:
		codec, ok := arg.(dsp.Codec)
		if !ok {
			return nil, fmt.Errorf("unexpected codec argument %T", arg)
		}
		ts.mu.Lock()
		ts.codec = codec
		ts.mu.Unlock()
		return nil, nil
	case tdm.CmdFlushRxBuffers:
		ts.mu.Lock()
		ts.rx = nil
		ts.mu.Unlock()
		return nil, nil
	case tdm.CmdFlushTxBuffers:
		return nil, nil
	default:
		return nil, tdm.ErrNotImplemented
	}
	if peer := ts.peer; peer != nil {
		d.queueEvent(peer, tdm.Event{Kind: peerEvent, Channel: peer.ch, At: time.Now()})
	}
	return nil, nil
}

// GetAlarms returns the alarms injected with SetAlarm.
func (d *Driver) GetAlarms(ch *tdm.Channel) (tdm.Alarm, error) {
	ts, err := slot(ch)
	if err != nil {
		return tdm.AlarmNone, err
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.alarm, nil
}

// PollEvent waits until the span has a queued event.
func (d *Driver) PollEvent(ctx context.Context, s *tdm.Span, timeout time.Duration) error {
	st := d.span(s)
	pending := func() bool {
		st.mu.Lock()
		defer st.mu.Unlock()
		return len(st.events) > 0
	}
	if pending() {
		return nil
	}
	if timeout <= 0 {
		return tdm.ErrTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if pending() {
				return nil
			}
			return tdm.ErrTimeout
		case <-st.notify:
			if pending() {
				return nil
			}
		}
	}
}

// NextEvent pops the oldest span event.
func (d *Driver) NextEvent(s *tdm.Span) (tdm.Event, bool) {
	st := d.span(s)
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.events) == 0 {
		return tdm.Event{}, false
	}
	ev := st.events[0]
	st.events = st.events[1:]
	if ev.Channel != nil {
		if ts, err := slot(ev.Channel); err == nil {
			ts.mu.Lock()
			ts.events = removeEvent(ts.events, ev)
			ts.mu.Unlock()
		}
	}
	return ev, true
}

// ChannelNextEvent pops the oldest event of one channel without touching
// the span queue.
func (d *Driver) ChannelNextEvent(ch *tdm.Channel) (tdm.Event, bool) {
	ts, err := slot(ch)
	if err != nil {
		return tdm.Event{}, false
	}
	ts.mu.Lock()
	if len(ts.events) == 0 {
		ts.mu.Unlock()
		return tdm.Event{}, false
	}
	ev := ts.events[0]
	ts.events = ts.events[1:]
	ts.mu.Unlock()

	st := d.span(ch.Span())
	st.mu.Lock()
	st.events = removeEvent(st.events, ev)
	st.mu.Unlock()
	return ev, true
}

// removeEvent drops the first occurrence of ev. Channel events are queued
// on both the span and the channel, and consuming one copy consumes both.
func removeEvent(events []tdm.Event, ev tdm.Event) []tdm.Event {
	for i, e := range events {
		if e.Kind == ev.Kind && e.Channel == ev.Channel && e.At.Equal(ev.At) {
			return append(events[:i], events[i+1:]...)
		}
	}
	return events
}

func (d *Driver) StartSpan(s *tdm.Span) error {
	d.logger.Debug("soft span started", "span", s.Name())
	return nil
}

func (d *Driver) StopSpan(s *tdm.Span) error {
	d.logger.Debug("soft span stopped", "span", s.Name())
	return nil
}

func (d *Driver) DestroyChannel(ch *tdm.Channel) error {
	ts, err := slot(ch)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	ts.rx = nil
	ts.events = nil
	ts.mu.Unlock()
	return nil
}

func (d *Driver) DestroySpan(s *tdm.Span) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.spans, s)
	return nil
}

// Unload drops all driver state.
func (d *Driver) Unload() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.spans)
	return nil
}

func (d *Driver) queueEvent(ts *timeslot, ev tdm.Event) {
	st := d.span(ts.ch.Span())
	ts.mu.Lock()
	ts.events = append(ts.events, ev)
	ts.mu.Unlock()
	st.mu.Lock()
	st.events = append(st.events, ev)
	st.mu.Unlock()
	select {
	case st.notify <- struct{}{}:
	default:
	}
	ts.wake()
}

// InjectEvent queues a hardware event. A nil ev.Channel makes it a
// span-level event.
func (d *Driver) InjectEvent(s *tdm.Span, ev tdm.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if ev.Channel != nil {
		if ts, err := slot(ev.Channel); err == nil {
			d.queueEvent(ts, ev)
			return
		}
	}
	st := d.span(s)
	st.mu.Lock()
	st.events = append(st.events, ev)
	st.mu.Unlock()
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

// InjectAudio queues a frame as if it arrived on the line.
func (d *Driver) InjectAudio(ch *tdm.Channel, frame []byte) error {
	ts, err := slot(ch)
	if err != nil {
		return err
	}
	ts.deliver(frame)
	return nil
}

// SetAlarm sets the line alarms of a channel and queues the matching
// alarm trap or clear event.
func (d *Driver) SetAlarm(ch *tdm.Channel, alarm tdm.Alarm) error {
	ts, err := slot(ch)
	if err != nil {
		return err
	}
	ts.mu.Lock()
	prev := ts.alarm
	ts.alarm = alarm
	ts.mu.Unlock()
	switch {
	case prev == tdm.AlarmNone && alarm != tdm.AlarmNone:
		d.queueEvent(ts, tdm.Event{Kind: tdm.EventAlarmTrap, Channel: ch, Data: alarm.String(), At: time.Now()})
	case prev != tdm.AlarmNone && alarm == tdm.AlarmNone:
		d.queueEvent(ts, tdm.Event{Kind: tdm.EventAlarmClear, Channel: ch, At: time.Now()})
	}
	return nil
}

// OffHook reports whether the channel has gone off hook.
func (d *Driver) OffHook(ch *tdm.Channel) bool {
	ts, err := slot(ch)
	if err != nil {
		return false
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.offHook
}

// Written returns the number of bytes the core wrote to the channel.
func (d *Driver) Written(ch *tdm.Channel) int64 {
	ts, err := slot(ch)
	if err != nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.written
}

// Peer returns the channel paired with ch, if any.
func (d *Driver) Peer(ch *tdm.Channel) *tdm.Channel {
	ts, err := slot(ch)
	if err != nil || ts.peer == nil {
		return nil
	}
	return ts.peer.ch
}
