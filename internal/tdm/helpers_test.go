package tdm

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeDriver is an in-memory driver. Reads return queued rx frames and
// writes are recorded per channel.
type fakeDriver struct {
	mu     sync.Mutex
	rx     map[*Channel][][]byte
	tx     map[*Channel][]byte
	opens  int
	closes int
	cmds   []Command
	alarms map[*Channel]Alarm
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		rx:     make(map[*Channel][][]byte),
		tx:     make(map[*Channel][]byte),
		alarms: make(map[*Channel]Alarm),
	}
}

func (d *fakeDriver) Name() string { return "fake" }

func (d *fakeDriver) Open(ch *Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opens++
	return nil
}

func (d *fakeDriver) Close(ch *Channel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closes++
	return nil
}

func (d *fakeDriver) Read(ch *Channel, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	frames := d.rx[ch]
	if len(frames) == 0 {
		return 0, nil
	}
	n := copy(buf, frames[0])
	d.rx[ch] = frames[1:]
	return n, nil
}

func (d *fakeDriver) Write(ch *Channel, buf []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tx[ch] = append(d.tx[ch], buf...)
	return len(buf), nil
}

func (d *fakeDriver) Wait(_ context.Context, _ *Channel, flags WaitFlag, _ time.Duration) (WaitFlag, error) {
	return flags, nil
}

func (d *fakeDriver) Command(_ *Channel, cmd Command, _ any) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmds = append(d.cmds, cmd)
	if cmd == CmdFlash {
		return nil, nil
	}
	return nil, ErrNotImplemented
}

func (d *fakeDriver) GetAlarms(ch *Channel) (Alarm, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alarms[ch], nil
}

func (d *fakeDriver) queueRx(ch *Channel, frame []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rx[ch] = append(d.rx[ch], frame)
}

func (d *fakeDriver) written(ch *Channel) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.tx[ch]...)
}

// fakeSignaling records processed states and runs an optional hook.
type fakeSignaling struct {
	mu      sync.Mutex
	seen    []State
	onState func(ch *Channel, st State)
}

func (s *fakeSignaling) Name() string          { return "fake" }
func (s *fakeSignaling) Start(span *Span) error { return nil }
func (s *fakeSignaling) Stop(span *Span) error  { return nil }

func (s *fakeSignaling) ProcessState(ch *Channel, st State) error {
	s.mu.Lock()
	s.seen = append(s.seen, st)
	hook := s.onState
	s.mu.Unlock()
	if hook != nil {
		hook(ch, st)
	}
	return nil
}

func (s *fakeSignaling) states() []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]State(nil), s.seen...)
}

// signalRecorder collects delivered signals.
type signalRecorder struct {
	mu   sync.Mutex
	msgs []SigMsg
}

func (r *signalRecorder) callback(msg *SigMsg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, *msg)
	return nil
}

func (r *signalRecorder) events() []SigEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SigEvent, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Event
	}
	return out
}

func (r *signalRecorder) indications() []IndicationPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []IndicationPayload
	for _, m := range r.msgs {
		if p, ok := m.Payload.(IndicationPayload); ok {
			out = append(out, p)
		}
	}
	return out
}

type testEnv struct {
	reg  *Registry
	drv  *fakeDriver
	span *Span
}

func newTestEnv(t *testing.T, channels int, opts ...Option) *testEnv {
	t.Helper()
	opts = append([]Option{WithLogger(slog.New(slog.DiscardHandler))}, opts...)
	reg := NewRegistry(opts...)
	drv := newFakeDriver()
	require.NoError(t, reg.RegisterDriver("fake", drv))
	span, err := reg.CreateSpan("fake", "test")
	require.NoError(t, err)
	for i := range channels {
		_, err := span.AddChannel(ChannelConfig{PhysSpanID: 1, PhysChanID: i + 1, Type: ChanTypeB})
		require.NoError(t, err)
	}
	t.Cleanup(func() { reg.Close() })
	return &testEnv{reg: reg, drv: drv, span: span}
}

// withSignaling attaches sig and starts a state processor for the test.
func (e *testEnv) withSignaling(t *testing.T, sig SpanSignaling, cb SignalCallback) {
	t.Helper()
	require.NoError(t, e.span.ConfigureSignaling(sig, cb))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.span.RunStateProcessor(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (e *testEnv) channel(t *testing.T, id int) *Channel {
	t.Helper()
	ch, err := e.span.Channel(id)
	require.NoError(t, err)
	return ch
}
