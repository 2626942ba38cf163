package soft

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/tdmcore/internal/tdm"
)

func newSpan(t *testing.T, params map[string]string) (*tdm.Span, *Driver) {
	t.Helper()
	reg := tdm.NewRegistry(tdm.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(func() { reg.Close() })
	span, err := reg.CreateSpan(Name, "soft")
	require.NoError(t, err)
	require.NoError(t, span.Configure(context.Background(), params))
	drv, ok := span.Driver().(*Driver)
	require.True(t, ok)
	return span, drv
}

func channel(t *testing.T, span *tdm.Span, id int) *tdm.Channel {
	t.Helper()
	ch, err := span.Channel(id)
	require.NoError(t, err)
	return ch
}

func TestConfigureSpan(t *testing.T) {
	span, drv := newSpan(t, map[string]string{"channels": "3", "type": "fxs", "trunk_type": "fxs"})
	assert.Equal(t, 3, span.ChanCount())
	assert.True(t, span.HasFlag(tdm.SpanConfigured))
	assert.Equal(t, tdm.TrunkFXS, span.TrunkType())
	assert.Equal(t, tdm.ChanTypeFXS, channel(t, span, 1).Type())
	assert.Same(t, channel(t, span, 2), drv.Peer(channel(t, span, 1)))
	assert.Nil(t, drv.Peer(channel(t, span, 3)), "odd channel out has no peer")
}

func TestConfigureSpanRejectsBadParams(t *testing.T) {
	tests := []map[string]string{
		{"channels": "zero"},
		{"channels": "-1"},
		{"type": "nope"},
		{"codec": "gsm"},
		{"interval": "0"},
		{"loopback": "sideways"},
	}
	for _, params := range tests {
		reg := tdm.NewRegistry(tdm.WithLogger(slog.New(slog.DiscardHandler)))
		span, err := reg.CreateSpan(Name, "")
		require.NoError(t, err)
		if err := span.Configure(context.Background(), params); err == nil {
			t.Errorf("Configure(%v) succeeded, want error", params)
		}
		reg.Close()
	}
}

func TestPairedMedia(t *testing.T) {
	span, drv := newSpan(t, map[string]string{"channels": "2"})
	a, b := channel(t, span, 1), channel(t, span, 2)
	require.NoError(t, a.Open())
	require.NoError(t, b.Open())

	frame := bytes.Repeat([]byte{0x42}, 160)
	res, err := a.Write(frame)
	require.NoError(t, err)
	assert.Equal(t, 160, res.Written)
	assert.EqualValues(t, 160, drv.Written(a))

	flags, err := b.Wait(context.Background(), tdm.WaitRead, 0)
	require.NoError(t, err)
	assert.Equal(t, tdm.WaitRead, flags)

	buf := make([]byte, 160)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, frame, buf[:n])

	n, err = b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 160), buf[:n], "idle line reads silence")
}

func TestEchoMedia(t *testing.T) {
	span, _ := newSpan(t, map[string]string{"channels": "1", "loopback": "echo", "codec": "alaw"})
	ch := channel(t, span, 1)
	require.NoError(t, ch.Open())

	_, err := ch.Write([]byte{1, 2, 3, 4})
	require.NoError(t, err)
	buf := make([]byte, 2)
	n, err := ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2}, buf[:n])
	n, err = ch.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 4}, buf[:n], "partial frames are kept")
}

func TestWaitTimesOut(t *testing.T) {
	span, _ := newSpan(t, map[string]string{"channels": "1", "loopback": "none"})
	ch := channel(t, span, 1)
	require.NoError(t, ch.Open())

	start := time.Now()
	flags, err := ch.Wait(context.Background(), tdm.WaitRead|tdm.WaitEvent, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, tdm.WaitNone, flags)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	flags, err = ch.Wait(context.Background(), tdm.WaitWrite, time.Second)
	require.NoError(t, err)
	assert.Equal(t, tdm.WaitWrite, flags)
}

func TestHookEventsReachPeer(t *testing.T) {
	span, drv := newSpan(t, map[string]string{"channels": "2"})
	a, b := channel(t, span, 1), channel(t, span, 2)
	require.NoError(t, a.Open())

	_, err := a.Command(tdm.CmdOffHook, nil)
	require.NoError(t, err)
	assert.True(t, drv.OffHook(a))

	require.NoError(t, span.PollEvent(context.Background(), time.Second))
	ev, err := span.NextEvent()
	require.NoError(t, err)
	assert.Equal(t, tdm.EventOffHook, ev.Kind)
	assert.Same(t, b, ev.Channel)

	_, err = b.NextEvent()
	assert.ErrorIs(t, err, tdm.ErrNotFound, "consumed through the span queue")

	_, err = a.Command(tdm.CmdOnHook, nil)
	require.NoError(t, err)
	ev, err = b.NextEvent()
	require.NoError(t, err)
	assert.Equal(t, tdm.EventOnHook, ev.Kind)
	_, err = span.NextEvent()
	assert.ErrorIs(t, err, tdm.ErrNotFound, "consumed through the channel queue")

	_, err = a.Command(tdm.CmdSetPolarity, nil)
	assert.ErrorIs(t, err, tdm.ErrNotImplemented)
}

func TestAlarms(t *testing.T) {
	span, drv := newSpan(t, map[string]string{"channels": "1"})
	ch := channel(t, span, 1)

	require.NoError(t, drv.SetAlarm(ch, tdm.AlarmRed))
	alarm, err := ch.GetAlarms()
	require.NoError(t, err)
	assert.Equal(t, tdm.AlarmRed, alarm)

	ev, err := span.NextEvent()
	require.NoError(t, err)
	assert.Equal(t, tdm.EventAlarmTrap, ev.Kind)
	assert.True(t, ch.HasFlag(tdm.ChanInAlarm))

	require.NoError(t, drv.SetAlarm(ch, tdm.AlarmNone))
	ev, err = span.NextEvent()
	require.NoError(t, err)
	assert.Equal(t, tdm.EventAlarmClear, ev.Kind)
	assert.False(t, ch.HasFlag(tdm.ChanInAlarm))
}

func TestInjectSpanEvent(t *testing.T) {
	span, drv := newSpan(t, map[string]string{"channels": "1"})

	assert.ErrorIs(t, span.PollEvent(context.Background(), 0), tdm.ErrTimeout)

	go func() {
		time.Sleep(10 * time.Millisecond)
		drv.InjectEvent(span, tdm.Event{Kind: tdm.EventAlarmTrap})
	}()
	require.NoError(t, span.PollEvent(context.Background(), time.Second))
	_, err := span.NextEvent()
	require.NoError(t, err)
	assert.True(t, span.HasFlag(tdm.SpanInAlarm))
}
