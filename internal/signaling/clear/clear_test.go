package clear

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/tdmcore/internal/driver/soft"
	"github.com/flowpbx/tdmcore/internal/tdm"
)

type recorder struct {
	mu   sync.Mutex
	msgs []tdm.SigMsg
}

func (r *recorder) callback(msg *tdm.SigMsg) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, *msg)
	return nil
}

// has reports whether ev was delivered for the channel.
func (r *recorder) has(ch *tdm.Channel, ev tdm.SigEvent) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.ContainsFunc(r.msgs, func(m tdm.SigMsg) bool {
		return m.Channel == ch && m.Event == ev
	})
}

func startSpan(t *testing.T, params map[string]string) (*tdm.Registry, *tdm.Span, *recorder) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	reg := tdm.NewRegistry(tdm.WithLogger(logger))
	t.Cleanup(func() { reg.Close() })

	span, err := reg.CreateSpan(soft.Name, "s1")
	require.NoError(t, err)
	require.NoError(t, span.Configure(context.Background(), params))
	rec := &recorder{}
	require.NoError(t, span.ConfigureSignaling(New(logger), rec.callback))
	require.NoError(t, span.Start())
	return reg, span, rec
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond, msg)
}

func TestStartReportsChannelsUp(t *testing.T) {
	_, span, rec := startSpan(t, map[string]string{"channels": "2"})
	for _, ch := range span.Channels() {
		assert.True(t, rec.has(ch, tdm.SigEventSigStatusChanged))
		assert.True(t, ch.HasFlag(tdm.ChanSigUp))
		status, err := ch.GetSigStatus()
		require.NoError(t, err)
		assert.Equal(t, tdm.SigStatusUp, status)
	}

	require.NoError(t, span.SetSigStatus(tdm.SigStatusDown))
	ch, err := span.Channel(1)
	require.NoError(t, err)
	assert.False(t, ch.HasFlag(tdm.ChanSigUp))
	status, err := span.GetSigStatus()
	require.NoError(t, err)
	assert.Equal(t, tdm.SigStatusDown, status)
}

func TestLoopbackCall(t *testing.T) {
	reg, span, rec := startSpan(t, map[string]string{"channels": "2"})

	caller, err := reg.OpenBySpan(span.ID(), tdm.TopDown, &tdm.CallerData{ANI: "100", DNIS: "200"})
	require.NoError(t, err)
	require.Equal(t, 1, caller.ID())
	require.NoError(t, caller.PlaceCall())

	callee, err := span.Channel(2)
	require.NoError(t, err)
	eventually(t, func() bool { return rec.has(callee, tdm.SigEventStart) }, "inbound start on the peer")
	assert.Equal(t, tdm.StateRing, callee.State())
	assert.True(t, callee.HasFlag(tdm.ChanInUse))

	require.NoError(t, callee.Answer())
	assert.Equal(t, tdm.StateUp, callee.State())
	eventually(t, func() bool { return rec.has(caller, tdm.SigEventUp) }, "caller sees answer")
	assert.Equal(t, tdm.StateUp, caller.State())
	assert.Equal(t, 2, reg.CallTable().Len())

	require.NoError(t, caller.Hangup())
	eventually(t, func() bool { return caller.State() == tdm.StateDown }, "caller back to down")
	assert.True(t, rec.has(caller, tdm.SigEventRelease))

	eventually(t, func() bool { return rec.has(callee, tdm.SigEventStop) }, "callee told to stop")
	require.NoError(t, callee.Hangup())
	eventually(t, func() bool { return callee.State() == tdm.StateDown }, "callee back to down")
	assert.Zero(t, reg.CallTable().Len())
}

func TestOutgoingCallGlare(t *testing.T) {
	reg, span, _ := startSpan(t, map[string]string{"channels": "2"})
	ch, err := reg.OpenByChannel(span.ID(), 1)
	require.NoError(t, err)
	ch.SetFlag(tdm.ChanOutbound)
	require.NoError(t, ch.SetState(tdm.StateRing, true))

	assert.ErrorIs(t, ch.PlaceCall(), tdm.ErrGlare)
}

func TestDialingWithoutHookSupport(t *testing.T) {
	sig := New(slog.New(slog.DiscardHandler))
	reg := tdm.NewRegistry(tdm.WithLogger(slog.New(slog.DiscardHandler)))
	t.Cleanup(func() { reg.Close() })
	span, err := reg.CreateSpan(soft.Name, "")
	require.NoError(t, err)
	require.NoError(t, span.Configure(context.Background(), map[string]string{"channels": "1"}))
	require.NoError(t, span.ConfigureSignaling(sig, nil))

	ch, err := span.Channel(1)
	require.NoError(t, err)
	// A closed channel cannot take hook commands, so dialing goes straight up.
	require.NoError(t, ch.SetState(tdm.StateDialing, false))
	require.NoError(t, sig.ProcessState(ch, tdm.StateDialing))
	assert.Equal(t, tdm.StateUp, ch.State())
}

func TestFacilityAcknowledged(t *testing.T) {
	reg, span, rec := startSpan(t, map[string]string{"channels": "2"})
	ch, err := reg.OpenByChannel(span.ID(), 1)
	require.NoError(t, err)

	require.NoError(t, ch.Indicate(tdm.IndFacility))
	assert.Equal(t, tdm.IndNone, ch.PendingIndication())
	assert.True(t, rec.has(ch, tdm.SigEventIndicationCompleted))
}
