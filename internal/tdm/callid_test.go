package tdm

import (
	"log/slog"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCallTable(size int, crash CrashPolicy) *CallTable {
	return newCallTable(size, crash, slog.New(slog.DiscardHandler))
}

func TestCallTableForwardScan(t *testing.T) {
	tbl := newTestCallTable(3, CrashNever)
	var cds [3]CallerData
	for i := range cds {
		require.NoError(t, tbl.Allocate(nil, &cds[i]))
		assert.Equal(t, i+1, cds[i].CallID)
	}

	tbl.Release(&cds[0])
	assert.Zero(t, cds[0].CallID)

	var again CallerData
	require.NoError(t, tbl.Allocate(nil, &again))
	assert.Equal(t, 1, again.CallID, "scan wraps to the freed slot")

	var full CallerData
	assert.ErrorIs(t, tbl.Allocate(nil, &full), ErrCapacity)
	assert.Zero(t, full.CallID)
}

func TestCallTableReuseOrder(t *testing.T) {
	tbl := newTestCallTable(5, CrashNever)
	var a, b CallerData
	require.NoError(t, tbl.Allocate(nil, &a))
	tbl.Release(&a)
	require.NoError(t, tbl.Allocate(nil, &b))
	assert.Equal(t, 2, b.CallID, "ids are not reused before the scan wraps")
}

func TestCallTableAlreadyAssigned(t *testing.T) {
	tbl := newTestCallTable(5, CrashNever)
	cd := CallerData{CallID: 3}
	assert.ErrorIs(t, tbl.Allocate(nil, &cd), ErrAlready)
}

func TestCallTableCrashOnDemand(t *testing.T) {
	tbl := newTestCallTable(1, CrashOnDemand)
	var a, b CallerData
	require.NoError(t, tbl.Allocate(nil, &a))
	assert.Panics(t, func() { _ = tbl.Allocate(nil, &b) })
}

func TestCallTableReleaseUnmapped(t *testing.T) {
	tbl := newTestCallTable(5, CrashNever)
	cd := CallerData{CallID: 4}
	assert.NotPanics(t, func() { tbl.Release(&cd) })
	assert.Zero(t, cd.CallID)

	var zero CallerData
	tbl.Release(&zero)
	assert.Zero(t, tbl.Len())
}

func TestCallTableUniqueness(t *testing.T) {
	const size = 16
	tbl := newTestCallTable(size, CrashNever)
	rng := rand.New(rand.NewPCG(1, 2))
	live := make(map[int]*CallerData)

	for range 2000 {
		if len(live) < size && (len(live) == 0 || rng.IntN(2) == 0) {
			cd := &CallerData{}
			require.NoError(t, tbl.Allocate(nil, cd))
			_, dup := live[cd.CallID]
			require.False(t, dup, "call id %d handed out twice", cd.CallID)
			live[cd.CallID] = cd
			continue
		}
		for id, cd := range live {
			tbl.Release(cd)
			delete(live, id)
			break
		}
	}
	assert.Equal(t, len(live), tbl.Len())
}

func TestCallTableSnapshot(t *testing.T) {
	env := newTestEnv(t, 2)
	ch := env.channel(t, 2)
	require.NoError(t, ch.Open())
	ch.SetCallerData(CallerData{ANI: "100", DNIS: "200"})
	require.NoError(t, env.span.SendSignal(&SigMsg{Event: SigEventStart, Channel: ch}))

	calls := env.reg.CallTable().Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, env.span.ID(), calls[0].SpanID)
	assert.Equal(t, 2, calls[0].ChanID)
	assert.Equal(t, "100", calls[0].ANI)
	assert.Equal(t, "200", calls[0].DNIS)

	found, ok := env.reg.CallTable().Lookup(calls[0].CallID)
	require.True(t, ok)
	assert.Same(t, ch, found)
}
