package tdm

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHuntScenario(t *testing.T) {
	env := newTestEnv(t, 4)
	require.NoError(t, env.channel(t, 2).Open())
	require.NoError(t, env.channel(t, 3).Open())

	ch, err := env.reg.OpenBySpan(env.span.ID(), TopDown, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.ID())
	assert.True(t, ch.HasFlag(ChanOpen|ChanInUse|ChanOutbound))
	require.NoError(t, ch.Close())

	first, err := env.reg.OpenBySpan(env.span.ID(), RRUp, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, first.ID())
	require.NoError(t, first.Close())

	next, err := env.reg.OpenBySpan(env.span.ID(), RRUp, nil)
	require.NoError(t, err)
	assert.Equal(t, 4, next.ID())
}

func TestHuntDirections(t *testing.T) {
	tests := []struct {
		name string
		dir  Direction
		want []int
	}{
		{"top down", TopDown, []int{1, 2, 3, 4}},
		{"bottom up", BottomUp, []int{4, 3, 2, 1}},
		{"round robin up", RRUp, []int{1, 2, 3, 4}},
		{"round robin down", RRDown, []int{4, 3, 2, 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 4)
			var got []int
			for range tt.want {
				ch, err := env.reg.OpenBySpan(env.span.ID(), tt.dir, nil)
				require.NoError(t, err)
				got = append(got, ch.ID())
			}
			assert.Equal(t, tt.want, got)

			_, err := env.reg.OpenBySpan(env.span.ID(), tt.dir, nil)
			assert.ErrorIs(t, err, ErrBusy)
		})
	}
}

func TestRoundRobinFairnessWithRelease(t *testing.T) {
	env := newTestEnv(t, 3)
	var got []int
	for range 6 {
		ch, err := env.reg.OpenBySpan(env.span.ID(), RRUp, nil)
		require.NoError(t, err)
		got = append(got, ch.ID())
		require.NoError(t, ch.Close())
	}
	assert.Equal(t, []int{1, 2, 3, 1, 2, 3}, got)
}

func TestHuntExclusivity(t *testing.T) {
	const n = 16
	env := newTestEnv(t, n)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int]int)
		errs []error
	)
	for i := range n {
		wg.Add(1)
		go func(dir Direction) {
			defer wg.Done()
			ch, err := env.reg.OpenBySpan(env.span.ID(), dir, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if !ch.HasFlag(ChanOpen | ChanInUse) {
				errs = append(errs, assert.AnError)
			}
			seen[ch.ID()]++
		}(Direction(i % 4))
	}
	wg.Wait()

	assert.Empty(t, errs)
	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "channel %d handed out more than once", id)
	}
	assert.Equal(t, n, env.span.UseCount())
}

func TestHuntSkipsUnavailable(t *testing.T) {
	env := newTestEnv(t, 3)
	env.channel(t, 1).SetFlag(ChanSuspended)
	env.channel(t, 2).SetFlag(ChanInAlarm)

	ch, err := env.reg.OpenBySpan(env.span.ID(), TopDown, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ch.ID())
}

func TestHuntSpanInAlarm(t *testing.T) {
	env := newTestEnv(t, 2)
	env.span.SetFlag(SpanInAlarm)
	_, err := env.reg.OpenBySpan(env.span.ID(), TopDown, nil)
	assert.ErrorIs(t, err, ErrAlarmed)
}

func TestHuntAppliesCallerData(t *testing.T) {
	env := newTestEnv(t, 2)
	ch, err := env.reg.OpenBySpan(env.span.ID(), TopDown, &CallerData{ANI: "1000", DNIS: "2000", CallID: 99})
	require.NoError(t, err)
	cd := ch.CallerData()
	assert.Equal(t, "1000", cd.ANI)
	assert.Equal(t, "2000", cd.DNIS)
	assert.Zero(t, cd.CallID)
}

// ratedSignaling reports channel sig status and availability so hunts can
// fall back to the best rated channel.
type ratedSignaling struct {
	fakeSignaling
	rates map[int]int
}

func (s *ratedSignaling) ChannelSigStatus(ch *Channel) (SigStatus, error) {
	return SigStatusDown, nil
}

func (s *ratedSignaling) SetChannelSigStatus(ch *Channel, status SigStatus) error {
	return ErrNotImplemented
}

func (s *ratedSignaling) ChannelAvailability(ch *Channel) int {
	return s.rates[ch.ID()]
}

func TestHuntBestRatedFallback(t *testing.T) {
	env := newTestEnv(t, 3)
	env.withSignaling(t, &ratedSignaling{rates: map[int]int{1: 10, 2: 90, 3: 40}}, nil)

	_, err := env.reg.OpenBySpan(env.span.ID(), TopDown, nil)
	assert.ErrorIs(t, err, ErrBusy, "signaling down without rating opt-in")

	env.span.SetFlag(SpanUseAvRate)
	ch, err := env.reg.OpenBySpan(env.span.ID(), TopDown, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, ch.ID())
	assert.True(t, ch.HasFlag(ChanOutbound))
}

func TestCallAdmission(t *testing.T) {
	env := newTestEnv(t, 4, WithCallRate(0.001, 1))
	_, err := env.reg.OpenBySpan(env.span.ID(), TopDown, nil)
	require.NoError(t, err)

	cd := &CallerData{}
	_, err = env.reg.OpenBySpan(env.span.ID(), TopDown, cd)
	assert.ErrorIs(t, err, ErrCongested)
	assert.Equal(t, CauseSwitchCongestion, cd.HangupCause)
}

func TestOpenByChannel(t *testing.T) {
	env := newTestEnv(t, 2)
	ch, err := env.reg.OpenByChannel(env.span.ID(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, ch.ID())

	_, err = env.reg.OpenByChannel(env.span.ID(), 2)
	assert.ErrorIs(t, err, ErrAlready)

	_, err = env.reg.OpenByChannel(env.span.ID(), 9)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGroupHunting(t *testing.T) {
	env := newTestEnv(t, 3)
	other, err := env.reg.CreateSpan("fake", "other")
	require.NoError(t, err)
	remote, err := other.AddChannel(ChannelConfig{Type: ChanTypeB})
	require.NoError(t, err)

	grp, err := env.reg.AddToGroup("trunk", env.channel(t, 3))
	require.NoError(t, err)
	_, err = env.reg.AddToGroup("trunk", remote)
	require.NoError(t, err)
	_, err = env.reg.AddToGroup("trunk", remote)
	assert.ErrorIs(t, err, ErrAlready)

	ch, err := env.reg.Hunt(HuntRequest{Mode: HuntByGroup, GroupName: "trunk", Direction: BottomUp})
	require.NoError(t, err)
	assert.Same(t, remote, ch)

	ch, err = env.reg.OpenByGroup(grp.ID(), BottomUp, nil)
	require.NoError(t, err)
	assert.Same(t, env.channel(t, 3), ch)

	_, err = env.reg.OpenByGroup(grp.ID(), TopDown, nil)
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, env.reg.RemoveFromGroup(grp, remote))
	require.NoError(t, env.reg.RemoveFromGroup(grp, env.channel(t, 3)))
	_, err = env.reg.GroupByName("trunk")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHuntOrder(t *testing.T) {
	tests := []struct {
		dir    Direction
		cursor int
		want   []int
	}{
		{RRUp, 0, []int{0, 1, 2}},
		{RRUp, 2, []int{2, 0, 1}},
		{RRUp, 3, []int{0, 1, 2}},
		{RRDown, 0, []int{2, 1, 0}},
		{RRDown, 1, []int{2, 1, 0}},
		{RRDown, 3, []int{1, 0, 2}},
	}
	for _, tt := range tests {
		if got := huntOrder(3, tt.cursor, tt.dir); !assert.Equal(t, tt.want, got) {
			t.Errorf("huntOrder(3, %d, %s)", tt.cursor, tt.dir)
		}
	}
}

// requestingSignaling picks channels itself and records the suggested ids.
// With no suggestion it takes the last channel of the span.
type requestingSignaling struct {
	fakeSignaling
	asked []int
}

func (s *requestingSignaling) RequestChannel(span *Span, chanID int, dir Direction, cd *CallerData) (*Channel, error) {
	s.mu.Lock()
	s.asked = append(s.asked, chanID)
	s.mu.Unlock()
	if chanID == 0 {
		chanID = span.ChanCount()
	}
	return span.Channel(chanID)
}

func TestChannelRequesterOnSpan(t *testing.T) {
	env := newTestEnv(t, 3)
	sig := &requestingSignaling{}
	require.NoError(t, env.span.ConfigureSignaling(sig, nil))

	ch, err := env.reg.OpenBySpan(env.span.ID(), TopDown, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, ch.ID())
	assert.True(t, ch.HasFlag(ChanOutbound))

	env.span.SetFlag(SpanSuggestChanID)
	ch, err = env.reg.OpenBySpan(env.span.ID(), TopDown, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, ch.ID())
	assert.Equal(t, []int{0, 1}, sig.asked)

	_, err = env.reg.OpenByChannel(env.span.ID(), 2)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestGroupHuntMemberSpans(t *testing.T) {
	env := newTestEnv(t, 1)
	other, err := env.reg.CreateSpan("fake", "other")
	require.NoError(t, err)
	for range 2 {
		_, err := other.AddChannel(ChannelConfig{Type: ChanTypeB})
		require.NoError(t, err)
	}
	sig := &requestingSignaling{}
	require.NoError(t, other.ConfigureSignaling(sig, nil))
	remote, err := other.Channel(2)
	require.NoError(t, err)

	grp, err := env.reg.AddToGroup("mixed", env.channel(t, 1))
	require.NoError(t, err)
	_, err = env.reg.AddToGroup("mixed", remote)
	require.NoError(t, err)

	env.span.SetFlag(SpanInAlarm)
	ch, err := env.reg.OpenByGroup(grp.ID(), TopDown, nil)
	require.NoError(t, err)
	assert.Same(t, remote, ch, "alarmed member span skipped")
	assert.Equal(t, []int{2}, sig.asked, "requester gets the hunted channel id")
	assert.False(t, env.channel(t, 1).HasFlag(ChanInUse))
}
