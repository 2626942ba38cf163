package tdm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockGuardNesting(t *testing.T) {
	var l chanLock
	g := l.lock()

	inner := g.enter()
	assert.Panics(t, func() { inner.unlock() }, "unlock while nested")
	assert.Panics(t, func() { inner.unlocked(func() {}) }, "release while nested")
	inner.exit()
	assert.Panics(t, func() { g.exit() }, "exit past the outermost level")

	ran := false
	g.unlocked(func() {
		other, ok := l.tryLock()
		require.True(t, ok, "lock is free inside unlocked")
		other.unlock()
		ran = true
	})
	assert.True(t, ran)

	_, ok := l.tryLock()
	assert.False(t, ok, "lock reacquired after unlocked")
	g.unlock()

	g2, ok := l.tryLock()
	require.True(t, ok)
	g2.unlock()
}

func TestDestroyWaitsForChannelThread(t *testing.T) {
	env := newTestEnv(t, 1)
	ch := env.channel(t, 1)
	require.NoError(t, ch.Open())
	ch.setFlag(ChanInThread)

	done := make(chan error, 1)
	go func() { done <- ch.destroy() }()

	select {
	case <-done:
		t.Fatal("destroy ran while a driver thread was inside the channel")
	case <-time.After(100 * time.Millisecond):
	}
	ch.clearFlag(ChanInThread)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * destroyPollInterval):
		t.Fatal("destroy did not finish after the thread left")
	}
	assert.False(t, ch.HasFlag(ChanOpen))
	assert.False(t, ch.HasFlag(ChanReady))
}
