package tdm

import "sync"

// chanLock is the per-channel mutex. Code that needs the lock held takes a
// *lockGuard, which can only be obtained by acquiring the lock, so helpers
// cannot be called unlocked by mistake.
type chanLock struct {
	mu sync.Mutex
}

// lockGuard proves the channel lock is held by the current call chain.
// depth counts nested entries by the same owner so that releasing the lock
// around a callback is only allowed at the outermost level.
type lockGuard struct {
	l     *chanLock
	depth int
}

func (l *chanLock) lock() *lockGuard {
	l.mu.Lock()
	return &lockGuard{l: l, depth: 1}
}

// tryLock acquires the lock without blocking.
func (l *chanLock) tryLock() (*lockGuard, bool) {
	if !l.mu.TryLock() {
		return nil, false
	}
	return &lockGuard{l: l, depth: 1}, true
}

// enter marks a nested use of an already held lock.
func (g *lockGuard) enter() *lockGuard {
	g.depth++
	return g
}

// exit undoes enter.
func (g *lockGuard) exit() {
	if g.depth <= 1 {
		panic("tdm: channel lock guard underflow")
	}
	g.depth--
}

// unlock releases the lock. The guard must not be used afterwards.
func (g *lockGuard) unlock() {
	if g.depth != 1 {
		panic("tdm: channel unlocked while nested")
	}
	g.depth = 0
	g.l.mu.Unlock()
}

// unlocked runs fn with the lock released and reacquires it afterwards.
// State observed before the call must be re-validated by the caller.
func (g *lockGuard) unlocked(fn func()) {
	if g.depth != 1 {
		panic("tdm: cannot release a nested channel lock")
	}
	g.l.mu.Unlock()
	defer g.l.mu.Lock()
	fn()
}
