package tdm

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// stateWaitTimeout bounds how long a caller waits for a requested state
// change to be processed.
const stateWaitTimeout = 500 * time.Millisecond

// maxStateAdvances bounds the state processing loop for one channel.
const maxStateAdvances = 32

// defaultLegal is the built-in transition rule set used when a span has no
// state map of its own.
func defaultLegal(from, to State) bool {
	if from == to {
		return false
	}
	switch from {
	case StateHangup, StateTerminating:
		switch to {
		case StateDown, StateBusy, StateRestart, StateHangupComplete, StateHangup, StateTerminating:
			return true
		}
		return false
	case StateUp:
		return to != StateProgress && to != StateProgressMedia && to != StateRing
	case StateDown:
		switch to {
		case StateDialtone, StateCollect, StateDialing, StateRing, StateProgressMedia,
			StateProgress, StateProceeding, StateRinging, StateGetCallerID, StateGenRing,
			StateReset, StateRestart:
			return true
		}
		return false
	case StateBusy:
		return to != StateUp
	}
	return true
}

// transitionTable answers legality queries against one shared FSM. The FSM
// is repositioned to the source state under mu for every query.
type transitionTable struct {
	mu  sync.Mutex
	fsm *fsm.FSM
}

func transitionEvent(to State) string {
	return "to_" + to.String()
}

func newTransitionTable(legal func(from, to State) bool) *transitionTable {
	var events fsm.Events
	for to := State(0); to < stateCount; to++ {
		var src []string
		for from := State(0); from < stateCount; from++ {
			if legal(from, to) {
				src = append(src, from.String())
			}
		}
		if len(src) > 0 {
			events = append(events, fsm.EventDesc{Name: transitionEvent(to), Src: src, Dst: to.String()})
		}
	}
	return &transitionTable{fsm: fsm.NewFSM(StateDown.String(), events, fsm.Callbacks{})}
}

var defaultTransitions = newTransitionTable(defaultLegal)

func (t *transitionTable) allowed(from, to State) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fsm.SetState(from.String())
	return t.fsm.Can(transitionEvent(to))
}

// next lists the states reachable from from.
func (t *transitionTable) next(from State) []State {
	t.mu.Lock()
	t.fsm.SetState(from.String())
	names := t.fsm.AvailableTransitions()
	t.mu.Unlock()

	out := make([]State, 0, len(names))
	for _, n := range names {
		if st, ok := ParseState(n[len("to_"):]); ok {
			out = append(out, st)
		}
	}
	slices.Sort(out)
	return out
}

// NextStates lists the states the default rules allow from st.
func NextStates(st State) []State {
	return defaultTransitions.next(st)
}

// StateMapRule says whether a node lists permitted or forbidden targets.
type StateMapRule int

const (
	RuleAllow StateMapRule = iota
	RuleDeny
)

// StateMapDirection restricts a node to inbound or outbound calls.
type StateMapDirection int

const (
	MapAnyDirection StateMapDirection = iota
	MapInbound
	MapOutbound
)

// StateMapNode is one rule of a StateMap. An empty From matches any
// current state.
type StateMapNode struct {
	Direction StateMapDirection
	Rule      StateMapRule
	From      []State
	To        []State
}

// StateMap replaces the default transition rules for a span. The first
// node matching the call direction and current state whose To list
// contains the target decides; a transition no node decides is rejected.
type StateMap []StateMapNode

func (m StateMap) allowed(outbound bool, from, to State) bool {
	for _, n := range m {
		switch n.Direction {
		case MapInbound:
			if outbound {
				continue
			}
		case MapOutbound:
			if !outbound {
				continue
			}
		}
		if len(n.From) > 0 && !slices.Contains(n.From, from) {
			continue
		}
		if slices.Contains(n.To, to) {
			return n.Rule == RuleAllow
		}
	}
	return false
}

// SetState requests a transition. With wait set the call blocks until the
// signaling module has processed the change or the wait times out.
// Signaling modules must pass wait false from ProcessState.
func (c *Channel) SetState(st State, wait bool) error {
	g := c.lk.lock()
	defer c.release(g)
	return c.setStateLocked(g, st, wait)
}

func (c *Channel) setStateLocked(g *lockGuard, st State, wait bool) error {
	if !c.HasFlag(ChanReady) {
		return c.fail(fmt.Errorf("set state %s on %s: %w", st, c, ErrNotReady))
	}
	if c.span.HasFlag(SpanSuspended) && st != StateRestart && st != StateDown {
		return c.fail(fmt.Errorf("set state %s on %s: %w", st, c, ErrSuspended))
	}
	from := c.State()
	if c.HasFlag(ChanStateChange) {
		return c.fail(fmt.Errorf("set state %s on %s: change to %s still pending: %w", st, c, from, ErrBusy))
	}
	if from == st {
		return fmt.Errorf("set state %s on %s: %w", st, c, ErrAlready)
	}

	var ok bool
	if m := c.span.getStateMap(); m != nil {
		ok = m.allowed(c.HasFlag(ChanOutbound), from, st)
	} else {
		ok = defaultTransitions.allowed(from, st)
	}
	if !ok {
		c.logger.Warn("state change vetoed", "from", from, "to", st)
		return c.fail(fmt.Errorf("%s -> %s on %s: %w", from, st, c, ErrInvalidState))
	}

	c.lastState = from
	c.state.Store(int32(st))
	c.status = StatusPending
	c.setFlag(ChanStateChange)
	done := c.stateDone
	c.logger.Debug("state change", "from", from, "to", st)

	if c.span.signaling() == nil {
		c.completeStateLocked(g)
		return nil
	}
	c.span.enqueuePending(c)
	if wait {
		return c.waitStateLocked(g, done)
	}
	return nil
}

func (c *Channel) waitStateLocked(g *lockGuard, done <-chan struct{}) error {
	timer := time.NewTimer(stateWaitTimeout)
	defer timer.Stop()
	timedOut := false
	c.unlockedFlush(g, func() {
		select {
		case <-done:
		case <-timer.C:
			timedOut = true
		}
	})
	if timedOut {
		c.logger.Warn("state change not processed in time", "state", c.State(), "timeout", stateWaitTimeout)
		return c.fail(fmt.Errorf("waiting for state %s on %s: %w", c.State(), c, ErrTimeout))
	}
	return nil
}

// CompleteState marks the current state as processed. Signaling modules
// call it from ProcessState before requesting a further transition.
func (c *Channel) CompleteState() {
	g := c.lk.lock()
	defer c.release(g)
	if c.HasFlag(ChanStateChange) {
		c.completeStateLocked(g)
	}
}

// AdvanceState completes the pending state and requests next under a
// single lock hold, so no other caller observes the intermediate state.
// Signaling modules use it from ProcessState.
func (c *Channel) AdvanceState(next State) error {
	g := c.lk.lock()
	defer c.release(g)
	if c.HasFlag(ChanStateChange) {
		c.completeStateLocked(g)
	}
	return c.setStateLocked(g, next, false)
}

func (c *Channel) completeStateLocked(g *lockGuard) {
	st := c.State()
	switch st {
	case StateProgress:
		c.setFlag(ChanProgress)
	case StateProgressMedia:
		c.setFlag(ChanProgress | ChanMedia)
	case StateUp:
		c.setFlag(ChanProgress | ChanMedia | ChanAnswered)
	}
	c.clearFlag(ChanStateChange)
	c.status = StatusCompleted
	c.wakeStateWaiters()

	if c.HasFlag(ChanIndAckPending) {
		if target, ok := indicationState(c.pendingInd); ok && target == st {
			c.ackIndicationLocked(g, c.pendingInd, nil)
		}
	}
	if st == StateDown {
		c.doneLocked(g)
	}
}

// cancelPendingLocked drops a pending state change without processing it.
func (c *Channel) cancelPendingLocked() {
	if !c.HasFlag(ChanStateChange) {
		return
	}
	c.logger.Debug("cancelling pending state change", "state", c.State())
	c.clearFlag(ChanStateChange)
	c.status = StatusCompleted
	c.wakeStateWaiters()
}

func (c *Channel) wakeStateWaiters() {
	close(c.stateDone)
	c.stateDone = make(chan struct{})
}

func (c *Channel) advanceStates() {
	sig := c.span.signaling()
	if sig == nil {
		return
	}
	g := c.lk.lock()
	defer c.release(g)
	for i := 0; c.HasFlag(ChanStateChange); i++ {
		if i == maxStateAdvances {
			c.logger.Error("state processing did not settle", "state", c.State())
			return
		}
		st := c.State()
		var err error
		c.unlockedFlush(g, func() {
			err = sig.ProcessState(c, st)
		})
		if err != nil {
			c.logger.Warn("processing state", "state", st, "error", err)
		}
		if c.State() == st && c.HasFlag(ChanStateChange) {
			c.completeStateLocked(g)
		}
	}
}
