package tdm

import (
	"context"
	"fmt"
)

// SendSignal delivers msg to the application, inline or through the span
// queue. Identity fields are filled in from msg.Channel. It must not be
// called with a channel lock held.
func (s *Span) SendSignal(msg *SigMsg) error {
	msg.SpanID = s.id
	if ch := msg.Channel; ch != nil {
		msg.ChanID = ch.id
		if !ch.prepareSignal(msg) {
			return nil
		}
	}

	s.sigMu.RLock()
	cb, q := s.sigCb, s.sigQueue
	s.sigMu.RUnlock()

	if q != nil && s.HasFlag(SpanUseSignalsQueue) {
		select {
		case q <- msg:
			return nil
		default:
			return fmt.Errorf("span %s signal queue: %w", s.name, ErrCapacity)
		}
	}
	if cb == nil {
		return nil
	}
	return cb(msg)
}

// DrainSignals dispatches every queued signal and returns how many were
// delivered.
func (s *Span) DrainSignals() int {
	s.sigMu.RLock()
	cb, q := s.sigCb, s.sigQueue
	s.sigMu.RUnlock()
	if q == nil {
		return 0
	}
	n := 0
	for {
		select {
		case msg := <-q:
			n++
			if cb == nil {
				continue
			}
			if err := cb(msg); err != nil {
				s.logger.Warn("signal callback failed", "event", msg.Event, "chan_id", msg.ChanID, "error", err)
			}
		default:
			return n
		}
	}
}

// prepareSignal applies the core's own bookkeeping for msg and reports
// whether it should reach the application.
func (c *Channel) prepareSignal(msg *SigMsg) bool {
	g := c.lk.lock()
	defer g.unlock()

	switch msg.Event {
	case SigEventStart:
		c.setFlag(ChanCallStarted)
		if c.cd.CallID == 0 {
			if err := c.span.reg.calls.Allocate(c, &c.cd); err != nil {
				c.logger.Error("allocating call id", "error", err)
			}
		}
	case SigEventStop:
		if !c.HasFlag(ChanCallStarted) {
			c.logger.Debug("ignoring stop, application never saw a call")
			return false
		}
		if c.HasFlag(ChanUserHangup) {
			c.logger.Debug("ignoring stop, application already hung up")
			return false
		}
		if c.State() == StateTerminating {
			c.scheduleSafetyLocked()
		}
	case SigEventSigStatusChanged:
		if p, ok := msg.Payload.(SigStatusPayload); ok {
			if p.Status == SigStatusUp {
				c.setFlag(ChanSigUp)
			} else {
				c.clearFlag(ChanSigUp)
			}
		}
	}
	msg.CallID = c.cd.CallID
	return true
}

func (c *Channel) scheduleSafetyLocked() {
	c.cancelSafetyLocked()
	d := c.span.reg.safetyHangup
	c.safety = c.span.reg.sched.schedule(d, func() { c.safetyHangup() })
	c.logger.Debug("safety hangup scheduled", "after", d)
}

func (c *Channel) cancelSafetyLocked() {
	if c.safety != 0 {
		c.span.reg.sched.cancel(c.safety)
		c.safety = 0
	}
}

func (c *Channel) safetyHangup() {
	g := c.lk.lock()
	defer c.release(g)
	c.safety = 0
	if st := c.State(); st != StateTerminating {
		c.logger.Error("not performing safety hangup", "state", st)
		return
	}
	c.logger.Warn("forcing hangup, application did not confirm", "after", c.span.reg.safetyHangup)
	if err := c.hangupLocked(g); err != nil {
		c.logger.Error("safety hangup failed", "error", err)
	}
}

func (s *Span) enqueuePending(c *Channel) {
	s.queueMu.Lock()
	s.pending = append(s.pending, c)
	s.SetFlag(SpanStateChange)
	s.queueMu.Unlock()
	select {
	case s.stateCh <- struct{}{}:
	default:
	}
}

// StateChanges is signaled whenever a channel of the span has a pending
// state change. Signaling modules wait on it and then call
// ProcessStateChanges.
func (s *Span) StateChanges() <-chan struct{} {
	return s.stateCh
}

// ProcessStateChanges runs the signaling module over every channel with a
// pending state change and returns the number of channels visited.
func (s *Span) ProcessStateChanges() int {
	n := 0
	for {
		s.queueMu.Lock()
		if len(s.pending) == 0 {
			s.ClearFlag(SpanStateChange)
			s.queueMu.Unlock()
			return n
		}
		ch := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.queueMu.Unlock()

		ch.advanceStates()
		n++
	}
}

// RunStateProcessor processes state changes as they are signaled until ctx
// is done. Signaling modules that need no loop of their own start it from
// Start.
func (s *Span) RunStateProcessor(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stateCh:
			s.ProcessStateChanges()
		}
	}
}
