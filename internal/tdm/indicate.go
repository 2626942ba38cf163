package tdm

import (
	"errors"
	"fmt"
	"time"
)

// indicationState maps an indication to the state that completes it.
func indicationState(ind Indication) (State, bool) {
	switch ind {
	case IndRinging:
		return StateRinging, true
	case IndProceed:
		return StateProceeding, true
	case IndProgress:
		return StateProgress, true
	case IndProgressMedia:
		return StateProgressMedia, true
	case IndAnswer:
		return StateUp, true
	case IndBusy:
		return StateBusy, true
	case IndTransfer:
		return StateTransfer, true
	}
	return StateDown, false
}

// Indicate requests a call-control indication. Every indication accepted
// here is acknowledged exactly once with SigEventIndicationCompleted,
// either before Indicate returns or later when the state change or the
// signaling module completes it.
func (c *Channel) Indicate(ind Indication) error {
	g := c.lk.lock()
	defer c.release(g)
	return c.indicateLocked(g, ind)
}

// Answer indicates IndAnswer.
func (c *Channel) Answer() error {
	return c.Indicate(IndAnswer)
}

func (c *Channel) indicateLocked(g *lockGuard, ind Indication) error {
	if c.HasFlag(ChanIndAckPending) {
		if c.HasFlag(ChanNonBlock) {
			return c.fail(fmt.Errorf("indicate %s on %s: %s still pending: %w", ind, c, c.pendingInd, ErrBusy))
		}
		if err := c.waitAckLocked(g); err != nil {
			return c.fail(fmt.Errorf("indicate %s on %s: %s still pending: %w", ind, c, c.pendingInd, ErrBusy))
		}
	}
	if c.State() == StateTerminating {
		return fmt.Errorf("indicate %s on %s: %w", ind, c, ErrCancelled)
	}

	c.setFlag(ChanIndAckPending)
	c.pendingInd = ind

	if c.HasFlag(ChanNativeSigBridge) && ind != IndFacility {
		c.logger.Debug("ignoring indication in native bridge mode", "indication", ind)
		c.ackIndicationLocked(g, ind, nil)
		return nil
	}

	wait := !c.HasFlag(ChanNonBlock)
	var err error
	switch ind {
	case IndAnswer:
		err = c.answerLocked(g, wait)
	case IndFacility, IndCustom:
		err = c.forwardIndicationLocked(g, ind)
	default:
		target, ok := indicationState(ind)
		if !ok {
			err = fmt.Errorf("indication %s: %w", ind, ErrNotImplemented)
			break
		}
		err = c.setStateLocked(g, target, wait)
	}

	if errors.Is(err, ErrAlready) {
		err = nil
	}
	if c.HasFlag(ChanIndAckPending) && c.pendingInd == ind {
		if err != nil {
			c.ackIndicationLocked(g, ind, err)
		} else if target, ok := indicationState(ind); ok && c.State() == target && !c.HasFlag(ChanStateChange) {
			c.ackIndicationLocked(g, ind, nil)
		}
	}
	return err
}

// answerLocked walks Progress and ProgressMedia before Up unless the span
// skips intermediate states. The lock is released while each step is
// processed, so Terminating is re-checked after every step.
func (c *Channel) answerLocked(g *lockGuard, wait bool) error {
	switch c.State() {
	case StateUp:
		return nil
	case StateTerminating:
		return fmt.Errorf("answer on %s: %w", c, ErrCancelled)
	}
	if !c.span.HasFlag(SpanSkipStates) {
		for _, step := range []State{StateProgress, StateProgressMedia} {
			if c.State() >= step {
				continue
			}
			if err := c.setStateLocked(g, step, wait); err != nil && !errors.Is(err, ErrAlready) {
				return err
			}
			if c.State() == StateTerminating {
				return fmt.Errorf("answer on %s: %w", c, ErrCancelled)
			}
		}
	}
	if err := c.setStateLocked(g, StateUp, wait); err != nil {
		return err
	}
	if c.State() == StateTerminating {
		return fmt.Errorf("answer on %s: %w", c, ErrCancelled)
	}
	return nil
}

func (c *Channel) forwardIndicationLocked(g *lockGuard, ind Indication) error {
	in, ok := c.span.signaling().(Indicator)
	if !ok {
		return fmt.Errorf("indication %s: %w", ind, ErrNotImplemented)
	}
	var err error
	c.unlockedFlush(g, func() {
		err = in.Indicate(c, ind)
	})
	return err
}

func (c *Channel) waitAckLocked(g *lockGuard) error {
	done := c.ackDone
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
	if timedOut && c.HasFlag(ChanIndAckPending) {
		return ErrTimeout
	}
	return nil
}

// AckIndication completes a pending indication on behalf of the signaling
// module. Acknowledging an indication that is not pending is ignored.
func (c *Channel) AckIndication(ind Indication, err error) {
	g := c.lk.lock()
	defer c.release(g)
	if !c.HasFlag(ChanIndAckPending) || c.pendingInd != ind {
		c.logger.Warn("ignoring ack of indication that is not pending", "indication", ind, "pending", c.pendingInd)
		return
	}
	c.ackIndicationLocked(g, ind, err)
}

func (c *Channel) ackIndicationLocked(_ *lockGuard, ind Indication, err error) {
	c.clearFlag(ChanIndAckPending)
	c.pendingInd = IndNone
	close(c.ackDone)
	c.ackDone = make(chan struct{})
	c.queueSignal(SigEventIndicationCompleted, IndicationPayload{Indication: ind, Err: err})
	c.logger.Debug("indication completed", "indication", ind, "error", err)
}

// PendingIndication returns the indication awaiting acknowledgement, or
// IndNone.
func (c *Channel) PendingIndication() Indication {
	g := c.lk.lock()
	defer g.unlock()
	if !c.HasFlag(ChanIndAckPending) {
		return IndNone
	}
	return c.pendingInd
}

// Hangup hangs up the call with normal clearing.
func (c *Channel) Hangup() error {
	return c.HangupWithCause(CauseNormalClearing)
}

// HangupWithCause hangs up the call with a Q.850 cause. Hanging up a
// channel that is already in Hangup succeeds without effect.
func (c *Channel) HangupWithCause(cause int) error {
	g := c.lk.lock()
	defer c.release(g)
	if c.State() == StateHangup {
		return nil
	}
	c.cd.HangupCause = cause
	return c.hangupLocked(g)
}

func (c *Channel) hangupLocked(g *lockGuard) error {
	if c.State() == StateHangup {
		return nil
	}
	c.setFlag(ChanUserHangup)
	c.cancelSafetyLocked()
	c.cancelPendingLocked()

	switch c.State() {
	case StateDown:
		if c.HasFlag(ChanOpen) {
			return c.closeLocked(g)
		}
		return nil
	case StateHangup:
		return nil
	}
	err := c.setStateLocked(g, StateHangup, !c.HasFlag(ChanNonBlock))
	if errors.Is(err, ErrTimeout) {
		return nil
	}
	return err
}

// PlaceCall asks the signaling module to place an outbound call on an open
// outbound channel. ErrGlare is returned unwrapped from other failures so
// callers can hunt again.
func (c *Channel) PlaceCall() error {
	g := c.lk.lock()
	defer c.release(g)

	if !c.HasFlag(ChanOpen) {
		return c.fail(fmt.Errorf("place call on %s: %w", c, ErrNotOpen))
	}
	if !c.HasFlag(ChanOutbound) {
		return c.fail(fmt.Errorf("place call on %s: channel is not outbound: %w", c, ErrInvalidState))
	}
	oc, ok := c.span.signaling().(OutgoingCaller)
	if !ok {
		return c.fail(fmt.Errorf("place call on %s: %w", c, ErrNotImplemented))
	}

	var err error
	c.unlockedFlush(g, func() {
		err = oc.OutgoingCall(c)
	})
	if err != nil {
		if errors.Is(err, ErrGlare) {
			c.logger.Info("glare on outbound call")
			return c.fail(ErrGlare)
		}
		return c.fail(fmt.Errorf("place call on %s: %w", c, err))
	}

	c.setFlag(ChanCallStarted)
	if c.cd.CallID == 0 {
		if err := c.span.reg.calls.Allocate(c, &c.cd); err != nil {
			return c.fail(err)
		}
	}
	if !c.HasFlag(ChanNonBlock) && c.HasFlag(ChanStateChange) {
		if err := c.waitStateLocked(g, c.stateDone); err != nil {
			c.logger.Warn("outbound call still settling", "error", err)
		}
	}
	return nil
}
