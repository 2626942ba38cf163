package tdm

import (
	"fmt"
)

// HuntMode selects the hunting domain.
type HuntMode int

const (
	HuntBySpan HuntMode = iota
	HuntByGroup
	HuntByChannel
)

// HuntRequest describes a channel hunt. GroupName is used when GroupID is
// zero.
type HuntRequest struct {
	Mode      HuntMode
	SpanID    int
	ChanID    int
	GroupID   int
	GroupName string
	Direction Direction
	Caller    *CallerData
}

// Hunt dispatches req to the matching Open* entry point.
func (r *Registry) Hunt(req HuntRequest) (*Channel, error) {
	switch req.Mode {
	case HuntByChannel:
		return r.OpenByChannel(req.SpanID, req.ChanID)
	case HuntByGroup:
		id := req.GroupID
		if id == 0 {
			grp, err := r.GroupByName(req.GroupName)
			if err != nil {
				return nil, err
			}
			id = grp.id
		}
		return r.OpenByGroup(id, req.Direction, req.Caller)
	default:
		return r.OpenBySpan(req.SpanID, req.Direction, req.Caller)
	}
}

// OpenByChannel opens one specific channel.
func (r *Registry) OpenByChannel(spanID, chanID int) (*Channel, error) {
	span, err := r.SpanByID(spanID)
	if err != nil {
		return nil, err
	}
	if !span.HasFlag(SpanConfigured) {
		return nil, fmt.Errorf("span %s: %w", span, ErrNotConfigured)
	}
	if _, ok := span.signaling().(ChannelRequester); ok {
		return nil, fmt.Errorf("individual channel selection on span %s: %w", span, ErrNotImplemented)
	}
	ch, err := span.Channel(chanID)
	if err != nil {
		return nil, err
	}

	g := ch.lk.lock()
	defer ch.release(g)
	if ch.HasFlag(ChanInUse) {
		return nil, ch.fail(fmt.Errorf("channel %s: %w", ch, ErrAlready))
	}
	if err := ch.openLocked(g); err != nil {
		return nil, err
	}
	return ch, nil
}

// OpenBySpan hunts a free voice channel on a span for an outbound call.
func (r *Registry) OpenBySpan(spanID int, dir Direction, cd *CallerData) (*Channel, error) {
	span, err := r.SpanByID(spanID)
	if err != nil {
		return nil, err
	}
	if err := r.admit(cd); err != nil {
		return nil, err
	}
	if !span.HasFlag(SpanConfigured) {
		return nil, fmt.Errorf("span %s: %w", span, ErrNotConfigured)
	}
	if span.HasFlag(SpanInAlarm) {
		return nil, fmt.Errorf("span %s: %w", span, ErrAlarmed)
	}
	if req, ok := span.signaling().(ChannelRequester); ok && !span.HasFlag(SpanSuggestChanID) {
		return requestChannel(req, span, 0, dir, cd)
	}

	span.mu.Lock()
	if countInUse(span.channels) == len(span.channels) {
		span.mu.Unlock()
		return nil, fmt.Errorf("span %s: %w", span, ErrBusy)
	}
	ch, suggested, err := huntChannels(span.channels, dir, &span.lastIdx, cd)
	span.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("span %s: %w", span, err)
	}
	if suggested != nil {
		return requestSuggested(suggested, dir, cd)
	}
	return ch, nil
}

// OpenByGroup hunts a free voice channel in a group for an outbound call.
// Members on alarmed spans are skipped. When a member's span selects its
// own channels, the first available member is handed to that span as the
// suggested channel.
func (r *Registry) OpenByGroup(groupID int, dir Direction, cd *CallerData) (*Channel, error) {
	grp, err := r.GroupByID(groupID)
	if err != nil {
		return nil, err
	}
	if err := r.admit(cd); err != nil {
		return nil, err
	}

	grp.mu.Lock()
	if countInUse(grp.channels) == len(grp.channels) {
		grp.mu.Unlock()
		return nil, fmt.Errorf("group %q: %w", grp.name, ErrBusy)
	}
	ch, suggested, err := huntChannels(grp.channels, dir, &grp.lastIdx, cd)
	grp.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("group %q: %w", grp.name, err)
	}
	if suggested != nil {
		return requestSuggested(suggested, dir, cd)
	}
	return ch, nil
}

func (r *Registry) admit(cd *CallerData) error {
	if r.admission == nil || r.admission.Allow() {
		return nil
	}
	if cd != nil {
		cd.HangupCause = CauseSwitchCongestion
	}
	r.logger.Warn("call admission rejected")
	return ErrCongested
}

// requestChannel asks the span's signaling for a channel. chanID is the
// suggested channel, 0 to let the signaling choose.
func requestChannel(req ChannelRequester, span *Span, chanID int, dir Direction, cd *CallerData) (*Channel, error) {
	ch, err := req.RequestChannel(span, chanID, dir, cd)
	if err != nil {
		return nil, fmt.Errorf("span %s channel request: %w", span, err)
	}
	g := ch.lk.lock()
	defer ch.release(g)
	if !ch.HasFlag(ChanInUse) {
		if err := ch.openLocked(g); err != nil {
			return nil, err
		}
	}
	ch.setFlag(ChanOutbound)
	ch.applyCallerLocked(cd)
	return ch, nil
}

// huntOrder returns the 0-based scan order over n channels. cursor is the
// 1-based index of the previous round-robin winner, 0 when none.
func huntOrder(n, cursor int, dir Direction) []int {
	order := make([]int, n)
	switch dir {
	case BottomUp:
		for k := range n {
			order[k] = n - 1 - k
		}
	case RRUp:
		start := cursor % n
		for k := range n {
			order[k] = (start + k) % n
		}
	case RRDown:
		start := n - 1
		if cursor > 0 {
			start = (cursor - 2 + n) % n
		}
		for k := range n {
			order[k] = (start - k + n) % n
		}
	default:
		for k := range n {
			order[k] = k
		}
	}
	return order
}

// requestSuggested hands an available candidate to its span's signaling.
// No span or group lock may be held.
func requestSuggested(ch *Channel, dir Direction, cd *CallerData) (*Channel, error) {
	req, ok := ch.span.signaling().(ChannelRequester)
	if !ok {
		return nil, fmt.Errorf("span %s: %w", ch.span, ErrNotImplemented)
	}
	return requestChannel(req, ch.span, ch.id, dir, cd)
}

// huntChannels scans chans in dir order and opens the first available
// channel. An available channel whose span selects channels itself is
// returned as suggested, unopened, for the caller to request once the
// domain lock is dropped. The caller holds the lock of the domain owning
// chans and cursor.
func huntChannels(chans []*Channel, dir Direction, cursor *int, cd *CallerData) (*Channel, *Channel, error) {
	if len(chans) == 0 {
		return nil, nil, ErrBusy
	}
	var best *Channel
	bestRate := 0
	for _, i := range huntOrder(len(chans), *cursor, dir) {
		ch := chans[i]
		if _, ok := ch.span.signaling().(ChannelRequester); ok {
			if !ch.available() {
				continue
			}
			if dir == RRUp || dir == RRDown {
				*cursor = i + 1
			}
			return nil, ch, nil
		}
		if g, ok := ch.acquireForCall(); ok {
			if dir == RRUp || dir == RRDown {
				*cursor = i + 1
			}
			ch.applyCallerLocked(cd)
			ch.release(g)
			return ch, nil, nil
		}
		if rate := ch.availabilityRate(); rate > bestRate {
			best, bestRate = ch, rate
		}
	}
	if best == nil {
		return nil, nil, ErrBusy
	}

	g := best.lk.lock()
	if best.HasFlag(ChanInUse) {
		best.release(g)
		return nil, nil, ErrBusy
	}
	best.logger.Debug("opening best rated channel", "rate", bestRate)
	if err := best.openLocked(g); err != nil {
		best.release(g)
		return nil, nil, ErrBusy
	}
	best.setFlag(ChanOutbound)
	best.applyCallerLocked(cd)
	for i, ch := range chans {
		if ch == best && (dir == RRUp || dir == RRDown) {
			*cursor = i + 1
		}
	}
	best.release(g)
	return best, nil, nil
}

// available is the unlocked fast-path check; it is repeated under the
// channel lock before opening.
func (c *Channel) available() bool {
	if c.span.HasFlag(SpanInAlarm) {
		return false
	}
	f := c.Flags()
	if f&(ChanConfigured|ChanReady) != ChanConfigured|ChanReady {
		return false
	}
	if f&(ChanInUse|ChanSuspended|ChanInAlarm) != 0 {
		return false
	}
	if !c.typ.IsVoice() || c.State() != StateDown {
		return false
	}
	if _, reports := c.span.signaling().(ChannelSigStatuser); reports {
		return f&ChanSigUp != 0
	}
	return true
}

// acquireForCall opens an available channel for an outbound call and
// returns it still locked.
func (c *Channel) acquireForCall() (*lockGuard, bool) {
	if !c.available() {
		return nil, false
	}
	g := c.lk.lock()
	if !c.available() {
		g.unlock()
		return nil, false
	}
	if err := c.openLocked(g); err != nil {
		c.logger.Debug("hunt candidate failed to open", "error", err)
		c.release(g)
		return nil, false
	}
	c.setFlag(ChanOutbound)
	return g, true
}

// availabilityRate returns the best-rated fallback score, 0 when the span
// has not opted in.
func (c *Channel) availabilityRate() int {
	if !c.span.HasFlag(SpanUseAvRate) {
		return 0
	}
	if ar, ok := c.span.signaling().(AvailabilityReporter); ok {
		return ar.ChannelAvailability(c)
	}
	g := c.lk.lock()
	defer g.unlock()
	if !c.HasFlag(ChanAvRate) {
		return 0
	}
	return c.availRate
}

func (c *Channel) applyCallerLocked(cd *CallerData) {
	if cd == nil {
		return
	}
	id := c.cd.CallID
	c.cd = *cd
	c.cd.CallID = id
}
