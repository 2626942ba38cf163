// Package clear is a minimal signaling module for clear channels. Call
// supervision is carried by hook events: going off hook seizes or answers
// a line, going on hook clears it. The module owns the span's state
// processor and event pump while the span is started.
package clear

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowpbx/tdmcore/internal/tdm"
)

// Name identifies the module in logs and the API.
const Name = "clear"

// eventPollInterval bounds how long the pump blocks in the driver before
// re-checking for shutdown.
const eventPollInterval = 200 * time.Millisecond

// Signaling implements tdm.SpanSignaling for one span.
type Signaling struct {
	logger *slog.Logger

	mu         sync.Mutex
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	spanStatus tdm.SigStatus
	chanStatus map[*tdm.Channel]tdm.SigStatus
}

// New creates a clear-channel signaling module.
func New(logger *slog.Logger) *Signaling {
	return &Signaling{
		logger:     logger.With("subsystem", "signaling", "signaling", Name),
		spanStatus: tdm.SigStatusUp,
		chanStatus: make(map[*tdm.Channel]tdm.SigStatus),
	}
}

func (s *Signaling) Name() string { return Name }

// Start launches the state processor and the event pump and reports the
// span's channels as up.
func (s *Signaling) Start(span *tdm.Span) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return fmt.Errorf("clear signaling on span %s: %w", span.Name(), tdm.ErrAlready)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		span.RunStateProcessor(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.pumpEvents(ctx, span)
	}()

	for _, ch := range span.Channels() {
		if err := s.SetChannelSigStatus(ch, tdm.SigStatusUp); err != nil {
			s.logger.Warn("reporting channel up", "chan_id", ch.ID(), "error", err)
		}
	}
	s.logger.Info("clear signaling started", "span", span.Name())
	return nil
}

// Stop halts the goroutines started by Start.
func (s *Signaling) Stop(span *tdm.Span) error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	s.logger.Info("clear signaling stopped", "span", span.Name())
	return nil
}

func (s *Signaling) pumpEvents(ctx context.Context, span *tdm.Span) {
	for ctx.Err() == nil {
		err := span.PollEvent(ctx, eventPollInterval)
		switch {
		case errors.Is(err, tdm.ErrNotImplemented):
			s.logger.Debug("driver has no event support, pump stopped")
			return
		case err != nil:
			continue
		}
		for {
			ev, err := span.NextEvent()
			if err != nil {
				break
			}
			s.handleEvent(ev)
		}
	}
}

// handleEvent turns hook events into state changes.
func (s *Signaling) handleEvent(ev tdm.Event) {
	ch := ev.Channel
	if ch == nil {
		return
	}
	logger := s.logger.With("span_id", ch.SpanID(), "chan_id", ch.ID())
	st := ch.State()

	switch ev.Kind {
	case tdm.EventOffHook, tdm.EventRingStart:
		switch {
		case st == tdm.StateDown:
			if err := ch.Open(); err != nil {
				logger.Warn("seizing channel for inbound call", "error", err)
				return
			}
			if err := ch.SetState(tdm.StateRing, false); err != nil {
				logger.Warn("starting inbound call", "error", err)
			}
		case ch.HasFlag(tdm.ChanOutbound) && ev.Kind == tdm.EventOffHook && beforeAnswer(st):
			if err := ch.SetState(tdm.StateUp, false); err != nil {
				logger.Warn("far end answered", "error", err)
			}
		}
	case tdm.EventOnHook:
		switch st {
		case tdm.StateDown, tdm.StateTerminating, tdm.StateHangup, tdm.StateHangupComplete:
			return
		}
		ch.SetHangupCause(tdm.CauseNormalClearing)
		if err := ch.SetState(tdm.StateTerminating, false); err != nil {
			logger.Warn("far end cleared", "error", err)
		}
	case tdm.EventFlash:
		if st == tdm.StateUp {
			s.send(ch, tdm.SigEventFlash, nil)
		}
	}
}

func beforeAnswer(st tdm.State) bool {
	switch st {
	case tdm.StateDialing, tdm.StateProceeding, tdm.StateRinging, tdm.StateProgress, tdm.StateProgressMedia:
		return true
	}
	return false
}

// ProcessState runs the side effects of a state change and chains the
// follow-up states of call teardown.
func (s *Signaling) ProcessState(ch *tdm.Channel, st tdm.State) error {
	outbound := ch.HasFlag(tdm.ChanOutbound)
	switch st {
	case tdm.StateRing:
		s.send(ch, tdm.SigEventStart, nil)
	case tdm.StateDialing:
		if err := s.command(ch, tdm.CmdOffHook); err != nil {
			if !errors.Is(err, tdm.ErrNotImplemented) {
				return err
			}
			// Without hook supervision the line is up as soon as it is seized.
			return ch.AdvanceState(tdm.StateUp)
		}
		s.send(ch, tdm.SigEventDialing, nil)
	case tdm.StateProceeding:
		if outbound {
			s.send(ch, tdm.SigEventProceed, nil)
		}
	case tdm.StateRinging:
		if outbound {
			s.send(ch, tdm.SigEventRinging, nil)
		}
	case tdm.StateProgress:
		if outbound {
			s.send(ch, tdm.SigEventProgress, nil)
		}
	case tdm.StateProgressMedia:
		if outbound {
			s.send(ch, tdm.SigEventProgressMedia, nil)
		}
	case tdm.StateUp:
		if outbound {
			s.send(ch, tdm.SigEventUp, nil)
			break
		}
		if err := s.command(ch, tdm.CmdOffHook); err != nil && !errors.Is(err, tdm.ErrNotImplemented) {
			return err
		}
	case tdm.StateTerminating:
		s.send(ch, tdm.SigEventStop, nil)
	case tdm.StateHangup:
		if err := s.command(ch, tdm.CmdOnHook); err != nil && !errors.Is(err, tdm.ErrNotImplemented) {
			s.logger.Warn("going on hook", "chan_id", ch.ID(), "error", err)
		}
		return ch.AdvanceState(tdm.StateHangupComplete)
	case tdm.StateHangupComplete, tdm.StateRestart, tdm.StateReset:
		return ch.AdvanceState(tdm.StateDown)
	case tdm.StateDown:
		if ch.HasFlag(tdm.ChanCallStarted) {
			s.send(ch, tdm.SigEventRelease, nil)
		}
	}
	return nil
}

// OutgoingCall seizes the line. A channel that already carries an inbound
// seizure is in glare.
func (s *Signaling) OutgoingCall(ch *tdm.Channel) error {
	if st := ch.State(); st != tdm.StateDown {
		return tdm.ErrGlare
	}
	return ch.SetState(tdm.StateDialing, false)
}

// Indicate acknowledges indications that carry no state.
func (s *Signaling) Indicate(ch *tdm.Channel, ind tdm.Indication) error {
	s.logger.Debug("indication has no effect on clear channels", "chan_id", ch.ID(), "indication", ind)
	ch.AckIndication(ind, nil)
	return nil
}

func (s *Signaling) ChannelSigStatus(ch *tdm.Channel) (tdm.SigStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.chanStatus[ch]
	if !ok {
		return tdm.SigStatusDown, nil
	}
	return status, nil
}

// SetChannelSigStatus records status and notifies the application.
func (s *Signaling) SetChannelSigStatus(ch *tdm.Channel, status tdm.SigStatus) error {
	s.mu.Lock()
	prev, known := s.chanStatus[ch]
	s.chanStatus[ch] = status
	s.mu.Unlock()
	if known && prev == status {
		return nil
	}
	s.send(ch, tdm.SigEventSigStatusChanged, tdm.SigStatusPayload{Status: status})
	return nil
}

func (s *Signaling) SpanSigStatus(span *tdm.Span) (tdm.SigStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spanStatus, nil
}

// SetSpanSigStatus applies status to the span and every channel on it.
func (s *Signaling) SetSpanSigStatus(span *tdm.Span, status tdm.SigStatus) error {
	s.mu.Lock()
	s.spanStatus = status
	s.mu.Unlock()
	var errs []error
	for _, ch := range span.Channels() {
		if err := s.SetChannelSigStatus(ch, status); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Signaling) command(ch *tdm.Channel, cmd tdm.Command) error {
	_, err := ch.Command(cmd, nil)
	if errors.Is(err, tdm.ErrNotOpen) {
		return tdm.ErrNotImplemented
	}
	return err
}

func (s *Signaling) send(ch *tdm.Channel, ev tdm.SigEvent, payload any) {
	if err := ch.Span().SendSignal(&tdm.SigMsg{Event: ev, Channel: ch, Payload: payload}); err != nil {
		s.logger.Warn("delivering signal", "event", ev, "chan_id", ch.ID(), "error", err)
	}
}
