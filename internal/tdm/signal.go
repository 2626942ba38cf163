package tdm

import (
	"errors"
	"time"
)

// SigEvent is the kind of a signal message delivered to the application.
type SigEvent int

const (
	SigEventStart SigEvent = iota
	SigEventStop
	SigEventRelease
	SigEventUp
	SigEventFlash
	SigEventProceed
	SigEventRinging
	SigEventProgress
	SigEventProgressMedia
	SigEventAlarmTrap
	SigEventAlarmClear
	SigEventSigStatusChanged
	SigEventIndicationCompleted
	SigEventCollectedDigit
	SigEventRestart
	SigEventDialing
)

var sigEventNames = [...]string{
	"START", "STOP", "RELEASED", "UP", "FLASH", "PROCEED", "RINGING", "PROGRESS",
	"PROGRESS_MEDIA", "ALARM_TRAP", "ALARM_CLEAR", "SIGSTATUS_CHANGED",
	"INDICATION_COMPLETED", "COLLECTED_DIGIT", "RESTART", "DIALING",
}

func (e SigEvent) String() string {
	if e >= 0 && int(e) < len(sigEventNames) {
		return sigEventNames[e]
	}
	return "INVALID"
}

// SigMsg is a signal message. SpanID, ChanID and CallID are filled in from
// Channel when the message is sent.
type SigMsg struct {
	Event   SigEvent
	SpanID  int
	ChanID  int
	CallID  int
	Channel *Channel
	Payload any
}

// SigStatusPayload accompanies SigEventSigStatusChanged.
type SigStatusPayload struct {
	Status SigStatus
}

// IndicationPayload accompanies SigEventIndicationCompleted.
type IndicationPayload struct {
	Indication Indication
	Err        error
}

// DigitPayload accompanies SigEventCollectedDigit.
type DigitPayload struct {
	Digits string
}

// SignalCallback receives signal messages. It is never called with a
// channel lock held.
type SignalCallback func(msg *SigMsg) error

// ChainSignals returns a callback that invokes every non-nil cb in order
// and joins their errors.
func ChainSignals(cbs ...SignalCallback) SignalCallback {
	return func(msg *SigMsg) error {
		var errs []error
		for _, cb := range cbs {
			if cb == nil {
				continue
			}
			if err := cb(msg); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}

// EventKind is the kind of a hardware event.
type EventKind int

const (
	EventNone EventKind = iota
	EventDTMF
	EventOnHook
	EventOffHook
	EventWink
	EventFlash
	EventRingStart
	EventRingStop
	EventAlarmTrap
	EventAlarmClear
	EventPolarityReverse
)

var eventKindNames = [...]string{"NONE", "DTMF", "ONHOOK", "OFFHOOK", "WINK", "FLASH", "RING_START", "RING_STOP", "ALARM_TRAP", "ALARM_CLEAR", "POLARITY_REVERSE"}

func (k EventKind) String() string {
	if k >= 0 && int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "INVALID"
}

// Event is an out-of-band hardware event or a detected DTMF digit.
type Event struct {
	Kind    EventKind
	Channel *Channel
	Data    string
	At      time.Time
}

// EventCallback receives channel events such as detected DTMF. It runs
// with the channel lock held and must not call back into the channel.
type EventCallback func(ev Event)
