package tdm

import (
	"fmt"
	"strconv"
	"strings"
)

// ChanType is the kind of timeslot a channel represents.
type ChanType int

const (
	ChanTypeB ChanType = iota
	ChanTypeDQ921
	ChanTypeDQ931
	ChanTypeFXS
	ChanTypeFXO
	ChanTypeEM
	ChanTypeCAS
)

var chanTypeNames = [...]string{"B", "DQ921", "DQ931", "FXS", "FXO", "EM", "CAS"}

func (t ChanType) String() string {
	if int(t) >= 0 && int(t) < len(chanTypeNames) {
		return chanTypeNames[t]
	}
	return "INVALID"
}

// IsVoice reports whether the channel carries bearer audio.
func (t ChanType) IsVoice() bool {
	switch t {
	case ChanTypeB, ChanTypeFXS, ChanTypeFXO, ChanTypeEM, ChanTypeCAS:
		return true
	}
	return false
}

// ParseChanType maps a type name (case-insensitive) to a ChanType.
func ParseChanType(s string) (ChanType, error) {
	for i, n := range chanTypeNames {
		if strings.EqualFold(n, s) {
			return ChanType(i), nil
		}
	}
	return 0, fmt.Errorf("unknown channel type %q", s)
}

// TrunkType is the physical interface kind of a span.
type TrunkType int

const (
	TrunkNone TrunkType = iota
	TrunkE1
	TrunkT1
	TrunkJ1
	TrunkBRI
	TrunkBRIPTMP
	TrunkFXO
	TrunkFXS
	TrunkEM
)

var trunkNames = [...]string{"NONE", "E1", "T1", "J1", "BRI", "BRI_PTMP", "FXO", "FXS", "EM"}

func (t TrunkType) String() string {
	if int(t) >= 0 && int(t) < len(trunkNames) {
		return trunkNames[t]
	}
	return "INVALID"
}

// ParseTrunkType maps a trunk name to a TrunkType.
func ParseTrunkType(s string) TrunkType {
	for i, n := range trunkNames {
		if strings.EqualFold(n, s) {
			return TrunkType(i)
		}
	}
	return TrunkNone
}

// ChannelFlag is a bit in a channel's flag set.
type ChannelFlag uint64

const (
	ChanConfigured ChannelFlag = 1 << iota
	ChanReady
	ChanOpen
	ChanInUse
	ChanOutbound
	ChanSuspended
	ChanInAlarm
	ChanSigUp
	ChanDigitalMedia
	ChanNativeSigBridge
	ChanStateChange
	ChanUserHangup
	ChanProgress
	ChanMedia
	ChanAnswered
	ChanDTMFDetect
	ChanSuppressDTMF
	ChanProgressDetect
	ChanCallerIDDetect
	ChanMute
	ChanTranscode
	ChanInThread
	ChanWink
	ChanFlash
	ChanHold
	ChanCallWaiting
	Chan3Way
	ChanOffHook
	ChanRinging
	ChanNonBlock
	ChanCallStarted
	ChanIndAckPending
	ChanAvRate
	ChanDTMFDebug

	chanFlagEnd
)

var channelFlagNames = map[ChannelFlag]string{
	ChanConfigured:      "configured",
	ChanReady:           "ready",
	ChanOpen:            "open",
	ChanInUse:           "inuse",
	ChanOutbound:        "outbound",
	ChanSuspended:       "suspended",
	ChanInAlarm:         "inalarm",
	ChanSigUp:           "sigup",
	ChanDigitalMedia:    "digital_media",
	ChanNativeSigBridge: "native_sigbridge",
	ChanStateChange:     "state_change",
	ChanUserHangup:      "user_hangup",
	ChanProgress:        "progress",
	ChanMedia:           "media",
	ChanAnswered:        "answered",
	ChanDTMFDetect:      "dtmf_detect",
	ChanSuppressDTMF:    "suppress_dtmf",
	ChanProgressDetect:  "progress_detect",
	ChanCallerIDDetect:  "callerid_detect",
	ChanMute:            "mute",
	ChanTranscode:       "transcode",
	ChanInThread:        "inthread",
	ChanWink:            "wink",
	ChanFlash:           "flash",
	ChanHold:            "hold",
	ChanCallWaiting:     "callwaiting",
	Chan3Way:            "3way",
	ChanOffHook:         "offhook",
	ChanRinging:         "ringing",
	ChanNonBlock:        "nonblock",
	ChanCallStarted:     "call_started",
	ChanIndAckPending:   "ind_ack_pending",
	ChanAvRate:          "av_rate",
	ChanDTMFDebug:       "dtmf_debug",
}

// String returns the flag names joined with '|'.
func (f ChannelFlag) String() string {
	var names []string
	for bit := ChannelFlag(1); bit < chanFlagEnd; bit <<= 1 {
		if f&bit != 0 {
			names = append(names, channelFlagNames[bit])
		}
	}
	return strings.Join(names, "|")
}

// SpanFlag is a bit in a span's flag set.
type SpanFlag uint64

const (
	SpanConfigured SpanFlag = 1 << iota
	SpanStarted
	SpanSuspended
	SpanStateChange
	SpanUseChanQueue
	SpanUseSignalsQueue
	SpanPowerSaving
	SpanNonStoppable
	SpanUseAvRate
	SpanSkipStates
	SpanInAlarm
	SpanSuggestChanID

	spanFlagEnd
)

var spanFlagNames = map[SpanFlag]string{
	SpanConfigured:      "configured",
	SpanStarted:         "started",
	SpanSuspended:       "suspended",
	SpanStateChange:     "state_change",
	SpanUseChanQueue:    "use_chan_queue",
	SpanUseSignalsQueue: "use_signals_queue",
	SpanPowerSaving:     "power_saving",
	SpanNonStoppable:    "non_stoppable",
	SpanUseAvRate:       "use_av_rate",
	SpanSkipStates:      "skip_states",
	SpanInAlarm:         "inalarm",
	SpanSuggestChanID:   "suggest_chan_id",
}

func (f SpanFlag) String() string {
	var names []string
	for bit := SpanFlag(1); bit < spanFlagEnd; bit <<= 1 {
		if f&bit != 0 {
			names = append(names, spanFlagNames[bit])
		}
	}
	return strings.Join(names, "|")
}

// parseFlag resolves a flag given by name or numeric bit value.
func parseFlag[F ~uint64](s string, names map[F]string) (F, bool) {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil {
		return F(v), v != 0
	}
	for bit, n := range names {
		if strings.EqualFold(n, s) {
			return bit, true
		}
	}
	return 0, false
}

// ParseChannelFlag resolves a channel flag by name or value.
func ParseChannelFlag(s string) (ChannelFlag, bool) {
	return parseFlag(s, channelFlagNames)
}

// ParseSpanFlag resolves a span flag by name or value.
func ParseSpanFlag(s string) (SpanFlag, bool) {
	return parseFlag(s, spanFlagNames)
}

// State is a channel call state.
type State int32

const (
	StateDown State = iota
	StateHold
	StateSuspended
	StateDialtone
	StateCollect
	StateRing
	StateRinging
	StateBusy
	StateAttn
	StateGenRing
	StateDialing
	StateGetCallerID
	StateCallWaiting
	StateRestart
	StateProceeding
	StateProgress
	StateProgressMedia
	StateUp
	StateTransfer
	StateIdle
	StateTerminating
	StateCancel
	StateHangup
	StateHangupComplete
	StateInLoop
	StateReset

	stateCount
)

var stateNames = [...]string{
	"DOWN", "HOLD", "SUSPENDED", "DIALTONE", "COLLECT", "RING", "RINGING", "BUSY",
	"ATTN", "GENRING", "DIALING", "GET_CALLERID", "CALLWAITING", "RESTART",
	"PROCEEDING", "PROGRESS", "PROGRESS_MEDIA", "UP", "TRANSFER", "IDLE",
	"TERMINATING", "CANCEL", "HANGUP", "HANGUP_COMPLETE", "IN_LOOP", "RESET",
}

func (s State) String() string {
	if s >= 0 && s < stateCount {
		return stateNames[s]
	}
	return "INVALID"
}

// ParseState resolves a state name (case-insensitive).
func ParseState(name string) (State, bool) {
	for i, n := range stateNames {
		if strings.EqualFold(n, name) {
			return State(i), true
		}
	}
	return 0, false
}

// StateStatus tells whether the current state has been processed by the
// signaling module.
type StateStatus int

const (
	StatusCompleted StateStatus = iota
	StatusPending
)

func (s StateStatus) String() string {
	if s == StatusPending {
		return "PENDING"
	}
	return "COMPLETED"
}

// Direction is the hunting order.
type Direction int

const (
	TopDown Direction = iota
	BottomUp
	RRUp
	RRDown
)

func (d Direction) String() string {
	switch d {
	case TopDown:
		return "top-down"
	case BottomUp:
		return "bottom-up"
	case RRUp:
		return "rr-up"
	case RRDown:
		return "rr-down"
	}
	return "invalid"
}

// ParseDirection maps a direction name to a Direction.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(s) {
	case "", "top-down", "topdown", "top_down":
		return TopDown, nil
	case "bottom-up", "bottomup", "bottom_up":
		return BottomUp, nil
	case "rr-up", "rrup", "round-robin-up":
		return RRUp, nil
	case "rr-down", "rrdown", "round-robin-down":
		return RRDown, nil
	}
	return 0, fmt.Errorf("unknown hunt direction %q", s)
}

// Indication is a call-control request sent towards the signaling layer.
type Indication int

const (
	IndNone Indication = iota
	IndRinging
	IndProceed
	IndProgress
	IndProgressMedia
	IndAnswer
	IndBusy
	IndTransfer
	IndFacility
	IndCustom
)

var indicationNames = [...]string{"none", "ringing", "proceed", "progress", "progress_media", "answer", "busy", "transfer", "facility", "custom"}

func (i Indication) String() string {
	if i >= 0 && int(i) < len(indicationNames) {
		return indicationNames[i]
	}
	return "invalid"
}

// ParseIndication resolves an indication name.
func ParseIndication(s string) (Indication, bool) {
	for i, n := range indicationNames {
		if strings.EqualFold(n, s) {
			return Indication(i), true
		}
	}
	return IndNone, false
}

// SigStatus is the signaling-link status of a channel or span.
type SigStatus int

const (
	SigStatusDown SigStatus = iota
	SigStatusSuspended
	SigStatusUp
)

func (s SigStatus) String() string {
	switch s {
	case SigStatusUp:
		return "UP"
	case SigStatusSuspended:
		return "SUSPENDED"
	}
	return "DOWN"
}

// Alarm is a set of hardware line conditions.
type Alarm uint32

const (
	AlarmNone     Alarm = 0
	AlarmRecover  Alarm = 1 << 0
	AlarmLoopback Alarm = 1 << 2
	AlarmYellow   Alarm = 1 << 3
	AlarmRed      Alarm = 1 << 4
	AlarmBlue     Alarm = 1 << 5
	AlarmGeneral  Alarm = 1 << 30
)

// String renders the alarm bits as "RED/YELLOW/BLUE/LOOP/RECOVER".
func (a Alarm) String() string {
	var parts []string
	if a&AlarmRed != 0 {
		parts = append(parts, "RED")
	}
	if a&AlarmYellow != 0 {
		parts = append(parts, "YELLOW")
	}
	if a&AlarmBlue != 0 {
		parts = append(parts, "BLUE")
	}
	if a&AlarmLoopback != 0 {
		parts = append(parts, "LOOP")
	}
	if a&AlarmRecover != 0 {
		parts = append(parts, "RECOVER")
	}
	return strings.Join(parts, "/")
}

// Q.850 hangup causes used by the core.
const (
	CauseNone                    = 0
	CauseUnallocated             = 1
	CauseNoRouteDestination      = 3
	CauseNormalClearing          = 16
	CauseUserBusy                = 17
	CauseNoUserResponse          = 18
	CauseNoAnswer                = 19
	CauseCallRejected            = 21
	CauseDestinationOutOfOrder   = 27
	CauseNormalUnspecified       = 31
	CauseNormalCircuitCongestion = 34
	CauseSwitchCongestion        = 42
	CauseRequestedChanUnavail    = 44
)

// ToneKind indexes a span's tone maps.
type ToneKind int

const (
	ToneNone ToneKind = iota
	ToneDial
	ToneRing
	ToneBusy
	ToneFail1
	ToneFail2
	ToneFail3
	ToneAttn
	ToneCallwaitCAS
	ToneCallwaitSAS
	ToneCallwaitAck

	toneKindCount
)

var toneNames = [...]string{"none", "dial", "ring", "busy", "fail1", "fail2", "fail3", "attn", "callwaiting-cas", "callwaiting-sas", "callwaiting-ack"}

func (k ToneKind) String() string {
	if k >= 0 && k < toneKindCount {
		return toneNames[k]
	}
	return "invalid"
}

// ParseToneKind resolves a tone name.
func ParseToneKind(s string) (ToneKind, bool) {
	for i, n := range toneNames {
		if i > 0 && strings.EqualFold(n, s) {
			return ToneKind(i), true
		}
	}
	return ToneNone, false
}

// WaitFlag selects the conditions Channel.Wait blocks on.
type WaitFlag int

const (
	WaitNone  WaitFlag = 0
	WaitRead  WaitFlag = 1 << 0
	WaitWrite WaitFlag = 1 << 1
	WaitEvent WaitFlag = 1 << 2
)

// CrashPolicy controls what an internal invariant violation does.
type CrashPolicy int

const (
	CrashNever CrashPolicy = iota
	CrashOnDemand
)

// ParseCrashPolicy maps "never" or "on-demand" to a CrashPolicy.
func ParseCrashPolicy(s string) (CrashPolicy, error) {
	switch strings.ToLower(s) {
	case "", "never":
		return CrashNever, nil
	case "on-demand", "ondemand":
		return CrashOnDemand, nil
	}
	return CrashNever, fmt.Errorf("unknown crash policy %q", s)
}
