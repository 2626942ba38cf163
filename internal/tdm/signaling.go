package tdm

// SpanSignaling is a signaling module attached to a span. ProcessState is
// called, without the channel lock held, for every pending state change
// the module drains from the span. Implementations request a further
// transition from ProcessState with Channel.AdvanceState; otherwise the
// core completes the state once ProcessState returns.
type SpanSignaling interface {
	Name() string
	Start(span *Span) error
	Stop(span *Span) error
	ProcessState(ch *Channel, st State) error
}

// OutgoingCaller places outbound calls. A glare condition is reported as
// ErrGlare.
type OutgoingCaller interface {
	OutgoingCall(ch *Channel) error
}

// Indicator handles indications that do not map onto a state change, such
// as Facility and Custom. The module acknowledges them with
// Channel.AckIndication.
type Indicator interface {
	Indicate(ch *Channel, ind Indication) error
}

// ChannelSigStatuser exposes per-channel signaling status.
type ChannelSigStatuser interface {
	ChannelSigStatus(ch *Channel) (SigStatus, error)
	SetChannelSigStatus(ch *Channel, status SigStatus) error
}

// SpanSigStatuser exposes span-wide signaling status.
type SpanSigStatuser interface {
	SpanSigStatus(span *Span) (SigStatus, error)
	SetSpanSigStatus(span *Span, status SigStatus) error
}

// SigReader inspects raw received samples. It runs with the channel lock
// held and must not call back into the channel.
type SigReader interface {
	SigRead(ch *Channel, data []byte) error
}

// SigWriter inspects raw outgoing samples. Returning ErrDropFrame discards
// the frame. It runs with the channel lock held.
type SigWriter interface {
	SigWrite(ch *Channel, data []byte) error
}

// DTMFInterceptor sees detected digits first. Returning true absorbs the
// digit. It runs with the channel lock held.
type DTMFInterceptor interface {
	InterceptDTMF(ch *Channel, digit byte) bool
}

// ChannelRequester selects channels for outbound calls itself, replacing
// the generic hunt over the span. chanID is 0 for a span hunt and the
// hunted candidate for group hunts, or for span hunts on spans flagged
// SpanSuggestChanID. It is called with no span or group lock held.
type ChannelRequester interface {
	RequestChannel(span *Span, chanID int, dir Direction, cd *CallerData) (*Channel, error)
}

// AvailabilityReporter rates how likely an unavailable channel is to
// become usable, from 0 to 100. It is only consulted on spans flagged
// SpanUseAvRate.
type AvailabilityReporter interface {
	ChannelAvailability(ch *Channel) int
}
