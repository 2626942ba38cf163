package tdm

import (
	"fmt"
	"strconv"
	"strings"
)

const cliUsage = `usage:
  core state [!]<state>                     list channels in (or not in) a state
  core flag [!]<value|name> [span] [chan]   list channels with (or without) a flag
  core spanflag [!]<value|name> [span]      list spans with (or without) a flag
  core calls                                list active calls
`

// ChannelMatch identifies a channel returned by the Match* queries.
type ChannelMatch struct {
	SpanID     int    `json:"span_id"`
	ChanID     int    `json:"chan_id"`
	PhysSpanID int    `json:"phys_span_id"`
	PhysChanID int    `json:"phys_chan_id"`
	State      string `json:"state"`
}

// SpanMatch identifies a span returned by MatchSpanFlag.
type SpanMatch struct {
	SpanID int    `json:"span_id"`
	Name   string `json:"name"`
	Flags  string `json:"flags"`
}

// Exec runs a diagnostic command and returns its text output.
func (r *Registry) Exec(args []string) (string, error) {
	if len(args) < 2 || args[0] != "core" {
		return cliUsage, nil
	}
	rest := args[2:]
	var b strings.Builder
	switch args[1] {
	case "state":
		if len(rest) < 1 {
			return cliUsage, nil
		}
		name, negate := splitNegation(rest[0])
		st, ok := ParseState(name)
		if !ok {
			return "", fmt.Errorf("invalid state %q: %w", name, ErrNotFound)
		}
		matches := r.MatchState(st, negate)
		for _, m := range matches {
			fmt.Fprintf(&b, "[s%dc%d][%d:%d] %s\n", m.SpanID, m.ChanID, m.PhysSpanID, m.PhysChanID, m.State)
		}
		fmt.Fprintf(&b, "\nTotal # of channels %sin state %s: %d\n", negation(negate), st, len(matches))
	case "flag":
		if len(rest) < 1 {
			return cliUsage, nil
		}
		name, negate := splitNegation(rest[0])
		flag, err := parseFlagArg(name, ParseChannelFlag)
		if err != nil {
			return "", err
		}
		spanID, chanID := 0, 0
		if len(rest) > 1 {
			span, err := r.spanByArg(rest[1])
			if err != nil {
				return "", err
			}
			spanID = span.ID()
		}
		if len(rest) > 2 {
			if chanID, err = strconv.Atoi(rest[2]); err != nil {
				return "", fmt.Errorf("invalid channel %q", rest[2])
			}
		}
		matches, err := r.MatchFlag(flag, negate, spanID, chanID)
		if err != nil {
			return "", err
		}
		for _, m := range matches {
			fmt.Fprintf(&b, "[s%dc%d][%d:%d] flag %s%s\n", m.SpanID, m.ChanID, m.PhysSpanID, m.PhysChanID, negation(negate), flag)
		}
		fmt.Fprintf(&b, "\nTotal # of channels %swith flag %s: %d\n", negation(negate), flag, len(matches))
	case "spanflag":
		if len(rest) < 1 {
			return cliUsage, nil
		}
		name, negate := splitNegation(rest[0])
		flag, err := parseFlagArg(name, ParseSpanFlag)
		if err != nil {
			return "", err
		}
		spanID := 0
		if len(rest) > 1 {
			span, err := r.spanByArg(rest[1])
			if err != nil {
				return "", err
			}
			spanID = span.ID()
		}
		matches := r.MatchSpanFlag(flag, negate, spanID)
		for _, m := range matches {
			fmt.Fprintf(&b, "[s%d] %s flags %s\n", m.SpanID, m.Name, m.Flags)
		}
		fmt.Fprintf(&b, "\nTotal # of spans %swith flag %s: %d\n", negation(negate), flag, len(matches))
	case "calls":
		calls := r.calls.Calls()
		for _, c := range calls {
			fmt.Fprintf(&b, "Call %d on [s%dc%d] state %s\n", c.CallID, c.SpanID, c.ChanID, c.State)
		}
		fmt.Fprintf(&b, "\nTotal # of calls: %d\n", len(calls))
	default:
		return cliUsage, nil
	}
	return b.String(), nil
}

// MatchState lists channels whose state is (or, negated, is not) st.
func (r *Registry) MatchState(st State, negate bool) []ChannelMatch {
	var out []ChannelMatch
	for _, span := range r.Spans() {
		for _, ch := range span.Channels() {
			if (ch.State() == st) != negate {
				out = append(out, channelMatch(ch))
			}
		}
	}
	return out
}

// MatchFlag lists channels with (or, negated, without) flag, optionally
// restricted to one span and one channel.
func (r *Registry) MatchFlag(flag ChannelFlag, negate bool, spanID, chanID int) ([]ChannelMatch, error) {
	spans := r.Spans()
	if spanID != 0 {
		span, err := r.SpanByID(spanID)
		if err != nil {
			return nil, err
		}
		spans = []*Span{span}
	}
	var out []ChannelMatch
	for _, span := range spans {
		chans := span.Channels()
		if chanID != 0 {
			ch, err := span.Channel(chanID)
			if err != nil {
				return nil, err
			}
			chans = []*Channel{ch}
		}
		for _, ch := range chans {
			if ch.HasFlag(flag) != negate {
				out = append(out, channelMatch(ch))
			}
		}
	}
	return out, nil
}

// MatchSpanFlag lists spans with (or, negated, without) flag.
func (r *Registry) MatchSpanFlag(flag SpanFlag, negate bool, spanID int) []SpanMatch {
	var out []SpanMatch
	for _, span := range r.Spans() {
		if spanID != 0 && span.ID() != spanID {
			continue
		}
		if span.HasFlag(flag) != negate {
			out = append(out, SpanMatch{SpanID: span.ID(), Name: span.Name(), Flags: span.Flags().String()})
		}
	}
	return out
}

func channelMatch(ch *Channel) ChannelMatch {
	return ChannelMatch{
		SpanID:     ch.SpanID(),
		ChanID:     ch.ID(),
		PhysSpanID: ch.PhysSpanID(),
		PhysChanID: ch.PhysChanID(),
		State:      ch.State().String(),
	}
}

func (r *Registry) spanByArg(arg string) (*Span, error) {
	if id, err := strconv.Atoi(arg); err == nil {
		return r.SpanByID(id)
	}
	return r.SpanByName(arg)
}

func splitNegation(s string) (string, bool) {
	if rest, ok := strings.CutPrefix(s, "!"); ok {
		return rest, true
	}
	return s, false
}

func negation(negate bool) string {
	if negate {
		return "not "
	}
	return ""
}

// parseFlagArg accepts a flag name or its numeric bit value.
func parseFlagArg[F ~uint64](s string, parse func(string) (F, bool)) (F, error) {
	if v, err := strconv.ParseUint(s, 0, 64); err == nil && v != 0 {
		return F(v), nil
	}
	if f, ok := parse(s); ok {
		return f, nil
	}
	return 0, fmt.Errorf("invalid flag %q: %w", s, ErrNotFound)
}
