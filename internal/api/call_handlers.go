package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/tdmcore/internal/api/middleware"
	"github.com/flowpbx/tdmcore/internal/tdm"
)

func operator(r *http.Request) string {
	return middleware.OperatorFromContext(r.Context())
}

// huntRequest is the body of POST /hunt.
type huntRequest struct {
	Mode      string `json:"mode"` // span, group or channel
	Span      string `json:"span"`
	Chan      int    `json:"chan"`
	Group     string `json:"group"`
	Direction string `json:"direction"`
	ANI       string `json:"ani"`
	DNIS      string `json:"dnis"`
	CIDName   string `json:"cid_name"`
	CIDNum    string `json:"cid_num"`
	Place     bool   `json:"place"`
}

func (req *huntRequest) validate() string {
	return firstError(
		validateNumber("ani", req.ANI),
		validateNumber("dnis", req.DNIS),
		validateNumber("cid_num", req.CIDNum),
		validateStringLen("cid_name", req.CIDName, maxNameLen),
		validateNoControlChars("cid_name", req.CIDName),
		validateStringLen("group", req.Group, maxNameLen),
	)
}

// handleHunt hunts a channel and, when place is set, places the outgoing
// call on it. The channel stays open until it is hung up.
func (s *Server) handleHunt(w http.ResponseWriter, r *http.Request) {
	var req huntRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := req.validate(); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}

	dir, err := tdm.ParseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	hr := tdm.HuntRequest{
		Direction: dir,
		Caller: &tdm.CallerData{
			ANI:     req.ANI,
			DNIS:    req.DNIS,
			CIDName: req.CIDName,
			CIDNum:  req.CIDNum,
		},
	}
	switch req.Mode {
	case "", "span", "channel":
		span, err := s.lookupSpan(req.Span)
		if err != nil {
			writeTDMError(w, s.logger, "hunt", err)
			return
		}
		hr.Mode, hr.SpanID = tdm.HuntBySpan, span.ID()
		if req.Mode == "channel" {
			if msg := validateIntRange("chan", req.Chan, 1, span.ChanCount()); msg != "" {
				writeError(w, http.StatusBadRequest, msg)
				return
			}
			hr.Mode, hr.ChanID = tdm.HuntByChannel, req.Chan
		}
	case "group":
		if msg := validateRequiredStringLen("group", req.Group, maxNameLen); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		hr.Mode, hr.GroupName = tdm.HuntByGroup, req.Group
	default:
		writeError(w, http.StatusBadRequest, `mode must be "span", "group" or "channel"`)
		return
	}

	ch, err := s.reg.Hunt(hr)
	if err != nil {
		writeTDMError(w, s.logger, "hunt", err)
		return
	}
	if req.Place {
		if err := ch.PlaceCall(); err != nil {
			if cerr := ch.Close(); cerr != nil {
				s.logger.Warn("closing channel after failed call", "channel", ch.String(), "error", cerr)
			}
			writeTDMError(w, s.logger, "place call", err)
			return
		}
	}
	s.logger.Info("channel hunted via api",
		"channel", ch.String(),
		"mode", req.Mode,
		"placed", req.Place,
		"operator", operator(r),
	)
	writeJSON(w, http.StatusCreated, toChannelResponse(ch))
}

// channelFromRequest resolves the {span} and {chan} URL parameters.
func (s *Server) channelFromRequest(w http.ResponseWriter, r *http.Request) (*tdm.Channel, bool) {
	span, ok := s.spanFromRequest(w, r)
	if !ok {
		return nil, false
	}
	id, err := strconv.Atoi(chi.URLParam(r, "chan"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid channel id")
		return nil, false
	}
	ch, err := span.Channel(id)
	if err != nil {
		writeTDMError(w, s.logger, "lookup channel", err)
		return nil, false
	}
	return ch, true
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromRequest(w, r)
	if !ok {
		return
	}
	if err := ch.Answer(); err != nil {
		writeTDMError(w, s.logger, "answer", err)
		return
	}
	writeJSON(w, http.StatusOK, toChannelResponse(ch))
}

// hangupRequest is the optional body of POST .../hangup.
type hangupRequest struct {
	Cause int `json:"cause"`
}

func (s *Server) handleHangup(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromRequest(w, r)
	if !ok {
		return
	}
	req := hangupRequest{Cause: tdm.CauseNormalClearing}
	if r.ContentLength != 0 {
		if msg := readJSON(r, &req); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
		if msg := validateIntRange("cause", req.Cause, 1, 127); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}
	if err := ch.HangupWithCause(req.Cause); err != nil {
		writeTDMError(w, s.logger, "hangup", err)
		return
	}
	s.logger.Info("channel hung up via api", "channel", ch.String(), "cause", req.Cause, "operator", operator(r))
	writeJSON(w, http.StatusOK, toChannelResponse(ch))
}

// indicateRequest is the body of POST .../indicate.
type indicateRequest struct {
	Indication string `json:"indication"`
}

func (s *Server) handleIndicate(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromRequest(w, r)
	if !ok {
		return
	}
	var req indicateRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	ind, ok := tdm.ParseIndication(req.Indication)
	if !ok || ind == tdm.IndNone {
		writeError(w, http.StatusBadRequest, "unknown indication "+strconv.Quote(req.Indication))
		return
	}
	if err := ch.Indicate(ind); err != nil {
		writeTDMError(w, s.logger, "indicate", err)
		return
	}
	writeJSON(w, http.StatusOK, toChannelResponse(ch))
}

// dtmfRequest is the body of POST .../dtmf.
type dtmfRequest struct {
	Digits string `json:"digits"`
}

func (s *Server) handleSendDTMF(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.channelFromRequest(w, r)
	if !ok {
		return
	}
	var req dtmfRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if msg := firstError(
		validateRequiredStringLen("digits", req.Digits, maxNameLen),
		validateNoControlChars("digits", req.Digits),
	); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if _, err := ch.Command(tdm.CmdSendDTMF, req.Digits); err != nil {
		writeTDMError(w, s.logger, "send dtmf", err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleMatchChannels lists the channels in (or, with negate=true, not in)
// the state given by the state query parameter.
func (s *Server) handleMatchChannels(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	name := q.Get("state")
	if name == "" {
		writeError(w, http.StatusBadRequest, "state is required")
		return
	}
	st, ok := tdm.ParseState(name)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown state "+strconv.Quote(name))
		return
	}
	negate, _ := strconv.ParseBool(q.Get("negate"))
	writeJSON(w, http.StatusOK, s.reg.MatchState(st, negate))
}

func (s *Server) handleListCalls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.CallTable().Calls())
}

// execRequest is the body of POST /exec.
type execRequest struct {
	Args []string `json:"args"`
}

// handleExec runs a diagnostic command and returns its text output.
func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if len(req.Args) == 0 {
		writeError(w, http.StatusBadRequest, "args is required")
		return
	}
	out, err := s.reg.Exec(req.Args)
	if err != nil {
		if errors.Is(err, tdm.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}
