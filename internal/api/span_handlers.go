package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/tdmcore/internal/tdm"
)

// spanResponse is the JSON shape of a span.
type spanResponse struct {
	ID        int               `json:"id"`
	Name      string            `json:"name"`
	Driver    string            `json:"driver"`
	Signaling string            `json:"signaling"`
	Trunk     string            `json:"trunk"`
	Flags     string            `json:"flags"`
	Channels  int               `json:"channels"`
	InUse     int               `json:"in_use"`
	InAlarm   bool              `json:"in_alarm"`
	Members   []channelResponse `json:"members,omitempty"`
}

// channelResponse is the JSON shape of a channel snapshot.
type channelResponse struct {
	SpanID     int               `json:"span_id"`
	ChanID     int               `json:"chan_id"`
	PhysSpanID int               `json:"phys_span_id"`
	PhysChanID int               `json:"phys_chan_id"`
	Type       string            `json:"type"`
	State      string            `json:"state"`
	LastState  string            `json:"last_state"`
	Status     string            `json:"status"`
	Flags      string            `json:"flags"`
	CallID     int               `json:"call_id,omitempty"`
	ANI        string            `json:"ani,omitempty"`
	DNIS       string            `json:"dnis,omitempty"`
	LastError  string            `json:"last_error,omitempty"`
	Vars       map[string]string `json:"vars,omitempty"`
}

func toSpanResponse(span *tdm.Span, withChannels bool) spanResponse {
	resp := spanResponse{
		ID:        span.ID(),
		Name:      span.Name(),
		Driver:    span.Driver().Name(),
		Signaling: span.SignalingName(),
		Trunk:     span.TrunkType().String(),
		Flags:     span.Flags().String(),
		Channels:  span.ChanCount(),
		InUse:     span.UseCount(),
		InAlarm:   span.HasFlag(tdm.SpanInAlarm),
	}
	if withChannels {
		for _, ch := range span.Channels() {
			resp.Members = append(resp.Members, toChannelResponse(ch))
		}
	}
	return resp
}

func toChannelResponse(ch *tdm.Channel) channelResponse {
	cd := ch.CallerData()
	return channelResponse{
		SpanID:     ch.SpanID(),
		ChanID:     ch.ID(),
		PhysSpanID: ch.PhysSpanID(),
		PhysChanID: ch.PhysChanID(),
		Type:       ch.Type().String(),
		State:      ch.State().String(),
		LastState:  ch.LastState().String(),
		Status:     ch.StateStatus().String(),
		Flags:      ch.Flags().String(),
		CallID:     cd.CallID,
		ANI:        cd.ANI,
		DNIS:       cd.DNIS,
		LastError:  ch.LastError(),
		Vars:       ch.Vars(),
	}
}

// lookupSpan resolves a span by numeric id or by name.
func (s *Server) lookupSpan(ref string) (*tdm.Span, error) {
	if id, err := strconv.Atoi(ref); err == nil {
		return s.reg.SpanByID(id)
	}
	return s.reg.SpanByName(ref)
}

// spanFromRequest resolves the {span} URL parameter, writing the error
// response itself when the span does not exist.
func (s *Server) spanFromRequest(w http.ResponseWriter, r *http.Request) (*tdm.Span, bool) {
	span, err := s.lookupSpan(chi.URLParam(r, "span"))
	if err != nil {
		writeTDMError(w, s.logger, "lookup span", err)
		return nil, false
	}
	return span, true
}

// handleListSpans returns every span without its channels.
func (s *Server) handleListSpans(w http.ResponseWriter, r *http.Request) {
	spans := s.reg.Spans()
	items := make([]spanResponse, len(spans))
	for i, span := range spans {
		items[i] = toSpanResponse(span, false)
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetSpan returns one span with a snapshot of each channel.
func (s *Server) handleGetSpan(w http.ResponseWriter, r *http.Request) {
	span, ok := s.spanFromRequest(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toSpanResponse(span, true))
}

func (s *Server) handleStartSpan(w http.ResponseWriter, r *http.Request) {
	span, ok := s.spanFromRequest(w, r)
	if !ok {
		return
	}
	if err := span.Start(); err != nil {
		writeTDMError(w, s.logger, "start span", err)
		return
	}
	s.logger.Info("span started via api", "span", span.Name(), "operator", operator(r))
	writeJSON(w, http.StatusOK, toSpanResponse(span, false))
}

func (s *Server) handleStopSpan(w http.ResponseWriter, r *http.Request) {
	span, ok := s.spanFromRequest(w, r)
	if !ok {
		return
	}
	if err := span.Stop(); err != nil {
		writeTDMError(w, s.logger, "stop span", err)
		return
	}
	s.logger.Info("span stopped via api", "span", span.Name(), "operator", operator(r))
	writeJSON(w, http.StatusOK, toSpanResponse(span, false))
}

// groupResponse is the JSON shape of a hunt group.
type groupResponse struct {
	ID       int               `json:"id"`
	Name     string            `json:"name"`
	Channels int               `json:"channels"`
	InUse    int               `json:"in_use"`
	Members  []channelResponse `json:"members"`
}

func (s *Server) handleListGroups(w http.ResponseWriter, r *http.Request) {
	groups := s.reg.Groups()
	items := make([]groupResponse, len(groups))
	for i, grp := range groups {
		chans := grp.Channels()
		members := make([]channelResponse, len(chans))
		for j, ch := range chans {
			members[j] = toChannelResponse(ch)
		}
		items[i] = groupResponse{
			ID:       grp.ID(),
			Name:     grp.Name(),
			Channels: grp.ChanCount(),
			InUse:    grp.UseCount(),
			Members:  members,
		}
	}
	writeJSON(w, http.StatusOK, items)
}

// handleGetSpanConfig returns the persisted configuration parameters of a
// span. They are applied the next time the daemon configures the span.
func (s *Server) handleGetSpanConfig(w http.ResponseWriter, r *http.Request) {
	if s.spanConfig == nil {
		writeError(w, http.StatusNotImplemented, "span configuration store not available")
		return
	}
	span, ok := s.spanFromRequest(w, r)
	if !ok {
		return
	}
	params, err := s.spanConfig.Params(r.Context(), span.Name())
	if err != nil {
		s.logger.Error("get span config: failed to query", "error", err, "span", span.Name())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, params)
}

// handlePutSpanConfig stores each key of a JSON object as a span parameter.
func (s *Server) handlePutSpanConfig(w http.ResponseWriter, r *http.Request) {
	if s.spanConfig == nil {
		writeError(w, http.StatusNotImplemented, "span configuration store not available")
		return
	}
	span, ok := s.spanFromRequest(w, r)
	if !ok {
		return
	}

	var params map[string]string
	if msg := readJSON(r, &params); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if len(params) == 0 {
		writeError(w, http.StatusBadRequest, "at least one parameter is required")
		return
	}
	for k, v := range params {
		if msg := firstError(
			validateRequiredStringLen("key", k, maxNameLen),
			validateNoControlChars("key", k),
			validateStringLen(k, v, maxValueLen),
			validateNoControlChars(k, v),
		); msg != "" {
			writeError(w, http.StatusBadRequest, msg)
			return
		}
	}

	for k, v := range params {
		if err := s.spanConfig.Set(r.Context(), span.Name(), k, v); err != nil {
			s.logger.Error("put span config: failed to store", "error", err, "span", span.Name(), "key", k)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	s.logger.Info("span config updated", "span", span.Name(), "keys", len(params), "operator", operator(r))

	stored, err := s.spanConfig.Params(r.Context(), span.Name())
	if err != nil {
		s.logger.Error("put span config: failed to reload", "error", err, "span", span.Name())
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stored)
}

func (s *Server) handleDeleteSpanConfig(w http.ResponseWriter, r *http.Request) {
	if s.spanConfig == nil {
		writeError(w, http.StatusNotImplemented, "span configuration store not available")
		return
	}
	span, ok := s.spanFromRequest(w, r)
	if !ok {
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.spanConfig.Delete(r.Context(), span.Name(), key); err != nil {
		s.logger.Error("delete span config: failed", "error", err, "span", span.Name(), "key", key)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
