package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/flowpbx/tdmcore/internal/tdm"
)

// envelope is the standard API response wrapper.
// All JSON responses use this format: { "data": ..., "error": ... }
type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

// writeJSON writes a JSON response with the given status code and data payload.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data}); err != nil {
		slog.Error("failed to encode json response", "error", err)
	}
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Error: msg}); err != nil {
		slog.Error("failed to encode json error response", "error", err)
	}
}

// tdmStatus maps a core error to the HTTP status reported to the client.
func tdmStatus(err error) int {
	switch {
	case errors.Is(err, tdm.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tdm.ErrBusy), errors.Is(err, tdm.ErrCapacity):
		return http.StatusServiceUnavailable
	case errors.Is(err, tdm.ErrCongested):
		return http.StatusTooManyRequests
	case errors.Is(err, tdm.ErrInvalidState), errors.Is(err, tdm.ErrCancelled),
		errors.Is(err, tdm.ErrAlready), errors.Is(err, tdm.ErrGlare),
		errors.Is(err, tdm.ErrNotOpen), errors.Is(err, tdm.ErrNotReady),
		errors.Is(err, tdm.ErrAlarmed), errors.Is(err, tdm.ErrSuspended):
		return http.StatusConflict
	case errors.Is(err, tdm.ErrNotImplemented):
		return http.StatusNotImplemented
	case errors.Is(err, tdm.ErrTimeout):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

// writeTDMError writes err with the status tdmStatus picks for it. Server
// side failures are logged and their text is not exposed.
func writeTDMError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	status := tdmStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error(op+" failed", "error", err)
		writeError(w, status, "internal error")
		return
	}
	writeError(w, status, err.Error())
}

// PaginatedResponse wraps a page of list results.
type PaginatedResponse struct {
	Items  any `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

type pagination struct {
	Limit  int
	Offset int
}

const (
	defaultLimit = 50
	maxLimit     = 200
)

// parsePagination reads the limit and offset query parameters. Limits above
// maxLimit are clamped. It returns an error message for invalid values.
func parsePagination(r *http.Request) (pagination, string) {
	pg := pagination{Limit: defaultLimit}
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return pg, "limit must be a positive integer"
		}
		pg.Limit = min(n, maxLimit)
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return pg, "offset must be a non-negative integer"
		}
		pg.Offset = n
	}
	return pg, ""
}

// maxBodySize caps JSON request bodies.
const maxBodySize = 64 << 10

// readJSON decodes a single JSON object from the request body into dst. It
// returns a client-facing error message, or "" on success.
func readJSON(r *http.Request, dst any) string {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.Is(err, io.EOF):
			return "request body must not be empty"
		case errors.As(err, &syntaxErr), errors.Is(err, io.ErrUnexpectedEOF):
			return "malformed json"
		case errors.As(err, &typeErr):
			return "invalid value for field " + strconv.Quote(typeErr.Field)
		case strings.HasPrefix(err.Error(), "json: unknown field "):
			return "unknown field " + strings.TrimPrefix(err.Error(), "json: unknown field ")
		default:
			return "invalid request body"
		}
	}
	if dec.More() {
		return "request body must contain a single json object"
	}
	return ""
}
