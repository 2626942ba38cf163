package api

import (
	"encoding/csv"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/flowpbx/tdmcore/internal/database"
	"github.com/flowpbx/tdmcore/internal/database/models"
)

// maxExportRows caps a CSV export.
const maxExportRows = 10000

// cdrFilter builds a list filter from the query string.
func cdrFilter(r *http.Request) (database.CDRListFilter, string) {
	q := r.URL.Query()
	direction := q.Get("direction")
	if direction != "" && direction != "inbound" && direction != "outbound" {
		return database.CDRListFilter{}, `direction must be "inbound" or "outbound"`
	}
	filter := database.CDRListFilter{
		Direction: direction,
		Search:    q.Get("search"),
		StartDate: q.Get("start_date"),
		EndDate:   q.Get("end_date"),
	}
	if v := q.Get("span"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil || id < 1 {
			return filter, "span must be a positive span id"
		}
		filter.SpanID = id
	}
	return filter, ""
}

// handleListCDRs returns CDRs with pagination and optional filters.
// Query params: limit, offset, search, direction, span, start_date, end_date.
func (s *Server) handleListCDRs(w http.ResponseWriter, r *http.Request) {
	if s.cdrs == nil {
		writeError(w, http.StatusNotImplemented, "cdr store not available")
		return
	}
	pg, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter, errMsg := cdrFilter(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Limit, filter.Offset = pg.Limit, pg.Offset

	cdrs, total, err := s.cdrs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cdrs == nil {
		cdrs = []models.CDR{}
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  cdrs,
		Total:  total,
		Limit:  pg.Limit,
		Offset: pg.Offset,
	})
}

// handleGetCDR returns a single CDR by ID.
func (s *Server) handleGetCDR(w http.ResponseWriter, r *http.Request) {
	if s.cdrs == nil {
		writeError(w, http.StatusNotImplemented, "cdr store not available")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid cdr id")
		return
	}

	cdr, err := s.cdrs.GetByID(r.Context(), id)
	if err != nil {
		s.logger.Error("get cdr: failed to query", "error", err, "cdr_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if cdr == nil {
		writeError(w, http.StatusNotFound, "cdr not found")
		return
	}
	writeJSON(w, http.StatusOK, cdr)
}

// handleExportCDRs exports CDRs as CSV with the same filters as list.
func (s *Server) handleExportCDRs(w http.ResponseWriter, r *http.Request) {
	if s.cdrs == nil {
		writeError(w, http.StatusNotImplemented, "cdr store not available")
		return
	}
	filter, errMsg := cdrFilter(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	filter.Limit = maxExportRows

	cdrs, _, err := s.cdrs.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("export cdrs: failed to query", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", "attachment; filename=cdrs.csv")

	cw := csv.NewWriter(w)
	cw.Write([]string{ //nolint:errcheck
		"ID", "Call UUID", "Call ID", "Span", "Channel", "Direction",
		"ANI", "DNIS", "Caller Name", "Caller Number",
		"Start Time", "Answer Time", "End Time", "Duration", "Billable Duration",
		"Disposition", "Hangup Cause",
	})
	for _, c := range cdrs {
		cw.Write([]string{ //nolint:errcheck
			strconv.FormatInt(c.ID, 10),
			c.CallUUID,
			strconv.Itoa(c.CallID),
			c.SpanName,
			strconv.Itoa(c.ChanID),
			c.Direction,
			c.ANI,
			c.DNIS,
			c.CIDName,
			c.CIDNum,
			c.StartTime.Format(time.RFC3339),
			formatTime(c.AnswerTime),
			formatTime(c.EndTime),
			formatInt(c.Duration),
			formatInt(c.BillableDur),
			c.Disposition,
			strconv.Itoa(c.HangupCause),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		s.logger.Error("export cdrs: failed to write csv", "error", err)
	}
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func formatInt(n *int) string {
	if n == nil {
		return ""
	}
	return strconv.Itoa(*n)
}
