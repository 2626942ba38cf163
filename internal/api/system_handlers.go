package api

import (
	"fmt"
	"net/http"
	"time"
)

// statusResponse is the shape returned by GET /status.
type statusResponse struct {
	Spans       int            `json:"spans"`
	Channels    int            `json:"channels"`
	InUse       int            `json:"in_use"`
	Groups      int            `json:"groups"`
	ActiveCalls int            `json:"active_calls"`
	CallSlots   int            `json:"call_slots"`
	SIP         sipStatus      `json:"sip"`
	Uptime      uptimeResponse `json:"uptime"`
}

type sipStatus struct {
	Enabled  bool   `json:"enabled"`
	Port     int    `json:"port,omitempty"`
	Group    string `json:"group,omitempty"`
	MediaIP  string `json:"media_ip,omitempty"`
	Sessions int    `json:"sessions"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleStatus summarises spans, channel usage, the call table and uptime.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp statusResponse
	for _, span := range s.reg.Spans() {
		resp.Spans++
		resp.Channels += span.ChanCount()
		resp.InUse += span.UseCount()
	}
	resp.Groups = len(s.reg.Groups())
	calls := s.reg.CallTable()
	resp.ActiveCalls = calls.Len()
	resp.CallSlots = calls.Size()

	if s.cfg != nil && s.cfg.SIPEnabled() {
		resp.SIP = sipStatus{
			Enabled: true,
			Port:    s.cfg.SIPPort,
			Group:   s.cfg.SIPGroup,
			MediaIP: s.cfg.MediaIP(),
		}
		if s.sessions != nil {
			resp.SIP.Sessions = s.sessions.ActiveSessionCount()
		}
	}

	uptime := time.Since(s.startTime)
	resp.Uptime = uptimeResponse{
		StartedAt:  s.startTime.Format(time.RFC3339),
		UptimeSec:  int64(uptime.Seconds()),
		UptimeText: formatUptime(uptime),
	}
	writeJSON(w, http.StatusOK, resp)
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	case hours > 0:
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
