// Package models holds the rows stored by the database repositories.
package models

import "time"

// CDR is the detail record of one call on a TDM channel.
type CDR struct {
	ID          int64      `json:"id"`
	CallUUID    string     `json:"call_uuid"`
	CallID      int        `json:"call_id"`
	SpanID      int        `json:"span_id"`
	ChanID      int        `json:"chan_id"`
	SpanName    string     `json:"span_name"`
	Direction   string     `json:"direction"`
	ANI         string     `json:"ani"`
	DNIS        string     `json:"dnis"`
	CIDName     string     `json:"cid_name"`
	CIDNum      string     `json:"cid_num"`
	StartTime   time.Time  `json:"start_time"`
	AnswerTime  *time.Time `json:"answer_time,omitempty"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Duration    *int       `json:"duration,omitempty"`
	BillableDur *int       `json:"billable_dur,omitempty"`
	Disposition string     `json:"disposition"`
	HangupCause int        `json:"hangup_cause"`
}

// Dispositions recorded when a call ends.
const (
	DispositionAnswered  = "answered"
	DispositionNoAnswer  = "no_answer"
	DispositionFailed    = "failed"
	DispositionCancelled = "cancelled"
	DispositionBusy      = "busy"
)

// SpanParam is one persisted driver parameter of a span.
type SpanParam struct {
	ID        int64     `json:"id"`
	SpanName  string    `json:"span_name"`
	Key       string    `json:"key"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}
