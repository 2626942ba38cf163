// Package cdr turns channel signals into call detail records.
package cdr

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/tdmcore/internal/database"
	"github.com/flowpbx/tdmcore/internal/database/models"
	"github.com/flowpbx/tdmcore/internal/tdm"
)

// VarCallUUID is the channel variable holding the call's UUID.
const VarCallUUID = "call_uuid"

const writeTimeout = 5 * time.Second

// Archiver receives finished records. pgarchive.Archive implements it.
type Archiver interface {
	Archive(ctx context.Context, cdr *models.CDR) error
}

// Recorder consumes signals and writes one CDR per call. A record is
// created on the first call signal for a channel, updated when the call is
// answered and finished on Stop or Release, whichever comes first.
type Recorder struct {
	repo    database.CDRRepository
	archive Archiver
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[*tdm.Channel]*models.CDR

	finished atomic.Int64
	failed   atomic.Int64
}

// New creates a Recorder. archive may be nil.
func New(repo database.CDRRepository, archive Archiver, logger *slog.Logger) *Recorder {
	return &Recorder{
		repo:    repo,
		archive: archive,
		logger:  logger.With("subsystem", "cdr"),
		now:     time.Now,
		active:  make(map[*tdm.Channel]*models.CDR),
	}
}

// Signal consumes one signal message. It always returns nil so a storage
// failure never vetoes call processing.
func (r *Recorder) Signal(msg *tdm.SigMsg) error {
	ch := msg.Channel
	if ch == nil {
		return nil
	}
	switch msg.Event {
	case tdm.SigEventStart, tdm.SigEventDialing:
		r.begin(ch, msg.CallID)
	case tdm.SigEventUp:
		r.answer(ch)
	case tdm.SigEventIndicationCompleted:
		// Inbound calls are answered locally; the acknowledged answer
		// indication marks the answer time.
		if p, ok := msg.Payload.(tdm.IndicationPayload); ok && p.Indication == tdm.IndAnswer && p.Err == nil {
			r.answer(ch)
		}
	case tdm.SigEventStop, tdm.SigEventRelease:
		r.finish(ch)
	}
	return nil
}

// Active returns the number of calls with an open record.
func (r *Recorder) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Finished returns how many records have been closed since start.
func (r *Recorder) Finished() int64 { return r.finished.Load() }

// Failed returns how many storage writes failed since start.
func (r *Recorder) Failed() int64 { return r.failed.Load() }

func (r *Recorder) begin(ch *tdm.Channel, callID int) {
	r.mu.Lock()
	if _, ok := r.active[ch]; ok {
		r.mu.Unlock()
		return
	}
	cd := ch.CallerData()
	id := cd.CallUUID
	if _, err := uuid.Parse(id); err != nil {
		id = uuid.NewString()
	}
	rec := &models.CDR{
		CallUUID:  id,
		CallID:    callID,
		SpanID:    ch.SpanID(),
		ChanID:    ch.ID(),
		SpanName:  ch.Span().Name(),
		Direction: direction(ch),
		ANI:       cd.ANI,
		DNIS:      cd.DNIS,
		CIDName:   cd.CIDName,
		CIDNum:    cd.CIDNum,
		StartTime: r.now(),
	}
	r.active[ch] = rec
	row := *rec
	r.mu.Unlock()

	ch.AddVar(VarCallUUID, id)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.Create(ctx, &row); err != nil {
		r.failed.Add(1)
		r.logger.Error("failed to create cdr", "call_uuid", id, "span_id", row.SpanID, "chan_id", row.ChanID, "error", err)
		return
	}
	r.mu.Lock()
	rec.ID = row.ID
	r.mu.Unlock()
	r.logger.Debug("cdr started", "call_uuid", id, "span_id", row.SpanID, "chan_id", row.ChanID, "direction", row.Direction)
}

func (r *Recorder) answer(ch *tdm.Channel) {
	r.mu.Lock()
	rec, ok := r.active[ch]
	if !ok || rec.AnswerTime != nil {
		r.mu.Unlock()
		return
	}
	now := r.now()
	rec.AnswerTime = &now
	snapshot := *rec
	r.mu.Unlock()

	r.update(&snapshot, "failed to update cdr on answer")
}

func (r *Recorder) finish(ch *tdm.Channel) {
	r.mu.Lock()
	rec, ok := r.active[ch]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.active, ch)
	cd := ch.CallerData()
	end := r.now()
	dur := int(end.Sub(rec.StartTime).Seconds())
	rec.EndTime = &end
	rec.Duration = &dur
	if rec.AnswerTime != nil {
		billable := int(end.Sub(*rec.AnswerTime).Seconds())
		rec.BillableDur = &billable
	}
	rec.HangupCause = cd.HangupCause
	rec.Disposition = disposition(rec.AnswerTime != nil, cd.HangupCause)
	if rec.DNIS == "" {
		rec.DNIS = cd.DNIS
	}
	row := *rec
	rec = &row
	r.mu.Unlock()

	r.update(rec, "failed to finish cdr")
	r.finished.Add(1)

	if r.archive != nil {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		defer cancel()
		if err := r.archive.Archive(ctx, rec); err != nil {
			r.failed.Add(1)
			r.logger.Warn("failed to archive cdr", "call_uuid", rec.CallUUID, "error", err)
		}
	}
	r.logger.Info("cdr finished",
		"call_uuid", rec.CallUUID,
		"span_id", rec.SpanID,
		"chan_id", rec.ChanID,
		"disposition", rec.Disposition,
		"duration", dur,
		"hangup_cause", rec.HangupCause,
	)
}

func (r *Recorder) update(rec *models.CDR, msg string) {
	if rec.ID == 0 {
		// The create failed; there is no row to update.
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.repo.Update(ctx, rec); err != nil {
		r.failed.Add(1)
		r.logger.Error(msg, "call_uuid", rec.CallUUID, "error", err)
	}
}

func direction(ch *tdm.Channel) string {
	if ch.HasFlag(tdm.ChanOutbound) {
		return "outbound"
	}
	return "inbound"
}

func disposition(answered bool, cause int) string {
	switch {
	case answered:
		return models.DispositionAnswered
	case cause == tdm.CauseUserBusy:
		return models.DispositionBusy
	case cause == tdm.CauseNoAnswer || cause == tdm.CauseNoUserResponse:
		return models.DispositionNoAnswer
	case cause == tdm.CauseNormalClearing || cause == tdm.CauseNone:
		return models.DispositionCancelled
	default:
		return models.DispositionFailed
	}
}
