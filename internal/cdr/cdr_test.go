package cdr

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpbx/tdmcore/internal/database"
	"github.com/flowpbx/tdmcore/internal/database/models"
	"github.com/flowpbx/tdmcore/internal/driver/soft"
	"github.com/flowpbx/tdmcore/internal/signaling/clear"
	"github.com/flowpbx/tdmcore/internal/tdm"
)

type memArchive struct {
	mu   sync.Mutex
	rows []models.CDR
}

func (a *memArchive) Archive(_ context.Context, cdr *models.CDR) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, *cdr)
	return nil
}

func (a *memArchive) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows)
}

func TestRecorderLoopbackCall(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	db, err := database.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	repo := database.NewCDRRepository(db)
	archive := &memArchive{}
	rec := New(repo, archive, logger)

	reg := tdm.NewRegistry(tdm.WithLogger(logger))
	t.Cleanup(func() { reg.Close() })
	span, err := reg.CreateSpan(soft.Name, "s1")
	require.NoError(t, err)
	require.NoError(t, span.Configure(context.Background(), map[string]string{"channels": "2"}))
	require.NoError(t, span.ConfigureSignaling(clear.New(logger), rec.Signal))
	require.NoError(t, span.Start())

	caller, err := reg.OpenBySpan(span.ID(), tdm.TopDown, &tdm.CallerData{ANI: "100", DNIS: "200"})
	require.NoError(t, err)
	require.NoError(t, caller.PlaceCall())

	callee, err := span.Channel(2)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return callee.State() == tdm.StateRing }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return rec.Active() == 2 }, 2*time.Second, 5*time.Millisecond)

	id, ok := caller.GetVar(VarCallUUID)
	require.True(t, ok, "call uuid exported as a channel variable")

	require.NoError(t, callee.Answer())
	require.Eventually(t, func() bool { return caller.State() == tdm.StateUp }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, caller.Hangup())
	require.Eventually(t, func() bool { return callee.State() == tdm.StateTerminating }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, callee.Hangup())
	require.Eventually(t, func() bool { return rec.Finished() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, rec.Active())
	assert.Zero(t, rec.Failed())
	assert.Equal(t, 2, archive.len())

	row, err := repo.GetByUUID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "outbound", row.Direction)
	assert.Equal(t, "100", row.ANI)
	assert.Equal(t, "200", row.DNIS)
	assert.Equal(t, models.DispositionAnswered, row.Disposition)
	assert.NotNil(t, row.AnswerTime)
	assert.NotNil(t, row.EndTime)

	rows, total, err := repo.List(context.Background(), database.CDRListFilter{Direction: "inbound"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, 2, rows[0].ChanID)
	assert.Equal(t, models.DispositionAnswered, rows[0].Disposition, "inbound answer taken from the indication ack")
}

type failingRepo struct {
	database.CDRRepository
}

func (failingRepo) Create(context.Context, *models.CDR) error { return errors.New("disk full") }

func TestRecorderStorageFailureDoesNotVeto(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	rec := New(failingRepo{}, nil, logger)

	reg := tdm.NewRegistry(tdm.WithLogger(logger))
	t.Cleanup(func() { reg.Close() })
	span, err := reg.CreateSpan(soft.Name, "s1")
	require.NoError(t, err)
	require.NoError(t, span.Configure(context.Background(), map[string]string{"channels": "1"}))
	ch, err := span.Channel(1)
	require.NoError(t, err)

	assert.NoError(t, rec.Signal(&tdm.SigMsg{Event: tdm.SigEventStart, Channel: ch}))
	assert.Equal(t, int64(1), rec.Failed())
	assert.Equal(t, 1, rec.Active())

	assert.NoError(t, rec.Signal(&tdm.SigMsg{Event: tdm.SigEventRelease, Channel: ch}))
	assert.Zero(t, rec.Active())
	assert.Equal(t, int64(1), rec.Finished())

	assert.NoError(t, rec.Signal(&tdm.SigMsg{Event: tdm.SigEventStop}), "messages without a channel are ignored")
}

func TestDisposition(t *testing.T) {
	tests := []struct {
		answered bool
		cause    int
		want     string
	}{
		{true, tdm.CauseNormalClearing, models.DispositionAnswered},
		{false, tdm.CauseUserBusy, models.DispositionBusy},
		{false, tdm.CauseNoAnswer, models.DispositionNoAnswer},
		{false, tdm.CauseNoUserResponse, models.DispositionNoAnswer},
		{false, tdm.CauseNormalClearing, models.DispositionCancelled},
		{false, tdm.CauseNone, models.DispositionCancelled},
		{false, tdm.CauseSwitchCongestion, models.DispositionFailed},
	}
	for _, tt := range tests {
		if got := disposition(tt.answered, tt.cause); got != tt.want {
			t.Errorf("disposition(%v, %d) = %q, want %q", tt.answered, tt.cause, got, tt.want)
		}
	}
}
