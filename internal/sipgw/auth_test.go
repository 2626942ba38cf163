package sipgw

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/flowpbx/tdmcore/internal/tdm"
)

func TestNewAuthenticatorDisabled(t *testing.T) {
	assert.Nil(t, NewAuthenticator("", "", slog.New(slog.DiscardHandler)))
	assert.NotNil(t, NewAuthenticator("pbx", "secret", slog.New(slog.DiscardHandler)))
}

func TestBruteForceGuard(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g := newBruteForceGuard(slog.New(slog.DiscardHandler))
	g.now = func() time.Time { return now }

	const src = "192.0.2.10:5060"
	for range maxFailures - 1 {
		g.RecordFailure(src)
	}
	assert.False(t, g.IsBlocked(src))

	g.RecordFailure("192.0.2.10:5080")
	assert.True(t, g.IsBlocked(src), "failures counted per ip, not per port")
	assert.False(t, g.IsBlocked("192.0.2.11:5060"))

	now = now.Add(blockDuration + time.Second)
	assert.False(t, g.IsBlocked(src), "block expires")

	for range maxFailures {
		g.RecordFailure(src)
	}
	now = now.Add(blockDuration + time.Second)
	assert.True(t, g.IsBlocked(src), "second block lasts twice as long")
}

func TestBruteForceGuardSuccessResets(t *testing.T) {
	g := newBruteForceGuard(slog.New(slog.DiscardHandler))
	const src = "192.0.2.20:5060"
	for range maxFailures - 1 {
		g.RecordFailure(src)
	}
	g.RecordSuccess(src)
	g.RecordFailure(src)
	assert.False(t, g.IsBlocked(src))

	g.Cleanup()
	assert.Len(t, g.records, 1, "recent failure kept")
}

func TestStatusForCause(t *testing.T) {
	tests := []struct {
		cause int
		code  int
	}{
		{tdm.CauseUnallocated, 404},
		{tdm.CauseUserBusy, 486},
		{tdm.CauseNoUserResponse, 408},
		{tdm.CauseNoAnswer, 480},
		{tdm.CauseCallRejected, 603},
		{tdm.CauseNormalCircuitCongestion, 503},
		{tdm.CauseNormalClearing, 480},
	}
	for _, tt := range tests {
		code, _ := statusForCause(tt.cause)
		assert.Equal(t, tt.code, code, "cause %d", tt.cause)
	}

	code, _ := statusForError(tdm.ErrBusy)
	assert.Equal(t, 503, code)
	code, _ = statusForError(tdm.ErrNotFound)
	assert.Equal(t, 404, code)
	code, _ = statusForError(tdm.ErrInvalidState)
	assert.Equal(t, 500, code)
}
