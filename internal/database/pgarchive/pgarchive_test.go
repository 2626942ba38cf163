package pgarchive

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/flowpbx/tdmcore/internal/database/models"
)

func TestNewUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := New(ctx, "postgres://tdmcore@127.0.0.1:1/tdmcore?connect_timeout=1&sslmode=disable", "test", slog.New(slog.DiscardHandler))
	if err == nil {
		t.Fatal("New() with unreachable server succeeded, want error")
	}
}

// TestArchive runs against a real server named by TDMCORE_TEST_POSTGRES_URL.
func TestArchive(t *testing.T) {
	dsn := os.Getenv("TDMCORE_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("TDMCORE_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	host := "test-" + uuid.NewString()
	a, err := New(ctx, dsn, host, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer a.Close()

	cdr := &models.CDR{
		CallUUID:  uuid.NewString(),
		CallID:    1,
		SpanID:    1,
		ChanID:    1,
		Direction: "inbound",
		StartTime: time.Now(),
	}
	if err := a.Archive(ctx, cdr); err != nil {
		t.Fatalf("Archive() error: %v", err)
	}
	cdr.Disposition = models.DispositionAnswered
	if err := a.Archive(ctx, cdr); err != nil {
		t.Fatalf("Archive() upsert error: %v", err)
	}

	n, err := a.Count(ctx)
	if err != nil {
		t.Fatalf("Count() error: %v", err)
	}
	if n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}
}

func TestArchiveRejectsBadUUID(t *testing.T) {
	a := &Archive{logger: slog.New(slog.DiscardHandler)}
	if err := a.Archive(context.Background(), &models.CDR{CallUUID: "not-a-uuid"}); err == nil {
		t.Error("Archive() with bad uuid succeeded, want error")
	}
}
