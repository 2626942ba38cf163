// Package pgarchive copies finished call detail records into a shared
// PostgreSQL database so several tdmcore hosts can be reported on together.
package pgarchive

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/flowpbx/tdmcore/internal/database/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Archive stores CDRs in PostgreSQL.
type Archive struct {
	db     *sql.DB
	host   string
	logger *slog.Logger
}

// New opens a PostgreSQL connection and runs pending migrations. host tags
// every archived record with the instance that produced it.
func New(ctx context.Context, dsn, host string, logger *slog.Logger) (*Archive, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgresql: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging postgresql: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	a := &Archive{db: db, host: host, logger: logger.With("subsystem", "pgarchive")}
	if err := a.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	a.logger.Info("cdr archive opened", "host", host)
	return a, nil
}

// Close closes the underlying database connection.
func (a *Archive) Close() error {
	return a.db.Close()
}

// Archive upserts a finished CDR keyed by its call UUID.
func (a *Archive) Archive(ctx context.Context, cdr *models.CDR) error {
	id, err := uuid.Parse(cdr.CallUUID)
	if err != nil {
		return fmt.Errorf("archiving cdr %q: %w", cdr.CallUUID, err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO cdr_archive (call_uuid, host, call_id, span_id, chan_id, span_name,
		 direction, ani, dnis, start_time, answer_time, end_time, duration,
		 billable_dur, disposition, hangup_cause)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		 ON CONFLICT (call_uuid) DO UPDATE SET
		   answer_time = EXCLUDED.answer_time,
		   end_time = EXCLUDED.end_time,
		   duration = EXCLUDED.duration,
		   billable_dur = EXCLUDED.billable_dur,
		   disposition = EXCLUDED.disposition,
		   hangup_cause = EXCLUDED.hangup_cause,
		   archived_at = NOW()`,
		id, a.host, cdr.CallID, cdr.SpanID, cdr.ChanID, cdr.SpanName,
		cdr.Direction, cdr.ANI, cdr.DNIS, cdr.StartTime, cdr.AnswerTime, cdr.EndTime, cdr.Duration,
		cdr.BillableDur, cdr.Disposition, cdr.HangupCause,
	)
	if err != nil {
		return fmt.Errorf("inserting archived cdr: %w", err)
	}
	return nil
}

// Count returns the number of records archived by this host.
func (a *Archive) Count(ctx context.Context) (int, error) {
	var n int
	if err := a.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cdr_archive WHERE host = $1`, a.host).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting archived cdrs: %w", err)
	}
	return n, nil
}

func (a *Archive) migrate(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return fmt.Errorf("creating schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version := strings.TrimSuffix(entry.Name(), ".sql")

		var count int
		if err := a.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version).Scan(&count); err != nil {
			return fmt.Errorf("checking migration %s: %w", version, err)
		}
		if count > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", version, err)
		}
		tx, err := a.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("executing migration %s: %w", version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %s: %w", version, err)
		}
		a.logger.Info("applied migration", "version", version)
	}
	return nil
}
