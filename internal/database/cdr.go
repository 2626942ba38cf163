package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/flowpbx/tdmcore/internal/database/models"
)

const cdrColumns = `id, call_uuid, call_id, span_id, chan_id, span_name, direction,
	 ani, dnis, cid_name, cid_num, start_time, answer_time, end_time,
	 duration, billable_dur, disposition, hangup_cause`

// cdrRepo implements CDRRepository.
type cdrRepo struct {
	db *DB
}

// NewCDRRepository creates a new CDRRepository.
func NewCDRRepository(db *DB) CDRRepository {
	return &cdrRepo{db: db}
}

// Create inserts a new call detail record and sets cdr.ID.
func (r *cdrRepo) Create(ctx context.Context, cdr *models.CDR) error {
	result, err := r.db.ExecContext(ctx,
		`INSERT INTO cdrs (call_uuid, call_id, span_id, chan_id, span_name, direction,
		 ani, dnis, cid_name, cid_num, start_time, answer_time, end_time,
		 duration, billable_dur, disposition, hangup_cause)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cdr.CallUUID, cdr.CallID, cdr.SpanID, cdr.ChanID, cdr.SpanName, cdr.Direction,
		cdr.ANI, cdr.DNIS, cdr.CIDName, cdr.CIDNum, cdr.StartTime, cdr.AnswerTime, cdr.EndTime,
		cdr.Duration, cdr.BillableDur, cdr.Disposition, cdr.HangupCause,
	)
	if err != nil {
		return fmt.Errorf("inserting cdr: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("getting last insert id: %w", err)
	}
	cdr.ID = id
	return nil
}

// GetByID returns a CDR by ID, or nil if there is none.
func (r *cdrRepo) GetByID(ctx context.Context, id int64) (*models.CDR, error) {
	return scanOne(r.db.QueryRowContext(ctx, `SELECT `+cdrColumns+` FROM cdrs WHERE id = ?`, id))
}

// GetByUUID returns a CDR by call UUID, or nil if there is none.
func (r *cdrRepo) GetByUUID(ctx context.Context, uuid string) (*models.CDR, error) {
	return scanOne(r.db.QueryRowContext(ctx, `SELECT `+cdrColumns+` FROM cdrs WHERE call_uuid = ?`, uuid))
}

// Update rewrites the mutable fields of an existing CDR.
func (r *cdrRepo) Update(ctx context.Context, cdr *models.CDR) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE cdrs SET direction = ?, ani = ?, dnis = ?, cid_name = ?, cid_num = ?,
		 answer_time = ?, end_time = ?, duration = ?, billable_dur = ?,
		 disposition = ?, hangup_cause = ?
		 WHERE id = ?`,
		cdr.Direction, cdr.ANI, cdr.DNIS, cdr.CIDName, cdr.CIDNum,
		cdr.AnswerTime, cdr.EndTime, cdr.Duration, cdr.BillableDur,
		cdr.Disposition, cdr.HangupCause, cdr.ID,
	)
	if err != nil {
		return fmt.Errorf("updating cdr: %w", err)
	}
	return nil
}

// List returns CDRs matching the filter, newest first, along with the total
// count of matching rows.
func (r *cdrRepo) List(ctx context.Context, filter CDRListFilter) ([]models.CDR, int, error) {
	where := "1=1"
	args := []any{}

	if filter.SpanID > 0 {
		where += " AND span_id = ?"
		args = append(args, filter.SpanID)
	}
	if filter.Direction != "" {
		where += " AND direction = ?"
		args = append(args, filter.Direction)
	}
	if filter.Search != "" {
		where += " AND (ani LIKE ? OR dnis LIKE ? OR cid_name LIKE ?)"
		s := "%" + filter.Search + "%"
		args = append(args, s, s, s)
	}
	if filter.StartDate != "" {
		where += " AND start_time >= ?"
		args = append(args, filter.StartDate)
	}
	if filter.EndDate != "" {
		where += " AND start_time <= ?"
		args = append(args, filter.EndDate)
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM cdrs WHERE "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("counting cdrs: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + cdrColumns + ` FROM cdrs WHERE ` + where + ` ORDER BY start_time DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, filter.Offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing cdrs: %w", err)
	}
	defer rows.Close()

	var cdrs []models.CDR
	for rows.Next() {
		c, err := scanCDR(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scanning cdr row: %w", err)
		}
		cdrs = append(cdrs, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterating cdr rows: %w", err)
	}
	return cdrs, total, nil
}

// CountByDisposition returns the number of finished CDRs per disposition.
func (r *cdrRepo) CountByDisposition(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT disposition, COUNT(*) FROM cdrs WHERE disposition != '' GROUP BY disposition`)
	if err != nil {
		return nil, fmt.Errorf("counting cdrs by disposition: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var d string
		var n int
		if err := rows.Scan(&d, &n); err != nil {
			return nil, fmt.Errorf("scanning disposition count: %w", err)
		}
		counts[d] = n
	}
	return counts, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCDR(s scanner) (*models.CDR, error) {
	var c models.CDR
	err := s.Scan(&c.ID, &c.CallUUID, &c.CallID, &c.SpanID, &c.ChanID, &c.SpanName, &c.Direction,
		&c.ANI, &c.DNIS, &c.CIDName, &c.CIDNum, &c.StartTime, &c.AnswerTime, &c.EndTime,
		&c.Duration, &c.BillableDur, &c.Disposition, &c.HangupCause)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanOne(row *sql.Row) (*models.CDR, error) {
	c, err := scanCDR(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning cdr: %w", err)
	}
	return c, nil
}
