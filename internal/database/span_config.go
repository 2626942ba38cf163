package database

import (
	"context"
	"fmt"
	"maps"
	"sync"

	"github.com/flowpbx/tdmcore/internal/database/models"
)

// spanConfigRepo implements SpanConfigRepository with an in-memory cache
// keyed by span name.
type spanConfigRepo struct {
	db    *DB
	mu    sync.RWMutex
	cache map[string]map[string]string
}

// NewSpanConfigRepository creates a SpanConfigRepository backed by db. It
// loads every stored parameter into memory on creation.
func NewSpanConfigRepository(ctx context.Context, db *DB) (SpanConfigRepository, error) {
	repo := &spanConfigRepo{
		db:    db,
		cache: make(map[string]map[string]string),
	}
	if err := repo.loadAll(ctx); err != nil {
		return nil, fmt.Errorf("loading span config: %w", err)
	}
	return repo, nil
}

// Params returns a copy of the parameters stored for span. An unknown span
// has an empty set.
func (r *spanConfigRepo) Params(_ context.Context, span string) (map[string]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	params := make(map[string]string, len(r.cache[span]))
	maps.Copy(params, r.cache[span])
	return params, nil
}

// Set inserts or updates one parameter in both the database and the cache.
func (r *spanConfigRepo) Set(ctx context.Context, span, key, value string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO span_config (span_name, key, value, updated_at)
		 VALUES (?, ?, ?, datetime('now'))
		 ON CONFLICT(span_name, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		span, key, value,
	)
	if err != nil {
		return fmt.Errorf("setting span %s param %q: %w", span, key, err)
	}

	r.mu.Lock()
	if r.cache[span] == nil {
		r.cache[span] = make(map[string]string)
	}
	r.cache[span][key] = value
	r.mu.Unlock()
	return nil
}

// Delete removes one parameter. Removing a missing key is not an error.
func (r *spanConfigRepo) Delete(ctx context.Context, span, key string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM span_config WHERE span_name = ? AND key = ?`, span, key); err != nil {
		return fmt.Errorf("deleting span %s param %q: %w", span, key, err)
	}
	r.mu.Lock()
	delete(r.cache[span], key)
	r.mu.Unlock()
	return nil
}

// List returns every stored parameter ordered by span and key.
func (r *spanConfigRepo) List(ctx context.Context) ([]models.SpanParam, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT id, span_name, key, value, updated_at FROM span_config ORDER BY span_name, key")
	if err != nil {
		return nil, fmt.Errorf("querying span config: %w", err)
	}
	defer rows.Close()

	var params []models.SpanParam
	for rows.Next() {
		var p models.SpanParam
		if err := rows.Scan(&p.ID, &p.SpanName, &p.Key, &p.Value, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning span config row: %w", err)
		}
		params = append(params, p)
	}
	return params, rows.Err()
}

func (r *spanConfigRepo) loadAll(ctx context.Context) error {
	rows, err := r.db.QueryContext(ctx, "SELECT span_name, key, value FROM span_config")
	if err != nil {
		return fmt.Errorf("querying span config: %w", err)
	}
	defer rows.Close()

	r.mu.Lock()
	defer r.mu.Unlock()
	for rows.Next() {
		var span, key, value string
		if err := rows.Scan(&span, &key, &value); err != nil {
			return fmt.Errorf("scanning span config row: %w", err)
		}
		if r.cache[span] == nil {
			r.cache[span] = make(map[string]string)
		}
		r.cache[span][key] = value
	}
	return rows.Err()
}
