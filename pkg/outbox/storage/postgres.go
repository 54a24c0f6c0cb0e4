// Package storage holds reference Storage-port adapters for pkg/outbox:
// PostgresStorage persists entries with per-row compare-and-swap via pgx,
// the database driver the teacher repo (wisbric-nightowl) uses throughout
// its own persistence layer.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/fieldrelay/syncore/pkg/model"
	"github.com/fieldrelay/syncore/pkg/outbox"
)

// PostgresStorage implements outbox.Storage over one fixed table, created on
// first use via a single CREATE TABLE IF NOT EXISTS rather than a migration
// chain — the storage port contract doesn't describe a schema migration
// story (see SPEC_FULL.md's dropped-dependency note on golang-migrate).
type PostgresStorage struct {
	pool *pgxpool.Pool
}

// NewPostgresStorage constructs a PostgresStorage and ensures its table
// exists.
func NewPostgresStorage(ctx context.Context, pool *pgxpool.Pool) (*PostgresStorage, error) {
	s := &PostgresStorage{pool: pool}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("ensuring outbox table: %w", err)
	}
	return s, nil
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS outbox_entries (
	op_id            TEXT PRIMARY KEY,
	idempotency_key  TEXT NOT NULL,
	version          BIGINT NOT NULL,
	body             JSONB NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// entryRow is the JSON-serializable wire form of an outbox.Entry stored in
// the body column. outbox.Entry itself carries unexported-shaped nested
// structs that marshal fine via encoding/json field tags below.
type entryRow struct {
	OpID           model.OpId         `json:"op_id"`
	IdempotencyKey model.IdempotencyKey `json:"idempotency_key"`
	Intent         outbox.Intent      `json:"intent"`
	CreatedAt      model.UnixTimeMs   `json:"created_at"`
	ExpiresAt      model.UnixTimeMs   `json:"expires_at"`
	State          outbox.EntryState  `json:"state"`
	History        outbox.RetryHistory `json:"history"`
	TenantID       *string            `json:"tenant_id,omitempty"`
	Priority       int32              `json:"priority"`
	Version        uint64             `json:"version"`
}

func toRow(e outbox.Entry) entryRow {
	return entryRow{
		OpID: e.OpID, IdempotencyKey: e.IdempotencyKey, Intent: e.Intent,
		CreatedAt: e.CreatedAt, ExpiresAt: e.ExpiresAt, State: e.State,
		History: e.History, TenantID: e.TenantID, Priority: e.Priority, Version: e.Version,
	}
}

func (r entryRow) toEntry() outbox.Entry {
	return outbox.Entry{
		OpID: r.OpID, IdempotencyKey: r.IdempotencyKey, Intent: r.Intent,
		CreatedAt: r.CreatedAt, ExpiresAt: r.ExpiresAt, State: r.State,
		History: r.History, TenantID: r.TenantID, Priority: r.Priority, Version: r.Version,
	}
}

// Load implements outbox.Storage.
func (s *PostgresStorage) Load(ctx context.Context) ([]outbox.Entry, []outbox.QuarantineRecord, error) {
	rows, err := s.pool.Query(ctx, "SELECT op_id, body FROM outbox_entries")
	if err != nil {
		return nil, nil, fmt.Errorf("querying outbox_entries: %w", err)
	}
	defer rows.Close()

	var entries []outbox.Entry
	var quarantined []outbox.QuarantineRecord
	for rows.Next() {
		var opID string
		var body []byte
		if err := rows.Scan(&opID, &body); err != nil {
			return nil, nil, fmt.Errorf("scanning outbox row: %w", err)
		}

		var row entryRow
		if err := json.Unmarshal(body, &row); err != nil {
			quarantined = append(quarantined, outbox.QuarantineRecord{
				OpID: model.OpId(opID), Err: err, LoadedAt: model.Now(),
			})
			continue
		}
		entries = append(entries, row.toEntry())
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating outbox_entries: %w", err)
	}
	return entries, quarantined, nil
}

// Persist implements outbox.Storage: an UPSERT guarded by a version check
// done inside the same statement so the compare-and-swap is atomic.
func (s *PostgresStorage) Persist(ctx context.Context, entry outbox.Entry, expectedVersion uint64) error {
	body, err := json.Marshal(toRow(entry))
	if err != nil {
		return fmt.Errorf("marshaling outbox entry: %w", err)
	}

	query := `
		INSERT INTO outbox_entries (op_id, idempotency_key, version, body)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (op_id) DO UPDATE
		SET idempotency_key = EXCLUDED.idempotency_key,
		    version = EXCLUDED.version,
		    body = EXCLUDED.body,
		    updated_at = now()
		WHERE outbox_entries.version = $5
	`
	if expectedVersion != 0 {
		query = `
		UPDATE outbox_entries
		SET idempotency_key = $2, version = $3, body = $4, updated_at = now()
		WHERE op_id = $1 AND version = $5
	`
	}
	tag, err := s.pool.Exec(ctx, query, string(entry.OpID), string(entry.IdempotencyKey), entry.Version, body, expectedVersion)
	if err != nil {
		return fmt.Errorf("persisting outbox entry %s: %w", entry.OpID, err)
	}

	// With expectedVersion 0 a fresh row inserts; otherwise the row must
	// already exist. An existing row only updates when its stored version
	// matches expectedVersion. Zero rows affected means the CAS failed.
	if tag.RowsAffected() == 0 {
		return outbox.ErrCASConflict
	}
	return nil
}

// Delete implements outbox.Storage.
func (s *PostgresStorage) Delete(ctx context.Context, opID model.OpId) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM outbox_entries WHERE op_id = $1", string(opID))
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("deleting outbox entry %s: %w", opID, err)
	}
	return nil
}
