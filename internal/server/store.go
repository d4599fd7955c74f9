// Package server implements the authoritative store: versioned entities
// with the conditional-apply contract the sync engine pushes against, delta
// queries for pull, and the HTTP surface carrying both.
//
// Every mutable record carries an integer version, starting at 1 on
// creation and incremented by exactly 1 on every successful conditional
// update. Write-write races are resolved by "first writer with the correct
// baseVersion wins"; every loser is told the version it should have used.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/medbridge/medsync/internal/entity"
	"github.com/medbridge/medsync/internal/syncproto"
)

// Store is the SQLite-backed authoritative entity store.
type Store struct {
	conn   *sql.DB
	logger *log.Logger

	// clock is injectable for tests; it stamps updated fields and the
	// pull response serverTime.
	clock func() time.Time
}

// Open creates or opens the authoritative store database at path.
// If logger is nil, a default logger writing to stderr is used.
//
// The caller MUST call Close() when done.
func Open(path string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[server] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	s := &Store{conn: conn, logger: logger, clock: time.Now}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := s.conn.Exec(pragma); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	return s, nil
}

// InitSchema creates the store tables if they do not exist.
func (s *Store) InitSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS entities (
			entity     TEXT NOT NULL,
			id         TEXT NOT NULL,
			version    INTEGER NOT NULL,
			updated    TEXT NOT NULL,
			deleted    INTEGER NOT NULL DEFAULT 0,
			server_seq INTEGER NOT NULL,
			data       TEXT,
			PRIMARY KEY (entity, id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_updated ON entities(updated)`,
		`CREATE TABLE IF NOT EXISTS applied_ops (
			op_id       TEXT PRIMARY KEY,
			entity      TEXT NOT NULL,
			entity_id   TEXT NOT NULL,
			new_version INTEGER NOT NULL,
			applied_at  TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS sync_seq (
			id  INTEGER PRIMARY KEY CHECK (id = 1),
			seq INTEGER NOT NULL
		)`,
		`INSERT OR IGNORE INTO sync_seq (id, seq) VALUES (1, 0)`,
	}

	for _, stmt := range stmts {
		if _, err := s.conn.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close checkpoints the WAL and closes the connection.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	_, _ = s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	s.conn = nil
	return nil
}

// SetClock overrides the store clock. Intended for tests.
func (s *Store) SetClock(clock func() time.Time) {
	s.clock = clock
}

// ApplyBatch applies each op in its own transaction and reports per-op
// outcomes. An op that fails internally (not a conflict) is omitted from
// both lists so the client keeps it queued for the next cycle.
func (s *Store) ApplyBatch(ctx context.Context, deviceID string, ops []syncproto.Op) syncproto.PushResponse {
	resp := syncproto.PushResponse{
		Applied:   []syncproto.AppliedEntry{},
		Conflicts: []syncproto.ConflictEntry{},
	}

	for _, op := range ops {
		applied, conflicted, err := s.Apply(ctx, op)
		if err != nil {
			s.logger.Printf("WARNING: op %s from device %s not processed: %v", op.OpID, deviceID, err)
			continue
		}
		if applied != nil {
			resp.Applied = append(resp.Applied, *applied)
		}
		if conflicted != nil {
			resp.Conflicts = append(resp.Conflicts, *conflicted)
		}
	}

	s.logger.Printf("Push from %s: ops=%d applied=%d conflicts=%d",
		deviceID, len(ops), len(resp.Applied), len(resp.Conflicts))
	return resp
}

// Apply conditionally applies one op. Exactly one of the two returned
// entries is non-nil on success.
//
// Contract:
//   - an opId already applied returns its recorded outcome without
//     incrementing the version again
//   - upsert of an existing entity applies only if baseVersion equals the
//     stored version, incrementing it by 1; otherwise the conflict carries
//     the current stored version and record
//   - upsert of an unknown id creates the entity at version 1, unless the
//     id collides with a live record created without a baseVersion
//   - delete tombstones under the same conditional check, so the deletion
//     propagates to other devices through pull
func (s *Store) Apply(ctx context.Context, op syncproto.Op) (*syncproto.AppliedEntry, *syncproto.ConflictEntry, error) {
	if err := op.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid op %s: %w", op.OpID, err)
	}
	if !entity.Known(op.Entity) {
		return nil, &syncproto.ConflictEntry{
			OpID:     op.OpID,
			EntityID: op.EntityID,
			Reason:   syncproto.ReasonBadEntity,
		}, nil
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Idempotency: re-delivery of an applied opId returns the recorded
	// outcome without touching the entity.
	var prior syncproto.AppliedEntry
	err = tx.QueryRowContext(ctx,
		"SELECT op_id, entity_id, new_version FROM applied_ops WHERE op_id = ?", op.OpID).
		Scan(&prior.OpID, &prior.EntityID, &prior.NewVersion)
	if err == nil {
		return &prior, nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("failed to check applied ops: %w", err)
	}

	var cur syncproto.Record
	var deleted int
	var curData string
	err = tx.QueryRowContext(ctx,
		"SELECT id, version, updated, deleted, server_seq, data FROM entities WHERE entity = ? AND id = ?",
		op.Entity, op.EntityID).
		Scan(&cur.ID, &cur.Version, &cur.Updated, &deleted, &cur.ServerSeq, &curData)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, nil, fmt.Errorf("failed to read entity %s/%s: %w", op.Entity, op.EntityID, err)
	}
	cur.Deleted = deleted != 0
	if curData != "" {
		cur.Data = json.RawMessage(curData)
	}

	if conflictEntry := checkConditions(op, cur, exists); conflictEntry != nil {
		return nil, conflictEntry, nil
	}

	now := syncproto.FormatTime(s.clock())
	newVersion := cur.Version + 1
	if !exists {
		newVersion = 1
	}

	seq, err := nextSeq(ctx, tx)
	if err != nil {
		return nil, nil, err
	}

	tombstone := 0
	data := op.Payload
	if op.Action == syncproto.ActionDelete {
		tombstone = 1
		data = cur.Data
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO entities (entity, id, version, updated, deleted, server_seq, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity, id) DO UPDATE SET
			version = excluded.version,
			updated = excluded.updated,
			deleted = excluded.deleted,
			server_seq = excluded.server_seq,
			data = excluded.data`,
		op.Entity, op.EntityID, newVersion, now, tombstone, seq, string(data))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to write entity %s/%s: %w", op.Entity, op.EntityID, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO applied_ops (op_id, entity, entity_id, new_version, applied_at) VALUES (?, ?, ?, ?, ?)",
		op.OpID, op.Entity, op.EntityID, newVersion, now)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to record applied op %s: %w", op.OpID, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("failed to commit op %s: %w", op.OpID, err)
	}

	return &syncproto.AppliedEntry{
		OpID:       op.OpID,
		EntityID:   op.EntityID,
		NewVersion: newVersion,
	}, nil, nil
}

// checkConditions evaluates the optimistic-concurrency contract and returns
// a conflict entry when the op cannot apply.
func checkConditions(op syncproto.Op, cur syncproto.Record, exists bool) *syncproto.ConflictEntry {
	conflictWith := func(reason string) *syncproto.ConflictEntry {
		e := &syncproto.ConflictEntry{
			OpID:     op.OpID,
			EntityID: op.EntityID,
			Reason:   reason,
		}
		if exists {
			e.ServerVersion = cur.Version
			if raw, err := json.Marshal(cur); err == nil {
				e.ServerData = raw
			}
		}
		return e
	}

	switch op.Action {
	case syncproto.ActionDelete:
		if !exists {
			return conflictWith(syncproto.ReasonNotFound)
		}
		if op.BaseVersion != cur.Version {
			return conflictWith(syncproto.ReasonVersionMismatch)
		}
	case syncproto.ActionUpsert:
		if !exists {
			return nil // unconditional create at version 1
		}
		if op.BaseVersion == 0 {
			// Unconditional create hit an existing id. A tombstoned id
			// may be recreated; a live one is a collision.
			if cur.Deleted {
				return nil
			}
			return conflictWith(syncproto.ReasonIDCollision)
		}
		if op.BaseVersion != cur.Version {
			return conflictWith(syncproto.ReasonVersionMismatch)
		}
	}
	return nil
}

// nextSeq increments and returns the store-wide change sequence.
func nextSeq(ctx context.Context, tx *sql.Tx) (int64, error) {
	if _, err := tx.ExecContext(ctx, "UPDATE sync_seq SET seq = seq + 1 WHERE id = 1"); err != nil {
		return 0, fmt.Errorf("failed to advance sequence: %w", err)
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, "SELECT seq FROM sync_seq WHERE id = 1").Scan(&seq); err != nil {
		return 0, fmt.Errorf("failed to read sequence: %w", err)
	}
	return seq, nil
}

// ChangedSince returns every record whose updated stamp is strictly after
// since, grouped per entity, plus the store clock as the next watermark.
// An empty since returns a full snapshot including tombstones.
func (s *Store) ChangedSince(ctx context.Context, since string) (syncproto.PullResponse, error) {
	resp := syncproto.PullResponse{
		ServerTime: syncproto.FormatTime(s.clock()),
		Records:    make(map[string][]syncproto.Record),
	}

	rows, err := s.conn.QueryContext(ctx,
		"SELECT entity, id, version, updated, deleted, server_seq, data FROM entities WHERE updated > ? ORDER BY entity, id",
		since)
	if err != nil {
		return resp, fmt.Errorf("failed to query deltas: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tag string
		var deleted int
		var data string
		var r syncproto.Record
		if err := rows.Scan(&tag, &r.ID, &r.Version, &r.Updated, &deleted, &r.ServerSeq, &data); err != nil {
			return resp, fmt.Errorf("failed to scan delta row: %w", err)
		}
		r.Deleted = deleted != 0
		if data != "" {
			r.Data = json.RawMessage(data)
		}
		resp.Records[tag] = append(resp.Records[tag], r)
	}
	if err := rows.Err(); err != nil {
		return resp, fmt.Errorf("failed to iterate deltas: %w", err)
	}
	return resp, nil
}

// EntityCount returns the number of live (non-tombstoned) records.
func (s *Store) EntityCount(ctx context.Context) (int, error) {
	var n int
	err := s.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM entities WHERE deleted = 0").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count entities: %w", err)
	}
	return n, nil
}
