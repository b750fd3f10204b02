// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

// Package synclite implements classync's offline-first client engine: a
// disconnection-tolerant local store, a durable delete queue, a cache of
// scanned submission images, and the push/pull machinery that reconciles all
// of it with the backend.
package synclite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when a record, queue entry, or cached image does
// not exist.
var ErrNotFound = errors.New("not found")

// KeyedStore is the local metadata store: one keyed table of record JSON per
// synced table name. Implementations must tolerate concurrent access from
// the orchestrator and ordinary user actions; there is deliberately no
// table-level locking beyond what the backing store provides.
type KeyedStore interface {
	Get(ctx context.Context, table, id string) (json.RawMessage, error)
	Put(ctx context.Context, table, id string, record json.RawMessage) error
	BulkPut(ctx context.Context, table string, records map[string]json.RawMessage) error
	Delete(ctx context.Context, table, id string) error
	BulkDelete(ctx context.Context, table string, ids []string) error
	List(ctx context.Context, table string) (map[string]json.RawMessage, error)

	// ReplaceTable swaps the table's full contents for the given set.
	ReplaceTable(ctx context.Context, table string, records map[string]json.RawMessage) error
}

// DeleteQueueEntry is one pending deletion awaiting server acknowledgment.
type DeleteQueueEntry struct {
	EntryID   int64
	TableName string
	RecordID  string
	DeletedAt int64
}

// DeleteQueue is the durable log of deletions not yet acknowledged by the
// server. Enqueue never touches the network.
type DeleteQueue interface {
	Enqueue(ctx context.Context, table, recordID string, deletedAt int64) error

	// ReadAll returns entries deduplicated by (table, recordID), each
	// carrying the latest deletedAt observed for that key.
	ReadAll(ctx context.Context) ([]DeleteQueueEntry, error)

	// Clear removes the given entries (and any older duplicates of the same
	// keys). Called only after the push that carried them is acknowledged.
	Clear(ctx context.Context, entryIDs []int64) error
}

// CachedImage is the locally-cached binary for one submission. It is keyed
// by submission id only and is orthogonal to the submission record: a full
// metadata resync leaves it untouched.
type CachedImage struct {
	SubmissionID string
	ContentType  string
	Data         []byte
	Base64       string
}

// ImageCache stores scanned images for offline viewing.
type ImageCache interface {
	Get(ctx context.Context, submissionID string) (*CachedImage, error)
	Put(ctx context.Context, img *CachedImage) error
	Delete(ctx context.Context, submissionID string) error
}

// Store is the SQLite-backed implementation of KeyedStore, DeleteQueue and
// ImageCache, sharing one database file.
type Store struct {
	db *sql.DB
}

// OpenStore opens (or creates) the local store at path. Use ":memory:" for
// an ephemeral store.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore initializes the store schema on an existing connection.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS records (
			table_name TEXT    NOT NULL,
			id         TEXT    NOT NULL,
			updated_at INTEGER NOT NULL DEFAULT 0,
			payload    TEXT    NOT NULL,
			PRIMARY KEY (table_name, id)
		)`,

		// Append-only; deduplication happens on read.
		`CREATE TABLE IF NOT EXISTS delete_queue (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			table_name TEXT    NOT NULL,
			record_id  TEXT    NOT NULL,
			deleted_at INTEGER NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS image_cache (
			submission_id TEXT PRIMARY KEY,
			content_type  TEXT NOT NULL,
			data          BLOB,
			base64        TEXT
		)`,
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create store table: %w", err)
		}
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, table, id string) (json.RawMessage, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM records WHERE table_name = ? AND id = ?
	`, table, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s.%s: %w", table, id, err)
	}
	return json.RawMessage(payload), nil
}

func (s *Store) Put(ctx context.Context, table, id string, record json.RawMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (table_name, id, updated_at, payload)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (table_name, id) DO UPDATE SET
			updated_at = excluded.updated_at,
			payload    = excluded.payload
	`, table, id, recordUpdatedAt(record), string(record))
	if err != nil {
		return fmt.Errorf("failed to put %s.%s: %w", table, id, err)
	}
	return nil
}

func (s *Store) BulkPut(ctx context.Context, table string, records map[string]json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for id, record := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (table_name, id, updated_at, payload)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (table_name, id) DO UPDATE SET
				updated_at = excluded.updated_at,
				payload    = excluded.payload
		`, table, id, recordUpdatedAt(record), string(record)); err != nil {
			return fmt.Errorf("failed to put %s.%s: %w", table, id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM records WHERE table_name = ? AND id = ?
	`, table, id); err != nil {
		return fmt.Errorf("failed to delete %s.%s: %w", table, id, err)
	}
	return nil
}

func (s *Store) BulkDelete(ctx context.Context, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.Repeat(",?", len(ids))[1:]
	args := make([]any, 0, len(ids)+1)
	args = append(args, table)
	for _, id := range ids {
		args = append(args, id)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE table_name = ? AND id IN (`+placeholders+`)`, args...); err != nil {
		return fmt.Errorf("failed to bulk delete from %s: %w", table, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, table string) (map[string]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload FROM records WHERE table_name = ?
	`, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", table, err)
	}
	defer rows.Close()

	records := make(map[string]json.RawMessage)
	for rows.Next() {
		var id, payload string
		if err := rows.Scan(&id, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", table, err)
		}
		records[id] = json.RawMessage(payload)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating %s: %w", table, err)
	}
	return records, nil
}

func (s *Store) ReplaceTable(ctx context.Context, table string, records map[string]json.RawMessage) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE table_name = ?`, table); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	for id, record := range records {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (table_name, id, updated_at, payload)
			VALUES (?, ?, ?, ?)
		`, table, id, recordUpdatedAt(record), string(record)); err != nil {
			return fmt.Errorf("failed to insert %s.%s: %w", table, id, err)
		}
	}
	return tx.Commit()
}

func (s *Store) Enqueue(ctx context.Context, table, recordID string, deletedAt int64) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO delete_queue (table_name, record_id, deleted_at)
		VALUES (?, ?, ?)
	`, table, recordID, deletedAt); err != nil {
		return fmt.Errorf("failed to enqueue deletion %s.%s: %w", table, recordID, err)
	}
	return nil
}

func (s *Store) ReadAll(ctx context.Context) ([]DeleteQueueEntry, error) {
	// One row per key: the one with the greatest deleted_at, ties broken by
	// the newest entry, so EntryID and DeletedAt always come from the same
	// row even when deleted_at is non-monotonic in insert order.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, table_name, record_id, deleted_at
		FROM delete_queue AS q
		WHERE NOT EXISTS (
			SELECT 1 FROM delete_queue AS d
			WHERE d.table_name = q.table_name
			  AND d.record_id = q.record_id
			  AND (d.deleted_at > q.deleted_at
			       OR (d.deleted_at = q.deleted_at AND d.id > q.id))
		)
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to read delete queue: %w", err)
	}
	defer rows.Close()

	var entries []DeleteQueueEntry
	for rows.Next() {
		var entry DeleteQueueEntry
		if err := rows.Scan(&entry.EntryID, &entry.TableName, &entry.RecordID, &entry.DeletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delete queue entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating delete queue: %w", err)
	}
	return entries, nil
}

func (s *Store) Clear(ctx context.Context, entryIDs []int64) error {
	if len(entryIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Remove the acknowledged entry plus any older duplicates of the same
	// key, so a re-enqueued deletion with a later timestamp survives.
	for _, entryID := range entryIDs {
		var table, recordID string
		var deletedAt int64
		err := tx.QueryRowContext(ctx, `
			SELECT table_name, record_id, deleted_at FROM delete_queue WHERE id = ?
		`, entryID).Scan(&table, &recordID, &deletedAt)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to look up queue entry %d: %w", entryID, err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM delete_queue
			WHERE table_name = ? AND record_id = ? AND deleted_at <= ?
		`, table, recordID, deletedAt); err != nil {
			return fmt.Errorf("failed to clear queue entries for %s.%s: %w", table, recordID, err)
		}
	}
	return tx.Commit()
}

func (s *Store) GetImage(ctx context.Context, submissionID string) (*CachedImage, error) {
	img := &CachedImage{SubmissionID: submissionID}
	var data []byte
	var base64Str sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT content_type, data, base64 FROM image_cache WHERE submission_id = ?
	`, submissionID).Scan(&img.ContentType, &data, &base64Str)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cached image %s: %w", submissionID, err)
	}
	img.Data = data
	img.Base64 = base64Str.String
	return img, nil
}

func (s *Store) PutImage(ctx context.Context, img *CachedImage) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO image_cache (submission_id, content_type, data, base64)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (submission_id) DO UPDATE SET
			content_type = excluded.content_type,
			data         = excluded.data,
			base64       = excluded.base64
	`, img.SubmissionID, img.ContentType, img.Data, img.Base64); err != nil {
		return fmt.Errorf("failed to cache image %s: %w", img.SubmissionID, err)
	}
	return nil
}

func (s *Store) DeleteImage(ctx context.Context, submissionID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM image_cache WHERE submission_id = ?
	`, submissionID); err != nil {
		return fmt.Errorf("failed to delete cached image %s: %w", submissionID, err)
	}
	return nil
}

// imageCacheView adapts Store to the ImageCache interface.
type imageCacheView struct{ store *Store }

func (v imageCacheView) Get(ctx context.Context, submissionID string) (*CachedImage, error) {
	return v.store.GetImage(ctx, submissionID)
}
func (v imageCacheView) Put(ctx context.Context, img *CachedImage) error {
	return v.store.PutImage(ctx, img)
}
func (v imageCacheView) Delete(ctx context.Context, submissionID string) error {
	return v.store.DeleteImage(ctx, submissionID)
}

// Images returns the store's ImageCache view.
func (s *Store) Images() ImageCache { return imageCacheView{store: s} }

// recordUpdatedAt extracts updatedAt for the index column; 0 if absent.
func recordUpdatedAt(record json.RawMessage) int64 {
	var meta struct {
		UpdatedAt int64 `json:"updatedAt"`
	}
	if err := json.Unmarshal(record, &meta); err != nil {
		return 0
	}
	return meta.UpdatedAt
}
