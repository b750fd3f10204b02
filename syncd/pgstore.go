// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package syncd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgStore is the Postgres-backed Store. Records live in one generic
// owner-scoped table with the full record JSON as payload; tombstones are a
// separate permanent table consulted on every upsert.
type PgStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPgStore creates the store and initializes its schema.
func NewPgStore(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) (*PgStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	store := &PgStore{pool: pool, logger: logger}

	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return store.initializeSchemaInTx(ctx, tx)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Debug("postgres schema initialized")
	return store, nil
}

func (p *PgStore) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	statements := []string{
		`CREATE SCHEMA IF NOT EXISTS classync`,

		`CREATE TABLE IF NOT EXISTS classync.records (
			owner_id   TEXT   NOT NULL,
			table_name TEXT   NOT NULL,
			id         TEXT   NOT NULL,
			updated_at BIGINT NOT NULL,
			payload    JSONB  NOT NULL,
			PRIMARY KEY (owner_id, table_name, id)
		)`,

		`CREATE TABLE IF NOT EXISTS classync.tombstones (
			owner_id   TEXT   NOT NULL,
			table_name TEXT   NOT NULL,
			record_id  TEXT   NOT NULL,
			deleted_at BIGINT NOT NULL,
			PRIMARY KEY (owner_id, table_name, record_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_records_owner_table
			ON classync.records (owner_id, table_name)`,

		`CREATE INDEX IF NOT EXISTS idx_tombstones_deleted_at
			ON classync.tombstones (deleted_at)`,
	}

	for _, stmt := range statements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (p *PgStore) Snapshot(ctx context.Context, ownerID string) (map[string][]Row, []Tombstone, error) {
	rowsByTable := make(map[string][]Row, len(SyncedTables))

	rows, err := p.pool.Query(ctx, `
		SELECT table_name, id, updated_at, payload
		FROM classync.records
		WHERE owner_id = @owner_id
		ORDER BY table_name, id
	`, pgx.NamedArgs{"owner_id": ownerID})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var table string
		var row Row
		if err := rows.Scan(&table, &row.ID, &row.UpdatedAt, &row.Payload); err != nil {
			return nil, nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rowsByTable[table] = append(rowsByTable[table], row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating records: %w", err)
	}
	rows.Close()

	tsRows, err := p.pool.Query(ctx, `
		SELECT table_name, record_id, deleted_at
		FROM classync.tombstones
		WHERE owner_id = @owner_id
		ORDER BY table_name, record_id
	`, pgx.NamedArgs{"owner_id": ownerID})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query tombstones: %w", err)
	}
	defer tsRows.Close()

	var tombstones []Tombstone
	for tsRows.Next() {
		ts := Tombstone{OwnerID: ownerID}
		if err := tsRows.Scan(&ts.TableName, &ts.RecordID, &ts.DeletedAt); err != nil {
			return nil, nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		tombstones = append(tombstones, ts)
	}
	if err := tsRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating tombstones: %w", err)
	}

	return rowsByTable, tombstones, nil
}

func (p *PgStore) Apply(ctx context.Context, ownerID string, deletes []Tombstone, upserts map[string][]Row) error {
	return pgx.BeginTxFunc(ctx, p.pool, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, func(tx pgx.Tx) error {
		// Deletions first so a queued deletion always beats a stale upsert
		// for the same id within this request.
		for _, ts := range deletes {
			_, err := tx.Exec(ctx, `
				INSERT INTO classync.tombstones (owner_id, table_name, record_id, deleted_at)
				VALUES (@owner_id, @table_name, @record_id, @deleted_at)
				ON CONFLICT (owner_id, table_name, record_id)
				DO UPDATE SET deleted_at = GREATEST(classync.tombstones.deleted_at, EXCLUDED.deleted_at)
			`, pgx.NamedArgs{
				"owner_id":   ownerID,
				"table_name": ts.TableName,
				"record_id":  ts.RecordID,
				"deleted_at": ts.DeletedAt,
			})
			if err != nil {
				return fmt.Errorf("failed to write tombstone for %s.%s: %w", ts.TableName, ts.RecordID, err)
			}

			_, err = tx.Exec(ctx, `
				DELETE FROM classync.records
				WHERE owner_id = @owner_id AND table_name = @table_name AND id = @id
			`, pgx.NamedArgs{"owner_id": ownerID, "table_name": ts.TableName, "id": ts.RecordID})
			if err != nil {
				return fmt.Errorf("failed to delete record %s.%s: %w", ts.TableName, ts.RecordID, err)
			}
		}

		// Upserts: strictly greater updated_at wins; tombstoned ids are
		// skipped entirely.
		for table, rows := range upserts {
			for _, row := range rows {
				_, err := tx.Exec(ctx, `
					INSERT INTO classync.records (owner_id, table_name, id, updated_at, payload)
					SELECT @owner_id, @table_name, @id, @updated_at, @payload::jsonb
					WHERE NOT EXISTS (
						SELECT 1 FROM classync.tombstones t
						WHERE t.owner_id = @owner_id
						  AND t.table_name = @table_name
						  AND t.record_id = @id
					)
					ON CONFLICT (owner_id, table_name, id)
					DO UPDATE SET updated_at = EXCLUDED.updated_at, payload = EXCLUDED.payload
					WHERE classync.records.updated_at < EXCLUDED.updated_at
				`, pgx.NamedArgs{
					"owner_id":   ownerID,
					"table_name": table,
					"id":         row.ID,
					"updated_at": row.UpdatedAt,
					"payload":    []byte(row.Payload),
				})
				if err != nil {
					return fmt.Errorf("failed to upsert %s.%s: %w", table, row.ID, err)
				}
			}
		}
		return nil
	})
}

func (p *PgStore) Tombstoned(ctx context.Context, ownerID, table, id string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM classync.tombstones
			WHERE owner_id = @owner_id AND table_name = @table_name AND record_id = @record_id
		)
	`, pgx.NamedArgs{"owner_id": ownerID, "table_name": table, "record_id": id}).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check tombstone: %w", err)
	}
	return exists, nil
}

func (p *PgStore) CompactTombstones(ctx context.Context, before int64) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM classync.tombstones WHERE deleted_at < @before
	`, pgx.NamedArgs{"before": before})
	if err != nil {
		return 0, fmt.Errorf("failed to compact tombstones: %w", err)
	}
	return tag.RowsAffected(), nil
}
