// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package syncd

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
)

// newPgStore connects to the database named by CLASSYNC_TEST_DATABASE_URL,
// skipping the test when it is not set. Each test uses a fresh owner id so
// runs never interfere with each other.
func newPgStore(t *testing.T) *PgStore {
	t.Helper()
	databaseURL := os.Getenv("CLASSYNC_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("CLASSYNC_TEST_DATABASE_URL not set, skipping Postgres tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := NewPgStore(ctx, pool, logger)
	require.NoError(t, err)
	return store
}

// testRow builds a generic record payload; the storage layer never looks
// inside beyond id and updatedAt.
func testRow(t *testing.T, id, name string, updatedAt int64) Row {
	t.Helper()
	payload, err := json.Marshal(map[string]any{"id": id, "name": name, "updatedAt": updatedAt})
	require.NoError(t, err)
	return Row{ID: id, UpdatedAt: updatedAt, Payload: payload}
}

func TestPgStoreUpsertLastWriterWins(t *testing.T) {
	store := newPgStore(t)
	ctx := context.Background()
	owner := uuid.NewString()

	err := store.Apply(ctx, owner, nil, map[string][]Row{
		TableClassrooms: {testRow(t, "c1", "First", 1000)},
	})
	require.NoError(t, err)

	// Newer wins.
	err = store.Apply(ctx, owner, nil, map[string][]Row{
		TableClassrooms: {testRow(t, "c1", "Second", 2000)},
	})
	require.NoError(t, err)

	// Stale and tied writes lose.
	err = store.Apply(ctx, owner, nil, map[string][]Row{
		TableClassrooms: {testRow(t, "c1", "Stale", 1500)},
	})
	require.NoError(t, err)
	err = store.Apply(ctx, owner, nil, map[string][]Row{
		TableClassrooms: {testRow(t, "c1", "Tied", 2000)},
	})
	require.NoError(t, err)

	rows, _, err := store.Snapshot(ctx, owner)
	require.NoError(t, err)
	require.Len(t, rows[TableClassrooms], 1)
	require.Equal(t, int64(2000), rows[TableClassrooms][0].UpdatedAt)

	var rec Classroom
	require.NoError(t, json.Unmarshal(rows[TableClassrooms][0].Payload, &rec))
	require.Equal(t, "Second", rec.Name)
}

func TestPgStoreTombstonePreventsResurrection(t *testing.T) {
	store := newPgStore(t)
	ctx := context.Background()
	owner := uuid.NewString()

	err := store.Apply(ctx, owner, nil, map[string][]Row{
		TableStudents: {testRow(t, "s1", "Ada", 1000)},
	})
	require.NoError(t, err)

	err = store.Apply(ctx, owner, []Tombstone{
		{OwnerID: owner, TableName: TableStudents, RecordID: "s1", DeletedAt: 1500},
	}, nil)
	require.NoError(t, err)

	dead, err := store.Tombstoned(ctx, owner, TableStudents, "s1")
	require.NoError(t, err)
	require.True(t, dead)

	// A fresher upsert must not bring the row back.
	err = store.Apply(ctx, owner, nil, map[string][]Row{
		TableStudents: {testRow(t, "s1", "Ada again", 9000)},
	})
	require.NoError(t, err)

	rows, tombstones, err := store.Snapshot(ctx, owner)
	require.NoError(t, err)
	require.Empty(t, rows[TableStudents])
	require.Len(t, tombstones, 1)
	require.Equal(t, "s1", tombstones[0].RecordID)
}

func TestPgStoreDeleteBeatsUpsertInSameApply(t *testing.T) {
	store := newPgStore(t)
	ctx := context.Background()
	owner := uuid.NewString()

	err := store.Apply(ctx, owner,
		[]Tombstone{{OwnerID: owner, TableName: TableFolders, RecordID: "f1", DeletedAt: 1000}},
		map[string][]Row{TableFolders: {testRow(t, "f1", "Doomed", 5000)}})
	require.NoError(t, err)

	rows, _, err := store.Snapshot(ctx, owner)
	require.NoError(t, err)
	require.Empty(t, rows[TableFolders])
}

func TestPgStoreTombstoneKeepsMaxDeletedAt(t *testing.T) {
	store := newPgStore(t)
	ctx := context.Background()
	owner := uuid.NewString()

	err := store.Apply(ctx, owner, []Tombstone{
		{OwnerID: owner, TableName: TableFolders, RecordID: "f1", DeletedAt: 2000},
	}, nil)
	require.NoError(t, err)
	err = store.Apply(ctx, owner, []Tombstone{
		{OwnerID: owner, TableName: TableFolders, RecordID: "f1", DeletedAt: 1000},
	}, nil)
	require.NoError(t, err)

	_, tombstones, err := store.Snapshot(ctx, owner)
	require.NoError(t, err)
	require.Len(t, tombstones, 1)
	require.Equal(t, int64(2000), tombstones[0].DeletedAt)
}
