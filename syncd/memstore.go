// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package syncd

import (
	"context"
	"sync"
)

// MemStore is an in-memory Store. It backs tests and single-process
// deployments; semantics match PgStore exactly.
type MemStore struct {
	mu         sync.RWMutex
	records    map[string]map[string]map[string]Row // owner -> table -> id -> row
	tombstones map[string]map[string]int64          // owner -> table/id key -> deletedAt
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		records:    make(map[string]map[string]map[string]Row),
		tombstones: make(map[string]map[string]int64),
	}
}

func tombKey(table, id string) string { return table + "/" + id }

func (m *MemStore) Snapshot(_ context.Context, ownerID string) (map[string][]Row, []Tombstone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := make(map[string][]Row, len(SyncedTables))
	for _, table := range SyncedTables {
		for _, row := range m.records[ownerID][table] {
			rows[table] = append(rows[table], row)
		}
	}

	var tombstones []Tombstone
	for key, deletedAt := range m.tombstones[ownerID] {
		table, id := splitTombKey(key)
		tombstones = append(tombstones, Tombstone{
			OwnerID:   ownerID,
			TableName: table,
			RecordID:  id,
			DeletedAt: deletedAt,
		})
	}
	return rows, tombstones, nil
}

func (m *MemStore) Apply(_ context.Context, ownerID string, deletes []Tombstone, upserts map[string][]Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.records[ownerID] == nil {
		m.records[ownerID] = make(map[string]map[string]Row)
	}
	if m.tombstones[ownerID] == nil {
		m.tombstones[ownerID] = make(map[string]int64)
	}

	// Deletions first: record the tombstone (keeping the max deletedAt) and
	// drop the live row.
	for _, ts := range deletes {
		key := tombKey(ts.TableName, ts.RecordID)
		if existing, ok := m.tombstones[ownerID][key]; !ok || ts.DeletedAt > existing {
			m.tombstones[ownerID][key] = ts.DeletedAt
		}
		delete(m.records[ownerID][ts.TableName], ts.RecordID)
	}

	for table, rows := range upserts {
		if m.records[ownerID][table] == nil {
			m.records[ownerID][table] = make(map[string]Row)
		}
		for _, row := range rows {
			if _, dead := m.tombstones[ownerID][tombKey(table, row.ID)]; dead {
				continue // never resurrect
			}
			if existing, ok := m.records[ownerID][table][row.ID]; ok && row.UpdatedAt <= existing.UpdatedAt {
				continue // stale or tied write loses
			}
			m.records[ownerID][table][row.ID] = row
		}
	}
	return nil
}

func (m *MemStore) Tombstoned(_ context.Context, ownerID, table, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.tombstones[ownerID][tombKey(table, id)]
	return ok, nil
}

func (m *MemStore) CompactTombstones(_ context.Context, before int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var removed int64
	for _, byKey := range m.tombstones {
		for key, deletedAt := range byKey {
			if deletedAt < before {
				delete(byKey, key)
				removed++
			}
		}
	}
	return removed, nil
}

func splitTombKey(key string) (table, id string) {
	for i := 0; i < len(key); i++ {
		if key[i] == '/' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}
