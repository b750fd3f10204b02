// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package synclite

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemStore is an in-memory implementation of KeyedStore, DeleteQueue and
// ImageCache for tests and throwaway sessions.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]map[string]json.RawMessage
	queue   []DeleteQueueEntry
	nextID  int64
	images  map[string]*CachedImage
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[string]map[string]json.RawMessage),
		nextID:  1,
		images:  make(map[string]*CachedImage),
	}
}

func (m *MemStore) Get(_ context.Context, table, id string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	record, ok := m.records[table][id]
	if !ok {
		return nil, ErrNotFound
	}
	return record, nil
}

func (m *MemStore) Put(_ context.Context, table, id string, record json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[table] == nil {
		m.records[table] = make(map[string]json.RawMessage)
	}
	m.records[table][id] = record
	return nil
}

func (m *MemStore) BulkPut(ctx context.Context, table string, records map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.records[table] == nil {
		m.records[table] = make(map[string]json.RawMessage)
	}
	for id, record := range records {
		m.records[table][id] = record
	}
	return nil
}

func (m *MemStore) Delete(_ context.Context, table, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records[table], id)
	return nil
}

func (m *MemStore) BulkDelete(_ context.Context, table string, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.records[table], id)
	}
	return nil
}

func (m *MemStore) List(_ context.Context, table string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]json.RawMessage, len(m.records[table]))
	for id, record := range m.records[table] {
		out[id] = record
	}
	return out, nil
}

func (m *MemStore) ReplaceTable(_ context.Context, table string, records map[string]json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := make(map[string]json.RawMessage, len(records))
	for id, record := range records {
		next[id] = record
	}
	m.records[table] = next
	return nil
}

func (m *MemStore) Enqueue(_ context.Context, table, recordID string, deletedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, DeleteQueueEntry{
		EntryID:   m.nextID,
		TableName: table,
		RecordID:  recordID,
		DeletedAt: deletedAt,
	})
	m.nextID++
	return nil
}

func (m *MemStore) ReadAll(_ context.Context) ([]DeleteQueueEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best := make(map[string]DeleteQueueEntry)
	for _, entry := range m.queue {
		key := entry.TableName + "/" + entry.RecordID
		existing, ok := best[key]
		if !ok || entry.DeletedAt > existing.DeletedAt ||
			(entry.DeletedAt == existing.DeletedAt && entry.EntryID > existing.EntryID) {
			best[key] = entry
		}
	}

	entries := make([]DeleteQueueEntry, 0, len(best))
	for _, entry := range best {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].EntryID < entries[j].EntryID })
	return entries, nil
}

func (m *MemStore) Clear(_ context.Context, entryIDs []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cleared := make(map[int64]DeleteQueueEntry, len(entryIDs))
	for _, entry := range m.queue {
		for _, id := range entryIDs {
			if entry.EntryID == id {
				cleared[id] = entry
			}
		}
	}

	var kept []DeleteQueueEntry
	for _, entry := range m.queue {
		drop := false
		for _, ack := range cleared {
			if entry.TableName == ack.TableName && entry.RecordID == ack.RecordID &&
				entry.DeletedAt <= ack.DeletedAt {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, entry)
		}
	}
	m.queue = kept
	return nil
}

func (m *MemStore) GetImage(_ context.Context, submissionID string) (*CachedImage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	img, ok := m.images[submissionID]
	if !ok {
		return nil, ErrNotFound
	}
	return img, nil
}

func (m *MemStore) PutImage(_ context.Context, img *CachedImage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images[img.SubmissionID] = img
	return nil
}

func (m *MemStore) DeleteImage(_ context.Context, submissionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.images, submissionID)
	return nil
}

type memImageCacheView struct{ store *MemStore }

func (v memImageCacheView) Get(ctx context.Context, submissionID string) (*CachedImage, error) {
	return v.store.GetImage(ctx, submissionID)
}
func (v memImageCacheView) Put(ctx context.Context, img *CachedImage) error {
	return v.store.PutImage(ctx, img)
}
func (v memImageCacheView) Delete(ctx context.Context, submissionID string) error {
	return v.store.DeleteImage(ctx, submissionID)
}

// Images returns the store's ImageCache view.
func (m *MemStore) Images() ImageCache { return memImageCacheView{store: m} }
