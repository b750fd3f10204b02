// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

// Package syncd implements the authoritative side of classync's offline-first
// synchronization: owner-scoped record tables, a permanent tombstone log, the
// HTTP sync surface, and durable storage for scanned submission images.
package syncd

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// Store is the persistence contract for the sync service. Apply must be
// atomic: either the whole push lands or none of it does, with deletions
// committed before upserts so a queued deletion always beats a stale upsert
// for the same id arriving in the same request.
type Store interface {
	// Snapshot returns all live rows per table plus every tombstone for the owner.
	Snapshot(ctx context.Context, ownerID string) (map[string][]Row, []Tombstone, error)

	// Apply commits deletions then upserts in one transaction. Upserts are
	// last-writer-wins on UpdatedAt (strictly greater wins, ties rejected)
	// and are silently skipped for tombstoned ids.
	Apply(ctx context.Context, ownerID string, deletes []Tombstone, upserts map[string][]Row) error

	// Tombstoned reports whether (table, id) has a tombstone for the owner.
	Tombstoned(ctx context.Context, ownerID, table, id string) (bool, error)

	// CompactTombstones removes tombstones with DeletedAt < before and
	// returns how many were removed.
	CompactTombstones(ctx context.Context, before int64) (int64, error)
}

// ErrValidation marks malformed requests; the HTTP layer maps it to 400.
var ErrValidation = errors.New("validation failed")

// ServiceConfig holds tunables for the sync service.
type ServiceConfig struct {
	AppName            string
	MaxImageBytes      int           // decoded image size limit; 0 = unlimited
	TombstoneRetention time.Duration // tombstones older than this are compactable
}

// DefaultServiceConfig returns the settings used by the stock server binary.
func DefaultServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		AppName:            "classync-syncd",
		MaxImageBytes:      8 << 20,
		TombstoneRetention: 90 * 24 * time.Hour,
	}
}

// Service is the core sync engine on the server: validation, snapshot
// assembly, and push application on top of a Store and a BlobStore.
type Service struct {
	store  Store
	blobs  BlobStore
	config *ServiceConfig
	logger *slog.Logger
}

// NewService creates a sync service. Logger may be nil.
func NewService(store Store, blobs BlobStore, config *ServiceConfig, logger *slog.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if config == nil {
		config = DefaultServiceConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, blobs: blobs, config: config, logger: logger}, nil
}

// Snapshot builds the full GET /sync payload for one owner.
func (s *Service) Snapshot(ctx context.Context, ownerID string) (*SyncPayload, error) {
	rows, tombstones, err := s.store.Snapshot(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for owner: %w", err)
	}

	payload := &SyncPayload{}
	for _, table := range SyncedTables {
		if err := payload.SetRows(table, rows[table]); err != nil {
			return nil, err
		}
		payload.Deleted.SetTable(table, []TombstoneEntry{})
	}
	for _, ts := range tombstones {
		entries := payload.Deleted.Table(ts.TableName)
		payload.Deleted.SetTable(ts.TableName, append(entries, TombstoneEntry{
			ID:        ts.RecordID,
			DeletedAt: ts.DeletedAt,
		}))
	}
	return payload, nil
}

// ApplyPush validates and commits one POST /sync payload.
//
// A record id that appears in the payload's own deleted set is dropped from
// the upserts before anything touches the store; the deletion wins within the
// request regardless of timestamps.
func (s *Service) ApplyPush(ctx context.Context, ownerID string, payload *SyncPayload) error {
	deletes, upserts, err := s.normalize(ownerID, payload)
	if err != nil {
		return err
	}

	if err := s.store.Apply(ctx, ownerID, deletes, upserts); err != nil {
		return fmt.Errorf("failed to apply push: %w", err)
	}

	s.logger.Info("applied push",
		"owner_id", ownerID,
		"deletes", len(deletes),
		"upserts", countRows(upserts))
	return nil
}

func (s *Service) normalize(ownerID string, payload *SyncPayload) ([]Tombstone, map[string][]Row, error) {
	var deletes []Tombstone
	deleted := make(map[string]map[string]bool, len(SyncedTables))

	for _, table := range SyncedTables {
		deleted[table] = make(map[string]bool)
		for _, entry := range payload.Deleted.Table(table) {
			if entry.ID == "" {
				return nil, nil, fmt.Errorf("%w: %s deletion with empty id", ErrValidation, table)
			}
			if entry.DeletedAt <= 0 {
				return nil, nil, fmt.Errorf("%w: %s deletion %s has no deletedAt", ErrValidation, table, entry.ID)
			}
			deleted[table][entry.ID] = true
			deletes = append(deletes, Tombstone{
				OwnerID:   ownerID,
				TableName: table,
				RecordID:  entry.ID,
				DeletedAt: entry.DeletedAt,
			})
		}
	}

	upserts := make(map[string][]Row, len(SyncedTables))
	for _, table := range SyncedTables {
		rows, err := payload.Rows(table)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
		kept := rows[:0]
		for _, row := range rows {
			if row.ID == "" {
				return nil, nil, fmt.Errorf("%w: %s row with empty id", ErrValidation, table)
			}
			if row.UpdatedAt <= 0 {
				return nil, nil, fmt.Errorf("%w: %s row %s has no updatedAt", ErrValidation, table, row.ID)
			}
			if deleted[table][row.ID] {
				continue // the same request deletes this id; deletion wins
			}
			kept = append(kept, row)
		}
		upserts[table] = kept
	}
	return deletes, upserts, nil
}

// StoreImage validates and persists one submission image upload.
// Returns the durable blob path.
func (s *Service) StoreImage(ctx context.Context, ownerID string, req *ImageUploadRequest) (string, error) {
	if req.SubmissionID == "" {
		return "", fmt.Errorf("%w: missing submissionId", ErrValidation)
	}
	if req.ImageBase64 == "" {
		return "", fmt.Errorf("%w: missing imageBase64", ErrValidation)
	}
	contentType := req.ContentType
	if contentType == "" {
		contentType = "image/jpeg"
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("%w: unsupported content type %q", ErrValidation, contentType)
	}

	tombstoned, err := s.store.Tombstoned(ctx, ownerID, TableSubmissions, req.SubmissionID)
	if err != nil {
		return "", fmt.Errorf("failed to check tombstone: %w", err)
	}
	if tombstoned {
		return "", ErrGone
	}

	data, err := base64.StdEncoding.DecodeString(req.ImageBase64)
	if err != nil {
		return "", fmt.Errorf("%w: imageBase64 is not valid base64", ErrValidation)
	}
	if s.config.MaxImageBytes > 0 && len(data) > s.config.MaxImageBytes {
		return "", ErrTooLarge
	}

	path := SubmissionImagePath(ownerID, req.SubmissionID)
	if err := s.blobs.Put(ctx, path, contentType, data); err != nil {
		return "", fmt.Errorf("failed to store image blob: %w", err)
	}

	s.logger.Info("stored submission image",
		"owner_id", ownerID,
		"submission_id", req.SubmissionID,
		"bytes", len(data))
	return path, nil
}

// LoadImage fetches a stored submission image for cache recovery.
func (s *Service) LoadImage(ctx context.Context, ownerID, submissionID string) (*ImageDownloadResponse, error) {
	path := SubmissionImagePath(ownerID, submissionID)
	data, contentType, err := s.blobs.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return &ImageDownloadResponse{
		SubmissionID: submissionID,
		ImageBase64:  base64.StdEncoding.EncodeToString(data),
		ContentType:  contentType,
		ImageURL:     path,
	}, nil
}

// CompactTombstones removes tombstones past the retention window. Clients
// that have not pulled within the window can no longer rely on tombstone
// delivery and must hydrate from an empty local store instead.
func (s *Service) CompactTombstones(ctx context.Context) (int64, error) {
	if s.config.TombstoneRetention <= 0 {
		return 0, nil // retention disabled, keep forever
	}
	before := time.Now().Add(-s.config.TombstoneRetention).UnixMilli()
	removed, err := s.store.CompactTombstones(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("failed to compact tombstones: %w", err)
	}
	if removed > 0 {
		s.logger.Info("compacted tombstones", "removed", removed, "before", before)
	}
	return removed, nil
}

// ErrGone marks an id that was deleted and must not be recreated (HTTP 409).
var ErrGone = errors.New("record is tombstoned")

// ErrTooLarge marks a payload over the configured size limit (HTTP 413).
var ErrTooLarge = errors.New("payload too large")

// ErrNotFound marks a missing record or blob (HTTP 404).
var ErrNotFound = errors.New("not found")

// SubmissionImagePath is the deterministic blob location for a submission's
// scanned image. Addressing by id alone is what lets a client recover its
// cache after a local reset.
func SubmissionImagePath(ownerID, submissionID string) string {
	return fmt.Sprintf("submissions/%s/%s", ownerID, submissionID)
}

func countRows(m map[string][]Row) int {
	n := 0
	for _, rows := range m {
		n += len(rows)
	}
	return n
}
