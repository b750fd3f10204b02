// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package syncd

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, config *ServiceConfig) (*Service, *MemStore, *MemBlobStore) {
	t.Helper()
	store := NewMemStore()
	blobs := NewMemBlobStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	service, err := NewService(store, blobs, config, logger)
	require.NoError(t, err)
	return service, store, blobs
}

func classroomPayload(id string, name string, updatedAt int64) *SyncPayload {
	return &SyncPayload{
		Classrooms: []Classroom{{ID: id, Name: name, UpdatedAt: updatedAt}},
	}
}

func TestApplyPushLastWriterWins(t *testing.T) {
	service, _, _ := newTestService(t, nil)
	ctx := context.Background()

	// Older write first, newer write second: newer wins.
	require.NoError(t, service.ApplyPush(ctx, "owner-1", classroomPayload("c1", "Math 101", 1000)))
	require.NoError(t, service.ApplyPush(ctx, "owner-1", classroomPayload("c1", "Math 102", 2000)))

	snap, err := service.Snapshot(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, snap.Classrooms, 1)
	require.Equal(t, "Math 102", snap.Classrooms[0].Name)
	require.Equal(t, int64(2000), snap.Classrooms[0].UpdatedAt)

	// A stale write after the newer one is silently dropped.
	require.NoError(t, service.ApplyPush(ctx, "owner-1", classroomPayload("c1", "Stale", 1500)))

	snap, err = service.Snapshot(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, "Math 102", snap.Classrooms[0].Name)
}

func TestApplyPushTimestampTieLoses(t *testing.T) {
	service, _, _ := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, service.ApplyPush(ctx, "owner-1", classroomPayload("c1", "First", 1000)))
	require.NoError(t, service.ApplyPush(ctx, "owner-1", classroomPayload("c1", "Second", 1000)))

	// Equal timestamps keep the stored row; the request still succeeds.
	snap, err := service.Snapshot(ctx, "owner-1")
	require.NoError(t, err)
	require.Equal(t, "First", snap.Classrooms[0].Name)
}

func TestTombstoneBlocksResurrection(t *testing.T) {
	service, _, _ := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, service.ApplyPush(ctx, "owner-1", classroomPayload("c1", "Math", 1000)))

	deletion := &SyncPayload{}
	deletion.Deleted.Classrooms = []TombstoneEntry{{ID: "c1", DeletedAt: 1500}}
	require.NoError(t, service.ApplyPush(ctx, "owner-1", deletion))

	// Neither an older nor a newer upsert may bring the record back.
	require.NoError(t, service.ApplyPush(ctx, "owner-1", classroomPayload("c1", "Old copy", 1200)))
	require.NoError(t, service.ApplyPush(ctx, "owner-1", classroomPayload("c1", "Fresh copy", 9000)))

	snap, err := service.Snapshot(ctx, "owner-1")
	require.NoError(t, err)
	require.Empty(t, snap.Classrooms)
	require.Len(t, snap.Deleted.Classrooms, 1)
	require.Equal(t, "c1", snap.Deleted.Classrooms[0].ID)
}

func TestSameRequestDeletionBeatsUpsert(t *testing.T) {
	service, _, _ := newTestService(t, nil)
	ctx := context.Background()

	// One request carries both a fresher upsert and a deletion for the same
	// id; the deletion wins regardless of timestamps.
	payload := classroomPayload("c1", "Doomed", 5000)
	payload.Deleted.Classrooms = []TombstoneEntry{{ID: "c1", DeletedAt: 1000}}
	require.NoError(t, service.ApplyPush(ctx, "owner-1", payload))

	snap, err := service.Snapshot(ctx, "owner-1")
	require.NoError(t, err)
	require.Empty(t, snap.Classrooms)
	require.Len(t, snap.Deleted.Classrooms, 1)
}

func TestApplyPushValidation(t *testing.T) {
	service, _, _ := newTestService(t, nil)
	ctx := context.Background()

	err := service.ApplyPush(ctx, "owner-1", classroomPayload("", "No id", 1000))
	require.ErrorIs(t, err, ErrValidation)

	err = service.ApplyPush(ctx, "owner-1", classroomPayload("c1", "No timestamp", 0))
	require.ErrorIs(t, err, ErrValidation)

	bad := &SyncPayload{}
	bad.Deleted.Students = []TombstoneEntry{{ID: "", DeletedAt: 1000}}
	err = service.ApplyPush(ctx, "owner-1", bad)
	require.ErrorIs(t, err, ErrValidation)
}

func TestSnapshotIsOwnerScoped(t *testing.T) {
	service, _, _ := newTestService(t, nil)
	ctx := context.Background()

	require.NoError(t, service.ApplyPush(ctx, "owner-1", classroomPayload("c1", "Mine", 1000)))
	require.NoError(t, service.ApplyPush(ctx, "owner-2", classroomPayload("c2", "Theirs", 1000)))

	snap, err := service.Snapshot(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, snap.Classrooms, 1)
	require.Equal(t, "c1", snap.Classrooms[0].ID)
}

func TestStoreImage(t *testing.T) {
	service, _, blobs := newTestService(t, nil)
	ctx := context.Background()

	data := []byte("fake jpeg bytes")
	path, err := service.StoreImage(ctx, "owner-1", &ImageUploadRequest{
		SubmissionID: "sub-1",
		ImageBase64:  base64.StdEncoding.EncodeToString(data),
		ContentType:  "image/jpeg",
	})
	require.NoError(t, err)
	require.Equal(t, SubmissionImagePath("owner-1", "sub-1"), path)

	stored, contentType, err := blobs.Get(ctx, path)
	require.NoError(t, err)
	require.Equal(t, data, stored)
	require.Equal(t, "image/jpeg", contentType)
}

func TestStoreImageRejectsTombstonedSubmission(t *testing.T) {
	service, _, _ := newTestService(t, nil)
	ctx := context.Background()

	deletion := &SyncPayload{}
	deletion.Deleted.Submissions = []TombstoneEntry{{ID: "sub-1", DeletedAt: 1000}}
	require.NoError(t, service.ApplyPush(ctx, "owner-1", deletion))

	_, err := service.StoreImage(ctx, "owner-1", &ImageUploadRequest{
		SubmissionID: "sub-1",
		ImageBase64:  base64.StdEncoding.EncodeToString([]byte("bytes")),
	})
	require.ErrorIs(t, err, ErrGone)
}

func TestStoreImageSizeLimit(t *testing.T) {
	service, _, _ := newTestService(t, &ServiceConfig{MaxImageBytes: 10})
	ctx := context.Background()

	_, err := service.StoreImage(ctx, "owner-1", &ImageUploadRequest{
		SubmissionID: "sub-1",
		ImageBase64:  base64.StdEncoding.EncodeToString(make([]byte, 11)),
	})
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestStoreImageValidation(t *testing.T) {
	service, _, _ := newTestService(t, nil)
	ctx := context.Background()

	_, err := service.StoreImage(ctx, "owner-1", &ImageUploadRequest{ImageBase64: "aGk="})
	require.ErrorIs(t, err, ErrValidation)

	_, err = service.StoreImage(ctx, "owner-1", &ImageUploadRequest{SubmissionID: "sub-1"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = service.StoreImage(ctx, "owner-1", &ImageUploadRequest{
		SubmissionID: "sub-1",
		ImageBase64:  "%%% not base64 %%%",
	})
	require.ErrorIs(t, err, ErrValidation)

	_, err = service.StoreImage(ctx, "owner-1", &ImageUploadRequest{
		SubmissionID: "sub-1",
		ImageBase64:  "aGk=",
		ContentType:  "text/plain",
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestLoadImageRoundTrip(t *testing.T) {
	service, _, _ := newTestService(t, nil)
	ctx := context.Background()

	data := []byte{0xFF, 0xD8, 0x00, 0x01, 0x02}
	_, err := service.StoreImage(ctx, "owner-1", &ImageUploadRequest{
		SubmissionID: "sub-1",
		ImageBase64:  base64.StdEncoding.EncodeToString(data),
		ContentType:  "image/jpeg",
	})
	require.NoError(t, err)

	resp, err := service.LoadImage(ctx, "owner-1", "sub-1")
	require.NoError(t, err)
	require.Equal(t, "sub-1", resp.SubmissionID)
	require.Equal(t, "image/jpeg", resp.ContentType)
	require.Equal(t, SubmissionImagePath("owner-1", "sub-1"), resp.ImageURL)
	decoded, err := base64.StdEncoding.DecodeString(resp.ImageBase64)
	require.NoError(t, err)
	require.Equal(t, data, decoded)

	_, err = service.LoadImage(ctx, "owner-1", "no-such-submission")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestCompactTombstones(t *testing.T) {
	service, store, _ := newTestService(t, &ServiceConfig{TombstoneRetention: 24 * time.Hour})
	ctx := context.Background()

	old := time.Now().Add(-48 * time.Hour).UnixMilli()
	fresh := time.Now().UnixMilli()

	payload := &SyncPayload{}
	payload.Deleted.Classrooms = []TombstoneEntry{{ID: "old", DeletedAt: old}}
	payload.Deleted.Students = []TombstoneEntry{{ID: "fresh", DeletedAt: fresh}}
	require.NoError(t, service.ApplyPush(ctx, "owner-1", payload))

	removed, err := service.CompactTombstones(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), removed)

	dead, err := store.Tombstoned(ctx, "owner-1", TableClassrooms, "old")
	require.NoError(t, err)
	require.False(t, dead)

	dead, err = store.Tombstoned(ctx, "owner-1", TableStudents, "fresh")
	require.NoError(t, err)
	require.True(t, dead)
}

func TestCompactTombstonesDisabled(t *testing.T) {
	service, store, _ := newTestService(t, &ServiceConfig{TombstoneRetention: 0})
	ctx := context.Background()

	payload := &SyncPayload{}
	payload.Deleted.Folders = []TombstoneEntry{{ID: "f1", DeletedAt: 1}}
	require.NoError(t, service.ApplyPush(ctx, "owner-1", payload))

	removed, err := service.CompactTombstones(ctx)
	require.NoError(t, err)
	require.Zero(t, removed)

	dead, err := store.Tombstoned(ctx, "owner-1", TableFolders, "f1")
	require.NoError(t, err)
	require.True(t, dead)
}
