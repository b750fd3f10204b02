// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package synclite

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/classync/classync/syncd"
)

// PushStats summarizes one push: what went up and what failed.
// ImagesMissing counts submissions flagged missing because no binary exists
// locally or server-side; they are neither uploads nor failures.
type PushStats struct {
	Upserts        int
	Deletions      int
	ImagesUploaded int
	ImagesFailed   int
	ImagesMissing  int
}

// errMarkedMissing signals that a submission was flagged missing instead of
// uploaded. It never escapes uploadPendingImages.
var errMarkedMissing = errors.New("submission marked missing")

// ImageProgress is invoked before each image upload; the CLI renders a
// progress bar through it. May be nil.
type ImageProgress func(submissionID string, index, total int)

// pushOnce serializes local state and uploads it: scanned submission images
// first (sequentially, to bound peak memory), then one metadata request with
// every table's upserts and all queued deletions. Queue entries are cleared
// only after the metadata push is acknowledged.
func (c *Client) pushOnce(ctx context.Context, progress ImageProgress) (*PushStats, error) {
	entries, err := c.Queue.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read delete queue: %w", err)
	}

	deleted := make(map[string]map[string]bool)
	for _, entry := range entries {
		if deleted[entry.TableName] == nil {
			deleted[entry.TableName] = make(map[string]bool)
		}
		deleted[entry.TableName][entry.RecordID] = true
	}

	stats := &PushStats{Deletions: len(entries)}

	// Images before metadata so the same cycle's payload carries the synced
	// status transitions.
	if err := c.uploadPendingImages(ctx, deleted[syncd.TableSubmissions], stats, progress); err != nil {
		return stats, err
	}

	payload, err := c.buildPushPayload(ctx, entries, deleted, stats)
	if err != nil {
		return stats, err
	}

	if err := c.submitPayload(ctx, payload); err != nil {
		return stats, err
	}

	entryIDs := make([]int64, 0, len(entries))
	for _, entry := range entries {
		entryIDs = append(entryIDs, entry.EntryID)
	}
	if err := c.Queue.Clear(ctx, entryIDs); err != nil {
		return stats, fmt.Errorf("failed to clear delete queue: %w", err)
	}

	c.logger.Debug("push complete",
		"upserts", stats.Upserts,
		"deletions", stats.Deletions,
		"images_uploaded", stats.ImagesUploaded,
		"images_failed", stats.ImagesFailed,
		"images_missing", stats.ImagesMissing)

	if stats.ImagesFailed > 0 {
		return stats, &PartialUploadError{
			Failed: stats.ImagesFailed,
			Total:  stats.ImagesFailed + stats.ImagesUploaded,
		}
	}
	return stats, nil
}

// buildPushPayload snapshots every table, excluding records implicated by
// this cycle's deletion payload. Binary fields never ride along; submission
// records only ever reference their image by path.
func (c *Client) buildPushPayload(ctx context.Context, entries []DeleteQueueEntry, deleted map[string]map[string]bool, stats *PushStats) (*syncd.SyncPayload, error) {
	payload := &syncd.SyncPayload{}

	for _, table := range syncd.SyncedTables {
		records, err := c.Store.List(ctx, table)
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot %s: %w", table, err)
		}

		rows := make([]syncd.Row, 0, len(records))
		for id, record := range records {
			if deleted[table][id] {
				continue
			}
			rows = append(rows, syncd.Row{
				ID:        id,
				UpdatedAt: recordUpdatedAt(record),
				Payload:   record,
			})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
		if err := payload.SetRows(table, rows); err != nil {
			return nil, err
		}
		stats.Upserts += len(rows)

		payload.Deleted.SetTable(table, []syncd.TombstoneEntry{})
	}

	for _, entry := range entries {
		existing := payload.Deleted.Table(entry.TableName)
		payload.Deleted.SetTable(entry.TableName, append(existing, syncd.TombstoneEntry{
			ID:        entry.RecordID,
			DeletedAt: entry.DeletedAt,
		}))
	}
	return payload, nil
}

// uploadPendingImages uploads the image of every submission still in scanned
// status, one at a time. A single failed upload is tallied, not fatal;
// permission failures abort immediately.
func (c *Client) uploadPendingImages(ctx context.Context, deletedSubmissions map[string]bool, stats *PushStats, progress ImageProgress) error {
	submissions, err := c.listSubmissions(ctx)
	if err != nil {
		return err
	}

	var pending []syncd.Submission
	for _, sub := range submissions {
		if sub.Status != syncd.StatusScanned {
			continue
		}
		if deletedSubmissions[sub.ID] {
			continue // this cycle deletes it anyway
		}
		pending = append(pending, sub)
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].ID < pending[j].ID })

	for i, sub := range pending {
		if progress != nil {
			progress(sub.ID, i, len(pending))
		}
		err := c.uploadSubmissionImage(ctx, sub)
		switch {
		case err == nil:
			stats.ImagesUploaded++
		case errors.Is(err, errMarkedMissing):
			stats.ImagesMissing++
		case errors.Is(err, ErrPermissionDenied):
			return err
		default:
			stats.ImagesFailed++
			c.logger.Warn("submission image upload failed",
				"submission_id", sub.ID, "error", err)
		}
	}
	return nil
}

// uploadSubmissionImage moves one scanned image to durable storage and
// advances the submission to synced. The cached binary is never modified.
func (c *Client) uploadSubmissionImage(ctx context.Context, sub syncd.Submission) error {
	img, err := c.Images.Get(ctx, sub.ID)
	if errors.Is(err, ErrNotFound) {
		return c.recoverRemoteImage(ctx, sub)
	}
	if err != nil {
		return fmt.Errorf("failed to read cached image: %w", err)
	}

	data := img.Data
	if len(data) == 0 && img.Base64 != "" {
		data, err = base64.StdEncoding.DecodeString(img.Base64)
		if err != nil {
			return fmt.Errorf("cached base64 image is corrupt: %w", err)
		}
	}
	if len(data) == 0 {
		return c.recoverRemoteImage(ctx, sub)
	}

	source := &CachedImage{SubmissionID: sub.ID, ContentType: img.ContentType, Data: data}
	payload, contentType, _, err := shrinkUnderCeiling(ctx, c.Compressor, source, c.config.SoftSteps, c.config.SoftCeilingBytes, c.config.EncodeTimeout)
	if err != nil {
		return fmt.Errorf("failed to compress image: %w", err)
	}

	resp, err := c.submitImage(ctx, sub, payload, contentType)
	if errors.Is(err, ErrPayloadTooLarge) {
		// One retry against the hard ceiling, then give up.
		payload, contentType, fits, cerr := shrinkUnderCeiling(ctx, c.Compressor, source, c.config.HardSteps, c.config.HardCeilingBytes, c.config.EncodeTimeout)
		if cerr != nil {
			return fmt.Errorf("failed to recompress image: %w", cerr)
		}
		if !fits {
			return fmt.Errorf("image for submission %s: %w", sub.ID, ErrPayloadTooLarge)
		}
		resp, err = c.submitImage(ctx, sub, payload, contentType)
	}
	if errors.Is(err, ErrImageGone) {
		// Deleted on the server; the next pull removes the record.
		c.logger.Debug("skipping upload for tombstoned submission", "submission_id", sub.ID)
		return nil
	}
	if err != nil {
		return err
	}

	return c.markSubmissionSynced(ctx, sub, resp.ImageURL)
}

func (c *Client) submitImage(ctx context.Context, sub syncd.Submission, data []byte, contentType string) (*syncd.ImageUploadResponse, error) {
	return c.uploadImage(ctx, &syncd.ImageUploadRequest{
		SubmissionID: sub.ID,
		AssignmentID: sub.AssignmentID,
		StudentID:    sub.StudentID,
		CreatedAt:    sub.CreatedAt,
		ImageBase64:  base64.StdEncoding.EncodeToString(data),
		ContentType:  contentType,
	})
}

// recoverRemoteImage handles a submission stuck in scanned with no local
// binary (e.g. after a local-store reset). If the server already holds a
// copy, adopt it; otherwise mark the submission missing instead of retrying
// forever.
func (c *Client) recoverRemoteImage(ctx context.Context, sub syncd.Submission) error {
	remote, err := c.downloadImage(ctx, sub.ID)
	if err == nil {
		data, decodeErr := base64.StdEncoding.DecodeString(remote.ImageBase64)
		if decodeErr != nil {
			return fmt.Errorf("remote image is corrupt: %w", decodeErr)
		}
		if cacheErr := c.Images.Put(ctx, &CachedImage{
			SubmissionID: sub.ID,
			ContentType:  remote.ContentType,
			Data:         data,
			Base64:       remote.ImageBase64,
		}); cacheErr != nil {
			return fmt.Errorf("failed to cache recovered image: %w", cacheErr)
		}
		// The binary already lives server-side; nothing left to upload.
		return c.markSubmissionSynced(ctx, sub, remote.ImageURL)
	}
	if errors.Is(err, ErrPermissionDenied) {
		return err
	}

	c.logger.Warn("no local or remote image for submission, marking missing",
		"submission_id", sub.ID, "error", err)
	sub.Status = syncd.StatusMissing
	sub.UpdatedAt = time.Now().UnixMilli()
	if err := c.putSubmission(ctx, sub); err != nil {
		return err
	}
	return errMarkedMissing
}

func (c *Client) markSubmissionSynced(ctx context.Context, sub syncd.Submission, imagePath string) error {
	sub.Status = syncd.StatusSynced
	if imagePath != "" {
		sub.ImagePath = imagePath
	}
	sub.UpdatedAt = time.Now().UnixMilli()
	return c.putSubmission(ctx, sub)
}

func (c *Client) putSubmission(ctx context.Context, sub syncd.Submission) error {
	record, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("failed to marshal submission %s: %w", sub.ID, err)
	}
	return c.Store.Put(ctx, syncd.TableSubmissions, sub.ID, record)
}
