// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package synclite

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/classync/classync/syncd"
)

// pullOnce downloads the authoritative snapshot and merges it into the local
// store. Server-confirmed deletions are applied unconditionally, server
// fields win everywhere else, and the local image cache is left untouched so
// cached binaries survive a full metadata resync.
func (c *Client) pullOnce(ctx context.Context) error {
	payload, err := c.fetchSnapshot(ctx)
	if err != nil {
		return err
	}

	// Tombstones first: a server-confirmed deletion overrides any local
	// state, including unsynced local edits.
	for _, table := range syncd.SyncedTables {
		entries := payload.Deleted.Table(table)
		if len(entries) == 0 {
			continue
		}
		ids := make([]string, 0, len(entries))
		for _, entry := range entries {
			ids = append(ids, entry.ID)
		}
		if err := c.Store.BulkDelete(ctx, table, ids); err != nil {
			return fmt.Errorf("failed to apply tombstones for %s: %w", table, err)
		}
		if table == syncd.TableSubmissions {
			for _, id := range ids {
				if err := c.Images.Delete(ctx, id); err != nil {
					return fmt.Errorf("failed to drop cached image %s: %w", id, err)
				}
			}
		}
	}

	for _, table := range syncd.SyncedTables {
		if err := c.mergeTable(ctx, payload, table); err != nil {
			return err
		}
	}

	c.logger.Debug("pull complete",
		"classrooms", len(payload.Classrooms),
		"students", len(payload.Students),
		"assignments", len(payload.Assignments),
		"submissions", len(payload.Submissions),
		"folders", len(payload.Folders))
	return nil
}

// mergeTable bulk-replaces one table with the server's rows so the local
// store exactly mirrors server state afterwards.
func (c *Client) mergeTable(ctx context.Context, payload *syncd.SyncPayload, table string) error {
	serverRows, err := payload.Rows(table)
	if err != nil {
		return err
	}

	tombstoned := make(map[string]bool)
	for _, entry := range payload.Deleted.Table(table) {
		tombstoned[entry.ID] = true
	}

	local, err := c.Store.List(ctx, table)
	if err != nil {
		return fmt.Errorf("failed to read local %s: %w", table, err)
	}

	merged := make(map[string]json.RawMessage, len(serverRows))
	for _, row := range serverRows {
		if tombstoned[row.ID] {
			continue
		}
		record := row.Payload
		if table == syncd.TableSubmissions {
			record, err = mergeSubmission(record, local[row.ID])
			if err != nil {
				return err
			}
		}
		merged[row.ID] = record
	}

	if err := c.Store.ReplaceTable(ctx, table, merged); err != nil {
		return fmt.Errorf("failed to replace %s: %w", table, err)
	}
	return nil
}

// mergeSubmission applies the legacy omitted-field fallback: gradingResult
// and correctionCount keep their local value when the server payload omits
// them. This is a compatibility shim for fields that have not propagated
// everywhere, not a general merge rule; every other field comes from the
// server.
func mergeSubmission(serverRecord, localRecord json.RawMessage) (json.RawMessage, error) {
	if localRecord == nil {
		return serverRecord, nil
	}

	var server syncd.Submission
	if err := json.Unmarshal(serverRecord, &server); err != nil {
		return nil, fmt.Errorf("failed to decode server submission: %w", err)
	}
	if server.GradingResult != nil && server.CorrectionCount != nil {
		return serverRecord, nil
	}

	var localSub syncd.Submission
	if err := json.Unmarshal(localRecord, &localSub); err != nil {
		return nil, fmt.Errorf("failed to decode local submission: %w", err)
	}

	changed := false
	if server.GradingResult == nil && localSub.GradingResult != nil {
		server.GradingResult = localSub.GradingResult
		changed = true
	}
	if server.CorrectionCount == nil && localSub.CorrectionCount != nil {
		server.CorrectionCount = localSub.CorrectionCount
		changed = true
	}
	if !changed {
		return serverRecord, nil
	}

	out, err := json.Marshal(server)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode merged submission: %w", err)
	}
	return out, nil
}
