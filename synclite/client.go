// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package synclite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/classync/classync/syncd"
)

// Config holds tunables for the client engine.
type Config struct {
	// SoftCeilingBytes is the preferred upper bound on the base64-encoded
	// image payload; exceeding it triggers the normal recompression ladder.
	SoftCeilingBytes int

	// HardCeilingBytes is the aggressive bound used after the server rejects
	// a payload as too large. Going over it after the hard ladder is a
	// user-visible failure.
	HardCeilingBytes int

	SoftSteps []CompressConstraints
	HardSteps []CompressConstraints

	// EncodeTimeout bounds a single image re-encode.
	EncodeTimeout time.Duration

	// FocusDebounce collapses rapid focus triggers into one cycle.
	FocusDebounce time.Duration
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() *Config {
	return &Config{
		SoftCeilingBytes: 4 << 20,
		HardCeilingBytes: 1 << 20,
		SoftSteps: []CompressConstraints{
			{Quality: 85},
			{Quality: 75, MaxDim: 2200},
			{Quality: 60, MaxDim: 1800},
		},
		HardSteps: []CompressConstraints{
			{Quality: 50, MaxDim: 1400},
			{Quality: 35, MaxDim: 1100},
			{Quality: 25, MaxDim: 900},
		},
		EncodeTimeout: 30 * time.Second,
		FocusDebounce: 2 * time.Second,
	}
}

// Client talks to the sync backend on behalf of one signed-in owner. It owns
// the push and pull stages; cycle sequencing belongs to the Orchestrator.
type Client struct {
	Store      KeyedStore
	Queue      DeleteQueue
	Images     ImageCache
	BaseURL    string
	Token      func(context.Context) (string, error)
	HTTP       *http.Client
	Compressor Compressor

	config *Config
	logger *slog.Logger
}

// NewClient creates a sync client. Config and logger may be nil.
func NewClient(store KeyedStore, queue DeleteQueue, images ImageCache, baseURL string, token func(context.Context) (string, error), config *Config, logger *slog.Logger) (*Client, error) {
	if store == nil || queue == nil || images == nil {
		return nil, fmt.Errorf("store, queue and images must all be provided")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		Store:      store,
		Queue:      queue,
		Images:     images,
		BaseURL:    baseURL,
		Token:      token,
		HTTP:       &http.Client{Timeout: 120 * time.Second},
		Compressor: JPEGCompressor{},
		config:     config,
		logger:     logger,
	}, nil
}

// CreateRecord writes a new record to the local store, immediately visible.
func (c *Client) CreateRecord(ctx context.Context, table, id string, record json.RawMessage) error {
	return c.Store.Put(ctx, table, id, record)
}

// DeleteRecord soft-deletes locally: queue the deletion, drop the record.
// The record becomes permanently unrecoverable only once the queued entry is
// acknowledged and a tombstone exists remotely.
func (c *Client) DeleteRecord(ctx context.Context, table, id string) error {
	if err := c.Queue.Enqueue(ctx, table, id, time.Now().UnixMilli()); err != nil {
		return err
	}
	return c.Store.Delete(ctx, table, id)
}

// PendingCount is the number of submissions still awaiting image upload.
func (c *Client) PendingCount(ctx context.Context) (int, error) {
	submissions, err := c.listSubmissions(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, sub := range submissions {
		if sub.Status == syncd.StatusScanned {
			count++
		}
	}
	return count, nil
}

func (c *Client) listSubmissions(ctx context.Context) (map[string]syncd.Submission, error) {
	raw, err := c.Store.List(ctx, syncd.TableSubmissions)
	if err != nil {
		return nil, err
	}
	submissions := make(map[string]syncd.Submission, len(raw))
	for id, record := range raw {
		var sub syncd.Submission
		if err := json.Unmarshal(record, &sub); err != nil {
			return nil, fmt.Errorf("failed to decode submission %s: %w", id, err)
		}
		submissions[id] = sub
	}
	return submissions, nil
}

func (c *Client) authHeader(ctx context.Context, req *http.Request) error {
	token, err := c.Token(ctx)
	if err != nil {
		return fmt.Errorf("failed to get auth token: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// fetchSnapshot performs GET /sync.
func (c *Client) fetchSnapshot(ctx context.Context) (*syncd.SyncPayload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/sync", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot request: %w", err)
	}
	if err := c.authHeader(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &ServerError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, classifyStatusError(resp.StatusCode, body)
	}

	var payload syncd.SyncPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &payload, nil
}

// submitPayload performs POST /sync with all table upserts and deletions.
func (c *Client) submitPayload(ctx context.Context, payload *syncd.SyncPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal sync payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sync", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create sync request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authHeader(ctx, req); err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return &ServerError{Message: err.Error()}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return classifyStatusError(resp.StatusCode, respBody)
	}

	var result syncd.PushResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("failed to decode sync response: %w", err)
	}
	if !result.Success {
		if isPermissionDeniedMessage(result.Error) {
			return fmt.Errorf("%w: %s", ErrPermissionDenied, result.Error)
		}
		return &ServerError{StatusCode: resp.StatusCode, Message: result.Error}
	}
	return nil
}

// uploadImage performs POST /sync/images for one submission.
func (c *Client) uploadImage(ctx context.Context, upload *syncd.ImageUploadRequest) (*syncd.ImageUploadResponse, error) {
	body, err := json.Marshal(upload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/sync/images", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create image upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := c.authHeader(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &ServerError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, classifyStatusError(resp.StatusCode, respBody)
	}

	var result syncd.ImageUploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode image upload response: %w", err)
	}
	return &result, nil
}

// downloadImage performs GET /sync/images/{id} for cache recovery.
func (c *Client) downloadImage(ctx context.Context, submissionID string) (*syncd.ImageDownloadResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/sync/images/"+submissionID, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create image download request: %w", err)
	}
	if err := c.authHeader(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &ServerError{Message: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, classifyStatusError(resp.StatusCode, respBody)
	}

	var result syncd.ImageDownloadResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode image download response: %w", err)
	}
	return &result, nil
}
