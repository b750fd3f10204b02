// Copyright 2025 The classync Authors
// SPDX-License-Identifier: Apache-2.0

package synclite

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// TriggerReason identifies what prompted a sync attempt.
type TriggerReason string

const (
	TriggerMount      TriggerReason = "mount"
	TriggerOnline     TriggerReason = "online"
	TriggerVisibility TriggerReason = "visibility"
	TriggerFocus      TriggerReason = "focus"
	TriggerManual     TriggerReason = "manual"
)

// State is the orchestrator's lifecycle state. At most one sync cycle runs
// at a time; triggers arriving mid-cycle queue exactly one follow-up run.
type State int

const (
	StateIdle State = iota
	StateSyncing
	StateQueued
	StateBlocked
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	case StateQueued:
		return "queued"
	case StateBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// Status is the externally observable sync state, suitable for a UI badge.
type Status struct {
	IsSyncing    bool
	LastSyncTime time.Time
	PendingCount int
	Error        error
}

// Connectivity reports whether the network is currently reachable.
type Connectivity interface {
	Online() bool
}

// ConnectivityFunc adapts a function to the Connectivity interface.
type ConnectivityFunc func() bool

func (f ConnectivityFunc) Online() bool { return f() }

// Orchestrator sequences sync cycles over a Client. It serializes cycles,
// debounces focus triggers, queues at most one re-run while a cycle is in
// flight, and latches into StateBlocked on a permission failure so no
// further traffic is sent for the rest of the session.
type Orchestrator struct {
	client       *Client
	connectivity Connectivity
	logger       *slog.Logger

	// OnStatus, if set before the first trigger, is invoked after every
	// status change. Called with the orchestrator's mutex released.
	OnStatus func(Status)

	// Progress, if set, receives per-image upload progress.
	Progress ImageProgress

	mu         sync.Mutex
	state      State
	queued     bool
	lastOnline bool
	status     Status
	focusTimer *time.Timer
	closed     bool
	wg         sync.WaitGroup
}

// NewOrchestrator wires an orchestrator over the given client. Connectivity
// may be nil, in which case the network is assumed reachable.
func NewOrchestrator(client *Client, connectivity Connectivity, logger *slog.Logger) *Orchestrator {
	if connectivity == nil {
		connectivity = ConnectivityFunc(func() bool { return true })
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		client:       client,
		connectivity: connectivity,
		logger:       logger,
		lastOnline:   true,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns a snapshot of the observable sync status.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Trigger requests a sync cycle. Focus triggers are debounced; all other
// reasons fire immediately. Triggers are ignored while blocked.
func (o *Orchestrator) Trigger(reason TriggerReason) {
	o.mu.Lock()
	if o.closed || o.state == StateBlocked {
		o.mu.Unlock()
		o.logger.Debug("trigger ignored", "reason", reason, "state", o.state.String())
		return
	}
	if reason == TriggerFocus {
		if o.focusTimer != nil {
			o.focusTimer.Stop()
		}
		o.focusTimer = time.AfterFunc(o.client.config.FocusDebounce, func() {
			o.fire(TriggerFocus)
		})
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()
	o.fire(reason)
}

// SyncNow runs a full cycle synchronously. It returns the cycle's error,
// ErrPermissionDenied when the session is latched, and ErrNetworkUnavailable
// when offline. If a background cycle is already running it queues a re-run
// and returns nil.
func (o *Orchestrator) SyncNow(ctx context.Context) error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return errors.New("orchestrator is closed")
	}
	if o.state == StateBlocked {
		o.mu.Unlock()
		return ErrPermissionDenied
	}
	online := o.connectivity.Online()
	o.lastOnline = online
	if !online {
		o.mu.Unlock()
		o.refreshPending(ctx)
		return ErrNetworkUnavailable
	}
	if o.state == StateSyncing || o.state == StateQueued {
		o.state = StateQueued
		o.queued = true
		o.mu.Unlock()
		return nil
	}
	o.state = StateSyncing
	o.mu.Unlock()
	o.runCycles(ctx)

	o.mu.Lock()
	err := o.status.Error
	o.mu.Unlock()
	return err
}

// Close stops the orchestrator. A final best-effort push is fired in the
// background so freshly captured work is not stranded; its outcome is
// deliberately ignored because the process may be on its way out.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	if o.focusTimer != nil {
		o.focusTimer.Stop()
		o.focusTimer = nil
	}
	o.mu.Unlock()

	// Let in-flight background cycles drain so the final push does not
	// overlap them.
	o.wg.Wait()

	o.mu.Lock()
	blocked := o.state == StateBlocked
	o.mu.Unlock()

	if blocked || !o.connectivity.Online() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := o.client.pushOnce(ctx, nil); err != nil {
			o.logger.Debug("final push failed", "error", err)
		}
	}()
}

// fire decides whether a trigger becomes a cycle. Offline triggers only
// refresh the pending count; an online trigger without an offline-to-online
// edge is dropped to avoid redundant cycles from connectivity chatter.
func (o *Orchestrator) fire(reason TriggerReason) {
	online := o.connectivity.Online()

	o.mu.Lock()
	if o.closed || o.state == StateBlocked {
		o.mu.Unlock()
		return
	}
	wasOnline := o.lastOnline
	o.lastOnline = online
	if !online {
		o.mu.Unlock()
		o.refreshPending(context.Background())
		return
	}
	if reason == TriggerOnline && wasOnline {
		o.mu.Unlock()
		return
	}
	if o.state == StateSyncing || o.state == StateQueued {
		o.state = StateQueued
		o.queued = true
		o.mu.Unlock()
		return
	}
	o.state = StateSyncing
	o.wg.Add(1)
	o.mu.Unlock()

	go func() {
		defer o.wg.Done()
		o.runCycles(context.Background())
	}()
}

// runCycles executes one cycle plus at most the queued follow-up runs. The
// queued flag is consumed per iteration, so a burst of triggers during a
// cycle collapses into a single extra run.
func (o *Orchestrator) runCycles(ctx context.Context) {
	for {
		err := o.runOneCycle(ctx)

		o.mu.Lock()
		if errors.Is(err, ErrPermissionDenied) {
			o.state = StateBlocked
			o.queued = false
			o.mu.Unlock()
			o.logger.Warn("sync blocked for this session", "error", err)
			o.notify()
			return
		}
		if o.queued && !o.closed {
			o.queued = false
			o.state = StateSyncing
			o.mu.Unlock()
			continue
		}
		o.state = StateIdle
		o.mu.Unlock()
		o.notify()
		return
	}
}

// runOneCycle performs push then pull and folds the outcome into the status.
// A push failure aborts the cycle before pull; a partial image failure does
// not, since the record payload was accepted.
func (o *Orchestrator) runOneCycle(ctx context.Context) error {
	o.setSyncing(true)
	defer o.setSyncing(false)

	err := o.cycle(ctx)

	o.mu.Lock()
	o.status.Error = err
	if err == nil {
		o.status.LastSyncTime = time.Now()
	}
	o.mu.Unlock()

	o.refreshPending(ctx)
	return err
}

func (o *Orchestrator) cycle(ctx context.Context) error {
	_, pushErr := o.client.pushOnce(ctx, o.Progress)
	if pushErr != nil {
		var partial *PartialUploadError
		if !errors.As(pushErr, &partial) {
			return pushErr
		}
		// Records were accepted; only some images lagged behind. Pull
		// anyway so the local view converges, then surface the tally.
		if err := o.client.pullOnce(ctx); err != nil {
			return err
		}
		return pushErr
	}
	return o.client.pullOnce(ctx)
}

func (o *Orchestrator) setSyncing(v bool) {
	o.mu.Lock()
	o.status.IsSyncing = v
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) refreshPending(ctx context.Context) {
	count, err := o.client.PendingCount(ctx)
	if err != nil {
		o.logger.Debug("pending count failed", "error", err)
		return
	}
	o.mu.Lock()
	o.status.PendingCount = count
	o.mu.Unlock()
	o.notify()
}

func (o *Orchestrator) notify() {
	if o.OnStatus == nil {
		return
	}
	o.mu.Lock()
	snapshot := o.status
	o.mu.Unlock()
	o.OnStatus(snapshot)
}
