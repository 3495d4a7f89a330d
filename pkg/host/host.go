package host

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Mozart409/tendhost/pkg/events"
	"github.com/Mozart409/tendhost/pkg/executor"
	"github.com/Mozart409/tendhost/pkg/log"
	"github.com/Mozart409/tendhost/pkg/metrics"
	"github.com/Mozart409/tendhost/pkg/pkgmgr"
	"github.com/Mozart409/tendhost/pkg/types"
)

// rebootCommand is issued over the executor when auto-reboot is allowed
const rebootCommand = "sudo reboot"

// healthProbe is the trivial post-reboot liveness check
const healthProbe = "echo ok"

// mailboxSize bounds queued operations per host
const mailboxSize = 16

// Host owns one managed host: its configuration, state machine, per-state
// contexts, executor, and package manager. All operations are serialized
// through a single goroutine, so at most one handler runs at a time and
// races on state are structurally impossible.
type Host struct {
	config types.HostConfig
	exec   executor.Executor
	pkgMgr pkgmgr.PackageManager
	broker *events.Broker
	logger zerolog.Logger

	// Mutated only by the mailbox goroutine
	state       types.HostState
	pendingCtx  *types.PendingUpdatesContext
	failedCtx   *types.FailedContext
	lastUpdated *time.Time

	requests chan func()
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	// opCtx outlives any single caller; in-flight operations are never
	// aborted by a caller walking away
	opCtx    context.Context
	opCancel context.CancelFunc
}

// New creates a host entity and starts its mailbox goroutine.
// The host takes exclusive ownership of the executor and package manager
// and releases them on Stop.
func New(config types.HostConfig, exec executor.Executor, pkgMgr pkgmgr.PackageManager, broker *events.Broker) *Host {
	opCtx, opCancel := context.WithCancel(context.Background())

	h := &Host{
		config:   config,
		exec:     exec,
		pkgMgr:   pkgMgr,
		broker:   broker,
		logger:   log.WithHost(config.Name),
		state:    types.StateIdle,
		requests: make(chan func(), mailboxSize),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		opCtx:    opCtx,
		opCancel: opCancel,
	}

	h.logger.Info().Msg("host entity starting")
	h.broker.Publish(events.NewHostConnected(config.Name))

	go h.run()

	return h
}

// Name returns the host's unique name
func (h *Host) Name() string {
	return h.config.Name
}

// Config returns the host's immutable configuration
func (h *Host) Config() types.HostConfig {
	return h.config
}

// run is the mailbox loop. Requests are handled strictly in order; on
// stop, queued requests are drained before resources are released.
func (h *Host) run() {
	defer close(h.doneCh)

	for {
		select {
		case req := <-h.requests:
			req()
		case <-h.stopCh:
			// Drain in-flight work before releasing the executor
			for {
				select {
				case req := <-h.requests:
					req()
				default:
					h.shutdown()
					return
				}
			}
		}
	}
}

func (h *Host) shutdown() {
	h.logger.Info().Str("state", string(h.state)).Msg("host entity stopping")
	h.broker.Publish(events.NewHostDisconnected(h.config.Name, "stopped"))

	if err := h.exec.Close(); err != nil {
		h.logger.Warn().Err(err).Msg("failed to close executor")
	}
}

// Stop shuts the host down gracefully, letting any queued operation
// finish. Blocks until the mailbox goroutine has exited.
func (h *Host) Stop() {
	h.stopOnce.Do(func() {
		close(h.stopCh)
	})
	<-h.doneCh
	h.opCancel()
}

// do runs fn on the mailbox goroutine and waits for it to finish.
// ctx bounds the wait only; once started, fn always runs to completion.
func (h *Host) do(ctx context.Context, fn func()) error {
	reply := make(chan struct{})
	req := func() {
		defer close(reply)
		fn()
	}

	select {
	case h.requests <- req:
	case <-h.doneCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-reply:
		return nil
	case <-h.doneCh:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// transitionTo validates and applies a state change, emitting exactly one
// HostStateChanged event. Leaving pending_updates or failed clears the
// corresponding context.
func (h *Host) transitionTo(newState types.HostState) error {
	if !h.state.CanTransitionTo(newState) {
		return &InvalidTransitionError{From: h.state, To: newState}
	}

	oldState := h.state
	h.state = newState

	switch oldState {
	case types.StatePendingUpdates:
		h.pendingCtx = nil
	case types.StateFailed:
		h.failedCtx = nil
	}

	h.logger.Info().
		Str("from", string(oldState)).
		Str("to", string(newState)).
		Msg("state transition")

	metrics.HostStateTransitionsTotal.WithLabelValues(string(oldState), string(newState)).Inc()
	h.broker.Publish(events.NewHostStateChanged(h.config.Name, string(oldState), string(newState)))

	return nil
}

// failWithError is the only way into the failed state. It preserves the
// previous state and error text for operator recovery.
func (h *Host) failWithError(errMsg string) {
	previous := h.state
	h.failedCtx = types.NewFailedContext(previous, errMsg)
	h.pendingCtx = nil
	h.state = types.StateFailed

	h.logger.Error().
		Str("previous_state", string(previous)).
		Str("error", errMsg).
		Msg("host entered failed state")

	metrics.HostStateTransitionsTotal.WithLabelValues(string(previous), string(types.StateFailed)).Inc()
	metrics.HostFailuresTotal.WithLabelValues(h.config.Name).Inc()
	h.broker.Publish(events.NewHostStateChanged(h.config.Name, string(previous), string(types.StateFailed)))
}

// QueryInventory refreshes the list of upgradable packages. From idle (or
// pending_updates) the host passes through querying and lands in
// pending_updates when updates exist, or back in idle when none do.
func (h *Host) QueryInventory(ctx context.Context) (*types.InventoryResult, error) {
	var result *types.InventoryResult
	var opErr error

	err := h.do(ctx, func() {
		result, opErr = h.handleQueryInventory()
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

func (h *Host) handleQueryInventory() (*types.InventoryResult, error) {
	if h.state == types.StateFailed {
		return nil, &FailedError{Host: h.config.Name, Reason: h.failedReason()}
	}
	if err := h.transitionTo(types.StateQuerying); err != nil {
		return nil, err
	}

	packages, err := h.pkgMgr.ListUpgradable(h.opCtx)
	if err != nil {
		h.failWithError(err.Error())
		return nil, &InventoryError{Err: err}
	}

	names := make([]string, 0, len(packages))
	for _, pkg := range packages {
		names = append(names, pkg.Name)
	}

	if len(packages) > 0 {
		h.pendingCtx = &types.PendingUpdatesContext{
			PackageCount: len(packages),
			Packages:     names,
			QueriedAt:    time.Now(),
		}
		if err := h.transitionTo(types.StatePendingUpdates); err != nil {
			return nil, err
		}
	} else {
		if err := h.transitionTo(types.StateIdle); err != nil {
			return nil, err
		}
	}

	return &types.InventoryResult{
		PendingUpdates: len(packages),
		Packages:       names,
	}, nil
}

// StartUpdate applies (or simulates) all pending updates. Requires the
// host to have queried first: only pending_updates may enter updating.
func (h *Host) StartUpdate(ctx context.Context, dryRun bool) (*types.HostUpdateResult, error) {
	var result *types.HostUpdateResult
	var opErr error

	err := h.do(ctx, func() {
		result, opErr = h.handleStartUpdate(dryRun)
	})
	if err != nil {
		return nil, err
	}
	return result, opErr
}

func (h *Host) handleStartUpdate(dryRun bool) (*types.HostUpdateResult, error) {
	if h.state == types.StateFailed {
		return nil, &FailedError{Host: h.config.Name, Reason: h.failedReason()}
	}
	if err := h.transitionTo(types.StateUpdating); err != nil {
		return nil, err
	}

	var updateResult *pkgmgr.UpdateResult
	var err error
	if dryRun {
		updateResult, err = h.pkgMgr.UpgradeDryRun(h.opCtx)
	} else {
		updateResult, err = h.pkgMgr.UpgradeAll(h.opCtx)
	}
	if err != nil {
		h.failWithError(err.Error())
		return nil, &PackageError{Err: err}
	}

	rebootRequired, err := h.pkgMgr.RebootRequired(h.opCtx)
	if err != nil {
		h.failWithError(err.Error())
		return nil, &PackageError{Err: err}
	}

	h.broker.Publish(events.NewUpdateCompleted(h.config.Name,
		fmt.Sprintf("upgraded %d packages, reboot_required=%v", updateResult.UpgradedCount, rebootRequired)))
	metrics.HostUpdatesTotal.WithLabelValues(h.config.Name, fmt.Sprintf("%v", dryRun)).Inc()

	if rebootRequired && !dryRun {
		if err := h.transitionTo(types.StateWaitingReboot); err != nil {
			return nil, err
		}
	} else {
		if err := h.transitionTo(types.StateIdle); err != nil {
			return nil, err
		}
		now := time.Now()
		h.lastUpdated = &now
	}

	return &types.HostUpdateResult{
		Success:        updateResult.Success,
		UpgradedCount:  updateResult.UpgradedCount,
		RebootRequired: rebootRequired,
	}, nil
}

// RebootIfRequired reboots a host waiting on one, subject to policy.
// With auto-reboot disabled the host stays in waiting_reboot for the
// operator; the return value reports whether a reboot was issued.
func (h *Host) RebootIfRequired(ctx context.Context) (bool, error) {
	var rebooted bool
	var opErr error

	err := h.do(ctx, func() {
		rebooted, opErr = h.handleRebootIfRequired()
	})
	if err != nil {
		return false, err
	}
	return rebooted, opErr
}

func (h *Host) handleRebootIfRequired() (bool, error) {
	if h.state == types.StateFailed {
		return false, &FailedError{Host: h.config.Name, Reason: h.failedReason()}
	}
	if h.state != types.StateWaitingReboot {
		return false, &InvalidTransitionError{From: h.state, To: types.StateRebooting}
	}

	if !h.config.Policy.AutoReboot {
		h.logger.Info().Msg("auto-reboot disabled by policy, staying in waiting_reboot")
		return false, nil
	}

	if err := h.transitionTo(types.StateRebooting); err != nil {
		return false, err
	}

	if _, err := h.exec.Run(h.opCtx, rebootCommand); err != nil {
		h.failWithError(err.Error())
		return false, &SSHError{Err: err}
	}

	metrics.HostRebootsTotal.WithLabelValues(h.config.Name).Inc()

	// The host is going down; a later health check drives verifying→idle
	if err := h.transitionTo(types.StateVerifying); err != nil {
		return false, err
	}
	return true, nil
}

// HealthCheck probes the host with a trivial command. From verifying, a
// healthy probe completes the reboot cycle; from any other state the
// probe is informational and does not mutate state.
func (h *Host) HealthCheck(ctx context.Context) (bool, error) {
	var healthy bool
	var opErr error

	err := h.do(ctx, func() {
		healthy, opErr = h.handleHealthCheck()
	})
	if err != nil {
		return false, err
	}
	return healthy, opErr
}

func (h *Host) handleHealthCheck() (bool, error) {
	if h.state == types.StateFailed {
		return false, &FailedError{Host: h.config.Name, Reason: h.failedReason()}
	}

	healthy := false
	result, err := h.exec.Run(h.opCtx, healthProbe)
	if err == nil && result.Success() && strings.TrimSpace(result.Stdout) == "ok" {
		healthy = true
	}

	if h.state != types.StateVerifying {
		return healthy, nil
	}

	if healthy {
		if err := h.transitionTo(types.StateIdle); err != nil {
			return false, err
		}
		now := time.Now()
		h.lastUpdated = &now
		return true, nil
	}

	msg := "health check failed"
	if err != nil {
		msg = fmt.Sprintf("health check failed: %v", err)
	} else if result != nil {
		msg = fmt.Sprintf("health check failed: unexpected output %q", strings.TrimSpace(result.Stdout))
	}
	h.failWithError(msg)
	return false, &SSHError{Err: fmt.Errorf("%s", msg)}
}

// Retry recovers a failed host back to idle. It does not re-drive the
// operation that failed.
func (h *Host) Retry(ctx context.Context) error {
	var opErr error

	err := h.do(ctx, func() {
		opErr = h.handleRetry()
	})
	if err != nil {
		return err
	}
	return opErr
}

func (h *Host) handleRetry() error {
	if h.state != types.StateFailed {
		return ErrNotFailed
	}

	h.failedCtx.RetryCount++
	h.logger.Info().
		Int("retry_count", h.failedCtx.RetryCount).
		Str("previous_state", string(h.failedCtx.PreviousState)).
		Msg("retrying failed host")

	return h.transitionTo(types.StateIdle)
}

// Acknowledge flags a failure as seen by the operator without changing
// state. Idempotent.
func (h *Host) Acknowledge(ctx context.Context) error {
	var opErr error

	err := h.do(ctx, func() {
		opErr = h.handleAcknowledge()
	})
	if err != nil {
		return err
	}
	return opErr
}

func (h *Host) handleAcknowledge() error {
	if h.state != types.StateFailed {
		return ErrNotFailed
	}
	h.failedCtx.Acknowledged = true
	return nil
}

// State returns the host's current state. Always legal; never mutates.
func (h *Host) State(ctx context.Context) (types.HostState, error) {
	var state types.HostState
	err := h.do(ctx, func() {
		state = h.state
	})
	return state, err
}

// Status returns a full snapshot of the host. Always legal; never mutates.
func (h *Host) Status(ctx context.Context) (*types.HostStatus, error) {
	var status *types.HostStatus
	err := h.do(ctx, func() {
		status = h.snapshotStatus()
	})
	return status, err
}

func (h *Host) snapshotStatus() *types.HostStatus {
	status := &types.HostStatus{
		Name:        h.config.Name,
		State:       h.state,
		Tags:        h.config.Tags,
		LastUpdated: h.lastUpdated,
	}
	if h.pendingCtx != nil {
		status.PendingUpdates = h.pendingCtx.PackageCount
		status.Packages = h.pendingCtx.Packages
	}
	if h.failedCtx != nil {
		status.Error = h.failedCtx.Error
		status.PreviousState = h.failedCtx.PreviousState
		status.RetryCount = h.failedCtx.RetryCount
		status.Acknowledged = h.failedCtx.Acknowledged
	}
	return status
}

func (h *Host) failedReason() string {
	if h.failedCtx != nil {
		return h.failedCtx.Error
	}
	return "unknown"
}
