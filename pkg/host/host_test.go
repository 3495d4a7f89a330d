package host

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mozart409/tendhost/pkg/events"
	"github.com/Mozart409/tendhost/pkg/executor"
	"github.com/Mozart409/tendhost/pkg/pkgmgr"
	"github.com/Mozart409/tendhost/pkg/types"
)

// mockExecutor returns a fixed result for every command
type mockExecutor struct {
	mu     sync.Mutex
	result *executor.CommandResult
	err    error
	calls  []string
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{result: &executor.CommandResult{ExitStatus: 0, Stdout: "ok\n"}}
}

func (m *mockExecutor) Run(_ context.Context, cmd string) (*executor.CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, cmd)
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockExecutor) RunWithTimeout(ctx context.Context, cmd string, _ time.Duration) (*executor.CommandResult, error) {
	return m.Run(ctx, cmd)
}

func (m *mockExecutor) Connected() bool { return true }
func (m *mockExecutor) Type() string    { return "mock" }
func (m *mockExecutor) Close() error    { return nil }

// mockPkgManager serves canned package data
type mockPkgManager struct {
	mu             sync.Mutex
	packages       []string
	rebootRequired bool
	listErr        error
	upgradeErr     error
}

func (m *mockPkgManager) ListUpgradable(context.Context) ([]pkgmgr.UpgradablePackage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	pkgs := make([]pkgmgr.UpgradablePackage, 0, len(m.packages))
	for _, name := range m.packages {
		pkgs = append(pkgs, pkgmgr.UpgradablePackage{Name: name, CurrentVersion: "1.0.0", NewVersion: "1.0.1"})
	}
	return pkgs, nil
}

func (m *mockPkgManager) UpgradeAll(context.Context) (*pkgmgr.UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upgradeErr != nil {
		return nil, m.upgradeErr
	}
	return &pkgmgr.UpdateResult{Success: true, UpgradedCount: len(m.packages)}, nil
}

func (m *mockPkgManager) UpgradeDryRun(ctx context.Context) (*pkgmgr.UpdateResult, error) {
	return m.UpgradeAll(ctx)
}

func (m *mockPkgManager) RebootRequired(context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rebootRequired, nil
}

func (m *mockPkgManager) Type() pkgmgr.ManagerType   { return pkgmgr.TypeApt }
func (m *mockPkgManager) Available(context.Context) bool { return true }

func testConfig(name string) types.HostConfig {
	return types.HostConfig{
		Name:   name,
		Addr:   "127.0.0.1",
		User:   "root",
		Tags:   []string{"prod"},
		Policy: types.DefaultHostPolicy(),
	}
}

func newTestHost(t *testing.T, cfg types.HostConfig, exec executor.Executor, mgr pkgmgr.PackageManager) (*Host, *events.Broker) {
	t.Helper()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	h := New(cfg, exec, mgr, broker)
	t.Cleanup(h.Stop)
	return h, broker
}

func collectEvents(sub events.Subscriber, want int, timeout time.Duration) []*events.Event {
	var got []*events.Event
	deadline := time.After(timeout)
	for len(got) < want {
		select {
		case ev := <-sub:
			got = append(got, ev)
		case <-deadline:
			return got
		}
	}
	return got
}

func TestQueryInventoryWithUpdates(t *testing.T) {
	mgr := &mockPkgManager{packages: []string{"vim", "curl"}}
	h, _ := newTestHost(t, testConfig("host-a"), newMockExecutor(), mgr)

	result, err := h.QueryInventory(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.PendingUpdates)
	assert.Equal(t, []string{"vim", "curl"}, result.Packages)

	state, err := h.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatePendingUpdates, state)

	status, err := h.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, status.PendingUpdates)
	assert.Nil(t, status.LastUpdated)
}

func TestQueryInventoryNoUpdates(t *testing.T) {
	mgr := &mockPkgManager{}
	h, _ := newTestHost(t, testConfig("host-a"), newMockExecutor(), mgr)

	result, err := h.QueryInventory(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, result.PendingUpdates)

	state, err := h.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, state)
}

// Happy-path host update, no reboot: full event sequence
func TestUpdateHappyPathNoReboot(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	mgr := &mockPkgManager{packages: []string{"vim", "curl"}}
	h := New(testConfig("host-a"), newMockExecutor(), mgr, broker)
	defer h.Stop()

	_, err := h.QueryInventory(context.Background())
	require.NoError(t, err)

	result, err := h.StartUpdate(context.Background(), false)
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.UpgradedCount)
	assert.False(t, result.RebootRequired)

	status, err := h.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, status.State)
	require.NotNil(t, status.LastUpdated)
	// Pending context cleared on leaving pending_updates
	assert.Zero(t, status.PendingUpdates)

	got := collectEvents(sub, 6, 2*time.Second)
	require.Len(t, got, 6)

	assert.Equal(t, events.EventHostConnected, got[0].Type)

	assert.Equal(t, events.EventHostStateChanged, got[1].Type)
	assert.Equal(t, "idle", got[1].From)
	assert.Equal(t, "querying", got[1].To)

	assert.Equal(t, events.EventHostStateChanged, got[2].Type)
	assert.Equal(t, "querying", got[2].From)
	assert.Equal(t, "pending_updates", got[2].To)

	assert.Equal(t, events.EventHostStateChanged, got[3].Type)
	assert.Equal(t, "pending_updates", got[3].From)
	assert.Equal(t, "updating", got[3].To)

	assert.Equal(t, events.EventUpdateCompleted, got[4].Type)
	assert.Equal(t, "upgraded 2 packages, reboot_required=false", got[4].Result)

	assert.Equal(t, events.EventHostStateChanged, got[5].Type)
	assert.Equal(t, "updating", got[5].From)
	assert.Equal(t, "idle", got[5].To)
}

// Update requires reboot with auto-reboot enabled: full reboot cycle
func TestUpdateWithRebootCycle(t *testing.T) {
	mgr := &mockPkgManager{packages: []string{"linux-image"}, rebootRequired: true}
	exec := newMockExecutor()
	h, _ := newTestHost(t, testConfig("host-a"), exec, mgr)

	_, err := h.QueryInventory(context.Background())
	require.NoError(t, err)

	result, err := h.StartUpdate(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.RebootRequired)

	state, _ := h.State(context.Background())
	assert.Equal(t, types.StateWaitingReboot, state)

	rebooted, err := h.RebootIfRequired(context.Background())
	require.NoError(t, err)
	assert.True(t, rebooted)

	state, _ = h.State(context.Background())
	assert.Equal(t, types.StateVerifying, state)
	assert.Contains(t, exec.calls, "sudo reboot")

	// Health check with stdout "ok\n" completes the cycle
	healthy, err := h.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, healthy)

	status, err := h.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, status.State)
	assert.NotNil(t, status.LastUpdated)
}

// Update requires reboot with auto-reboot disabled: host rests in waiting_reboot
func TestRebootPolicyDisabled(t *testing.T) {
	cfg := testConfig("host-a")
	cfg.Policy.AutoReboot = false

	mgr := &mockPkgManager{packages: []string{"linux-image"}, rebootRequired: true}
	h, _ := newTestHost(t, cfg, newMockExecutor(), mgr)

	_, err := h.QueryInventory(context.Background())
	require.NoError(t, err)
	_, err = h.StartUpdate(context.Background(), false)
	require.NoError(t, err)

	rebooted, err := h.RebootIfRequired(context.Background())
	require.NoError(t, err)
	assert.False(t, rebooted)

	state, _ := h.State(context.Background())
	assert.Equal(t, types.StateWaitingReboot, state)
}

// Package manager failure enters failed; retry recovers
func TestFailureAndRetry(t *testing.T) {
	mgr := &mockPkgManager{listErr: errors.New("repo unreachable")}
	h, _ := newTestHost(t, testConfig("host-a"), newMockExecutor(), mgr)

	_, err := h.QueryInventory(context.Background())
	var invErr *InventoryError
	require.ErrorAs(t, err, &invErr)

	status, err := h.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, status.State)
	assert.Equal(t, types.StateQuerying, status.PreviousState)
	assert.Contains(t, status.Error, "repo unreachable")

	// Operational messages are refused while failed
	_, err = h.QueryInventory(context.Background())
	var failedErr *FailedError
	require.ErrorAs(t, err, &failedErr)

	_, err = h.StartUpdate(context.Background(), false)
	require.ErrorAs(t, err, &failedErr)

	// Status stays readable
	_, err = h.Status(context.Background())
	require.NoError(t, err)

	// Retry recovers to idle and clears the context
	require.NoError(t, h.Retry(context.Background()))

	status, err = h.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateIdle, status.State)
	assert.Empty(t, status.Error)

	// Subsequent queries work again
	mgr.mu.Lock()
	mgr.listErr = nil
	mgr.packages = []string{"vim"}
	mgr.mu.Unlock()

	result, err := h.QueryInventory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.PendingUpdates)
}

// Invalid transition rejected without side effects
func TestStartUpdateFromIdleRejected(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()

	mgr := &mockPkgManager{packages: []string{"vim"}}
	h := New(testConfig("host-a"), newMockExecutor(), mgr, broker)
	defer h.Stop()

	// Drain the spawn event
	got := collectEvents(sub, 1, time.Second)
	require.Len(t, got, 1)
	require.Equal(t, events.EventHostConnected, got[0].Type)

	_, err := h.StartUpdate(context.Background(), false)
	var transErr *InvalidTransitionError
	require.ErrorAs(t, err, &transErr)
	assert.Equal(t, types.StateIdle, transErr.From)
	assert.Equal(t, types.StateUpdating, transErr.To)

	state, _ := h.State(context.Background())
	assert.Equal(t, types.StateIdle, state)

	// No events were emitted by the rejected request
	select {
	case ev := <-sub:
		t.Fatalf("unexpected event: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAcknowledgeIsIdempotent(t *testing.T) {
	mgr := &mockPkgManager{listErr: errors.New("boom")}
	h, _ := newTestHost(t, testConfig("host-a"), newMockExecutor(), mgr)

	_, err := h.QueryInventory(context.Background())
	require.Error(t, err)

	require.NoError(t, h.Acknowledge(context.Background()))
	require.NoError(t, h.Acknowledge(context.Background()))

	status, err := h.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, status.State)
	assert.True(t, status.Acknowledged)
}

func TestRetryRequiresFailedState(t *testing.T) {
	mgr := &mockPkgManager{}
	h, _ := newTestHost(t, testConfig("host-a"), newMockExecutor(), mgr)

	assert.ErrorIs(t, h.Retry(context.Background()), ErrNotFailed)
	assert.ErrorIs(t, h.Acknowledge(context.Background()), ErrNotFailed)
}

func TestHealthCheckInformationalOutsideVerifying(t *testing.T) {
	mgr := &mockPkgManager{}
	h, _ := newTestHost(t, testConfig("host-a"), newMockExecutor(), mgr)

	healthy, err := h.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, healthy)

	state, _ := h.State(context.Background())
	assert.Equal(t, types.StateIdle, state)
}

func TestHealthCheckFailureWhileVerifying(t *testing.T) {
	mgr := &mockPkgManager{packages: []string{"linux-image"}, rebootRequired: true}
	exec := newMockExecutor()
	h, _ := newTestHost(t, testConfig("host-a"), exec, mgr)

	_, err := h.QueryInventory(context.Background())
	require.NoError(t, err)
	_, err = h.StartUpdate(context.Background(), false)
	require.NoError(t, err)
	_, err = h.RebootIfRequired(context.Background())
	require.NoError(t, err)

	// Probe returns garbage instead of "ok"
	exec.mu.Lock()
	exec.result = &executor.CommandResult{ExitStatus: 0, Stdout: "garbage"}
	exec.mu.Unlock()

	healthy, err := h.HealthCheck(context.Background())
	assert.False(t, healthy)
	var sshErr *SSHError
	require.ErrorAs(t, err, &sshErr)

	status, err := h.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StateFailed, status.State)
	assert.Equal(t, types.StateVerifying, status.PreviousState)
}

func TestRebootExecutorFailure(t *testing.T) {
	mgr := &mockPkgManager{packages: []string{"linux-image"}, rebootRequired: true}
	exec := newMockExecutor()
	h, _ := newTestHost(t, testConfig("host-a"), exec, mgr)

	_, err := h.QueryInventory(context.Background())
	require.NoError(t, err)
	_, err = h.StartUpdate(context.Background(), false)
	require.NoError(t, err)

	exec.mu.Lock()
	exec.err = &executor.Error{Kind: executor.KindConnectionFailed, Msg: "no route to host"}
	exec.mu.Unlock()

	_, err = h.RebootIfRequired(context.Background())
	var sshErr *SSHError
	require.ErrorAs(t, err, &sshErr)

	status, _ := h.Status(context.Background())
	assert.Equal(t, types.StateFailed, status.State)
	assert.Equal(t, types.StateRebooting, status.PreviousState)
}

func TestDryRunDoesNotWaitForReboot(t *testing.T) {
	mgr := &mockPkgManager{packages: []string{"linux-image"}, rebootRequired: true}
	h, _ := newTestHost(t, testConfig("host-a"), newMockExecutor(), mgr)

	_, err := h.QueryInventory(context.Background())
	require.NoError(t, err)

	result, err := h.StartUpdate(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, result.RebootRequired)

	// Dry runs never leave the host waiting on a reboot
	state, _ := h.State(context.Background())
	assert.Equal(t, types.StateIdle, state)
}

func TestOperationsSerialized(t *testing.T) {
	mgr := &mockPkgManager{packages: []string{"vim"}}
	h, _ := newTestHost(t, testConfig("host-a"), newMockExecutor(), mgr)

	// Fire concurrent queries; serialization means each sees a settled
	// state, so every reply is either a clean result or a clean rejection
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.QueryInventory(context.Background())
			if err != nil {
				var transErr *InvalidTransitionError
				assert.ErrorAs(t, err, &transErr)
			}
		}()
	}
	wg.Wait()

	state, err := h.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, types.StatePendingUpdates, state)
}

func TestStopIsGraceful(t *testing.T) {
	mgr := &mockPkgManager{}
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	h := New(testConfig("host-a"), newMockExecutor(), mgr, broker)
	h.Stop()

	_, err := h.State(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	got := collectEvents(sub, 2, time.Second)
	require.Len(t, got, 2)
	assert.Equal(t, events.EventHostConnected, got[0].Type)
	assert.Equal(t, events.EventHostDisconnected, got[1].Type)
}
