package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mozart409/tendhost/pkg/executor"
	"github.com/Mozart409/tendhost/pkg/orchestrator"
	"github.com/Mozart409/tendhost/pkg/pkgmgr"
	"github.com/Mozart409/tendhost/pkg/store"
	"github.com/Mozart409/tendhost/pkg/types"
)

type stubExecutor struct{}

func (stubExecutor) Run(context.Context, string) (*executor.CommandResult, error) {
	return &executor.CommandResult{ExitStatus: 0, Stdout: "ok\n"}, nil
}

func (s stubExecutor) RunWithTimeout(ctx context.Context, cmd string, _ time.Duration) (*executor.CommandResult, error) {
	return s.Run(ctx, cmd)
}

func (stubExecutor) Connected() bool { return true }
func (stubExecutor) Type() string    { return "stub" }
func (stubExecutor) Close() error    { return nil }

type stubPkgManager struct{}

func (stubPkgManager) ListUpgradable(context.Context) ([]pkgmgr.UpgradablePackage, error) {
	return []pkgmgr.UpgradablePackage{{Name: "vim", CurrentVersion: "1.0", NewVersion: "1.1"}}, nil
}

func (stubPkgManager) UpgradeAll(context.Context) (*pkgmgr.UpdateResult, error) {
	return &pkgmgr.UpdateResult{Success: true, UpgradedCount: 1}, nil
}

func (m stubPkgManager) UpgradeDryRun(ctx context.Context) (*pkgmgr.UpdateResult, error) {
	return m.UpgradeAll(ctx)
}

func (stubPkgManager) RebootRequired(context.Context) (bool, error) { return false, nil }
func (stubPkgManager) Type() pkgmgr.ManagerType                     { return pkgmgr.TypeApt }
func (stubPkgManager) Available(context.Context) bool               { return true }

type stubFactory struct{}

func (stubFactory) CreateExecutor(types.HostConfig) (executor.Executor, error) {
	return stubExecutor{}, nil
}

func (stubFactory) CreatePackageManager(context.Context, types.HostConfig, executor.Executor) (pkgmgr.PackageManager, error) {
	return stubPkgManager{}, nil
}

func newTestServer(t *testing.T, st store.Store) (*httptest.Server, *orchestrator.Orchestrator) {
	t.Helper()

	orch := orchestrator.New(stubFactory{})
	t.Cleanup(orch.Stop)

	s := NewServer(orch, st, "127.0.0.1:0")
	ts := httptest.NewServer(s.srv.Handler)
	t.Cleanup(ts.Close)

	return ts, orch
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func TestHealthEndpoint(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHostLifecycleOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	// Register
	resp := postJSON(t, ts.URL+"/api/v1/hosts", types.HostConfig{Name: "h1", Addr: "10.0.0.1"})
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Duplicate registration conflicts
	resp = postJSON(t, ts.URL+"/api/v1/hosts", types.HostConfig{Name: "h1", Addr: "10.0.0.1"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Status
	resp, err := http.Get(ts.URL + "/api/v1/hosts/h1")
	require.NoError(t, err)
	var status types.HostStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	assert.Equal(t, types.StateIdle, status.State)

	// Inventory then update
	resp = postJSON(t, ts.URL+"/api/v1/hosts/h1/inventory", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var inventory types.InventoryResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inventory))
	resp.Body.Close()
	assert.Equal(t, 1, inventory.PendingUpdates)

	resp = postJSON(t, ts.URL+"/api/v1/hosts/h1/update", UpdateRequest{DryRun: false})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var update types.HostUpdateResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&update))
	resp.Body.Close()
	assert.True(t, update.Success)

	// Unregister
	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/hosts/h1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestUnknownHostReturns404(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/api/v1/hosts/ghost")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestUpdateFromIdleConflicts(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	resp := postJSON(t, ts.URL+"/api/v1/hosts", types.HostConfig{Name: "h1", Addr: "10.0.0.1"})
	resp.Body.Close()

	// StartUpdate without a prior inventory query is a protocol error
	resp = postJSON(t, ts.URL+"/api/v1/hosts/h1/update", UpdateRequest{})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body.Error, "invalid state transition")
}

func TestFleetUpdateOverHTTP(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	for i := 1; i <= 3; i++ {
		resp := postJSON(t, ts.URL+"/api/v1/hosts", types.HostConfig{
			Name: fmt.Sprintf("h%d", i),
			Addr: "10.0.0.1",
			Tags: []string{"prod"},
		})
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := postJSON(t, ts.URL+"/api/v1/fleet/update", FleetUpdateRequest{
		BatchSize: 2,
		DelayMs:   1,
		Filter:    &FleetUpdateFilter{Tags: []string{"prod"}, ExcludeHosts: []string{"h3"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result types.FleetUpdateResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&result))
	resp.Body.Close()

	assert.Equal(t, 2, result.TotalHosts)
	assert.Equal(t, 2, result.Completed)
	assert.Zero(t, result.Failed)
}

func TestRegisterPersistsToStore(t *testing.T) {
	st, err := store.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer st.Close()

	ts, _ := newTestServer(t, st)

	resp := postJSON(t, ts.URL+"/api/v1/hosts", types.HostConfig{Name: "h1", Addr: "10.0.0.1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	saved, err := st.GetHost("h1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", saved.Addr)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/v1/hosts/h1", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	_, err = st.GetHost("h1")
	assert.Error(t, err)
}

func TestWebSocketStreamsEvents(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to attach its subscription
	time.Sleep(100 * time.Millisecond)

	// Registration emits host_connected on the bus
	resp := postJSON(t, ts.URL+"/api/v1/hosts", types.HostConfig{Name: "h1", Addr: "10.0.0.1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var event map[string]any
	require.NoError(t, conn.ReadJSON(&event))
	assert.Equal(t, "host_connected", event["type"])
	assert.Equal(t, "h1", event["host"])
}
