package pkgmgr

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mozart409/tendhost/pkg/executor"
)

// fakeExecutor returns canned results for command prefixes
type fakeExecutor struct {
	// prefix -> result
	results map[string]*executor.CommandResult
	// prefix -> error
	errs map[string]error
	// commands seen, in order
	calls []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		results: make(map[string]*executor.CommandResult),
		errs:    make(map[string]error),
	}
}

func (f *fakeExecutor) on(prefix string, result *executor.CommandResult) {
	f.results[prefix] = result
}

func (f *fakeExecutor) failOn(prefix string, err error) {
	f.errs[prefix] = err
}

func (f *fakeExecutor) Run(_ context.Context, cmd string) (*executor.CommandResult, error) {
	f.calls = append(f.calls, cmd)
	for prefix, err := range f.errs {
		if strings.HasPrefix(cmd, prefix) {
			return nil, err
		}
	}
	for prefix, result := range f.results {
		if strings.HasPrefix(cmd, prefix) {
			return result, nil
		}
	}
	return &executor.CommandResult{ExitStatus: 0}, nil
}

func (f *fakeExecutor) RunWithTimeout(ctx context.Context, cmd string, _ time.Duration) (*executor.CommandResult, error) {
	return f.Run(ctx, cmd)
}

func (f *fakeExecutor) Connected() bool { return true }
func (f *fakeExecutor) Type() string    { return "fake" }
func (f *fakeExecutor) Close() error    { return nil }

func TestParseAptUpgradable(t *testing.T) {
	output := `Listing... Done
vim/now 2:8.2.2434-3+deb11u1 amd64 [upgradable from: 2:8.2.2434-3]
curl/stable 7.74.0-1.3+deb11u14 amd64 [upgradable from: 7.74.0-1.3+deb11u7]`

	packages := parseAptUpgradable(output)

	require.Len(t, packages, 2)
	assert.Equal(t, "vim", packages[0].Name)
	assert.Equal(t, "2:8.2.2434-3+deb11u1", packages[0].NewVersion)
	assert.Equal(t, "2:8.2.2434-3", packages[0].CurrentVersion)
	assert.Equal(t, "amd64", packages[0].Arch)
	assert.Equal(t, "curl", packages[1].Name)
}

func TestParseAptUpgradableEmpty(t *testing.T) {
	packages := parseAptUpgradable("Listing... Done\n")
	assert.Empty(t, packages)
}

func TestParseAptUpgradeOutput(t *testing.T) {
	stderr := "5 upgraded, 2 newly installed, 1 to remove and 0 not upgraded"

	result := parseAptUpgradeOutput("", stderr)

	assert.True(t, result.Success)
	assert.Equal(t, 5, result.UpgradedCount)
	assert.Equal(t, 2, result.NewCount)
	assert.Equal(t, 1, result.RemovedCount)
}

func TestAptListUpgradable(t *testing.T) {
	fake := newFakeExecutor()
	fake.on("sudo apt update", &executor.CommandResult{ExitStatus: 0})
	fake.on("sudo apt list --upgradable", &executor.CommandResult{
		ExitStatus: 0,
		Stdout:     "Listing... Done\nvim/now 2:9.0 amd64 [upgradable from: 2:8.2]\n",
	})

	m := NewAptManager(fake, true)
	packages, err := m.ListUpgradable(context.Background())
	require.NoError(t, err)

	require.Len(t, packages, 1)
	assert.Equal(t, "vim", packages[0].Name)
	// Lists are refreshed before querying
	assert.True(t, strings.HasPrefix(fake.calls[0], "sudo apt update"))
}

func TestAptListUpgradableRepoUnavailable(t *testing.T) {
	fake := newFakeExecutor()
	fake.on("apt update", &executor.CommandResult{ExitStatus: 100, Stderr: "Temporary failure resolving"})

	m := NewAptManager(fake, false)
	_, err := m.ListUpgradable(context.Background())

	var pkgErr *Error
	require.ErrorAs(t, err, &pkgErr)
	assert.Equal(t, KindRepositoryUnavailable, pkgErr.Kind)
	assert.True(t, pkgErr.Retryable())
}

func TestAptUpgradeLockConflict(t *testing.T) {
	fake := newFakeExecutor()
	fake.on("sudo apt upgrade -y", &executor.CommandResult{
		ExitStatus: 100,
		Stderr:     "E: Could not get lock /var/lib/dpkg/lock-frontend",
	})

	m := NewAptManager(fake, true)
	_, err := m.UpgradeAll(context.Background())

	var pkgErr *Error
	require.ErrorAs(t, err, &pkgErr)
	assert.Equal(t, KindLockConflict, pkgErr.Kind)
	assert.True(t, pkgErr.Retryable())
}

func TestAptUpgradePermissionDenied(t *testing.T) {
	fake := newFakeExecutor()
	fake.on("apt upgrade -y", &executor.CommandResult{
		ExitStatus: 100,
		Stderr:     "E: Permission denied",
	})

	m := NewAptManager(fake, false)
	_, err := m.UpgradeAll(context.Background())

	var pkgErr *Error
	require.ErrorAs(t, err, &pkgErr)
	assert.Equal(t, KindPermissionDenied, pkgErr.Kind)
	assert.False(t, pkgErr.Retryable())
}

func TestAptUpgradeAllWithReboot(t *testing.T) {
	fake := newFakeExecutor()
	fake.on("sudo apt upgrade -y", &executor.CommandResult{
		ExitStatus: 0,
		Stderr:     "3 upgraded, 0 newly installed, 0 to remove and 0 not upgraded",
	})
	fake.on("test -f /var/run/reboot-required", &executor.CommandResult{ExitStatus: 0})

	m := NewAptManager(fake, true)
	result, err := m.UpgradeAll(context.Background())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.UpgradedCount)
	assert.True(t, result.RebootRequired)
}

func TestAptRebootNotRequired(t *testing.T) {
	fake := newFakeExecutor()
	fake.on("test -f /var/run/reboot-required", &executor.CommandResult{ExitStatus: 1})

	m := NewAptManager(fake, false)
	required, err := m.RebootRequired(context.Background())
	require.NoError(t, err)
	assert.False(t, required)
}

func TestAptType(t *testing.T) {
	m := NewAptManager(newFakeExecutor(), false)
	assert.Equal(t, TypeApt, m.Type())
}
