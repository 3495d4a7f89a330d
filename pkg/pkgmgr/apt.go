package pkgmgr

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Mozart409/tendhost/pkg/executor"
	"github.com/Mozart409/tendhost/pkg/log"
)

// rebootRequiredMarker is the Debian/Ubuntu standard marker file
const rebootRequiredMarker = "/var/run/reboot-required"

// AptManager manages packages on deb-family hosts
type AptManager struct {
	exec executor.Executor
	// Whether to prefix commands with sudo
	useSudo bool
}

// NewAptManager creates a new APT manager
func NewAptManager(exec executor.Executor, useSudo bool) *AptManager {
	return &AptManager{exec: exec, useSudo: useSudo}
}

// aptCmd builds an apt command with optional sudo
func (m *AptManager) aptCmd(args string) string {
	if m.useSudo {
		return fmt.Sprintf("sudo apt %s", args)
	}
	return fmt.Sprintf("apt %s", args)
}

// ListUpgradable refreshes the package lists and returns upgradable packages
func (m *AptManager) ListUpgradable(ctx context.Context) ([]UpgradablePackage, error) {
	log.Logger.Debug().Msg("listing upgradable packages")

	// Refresh package lists first
	updateResult, err := m.exec.Run(ctx, m.aptCmd("update -qq"))
	if err != nil {
		return nil, execError(err)
	}
	if !updateResult.Success() {
		return nil, newError(KindRepositoryUnavailable, updateResult.Stderr, nil)
	}

	result, err := m.exec.Run(ctx, m.aptCmd("list --upgradable"))
	if err != nil {
		return nil, execError(err)
	}
	if !result.Success() {
		return nil, &Error{Kind: KindCommandFailed, ExitStatus: result.ExitStatus, Msg: result.Stderr}
	}

	packages := parseAptUpgradable(result.Stdout)
	log.Logger.Info().Int("count", len(packages)).Msg("found upgradable packages")

	return packages, nil
}

// UpgradeAll applies all available updates via apt upgrade
func (m *AptManager) UpgradeAll(ctx context.Context) (*UpdateResult, error) {
	log.Logger.Info().Msg("starting apt upgrade")

	result, err := m.exec.Run(ctx, m.aptCmd("upgrade -y"))
	if err != nil {
		return nil, execError(err)
	}
	if !result.Success() {
		if strings.Contains(result.Stderr, "Could not get lock") {
			return nil, newError(KindLockConflict, result.Stderr, nil)
		}
		if strings.Contains(result.Stderr, "Permission denied") {
			return nil, newError(KindPermissionDenied, result.Stderr, nil)
		}
		return nil, &Error{Kind: KindCommandFailed, ExitStatus: result.ExitStatus, Msg: result.Stderr}
	}

	updateResult := parseAptUpgradeOutput(result.Stdout, result.Stderr)

	rebootRequired, err := m.RebootRequired(ctx)
	if err == nil {
		updateResult.RebootRequired = rebootRequired
	}

	log.Logger.Info().
		Int("upgraded", updateResult.UpgradedCount).
		Bool("reboot_required", updateResult.RebootRequired).
		Msg("apt upgrade completed")

	return updateResult, nil
}

// UpgradeDryRun simulates an upgrade without applying it
func (m *AptManager) UpgradeDryRun(ctx context.Context) (*UpdateResult, error) {
	log.Logger.Debug().Msg("starting apt dry run")

	result, err := m.exec.Run(ctx, m.aptCmd("upgrade --simulate"))
	if err != nil {
		return nil, execError(err)
	}
	if !result.Success() {
		return nil, &Error{Kind: KindCommandFailed, ExitStatus: result.ExitStatus, Msg: result.Stderr}
	}

	return parseAptUpgradeOutput(result.Stdout, result.Stderr), nil
}

// RebootRequired checks for the reboot-required marker file
func (m *AptManager) RebootRequired(ctx context.Context) (bool, error) {
	result, err := m.exec.Run(ctx, fmt.Sprintf("test -f %s", rebootRequiredMarker))
	if err != nil {
		return false, execError(err)
	}
	return result.Success(), nil
}

// Type returns the manager kind
func (m *AptManager) Type() ManagerType {
	return TypeApt
}

// Available checks whether apt exists on the host
func (m *AptManager) Available(ctx context.Context) bool {
	result, err := m.exec.Run(ctx, "which apt")
	if err != nil {
		return false
	}
	return result.Success()
}

// parseAptUpgradable parses `apt list --upgradable` output.
// Lines look like: vim/now 2:8.2.2434-3+deb11u1 amd64 [upgradable from: 2:8.2.2434-3]
func parseAptUpgradable(output string) []UpgradablePackage {
	var packages []UpgradablePackage

	for _, line := range strings.Split(output, "\n") {
		if line == "" || strings.HasPrefix(line, "Listing") || strings.HasPrefix(line, "WARNING") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}

		nameChannel := parts[0]
		newVersion := parts[1]

		name := nameChannel
		if idx := strings.Index(nameChannel, "/"); idx >= 0 {
			name = nameChannel[:idx]
		}

		currentVersion := "unknown"
		if idx := strings.Index(line, "[upgradable from: "); idx >= 0 {
			rest := line[idx+len("[upgradable from: "):]
			if end := strings.Index(rest, "]"); end >= 0 {
				currentVersion = rest[:end]
			}
		}

		pkg := UpgradablePackage{
			Name:           name,
			CurrentVersion: currentVersion,
			NewVersion:     newVersion,
		}
		if len(parts) >= 3 {
			pkg.Arch = parts[2]
		}
		packages = append(packages, pkg)
	}

	return packages
}

// parseAptUpgradeOutput extracts the counts from the apt summary line:
// "X upgraded, Y newly installed, Z to remove and N not upgraded"
func parseAptUpgradeOutput(stdout, stderr string) *UpdateResult {
	result := &UpdateResult{Success: true}

	for _, line := range strings.Split(stdout+"\n"+stderr, "\n") {
		if !strings.Contains(line, "upgraded,") {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			part = strings.TrimSpace(part)
			if n, ok := leadingCount(part, " upgraded"); ok {
				result.UpgradedCount = n
			}
			if n, ok := leadingCount(part, " newly installed"); ok {
				result.NewCount = n
			}
			if n, ok := leadingCount(part, " to remove"); ok {
				result.RemovedCount = n
			}
		}
	}

	return result
}

// leadingCount parses "N <suffix>..." into N
func leadingCount(s, suffix string) (int, bool) {
	idx := strings.Index(s, suffix)
	if idx < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(s[:idx]))
	if err != nil {
		return 0, false
	}
	return n, true
}
