package pkgmgr

import (
	"context"
	"fmt"
	"strings"

	"github.com/Mozart409/tendhost/pkg/executor"
	"github.com/Mozart409/tendhost/pkg/log"
)

// dnf check-update exit code when updates are available
const dnfUpdatesAvailable = 100

// DnfManager manages packages on rpm-family hosts.
// Falls back to yum when dnf is not installed.
type DnfManager struct {
	exec    executor.Executor
	useSudo bool
	// Whether to use yum instead of dnf
	useYum bool
}

// NewDnfManager creates a new DNF manager
func NewDnfManager(exec executor.Executor, useSudo bool) *DnfManager {
	return &DnfManager{exec: exec, useSudo: useSudo}
}

// DetectTool probes the host and selects dnf or yum.
// Fails with ManagerNotFound when neither exists.
func (m *DnfManager) DetectTool(ctx context.Context) error {
	hasDnf, _ := executor.CommandExists(ctx, m.exec, "dnf")
	hasYum, _ := executor.CommandExists(ctx, m.exec, "yum")

	switch {
	case hasDnf:
		m.useYum = false
	case hasYum:
		m.useYum = true
	default:
		return newError(KindManagerNotFound, "neither dnf nor yum found", nil)
	}
	return nil
}

// pkgCmd builds a dnf/yum command with optional sudo
func (m *DnfManager) pkgCmd(args string) string {
	tool := "dnf"
	if m.useYum {
		tool = "yum"
	}
	if m.useSudo {
		return fmt.Sprintf("sudo %s %s", tool, args)
	}
	return fmt.Sprintf("%s %s", tool, args)
}

// ListUpgradable runs check-update and parses the result.
// Exit code 0 means no updates, 100 means updates available.
func (m *DnfManager) ListUpgradable(ctx context.Context) ([]UpgradablePackage, error) {
	log.Logger.Debug().Msg("listing upgradable packages")

	result, err := m.exec.Run(ctx, m.pkgCmd("check-update"))
	if err != nil {
		return nil, execError(err)
	}
	if result.ExitStatus != 0 && result.ExitStatus != dnfUpdatesAvailable {
		return nil, &Error{Kind: KindCommandFailed, ExitStatus: result.ExitStatus, Msg: result.Stderr}
	}

	packages := parseDnfUpgradable(result.Stdout)
	log.Logger.Info().Int("count", len(packages)).Msg("found upgradable packages")

	return packages, nil
}

// UpgradeAll applies all available updates via dnf update
func (m *DnfManager) UpgradeAll(ctx context.Context) (*UpdateResult, error) {
	log.Logger.Info().Msg("starting dnf update")

	result, err := m.exec.Run(ctx, m.pkgCmd("update -y"))
	if err != nil {
		return nil, execError(err)
	}
	if !result.Success() {
		if strings.Contains(result.Stderr, "lock") {
			return nil, newError(KindLockConflict, result.Stderr, nil)
		}
		return nil, &Error{Kind: KindCommandFailed, ExitStatus: result.ExitStatus, Msg: result.Stderr}
	}

	updateResult := parseDnfUpdateOutput(result.Stdout)

	rebootRequired, err := m.RebootRequired(ctx)
	if err == nil {
		updateResult.RebootRequired = rebootRequired
	}

	log.Logger.Info().
		Int("upgraded", updateResult.UpgradedCount).
		Bool("reboot_required", updateResult.RebootRequired).
		Msg("dnf update completed")

	return updateResult, nil
}

// UpgradeDryRun simulates an update using --assumeno
func (m *DnfManager) UpgradeDryRun(ctx context.Context) (*UpdateResult, error) {
	log.Logger.Debug().Msg("starting dnf dry run")

	// --assumeno answers no to the transaction prompt, so the command
	// reports what would be done without installing anything
	result, err := m.exec.Run(ctx, m.pkgCmd("update --assumeno"))
	if err != nil {
		return nil, execError(err)
	}

	// The refused transaction exits non-zero; the output is still usable
	return parseDnfUpdateOutput(result.Stdout), nil
}

// RebootRequired checks needs-restarting, which exits 1 when a reboot
// is required and 0 when not
func (m *DnfManager) RebootRequired(ctx context.Context) (bool, error) {
	result, err := m.exec.Run(ctx, "needs-restarting -r")
	if err != nil {
		return false, execError(err)
	}
	return !result.Success(), nil
}

// Type returns the manager kind
func (m *DnfManager) Type() ManagerType {
	return TypeDnf
}

// Available checks whether dnf or yum exists on the host
func (m *DnfManager) Available(ctx context.Context) bool {
	hasDnf, _ := executor.CommandExists(ctx, m.exec, "dnf")
	if hasDnf {
		return true
	}
	hasYum, _ := executor.CommandExists(ctx, m.exec, "yum")
	return hasYum
}

// parseDnfUpgradable parses `dnf check-update` output.
// Lines look like: vim-enhanced.x86_64 2:8.2.2637-20.el9_1 baseos
func parseDnfUpgradable(output string) []UpgradablePackage {
	var packages []UpgradablePackage

	for _, line := range strings.Split(output, "\n") {
		if line == "" || strings.HasPrefix(line, "Last metadata") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}

		nameArch := parts[0]
		newVersion := parts[1]
		repository := parts[2]

		name := nameArch
		arch := ""
		if idx := strings.LastIndex(nameArch, "."); idx >= 0 {
			name = nameArch[:idx]
			arch = nameArch[idx+1:]
		}

		// check-update does not show the installed version
		packages = append(packages, UpgradablePackage{
			Name:           name,
			CurrentVersion: "unknown",
			NewVersion:     newVersion,
			Arch:           arch,
			Repository:     repository,
		})
	}

	return packages
}

// parseDnfUpdateOutput extracts success and upgrade counts from dnf output
func parseDnfUpdateOutput(output string) *UpdateResult {
	success := strings.Contains(output, "Complete!") || strings.Contains(output, "Updated:")

	// Count the indented package lines under each Updated:/Upgraded: header
	upgraded := 0
	inSection := false
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, "Updated:") || strings.HasPrefix(line, "Upgraded:") {
			inSection = true
			continue
		}
		if inSection && strings.HasPrefix(line, " ") && strings.TrimSpace(line) != "" {
			upgraded++
			continue
		}
		inSection = false
	}

	result := &UpdateResult{
		Success:       success,
		UpgradedCount: upgraded,
	}
	if !success {
		result.Error = output
	}
	return result
}
