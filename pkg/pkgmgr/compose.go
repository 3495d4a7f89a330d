package pkgmgr

import (
	"context"
	"fmt"
	"path"
	"strings"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/Mozart409/tendhost/pkg/executor"
	"github.com/Mozart409/tendhost/pkg/log"
)

// ComposeManager manages docker compose stacks on a host.
// Each configured directory is expected to contain a docker-compose.yml.
type ComposeManager struct {
	exec executor.Executor
	// Directories containing docker-compose.yml files
	composeDirs []string
	// Whether to use "docker compose" (v2) or "docker-compose" (v1)
	useV2 bool
	// Whether to pull images before recreating containers
	pullBeforeUpdate bool
}

// NewComposeManager creates a compose manager for the given directories.
// At least one directory is required.
func NewComposeManager(exec executor.Executor, composeDirs []string) (*ComposeManager, error) {
	if len(composeDirs) == 0 {
		return nil, newError(KindConfigError, "no compose directories specified", nil)
	}

	return &ComposeManager{
		exec:             exec,
		composeDirs:      composeDirs,
		useV2:            true,
		pullBeforeUpdate: true,
	}, nil
}

// DetectVersion probes the host and selects compose v2 or v1.
// Fails with ManagerNotFound when neither is present.
func (m *ComposeManager) DetectVersion(ctx context.Context) error {
	hasDocker, _ := executor.CommandExists(ctx, m.exec, "docker")
	if hasDocker {
		result, err := m.exec.Run(ctx, "docker compose version")
		if err == nil && result.Success() {
			m.useV2 = true
			return nil
		}
	}

	hasCompose, _ := executor.CommandExists(ctx, m.exec, "docker-compose")
	if hasCompose {
		m.useV2 = false
		return nil
	}

	return newError(KindManagerNotFound, "docker compose not found", nil)
}

// composeCmd builds a docker compose command for a stack directory
func (m *ComposeManager) composeCmd(composeDir, args string) string {
	tool := "docker compose"
	if !m.useV2 {
		tool = "docker-compose"
	}
	file := shellquote.Join(path.Join(composeDir, "docker-compose.yml"))
	return fmt.Sprintf("%s -f %s %s", tool, file, args)
}

// composeFileExists checks for the stack's compose file on the host
func (m *ComposeManager) composeFileExists(ctx context.Context, composeDir string) (bool, error) {
	file := shellquote.Join(path.Join(composeDir, "docker-compose.yml"))
	result, err := m.exec.Run(ctx, fmt.Sprintf("test -f %s", file))
	if err != nil {
		return false, execError(err)
	}
	return result.Success(), nil
}

// ListUpgradable flags services whose images have newer versions available
func (m *ComposeManager) ListUpgradable(ctx context.Context) ([]UpgradablePackage, error) {
	log.Logger.Debug().Msg("checking for docker image updates")

	var upgradable []UpgradablePackage

	for _, composeDir := range m.composeDirs {
		exists, err := m.composeFileExists(ctx, composeDir)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}

		result, err := m.exec.Run(ctx, m.composeCmd(composeDir, "config --services"))
		if err != nil {
			return nil, execError(err)
		}
		if !result.Success() {
			continue
		}

		for _, service := range strings.Split(result.Stdout, "\n") {
			service = strings.TrimSpace(service)
			if service == "" {
				continue
			}

			checkCmd := m.composeCmd(composeDir, fmt.Sprintf("pull --dry-run %s 2>&1 || true", shellquote.Join(service)))
			checkResult, err := m.exec.Run(ctx, checkCmd)
			if err != nil {
				return nil, execError(err)
			}

			if strings.Contains(checkResult.Stdout, "Downloaded newer image") {
				upgradable = append(upgradable, UpgradablePackage{
					Name:           path.Join(composeDir, service),
					CurrentVersion: "current",
					NewVersion:     "available",
				})
			}
		}
	}

	log.Logger.Info().Int("count", len(upgradable)).Msg("found upgradable docker services")
	return upgradable, nil
}

// UpgradeAll pulls new images and recreates containers for every stack
func (m *ComposeManager) UpgradeAll(ctx context.Context) (*UpdateResult, error) {
	log.Logger.Info().Msg("starting docker compose update")

	totalUpgraded := 0
	var errs []string

	for _, composeDir := range m.composeDirs {
		exists, err := m.composeFileExists(ctx, composeDir)
		if err != nil {
			return nil, err
		}
		if !exists {
			log.Logger.Error().Str("dir", composeDir).Msg("compose file not found")
			continue
		}

		if m.pullBeforeUpdate {
			pullResult, err := m.exec.Run(ctx, m.composeCmd(composeDir, "pull"))
			if err != nil {
				return nil, execError(err)
			}
			if !pullResult.Success() {
				errs = append(errs, fmt.Sprintf("%s: pull failed", composeDir))
				continue
			}
		}

		upResult, err := m.exec.Run(ctx, m.composeCmd(composeDir, "up -d --force-recreate"))
		if err != nil {
			return nil, execError(err)
		}
		if !upResult.Success() {
			errs = append(errs, fmt.Sprintf("%s: up failed", composeDir))
			continue
		}

		psResult, err := m.exec.Run(ctx, m.composeCmd(composeDir, "ps -q"))
		if err != nil {
			return nil, execError(err)
		}
		if psResult.Success() {
			totalUpgraded += countLines(psResult.Stdout)
		}
	}

	result := &UpdateResult{
		Success:       len(errs) == 0,
		UpgradedCount: totalUpgraded,
	}
	if len(errs) > 0 {
		result.Error = strings.Join(errs, "; ")
	}

	log.Logger.Info().
		Int("upgraded", totalUpgraded).
		Bool("success", result.Success).
		Msg("docker compose update completed")

	return result, nil
}

// UpgradeDryRun reports how many images would be pulled
func (m *ComposeManager) UpgradeDryRun(ctx context.Context) (*UpdateResult, error) {
	log.Logger.Debug().Msg("starting docker compose dry run")

	totalUpgradable := 0

	for _, composeDir := range m.composeDirs {
		exists, err := m.composeFileExists(ctx, composeDir)
		if err != nil {
			return nil, err
		}
		if !exists {
			continue
		}

		result, err := m.exec.Run(ctx, m.composeCmd(composeDir, "pull --dry-run"))
		if err != nil {
			return nil, execError(err)
		}
		if result.Success() {
			totalUpgradable += strings.Count(result.Stdout, "Pulling")
		}
	}

	return &UpdateResult{Success: true, UpgradedCount: totalUpgradable}, nil
}

// RebootRequired always reports false; container updates never need a
// host reboot
func (m *ComposeManager) RebootRequired(ctx context.Context) (bool, error) {
	return false, nil
}

// Type returns the manager kind
func (m *ComposeManager) Type() ManagerType {
	return TypeCompose
}

// Available checks whether docker exists on the host
func (m *ComposeManager) Available(ctx context.Context) bool {
	result, err := m.exec.Run(ctx, "which docker")
	if err != nil {
		return false
	}
	return result.Success()
}

func countLines(s string) int {
	count := 0
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}
