package factory

import (
	"context"
	"strings"

	"github.com/Mozart409/tendhost/pkg/executor"
	"github.com/Mozart409/tendhost/pkg/log"
	"github.com/Mozart409/tendhost/pkg/pkgmgr"
	"github.com/Mozart409/tendhost/pkg/types"
)

// envKeyPrefix marks an ssh_key value that names an environment variable
// holding base64 key material instead of a file path
const envKeyPrefix = "env:"

// DefaultFactory builds executors and package managers for registered
// hosts: a local executor for loopback addresses, SSH otherwise, and a
// package manager detected by probing the host.
type DefaultFactory struct{}

// New creates the default factory
func New() *DefaultFactory {
	return &DefaultFactory{}
}

// CreateExecutor selects local or SSH execution based on the address
func (f *DefaultFactory) CreateExecutor(cfg types.HostConfig) (executor.Executor, error) {
	if cfg.Addr == "localhost" || cfg.Addr == "127.0.0.1" {
		return executor.NewLocalExecutor(), nil
	}

	keySource := keySourceFor(cfg)
	return executor.NewSSHExecutor(cfg.Addr, cfg.User, keySource)
}

func keySourceFor(cfg types.HostConfig) executor.KeySource {
	switch {
	case cfg.SSHKey == "":
		return executor.KeyFromAgent()
	case strings.HasPrefix(cfg.SSHKey, envKeyPrefix):
		return executor.KeyFromEnv(strings.TrimPrefix(cfg.SSHKey, envKeyPrefix))
	default:
		return executor.KeyFromPath(cfg.SSHKey)
	}
}

// CreatePackageManager picks the manager for a host. Hosts with compose
// directories get the container-stack manager; otherwise the OS package
// manager is detected by probing for apt, dnf, and yum in that order.
func (f *DefaultFactory) CreatePackageManager(ctx context.Context, cfg types.HostConfig, exec executor.Executor) (pkgmgr.PackageManager, error) {
	if len(cfg.ComposePaths) > 0 {
		return pkgmgr.NewComposeManager(exec, cfg.ComposePaths)
	}

	// Commands need sudo unless we connect as root
	useSudo := true
	if whoami, err := executor.RunOK(ctx, exec, "whoami"); err == nil {
		useSudo = whoami != "root"
	}

	if exists, _ := executor.CommandExists(ctx, exec, "apt-get"); exists {
		log.Logger.Info().Str("host", cfg.Name).Bool("use_sudo", useSudo).Msg("detected apt package manager")
		return pkgmgr.NewAptManager(exec, useSudo), nil
	}

	if exists, _ := executor.CommandExists(ctx, exec, "dnf"); exists {
		log.Logger.Info().Str("host", cfg.Name).Bool("use_sudo", useSudo).Msg("detected dnf package manager")
		mgr := pkgmgr.NewDnfManager(exec, useSudo)
		if err := mgr.DetectTool(ctx); err != nil {
			return nil, err
		}
		return mgr, nil
	}

	if exists, _ := executor.CommandExists(ctx, exec, "yum"); exists {
		log.Logger.Info().Str("host", cfg.Name).Bool("use_sudo", useSudo).Msg("detected yum package manager")
		mgr := pkgmgr.NewDnfManager(exec, useSudo)
		if err := mgr.DetectTool(ctx); err != nil {
			return nil, err
		}
		return mgr, nil
	}

	return nil, &pkgmgr.Error{
		Kind: pkgmgr.KindManagerNotFound,
		Msg:  "no supported package manager found (tried apt, dnf, yum)",
	}
}
