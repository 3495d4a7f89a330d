package orchestrator

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Mozart409/tendhost/pkg/events"
	"github.com/Mozart409/tendhost/pkg/executor"
	"github.com/Mozart409/tendhost/pkg/host"
	"github.com/Mozart409/tendhost/pkg/log"
	"github.com/Mozart409/tendhost/pkg/pkgmgr"
	"github.com/Mozart409/tendhost/pkg/types"
)

// Factory creates the per-host executor and package manager when a host
// is registered. Each host entity takes exclusive ownership of what the
// factory hands out.
type Factory interface {
	// CreateExecutor builds the executor for a host config
	CreateExecutor(cfg types.HostConfig) (executor.Executor, error)

	// CreatePackageManager builds the package manager for a host,
	// typically by probing the host through its executor
	CreatePackageManager(ctx context.Context, cfg types.HostConfig, exec executor.Executor) (pkgmgr.PackageManager, error)
}

// Orchestrator owns the registry of host entities, routes per-host
// commands, and drives rolling fleet updates. It is the only component
// that spawns and stops host entities.
type Orchestrator struct {
	mu      sync.RWMutex
	hosts   map[string]*host.Host
	configs map[string]types.HostConfig

	broker  *events.Broker
	factory Factory
	logger  zerolog.Logger
}

// New creates an orchestrator with the given host factory and starts its
// event broker.
func New(factory Factory) *Orchestrator {
	broker := events.NewBroker()
	broker.Start()

	return &Orchestrator{
		hosts:   make(map[string]*host.Host),
		configs: make(map[string]types.HostConfig),
		broker:  broker,
		factory: factory,
		logger:  log.WithComponent("orchestrator"),
	}
}

// Subscribe returns a receiver on the orchestrator's event bus
func (o *Orchestrator) Subscribe() events.Subscriber {
	return o.broker.Subscribe()
}

// Unsubscribe removes an event bus subscription
func (o *Orchestrator) Unsubscribe(sub events.Subscriber) {
	o.broker.Unsubscribe(sub)
}

// Broker exposes the event bus for boundary surfaces
func (o *Orchestrator) Broker() *events.Broker {
	return o.broker
}

// HostCount returns the number of registered hosts
func (o *Orchestrator) HostCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.hosts)
}

// RegisterHost spawns a host entity for the given configuration.
// Names are unique; registering a taken name fails.
func (o *Orchestrator) RegisterHost(ctx context.Context, cfg types.HostConfig) error {
	if cfg.Name == "" {
		return &ConfigError{Msg: "host name is required"}
	}
	if cfg.Addr == "" {
		return &ConfigError{Msg: "host addr is required"}
	}
	if cfg.User == "" {
		cfg.User = "root"
	}

	o.mu.Lock()
	if _, exists := o.configs[cfg.Name]; exists {
		o.mu.Unlock()
		return &HostAlreadyExistsError{Name: cfg.Name}
	}
	// Reserve the name while the factory probes the host, so concurrent
	// registrations of the same name fail fast
	o.configs[cfg.Name] = cfg
	o.mu.Unlock()

	exec, err := o.factory.CreateExecutor(cfg)
	if err != nil {
		o.dropConfig(cfg.Name)
		return err
	}

	pkgMgr, err := o.factory.CreatePackageManager(ctx, cfg, exec)
	if err != nil {
		o.dropConfig(cfg.Name)
		exec.Close()
		return err
	}

	h := host.New(cfg, exec, pkgMgr, o.broker)

	o.mu.Lock()
	o.hosts[cfg.Name] = h
	o.mu.Unlock()

	o.logger.Info().Str("host", cfg.Name).Msg("registered host")
	return nil
}

func (o *Orchestrator) dropConfig(name string) {
	o.mu.Lock()
	if _, spawned := o.hosts[name]; !spawned {
		delete(o.configs, name)
	}
	o.mu.Unlock()
}

// UnregisterHost stops a host entity gracefully and removes it together
// with its stored configuration
func (o *Orchestrator) UnregisterHost(_ context.Context, name string) error {
	o.mu.Lock()
	h, exists := o.hosts[name]
	if !exists {
		o.mu.Unlock()
		return &HostNotFoundError{Name: name}
	}
	delete(o.hosts, name)
	delete(o.configs, name)
	o.mu.Unlock()

	// Stop outside the lock; in-flight operations drain first
	h.Stop()

	o.logger.Info().Str("host", name).Msg("unregistered host")
	return nil
}

// lookup fetches the host entity for a name
func (o *Orchestrator) lookup(name string) (*host.Host, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	h, exists := o.hosts[name]
	if !exists {
		return nil, &HostNotFoundError{Name: name}
	}
	return h, nil
}

// GetHostStatus returns a snapshot of one host
func (o *Orchestrator) GetHostStatus(ctx context.Context, name string) (*types.HostStatus, error) {
	h, err := o.lookup(name)
	if err != nil {
		return nil, err
	}
	status, err := h.Status(ctx)
	if err != nil {
		return nil, &ActorError{Err: err}
	}
	return status, nil
}

// ListHosts returns a snapshot of every registered host. Best-effort:
// hosts that fail to answer are logged and omitted.
func (o *Orchestrator) ListHosts(ctx context.Context) []*types.HostStatus {
	o.mu.RLock()
	hosts := make([]*host.Host, 0, len(o.hosts))
	for _, h := range o.hosts {
		hosts = append(hosts, h)
	}
	o.mu.RUnlock()

	statuses := make([]*types.HostStatus, 0, len(hosts))
	for _, h := range hosts {
		status, err := h.Status(ctx)
		if err != nil {
			o.logger.Warn().Str("host", h.Name()).Err(err).Msg("failed to query host status")
			continue
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i].Name < statuses[j].Name
	})
	return statuses
}

// QueryHostInventory routes an inventory query to one host
func (o *Orchestrator) QueryHostInventory(ctx context.Context, name string) (*types.InventoryResult, error) {
	h, err := o.lookup(name)
	if err != nil {
		return nil, err
	}
	result, err := h.QueryInventory(ctx)
	return result, wrapActorErr(err)
}

// TriggerHostUpdate routes an update to one host
func (o *Orchestrator) TriggerHostUpdate(ctx context.Context, name string, dryRun bool) (*types.HostUpdateResult, error) {
	h, err := o.lookup(name)
	if err != nil {
		return nil, err
	}
	result, err := h.StartUpdate(ctx, dryRun)
	return result, wrapActorErr(err)
}

// RebootHost routes a reboot request to one host
func (o *Orchestrator) RebootHost(ctx context.Context, name string) (bool, error) {
	h, err := o.lookup(name)
	if err != nil {
		return false, err
	}
	rebooted, err := h.RebootIfRequired(ctx)
	return rebooted, wrapActorErr(err)
}

// HealthCheckHost routes a health probe to one host
func (o *Orchestrator) HealthCheckHost(ctx context.Context, name string) (bool, error) {
	h, err := o.lookup(name)
	if err != nil {
		return false, err
	}
	healthy, err := h.HealthCheck(ctx)
	return healthy, wrapActorErr(err)
}

// RetryHost recovers one failed host back to idle
func (o *Orchestrator) RetryHost(ctx context.Context, name string) error {
	h, err := o.lookup(name)
	if err != nil {
		return err
	}
	return wrapActorErr(h.Retry(ctx))
}

// AcknowledgeHost flags one host's failure as seen
func (o *Orchestrator) AcknowledgeHost(ctx context.Context, name string) error {
	h, err := o.lookup(name)
	if err != nil {
		return err
	}
	return wrapActorErr(h.Acknowledge(ctx))
}

// Stop shuts down every host entity gracefully, then the event bus
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	hosts := o.hosts
	o.hosts = make(map[string]*host.Host)
	o.configs = make(map[string]types.HostConfig)
	o.mu.Unlock()

	for name, h := range hosts {
		o.logger.Info().Str("host", name).Msg("stopping host entity")
		h.Stop()
	}

	o.broker.Stop()
	o.logger.Info().Msg("orchestrator stopped")
}

// wrapActorErr converts mailbox-level failures into ActorError while
// passing domain errors through unchanged
func wrapActorErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, host.ErrStopped) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ActorError{Err: err}
	}
	return err
}
