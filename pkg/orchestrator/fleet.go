package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Mozart409/tendhost/pkg/host"
	"github.com/Mozart409/tendhost/pkg/metrics"
	"github.com/Mozart409/tendhost/pkg/types"
)

// TriggerFleetUpdate runs a rolling update across the filtered fleet.
//
// The target list is partitioned into consecutive batches of BatchSize.
// Hosts within a batch update in parallel; the next batch starts only
// after every host in the current batch has finished, failures included.
// A configured delay separates batches. Per-host failures are counted,
// never fatal to the run.
func (o *Orchestrator) TriggerFleetUpdate(ctx context.Context, cfg types.FleetUpdateConfig) (*types.FleetUpdateResult, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.FleetUpdateDuration)
	metrics.FleetUpdatesTotal.Inc()

	// BatchSize 0 partitions into no batches: a no-op run
	if cfg.BatchSize <= 0 {
		o.logger.Warn().Msg("fleet update with batch_size 0 is a no-op")
		return &types.FleetUpdateResult{}, nil
	}

	targets := o.filterTargets(cfg.Filter)
	result := &types.FleetUpdateResult{TotalHosts: len(targets)}

	if len(targets) == 0 {
		o.logger.Info().Msg("fleet update matched no hosts")
		return result, nil
	}

	o.logger.Info().
		Int("total_hosts", len(targets)).
		Int("batch_size", cfg.BatchSize).
		Dur("delay", cfg.DelayBetweenBatches).
		Bool("dry_run", cfg.DryRun).
		Msg("starting fleet update")

	for start := 0; start < len(targets); start += cfg.BatchSize {
		end := start + cfg.BatchSize
		if end > len(targets) {
			end = len(targets)
		}
		batch := targets[start:end]

		completed, failed := o.runBatch(ctx, batch, cfg.DryRun)
		result.Completed += completed
		result.Failed += failed

		// Sleep between batches, but not after the last one
		if end < len(targets) && cfg.DelayBetweenBatches > 0 {
			select {
			case <-time.After(cfg.DelayBetweenBatches):
			case <-ctx.Done():
				// Remaining hosts were never attempted
				result.Failed += len(targets) - end
				o.logger.Warn().Err(ctx.Err()).Msg("fleet update aborted between batches")
				return result, nil
			}
		}
	}

	o.logger.Info().
		Int("completed", result.Completed).
		Int("failed", result.Failed).
		Msg("fleet update finished")

	return result, nil
}

// filterTargets snapshots the registry and applies the fleet filter.
// Targets are ordered by name so batches are deterministic.
func (o *Orchestrator) filterTargets(filter *types.FleetFilter) []*host.Host {
	o.mu.RLock()
	defer o.mu.RUnlock()

	var targets []*host.Host
	for name, h := range o.hosts {
		cfg := o.configs[name]
		if !filter.Matches(&cfg) {
			continue
		}
		targets = append(targets, h)
	}

	sort.Slice(targets, func(i, j int) bool {
		return targets[i].Name() < targets[j].Name()
	})
	return targets
}

// runBatch updates every host in the batch in parallel and waits for all
// of them. Panics in a per-host task count as failures.
func (o *Orchestrator) runBatch(ctx context.Context, batch []*host.Host, dryRun bool) (completed, failed int) {
	results := make(chan bool, len(batch))
	var wg sync.WaitGroup

	for _, h := range batch {
		wg.Add(1)
		go func(h *host.Host) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error().
						Str("host", h.Name()).
						Any("panic", r).
						Msg("host update task panicked")
					results <- false
				}
			}()
			results <- o.updateHost(ctx, h, dryRun)
		}(h)
	}

	wg.Wait()
	close(results)

	for ok := range results {
		if ok {
			completed++
			metrics.FleetHostsUpdatedTotal.WithLabelValues("completed").Inc()
		} else {
			failed++
			metrics.FleetHostsUpdatedTotal.WithLabelValues("failed").Inc()
		}
	}
	return completed, failed
}

// updateHost performs the per-host fleet sequence: query inventory, then
// apply updates. A host with nothing pending counts as completed.
func (o *Orchestrator) updateHost(ctx context.Context, h *host.Host, dryRun bool) bool {
	inventory, err := h.QueryInventory(ctx)
	if err != nil {
		o.logger.Warn().Str("host", h.Name()).Err(err).Msg("fleet inventory query failed")
		return false
	}

	if inventory.PendingUpdates == 0 {
		o.logger.Debug().Str("host", h.Name()).Msg("host already up to date")
		return true
	}

	if _, err := h.StartUpdate(ctx, dryRun); err != nil {
		o.logger.Warn().Str("host", h.Name()).Err(err).Msg("fleet update failed")
		return false
	}
	return true
}
