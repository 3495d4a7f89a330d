package types

import (
	"time"
)

// HostConfig describes a single managed host.
// Configuration is immutable for the lifetime of a registered host.
type HostConfig struct {
	// Unique hostname identifier
	Name string `toml:"name" json:"name"`
	// IP address or hostname for SSH connection
	Addr string `toml:"addr" json:"addr"`
	// SSH user (defaults to root)
	User string `toml:"user" json:"user"`
	// Path to SSH private key (optional, falls back to ssh-agent)
	SSHKey string `toml:"ssh_key,omitempty" json:"ssh_key,omitempty"`
	// Docker compose directories to manage
	ComposePaths []string `toml:"compose_paths,omitempty" json:"compose_paths,omitempty"`
	// Tags for filtering and grouping
	Tags []string `toml:"tags,omitempty" json:"tags,omitempty"`
	// Host-specific policy settings
	Policy HostPolicy `toml:"policy,omitempty" json:"policy"`
}

// HostPolicy holds policy settings for host operations
type HostPolicy struct {
	// Automatically reboot when kernel updates require it
	AutoReboot bool `toml:"auto_reboot" json:"auto_reboot"`
	// Time window when updates are allowed (advisory, not enforced)
	MaintenanceWindow *MaintenanceWindow `toml:"maintenance_window,omitempty" json:"maintenance_window,omitempty"`
}

// DefaultHostPolicy returns the policy applied when none is configured
func DefaultHostPolicy() HostPolicy {
	return HostPolicy{AutoReboot: true}
}

// MaintenanceWindow is a time window for maintenance operations
type MaintenanceWindow struct {
	// Start time in HH:MM format
	Start string `toml:"start" json:"start"`
	// End time in HH:MM format
	End string `toml:"end" json:"end"`
	// Days of week when window is active
	Days []string `toml:"days" json:"days"`
}

// HostState represents the current state of a host's update lifecycle
type HostState string

const (
	// StateIdle means the host is idle and ready for operations
	StateIdle HostState = "idle"
	// StateQuerying means an inventory query is in flight
	StateQuerying HostState = "querying"
	// StatePendingUpdates means updates are available, waiting for trigger
	StatePendingUpdates HostState = "pending_updates"
	// StateUpdating means package updates are being applied
	StateUpdating HostState = "updating"
	// StateWaitingReboot means updates completed and a reboot is required
	StateWaitingReboot HostState = "waiting_reboot"
	// StateRebooting means the host is rebooting
	StateRebooting HostState = "rebooting"
	// StateVerifying means host health is being verified after reboot
	StateVerifying HostState = "verifying"
	// StateFailed means the host is in a failed state awaiting operator action
	StateFailed HostState = "failed"
)

// validTransitions is the full transition table. Any pair not listed here
// is a protocol error and must be rejected without side effects.
var validTransitions = map[HostState][]HostState{
	StateIdle:           {StateQuerying},
	StateQuerying:       {StatePendingUpdates, StateIdle, StateFailed},
	StatePendingUpdates: {StateUpdating, StateQuerying},
	StateUpdating:       {StateWaitingReboot, StateIdle, StateFailed},
	StateWaitingReboot:  {StateRebooting},
	StateRebooting:      {StateVerifying, StateIdle, StateFailed},
	StateVerifying:      {StateIdle, StateFailed},
	StateFailed:         {StateIdle},
}

// CanTransitionTo reports whether a transition from s to target is valid
func (s HostState) CanTransitionTo(target HostState) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// IsBusy reports whether this state represents an active operation.
// No new operation may start while a host is busy.
func (s HostState) IsBusy() bool {
	switch s {
	case StateQuerying, StateUpdating, StateRebooting, StateVerifying:
		return true
	}
	return false
}

// CanStartOperation reports whether operations can be started from this state
func (s HostState) CanStartOperation() bool {
	return s == StateIdle || s == StatePendingUpdates
}

// PendingUpdatesContext holds detail while a host is in pending_updates
type PendingUpdatesContext struct {
	// Number of packages with available updates
	PackageCount int
	// Names of packages with updates
	Packages []string
	// When the inventory was queried
	QueriedAt time.Time
}

// FailedContext holds failure detail and recovery bookkeeping
type FailedContext struct {
	// State before failure occurred
	PreviousState HostState
	// Error message describing the failure
	Error string
	// When the failure occurred
	FailedAt time.Time
	// Number of retry attempts
	RetryCount int
	// Whether operator has acknowledged the failure
	Acknowledged bool
}

// NewFailedContext creates a failure context for the given previous state
func NewFailedContext(previous HostState, errMsg string) *FailedContext {
	return &FailedContext{
		PreviousState: previous,
		Error:         errMsg,
		FailedAt:      time.Now(),
	}
}

// HostStatus is a point-in-time snapshot of a host
type HostStatus struct {
	Name           string     `json:"name"`
	State          HostState  `json:"state"`
	Tags           []string   `json:"tags,omitempty"`
	PendingUpdates int        `json:"pending_updates"`
	Packages       []string   `json:"packages,omitempty"`
	LastUpdated    *time.Time `json:"last_updated,omitempty"`
	// Failure detail, only set while the host is failed
	Error         string    `json:"error,omitempty"`
	PreviousState HostState `json:"previous_state,omitempty"`
	RetryCount    int       `json:"retry_count,omitempty"`
	Acknowledged  bool      `json:"acknowledged,omitempty"`
}

// InventoryResult is the reply to a QueryInventory operation
type InventoryResult struct {
	PendingUpdates int      `json:"pending_updates"`
	Packages       []string `json:"packages"`
}

// HostUpdateResult is the reply to a StartUpdate operation
type HostUpdateResult struct {
	Success        bool `json:"success"`
	UpgradedCount  int  `json:"upgraded_count"`
	RebootRequired bool `json:"reboot_required"`
}

// FleetUpdateConfig controls a rolling fleet update
type FleetUpdateConfig struct {
	// Number of hosts to update in parallel
	BatchSize int
	// Delay between batches
	DelayBetweenBatches time.Duration
	// Optional filter for selecting hosts
	Filter *FleetFilter
	// Whether to perform a dry run
	DryRun bool
}

// DefaultFleetUpdateConfig returns conservative fleet update settings
func DefaultFleetUpdateConfig() FleetUpdateConfig {
	return FleetUpdateConfig{
		BatchSize:           2,
		DelayBetweenBatches: 30 * time.Second,
	}
}

// FleetFilter selects hosts for fleet operations. ExcludeHosts and Tags are
// AND-composed; a host passes the tag filter if it carries at least one of
// the given tags. Groups is carried but not applied by Matches: host
// configs have no group membership, so it never narrows the selection.
type FleetFilter struct {
	Tags         []string
	Groups       []string
	ExcludeHosts []string
}

// Matches reports whether the given host config passes the filter
func (f *FleetFilter) Matches(cfg *HostConfig) bool {
	if f == nil {
		return true
	}
	for _, excluded := range f.ExcludeHosts {
		if cfg.Name == excluded {
			return false
		}
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			for _, have := range cfg.Tags {
				if want == have {
					found = true
					break
				}
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// FleetUpdateResult summarizes a completed fleet update
type FleetUpdateResult struct {
	TotalHosts int `json:"total_hosts"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	InProgress int `json:"in_progress"`
}
