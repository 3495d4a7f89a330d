package store

import (
	"github.com/Mozart409/tendhost/pkg/types"
)

// Store persists host registrations added at runtime, so a restarted
// daemon can re-register them. The orchestration core never touches it;
// only the server boundary does.
type Store interface {
	// SaveHost upserts a host configuration by name
	SaveHost(cfg *types.HostConfig) error

	// GetHost fetches one host configuration
	GetHost(name string) (*types.HostConfig, error)

	// ListHosts returns every stored host configuration
	ListHosts() ([]*types.HostConfig, error)

	// DeleteHost removes a stored host configuration
	DeleteHost(name string) error

	// Close closes the underlying database
	Close() error
}
