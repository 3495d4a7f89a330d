package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/Mozart409/tendhost/pkg/types"
)

var (
	// Bucket names
	bucketHosts = []byte("hosts")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "tendhost.db")

	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketHosts); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketHosts, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveHost upserts a host configuration by name
func (s *BoltStore) SaveHost(cfg *types.HostConfig) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data, err := json.Marshal(cfg)
		if err != nil {
			return err
		}
		return b.Put([]byte(cfg.Name), data)
	})
}

// GetHost fetches one host configuration
func (s *BoltStore) GetHost(name string) (*types.HostConfig, error) {
	var cfg types.HostConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		data := b.Get([]byte(name))
		if data == nil {
			return fmt.Errorf("host not found: %s", name)
		}
		return json.Unmarshal(data, &cfg)
	})
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ListHosts returns every stored host configuration
func (s *BoltStore) ListHosts() ([]*types.HostConfig, error) {
	var configs []*types.HostConfig
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHosts)
		return b.ForEach(func(k, v []byte) error {
			var cfg types.HostConfig
			if err := json.Unmarshal(v, &cfg); err != nil {
				return err
			}
			configs = append(configs, &cfg)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return configs, nil
}

// DeleteHost removes a stored host configuration
func (s *BoltStore) DeleteHost(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).Delete([]byte(name))
	})
}
