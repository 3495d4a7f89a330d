package inventory

import (
	"context"
	"strconv"
	"time"

	"github.com/Mozart409/tendhost/pkg/executor"
	"github.com/Mozart409/tendhost/pkg/log"
)

// Queries used against osquery tables
const (
	queryOSVersion   = "SELECT name, version, platform, arch FROM os_version"
	querySystemInfo  = "SELECT hostname, cpu_brand, physical_memory FROM system_info"
	queryUptime      = "SELECT total_seconds FROM uptime"
	queryDebPackages = "SELECT name, version FROM deb_packages ORDER BY name"
	queryRpmPackages = "SELECT name, version FROM rpm_packages ORDER BY name"
)

// SystemInfo describes the host's OS and hardware identity
type SystemInfo struct {
	Hostname      string `json:"hostname"`
	OSName        string `json:"os_name"`
	OSVersion     string `json:"os_version"`
	Platform      string `json:"platform"`
	Arch          string `json:"arch"`
	CPUBrand      string `json:"cpu_brand"`
	MemoryBytes   int64  `json:"memory_bytes"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// Package is an installed package
type Package struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HostInventory is a collected snapshot of one host
type HostInventory struct {
	System      SystemInfo `json:"system"`
	Packages    []Package  `json:"packages"`
	CollectedAt time.Time  `json:"collected_at"`
}

// Collector gathers host inventory through osquery
type Collector struct {
	client *Client
}

// NewCollector creates a collector over the given executor
func NewCollector(exec executor.Executor, cacheTTL time.Duration) *Collector {
	return &Collector{client: NewClient(exec, cacheTTL)}
}

// Available reports whether inventory collection is possible on the host
func (c *Collector) Available(ctx context.Context) bool {
	return c.client.Available(ctx)
}

// CollectFull gathers the complete inventory. Partial failures are
// logged and the collection continues.
func (c *Collector) CollectFull(ctx context.Context) (*HostInventory, error) {
	log.Logger.Info().Msg("collecting full inventory")

	inventory := &HostInventory{}

	system, err := c.SystemInfo(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("failed to collect system info")
	} else {
		inventory.System = *system
	}

	packages, err := c.Packages(ctx)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("failed to collect packages")
	} else {
		inventory.Packages = packages
	}

	inventory.CollectedAt = time.Now()

	log.Logger.Info().Int("packages", len(inventory.Packages)).Msg("inventory collection completed")
	return inventory, nil
}

// SystemInfo collects OS, hardware, and uptime facts
func (c *Collector) SystemInfo(ctx context.Context) (*SystemInfo, error) {
	osRows, err := c.client.Query(ctx, queryOSVersion)
	if err != nil {
		return nil, err
	}
	if len(osRows) == 0 {
		return nil, &Error{Kind: KindParseError, Msg: "no os_version data"}
	}

	sysRows, err := c.client.Query(ctx, querySystemInfo)
	if err != nil {
		return nil, err
	}
	if len(sysRows) == 0 {
		return nil, &Error{Kind: KindParseError, Msg: "no system_info data"}
	}

	info := &SystemInfo{
		OSName:    osRows[0]["name"],
		OSVersion: osRows[0]["version"],
		Platform:  osRows[0]["platform"],
		Arch:      osRows[0]["arch"],
		Hostname:  sysRows[0]["hostname"],
		CPUBrand:  sysRows[0]["cpu_brand"],
	}
	if mem, err := strconv.ParseInt(sysRows[0]["physical_memory"], 10, 64); err == nil {
		info.MemoryBytes = mem
	}

	if upRows, err := c.client.Query(ctx, queryUptime); err == nil && len(upRows) > 0 {
		if secs, err := strconv.ParseInt(upRows[0]["total_seconds"], 10, 64); err == nil {
			info.UptimeSeconds = secs
		}
	}

	return info, nil
}

// Packages collects installed packages, trying the deb table first and
// falling back to rpm
func (c *Collector) Packages(ctx context.Context) ([]Package, error) {
	rows, err := c.client.Query(ctx, queryDebPackages)
	if err != nil || len(rows) == 0 {
		rows, err = c.client.Query(ctx, queryRpmPackages)
		if err != nil {
			return nil, err
		}
	}

	packages := make([]Package, 0, len(rows))
	for _, row := range rows {
		packages = append(packages, Package{Name: row["name"], Version: row["version"]})
	}
	return packages, nil
}
