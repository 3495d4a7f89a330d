package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/Mozart409/tendhost/pkg/log"
	"github.com/Mozart409/tendhost/pkg/types"
)

// EnvConfigPath overrides the config file search when set
const EnvConfigPath = "TENDHOST_CONFIG"

// Config is the daemon's top-level configuration
type Config struct {
	// Daemon server settings
	Daemon DaemonConfig `toml:"daemon"`
	// Individual host configurations
	Hosts []types.HostConfig `toml:"host"`
}

// DaemonConfig holds server settings
type DaemonConfig struct {
	// Address and port to bind to
	Bind string `toml:"bind"`
	// Log level (debug, info, warn, error)
	LogLevel string `toml:"log_level"`
	// Emit logs as JSON
	LogJSON bool `toml:"log_json"`
	// Path to the bolt database persisting API-registered hosts
	DataDir string `toml:"data_dir"`
}

// Default returns the configuration used when no file is found
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			Bind:     "127.0.0.1:8080",
			LogLevel: "info",
			DataDir:  "/var/lib/tendhost",
		},
	}
}

// rawHost mirrors types.HostConfig with pointers where absence and zero
// value must be told apart for defaulting
type rawHost struct {
	Name         string     `toml:"name"`
	Addr         string     `toml:"addr"`
	User         string     `toml:"user"`
	SSHKey       string     `toml:"ssh_key"`
	ComposePaths []string   `toml:"compose_paths"`
	Tags         []string   `toml:"tags"`
	Policy       *rawPolicy `toml:"policy"`
}

type rawPolicy struct {
	AutoReboot        *bool                    `toml:"auto_reboot"`
	MaintenanceWindow *types.MaintenanceWindow `toml:"maintenance_window"`
}

type rawConfig struct {
	Daemon DaemonConfig `toml:"daemon"`
	Hosts  []rawHost    `toml:"host"`
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var raw rawConfig
	if err := toml.Unmarshal(content, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg := Default()
	if raw.Daemon.Bind != "" {
		cfg.Daemon.Bind = raw.Daemon.Bind
	}
	if raw.Daemon.LogLevel != "" {
		cfg.Daemon.LogLevel = raw.Daemon.LogLevel
	}
	if raw.Daemon.DataDir != "" {
		cfg.Daemon.DataDir = raw.Daemon.DataDir
	}
	cfg.Daemon.LogJSON = raw.Daemon.LogJSON

	for _, rh := range raw.Hosts {
		hc, err := hostFromRaw(rh)
		if err != nil {
			return nil, err
		}
		cfg.Hosts = append(cfg.Hosts, hc)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func hostFromRaw(rh rawHost) (types.HostConfig, error) {
	hc := types.HostConfig{
		Name:         rh.Name,
		Addr:         rh.Addr,
		User:         rh.User,
		SSHKey:       rh.SSHKey,
		ComposePaths: rh.ComposePaths,
		Tags:         rh.Tags,
		Policy:       types.DefaultHostPolicy(),
	}
	if hc.User == "" {
		hc.User = "root"
	}
	if rh.Policy != nil {
		if rh.Policy.AutoReboot != nil {
			hc.Policy.AutoReboot = *rh.Policy.AutoReboot
		}
		hc.Policy.MaintenanceWindow = rh.Policy.MaintenanceWindow
	}
	return hc, nil
}

// LoadDefault loads from TENDHOST_CONFIG or the usual locations, falling
// back to defaults when no file exists
func LoadDefault() (*Config, error) {
	if path, ok := os.LookupEnv(EnvConfigPath); ok {
		return Load(path)
	}

	paths := []string{
		"tendhost.toml",
		"/etc/tendhost/tendhost.toml",
	}
	if configDir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(configDir, "tendhost", "tendhost.toml"))
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
	}

	log.Warn("no config file found, using defaults")
	return Default(), nil
}

// Validate checks the configuration for fatal errors
func (c *Config) Validate() error {
	seen := make(map[string]bool)
	for _, hc := range c.Hosts {
		if hc.Name == "" {
			return fmt.Errorf("host with addr %q is missing a name", hc.Addr)
		}
		if hc.Addr == "" {
			return fmt.Errorf("host %q is missing an addr", hc.Name)
		}
		if seen[hc.Name] {
			return fmt.Errorf("duplicate host name: %s", hc.Name)
		}
		seen[hc.Name] = true

		if hc.Policy.MaintenanceWindow != nil {
			if err := validateWindow(hc.Policy.MaintenanceWindow); err != nil {
				return fmt.Errorf("host %q: %w", hc.Name, err)
			}
		}
	}
	return nil
}

// validateWindow checks HH:MM bounds; the window itself is advisory and
// not enforced by the scheduler
func validateWindow(w *types.MaintenanceWindow) error {
	for _, v := range []string{w.Start, w.End} {
		if _, err := time.Parse("15:04", v); err != nil {
			return fmt.Errorf("invalid maintenance window time %q (want HH:MM)", v)
		}
	}
	validDays := map[string]bool{
		"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
		"friday": true, "saturday": true, "sunday": true,
	}
	for _, day := range w.Days {
		if !validDays[day] {
			return fmt.Errorf("invalid maintenance window day %q", day)
		}
	}
	return nil
}

// Marshal renders the configuration back to TOML
func (c *Config) Marshal() ([]byte, error) {
	return toml.Marshal(c)
}
