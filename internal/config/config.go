// Package config provides centralized configuration management for fleetd.
// All configuration is loaded from a JSON file at /etc/fleetd/config.json
// (overridable via FLEETD_CONFIG environment variable).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/fleetd/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "FLEETD_CONFIG"
)

// Config is the root configuration structure
type Config struct {
	Paths    PathsConfig    `json:"paths"`
	Engine   EngineConfig   `json:"engine"`
	Network  NetworkConfig  `json:"network"`
	Monitor  MonitorConfig  `json:"monitor"`
	Timeouts TimeoutsConfig `json:"timeouts"`
	Logging  LoggingConfig  `json:"logging"`
	Metrics  MetricsConfig  `json:"metrics"`
	Trust    TrustConfig    `json:"trust"`
	Hardware HardwareConfig `json:"hardware"`
	Host     HostConfig     `json:"host"`
}

// PathsConfig defines filesystem paths used by fleetd
type PathsConfig struct {
	StateDir  string `json:"state_dir"`  // bolt database with records and address map
	ExternDir string `json:"extern_dir"` // host-side data directory bind-mounted into role containers
	BuildDir  string `json:"build_dir"`  // scratch space for add-on build contexts
}

// RegistryCredentials are used to authenticate pulls from a private registry.
type RegistryCredentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// EngineConfig defines how the container engine is reached
type EngineConfig struct {
	Host       string                         `json:"host"`        // empty uses DOCKER_HOST / default socket
	APIVersion string                         `json:"api_version"` // empty negotiates
	Registries map[string]RegistryCredentials `json:"registries"`  // keyed by registry host, "hub.docker.com" for Docker Hub
	Platform   string                         `json:"platform"`    // e.g. "linux/arm64", empty uses engine default
}

// NetworkConfig describes the internal bridge network.
type NetworkConfig struct {
	Name         string `json:"name"`
	Subnet       string `json:"subnet"`
	Gateway      string `json:"gateway"`
	DynamicRange string `json:"dynamic_range"`
}

// MonitorConfig controls the event monitor and its restart policy.
type MonitorConfig struct {
	// RestartLimit is how many automatic restarts a role may get within RestartWindow
	// before it is marked failed.
	RestartLimit int `json:"restart_limit"`

	// RestartWindow is the sliding window restarts are counted in.
	RestartWindow string `json:"restart_window"`

	// ReconnectInitial is the first delay before resubscribing to engine events.
	ReconnectInitial string `json:"reconnect_initial"`

	// ReconnectMax caps the exponential reconnect delay.
	ReconnectMax string `json:"reconnect_max"`

	// DrainTimeout bounds how long shutdown waits for in-flight event handlers.
	DrainTimeout string `json:"drain_timeout"`
}

// TimeoutsConfig defines timeout durations for engine operations.
// All values are duration strings (e.g., "5s", "2m", "500ms").
type TimeoutsConfig struct {
	// EngineCall is the deadline for short engine calls (create, start, inspect, network).
	EngineCall string `json:"engine_call"`

	// Pull is the deadline for image pulls.
	Pull string `json:"pull"`

	// Build is the deadline for add-on image builds.
	Build string `json:"build"`

	// Stop is the default graceful stop timeout when a role does not declare one.
	Stop string `json:"stop"`

	// Stats is the deadline for a single stats read.
	Stats string `json:"stats"`

	// Exec is the deadline for ephemeral command containers.
	Exec string `json:"exec"`
}

// GetEngineCall returns the engine call timeout as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetEngineCall() time.Duration {
	return mustParseDuration(t.EngineCall)
}

// GetPull returns the pull timeout as a time.Duration.
func (t *TimeoutsConfig) GetPull() time.Duration {
	return mustParseDuration(t.Pull)
}

// GetBuild returns the build timeout as a time.Duration.
func (t *TimeoutsConfig) GetBuild() time.Duration {
	return mustParseDuration(t.Build)
}

// GetStop returns the default stop timeout as a time.Duration.
func (t *TimeoutsConfig) GetStop() time.Duration {
	return mustParseDuration(t.Stop)
}

// GetStats returns the stats timeout as a time.Duration.
func (t *TimeoutsConfig) GetStats() time.Duration {
	return mustParseDuration(t.Stats)
}

// GetExec returns the exec timeout as a time.Duration.
func (t *TimeoutsConfig) GetExec() time.Duration {
	return mustParseDuration(t.Exec)
}

// GetRestartWindow returns the restart window as a time.Duration.
func (m *MonitorConfig) GetRestartWindow() time.Duration {
	return mustParseDuration(m.RestartWindow)
}

// GetReconnectInitial returns the initial reconnect delay.
func (m *MonitorConfig) GetReconnectInitial() time.Duration {
	return mustParseDuration(m.ReconnectInitial)
}

// GetReconnectMax returns the reconnect delay cap.
func (m *MonitorConfig) GetReconnectMax() time.Duration {
	return mustParseDuration(m.ReconnectMax)
}

// GetDrainTimeout returns the shutdown drain timeout.
func (m *MonitorConfig) GetDrainTimeout() time.Duration {
	return mustParseDuration(m.DrainTimeout)
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

// LoggingConfig selects log level and output format.
type LoggingConfig struct {
	Level  string `json:"level"`  // trace, debug, info, warn, error
	Format string `json:"format"` // text or json
}

// MetricsConfig controls the status/metrics HTTP listener.
type MetricsConfig struct {
	Address string `json:"address"` // empty disables the listener
}

// TrustConfig controls content-trust validation of acquired images.
type TrustConfig struct {
	Enabled    bool   `json:"enabled"`
	PolicyFile string `json:"policy_file"`
}

// HardwareConfig controls the device watcher.
type HardwareConfig struct {
	Enabled bool   `json:"enabled"`
	DevDir  string `json:"dev_dir"`
}

// HostConfig describes the machine the built-in role images are selected for.
type HostConfig struct {
	Arch      string `json:"arch"`       // image architecture prefix, e.g. amd64, aarch64
	Machine   string `json:"machine"`    // core image machine prefix, e.g. qemux86-64
	Timezone  string `json:"timezone"`   // TZ passed to role containers
	Registry  string `json:"registry"`   // image registry prefix for built-in roles
	MachineID string `json:"machine_id"` // mounted read-only into roles that need it; empty disables
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.Mutex
	errConfig    error
)

// Reset clears the cached global config, forcing the next Get() call to reload.
// Callers must ensure no concurrent Get() calls are in progress.
func Reset() {
	configMu.Lock()
	defer configMu.Unlock()
	globalConfig = nil
	errConfig = nil
	configOnce = sync.Once{}
}

// Get returns the global config, loading it on first call.
func Get() (*Config, error) {
	configOnce.Do(func() {
		globalConfig, errConfig = Load()
	})
	return globalConfig, errConfig
}

// Load loads configuration from FLEETD_CONFIG env var or /etc/fleetd/config.json.
// A missing default file yields the default configuration; a missing file that was
// explicitly requested is an error.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath == "" {
		if _, err := os.Stat(DefaultConfigPath); os.IsNotExist(err) {
			cfg := DefaultConfig()
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid default configuration: %w", err)
			}
			return cfg, nil
		}
		configPath = DefaultConfigPath
	}

	return LoadFrom(configPath)
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s. Create one or set %s environment variable", path, ConfigEnvVar)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			StateDir:  "/var/lib/fleetd",
			ExternDir: "/usr/share/hassio",
			BuildDir:  "/var/lib/fleetd/build",
		},
		Network: NetworkConfig{
			Name:         "hassio",
			Subnet:       "172.30.32.0/23",
			Gateway:      "172.30.32.1",
			DynamicRange: "172.30.33.0/24",
		},
		Monitor: MonitorConfig{
			RestartLimit:     3,
			RestartWindow:    "5m",
			ReconnectInitial: "1s",
			ReconnectMax:     "2m",
			DrainTimeout:     "10s",
		},
		Timeouts: TimeoutsConfig{
			EngineCall: "30s",
			Pull:       "15m",
			Build:      "30m",
			Stop:       "10s",
			Stats:      "5s",
			Exec:       "60s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Address: "127.0.0.1:9411",
		},
		Trust: TrustConfig{
			Enabled:    false,
			PolicyFile: "/etc/fleetd/trust.yaml",
		},
		Hardware: HardwareConfig{
			Enabled: true,
			DevDir:  "/dev",
		},
		Host: HostConfig{
			Arch:      "amd64",
			Machine:   "qemux86-64",
			Timezone:  "UTC",
			Registry:  "ghcr.io/home-assistant",
			MachineID: "/etc/machine-id",
		},
	}
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.applyPathDefaults(defaults)
	c.applyNetworkDefaults(defaults)
	c.applyMonitorDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)

	if c.Logging.Level == "" {
		c.Logging.Level = defaults.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = defaults.Logging.Format
	}
	if c.Trust.PolicyFile == "" {
		c.Trust.PolicyFile = defaults.Trust.PolicyFile
	}
	if c.Hardware.DevDir == "" {
		c.Hardware.DevDir = defaults.Hardware.DevDir
	}
	c.applyHostDefaults(defaults)
	// Metrics.Address is left empty on purpose: empty disables the listener.
}

func (c *Config) applyPathDefaults(defaults *Config) {
	if c.Paths.StateDir == "" {
		c.Paths.StateDir = defaults.Paths.StateDir
	}
	if c.Paths.ExternDir == "" {
		c.Paths.ExternDir = defaults.Paths.ExternDir
	}
	if c.Paths.BuildDir == "" {
		c.Paths.BuildDir = defaults.Paths.BuildDir
	}
}

func (c *Config) applyHostDefaults(defaults *Config) {
	if c.Host.Arch == "" {
		c.Host.Arch = defaults.Host.Arch
	}
	if c.Host.Machine == "" {
		c.Host.Machine = defaults.Host.Machine
	}
	if c.Host.Timezone == "" {
		c.Host.Timezone = defaults.Host.Timezone
	}
	if c.Host.Registry == "" {
		c.Host.Registry = defaults.Host.Registry
	}
}

func (c *Config) applyNetworkDefaults(defaults *Config) {
	if c.Network.Name == "" {
		c.Network.Name = defaults.Network.Name
	}
	if c.Network.Subnet == "" {
		c.Network.Subnet = defaults.Network.Subnet
	}
	if c.Network.Gateway == "" {
		c.Network.Gateway = defaults.Network.Gateway
	}
	if c.Network.DynamicRange == "" {
		c.Network.DynamicRange = defaults.Network.DynamicRange
	}
}

func (c *Config) applyMonitorDefaults(defaults *Config) {
	if c.Monitor.RestartLimit == 0 {
		c.Monitor.RestartLimit = defaults.Monitor.RestartLimit
	}
	if c.Monitor.RestartWindow == "" {
		c.Monitor.RestartWindow = defaults.Monitor.RestartWindow
	}
	if c.Monitor.ReconnectInitial == "" {
		c.Monitor.ReconnectInitial = defaults.Monitor.ReconnectInitial
	}
	if c.Monitor.ReconnectMax == "" {
		c.Monitor.ReconnectMax = defaults.Monitor.ReconnectMax
	}
	if c.Monitor.DrainTimeout == "" {
		c.Monitor.DrainTimeout = defaults.Monitor.DrainTimeout
	}
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	if c.Timeouts.EngineCall == "" {
		c.Timeouts.EngineCall = defaults.Timeouts.EngineCall
	}
	if c.Timeouts.Pull == "" {
		c.Timeouts.Pull = defaults.Timeouts.Pull
	}
	if c.Timeouts.Build == "" {
		c.Timeouts.Build = defaults.Timeouts.Build
	}
	if c.Timeouts.Stop == "" {
		c.Timeouts.Stop = defaults.Timeouts.Stop
	}
	if c.Timeouts.Stats == "" {
		c.Timeouts.Stats = defaults.Timeouts.Stats
	}
	if c.Timeouts.Exec == "" {
		c.Timeouts.Exec = defaults.Timeouts.Exec
	}
}
