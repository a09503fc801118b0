package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return fmt.Errorf("paths: %w", err)
	}
	if err := c.validateNetwork(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := c.validateMonitor(); err != nil {
		return fmt.Errorf("monitor: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if c.Trust.Enabled && c.Trust.PolicyFile == "" {
		return fmt.Errorf("trust: policy_file cannot be empty when trust is enabled")
	}
	if c.Host.Arch == "" {
		return fmt.Errorf("host: arch cannot be empty")
	}
	return nil
}

func (c *Config) validatePaths() error {
	if c.Paths.StateDir == "" {
		return fmt.Errorf("state_dir cannot be empty")
	}
	if err := ensureDirWritable(c.Paths.StateDir, "state_dir"); err != nil {
		return err
	}
	if c.Paths.ExternDir == "" {
		return fmt.Errorf("extern_dir cannot be empty")
	}
	if !filepath.IsAbs(c.Paths.ExternDir) {
		return fmt.Errorf("extern_dir must be absolute, got %q", c.Paths.ExternDir)
	}
	if c.Paths.BuildDir == "" {
		return fmt.Errorf("build_dir cannot be empty")
	}
	return nil
}

func (c *Config) validateNetwork() error {
	if c.Network.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	_, subnet, err := net.ParseCIDR(c.Network.Subnet)
	if err != nil {
		return fmt.Errorf("subnet: invalid CIDR %q", c.Network.Subnet)
	}
	if subnet.IP.To4() == nil {
		return fmt.Errorf("subnet: only IPv4 is supported, got %q", c.Network.Subnet)
	}
	gw := net.ParseIP(c.Network.Gateway)
	if gw == nil {
		return fmt.Errorf("gateway: invalid address %q", c.Network.Gateway)
	}
	if !subnet.Contains(gw) {
		return fmt.Errorf("gateway %s is outside subnet %s", gw, subnet)
	}
	_, dyn, err := net.ParseCIDR(c.Network.DynamicRange)
	if err != nil {
		return fmt.Errorf("dynamic_range: invalid CIDR %q", c.Network.DynamicRange)
	}
	dynOnes, _ := dyn.Mask.Size()
	subOnes, _ := subnet.Mask.Size()
	if !subnet.Contains(dyn.IP) || dynOnes < subOnes {
		return fmt.Errorf("dynamic_range %s is not inside subnet %s", dyn, subnet)
	}
	return nil
}

func (c *Config) validateMonitor() error {
	if c.Monitor.RestartLimit <= 0 {
		return fmt.Errorf("restart_limit: must be > 0, got %d", c.Monitor.RestartLimit)
	}
	fields := map[string]string{
		"restart_window":    c.Monitor.RestartWindow,
		"reconnect_initial": c.Monitor.ReconnectInitial,
		"reconnect_max":     c.Monitor.ReconnectMax,
		"drain_timeout":     c.Monitor.DrainTimeout,
	}
	if err := validateDurations(fields); err != nil {
		return err
	}
	if mustParseDuration(c.Monitor.ReconnectInitial) > mustParseDuration(c.Monitor.ReconnectMax) {
		return fmt.Errorf("reconnect_initial (%s) must not exceed reconnect_max (%s)",
			c.Monitor.ReconnectInitial, c.Monitor.ReconnectMax)
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	return validateDurations(map[string]string{
		"engine_call": c.Timeouts.EngineCall,
		"pull":        c.Timeouts.Pull,
		"build":       c.Timeouts.Build,
		"stop":        c.Timeouts.Stop,
		"stats":       c.Timeouts.Stats,
		"exec":        c.Timeouts.Exec,
	})
}

func (c *Config) validateLogging() error {
	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "warning", "error", "fatal", "panic":
	default:
		return fmt.Errorf("level: unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("format: must be \"text\" or \"json\", got %q", c.Logging.Format)
	}
	return nil
}

func validateDurations(fields map[string]string) error {
	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > 24*time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 24h", name, d)
		}
	}
	return nil
}

// Helper functions

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func ensureDirWritable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := os.MkdirAll(canonical, 0750); err != nil {
				return fmt.Errorf("%s: cannot create directory %s: %w", name, canonical, err)
			}
		} else {
			return fmt.Errorf("%s: cannot access %s: %w", name, canonical, statErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}

	if err := unix.Access(canonical, unix.W_OK); err != nil {
		return fmt.Errorf("%s: not writable: %s", name, canonical)
	}
	return nil
}
