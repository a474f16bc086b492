// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-cryptohome.
//
// go-cryptohome is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration
type Config struct {
	Daemon  DaemonConfig  `yaml:"daemon"`
	TPM     TPMConfig     `yaml:"tpm"`
	Scrypt  ScryptConfig  `yaml:"scrypt"`
	Cleanup CleanupConfig `yaml:"cleanup"`
	Policy  PolicyConfig  `yaml:"policy"`
	Lockbox LockboxConfig `yaml:"lockbox"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// DaemonConfig contains daemon-level settings
type DaemonConfig struct {
	// ShadowRoot is the directory holding the per-user vaults and the
	// system salt.
	ShadowRoot string `yaml:"shadow_root"`

	// StateDir holds daemon state that is not per-user, such as the
	// boot lockbox key files.
	StateDir string `yaml:"state_dir"`
}

// TPMConfig controls hardware-backed key wrapping
type TPMConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DevicePath string `yaml:"device_path"`

	// PCRBinding seals vault keysets to the boot-mode PCR when the
	// hardware supports it.
	PCRBinding bool `yaml:"pcr_binding"`
}

// ScryptConfig controls the passkey stretching parameters
type ScryptConfig struct {
	// N, R, and P override the production work factor. Zero values keep
	// the defaults. Lowering these outside of tests weakens every
	// software-wrapped keyset on the device.
	N int `yaml:"n"`
	R int `yaml:"r"`
	P int `yaml:"p"`
}

// CleanupConfig controls automatic disk space management
type CleanupConfig struct {
	Enabled bool `yaml:"enabled"`

	// MinFreeSpace is the low water mark in bytes below which eviction
	// starts. Zero keeps the default.
	MinFreeSpace int64 `yaml:"min_free_space"`

	// TargetFreeSpace is the high water mark eviction aims for. Zero
	// keeps the default.
	TargetFreeSpace int64 `yaml:"target_free_space"`
}

// PolicyConfig carries device policy defaults used until the policy
// provider supplies fresher values
type PolicyConfig struct {
	Owner          string `yaml:"owner"`
	EphemeralUsers bool   `yaml:"ephemeral_users"`
}

// LockboxConfig controls the boot lockbox
type LockboxConfig struct {
	Enabled bool `yaml:"enabled"`

	// PCRIndex overrides the register the lockbox key is bound to.
	// Zero keeps the default.
	PCRIndex uint32 `yaml:"pcr_index"`
}

// LoggingConfig controls logging behavior
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Port    int    `yaml:"port"`
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			ShadowRoot: "/home/.shadow",
			StateDir:   "/var/lib/cryptohome",
		},
		TPM: TPMConfig{
			Enabled:    true,
			DevicePath: "/dev/tpm0",
			PCRBinding: true,
		},
		Cleanup: CleanupConfig{
			Enabled: true,
		},
		Lockbox: LockboxConfig{
			Enabled: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
	}
}

// Load reads configuration from a YAML file and applies environment
// variable overrides. Fields absent from the file keep their defaults.
func Load(path string) (*Config, error) {
	// #nosec G304 - Config file path is provided by admin/user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration
func applyEnvOverrides(cfg *Config) {
	if root := os.Getenv("CRYPTOHOME_SHADOW_ROOT"); root != "" {
		cfg.Daemon.ShadowRoot = root
	}
	if stateDir := os.Getenv("CRYPTOHOME_STATE_DIR"); stateDir != "" {
		cfg.Daemon.StateDir = stateDir
	}
	if tpmPath := os.Getenv("TPM_DEVICE_PATH"); tpmPath != "" {
		cfg.TPM.DevicePath = tpmPath
	}
	if enabled := os.Getenv("CRYPTOHOME_TPM_ENABLED"); enabled != "" {
		cfg.TPM.Enabled = enabled == "true" || enabled == "1"
	}
	if level := os.Getenv("CRYPTOHOME_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if format := os.Getenv("CRYPTOHOME_LOG_FORMAT"); format != "" {
		cfg.Logging.Format = format
	}
	if port := os.Getenv("CRYPTOHOME_METRICS_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			fmt.Fprintf(os.Stderr, "Warning: invalid CRYPTOHOME_METRICS_PORT value %q, using default %d\n",
				port, cfg.Metrics.Port)
		} else {
			cfg.Metrics.Port = p
		}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Daemon.ShadowRoot == "" {
		return fmt.Errorf("daemon shadow_root must be specified")
	}
	if c.Daemon.StateDir == "" {
		return fmt.Errorf("daemon state_dir must be specified")
	}

	if c.TPM.Enabled && c.TPM.DevicePath == "" {
		return fmt.Errorf("tpm device_path is required when the TPM is enabled")
	}

	// Scrypt overrides must be supplied together and keep the shape the
	// KDF requires.
	custom := c.Scrypt.N != 0 || c.Scrypt.R != 0 || c.Scrypt.P != 0
	if custom {
		if c.Scrypt.N < 2 || c.Scrypt.N&(c.Scrypt.N-1) != 0 {
			return fmt.Errorf("scrypt n must be a power of two greater than 1, got %d", c.Scrypt.N)
		}
		if c.Scrypt.R < 1 || c.Scrypt.P < 1 {
			return fmt.Errorf("scrypt r and p must be positive, got r=%d p=%d", c.Scrypt.R, c.Scrypt.P)
		}
	}

	if c.Cleanup.MinFreeSpace < 0 || c.Cleanup.TargetFreeSpace < 0 {
		return fmt.Errorf("cleanup water marks must not be negative")
	}
	if c.Cleanup.MinFreeSpace > 0 && c.Cleanup.TargetFreeSpace > 0 &&
		c.Cleanup.TargetFreeSpace < c.Cleanup.MinFreeSpace {
		return fmt.Errorf("cleanup target_free_space %d is below min_free_space %d",
			c.Cleanup.TargetFreeSpace, c.Cleanup.MinFreeSpace)
	}

	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	validFormats := map[string]bool{
		"json": true, "text": true,
	}
	if !validFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
		if c.Metrics.Path == "" {
			return fmt.Errorf("metrics path must be specified when metrics are enabled")
		}
	}
	return nil
}
