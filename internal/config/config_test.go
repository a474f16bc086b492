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
	"os"
	"path/filepath"
	"testing"
)

// TestLoad_Success tests successful loading of a valid config file
func TestLoad_Success(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
daemon:
  shadow_root: "/home/.shadow"
  state_dir: "/var/lib/cryptohome"

tpm:
  enabled: true
  device_path: "/dev/tpmrm0"
  pcr_binding: true

cleanup:
  enabled: true
  min_free_space: 1073741824
  target_free_space: 2147483648

policy:
  owner: "owner@example.com"
  ephemeral_users: false

lockbox:
  enabled: true
  pcr_index: 15

logging:
  level: "info"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
  port: 9090
`

	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg == nil {
		t.Fatal("Load() returned nil config")
	}

	if cfg.Daemon.ShadowRoot != "/home/.shadow" {
		t.Errorf("Daemon.ShadowRoot = %v, want /home/.shadow", cfg.Daemon.ShadowRoot)
	}
	if cfg.TPM.DevicePath != "/dev/tpmrm0" {
		t.Errorf("TPM.DevicePath = %v, want /dev/tpmrm0", cfg.TPM.DevicePath)
	}
	if !cfg.TPM.PCRBinding {
		t.Error("TPM.PCRBinding = false, want true")
	}
	if cfg.Cleanup.MinFreeSpace != 1073741824 {
		t.Errorf("Cleanup.MinFreeSpace = %v, want 1073741824", cfg.Cleanup.MinFreeSpace)
	}
	if cfg.Policy.Owner != "owner@example.com" {
		t.Errorf("Policy.Owner = %v, want owner@example.com", cfg.Policy.Owner)
	}
	if cfg.Lockbox.PCRIndex != 15 {
		t.Errorf("Lockbox.PCRIndex = %v, want 15", cfg.Lockbox.PCRIndex)
	}
}

// TestLoad_Defaults tests that fields absent from the file keep their
// default values
func TestLoad_Defaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
daemon:
  shadow_root: "/custom/.shadow"
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}

	if cfg.Daemon.ShadowRoot != "/custom/.shadow" {
		t.Errorf("Daemon.ShadowRoot = %v, want /custom/.shadow", cfg.Daemon.ShadowRoot)
	}
	def := Default()
	if cfg.Daemon.StateDir != def.Daemon.StateDir {
		t.Errorf("Daemon.StateDir = %v, want default %v", cfg.Daemon.StateDir, def.Daemon.StateDir)
	}
	if cfg.Logging.Level != def.Logging.Level {
		t.Errorf("Logging.Level = %v, want default %v", cfg.Logging.Level, def.Logging.Level)
	}
	if cfg.TPM.Enabled != def.TPM.Enabled {
		t.Errorf("TPM.Enabled = %v, want default %v", cfg.TPM.Enabled, def.TPM.Enabled)
	}
}

// TestLoad_FileNotFound tests loading a missing config file
func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("Load() error = nil, want error for missing file")
	}
}

// TestLoad_InvalidYAML tests loading a malformed file
func TestLoad_InvalidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("daemon: [not: valid"), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}
	if _, err := Load(configPath); err == nil {
		t.Error("Load() error = nil, want parse error")
	}
}

// TestLoad_EnvOverrides tests environment variable overrides
func TestLoad_EnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(configPath, []byte("daemon:\n  shadow_root: /home/.shadow\n"), 0644); err != nil {
		t.Fatalf("Failed to write test config file: %v", err)
	}

	t.Setenv("CRYPTOHOME_SHADOW_ROOT", "/env/.shadow")
	t.Setenv("CRYPTOHOME_LOG_LEVEL", "debug")
	t.Setenv("CRYPTOHOME_METRICS_PORT", "9999")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v, want nil", err)
	}
	if cfg.Daemon.ShadowRoot != "/env/.shadow" {
		t.Errorf("Daemon.ShadowRoot = %v, want /env/.shadow", cfg.Daemon.ShadowRoot)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %v, want debug", cfg.Logging.Level)
	}
	if cfg.Metrics.Port != 9999 {
		t.Errorf("Metrics.Port = %v, want 9999", cfg.Metrics.Port)
	}
}

// TestValidate tests validation failure cases
func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing shadow root", func(c *Config) { c.Daemon.ShadowRoot = "" }},
		{"missing state dir", func(c *Config) { c.Daemon.StateDir = "" }},
		{"tpm without device path", func(c *Config) { c.TPM.DevicePath = "" }},
		{"scrypt n not power of two", func(c *Config) { c.Scrypt = ScryptConfig{N: 1000, R: 8, P: 1} }},
		{"scrypt missing r", func(c *Config) { c.Scrypt = ScryptConfig{N: 1024} }},
		{"inverted water marks", func(c *Config) {
			c.Cleanup.MinFreeSpace = 2 << 30
			c.Cleanup.TargetFreeSpace = 1 << 30
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"bad metrics port", func(c *Config) { c.Metrics.Port = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() error = nil, want error")
			}
		})
	}
}

// TestDefault tests that the default configuration validates
func TestDefault(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v, want nil", err)
	}
}
