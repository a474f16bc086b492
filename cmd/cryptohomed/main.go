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

package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jeremyhahn/go-cryptohome/internal/config"
	"github.com/jeremyhahn/go-cryptohome/internal/daemon"
)

var (
	// Version information (set during build)
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "/etc/cryptohome/config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("cryptohomed\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Git Commit: %s\n", commit)
		fmt.Printf("  Built:      %s\n", date)
		os.Exit(0)
	}

	if envConfig := os.Getenv("CRYPTOHOME_CONFIG"); envConfig != "" {
		*configPath = envConfig
	}

	slog.Info("Starting cryptohome daemon",
		"config", *configPath,
		"version", version)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("Configuration loaded successfully",
		"shadow_root", cfg.Daemon.ShadowRoot,
		"tpm_enabled", cfg.TPM.Enabled)

	d, err := daemon.New(cfg)
	if err != nil {
		slog.Error("Failed to create daemon", slog.Any("error", err))
		os.Exit(1)
	}

	shutdownCtx := daemon.SetupSignalHandler()

	if err := d.Start(); err != nil {
		slog.Error("Failed to start daemon", slog.Any("error", err))
		os.Exit(1)
	}

	<-shutdownCtx.Done()

	if err := d.Shutdown(); err != nil {
		slog.Error("Error during shutdown", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("Daemon stopped successfully")
}
