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

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-cryptohome/internal/config"
	"github.com/jeremyhahn/go-cryptohome/internal/daemon"
)

// globalOptions holds the persistent flag values.
type globalOptions struct {
	ConfigFile   string
	OutputFormat string
	Verbose      bool
	Passkey      string
}

var globalOpts = &globalOptions{}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "cryptohome",
	Short: "cryptohome CLI - User vault and authentication management",
	Long: `cryptohome CLI manages encrypted user vaults: mounting and
unmounting home directories, credential checks, keyset management,
eCryptfs to dircrypto migration, and the boot lockbox.

Vaults are wrapped by the TPM when one is available and fall back to
scrypt-based software wrapping otherwise.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalOpts.ConfigFile, "config", "/etc/cryptohome/config.yaml",
		"config file")
	rootCmd.PersistentFlags().StringVarP(&globalOpts.OutputFormat, "output", "o", "text",
		"output format (text, json, table)")
	rootCmd.PersistentFlags().BoolVarP(&globalOpts.Verbose, "verbose", "v", false,
		"verbose output")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(mountCmd)
	rootCmd.AddCommand(unmountCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(keysCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(lockboxCmd)
}

// withDaemon assembles the cryptohome stack for a one-shot command and
// tears it down afterwards. Background loops and the metrics endpoint
// stay off; the CLI only needs the library surface.
func withDaemon(fn func(d *daemon.Daemon) error) error {
	cfg, err := config.Load(globalOpts.ConfigFile)
	if err != nil {
		return err
	}
	cfg.Metrics.Enabled = false
	cfg.Cleanup.Enabled = false

	d, err := daemon.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Shutdown(); err != nil {
			printVerbose("shutdown: %v", err)
		}
	}()
	return fn(d)
}

// passkeyFromFlags resolves the passkey from the --passkey flag or the
// CRYPTOHOME_PASSKEY environment variable.
func passkeyFromFlags() ([]byte, error) {
	if globalOpts.Passkey != "" {
		return []byte(globalOpts.Passkey), nil
	}
	if env := os.Getenv("CRYPTOHOME_PASSKEY"); env != "" {
		return []byte(env), nil
	}
	return nil, fmt.Errorf("no passkey given: use --passkey or CRYPTOHOME_PASSKEY")
}

// printVerbose prints a message if verbose mode is enabled
func printVerbose(format string, args ...interface{}) {
	if globalOpts.Verbose {
		fmt.Fprintf(os.Stderr, "[VERBOSE] "+format+"\n", args...)
	}
}
