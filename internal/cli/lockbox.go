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
	"encoding/base64"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jeremyhahn/go-cryptohome/internal/daemon"
)

// lockboxCmd groups boot lockbox operations
var lockboxCmd = &cobra.Command{
	Use:   "lockbox",
	Short: "Boot lockbox operations",
	Long: `The boot lockbox signs data with a TPM key bound to an unextended
PCR. After finalize, no further data can be signed until the next
boot, but existing signatures still verify.`,
}

var lockboxSignCmd = &cobra.Command{
	Use:   "sign <file>",
	Short: "Sign a file with the boot lockbox key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		return withLockbox(func(d *daemon.Daemon) error {
			var signature []byte
			var signErr error
			err := d.Registry().Maintain(func() {
				signature, signErr = d.Lockbox().Sign(data)
			})
			if err != nil {
				return err
			}
			if signErr != nil {
				return signErr
			}
			printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
			return printer.PrintMessage(base64.StdEncoding.EncodeToString(signature))
		})
	},
}

var lockboxVerifyCmd = &cobra.Command{
	Use:   "verify <file> <base64-signature>",
	Short: "Verify a boot lockbox signature",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		signature, err := base64.StdEncoding.DecodeString(args[1])
		if err != nil {
			return fmt.Errorf("invalid signature encoding: %w", err)
		}
		return withLockbox(func(d *daemon.Daemon) error {
			var verifyErr error
			err := d.Registry().Maintain(func() {
				verifyErr = d.Lockbox().Verify(data, signature)
			})
			if err != nil {
				return err
			}
			if verifyErr != nil {
				return verifyErr
			}
			printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
			return printer.PrintMessage("Signature is valid")
		})
	},
}

var lockboxFinalizeCmd = &cobra.Command{
	Use:   "finalize",
	Short: "Finalize the boot lockbox for this boot",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLockbox(func(d *daemon.Daemon) error {
			finalized := false
			err := d.Registry().Maintain(func() {
				finalized = d.Lockbox().FinalizeBoot()
			})
			if err != nil {
				return err
			}
			if !finalized {
				return fmt.Errorf("lockbox finalization failed")
			}
			printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
			return printer.PrintMessage("Boot lockbox finalized")
		})
	},
}

var lockboxStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show boot lockbox state",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withLockbox(func(d *daemon.Daemon) error {
			hasKey := false
			finalized := false
			err := d.Registry().Maintain(func() {
				hasKey = d.Lockbox().HasKey()
				finalized = d.Lockbox().IsFinalized()
			})
			if err != nil {
				return err
			}
			printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
			if globalOpts.OutputFormat == "json" {
				return printer.printJSON(map[string]interface{}{
					"has_key":   hasKey,
					"finalized": finalized,
				})
			}
			return printer.PrintMessage(
				fmt.Sprintf("Key present: %t\nFinalized:   %t", hasKey, finalized))
		})
	},
}

// withLockbox is withDaemon plus a lockbox-enabled guard.
func withLockbox(fn func(d *daemon.Daemon) error) error {
	return withDaemon(func(d *daemon.Daemon) error {
		if d.Lockbox() == nil {
			return fmt.Errorf("boot lockbox is disabled in the configuration")
		}
		return fn(d)
	})
}

func init() {
	lockboxCmd.AddCommand(lockboxSignCmd)
	lockboxCmd.AddCommand(lockboxVerifyCmd)
	lockboxCmd.AddCommand(lockboxFinalizeCmd)
	lockboxCmd.AddCommand(lockboxStatusCmd)
}
