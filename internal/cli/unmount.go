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

	"github.com/jeremyhahn/go-cryptohome/internal/daemon"
)

var unmountAll bool

// unmountCmd tears down mounted sessions
var unmountCmd = &cobra.Command{
	Use:   "unmount [username]",
	Short: "Unmount a user's home directory",
	Long: `Unmount tears down the user's session, invalidates its keyring keys
and, under the ephemeral-users policy, removes the non-owner vault.
With --all every active session is unmounted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !unmountAll && len(args) != 1 {
			return fmt.Errorf("a username or --all is required")
		}
		return withDaemon(func(d *daemon.Daemon) error {
			printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
			if unmountAll {
				if err := d.Registry().UnmountAll(); err != nil {
					return err
				}
				return printer.PrintMessage("Unmounted all sessions")
			}
			unmounted, err := d.Registry().Unmount(args[0])
			if err != nil {
				return err
			}
			if !unmounted {
				return printer.PrintMessage(fmt.Sprintf("Nothing mounted for %s", args[0]))
			}
			return printer.PrintMessage(fmt.Sprintf("Unmounted %s", args[0]))
		})
	},
}

func init() {
	unmountCmd.Flags().BoolVar(&unmountAll, "all", false, "unmount every active session")
}
