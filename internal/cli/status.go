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

// statusCmd reports one session's mount state
var statusCmd = &cobra.Command{
	Use:   "status <username>",
	Short: "Show a user's session status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(func(d *daemon.Daemon) error {
			status, found, err := d.Registry().GetStatus(args[0])
			if err != nil {
				return err
			}
			printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
			if !found {
				return printer.PrintMessage(fmt.Sprintf("No session for %s", args[0]))
			}
			return printer.PrintStatus(status)
		})
	},
}
