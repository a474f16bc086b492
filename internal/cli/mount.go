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
	"github.com/jeremyhahn/go-cryptohome/pkg/credentials"
	"github.com/jeremyhahn/go-cryptohome/pkg/mount"
)

var mountFlags struct {
	create        bool
	ephemeral     bool
	toMigrate     bool
	forceDirCryto bool
}

// mountCmd mounts a user's home directory
var mountCmd = &cobra.Command{
	Use:   "mount <username>",
	Short: "Mount a user's encrypted home directory",
	Long: `Mount decrypts the user's vault keyset with the given passkey and
mounts the home directory. With --create a vault is created on first
login. Guest sessions ($guest) are always ephemeral.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		passkey, err := passkeyFromFlags()
		if err != nil {
			return err
		}

		return withDaemon(func(d *daemon.Daemon) error {
			creds := credentials.New(username, passkey)
			rc, err := d.Registry().Mount(creds, mount.MountArgs{
				CreateIfMissing:       mountFlags.create,
				Ephemeral:             mountFlags.ephemeral,
				ToMigrateFromEcryptfs: mountFlags.toMigrate,
				ForceDirCrypto:        mountFlags.forceDirCryto,
			})
			if err != nil {
				return err
			}
			if !rc.Mounted() {
				return fmt.Errorf("mount failed: %s", rc)
			}

			printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
			if rc == mount.MountErrorRecreated {
				return printer.PrintMessage(
					fmt.Sprintf("Mounted %s (vault recreated after unrecoverable key loss)", username))
			}
			return printer.PrintMessage(fmt.Sprintf("Mounted %s", username))
		})
	},
}

func init() {
	mountCmd.Flags().BoolVar(&mountFlags.create, "create", false,
		"create the vault if it does not exist")
	mountCmd.Flags().BoolVar(&mountFlags.ephemeral, "ephemeral", false,
		"mount a RAM-backed session that leaves no state behind")
	mountCmd.Flags().BoolVar(&mountFlags.toMigrate, "to-migrate", false,
		"mount for eCryptfs to dircrypto migration")
	mountCmd.Flags().BoolVar(&mountFlags.forceDirCryto, "force-dircrypto", false,
		"refuse to mount an eCryptfs vault that has not been migrated")
	mountCmd.Flags().StringVar(&globalOpts.Passkey, "passkey", "",
		"passkey (falls back to CRYPTOHOME_PASSKEY)")
}
