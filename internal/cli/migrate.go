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

// migrateCmd moves a vault from eCryptfs to dircrypto
var migrateCmd = &cobra.Command{
	Use:   "migrate <username>",
	Short: "Migrate a vault from eCryptfs to dircrypto",
	Long: `Migrate mounts the vault in migration mode, copies its contents to
native filesystem encryption and removes the eCryptfs tree. An
interrupted migration resumes on the next run; the vault stays
unusable for plain mounts until migration completes.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		username := args[0]
		passkey, err := passkeyFromFlags()
		if err != nil {
			return err
		}

		return withDaemon(func(d *daemon.Daemon) error {
			creds := credentials.New(username, passkey)
			rc, err := d.Registry().Mount(creds, mount.MountArgs{ToMigrateFromEcryptfs: true})
			if err != nil {
				return err
			}
			if !rc.Mounted() {
				return fmt.Errorf("migration mount failed: %s", rc)
			}

			done := make(chan error, 1)
			progress := func(status mount.MigrationStatus, currentBytes, totalBytes int64) {
				switch status {
				case mount.MigrationInProgress:
					printVerbose("migrated %d of %d bytes", currentBytes, totalBytes)
				case mount.MigrationSuccess:
					done <- nil
				case mount.MigrationFailed:
					done <- fmt.Errorf("migration failed after %d of %d bytes", currentBytes, totalBytes)
				}
			}
			if err := d.Registry().MigrateToDircrypto(username, progress); err != nil {
				return err
			}
			if err := <-done; err != nil {
				return err
			}

			if _, err := d.Registry().Unmount(username); err != nil {
				return err
			}
			printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
			return printer.PrintMessage(fmt.Sprintf("Migrated %s to dircrypto", username))
		})
	},
}

func init() {
	migrateCmd.Flags().StringVar(&globalOpts.Passkey, "passkey", "",
		"passkey (falls back to CRYPTOHOME_PASSKEY)")
}
