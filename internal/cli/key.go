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
)

var keyFlags struct {
	newPasskey string
	label      string
	clobber    bool
}

// keysCmd groups keyset management
var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage a user's vault keysets",
	Long: `Keysets are the wrapped copies of the vault key, one per
credential. List shows the occupied slots, add wraps the vault key
under a new passkey, remove deletes a keyset by label, and check
verifies a passkey without mounting.`,
}

var keysListCmd = &cobra.Command{
	Use:   "list <username>",
	Short: "List a user's keyset slots and labels",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDaemon(func(d *daemon.Daemon) error {
			indices, labels, err := listKeysets(d, args[0])
			if err != nil {
				return err
			}
			printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
			return printer.PrintKeysets(indices, labels)
		})
	},
}

var keysAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Add a keyset under a new passkey",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		passkey, err := passkeyFromFlags()
		if err != nil {
			return err
		}
		if keyFlags.newPasskey == "" {
			return fmt.Errorf("--new-passkey is required")
		}
		return withDaemon(func(d *daemon.Daemon) error {
			creds := credentials.New(args[0], passkey)
			data := &credentials.KeyData{
				Label:      keyFlags.label,
				Type:       credentials.KeyTypePassword,
				Privileges: credentials.DefaultPrivileges(),
			}
			var index int
			var addErr error
			err := d.Registry().Maintain(func() {
				index, addErr = d.HomeDirs().AddKeyset(creds, []byte(keyFlags.newPasskey), data, keyFlags.clobber)
			})
			if err != nil {
				return err
			}
			if addErr != nil {
				return addErr
			}
			printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
			return printer.PrintMessage(fmt.Sprintf("Added keyset %d", index))
		})
	},
}

var keysRemoveCmd = &cobra.Command{
	Use:   "remove <username>",
	Short: "Remove a keyset by label",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		passkey, err := passkeyFromFlags()
		if err != nil {
			return err
		}
		if keyFlags.label == "" {
			return fmt.Errorf("--label is required")
		}
		return withDaemon(func(d *daemon.Daemon) error {
			creds := credentials.New(args[0], passkey)
			var removeErr error
			err := d.Registry().Maintain(func() {
				removeErr = d.HomeDirs().RemoveKeyset(creds, keyFlags.label)
			})
			if err != nil {
				return err
			}
			if removeErr != nil {
				return removeErr
			}
			printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
			return printer.PrintMessage(fmt.Sprintf("Removed keyset %q", keyFlags.label))
		})
	},
}

var keysCheckCmd = &cobra.Command{
	Use:   "check <username>",
	Short: "Verify a passkey without mounting",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		passkey, err := passkeyFromFlags()
		if err != nil {
			return err
		}
		return withDaemon(func(d *daemon.Daemon) error {
			creds := credentials.New(args[0], passkey)
			valid, err := d.Registry().AreCredentialsValid(creds)
			if err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("credentials are not valid for %s", args[0])
			}
			printer := NewPrinter(globalOpts.OutputFormat, os.Stdout)
			return printer.PrintMessage("Credentials are valid")
		})
	},
}

// listKeysets resolves a user's keyset slots and labels on the registry
// worker. Lookup failures propagate to the caller rather than reading
// as an empty slot list.
func listKeysets(d *daemon.Daemon, username string) ([]int, []string, error) {
	var indices []int
	var labels []string
	var listErr error
	err := d.Registry().Maintain(func() {
		obfuscated, obErr := obfuscate(d, username)
		if obErr != nil {
			listErr = obErr
			return
		}
		if indices, listErr = d.HomeDirs().GetVaultKeysets(obfuscated); listErr != nil {
			return
		}
		labels, listErr = d.HomeDirs().GetVaultKeysetLabels(obfuscated)
	})
	if err != nil {
		return nil, nil, err
	}
	if listErr != nil {
		return nil, nil, listErr
	}
	return indices, labels, nil
}

// obfuscate resolves the on-disk vault name for a username.
func obfuscate(d *daemon.Daemon, username string) (string, error) {
	salt, err := d.HomeDirs().SystemSalt()
	if err != nil {
		return "", err
	}
	return credentials.New(username, nil).ObfuscatedUsername(salt), nil
}

func init() {
	keysCmd.AddCommand(keysListCmd)
	keysCmd.AddCommand(keysAddCmd)
	keysCmd.AddCommand(keysRemoveCmd)
	keysCmd.AddCommand(keysCheckCmd)

	keysCmd.PersistentFlags().StringVar(&globalOpts.Passkey, "passkey", "",
		"passkey (falls back to CRYPTOHOME_PASSKEY)")
	keysAddCmd.Flags().StringVar(&keyFlags.newPasskey, "new-passkey", "", "passkey for the new keyset")
	keysAddCmd.Flags().StringVar(&keyFlags.label, "label", "", "label for the new keyset")
	keysAddCmd.Flags().BoolVar(&keyFlags.clobber, "clobber", false, "replace an existing keyset with the same label")
	keysRemoveCmd.Flags().StringVar(&keyFlags.label, "label", "", "label of the keyset to remove")
}
