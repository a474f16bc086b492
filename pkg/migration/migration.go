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

// Package migration moves a user's vault contents from the eCryptfs
// backend to native filesystem encryption. The migration mount keeps
// the eCryptfs view mounted while the migrator copies it file by file
// into the dircrypto-policied directory; the kernel handles decryption
// and re-encryption transparently through the keys already in the
// session keyring.
//
// Migration is resumable. Interrupted runs leave both trees on disk,
// and the next run skips files the destination already holds at the
// same size. The source tree is never modified; the mount layer
// removes it only after a run completes.
package migration

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
	"github.com/jeremyhahn/go-cryptohome/pkg/mount"
	"github.com/jeremyhahn/go-cryptohome/pkg/platform"
)

// ErrCancelled is returned by Migrate when Cancel interrupts the run.
var ErrCancelled = errors.New("migration: cancelled")

// VaultMigrator copies one vault tree between encryption backends.
// Cancel is cooperative and observed at file boundaries, so
// cancellation latency is bounded by one file's I/O time.
type VaultMigrator struct {
	platform platform.Platform
	logger   *logging.Logger
	from     string
	to       string

	cancelled atomic.Bool
}

// NewVaultMigrator creates a migrator copying the tree rooted at from
// into to. It satisfies the mount layer's migration helper contract.
func NewVaultMigrator(p platform.Platform, logger *logging.Logger, from, to string) *VaultMigrator {
	return &VaultMigrator{
		platform: p,
		logger:   logger.WithComponent("migration"),
		from:     from,
		to:       to,
	}
}

// Cancel requests the run stop at the next file boundary.
func (v *VaultMigrator) Cancel() {
	v.cancelled.Store(true)
}

// Migrate copies the vault tree, reporting progress after every file.
// The terminal status is reported exactly once before returning.
func (v *VaultMigrator) Migrate(progress mount.ProgressCallback) error {
	plan, total, err := v.plan()
	if err != nil {
		progress(mount.MigrationFailed, 0, 0)
		return err
	}
	v.logger.Info("vault migration starting",
		"from", v.from, "to", v.to, "files", len(plan), "total_bytes", total)

	var copied int64
	for _, rel := range plan {
		if v.cancelled.Load() {
			v.logger.Info("vault migration cancelled",
				"copied_bytes", copied, "total_bytes", total)
			progress(mount.MigrationFailed, copied, total)
			return ErrCancelled
		}
		n, err := v.copyFile(rel)
		if err != nil {
			progress(mount.MigrationFailed, copied, total)
			return err
		}
		copied += n
		progress(mount.MigrationInProgress, copied, total)
	}
	v.logger.Info("vault migration complete", "copied_bytes", copied)
	progress(mount.MigrationSuccess, copied, total)
	return nil
}

// plan walks the source tree and returns the relative paths still to
// copy plus their total byte count. Files already present at the
// destination with a matching size are skipped, which is what makes an
// interrupted migration resumable.
func (v *VaultMigrator) plan() ([]string, int64, error) {
	if !v.platform.DirectoryExists(v.from) {
		return nil, 0, fmt.Errorf("migration: source %q does not exist", v.from)
	}
	var files []string
	var total int64
	var walk func(rel string) error
	walk = func(rel string) error {
		dir := filepath.Join(v.from, rel)
		entries, err := v.platform.EnumerateDirectoryEntries(dir)
		if err != nil {
			return fmt.Errorf("migration: enumerate %q: %w", dir, err)
		}
		for _, name := range entries {
			childRel := filepath.Join(rel, name)
			child := filepath.Join(v.from, childRel)
			if v.platform.DirectoryExists(child) {
				if err := walk(childRel); err != nil {
					return err
				}
				continue
			}
			size, err := v.platform.FileSize(child)
			if err != nil {
				return fmt.Errorf("migration: size %q: %w", child, err)
			}
			dest := filepath.Join(v.to, childRel)
			if destSize, err := v.platform.FileSize(dest); err == nil && destSize == size {
				continue
			}
			files = append(files, childRel)
			total += size
		}
		return nil
	}
	if err := walk(""); err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

func (v *VaultMigrator) copyFile(rel string) (int64, error) {
	src := filepath.Join(v.from, rel)
	data, err := v.platform.ReadFile(src)
	if err != nil {
		return 0, fmt.Errorf("migration: read %q: %w", src, err)
	}
	dest := filepath.Join(v.to, rel)
	if dir := filepath.Dir(dest); dir != v.to {
		if err := v.platform.CreateDirectory(dir, 0700); err != nil {
			return 0, fmt.Errorf("migration: create %q: %w", dir, err)
		}
	}
	if err := v.platform.WriteFileAtomicDurable(dest, data, 0600); err != nil {
		return 0, fmt.Errorf("migration: write %q: %w", dest, err)
	}
	return int64(len(data)), nil
}
