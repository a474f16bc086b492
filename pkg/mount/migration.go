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

package mount

import (
	"errors"
	"time"

	"github.com/jeremyhahn/go-cryptohome/pkg/metrics"
)

var (
	// ErrNotMounted is returned when migration is requested without an
	// active session.
	ErrNotMounted = errors.New("mount: no session mounted")

	// ErrMigrationNotApplicable is returned when the session was not
	// mounted for migration.
	ErrMigrationNotApplicable = errors.New("mount: session not mounted for migration")

	// ErrMigrationInProgress is returned when a migration is already
	// running for this session.
	ErrMigrationInProgress = errors.New("mount: migration already in progress")

	// ErrMigrationCancelled is reported by a migrator stopped through
	// Cancel before completion.
	ErrMigrationCancelled = errors.New("mount: migration cancelled")
)

// migrationTask tracks one in-flight dircrypto migration. err is
// written by the worker goroutine before done is closed, so readers
// that observed the close may read it without synchronization.
type migrationTask struct {
	migrator MigrationHelper
	done     chan struct{}
	err      error
	started  time.Time
}

// MigrateToDircrypto starts copying the ecryptfs vault into the
// dircrypto home. The session must have been mounted with
// ToMigrateFromEcryptfs so both trees are visible. The copy runs on its
// own goroutine; this call returns immediately and the session stays
// usable. Completion is observed lazily at the next operation on this
// Mount.
func (m *Mount) MigrateToDircrypto(progress ProgressCallback) error {
	m.reapMigration()
	if m.state != StateMounted {
		if m.state == StateMigrating {
			return ErrMigrationInProgress
		}
		return ErrNotMounted
	}
	if m.mountType != MountTypeEcryptfs || !m.toMigrate {
		return ErrMigrationNotApplicable
	}
	if m.migratorFactory == nil {
		return ErrMigrationNotApplicable
	}

	migrator := m.migratorFactory(
		m.homedirs.VaultPath(m.obfuscated),
		m.homedirs.MountPath(m.obfuscated),
	)
	task := &migrationTask{
		migrator: migrator,
		done:     make(chan struct{}),
		started:  time.Now(),
	}
	m.migration = task
	m.state = StateMigrating
	m.logger.Info("dircrypto migration started", "user", m.obfuscated)

	go func() {
		task.err = migrator.Migrate(func(status MigrationStatus, currentBytes, totalBytes int64) {
			metrics.SetMigrationBytes(currentBytes)
			if progress != nil {
				progress(status, currentBytes, totalBytes)
			}
		})
		close(task.done)
	}()
	return nil
}

// reapMigration finalizes a completed migration, if any. Called at the
// entry of every operation so completion is observed on the worker
// goroutine rather than the migrator's.
func (m *Mount) reapMigration() {
	if m.migration == nil {
		return
	}
	select {
	case <-m.migration.done:
		m.finishMigration()
	default:
	}
}

// cancelMigration stops an in-flight migration and waits for the
// worker goroutine to exit before finalizing.
func (m *Mount) cancelMigration() {
	if m.migration == nil {
		return
	}
	select {
	case <-m.migration.done:
	default:
		m.logger.Info("cancelling in-flight migration", "user", m.obfuscated)
		m.migration.migrator.Cancel()
		<-m.migration.done
	}
	m.finishMigration()
}

// finishMigration commits or abandons the migration outcome. On
// success the ecryptfs vault is deleted and the session becomes a
// plain dircrypto mount. On failure or cancellation both trees are
// left in place so a later mount can resume.
func (m *Mount) finishMigration() {
	task := m.migration
	m.migration = nil
	elapsed := time.Since(task.started).Seconds()

	if task.err != nil {
		m.logger.Warn("dircrypto migration did not complete",
			"user", m.obfuscated, "error", task.err)
		metrics.RecordOperation(metrics.OpMigrate, MountTypeDirCrypto.String(), metrics.StatusError, elapsed)
		m.state = StateMounted
		return
	}

	if err := m.platform.DeletePathRecursively(m.homedirs.VaultPath(m.obfuscated)); err != nil {
		// The data is fully migrated; a stale vault only wastes space.
		m.logger.Warn("migrated vault removal failed", "error", err)
	}
	m.logger.Info("dircrypto migration complete", "user", m.obfuscated)
	metrics.RecordOperation(metrics.OpMigrate, MountTypeDirCrypto.String(), metrics.StatusSuccess, elapsed)
	m.mountType = MountTypeDirCrypto
	m.toMigrate = false
	m.state = StateMounted
}
