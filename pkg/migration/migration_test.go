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

package migration_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
	"github.com/jeremyhahn/go-cryptohome/pkg/migration"
	"github.com/jeremyhahn/go-cryptohome/pkg/mount"
	platformmocks "github.com/jeremyhahn/go-cryptohome/pkg/platform/mocks"
)

type progressRecord struct {
	status mount.MigrationStatus
	bytes  int64
	total  int64
}

type progressRecorder struct {
	records []progressRecord
}

func (r *progressRecorder) callback(status mount.MigrationStatus, currentBytes, totalBytes int64) {
	r.records = append(r.records, progressRecord{status, currentBytes, totalBytes})
}

func (r *progressRecorder) last() progressRecord {
	return r.records[len(r.records)-1]
}

func seedVault(p *platformmocks.MockPlatform) {
	files := map[string][]byte{
		"/from/a":          []byte("alpha"),
		"/from/b":          []byte("bb"),
		"/from/sub/c":      []byte("charlie!"),
		"/from/sub/deep/d": []byte("d"),
	}
	for path, data := range files {
		if err := p.WriteFileAtomicDurable(path, data, 0600); err != nil {
			panic(err)
		}
	}
	if err := p.CreateDirectory("/to", 0700); err != nil {
		panic(err)
	}
}

// TestMigrateCopiesTree verifies every file lands at the destination
// with progress reported per file and a single terminal success.
func TestMigrateCopiesTree(t *testing.T) {
	p := platformmocks.NewMockPlatform()
	seedVault(p)
	rec := &progressRecorder{}
	m := migration.NewVaultMigrator(p, logging.NewLogger(false), "/from", "/to")

	require.NoError(t, m.Migrate(rec.callback))

	for path, want := range map[string]string{
		"/to/a":          "alpha",
		"/to/b":          "bb",
		"/to/sub/c":      "charlie!",
		"/to/sub/deep/d": "d",
	} {
		data, err := p.ReadFile(path)
		require.NoError(t, err, path)
		assert.Equal(t, want, string(data))
	}

	last := rec.last()
	assert.Equal(t, mount.MigrationSuccess, last.status)
	assert.Equal(t, int64(16), last.bytes)
	assert.Equal(t, int64(16), last.total)

	successes := 0
	for _, r := range rec.records {
		if r.status == mount.MigrationSuccess {
			successes++
		}
	}
	assert.Equal(t, 1, successes)

	// Source tree is left intact for the mount layer to remove.
	assert.True(t, p.FileExists("/from/a"))
}

// TestMigrateResume verifies files the destination already holds at the
// same size are not copied again.
func TestMigrateResume(t *testing.T) {
	p := platformmocks.NewMockPlatform()
	seedVault(p)
	require.NoError(t, p.WriteFileAtomicDurable("/to/a", []byte("alpha"), 0600))

	rec := &progressRecorder{}
	m := migration.NewVaultMigrator(p, logging.NewLogger(false), "/from", "/to")
	require.NoError(t, m.Migrate(rec.callback))

	last := rec.last()
	assert.Equal(t, mount.MigrationSuccess, last.status)
	assert.Equal(t, int64(11), last.total)
}

// TestMigrateCancel verifies cancellation stops at a file boundary and
// reports a terminal failure.
func TestMigrateCancel(t *testing.T) {
	p := platformmocks.NewMockPlatform()
	seedVault(p)

	var m *migration.VaultMigrator
	rec := &progressRecorder{}
	cancelling := func(status mount.MigrationStatus, currentBytes, totalBytes int64) {
		rec.callback(status, currentBytes, totalBytes)
		m.Cancel()
	}
	m = migration.NewVaultMigrator(p, logging.NewLogger(false), "/from", "/to")

	err := m.Migrate(cancelling)
	require.ErrorIs(t, err, migration.ErrCancelled)
	assert.Equal(t, mount.MigrationFailed, rec.last().status)
	// One file copied before the cancel took effect.
	assert.Len(t, rec.records, 2)
}

// TestMigrateMissingSource verifies a missing source tree fails with a
// terminal failure report.
func TestMigrateMissingSource(t *testing.T) {
	p := platformmocks.NewMockPlatform()
	rec := &progressRecorder{}
	m := migration.NewVaultMigrator(p, logging.NewLogger(false), "/gone", "/to")

	err := m.Migrate(rec.callback)
	require.Error(t, err)
	assert.Equal(t, mount.MigrationFailed, rec.last().status)
}
