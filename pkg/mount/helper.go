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

// MountType identifies what kind of session a Mount holds.
type MountType int

const (
	// MountTypeNone means no session is active.
	MountTypeNone MountType = iota

	// MountTypeEcryptfs is a persistent session on the stacked
	// filesystem backend.
	MountTypeEcryptfs

	// MountTypeDirCrypto is a persistent session on native filesystem
	// encryption.
	MountTypeDirCrypto

	// MountTypeEphemeral is a RAM-backed session that never touches
	// persistent key material.
	MountTypeEphemeral
)

// String returns a log-friendly mount type name.
func (t MountType) String() string {
	switch t {
	case MountTypeEcryptfs:
		return "ecryptfs"
	case MountTypeDirCrypto:
		return "dircrypto"
	case MountTypeEphemeral:
		return "ephemeral"
	default:
		return "none"
	}
}

// MountRequest carries everything the mount helper needs to perform the
// actual mount/bind-mount sequence. The helper is opaque to Mount; it
// receives decrypted key signatures and the backend decision, nothing
// more.
type MountRequest struct {
	Type     MountType
	Username string

	// Vault paths for persistent mounts.
	VaultPath string
	MountPath string

	// KeySignature and FnekSignature are the hex keyring signatures the
	// helper passes to the kernel mount options.
	KeySignature  string
	FnekSignature string

	// EphemeralID names the backing store of an ephemeral mount.
	EphemeralID string

	// Created marks a freshly created vault so the helper can run
	// first-login setup (skeleton copy, ownership).
	Created bool

	// ToMigrate requests the dual ecryptfs+dircrypto mount used while
	// migration is in flight.
	ToMigrate bool
}

// Helper performs the mount(2)/bind-mount sequence for a session. The
// production implementation runs out of process; tests inject a mock.
type Helper interface {
	// PerformMount mounts the session described by the request.
	PerformMount(req *MountRequest) error

	// UnmountAll tears down every mount this helper performed.
	UnmountAll() error

	// IsPathMounted reports whether the helper holds a mount at path.
	IsPathMounted(path string) bool

	// MountPerformed reports whether this helper currently holds any
	// mount.
	MountPerformed() bool
}

// MigrationStatus is reported through the migration progress callback.
type MigrationStatus int

const (
	// MigrationInProgress reports intermediate byte counts.
	MigrationInProgress MigrationStatus = iota

	// MigrationSuccess is the terminal success report.
	MigrationSuccess

	// MigrationFailed is the terminal failure report.
	MigrationFailed
)

// ProgressCallback receives migration progress. Terminal statuses are
// reported exactly once.
type ProgressCallback func(status MigrationStatus, currentBytes, totalBytes int64)

// MigrationHelper copies a vault between encryption backends chunk by
// chunk. Cancel is cooperative: the migrator observes it at the next
// chunk boundary, so cancellation latency is bounded by one chunk's
// I/O time.
type MigrationHelper interface {
	Migrate(progress ProgressCallback) error
	Cancel()
}

// MigratorFactory builds the migration helper for one vault move.
type MigratorFactory func(fromVaultPath, toMountPath string) MigrationHelper

// Pkcs11TokenHandler loads and unloads the user's PKCS#11 token around
// a session. Token handling itself lives outside this module; a nil
// handler disables it.
type Pkcs11TokenHandler interface {
	LoadToken(username string, chapsKey []byte) error
	UnloadToken(username string) error
}
