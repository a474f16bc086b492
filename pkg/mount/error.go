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

// MountError is the outward-facing result code of a mount operation.
// Lower layers return granular errors; this enum collapses them while
// preserving the retry-vs-fatal-vs-policy distinctions the service
// layer and the orchestration logic both depend on.
type MountError int

const (
	// MountErrorNone means the mount succeeded.
	MountErrorNone MountError = iota

	// MountErrorFatal means key material is unrecoverable (TPM cleared).
	// Triggers the vault recreation policy when the caller allows it.
	MountErrorFatal

	// MountErrorKeyFailure means the credentials failed to decrypt any
	// keyset. Never triggers recreation.
	MountErrorKeyFailure

	// MountErrorMountPointBusy means this session is already mounted.
	MountErrorMountPointBusy

	// MountErrorTpmCommError means a transient TPM communication
	// failure. MountCryptohome retries exactly once on this code.
	MountErrorTpmCommError

	// MountErrorUserDoesNotExist means no vault exists and creation was
	// not requested.
	MountErrorUserDoesNotExist

	// MountErrorEphemeralMountByOwner means an ephemeral mount was
	// requested for the device owner, which policy forbids.
	MountErrorEphemeralMountByOwner

	// MountErrorOldEncryption means dircrypto was required but the vault
	// is ecryptfs and no migration was requested. The vault is left
	// untouched.
	MountErrorOldEncryption

	// MountErrorUnprivilegedKey means the authenticated keyset does not
	// carry the mount privilege.
	MountErrorUnprivilegedKey

	// MountErrorMigrationIncomplete means both encryption backends are
	// present for the user; the explicit migration flow must resolve the
	// vault first.
	MountErrorMigrationIncomplete

	// MountErrorSetupFailed means vault preparation, keyring setup, or
	// the mount helper failed. Key material is intact.
	MountErrorSetupFailed

	// MountErrorInvalidArgs means the request arguments contradict each
	// other or the session state.
	MountErrorInvalidArgs

	// MountErrorRecreated means the mount succeeded, but only after the
	// vault was wiped and recreated due to unrecoverable key loss.
	// Callers warn the user their data is gone.
	MountErrorRecreated
)

// String returns the canonical code name.
func (e MountError) String() string {
	switch e {
	case MountErrorNone:
		return "none"
	case MountErrorFatal:
		return "fatal"
	case MountErrorKeyFailure:
		return "key_failure"
	case MountErrorMountPointBusy:
		return "mount_point_busy"
	case MountErrorTpmCommError:
		return "tpm_comm_error"
	case MountErrorUserDoesNotExist:
		return "user_does_not_exist"
	case MountErrorEphemeralMountByOwner:
		return "ephemeral_mount_by_owner"
	case MountErrorOldEncryption:
		return "old_encryption"
	case MountErrorUnprivilegedKey:
		return "unprivileged_key"
	case MountErrorMigrationIncomplete:
		return "migration_incomplete"
	case MountErrorSetupFailed:
		return "setup_failed"
	case MountErrorInvalidArgs:
		return "invalid_args"
	case MountErrorRecreated:
		return "recreated"
	default:
		return "unknown"
	}
}

// Mounted reports whether the code represents a mounted session.
// MountErrorRecreated is a success with data loss.
func (e MountError) Mounted() bool {
	return e == MountErrorNone || e == MountErrorRecreated
}
