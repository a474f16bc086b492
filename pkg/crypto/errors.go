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

package crypto

import "errors"

// Engine errors. The retry-vs-fatal-vs-authentication distinction is
// part of the contract: Mount retries exactly once on
// ErrTpmCommunication, triggers vault recreation policy on ErrTpmFatal,
// and never auto-recreates on ErrAuthenticationFailed.
var (
	// ErrEncryptionFailed indicates the keyset could not be wrapped.
	ErrEncryptionFailed = errors.New("crypto: encryption failed")

	// ErrAuthenticationFailed indicates the passkey failed to unwrap
	// the keyset (integrity check mismatch). Never triggers recreation.
	ErrAuthenticationFailed = errors.New("crypto: authentication failed")

	// ErrTpmCommunication indicates a transient TPM failure. The
	// orchestration layer retries exactly once; the engine itself never
	// retries silently.
	ErrTpmCommunication = errors.New("crypto: TPM communication error")

	// ErrTpmFatal indicates the TPM key state is unrecoverable (TPM
	// cleared). Triggers the bounded vault recreation policy.
	ErrTpmFatal = errors.New("crypto: TPM key unrecoverable")

	// ErrLECredentialLocked indicates the external rate-limited store
	// reports lockout for a low-entropy keyset. Decryption fails closed.
	ErrLECredentialLocked = errors.New("crypto: low-entropy credential locked out")

	// ErrLEStoreUnavailable indicates a low-entropy keyset was found
	// but no credential store is configured.
	ErrLEStoreUnavailable = errors.New("crypto: low-entropy credential store unavailable")

	// ErrSignatureChallengeUnsupported indicates the keyset is
	// protected by a challenge-response collaborator this engine does
	// not handle.
	ErrSignatureChallengeUnsupported = errors.New("crypto: signature-challenge keyset handled externally")
)
