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

// Package tpm defines the hardware security module capability consumed
// by the crypto engine, boot lockbox, and mount orchestration. The
// interface treats the TPM as an opaque root of trust: callers receive a
// result plus a retry action and never interact with TPM wire formats.
package tpm

import "errors"

// RetryAction tells the caller how to treat a failed TPM operation.
// The orchestration layer (Mount) retries exactly once on RetryCommFailure;
// everything else is terminal for the current operation.
type RetryAction int

const (
	// RetryNone means the operation succeeded or failed in a way that
	// retrying cannot help but does not invalidate key material.
	RetryNone RetryAction = iota

	// RetryCommFailure means a transient communication failure occurred
	// and the same call may succeed if retried.
	RetryCommFailure

	// RetryFailFatal means the hardware state is unrecoverable for this
	// key (TPM cleared, key handle gone). Callers must fall back to
	// software wrapping or trigger vault recreation policy.
	RetryFailFatal
)

// String returns a log-friendly name for the retry action.
func (a RetryAction) String() string {
	switch a {
	case RetryNone:
		return "none"
	case RetryCommFailure:
		return "comm-failure"
	case RetryFailFatal:
		return "fail-fatal"
	default:
		return "unknown"
	}
}

// PCRMap binds PCR indices to the register values a key is sealed
// against. A nil or empty map means no PCR binding.
type PCRMap map[uint32][]byte

// Package errors
var (
	// ErrCommunication indicates a transient TPM communication failure.
	ErrCommunication = errors.New("tpm: communication failure")

	// ErrFatal indicates the TPM key state is unrecoverable.
	ErrFatal = errors.New("tpm: unrecoverable key state")

	// ErrDisabled indicates the TPM is not present or not enabled.
	ErrDisabled = errors.New("tpm: not enabled")

	// ErrNoCryptohomeKey indicates no usable wrapping key is loaded.
	ErrNoCryptohomeKey = errors.New("tpm: cryptohome key not loaded")
)

// Tpm is the hardware capability consumed by the rest of the module.
// Implementations must map their own failure modes onto the RetryAction
// taxonomy; callers depend on the retry-vs-fatal distinction.
type Tpm interface {
	// IsEnabled reports whether a TPM is present and enabled.
	IsEnabled() bool

	// IsOwned reports whether the TPM has been taken over by this device.
	IsOwned() bool

	// HasCryptohomeKey reports whether a usable wrapping key is loaded.
	// Hardware wrapping is attempted only when this is true.
	HasCryptohomeKey() bool

	// IsPCRBindingSupported reports whether the loaded wrapping key is
	// sealed to PCR state.
	IsPCRBindingSupported() bool

	// CanUnsealWithUserAuth reports whether the wrapping key can be
	// unsealed using only user-supplied authorization.
	CanUnsealWithUserAuth() bool

	// EncryptBlob wraps plaintext under the cryptohome key, optionally
	// bound to the given PCR values.
	EncryptBlob(plaintext []byte, pcrMap PCRMap) (ciphertext []byte, action RetryAction, err error)

	// DecryptBlob unwraps ciphertext produced by EncryptBlob.
	DecryptBlob(ciphertext []byte, pcrMap PCRMap) (plaintext []byte, action RetryAction, err error)

	// GetPublicKeyHash returns a stable digest of the cryptohome key's
	// public half, recorded in serialized keysets to select and verify
	// the wrapping key on decrypt.
	GetPublicKeyHash() ([]byte, RetryAction, error)

	// CreatePCRBoundKey creates a fresh RSA signing key sealed to the
	// given PCR values. Returns the wrapped private key blob and the
	// DER-encoded public key.
	CreatePCRBoundKey(pcrMap PCRMap) (wrappedKey []byte, publicKeyDER []byte, err error)

	// VerifyPCRBoundKey checks that a previously created key's PCR
	// binding is intact against the given PCR values.
	VerifyPCRBoundKey(pcrMap PCRMap, wrappedKey, publicKeyDER []byte) bool

	// Sign produces an RSA-PKCS1v15 signature over the digest using the
	// wrapped key blob. Signing requires the PCR binding to hold.
	Sign(wrappedKey []byte, digest []byte) (signature []byte, action RetryAction, err error)

	// ExtendPCR extends the given PCR register with data. Returns false
	// only on genuine communication failure.
	ExtendPCR(index uint32, data []byte) bool

	// ReadPCR returns the current value of the given PCR register.
	ReadPCR(index uint32) ([]byte, error)
}
