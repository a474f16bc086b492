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

// Package crypto implements the vault keyset wrapping protocol: scrypt
// key derivation from the user's passkey, AES-256-GCM encryption of the
// keyset, optional hardware wrapping of the intermediate key through
// the TPM, and the migration decision between wrapping methods.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/scrypt"

	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
	"github.com/jeremyhahn/go-cryptohome/pkg/tpm"
)

// BoundPCRIndex is the PCR register user keysets are bound to when the
// TPM supports PCR-sealed wrapping.
const BoundPCRIndex uint32 = 4

// vkkSize is the size of the intermediate vault keyset key protecting
// the keyset blob in the hardware-wrapped scheme.
const vkkSize = 32

// ScryptParams hold the scrypt cost parameters for passkey stretching.
type ScryptParams struct {
	N int
	R int
	P int
}

// DefaultScryptParams are the production cost parameters.
func DefaultScryptParams() ScryptParams {
	return ScryptParams{N: 16384, R: 8, P: 1}
}

// TestScryptParams lower the cost for tests. Never use in production.
func TestScryptParams() ScryptParams {
	return ScryptParams{N: 1024, R: 8, P: 1}
}

// LECredentialStore is the external rate-limited store protecting
// low-entropy (PIN-like) credentials, consulted by label before any
// unwrap attempt.
type LECredentialStore interface {
	// IsLocked reports whether the label is currently locked out.
	IsLocked(label uint64) (bool, error)
}

// Engine converts between plaintext vault keysets and their wrapped
// on-disk form. Not safe for concurrent use against the same keyset;
// the daemon serializes all operations on one worker.
type Engine struct {
	tpm     tpm.Tpm
	logger  *logging.Logger
	params  ScryptParams
	leStore LECredentialStore
}

// Option configures the engine.
type Option func(*Engine)

// WithScryptParams overrides the scrypt cost parameters.
func WithScryptParams(p ScryptParams) Option {
	return func(e *Engine) { e.params = p }
}

// WithLECredentialStore attaches the external low-entropy credential
// store.
func WithLECredentialStore(store LECredentialStore) Option {
	return func(e *Engine) { e.leStore = store }
}

// NewEngine creates a crypto engine bound to the given TPM capability.
// A nil TPM disables hardware wrapping entirely.
func NewEngine(t tpm.Tpm, logger *logging.Logger, opts ...Option) *Engine {
	e := &Engine{
		tpm:    t,
		logger: logger.WithComponent("crypto"),
		params: DefaultScryptParams(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// shouldUseTpm reports whether hardware wrapping is currently possible:
// TPM present, enabled, owned, and the cryptohome key loaded.
func (e *Engine) shouldUseTpm() bool {
	return e.tpm != nil && e.tpm.IsEnabled() && e.tpm.IsOwned() && e.tpm.HasCryptohomeKey()
}

// pcrBound reports whether hardware wrapping would seal to PCR state.
func (e *Engine) pcrBound() bool {
	return e.shouldUseTpm() && e.tpm.IsPCRBindingSupported()
}

// boundPCRMap returns the PCR binding for user keysets: the designated
// register at its current value.
func (e *Engine) boundPCRMap() tpm.PCRMap {
	return tpm.PCRMap{BoundPCRIndex: nil}
}

// deriveKey stretches the passkey into an AES-256 key with scrypt.
func (e *Engine) deriveKey(passkey, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(passkey, salt, e.params.N, e.params.R, e.params.P, 32)
	if err != nil {
		return nil, fmt.Errorf("crypto: scrypt derivation: %w", err)
	}
	return key, nil
}

// passkeyKey converts a raw (non-derived) legacy passkey into an AES
// key. Pre-scrypt keysets wrapped with a digest of the passkey directly.
func passkeyKey(passkey []byte) []byte {
	sum := sha256.Sum256(passkey)
	return sum[:]
}

// randomBytes returns n cryptographically random bytes.
func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("crypto: random generation: %w", err)
	}
	return buf, nil
}

// aeadSeal encrypts plaintext with AES-256-GCM, binding it to the aad,
// and prepends the random nonce to the ciphertext.
func aeadSeal(key, plaintext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: GCM init: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce generation: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// aeadOpen decrypts a nonce-prefixed AES-256-GCM ciphertext. A tag
// mismatch surfaces as ErrAuthenticationFailed.
func aeadOpen(key, ciphertext, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher init: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: GCM init: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrAuthenticationFailed)
	}
	nonce, sealed := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}
