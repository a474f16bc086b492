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

// Package lockbox implements the boot lockbox: a one-shot TPM-backed
// signing facility. Early-boot code signs data with a PCR-bound key;
// finalizing the lockbox extends the register so no new signing key can
// be created for the rest of the boot, while verification of existing
// signatures keeps working.
package lockbox

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"fmt"
	"path/filepath"

	cryptoengine "github.com/jeremyhahn/go-cryptohome/pkg/crypto"
	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
	"github.com/jeremyhahn/go-cryptohome/pkg/platform"
	"github.com/jeremyhahn/go-cryptohome/pkg/tpm"
)

// LockboxPCRIndex is the register reserved for boot lockbox
// finalization.
const LockboxPCRIndex uint32 = 15

// pcrValueSize matches the SHA-256 bank register width.
const pcrValueSize = 32

// finalizeExtension is the data extended into the lockbox PCR on
// finalization. The value is arbitrary; any extend moves the register
// off its initial state.
var finalizeExtension = []byte("boot-lockbox-finalized")

// Package errors
var (
	// ErrFinalized indicates the lockbox is finalized and no signing key
	// exists, so signing is permanently unavailable this boot.
	ErrFinalized = errors.New("lockbox: finalized, key creation disallowed")

	// ErrTpmRequired indicates no enabled TPM is available. The lockbox
	// has no software fallback.
	ErrTpmRequired = errors.New("lockbox: TPM not available")

	// ErrVerificationFailed indicates the signature or the key's PCR
	// binding did not verify.
	ErrVerificationFailed = errors.New("lockbox: verification failed")
)

// Config locates the lockbox key files.
type Config struct {
	// KeyPath holds the signing key's private half, TPM-wrapped and
	// sealed through the crypto engine.
	KeyPath string

	// PublicKeyPath holds the cleartext DER public key.
	PublicKeyPath string

	// PCRIndex is the finalization register.
	PCRIndex uint32
}

// DefaultConfig returns the production lockbox layout under stateDir.
func DefaultConfig(stateDir string) Config {
	return Config{
		KeyPath:       filepath.Join(stateDir, "boot-lockbox", "key"),
		PublicKeyPath: filepath.Join(stateDir, "boot-lockbox", "key.pub"),
		PCRIndex:      LockboxPCRIndex,
	}
}

// BootLockbox signs data with a PCR-bound key until the boot is
// finalized. Not safe for concurrent use; the daemon serializes all
// operations on one worker.
type BootLockbox struct {
	tpm      tpm.Tpm
	platform platform.Platform
	engine   *cryptoengine.Engine
	logger   *logging.Logger
	config   Config
}

// NewBootLockbox creates a lockbox over the given capabilities.
func NewBootLockbox(t tpm.Tpm, p platform.Platform, e *cryptoengine.Engine, logger *logging.Logger, config Config) *BootLockbox {
	return &BootLockbox{
		tpm:      t,
		platform: p,
		engine:   e,
		logger:   logger.WithComponent("lockbox"),
		config:   config,
	}
}

// creationPCRMap is the register state the signing key is bound to: the
// lockbox PCR at its initial (never extended) value. Verification keeps
// using this map after finalization moves the live register.
func (b *BootLockbox) creationPCRMap() tpm.PCRMap {
	return tpm.PCRMap{b.config.PCRIndex: make([]byte, pcrValueSize)}
}

// HasKey reports whether a signing key has been created and persisted.
func (b *BootLockbox) HasKey() bool {
	return b.platform.FileExists(b.config.KeyPath) && b.platform.FileExists(b.config.PublicKeyPath)
}

// Sign produces an RSA-PKCS1v15 signature over SHA-256(data). A fresh
// PCR-bound key is created on first use; once the boot is finalized no
// key can be created, so signing without an existing key fails.
func (b *BootLockbox) Sign(data []byte) ([]byte, error) {
	if b.tpm == nil || !b.tpm.IsEnabled() {
		return nil, ErrTpmRequired
	}

	wrappedKey, err := b.loadKey()
	if err != nil {
		if !errors.Is(err, platform.ErrNotFound) {
			return nil, err
		}
		if b.IsFinalized() {
			return nil, ErrFinalized
		}
		wrappedKey, err = b.createKey()
		if err != nil {
			return nil, err
		}
	}

	digest := sha256.Sum256(data)
	signature, action, err := b.tpm.Sign(wrappedKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("lockbox: sign (retry %s): %w", action, err)
	}
	return signature, nil
}

// Verify checks an RSA-PKCS1v15 signature over SHA-256(data) against
// the persisted public key, after confirming the signing key's PCR
// binding is intact. Works regardless of finalization state.
func (b *BootLockbox) Verify(data, signature []byte) error {
	publicKeyDER, err := b.platform.ReadFile(b.config.PublicKeyPath)
	if err != nil {
		return fmt.Errorf("lockbox: read public key: %w", err)
	}
	wrappedKey, err := b.loadKey()
	if err != nil {
		return err
	}
	if b.tpm == nil || !b.tpm.VerifyPCRBoundKey(b.creationPCRMap(), wrappedKey, publicKeyDER) {
		return fmt.Errorf("%w: PCR binding check", ErrVerificationFailed)
	}

	parsed, err := x509.ParsePKIXPublicKey(publicKeyDER)
	if err != nil {
		return fmt.Errorf("lockbox: parse public key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: not an RSA key", ErrVerificationFailed)
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(rsaKey, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	return nil
}

// FinalizeBoot extends the lockbox PCR so no further signing key can be
// created this boot. Idempotent. Returns false only on genuine TPM
// communication failure; without a TPM there is nothing to finalize and
// the call succeeds.
func (b *BootLockbox) FinalizeBoot() bool {
	if b.tpm == nil || !b.tpm.IsEnabled() {
		return true
	}
	if b.IsFinalized() {
		return true
	}
	if !b.tpm.ExtendPCR(b.config.PCRIndex, finalizeExtension) {
		b.logger.Error("boot lockbox finalization failed", "pcr", b.config.PCRIndex)
		return false
	}
	b.logger.Info("boot lockbox finalized", "pcr", b.config.PCRIndex)
	return true
}

// IsFinalized reports whether the lockbox PCR has moved off its initial
// value. Without a TPM the lockbox is considered permanently finalized;
// a register that cannot be read is treated the same way, closed rather
// than open.
func (b *BootLockbox) IsFinalized() bool {
	if b.tpm == nil || !b.tpm.IsEnabled() {
		return true
	}
	value, err := b.tpm.ReadPCR(b.config.PCRIndex)
	if err != nil {
		b.logger.Warn("lockbox PCR unreadable, treating as finalized", "error", err)
		return true
	}
	for _, v := range value {
		if v != 0 {
			return true
		}
	}
	return false
}

// loadKey reads and unseals the persisted TPM-wrapped signing key.
// Returns platform.ErrNotFound when no key has been created yet.
func (b *BootLockbox) loadKey() ([]byte, error) {
	sealed, err := b.platform.ReadFile(b.config.KeyPath)
	if err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("lockbox: read key file: %w", err)
	}
	wrappedKey, err := b.engine.DecryptData(sealed)
	if err != nil {
		return nil, fmt.Errorf("lockbox: unseal key: %w", err)
	}
	return wrappedKey, nil
}

// createKey generates a fresh PCR-bound signing key and persists both
// halves. File write failures are unrecoverable for the operation.
func (b *BootLockbox) createKey() ([]byte, error) {
	wrappedKey, publicKeyDER, err := b.tpm.CreatePCRBoundKey(b.creationPCRMap())
	if err != nil {
		return nil, fmt.Errorf("lockbox: create key: %w", err)
	}
	sealed, err := b.engine.EncryptData(wrappedKey)
	if err != nil {
		return nil, fmt.Errorf("lockbox: seal key: %w", err)
	}

	dir := filepath.Dir(b.config.KeyPath)
	if err := b.platform.CreateDirectory(dir, 0700); err != nil {
		return nil, fmt.Errorf("lockbox: create key directory: %w", err)
	}
	if err := b.platform.WriteFileAtomicDurable(b.config.KeyPath, sealed, 0600); err != nil {
		return nil, fmt.Errorf("lockbox: persist key: %w", err)
	}
	if err := b.platform.WriteFileAtomicDurable(b.config.PublicKeyPath, publicKeyDER, 0644); err != nil {
		return nil, fmt.Errorf("lockbox: persist public key: %w", err)
	}
	b.logger.Info("boot lockbox key created", "pcr", b.config.PCRIndex)
	return wrappedKey, nil
}
