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

import (
	"bytes"
	"fmt"

	"github.com/jeremyhahn/go-cryptohome/pkg/keyset"
	"github.com/jeremyhahn/go-cryptohome/pkg/tpm"
)

// EncryptVaultKeyset wraps a plaintext keyset for storage. When a
// usable TPM cryptohome key exists the scrypt-derived intermediate is
// additionally wrapped through the hardware; otherwise the keyset is
// wrapped with scrypt alone. The chaps key and reset seed are always
// wrapped separately with the same derived key so they can be
// re-extracted without decrypting the whole keyset.
//
// TPM failures are returned as ErrEncryptionFailed joined with
// ErrTpmCommunication (transient, caller may retry) or ErrTpmFatal
// (caller must fall back to EncryptVaultKeysetScrypt).
func (e *Engine) EncryptVaultKeyset(vk *keyset.VaultKeyset, passkey, salt []byte, obfuscatedUsername string) (*keyset.SerializedVaultKeyset, error) {
	if e.shouldUseTpm() {
		return e.encryptTpm(vk, passkey, salt, obfuscatedUsername)
	}
	return e.EncryptVaultKeysetScrypt(vk, passkey, salt, obfuscatedUsername)
}

// EncryptVaultKeysetScrypt wraps a keyset with scrypt alone, the
// software fallback when hardware wrapping is unavailable or has
// failed fatally.
func (e *Engine) EncryptVaultKeysetScrypt(vk *keyset.VaultKeyset, passkey, salt []byte, obfuscatedUsername string) (*keyset.SerializedVaultKeyset, error) {
	derived, err := e.deriveKey(passkey, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	plaintext, err := vk.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	wrapped, err := aeadSeal(derived, plaintext, []byte(obfuscatedUsername))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	s := &keyset.SerializedVaultKeyset{
		Salt:          append([]byte(nil), salt...),
		WrappedKeyset: wrapped,
	}
	s.SetWrapMethod(keyset.WrapMethod{Kind: keyset.WrapKindScrypt, Derived: true})
	if err := e.wrapAuxiliary(s, vk, derived, obfuscatedUsername); err != nil {
		return nil, err
	}
	return s, nil
}

// encryptTpm performs the hardware-wrapped scheme: a random
// intermediate key (VKK) encrypts the keyset blob, the scrypt-derived
// key protects the VKK, and the TPM wraps the protected VKK so the
// secret can only be recovered on this device.
func (e *Engine) encryptTpm(vk *keyset.VaultKeyset, passkey, salt []byte, obfuscatedUsername string) (*keyset.SerializedVaultKeyset, error) {
	derived, err := e.deriveKey(passkey, salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	plaintext, err := vk.Marshal()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	vkk, err := randomBytes(vkkSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrapped, err := aeadSeal(vkk, plaintext, []byte(obfuscatedUsername))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	protectedVKK, err := aeadSeal(derived, vkk, []byte(obfuscatedUsername))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	pcrBound := e.pcrBound()
	var pcrMap tpm.PCRMap
	if pcrBound {
		pcrMap = e.boundPCRMap()
	}
	tpmKey, action, err := e.tpm.EncryptBlob(protectedVKK, pcrMap)
	if err != nil {
		return nil, e.wrapEncryptError(action, err)
	}

	pubHash, action, err := e.tpm.GetPublicKeyHash()
	if err != nil {
		return nil, e.wrapEncryptError(action, err)
	}

	s := &keyset.SerializedVaultKeyset{
		Salt:             append([]byte(nil), salt...),
		WrappedKeyset:    wrapped,
		TpmKey:           tpmKey,
		TpmPublicKeyHash: pubHash,
	}
	s.SetWrapMethod(keyset.WrapMethod{Kind: keyset.WrapKindTpm, PCRBound: pcrBound})
	if err := e.wrapAuxiliary(s, vk, derived, obfuscatedUsername); err != nil {
		return nil, err
	}
	return s, nil
}

// wrapAuxiliary wraps the chaps key and reset seed when present.
func (e *Engine) wrapAuxiliary(s *keyset.SerializedVaultKeyset, vk *keyset.VaultKeyset, derived []byte, obfuscatedUsername string) error {
	if len(vk.ChapsKey) > 0 {
		wrapped, err := aeadSeal(derived, vk.ChapsKey, []byte(obfuscatedUsername))
		if err != nil {
			return fmt.Errorf("%w: chaps key: %v", ErrEncryptionFailed, err)
		}
		s.WrappedChapsKey = wrapped
	}
	if len(vk.ResetSeed) > 0 {
		wrapped, err := aeadSeal(derived, vk.ResetSeed, []byte(obfuscatedUsername))
		if err != nil {
			return fmt.Errorf("%w: reset seed: %v", ErrEncryptionFailed, err)
		}
		s.WrappedResetSeed = wrapped
	}
	return nil
}

// wrapEncryptError classifies a TPM failure during encryption.
func (e *Engine) wrapEncryptError(action tpm.RetryAction, err error) error {
	switch action {
	case tpm.RetryCommFailure:
		return fmt.Errorf("%w: %w: %v", ErrEncryptionFailed, ErrTpmCommunication, err)
	case tpm.RetryFailFatal:
		return fmt.Errorf("%w: %w: %v", ErrEncryptionFailed, ErrTpmFatal, err)
	default:
		return fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
}

// DecryptVaultKeyset unwraps a serialized keyset with the given
// passkey. Decryption branches on the recorded wrapping method; the
// historical both-flags state decrypts through the TPM path since the
// TPM wrapping is the authoritative one.
//
// Error contract: ErrAuthenticationFailed for wrong passkey or
// integrity mismatch, ErrTpmCommunication for transient hardware
// failure (Mount retries exactly once), ErrTpmFatal when the hardware
// key is unrecoverable, ErrLECredentialLocked when the low-entropy
// store reports lockout.
func (e *Engine) DecryptVaultKeyset(s *keyset.SerializedVaultKeyset, passkey []byte, obfuscatedUsername string) (*keyset.VaultKeyset, error) {
	method := s.WrapMethod()
	switch method.Kind {
	case keyset.WrapKindSignatureChallenge:
		return nil, ErrSignatureChallengeUnsupported

	case keyset.WrapKindLowEntropy:
		if e.leStore == nil {
			return nil, ErrLEStoreUnavailable
		}
		locked, err := e.leStore.IsLocked(method.Label)
		if err != nil {
			// Fail closed: an unreachable store is treated as lockout,
			// never as permission to bypass rate limiting.
			return nil, fmt.Errorf("%w: %v", ErrLECredentialLocked, err)
		}
		if locked {
			return nil, ErrLECredentialLocked
		}
		return e.decryptScrypt(s, passkey, obfuscatedUsername)

	case keyset.WrapKindTpm, keyset.WrapKindTpmAndScrypt:
		return e.decryptTpm(s, passkey, obfuscatedUsername, method)

	default:
		return e.decryptScrypt(s, passkey, obfuscatedUsername)
	}
}

func (e *Engine) decryptScrypt(s *keyset.SerializedVaultKeyset, passkey []byte, obfuscatedUsername string) (*keyset.VaultKeyset, error) {
	key, err := e.unwrapKeyForScrypt(s, passkey)
	if err != nil {
		return nil, err
	}
	plaintext, err := aeadOpen(key, s.WrappedKeyset, []byte(obfuscatedUsername))
	if err != nil {
		return nil, err
	}
	vk, err := keyset.Unmarshal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	e.unwrapAuxiliary(s, vk, key, obfuscatedUsername)
	return vk, nil
}

// unwrapKeyForScrypt picks the software wrapping key: scrypt-derived
// for modern keysets, a passkey digest for pre-scrypt records.
func (e *Engine) unwrapKeyForScrypt(s *keyset.SerializedVaultKeyset, passkey []byte) ([]byte, error) {
	method := s.WrapMethod()
	if method.Kind == keyset.WrapKindScrypt && !method.Derived {
		return passkeyKey(passkey), nil
	}
	key, err := e.deriveKey(passkey, s.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return key, nil
}

func (e *Engine) decryptTpm(s *keyset.SerializedVaultKeyset, passkey []byte, obfuscatedUsername string, method keyset.WrapMethod) (*keyset.VaultKeyset, error) {
	if e.tpm == nil || !e.tpm.IsEnabled() {
		return nil, fmt.Errorf("%w: keyset is TPM-wrapped but no TPM is available", ErrTpmFatal)
	}

	// Verify the stored hash selects the currently loaded hardware key.
	// A mismatch means the TPM was cleared and the keyset is gone.
	if len(s.TpmPublicKeyHash) > 0 {
		pubHash, action, err := e.tpm.GetPublicKeyHash()
		if err != nil {
			return nil, e.classifyTpmError(action, err)
		}
		if !bytes.Equal(pubHash, s.TpmPublicKeyHash) {
			return nil, fmt.Errorf("%w: cryptohome key hash mismatch", ErrTpmFatal)
		}
	}

	var pcrMap tpm.PCRMap
	if method.PCRBound {
		pcrMap = e.boundPCRMap()
	}
	protectedVKK, action, err := e.tpm.DecryptBlob(s.TpmKey, pcrMap)
	if err != nil {
		return nil, e.classifyTpmError(action, err)
	}

	derived, err := e.deriveKey(passkey, s.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	vkk, err := aeadOpen(derived, protectedVKK, []byte(obfuscatedUsername))
	if err != nil {
		return nil, err
	}
	plaintext, err := aeadOpen(vkk, s.WrappedKeyset, []byte(obfuscatedUsername))
	if err != nil {
		return nil, err
	}
	vk, err := keyset.Unmarshal(plaintext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	e.unwrapAuxiliary(s, vk, derived, obfuscatedUsername)
	return vk, nil
}

// unwrapAuxiliary recovers the chaps key and reset seed. Missing
// wrapped fields are left empty for the mount layer to backfill; a
// field that fails to unwrap is treated the same way rather than
// failing the whole decrypt, since the main keyset already
// authenticated the passkey.
func (e *Engine) unwrapAuxiliary(s *keyset.SerializedVaultKeyset, vk *keyset.VaultKeyset, key []byte, obfuscatedUsername string) {
	if len(s.WrappedChapsKey) > 0 {
		chaps, err := aeadOpen(key, s.WrappedChapsKey, []byte(obfuscatedUsername))
		if err == nil {
			vk.ChapsKey = chaps
		} else {
			e.logger.Warnf("chaps key unwrap failed for %s: %v", obfuscatedUsername, err)
		}
	}
	if len(s.WrappedResetSeed) > 0 {
		seed, err := aeadOpen(key, s.WrappedResetSeed, []byte(obfuscatedUsername))
		if err == nil {
			vk.ResetSeed = seed
		} else {
			e.logger.Warnf("reset seed unwrap failed for %s: %v", obfuscatedUsername, err)
		}
	}
}

// classifyTpmError maps a TPM retry action onto engine errors.
func (e *Engine) classifyTpmError(action tpm.RetryAction, err error) error {
	switch action {
	case tpm.RetryCommFailure:
		return fmt.Errorf("%w: %v", ErrTpmCommunication, err)
	case tpm.RetryFailFatal:
		return fmt.Errorf("%w: %v", ErrTpmFatal, err)
	default:
		return fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
}
