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

package tpm

// Disabled is the Tpm implementation for devices without usable TPM
// hardware. Every operation fails with ErrDisabled; the crypto engine
// falls back to software key wrapping when IsEnabled reports false.
type Disabled struct{}

// NewDisabled returns the no-hardware Tpm implementation.
func NewDisabled() *Disabled {
	return &Disabled{}
}

func (*Disabled) IsEnabled() bool             { return false }
func (*Disabled) IsOwned() bool               { return false }
func (*Disabled) HasCryptohomeKey() bool      { return false }
func (*Disabled) IsPCRBindingSupported() bool { return false }
func (*Disabled) CanUnsealWithUserAuth() bool { return false }

func (*Disabled) EncryptBlob(plaintext []byte, pcrMap PCRMap) ([]byte, RetryAction, error) {
	return nil, RetryFailFatal, ErrDisabled
}

func (*Disabled) DecryptBlob(ciphertext []byte, pcrMap PCRMap) ([]byte, RetryAction, error) {
	return nil, RetryFailFatal, ErrDisabled
}

func (*Disabled) GetPublicKeyHash() ([]byte, RetryAction, error) {
	return nil, RetryFailFatal, ErrDisabled
}

func (*Disabled) CreatePCRBoundKey(pcrMap PCRMap) ([]byte, []byte, error) {
	return nil, nil, ErrDisabled
}

func (*Disabled) VerifyPCRBoundKey(pcrMap PCRMap, wrappedKey, publicKeyDER []byte) bool {
	return false
}

func (*Disabled) Sign(wrappedKey, digest []byte) ([]byte, RetryAction, error) {
	return nil, RetryFailFatal, ErrDisabled
}

func (*Disabled) ExtendPCR(index uint32, data []byte) bool { return false }

func (*Disabled) ReadPCR(index uint32) ([]byte, error) {
	return nil, ErrDisabled
}
