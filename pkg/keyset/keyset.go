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

// Package keyset defines the vault keyset data model: the plaintext key
// bundle protecting a user's home directory, its wrapped on-disk
// representation, and the wrapping-method state used by the migration
// logic.
package keyset

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
)

// Key material sizes. The FEK/FNEK sizes match the eCryptfs key layout;
// the signature and salt fields are the short identifiers eCryptfs
// embeds in its lower-filesystem metadata.
const (
	KeySize       = 64
	KeySigSize    = 8
	KeySaltSize   = 8
	ChapsKeySize  = 16
	ResetSeedSize = 32
)

// KeyFileMax is the highest allowed keyset index per user. Keyset files
// are named master.0 through master.KeyFileMax.
const KeyFileMax = 100

// VaultKeyset is the decrypted form of a user's filesystem encryption
// key material. It exists transiently in memory after a successful
// decryption and must be wiped when its owning scope ends; it is never
// persisted unencrypted.
type VaultKeyset struct {
	FEK     []byte `json:"fek"`
	FEKSig  []byte `json:"fek_sig"`
	FEKSalt []byte `json:"fek_salt"`

	FNEK     []byte `json:"fnek"`
	FNEKSig  []byte `json:"fnek_sig"`
	FNEKSalt []byte `json:"fnek_salt"`

	// ChapsKey authenticates the user's PKCS#11 token. Loaded out of
	// band by the token-handling collaborator.
	ChapsKey []byte `json:"chaps_key,omitempty"`

	// ResetSeed derives reset secrets for low-entropy credentials.
	ResetSeed []byte `json:"reset_seed,omitempty"`

	// HighestAllowedKeyIndex bounds which keyset indices a key with
	// limited privileges may modify. Negative means unbounded.
	HighestAllowedKeyIndex int `json:"highest_allowed_key_index"`
}

// CreateRandom fills a new VaultKeyset with fresh random key material.
func CreateRandom() (*VaultKeyset, error) {
	vk := &VaultKeyset{HighestAllowedKeyIndex: -1}
	fields := []struct {
		dst  *[]byte
		size int
	}{
		{&vk.FEK, KeySize},
		{&vk.FEKSig, KeySigSize},
		{&vk.FEKSalt, KeySaltSize},
		{&vk.FNEK, KeySize},
		{&vk.FNEKSig, KeySigSize},
		{&vk.FNEKSalt, KeySaltSize},
		{&vk.ChapsKey, ChapsKeySize},
		{&vk.ResetSeed, ResetSeedSize},
	}
	for _, f := range fields {
		buf := make([]byte, f.size)
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("keyset: failed to generate random key material: %w", err)
		}
		*f.dst = buf
	}
	return vk, nil
}

// Marshal serializes the plaintext keyset for encryption. The encoded
// form is what the crypto engine encrypts into wrapped_keyset.
func (vk *VaultKeyset) Marshal() ([]byte, error) {
	data, err := json.Marshal(vk)
	if err != nil {
		return nil, fmt.Errorf("keyset: failed to marshal vault keyset: %w", err)
	}
	return data, nil
}

// Unmarshal reconstructs a plaintext keyset from its serialized form.
func Unmarshal(data []byte) (*VaultKeyset, error) {
	vk := &VaultKeyset{}
	if err := json.Unmarshal(data, vk); err != nil {
		return nil, fmt.Errorf("keyset: failed to unmarshal vault keyset: %w", err)
	}
	return vk, nil
}

// GenerateResetSeed backfills a missing reset seed. Returns true if a
// seed was generated, false if one was already present.
func (vk *VaultKeyset) GenerateResetSeed() (bool, error) {
	if len(vk.ResetSeed) != 0 {
		return false, nil
	}
	seed := make([]byte, ResetSeedSize)
	if _, err := rand.Read(seed); err != nil {
		return false, fmt.Errorf("keyset: failed to generate reset seed: %w", err)
	}
	vk.ResetSeed = seed
	return true, nil
}

// GenerateChapsKey backfills a missing chaps key. Returns true if a key
// was generated, false if one was already present.
func (vk *VaultKeyset) GenerateChapsKey() (bool, error) {
	if len(vk.ChapsKey) != 0 {
		return false, nil
	}
	key := make([]byte, ChapsKeySize)
	if _, err := rand.Read(key); err != nil {
		return false, fmt.Errorf("keyset: failed to generate chaps key: %w", err)
	}
	vk.ChapsKey = key
	return true, nil
}

// Wipe overwrites all key material with zeros. The keyset must not be
// used afterwards.
func (vk *VaultKeyset) Wipe() {
	for _, buf := range [][]byte{
		vk.FEK, vk.FEKSig, vk.FEKSalt,
		vk.FNEK, vk.FNEKSig, vk.FNEKSalt,
		vk.ChapsKey, vk.ResetSeed,
	} {
		for i := range buf {
			buf[i] = 0
		}
	}
}
