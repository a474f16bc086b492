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

// Package mocks provides an in-memory software implementation of the
// Tpm capability for testing. It performs real RSA operations against
// keys held in memory and models PCR registers as SHA-256 accumulators,
// with configurable function overrides and call tracking.
package mocks

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/jeremyhahn/go-cryptohome/pkg/tpm"
)

const pcrSize = 32

// MockTpm is an in-memory Tpm implementation. The zero value is not
// usable; construct with NewMockTpm.
type MockTpm struct {
	mu sync.Mutex

	// Capability switches
	Enabled             bool
	Owned               bool
	KeyLoaded           bool
	PCRBindingSupported bool
	UserAuthUnseal      bool

	wrappingKey *rsa.PrivateKey
	boundKeys   map[string]*rsa.PrivateKey
	pcrs        map[uint32][]byte
	nextKeyID   int

	// Configurable behavior; when set, the override runs instead of the
	// default implementation.
	EncryptBlobFunc func(plaintext []byte, pcrMap tpm.PCRMap) ([]byte, tpm.RetryAction, error)
	DecryptBlobFunc func(ciphertext []byte, pcrMap tpm.PCRMap) ([]byte, tpm.RetryAction, error)
	SignFunc        func(wrappedKey, digest []byte) ([]byte, tpm.RetryAction, error)
	ExtendPCRFunc   func(index uint32, data []byte) bool

	// Call tracking
	EncryptBlobCalls int
	DecryptBlobCalls int
	SignCalls        int
	ExtendPCRCalls   int
	CreateKeyCalls   int
	VerifyKeyCalls   int
}

// mockBoundKey is the wrapped-key blob format the mock hands back from
// CreatePCRBoundKey.
type mockBoundKey struct {
	ID     string `json:"id"`
	Policy []byte `json:"policy"`
}

// mockSealedBlob carries the PCR composite a ciphertext was bound to.
type mockSealedBlob struct {
	Ciphertext []byte `json:"ciphertext"`
	Policy     []byte `json:"policy,omitempty"`
}

// NewMockTpm creates a fully enabled mock TPM with a fresh wrapping key.
func NewMockTpm() *MockTpm {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Sprintf("mock tpm: key generation failed: %v", err))
	}
	return &MockTpm{
		Enabled:             true,
		Owned:               true,
		KeyLoaded:           true,
		PCRBindingSupported: true,
		UserAuthUnseal:      true,
		wrappingKey:         key,
		boundKeys:           make(map[string]*rsa.PrivateKey),
		pcrs:                make(map[uint32][]byte),
	}
}

// NewDisabledMockTpm creates a mock for the no-TPM scenarios.
func NewDisabledMockTpm() *MockTpm {
	m := NewMockTpm()
	m.Enabled = false
	m.Owned = false
	m.KeyLoaded = false
	m.PCRBindingSupported = false
	m.UserAuthUnseal = false
	return m
}

// SimulateClear replaces the wrapping key, as if the TPM owner was
// cleared. Blobs wrapped before the clear fail fatally afterwards.
func (m *MockTpm) SimulateClear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(fmt.Sprintf("mock tpm: key generation failed: %v", err))
	}
	m.wrappingKey = key
	m.boundKeys = make(map[string]*rsa.PrivateKey)
}

// IsEnabled reports the Enabled switch.
func (m *MockTpm) IsEnabled() bool { return m.Enabled }

// IsOwned reports the Owned switch.
func (m *MockTpm) IsOwned() bool { return m.Owned }

// HasCryptohomeKey reports the KeyLoaded switch.
func (m *MockTpm) HasCryptohomeKey() bool { return m.KeyLoaded }

// IsPCRBindingSupported reports the PCRBindingSupported switch.
func (m *MockTpm) IsPCRBindingSupported() bool { return m.PCRBindingSupported }

// CanUnsealWithUserAuth reports the UserAuthUnseal switch.
func (m *MockTpm) CanUnsealWithUserAuth() bool { return m.UserAuthUnseal }

// EncryptBlob wraps plaintext with RSA-OAEP under the mock wrapping
// key, recording the PCR composite when a binding is requested.
func (m *MockTpm) EncryptBlob(plaintext []byte, pcrMap tpm.PCRMap) ([]byte, tpm.RetryAction, error) {
	m.mu.Lock()
	m.EncryptBlobCalls++
	override := m.EncryptBlobFunc
	m.mu.Unlock()
	if override != nil {
		return override(plaintext, pcrMap)
	}

	if !m.Enabled || !m.KeyLoaded {
		return nil, tpm.RetryFailFatal, tpm.ErrNoCryptohomeKey
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, &m.wrappingKey.PublicKey, plaintext, nil)
	if err != nil {
		return nil, tpm.RetryNone, fmt.Errorf("mock tpm: encrypt: %w", err)
	}
	blob, err := json.Marshal(&mockSealedBlob{
		Ciphertext: ciphertext,
		Policy:     m.compositeDigest(pcrMap),
	})
	if err != nil {
		return nil, tpm.RetryNone, err
	}
	return blob, tpm.RetryNone, nil
}

// DecryptBlob unwraps a blob produced by EncryptBlob, enforcing any
// recorded PCR binding against current register state. Decryption with
// a rotated wrapping key fails fatally, matching cleared-TPM behavior.
func (m *MockTpm) DecryptBlob(ciphertext []byte, pcrMap tpm.PCRMap) ([]byte, tpm.RetryAction, error) {
	m.mu.Lock()
	m.DecryptBlobCalls++
	override := m.DecryptBlobFunc
	m.mu.Unlock()
	if override != nil {
		return override(ciphertext, pcrMap)
	}

	if !m.Enabled || !m.KeyLoaded {
		return nil, tpm.RetryFailFatal, tpm.ErrNoCryptohomeKey
	}

	var blob mockSealedBlob
	if err := json.Unmarshal(ciphertext, &blob); err != nil {
		return nil, tpm.RetryFailFatal, fmt.Errorf("mock tpm: malformed sealed blob: %w", err)
	}
	if len(blob.Policy) > 0 {
		current := m.compositeDigest(pcrMap)
		if !equal(blob.Policy, current) {
			return nil, tpm.RetryNone, fmt.Errorf("mock tpm: PCR policy mismatch")
		}
	}
	plaintext, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, m.wrappingKey, blob.Ciphertext, nil)
	if err != nil {
		return nil, tpm.RetryFailFatal, fmt.Errorf("mock tpm: decrypt: %w", err)
	}
	return plaintext, tpm.RetryNone, nil
}

// GetPublicKeyHash returns the SHA-256 of the wrapping key's modulus.
func (m *MockTpm) GetPublicKeyHash() ([]byte, tpm.RetryAction, error) {
	if !m.Enabled || !m.KeyLoaded {
		return nil, tpm.RetryFailFatal, tpm.ErrNoCryptohomeKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	hash := sha256.Sum256(m.wrappingKey.PublicKey.N.Bytes())
	return hash[:], tpm.RetryNone, nil
}

// CreatePCRBoundKey creates a fresh RSA signing key bound to the given
// PCR values.
func (m *MockTpm) CreatePCRBoundKey(pcrMap tpm.PCRMap) ([]byte, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CreateKeyCalls++

	if !m.Enabled {
		return nil, nil, tpm.ErrDisabled
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, fmt.Errorf("mock tpm: key generation failed: %w", err)
	}
	m.nextKeyID++
	id := fmt.Sprintf("bound-%d", m.nextKeyID)
	m.boundKeys[id] = key

	blob, err := json.Marshal(&mockBoundKey{ID: id, Policy: m.compositeDigestLocked(pcrMap)})
	if err != nil {
		return nil, nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, nil, err
	}
	return blob, der, nil
}

// VerifyPCRBoundKey checks the key exists, its policy matches the given
// PCR values, and the public key matches.
func (m *MockTpm) VerifyPCRBoundKey(pcrMap tpm.PCRMap, wrappedKey, publicKeyDER []byte) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.VerifyKeyCalls++

	var blob mockBoundKey
	if err := json.Unmarshal(wrappedKey, &blob); err != nil {
		return false
	}
	key, ok := m.boundKeys[blob.ID]
	if !ok {
		return false
	}
	if !equal(blob.Policy, m.compositeDigestLocked(pcrMap)) {
		return false
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return false
	}
	return equal(der, publicKeyDER)
}

// Sign produces an RSA-PKCS1v15 signature with the bound key, enforcing
// the recorded PCR policy against current register state.
func (m *MockTpm) Sign(wrappedKey []byte, digest []byte) ([]byte, tpm.RetryAction, error) {
	m.mu.Lock()
	m.SignCalls++
	override := m.SignFunc
	m.mu.Unlock()
	if override != nil {
		return override(wrappedKey, digest)
	}

	if !m.Enabled {
		return nil, tpm.RetryFailFatal, tpm.ErrDisabled
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var blob mockBoundKey
	if err := json.Unmarshal(wrappedKey, &blob); err != nil {
		return nil, tpm.RetryNone, fmt.Errorf("mock tpm: malformed bound key blob: %w", err)
	}
	key, ok := m.boundKeys[blob.ID]
	if !ok {
		return nil, tpm.RetryFailFatal, fmt.Errorf("mock tpm: bound key %q not found", blob.ID)
	}

	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	if err != nil {
		return nil, tpm.RetryNone, fmt.Errorf("mock tpm: sign: %w", err)
	}
	return sig, tpm.RetryNone, nil
}

// ExtendPCR extends a register: pcr = SHA-256(old || SHA-256(data)).
func (m *MockTpm) ExtendPCR(index uint32, data []byte) bool {
	m.mu.Lock()
	m.ExtendPCRCalls++
	override := m.ExtendPCRFunc
	m.mu.Unlock()
	if override != nil {
		return override(index, data)
	}

	if !m.Enabled {
		// Matches hardware-absent behavior: extend is a harmless no-op.
		return true
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.pcrs[index]
	if current == nil {
		current = make([]byte, pcrSize)
	}
	dataDigest := sha256.Sum256(data)
	h := sha256.New()
	h.Write(current)
	h.Write(dataDigest[:])
	m.pcrs[index] = h.Sum(nil)
	return true
}

// ReadPCR returns the current register value, all zeros if never
// extended.
func (m *MockTpm) ReadPCR(index uint32) ([]byte, error) {
	if !m.Enabled {
		return nil, tpm.ErrDisabled
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.pcrs[index]
	if current == nil {
		current = make([]byte, pcrSize)
	}
	out := make([]byte, len(current))
	copy(out, current)
	return out, nil
}

// SetPCR force-sets a register value for test setup.
func (m *MockTpm) SetPCR(index uint32, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.pcrs[index] = v
}

func (m *MockTpm) compositeDigest(pcrMap tpm.PCRMap) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.compositeDigestLocked(pcrMap)
}

// compositeDigestLocked hashes the selected current PCR values in
// ascending index order. The map's values, when non-nil, override the
// current register state (a caller-specified expected binding).
func (m *MockTpm) compositeDigestLocked(pcrMap tpm.PCRMap) []byte {
	if len(pcrMap) == 0 {
		return nil
	}
	indices := make([]uint32, 0, len(pcrMap))
	for idx := range pcrMap {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	h := sha256.New()
	for _, idx := range indices {
		value := pcrMap[idx]
		if value == nil {
			value = m.pcrs[idx]
			if value == nil {
				value = make([]byte, pcrSize)
			}
		}
		h.Write(value)
	}
	return h.Sum(nil)
}

func equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
