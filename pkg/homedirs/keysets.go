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

package homedirs

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/jeremyhahn/go-cryptohome/pkg/credentials"
	cryptoengine "github.com/jeremyhahn/go-cryptohome/pkg/crypto"
	"github.com/jeremyhahn/go-cryptohome/pkg/keyset"
)

// ValidKeyset is the result of a successful (or diagnostically failed)
// keyset authentication attempt.
type ValidKeyset struct {
	// Keyset is the decrypted vault keyset. Nil when authentication
	// failed.
	Keyset *keyset.VaultKeyset

	// Serialized is the matching on-disk record. On total authentication
	// failure this is the last keyset attempted, kept for diagnostics so
	// the caller can distinguish wrong credentials from a missing user.
	Serialized *keyset.SerializedVaultKeyset

	// Index is the keyset file index, -1 when nothing was attempted.
	Index int
}

// GetVaultKeysets returns the keyset indices present for the user, in
// no particular order beyond numeric sort for determinism.
func (h *HomeDirs) GetVaultKeysets(obfuscatedUsername string) ([]int, error) {
	entries, err := h.platform.EnumerateDirectoryEntries(h.UserPath(obfuscatedUsername))
	if err != nil {
		return nil, ErrUserNotFound
	}
	var indices []int
	for _, name := range entries {
		if !strings.HasPrefix(name, keysetPrefix) {
			continue
		}
		index, err := strconv.Atoi(strings.TrimPrefix(name, keysetPrefix))
		if err != nil || index < 0 || index > keyset.KeyFileMax {
			continue
		}
		indices = append(indices, index)
	}
	sort.Ints(indices)
	return indices, nil
}

// LoadVaultKeyset reads and decodes one serialized keyset.
func (h *HomeDirs) LoadVaultKeyset(obfuscatedUsername string, index int) (*keyset.SerializedVaultKeyset, error) {
	data, err := h.platform.ReadFile(h.KeysetPath(obfuscatedUsername, index))
	if err != nil {
		return nil, fmt.Errorf("homedirs: read keyset %d: %w", index, err)
	}
	return keyset.Decode(data)
}

// StoreVaultKeyset encodes and durably persists one serialized keyset.
func (h *HomeDirs) StoreVaultKeyset(obfuscatedUsername string, index int, s *keyset.SerializedVaultKeyset) error {
	data, err := s.Encode()
	if err != nil {
		return fmt.Errorf("homedirs: encode keyset %d: %w", index, err)
	}
	if err := h.platform.WriteFileAtomicDurable(h.KeysetPath(obfuscatedUsername, index), data, keysetPerm); err != nil {
		return fmt.Errorf("homedirs: persist keyset %d: %w", index, err)
	}
	return nil
}

// GetVaultKeysetLabels returns the labels of all keysets for the user.
func (h *HomeDirs) GetVaultKeysetLabels(obfuscatedUsername string) ([]string, error) {
	indices, err := h.GetVaultKeysets(obfuscatedUsername)
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(indices))
	for _, index := range indices {
		s, err := h.LoadVaultKeyset(obfuscatedUsername, index)
		if err != nil {
			h.logger.Warn("skipping unreadable keyset", "index", index, "error", err)
			continue
		}
		labels = append(labels, s.Label())
	}
	return labels, nil
}

// GetValidKeyset tries the user's keysets against the credentials until
// one decrypts. Keysets are filtered by label when the credentials
// carry key data. On total authentication failure the last attempted
// serialized keyset is returned alongside the error.
func (h *HomeDirs) GetValidKeyset(creds *credentials.Credentials) (*ValidKeyset, error) {
	return h.getValidKeyset(creds, true)
}

// GetValidKeysetForMigration authenticates like GetValidKeyset but
// skips the migration-incompleteness guard. Only the migration mount
// flow may use it: resuming an interrupted migration requires opening
// a vault that legitimately has both backends present.
func (h *HomeDirs) GetValidKeysetForMigration(creds *credentials.Credentials) (*ValidKeyset, error) {
	return h.getValidKeyset(creds, false)
}

func (h *HomeDirs) getValidKeyset(creds *credentials.Credentials, enforceBackend bool) (*ValidKeyset, error) {
	salt, err := h.SystemSalt()
	if err != nil {
		return nil, err
	}
	obfuscated := creds.ObfuscatedUsername(salt)

	if enforceBackend {
		if _, err := h.VaultBackend(obfuscated); err != nil {
			return nil, err
		}
	}

	indices, err := h.GetVaultKeysets(obfuscated)
	if err != nil || len(indices) == 0 {
		return nil, ErrUserNotFound
	}

	wantLabel := ""
	if kd := creds.KeyData(); kd != nil && kd.Label != "" {
		wantLabel = kd.Label
	}

	passkey := creds.Passkey()
	result := &ValidKeyset{Index: -1}
	var lastErr error
	attempted := false
	for _, index := range indices {
		s, err := h.LoadVaultKeyset(obfuscated, index)
		if err != nil {
			h.logger.Warn("skipping unreadable keyset", "index", index, "error", err)
			continue
		}
		if wantLabel != "" && s.Label() != wantLabel {
			continue
		}
		attempted = true
		vk, err := h.engine.DecryptVaultKeyset(s, passkey, obfuscated)
		if err == nil {
			result.Keyset = vk
			result.Serialized = s
			result.Index = index
			return result, nil
		}
		result.Serialized = s
		result.Index = index
		lastErr = err
	}

	if !attempted {
		return nil, ErrKeyNotFound
	}
	if errors.Is(lastErr, cryptoengine.ErrAuthenticationFailed) {
		return result, lastErr
	}
	return result, fmt.Errorf("homedirs: keyset decryption: %w", lastErr)
}

// AreCredentialsValid reports whether the credentials decrypt any of
// the user's keysets.
func (h *HomeDirs) AreCredentialsValid(creds *credentials.Credentials) bool {
	valid, err := h.GetValidKeyset(creds)
	return err == nil && valid.Keyset != nil
}

// AddInitialKeyset wraps a fresh vault keyset as index 0 for a newly
// created user.
func (h *HomeDirs) AddInitialKeyset(creds *credentials.Credentials, vk *keyset.VaultKeyset) error {
	salt, err := h.SystemSalt()
	if err != nil {
		return err
	}
	obfuscated := creds.ObfuscatedUsername(salt)
	return h.encryptAndStore(obfuscated, 0, vk, creds.Passkey(), creds.KeyData())
}

// AddKeyset wraps the already-authenticated vault keyset under a new
// passkey and key data, allocating a fresh index. With clobber, a label
// collision overwrites the colliding keyset in place; without it the
// collision fails with ErrKeyLabelExists.
func (h *HomeDirs) AddKeyset(creds *credentials.Credentials, newPasskey []byte, newData *credentials.KeyData, clobber bool) (int, error) {
	salt, err := h.SystemSalt()
	if err != nil {
		return -1, err
	}
	obfuscated := creds.ObfuscatedUsername(salt)

	valid, err := h.GetValidKeyset(creds)
	if err != nil {
		return -1, err
	}
	if !h.authorizes(valid.Serialized, func(p credentials.KeyPrivileges) bool { return p.AddKey }) {
		return -1, ErrInsufficientPrivileges
	}

	index := -1
	if newData != nil && newData.Label != "" {
		existing, err := h.findKeysetByLabel(obfuscated, newData.Label)
		if err == nil {
			if !clobber {
				return -1, ErrKeyLabelExists
			}
			index = existing
		}
	}
	if index == -1 {
		index, err = h.allocateIndex(obfuscated)
		if err != nil {
			return -1, err
		}
	}

	if err := h.encryptAndStore(obfuscated, index, valid.Keyset, newPasskey, newData); err != nil {
		return -1, err
	}
	return index, nil
}

// RemoveKeyset deletes the keyset bearing the label, after the
// credentials authenticate and authorize key removal.
func (h *HomeDirs) RemoveKeyset(creds *credentials.Credentials, label string) error {
	salt, err := h.SystemSalt()
	if err != nil {
		return err
	}
	obfuscated := creds.ObfuscatedUsername(salt)

	valid, err := h.GetValidKeyset(creds)
	if err != nil {
		return err
	}
	if !h.authorizes(valid.Serialized, func(p credentials.KeyPrivileges) bool { return p.RemoveKey }) {
		return ErrInsufficientPrivileges
	}

	index, err := h.findKeysetByLabel(obfuscated, label)
	if err != nil {
		return err
	}
	return h.ForceRemoveKeyset(obfuscated, index)
}

// ForceRemoveKeyset deletes a keyset by index without authentication.
// Used internally and by administrative flows that already hold
// authorization.
func (h *HomeDirs) ForceRemoveKeyset(obfuscatedUsername string, index int) error {
	if index < 0 || index > keyset.KeyFileMax {
		return fmt.Errorf("homedirs: keyset index %d out of range", index)
	}
	if err := h.platform.DeleteFile(h.KeysetPath(obfuscatedUsername, index)); err != nil {
		return fmt.Errorf("homedirs: delete keyset %d: %w", index, err)
	}
	return nil
}

// UpdateKeyset re-wraps the authenticated keyset in place with a new
// passkey and/or key data, preserving its index. A key data revision
// that does not advance past the stored one is rejected.
func (h *HomeDirs) UpdateKeyset(creds *credentials.Credentials, newPasskey []byte, newData *credentials.KeyData) error {
	salt, err := h.SystemSalt()
	if err != nil {
		return err
	}
	obfuscated := creds.ObfuscatedUsername(salt)

	valid, err := h.GetValidKeyset(creds)
	if err != nil {
		return err
	}
	if !h.authorizes(valid.Serialized, func(p credentials.KeyPrivileges) bool { return p.UpdateKey }) {
		return ErrInsufficientPrivileges
	}
	if newData != nil && valid.Serialized.KeyData != nil && newData.Revision <= valid.Serialized.KeyData.Revision {
		return fmt.Errorf("homedirs: key data revision %d does not advance past %d",
			newData.Revision, valid.Serialized.KeyData.Revision)
	}

	data := newData
	if data == nil {
		data = valid.Serialized.KeyData
	}
	passkey := newPasskey
	if passkey == nil {
		passkey = creds.Passkey()
	}
	return h.encryptAndStore(obfuscated, valid.Index, valid.Keyset, passkey, data)
}

// ReSaveKeyset re-wraps an already-authenticated keyset in place with
// the same passkey, carrying its key data forward. Used by the mount
// path for wrap-method migration and chaps/reset-seed backfill.
func (h *HomeDirs) ReSaveKeyset(obfuscatedUsername string, index int, vk *keyset.VaultKeyset, passkey []byte, data *credentials.KeyData) error {
	return h.encryptAndStore(obfuscatedUsername, index, vk, passkey, data)
}

// encryptAndStore wraps the keyset with a fresh salt and persists it at
// the given index, carrying forward the last-activity timestamp.
func (h *HomeDirs) encryptAndStore(obfuscatedUsername string, index int, vk *keyset.VaultKeyset, passkey []byte, data *credentials.KeyData) error {
	wrapSalt := make([]byte, keysetSaltSize)
	if _, err := rand.Read(wrapSalt); err != nil {
		return fmt.Errorf("homedirs: generate keyset salt: %w", err)
	}
	s, err := h.engine.EncryptVaultKeyset(vk, passkey, wrapSalt, obfuscatedUsername)
	if err != nil {
		return err
	}
	s.KeyData = data
	s.LastActivity = h.platform.Now().Unix()
	return h.StoreVaultKeyset(obfuscatedUsername, index, s)
}

// findKeysetByLabel returns the index of the keyset bearing the label.
func (h *HomeDirs) findKeysetByLabel(obfuscatedUsername, label string) (int, error) {
	indices, err := h.GetVaultKeysets(obfuscatedUsername)
	if err != nil {
		return -1, err
	}
	for _, index := range indices {
		s, err := h.LoadVaultKeyset(obfuscatedUsername, index)
		if err != nil {
			continue
		}
		if s.Label() == label {
			return index, nil
		}
	}
	return -1, ErrKeyNotFound
}

// allocateIndex returns the lowest unoccupied keyset index.
func (h *HomeDirs) allocateIndex(obfuscatedUsername string) (int, error) {
	indices, err := h.GetVaultKeysets(obfuscatedUsername)
	if err != nil {
		return -1, err
	}
	occupied := make(map[int]bool, len(indices))
	for _, index := range indices {
		occupied[index] = true
	}
	for index := 0; index <= keyset.KeyFileMax; index++ {
		if !occupied[index] {
			return index, nil
		}
	}
	return -1, ErrKeyQuotaExceeded
}

// authorizes checks a privilege predicate against the authenticated
// keyset's key data. Keysets without key data carry the default full
// privilege set.
func (h *HomeDirs) authorizes(s *keyset.SerializedVaultKeyset, allowed func(credentials.KeyPrivileges) bool) bool {
	if s == nil || s.KeyData == nil {
		return allowed(credentials.DefaultPrivileges())
	}
	return allowed(s.KeyData.Privileges)
}
