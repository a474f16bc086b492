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

// Package credentials models the authentication input for every vault
// keyset operation: a cleartext username, a passkey derived from the
// user's password, and optional key metadata used to select among
// multiple keysets belonging to the same user.
package credentials

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// GuestUsername is the reserved username for ephemeral guest sessions.
// Guest sessions never touch persistent key material.
const GuestUsername = "$guest"

// KeyType identifies how a keyset's secret is produced.
type KeyType int

const (
	// KeyTypePassword marks a keyset protected by a password-derived passkey.
	KeyTypePassword KeyType = iota

	// KeyTypeChallenge marks a keyset protected by a signature
	// challenge-response flow handled by an external collaborator.
	KeyTypeChallenge

	// KeyTypeLowEntropy marks a PIN-like keyset protected by an external
	// rate-limited credential store.
	KeyTypeLowEntropy
)

// KeyPrivileges describes what operations a keyset authorizes once its
// credentials have been verified. A keyset that authenticates but lacks
// the Mount privilege must be rejected by the mount path.
type KeyPrivileges struct {
	Mount     bool `json:"mount"`
	AddKey    bool `json:"add_key"`
	RemoveKey bool `json:"remove_key"`
	UpdateKey bool `json:"update_key"`
}

// DefaultPrivileges returns the privilege set granted to keysets created
// without explicit key data.
func DefaultPrivileges() KeyPrivileges {
	return KeyPrivileges{
		Mount:     true,
		AddKey:    true,
		RemoveKey: true,
		UpdateKey: true,
	}
}

// KeyData carries optional metadata attached to a keyset: a
// human-assigned label, the authentication type, and the privileges the
// keyset grants.
type KeyData struct {
	Label      string        `json:"label"`
	Type       KeyType       `json:"type"`
	Privileges KeyPrivileges `json:"privileges"`
	Revision   int           `json:"revision"`
}

// Credentials is the input to every keyset operation. The passkey is a
// derived secret, never the raw password; it is copied on construction
// so callers cannot mutate it after the fact.
type Credentials struct {
	username string
	passkey  []byte
	keyData  *KeyData
}

// New creates Credentials for the given username and passkey. The
// passkey is copied.
func New(username string, passkey []byte) *Credentials {
	p := make([]byte, len(passkey))
	copy(p, passkey)
	return &Credentials{
		username: username,
		passkey:  p,
	}
}

// NewWithKeyData creates Credentials carrying key metadata used to pick
// among multiple keysets.
func NewWithKeyData(username string, passkey []byte, keyData *KeyData) *Credentials {
	c := New(username, passkey)
	c.keyData = keyData
	return c
}

// Username returns the cleartext username.
func (c *Credentials) Username() string {
	return c.username
}

// IsGuest reports whether these credentials name the guest user.
func (c *Credentials) IsGuest() bool {
	return c.username == GuestUsername
}

// Passkey returns a copy of the derived passkey.
func (c *Credentials) Passkey() []byte {
	p := make([]byte, len(c.passkey))
	copy(p, c.passkey)
	return p
}

// KeyData returns the optional key metadata, or nil.
func (c *Credentials) KeyData() *KeyData {
	return c.keyData
}

// SetKeyData attaches key metadata to the credentials.
func (c *Credentials) SetKeyData(keyData *KeyData) {
	c.keyData = keyData
}

// ObfuscatedUsername returns the stable on-disk identifier for the user:
// the hex-encoded SHA-256 of the system salt concatenated with the
// lowercased username. The obfuscated form is used as the per-user vault
// directory name so cleartext usernames never appear on disk.
func (c *Credentials) ObfuscatedUsername(systemSalt []byte) string {
	return ObfuscateUsername(c.username, systemSalt)
}

// ObfuscateUsername computes the obfuscated identifier for an arbitrary
// username without constructing Credentials.
func ObfuscateUsername(username string, systemSalt []byte) string {
	h := sha256.New()
	h.Write(systemSalt)
	h.Write([]byte(strings.ToLower(username)))
	return hex.EncodeToString(h.Sum(nil))
}

// PasskeyFromPassword derives a passkey from a cleartext password and
// the system salt. The derivation is a plain digest; the expensive
// stretching happens later in the vault keyset KDF.
func PasskeyFromPassword(password string, systemSalt []byte) []byte {
	h := sha256.New()
	h.Write(systemSalt)
	h.Write([]byte(password))
	sum := h.Sum(nil)
	out := make([]byte, hex.EncodedLen(len(sum)))
	hex.Encode(out, sum)
	return out
}

// Wipe overwrites the passkey memory with zeros. The credentials must
// not be used afterwards.
func (c *Credentials) Wipe() {
	for i := range c.passkey {
		c.passkey[i] = 0
	}
}
