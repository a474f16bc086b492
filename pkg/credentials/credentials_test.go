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

package credentials

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestObfuscatedUsernameStable verifies that obfuscation is deterministic
// for a given salt and case-insensitive in the username.
func TestObfuscatedUsernameStable(t *testing.T) {
	salt := []byte("0123456789abcdef")

	c1 := New("alice@example.com", []byte("passkey"))
	c2 := New("ALICE@example.com", []byte("other"))

	assert.Equal(t, c1.ObfuscatedUsername(salt), c2.ObfuscatedUsername(salt),
		"obfuscation should be case-insensitive")
	assert.Len(t, c1.ObfuscatedUsername(salt), 64, "hex SHA-256 is 64 chars")
}

// TestObfuscatedUsernameSaltDependent verifies different salts produce
// different identifiers.
func TestObfuscatedUsernameSaltDependent(t *testing.T) {
	c := New("alice@example.com", []byte("passkey"))
	assert.NotEqual(t,
		c.ObfuscatedUsername([]byte("salt-one")),
		c.ObfuscatedUsername([]byte("salt-two")))
}

// TestPasskeyIsCopied verifies the construction-time copy prevents
// external mutation of the stored passkey.
func TestPasskeyIsCopied(t *testing.T) {
	secret := []byte("super-secret")
	c := New("alice", secret)
	secret[0] = 'X'

	got := c.Passkey()
	assert.Equal(t, []byte("super-secret"), got)

	// Mutating the returned copy must not affect a later read.
	got[0] = 'Y'
	assert.Equal(t, []byte("super-secret"), c.Passkey())
}

// TestPasskeyFromPassword verifies passkey derivation is deterministic
// and salt-dependent.
func TestPasskeyFromPassword(t *testing.T) {
	salt := []byte("system-salt")

	p1 := PasskeyFromPassword("hunter2", salt)
	p2 := PasskeyFromPassword("hunter2", salt)
	p3 := PasskeyFromPassword("hunter2", []byte("other-salt"))

	require.Equal(t, p1, p2)
	assert.NotEqual(t, p1, p3)
	assert.Len(t, p1, 64)
}

// TestWipe verifies the passkey buffer is zeroized.
func TestWipe(t *testing.T) {
	c := New("alice", []byte("secret"))
	c.Wipe()
	for _, b := range c.passkey {
		assert.Zero(t, b)
	}
}

// TestGuestDetection verifies the reserved guest username.
func TestGuestDetection(t *testing.T) {
	assert.True(t, New(GuestUsername, nil).IsGuest())
	assert.False(t, New("alice", nil).IsGuest())
}

// TestDefaultPrivileges verifies keysets created without key data get
// full privileges.
func TestDefaultPrivileges(t *testing.T) {
	p := DefaultPrivileges()
	assert.True(t, p.Mount)
	assert.True(t, p.AddKey)
	assert.True(t, p.RemoveKey)
	assert.True(t, p.UpdateKey)
}
