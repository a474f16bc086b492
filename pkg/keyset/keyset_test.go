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

package keyset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCreateRandomSizes verifies a fresh keyset carries correctly sized
// key material in every field.
func TestCreateRandomSizes(t *testing.T) {
	vk, err := CreateRandom()
	require.NoError(t, err)

	assert.Len(t, vk.FEK, KeySize)
	assert.Len(t, vk.FEKSig, KeySigSize)
	assert.Len(t, vk.FEKSalt, KeySaltSize)
	assert.Len(t, vk.FNEK, KeySize)
	assert.Len(t, vk.FNEKSig, KeySigSize)
	assert.Len(t, vk.FNEKSalt, KeySaltSize)
	assert.Len(t, vk.ChapsKey, ChapsKeySize)
	assert.Len(t, vk.ResetSeed, ResetSeedSize)
	assert.Equal(t, -1, vk.HighestAllowedKeyIndex)
}

// TestMarshalRoundTrip verifies the plaintext keyset survives
// serialization byte-for-byte.
func TestMarshalRoundTrip(t *testing.T) {
	vk, err := CreateRandom()
	require.NoError(t, err)

	data, err := vk.Marshal()
	require.NoError(t, err)

	got, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, vk.FEK, got.FEK)
	assert.Equal(t, vk.FNEK, got.FNEK)
	assert.Equal(t, vk.ChapsKey, got.ChapsKey)
	assert.Equal(t, vk.ResetSeed, got.ResetSeed)
}

// TestWipe verifies all key material is zeroized.
func TestWipe(t *testing.T) {
	vk, err := CreateRandom()
	require.NoError(t, err)

	vk.Wipe()
	for _, buf := range [][]byte{vk.FEK, vk.FNEK, vk.ChapsKey, vk.ResetSeed} {
		for _, b := range buf {
			require.Zero(t, b)
		}
	}
}

// TestGenerateBackfills verifies reset seed and chaps key backfill only
// fire when the field is missing.
func TestGenerateBackfills(t *testing.T) {
	vk := &VaultKeyset{}

	generated, err := vk.GenerateResetSeed()
	require.NoError(t, err)
	assert.True(t, generated)
	assert.Len(t, vk.ResetSeed, ResetSeedSize)

	generated, err = vk.GenerateResetSeed()
	require.NoError(t, err)
	assert.False(t, generated, "existing seed must not be replaced")

	generated, err = vk.GenerateChapsKey()
	require.NoError(t, err)
	assert.True(t, generated)

	generated, err = vk.GenerateChapsKey()
	require.NoError(t, err)
	assert.False(t, generated)
}

// TestParseWrapMethod verifies legacy flag combinations parse into the
// expected tagged states, including the invalid both-flags bug state.
func TestParseWrapMethod(t *testing.T) {
	tests := []struct {
		name  string
		flags uint32
		label uint64
		want  WrapMethod
	}{
		{
			name:  "scrypt derived",
			flags: FlagScryptWrapped | FlagScryptDerived,
			want:  WrapMethod{Kind: WrapKindScrypt, Derived: true},
		},
		{
			name:  "tpm",
			flags: FlagTpmWrapped,
			want:  WrapMethod{Kind: WrapKindTpm},
		},
		{
			name:  "tpm pcr bound",
			flags: FlagTpmWrapped | FlagPCRBound,
			want:  WrapMethod{Kind: WrapKindTpm, PCRBound: true},
		},
		{
			name:  "both flags bug state",
			flags: FlagTpmWrapped | FlagScryptWrapped,
			want:  WrapMethod{Kind: WrapKindTpmAndScrypt},
		},
		{
			name:  "low entropy",
			flags: FlagLECredential,
			label: 42,
			want:  WrapMethod{Kind: WrapKindLowEntropy, Label: 42},
		},
		{
			name:  "signature challenge wins over others",
			flags: FlagSignatureChallenge | FlagTpmWrapped,
			want:  WrapMethod{Kind: WrapKindSignatureChallenge},
		},
		{
			name:  "zero flags is plain scrypt",
			flags: 0,
			want:  WrapMethod{Kind: WrapKindScrypt},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseWrapMethod(tt.flags, tt.label))
		})
	}
}

// TestWrapMethodFlagsRoundTrip verifies Flags() inverts ParseWrapMethod
// for every representable state.
func TestWrapMethodFlagsRoundTrip(t *testing.T) {
	methods := []WrapMethod{
		{Kind: WrapKindScrypt},
		{Kind: WrapKindScrypt, Derived: true},
		{Kind: WrapKindTpm},
		{Kind: WrapKindTpm, PCRBound: true},
		{Kind: WrapKindTpmAndScrypt},
		{Kind: WrapKindLowEntropy, Label: 7},
		{Kind: WrapKindSignatureChallenge},
	}
	for _, m := range methods {
		t.Run(m.Kind.String(), func(t *testing.T) {
			assert.Equal(t, m, ParseWrapMethod(m.Flags(), m.Label))
		})
	}
}

// TestSerializedEncodeDecode verifies the on-disk encoding round-trips
// and rejects future versions.
func TestSerializedEncodeDecode(t *testing.T) {
	s := &SerializedVaultKeyset{
		Salt:          []byte("salt"),
		WrappedKeyset: []byte("ciphertext"),
		LastActivity:  12345,
	}
	s.SetWrapMethod(WrapMethod{Kind: WrapKindTpm, PCRBound: true})

	data, err := s.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, s.WrappedKeyset, got.WrappedKeyset)
	assert.Equal(t, WrapMethod{Kind: WrapKindTpm, PCRBound: true}, got.WrapMethod())
	assert.Equal(t, int64(12345), got.LastActivity)

	_, err = Decode([]byte(`{"version": 99}`))
	assert.Error(t, err)
}

// TestLabelFallback verifies unlabeled keysets report the legacy label.
func TestLabelFallback(t *testing.T) {
	s := &SerializedVaultKeyset{}
	assert.Equal(t, "legacy", s.Label())
}
