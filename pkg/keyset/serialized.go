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
	"encoding/json"
	"fmt"

	"github.com/jeremyhahn/go-cryptohome/pkg/credentials"
)

// Legacy flags bitmask values recorded in on-disk keysets. New code
// works with WrapMethod; the bitmask is preserved for on-disk
// compatibility and for parsing records written before the tagged
// representation existed.
const (
	FlagTpmWrapped         uint32 = 1 << 0
	FlagScryptWrapped      uint32 = 1 << 1
	FlagScryptDerived      uint32 = 1 << 2
	FlagLECredential       uint32 = 1 << 3
	FlagSignatureChallenge uint32 = 1 << 4
	FlagPCRBound           uint32 = 1 << 5
)

// serializedVersion identifies the on-disk encoding of
// SerializedVaultKeyset. Bump only with a migration path.
const serializedVersion = 1

// WrapKind enumerates the mutually exclusive wrapping methods.
type WrapKind int

const (
	// WrapKindScrypt means the keyset is wrapped only with a
	// passkey-derived scrypt key.
	WrapKindScrypt WrapKind = iota

	// WrapKindTpm means the scrypt-derived intermediate key is further
	// wrapped through the TPM.
	WrapKindTpm

	// WrapKindLowEntropy means the keyset is protected by an external
	// rate-limited credential store, referenced by label.
	WrapKindLowEntropy

	// WrapKindSignatureChallenge means the keyset is protected by a
	// challenge-response collaborator and skips TPM/scrypt unwrap.
	WrapKindSignatureChallenge

	// WrapKindTpmAndScrypt is the historical bug state where both the
	// TPM and scrypt flags were recorded at rest. It is parseable for
	// migration but must never be written back.
	WrapKindTpmAndScrypt
)

// String returns a log-friendly name for the wrap kind.
func (k WrapKind) String() string {
	switch k {
	case WrapKindScrypt:
		return "scrypt"
	case WrapKindTpm:
		return "tpm"
	case WrapKindLowEntropy:
		return "low-entropy"
	case WrapKindSignatureChallenge:
		return "signature-challenge"
	case WrapKindTpmAndScrypt:
		return "tpm+scrypt"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// WrapMethod is the tagged representation of a keyset's wrapping state.
// Exactly one Kind applies; the auxiliary fields are meaningful only for
// the kinds that declare them.
type WrapMethod struct {
	Kind WrapKind

	// PCRBound applies to WrapKindTpm and WrapKindTpmAndScrypt: the TPM
	// key protecting the keyset is sealed to PCR state.
	PCRBound bool

	// Derived applies to WrapKindScrypt: the wrapping key was derived
	// with scrypt rather than being a raw passkey.
	Derived bool

	// Label applies to WrapKindLowEntropy: the record identifier in the
	// external rate-limited credential store.
	Label uint64
}

// ParseWrapMethod decodes a legacy flags bitmask into the tagged
// representation. The invalid both-flags combination is preserved as
// WrapKindTpmAndScrypt so the migration path can detect and repair it.
func ParseWrapMethod(flags uint32, leLabel uint64) WrapMethod {
	switch {
	case flags&FlagSignatureChallenge != 0:
		return WrapMethod{Kind: WrapKindSignatureChallenge}
	case flags&FlagLECredential != 0:
		return WrapMethod{Kind: WrapKindLowEntropy, Label: leLabel}
	case flags&FlagTpmWrapped != 0 && flags&FlagScryptWrapped != 0:
		return WrapMethod{Kind: WrapKindTpmAndScrypt, PCRBound: flags&FlagPCRBound != 0}
	case flags&FlagTpmWrapped != 0:
		return WrapMethod{Kind: WrapKindTpm, PCRBound: flags&FlagPCRBound != 0}
	default:
		return WrapMethod{Kind: WrapKindScrypt, Derived: flags&FlagScryptDerived != 0}
	}
}

// Flags encodes the tagged representation back into the legacy bitmask.
// WrapKindTpmAndScrypt intentionally round-trips so a parsed bug-state
// record compares stable until the migration path rewrites it.
func (m WrapMethod) Flags() uint32 {
	var flags uint32
	switch m.Kind {
	case WrapKindSignatureChallenge:
		flags = FlagSignatureChallenge
	case WrapKindLowEntropy:
		flags = FlagLECredential
	case WrapKindTpm:
		flags = FlagTpmWrapped
		if m.PCRBound {
			flags |= FlagPCRBound
		}
	case WrapKindTpmAndScrypt:
		flags = FlagTpmWrapped | FlagScryptWrapped
		if m.PCRBound {
			flags |= FlagPCRBound
		}
	case WrapKindScrypt:
		flags = FlagScryptWrapped
		if m.Derived {
			flags |= FlagScryptDerived
		}
	}
	return flags
}

// SerializedVaultKeyset is the on-disk, still-wrapped representation of
// a vault keyset. One serialized keyset lives per master.N file under
// the user's shadow directory.
type SerializedVaultKeyset struct {
	Version int    `json:"version"`
	Flags   uint32 `json:"flags"`

	// Salt feeds the scrypt derivation of the wrapping key.
	Salt []byte `json:"salt"`

	// WrappedKeyset is the ciphertext of the marshaled VaultKeyset.
	WrappedKeyset []byte `json:"wrapped_keyset"`

	// TpmKey is the TPM-wrapped intermediate key for hardware-wrapped
	// keysets.
	TpmKey []byte `json:"tpm_key,omitempty"`

	// TpmPublicKeyHash selects and verifies the hardware key that
	// wrapped this keyset. Present only for TPM-wrapped records.
	TpmPublicKeyHash []byte `json:"tpm_public_key_hash,omitempty"`

	// WrappedChapsKey and WrappedResetSeed are wrapped separately from
	// the main keyset blob with the same derived key.
	WrappedChapsKey  []byte `json:"wrapped_chaps_key,omitempty"`
	WrappedResetSeed []byte `json:"wrapped_reset_seed,omitempty"`

	KeyData *credentials.KeyData `json:"key_data,omitempty"`

	// LastActivity is the unix timestamp of the session's last
	// activity, used by the disk-space eviction policy.
	LastActivity int64 `json:"last_activity,omitempty"`

	// LELabel references the external rate-limited credential store for
	// low-entropy keysets.
	LELabel uint64 `json:"le_label,omitempty"`
}

// WrapMethod returns the tagged wrapping state parsed from the legacy
// flags bitmask.
func (s *SerializedVaultKeyset) WrapMethod() WrapMethod {
	return ParseWrapMethod(s.Flags, s.LELabel)
}

// SetWrapMethod records the tagged wrapping state into the legacy flags
// bitmask and LE label field.
func (s *SerializedVaultKeyset) SetWrapMethod(m WrapMethod) {
	s.Flags = m.Flags()
	if m.Kind == WrapKindLowEntropy {
		s.LELabel = m.Label
	} else {
		s.LELabel = 0
	}
}

// Label returns the keyset's label, or the legacy fallback for keysets
// created before labels existed.
func (s *SerializedVaultKeyset) Label() string {
	if s.KeyData != nil && s.KeyData.Label != "" {
		return s.KeyData.Label
	}
	return "legacy"
}

// Encode serializes the keyset for writing to its master.N file.
func (s *SerializedVaultKeyset) Encode() ([]byte, error) {
	s.Version = serializedVersion
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("keyset: failed to encode serialized keyset: %w", err)
	}
	return data, nil
}

// Decode parses a serialized keyset read from disk.
func Decode(data []byte) (*SerializedVaultKeyset, error) {
	s := &SerializedVaultKeyset{}
	if err := json.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("keyset: failed to decode serialized keyset: %w", err)
	}
	if s.Version > serializedVersion {
		return nil, fmt.Errorf("keyset: unsupported serialized keyset version %d", s.Version)
	}
	return s, nil
}
