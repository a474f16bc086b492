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

import "github.com/jeremyhahn/go-cryptohome/pkg/keyset"

// WrapPolicy is the device's currently desired wrapping configuration,
// derived from live TPM state.
type WrapPolicy struct {
	// ShouldTpm is true when hardware wrapping is possible: TPM
	// present, enabled, owned, cryptohome key loaded.
	ShouldTpm bool

	// PCRBound is true when hardware wrapping would seal to PCR state.
	PCRBound bool

	// CanUnsealWithUserAuth is true when user authorization suffices to
	// unseal through the hardware key.
	CanUnsealWithUserAuth bool
}

// ReSaveDecision is the outcome of the migration decision for a keyset
// that just decrypted successfully.
type ReSaveDecision int

const (
	// ReSaveNo means the keyset already matches the desired wrapping
	// method and binding state.
	ReSaveNo ReSaveDecision = iota

	// ReSaveYes means the keyset should be re-encrypted with the
	// desired method. Best effort: a failed re-save does not invalidate
	// the already-decrypted result.
	ReSaveYes
)

// CurrentWrapPolicy derives the desired wrapping policy from live TPM
// state.
func (e *Engine) CurrentWrapPolicy() WrapPolicy {
	return WrapPolicy{
		ShouldTpm:             e.shouldUseTpm(),
		PCRBound:              e.pcrBound(),
		CanUnsealWithUserAuth: e.tpm != nil && e.tpm.CanUnsealWithUserAuth(),
	}
}

// ShouldReSave decides whether a just-decrypted keyset should be
// re-encrypted to match the device's current wrapping policy.
func (e *Engine) ShouldReSave(s *keyset.SerializedVaultKeyset) ReSaveDecision {
	return DecideReSave(s.WrapMethod(), e.CurrentWrapPolicy())
}

// DecideReSave is the migration decision function over the current
// wrapping state and the desired policy.
//
// The rules, in order:
//   - The historical both-flags state always re-saves, retaining only
//     the TPM wrapping.
//   - Low-entropy and signature-challenge keysets never migrate here;
//     their lifecycle is owned by external collaborators.
//   - With hardware available, a TPM-wrapped keyset stays put only if
//     its PCR-binding state matches the device's; anything else
//     migrates to hardware wrapping.
//   - Without hardware, a scrypt-derived keyset stays put; TPM-wrapped
//     and legacy non-derived keysets migrate to scrypt.
//   - Any state not matched above attempts migration to the desired
//     method.
func DecideReSave(current keyset.WrapMethod, policy WrapPolicy) ReSaveDecision {
	switch current.Kind {
	case keyset.WrapKindTpmAndScrypt:
		return ReSaveYes

	case keyset.WrapKindLowEntropy, keyset.WrapKindSignatureChallenge:
		return ReSaveNo

	case keyset.WrapKindTpm:
		if policy.ShouldTpm && current.PCRBound == policy.PCRBound {
			return ReSaveNo
		}
		return ReSaveYes

	case keyset.WrapKindScrypt:
		if !policy.ShouldTpm && current.Derived {
			return ReSaveNo
		}
		return ReSaveYes

	default:
		// Unmatched states always attempt migration to the desired
		// method.
		return ReSaveYes
	}
}
