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
	"encoding/json"
	"fmt"
)

// sealedBlob is the envelope for opaque data protected by the hardware
// wrapping key. The payload is AES-GCM encrypted under a random key,
// which is itself TPM-wrapped; RSA-OAEP alone cannot carry payloads of
// arbitrary size.
type sealedBlob struct {
	WrappedKey []byte `json:"wrapped_key"`
	Ciphertext []byte `json:"ciphertext"`
}

// blobAAD binds sealed blobs to their purpose so a blob cannot be
// replayed in a different role.
var blobAAD = []byte("sealed-blob")

// EncryptData seals an opaque blob to this device's TPM. Used by the
// boot lockbox to persist its wrapped signing key. Fails when no TPM is
// available; there is no software fallback for device-bound data.
func (e *Engine) EncryptData(data []byte) ([]byte, error) {
	if !e.shouldUseTpm() {
		return nil, fmt.Errorf("%w: no TPM available for device-bound data", ErrEncryptionFailed)
	}
	key, err := randomBytes(vkkSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	ciphertext, err := aeadSeal(key, data, blobAAD)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	wrappedKey, action, err := e.tpm.EncryptBlob(key, nil)
	if err != nil {
		return nil, e.wrapEncryptError(action, err)
	}
	blob, err := json.Marshal(&sealedBlob{WrappedKey: wrappedKey, Ciphertext: ciphertext})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return blob, nil
}

// DecryptData unseals a blob produced by EncryptData.
func (e *Engine) DecryptData(blob []byte) ([]byte, error) {
	if e.tpm == nil || !e.tpm.IsEnabled() {
		return nil, fmt.Errorf("%w: no TPM available for device-bound data", ErrTpmFatal)
	}
	var sealed sealedBlob
	if err := json.Unmarshal(blob, &sealed); err != nil {
		return nil, fmt.Errorf("%w: malformed sealed blob: %v", ErrAuthenticationFailed, err)
	}
	key, action, err := e.tpm.DecryptBlob(sealed.WrappedKey, nil)
	if err != nil {
		return nil, e.classifyTpmError(action, err)
	}
	return aeadOpen(key, sealed.Ciphertext, blobAAD)
}
