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

import (
	"crypto"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"

	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
)

// DeviceConfig configures the hardware TPM adapter.
type DeviceConfig struct {
	// DevicePath is the TPM character device, typically /dev/tpmrm0.
	DevicePath string

	// Transport overrides DevicePath with a caller-supplied transport.
	Transport transport.TPM
}

// Device is the hardware-backed Tpm implementation built on the go-tpm
// direct API. The cryptohome wrapping key is an RSA decryption primary
// created under the owner hierarchy on open; its handle lives for the
// lifetime of the Device.
type Device struct {
	logger    *logging.Logger
	transport transport.TPM

	keyHandle  tpm2.TPMHandle
	keyName    tpm2.TPM2BName
	pubKeyHash []byte

	enabled bool
	owned   bool
}

// boundKeyBlob is the persisted form of a PCR-bound key created by
// CreatePCRBoundKey: the TPM-wrapped private area plus the public area
// needed to reload it.
type boundKeyBlob struct {
	Private []byte `json:"private"`
	Public  []byte `json:"public"`
}

// cryptohomeKeyTemplate is the template for the RSA-2048 decryption
// primary used to wrap vault keyset intermediate keys.
func cryptohomeKeyTemplate() tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			UserWithAuth:        true,
			Decrypt:             true,
		},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Scheme: tpm2.TPMTRSAScheme{
					Scheme: tpm2.TPMAlgOAEP,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgOAEP,
						&tpm2.TPMSEncSchemeOAEP{HashAlg: tpm2.TPMAlgSHA256},
					),
				},
				KeyBits: 2048,
			},
		),
	}
}

// pcrBoundSigningTemplate is the template for PCR-bound RSA signing keys
// created for the boot lockbox.
func pcrBoundSigningTemplate(authPolicy []byte) tpm2.TPMTPublic {
	return tpm2.TPMTPublic{
		Type:    tpm2.TPMAlgRSA,
		NameAlg: tpm2.TPMAlgSHA256,
		ObjectAttributes: tpm2.TPMAObject{
			FixedTPM:            true,
			FixedParent:         true,
			SensitiveDataOrigin: true,
			SignEncrypt:         true,
		},
		AuthPolicy: tpm2.TPM2BDigest{Buffer: authPolicy},
		Parameters: tpm2.NewTPMUPublicParms(
			tpm2.TPMAlgRSA,
			&tpm2.TPMSRSAParms{
				Scheme: tpm2.TPMTRSAScheme{
					Scheme: tpm2.TPMAlgRSASSA,
					Details: tpm2.NewTPMUAsymScheme(
						tpm2.TPMAlgRSASSA,
						&tpm2.TPMSSigSchemeRSASSA{HashAlg: tpm2.TPMAlgSHA256},
					),
				},
				KeyBits: 2048,
			},
		),
	}
}

// OpenDevice opens the TPM and loads the cryptohome wrapping key.
func OpenDevice(config DeviceConfig, logger *logging.Logger) (*Device, error) {
	t := config.Transport
	if t == nil {
		opened, err := transport.OpenTPM(config.DevicePath)
		if err != nil {
			return nil, fmt.Errorf("tpm: failed to open %s: %w", config.DevicePath, err)
		}
		t = opened
	}

	d := &Device{
		logger:    logger.WithComponent("tpm"),
		transport: t,
		enabled:   true,
		owned:     true,
	}
	if err := d.loadCryptohomeKey(); err != nil {
		return nil, err
	}
	return d, nil
}

// loadCryptohomeKey creates the RSA wrapping primary under the owner
// hierarchy. CreatePrimary with a fixed template is deterministic, so
// the same key is re-derived across daemon restarts as long as the
// owner hierarchy seed is intact. A changed seed (TPM cleared) yields a
// different key and old keysets fail fatal on decrypt.
func (d *Device) loadCryptohomeKey() error {
	primary, err := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMRHOwner,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(cryptohomeKeyTemplate()),
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error("cryptohome key creation failed", "error", err)
		return fmt.Errorf("tpm: failed to create cryptohome key: %w", err)
	}

	d.keyHandle = primary.ObjectHandle
	d.keyName = primary.Name

	pub, err := primary.OutPublic.Contents()
	if err != nil {
		return fmt.Errorf("tpm: failed to parse cryptohome key public area: %w", err)
	}
	rsaPub, err := pub.Unique.RSA()
	if err != nil {
		return fmt.Errorf("tpm: cryptohome key is not RSA: %w", err)
	}
	hash := sha256.Sum256(rsaPub.Buffer)
	d.pubKeyHash = hash[:]

	d.logger.Debugf("cryptohome key loaded at 0x%x", d.keyHandle)
	return nil
}

// Close flushes the cryptohome key handle.
func (d *Device) Close() error {
	if d.keyHandle != 0 {
		_, err := tpm2.FlushContext{FlushHandle: d.keyHandle}.Execute(d.transport)
		d.keyHandle = 0
		if err != nil {
			return fmt.Errorf("tpm: failed to flush cryptohome key: %w", err)
		}
	}
	return nil
}

// IsEnabled reports whether a TPM is present and enabled.
func (d *Device) IsEnabled() bool { return d.enabled }

// IsOwned reports whether the TPM has been taken over by this device.
func (d *Device) IsOwned() bool { return d.owned }

// HasCryptohomeKey reports whether the wrapping key is loaded.
func (d *Device) HasCryptohomeKey() bool { return d.keyHandle != 0 }

// IsPCRBindingSupported reports whether PCR-sealed wrapping is available.
func (d *Device) IsPCRBindingSupported() bool { return true }

// CanUnsealWithUserAuth reports whether user authorization suffices to
// unseal through the wrapping key.
func (d *Device) CanUnsealWithUserAuth() bool { return true }

// EncryptBlob wraps plaintext under the cryptohome key with RSA-OAEP.
func (d *Device) EncryptBlob(plaintext []byte, pcrMap PCRMap) ([]byte, RetryAction, error) {
	if d.keyHandle == 0 {
		return nil, RetryFailFatal, ErrNoCryptohomeKey
	}
	rsp, err := tpm2.RSAEncrypt{
		KeyHandle: tpm2.NamedHandle{
			Handle: d.keyHandle,
			Name:   d.keyName,
		},
		Message: tpm2.TPM2BPublicKeyRSA{Buffer: plaintext},
		InScheme: tpm2.TPMTRSADecrypt{
			Scheme: tpm2.TPMAlgOAEP,
			Details: tpm2.NewTPMUAsymScheme(
				tpm2.TPMAlgOAEP,
				&tpm2.TPMSEncSchemeOAEP{HashAlg: tpm2.TPMAlgSHA256},
			),
		},
	}.Execute(d.transport)
	if err != nil {
		action := retryActionForError(err)
		return nil, action, fmt.Errorf("tpm: encrypt blob: %w", err)
	}
	return rsp.OutData.Buffer, RetryNone, nil
}

// DecryptBlob unwraps ciphertext produced by EncryptBlob. When pcrMap is
// non-empty the decrypt runs under a PCR policy session so it fails if
// the register state no longer matches.
func (d *Device) DecryptBlob(ciphertext []byte, pcrMap PCRMap) ([]byte, RetryAction, error) {
	if d.keyHandle == 0 {
		return nil, RetryFailFatal, ErrNoCryptohomeKey
	}

	auth := tpm2.Session(tpm2.PasswordAuth(nil))
	if len(pcrMap) > 0 {
		sess, closer, err := d.pcrPolicySession(pcrMap)
		if err != nil {
			return nil, RetryCommFailure, err
		}
		defer func() {
			if err := closer(); err != nil {
				d.logger.MaybeError(err)
			}
		}()
		auth = sess
	}

	rsp, err := tpm2.RSADecrypt{
		KeyHandle: tpm2.AuthHandle{
			Handle: d.keyHandle,
			Name:   d.keyName,
			Auth:   auth,
		},
		CipherText: tpm2.TPM2BPublicKeyRSA{Buffer: ciphertext},
		InScheme: tpm2.TPMTRSADecrypt{
			Scheme: tpm2.TPMAlgOAEP,
			Details: tpm2.NewTPMUAsymScheme(
				tpm2.TPMAlgOAEP,
				&tpm2.TPMSEncSchemeOAEP{HashAlg: tpm2.TPMAlgSHA256},
			),
		},
	}.Execute(d.transport)
	if err != nil {
		action := retryActionForError(err)
		return nil, action, fmt.Errorf("tpm: decrypt blob: %w", err)
	}
	return rsp.Message.Buffer, RetryNone, nil
}

// GetPublicKeyHash returns the SHA-256 of the cryptohome key's RSA
// modulus, cached at load time.
func (d *Device) GetPublicKeyHash() ([]byte, RetryAction, error) {
	if d.keyHandle == 0 {
		return nil, RetryFailFatal, ErrNoCryptohomeKey
	}
	hash := make([]byte, len(d.pubKeyHash))
	copy(hash, d.pubKeyHash)
	return hash, RetryNone, nil
}

// CreatePCRBoundKey creates an RSA signing key whose auth policy binds
// it to the given PCR values.
func (d *Device) CreatePCRBoundKey(pcrMap PCRMap) ([]byte, []byte, error) {
	policy, err := d.trialPCRPolicyDigest(pcrMap)
	if err != nil {
		return nil, nil, err
	}

	createRsp, err := tpm2.Create{
		ParentHandle: tpm2.AuthHandle{
			Handle: d.keyHandle,
			Name:   d.keyName,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPublic: tpm2.New2B(pcrBoundSigningTemplate(policy)),
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error("PCR-bound key creation failed", "error", err)
		return nil, nil, fmt.Errorf("tpm: failed to create PCR-bound key: %w", err)
	}

	blob, err := json.Marshal(&boundKeyBlob{
		Private: tpm2.Marshal(createRsp.OutPrivate),
		Public:  tpm2.Marshal(createRsp.OutPublic),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("tpm: failed to encode bound key blob: %w", err)
	}

	pub, err := createRsp.OutPublic.Contents()
	if err != nil {
		return nil, nil, fmt.Errorf("tpm: failed to parse bound key public area: %w", err)
	}
	der, err := rsaPublicDER(pub)
	if err != nil {
		return nil, nil, err
	}
	return blob, der, nil
}

// VerifyPCRBoundKey checks that the key's recorded auth policy matches a
// freshly computed policy over the given PCR values and that the public
// key on disk matches the wrapped key.
func (d *Device) VerifyPCRBoundKey(pcrMap PCRMap, wrappedKey, publicKeyDER []byte) bool {
	var blob boundKeyBlob
	if err := json.Unmarshal(wrappedKey, &blob); err != nil {
		d.logger.MaybeError(err)
		return false
	}
	outPublic, err := tpm2.Unmarshal[tpm2.TPM2BPublic](blob.Public)
	if err != nil {
		d.logger.MaybeError(err)
		return false
	}
	pub, err := outPublic.Contents()
	if err != nil {
		return false
	}

	policy, err := d.trialPCRPolicyDigest(pcrMap)
	if err != nil {
		d.logger.MaybeError(err)
		return false
	}
	if !bytesEqual(pub.AuthPolicy.Buffer, policy) {
		return false
	}

	der, err := rsaPublicDER(pub)
	if err != nil {
		return false
	}
	return bytesEqual(der, publicKeyDER)
}

// Sign loads the wrapped key and signs the digest under a PCR policy
// session, producing an RSA-PKCS1v15 signature.
func (d *Device) Sign(wrappedKey []byte, digest []byte) ([]byte, RetryAction, error) {
	var blob boundKeyBlob
	if err := json.Unmarshal(wrappedKey, &blob); err != nil {
		return nil, RetryNone, fmt.Errorf("tpm: malformed bound key blob: %w", err)
	}
	outPrivate, err := tpm2.Unmarshal[tpm2.TPM2BPrivate](blob.Private)
	if err != nil {
		return nil, RetryNone, fmt.Errorf("tpm: malformed private area: %w", err)
	}
	outPublic, err := tpm2.Unmarshal[tpm2.TPM2BPublic](blob.Public)
	if err != nil {
		return nil, RetryNone, fmt.Errorf("tpm: malformed public area: %w", err)
	}

	loadRsp, err := tpm2.Load{
		ParentHandle: tpm2.AuthHandle{
			Handle: d.keyHandle,
			Name:   d.keyName,
			Auth:   tpm2.PasswordAuth(nil),
		},
		InPrivate: *outPrivate,
		InPublic:  *outPublic,
	}.Execute(d.transport)
	if err != nil {
		action := retryActionForError(err)
		return nil, action, fmt.Errorf("tpm: failed to load bound key: %w", err)
	}
	defer func() {
		_, err := tpm2.FlushContext{FlushHandle: loadRsp.ObjectHandle}.Execute(d.transport)
		d.logger.MaybeError(err)
	}()

	signRsp, err := tpm2.Sign{
		KeyHandle: tpm2.AuthHandle{
			Handle: loadRsp.ObjectHandle,
			Name:   loadRsp.Name,
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digest: tpm2.TPM2BDigest{Buffer: digest},
		InScheme: tpm2.TPMTSigScheme{
			Scheme: tpm2.TPMAlgRSASSA,
			Details: tpm2.NewTPMUSigScheme(
				tpm2.TPMAlgRSASSA,
				&tpm2.TPMSSchemeHash{HashAlg: tpm2.TPMAlgSHA256},
			),
		},
		Validation: tpm2.TPMTTKHashCheck{Tag: tpm2.TPMSTHashCheck},
	}.Execute(d.transport)
	if err != nil {
		action := retryActionForError(err)
		return nil, action, fmt.Errorf("tpm: sign: %w", err)
	}

	rsaSig, err := signRsp.Signature.Signature.RSASSA()
	if err != nil {
		return nil, RetryNone, fmt.Errorf("tpm: unexpected signature type: %w", err)
	}
	return rsaSig.Sig.Buffer, RetryNone, nil
}

// ExtendPCR extends the given PCR register with a SHA-256 digest of data.
func (d *Device) ExtendPCR(index uint32, data []byte) bool {
	digest := sha256.Sum256(data)
	_, err := tpm2.PCRExtend{
		PCRHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(index),
			Auth:   tpm2.PasswordAuth(nil),
		},
		Digests: tpm2.TPMLDigestValues{
			Digests: []tpm2.TPMTHA{
				{
					HashAlg: tpm2.TPMAlgSHA256,
					Digest:  digest[:],
				},
			},
		},
	}.Execute(d.transport)
	if err != nil {
		d.logger.Error("PCR extend failed", "error", err)
		return false
	}
	return true
}

// ReadPCR returns the current value of the given PCR register.
func (d *Device) ReadPCR(index uint32) ([]byte, error) {
	rsp, err := tpm2.PCRRead{
		PCRSelectionIn: tpm2.TPMLPCRSelection{
			PCRSelections: []tpm2.TPMSPCRSelection{{
				Hash:      tpm2.TPMAlgSHA256,
				PCRSelect: tpm2.PCClientCompatible.PCRs(uint(index)),
			}},
		},
	}.Execute(d.transport)
	if err != nil {
		return nil, fmt.Errorf("tpm: failed to read PCR %d: %w", index, err)
	}
	if len(rsp.PCRValues.Digests) == 0 {
		return nil, fmt.Errorf("tpm: empty PCR read response for index %d", index)
	}
	return rsp.PCRValues.Digests[0].Buffer, nil
}

// pcrPolicySession starts a real policy session asserting the given PCR
// state, for use as command authorization.
func (d *Device) pcrPolicySession(pcrMap PCRMap) (tpm2.Session, func() error, error) {
	sess, closer, err := tpm2.PolicySession(d.transport, tpm2.TPMAlgSHA256, 16)
	if err != nil {
		return nil, nil, fmt.Errorf("tpm: failed to start policy session: %w", err)
	}
	_, err = tpm2.PolicyPCR{
		PolicySession: sess.Handle(),
		Pcrs:          pcrSelection(pcrMap),
	}.Execute(d.transport)
	if err != nil {
		_ = closer()
		return nil, nil, fmt.Errorf("tpm: policy PCR: %w", err)
	}
	return sess, closer, nil
}

// trialPCRPolicyDigest computes the auth policy digest binding a key to
// the given PCR values using a trial session.
func (d *Device) trialPCRPolicyDigest(pcrMap PCRMap) ([]byte, error) {
	sess, closer, err := tpm2.PolicySession(
		d.transport, tpm2.TPMAlgSHA256, 16, tpm2.Trial())
	if err != nil {
		return nil, fmt.Errorf("tpm: failed to start trial session: %w", err)
	}
	defer func() {
		if err := closer(); err != nil {
			d.logger.MaybeError(err)
		}
	}()

	_, err = tpm2.PolicyPCR{
		PolicySession: sess.Handle(),
		PcrDigest:     tpm2.TPM2BDigest{Buffer: pcrCompositeDigest(pcrMap)},
		Pcrs:          pcrSelection(pcrMap),
	}.Execute(d.transport)
	if err != nil {
		return nil, fmt.Errorf("tpm: trial policy PCR: %w", err)
	}

	rsp, err := tpm2.PolicyGetDigest{PolicySession: sess.Handle()}.Execute(d.transport)
	if err != nil {
		return nil, fmt.Errorf("tpm: policy get digest: %w", err)
	}
	return rsp.PolicyDigest.Buffer, nil
}

// pcrSelection builds the SHA-256 bank selection covering the map's
// indices.
func pcrSelection(pcrMap PCRMap) tpm2.TPMLPCRSelection {
	indices := sortedPCRIndices(pcrMap)
	sel := make([]uint, len(indices))
	for i, idx := range indices {
		sel[i] = uint(idx)
	}
	return tpm2.TPMLPCRSelection{
		PCRSelections: []tpm2.TPMSPCRSelection{{
			Hash:      tpm2.TPMAlgSHA256,
			PCRSelect: tpm2.PCClientCompatible.PCRs(sel...),
		}},
	}
}

// pcrCompositeDigest hashes the selected PCR values in ascending index
// order, the composite the TPM compares during PolicyPCR.
func pcrCompositeDigest(pcrMap PCRMap) []byte {
	h := sha256.New()
	for _, idx := range sortedPCRIndices(pcrMap) {
		h.Write(pcrMap[idx])
	}
	return h.Sum(nil)
}

func sortedPCRIndices(pcrMap PCRMap) []uint32 {
	indices := make([]uint32, 0, len(pcrMap))
	for idx := range pcrMap {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	return indices
}

// rsaPublicDER extracts the DER-encoded PKIX public key from a TPM
// public area.
func rsaPublicDER(pub *tpm2.TPMTPublic) ([]byte, error) {
	rsaDetail, err := pub.Parameters.RSADetail()
	if err != nil {
		return nil, fmt.Errorf("tpm: not an RSA public area: %w", err)
	}
	rsaUnique, err := pub.Unique.RSA()
	if err != nil {
		return nil, fmt.Errorf("tpm: missing RSA unique field: %w", err)
	}
	rsaPub, err := tpm2.RSAPub(rsaDetail, rsaUnique)
	if err != nil {
		return nil, fmt.Errorf("tpm: failed to assemble RSA public key: %w", err)
	}
	return marshalPKIX(rsaPub)
}

// marshalPKIX DER-encodes a public key in PKIX form.
func marshalPKIX(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("tpm: failed to marshal public key: %w", err)
	}
	return der, nil
}

// retryActionForError maps go-tpm return codes onto the module's retry
// taxonomy.
func retryActionForError(err error) RetryAction {
	var rc tpm2.TPMRC
	if !errors.As(err, &rc) {
		// Transport-level failures (device gone, short read) are
		// communication errors.
		return RetryCommFailure
	}
	switch {
	case errors.Is(rc, tpm2.TPMRCRetry), errors.Is(rc, tpm2.TPMRCYielded):
		return RetryCommFailure
	case errors.Is(rc, tpm2.TPMRCHandle), errors.Is(rc, tpm2.TPMRCFailure):
		return RetryFailFatal
	default:
		return RetryNone
	}
}

func bytesEqual(a, b []byte) bool {
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
