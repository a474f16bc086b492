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

package lockbox

import (
	"errors"
	"io/fs"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cryptoengine "github.com/jeremyhahn/go-cryptohome/pkg/crypto"
	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
	platformmocks "github.com/jeremyhahn/go-cryptohome/pkg/platform/mocks"
	tpmmocks "github.com/jeremyhahn/go-cryptohome/pkg/tpm/mocks"
)

func setupLockbox(tpmMock *tpmmocks.MockTpm) (*BootLockbox, *platformmocks.MockPlatform) {
	p := platformmocks.NewMockPlatform()
	engine := cryptoengine.NewEngine(tpmMock, logging.DefaultLogger(),
		cryptoengine.WithScryptParams(cryptoengine.TestScryptParams()))
	box := NewBootLockbox(tpmMock, p, engine, logging.DefaultLogger(), DefaultConfig("/var/lib/cryptohome"))
	return box, p
}

// TestLifecycle walks the full Empty to KeyCreated to Finalized path.
func TestLifecycle(t *testing.T) {
	mock := tpmmocks.NewMockTpm()
	box, _ := setupLockbox(mock)

	assert.False(t, box.HasKey())
	assert.False(t, box.IsFinalized())

	// First sign creates and persists the key.
	sig, err := box.Sign([]byte("boot data"))
	require.NoError(t, err)
	assert.NotEmpty(t, sig)
	assert.True(t, box.HasKey())
	assert.Equal(t, 1, mock.CreateKeyCalls)

	require.NoError(t, box.Verify([]byte("boot data"), sig))

	require.True(t, box.FinalizeBoot())
	assert.True(t, box.IsFinalized())

	// Existing key still signs and verifies after finalization.
	sig2, err := box.Sign([]byte("more data"))
	require.NoError(t, err)
	require.NoError(t, box.Verify([]byte("more data"), sig2))
	require.NoError(t, box.Verify([]byte("boot data"), sig))
	assert.Equal(t, 1, mock.CreateKeyCalls)

	// Finalizing twice is harmless.
	require.True(t, box.FinalizeBoot())
	assert.True(t, box.IsFinalized())
}

// TestSignAfterFinalizeWithoutKey verifies key creation is blocked once
// the boot is finalized.
func TestSignAfterFinalizeWithoutKey(t *testing.T) {
	mock := tpmmocks.NewMockTpm()
	box, _ := setupLockbox(mock)

	require.True(t, box.FinalizeBoot())
	_, err := box.Sign([]byte("too late"))
	assert.ErrorIs(t, err, ErrFinalized)
	assert.Equal(t, 0, mock.CreateKeyCalls)
	assert.False(t, box.HasKey())
}

// TestNoTpm covers the hardware-absent scenario: signing fails with no
// software fallback, finalization is a successful no-op, and the
// lockbox reports permanently finalized.
func TestNoTpm(t *testing.T) {
	box, _ := setupLockbox(tpmmocks.NewDisabledMockTpm())

	_, err := box.Sign([]byte("data"))
	assert.ErrorIs(t, err, ErrTpmRequired)
	assert.True(t, box.FinalizeBoot())
	assert.True(t, box.IsFinalized())
}

// TestVerifyRejectsTamper verifies bad signatures and mismatched data
// are rejected.
func TestVerifyRejectsTamper(t *testing.T) {
	box, _ := setupLockbox(tpmmocks.NewMockTpm())

	sig, err := box.Sign([]byte("boot data"))
	require.NoError(t, err)

	assert.ErrorIs(t, box.Verify([]byte("other data"), sig), ErrVerificationFailed)
	tampered := append([]byte(nil), sig...)
	tampered[0] ^= 0x01
	assert.ErrorIs(t, box.Verify([]byte("boot data"), tampered), ErrVerificationFailed)
}

// TestVerifyDetectsBrokenBinding verifies a cleared TPM invalidates the
// key's PCR binding check.
func TestVerifyDetectsBrokenBinding(t *testing.T) {
	mock := tpmmocks.NewMockTpm()
	box, _ := setupLockbox(mock)

	sig, err := box.Sign([]byte("boot data"))
	require.NoError(t, err)
	require.NoError(t, box.Verify([]byte("boot data"), sig))

	mock.SimulateClear()
	assert.Error(t, box.Verify([]byte("boot data"), sig))
}

// TestSignKeyPersistenceFailure verifies a failed key-file write aborts
// signing rather than leaving a half-persisted key.
func TestSignKeyPersistenceFailure(t *testing.T) {
	mock := tpmmocks.NewMockTpm()
	box, p := setupLockbox(mock)

	p.WriteFileFunc = func(path string, data []byte, perm fs.FileMode) error {
		return errors.New("disk full")
	}
	_, err := box.Sign([]byte("boot data"))
	assert.Error(t, err)

	// Signing works once persistence recovers.
	p.WriteFileFunc = nil
	sig, err := box.Sign([]byte("boot data"))
	require.NoError(t, err)
	require.NoError(t, box.Verify([]byte("boot data"), sig))
}

// TestSignReloadsPersistedKey verifies a second lockbox instance reuses
// the persisted key instead of creating a new one.
func TestSignReloadsPersistedKey(t *testing.T) {
	mock := tpmmocks.NewMockTpm()
	box, p := setupLockbox(mock)

	sig, err := box.Sign([]byte("boot data"))
	require.NoError(t, err)

	engine := cryptoengine.NewEngine(mock, logging.DefaultLogger(),
		cryptoengine.WithScryptParams(cryptoengine.TestScryptParams()))
	reopened := NewBootLockbox(mock, p, engine, logging.DefaultLogger(), DefaultConfig("/var/lib/cryptohome"))

	sig2, err := reopened.Sign([]byte("boot data"))
	require.NoError(t, err)
	assert.Equal(t, 1, mock.CreateKeyCalls)
	require.NoError(t, reopened.Verify([]byte("boot data"), sig))
	require.NoError(t, box.Verify([]byte("boot data"), sig2))
}

// TestFinalizeBootExtendFailure verifies finalization reports failure
// only on genuine communication failure.
func TestFinalizeBootExtendFailure(t *testing.T) {
	mock := tpmmocks.NewMockTpm()
	box, _ := setupLockbox(mock)

	mock.ExtendPCRFunc = func(index uint32, data []byte) bool { return false }
	assert.False(t, box.FinalizeBoot())
	assert.False(t, box.IsFinalized())

	mock.ExtendPCRFunc = nil
	assert.True(t, box.FinalizeBoot())
	assert.True(t, box.IsFinalized())
}
