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

package mount_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-cryptohome/pkg/credentials"
	cryptoengine "github.com/jeremyhahn/go-cryptohome/pkg/crypto"
	"github.com/jeremyhahn/go-cryptohome/pkg/homedirs"
	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
	"github.com/jeremyhahn/go-cryptohome/pkg/mount"
	platformmocks "github.com/jeremyhahn/go-cryptohome/pkg/platform/mocks"
	tpmmocks "github.com/jeremyhahn/go-cryptohome/pkg/tpm/mocks"
)

type mountCall struct {
	source string
	target string
	fstype string
	data   string
}

// captureMounts records full mount(2) arguments while delegating to the
// mock's default bookkeeping via a shadow map.
func captureMounts(p *platformmocks.MockPlatform) *[]mountCall {
	calls := &[]mountCall{}
	busy := map[string]bool{}
	p.MountFunc = func(source, target, fstype string, flags uintptr, data string) error {
		if busy[target] {
			return errors.New("already mounted")
		}
		busy[target] = true
		*calls = append(*calls, mountCall{source, target, fstype, data})
		return nil
	}
	p.UnmountFunc = func(target string) error {
		if !busy[target] {
			return errors.New("not mounted")
		}
		delete(busy, target)
		return nil
	}
	return calls
}

// TestPlatformHelperEcryptfs verifies the eCryptfs mount carries both
// keyring signatures in the kernel options.
func TestPlatformHelperEcryptfs(t *testing.T) {
	p := platformmocks.NewMockPlatform()
	calls := captureMounts(p)
	h := mount.NewPlatformHelper(p, logging.NewLogger(false), "")

	err := h.PerformMount(&mount.MountRequest{
		Type:          mount.MountTypeEcryptfs,
		VaultPath:     "/home/.shadow/u1/vault",
		MountPath:     "/home/.shadow/u1/mount",
		KeySignature:  "aabbccdd00112233",
		FnekSignature: "44556677",
	})
	require.NoError(t, err)
	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "/home/.shadow/u1/vault", call.source)
	assert.Equal(t, "/home/.shadow/u1/mount", call.target)
	assert.Equal(t, "ecryptfs", call.fstype)
	assert.Contains(t, call.data, "ecryptfs_sig=aabbccdd00112233")
	assert.Contains(t, call.data, "ecryptfs_fnek_sig=44556677")

	assert.True(t, h.MountPerformed())
	assert.True(t, h.IsPathMounted("/home/.shadow/u1/mount"))
	require.NoError(t, h.UnmountAll())
	assert.False(t, h.MountPerformed())
}

// TestPlatformHelperDirCrypto verifies the policied directory is pinned
// with a self bind mount.
func TestPlatformHelperDirCrypto(t *testing.T) {
	p := platformmocks.NewMockPlatform()
	calls := captureMounts(p)
	h := mount.NewPlatformHelper(p, logging.NewLogger(false), "")

	err := h.PerformMount(&mount.MountRequest{
		Type:      mount.MountTypeDirCrypto,
		MountPath: "/home/.shadow/u1/mount",
	})
	require.NoError(t, err)
	require.Len(t, *calls, 1)
	assert.Equal(t, "/home/.shadow/u1/mount", (*calls)[0].source)
	assert.Equal(t, "/home/.shadow/u1/mount", (*calls)[0].target)
	assert.Empty(t, (*calls)[0].fstype)
}

// TestPlatformHelperEphemeral verifies ephemeral sessions land on a
// tmpfs named by the session ID under the configured root.
func TestPlatformHelperEphemeral(t *testing.T) {
	p := platformmocks.NewMockPlatform()
	calls := captureMounts(p)
	h := mount.NewPlatformHelper(p, logging.NewLogger(false), "/run/ephemeral")

	err := h.PerformMount(&mount.MountRequest{
		Type:        mount.MountTypeEphemeral,
		Username:    "guest",
		EphemeralID: "3f2c",
	})
	require.NoError(t, err)
	require.Len(t, *calls, 1)
	assert.Equal(t, "/run/ephemeral/3f2c", (*calls)[0].target)
	assert.Equal(t, "tmpfs", (*calls)[0].fstype)
	assert.True(t, p.DirectoryExists("/run/ephemeral/3f2c"))
}

// TestPlatformHelperUnmountAllOrder verifies teardown runs newest first
// and stops at the first failure without losing track of the rest.
func TestPlatformHelperUnmountAllOrder(t *testing.T) {
	p := platformmocks.NewMockPlatform()
	captureMounts(p)
	h := mount.NewPlatformHelper(p, logging.NewLogger(false), "")

	require.NoError(t, h.PerformMount(&mount.MountRequest{
		Type:      mount.MountTypeDirCrypto,
		MountPath: "/a",
	}))
	require.NoError(t, h.PerformMount(&mount.MountRequest{
		Type:      mount.MountTypeDirCrypto,
		MountPath: "/b",
	}))

	var order []string
	prev := p.UnmountFunc
	p.UnmountFunc = func(target string) error {
		order = append(order, target)
		if target == "/a" {
			return errors.New("busy")
		}
		return prev(target)
	}

	err := h.UnmountAll()
	require.Error(t, err)
	assert.Equal(t, []string{"/b", "/a"}, order)
	assert.True(t, h.IsPathMounted("/a"))
	assert.False(t, h.IsPathMounted("/b"))

	p.UnmountFunc = prev
	require.NoError(t, h.UnmountAll())
	assert.False(t, h.MountPerformed())
}

// helperFixture wires a Mount to the production helper over the mock
// platform's default mount bookkeeping, which rejects targets that were
// never created. No MountFunc overrides are installed, so these tests
// exercise the real mount(2) contract end to end.
type helperFixture struct {
	mount    *mount.Mount
	homedirs *homedirs.HomeDirs
	platform *platformmocks.MockPlatform
}

func setupWithPlatformHelper(t *testing.T, dirCrypto bool) *helperFixture {
	t.Helper()
	p := platformmocks.NewMockPlatform()
	p.SetDirCryptoSupport(dirCrypto)
	logger := logging.DefaultLogger()
	engine := cryptoengine.NewEngine(tpmmocks.NewDisabledMockTpm(), logger,
		cryptoengine.WithScryptParams(cryptoengine.TestScryptParams()))
	h := homedirs.New(p, engine, logger, testShadowRoot,
		homedirs.WithPolicyProvider(&fakePolicy{}))
	m := mount.NewMount(p, engine, h, mount.NewPlatformHelper(p, logger, ""), logger)
	return &helperFixture{mount: m, homedirs: h, platform: p}
}

// TestMountThroughHelperEcryptfs verifies a fresh vault on a kernel
// without dircrypto support mounts through the production helper: the
// mount target directory exists before mount(2) runs, for both the
// first mount and a later remount of the existing vault.
func TestMountThroughHelperEcryptfs(t *testing.T) {
	f := setupWithPlatformHelper(t, false)
	salt, err := f.homedirs.SystemSalt()
	require.NoError(t, err)
	creds := credentials.New("alice", credentials.PasskeyFromPassword("secret", salt))
	obfuscated := creds.ObfuscatedUsername(salt)

	rc := f.mount.MountCryptohome(creds, mount.MountArgs{CreateIfMissing: true})
	require.Equal(t, mount.MountErrorNone, rc)
	assert.Equal(t, mount.MountTypeEcryptfs, f.mount.MountType())
	assert.Contains(t, f.platform.MountCalls, f.homedirs.MountPath(obfuscated))

	// A bare mount directory carries no encryption policy, so backend
	// detection still reports ecryptfs for the remount.
	require.True(t, f.mount.UnmountCryptohome())
	backend, err := f.homedirs.VaultBackend(obfuscated)
	require.NoError(t, err)
	require.Equal(t, homedirs.BackendEcryptfs, backend)
	assert.Equal(t, mount.MountErrorNone,
		f.mount.MountCryptohome(creds, mount.MountArgs{}))
}

// TestMountThroughHelperDirCrypto verifies the dircrypto path holds the
// same target-must-exist contract through the production helper.
func TestMountThroughHelperDirCrypto(t *testing.T) {
	f := setupWithPlatformHelper(t, true)
	salt, err := f.homedirs.SystemSalt()
	require.NoError(t, err)
	creds := credentials.New("alice", credentials.PasskeyFromPassword("secret", salt))
	obfuscated := creds.ObfuscatedUsername(salt)

	rc := f.mount.MountCryptohome(creds, mount.MountArgs{CreateIfMissing: true})
	require.Equal(t, mount.MountErrorNone, rc)
	assert.Equal(t, mount.MountTypeDirCrypto, f.mount.MountType())
	assert.Contains(t, f.platform.MountCalls, f.homedirs.MountPath(obfuscated))
	assert.True(t, f.mount.UnmountCryptohome())
}

// TestPlatformHelperUnknownType verifies an empty request is rejected.
func TestPlatformHelperUnknownType(t *testing.T) {
	p := platformmocks.NewMockPlatform()
	h := mount.NewPlatformHelper(p, logging.NewLogger(false), "")
	err := h.PerformMount(&mount.MountRequest{})
	require.Error(t, err)
	assert.False(t, h.MountPerformed())
}
