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
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-cryptohome/pkg/credentials"
	cryptoengine "github.com/jeremyhahn/go-cryptohome/pkg/crypto"
	"github.com/jeremyhahn/go-cryptohome/pkg/homedirs"
	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
	"github.com/jeremyhahn/go-cryptohome/pkg/mount"
	mountmocks "github.com/jeremyhahn/go-cryptohome/pkg/mount/mocks"
	platformmocks "github.com/jeremyhahn/go-cryptohome/pkg/platform/mocks"
	tpmmocks "github.com/jeremyhahn/go-cryptohome/pkg/tpm/mocks"
)

type registryFixture struct {
	registry *mount.Registry
	homedirs *homedirs.HomeDirs
	platform *platformmocks.MockPlatform
	helper   *mountmocks.MockHelper
	policy   *fakePolicy
}

func setupRegistry(t *testing.T) *registryFixture {
	t.Helper()
	p := platformmocks.NewMockPlatform()
	logger := logging.DefaultLogger()
	engine := cryptoengine.NewEngine(tpmmocks.NewDisabledMockTpm(), logger,
		cryptoengine.WithScryptParams(cryptoengine.TestScryptParams()))
	policy := &fakePolicy{}
	h := homedirs.New(p, engine, logger, testShadowRoot,
		homedirs.WithPolicyProvider(policy))
	helper := mountmocks.NewMockHelper()

	registry := mount.NewRegistry(func() *mount.Mount {
		return mount.NewMount(p, engine, h, helper, logger,
			mount.WithPolicyProvider(policy))
	}, logger)
	// Cleanup logic asks the registry which vaults are mounted.
	h.SetMountChecker(registry)
	t.Cleanup(registry.Shutdown)

	return &registryFixture{
		registry: registry,
		homedirs: h,
		platform: p,
		helper:   helper,
		policy:   policy,
	}
}

func (f *registryFixture) creds(t *testing.T, username, password string) (*credentials.Credentials, string) {
	t.Helper()
	salt, err := f.homedirs.SystemSalt()
	require.NoError(t, err)
	c := credentials.New(username, credentials.PasskeyFromPassword(password, salt))
	return c, c.ObfuscatedUsername(salt)
}

// TestRegistryMountLifecycle walks mount, membership, and unmount for
// two users through the registry.
func TestRegistryMountLifecycle(t *testing.T) {
	f := setupRegistry(t)
	alice, aliceObf := f.creds(t, "alice", "secret")
	bob, bobObf := f.creds(t, "bob", "hunter2")

	rc, err := f.registry.Mount(alice, mount.MountArgs{CreateIfMissing: true})
	require.NoError(t, err)
	require.Equal(t, mount.MountErrorNone, rc)
	rc, err = f.registry.Mount(bob, mount.MountArgs{CreateIfMissing: true})
	require.NoError(t, err)
	require.Equal(t, mount.MountErrorNone, rc)

	assert.True(t, f.registry.IsMountedForUser(aliceObf))
	assert.True(t, f.registry.IsMountedForUser(bobObf))

	status, found, err := f.registry.GetStatus("alice")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, mount.StateMounted, status.State)

	unmounted, err := f.registry.Unmount("alice")
	require.NoError(t, err)
	assert.True(t, unmounted)
	assert.False(t, f.registry.IsMountedForUser(aliceObf))
	assert.True(t, f.registry.IsMountedForUser(bobObf))

	require.NoError(t, f.registry.UnmountAll())
	assert.False(t, f.registry.IsMountedForUser(bobObf))
}

// TestRegistryMountBusyPerUser verifies the busy check applies per user
// session.
func TestRegistryMountBusyPerUser(t *testing.T) {
	f := setupRegistry(t)
	alice, _ := f.creds(t, "alice", "secret")

	rc, err := f.registry.Mount(alice, mount.MountArgs{CreateIfMissing: true})
	require.NoError(t, err)
	require.Equal(t, mount.MountErrorNone, rc)

	rc, err = f.registry.Mount(alice, mount.MountArgs{CreateIfMissing: true})
	require.NoError(t, err)
	assert.Equal(t, mount.MountErrorMountPointBusy, rc)
}

// TestRegistryUnmountUnknownUser verifies unmounting a user with no
// session reports false.
func TestRegistryUnmountUnknownUser(t *testing.T) {
	f := setupRegistry(t)
	unmounted, err := f.registry.Unmount("nobody")
	require.NoError(t, err)
	assert.False(t, unmounted)
}

// TestRegistryCleanupReentrancy verifies the mounted-user check used by
// HomeDirs cleanup does not deadlock when it runs on the registry's own
// worker. The ephemeral-policy purge inside a mount exercises exactly
// that path.
func TestRegistryCleanupReentrancy(t *testing.T) {
	f := setupRegistry(t)
	f.policy.owner = "owner"
	owner, ownerObf := f.creds(t, "owner", "secret")
	stale, staleObf := f.creds(t, "stale", "secret")

	rc, err := f.registry.Mount(stale, mount.MountArgs{CreateIfMissing: true})
	require.NoError(t, err)
	require.Equal(t, mount.MountErrorNone, rc)
	unmounted, err := f.registry.Unmount("stale")
	require.NoError(t, err)
	require.True(t, unmounted)

	// Owner mount under ephemeral policy purges non-owner vaults, which
	// queries IsMountedForUser from inside the worker.
	f.policy.ephemeral = true
	rc, err = f.registry.Mount(owner, mount.MountArgs{CreateIfMissing: true})
	require.NoError(t, err)
	require.Equal(t, mount.MountErrorNone, rc)

	assert.True(t, f.registry.IsMountedForUser(ownerObf))
	assert.False(t, f.homedirs.Exists(staleObf))
}

// TestRegistryConcurrentCallers verifies parallel callers are serialized
// rather than corrupting session state.
func TestRegistryConcurrentCallers(t *testing.T) {
	f := setupRegistry(t)
	alice, aliceObf := f.creds(t, "alice", "secret")

	var wg sync.WaitGroup
	results := make([]mount.MountError, 8)
	for i := range results {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			rc, err := f.registry.Mount(alice, mount.MountArgs{CreateIfMissing: true})
			assert.NoError(t, err)
			results[slot] = rc
		}(i)
	}
	wg.Wait()

	mounted := 0
	for _, rc := range results {
		switch rc {
		case mount.MountErrorNone:
			mounted++
		case mount.MountErrorMountPointBusy:
		default:
			t.Fatalf("unexpected mount result %v", rc)
		}
	}
	assert.Equal(t, 1, mounted)
	assert.True(t, f.registry.IsMountedForUser(aliceObf))
}

// TestRegistryAreCredentialsValid verifies credential checks flow
// through the worker.
func TestRegistryAreCredentialsValid(t *testing.T) {
	f := setupRegistry(t)
	alice, _ := f.creds(t, "alice", "secret")
	rc, err := f.registry.Mount(alice, mount.MountArgs{CreateIfMissing: true})
	require.NoError(t, err)
	require.Equal(t, mount.MountErrorNone, rc)

	valid, err := f.registry.AreCredentialsValid(alice)
	require.NoError(t, err)
	assert.True(t, valid)

	wrong, _ := f.creds(t, "alice", "wrong")
	valid, err = f.registry.AreCredentialsValid(wrong)
	require.NoError(t, err)
	assert.False(t, valid)
}

// TestRegistryShutdown verifies shutdown unmounts every session and
// rejects later operations.
func TestRegistryShutdown(t *testing.T) {
	f := setupRegistry(t)
	alice, aliceObf := f.creds(t, "alice", "secret")
	rc, err := f.registry.Mount(alice, mount.MountArgs{CreateIfMissing: true})
	require.NoError(t, err)
	require.Equal(t, mount.MountErrorNone, rc)

	f.registry.Shutdown()
	assert.False(t, f.registry.IsMountedForUser(aliceObf))
	assert.False(t, f.helper.MountPerformed())

	_, err = f.registry.Mount(alice, mount.MountArgs{CreateIfMissing: true})
	assert.ErrorIs(t, err, mount.ErrRegistryClosed)
	_, err = f.registry.Unmount("alice")
	assert.ErrorIs(t, err, mount.ErrRegistryClosed)
}
