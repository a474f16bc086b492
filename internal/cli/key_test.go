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

package cli

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-cryptohome/internal/config"
	"github.com/jeremyhahn/go-cryptohome/internal/daemon"
	"github.com/jeremyhahn/go-cryptohome/pkg/credentials"
	"github.com/jeremyhahn/go-cryptohome/pkg/homedirs"
	"github.com/jeremyhahn/go-cryptohome/pkg/mount"
	platformmocks "github.com/jeremyhahn/go-cryptohome/pkg/platform/mocks"
	tpmmocks "github.com/jeremyhahn/go-cryptohome/pkg/tpm/mocks"
)

func testDaemon(t *testing.T) (*daemon.Daemon, *platformmocks.MockPlatform) {
	t.Helper()
	cfg := config.Default()
	cfg.TPM.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Cleanup.Enabled = false
	cfg.Lockbox.Enabled = false
	p := platformmocks.NewMockPlatform()
	d, err := daemon.New(cfg, daemon.WithPlatform(p), daemon.WithTpm(tpmmocks.NewMockTpm()))
	require.NoError(t, err)
	t.Cleanup(func() { d.Registry().Shutdown() })
	return d, p
}

// TestListKeysetsSaltFailure verifies a system salt read failure is
// reported as an error instead of reading as an empty slot list.
func TestListKeysetsSaltFailure(t *testing.T) {
	d, p := testDaemon(t)
	p.ReadFileFunc = func(path string) ([]byte, error) {
		if strings.HasSuffix(path, "/salt") {
			return nil, errors.New("permission denied")
		}
		return nil, errors.New("unexpected read")
	}

	_, _, err := listKeysets(d, "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "system salt")
}

// TestListKeysetsUnknownUser verifies a user with no vault is an error,
// not an empty listing.
func TestListKeysetsUnknownUser(t *testing.T) {
	d, _ := testDaemon(t)
	_, _, err := listKeysets(d, "nobody")
	assert.ErrorIs(t, err, homedirs.ErrUserNotFound)
}

// TestListKeysetsAfterMount verifies the initial keyset of a freshly
// created vault shows up in slot zero.
func TestListKeysetsAfterMount(t *testing.T) {
	d, _ := testDaemon(t)
	salt, err := d.HomeDirs().SystemSalt()
	require.NoError(t, err)
	creds := credentials.New("alice", credentials.PasskeyFromPassword("secret", salt))

	rc, err := d.Registry().Mount(creds, mount.MountArgs{CreateIfMissing: true})
	require.NoError(t, err)
	require.Equal(t, mount.MountErrorNone, rc)

	indices, _, err := listKeysets(d, "alice")
	require.NoError(t, err)
	assert.Equal(t, []int{0}, indices)
}
