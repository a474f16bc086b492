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

package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeremyhahn/go-cryptohome/internal/config"
	"github.com/jeremyhahn/go-cryptohome/pkg/credentials"
	"github.com/jeremyhahn/go-cryptohome/pkg/health"
	"github.com/jeremyhahn/go-cryptohome/pkg/mount"
	platformmocks "github.com/jeremyhahn/go-cryptohome/pkg/platform/mocks"
	tpmmocks "github.com/jeremyhahn/go-cryptohome/pkg/tpm/mocks"
)

// testConfig keeps the daemon self-contained: no TPM device, no
// listening socket, no background cleanup.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.TPM.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Cleanup.Enabled = false
	cfg.Lockbox.Enabled = false
	return cfg
}

func testDaemon(t *testing.T, cfg *config.Config) (*Daemon, *platformmocks.MockPlatform) {
	t.Helper()
	p := platformmocks.NewMockPlatform()
	d, err := New(cfg, WithPlatform(p), WithTpm(tpmmocks.NewMockTpm()))
	require.NoError(t, err)
	t.Cleanup(func() { d.registry.Shutdown() })
	return d, p
}

// TestNewWiresComponents verifies the assembled daemon exposes a
// working registry and the three standard health checks.
func TestNewWiresComponents(t *testing.T) {
	d, _ := testDaemon(t, testConfig())

	require.NotNil(t, d.Registry())
	require.NotNil(t, d.Health())

	results := d.Health().Ready(context.Background())
	names := make(map[string]bool)
	for _, r := range results {
		names[r.Name] = true
	}
	assert.True(t, names["tpm"])
	assert.True(t, names["disk_space"])
	assert.True(t, names["system_salt"])
}

// TestDaemonLifecycle mounts a user through the assembled stack and
// shuts down cleanly.
func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig()
	d, p := testDaemon(t, cfg)

	require.NoError(t, d.Start())
	assert.True(t, d.Health().IsStarted())
	assert.True(t, p.DirectoryExists(cfg.Daemon.ShadowRoot))

	creds := credentials.New("alice@example.com", []byte("passkey"))
	rc, err := d.Registry().Mount(creds, mount.MountArgs{CreateIfMissing: true})
	require.NoError(t, err)
	require.Equal(t, mount.MountErrorNone, rc)

	status, found, err := d.Registry().GetStatus("alice@example.com")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, mount.StateMounted, status.State)

	require.NoError(t, d.Shutdown())
	d.WaitForShutdown()

	_, err = d.Registry().Mount(creds, mount.MountArgs{})
	assert.ErrorIs(t, err, mount.ErrRegistryClosed)
}

// TestDaemonLockboxWiring verifies an enabled lockbox does not get in
// the way of mounting; boot finalization is best effort.
func TestDaemonLockboxWiring(t *testing.T) {
	cfg := testConfig()
	cfg.Lockbox.Enabled = true
	d, _ := testDaemon(t, cfg)
	require.NotNil(t, d.lockbox)

	require.NoError(t, d.Start())
	creds := credentials.New("bob@example.com", []byte("passkey"))
	rc, err := d.Registry().Mount(creds, mount.MountArgs{CreateIfMissing: true})
	require.NoError(t, err)
	assert.Equal(t, mount.MountErrorNone, rc)
	require.NoError(t, d.Shutdown())
}

// TestProbeEndpoints exercises the HTTP probe handlers directly.
func TestProbeEndpoints(t *testing.T) {
	d, _ := testDaemon(t, testConfig())

	rec := httptest.NewRecorder()
	d.handleStartup(rec, httptest.NewRequest(http.MethodGet, "/startupz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	d.health.MarkStarted()
	rec = httptest.NewRecorder()
	d.handleStartup(rec, httptest.NewRequest(http.MethodGet, "/startupz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	d.handleReady(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var results []health.CheckResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	assert.Len(t, results, 3)

	rec = httptest.NewRecorder()
	d.handleLive(rec, httptest.NewRequest(http.MethodGet, "/livez", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

// TestSetupLogger verifies the format switch.
func TestSetupLogger(t *testing.T) {
	require.NotNil(t, setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}))
	require.NotNil(t, setupLogger(config.LoggingConfig{Level: "info", Format: "json"}))
}
