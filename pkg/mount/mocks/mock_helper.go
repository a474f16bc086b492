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

// Package mocks provides test doubles for the mount helper, the
// dircrypto migrator, and the PKCS#11 token handler, with configurable
// function overrides and call tracking.
package mocks

import (
	"sync"

	"github.com/jeremyhahn/go-cryptohome/pkg/mount"
)

// MockHelper records mount helper calls and tracks which paths are
// notionally mounted.
type MockHelper struct {
	mu sync.Mutex

	// Configurable behavior; when set, the override runs instead of the
	// default implementation.
	PerformMountFunc func(req *mount.MountRequest) error
	UnmountAllFunc   func() error

	// Call tracking
	PerformMountCalls []*mount.MountRequest
	UnmountAllCalls   int

	mountedPaths map[string]bool
	performed    bool
}

// NewMockHelper creates an empty helper.
func NewMockHelper() *MockHelper {
	return &MockHelper{mountedPaths: make(map[string]bool)}
}

// PerformMount records the request and marks its paths mounted.
func (h *MockHelper) PerformMount(req *mount.MountRequest) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.PerformMountCalls = append(h.PerformMountCalls, req)
	if h.PerformMountFunc != nil {
		if err := h.PerformMountFunc(req); err != nil {
			return err
		}
	}
	if req.VaultPath != "" {
		h.mountedPaths[req.VaultPath] = true
	}
	if req.MountPath != "" {
		h.mountedPaths[req.MountPath] = true
	}
	h.performed = true
	return nil
}

// UnmountAll clears every recorded mount.
func (h *MockHelper) UnmountAll() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.UnmountAllCalls++
	if h.UnmountAllFunc != nil {
		if err := h.UnmountAllFunc(); err != nil {
			return err
		}
	}
	h.mountedPaths = make(map[string]bool)
	h.performed = false
	return nil
}

// IsPathMounted reports whether a recorded mount covers the path.
func (h *MockHelper) IsPathMounted(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mountedPaths[path]
}

// MountPerformed reports whether any mount is active.
func (h *MockHelper) MountPerformed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.performed
}

// LastRequest returns the most recent PerformMount request, nil when
// none was made.
func (h *MockHelper) LastRequest() *mount.MountRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.PerformMountCalls) == 0 {
		return nil
	}
	return h.PerformMountCalls[len(h.PerformMountCalls)-1]
}

// MockMigrator is a controllable MigrationHelper. By default Migrate
// reports a fixed progress sequence and succeeds immediately; tests can
// gate completion on Release to exercise cancellation.
type MockMigrator struct {
	mu sync.Mutex

	// MigrateErr is returned from Migrate when set.
	MigrateErr error

	// TotalBytes is the size reported through the progress callback.
	TotalBytes int64

	// Block makes Migrate wait for Release or Cancel before returning.
	Block bool

	release   chan struct{}
	cancelled bool

	// Call tracking
	MigrateCalls int
	CancelCalls  int
	Progress     []int64
}

// NewMockMigrator creates a migrator that succeeds immediately.
func NewMockMigrator() *MockMigrator {
	return &MockMigrator{TotalBytes: 1 << 20, release: make(chan struct{})}
}

// Migrate reports progress and returns per the mock's configuration.
func (m *MockMigrator) Migrate(progress mount.ProgressCallback) error {
	m.mu.Lock()
	m.MigrateCalls++
	block := m.Block
	total := m.TotalBytes
	err := m.MigrateErr
	m.mu.Unlock()

	report := func(status mount.MigrationStatus, current int64) {
		m.mu.Lock()
		m.Progress = append(m.Progress, current)
		m.mu.Unlock()
		if progress != nil {
			progress(status, current, total)
		}
	}

	report(mount.MigrationInProgress, 0)
	if block {
		<-m.release
	}
	m.mu.Lock()
	cancelled := m.cancelled
	m.mu.Unlock()
	if cancelled {
		report(mount.MigrationFailed, total/2)
		return mount.ErrMigrationCancelled
	}
	if err != nil {
		report(mount.MigrationFailed, total/2)
		return err
	}
	report(mount.MigrationSuccess, total)
	return nil
}

// Cancel marks the migration cancelled and unblocks Migrate.
func (m *MockMigrator) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelCalls++
	m.cancelled = true
	select {
	case <-m.release:
	default:
		close(m.release)
	}
}

// Release unblocks a Block-configured Migrate without cancelling.
func (m *MockMigrator) Release() {
	m.mu.Lock()
	defer m.mu.Unlock()
	select {
	case <-m.release:
	default:
		close(m.release)
	}
}

// MockPkcs11 records token load and unload calls.
type MockPkcs11 struct {
	mu sync.Mutex

	LoadTokenFunc func(username string, chapsKey []byte) error

	LoadTokenCalls   []string
	UnloadTokenCalls []string
}

// LoadToken records the call.
func (p *MockPkcs11) LoadToken(username string, chapsKey []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.LoadTokenCalls = append(p.LoadTokenCalls, username)
	if p.LoadTokenFunc != nil {
		return p.LoadTokenFunc(username, chapsKey)
	}
	return nil
}

// UnloadToken records the call.
func (p *MockPkcs11) UnloadToken(username string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UnloadTokenCalls = append(p.UnloadTokenCalls, username)
	return nil
}
