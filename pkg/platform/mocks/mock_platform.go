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

// Package mocks provides an in-memory Platform implementation for
// testing. Files, directories, xattrs, mounts, and keyring state are
// all held in maps, with configurable overrides and call tracking in
// the same style as this module's other mock packages.
package mocks

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jeremyhahn/go-cryptohome/pkg/platform"
)

// MockPlatform is an in-memory Platform implementation.
type MockPlatform struct {
	mu sync.Mutex

	files    map[string][]byte
	perms    map[string]fs.FileMode
	dirs     map[string]bool
	policies map[string]string
	mounts   map[string]string // target -> source

	keySerials       platform.KeySerial
	liveKeys         map[platform.KeySerial]string
	invalidatedKeys  []platform.KeySerial
	keyringClearCnt  int
	selinuxRestores  []string
	dirCryptoSupport bool

	freeSpace int64
	now       time.Time

	// Configurable behavior
	WriteFileFunc     func(path string, data []byte, perm fs.FileMode) error
	ReadFileFunc      func(path string) ([]byte, error)
	FreeSpaceFunc     func(path string) (int64, error)
	MountFunc         func(source, target, fstype string, flags uintptr, data string) error
	UnmountFunc       func(target string) error
	AddDirCryptoFunc  func(descriptor string, key []byte) (platform.KeySerial, error)
	InvalidateKeyFunc func(serial platform.KeySerial) error

	// Call tracking
	WriteFileCalls    []string
	DeleteFileCalls   []string
	DeleteTreeCalls   []string
	MountCalls        []string
	UnmountCalls      []string
	InvalidateCalls   []platform.KeySerial
	AddEcryptfsCalls  int
	AddDirCryptoCalls int
}

// NewMockPlatform creates an empty mock platform with dircrypto support
// enabled, 10 GiB of free space, and the clock pinned to a fixed epoch.
func NewMockPlatform() *MockPlatform {
	return &MockPlatform{
		files:            make(map[string][]byte),
		perms:            make(map[string]fs.FileMode),
		dirs:             make(map[string]bool),
		policies:         make(map[string]string),
		mounts:           make(map[string]string),
		liveKeys:         make(map[platform.KeySerial]string),
		dirCryptoSupport: true,
		freeSpace:        10 << 30,
		now:              time.Unix(1700000000, 0),
	}
}

// SetFreeSpace configures the value AmountOfFreeDiskSpace reports.
func (m *MockPlatform) SetFreeSpace(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeSpace = bytes
}

// SetDirCryptoSupport toggles the kernel dircrypto probe result.
func (m *MockPlatform) SetDirCryptoSupport(supported bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirCryptoSupport = supported
}

// SetNow pins the mock clock.
func (m *MockPlatform) SetNow(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = t
}

// AdvanceClock moves the mock clock forward.
func (m *MockPlatform) AdvanceClock(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// LiveKeyCount returns how many keyring keys are currently valid.
func (m *MockPlatform) LiveKeyCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.liveKeys)
}

// IsMountedAt reports whether anything is mounted at target.
func (m *MockPlatform) IsMountedAt(target string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.mounts[target]
	return ok
}

// ReadFile returns the stored file contents.
func (m *MockPlatform) ReadFile(p string) ([]byte, error) {
	if m.ReadFileFunc != nil {
		return m.ReadFileFunc(p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p]
	if !ok {
		return nil, platform.ErrNotFound
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// WriteFileAtomicDurable stores the file and creates parent directories.
func (m *MockPlatform) WriteFileAtomicDurable(p string, data []byte, perm fs.FileMode) error {
	if m.WriteFileFunc != nil {
		return m.WriteFileFunc(p, data, perm)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.WriteFileCalls = append(m.WriteFileCalls, p)
	stored := make([]byte, len(data))
	copy(stored, data)
	m.files[p] = stored
	m.perms[p] = perm
	m.createParentsLocked(p)
	return nil
}

// DeleteFile removes a stored file.
func (m *MockPlatform) DeleteFile(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteFileCalls = append(m.DeleteFileCalls, p)
	if _, ok := m.files[p]; !ok {
		return platform.ErrNotFound
	}
	delete(m.files, p)
	delete(m.perms, p)
	return nil
}

// DeletePathRecursively removes a directory tree and everything below.
func (m *MockPlatform) DeletePathRecursively(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeleteTreeCalls = append(m.DeleteTreeCalls, p)
	prefix := strings.TrimSuffix(p, "/") + "/"
	for f := range m.files {
		if f == p || strings.HasPrefix(f, prefix) {
			delete(m.files, f)
			delete(m.perms, f)
		}
	}
	for d := range m.dirs {
		if d == p || strings.HasPrefix(d, prefix) {
			delete(m.dirs, d)
			delete(m.policies, d)
		}
	}
	return nil
}

// FileExists reports whether the file was stored.
func (m *MockPlatform) FileExists(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[p]
	return ok
}

// FileSize returns the stored file's length.
func (m *MockPlatform) FileSize(p string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[p]
	if !ok {
		return 0, platform.ErrNotFound
	}
	return int64(len(data)), nil
}

// DirectoryExists reports whether the directory was created.
func (m *MockPlatform) DirectoryExists(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirs[strings.TrimSuffix(p, "/")]
}

// CreateDirectory creates the directory and parents.
func (m *MockPlatform) CreateDirectory(p string, perm fs.FileMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clean := strings.TrimSuffix(p, "/")
	m.dirs[clean] = true
	m.createParentsLocked(clean + "/x")
	return nil
}

// EnumerateDirectoryEntries lists direct children of path.
func (m *MockPlatform) EnumerateDirectoryEntries(p string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clean := strings.TrimSuffix(p, "/")
	if !m.dirs[clean] {
		return nil, platform.ErrNotFound
	}
	seen := make(map[string]bool)
	prefix := clean + "/"
	for f := range m.files {
		if strings.HasPrefix(f, prefix) {
			rest := strings.TrimPrefix(f, prefix)
			seen[strings.SplitN(rest, "/", 2)[0]] = true
		}
	}
	for d := range m.dirs {
		if strings.HasPrefix(d, prefix) {
			rest := strings.TrimPrefix(d, prefix)
			seen[strings.SplitN(rest, "/", 2)[0]] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

// Rename moves a file or directory tree to a new path.
func (m *MockPlatform) Rename(oldPath, newPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	oldClean := strings.TrimSuffix(oldPath, "/")
	newClean := strings.TrimSuffix(newPath, "/")

	if _, ok := m.files[oldClean]; ok {
		m.files[newClean] = m.files[oldClean]
		m.perms[newClean] = m.perms[oldClean]
		delete(m.files, oldClean)
		delete(m.perms, oldClean)
		m.createParentsLocked(newClean)
		return nil
	}
	if !m.dirs[oldClean] {
		return platform.ErrNotFound
	}
	prefix := oldClean + "/"
	for f, data := range m.files {
		if strings.HasPrefix(f, prefix) {
			moved := newClean + "/" + strings.TrimPrefix(f, prefix)
			m.files[moved] = data
			m.perms[moved] = m.perms[f]
			delete(m.files, f)
			delete(m.perms, f)
		}
	}
	for d := range m.dirs {
		if d == oldClean || strings.HasPrefix(d, prefix) {
			moved := newClean + strings.TrimPrefix(d, oldClean)
			m.dirs[moved] = true
			if policy, ok := m.policies[d]; ok {
				m.policies[moved] = policy
				delete(m.policies, d)
			}
			delete(m.dirs, d)
		}
	}
	m.createParentsLocked(newClean + "/x")
	return nil
}

// SetOwnership records nothing; ownership is not modeled.
func (m *MockPlatform) SetOwnership(p string, uid, gid int) error {
	return nil
}

// AmountOfFreeDiskSpace reports the configured free space.
func (m *MockPlatform) AmountOfFreeDiskSpace(p string) (int64, error) {
	if m.FreeSpaceFunc != nil {
		return m.FreeSpaceFunc(p)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeSpace, nil
}

// Mount records a mount at target. The target directory must already
// exist, matching the mount(2) contract.
func (m *MockPlatform) Mount(source, target, fstype string, flags uintptr, data string) error {
	if m.MountFunc != nil {
		return m.MountFunc(source, target, fstype, flags, data)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MountCalls = append(m.MountCalls, target)
	if !m.dirs[strings.TrimSuffix(target, "/")] {
		return fmt.Errorf("mock platform: mount %q: no such file or directory", target)
	}
	if _, busy := m.mounts[target]; busy {
		return fmt.Errorf("mock platform: %q already mounted", target)
	}
	m.mounts[target] = source
	return nil
}

// Unmount removes a recorded mount.
func (m *MockPlatform) Unmount(target string) error {
	if m.UnmountFunc != nil {
		return m.UnmountFunc(target)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UnmountCalls = append(m.UnmountCalls, target)
	if _, ok := m.mounts[target]; !ok {
		return fmt.Errorf("mock platform: %q not mounted", target)
	}
	delete(m.mounts, target)
	return nil
}

// AddEcryptfsAuthToken allocates a key serial for the token.
func (m *MockPlatform) AddEcryptfsAuthToken(key []byte, signature, salt []byte) (platform.KeySerial, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AddEcryptfsCalls++
	return m.addKeyLocked("ecryptfs:" + string(signature)), nil
}

// AddDirCryptoKey allocates a key serial for the policy key.
func (m *MockPlatform) AddDirCryptoKey(descriptor string, key []byte) (platform.KeySerial, error) {
	if m.AddDirCryptoFunc != nil {
		return m.AddDirCryptoFunc(descriptor, key)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.AddDirCryptoCalls++
	return m.addKeyLocked("fscrypt:" + descriptor), nil
}

// InvalidateKey drops a key. The sentinel is a no-op; invalidating an
// already-dropped serial is also a no-op, mirroring the guard the
// production code relies on.
func (m *MockPlatform) InvalidateKey(serial platform.KeySerial) error {
	if m.InvalidateKeyFunc != nil {
		return m.InvalidateKeyFunc(serial)
	}
	if serial == platform.InvalidKeySerial {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.InvalidateCalls = append(m.InvalidateCalls, serial)
	delete(m.liveKeys, serial)
	m.invalidatedKeys = append(m.invalidatedKeys, serial)
	return nil
}

// ClearUserKeyring drops all live keys.
func (m *MockPlatform) ClearUserKeyring() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keyringClearCnt++
	m.liveKeys = make(map[platform.KeySerial]string)
	return nil
}

// SupportsDirCrypto reports the configured probe result.
func (m *MockPlatform) SupportsDirCrypto(p string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirCryptoSupport
}

// SetDirCryptoPolicy tags a directory.
func (m *MockPlatform) SetDirCryptoPolicy(dir string, descriptor string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policies[strings.TrimSuffix(dir, "/")] = descriptor
	return nil
}

// GetDirCryptoPolicy returns a directory's tag, or "".
func (m *MockPlatform) GetDirCryptoPolicy(dir string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policies[strings.TrimSuffix(dir, "/")], nil
}

// RestoreSELinuxContexts records the relabel request.
func (m *MockPlatform) RestoreSELinuxContexts(p string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.selinuxRestores = append(m.selinuxRestores, p)
	return nil
}

// Now returns the mock clock.
func (m *MockPlatform) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

func (m *MockPlatform) addKeyLocked(desc string) platform.KeySerial {
	m.keySerials++
	serial := m.keySerials
	m.liveKeys[serial] = desc
	return serial
}

func (m *MockPlatform) createParentsLocked(p string) {
	dir := path.Dir(p)
	for dir != "/" && dir != "." {
		m.dirs[dir] = true
		dir = path.Dir(dir)
	}
}
