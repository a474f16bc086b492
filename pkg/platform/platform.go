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

// Package platform abstracts the operating system surface the
// cryptohome core touches: durable file I/O, directory management,
// mount(2)/umount(2), the kernel keyring, filesystem encryption
// probing, and free-space accounting. Production code uses the Linux
// implementation; tests inject the in-memory mock.
package platform

import (
	"errors"
	"io/fs"
	"time"
)

// KeySerial identifies a key in the kernel keyring.
type KeySerial int32

// InvalidKeySerial is the sentinel for "no key", used to guard against
// double invalidation.
const InvalidKeySerial KeySerial = -1

// ErrNotFound indicates the requested file or directory does not exist.
var ErrNotFound = errors.New("platform: not found")

// Platform is the OS capability consumed by HomeDirs, Mount, the crypto
// engine and the boot lockbox.
type Platform interface {
	// ReadFile reads the entire file. Returns ErrNotFound if the file
	// does not exist.
	ReadFile(path string) ([]byte, error)

	// WriteFileAtomicDurable writes data to path atomically (temp file
	// plus rename) and durably (fsync before rename).
	WriteFileAtomicDurable(path string, data []byte, perm fs.FileMode) error

	// DeleteFile removes a single file.
	DeleteFile(path string) error

	// DeletePathRecursively removes a directory tree.
	DeletePathRecursively(path string) error

	// FileExists reports whether path exists and is a regular file.
	FileExists(path string) bool

	// FileSize returns the size of a regular file in bytes. Returns
	// ErrNotFound if the file does not exist.
	FileSize(path string) (int64, error)

	// DirectoryExists reports whether path exists and is a directory.
	DirectoryExists(path string) bool

	// CreateDirectory creates a directory and any missing parents.
	CreateDirectory(path string, perm fs.FileMode) error

	// EnumerateDirectoryEntries returns the names of entries directly
	// under path.
	EnumerateDirectoryEntries(path string) ([]string, error)

	// Rename atomically moves a file or directory within the same
	// filesystem.
	Rename(oldPath, newPath string) error

	// SetOwnership sets uid/gid on path.
	SetOwnership(path string, uid, gid int) error

	// AmountOfFreeDiskSpace returns free bytes on the filesystem
	// holding path.
	AmountOfFreeDiskSpace(path string) (int64, error)

	// Mount performs mount(2).
	Mount(source, target, fstype string, flags uintptr, data string) error

	// Unmount performs umount(2).
	Unmount(target string) error

	// AddEcryptfsAuthToken inserts an eCryptfs authentication token
	// into the kernel keyring, keyed by its signature.
	AddEcryptfsAuthToken(key []byte, signature, salt []byte) (KeySerial, error)

	// AddDirCryptoKey inserts a filesystem encryption policy key into
	// the kernel keyring under the given descriptor.
	AddDirCryptoKey(descriptor string, key []byte) (KeySerial, error)

	// InvalidateKey removes a key from the kernel keyring.
	// Invalidating InvalidKeySerial is a no-op.
	InvalidateKey(serial KeySerial) error

	// ClearUserKeyring drops all session keys inserted by this process.
	ClearUserKeyring() error

	// SupportsDirCrypto probes whether the filesystem holding path
	// supports directory-level encryption.
	SupportsDirCrypto(path string) bool

	// SetDirCryptoPolicy tags a directory with an encryption policy
	// descriptor so new files under it are encrypted.
	SetDirCryptoPolicy(dir string, descriptor string) error

	// GetDirCryptoPolicy returns the encryption policy descriptor of a
	// directory, or an empty string when the directory is untagged.
	GetDirCryptoPolicy(dir string) (string, error)

	// RestoreSELinuxContexts relabels a mounted home. Best effort.
	RestoreSELinuxContexts(path string) error

	// Now returns the current time. Injected so eviction-policy tests
	// can control timestamps.
	Now() time.Time
}
