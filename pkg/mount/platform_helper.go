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

package mount

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
	"github.com/jeremyhahn/go-cryptohome/pkg/platform"
)

// DefaultEphemeralRoot is where ephemeral session tmpfs mounts land.
const DefaultEphemeralRoot = "/home/ephemeral"

// ecryptfsMountOptions formats the kernel mount options for an eCryptfs
// session. The FEK and FNEK signatures reference auth tokens already
// inserted into the session keyring.
func ecryptfsMountOptions(keySig, fnekSig string) string {
	opts := fmt.Sprintf(
		"ecryptfs_cipher=aes,ecryptfs_key_bytes=32,ecryptfs_sig=%s,ecryptfs_fnek_sig=%s,ecryptfs_fnek_enabled",
		keySig, fnekSig)
	return opts
}

// PlatformHelper is the production mount helper. It drives mount(2)
// and umount(2) through the platform layer and tracks every mount it
// performs so UnmountAll can tear the session down in reverse order.
//
// Not safe for concurrent use; each Mount session owns one helper and
// the daemon serializes all operations on one worker.
type PlatformHelper struct {
	platform      platform.Platform
	logger        *logging.Logger
	ephemeralRoot string

	// mounted is the LIFO stack of mount targets.
	mounted []string
}

// NewPlatformHelper creates a helper mounting ephemeral sessions under
// ephemeralRoot. An empty ephemeralRoot selects DefaultEphemeralRoot.
func NewPlatformHelper(p platform.Platform, logger *logging.Logger, ephemeralRoot string) *PlatformHelper {
	if ephemeralRoot == "" {
		ephemeralRoot = DefaultEphemeralRoot
	}
	return &PlatformHelper{
		platform:      p,
		logger:        logger.WithComponent("mounthelper"),
		ephemeralRoot: ephemeralRoot,
	}
}

// PerformMount mounts the session described by the request.
func (h *PlatformHelper) PerformMount(req *MountRequest) error {
	switch req.Type {
	case MountTypeEcryptfs:
		return h.mountEcryptfs(req)
	case MountTypeDirCrypto:
		return h.mountDirCrypto(req)
	case MountTypeEphemeral:
		return h.mountTmpfs(req)
	default:
		return fmt.Errorf("mount: unsupported mount type %v", req.Type)
	}
}

func (h *PlatformHelper) mountEcryptfs(req *MountRequest) error {
	opts := ecryptfsMountOptions(req.KeySignature, req.FnekSignature)
	if err := h.platform.Mount(req.VaultPath, req.MountPath, "ecryptfs", unix.MS_NOSUID|unix.MS_NODEV, opts); err != nil {
		return err
	}
	h.push(req.MountPath)
	if req.ToMigrate {
		h.logger.Info("ecryptfs mounted for migration",
			"vault", req.VaultPath, "mount", req.MountPath)
	}
	return nil
}

// mountDirCrypto pins the policied directory with a self bind mount so
// the session shows up in the mount table and UnmountAll stays
// symmetric across backends. The kernel handles encryption through the
// policy key already in the keyring.
func (h *PlatformHelper) mountDirCrypto(req *MountRequest) error {
	if err := h.platform.Mount(req.MountPath, req.MountPath, "", unix.MS_BIND, ""); err != nil {
		return err
	}
	h.push(req.MountPath)
	return nil
}

func (h *PlatformHelper) mountTmpfs(req *MountRequest) error {
	target := filepath.Join(h.ephemeralRoot, req.EphemeralID)
	if err := h.platform.CreateDirectory(target, 0700); err != nil {
		return err
	}
	if err := h.platform.Mount("ephemeral", target, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, "mode=0700"); err != nil {
		return err
	}
	h.push(target)
	return nil
}

// UnmountAll tears down every mount this helper performed, newest
// first. The first failure aborts so a busy mount is not silently left
// half torn down.
func (h *PlatformHelper) UnmountAll() error {
	for i := len(h.mounted) - 1; i >= 0; i-- {
		target := h.mounted[i]
		if err := h.platform.Unmount(target); err != nil {
			h.mounted = h.mounted[:i+1]
			return fmt.Errorf("mount: unmount %q: %w", target, err)
		}
		h.mounted = h.mounted[:i]
	}
	return nil
}

// IsPathMounted reports whether the helper holds a mount at path.
func (h *PlatformHelper) IsPathMounted(path string) bool {
	for _, m := range h.mounted {
		if m == path {
			return true
		}
	}
	return false
}

// MountPerformed reports whether this helper currently holds any mount.
func (h *PlatformHelper) MountPerformed() bool {
	return len(h.mounted) > 0
}

func (h *PlatformHelper) push(target string) {
	h.mounted = append(h.mounted, target)
}
