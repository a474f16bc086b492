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

// Package homedirs manages the on-disk collection of per-user encrypted
// vaults under the shadow root: keyset files, vault directories for both
// encryption backends, the system salt, and the disk-space eviction
// policy. Operations here are directory-level and independent of any
// single mount session.
package homedirs

import (
	"crypto/rand"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/jeremyhahn/go-cryptohome/pkg/credentials"
	cryptoengine "github.com/jeremyhahn/go-cryptohome/pkg/crypto"
	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
	"github.com/jeremyhahn/go-cryptohome/pkg/platform"
)

const (
	// SystemSaltSize is the size of the per-device salt mixed into
	// username obfuscation and passkey derivation.
	SystemSaltSize = 32

	// keysetSaltSize is the per-keyset scrypt salt size.
	keysetSaltSize = 16

	saltFileName  = "salt"
	vaultDirName  = "vault"
	mountDirName  = "mount"
	keysetPrefix  = "master."
	shadowDirPerm = 0700
	keysetPerm    = 0600
)

// Package errors
var (
	// ErrUserNotFound indicates no vault or keysets exist for the user.
	ErrUserNotFound = errors.New("homedirs: user not found")

	// ErrKeyNotFound indicates no keyset bears the requested label.
	ErrKeyNotFound = errors.New("homedirs: keyset not found")

	// ErrKeyLabelExists indicates a label collision with clobber disabled.
	ErrKeyLabelExists = errors.New("homedirs: keyset label already exists")

	// ErrKeyQuotaExceeded indicates every keyset index is occupied.
	ErrKeyQuotaExceeded = errors.New("homedirs: no free keyset index")

	// ErrInsufficientPrivileges indicates the authenticated keyset does
	// not authorize the requested mutation.
	ErrInsufficientPrivileges = errors.New("homedirs: insufficient key privileges")

	// ErrMigrationIncomplete indicates both encryption backends exist for
	// the same user. Operations are refused until the explicit migration
	// flow resolves the vault to a single backend.
	ErrMigrationIncomplete = errors.New("homedirs: both encryption backends present")

	// ErrVaultMounted indicates the operation targets a currently
	// mounted vault.
	ErrVaultMounted = errors.New("homedirs: vault is mounted")
)

// Backend identifies the encryption backend a persistent vault uses.
type Backend int

const (
	// BackendNone means no vault directory exists yet.
	BackendNone Backend = iota

	// BackendEcryptfs is the stacked-filesystem backend with FEK/FNEK
	// keyring tokens.
	BackendEcryptfs

	// BackendDirCrypto is the native filesystem encryption backend with
	// a per-directory policy key.
	BackendDirCrypto
)

// String returns a log-friendly backend name.
func (b Backend) String() string {
	switch b {
	case BackendEcryptfs:
		return "ecryptfs"
	case BackendDirCrypto:
		return "dircrypto"
	default:
		return "none"
	}
}

// PolicyProvider exposes device policy consulted by the eviction and
// ephemeral-user logic. The concrete provider lives in the excluded
// service layer.
type PolicyProvider interface {
	// OwnerUsername returns the device owner's username, when one is set.
	OwnerUsername() (string, bool)

	// EphemeralUsersEnabled reports whether non-owner vaults are wiped
	// on logout.
	EphemeralUsersEnabled() bool
}

// MountChecker reports whether a user's vault is currently mounted.
// Implemented by the mount registry.
type MountChecker interface {
	IsMountedForUser(obfuscatedUsername string) bool
}

// HomeDirs manages the vault collection under one shadow root. Not safe
// for concurrent use; the daemon serializes all operations on one
// worker.
type HomeDirs struct {
	platform platform.Platform
	engine   *cryptoengine.Engine
	logger   *logging.Logger

	shadowRoot string
	policy     PolicyProvider
	mounts     MountChecker

	minFree    int64
	targetFree int64

	systemSalt []byte
}

// Option configures HomeDirs.
type Option func(*HomeDirs)

// WithPolicyProvider attaches the device policy provider.
func WithPolicyProvider(p PolicyProvider) Option {
	return func(h *HomeDirs) { h.policy = p }
}

// WithMountChecker attaches the mounted-vault check used by the
// eviction policy.
func WithMountChecker(m MountChecker) Option {
	return func(h *HomeDirs) { h.mounts = m }
}

// WithFreeSpaceTargets overrides the eviction water marks. Zero keeps
// the default for that mark.
func WithFreeSpaceTargets(min, target int64) Option {
	return func(h *HomeDirs) {
		if min > 0 {
			h.minFree = min
		}
		if target > 0 {
			h.targetFree = target
		}
	}
}

// New creates a HomeDirs over the given shadow root.
func New(p platform.Platform, engine *cryptoengine.Engine, logger *logging.Logger, shadowRoot string, opts ...Option) *HomeDirs {
	h := &HomeDirs{
		platform:   p,
		engine:     engine,
		logger:     logger.WithComponent("homedirs"),
		shadowRoot: shadowRoot,
		minFree:    MinFreeSpace,
		targetFree: TargetFreeSpace,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// ShadowRoot returns the root directory holding all user vaults.
func (h *HomeDirs) ShadowRoot() string {
	return h.shadowRoot
}

// SetMountChecker attaches the mounted-vault check after construction.
// The mount registry depends on HomeDirs, so it cannot be injected at
// construction time.
func (h *HomeDirs) SetMountChecker(m MountChecker) {
	h.mounts = m
}

// SystemSalt returns the device-wide salt, creating and persisting it on
// first use.
func (h *HomeDirs) SystemSalt() ([]byte, error) {
	if h.systemSalt != nil {
		return h.systemSalt, nil
	}
	saltPath := filepath.Join(h.shadowRoot, saltFileName)
	salt, err := h.platform.ReadFile(saltPath)
	if err == nil && len(salt) == SystemSaltSize {
		h.systemSalt = salt
		return salt, nil
	}
	if err != nil && !errors.Is(err, platform.ErrNotFound) {
		return nil, fmt.Errorf("homedirs: read system salt: %w", err)
	}

	salt = make([]byte, SystemSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("homedirs: generate system salt: %w", err)
	}
	if err := h.platform.CreateDirectory(h.shadowRoot, shadowDirPerm); err != nil {
		return nil, fmt.Errorf("homedirs: create shadow root: %w", err)
	}
	if err := h.platform.WriteFileAtomicDurable(saltPath, salt, keysetPerm); err != nil {
		return nil, fmt.Errorf("homedirs: persist system salt: %w", err)
	}
	h.systemSalt = salt
	return salt, nil
}

// UserPath returns the user's shadow directory.
func (h *HomeDirs) UserPath(obfuscatedUsername string) string {
	return filepath.Join(h.shadowRoot, obfuscatedUsername)
}

// VaultPath returns the user's eCryptfs vault directory.
func (h *HomeDirs) VaultPath(obfuscatedUsername string) string {
	return filepath.Join(h.shadowRoot, obfuscatedUsername, vaultDirName)
}

// MountPath returns the user's dircrypto mount directory.
func (h *HomeDirs) MountPath(obfuscatedUsername string) string {
	return filepath.Join(h.shadowRoot, obfuscatedUsername, mountDirName)
}

// KeysetPath returns the path of keyset file index for the user.
func (h *HomeDirs) KeysetPath(obfuscatedUsername string, index int) string {
	return filepath.Join(h.shadowRoot, obfuscatedUsername, fmt.Sprintf("%s%d", keysetPrefix, index))
}

// Exists reports whether a shadow directory exists for the user.
func (h *HomeDirs) Exists(obfuscatedUsername string) bool {
	return h.platform.DirectoryExists(h.UserPath(obfuscatedUsername))
}

// Create makes the user's shadow directory.
func (h *HomeDirs) Create(obfuscatedUsername string) error {
	if err := h.platform.CreateDirectory(h.UserPath(obfuscatedUsername), shadowDirPerm); err != nil {
		return fmt.Errorf("homedirs: create user directory: %w", err)
	}
	return nil
}

// Remove deletes the user's entire shadow directory. Refused while the
// vault is mounted.
func (h *HomeDirs) Remove(obfuscatedUsername string) error {
	if h.isMounted(obfuscatedUsername) {
		return ErrVaultMounted
	}
	if !h.Exists(obfuscatedUsername) {
		return ErrUserNotFound
	}
	if err := h.platform.DeletePathRecursively(h.UserPath(obfuscatedUsername)); err != nil {
		return fmt.Errorf("homedirs: remove user directory: %w", err)
	}
	return nil
}

// Rename moves a user's shadow directory to a new obfuscated name.
// Refused while either vault is mounted.
func (h *HomeDirs) Rename(fromObfuscated, toObfuscated string) error {
	if h.isMounted(fromObfuscated) || h.isMounted(toObfuscated) {
		return ErrVaultMounted
	}
	if !h.Exists(fromObfuscated) {
		return ErrUserNotFound
	}
	if h.Exists(toObfuscated) {
		return fmt.Errorf("homedirs: rename target %q already exists", toObfuscated)
	}
	if err := h.platform.Rename(h.UserPath(fromObfuscated), h.UserPath(toObfuscated)); err != nil {
		return fmt.Errorf("homedirs: rename user directory: %w", err)
	}
	return nil
}

// VaultBackend detects which encryption backend the user's persistent
// vault uses. Both backends present at once signals an interrupted
// migration; the caller must go through the explicit migration flow, so
// the state is refused rather than resolved here.
func (h *HomeDirs) VaultBackend(obfuscatedUsername string) (Backend, error) {
	hasEcryptfs := h.platform.DirectoryExists(h.VaultPath(obfuscatedUsername))
	hasDirCrypto := false
	mountPath := h.MountPath(obfuscatedUsername)
	if h.platform.DirectoryExists(mountPath) {
		policy, err := h.platform.GetDirCryptoPolicy(mountPath)
		if err != nil {
			return BackendNone, fmt.Errorf("homedirs: read encryption policy: %w", err)
		}
		hasDirCrypto = policy != ""
	}

	switch {
	case hasEcryptfs && hasDirCrypto:
		return BackendNone, ErrMigrationIncomplete
	case hasEcryptfs:
		return BackendEcryptfs, nil
	case hasDirCrypto:
		return BackendDirCrypto, nil
	default:
		return BackendNone, nil
	}
}

func (h *HomeDirs) isMounted(obfuscatedUsername string) bool {
	return h.mounts != nil && h.mounts.IsMountedForUser(obfuscatedUsername)
}

// ownerObfuscated returns the device owner's obfuscated username, when
// policy names an owner.
func (h *HomeDirs) ownerObfuscated() (string, bool) {
	if h.policy == nil {
		return "", false
	}
	owner, ok := h.policy.OwnerUsername()
	if !ok || owner == "" {
		return "", false
	}
	salt, err := h.SystemSalt()
	if err != nil {
		return "", false
	}
	return credentials.ObfuscateUsername(owner, salt), true
}
