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

// Package mount implements the per-user session state machine: backend
// selection, keyset decryption with migration and recreation policy,
// keyring setup, delegation to the mount helper, ephemeral and guest
// sessions, and online migration between encryption backends.
//
// A Mount is not safe for concurrent use. The Registry serializes all
// operations on a single worker goroutine; the dircrypto migration is
// the only sub-task that runs in parallel with it.
package mount

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jeremyhahn/go-cryptohome/pkg/credentials"
	cryptoengine "github.com/jeremyhahn/go-cryptohome/pkg/crypto"
	"github.com/jeremyhahn/go-cryptohome/pkg/homedirs"
	"github.com/jeremyhahn/go-cryptohome/pkg/keyset"
	"github.com/jeremyhahn/go-cryptohome/pkg/lockbox"
	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
	"github.com/jeremyhahn/go-cryptohome/pkg/metrics"
	"github.com/jeremyhahn/go-cryptohome/pkg/platform"
)

// State is the mount session lifecycle state.
type State int

const (
	StateUnmounted State = iota
	StateEnsuring
	StateDecrypting
	StateMounted
	StateEphemeralMounted
	StateMigrating
	StateUnmounting
)

// String returns a log-friendly state name.
func (s State) String() string {
	switch s {
	case StateEnsuring:
		return "ensuring"
	case StateDecrypting:
		return "decrypting"
	case StateMounted:
		return "mounted"
	case StateEphemeralMounted:
		return "ephemeral_mounted"
	case StateMigrating:
		return "migrating"
	case StateUnmounting:
		return "unmounting"
	default:
		return "unmounted"
	}
}

// MountArgs carries the caller's mount request options.
type MountArgs struct {
	// CreateIfMissing creates a fresh vault for an unknown user, and
	// permits recreation after unrecoverable key loss.
	CreateIfMissing bool

	// Ephemeral requests a RAM-backed session with no persistent state.
	Ephemeral bool

	// ToMigrateFromEcryptfs mounts both backends so a dircrypto
	// migration can run.
	ToMigrateFromEcryptfs bool

	// ForceDirCrypto refuses to mount an ecryptfs vault unless migration
	// was requested alongside.
	ForceDirCrypto bool
}

// Status is the session snapshot exposed to the service layer.
type Status struct {
	Username    string    `json:"username,omitempty"`
	State       State     `json:"state"`
	Type        MountType `json:"type"`
	KeysetIndex int       `json:"keyset_index"`
	Recreated   bool      `json:"recreated,omitempty"`
}

// Mount is one user session. Construct with NewMount; operations must
// be serialized by the caller (see Registry).
type Mount struct {
	platform platform.Platform
	engine   *cryptoengine.Engine
	homedirs *homedirs.HomeDirs
	helper   Helper
	logger   *logging.Logger

	lockbox         *lockbox.BootLockbox
	policy          homedirs.PolicyProvider
	migratorFactory MigratorFactory
	pkcs11          Pkcs11TokenHandler

	state       State
	mountType   MountType
	username    string
	obfuscated  string
	keysetIndex int
	ephemeralID string
	recreated   bool
	toMigrate   bool

	dirCryptoKeySerial platform.KeySerial
	ecryptfsKeySerials []platform.KeySerial

	migration *migrationTask
}

// Option configures a Mount.
type Option func(*Mount)

// WithBootLockbox attaches the boot lockbox finalized on first mount.
func WithBootLockbox(b *lockbox.BootLockbox) Option {
	return func(m *Mount) { m.lockbox = b }
}

// WithPolicyProvider attaches the device policy provider.
func WithPolicyProvider(p homedirs.PolicyProvider) Option {
	return func(m *Mount) { m.policy = p }
}

// WithMigratorFactory attaches the dircrypto migration helper factory.
func WithMigratorFactory(f MigratorFactory) Option {
	return func(m *Mount) { m.migratorFactory = f }
}

// WithPkcs11Handler attaches the PKCS#11 token collaborator.
func WithPkcs11Handler(h Pkcs11TokenHandler) Option {
	return func(m *Mount) { m.pkcs11 = h }
}

// NewMount creates an unmounted session object.
func NewMount(p platform.Platform, engine *cryptoengine.Engine, h *homedirs.HomeDirs, helper Helper, logger *logging.Logger, opts ...Option) *Mount {
	m := &Mount{
		platform:           p,
		engine:             engine,
		homedirs:           h,
		helper:             helper,
		logger:             logger.WithComponent("mount"),
		keysetIndex:        -1,
		dirCryptoKeySerial: platform.InvalidKeySerial,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// IsMounted reports whether the session holds a mount.
func (m *Mount) IsMounted() bool {
	m.reapMigration()
	switch m.state {
	case StateMounted, StateEphemeralMounted, StateMigrating:
		return true
	default:
		return false
	}
}

// State returns the current lifecycle state.
func (m *Mount) State() State {
	m.reapMigration()
	return m.state
}

// MountType returns the active session's backend.
func (m *Mount) MountType() MountType {
	m.reapMigration()
	return m.mountType
}

// ObfuscatedUsername returns the mounted user's on-disk identifier,
// empty while unmounted.
func (m *Mount) ObfuscatedUsername() string {
	return m.obfuscated
}

// AreValid reports whether the credentials decrypt any of the user's
// keysets, without mounting.
func (m *Mount) AreValid(creds *credentials.Credentials) bool {
	return m.homedirs.AreCredentialsValid(creds)
}

// GetStatus returns a session snapshot for the service layer.
func (m *Mount) GetStatus() Status {
	m.reapMigration()
	return Status{
		Username:    m.username,
		State:       m.state,
		Type:        m.mountType,
		KeysetIndex: m.keysetIndex,
		Recreated:   m.recreated,
	}
}

// MountCryptohome mounts the user's home. The boot lockbox is finalized
// first (best effort): the first real user session marks the end of
// early boot. Transient TPM communication failures are retried exactly
// once; every other error is terminal for this call.
func (m *Mount) MountCryptohome(creds *credentials.Credentials, args MountArgs) MountError {
	start := time.Now()
	if m.lockbox != nil {
		if !m.lockbox.FinalizeBoot() {
			m.logger.Warn("boot lockbox finalization failed, continuing mount")
		}
	}
	if m.IsMounted() {
		metrics.RecordMountError(MountErrorMountPointBusy.String())
		return MountErrorMountPointBusy
	}

	rc := m.mountCryptohomeInner(creds, args)
	if rc == MountErrorTpmCommError {
		m.logger.Warn("transient TPM communication failure, retrying mount once")
		metrics.RecordTpmRetry()
		rc = m.mountCryptohomeInner(creds, args)
	}

	status := metrics.StatusSuccess
	if !rc.Mounted() {
		status = metrics.StatusError
		metrics.RecordMountError(rc.String())
	}
	metrics.RecordOperation(metrics.OpMount, m.mountType.String(), status, time.Since(start).Seconds())
	return rc
}

// mountCryptohomeInner is the core decision tree: guest, ephemeral, or
// persistent, with the bounded recreate-on-fatal retry for the
// persistent path.
func (m *Mount) mountCryptohomeInner(creds *credentials.Credentials, args MountArgs) MountError {
	if creds.IsGuest() {
		return m.mountEphemeral(creds)
	}

	ephemeralPolicy := m.policy != nil && m.policy.EphemeralUsersEnabled()
	isOwner := m.isOwner(creds.Username())
	if ephemeralPolicy {
		// Purge failures never block the current mount.
		m.homedirs.RemoveNonOwnerCryptohomes()
	}

	if args.Ephemeral || (ephemeralPolicy && !isOwner) {
		if isOwner {
			return MountErrorEphemeralMountByOwner
		}
		if !args.CreateIfMissing {
			return MountErrorInvalidArgs
		}
		return m.mountEphemeral(creds)
	}

	salt, err := m.homedirs.SystemSalt()
	if err != nil {
		m.logger.Error("system salt unavailable", "error", err)
		return MountErrorSetupFailed
	}
	obfuscated := creds.ObfuscatedUsername(salt)

	created := false
	if !m.homedirs.Exists(obfuscated) {
		if !args.CreateIfMissing {
			return MountErrorUserDoesNotExist
		}
		if rc := m.createVault(creds, obfuscated); rc != MountErrorNone {
			return rc
		}
		created = true
	}

	// Two-iteration loop: first attempt, then one retry after wiping
	// and recreating the vault on fatal key loss. The retry runs with
	// recreation disabled so recursion is bounded at depth one.
	const (
		firstAttempt = iota
		retryAfterRecreate
	)
	for attempt := firstAttempt; ; attempt++ {
		rc := m.mountPersistent(creds, obfuscated, args, created)
		if rc == MountErrorFatal && attempt == firstAttempt && args.CreateIfMissing && !created {
			m.logger.Error("key material unrecoverable, recreating vault",
				"user", obfuscated)
			metrics.RecordVaultRecreated()
			if err := m.homedirs.Remove(obfuscated); err != nil {
				m.logger.Error("vault removal for recreation failed", "error", err)
				return MountErrorFatal
			}
			if rc := m.createVault(creds, obfuscated); rc != MountErrorNone {
				return rc
			}
			created = true
			continue
		}
		if rc == MountErrorNone && attempt == retryAfterRecreate {
			m.recreated = true
			return MountErrorRecreated
		}
		return rc
	}
}

// createVault makes a fresh shadow directory with a random initial
// keyset wrapped under the credentials.
func (m *Mount) createVault(creds *credentials.Credentials, obfuscated string) MountError {
	if err := m.homedirs.Create(obfuscated); err != nil {
		m.logger.Error("vault directory creation failed", "error", err)
		return MountErrorSetupFailed
	}
	vk, err := keyset.CreateRandom()
	if err != nil {
		return MountErrorSetupFailed
	}
	if err := m.homedirs.AddInitialKeyset(creds, vk); err != nil {
		m.logger.Error("initial keyset creation failed", "error", err)
		if errors.Is(err, cryptoengine.ErrTpmCommunication) {
			return MountErrorTpmCommError
		}
		return MountErrorSetupFailed
	}
	return MountErrorNone
}

// mountPersistent runs one attempt at the persistent mount sequence:
// ensure the vault's backend, decrypt a keyset, set up the keyring, and
// delegate the mount to the helper.
func (m *Mount) mountPersistent(creds *credentials.Credentials, obfuscated string, args MountArgs, created bool) MountError {
	m.state = StateEnsuring
	defer func() {
		if m.state == StateEnsuring || m.state == StateDecrypting {
			m.state = StateUnmounted
		}
	}()

	mountType, rc := m.ensureVault(obfuscated, args)
	if rc != MountErrorNone {
		return rc
	}

	m.state = StateDecrypting
	var valid *homedirs.ValidKeyset
	var err error
	if args.ToMigrateFromEcryptfs {
		valid, err = m.homedirs.GetValidKeysetForMigration(creds)
	} else {
		valid, err = m.homedirs.GetValidKeyset(creds)
	}
	if err != nil {
		return m.classifyKeysetError(err)
	}
	vk := valid.Keyset
	defer vk.Wipe()

	if kd := valid.Serialized.KeyData; kd != nil && !kd.Privileges.Mount {
		return MountErrorUnprivilegedKey
	}

	m.reSaveIfNeeded(creds, obfuscated, valid)

	req := &MountRequest{
		Type:      mountType,
		Username:  creds.Username(),
		VaultPath: m.homedirs.VaultPath(obfuscated),
		MountPath: m.homedirs.MountPath(obfuscated),
		Created:   created,
		ToMigrate: args.ToMigrateFromEcryptfs,
	}
	if rc := m.setupKeyring(vk, req); rc != MountErrorNone {
		m.cleanupAfterFailure()
		return rc
	}
	if err := m.helper.PerformMount(req); err != nil {
		m.logger.Error("mount helper failed", "error", err)
		m.cleanupAfterFailure()
		return MountErrorSetupFailed
	}

	// Best-effort post-mount steps never fail the mount.
	if err := m.platform.RestoreSELinuxContexts(m.homedirs.UserPath(obfuscated)); err != nil {
		m.logger.Warn("SELinux relabel failed", "error", err)
	}
	if m.pkcs11 != nil {
		if err := m.pkcs11.LoadToken(creds.Username(), vk.ChapsKey); err != nil {
			m.logger.Warn("PKCS#11 token load failed", "error", err)
		}
	}
	if err := m.homedirs.UpdateActivityTimestamp(obfuscated, valid.Index, m.platform.Now()); err != nil {
		m.logger.Warn("activity timestamp update failed", "error", err)
	}

	m.state = StateMounted
	m.mountType = mountType
	m.username = creds.Username()
	m.obfuscated = obfuscated
	m.keysetIndex = valid.Index
	m.toMigrate = req.ToMigrate && mountType == MountTypeEcryptfs
	return MountErrorNone
}

// ensureVault decides the encryption backend for this mount and
// prepares the vault directories.
func (m *Mount) ensureVault(obfuscated string, args MountArgs) (MountType, MountError) {
	backend, err := m.homedirs.VaultBackend(obfuscated)
	if errors.Is(err, homedirs.ErrMigrationIncomplete) {
		// Both backends present. Only a migration-request mount may
		// proceed; everything else is refused rather than guessed at.
		if args.ToMigrateFromEcryptfs {
			return MountTypeEcryptfs, MountErrorNone
		}
		return MountTypeNone, MountErrorMigrationIncomplete
	}
	if err != nil {
		m.logger.Error("vault backend detection failed", "error", err)
		return MountTypeNone, MountErrorSetupFailed
	}

	switch backend {
	case homedirs.BackendNone:
		if args.ToMigrateFromEcryptfs {
			// Migration with no ecryptfs source is a policy violation.
			return MountTypeNone, MountErrorInvalidArgs
		}
		if m.platform.SupportsDirCrypto(m.homedirs.ShadowRoot()) {
			if err := m.platform.CreateDirectory(m.homedirs.MountPath(obfuscated), 0700); err != nil {
				return MountTypeNone, MountErrorSetupFailed
			}
			return MountTypeDirCrypto, MountErrorNone
		}
		if err := m.platform.CreateDirectory(m.homedirs.VaultPath(obfuscated), 0700); err != nil {
			return MountTypeNone, MountErrorSetupFailed
		}
		// The decrypted view is mounted over MountPath, which needs to
		// exist before mount(2). A bare MountPath carries no encryption
		// policy, so backend detection still reports ecryptfs.
		if err := m.platform.CreateDirectory(m.homedirs.MountPath(obfuscated), 0700); err != nil {
			return MountTypeNone, MountErrorSetupFailed
		}
		return MountTypeEcryptfs, MountErrorNone

	case homedirs.BackendEcryptfs:
		if args.ForceDirCrypto && !args.ToMigrateFromEcryptfs {
			return MountTypeNone, MountErrorOldEncryption
		}
		// MountPath doubles as the mount(2) target for a plain ecryptfs
		// mount and as the dircrypto destination for a migration dual
		// mount.
		if err := m.platform.CreateDirectory(m.homedirs.MountPath(obfuscated), 0700); err != nil {
			return MountTypeNone, MountErrorSetupFailed
		}
		return MountTypeEcryptfs, MountErrorNone

	case homedirs.BackendDirCrypto:
		if args.ToMigrateFromEcryptfs {
			return MountTypeNone, MountErrorInvalidArgs
		}
		return MountTypeDirCrypto, MountErrorNone

	default:
		return MountTypeNone, MountErrorSetupFailed
	}
}

// classifyKeysetError collapses granular decryption errors into mount
// codes, preserving the transient/fatal/auth distinctions.
func (m *Mount) classifyKeysetError(err error) MountError {
	switch {
	case errors.Is(err, homedirs.ErrUserNotFound):
		return MountErrorUserDoesNotExist
	case errors.Is(err, homedirs.ErrMigrationIncomplete):
		return MountErrorMigrationIncomplete
	case errors.Is(err, cryptoengine.ErrTpmCommunication):
		return MountErrorTpmCommError
	case errors.Is(err, cryptoengine.ErrTpmFatal):
		return MountErrorFatal
	case errors.Is(err, cryptoengine.ErrAuthenticationFailed),
		errors.Is(err, cryptoengine.ErrLECredentialLocked),
		errors.Is(err, homedirs.ErrKeyNotFound):
		return MountErrorKeyFailure
	default:
		m.logger.Error("keyset decryption failed", "error", err)
		return MountErrorSetupFailed
	}
}

// reSaveIfNeeded backfills missing chaps/reset-seed material and
// migrates the wrap method when device policy changed. Best effort
// after a successful decrypt; failures are logged and the mount
// proceeds with the already-valid keyset.
func (m *Mount) reSaveIfNeeded(creds *credentials.Credentials, obfuscated string, valid *homedirs.ValidKeyset) {
	chapsAdded, err := valid.Keyset.GenerateChapsKey()
	if err != nil {
		m.logger.Warn("chaps key backfill failed", "error", err)
	}
	seedAdded, err := valid.Keyset.GenerateResetSeed()
	if err != nil {
		m.logger.Warn("reset seed backfill failed", "error", err)
	}
	reSave := m.engine.ShouldReSave(valid.Serialized) == cryptoengine.ReSaveYes
	if !chapsAdded && !seedAdded && !reSave {
		return
	}

	if reSave {
		metrics.RecordKeysetReSave(valid.Serialized.WrapMethod().Kind.String())
	}
	err = m.homedirs.ReSaveKeyset(obfuscated, valid.Index, valid.Keyset, creds.Passkey(), valid.Serialized.KeyData)
	if err != nil {
		m.logger.Warn("keyset re-save failed, proceeding with decrypted keyset",
			"error", err, "index", valid.Index)
	}
}

// setupKeyring loads the session's key material into the kernel
// keyring and fills the helper request's signatures.
func (m *Mount) setupKeyring(vk *keyset.VaultKeyset, req *MountRequest) MountError {
	needEcryptfs := req.Type == MountTypeEcryptfs
	needDirCrypto := req.Type == MountTypeDirCrypto || req.ToMigrate

	if needEcryptfs {
		fekSerial, err := m.platform.AddEcryptfsAuthToken(vk.FEK, vk.FEKSig, vk.FEKSalt)
		if err != nil {
			m.logger.Error("FEK keyring insertion failed", "error", err)
			return MountErrorSetupFailed
		}
		m.ecryptfsKeySerials = append(m.ecryptfsKeySerials, fekSerial)
		fnekSerial, err := m.platform.AddEcryptfsAuthToken(vk.FNEK, vk.FNEKSig, vk.FNEKSalt)
		if err != nil {
			m.logger.Error("FNEK keyring insertion failed", "error", err)
			return MountErrorSetupFailed
		}
		m.ecryptfsKeySerials = append(m.ecryptfsKeySerials, fnekSerial)
		req.KeySignature = hex.EncodeToString(vk.FEKSig)
		req.FnekSignature = hex.EncodeToString(vk.FNEKSig)
	}

	if needDirCrypto {
		descriptor := dirCryptoDescriptor(vk.FEK)
		serial, err := m.platform.AddDirCryptoKey(descriptor, vk.FEK)
		if err != nil {
			m.logger.Error("dircrypto keyring insertion failed", "error", err)
			return MountErrorSetupFailed
		}
		m.dirCryptoKeySerial = serial

		mountPath := req.MountPath
		policy, err := m.platform.GetDirCryptoPolicy(mountPath)
		if err != nil {
			return MountErrorSetupFailed
		}
		if policy == "" {
			if err := m.platform.SetDirCryptoPolicy(mountPath, descriptor); err != nil {
				m.logger.Error("encryption policy setup failed", "error", err)
				return MountErrorSetupFailed
			}
		}
	}
	return MountErrorNone
}

// mountEphemeral mounts a RAM-backed session for guests and
// ephemeral-policy users. Persistent HomeDirs state is never touched.
func (m *Mount) mountEphemeral(creds *credentials.Credentials) MountError {
	m.ephemeralID = uuid.NewString()
	req := &MountRequest{
		Type:        MountTypeEphemeral,
		Username:    creds.Username(),
		EphemeralID: m.ephemeralID,
	}
	if err := m.helper.PerformMount(req); err != nil {
		m.logger.Error("ephemeral mount failed", "error", err)
		m.ephemeralID = ""
		return MountErrorSetupFailed
	}
	m.state = StateEphemeralMounted
	m.mountType = MountTypeEphemeral
	m.username = creds.Username()
	m.obfuscated = ""
	m.keysetIndex = -1
	return MountErrorNone
}

// UnmountCryptohome tears the session down. Any in-flight migration is
// cancelled and awaited first. Unmounting the filesystem is the
// non-negotiable step; non-critical cleanup failures (timestamp, token
// unload, policy purge) are logged and swallowed. Returns false only
// when no session was mounted.
func (m *Mount) UnmountCryptohome() bool {
	if !m.IsMounted() {
		return false
	}
	m.cancelMigration()
	m.state = StateUnmounting

	if err := m.helper.UnmountAll(); err != nil {
		m.logger.Warn("unmount helper reported errors", "error", err)
	}
	m.invalidateKeys()

	wasPersistent := m.mountType == MountTypeEcryptfs || m.mountType == MountTypeDirCrypto
	if m.policy != nil && m.policy.EphemeralUsersEnabled() {
		m.homedirs.RemoveNonOwnerCryptohomes()
	} else if wasPersistent && m.keysetIndex >= 0 {
		if err := m.homedirs.UpdateActivityTimestamp(m.obfuscated, m.keysetIndex, m.platform.Now()); err != nil {
			m.logger.Warn("final activity timestamp update failed", "error", err)
		}
	}
	if m.pkcs11 != nil && m.username != "" {
		if err := m.pkcs11.UnloadToken(m.username); err != nil {
			m.logger.Warn("PKCS#11 token unload failed", "error", err)
		}
	}

	m.state = StateUnmounted
	m.mountType = MountTypeNone
	m.username = ""
	m.obfuscated = ""
	m.keysetIndex = -1
	m.ephemeralID = ""
	m.toMigrate = false
	m.recreated = false
	return true
}

// invalidateKeys drops this session's keyring entries. The dircrypto
// key is guarded by the sentinel so a double unmount cannot invalidate
// it twice.
func (m *Mount) invalidateKeys() {
	for _, serial := range m.ecryptfsKeySerials {
		if err := m.platform.InvalidateKey(serial); err != nil {
			m.logger.Warn("ecryptfs key invalidation failed", "serial", serial, "error", err)
		}
	}
	m.ecryptfsKeySerials = nil
	if err := m.platform.InvalidateKey(m.dirCryptoKeySerial); err != nil {
		m.logger.Warn("dircrypto key invalidation failed", "error", err)
	}
	m.dirCryptoKeySerial = platform.InvalidKeySerial
}

// cleanupAfterFailure unwinds a partially set up mount attempt.
func (m *Mount) cleanupAfterFailure() {
	m.invalidateKeys()
	if m.helper.MountPerformed() {
		if err := m.helper.UnmountAll(); err != nil {
			m.logger.Warn("cleanup unmount failed", "error", err)
		}
	}
	m.state = StateUnmounted
}

// isOwner reports whether the username is the device owner.
func (m *Mount) isOwner(username string) bool {
	if m.policy == nil {
		return false
	}
	owner, ok := m.policy.OwnerUsername()
	return ok && owner == username
}

// dirCryptoDescriptor derives the kernel key descriptor for a FEK.
func dirCryptoDescriptor(fek []byte) string {
	sum := sha256.Sum256(fek)
	return hex.EncodeToString(sum[:8])
}
