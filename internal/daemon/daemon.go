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

// Package daemon assembles the cryptohome service from its parts: the
// platform layer, the TPM, the crypto engine, the vault collection,
// the boot lockbox, and the mount registry. It owns the process
// lifecycle, the periodic disk-space cleanup, and the HTTP endpoint
// serving Prometheus metrics and health probes.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-cryptohome/internal/config"
	cryptoengine "github.com/jeremyhahn/go-cryptohome/pkg/crypto"
	"github.com/jeremyhahn/go-cryptohome/pkg/health"
	"github.com/jeremyhahn/go-cryptohome/pkg/homedirs"
	"github.com/jeremyhahn/go-cryptohome/pkg/lockbox"
	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
	"github.com/jeremyhahn/go-cryptohome/pkg/metrics"
	"github.com/jeremyhahn/go-cryptohome/pkg/migration"
	"github.com/jeremyhahn/go-cryptohome/pkg/mount"
	"github.com/jeremyhahn/go-cryptohome/pkg/platform"
	"github.com/jeremyhahn/go-cryptohome/pkg/tpm"
)

// cleanupInterval is how often the disk-space eviction pass runs.
const cleanupInterval = time.Hour

// devicePolicy adapts the static policy section of the config file to
// the policy interface consulted by homedirs and mount.
type devicePolicy struct {
	owner     string
	ephemeral bool
}

func (p *devicePolicy) OwnerUsername() (string, bool) {
	return p.owner, p.owner != ""
}

func (p *devicePolicy) EphemeralUsersEnabled() bool {
	return p.ephemeral
}

// Daemon is the assembled cryptohome service.
type Daemon struct {
	config   *config.Config
	logger   *logging.Logger
	platform platform.Platform
	tpm      tpm.Tpm
	engine   *cryptoengine.Engine
	homedirs *homedirs.HomeDirs
	lockbox  *lockbox.BootLockbox
	registry *mount.Registry
	health   *health.Checker

	httpServer *http.Server

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	shutdownCh chan struct{}
}

// Option overrides a constructed dependency, used by tests to inject
// mocks.
type Option func(*Daemon)

// WithPlatform replaces the OS platform layer.
func WithPlatform(p platform.Platform) Option {
	return func(d *Daemon) { d.platform = p }
}

// WithTpm replaces the TPM. When set, the tpm section of the config is
// ignored.
func WithTpm(t tpm.Tpm) Option {
	return func(d *Daemon) { d.tpm = t }
}

// New assembles a daemon from the configuration. The TPM device is
// opened here; everything else is wired but not started.
func New(cfg *config.Config, opts ...Option) (*Daemon, error) {
	logger := setupLogger(cfg.Logging)
	ctx, cancel := context.WithCancel(context.Background())

	d := &Daemon{
		config:     cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		shutdownCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.platform == nil {
		d.platform = platform.New(logger)
	}
	if d.tpm == nil {
		if cfg.TPM.Enabled {
			device, err := tpm.OpenDevice(tpm.DeviceConfig{DevicePath: cfg.TPM.DevicePath}, logger)
			if err != nil {
				cancel()
				return nil, fmt.Errorf("daemon: open tpm %q: %w", cfg.TPM.DevicePath, err)
			}
			d.tpm = device
		} else {
			logger.Warn("TPM disabled, keysets will use software wrapping")
			d.tpm = tpm.NewDisabled()
		}
	}

	var engineOpts []cryptoengine.Option
	if cfg.Scrypt.N > 0 {
		engineOpts = append(engineOpts, cryptoengine.WithScryptParams(cryptoengine.ScryptParams{
			N: cfg.Scrypt.N,
			R: cfg.Scrypt.R,
			P: cfg.Scrypt.P,
		}))
	}
	d.engine = cryptoengine.NewEngine(d.tpm, logger, engineOpts...)

	policy := &devicePolicy{
		owner:     cfg.Policy.Owner,
		ephemeral: cfg.Policy.EphemeralUsers,
	}
	d.homedirs = homedirs.New(d.platform, d.engine, logger, cfg.Daemon.ShadowRoot,
		homedirs.WithPolicyProvider(policy),
		homedirs.WithFreeSpaceTargets(cfg.Cleanup.MinFreeSpace, cfg.Cleanup.TargetFreeSpace),
	)

	if cfg.Lockbox.Enabled {
		lockboxConfig := lockbox.DefaultConfig(cfg.Daemon.StateDir)
		if cfg.Lockbox.PCRIndex != 0 {
			lockboxConfig.PCRIndex = cfg.Lockbox.PCRIndex
		}
		d.lockbox = lockbox.NewBootLockbox(d.tpm, d.platform, d.engine, logger, lockboxConfig)
	}

	mountOpts := []mount.Option{
		mount.WithPolicyProvider(policy),
		mount.WithMigratorFactory(func(from, to string) mount.MigrationHelper {
			return migration.NewVaultMigrator(d.platform, logger, from, to)
		}),
	}
	if d.lockbox != nil {
		mountOpts = append(mountOpts, mount.WithBootLockbox(d.lockbox))
	}
	d.registry = mount.NewRegistry(func() *mount.Mount {
		helper := mount.NewPlatformHelper(d.platform, logger, "")
		return mount.NewMount(d.platform, d.engine, d.homedirs, helper, logger, mountOpts...)
	}, logger)
	d.homedirs.SetMountChecker(d.registry)

	d.health = health.NewChecker()
	d.health.RegisterCheck("tpm", health.TpmCheck(d.tpm))
	minFree := cfg.Cleanup.MinFreeSpace
	if minFree == 0 {
		minFree = homedirs.MinFreeSpace
	}
	d.health.RegisterCheck("disk_space", health.DiskSpaceCheck(d.platform, cfg.Daemon.ShadowRoot, minFree))
	d.health.RegisterCheck("system_salt", health.SaltCheck(d.homedirs.SystemSalt))

	if cfg.Metrics.Enabled {
		metrics.Enable()
	}

	return d, nil
}

// Registry exposes the mount registry, the API surface for callers
// embedding the daemon.
func (d *Daemon) Registry() *mount.Registry {
	return d.registry
}

// Health exposes the health checker.
func (d *Daemon) Health() *health.Checker {
	return d.health
}

// HomeDirs exposes the vault collection. Callers must serialize access
// through Registry().Maintain.
func (d *Daemon) HomeDirs() *homedirs.HomeDirs {
	return d.homedirs
}

// Lockbox returns the boot lockbox, or nil when disabled.
func (d *Daemon) Lockbox() *lockbox.BootLockbox {
	return d.lockbox
}

// Start brings the daemon online: creates the shadow root, ensures the
// system salt, starts the cleanup loop and the HTTP endpoint, and marks
// the startup probe passed.
func (d *Daemon) Start() error {
	d.logger.Info("starting cryptohome daemon",
		"shadow_root", d.config.Daemon.ShadowRoot,
		"tpm_enabled", d.tpm.IsEnabled())

	if err := d.platform.CreateDirectory(d.config.Daemon.ShadowRoot, 0700); err != nil {
		return fmt.Errorf("daemon: create shadow root: %w", err)
	}
	if _, err := d.homedirs.SystemSalt(); err != nil {
		return fmt.Errorf("daemon: system salt: %w", err)
	}

	if d.config.Cleanup.Enabled {
		d.wg.Add(1)
		go d.cleanupLoop()
	}
	if d.config.Metrics.Enabled {
		d.wg.Add(1)
		go d.serveHTTP()
	}

	d.health.MarkStarted()
	d.logger.Info("cryptohome daemon started")
	return nil
}

// cleanupLoop periodically evicts stale vaults when disk space is low.
// The eviction itself runs on the registry worker so it never races
// with mount operations.
func (d *Daemon) cleanupLoop() {
	defer d.wg.Done()
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := d.registry.Maintain(func() {
				removed, err := d.homedirs.FreeDiskSpace()
				if err != nil {
					d.logger.Warn("disk-space cleanup failed", "error", err)
					return
				}
				if removed > 0 {
					metrics.RecordVaultsEvicted(removed)
				}
			})
			if err != nil {
				return
			}
		case <-d.ctx.Done():
			return
		}
	}
}

// serveHTTP serves Prometheus metrics and the health probes.
func (d *Daemon) serveHTTP() {
	defer d.wg.Done()

	mux := http.NewServeMux()
	mux.Handle(d.config.Metrics.Path, promhttp.Handler())
	mux.HandleFunc("/livez", d.handleLive)
	mux.HandleFunc("/readyz", d.handleReady)
	mux.HandleFunc("/startupz", d.handleStartup)

	d.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", d.config.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.logger.Info("serving metrics and health probes",
		"addr", d.httpServer.Addr, "metrics_path", d.config.Metrics.Path)

	if err := d.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		d.logger.Error("http endpoint failed", "error", err)
	}
}

func (d *Daemon) handleLive(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, []health.CheckResult{d.health.Live(r.Context())})
}

func (d *Daemon) handleReady(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, d.health.Ready(r.Context()))
}

func (d *Daemon) handleStartup(w http.ResponseWriter, r *http.Request) {
	writeProbe(w, []health.CheckResult{d.health.Startup(r.Context())})
}

func writeProbe(w http.ResponseWriter, results []health.CheckResult) {
	code := http.StatusOK
	if health.AggregateStatus(results) == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(results)
}

// Shutdown unmounts every session and stops the daemon. Idempotent
// through the registry; safe to call after a failed Start.
func (d *Daemon) Shutdown() error {
	d.logger.Info("shutting down cryptohome daemon")
	d.health.MarkNotStarted()
	d.cancel()

	if d.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.httpServer.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn("http endpoint shutdown failed", "error", err)
		}
	}

	d.registry.Shutdown()
	d.wg.Wait()

	if closer, ok := d.tpm.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			d.logger.Warn("tpm close failed", "error", err)
		}
	}

	close(d.shutdownCh)
	d.logger.Info("cryptohome daemon stopped")
	return nil
}

// WaitForShutdown blocks until Shutdown completes.
func (d *Daemon) WaitForShutdown() {
	<-d.shutdownCh
}

// SetupSignalHandler returns a context cancelled on SIGINT or SIGTERM.
func SetupSignalHandler() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signalCh
		cancel()
	}()
	return ctx
}

func setupLogger(cfg config.LoggingConfig) *logging.Logger {
	debug := cfg.Level == "debug"
	if cfg.Format == "text" {
		return logging.NewLogger(debug)
	}
	return logging.NewJSONLogger(debug)
}
