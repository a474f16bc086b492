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

// Package metrics provides Prometheus instrumentation for cryptohome
// operations: mount lifecycle counters, keyset wrap/unwrap performance
// histograms, TPM retry counters, and vault housekeeping gauges.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all cryptohome metrics
	Namespace = "cryptohome"

	// Label names
	LabelOperation  = "operation"
	LabelBackend    = "backend"
	LabelStatus     = "status"
	LabelErrorCode  = "error_code"
	LabelWrapMethod = "wrap_method"

	// Status values
	StatusSuccess = "success"
	StatusError   = "error"

	// Operation names
	OpMount     = "mount"
	OpUnmount   = "unmount"
	OpMigrate   = "migrate"
	OpDecrypt   = "decrypt"
	OpEncrypt   = "encrypt"
	OpReSave    = "resave"
	OpSign      = "sign"
	OpVerify    = "verify"
	OpFinalize  = "finalize"
	OpAddKey    = "add_key"
	OpRemoveKey = "remove_key"
	OpUpdateKey = "update_key"
	OpCleanup   = "cleanup"
)

var (
	// OperationsTotal tracks cryptohome operations by name, vault
	// backend, and status. Use RecordOperation to increment it.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of cryptohome operations by type, backend, and status",
		},
		[]string{LabelOperation, LabelBackend, LabelStatus},
	)

	// OperationDuration tracks operation latency in seconds. Buckets
	// cover scrypt stretching and TPM round-trips up to slow mounts.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of cryptohome operations in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{LabelOperation, LabelBackend},
	)

	// MountErrorsTotal tracks mount failures by outward-facing error
	// code (e.g. "mount_point_busy", "tpm_comm_error", "recreated").
	MountErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "mount_errors_total",
			Help:      "Total number of mount failures by error code",
		},
		[]string{LabelErrorCode},
	)

	// TpmRetriesTotal tracks the single-retry path taken after a
	// transient TPM communication failure during mount.
	TpmRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tpm_retries_total",
			Help:      "Total number of mount retries after transient TPM communication failures",
		},
	)

	// KeysetReSavesTotal tracks keyset wrap-method migrations by the
	// wrap method migrated away from.
	KeysetReSavesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "keyset_resaves_total",
			Help:      "Total number of keyset re-saves by previous wrap method",
		},
		[]string{LabelWrapMethod},
	)

	// VaultsRecreatedTotal tracks vaults wiped and recreated after
	// fatal key loss.
	VaultsRecreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "vaults_recreated_total",
			Help:      "Total number of vaults recreated after unrecoverable key loss",
		},
	)

	// VaultsEvictedTotal tracks vaults removed by the disk-space
	// cleanup policy.
	VaultsEvictedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "vaults_evicted_total",
			Help:      "Total number of vaults evicted by the disk-space cleanup policy",
		},
	)

	// ActiveMounts tracks the number of currently mounted sessions.
	ActiveMounts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_mounts",
			Help:      "Number of currently mounted user sessions",
		},
	)

	// MigrationBytes tracks dircrypto migration progress in bytes.
	MigrationBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "migration_bytes",
			Help:      "Bytes migrated by the active dircrypto migration",
		},
	)

	// enabled tracks whether metrics collection is enabled
	enabled atomic.Bool
)

func init() {
	// Metrics are enabled by default
	enabled.Store(true)
}

// RecordOperation records a cryptohome operation with its duration and
// status.
//
// Parameters:
//   - operation: The operation name (use Op* constants)
//   - backend: The vault backend ("ecryptfs", "dircrypto", "ephemeral", "none")
//   - status: The operation status (use Status* constants)
//   - duration: The operation duration in seconds
func RecordOperation(operation, backend, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, backend, status).Inc()
	OperationDuration.WithLabelValues(operation, backend).Observe(duration)
}

// RecordMountError records a mount failure by its outward-facing error
// code.
func RecordMountError(errorCode string) {
	if !enabled.Load() {
		return
	}
	MountErrorsTotal.WithLabelValues(errorCode).Inc()
}

// RecordTpmRetry records the single mount retry taken after a transient
// TPM communication failure.
func RecordTpmRetry() {
	if !enabled.Load() {
		return
	}
	TpmRetriesTotal.Inc()
}

// RecordKeysetReSave records a keyset wrap-method migration.
func RecordKeysetReSave(previousWrapMethod string) {
	if !enabled.Load() {
		return
	}
	KeysetReSavesTotal.WithLabelValues(previousWrapMethod).Inc()
}

// RecordVaultRecreated records a vault wiped after fatal key loss.
func RecordVaultRecreated() {
	if !enabled.Load() {
		return
	}
	VaultsRecreatedTotal.Inc()
}

// RecordVaultsEvicted records vaults removed by the cleanup policy.
func RecordVaultsEvicted(count int) {
	if !enabled.Load() {
		return
	}
	VaultsEvictedTotal.Add(float64(count))
}

// SetActiveMounts sets the current mounted-session count.
func SetActiveMounts(count int) {
	if !enabled.Load() {
		return
	}
	ActiveMounts.Set(float64(count))
}

// SetMigrationBytes reports dircrypto migration progress.
func SetMigrationBytes(bytes int64) {
	if !enabled.Load() {
		return
	}
	MigrationBytes.Set(float64(bytes))
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
