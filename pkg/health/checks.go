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

package health

import (
	"context"
	"fmt"

	"github.com/jeremyhahn/go-cryptohome/pkg/platform"
	"github.com/jeremyhahn/go-cryptohome/pkg/tpm"
)

// TpmCheck reports the wrapping-hardware state. A device without a TPM
// is degraded, not unhealthy: software-wrapped mounts still work.
func TpmCheck(t tpm.Tpm) CheckFunc {
	return func(ctx context.Context) CheckResult {
		result := CheckResult{Name: "tpm"}
		switch {
		case !t.IsEnabled():
			result.Status = StatusDegraded
			result.Message = "TPM not enabled, keysets use software wrapping"
		case !t.HasCryptohomeKey():
			result.Status = StatusUnhealthy
			result.Message = "TPM enabled but cryptohome key not loaded"
		default:
			result.Status = StatusHealthy
			result.Message = "TPM ready"
		}
		return result
	}
}

// DiskSpaceCheck reports free space under the shadow root. Below the
// low water mark the daemon still serves mounts while eviction runs, so
// that state is degraded rather than unhealthy.
func DiskSpaceCheck(p platform.Platform, shadowRoot string, minFree int64) CheckFunc {
	return func(ctx context.Context) CheckResult {
		result := CheckResult{Name: "disk_space"}
		free, err := p.AmountOfFreeDiskSpace(shadowRoot)
		if err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			return result
		}
		if free < minFree {
			result.Status = StatusDegraded
			result.Message = fmt.Sprintf("free space %d below low water mark %d", free, minFree)
			return result
		}
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d bytes free", free)
		return result
	}
}

// SaltCheck reports whether the system salt is readable. Without it no
// username can be obfuscated and every operation fails.
func SaltCheck(salt func() ([]byte, error)) CheckFunc {
	return func(ctx context.Context) CheckResult {
		result := CheckResult{Name: "system_salt"}
		if _, err := salt(); err != nil {
			result.Status = StatusUnhealthy
			result.Error = err.Error()
			return result
		}
		result.Status = StatusHealthy
		result.Message = "system salt available"
		return result
	}
}
