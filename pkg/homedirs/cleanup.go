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

package homedirs

import (
	"sort"
	"time"
)

const (
	// MinFreeSpace is the default low-water mark. Cleanup runs only
	// when free space drops below it.
	MinFreeSpace int64 = 1 << 30

	// TargetFreeSpace is the default high-water mark cleanup tries to
	// reach before giving up on eviction.
	TargetFreeSpace int64 = 2 << 30
)

// evictionCandidate pairs a user with the newest activity timestamp
// found across their keysets.
type evictionCandidate struct {
	obfuscated   string
	lastActivity int64
}

// UpdateActivityTimestamp records session activity on one keyset. Used
// by the eviction policy to order candidates; callers treat failures as
// non-fatal.
func (h *HomeDirs) UpdateActivityTimestamp(obfuscatedUsername string, index int, at time.Time) error {
	s, err := h.LoadVaultKeyset(obfuscatedUsername, index)
	if err != nil {
		return err
	}
	s.LastActivity = at.Unix()
	return h.StoreVaultKeyset(obfuscatedUsername, index, s)
}

// LastActivity returns the newest activity timestamp across the user's
// keysets, zero when none is recorded.
func (h *HomeDirs) LastActivity(obfuscatedUsername string) int64 {
	indices, err := h.GetVaultKeysets(obfuscatedUsername)
	if err != nil {
		return 0
	}
	var newest int64
	for _, index := range indices {
		s, err := h.LoadVaultKeyset(obfuscatedUsername, index)
		if err != nil {
			continue
		}
		if s.LastActivity > newest {
			newest = s.LastActivity
		}
	}
	return newest
}

// enumerateUsers lists the obfuscated usernames with a shadow directory.
func (h *HomeDirs) enumerateUsers() []string {
	entries, err := h.platform.EnumerateDirectoryEntries(h.shadowRoot)
	if err != nil {
		return nil
	}
	var users []string
	for _, name := range entries {
		if !h.platform.DirectoryExists(h.UserPath(name)) {
			continue
		}
		users = append(users, name)
	}
	return users
}

// FreeDiskSpace evicts other users' vaults, oldest activity first, when
// free space is below the low-water mark. Eviction stops once the
// high-water mark is reached or no candidates remain. The device
// owner's vault and mounted vaults are never evicted. Best effort
// throughout; individual failures are logged and skipped. Returns the
// number of vaults removed.
func (h *HomeDirs) FreeDiskSpace() (int, error) {
	free, err := h.platform.AmountOfFreeDiskSpace(h.shadowRoot)
	if err != nil {
		return 0, err
	}
	if free >= h.minFree {
		return 0, nil
	}
	h.logger.Info("free disk space below low-water mark, starting cleanup",
		"free_bytes", free, "low_water", h.minFree)

	owner, hasOwner := h.ownerObfuscated()
	var candidates []evictionCandidate
	for _, user := range h.enumerateUsers() {
		if hasOwner && user == owner {
			continue
		}
		if h.isMounted(user) {
			continue
		}
		candidates = append(candidates, evictionCandidate{
			obfuscated:   user,
			lastActivity: h.LastActivity(user),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastActivity < candidates[j].lastActivity
	})

	removed := 0
	for _, c := range candidates {
		if err := h.platform.DeletePathRecursively(h.UserPath(c.obfuscated)); err != nil {
			h.logger.Warn("vault eviction failed", "user", c.obfuscated, "error", err)
			continue
		}
		removed++
		h.logger.Info("evicted vault", "user", c.obfuscated, "last_activity", c.lastActivity)

		free, err = h.platform.AmountOfFreeDiskSpace(h.shadowRoot)
		if err != nil {
			break
		}
		if free >= h.targetFree {
			break
		}
	}
	return removed, nil
}

// RemoveNonOwnerCryptohomes purges every persistent vault except the
// device owner's. Used when the ephemeral-users policy is active.
// Mounted vaults are skipped. Best effort.
func (h *HomeDirs) RemoveNonOwnerCryptohomes() {
	owner, hasOwner := h.ownerObfuscated()
	for _, user := range h.enumerateUsers() {
		if hasOwner && user == owner {
			continue
		}
		if h.isMounted(user) {
			continue
		}
		if err := h.platform.DeletePathRecursively(h.UserPath(user)); err != nil {
			h.logger.Warn("non-owner vault purge failed", "user", user, "error", err)
		}
	}
}
