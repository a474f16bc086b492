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
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jeremyhahn/go-cryptohome/pkg/credentials"
	"github.com/jeremyhahn/go-cryptohome/pkg/logging"
	"github.com/jeremyhahn/go-cryptohome/pkg/metrics"
)

// ErrRegistryClosed is returned for operations after Shutdown.
var ErrRegistryClosed = errors.New("mount: registry is shut down")

// MountFactory creates an unmounted session object for a new user.
type MountFactory func() *Mount

// Registry owns every Mount session and serializes all operations on a
// single worker goroutine, so Mount itself needs no locking. The
// mounted-user set is maintained lock-free on the side: callbacks such
// as HomeDirs cleanup run on the worker and must be able to ask "is
// this user mounted" without enqueueing a task onto the very goroutine
// they occupy.
type Registry struct {
	factory MountFactory
	logger  *logging.Logger

	tasks  chan registryTask
	quit   chan struct{}
	closed atomic.Bool
	wg     sync.WaitGroup

	// mounts is touched only by the worker goroutine.
	mounts map[string]*Mount

	// mounted maps obfuscated username to struct{} for lock-free
	// membership checks from any goroutine.
	mounted sync.Map
}

type registryTask struct {
	fn   func()
	done chan struct{}
}

// NewRegistry starts the worker goroutine.
func NewRegistry(factory MountFactory, logger *logging.Logger) *Registry {
	r := &Registry{
		factory: factory,
		logger:  logger.WithComponent("registry"),
		tasks:   make(chan registryTask),
		quit:    make(chan struct{}),
		mounts:  make(map[string]*Mount),
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

func (r *Registry) worker() {
	defer r.wg.Done()
	for {
		select {
		case task := <-r.tasks:
			task.fn()
			close(task.done)
		case <-r.quit:
			// Drain tasks that won the race with Shutdown.
			for {
				select {
				case task := <-r.tasks:
					task.fn()
					close(task.done)
				default:
					return
				}
			}
		}
	}
}

// run executes fn on the worker goroutine and waits for it.
func (r *Registry) run(fn func()) error {
	if r.closed.Load() {
		return ErrRegistryClosed
	}
	task := registryTask{fn: fn, done: make(chan struct{})}
	select {
	case r.tasks <- task:
		<-task.done
		return nil
	case <-r.quit:
		return ErrRegistryClosed
	}
}

// sessionFor returns the user's session, creating one on first use.
// Worker goroutine only.
func (r *Registry) sessionFor(username string) *Mount {
	m, ok := r.mounts[username]
	if !ok {
		m = r.factory()
		r.mounts[username] = m
	}
	return m
}

// refreshMountedSet rebuilds the lock-free mounted set from the
// session map. Worker goroutine only.
func (r *Registry) refreshMountedSet() {
	active := 0
	r.mounted.Range(func(key, _ any) bool {
		r.mounted.Delete(key)
		return true
	})
	for _, m := range r.mounts {
		if m.IsMounted() {
			active++
			if obfuscated := m.ObfuscatedUsername(); obfuscated != "" {
				r.mounted.Store(obfuscated, struct{}{})
			}
		}
	}
	metrics.SetActiveMounts(active)
}

// IsMountedForUser reports whether the user's home is mounted. Safe to
// call from any goroutine, including the worker itself.
func (r *Registry) IsMountedForUser(obfuscatedUsername string) bool {
	_, ok := r.mounted.Load(obfuscatedUsername)
	return ok
}

// Mount mounts the user's home per args, serialized with every other
// registry operation.
func (r *Registry) Mount(creds *credentials.Credentials, args MountArgs) (MountError, error) {
	rc := MountErrorFatal
	err := r.run(func() {
		rc = r.sessionFor(creds.Username()).MountCryptohome(creds, args)
		r.refreshMountedSet()
	})
	return rc, err
}

// Unmount tears down the user's session. Returns false when nothing
// was mounted for the user.
func (r *Registry) Unmount(username string) (bool, error) {
	unmounted := false
	err := r.run(func() {
		if m, ok := r.mounts[username]; ok {
			unmounted = m.UnmountCryptohome()
		}
		r.refreshMountedSet()
	})
	return unmounted, err
}

// UnmountAll tears down every active session.
func (r *Registry) UnmountAll() error {
	return r.run(func() {
		for username, m := range r.mounts {
			if m.UnmountCryptohome() {
				r.logger.Info("unmounted session", "username", username)
			}
		}
		r.refreshMountedSet()
	})
}

// Maintain runs fn on the serializing worker. Used for maintenance
// tasks that touch shared vault state, such as disk-space eviction,
// which must not race with mount operations.
func (r *Registry) Maintain(fn func()) error {
	return r.run(func() {
		fn()
		r.refreshMountedSet()
	})
}

// AreCredentialsValid checks the credentials against the user's stored
// keysets without mounting.
func (r *Registry) AreCredentialsValid(creds *credentials.Credentials) (bool, error) {
	valid := false
	err := r.run(func() {
		valid = r.sessionFor(creds.Username()).AreValid(creds)
	})
	return valid, err
}

// MigrateToDircrypto starts the user's vault migration.
func (r *Registry) MigrateToDircrypto(username string, progress ProgressCallback) error {
	var migrateErr error
	err := r.run(func() {
		m, ok := r.mounts[username]
		if !ok {
			migrateErr = ErrNotMounted
			return
		}
		migrateErr = m.MigrateToDircrypto(progress)
	})
	if err != nil {
		return err
	}
	return migrateErr
}

// GetStatus returns the user's session snapshot. The second return is
// false when the user has no session.
func (r *Registry) GetStatus(username string) (Status, bool, error) {
	var status Status
	found := false
	err := r.run(func() {
		if m, ok := r.mounts[username]; ok {
			status = m.GetStatus()
			found = true
		}
	})
	return status, found, err
}

// Shutdown unmounts every session and stops the worker. Idempotent.
func (r *Registry) Shutdown() {
	if r.closed.Swap(true) {
		return
	}
	// Unmount directly through the task channel before signalling quit
	// so sessions tear down on the worker like every other operation.
	task := registryTask{done: make(chan struct{}), fn: func() {
		for username, m := range r.mounts {
			if m.UnmountCryptohome() {
				r.logger.Info("unmounted session at shutdown", "username", username)
			}
		}
		r.refreshMountedSet()
	}}
	r.tasks <- task
	<-task.done
	close(r.quit)
	r.wg.Wait()
}
