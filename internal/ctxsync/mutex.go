// Copyright 2022 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides context-aware synchronization primitives used
// throughout the loader to let a blocked goroutine (one waiting on a
// feature's condition variable, a DSO record, or an autoload slot) give up
// and return when its caller's context is canceled, instead of blocking
// forever the way the C implementation's thread-blocking condition waits do.
package ctxsync

import (
	"context"
	"sync"

	"github.com/grailbio/dynload/dlerr"
)

// Mutex is a context-aware mutex. It must not be copied.
// The zero value is ready to use.
type Mutex struct {
	initOnce sync.Once
	lockCh   chan struct{}
}

// Lock attempts to exclusively lock m. If m is already locked, it will
// wait until it is unlocked. If ctx is canceled before the lock can be
// taken, Lock will not take the lock, and a non-nil error is returned.
func (m *Mutex) Lock(ctx context.Context) error {
	m.init()
	select {
	case m.lockCh <- struct{}{}:
		return nil
	case <-ctx.Done():
		return dlerr.E(ctx.Err(), "waiting for lock")
	}
}

// Unlock unlocks m. It must be called exactly once iff Lock returns nil.
// Unlock panics if it is called while m is not locked.
func (m *Mutex) Unlock() {
	m.init()
	select {
	case <-m.lockCh:
	default:
		panic("Unlock called on mutex that is not locked")
	}
}

func (m *Mutex) init() {
	m.initOnce.Do(func() {
		m.lockCh = make(chan struct{}, 1)
	})
}
