// Copyright 2022 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"
)

// Cond implements a condition variable in the manner of sync.Cond, except
// that Wait accepts a context and returns early with the context's error
// when it is done. As with sync.Cond, the caller must hold L when calling
// Wait, and Wait atomically releases L and suspends the calling goroutine;
// L is reacquired before Wait returns, regardless of how it returns.
type Cond struct {
	L sync.Locker

	mu sync.Mutex
	ch chan struct{}
}

// NewCond returns a new Cond associated with the locker l.
func NewCond(l sync.Locker) *Cond {
	return &Cond{L: l, ch: make(chan struct{})}
}

// Wait releases L and blocks until either Broadcast is called or ctx is
// done. On return, L is reacquired, even if ctx is done. Callers must
// re-check whatever condition they are waiting for, since Wait can return
// because of an unrelated Broadcast (spurious wakeups included).
func (c *Cond) Wait(ctx context.Context) error {
	c.mu.Lock()
	ch := c.ch
	c.mu.Unlock()

	c.L.Unlock()
	defer c.L.Lock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Broadcast wakes all goroutines waiting on c. It is allowed, but not
// required, to hold L during Broadcast.
func (c *Cond) Broadcast() {
	c.mu.Lock()
	close(c.ch)
	c.ch = make(chan struct{})
	c.mu.Unlock()
}
