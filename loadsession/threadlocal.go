// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package loadsession

import (
	"context"
	"sync"

	"github.com/grailbio/dynload/hostvm"
)

// Situation records which phase a thread's current load is in, mirroring
// the C implementation's load-vs-eval distinction (used only for
// diagnostics here).
type Situation int

const (
	SituationLoad Situation = iota
	SituationEval
)

// Frame is one entry of the per-thread history chain: which source a
// session opened and how deep the chain was at that point. It exists so
// verbose tracing can indent by nesting depth; nothing else in this
// module inspects it.
type Frame struct {
	SourceName  string
	LineAtEntry int
}

// ThreadState is the per-logical-thread "current load" bundle that
// Session.Run snapshots before installing its own and restores on exit.
type ThreadState struct {
	History   []Frame
	Paths     []string
	Module    hostvm.Module
	Situation Situation
}

// token identifies a logical thread (a goroutine call chain), the same
// pointer-token pattern autoload.Record uses for its own identity needs,
// since Go has no public goroutine-id API. The pointed-to struct is not
// zero-sized, so every new token has its own address.
type token = *struct{ _ byte }

type ctxKeyType struct{}

var ctxKey ctxKeyType

// Self returns ctx's logical-thread token, minting one and returning an
// updated context if ctx does not already carry one. Nested Run/Load calls
// made while driving a session (because the loaded file itself calls
// load) must pass the returned ctx along so they are recognized as the
// same logical thread.
func Self(ctx context.Context) (token, context.Context) {
	if t, ok := ctx.Value(ctxKey).(token); ok {
		return t, ctx
	}
	self := new(struct{ _ byte })
	return self, context.WithValue(ctx, ctxKey, self)
}

// ThreadLocal maps logical-thread tokens to their current ThreadState. The
// zero value is not usable; construct with NewThreadLocal.
type ThreadLocal struct {
	mu     sync.Mutex
	states map[token]ThreadState
}

// NewThreadLocal returns an empty ThreadLocal.
func NewThreadLocal() *ThreadLocal {
	return &ThreadLocal{states: make(map[token]ThreadState)}
}

func (tl *ThreadLocal) get(self token) ThreadState {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return tl.states[self]
}

func (tl *ThreadLocal) set(self token, st ThreadState) {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	tl.states[self] = st
}
