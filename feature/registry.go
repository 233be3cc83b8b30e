// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package feature implements the loader's feature registry: the
// single-load-once bookkeeping that lets many goroutines converge on the
// same named feature without duplicating work, and detects dependency
// cycles among in-progress loads before they can deadlock.
package feature

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/grailbio/dynload/dlerr"
	"github.com/grailbio/dynload/internal/ctxsync"
)

// Status reports how a Require call was satisfied.
type Status int

const (
	// Already indicates the feature was already provided; no load was
	// attempted.
	Already Status = iota
	// Loaded indicates this call's loader ran and reported success. The
	// loaded code is expected to have called Provide itself; Require does
	// not call it on the caller's behalf.
	Loaded
	// NotFound indicates this call's loader ran and reported that no file
	// satisfied the feature (loaded=false, no error).
	NotFound
)

func (s Status) String() string {
	switch s {
	case Already:
		return "already"
	case Loaded:
		return "loaded"
	case NotFound:
		return "not-found"
	default:
		return "unknown"
	}
}

// Loader is supplied by the caller of Require and performs the actual file
// load for a claimed feature. Keeping this a caller-supplied closure
// (rather than Require importing loadsession/pathresolve directly) avoids
// an import cycle and makes Registry unit-testable with a fake loader.
// Loader must respect ctx for cancellation and must return (false, nil)
// rather than an error when the feature's backing file simply does not
// exist and the caller asked to tolerate that.
type Loader func(ctx context.Context) (loaded bool, err error)

// id identifies a single logical loader (the Go analog of an OS thread
// id): one is minted the first time a goroutine's call chain enters
// Require, and is threaded through ctx so that nested Require calls made
// while driving this call's Loader (because the loaded file itself
// requires something) are recognized as the same owner for cycle
// detection.
type id uint64

var idSeq uint64

func newID() id { return id(atomic.AddUint64(&idSeq, 1)) }

type ctxKeyType struct{}

var ctxKey ctxKeyType

func selfFrom(ctx context.Context) (id, bool) {
	v, ok := ctx.Value(ctxKey).(id)
	return v, ok
}

func withSelf(ctx context.Context, self id) context.Context {
	return context.WithValue(ctx, ctxKey, self)
}

// Registry tracks provided features, in-progress ("providing") loads, and
// which loader is waiting on which feature, enforcing at-most-once load
// semantics and detecting cycles in the wait-for graph. The zero value is
// not usable; construct with NewRegistry.
type Registry struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	provided      map[string]struct{}
	providedOrder []string
	providing     map[string]id
	waiting       map[id]string
}

// NewRegistry returns a Registry with seed pre-provided, matching spec's
// "built-in provided seed set": Require of any of these feature names is
// a no-op from the start.
func NewRegistry(seed ...string) *Registry {
	r := &Registry{
		provided:  make(map[string]struct{}, len(seed)),
		providing: make(map[string]id),
		waiting:   make(map[id]string),
	}
	r.cond = ctxsync.NewCond(&r.mu)
	for _, f := range seed {
		r.provided[f] = struct{}{}
		r.providedOrder = append(r.providedOrder, f)
	}
	return r
}

// Require implements the registry's core algorithm. If feature is already
// provided, it returns Already immediately. Otherwise it claims the
// feature (blocking, with cycle detection, if another loader already
// claimed it), releases the registry lock, and invokes load. The claim is
// always released and waiters broadcast when load returns, panics, or
// ctx is canceled while load is running has no bearing here (load itself
// must honor ctx).
func (r *Registry) Require(ctx context.Context, feature string, load Loader) (status Status, err error) {
	if feature == "" {
		return 0, dlerr.E(dlerr.BadArgument, "require: empty feature name")
	}
	self, ok := selfFrom(ctx)
	if !ok {
		self = newID()
		ctx = withSelf(ctx, self)
	}

	already, err := r.claim(ctx, feature, self)
	if err != nil {
		return 0, err
	}
	if already {
		return Already, nil
	}

	defer func() {
		r.mu.Lock()
		delete(r.providing, feature)
		r.cond.Broadcast()
		r.mu.Unlock()
		if p := recover(); p != nil {
			err = dlerr.E(dlerr.LoadAbort, fmt.Sprintf("require %q: recovered panic: %v\n%s", feature, p, debug.Stack()))
		}
	}()

	loaded, loadErr := load(ctx)
	if loadErr != nil {
		return 0, loadErr
	}
	if !loaded {
		return NotFound, nil
	}
	return Loaded, nil
}

// claim runs the registry algorithm up to and including publishing
// providing[feature] = self. It returns (true, nil) without publishing a
// claim if feature is already provided.
func (r *Registry) claim(ctx context.Context, feature string, self id) (already bool, err error) {
	r.mu.Lock()
	for {
		if _, done := r.provided[feature]; done {
			r.mu.Unlock()
			return true, nil
		}
		owner, inProgress := r.providing[feature]
		if !inProgress {
			break
		}
		if owner == self {
			r.mu.Unlock()
			return false, dlerr.E(dlerr.RequireCycle, "require cycle: self-require of "+feature)
		}
		if err := r.detectCycle(owner, self); err != nil {
			r.mu.Unlock()
			return false, err
		}
		r.waiting[self] = feature
		waitErr := r.cond.Wait(ctx)
		delete(r.waiting, self)
		if waitErr != nil {
			r.mu.Unlock()
			return false, waitErr
		}
	}
	r.providing[feature] = self
	r.mu.Unlock()
	return false, nil
}

// detectCycle walks the wait-for chain starting at owner: owner is itself
// waiting on some feature g, which is being provided by q; if that chain
// ever reaches self, requiring feature would deadlock. Each providing
// entry is visited at most once because the wait-for relation is a
// partial function (a loader waits on at most one feature at a time), so
// this is a linked-list chase, not a general graph search.
func (r *Registry) detectCycle(owner, self id) error {
	p := owner
	for {
		waitedFeature, isWaiting := r.waiting[p]
		if !isWaiting {
			return nil
		}
		q, stillProviding := r.providing[waitedFeature]
		if !stillProviding {
			return nil
		}
		if q == self {
			return dlerr.E(dlerr.RequireCycle, "require cycle through feature "+waitedFeature)
		}
		p = q
	}
}

// Provide publishes feature as provided. It is idempotent: a feature
// already in provided is left untouched. Any in-progress claim for
// feature is cleared (this is the counterpart loaded code calls after
// Require's loader ran it).
func (r *Registry) Provide(feature string) {
	r.mu.Lock()
	if _, ok := r.provided[feature]; !ok {
		r.provided[feature] = struct{}{}
		r.providedOrder = append(r.providedOrder, feature)
	}
	delete(r.providing, feature)
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Provided reports whether feature has been provided.
func (r *Registry) Provided(feature string) bool {
	r.mu.Lock()
	_, ok := r.provided[feature]
	r.mu.Unlock()
	return ok
}

// ProvidedFeatures returns a snapshot of provided feature names in the
// order they were provided.
func (r *Registry) ProvidedFeatures() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.providedOrder...)
}

// Providing reports whether feature is currently between claim and
// Provide/release -- used by the autoload resolver's benign-recursion
// short-circuit (a definition legitimately probing whether its own
// defining file's binding exists while that file is still loading).
func (r *Registry) Providing(feature string) bool {
	r.mu.Lock()
	_, ok := r.providing[feature]
	r.mu.Unlock()
	return ok
}
