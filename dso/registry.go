// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package dso

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/grailbio/dynload/dlerr"
	"github.com/grailbio/dynload/dso/dlshim"
	"github.com/grailbio/dynload/pathresolve"
)

// DefaultSuffixes are the suffixes dyn-load path resolution tries when
// filename has none, generalized from spec's ".la" / platform
// shared-object suffix pair.
var DefaultSuffixes = []string{".la", platformSharedObjectSuffix}

// Registry interns dynamic objects by canonical path and drives their
// staged initialization. It is safe for concurrent use.
type Registry struct {
	shim    dlshim.Shim
	invoke  dlshim.Invoker
	paths   *pathresolve.PathList
	suffix  []string
	export  func(name string, addr uintptr) // optional, see Load's export flag

	mu      sync.Mutex
	objects map[string]*object
}

// NewRegistry returns a Registry that resolves filenames against paths
// using shim for the actual dynamic-linker operations and invoke to call
// resolved initializer addresses. exportSymbol, if non-nil, is called
// for a Load whose export flag is set; it lets a host VM make the
// library's initializer-exported facilities visible under a public name
// (the exact "export" semantics are host-VM-specific and out of this
// module's scope, per spec's "out of scope" framing of the module
// system).
func NewRegistry(shim dlshim.Shim, invoke dlshim.Invoker, paths *pathresolve.PathList, suffixes []string, exportSymbol func(name string, addr uintptr)) *Registry {
	if len(suffixes) == 0 {
		suffixes = DefaultSuffixes
	}
	return &Registry{
		shim:    shim,
		invoke:  invoke,
		paths:   paths,
		suffix:  suffixes,
		export:  exportSymbol,
		objects: make(map[string]*object),
	}
}

// Load implements dyn-load: resolve filename, derive its initializer
// symbol, intern the canonical path, and drive (or wait for, or take
// over) the object's state machine through to INITIALIZED.
func (r *Registry) Load(ctx context.Context, filename string, initName string, export bool) error {
	if filename == "" {
		return dlerr.E(dlerr.BadArgument, "dynamic-load: empty filename")
	}
	canonical, _, err := pathresolve.FindFile(filename, r.paths.Snapshot(), r.suffix, false)
	if err != nil {
		return err
	}
	symbol := deriveInitSymbol(filename, initName)

	self := newToken()
	r.mu.Lock()
	obj, existed := r.objects[canonical]
	if !existed {
		obj = newObject(canonical)
		obj.loader = self
		r.objects[canonical] = obj
	}
	r.mu.Unlock()

	if existed {
		took, err := waitOrTakeOver(ctx, obj, self)
		if err != nil {
			return err
		}
		if !took {
			return nil // another loader already reached INITIALIZED
		}
	}

	return r.drive(ctx, obj, self, symbol, export)
}

// waitOrTakeOver implements the "record was pre-existing" branch: wait on
// obj's condition until either it reaches INITIALIZED (return false, so
// the caller need not drive anything) or its loader field goes nil
// (either because no one is driving it yet, or because the previous
// driver's protected region exited without finishing); in the latter
// case claim it and return true.
func waitOrTakeOver(ctx context.Context, obj *object, self token) (shouldDrive bool, err error) {
	obj.mu.Lock()
	defer obj.mu.Unlock()
	for {
		if obj.state == initialized {
			return false, nil
		}
		if obj.loader == nil {
			obj.loader = self
			return true, nil
		}
		if err := obj.cond.Wait(ctx); err != nil {
			return false, err
		}
	}
}

// drive runs obj's state machine forward from its current state to
// INITIALIZED. The loader claim is always released and waiters
// broadcast when drive returns, whether by success, error, or a
// recovered panic -- Go has no way to detect "the owning goroutine died"
// from outside it, so a deferred release standing in for that probe is
// exactly as strong a guarantee as this subsystem can make: every path
// out of the protected region, including a panicking one, runs the
// defer before the goroutine is gone.
func (r *Registry) drive(ctx context.Context, obj *object, self token, symbol string, export bool) (err error) {
	defer func() {
		obj.mu.Lock()
		obj.loader = nil
		obj.cond.Broadcast()
		obj.mu.Unlock()
		if p := recover(); p != nil {
			err = dlerr.E(dlerr.DynamicLinkFailed, fmt.Sprintf("dynamic-load %q: recovered panic: %v\n%s", obj.path, p, debug.Stack()))
		}
	}()

	obj.mu.Lock()
	state := obj.state
	obj.mu.Unlock()

	if state == none {
		if err := r.open(obj, symbol); err != nil {
			return err
		}
		state = loaded
	}

	if state == loaded {
		obj.mu.Lock()
		addr := obj.initAddr
		obj.mu.Unlock()

		if err := r.invoke.Call(addr); err != nil {
			return dlerr.E(dlerr.DynamicLinkFailed, fmt.Sprintf("running initializer for %q", obj.path), err)
		}
		if export && r.export != nil {
			r.export(symbol, addr)
		}
		obj.mu.Lock()
		obj.state = initialized
		obj.mu.Unlock()
	}
	return nil
}

// open drives the NONE -> LOADED transition: dlshim.Open, then try both
// symbol spellings, closing and raising on any failure. All shim calls
// run under r.mu, so they are serialized across the whole registry.
func (r *Registry) open(obj *object, symbol string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	handle, err := r.shim.Open(obj.path)
	if err != nil {
		return dlerr.E(dlerr.DynamicLinkFailed, fmt.Sprintf("opening %q", obj.path), err)
	}

	addr, err := r.shim.Sym(handle, symbol[1:])
	if err != nil {
		r.shim.Close(handle)
		return dlerr.E(dlerr.DynamicLinkFailed, err)
	}
	if addr == 0 {
		addr, err = r.shim.Sym(handle, symbol)
		if err != nil {
			r.shim.Close(handle)
			return dlerr.E(dlerr.DynamicLinkFailed, err)
		}
	}
	if addr == 0 {
		msg := fmt.Sprintf("neither %q nor %q found in %s", symbol[1:], symbol, obj.path)
		if lastErr := r.shim.LastError(); lastErr != "" {
			msg += ": " + lastErr
		}
		r.shim.Close(handle)
		return dlerr.E(dlerr.InitSymbolMissing, msg)
	}

	obj.mu.Lock()
	obj.handle = handle
	obj.initAddr = addr
	obj.state = loaded
	obj.mu.Unlock()
	return nil
}

// State reports a loaded object's current lifecycle state, for tests and
// diagnostics. It returns ("", false) if path was never interned.
func (r *Registry) State(path string) (state string, ok bool) {
	r.mu.Lock()
	obj, ok := r.objects[path]
	r.mu.Unlock()
	if !ok {
		return "", false
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.state.String(), true
}
