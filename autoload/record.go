// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package autoload implements lazily-materialized bindings: a symbol in a
// module is registered as a placeholder that, on first access, requires a
// target file and then replaces itself with the value the file defined.
// Resolution is concurrency-safe: if two goroutines dereference the same
// autoload symbol at once, exactly one drives the underlying require and
// the rest wait for it, and a goroutine that is already driving a given
// record's resolution (directly, or by reentering through the file it is
// loading) is recognized instead of deadlocking against itself.
package autoload

import (
	"context"
	"fmt"
	"sync"

	"github.com/grailbio/dynload/dlerr"
	"github.com/grailbio/dynload/hostvm"
	"github.com/grailbio/dynload/internal/ctxsync"
)

// Requirer is the narrow view of the loader subsystem that autoload
// depends on, so this package never imports loadsession, pathresolve, or
// feature directly and stays unit-testable with a fake. A concrete
// Requirer (see package loader) requires targetPath as a file, not a
// registry feature name, via whatever closure knows how to turn a path
// into a load.
type Requirer interface {
	// Require loads targetPath (via the feature registry, keyed by its
	// resolved path) if it has not been loaded yet.
	Require(ctx context.Context, targetPath string) error
	// Providing reports whether targetPath is currently between claim and
	// release in the feature registry.
	Providing(targetPath string) bool
}

// token identifies the goroutine driving a record's resolution. Identity,
// not value, is what matters; see feature.id for the same pattern applied
// to the registry's cycle detection. The pointed-to struct is not
// zero-sized, so every new token has its own address.
type token = *struct{ _ byte }

// Record is a single autoload placeholder: a promise that module.symbol
// will be defined once targetPath has been required.
type Record struct {
	Module     hostvm.Module
	Symbol     string
	TargetPath string
	// ImportFrom, if non-empty, names the module the value should be
	// copied from after targetPath loads, instead of looking Symbol up
	// directly in Module.
	ImportFrom string

	mu     sync.Mutex
	cond   *ctxsync.Cond
	loaded bool
	value  hostvm.Value
	locker token
}

// NewRecord returns an unresolved autoload record.
func NewRecord(mod hostvm.Module, symbol, targetPath, importFrom string) *Record {
	r := &Record{Module: mod, Symbol: symbol, TargetPath: targetPath, ImportFrom: importFrom}
	r.cond = ctxsync.NewCond(&r.mu)
	return r
}

// Resolve implements resolve-autoload. found is false only on the benign-
// recursion short-circuit (spec scenario 6): the caller should treat the
// symbol as not-yet-defined rather than as an error.
func (r *Record) Resolve(ctx context.Context, req Requirer, modules hostvm.ModuleTable) (value hostvm.Value, found bool, err error) {
	r.mu.Lock()
	if r.loaded {
		v := r.value
		r.mu.Unlock()
		return v, true, nil
	}
	r.mu.Unlock()

	// Benign-recursion short-circuit: some definitions legitimately probe
	// whether a binding exists while its own defining file is still
	// loading. Preserve the spec's deliberately liberal test
	// (locker==nil OR locker==self) rather than tightening it to
	// locker==self only.
	self, _ := selfFrom(ctx)
	r.mu.Lock()
	benign := (r.locker == nil || r.locker == self) && req.Providing(r.TargetPath)
	r.mu.Unlock()
	if benign {
		return nil, false, nil
	}

	self, ctx = ensureSelf(ctx)

	circular := false
	r.mu.Lock()
	for {
		if r.loaded {
			v := r.value
			r.mu.Unlock()
			return v, true, nil
		}
		if r.locker == nil {
			r.locker = self
			break
		}
		if r.locker == self {
			circular = true
			break
		}
		if waitErr := r.cond.Wait(ctx); waitErr != nil {
			r.mu.Unlock()
			return nil, false, waitErr
		}
	}
	r.mu.Unlock()

	if circular {
		r.mu.Lock()
		r.locker = nil
		r.cond.Broadcast()
		r.mu.Unlock()
		return nil, false, dlerr.E(dlerr.AutoloadCircular, fmt.Sprintf("autoload %s.%s: circular resolution", r.Module.Name(), r.Symbol))
	}

	v, driveErr := r.drive(ctx, req, modules)

	r.mu.Lock()
	r.locker = nil
	if driveErr == nil {
		r.loaded = true
		r.value = v
	}
	r.cond.Broadcast()
	r.mu.Unlock()

	if driveErr != nil {
		return nil, false, driveErr
	}
	return v, true, nil
}

// drive performs the actual require and binding transfer, outside the
// record mutex: saving/restoring the current module and calling into
// Requirer runs arbitrary user code, which must never happen with a core
// lock held.
// A panic raised while driving is recovered and returned as a LoadAbort
// error, so Resolve always clears the locker.
func (r *Record) drive(ctx context.Context, req Requirer, modules hostvm.ModuleTable) (_ hostvm.Value, err error) {
	prev := modules.Select(r.Module)
	defer modules.Select(prev)
	defer func() {
		if p := recover(); p != nil {
			err = dlerr.E(dlerr.LoadAbort, fmt.Sprintf("autoload %s.%s: recovered panic: %v", r.Module.Name(), r.Symbol, p))
		}
	}()

	if err := req.Require(ctx, r.TargetPath); err != nil {
		return nil, err
	}

	if r.ImportFrom == "" {
		v, ok := r.Module.Lookup(r.Symbol)
		if !ok {
			return nil, dlerr.E(dlerr.AutoloadUndefined, fmt.Sprintf("autoload target %q did not define %s", r.TargetPath, r.Symbol))
		}
		if _, isRecord := v.(*Record); isRecord {
			return nil, dlerr.E(dlerr.AutoloadUndefined, fmt.Sprintf("autoload target %q left %s as another autoload", r.TargetPath, r.Symbol))
		}
		return v, nil
	}

	from, ok := modules.Find(r.ImportFrom)
	if !ok {
		return nil, dlerr.E(dlerr.AutoloadUndefined, fmt.Sprintf("autoload import-from module %q not found", r.ImportFrom))
	}
	v, ok := from.Lookup(r.Symbol)
	if !ok {
		return nil, dlerr.E(dlerr.AutoloadUndefined, fmt.Sprintf("autoload target %q did not define %s in %s", r.TargetPath, r.Symbol, r.ImportFrom))
	}
	r.Module.Define(r.Symbol, v)
	return v, nil
}

type ctxKeyType struct{}

var ctxKey ctxKeyType

func selfFrom(ctx context.Context) (token, bool) {
	v, ok := ctx.Value(ctxKey).(token)
	return v, ok
}

func ensureSelf(ctx context.Context) (token, context.Context) {
	if self, ok := selfFrom(ctx); ok {
		return self, ctx
	}
	self := new(struct{ _ byte })
	return self, context.WithValue(ctx, ctxKey, self)
}
