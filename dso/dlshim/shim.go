// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package dlshim is the loader's platform dynamic-linker plugin: a
// four-function contract (open/sym/close/error) that dso.Registry drives
// to load native objects and resolve their initializer symbols. Callers
// serialize all calls to a Shim globally (via dso.Registry's and its
// per-record mutexes); implementations need not be internally
// thread-safe, mirroring the real dlopen/dlsym family's own thread-safety
// caveats on most platforms.
package dlshim

// Handle is an opaque native library handle, valid only between a
// successful Open and the matching Close (on the NONE->LOADED failure
// path) or for the remaining lifetime of the process (once LOADED
// succeeds, the handle is never closed).
type Handle interface{}

// Shim is the dynamic-linker plugin contract.
type Shim interface {
	// Open loads path with symbol resolution eager and global
	// (RTLD_NOW|RTLD_GLOBAL or the platform equivalent). path is always a
	// complete, already-located filename.
	Open(path string) (Handle, error)
	// Sym resolves an exported symbol by name. A missing symbol is
	// reported as (0, nil), not an error: dso.Registry tries a second
	// spelling before treating the symbol as genuinely absent.
	Sym(h Handle, name string) (uintptr, error)
	// Close releases h. Only called on the failure path between Open and
	// a successful Sym lookup; never called after an initializer has
	// run.
	Close(h Handle) error
	// LastError returns the last platform error string from this Shim's
	// most recent call, or "" if the last call succeeded.
	LastError() string
}
