// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package dlshim

import (
	"fmt"
	"sync"
)

// Fake is a process-local, in-memory Shim and Invoker used by dso's
// tests: it lets test code register a fake library's symbols and their
// initializer functions under a path without touching the real dynamic
// linker, so dso's concurrency tests (takeover, double-init races) run
// without building real shared objects.
type Fake struct {
	mu       sync.Mutex
	libs     map[string]map[string]uintptr
	funcs    map[uintptr]func() error
	nextAddr uintptr
	lastErr  string
	closed   map[string]bool
}

// NewFake returns an empty Fake shim/invoker pair.
func NewFake() *Fake {
	return &Fake{
		libs:   make(map[string]map[string]uintptr),
		funcs:  make(map[uintptr]func() error),
		closed: make(map[string]bool),
	}
}

// Register installs symbol under path, bound to the initializer fn, and
// returns the synthetic address assigned to it. A library may have
// multiple registered symbols (e.g. both the underscore-stripped and
// underscore-prefixed spellings).
func (f *Fake) Register(path, symbol string, fn func() error) uintptr {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.libs[path] == nil {
		f.libs[path] = make(map[string]uintptr)
	}
	f.nextAddr++
	addr := f.nextAddr
	f.funcs[addr] = fn
	f.libs[path][symbol] = addr
	return addr
}

// Call invokes the initializer registered at addr.
func (f *Fake) Call(addr uintptr) error {
	f.mu.Lock()
	fn := f.funcs[addr]
	f.mu.Unlock()
	if fn == nil {
		return fmt.Errorf("fake: no function registered at address %d", addr)
	}
	return fn()
}

// fakeHandle is the Handle type Fake hands out; it carries the path so
// Sym/Close can look the library back up.
type fakeHandle string

func (f *Fake) Open(path string) (Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.libs[path]; !ok {
		f.lastErr = fmt.Sprintf("fake: no such library registered: %s", path)
		return nil, fmt.Errorf("%s", f.lastErr)
	}
	f.lastErr = ""
	return fakeHandle(path), nil
}

func (f *Fake) Sym(h Handle, name string) (uintptr, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	path := string(h.(fakeHandle))
	addr, ok := f.libs[path][name]
	if !ok || addr == 0 {
		f.lastErr = fmt.Sprintf("fake: no such symbol %s in %s", name, path)
		return 0, nil // a missing symbol is "not found", not a hard error, matching dlsym(3)
	}
	f.lastErr = ""
	return addr, nil
}

func (f *Fake) Close(h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed[string(h.(fakeHandle))] = true
	return nil
}

func (f *Fake) LastError() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// Closed reports whether path's handle was ever closed, for assertions in
// tests that exercise the NONE->LOADED failure-close path.
func (f *Fake) Closed(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed[path]
}
