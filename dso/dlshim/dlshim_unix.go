// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

//go:build !windows

package dlshim

/*
#cgo LDFLAGS: -ldl
#include <dlfcn.h>
#include <stdlib.h>
*/
import "C"

import (
	"sync"
	"unsafe"
)

// unixShim implements Shim via libdl's dlopen/dlsym/dlclose/dlerror.
type unixShim struct {
	// mu serializes calls to dlerror(), which reports the last error for
	// the calling thread; Go's runtime can migrate a goroutine across OS
	// threads between calls, so a per-Shim mutex keeps "last error"
	// coherent from this package's point of view even though the C
	// library's own state is technically thread-local.
	mu        sync.Mutex
	lastError string
}

// New returns the Unix dlopen-family Shim.
func New() Shim {
	return &unixShim{}
}

func (s *unixShim) Open(path string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cpath := C.CString(path)
	defer C.free(unsafe.Pointer(cpath))

	C.dlerror() // clear any pending error
	h := C.dlopen(cpath, C.RTLD_NOW|C.RTLD_GLOBAL)
	if h == nil {
		s.lastError = dlerrorString()
		return nil, errString(s.lastError)
	}
	s.lastError = ""
	return h, nil
}

func (s *unixShim) Sym(h Handle, name string) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	C.dlerror()
	addr := C.dlsym(h.(unsafe.Pointer), cname)
	if msg := dlerrorString(); msg != "" {
		// A non-empty dlerror() after dlsym means the symbol does not
		// exist; this is "not found", not a hard error, matching
		// dlsym(3)'s own documented ambiguity between "address 0" and
		// "no such symbol".
		s.lastError = msg
		return 0, nil
	}
	s.lastError = ""
	return uintptr(addr), nil
}

func (s *unixShim) Close(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	C.dlerror()
	if C.dlclose(h.(unsafe.Pointer)) != 0 {
		s.lastError = dlerrorString()
		return errString(s.lastError)
	}
	s.lastError = ""
	return nil
}

func (s *unixShim) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}

func dlerrorString() string {
	cmsg := C.dlerror()
	if cmsg == nil {
		return ""
	}
	return C.GoString(cmsg)
}

type errString string

func (e errString) Error() string { return string(e) }
