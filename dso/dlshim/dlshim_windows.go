// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

//go:build windows

package dlshim

import (
	"sync"

	"golang.org/x/sys/windows"
)

// windowsShim implements Shim via LoadLibraryEx/GetProcAddress/
// FreeLibrary/GetLastError.
type windowsShim struct {
	mu        sync.Mutex
	lastError string
}

// New returns the Windows LoadLibrary-family Shim.
func New() Shim {
	return &windowsShim{}
}

func (s *windowsShim) Open(path string) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := windows.LoadLibraryEx(path, 0, windows.LOAD_WITH_ALTERED_SEARCH_PATH)
	if err != nil {
		s.lastError = err.Error()
		return nil, err
	}
	s.lastError = ""
	return h, nil
}

func (s *windowsShim) Sym(h Handle, name string) (uintptr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	addr, err := windows.GetProcAddress(h.(windows.Handle), name)
	if err != nil {
		// GetProcAddress failure means the symbol does not exist; treat
		// as "not found" rather than a hard error, mirroring dlsym's
		// contract on Unix.
		s.lastError = err.Error()
		return 0, nil
	}
	s.lastError = ""
	return addr, nil
}

func (s *windowsShim) Close(h Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := windows.FreeLibrary(h.(windows.Handle)); err != nil {
		s.lastError = err.Error()
		return err
	}
	s.lastError = ""
	return nil
}

func (s *windowsShim) LastError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastError
}
