// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

//go:build windows

package dlshim

import "syscall"

// windowsInvoker calls a resolved initializer address as a bare
// stdcall/cdecl function pointer taking no arguments.
type windowsInvoker struct{}

// NewInvoker returns the Windows native-call Invoker.
func NewInvoker() Invoker { return windowsInvoker{} }

func (windowsInvoker) Call(addr uintptr) error {
	_, _, callErr := syscall.SyscallN(addr)
	if callErr != 0 {
		return callErr
	}
	return nil
}
