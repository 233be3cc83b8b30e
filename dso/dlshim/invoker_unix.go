// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

//go:build !windows

package dlshim

/*
typedef void (*dynload_init_func)(void);

static void dynload_call_init(void *fn) {
	((dynload_init_func)fn)();
}
*/
import "C"

import "unsafe"

// unixInvoker calls a resolved initializer address as a bare C function
// pointer of type void(*)(void).
type unixInvoker struct{}

// NewInvoker returns the Unix native-call Invoker.
func NewInvoker() Invoker { return unixInvoker{} }

func (unixInvoker) Call(addr uintptr) (err error) {
	C.dynload_call_init(unsafe.Pointer(addr))
	return nil
}
