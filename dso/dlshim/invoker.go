// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package dlshim

// Invoker calls the zero-argument, no-return native initializer function
// at addr (an address previously returned by Shim.Sym). It is kept
// separate from the Shim interface because spec's dynamic-linker plugin
// contract is deliberately exactly four functions (open/sym/close/error);
// invoking the resolved function pointer is the loader's own native-ABI
// call, not part of that plugin boundary.
type Invoker interface {
	Call(addr uintptr) error
}
