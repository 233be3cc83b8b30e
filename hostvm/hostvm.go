// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package hostvm defines the narrow interfaces through which the loader
// subsystem talks to a host language runtime: reading expressions,
// evaluating them, and looking symbols up in modules. None of the
// five core packages (pathresolve, loadsession, feature, dso, autoload)
// import a concrete interpreter; they depend only on these interfaces, so
// they remain constructible and testable without one. Package
// hostvm/toyreader supplies a minimal, non-faithful implementation used by
// the module's own tests and by cmd/dynload-repl.
package hostvm

import (
	"context"
	"io"
)

// Value is an opaque value produced by evaluation or stored in a module
// binding. The loader subsystem never inspects a Value's contents; it only
// passes them along.
type Value interface{}

// Expr is a single expression produced by a Reader.
type Expr interface{}

// ReadOptions configures a single ReadExpr call.
type ReadOptions struct {
	// CaseFold requests that the reader fold identifiers to a canonical
	// case, mirroring a dialect's global case-folding switch.
	CaseFold bool
	// SourceName is attached to any source-location info the reader
	// records on the expressions it returns, for diagnostics.
	SourceName string
}

// Reader reads expressions from a byte stream.
type Reader interface {
	// ReadExpr reads and returns the next expression. It returns io.EOF
	// (and a nil Expr) when the stream is exhausted.
	ReadExpr(r io.Reader, opts ReadOptions) (Expr, error)
}

// Evaluator evaluates a single expression in a module.
type Evaluator interface {
	// Eval evaluates expr in mod and returns its value.
	Eval(ctx context.Context, expr Expr, mod Module) (Value, error)
}

// Module is a single namespace of bindings.
type Module interface {
	// Name returns the module's name, used for diagnostics and as the
	// autoload "import from" key.
	Name() string
	// Lookup returns the binding for sym, if any.
	Lookup(sym string) (Value, bool)
	// Define installs or overwrites a binding.
	Define(sym string, v Value)
}

// ModuleTable resolves module names to Modules and tracks the "current"
// module selection, which load sessions save and restore around a load.
type ModuleTable interface {
	// Find looks a module up by name.
	Find(name string) (Module, bool)
	// Current returns the currently selected module.
	Current() Module
	// Select installs mod as current, returning the previous selection.
	Select(mod Module) (prev Module)
}

// TraceWriter receives the ";;<indent>Loading <path>..." lines emitted by
// loadsession.Session.Run when verbose tracing is enabled. It is distinct
// from the structured log package: this output is a user-facing REPL
// affordance, not an operational log line.
type TraceWriter interface {
	Write(p []byte) (n int, err error)
}
