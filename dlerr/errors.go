// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package dlerr implements the error type returned throughout the dynload
// module. Errors carry an interpretable Kind so that callers can distinguish
// "file not found" from "cycle detected" from "native link failed" without
// string matching. Errors chain: an Error's Err field may itself be an
// *Error, and Error() prints the whole chain.
package dlerr

import (
	"bytes"
	"errors"
	"fmt"
)

// Separator is inserted between chained errors in error messages.
var Separator = ":\n\t"

// Kind classifies an error. Kinds mirror the error-kind table in this
// module's specification: each operation that can fail raises an error of
// exactly one of these kinds (Other is the fallback for unclassified
// causes, not a kind any operation raises deliberately).
type Kind int

const (
	// Other indicates an unclassified error.
	Other Kind = iota
	// BadArgument indicates a type or value mismatch on user input, e.g. an
	// empty feature name or filename.
	BadArgument
	// FileNotFound indicates the path resolver found no matching file and
	// the caller did not request quiet-if-missing behavior.
	FileNotFound
	// FileOpenFailed indicates a resolved file could not be opened.
	FileOpenFailed
	// LoadAbort indicates the evaluator raised an error while processing a
	// loaded file.
	LoadAbort
	// DynamicLinkFailed indicates the platform dynamic-linker shim failed
	// to open or resolve a native object.
	DynamicLinkFailed
	// InitSymbolMissing indicates a native object was opened but neither
	// spelling of its initializer symbol could be resolved.
	InitSymbolMissing
	// RequireCycle indicates Require detected a dependency cycle through
	// the feature registry's wait-for graph.
	RequireCycle
	// AutoloadUndefined indicates the target file of an autoload loaded
	// successfully but never defined the promised binding.
	AutoloadUndefined
	// AutoloadCircular indicates an autoload record was resolved by the
	// thread that is already driving its own resolution.
	AutoloadCircular

	maxKind
)

var kindText = map[Kind]string{
	Other:             "error",
	BadArgument:       "bad argument",
	FileNotFound:      "file not found",
	FileOpenFailed:    "file open failed",
	LoadAbort:         "load aborted",
	DynamicLinkFailed: "dynamic link failed",
	InitSymbolMissing: "initializer symbol missing",
	RequireCycle:      "require cycle",
	AutoloadUndefined: "autoload target did not define binding",
	AutoloadCircular:  "autoload circularly resolved",
}

// String returns a human-readable name for k.
func (k Kind) String() string {
	if s, ok := kindText[k]; ok {
		return s
	}
	return "unknown error kind"
}

// Error is this module's standard error type: a kind, an optional message,
// and an optional chained cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// E constructs an *Error from its arguments. Arguments are interpreted by
// type:
//
//   - Kind: sets the Kind
//   - string: appended to Message, space-separated
//   - error: sets the cause (Err); if it is itself *Error and no Kind was
//     given, the new Error inherits its Kind
//
// Any other argument type is a programming error and panics, matching the
// fail-fast posture of this package's callers (all call sites are internal
// to dynload).
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("dlerr.E: no args")
	}
	e := new(Error)
	var msg bytes.Buffer
	for _, arg := range args {
		switch v := arg.(type) {
		case Kind:
			e.Kind = v
		case string:
			if msg.Len() > 0 {
				msg.WriteByte(' ')
			}
			msg.WriteString(v)
		case *Error:
			cp := *v
			e.Err = &cp
		case error:
			e.Err = v
		default:
			panic(fmt.Sprintf("dlerr.E: unsupported argument type %T", arg))
		}
	}
	e.Message = msg.String()
	if e.Kind == Other {
		if inner, ok := e.Err.(*Error); ok {
			e.Kind = inner.Kind
			inner.Kind = Other // avoid printing the same kind twice in the chain
		}
	}
	return e
}

// New returns a plain, unkinded error, identical to errors.New. It exists
// so callers need only import this one error package.
func New(msg string) error { return errors.New(msg) }

// Recover converts any error into an *Error, wrapping it with kind Other if
// it is not already one.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return &Error{Err: err}
}

// Is reports whether err's kind is kind. If err has kind Other, the chain
// is followed until the first *Error whose kind is not Other, and that
// kind is compared; kinds further down the chain are not consulted. Other
// is not treated as a wildcard by the caller; it is simply "no kind was
// ever set".
func Is(kind Kind, err error) bool {
	for err != nil {
		e, ok := err.(*Error)
		if !ok {
			return false
		}
		if e.Kind == kind {
			return true
		}
		if e.Kind != Other {
			return false
		}
		err = e.Err
	}
	return false
}

// Error implements error.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b bytes.Buffer
	e.writeError(&b)
	return b.String()
}

func (e *Error) writeError(b *bytes.Buffer) {
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Kind != Other {
		pad(b, ": ")
		b.WriteString(e.Kind.String())
	}
	if e.Err == nil {
		return
	}
	if inner, ok := e.Err.(*Error); ok {
		pad(b, Separator)
		b.WriteString(inner.Error())
	} else {
		pad(b, ": ")
		b.WriteString(e.Err.Error())
	}
}

func pad(b *bytes.Buffer, sep string) {
	if b.Len() == 0 {
		return
	}
	b.WriteString(sep)
}

// Unwrap lets the standard library's errors.{Is,As} traverse the cause
// chain via e.Err.
func (e *Error) Unwrap() error { return e.Err }

// CleanUp is a defer-able helper that runs cleanUp and, if it returns a
// non-nil error, attaches it to *dst (chaining rather than clobbering any
// error *dst already holds). loadsession.Session.Run defers it over the
// load source's Close so a read or eval error isn't masked by, but also
// doesn't hide, a close failure on the same stream.
func CleanUp(cleanUp func() error, dst *error) {
	addErr(cleanUp(), dst)
}

func addErr(err2 error, dst *error) {
	if err2 == nil {
		return
	}
	if *dst == nil {
		*dst = err2
		return
	}
	*dst = E(*dst, fmt.Sprintf("also: %v", err2))
}
