// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package loadsession implements the scoped context around reading and
// evaluating a single stream: it installs per-logical-thread "current
// load" state (history chain, remaining search paths, selected module),
// drives a read-eval loop against the hostvm.Reader/Evaluator seams, and
// guarantees that state is restored and the stream is closed on every
// exit path, including a panicking one.
package loadsession

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/grailbio/dynload/dlerr"
	"github.com/grailbio/dynload/hostvm"
	"github.com/grailbio/dynload/loadsession/codingport"
	"github.com/grailbio/dynload/pathresolve"
)

// DefaultSuffixes are the suffixes load's path resolution tries when a
// filename has none.
var DefaultSuffixes = []string{".scm"}

// LoadOptions configures a single Load call.
type LoadOptions struct {
	// Suffixes overrides DefaultSuffixes if non-empty.
	Suffixes []string
	// ErrorIfNotFound selects propagate-error semantics for a path-resolver
	// miss; when false (the default), a missing file makes Load return
	// (false, nil) rather than an error.
	ErrorIfNotFound bool
	// IgnoreCoding skips the coding-aware decoder wrapper, handing the
	// reader the raw byte stream.
	IgnoreCoding bool
}

// Session drives load-from-stream and load against a host VM's
// reader/evaluator/module-table seams.
type Session struct {
	Reader  hostvm.Reader
	Eval    hostvm.Evaluator
	Modules hostvm.ModuleTable
	Threads *ThreadLocal

	// Verbose enables the ";;<indent>Loading <path>..." trace line that
	// Run emits before installing thread-local state, mirroring the
	// runtime's verbose-load flag.
	Verbose bool
	// Trace receives verbose trace lines; defaults to os.Stderr when nil.
	Trace hostvm.TraceWriter
}

// NewSession returns a Session wired to the given seams. threads may be
// shared by multiple Sessions (it is keyed by an opaque per-call-chain
// token, not by Session identity).
func NewSession(reader hostvm.Reader, eval hostvm.Evaluator, modules hostvm.ModuleTable, threads *ThreadLocal) *Session {
	return &Session{Reader: reader, Eval: eval, Modules: modules, Threads: threads}
}

func (s *Session) trace() hostvm.TraceWriter {
	if s.Trace != nil {
		return s.Trace
	}
	return os.Stderr
}

// Run implements load-from-stream: it locks in no stream mutex of its own
// (the caller already has exclusive use of source, since Load just opened
// it), installs a new history/paths/module bundle under source's logical
// thread, drives the read-eval loop, and restores the previous bundle and
// module selection on every exit, normal or not.
func (s *Session) Run(ctx context.Context, source io.ReadCloser, sourceName string, remainingPaths []string, mod hostvm.Module) (result hostvm.Value, err error) {
	self, ctx := Self(ctx)

	saved := s.Threads.get(self)
	prevModule := s.Modules.Current()
	if mod == nil {
		mod = prevModule
	}
	s.Modules.Select(mod)

	if s.Verbose {
		indent := strings.Repeat(" ", len(saved.History))
		fmt.Fprintf(s.trace(), ";;%sLoading %s...\n", indent, sourceName)
	}

	history := append(append([]Frame(nil), saved.History...), Frame{SourceName: sourceName, LineAtEntry: len(saved.History)})
	s.Threads.set(self, ThreadState{
		History:   history,
		Paths:     remainingPaths,
		Module:    mod,
		Situation: SituationLoad,
	})

	defer func() {
		s.Threads.set(self, saved)
		s.Modules.Select(prevModule)
		dlerr.CleanUp(source.Close, &err)
		if p := recover(); p != nil {
			err = dlerr.E(dlerr.LoadAbort, fmt.Sprintf("load %q: recovered panic: %v", sourceName, p))
		}
	}()

	for {
		expr, readErr := s.Reader.ReadExpr(source, hostvm.ReadOptions{SourceName: sourceName})
		if readErr == io.EOF {
			return result, nil
		}
		if readErr != nil {
			return nil, dlerr.E(dlerr.LoadAbort, fmt.Sprintf("reading %s", sourceName), readErr)
		}
		result, err = s.Eval.Eval(ctx, expr, mod)
		if err != nil {
			return nil, err
		}
	}
}

// Load implements load: resolve filename on loadPaths (substituting
// nothing here -- callers that want the process-wide load path pass its
// current snapshot), open it, optionally wrap it in a coding-aware
// decoder, and hand off to Run with the unconsumed path tail, which Run
// records as the session's ThreadState.Paths. Nothing in this module reads
// that tail back: a require inside the loaded file searches the full load
// path again.
func (s *Session) Load(ctx context.Context, filename string, loadPaths []string, mod hostvm.Module, opts LoadOptions) (bool, error) {
	if filename == "" {
		return false, dlerr.E(dlerr.BadArgument, "load: empty filename")
	}
	suffixes := opts.Suffixes
	if len(suffixes) == 0 {
		suffixes = DefaultSuffixes
	}
	path, tail, err := pathresolve.FindFile(filename, loadPaths, suffixes, !opts.ErrorIfNotFound)
	if err != nil {
		return false, err
	}
	if path == "" {
		return false, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return false, dlerr.E(dlerr.FileOpenFailed, fmt.Sprintf("opening %q", path), err)
	}

	var source io.ReadCloser = f
	if !opts.IgnoreCoding {
		decoded, wrapErr := codingport.Wrap(f)
		if wrapErr != nil {
			f.Close()
			return false, dlerr.E(dlerr.FileOpenFailed, fmt.Sprintf("decoding %q", path), wrapErr)
		}
		source = readCloser{Reader: decoded, Closer: f}
	}

	if _, err := s.Run(ctx, source, path, tail, mod); err != nil {
		return false, err
	}
	return true, nil
}

type readCloser struct {
	io.Reader
	io.Closer
}
