// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package loader wires the five core packages (pathresolve, loadsession,
// feature, dso, autoload) into a single Subsystem value and exposes the
// user-facing operations: load, require, provide, provided?, dynamic-load,
// add-load-path. It is plumbing, not core: the algorithms live in the
// packages it wires together.
package loader

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/grailbio/dynload/autoload"
	"github.com/grailbio/dynload/dso"
	"github.com/grailbio/dynload/dso/dlshim"
	"github.com/grailbio/dynload/feature"
	"github.com/grailbio/dynload/hostvm"
	"github.com/grailbio/dynload/loadsession"
	"github.com/grailbio/dynload/log"
	"github.com/grailbio/dynload/pathresolve"
)

// LoadOptions configures a single Load or LoadFromPort call.
type LoadOptions struct {
	// Paths overrides the subsystem's current load path if non-empty.
	Paths []string
	// Environment selects the module to evaluate in; nil means "current".
	Environment hostvm.Module
	ErrorIfNotFound bool
	IgnoreCoding    bool
}

// DynamicLoadOptions configures a single DynamicLoad call.
type DynamicLoadOptions struct {
	// InitName, if non-empty, overrides the derived initializer symbol
	// name.
	InitName string
	// Export requests that the library's initializer-exported facilities
	// be made visible under a public name, via the exportSymbol callback
	// supplied to dso.NewRegistry.
	Export bool
}

// Subsystem is the top-level value a host VM constructs once at process
// init and uses for every load/require/provide/dynamic-load call
// thereafter.
type Subsystem struct {
	LoadPaths    *pathresolve.PathList
	DynLoadPaths *pathresolve.PathList
	Features     *feature.Registry
	DSO          *dso.Registry
	Autoloads    *autoload.Table
	Session      *loadsession.Session
	Modules      hostvm.ModuleTable

	// Verbose records the runtime's verbose-load flag. Subsystem does not
	// read it or copy it onto Session; verbose tracing is controlled by
	// Session.Verbose, which callers set themselves.
	Verbose bool
}

// New constructs a Subsystem from its collaborators. shim and invoke drive
// dynamic-object loading; reader, eval, and modules drive load sessions.
// builtinFeatures is pre-provided in the feature registry (spec's "built-in
// provided seed set").
func New(shim dlshim.Shim, invoke dlshim.Invoker, reader hostvm.Reader, eval hostvm.Evaluator, modules hostvm.ModuleTable, builtinFeatures []string, exportSymbol func(name string, addr uintptr)) *Subsystem {
	loadPaths := pathresolve.NewPathList()
	dynLoadPaths := pathresolve.NewPathList()
	s := &Subsystem{
		LoadPaths:    loadPaths,
		DynLoadPaths: dynLoadPaths,
		Features:     feature.NewRegistry(builtinFeatures...),
		DSO:          dso.NewRegistry(shim, invoke, dynLoadPaths, dso.DefaultSuffixes, exportSymbol),
		Autoloads:    autoload.NewTable(),
		Modules:      modules,
	}
	s.Session = loadsession.NewSession(reader, eval, modules, loadsession.NewThreadLocal())
	return s
}

// NewFromEnviron builds a Subsystem exactly as New does, then seeds its
// load paths from DYNLOAD_LOAD_PATH and DYNLOAD_DYNLOAD_PATH in env
// (split on os.PathListSeparator), unless IsSetUID reports true, in which
// case both are skipped entirely -- this module's generalized analogs of
// GAUCHE_LOAD_PATH / GAUCHE_DYNLOAD_PATH.
func NewFromEnviron(env []string, shim dlshim.Shim, invoke dlshim.Invoker, reader hostvm.Reader, eval hostvm.Evaluator, modules hostvm.ModuleTable, builtinFeatures []string, exportSymbol func(name string, addr uintptr)) *Subsystem {
	s := New(shim, invoke, reader, eval, modules, builtinFeatures, exportSymbol)
	if IsSetUID() {
		log.Info.Printf("loader: process is set-uid/set-gid, ignoring DYNLOAD_LOAD_PATH/DYNLOAD_DYNLOAD_PATH")
		return s
	}
	for _, dir := range splitEnv(env, "DYNLOAD_LOAD_PATH") {
		s.LoadPaths.Append(dir)
	}
	for _, dir := range splitEnv(env, "DYNLOAD_DYNLOAD_PATH") {
		s.DynLoadPaths.Append(dir)
	}
	return s
}

func splitEnv(env []string, key string) []string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			val := kv[len(prefix):]
			if val == "" {
				return nil
			}
			return strings.Split(val, string(os.PathListSeparator))
		}
	}
	return nil
}

// Load implements the load operation: resolve filename (on opts.Paths, or
// the subsystem's current load-path snapshot) and evaluate it.
func (s *Subsystem) Load(ctx context.Context, filename string, opts LoadOptions) (bool, error) {
	paths := opts.Paths
	if len(paths) == 0 {
		paths = s.LoadPaths.Snapshot()
	}
	return s.Session.Load(ctx, filename, paths, opts.Environment, loadsession.LoadOptions{
		ErrorIfNotFound: opts.ErrorIfNotFound,
		IgnoreCoding:    opts.IgnoreCoding,
	})
}

// LoadFromPort implements load-from-port: evaluate r directly without
// resolving a filename, returning the value of the last expression.
func (s *Subsystem) LoadFromPort(ctx context.Context, r io.Reader, opts LoadOptions) (hostvm.Value, error) {
	mod := opts.Environment
	if mod == nil {
		mod = s.Modules.Current()
	}
	return s.Session.Run(ctx, io.NopCloser(r), "<port>", nil, mod)
}

// Require implements require: it keys the feature registry by feature
// directly (as the registry's at-most-once semantics are agnostic to
// whether "feature" spells a logical name or a file path) and loads
// feature via the session on first claim, exactly as spec's require(feature
// + ".scm", ...) does once suffix resolution is generalized into the
// session's default suffix list.
func (s *Subsystem) Require(ctx context.Context, feat string) error {
	_, err := s.Features.Require(ctx, feat, func(ctx context.Context) (bool, error) {
		return s.Session.Load(ctx, feat, s.LoadPaths.Snapshot(), nil, loadsession.LoadOptions{})
	})
	return err
}

// Providing reports whether feat is currently claimed but not yet
// provided; it is also how Subsystem satisfies autoload.Requirer, so an
// autoload record's target path being required drives the same feature
// registry require does.
func (s *Subsystem) Providing(feat string) bool {
	return s.Features.Providing(feat)
}

// Provide implements provide.
func (s *Subsystem) Provide(feat string) string {
	s.Features.Provide(feat)
	return feat
}

// Provided implements provided?.
func (s *Subsystem) Provided(feat string) bool {
	return s.Features.Provided(feat)
}

// DynamicLoad implements dynamic-load.
func (s *Subsystem) DynamicLoad(ctx context.Context, filename string, opts DynamicLoadOptions) error {
	return s.DSO.Load(ctx, filename, opts.InitName, opts.Export)
}

// ResolveAutoload drives rec's resolution using this subsystem as the
// Requirer (so the autoload's require(target-path) goes through the same
// feature registry claim/load machinery as a direct require call) and the
// subsystem's module table for the save/switch/restore around driving the
// load.
func (s *Subsystem) ResolveAutoload(ctx context.Context, rec *autoload.Record) (hostvm.Value, bool, error) {
	return rec.Resolve(ctx, s, s.Modules)
}

// AddLoadPath implements add-load-path: dir is added to the load path
// (prepended unless after is true), and the dyn-load path gets dir/<arch>
// or dir/../<arch> if either exists, falling back to dir itself.
func (s *Subsystem) AddLoadPath(dir string, after bool) []string {
	arch := runtime.GOARCH
	dyn := dir
	for _, candidate := range []string{filepath.Join(dir, arch), filepath.Join(dir, "..", arch)} {
		if fi, err := os.Stat(candidate); err == nil && fi.IsDir() {
			dyn = candidate
			break
		}
	}
	if after {
		s.LoadPaths.Append(dir)
		s.DynLoadPaths.Append(dyn)
	} else {
		s.LoadPaths.Prepend(dir)
		s.DynLoadPaths.Prepend(dyn)
	}
	return s.LoadPaths.Snapshot()
}
