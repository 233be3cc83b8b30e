// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package dso implements the loader's dynamic object registry: interning
// native shared libraries by canonical path and driving each through a
// three-state (NONE -> LOADED -> INITIALIZED) staged initialization
// lifecycle, with takeover when a prior loader's goroutine exits the
// protected region (by success, error, or recovered panic) without
// finishing the job.
package dso

import (
	"sync"

	"github.com/grailbio/dynload/dso/dlshim"
	"github.com/grailbio/dynload/internal/ctxsync"
)

// lifecycle is the DSO record's monotonic state.
type lifecycle int

const (
	none lifecycle = iota
	loaded
	initialized
)

func (s lifecycle) String() string {
	switch s {
	case none:
		return "none"
	case loaded:
		return "loaded"
	case initialized:
		return "initialized"
	default:
		return "invalid"
	}
}

// token identifies a single logical loader: a fresh one is minted each
// time a goroutine begins driving an object's state machine. Its only use
// is identity (nil vs non-nil, and pointer equality), never dereferenced.
type token = *struct{}

func newToken() token { return new(struct{}) }

// object is a single interned dynamic object record: one per canonical
// path, created once and never removed for the life of the registry.
type object struct {
	path string

	mu       sync.Mutex
	cond     *ctxsync.Cond
	state    lifecycle
	handle   dlshim.Handle
	initAddr uintptr
	loader   token
}

func newObject(path string) *object {
	o := &object{path: path}
	o.cond = ctxsync.NewCond(&o.mu)
	return o
}
