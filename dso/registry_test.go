// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package dso_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/dynload/dlerr"
	"github.com/grailbio/dynload/dso"
	"github.com/grailbio/dynload/dso/dlshim"
	"github.com/grailbio/dynload/pathresolve"
)

func writeStub(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(""), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadBasic(t *testing.T) {
	dir := t.TempDir()
	writeStub(t, dir, "libx.so")

	fake := dlshim.NewFake()
	var calls int32
	fake.Register(filepath.Join(dir, "libx.so"), "Scm_Init_libx", func() error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	r := dso.NewRegistry(fake, fake, pathresolve.NewPathList(dir), []string{".so"}, nil)
	if err := r.Load(context.Background(), "libx.so", "", false); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if calls != 1 {
		t.Errorf("initializer called %d times, want 1", calls)
	}
	state, ok := r.State(filepath.Join(dir, "libx.so"))
	if !ok || state != "initialized" {
		t.Errorf("state = (%q, %v), want (initialized, true)", state, ok)
	}

	// Loading again must not call the initializer a second time: the
	// record is interned and already INITIALIZED.
	if err := r.Load(context.Background(), "libx.so", "", false); err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if calls != 1 {
		t.Errorf("initializer called %d times after reload, want 1", calls)
	}
}

func TestLoadSymbolFallsBackToUnderscoredSpelling(t *testing.T) {
	dir := t.TempDir()
	writeStub(t, dir, "libx.so")

	fake := dlshim.NewFake()
	fake.Register(filepath.Join(dir, "libx.so"), "_Scm_Init_libx", func() error { return nil })

	r := dso.NewRegistry(fake, fake, pathresolve.NewPathList(dir), []string{".so"}, nil)
	if err := r.Load(context.Background(), "libx.so", "", false); err != nil {
		t.Fatalf("Load should have found the underscore-prefixed spelling: %v", err)
	}
}

func TestLoadInitSymbolMissing(t *testing.T) {
	dir := t.TempDir()
	writeStub(t, dir, "libx.so")

	fake := dlshim.NewFake()
	fake.Register(filepath.Join(dir, "libx.so"), "something_else", func() error { return nil })

	r := dso.NewRegistry(fake, fake, pathresolve.NewPathList(dir), []string{".so"}, nil)
	err := r.Load(context.Background(), "libx.so", "", false)
	if !dlerr.Is(dlerr.InitSymbolMissing, err) {
		t.Fatalf("err = %v, want kind InitSymbolMissing", err)
	}
	if !fake.Closed(filepath.Join(dir, "libx.so")) {
		t.Error("handle should be closed on the NONE->LOADED failure path")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	r := dso.NewRegistry(dlshim.NewFake(), dlshim.NewFake(), pathresolve.NewPathList(t.TempDir()), []string{".so"}, nil)
	if _, ok := r.State("/nowhere"); ok {
		// State itself never errors; this just confirms the miss path
		// is a (ok=false) rather than a panic.
		t.Error("State of a never-interned path reported ok=true")
	}
	loadErr := r.Load(context.Background(), "libmissing.so", "", false)
	if !dlerr.Is(dlerr.FileNotFound, loadErr) {
		t.Fatalf("err = %v, want kind FileNotFound", loadErr)
	}
}

// TestLoadTakeover simulates spec §8 scenario 5: one goroutine reaches
// LOADED and then "dies" (its initializer call panics, simulating
// abrupt termination before completion) without reaching INITIALIZED; a
// second goroutine observes loader==nil, state==LOADED, takes over, and
// drives the object the rest of the way to INITIALIZED.
func TestLoadTakeover(t *testing.T) {
	dir := t.TempDir()
	writeStub(t, dir, "libx.so")
	path := filepath.Join(dir, "libx.so")

	fake := dlshim.NewFake()
	unblockFirst := make(chan struct{})
	firstEntered := make(chan struct{})
	var firstCalls, secondCalls int32
	fake.Register(path, "Scm_Init_libx", func() error {
		if atomic.AddInt32(&firstCalls, 1) == 1 {
			close(firstEntered)
			<-unblockFirst
			panic("simulated loader termination before initializer finished")
		}
		atomic.AddInt32(&secondCalls, 1)
		return nil
	})

	r := dso.NewRegistry(fake, fake, pathresolve.NewPathList(dir), []string{".so"}, nil)

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		// Recovers internally: drive() converts the panic to an error.
		_ = r.Load(context.Background(), "libx.so", "", false)
	}()
	<-firstEntered

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- r.Load(context.Background(), "libx.so", "", false)
	}()
	// Give the second goroutine a moment to start waiting on the record
	// condition before releasing the first.
	time.Sleep(10 * time.Millisecond)
	close(unblockFirst)
	<-firstDone

	if err := <-secondDone; err != nil {
		t.Fatalf("second Load (takeover) failed: %v", err)
	}
	// firstCalls counts every initializer entry (the panicking one and the
	// takeover's); secondCalls counts only the takeover's.
	if firstCalls != 2 || secondCalls != 1 {
		t.Errorf("firstCalls=%d secondCalls=%d, want 2 and 1", firstCalls, secondCalls)
	}
	state, ok := r.State(path)
	if !ok || state != "initialized" {
		t.Errorf("state = (%q, %v), want (initialized, true)", state, ok)
	}
}

func TestLoadEmptyFilename(t *testing.T) {
	r := dso.NewRegistry(dlshim.NewFake(), dlshim.NewFake(), pathresolve.NewPathList(), nil, nil)
	err := r.Load(context.Background(), "", "", false)
	if !dlerr.Is(dlerr.BadArgument, err) {
		t.Fatalf("err = %v, want kind BadArgument", err)
	}
}
