// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package dynload_test exercises the six end-to-end scenarios from this
// module's testable-properties list, driven against the toy
// reader/evaluator rather than a real host VM.
package dynload_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/grailbio/dynload/dso/dlshim"
	"github.com/grailbio/dynload/hostvm"
	"github.com/grailbio/dynload/hostvm/toyreader"
	"github.com/grailbio/dynload/loader"
)

type fakeModule struct {
	name string
	mu   sync.Mutex
	vals map[string]hostvm.Value
}

func newFakeModule(name string) *fakeModule {
	return &fakeModule{name: name, vals: make(map[string]hostvm.Value)}
}
func (m *fakeModule) Name() string { return m.name }
func (m *fakeModule) Lookup(sym string) (hostvm.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[sym]
	return v, ok
}
func (m *fakeModule) Define(sym string, v hostvm.Value) {
	m.mu.Lock()
	m.vals[sym] = v
	m.mu.Unlock()
}

type fakeModuleTable struct {
	mu      sync.Mutex
	current hostvm.Module
	byName  map[string]hostvm.Module
}

func newFakeModuleTable(mods ...*fakeModule) *fakeModuleTable {
	t := &fakeModuleTable{byName: make(map[string]hostvm.Module)}
	for _, m := range mods {
		t.byName[m.name] = m
		t.current = m
	}
	return t
}
func (t *fakeModuleTable) Find(name string) (hostvm.Module, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byName[name]
	return m, ok
}
func (t *fakeModuleTable) Current() hostvm.Module {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
func (t *fakeModuleTable) Select(mod hostvm.Module) hostvm.Module {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.current
	t.current = mod
	return prev
}

// hostAdapter satisfies toyreader.Host on top of a loader.Subsystem,
// supplying the DynamicLoadOptions DynamicLoad needs that the narrower
// Host interface does not carry.
type hostAdapter struct{ sub *loader.Subsystem }

func (h hostAdapter) Require(ctx context.Context, feature string) error { return h.sub.Require(ctx, feature) }
func (h hostAdapter) Provide(feature string) string                     { return h.sub.Provide(feature) }
func (h hostAdapter) DynamicLoad(ctx context.Context, filename string) error {
	return h.sub.DynamicLoad(ctx, filename, loader.DynamicLoadOptions{})
}

func newTestSubsystem() (*loader.Subsystem, *fakeModuleTable) {
	mod := newFakeModule("user")
	modules := newFakeModuleTable(mod)
	rd := toyreader.NewReader()
	eval := &toyreader.Evaluator{}
	sub := loader.New(dlshim.NewFake(), dlshim.NewFake(), rd, eval, modules, nil, nil)
	eval.Host = hostAdapter{sub: sub}
	return sub, modules
}

func writeFile(t *testing.T, dir, name, contents string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}
}

// Scenario 1: simple load.
func TestScenarioSimpleLoad(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.scm", `(provide "a")`)

	sub, _ := newTestSubsystem()
	sub.LoadPaths.Append(dir)

	if err := sub.Require(context.Background(), "a"); err != nil {
		t.Fatalf("Require: %v", err)
	}
	if !sub.Provided("a") {
		t.Fatal("provided?(a) should be true")
	}
	// A second require must not re-read the file: remove it and confirm
	// the second call still succeeds.
	os.Remove(filepath.Join(dir, "a.scm"))
	if err := sub.Require(context.Background(), "a"); err != nil {
		t.Fatalf("second Require: %v", err)
	}
}

// Scenario 2: suffix search.
func TestScenarioSuffixSearch(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.scm", `(provide "a")`)
	sub, _ := newTestSubsystem()
	sub.LoadPaths.Append(dir)
	ok, err := sub.Load(context.Background(), "a", loader.LoadOptions{})
	if err != nil || !ok {
		t.Fatalf("Load(a) = (%v, %v)", ok, err)
	}

	dir2 := t.TempDir()
	writeFile(t, dir2, "b", `(provide "b")`)
	sub2, _ := newTestSubsystem()
	sub2.LoadPaths.Append(dir2)
	ok2, err2 := sub2.Load(context.Background(), "b", loader.LoadOptions{})
	if err2 != nil || !ok2 {
		t.Fatalf("Load(b) = (%v, %v)", ok2, err2)
	}
}

// Scenario 3: cycle.
func TestScenarioCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.scm", `(require "b")`)
	writeFile(t, dir, "b.scm", `(require "a")`)

	sub, _ := newTestSubsystem()
	sub.LoadPaths.Append(dir)

	err := sub.Require(context.Background(), "a")
	if err == nil {
		t.Fatal("expected require-cycle error")
	}
	if sub.Provided("a") || sub.Provided("b") {
		t.Error("neither a nor b should be provided after a cycle error")
	}
}

// Scenario 4: concurrent convergence.
func TestScenarioConcurrentConvergence(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.scm", `(provide "a")`)

	sub, _ := newTestSubsystem()
	sub.LoadPaths.Append(dir)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = sub.Require(context.Background(), "a")
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d: %v", i, err)
		}
	}
	if !sub.Provided("a") {
		t.Error("provided?(a) should be true")
	}
}

// Scenario 5: DSO takeover. Builds its own Subsystem (rather than going
// through newTestSubsystem) so the test keeps a direct handle on the
// dlshim.Fake used for the dynamic-load side.
func TestScenarioDSOTakeover(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "libx.so", "")
	path := filepath.Join(dir, "libx.so")

	mod := newFakeModule("user")
	modules := newFakeModuleTable(mod)
	fakeShim := dlshim.NewFake()
	eval := &toyreader.Evaluator{}
	sub := loader.New(fakeShim, fakeShim, toyreader.NewReader(), eval, modules, nil, nil)
	eval.Host = hostAdapter{sub: sub}
	sub.DynLoadPaths.Append(dir)

	unblock := make(chan struct{})
	entered := make(chan struct{})
	var calls int32
	fakeShim.Register(path, "Scm_Init_libx", func() error {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(entered)
			<-unblock
			panic("simulated loader death")
		}
		return nil
	})

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		_ = sub.DynamicLoad(context.Background(), "libx.so", loader.DynamicLoadOptions{})
	}()
	<-entered

	secondDone := make(chan error, 1)
	go func() {
		secondDone <- sub.DynamicLoad(context.Background(), "libx.so", loader.DynamicLoadOptions{})
	}()
	time.Sleep(10 * time.Millisecond)
	close(unblock)
	<-firstDone

	if err := <-secondDone; err != nil {
		t.Fatalf("takeover DynamicLoad: %v", err)
	}
	state, ok := sub.DSO.State(path)
	if !ok || state != "initialized" {
		t.Fatalf("state = (%q, %v), want initialized", state, ok)
	}
}

// Scenario 6: autoload benign recursion.
func TestScenarioAutoloadBenignRecursion(t *testing.T) {
	dir := t.TempDir()
	// m.scm, while loading, dereferences g (its own autoload target, still
	// bound to the autoload record itself at this point) before going on
	// to define it for real. The toy evaluator binds probe to the record
	// as-is without calling the resolver, so the load must complete
	// without deadlocking and the outer resolution must see the final g.
	// The resolver's own benign-recursion short-circuit is covered by
	// autoload's TestResolveBenignRecursion.
	writeFile(t, dir, "m.scm", `(define probe g) (define g 99)`)

	sub, modules := newTestSubsystem()
	sub.LoadPaths.Append(dir)

	mod := modules.Current().(*fakeModule)
	rec := sub.Autoloads.DefineAutoload(mod, "g", "m.scm", "")

	v, found, err := sub.ResolveAutoload(context.Background(), rec)
	if err != nil {
		t.Fatalf("ResolveAutoload: %v", err)
	}
	if !found || v != 99.0 {
		t.Fatalf("ResolveAutoload = (%v, %v), want (99, true)", v, found)
	}
	if _, ok := mod.Lookup("probe"); !ok {
		t.Error("m.scm's first definition should have run before its second")
	}
}
