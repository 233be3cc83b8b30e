// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Command dynload-repl is a minimal demonstration host: it wires the
// loader subsystem to the toy reader/evaluator in hostvm/toyreader and
// drives a read-eval-print loop (or a batch load of files named on the
// command line) against it. It exists to exercise the subsystem
// end-to-end with something runnable; it is not a Scheme implementation.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/grailbio/dynload/dso/dlshim"
	"github.com/grailbio/dynload/hostvm"
	"github.com/grailbio/dynload/hostvm/toyreader"
	"github.com/grailbio/dynload/loader"
	"github.com/grailbio/dynload/log"
	"github.com/grailbio/dynload/must"
	"github.com/grailbio/dynload/traverse"
)

var (
	verbose  = flag.Bool("verbose", false, "trace load/require activity")
	loadPath = flag.String("load-path", "", "colon-separated directories added to the load path")
	parallel = flag.Bool("parallel", false, "load the files named on the command line concurrently instead of in order")
	progress = flag.Bool("progress", false, "print a queued/running/done line while -parallel loading runs")
)

func main() {
	log.AddFlags()
	flag.Parse()

	modules := newModuleTable()
	eval := &toyreader.Evaluator{}
	sub := loader.NewFromEnviron(os.Environ(), dlshim.New(), dlshim.NewInvoker(), toyreader.NewReader(), eval, modules, nil, exportNothing)
	eval.Host = hostAdapter{sub: sub}
	sub.Verbose = *verbose
	sub.Session.Verbose = *verbose

	if *loadPath != "" {
		for _, dir := range strings.Split(*loadPath, string(os.PathListSeparator)) {
			sub.AddLoadPath(dir, true)
		}
	}

	args := flag.Args()
	if len(args) == 0 {
		repl(sub, modules)
		return
	}

	loadFiles(sub, args, *parallel, *progress)
}

// loadFiles loads each of files through sub, either sequentially (the
// default, since most scripts assume earlier files' definitions are
// visible to later ones) or, with -parallel, concurrently via
// traverse -- useful for a batch of independent libraries where the
// caller already knows there is no such dependency, and a good way to
// exercise the subsystem's concurrent-convergence guarantees against a
// real (not simulated) set of goroutines.
func loadFiles(sub *loader.Subsystem, files []string, concurrently, showProgress bool) {
	load := func(i int) error {
		_, err := sub.Load(context.Background(), files[i], loader.LoadOptions{ErrorIfNotFound: true})
		return err
	}
	var err error
	if concurrently {
		t := traverse.Parallel(len(files))
		if showProgress {
			t = t.WithReporter(traverse.DefaultReporter{Name: "loading"})
		}
		err = t.Do(load)
	} else {
		for i := range files {
			if err = load(i); err != nil {
				break
			}
		}
	}
	must.Nil(err, "dynload-repl: loading command-line files")
}

// repl reads forms from stdin, one per line-buffered chunk, and prints
// each result, until EOF.
func repl(sub *loader.Subsystem, modules *moduleTable) {
	reader := toyreader.NewReader()
	eval := sub.Session.Eval
	in := bufio.NewReader(os.Stdin)
	fmt.Fprint(os.Stderr, "dynload-repl> ")
	for {
		expr, err := reader.ReadExpr(in, hostvm.ReadOptions{SourceName: "<stdin>"})
		if err == io.EOF {
			return
		}
		must.Nil(err, "dynload-repl: reading stdin")
		v, err := eval.Eval(context.Background(), expr, modules.Current())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "=> %v\n", v)
		}
		fmt.Fprint(os.Stderr, "dynload-repl> ")
	}
}

// exportNothing is the default export callback: this demo host has no
// notion of a public symbol table to publish dynamically-loaded
// initializers into.
func exportNothing(name string, addr uintptr) {}

// hostAdapter satisfies toyreader.Host on top of a loader.Subsystem,
// supplying the DynamicLoadOptions DynamicLoad needs that the narrower
// Host interface does not carry.
type hostAdapter struct{ sub *loader.Subsystem }

func (h hostAdapter) Require(ctx context.Context, feature string) error {
	return h.sub.Require(ctx, feature)
}
func (h hostAdapter) Provide(feature string) string { return h.sub.Provide(feature) }
func (h hostAdapter) DynamicLoad(ctx context.Context, filename string) error {
	return h.sub.DynamicLoad(ctx, filename, loader.DynamicLoadOptions{})
}

// module is the single namespace the demo REPL evaluates in.
type module struct {
	mu   sync.Mutex
	name string
	vals map[string]hostvm.Value
}

func (m *module) Name() string { return m.name }
func (m *module) Lookup(sym string) (hostvm.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[sym]
	return v, ok
}
func (m *module) Define(sym string, v hostvm.Value) {
	m.mu.Lock()
	m.vals[sym] = v
	m.mu.Unlock()
}

// moduleTable is a single-module hostvm.ModuleTable: the demo REPL has
// no notion of separate namespaces, only "user".
type moduleTable struct {
	mu      sync.Mutex
	current hostvm.Module
}

func newModuleTable() *moduleTable {
	return &moduleTable{current: &module{name: "user", vals: make(map[string]hostvm.Value)}}
}
func (t *moduleTable) Find(name string) (hostvm.Module, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current.Name() == name {
		return t.current, true
	}
	return nil, false
}
func (t *moduleTable) Current() hostvm.Module {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}
func (t *moduleTable) Select(mod hostvm.Module) hostvm.Module {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.current
	t.current = mod
	return prev
}
