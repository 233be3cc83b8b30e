// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package autoload

import (
	"sync"

	"github.com/grailbio/dynload/hostvm"
)

// key identifies a single autoload binding by the module it lives in and
// the symbol it stands for.
type key struct {
	module string
	symbol string
}

// Table is a registry of autoload records, keyed by (module, symbol). This
// is the operation a host VM's define-module/use machinery would call to
// install an autoload binding in the first place; it is present in the
// original Gauche source but dropped by the distilled specification, which
// only specifies the resolution half. It is restored here because a
// resolver with no way to create records is untestable end-to-end.
type Table struct {
	mu      sync.Mutex
	records map[key]*Record
}

// NewTable returns an empty autoload table.
func NewTable() *Table {
	return &Table{records: make(map[key]*Record)}
}

// DefineAutoload installs an autoload record for mod.sym, pointing at
// targetPath. If importFrom is non-empty, resolution copies sym's value
// out of that module instead of looking it up in mod directly. Defining
// the same (mod, sym) pair twice replaces the previous record; any
// goroutine mid-Resolve on the old record is unaffected (it holds its own
// *Record pointer) but no future lookup will reach it.
func (t *Table) DefineAutoload(mod hostvm.Module, sym, targetPath, importFrom string) *Record {
	r := NewRecord(mod, sym, targetPath, importFrom)
	k := key{module: mod.Name(), symbol: sym}
	t.mu.Lock()
	t.records[k] = r
	t.mu.Unlock()
	mod.Define(sym, r)
	return r
}

// Lookup returns the autoload record for mod.sym, if any.
func (t *Table) Lookup(mod hostvm.Module, sym string) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key{module: mod.Name(), symbol: sym}]
	return r, ok
}
