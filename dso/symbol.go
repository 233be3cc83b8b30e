// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package dso

import (
	"path/filepath"
	"strings"
)

// deriveInitSymbol implements spec's initializer symbol derivation rule.
// The returned name always carries a leading underscore: callers look it
// up both with the underscore stripped (name[1:], tried first, for
// platforms whose symbol tables omit the C compiler's leading
// underscore) and with it present (name, the fallback).
//
// If explicit is non-empty, the caller supplied an init function name and
// "_"+explicit is returned. Otherwise the symbol is formed as
// "_Scm_Init_<stem>", where stem is the basename of requested (the path
// as the caller spelled it, not the path the resolver found) with its
// first dot and everything from there on removed (matching strchr's
// first-match semantics in get_dynload_initfn, not filepath.Ext's
// last-dot semantics), lowercased, and every non-alphanumeric byte
// folded to '_'.
//
// Using requested rather than the resolved path is deliberate: a
// symlinked library (e.g. "libfoo" -> "cygfoo.so") still yields
// "_Scm_Init_libfoo", matching the name the loading code asked for rather
// than the file that happened to satisfy it.
func deriveInitSymbol(requested, explicit string) string {
	if explicit != "" {
		return "_" + explicit
	}
	base := filepath.Base(requested)
	if i := strings.IndexByte(base, '.'); i >= 0 {
		base = base[:i]
	}
	return "_Scm_Init_" + foldSymbol(base)
}

func foldSymbol(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c - 'A' + 'a')
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
