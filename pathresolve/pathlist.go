// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package pathresolve

import "sync"

// PathList is an ordered, mutex-guarded sequence of search-path
// directories, shared across goroutines and mutated only through Prepend
// and Append. Readers take a Snapshot before searching so that concurrent
// mutation of the list never perturbs an in-progress FindFile.
type PathList struct {
	mu   sync.Mutex
	dirs []string
}

// NewPathList returns a PathList seeded with dirs, in order.
func NewPathList(dirs ...string) *PathList {
	return &PathList{dirs: append([]string(nil), dirs...)}
}

// Snapshot returns a copy of the current directory list.
func (l *PathList) Snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.dirs...)
}

// Prepend inserts dir at the front of the list.
func (l *PathList) Prepend(dir string) {
	l.mu.Lock()
	l.dirs = append([]string{dir}, l.dirs...)
	l.mu.Unlock()
}

// Append inserts dir at the end of the list.
func (l *PathList) Append(dir string) {
	l.mu.Lock()
	l.dirs = append(l.dirs, dir)
	l.mu.Unlock()
}
