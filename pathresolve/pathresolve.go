// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package pathresolve implements the loader's file search algorithm: given
// a filename, an ordered search path, and a suffix list, it finds the
// first existing regular file and reports the unconsumed tail of the
// search path, so that a subsequent search can resume exactly where this
// one left off.
package pathresolve

import (
	"os"
	"runtime"
	"strings"

	"github.com/grailbio/dynload/dlerr"
	"github.com/grailbio/dynload/log"
)

// DefaultSuffixes is the suffix list callers can pass to FindFile when they
// have none of their own. Generalized from the single ".scm" suffix a
// Scheme-specific loader would hardcode.
var DefaultSuffixes = []string{".scm"}

// Kind classifies a filename by how it bypasses or engages the search
// path.
type Kind int

const (
	// Relative filenames are searched for on the path.
	Relative Kind = iota
	// Home filenames begin with "~" and are expanded, bypassing the
	// search path entirely.
	Home
	// Absolute filenames begin with "/", "./", "../", or (on Windows) a
	// drive letter, and are used verbatim, bypassing the search path.
	Absolute
)

// ClassifyFilename reports how filename should be resolved.
func ClassifyFilename(filename string) Kind {
	switch {
	case strings.HasPrefix(filename, "~"):
		return Home
	case strings.HasPrefix(filename, "/"),
		strings.HasPrefix(filename, "./"),
		strings.HasPrefix(filename, "../"):
		return Absolute
	case runtime.GOOS == "windows" && isDriveLetterPrefixed(filename):
		return Absolute
	default:
		return Relative
	}
}

func isDriveLetterPrefixed(filename string) bool {
	if len(filename) < 2 || filename[1] != ':' {
		return false
	}
	c := filename[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// expandHome expands a POSIX-style "~" or "~user" prefix. Only the bare
// "~" (current user) form is resolved from the environment; "~user" is
// returned unexpanded, matching the narrow expansion the loader actually
// depends on (full user-database lookup is out of scope).
func expandHome(filename string) string {
	if filename == "~" {
		if home, ok := os.LookupEnv("HOME"); ok {
			return home
		}
		return filename
	}
	if strings.HasPrefix(filename, "~/") {
		if home, ok := os.LookupEnv("HOME"); ok {
			return home + filename[1:]
		}
	}
	return filename
}

// statRegular reports whether path names an existing regular file.
func statRegular(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}

// TrySuffixes returns base itself if it names an existing regular file;
// otherwise it tries base+suffix for each suffix in order and returns the
// first hit. It reports false if none exists.
func TrySuffixes(base string, suffixes []string) (string, bool) {
	if statRegular(base) {
		return base, true
	}
	for _, suffix := range suffixes {
		candidate := base + suffix
		if statRegular(candidate) {
			return candidate, true
		}
	}
	return "", false
}

// FindFile implements find-file: it classifies filename, then either
// bypasses the search path (Home/Absolute) or walks paths in order,
// joining each directory with filename and probing it via TrySuffixes.
//
// On a hit, tail is the portion of paths following the directory that
// matched (enabling a subsequent "find next" search to resume there). On
// a total miss, tail is empty. Invalid (empty-string) path elements are
// skipped with a log message rather than failing the search, matching
// spec's "non-string element, skip with warning" rule degenerated to Go's
// statically-typed []string.
func FindFile(filename string, paths []string, suffixes []string, quietIfMissing bool) (found string, tail []string, err error) {
	if filename == "" {
		return "", nil, dlerr.E(dlerr.BadArgument, "find-file: empty filename")
	}
	if len(suffixes) == 0 {
		suffixes = DefaultSuffixes
	}

	switch ClassifyFilename(filename) {
	case Home:
		expanded := expandHome(filename)
		if path, ok := TrySuffixes(expanded, suffixes); ok {
			return path, nil, nil
		}
		return missResult(filename, nil, quietIfMissing)
	case Absolute:
		if path, ok := TrySuffixes(filename, suffixes); ok {
			return path, nil, nil
		}
		return missResult(filename, nil, quietIfMissing)
	}

	for i, dir := range paths {
		if dir == "" {
			log.Info.Printf("pathresolve: skipping empty load-path element at index %d", i)
			continue
		}
		candidate := dir + "/" + filename
		if path, ok := TrySuffixes(candidate, suffixes); ok {
			return path, append([]string(nil), paths[i+1:]...), nil
		}
	}
	return missResult(filename, nil, quietIfMissing)
}

func missResult(filename string, searched []string, quietIfMissing bool) (string, []string, error) {
	if quietIfMissing {
		return "", nil, nil
	}
	return "", nil, dlerr.E(dlerr.FileNotFound, "cannot find file to load: "+filename)
}
