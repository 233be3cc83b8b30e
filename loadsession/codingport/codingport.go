// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package codingport implements a coding-aware decoder, mirroring
// Gauche's coding-aware-port: it sniffs a ";; coding: xxx" (or
// ";; -*- coding: xxx -*-") declaration on the first two lines of a
// stream and transcodes the remainder accordingly.
package codingport

import (
	"bufio"
	"io"
	"regexp"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
)

var codingDeclaration = regexp.MustCompile(`coding:\s*["']?([\w.-]+)["']?`)

// Wrap returns a reader that transcodes r according to any coding
// declaration found on its first two lines. If no declaration is found,
// or the named encoding is not recognized, the original bytes (including
// the sniffed prefix) are returned unmodified.
func Wrap(r io.Reader) (io.Reader, error) {
	br := bufio.NewReader(r)
	var prefix strings.Builder
	for i := 0; i < 2; i++ {
		line, err := br.ReadString('\n')
		prefix.WriteString(line)
		if err != nil {
			break
		}
	}

	rest := io.MultiReader(strings.NewReader(prefix.String()), br)

	name := sniff(prefix.String())
	if name == "" {
		return rest, nil
	}
	enc, err := htmlindex.Get(name)
	if err != nil {
		return rest, nil
	}
	return enc.NewDecoder().Reader(rest), nil
}

func sniff(prefix string) string {
	for _, line := range strings.SplitAfter(prefix, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, ";;") {
			continue
		}
		if m := codingDeclaration.FindStringSubmatch(trimmed); m != nil {
			return m[1]
		}
	}
	return ""
}
