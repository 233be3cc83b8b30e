// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

package codingport_test

import (
	"io"
	"strings"
	"testing"

	"github.com/grailbio/dynload/loadsession/codingport"
)

func TestWrapNoDeclaration(t *testing.T) {
	in := "(define x 1)\n(display x)\n"
	r, err := codingport.Wrap(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(out) != in {
		t.Errorf("got %q, want %q", out, in)
	}
}

func TestWrapUnknownCoding(t *testing.T) {
	in := ";; coding: not-a-real-encoding\n(define x 1)\n"
	r, err := codingport.Wrap(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(out) != in {
		t.Errorf("unknown coding should pass through unmodified: got %q", out)
	}
}

func TestWrapUTF8Declaration(t *testing.T) {
	in := ";; -*- coding: utf-8 -*-\n(define x \"hi\")\n"
	r, err := codingport.Wrap(strings.NewReader(in))
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(out) != in {
		t.Errorf("utf-8 round trip should be unmodified: got %q", out)
	}
}
