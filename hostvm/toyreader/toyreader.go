// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache-2.0
// license that can be found in the LICENSE file.

// Package toyreader is a minimal, deliberately non-faithful S-expression
// reader and evaluator. It exists only to give cmd/dynload-repl and the
// module's own integration tests a concrete hostvm.Reader/hostvm.Evaluator
// pair to drive; it understands just enough syntax to exercise provide,
// require, define, and dynamic-load forms, and is not a real Scheme
// reader.
package toyreader

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/grailbio/dynload/hostvm"
)

// Expr is either a string (a symbol or string literal), a float64 (a
// number), or a *List (a parenthesized form).
type List struct {
	Items []hostvm.Expr
}

// Reader reads one parenthesized form, or one atom, per call. The
// hostvm.Reader contract hands ReadExpr the same stream on every call
// within a session, so Reader keeps one bufio.Reader per underlying
// io.Reader (keyed by identity) instead of wrapping a fresh one each time,
// which would silently drop whatever the previous call's buffer had
// already read ahead.
type Reader struct {
	mu   sync.Mutex
	bufs map[io.Reader]*bufio.Reader
}

// NewReader returns a ready-to-use Reader.
func NewReader() *Reader {
	return &Reader{bufs: make(map[io.Reader]*bufio.Reader)}
}

func (rd *Reader) ReadExpr(r io.Reader, opts hostvm.ReadOptions) (hostvm.Expr, error) {
	br := rd.bufReader(r)
	tok, err := nextToken(br)
	if err != nil {
		return nil, err
	}
	return readForm(br, tok)
}

// bufReader returns the bufio.Reader associated with r, creating one on
// first use. Entries are never evicted; this is acceptable for a reader
// used only in tests and the demo binary, each of which reads a bounded
// number of short-lived streams.
func (rd *Reader) bufReader(r io.Reader) *bufio.Reader {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if br, ok := rd.bufs[r]; ok {
		return br
	}
	br := bufio.NewReader(r)
	rd.bufs[r] = br
	return br
}

func readForm(br *bufio.Reader, tok string) (hostvm.Expr, error) {
	if tok == "(" {
		var items []hostvm.Expr
		for {
			next, err := nextToken(br)
			if err != nil {
				return nil, fmt.Errorf("toyreader: unexpected EOF in list")
			}
			if next == ")" {
				return &List{Items: items}, nil
			}
			item, err := readForm(br, next)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
	}
	if tok == ")" {
		return nil, fmt.Errorf("toyreader: unexpected )")
	}
	if n, err := strconv.ParseFloat(tok, 64); err == nil {
		return n, nil
	}
	// A string literal keeps its quotes so that Eval can tell it apart
	// from a symbol.
	return tok, nil
}

// nextToken skips whitespace and line comments (";" to end of line) and
// returns the next atom or paren.
func nextToken(br *bufio.Reader) (string, error) {
	for {
		c, _, err := br.ReadRune()
		if err != nil {
			return "", err
		}
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			continue
		case c == ';':
			for {
				c, _, err := br.ReadRune()
				if err != nil || c == '\n' {
					break
				}
			}
			continue
		case c == '(' || c == ')':
			return string(c), nil
		case c == '"':
			var sb strings.Builder
			sb.WriteRune('"')
			for {
				c, _, err := br.ReadRune()
				if err != nil {
					return "", fmt.Errorf("toyreader: unterminated string")
				}
				sb.WriteRune(c)
				if c == '"' {
					return sb.String(), nil
				}
			}
		default:
			var sb strings.Builder
			sb.WriteRune(c)
			for {
				c, _, err := br.ReadRune()
				if err != nil {
					return sb.String(), nil
				}
				if c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '(' || c == ')' || c == ';' {
					br.UnreadRune()
					return sb.String(), nil
				}
				sb.WriteRune(c)
			}
		}
	}
}

// Host is the set of operations Eval delegates the special forms
// (provide, require, dynamic-load) to; it lets the integration tests wire
// toyreader to the real loader.Subsystem without this package importing
// it (which would be a layering inversion: the out-of-scope seam
// importing the in-scope subsystem).
type Host interface {
	Require(ctx context.Context, feature string) error
	Provide(feature string) string
	DynamicLoad(ctx context.Context, filename string) error
}

// Evaluator evaluates toyreader expressions: (define sym val), (provide
// "f"), (require "f"), (dynamic-load "lib"), numeric/string literals
// self-evaluate, and a bare symbol looks itself up in mod.
type Evaluator struct {
	Host Host
}

func (e Evaluator) Eval(ctx context.Context, expr hostvm.Expr, mod hostvm.Module) (hostvm.Value, error) {
	switch v := expr.(type) {
	case nil:
		return nil, nil
	case float64:
		return v, nil
	case string:
		if strings.HasPrefix(v, `"`) {
			return strings.Trim(v, `"`), nil
		}
		if val, ok := mod.Lookup(v); ok {
			return val, nil
		}
		return nil, fmt.Errorf("toyreader: unbound symbol %q", v)
	case *List:
		return e.evalList(ctx, v, mod)
	default:
		return nil, fmt.Errorf("toyreader: unknown expression type %T", expr)
	}
}

func (e Evaluator) evalList(ctx context.Context, list *List, mod hostvm.Module) (hostvm.Value, error) {
	if len(list.Items) == 0 {
		return nil, nil
	}
	head, _ := list.Items[0].(string)
	switch head {
	case "define":
		if len(list.Items) != 3 {
			return nil, fmt.Errorf("toyreader: define wants 2 args")
		}
		sym, _ := list.Items[1].(string)
		val, err := e.Eval(ctx, list.Items[2], mod)
		if err != nil {
			return nil, err
		}
		mod.Define(sym, val)
		return val, nil
	case "provide":
		name, err := e.stringArg(ctx, list, mod)
		if err != nil {
			return nil, err
		}
		return e.Host.Provide(name), nil
	case "require":
		name, err := e.stringArg(ctx, list, mod)
		if err != nil {
			return nil, err
		}
		return nil, e.Host.Require(ctx, name)
	case "dynamic-load":
		name, err := e.stringArg(ctx, list, mod)
		if err != nil {
			return nil, err
		}
		return nil, e.Host.DynamicLoad(ctx, name)
	default:
		// Unknown head: evaluate each item for side effects, return the
		// last value. This keeps the toy evaluator from failing on forms
		// it doesn't specifically implement.
		var last hostvm.Value
		for _, item := range list.Items {
			v, err := e.Eval(ctx, item, mod)
			if err != nil {
				return nil, err
			}
			last = v
		}
		return last, nil
	}
}

func (e Evaluator) stringArg(ctx context.Context, list *List, mod hostvm.Module) (string, error) {
	if len(list.Items) != 2 {
		return "", fmt.Errorf("toyreader: %v wants exactly one argument", list.Items[0])
	}
	v, err := e.Eval(ctx, list.Items[1], mod)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("toyreader: expected string argument, got %T", v)
	}
	return s, nil
}
