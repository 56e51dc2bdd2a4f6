// Package fieldpath parses and resolves dotted field paths such as
// "data.items[0].price" against decoded JSON values.
package fieldpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax is returned by Parse for malformed paths.
var ErrSyntax = errors.New("fieldpath: syntax error")

// Token is one step of a path: a map key or a slice index.
type Token struct {
	Key     string
	Index   int
	IsIndex bool
}

// Path is a parsed field path. The zero Path resolves to the root value.
type Path struct {
	raw    string
	tokens []Token
}

// Parse parses expr. Keys are separated by '.', indexes are written as
// [n] and may follow a key or another index.
func Parse(expr string) (Path, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return Path{}, fmt.Errorf("%w: empty path", ErrSyntax)
	}

	var tokens []Token
	i := 0
	expectKey := true
	for i < len(expr) {
		switch c := expr[i]; {
		case c == '[':
			end := strings.IndexByte(expr[i:], ']')
			if end < 0 {
				return Path{}, fmt.Errorf("%w: unclosed '[' at %d in %q", ErrSyntax, i, expr)
			}
			n, err := strconv.Atoi(expr[i+1 : i+end])
			if err != nil || n < 0 {
				return Path{}, fmt.Errorf("%w: bad index %q in %q", ErrSyntax, expr[i+1:i+end], expr)
			}
			tokens = append(tokens, Token{Index: n, IsIndex: true})
			i += end + 1
			expectKey = false
		case c == '.':
			if expectKey {
				return Path{}, fmt.Errorf("%w: empty segment at %d in %q", ErrSyntax, i, expr)
			}
			i++
			expectKey = true
			if i == len(expr) {
				return Path{}, fmt.Errorf("%w: trailing '.' in %q", ErrSyntax, expr)
			}
		case c == ']':
			return Path{}, fmt.Errorf("%w: unexpected ']' at %d in %q", ErrSyntax, i, expr)
		default:
			if !expectKey {
				return Path{}, fmt.Errorf("%w: missing '.' before key at %d in %q", ErrSyntax, i, expr)
			}
			j := i
			for j < len(expr) && expr[j] != '.' && expr[j] != '[' && expr[j] != ']' {
				j++
			}
			tokens = append(tokens, Token{Key: expr[i:j]})
			i = j
			expectKey = false
		}
	}
	return Path{raw: expr, tokens: tokens}, nil
}

// MustParse is Parse that panics on error. For constant paths only.
func MustParse(expr string) Path {
	p, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// String returns the expression the path was parsed from.
func (p Path) String() string { return p.raw }

// Tokens returns a copy of the parsed tokens.
func (p Path) Tokens() []Token {
	out := make([]Token, len(p.tokens))
	copy(out, p.tokens)
	return out
}

// Resolve walks v along the path. It reports false when any step is
// missing, out of range, or applied to a value of the wrong shape.
func (p Path) Resolve(v any) (any, bool) {
	cur := v
	for _, t := range p.tokens {
		if t.IsIndex {
			arr, ok := cur.([]any)
			if !ok || t.Index >= len(arr) {
				return nil, false
			}
			cur = arr[t.Index]
			continue
		}
		switch m := cur.(type) {
		case map[string]any:
			next, ok := m[t.Key]
			if !ok {
				return nil, false
			}
			cur = next
		case map[string]string:
			next, ok := m[t.Key]
			if !ok {
				return nil, false
			}
			cur = next
		default:
			return nil, false
		}
	}
	return cur, true
}
