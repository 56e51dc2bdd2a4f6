package fieldpath

import (
	"encoding/json"
	"errors"
	"testing"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestParseTokens(t *testing.T) {
	p, err := Parse("data.items[0].price")
	if err != nil {
		t.Fatal(err)
	}
	toks := p.Tokens()
	want := []Token{{Key: "data"}, {Key: "items"}, {Index: 0, IsIndex: true}, {Key: "price"}}
	if len(toks) != len(want) {
		t.Fatalf("tokens = %+v, want %+v", toks, want)
	}
	for i := range want {
		if toks[i] != want[i] {
			t.Errorf("token %d = %+v, want %+v", i, toks[i], want[i])
		}
	}
	if p.String() != "data.items[0].price" {
		t.Errorf("String() = %q", p.String())
	}
}

func TestParseErrors(t *testing.T) {
	// WHAT: Malformed expressions are rejected at parse time.
	// WHY: A watch with a broken path must fail on creation, not silently never fire.
	for _, expr := range []string{"", "a..b", ".a", "a.", "a[", "a[x]", "a[-1]", "a]b", "a[0]b"} {
		if _, err := Parse(expr); !errors.Is(err, ErrSyntax) {
			t.Errorf("Parse(%q) err = %v, want ErrSyntax", expr, err)
		}
	}
}

func TestResolve(t *testing.T) {
	v := decode(t, `{"data":{"items":[{"price":19.99},{"price":"21"}],"name":"x"},"title":"T"}`)

	tests := []struct {
		expr string
		want any
		ok   bool
	}{
		{"title", "T", true},
		{"data.items[0].price", 19.99, true},
		{"data.items[1].price", "21", true},
		{"data.items[2].price", nil, false},
		{"data.missing", nil, false},
		{"data.name[0]", nil, false},
		{"title.sub", nil, false},
	}
	for _, tt := range tests {
		got, ok := MustParse(tt.expr).Resolve(v)
		if ok != tt.ok {
			t.Errorf("%s: ok = %v, want %v", tt.expr, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestResolveNestedIndexes(t *testing.T) {
	v := decode(t, `{"grid":[[1,2],[3,4]]}`)
	got, ok := MustParse("grid[1][0]").Resolve(v)
	if !ok || got != float64(3) {
		t.Fatalf("grid[1][0] = %v, %v; want 3, true", got, ok)
	}
}
