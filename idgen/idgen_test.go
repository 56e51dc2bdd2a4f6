package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d", len(id))
	}
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts, got %d in %q", len(parts), id)
	}
	if id[14] != '7' {
		t.Fatalf("UUIDv7: version nibble = %q, want 7", id[14])
	}
}

func TestUUIDv7_Uniqueness(t *testing.T) {
	gen := UUIDv7()
	seen := make(map[string]struct{}, 500)
	for i := 0; i < 500; i++ {
		id := gen()
		if _, ok := seen[id]; ok {
			t.Fatalf("UUIDv7: duplicate at iteration %d", i)
		}
		seen[id] = struct{}{}
	}
}

func TestPrefixed(t *testing.T) {
	id := Prefixed("run_", UUIDv7())()
	if !strings.HasPrefix(id, "run_") {
		t.Fatalf("Prefixed: %q missing prefix", id)
	}
	if len(id) != len("run_")+36 {
		t.Fatalf("Prefixed: unexpected length %d", len(id))
	}
}

func TestFromKey_Stable(t *testing.T) {
	// WHAT: The same (source, key) pair always yields the same id.
	// WHY: Entity rows are addressed by this id across scrape cycles.
	a := FromKey("src-1", "https://example.com/item/1")
	b := FromKey("src-1", "https://example.com/item/1")
	if a != b {
		t.Fatalf("FromKey not stable: %q vs %q", a, b)
	}
	if _, err := Parse(a); err != nil {
		t.Fatalf("FromKey produced invalid UUID %q: %v", a, err)
	}
}

func TestFromKey_SeparatesParts(t *testing.T) {
	// WHAT: Part boundaries matter.
	// WHY: ("a","bc") and ("ab","c") are different entities.
	if FromKey("a", "bc") == FromKey("ab", "c") {
		t.Fatal("FromKey collides on shifted part boundary")
	}
	if FromKey("src-1", "k") == FromKey("src-2", "k") {
		t.Fatal("FromKey collides across sources")
	}
}

func TestParse(t *testing.T) {
	if _, err := Parse("not-a-uuid"); err == nil {
		t.Fatal("expected error for invalid UUID")
	}
	id := New()
	got, err := Parse(strings.ToUpper(id))
	if err != nil {
		t.Fatal(err)
	}
	if got != id {
		t.Fatalf("Parse canonical form = %q, want %q", got, id)
	}
}
