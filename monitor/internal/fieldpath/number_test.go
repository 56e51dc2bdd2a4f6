package fieldpath

import "testing"

func TestNumber(t *testing.T) {
	tests := []struct {
		in   any
		want string
		ok   bool
	}{
		{float64(19.99), "19.99", true},
		{42, "42", true},
		{"100", "100", true},
		{"$1,299.00", "1299", true},
		{"1,299.00", "1299", true},
		{"1.299,00 €", "1299", true},
		{"999,00 €", "999", true},
		{"12,5", "12.5", true},
		{"1,299", "1299", true},
		{"1.299.000", "1299000", true},
		{"€ 12.5", "12.5", true},
		{"12%", "12", true},
		{"-3,5", "-3.5", true},
		{"", "", false},
		{"n/a", "", false},
		{"1,2.3,4", "", false},
		{true, "", false},
		{nil, "", false},
		{map[string]any{}, "", false},
	}
	for _, tt := range tests {
		got, ok := Number(tt.in)
		if ok != tt.ok {
			t.Errorf("Number(%#v) ok = %v, want %v", tt.in, ok, tt.ok)
			continue
		}
		if ok && got.String() != tt.want {
			t.Errorf("Number(%#v) = %s, want %s", tt.in, got.String(), tt.want)
		}
	}
}

func TestNumericRejectsStrings(t *testing.T) {
	// WHAT: Numeric accepts JSON numbers only.
	// WHY: Watch conditions compare numbers; a price string is not one.
	for _, in := range []any{"10", "$20", "1.299,00 €"} {
		if _, ok := Numeric(in); ok {
			t.Errorf("Numeric(%q) accepted a string", in)
		}
	}
	if d, ok := Numeric(float64(10)); !ok || d.String() != "10" {
		t.Errorf("Numeric(10) = %s %v", d, ok)
	}
}
