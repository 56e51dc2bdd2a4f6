// Package idgen generates identifiers for vigie records.
//
// Run, snapshot, watch and job ids are time-sortable UUIDv7 strings, usually
// behind a short type prefix ("run_", "snap_"). Entity ids are derived from
// the owning source and the entity's natural key so that the same record
// observed twice always maps to the same row.
package idgen

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUID strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends a fixed prefix to every id produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Default is the generator used by New.
var Default Generator = UUIDv7()

// New produces an id with the Default generator.
func New() string {
	return Default()
}

// entityNamespace scopes key-derived ids so they never collide with ids
// derived by other tools from the same strings.
var entityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://vigie.hazyhaar.dev/entity"))

// FromKey derives a stable UUIDv5 from the given parts. The parts are joined
// with a NUL separator, so ("a", "bc") and ("ab", "c") differ.
func FromKey(parts ...string) string {
	return uuid.NewSHA1(entityNamespace, []byte(strings.Join(parts, "\x00"))).String()
}

// Parse validates a UUID string and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
