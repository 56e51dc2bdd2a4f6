// Package delta fingerprints extracted records and classifies them against
// what was previously stored.
//
// A fingerprint covers only the fields that carry meaning: title and summary
// after HTML stripping and whitespace collapsing, and the structured data
// with volatile keys (capture timestamps, view counters) removed. Two
// observations that differ only in markup, spacing or volatile keys hash
// the same.
package delta

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
)

// Kind is the classification of one record in one cycle.
type Kind string

const (
	New       Kind = "new"
	Changed   Kind = "changed"
	Unchanged Kind = "unchanged"
	Removed   Kind = "removed"
)

// HashMode selects which parts of a record feed the fingerprint.
type HashMode string

const (
	HashText HashMode = "text" // title + summary
	HashData HashMode = "data" // structured data only
	HashBoth HashMode = "both"
)

// ParseHashMode maps a config string to a HashMode. Empty means HashBoth.
func ParseHashMode(s string) (HashMode, error) {
	switch m := HashMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return HashBoth, nil
	case HashText, HashData, HashBoth:
		return m, nil
	default:
		return "", fmt.Errorf("delta: unknown hash mode %q", s)
	}
}

// DefaultVolatileKeys are data keys excluded from every fingerprint.
var DefaultVolatileKeys = []string{
	"captured_at", "fetched_at", "scraped_at", "timestamp", "views", "view_count",
}

// Record is one item reported by the extraction adapter for a source.
type Record struct {
	NaturalKey string
	Title      string
	Summary    string
	URL        string
	Date       string
	Type       string
	Data       map[string]any
	CapturedAt time.Time
}

// Value is the JSON document stored as a snapshot and evaluated by watches.
func (r Record) Value() map[string]any {
	v := map[string]any{
		"title": r.Title,
		"url":   r.URL,
	}
	if r.Summary != "" {
		v["summary"] = r.Summary
	}
	if r.Date != "" {
		v["date"] = r.Date
	}
	if r.Type != "" {
		v["type"] = r.Type
	}
	if r.Data != nil {
		v["data"] = r.Data
	}
	return v
}

var strict = bluemonday.StrictPolicy()

// NormalizeText strips markup, decodes entities and collapses whitespace.
func NormalizeText(s string) string {
	if s == "" {
		return ""
	}
	text := html.UnescapeString(strict.Sanitize(s))
	return strings.Join(strings.Fields(text), " ")
}

// Hasher computes fingerprints under a fixed mode and volatile-key set.
type Hasher struct {
	mode     HashMode
	volatile map[string]bool
}

// NewHasher builds a Hasher. Extra volatile keys are added to
// DefaultVolatileKeys.
func NewHasher(mode HashMode, extraVolatile ...string) *Hasher {
	if mode == "" {
		mode = HashBoth
	}
	v := make(map[string]bool, len(DefaultVolatileKeys)+len(extraVolatile))
	for _, k := range DefaultVolatileKeys {
		v[k] = true
	}
	for _, k := range extraVolatile {
		v[k] = true
	}
	return &Hasher{mode: mode, volatile: v}
}

// Mode returns the hash mode.
func (h *Hasher) Mode() HashMode { return h.mode }

// canonical is marshalled with encoding/json, which orders map keys, so the
// byte form is stable for equal content.
type canonical struct {
	Title   string `json:"title,omitempty"`
	Summary string `json:"summary,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Fingerprint returns the hex SHA-256 of the record's canonical form.
func (h *Hasher) Fingerprint(r Record) string {
	var c canonical
	if h.mode != HashData {
		c.Title = NormalizeText(r.Title)
		c.Summary = NormalizeText(r.Summary)
	}
	if h.mode != HashText && len(r.Data) > 0 {
		c.Data = h.strip(r.Data)
	}
	b, err := json.Marshal(c)
	if err != nil {
		// Only reachable for non-JSON values placed in Data by callers.
		b = []byte(fmt.Sprintf("%v", c))
	}
	return fmt.Sprintf("%x", sha256.Sum256(b))
}

func (h *Hasher) strip(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if h.volatile[k] {
				continue
			}
			out[k] = h.strip(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = h.strip(val)
		}
		return out
	case string:
		return NormalizeText(t)
	default:
		return v
	}
}

// Prior is the stored state of an entity relevant to classification.
type Prior struct {
	Hash    string
	Removed bool
}

// Classify compares a fresh fingerprint with the stored one. A nil prior
// means the natural key has never been seen for this source.
func Classify(prior *Prior, hash string) Kind {
	switch {
	case prior == nil:
		return New
	case prior.Hash != hash:
		return Changed
	default:
		return Unchanged
	}
}
