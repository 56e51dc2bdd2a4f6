package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ParseError reports an adapter stream line or result that is not valid
// JSON of the expected shape.
type ParseError struct {
	Line int
	Err  error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("extract: parse line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("extract: parse result: %v", e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Item is one validated record from an extraction result.
type Item struct {
	Key     string         `json:"key,omitempty"`
	Title   string         `json:"title"`
	URL     string         `json:"url"`
	Date    string         `json:"date,omitempty"`
	Summary string         `json:"summary,omitempty"`
	Type    string         `json:"type,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// ParseResult decodes the result of a Complete event. The result may be
// the JSON array itself or a JSON string holding it. Elements that are not
// objects or lack a title or url are dropped and counted.
func ParseResult(raw json.RawMessage) (items []Item, dropped int, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, 0, &ParseError{Err: fmt.Errorf("empty result")}
	}
	if raw[0] == '"' {
		var text string
		if err := json.Unmarshal(raw, &text); err != nil {
			return nil, 0, &ParseError{Err: err}
		}
		raw = bytes.TrimSpace([]byte(text))
	}

	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, 0, &ParseError{Err: fmt.Errorf("result is not a JSON array: %w", err)}
	}

	items = make([]Item, 0, len(elems))
	for _, el := range elems {
		var m map[string]any
		if err := json.Unmarshal(el, &m); err != nil || m == nil {
			dropped++
			continue
		}
		it := Item{
			Key:     str(m["key"]),
			Title:   strings.TrimSpace(str(m["title"])),
			URL:     strings.TrimSpace(str(m["url"])),
			Date:    str(m["date"]),
			Summary: str(m["summary"]),
			Type:    str(m["type"]),
		}
		if d, ok := m["data"].(map[string]any); ok {
			it.Data = d
		}
		if it.Title == "" || it.URL == "" {
			dropped++
			continue
		}
		items = append(items, it)
	}
	return items, dropped, nil
}

func str(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64, bool:
		return fmt.Sprintf("%v", s)
	}
	return ""
}
