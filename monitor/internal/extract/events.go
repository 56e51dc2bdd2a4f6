// Package extract talks to the extraction adapter: it posts a target and
// instructions and decodes the adapter's event stream into typed events
// and, on success, a list of validated items.
package extract

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrStreamEnded is returned when the stream closes before a terminal event.
var ErrStreamEnded = errors.New("extract: stream ended without a terminal event")

// Event is one decoded adapter event: Progress, Complete or Failure.
type Event interface {
	terminal() bool
}

// Progress is an informational event sent while the adapter works.
type Progress struct {
	Message string  `json:"message"`
	Percent float64 `json:"percent"`
}

// Complete carries the raw result text of a successful extraction.
type Complete struct {
	Result json.RawMessage
}

// Failure is a terminal adapter-side error.
type Failure struct {
	Message string
}

func (Progress) terminal() bool { return false }
func (Complete) terminal() bool { return true }
func (Failure) terminal() bool  { return true }

type wireEvent struct {
	Type    string          `json:"type"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Percent float64         `json:"percent"`
	Result  json.RawMessage `json:"result"`
	Error   string          `json:"error"`
}

const maxLine = 16 * 1024 * 1024

// Decode reads newline-delimited JSON events from r and calls fn for each,
// stopping after the first terminal event. Lines prefixed with "data:" are
// accepted so the same loop reads server-sent events; other SSE fields and
// comments are ignored. A malformed line returns a *ParseError.
func Decode(r io.Reader, fn func(Event) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLine)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 || b[0] == ':' {
			continue
		}
		if rest, ok := bytes.CutPrefix(b, []byte("data:")); ok {
			b = bytes.TrimSpace(rest)
		} else if isSSEField(b) {
			continue
		}
		if len(b) == 0 || bytes.Equal(b, []byte("[DONE]")) {
			continue
		}

		var w wireEvent
		if err := json.Unmarshal(b, &w); err != nil {
			return &ParseError{Line: line, Err: err}
		}
		ev, ok := w.event()
		if !ok {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
		if ev.terminal() {
			return nil
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("extract: read stream: %w", err)
	}
	return ErrStreamEnded
}

func (w wireEvent) event() (Event, bool) {
	switch {
	case w.Status == "success" || w.Type == "complete":
		return Complete{Result: w.Result}, true
	case w.Status == "error" || w.Type == "error":
		msg := w.Error
		if msg == "" {
			msg = w.Message
		}
		return Failure{Message: msg}, true
	case w.Type == "progress" || w.Status == "progress":
		return Progress{Message: w.Message, Percent: w.Percent}, true
	}
	return nil, false
}

func isSSEField(b []byte) bool {
	for _, p := range []string{"event:", "id:", "retry:"} {
		if bytes.HasPrefix(b, []byte(p)) {
			return true
		}
	}
	return false
}
