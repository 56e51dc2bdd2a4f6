package extract

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func collect(t *testing.T, stream string) ([]Event, error) {
	t.Helper()
	var evs []Event
	err := Decode(strings.NewReader(stream), func(ev Event) error {
		evs = append(evs, ev)
		return nil
	})
	return evs, err
}

func TestDecodeNDJSON(t *testing.T) {
	stream := `{"type":"progress","message":"loading","percent":10}
{"type":"progress","message":"parsing","percent":80}

{"status":"success","result":"[]"}
{"type":"progress","message":"after terminal"}
`
	evs, err := collect(t, stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 3 {
		t.Fatalf("events = %d, want 3 (stop at terminal)", len(evs))
	}
	if p, ok := evs[1].(Progress); !ok || p.Percent != 80 {
		t.Fatalf("second event = %#v", evs[1])
	}
	if _, ok := evs[2].(Complete); !ok {
		t.Fatalf("last event = %#v", evs[2])
	}
}

func TestDecodeSSE(t *testing.T) {
	// WHAT: data:-prefixed lines decode like NDJSON; other SSE fields are skipped.
	// WHY: Adapters may stream through an SSE endpoint.
	stream := ": keepalive\nevent: message\ndata: {\"type\":\"progress\",\"message\":\"x\"}\n\nid: 2\ndata: {\"status\":\"error\",\"error\":\"blocked\"}\n\n"
	evs, err := collect(t, stream)
	if err != nil {
		t.Fatal(err)
	}
	if len(evs) != 2 {
		t.Fatalf("events = %d", len(evs))
	}
	if f, ok := evs[1].(Failure); !ok || f.Message != "blocked" {
		t.Fatalf("terminal = %#v", evs[1])
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := collect(t, `{"type":"progress"}`+"\n")
	if !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("err = %v, want ErrStreamEnded", err)
	}
	_, err = collect(t, "{\"type\":\"progress\"}\nnot json\n")
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Line != 2 {
		t.Fatalf("err = %v, want ParseError on line 2", err)
	}
}

func TestParseResult(t *testing.T) {
	raw := json.RawMessage(`"[{\"title\":\"A\",\"url\":\"https://a\",\"summary\":\"s\",\"data\":{\"price\":10}},{\"title\":\"\",\"url\":\"https://b\"},{\"title\":\"C\"},42,{\"title\":\"D\",\"url\":\"https://d\",\"date\":\"2026-01-01\"}]"`)
	items, dropped, err := ParseResult(raw)
	if err != nil {
		t.Fatal(err)
	}
	if dropped != 3 {
		t.Fatalf("dropped = %d, want 3", dropped)
	}
	if len(items) != 2 || items[0].Title != "A" || items[0].Data["price"] != 10.0 || items[1].Date != "2026-01-01" {
		t.Fatalf("items = %+v", items)
	}

	items, _, err = ParseResult(json.RawMessage(`[{"title":"X","url":"https://x"}]`))
	if err != nil || len(items) != 1 {
		t.Fatalf("bare array: %v %v", items, err)
	}
}

func TestParseResultNotArray(t *testing.T) {
	for _, raw := range []string{`"{\"title\":\"x\"}"`, `"oops"`, ``, `null`, `{"a":1}`} {
		_, _, err := ParseResult(json.RawMessage(raw))
		var pe *ParseError
		if !errors.As(err, &pe) {
			t.Errorf("ParseResult(%s) err = %v, want ParseError", raw, err)
		}
	}
}

func TestClientExtract(t *testing.T) {
	var got wireRequest
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/x-ndjson")
		w.Write([]byte(`{"type":"progress","message":"go","percent":50}` + "\n"))
		w.Write([]byte(`{"status":"success","result":"[{\"title\":\"Pro\",\"url\":\"https://p\"},{\"url\":\"https://bad\"}]"}` + "\n"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithToken("tok"), WithHTTPClient(srv.Client()))
	res, err := c.Extract(context.Background(), Request{Target: "https://shop", Instructions: "prices", Timeout: 90 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if got.Target != "https://shop" || got.Instructions != "prices" || got.TimeoutMs != 90000 {
		t.Fatalf("request = %+v", got)
	}
	if auth != "Bearer tok" {
		t.Fatalf("auth = %q", auth)
	}
	if len(res.Items) != 1 || res.Dropped != 1 || len(res.Progress) != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestClientAdapterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"status":"error","error":"captcha"}` + "\n"))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Extract(context.Background(), Request{Target: "x"})
	var ae *AdapterError
	if !errors.As(err, &ae) || ae.Message != "captcha" {
		t.Fatalf("err = %v", err)
	}
}

func TestClientHTTPStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL).Extract(context.Background(), Request{Target: "x"}); err == nil {
		t.Fatal("expected error on 503")
	}
}

func TestClientTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL).Extract(ctx, Request{Target: "x"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}
