package monitor

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/vigie/kit"
	"github.com/hazyhaar/vigie/monitor/internal/store"
)

func newTestServer(t *testing.T, h *harness) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Use(kit.HTTPContext)
	h.svc.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, url, body string, header ...string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

func TestHTTP_SourceLifecycle(t *testing.T) {
	// WHAT: Sources are created, checked, listed and removed over HTTP.
	// WHY: The HTTP surface is what dashboards and scripts use.
	h := setupTestService(t)
	srv := newTestServer(t, h)

	resp, body := do(t, "POST", srv.URL+"/api/sources",
		`{"name":"Shop","target":"https://shop.example/catalog","interval_minutes":60}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create: %d %s", resp.StatusCode, body)
	}
	var src store.Source
	if err := json.Unmarshal(body, &src); err != nil {
		t.Fatal(err)
	}

	resp, body = do(t, "POST", srv.URL+"/api/sources", `{"name":"Dup","target":"https://shop.example/catalog/"}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate: %d %s", resp.StatusCode, body)
	}

	h.fx.set(src.Target, item("Widget", "https://shop.example/widget", price(3)))
	resp, body = do(t, "POST", srv.URL+"/api/sources/"+src.ID+"/check", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("check: %d %s", resp.StatusCode, body)
	}
	var res CheckResult
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatal(err)
	}
	if res.Run == nil || res.Run.NewCount != 1 {
		t.Fatalf("check result: %s", body)
	}

	resp, body = do(t, "GET", srv.URL+"/api/sources/"+src.ID+"/entities?status=active", "")
	var ents []store.Entity
	json.Unmarshal(body, &ents)
	if resp.StatusCode != http.StatusOK || len(ents) != 1 {
		t.Fatalf("entities: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, "GET", srv.URL+"/api/entities/"+ents[0].ID+"?field=data.price", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"trend"`) {
		t.Fatalf("entity: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, "GET", srv.URL+"/api/sources/"+src.ID+"/runs?limit=5", "")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), `"success_rate":1`) {
		t.Fatalf("runs: %d %s", resp.StatusCode, body)
	}

	resp, _ = do(t, "PUT", srv.URL+"/api/sources/"+src.ID, `{"interval_minutes":120}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update: %d", resp.StatusCode)
	}
	got, _ := h.svc.GetSource(t.Context(), src.ID)
	if got.IntervalMinutes != 120 || got.Name != "Shop" || !got.Enabled {
		t.Fatalf("partial update: %+v", got)
	}

	resp, _ = do(t, "DELETE", srv.URL+"/api/sources/"+src.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete: %d", resp.StatusCode)
	}
}

func TestHTTP_ErrorMapping(t *testing.T) {
	// WHAT: Service errors map to 404, 400 and 409.
	// WHY: Callers branch on status codes, not on messages.
	h := setupTestService(t)
	srv := newTestServer(t, h)

	cases := []struct {
		method, path, body string
		want               int
	}{
		{"GET", "/api/entities/nope", "", http.StatusNotFound},
		{"GET", "/api/sources/nope", "", http.StatusNotFound},
		{"POST", "/api/sources", `{"name":`, http.StatusBadRequest},
		{"POST", "/api/sources", `{"name":"x"}`, http.StatusBadRequest},
		{"DELETE", "/api/jobs/nope", "", http.StatusNotFound},
		{"POST", "/api/jobs/nope/resume", "", http.StatusNotFound},
		{"GET", "/api/preferences/nobody", "", http.StatusNotFound},
		{"POST", "/api/jobs", `{"target_id":"x","kind":"reindex"}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, body := do(t, tc.method, srv.URL+tc.path, tc.body)
		if resp.StatusCode != tc.want {
			t.Errorf("%s %s: got %d, want %d (%s)", tc.method, tc.path, resp.StatusCode, tc.want, body)
		}
	}
}

func TestHTTP_WatchUsesRecipientHeader(t *testing.T) {
	// WHAT: A watch created without recipient_id takes the X-Recipient-ID header.
	// WHY: Callers authenticated upstream identify themselves by header.
	h := setupTestService(t)
	srv := newTestServer(t, h)
	src := h.addSource(t, "Shop", "https://shop.example/catalog")
	h.fx.set(src.Target, item("Widget", "https://shop.example/widget", price(3)))
	mustCheck(t, h, src.ID)
	entityID := store.EntityID(src.ID, "https://shop.example/widget")

	resp, body := do(t, "POST", srv.URL+"/api/watches",
		`{"entity_id":"`+entityID+`","field_path":"data.price","condition":"increase"}`,
		kit.RecipientHeader, "carol")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create watch: %d %s", resp.StatusCode, body)
	}
	var w store.Watch
	json.Unmarshal(body, &w)
	if w.RecipientID != "carol" {
		t.Fatalf("recipient: %q", w.RecipientID)
	}

	resp, body = do(t, "PUT", srv.URL+"/api/preferences/carol",
		`{"routes":[{"channel":"test","address":"x"}]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put preference: %d %s", resp.StatusCode, body)
	}
	resp, _ = do(t, "DELETE", srv.URL+"/api/watches/"+w.ID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel watch: %d", resp.StatusCode)
	}
}
