package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/r3d91ll/shuttle/pkg/config"
	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/history"
	"github.com/r3d91ll/shuttle/pkg/record"
)

func newTestServer(t *testing.T, capacity int) (*Server, *history.Store, *httptest.Server) {
	t.Helper()
	store := history.New(capacity)
	s := NewServer(config.Default(), store)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, store, ts
}

func appendRecord(t *testing.T, store *history.Store, step int64) {
	t.Helper()
	b := record.NewBuilder()
	if err := b.AddComponent("resid_post", []float32{1, 2, 3, 4, 5, 6}, []int{2, 3}); err != nil {
		t.Fatalf("AddComponent failed: %v", err)
	}
	rec, err := b.SetToken("tok").SetSeqLen(2).Build(step)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if err := store.Append(rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

func decodeResponse(t *testing.T, resp *http.Response, data interface{}) *APIResponse {
	t.Helper()
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	var wrapper APIResponse
	if err := json.Unmarshal(body, &wrapper); err != nil {
		t.Fatalf("failed to decode response %q: %v", body, err)
	}
	if data != nil && wrapper.Data != nil {
		raw, _ := json.Marshal(wrapper.Data)
		if err := json.Unmarshal(raw, data); err != nil {
			t.Fatalf("failed to decode data: %v", err)
		}
	}
	return &wrapper
}

func TestHealthEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, 8)

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status %d, want 200", resp.StatusCode)
	}
	var data map[string]string
	decodeResponse(t, resp, &data)
	if data["status"] != "ok" {
		t.Errorf("health payload %v", data)
	}
}

func TestStatusEndpoint(t *testing.T) {
	_, store, ts := newTestServer(t, 8)
	appendRecord(t, store, 0)
	appendRecord(t, store, 1)

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("GET /api/status failed: %v", err)
	}
	var status StatusResponse
	decodeResponse(t, resp, &status)

	if status.HistoryLen != 2 {
		t.Errorf("historyLen %d, want 2", status.HistoryLen)
	}
	if status.Oldest != 0 || status.Newest != 1 || status.Empty {
		t.Errorf("range [%d, %d] empty=%v", status.Oldest, status.Newest, status.Empty)
	}
	if status.Sessions != 0 {
		t.Errorf("sessions %d, want 0", status.Sessions)
	}
}

func TestHistoryRangeEndpoint(t *testing.T) {
	_, store, ts := newTestServer(t, 4)

	resp, err := http.Get(ts.URL + "/api/history/range")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var empty RangePayload
	decodeResponse(t, resp, &empty)
	if !empty.Empty {
		t.Error("expected empty range before any appends")
	}

	// Overflow the capacity so the range reflects eviction.
	for step := int64(0); step <= 5; step++ {
		appendRecord(t, store, step)
	}

	resp, err = http.Get(ts.URL + "/api/history/range")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	var rng RangePayload
	decodeResponse(t, resp, &rng)
	if rng.Oldest != 2 || rng.Newest != 5 || rng.Empty {
		t.Errorf("range payload %+v, want [2, 5]", rng)
	}
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	return resp
}

func TestIngestEndpoint(t *testing.T) {
	_, store, ts := newTestServer(t, 8)

	req := IngestRequest{
		Step:   0,
		Token:  "cat",
		SeqLen: 1,
		Components: []IngestComponent{
			{ID: "attn_out", Data: []float32{3, 4}, Shape: []int{2}},
		},
	}
	resp := postJSON(t, ts.URL+"/api/records", req)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status %d, want 201", resp.StatusCode)
	}
	var rng RangePayload
	decodeResponse(t, resp, &rng)
	if rng.Oldest != 0 || rng.Newest != 0 {
		t.Errorf("range payload %+v after first ingest", rng)
	}

	rec, err := store.Get(0)
	if err != nil {
		t.Fatalf("ingested record not resident: %v", err)
	}
	if rec.Meta().Token != "cat" {
		t.Errorf("token %q, want cat", rec.Meta().Token)
	}
	// Macro magnitude of a 3-4-5 triangle.
	if m := rec.Macro(); len(m) != 1 || m[0] != 5 {
		t.Errorf("macro %v, want [5]", m)
	}
}

func TestIngestRejectsShapeMismatch(t *testing.T) {
	_, _, ts := newTestServer(t, 8)

	req := IngestRequest{
		Step: 0,
		Components: []IngestComponent{
			{ID: "attn_out", Data: []float32{1, 2, 3}, Shape: []int{2, 2}},
		},
	}
	resp := postJSON(t, ts.URL+"/api/records", req)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}

func TestIngestRejectsNonMonotonicStep(t *testing.T) {
	_, store, ts := newTestServer(t, 8)
	appendRecord(t, store, 5)

	req := IngestRequest{
		Step: 5,
		Components: []IngestComponent{
			{ID: "attn_out", Data: []float32{1}, Shape: []int{1}},
		},
	}
	resp := postJSON(t, ts.URL+"/api/records", req)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status %d, want 409", resp.StatusCode)
	}
	wrapper := decodeResponse(t, resp, nil)
	if wrapper.Error == nil || wrapper.Error.Code != errors.ErrStepNotMonotonic {
		t.Errorf("error %+v, want STEP_NOT_MONOTONIC", wrapper.Error)
	}
}

func TestIngestRejectsEmptyRecord(t *testing.T) {
	_, _, ts := newTestServer(t, 8)

	resp := postJSON(t, ts.URL+"/api/records", IngestRequest{Step: 0})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	_, _, ts := newTestServer(t, 8)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d, want 200", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	if !strings.Contains(string(body), "shuttle_history_size") {
		t.Error("metrics exposition missing shuttle collectors")
	}
}

func TestUnknownRoute(t *testing.T) {
	_, _, ts := newTestServer(t, 8)

	resp, err := http.Get(ts.URL + "/api/nope")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}
