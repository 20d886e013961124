package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mkrh/fleetd/internal/orchestrator"
	"github.com/mkrh/fleetd/internal/pool"
	"github.com/mkrh/fleetd/internal/queue"
	"go.uber.org/zap"
)

// newTestHandler wires a handler over in-memory leaves; no database,
// no redis, loops not started.
func newTestHandler(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	logger := zap.NewNop()

	q := queue.New(nil, logger)
	p := pool.New(pool.DefaultConfig(), nil, nil, logger)
	orch := orchestrator.New(q, p, orchestrator.DefaultConfig(), nil, logger)

	h := NewHandler(orch, nil, logger)
	return h, h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
	if body["service"] != "fleetd" {
		t.Errorf("expected service fleetd, got %q", body["service"])
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	// Register a worker
	resp := postJSON(t, ts, "/api/workers", map[string]interface{}{
		"id":   "w1",
		"type": "generic",
	})
	if resp.StatusCode != 201 {
		t.Fatalf("register: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Submit a task
	resp = postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"title":    "scan repo",
		"priority": "high",
	})
	if resp.StatusCode != 201 {
		t.Fatalf("submit: expected 201, got %d", resp.StatusCode)
	}
	var submitted map[string]string
	decodeJSON(t, resp, &submitted)
	taskID := submitted["task_id"]
	if taskID == "" {
		t.Fatal("no task_id returned")
	}

	// Worker asks for work
	resp = postJSON(t, ts, "/api/workers/w1/assign", map[string]interface{}{})
	if resp.StatusCode != 200 {
		t.Fatalf("assign: expected 200, got %d", resp.StatusCode)
	}
	var assignment struct {
		TaskID   string `json:"task_id"`
		Priority string `json:"priority"`
	}
	decodeJSON(t, resp, &assignment)
	if assignment.TaskID != taskID || assignment.Priority != "high" {
		t.Errorf("assignment = %+v", assignment)
	}

	// Empty queue yields 204
	resp = postJSON(t, ts, "/api/workers/w1/assign", map[string]interface{}{})
	if resp.StatusCode != 204 {
		t.Errorf("assign on empty queue: expected 204, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Complete the task
	resp = postJSON(t, ts, "/api/tasks/"+taskID+"/complete", map[string]interface{}{
		"worker_id": "w1",
		"result":    map[string]interface{}{"units_fixed": 3},
	})
	if resp.StatusCode != 200 {
		t.Fatalf("complete: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// Task status reflects completion
	resp = getJSON(t, ts, "/api/tasks/"+taskID)
	if resp.StatusCode != 200 {
		t.Fatalf("get task: expected 200, got %d", resp.StatusCode)
	}
	var snap struct {
		Status string `json:"status"`
	}
	decodeJSON(t, resp, &snap)
	if snap.Status != "completed" {
		t.Errorf("task status = %q, want completed", snap.Status)
	}
}

func TestFailTaskOverHTTP(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	postJSON(t, ts, "/api/workers", map[string]interface{}{"id": "w1", "type": "generic"}).Body.Close()
	resp := postJSON(t, ts, "/api/tasks", map[string]interface{}{"title": "flaky"})
	var submitted map[string]string
	decodeJSON(t, resp, &submitted)
	taskID := submitted["task_id"]

	postJSON(t, ts, "/api/workers/w1/assign", map[string]interface{}{}).Body.Close()

	resp = postJSON(t, ts, "/api/tasks/"+taskID+"/fail", map[string]interface{}{
		"worker_id": "w1",
		"error":     "boom",
	})
	if resp.StatusCode != 200 {
		t.Fatalf("fail: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/tasks/"+taskID)
	var snap struct {
		Status   string `json:"status"`
		Priority string `json:"priority"`
	}
	decodeJSON(t, resp, &snap)
	if snap.Status != "queued" || snap.Priority != "high" {
		t.Errorf("after fail: %+v, want queued/high", snap)
	}

	// Failing it again from the wrong worker is a conflict.
	resp = postJSON(t, ts, "/api/tasks/"+taskID+"/fail", map[string]interface{}{
		"worker_id": "w2",
		"error":     "boom",
	})
	if resp.StatusCode != 409 {
		t.Errorf("fail from wrong worker: expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSubmitValidation(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"title":    "bad",
		"priority": "urgent",
	})
	if resp.StatusCode != 400 {
		t.Errorf("bad priority: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/tasks", map[string]interface{}{
		"title":           "bad",
		"timeout_seconds": -5,
	})
	if resp.StatusCode != 400 {
		t.Errorf("negative timeout: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestGetUnknownTask(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/tasks/nope")
	if resp.StatusCode != 404 {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestStatusEndpoint(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	postJSON(t, ts, "/api/workers", map[string]interface{}{"id": "w1", "type": "generic"}).Body.Close()
	postJSON(t, ts, "/api/tasks", map[string]interface{}{"title": "one"}).Body.Close()

	resp := getJSON(t, ts, "/api/status")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var status struct {
		Queue struct {
			Depth int `json:"queue_depth"`
		} `json:"queue"`
		Pool struct {
			PoolSize int `json:"pool_size"`
		} `json:"pool"`
	}
	decodeJSON(t, resp, &status)
	if status.Queue.Depth != 1 || status.Pool.PoolSize != 1 {
		t.Errorf("status = %+v, want depth 1 / pool 1", status)
	}
}

func TestArchiveUnavailable(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/tasks/archive")
	if resp.StatusCode != 503 {
		t.Errorf("expected 503 without archive, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
