package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"live-assets/internal/api"
	"live-assets/internal/assets"
	"live-assets/internal/download"
	"live-assets/internal/handle"
	"live-assets/internal/memory"
)

// ============================================================================
// Mock Implementations
// ============================================================================

// MockAssets implements api.AssetService for testing
type MockAssets struct {
	mu         sync.Mutex
	refs       map[string]int
	failing    map[string]error
	queued     []download.TaskInfo
	cleanups   int
	categories map[string][]string
	catalogs   []string
	catalogErr error
	level      memory.Level
}

func NewMockAssets() *MockAssets {
	return &MockAssets{
		refs:       make(map[string]int),
		failing:    make(map[string]error),
		categories: make(map[string][]string),
	}
}

func (m *MockAssets) Load(_ context.Context, key string) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err, ok := m.failing[key]; ok {
		return nil, err
	}
	m.refs[key]++
	return key, nil
}

func (m *MockAssets) Release(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.refs[key] == 0 {
		return handle.ErrUnknownKey
	}
	m.refs[key]--
	if m.refs[key] == 0 {
		delete(m.refs, key)
	}
	return nil
}

func (m *MockAssets) RefCount(key string) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.refs[key]
	return n, ok
}

func (m *MockAssets) Handles() []handle.Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]handle.Handle, 0, len(m.refs))
	for k, n := range m.refs {
		out = append(out, handle.Handle{Key: k, State: handle.Loaded, RefCount: n})
	}
	return out
}

func (m *MockAssets) Categories() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.categories))
	for c := range m.categories {
		out = append(out, c)
	}
	return out
}

func (m *MockAssets) Status() assets.MemoryStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return assets.MemoryStatus{LoadedAssets: len(m.refs), QueuedDownloads: len(m.queued), Level: m.level}
}

func (m *MockAssets) Report() assets.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	return assets.Report{
		Downloads: download.Stats{Queued: len(m.queued), MaxConcurrent: 3},
		Cleanups:  uint64(m.cleanups),
	}
}

func (m *MockAssets) QueueDownload(key string, priority int, _ func(bool)) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := "task-" + key
	m.queued = append(m.queued, download.TaskInfo{ID: id, Key: key, Priority: priority})
	return id, nil
}

func (m *MockAssets) CancelDownload(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.queued {
		if t.ID == id {
			m.queued = append(m.queued[:i], m.queued[i+1:]...)
			return true
		}
	}
	return false
}

func (m *MockAssets) Downloads() (queued, active []download.TaskInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]download.TaskInfo(nil), m.queued...), nil
}

func (m *MockAssets) ForceCleanup() assets.CleanupReport {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cleanups++
	var released []string
	for k, n := range m.refs {
		if n <= 1 {
			released = append(released, k)
			delete(m.refs, k)
		}
	}
	return assets.CleanupReport{Released: released}
}

func (m *MockAssets) CleanupForCategory(category string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, k := range m.categories[category] {
		if _, ok := m.refs[k]; ok {
			delete(m.refs, k)
			n++
		}
	}
	return n
}

func (m *MockAssets) UpdateCatalog(context.Context) (bool, []string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.catalogs) > 0 && m.catalogErr == nil, m.catalogs, m.catalogErr
}

func (m *MockAssets) CheckMemory() memory.Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

func newTestRouter(svc api.AssetService, token string) http.Handler {
	return api.NewRouter(api.RouterConfig{
		Assets:     svc,
		AdminToken: token,
		RateLimitConfig: &api.RateLimitConfig{
			RequestsPerSecond: 1000,
			Burst:             1000,
			CleanupInterval:   time.Hour,
		},
		DisableLogging: true,
	})
}

func postJSON(t *testing.T, url, token string, body interface{}) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}
	return out
}

// ============================================================================
// Router Purity Tests
// ============================================================================

// TestNewRouterHasNoSideEffects verifies that NewRouter is a pure function
// with no goroutines started and no network listeners opened.
func TestNewRouterHasNoSideEffects(t *testing.T) {
	router := newTestRouter(NewMockAssets(), "")
	if router == nil {
		t.Fatal("Router should not be nil")
	}
}

// ============================================================================
// API Endpoint Tests
// ============================================================================

func TestAPIStatus(t *testing.T) {
	svc := NewMockAssets()
	svc.refs["ui/hud"] = 1

	ts := httptest.NewServer(newTestRouter(svc, ""))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}

	result := decode(t, resp)
	status, ok := result["status"].(map[string]interface{})
	if !ok {
		t.Fatal("Response should contain status object")
	}
	if status["loadedAssets"] != float64(1) {
		t.Errorf("Expected loadedAssets 1, got %v", status["loadedAssets"])
	}
	if status["level"] != "normal" {
		t.Errorf("Expected level normal, got %v", status["level"])
	}
}

func TestAPILoadAndRelease(t *testing.T) {
	svc := NewMockAssets()
	ts := httptest.NewServer(newTestRouter(svc, ""))
	defer ts.Close()

	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/api/assets/load", "", map[string]string{"key": "char/hero"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("load: expected 200, got %d", resp.StatusCode)
		}
		result := decode(t, resp)
		if result["refCount"] != float64(i+1) {
			t.Errorf("load %d: expected refCount %d, got %v", i, i+1, result["refCount"])
		}
	}

	resp := postJSON(t, ts.URL+"/api/assets/release", "", map[string]string{"key": "char/hero"})
	if got := decode(t, resp)["refCount"]; got != float64(1) {
		t.Errorf("Expected refCount 1 after release, got %v", got)
	}

	resp, err := http.Get(ts.URL + "/api/assets")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	handles, ok := decode(t, resp)["handles"].([]interface{})
	if !ok || len(handles) != 1 {
		t.Fatalf("Expected one handle, got %v", handles)
	}
	if h := handles[0].(map[string]interface{}); h["state"] != "loaded" {
		t.Errorf("Expected state loaded, got %v", h["state"])
	}
}

func TestAPIReleaseUnknownKey(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(NewMockAssets(), ""))
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/assets/release", "", map[string]string{"key": "nope"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", resp.StatusCode)
	}
}

func TestAPILoadErrors(t *testing.T) {
	svc := NewMockAssets()
	svc.failing["broken"] = &handle.LoadError{Key: "broken", Err: errors.New("corrupt")}
	svc.failing["early"] = assets.ErrNotInitialized

	ts := httptest.NewServer(newTestRouter(svc, ""))
	defer ts.Close()

	cases := []struct {
		body interface{}
		want int
	}{
		{map[string]string{"key": "broken"}, http.StatusBadGateway},
		{map[string]string{"key": "early"}, http.StatusServiceUnavailable},
		{map[string]string{"key": ""}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp := postJSON(t, ts.URL+"/api/assets/load", "", tc.body)
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Errorf("%v: expected %d, got %d", tc.body, tc.want, resp.StatusCode)
		}
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/assets/load", bytes.NewBufferString("{not json"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid JSON: expected 400, got %d", resp.StatusCode)
	}
}

func TestAPIDownloads(t *testing.T) {
	svc := NewMockAssets()
	ts := httptest.NewServer(newTestRouter(svc, ""))
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/downloads", "", map[string]interface{}{"key": "pack/arena", "priority": 7})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}
	id, _ := decode(t, resp)["id"].(string)
	if id == "" {
		t.Fatal("Expected a task id")
	}

	resp, err := http.Get(ts.URL + "/api/downloads")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	result := decode(t, resp)
	queued := result["queued"].([]interface{})
	if len(queued) != 1 {
		t.Fatalf("Expected 1 queued download, got %d", len(queued))
	}
	if active := result["active"].([]interface{}); len(active) != 0 {
		t.Errorf("Expected no active downloads, got %d", len(active))
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/api/downloads/"+id, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("cancel: expected 200, got %d", resp.StatusCode)
	}

	resp, _ = http.DefaultClient.Do(req)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("second cancel: expected 404, got %d", resp.StatusCode)
	}
}

func TestAPICleanup(t *testing.T) {
	svc := NewMockAssets()
	svc.refs["ui/menu"] = 1
	svc.refs["char/hero"] = 2
	svc.refs["level/1/floor"] = 1
	svc.categories["level/1"] = []string{"level/1/floor"}

	ts := httptest.NewServer(newTestRouter(svc, ""))
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/cleanup/category", "", map[string]string{"category": "level/1"})
	if got := decode(t, resp)["evicted"]; got != float64(1) {
		t.Errorf("Expected 1 evicted, got %v", got)
	}

	resp = postJSON(t, ts.URL+"/api/cleanup/force", "", nil)
	result := decode(t, resp)
	released := result["released"].([]interface{})
	if len(released) != 1 || released[0] != "ui/menu" {
		t.Errorf("Expected only ui/menu released, got %v", released)
	}
	if _, ok := svc.RefCount("char/hero"); !ok {
		t.Error("shared handle should survive forced cleanup")
	}

	resp = postJSON(t, ts.URL+"/api/cleanup/category", "", map[string]string{"category": "  "})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("blank category: expected 400, got %d", resp.StatusCode)
	}
}

func TestAPICatalogUpdate(t *testing.T) {
	svc := NewMockAssets()
	svc.catalogs = []string{"season"}
	ts := httptest.NewServer(newTestRouter(svc, ""))
	defer ts.Close()

	result := decode(t, postJSON(t, ts.URL+"/api/catalog/update", "", nil))
	if result["updated"] != true {
		t.Errorf("Expected updated true, got %v", result["updated"])
	}

	svc.catalogErr = errors.New("catalog server down")
	resp := postJSON(t, ts.URL+"/api/catalog/update", "", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
	if decode(t, resp)["error"] == nil {
		t.Error("Expected error message in body")
	}
}

func TestAPIMemoryCheck(t *testing.T) {
	svc := NewMockAssets()
	svc.level = memory.Warning
	ts := httptest.NewServer(newTestRouter(svc, ""))
	defer ts.Close()

	result := decode(t, postJSON(t, ts.URL+"/api/memory/check", "", nil))
	if result["level"] != "warning" {
		t.Errorf("Expected level warning, got %v", result["level"])
	}
}

// ============================================================================
// Security Tests
// ============================================================================

func TestAPIAdminToken(t *testing.T) {
	svc := NewMockAssets()
	ts := httptest.NewServer(newTestRouter(svc, "s3cret"))
	defer ts.Close()

	resp := postJSON(t, ts.URL+"/api/cleanup/force", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", resp.StatusCode)
	}
	if decode(t, resp)["error"] != "unauthorized" {
		t.Error("Expected JSON unauthorized error")
	}

	resp = postJSON(t, ts.URL+"/api/cleanup/force", "wrong", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token: expected 401, got %d", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/cleanup/force", "s3cret", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("bearer token: expected 200, got %d", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, ts.URL+"/api/memory/check", nil)
	req.Header.Set(api.AdminTokenHeader, "s3cret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("header token: expected 200, got %d", resp.StatusCode)
	}

	// Read-only routes stay open
	resp, err = http.Get(ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status: expected 200, got %d", resp.StatusCode)
	}
}

// TestAPICORSHeaders verifies CORS headers are set correctly
func TestAPICORSHeaders(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(NewMockAssets(), ""))
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/status", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Expected CORS origin http://localhost:3000, got %q", got)
	}
}

// TestAPIRateLimiting verifies rate limiting is enforced
func TestAPIRateLimiting(t *testing.T) {
	router := api.NewRouter(api.RouterConfig{
		Assets: NewMockAssets(),
		RateLimitConfig: &api.RateLimitConfig{
			RequestsPerSecond: 1,
			Burst:             2,
			CleanupInterval:   time.Hour,
		},
		DisableLogging: true,
	})

	ts := httptest.NewServer(router)
	defer ts.Close()

	limited := false
	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/api/status")
		if err != nil {
			t.Fatalf("Request failed: %v", err)
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			if resp.Header.Get("Retry-After") == "" {
				t.Error("Expected Retry-After header")
			}
			break
		}
	}
	if !limited {
		t.Error("Expected requests beyond the burst to be rejected")
	}
}

func TestAPIRootRedirect(t *testing.T) {
	ts := httptest.NewServer(newTestRouter(NewMockAssets(), ""))
	defer ts.Close()

	client := &http.Client{
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	resp, err := client.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	resp.Body.Close()

	if resp.StatusCode != http.StatusFound {
		t.Errorf("Expected 302, got %d", resp.StatusCode)
	}
	if loc := resp.Header.Get("Location"); loc != "/api/status" {
		t.Errorf("Expected redirect to /api/status, got %q", loc)
	}
}
