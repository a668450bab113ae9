package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/SimplyPrint/nfc-wedge/internal/core"
	"github.com/SimplyPrint/nfc-wedge/internal/history"
	"github.com/SimplyPrint/nfc-wedge/internal/logging"
	"github.com/SimplyPrint/nfc-wedge/internal/service"
	"github.com/SimplyPrint/nfc-wedge/internal/settings"
	"github.com/SimplyPrint/nfc-wedge/internal/updater"
)

type fakeStatus struct {
	state     core.ScannerState
	readers   []string
	last      *core.CardRecord
	injecting bool
}

func (f *fakeStatus) State() core.ScannerState { return f.state }
func (f *fakeStatus) Readers() []string        { return f.readers }
func (f *fakeStatus) InjectionEnabled() bool   { return f.injecting }

func (f *fakeStatus) LastCard() (core.CardRecord, bool) {
	if f.last == nil {
		return core.CardRecord{}, false
	}
	return *f.last, true
}

type fakeHistory struct {
	mu      sync.Mutex
	entries []history.Entry
	err     error
	cleared bool
	asked   int
}

func (f *fakeHistory) Recent(_ context.Context, n int) ([]history.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = n
	if f.err != nil {
		return nil, f.err
	}
	if n < len(f.entries) {
		return f.entries[:n], nil
	}
	return f.entries, nil
}

func (f *fakeHistory) Clear(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	f.entries = nil
	return f.err
}

type fakeService struct {
	installed  bool
	installErr error
}

func (s *fakeService) Install() error {
	if s.installErr != nil {
		return s.installErr
	}
	if s.installed {
		return service.ErrAlreadyInstalled
	}
	s.installed = true
	return nil
}

func (s *fakeService) Uninstall() error {
	if !s.installed {
		return service.ErrNotInstalled
	}
	s.installed = false
	return nil
}

func (s *fakeService) IsInstalled() bool { return s.installed }

func (s *fakeService) Status() (string, error) {
	if s.installed {
		return "running", nil
	}
	return "not installed", nil
}

type fakeUpdates struct {
	forced []bool
}

func (u *fakeUpdates) Check(ctx context.Context, forceRefresh bool) *updater.UpdateInfo {
	u.forced = append(u.forced, forceRefresh)
	return &updater.UpdateInfo{Available: true, CurrentVersion: "1.0.0", LatestVersion: "v1.1.0"}
}

func useTempSettings(t *testing.T) {
	t.Helper()
	settings.SetPath(filepath.Join(t.TempDir(), "settings.json"))
	t.Cleanup(func() { settings.SetPath("") })
}

func sampleRecord() core.CardRecord {
	text := "PLA-0042"
	return core.NewCardRecord(core.CardRecordParams{
		ReaderName: "ACS ACR122U PICC Interface",
		DetectedAt: time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
		Family:     core.FamilyNTAG,
		UID:        []byte{0x04, 0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6},
		Text:       &text,
		Succeeded:  true,
	})
}

// localRequest builds a request the way a local tool sends it.
func localRequest(method, target string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, target, body)
	req.Host = "127.0.0.1:32145"
	if method == http.MethodPost {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

func do(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = localRequest(method, path, bytes.NewReader(body))
	} else {
		req = localRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestHandleVersion(t *testing.T) {
	origVersion, origBuildTime, origGitCommit := Version, BuildTime, GitCommit
	Version = "1.2.3-test"
	BuildTime = "2026-01-15T10:30:00Z"
	GitCommit = "abc1234"
	defer func() {
		Version, BuildTime, GitCommit = origVersion, origBuildTime, origGitCommit
	}()

	req := localRequest(http.MethodGet, "/v1/version", nil)
	w := httptest.NewRecorder()
	handleVersion(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, w.Code)
	}
	var result map[string]string
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if result["version"] != "1.2.3-test" {
		t.Errorf("expected version '1.2.3-test', got '%s'", result["version"])
	}
	if result["buildTime"] != "2026-01-15T10:30:00Z" {
		t.Errorf("unexpected buildTime '%s'", result["buildTime"])
	}
	if result["gitCommit"] != "abc1234" {
		t.Errorf("expected gitCommit 'abc1234', got '%s'", result["gitCommit"])
	}
}

func TestMethodNotAllowed(t *testing.T) {
	useTempSettings(t)
	srv := NewServer(Options{Status: &fakeStatus{}, History: &fakeHistory{}})

	tests := []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/v1/version"},
		{http.MethodPost, "/v1/status"},
		{http.MethodDelete, "/v1/readers"},
		{http.MethodPost, "/v1/health"},
		{http.MethodPut, "/v1/history"},
		{http.MethodGet, "/v1/shutdown"},
		{http.MethodPost, "/v1/crashes"},
		{http.MethodPut, "/v1/logs"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := do(t, srv, tt.method, tt.path, nil)
			if w.Code != http.StatusMethodNotAllowed {
				t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, w.Code)
			}
		})
	}
}

func TestHandleStatus(t *testing.T) {
	useTempSettings(t)
	rec := sampleRecord()
	st := &fakeStatus{
		state:     core.StateCardPresent,
		readers:   []string{"ACS ACR122U PICC Interface"},
		last:      &rec,
		injecting: true,
	}
	srv := NewServer(Options{Status: st})

	w := do(t, srv, http.MethodGet, "/v1/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}

	var resp struct {
		State     string   `json:"state"`
		Readers   []string `json:"readers"`
		LastCard  struct {
			Text string `json:"text"`
			UID  string `json:"uid"`
		} `json:"lastCard"`
		Injection struct {
			Enabled bool `json:"enabled"`
			Paused  bool `json:"paused"`
		} `json:"injection"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.State != "card_present" {
		t.Errorf("state = %q, want card_present", resp.State)
	}
	if len(resp.Readers) != 1 {
		t.Errorf("readers = %v", resp.Readers)
	}
	if resp.LastCard.Text != "PLA-0042" {
		t.Errorf("lastCard.text = %q", resp.LastCard.Text)
	}
	if !resp.Injection.Enabled || resp.Injection.Paused {
		t.Errorf("injection = %+v, want enabled and not paused", resp.Injection)
	}
}

func TestHandleStatus_NoCardYet(t *testing.T) {
	useTempSettings(t)
	srv := NewServer(Options{Status: &fakeStatus{state: core.StateScanning}})

	w := do(t, srv, http.MethodGet, "/v1/status", nil)
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if _, ok := resp["lastCard"]; ok {
		t.Error("lastCard should be omitted before the first card")
	}
	readers, ok := resp["readers"].([]any)
	if !ok || len(readers) != 0 {
		t.Errorf("readers should be an empty array, got %#v", resp["readers"])
	}
}

func TestHandleReaders(t *testing.T) {
	useTempSettings(t)
	srv := NewServer(Options{Status: &fakeStatus{readers: []string{"A", "B"}}})

	w := do(t, srv, http.MethodGet, "/v1/readers", nil)
	var readers []string
	if err := json.NewDecoder(w.Body).Decode(&readers); err != nil {
		t.Fatal(err)
	}
	if len(readers) != 2 || readers[0] != "A" || readers[1] != "B" {
		t.Errorf("readers = %v", readers)
	}
}

func TestHandleHealth(t *testing.T) {
	useTempSettings(t)
	tests := []struct {
		state  core.ScannerState
		code   int
		status string
	}{
		{core.StateScanning, http.StatusOK, "ok"},
		{core.StateStopped, http.StatusOK, "ok"},
		{core.StateFaulted, http.StatusServiceUnavailable, "faulted"},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			srv := NewServer(Options{Status: &fakeStatus{state: tt.state}})
			w := do(t, srv, http.MethodGet, "/v1/health", nil)
			if w.Code != tt.code {
				t.Errorf("expected status %d, got %d", tt.code, w.Code)
			}
			var result map[string]any
			if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
				t.Fatal(err)
			}
			if result["status"] != tt.status {
				t.Errorf("status = %v, want %s", result["status"], tt.status)
			}
		})
	}
}

func TestHandleHistory(t *testing.T) {
	useTempSettings(t)
	h := &fakeHistory{entries: []history.Entry{
		{ID: 2, Reader: "r", Family: "NTAG", TextLength: 8, Injected: true},
		{ID: 1, Reader: "r", Family: "NTAG", TextLength: 3},
	}}
	srv := NewServer(Options{Status: &fakeStatus{}, History: h})

	w := do(t, srv, http.MethodGet, "/v1/history?limit=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp struct {
		Entries []history.Entry `json:"entries"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Entries) != 1 || resp.Entries[0].ID != 2 {
		t.Errorf("entries = %+v", resp.Entries)
	}

	do(t, srv, http.MethodGet, "/v1/history?limit=999999", nil)
	if h.asked != history.DefaultLimit {
		t.Errorf("limit should be clamped to %d, got %d", history.DefaultLimit, h.asked)
	}
	do(t, srv, http.MethodGet, "/v1/history?limit=abc", nil)
	if h.asked != 50 {
		t.Errorf("invalid limit should fall back to 50, got %d", h.asked)
	}

	w = do(t, srv, http.MethodDelete, "/v1/history", nil)
	if w.Code != http.StatusOK || !h.cleared {
		t.Errorf("DELETE: code %d cleared %v", w.Code, h.cleared)
	}
}

func TestHandleHistory_Errors(t *testing.T) {
	useTempSettings(t)

	srv := NewServer(Options{Status: &fakeStatus{}})
	if w := do(t, srv, http.MethodGet, "/v1/history", nil); w.Code != http.StatusNotFound {
		t.Errorf("history disabled: expected 404, got %d", w.Code)
	}

	srv = NewServer(Options{Status: &fakeStatus{}, History: &fakeHistory{err: errors.New("disk I/O error")}})
	if w := do(t, srv, http.MethodGet, "/v1/history", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("query failure: expected 500, got %d", w.Code)
	}
}

func TestHandleSettings(t *testing.T) {
	useTempSettings(t)
	srv := NewServer(Options{Status: &fakeStatus{}})

	w := do(t, srv, http.MethodPost, "/v1/settings", []byte(`{"injectionPaused": true}`))
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if !settings.IsInjectionPaused() {
		t.Error("injection should be paused after POST")
	}
	if settings.IsCrashReportingEnabled() {
		t.Error("crashReporting must not change when omitted")
	}

	w = do(t, srv, http.MethodGet, "/v1/settings", nil)
	var got settings.Settings
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if !got.InjectionPaused {
		t.Error("GET should report the paused state")
	}

	w = do(t, srv, http.MethodGet, "/v1/status", nil)
	var status StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&status); err != nil {
		t.Fatal(err)
	}
	if !status.Injection.Paused {
		t.Error("status should report injection paused")
	}
}

func TestHandleSettings_InvalidBody(t *testing.T) {
	useTempSettings(t)
	srv := NewServer(Options{Status: &fakeStatus{}})

	w := do(t, srv, http.MethodPost, "/v1/settings", []byte("not json"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", w.Code)
	}
}

func TestHandleAutostart(t *testing.T) {
	useTempSettings(t)
	svc := &fakeService{}
	srv := NewServer(Options{Status: &fakeStatus{}, Service: svc})

	if w := do(t, srv, http.MethodPost, "/v1/autostart", nil); w.Code != http.StatusOK || !svc.installed {
		t.Fatalf("enable: code %d installed %v", w.Code, svc.installed)
	}
	if w := do(t, srv, http.MethodPost, "/v1/autostart", nil); w.Code != http.StatusOK {
		t.Errorf("enabling twice should succeed, got %d", w.Code)
	}

	w := do(t, srv, http.MethodGet, "/v1/autostart", nil)
	var got map[string]any
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatal(err)
	}
	if got["enabled"] != true || got["status"] != "running" {
		t.Errorf("GET = %v", got)
	}

	if w := do(t, srv, http.MethodDelete, "/v1/autostart", nil); w.Code != http.StatusOK || svc.installed {
		t.Errorf("disable: code %d installed %v", w.Code, svc.installed)
	}
	if w := do(t, srv, http.MethodDelete, "/v1/autostart", nil); w.Code != http.StatusOK {
		t.Errorf("disabling twice should succeed, got %d", w.Code)
	}

	svc.installErr = errors.New("permission denied")
	if w := do(t, srv, http.MethodPost, "/v1/autostart", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("install failure: expected 500, got %d", w.Code)
	}
}

func TestHandleShutdown(t *testing.T) {
	useTempSettings(t)

	srv := NewServer(Options{Status: &fakeStatus{}})
	if w := do(t, srv, http.MethodPost, "/v1/shutdown", nil); w.Code != http.StatusServiceUnavailable {
		t.Errorf("no shutdown func: expected 503, got %d", w.Code)
	}

	called := make(chan struct{})
	srv = NewServer(Options{Status: &fakeStatus{}, Shutdown: func() { close(called) }})
	if w := do(t, srv, http.MethodPost, "/v1/shutdown", nil); w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("shutdown func was not called")
	}
}

func TestHandleUpdate(t *testing.T) {
	useTempSettings(t)

	srv := NewServer(Options{Status: &fakeStatus{}})
	if w := do(t, srv, http.MethodGet, "/v1/update", nil); w.Code != http.StatusNotFound {
		t.Errorf("no checker: expected 404, got %d", w.Code)
	}

	updates := &fakeUpdates{}
	srv = NewServer(Options{Status: &fakeStatus{}, Updates: updates})
	w := do(t, srv, http.MethodGet, "/v1/update", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var info updater.UpdateInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !info.Available || info.LatestVersion != "v1.1.0" {
		t.Errorf("unexpected update info %+v", info)
	}

	do(t, srv, http.MethodGet, "/v1/update?refresh=1", nil)
	do(t, srv, http.MethodGet, "/v1/update?refresh=true", nil)
	want := []bool{false, true, true}
	if len(updates.forced) != len(want) {
		t.Fatalf("expected %d checks, got %d", len(want), len(updates.forced))
	}
	for i := range want {
		if updates.forced[i] != want[i] {
			t.Errorf("check %d: forceRefresh = %v, want %v", i, updates.forced[i], want[i])
		}
	}

	if w := do(t, srv, http.MethodPost, "/v1/update", nil); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST: expected 405, got %d", w.Code)
	}
}

func TestHandleLogs(t *testing.T) {
	useTempSettings(t)
	srv := NewServer(Options{Status: &fakeStatus{}})

	w := do(t, srv, http.MethodGet, "/v1/logs?limit=5&level=warn&category=card", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	var resp map[string]any
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if _, ok := resp["stats"]; !ok {
		t.Error("response should include stats")
	}

	if w := do(t, srv, http.MethodDelete, "/v1/logs", nil); w.Code != http.StatusOK {
		t.Errorf("DELETE: expected 200, got %d", w.Code)
	}
}

func TestOriginPolicy(t *testing.T) {
	handler := newOriginPolicy([]string{"https://simplyprint.io/"}).middleware(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name, method, host, origin, contentType string
		want                                    int
		allowOrigin                             string
	}{
		{"local tool", http.MethodGet, "127.0.0.1:32145", "", "", http.StatusOK, ""},
		{"localhost name", http.MethodGet, "localhost:32145", "", "", http.StatusOK, ""},
		{"ipv6 loopback", http.MethodGet, "[::1]:32145", "", "", http.StatusOK, ""},
		{"rebound dns name", http.MethodGet, "attacker.example:32145", "", "", http.StatusForbidden, ""},
		{"foreign origin", http.MethodGet, "127.0.0.1:32145", "https://evil.example", "", http.StatusForbidden, ""},
		{"foreign preflight", http.MethodOptions, "127.0.0.1:32145", "https://evil.example", "", http.StatusForbidden, ""},
		{"foreign form post", http.MethodPost, "127.0.0.1:32145", "https://evil.example", "text/plain", http.StatusForbidden, ""},
		{"listed origin", http.MethodGet, "127.0.0.1:32145", "https://simplyprint.io", "", http.StatusOK, "https://simplyprint.io"},
		{"listed preflight", http.MethodOptions, "127.0.0.1:32145", "https://SimplyPrint.io", "", http.StatusOK, "https://SimplyPrint.io"},
		{"post without json", http.MethodPost, "127.0.0.1:32145", "", "text/plain", http.StatusUnsupportedMediaType, ""},
		{"post with json", http.MethodPost, "127.0.0.1:32145", "", "application/json; charset=utf-8", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/v1/settings", nil)
			req.Host = tt.host
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			w := httptest.NewRecorder()
			handler(w, req)

			if w.Code != tt.want {
				t.Errorf("expected status %d, got %d", tt.want, w.Code)
			}
			if got := w.Header().Get("Access-Control-Allow-Origin"); got != tt.allowOrigin {
				t.Errorf("Access-Control-Allow-Origin = %q, want %q", got, tt.allowOrigin)
			}
		})
	}
}

func TestForeignOriginCannotShutDown(t *testing.T) {
	useTempSettings(t)
	called := false
	srv := NewServer(Options{Status: &fakeStatus{}, Shutdown: func() { called = true }})

	req := localRequest(http.MethodPost, "/v1/shutdown", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Content-Type", "text/plain")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("expected status 403, got %d", w.Code)
	}
	if called {
		t.Error("shutdown must not run for a foreign origin")
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	logging.SetCrashLogDir(t.TempDir())
	t.Cleanup(func() { logging.SetCrashLogDir("") })
	handler := newOriginPolicy(nil).middleware(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	})

	req := localRequest(http.MethodGet, "/v1/status", nil)
	w := httptest.NewRecorder()
	handler(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", w.Code)
	}
}

func TestRespondJSON(t *testing.T) {
	w := httptest.NewRecorder()
	respondJSON(w, http.StatusCreated, map[string]int{"n": 1})

	if w.Code != http.StatusCreated {
		t.Errorf("expected status 201, got %d", w.Code)
	}
	if got := w.Body.String(); got != "{\"n\":1}\n" {
		t.Errorf("body = %q", got)
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	useTempSettings(t)
	srv := NewServer(Options{Status: &fakeStatus{}})

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx, "127.0.0.1:0") }()

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("ListenAndServe returned %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop after cancel")
	}
}

func BenchmarkHandleStatus(b *testing.B) {
	srv := NewServer(Options{Status: &fakeStatus{state: core.StateScanning}})
	req := localRequest(http.MethodGet, "/v1/status", nil)
	for i := 0; i < b.N; i++ {
		srv.Handler().ServeHTTP(httptest.NewRecorder(), req)
	}
}
