package management

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pii-anonymizer/internal/anonymizer"
	"pii-anonymizer/internal/audit"
	"pii-anonymizer/internal/config"
	"pii-anonymizer/internal/detector"
	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/metrics"
	"pii-anonymizer/internal/patterns"
	"pii-anonymizer/internal/redact"
)

type testServer struct {
	*Server
	anon    *anonymizer.Anonymizer
	metrics *metrics.Metrics
	audit   audit.Store
	log     *logger.Logger
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	lib, err := patterns.Default()
	if err != nil {
		t.Fatalf("patterns.Default: %v", err)
	}
	store, _ := audit.Open("", 100)
	m := metrics.New()
	log := logger.Discard()
	anon := anonymizer.New(detector.New(lib, nil, detector.Options{}), redact.New(nil, nil), anonymizer.Options{
		Observers: []anonymizer.Observer{m, audit.NewRecorder(store, nil)},
	})
	cfg := &config.Config{Port: 8080, ManagementPort: 8081, ManagementToken: token, RecognizerTimeoutMs: 10000}
	srv := New(cfg, anon, Options{Metrics: m, Audit: store, Logger: log})
	return &testServer{Server: srv, anon: anon, metrics: m, audit: store, log: log}
}

func (s *testServer) get(path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestStatus_OK(t *testing.T) {
	srv := newTestServer(t, "")
	w := srv.get("/status", "")

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Status     string `json:"status"`
		Recognizer struct {
			Backend string `json:"backend"`
			Mode    string `json:"mode"`
		} `json:"recognizer"`
		Patterns int `json:"patterns"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response: %v", err)
	}
	if resp.Status != "running" {
		t.Errorf("expected status=running, got %v", resp.Status)
	}
	if resp.Recognizer.Backend != "none" || resp.Recognizer.Mode != "fallback" {
		t.Errorf("recognizer = %+v", resp.Recognizer)
	}
	if resp.Patterns == 0 {
		t.Error("expected a non-empty pattern library")
	}
}

func TestAuth(t *testing.T) {
	cases := []struct {
		name, configured, sent string
		want                   int
	}{
		{"no token configured", "", "", http.StatusOK},
		{"valid token", "secret123", "secret123", http.StatusOK},
		{"wrong token", "secret123", "wrong", http.StatusUnauthorized},
		{"missing token", "secret123", "", http.StatusUnauthorized},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := newTestServer(t, c.configured)
			if w := srv.get("/status", c.sent); w.Code != c.want {
				t.Errorf("expected %d, got %d", c.want, w.Code)
			}
		})
	}
}

func TestMetricsAndAuditFollowRequests(t *testing.T) {
	srv := newTestServer(t, "")
	ctx := context.Background()
	if _, err := srv.anon.Anonymize(ctx, "req-1", "mail jane@example.com", ""); err != nil {
		t.Fatalf("Anonymize: %v", err)
	}
	if _, err := srv.anon.Anonymize(ctx, "req-2", "bad \xff", ""); err == nil {
		t.Fatal("expected malformed input error")
	}

	w := srv.get("/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/metrics: %d", w.Code)
	}
	var snap metrics.Snapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("metrics JSON: %v", err)
	}
	if snap.Requests.Total != 2 || snap.Requests.Rejected != 1 || snap.Redactions.ByType["EMAIL_ADDRESS"] != 1 {
		t.Errorf("snapshot = %+v", snap)
	}

	w = srv.get("/audit?limit=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/audit: %d", w.Code)
	}
	if strings.Contains(w.Body.String(), "jane@example.com") {
		t.Error("audit trail contains input text")
	}
	var trail struct {
		Summary audit.Summary `json:"summary"`
		Entries []audit.Entry `json:"entries"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &trail); err != nil {
		t.Fatalf("audit JSON: %v", err)
	}
	if len(trail.Entries) != 1 || trail.Entries[0].RequestID != "req-2" || trail.Entries[0].Status != "rejected" {
		t.Errorf("entries = %+v", trail.Entries)
	}
}

func TestAudit_BadLimit(t *testing.T) {
	srv := newTestServer(t, "")
	if w := srv.get("/audit?limit=-3", ""); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestDisabledCollaborators(t *testing.T) {
	srv := newTestServer(t, "")
	bare := New(srv.cfg, srv.anon, Options{})
	for _, path := range []string{"/metrics", "/audit"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		bare.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s: expected 503, got %d", path, w.Code)
		}
	}
}

func TestPatterns(t *testing.T) {
	srv := newTestServer(t, "")
	w := srv.get("/patterns", "")
	if w.Code != http.StatusOK {
		t.Fatalf("/patterns: %d", w.Code)
	}
	var rows []struct {
		Type        string `json:"type"`
		Replacement string `json:"replacement"`
		Tier        string `json:"tier"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &rows); err != nil {
		t.Fatalf("patterns JSON: %v", err)
	}
	found := false
	for _, r := range rows {
		if r.Type == "PAN_NUMBER" {
			found = true
			if r.Replacement != "[redacted identifier]" || r.Tier != "pattern" {
				t.Errorf("PAN row = %+v", r)
			}
		}
	}
	if !found {
		t.Error("PAN_NUMBER missing from coverage")
	}
}

func TestLogLevel(t *testing.T) {
	srv := newTestServer(t, "")

	req := httptest.NewRequest(http.MethodPost, "/loglevel", strings.NewReader(`{"level":"debug"}`))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if srv.log.Level() != logger.LevelDebug {
		t.Errorf("level = %s", srv.log.Level())
	}

	req = httptest.NewRequest(http.MethodPost, "/loglevel", strings.NewReader(`{"level":"loud"}`))
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid level: expected 400, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/loglevel", nil)
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET: expected 405, got %d", w.Code)
	}
}
