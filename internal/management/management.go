// Package management provides a lightweight HTTP API for runtime inspection
// of the running anonymization service. It listens on loopback only.
//
// Endpoints:
//
//	GET  /status    - service health, recognizer backend and mode, limits
//	GET  /metrics   - counter and latency snapshot
//	GET  /patterns  - pattern coverage table with replacement labels
//	GET  /audit     - recent audit entries and a summary (?limit=N, default 100)
//	POST /loglevel  - change the log level {"level":"debug"}
package management

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pii-anonymizer/internal/anonymizer"
	"pii-anonymizer/internal/audit"
	"pii-anonymizer/internal/config"
	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/metrics"
	"pii-anonymizer/internal/patterns"
	"pii-anonymizer/internal/vocabulary"
)

const defaultAuditLimit = 100

// Server is the management API server.
type Server struct {
	cfg       *config.Config
	startTime time.Time
	anon      *anonymizer.Anonymizer
	vocab     *vocabulary.Vocabulary
	token     string           // bearer token for auth; empty = no auth
	metrics   *metrics.Metrics // nil = no metrics
	audit     audit.Store      // nil = no audit trail
	log       *logger.Logger
}

// Options carries the optional collaborators of a Server.
type Options struct {
	Vocabulary *vocabulary.Vocabulary
	Metrics    *metrics.Metrics
	Audit      audit.Store
	Logger     *logger.Logger
}

// New creates a management server.
func New(cfg *config.Config, anon *anonymizer.Anonymizer, opts Options) *Server {
	if opts.Vocabulary == nil {
		opts.Vocabulary = vocabulary.Default()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	s := &Server{
		cfg:       cfg,
		startTime: time.Now(),
		anon:      anon,
		vocab:     opts.Vocabulary,
		token:     cfg.ManagementToken,
		metrics:   opts.Metrics,
		audit:     opts.Audit,
		log:       opts.Logger,
	}
	if s.token != "" {
		s.log.Info("init", "bearer token authentication enabled")
	}
	return s
}

// Handler returns the HTTP handler for the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/patterns", s.handlePatterns)
	mux.HandleFunc("/audit", s.handleAudit)
	mux.HandleFunc("/loglevel", s.handleLogLevel)
	return s.authMiddleware(mux)
}

// authMiddleware checks for a valid Bearer token if one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.token)) != 1 {
			s.log.Warnf("auth", "unauthorized access attempt from %s to %s", r.RemoteAddr, r.URL.Path)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status       string `json:"status"`
		Uptime       string `json:"uptime"`
		Port         int    `json:"port"`
		MaxTextBytes int    `json:"maxTextBytes"`
		Recognizer   struct {
			Backend   string `json:"backend"`
			Mode      string `json:"mode"`
			TimeoutMs int    `json:"timeoutMs"`
		} `json:"recognizer"`
		Patterns     int `json:"patterns"`
		AuditEntries int `json:"auditEntries"`
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	det := s.anon.Detector()

	resp := response{
		Status:       "running",
		Uptime:       time.Since(s.startTime).Round(time.Second).String(),
		Port:         s.cfg.Port,
		MaxTextBytes: s.anon.MaxTextBytes(),
		Patterns:     len(det.Library().Entities()),
	}
	resp.Recognizer.Backend = det.Recognizer().Name()
	resp.Recognizer.Mode = det.Mode(ctx)
	resp.Recognizer.TimeoutMs = s.cfg.RecognizerTimeoutMs
	if s.audit != nil {
		resp.AuditEntries = s.audit.Len()
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Snapshot())
}

func (s *Server) handlePatterns(w http.ResponseWriter, _ *http.Request) {
	type row struct {
		Replacement string `json:"replacement"`
		patterns.CoverageRow
	}
	rows := s.anon.Detector().Library().Coverage()
	out := make([]row, len(rows))
	for i, r := range rows {
		out[i] = row{Replacement: s.vocab.Token(r.Type), CoverageRow: r}
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		http.Error(w, "audit trail not enabled", http.StatusServiceUnavailable)
		return
	}
	limit := defaultAuditLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.audit.Recent(limit)
	if err != nil {
		s.log.Errorf("audit", "read audit trail: %v", err)
		http.Error(w, "audit trail unavailable", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []audit.Entry{}
	}
	s.writeJSON(w, http.StatusOK, struct {
		Summary audit.Summary `json:"summary"`
		Entries []audit.Entry `json:"entries"`
	}{audit.Summarize(entries), entries})
}

func (s *Server) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1024)
	var req struct {
		Level string `json:"level"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !logger.ValidLevel(req.Level) {
		http.Error(w, "invalid request: need {\"level\":\"debug|info|warn|error\"}", http.StatusBadRequest)
		return
	}
	s.log.SetLevel(req.Level)
	s.log.Infof("loglevel", "log level set to %s", req.Level)
	s.writeJSON(w, http.StatusOK, map[string]string{"level": s.log.Level().String()})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Errorf("respond", "JSON encode error: %v", err)
	}
}

// ListenAndServe starts the management HTTP server and stops it when ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("127.0.0.1:%d", s.cfg.ManagementPort)
	s.log.Infof("listen", "listening on %s", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck // best-effort shutdown
	}()
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}
