// Package server exposes the anonymizer over HTTP.
//
// Endpoints:
//
//	GET  /                 - service info and recognizer mode
//	GET  /health           - liveness; healthy in both full_ml and fallback mode
//	POST /detect           - {"text":"...","pseudonym":"..."} → entities
//	POST /anonymize        - {"text":"...","pseudonym":"..."} → anonymized text
//	POST /anonymize/json   - any JSON document → the same document with every
//	                         string leaf anonymized (pseudonym via X-Pseudonym)
//
// The listener speaks HTTP/1.1 and cleartext HTTP/2 (h2c). Every response
// carries an X-Request-ID; a well-formed one supplied by the client is kept.
// When a service token is configured every endpoint except / and /health
// requires it as a bearer token.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"pii-anonymizer/internal/anonymizer"
	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/pii"
)

// Version is reported by GET /.
const Version = "1.0.0"

// maxRequestIDLen bounds client-supplied request ids.
const maxRequestIDLen = 64

// invariantDetail is the fixed body of a 500 caused by a failed leak check.
const invariantDetail = "Critical anonymization failure. Original text was NOT returned."

// Options configures a Server.
type Options struct {
	BindAddress string
	Port        int
	Token       string // bearer token; empty = no auth
	Logger      *logger.Logger
}

// Server is the service HTTP API.
type Server struct {
	opts Options
	anon *anonymizer.Anonymizer
	log  *logger.Logger
}

// New creates a server around anon.
func New(anon *anonymizer.Anonymizer, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	return &Server{opts: opts, anon: anon, log: opts.Logger}
}

type textRequest struct {
	Text      *string `json:"text"`
	Pseudonym string  `json:"pseudonym,omitempty"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Detail    string `json:"detail,omitempty"`
	RequestID string `json:"request_id"`
}

// Handler returns the routed handler, without the h2c wrapper.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("POST /detect", s.requireToken(http.HandlerFunc(s.handleDetect)))
	mux.Handle("POST /anonymize", s.requireToken(http.HandlerFunc(s.handleAnonymize)))
	mux.Handle("POST /anonymize/json", s.requireToken(http.HandlerFunc(s.handleAnonymizeJSON)))
	return s.withRequestID(mux)
}

type ctxKey struct{}

// withRequestID assigns every request an id and echoes it in the response.
func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, id)))
	})
}

func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if c := id[i]; c <= ' ' || c > '~' {
			return false
		}
	}
	return true
}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

// requireToken checks for a valid Bearer token if one is configured.
func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token == "" {
			next.ServeHTTP(w, r)
			return
		}
		auth := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(auth, prefix) ||
			subtle.ConstantTimeCompare([]byte(strings.TrimSpace(auth[len(prefix):])), []byte(s.opts.Token)) != 1 {
			s.log.Warnf("auth", "[%s] unauthorized request from %s to %s", requestID(r), r.RemoteAddr, r.URL.Path)
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", RequestID: requestID(r)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) mode(r *http.Request) string {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	return s.anon.Detector().Mode(ctx)
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"service":   "pii-anonymizer",
		"version":   Version,
		"mode":      s.mode(r),
		"endpoints": []string{"/health", "/detect", "/anonymize", "/anonymize/json"},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":     "healthy",
		"mode":       s.mode(r),
		"recognizer": s.anon.Detector().Recognizer().Name(),
	})
}

func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeText(w, r)
	if !ok {
		return
	}
	res, err := s.anon.Detect(r.Context(), requestID(r), *req.Text, req.Pseudonym)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Entities == nil {
		res.Entities = []anonymizer.Entity{}
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnonymize(w http.ResponseWriter, r *http.Request) {
	req, ok := s.decodeText(w, r)
	if !ok {
		return
	}
	res, err := s.anon.Anonymize(r.Context(), requestID(r), *req.Text, req.Pseudonym)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if res.Replacements == nil {
		res.Replacements = []anonymizer.Replacement{}
	}
	s.writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAnonymizeJSON(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readBody(w, r, s.anon.MaxTextBytes())
	if !ok {
		return
	}
	res, err := s.anon.AnonymizeJSON(r.Context(), requestID(r), body, r.Header.Get("X-Pseudonym"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Anonymizer-Mode", res.Mode)
	w.Header().Set("X-Redactions", strconv.Itoa(res.Replacements))
	w.WriteHeader(http.StatusOK)
	w.Write(res.Document) //nolint:errcheck // client gone
}

// decodeText reads a {"text","pseudonym"} body. JSON escapes can make the
// body up to six times the text, so the read limit is generous and the
// facade enforces the text limit on the decoded value.
func (s *Server) decodeText(w http.ResponseWriter, r *http.Request) (textRequest, bool) {
	var req textRequest
	body, ok := s.readBody(w, r, 6*s.anon.MaxTextBytes()+4096)
	if !ok {
		return req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		s.writeError(w, r, &pii.MalformedInputError{Reason: pii.ReasonInvalidJSON})
		return req, false
	}
	if req.Text == nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{
			Error:     pii.ReasonInvalidJSON,
			Detail:    `missing field "text"`,
			RequestID: requestID(r),
		})
		return req, false
	}
	return req, true
}

// readBody reads at most limit bytes. Raw bytes are checked for UTF-8 before
// decoding because encoding/json silently replaces invalid sequences.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, limit int) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, int64(limit)))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			s.writeError(w, r, &pii.MalformedInputError{Reason: pii.ReasonTooLarge, Limit: limit})
		} else {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unreadable_body", RequestID: requestID(r)})
		}
		return nil, false
	}
	if !utf8.Valid(body) {
		s.writeError(w, r, &pii.MalformedInputError{Reason: pii.ReasonInvalidUTF8})
		return nil, false
	}
	return body, true
}

// writeError maps facade errors onto status codes. Messages never carry
// input text.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	id := requestID(r)
	var malformed *pii.MalformedInputError
	switch {
	case errors.As(err, &malformed):
		status := http.StatusBadRequest
		if malformed.Reason == pii.ReasonTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		s.writeJSON(w, status, errorResponse{Error: malformed.Reason, Detail: malformed.Error(), RequestID: id})
	case errors.Is(err, pii.ErrRedactionInvariant):
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "redaction_failed", Detail: invariantDetail, RequestID: id})
	default:
		s.log.Errorf("respond", "[%s] unexpected error: %v", id, err)
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal_error", RequestID: id})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		s.log.Errorf("respond", "JSON encode error: %v", err)
	}
}

// ListenAndServe serves HTTP/1.1 and h2c until ctx is cancelled, then drains
// in-flight requests.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.opts.BindAddress, s.opts.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Infof("listen", "listening on %s (HTTP/1.1, h2c)", addr)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	s.log.Info("shutdown", "draining connections")
	return srv.Shutdown(shutdownCtx)
}
