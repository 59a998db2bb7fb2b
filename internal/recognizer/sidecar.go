package recognizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"pii-anonymizer/internal/pii"
)

// maxSidecarResponse caps the decoded response body.
const maxSidecarResponse = 10 << 20 // 10 MB

// defaultSidecarScore is used when the sidecar omits a score.
const defaultSidecarScore = 0.85

// Sidecar calls an NER service over HTTP:
//
//	POST {base}/classify  {"text": "..."}
//	→ {"spans": [{"start": 0, "end": 10, "label": "PERSON", "score": 0.93}]}
//
// Offsets in the response are Unicode code points and are converted to byte
// offsets here.
type Sidecar struct {
	classifyURL string
	healthURL   string
	http        *http.Client
}

// NewSidecar creates a client for the sidecar at baseURL
// (e.g. "http://ner:8001"). The caller bounds each call through the context.
func NewSidecar(baseURL string, client *http.Client) *Sidecar {
	base := strings.TrimRight(baseURL, "/")
	if client == nil {
		client = &http.Client{}
	}
	return &Sidecar{
		classifyURL: base + "/classify",
		healthURL:   base + "/health",
		http:        client,
	}
}

type classifyRequest struct {
	Text string `json:"text"`
}

type classifyResponse struct {
	Spans []sidecarSpan `json:"spans"`
}

type sidecarSpan struct {
	Start int      `json:"start"`
	End   int      `json:"end"`
	Label string   `json:"label"`
	Score *float64 `json:"score,omitempty"`
}

// Name implements Recognizer.
func (s *Sidecar) Name() string { return "sidecar" }

// Recognize implements Recognizer.
func (s *Sidecar) Recognize(ctx context.Context, text string) ([]pii.Span, error) {
	body, err := json.Marshal(classifyRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("sidecar: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.classifyURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("sidecar: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req) // #nosec G704 -- URL from trusted config, not user input
	if err != nil {
		return nil, fmt.Errorf("sidecar: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("sidecar: unexpected status %d", resp.StatusCode)
	}

	var result classifyResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxSidecarResponse)).Decode(&result); err != nil {
		return nil, fmt.Errorf("sidecar: decode: %w", err)
	}

	idx := pii.NewOffsetIndex(text)
	spans := make([]pii.Span, 0, len(result.Spans))
	for _, sp := range result.Spans {
		if sp.Start < 0 || sp.End <= sp.Start || sp.End > idx.RuneCount() {
			continue
		}
		score := defaultSidecarScore
		if sp.Score != nil {
			score = *sp.Score
		}
		spans = append(spans, pii.Span{
			Start: idx.ToBytes(sp.Start),
			End:   idx.ToBytes(sp.End),
			Type:  pii.EntityType(sp.Label),
			Score: score,
		})
	}
	return spans, nil
}

// Ping implements Pinger by calling GET {base}/health.
func (s *Sidecar) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.healthURL, nil)
	if err != nil {
		return fmt.Errorf("sidecar: request: %w", err)
	}
	resp, err := s.http.Do(req) // #nosec G704 -- URL from trusted config, not user input
	if err != nil {
		return fmt.Errorf("sidecar: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sidecar: health status %d", resp.StatusCode)
	}
	return nil
}
