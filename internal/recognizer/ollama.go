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

const maxOllamaResponse = 10 << 20 // 10 MB

// Ollama asks a local LLM for entities. The model returns the sensitive
// strings verbatim rather than offsets, because small models get offsets
// wrong; every occurrence is then located in the input here.
type Ollama struct {
	generateURL string
	tagsURL     string
	model       string
	http        *http.Client
	sem         chan struct{} // limits concurrent generations
}

// NewOllama creates a client for the Ollama server at endpoint
// (e.g. "http://localhost:11434"). maxConcurrent bounds in-flight
// generations; further callers wait until a slot frees or their context ends.
func NewOllama(endpoint, model string, maxConcurrent int, client *http.Client) *Ollama {
	base := strings.TrimRight(endpoint, "/")
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Ollama{
		generateURL: base + "/api/generate",
		tagsURL:     base + "/api/tags",
		model:       model,
		http:        client,
		sem:         make(chan struct{}, maxConcurrent),
	}
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Format  string         `json:"format,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
}

type ollamaDetection struct {
	Original   string  `json:"original"`
	Type       string  `json:"type"`
	Confidence float64 `json:"confidence"`
}

const ollamaPrompt = `Analyze the following text for personally identifiable information.
Return ONLY a JSON array of detections. Each item must have:
- "original": the exact text found, copied verbatim
- "type": one of PERSON, ORGANIZATION, LOCATION, ADDRESS, EMAIL_ADDRESS, PHONE_NUMBER, DATE, DATE_OF_BIRTH, AGE, MEDICAL_RECORD_NUMBER, US_SSN, CREDIT_CARD, ACCOUNT_NUMBER, USERNAME, PASSWORD, API_KEY
- "confidence": float 0.0-1.0

Do NOT flag common words, job titles, quantities, money amounts or version numbers.

Text to analyze:
%s

Return ONLY the JSON array, no explanation. Example: [{"original":"John Smith","type":"PERSON","confidence":0.95}]`

// Name implements Recognizer.
func (o *Ollama) Name() string { return "ollama" }

// Recognize implements Recognizer.
func (o *Ollama) Recognize(ctx context.Context, text string) ([]pii.Span, error) {
	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-ctx.Done():
		return nil, fmt.Errorf("ollama: waiting for slot: %w", ctx.Err())
	}

	detections, err := o.query(ctx, text)
	if err != nil {
		return nil, err
	}
	return locate(text, detections), nil
}

func (o *Ollama) query(ctx context.Context, text string) ([]ollamaDetection, error) {
	reqBody, err := json.Marshal(ollamaRequest{
		Model:   o.model,
		Prompt:  fmt.Sprintf(ollamaPrompt, text),
		Stream:  false,
		Options: map[string]any{"temperature": 0},
	})
	if err != nil {
		return nil, fmt.Errorf("ollama: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.generateURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.http.Do(req) // #nosec G704 -- URL from trusted config, not user input
	if err != nil {
		return nil, fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOllamaResponse+1))
	if err != nil {
		return nil, fmt.Errorf("ollama: read: %w", err)
	}
	if len(body) > maxOllamaResponse {
		return nil, fmt.Errorf("ollama: response exceeds %d bytes", maxOllamaResponse)
	}

	var or ollamaResponse
	if err := json.Unmarshal(body, &or); err != nil {
		return nil, fmt.Errorf("ollama: response parse: %w", err)
	}
	return parseDetections(or.Response)
}

// parseDetections extracts the JSON array from the model's free-text answer.
func parseDetections(raw string) ([]ollamaDetection, error) {
	raw = strings.TrimSpace(raw)
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end == -1 || end <= start {
		return nil, fmt.Errorf("ollama: no JSON array in response")
	}
	var detections []ollamaDetection
	if err := json.Unmarshal([]byte(raw[start:end+1]), &detections); err != nil {
		return nil, fmt.Errorf("ollama: detection parse: %w", err)
	}
	return detections, nil
}

// locate turns verbatim detections into spans at every occurrence.
func locate(text string, detections []ollamaDetection) []pii.Span {
	var spans []pii.Span
	for _, d := range detections {
		needle := strings.TrimSpace(d.Original)
		if needle == "" || d.Type == "" {
			continue
		}
		for from := 0; from < len(text); {
			i := strings.Index(text[from:], needle)
			if i < 0 {
				break
			}
			start := from + i
			spans = append(spans, pii.Span{
				Start: start,
				End:   start + len(needle),
				Type:  pii.EntityType(d.Type),
				Score: d.Confidence,
			})
			from = start + len(needle)
		}
	}
	return spans
}

// Ping implements Pinger by listing local models.
func (o *Ollama) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, o.tagsURL, nil)
	if err != nil {
		return fmt.Errorf("ollama: create request: %w", err)
	}
	resp, err := o.http.Do(req) // #nosec G704 -- URL from trusted config, not user input
	if err != nil {
		return fmt.Errorf("ollama: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // best-effort close on HTTP response body
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama: tags status %d", resp.StatusCode)
	}
	return nil
}
