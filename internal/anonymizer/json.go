package anonymizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"
	"unicode/utf8"

	"pii-anonymizer/internal/detector"
	"pii-anonymizer/internal/pii"
	"pii-anonymizer/internal/recognizer"
)

// DefaultSkipKeys are structural fields of chat-completion style payloads.
var DefaultSkipKeys = []string{"model", "temperature", "max_tokens", "top_p", "stream", "n", "role"}

// JSONResult is the answer to AnonymizeJSON.
type JSONResult struct {
	Document     []byte
	Replacements int
	Mode         string
}

// AnonymizeJSON parses body as JSON and anonymizes every string leaf except
// values under skipped keys. Numbers are kept verbatim. Each leaf gets its
// own leak check; one failure aborts the whole document.
func (a *Anonymizer) AnonymizeJSON(ctx context.Context, requestID string, body []byte, pseudonym string) (JSONResult, error) {
	start := time.Now()
	doc, err := a.decodeJSON(body, pseudonym)
	if err != nil {
		a.finish(requestID, OpAnonymizeJSON, detector.Result{}, nil, err, start)
		return JSONResult{}, err
	}

	w := &walker{a: a, ctx: ctx, pseudonym: pseudonym, mode: recognizer.ModeFull}
	out, err := w.walk(doc)
	summary := detector.Result{Mode: w.mode, Degraded: w.degraded}
	if err != nil {
		a.finish(requestID, OpAnonymizeJSON, summary, nil, err, start)
		return JSONResult{}, err
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(out); err != nil {
		a.finish(requestID, OpAnonymizeJSON, summary, nil, err, start)
		return JSONResult{}, err
	}
	a.finish(requestID, OpAnonymizeJSON, summary, w.spans, nil, start)
	return JSONResult{
		Document:     bytes.TrimRight(buf.Bytes(), "\n"),
		Replacements: len(w.spans),
		Mode:         w.mode,
	}, nil
}

func (a *Anonymizer) decodeJSON(body []byte, pseudonym string) (any, error) {
	if len(body) > a.maxBytes {
		return nil, &pii.MalformedInputError{Reason: pii.ReasonTooLarge, Limit: a.maxBytes}
	}
	if !utf8.Valid(body) {
		return nil, &pii.MalformedInputError{Reason: pii.ReasonInvalidUTF8}
	}
	if err := a.validate("", pseudonym); err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, &pii.MalformedInputError{Reason: pii.ReasonInvalidJSON}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, &pii.MalformedInputError{Reason: pii.ReasonInvalidJSON}
	}
	return doc, nil
}

// walker anonymizes string leaves of a decoded JSON value in place.
type walker struct {
	a         *Anonymizer
	ctx       context.Context
	pseudonym string
	spans     []pii.Span
	mode      string
	degraded  bool
}

func (w *walker) walk(v any) (any, error) {
	switch val := v.(type) {
	case string:
		return w.leaf(val)
	case []any:
		for i, item := range val {
			out, err := w.walk(item)
			if err != nil {
				return nil, err
			}
			val[i] = out
		}
		return val, nil
	case map[string]any:
		for k, item := range val {
			if w.a.skip[k] {
				continue
			}
			out, err := w.walk(item)
			if err != nil {
				return nil, err
			}
			val[k] = out
		}
		return val, nil
	}
	return v, nil
}

func (w *walker) leaf(s string) (string, error) {
	if s == "" {
		return s, nil
	}
	det, red, err := w.a.redact(w.ctx, s, w.pseudonym)
	if det.Degraded {
		w.degraded = true
		w.mode = recognizer.ModeFallback
	}
	if err != nil {
		return "", err
	}
	w.spans = append(w.spans, det.Spans...)
	return red.Text, nil
}
