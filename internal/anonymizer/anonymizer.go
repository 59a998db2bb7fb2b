// Package anonymizer is the entry point callers use: it validates input,
// runs detection and redaction, and converts byte offsets to code-point
// offsets on the way out.
//
// Two operations are exposed:
//  1. Detect reports the spans that would be redacted.
//  2. Anonymize redacts them; AnonymizeJSON does the same for every string
//     leaf of a JSON document.
//
// Recognizer failures never surface here: they only switch the reported mode
// to "fallback". A failed leak check aborts the call with no output.
package anonymizer

import (
	"context"
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"pii-anonymizer/internal/detector"
	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/pii"
	"pii-anonymizer/internal/redact"
)

// DefaultMaxTextBytes bounds the text accepted by one call.
const DefaultMaxTextBytes = 1 << 20 // 1 MiB

// MaxPseudonymBytes bounds the caller-supplied pseudonym.
const MaxPseudonymBytes = 256

// Operations reported to observers.
const (
	OpDetect        = "detect"
	OpAnonymize     = "anonymize"
	OpAnonymizeJSON = "anonymize_json"
)

// Request outcomes reported to observers.
const (
	StatusOK       = "ok"
	StatusRejected = "rejected"
	StatusFailed   = "failed"
)

// Report summarises one call. It carries entity types and counts, never text.
type Report struct {
	RequestID string
	Operation string
	Mode      string
	Degraded  bool
	Counts    map[pii.EntityType]int
	Status    string
	Elapsed   time.Duration
	Time      time.Time
}

// Observer receives one Report per call.
type Observer interface {
	ObserveRequest(r Report)
}

// Options configures an Anonymizer.
type Options struct {
	MaxTextBytes int

	// SkipKeys are JSON object keys whose values AnonymizeJSON leaves alone.
	// Nil means DefaultSkipKeys.
	SkipKeys  []string
	Logger    *logger.Logger
	Observers []Observer
}

// Anonymizer ties a Detector to a redaction Engine.
type Anonymizer struct {
	det       *detector.Detector
	eng       *redact.Engine
	maxBytes  int
	skip      map[string]bool
	log       *logger.Logger
	observers []Observer
}

// New creates an Anonymizer.
func New(det *detector.Detector, eng *redact.Engine, opts Options) *Anonymizer {
	if opts.MaxTextBytes <= 0 {
		opts.MaxTextBytes = DefaultMaxTextBytes
	}
	if opts.SkipKeys == nil {
		opts.SkipKeys = DefaultSkipKeys
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	skip := make(map[string]bool, len(opts.SkipKeys))
	for _, k := range opts.SkipKeys {
		skip[k] = true
	}
	return &Anonymizer{
		det:       det,
		eng:       eng,
		maxBytes:  opts.MaxTextBytes,
		skip:      skip,
		log:       opts.Logger,
		observers: opts.Observers,
	}
}

// Detector returns the underlying detector.
func (a *Anonymizer) Detector() *detector.Detector { return a.det }

// MaxTextBytes returns the input size limit.
func (a *Anonymizer) MaxTextBytes() int { return a.maxBytes }

// Entity is one detection. Offsets are code points.
type Entity struct {
	Type       pii.EntityType `json:"type"`
	Text       string         `json:"text_span"`
	Start      int            `json:"start"`
	End        int            `json:"end"`
	Confidence float64        `json:"confidence"`
	Source     pii.Source     `json:"source"`
}

// DetectResult is the answer to Detect.
type DetectResult struct {
	Entities []Entity `json:"entities"`
	Mode     string   `json:"mode"`
}

// Offsets is a half-open code-point range of the input.
type Offsets struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Replacement is one substitution made by Anonymize.
type Replacement struct {
	EntityType      pii.EntityType `json:"entity_type"`
	OriginalOffsets Offsets        `json:"original_offsets"`
	Replacement     string         `json:"replacement"`
}

// AnonymizeResult is the answer to Anonymize.
type AnonymizeResult struct {
	AnonymizedText     string        `json:"anonymized_text"`
	Replacements       []Replacement `json:"replacements"`
	PseudonymPreserved bool          `json:"pseudonym_preserved"`
	Mode               string        `json:"mode"`
}

// Detect reports what Anonymize would redact in text.
func (a *Anonymizer) Detect(ctx context.Context, requestID, text, pseudonym string) (DetectResult, error) {
	start := time.Now()
	if err := a.validate(text, pseudonym); err != nil {
		a.finish(requestID, OpDetect, detector.Result{}, nil, err, start)
		return DetectResult{}, err
	}

	res := a.det.Detect(ctx, text, pseudonym)
	idx := pii.NewOffsetIndex(text)
	entities := make([]Entity, len(res.Spans))
	for i, s := range res.Spans {
		entities[i] = Entity{
			Type:       s.Type,
			Text:       text[s.Start:s.End],
			Start:      idx.ToRunes(s.Start),
			End:        idx.ToRunes(s.End),
			Confidence: s.Score,
			Source:     s.Source,
		}
	}
	a.finish(requestID, OpDetect, res, res.Spans, nil, start)
	return DetectResult{Entities: entities, Mode: res.Mode}, nil
}

// Anonymize redacts text. Person names become pseudonym when one is given.
func (a *Anonymizer) Anonymize(ctx context.Context, requestID, text, pseudonym string) (AnonymizeResult, error) {
	start := time.Now()
	if err := a.validate(text, pseudonym); err != nil {
		a.finish(requestID, OpAnonymize, detector.Result{}, nil, err, start)
		return AnonymizeResult{}, err
	}

	det, red, err := a.redact(ctx, text, pseudonym)
	if err != nil {
		a.finish(requestID, OpAnonymize, det, nil, err, start)
		return AnonymizeResult{}, err
	}

	idx := pii.NewOffsetIndex(text)
	reps := make([]Replacement, len(red.Replacements))
	for i, r := range red.Replacements {
		reps[i] = Replacement{
			EntityType:      r.Type,
			OriginalOffsets: Offsets{Start: idx.ToRunes(r.Start), End: idx.ToRunes(r.End)},
			Replacement:     r.Replacement,
		}
	}
	a.finish(requestID, OpAnonymize, det, det.Spans, nil, start)
	return AnonymizeResult{
		AnonymizedText:     red.Text,
		Replacements:       reps,
		PseudonymPreserved: red.PseudonymUsed,
		Mode:               det.Mode,
	}, nil
}

// redact runs detection and redaction on validated text.
func (a *Anonymizer) redact(ctx context.Context, text, pseudonym string) (detector.Result, redact.Result, error) {
	det := a.det.Detect(ctx, text, pseudonym)
	red, err := a.eng.Apply(text, det.Spans, pseudonym)
	if err != nil {
		return det, redact.Result{}, err
	}
	return det, red, nil
}

func (a *Anonymizer) validate(text, pseudonym string) error {
	if len(text) > a.maxBytes {
		return &pii.MalformedInputError{Reason: pii.ReasonTooLarge, Limit: a.maxBytes}
	}
	if !utf8.ValidString(text) {
		return &pii.MalformedInputError{Reason: pii.ReasonInvalidUTF8}
	}
	if len(pseudonym) > MaxPseudonymBytes || !utf8.ValidString(pseudonym) {
		return &pii.MalformedInputError{Reason: pii.ReasonInvalidPseudonym, Limit: MaxPseudonymBytes}
	}
	return nil
}

// finish logs the call and notifies observers.
func (a *Anonymizer) finish(requestID, op string, det detector.Result, spans []pii.Span, err error, start time.Time) {
	r := Report{
		RequestID: requestID,
		Operation: op,
		Mode:      det.Mode,
		Degraded:  det.Degraded,
		Counts:    countTypes(spans),
		Status:    statusOf(err),
		Elapsed:   time.Since(start),
		Time:      start.UTC(),
	}
	switch r.Status {
	case StatusOK:
		a.log.Infof(op, "[%s] %d entities %s mode=%s in %s", requestID, len(spans), formatCounts(r.Counts), r.Mode, r.Elapsed.Round(time.Microsecond))
	case StatusRejected:
		a.log.Warnf(op, "[%s] rejected: %v", requestID, err)
	default:
		a.log.Errorf(op, "[%s] failed: %v", requestID, err)
	}
	for _, o := range a.observers {
		o.ObserveRequest(r)
	}
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, pii.ErrMalformedInput):
		return StatusRejected
	default:
		return StatusFailed
	}
}

func countTypes(spans []pii.Span) map[pii.EntityType]int {
	if len(spans) == 0 {
		return nil
	}
	counts := make(map[pii.EntityType]int)
	for _, s := range spans {
		counts[s.Type]++
	}
	return counts
}

// formatCounts renders counts as "{EMAIL_ADDRESS:1 PERSON:2}" in type order.
func formatCounts(counts map[pii.EntityType]int) string {
	types := make([]string, 0, len(counts))
	for t := range counts {
		types = append(types, string(t))
	}
	sort.Strings(types)
	var b strings.Builder
	b.WriteByte('{')
	for i, t := range types {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(t)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(counts[pii.EntityType(t)]))
	}
	b.WriteByte('}')
	return b.String()
}
