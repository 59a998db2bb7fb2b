// Package recognizer wraps statistical named-entity recognition behind a
// fixed contract: text in, candidate spans out, or a degraded signal.
//
// Backends (HTTP sidecar, Ollama, local ONNX model) implement Recognizer.
// The Adapter bounds every call with a timeout, recovers panics and turns
// every failure into Outcome.Degraded. It never retries: when the model is
// unavailable the orchestrator's pattern and fallback layers carry the
// request.
package recognizer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/pii"
)

// Recognizer finds entity spans in text. Offsets are byte offsets into text.
// Implementations must be safe for concurrent use.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, text string) ([]pii.Span, error)
}

// Pinger is implemented by recognizers that can report readiness without
// processing text.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Degradation reasons.
const (
	ReasonDisabled = "disabled"
	ReasonTimeout  = "timeout"
	ReasonError    = "error"
	ReasonPanic    = "panic"
)

// Detection modes reported to callers.
const (
	ModeFull     = "full_ml"
	ModeFallback = "fallback"
)

// DefaultTimeout bounds a recognizer call when none is configured.
const DefaultTimeout = 10 * time.Second

// Outcome is the adapter's answer for one text.
type Outcome struct {
	Spans    []pii.Span
	Degraded bool
	Reason   string // set when Degraded
	Err      error  // *pii.UnavailableError when Degraded
	Elapsed  time.Duration
}

// Observer receives one call per recognizer invocation. reason is empty on
// success.
type Observer interface {
	ObserveRecognizer(elapsed time.Duration, reason string)
}

// AdapterOptions configures an Adapter.
type AdapterOptions struct {
	Timeout  time.Duration
	Logger   *logger.Logger
	Observer Observer
}

// Adapter guards a Recognizer.
type Adapter struct {
	rec     Recognizer
	timeout time.Duration
	log     *logger.Logger
	obs     Observer
}

// NewAdapter wraps rec. A nil rec yields an adapter that always reports
// degraded with reason "disabled".
func NewAdapter(rec Recognizer, opts AdapterOptions) *Adapter {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if _, none := rec.(None); none {
		rec = nil
	}
	return &Adapter{rec: rec, timeout: opts.Timeout, log: opts.Logger, obs: opts.Observer}
}

// Name returns the backend name, or "none".
func (a *Adapter) Name() string {
	if a.rec == nil {
		return "none"
	}
	return a.rec.Name()
}

// Enabled reports whether a backend is configured.
func (a *Adapter) Enabled() bool { return a.rec != nil }

type result struct {
	spans []pii.Span
	err   error
}

// Recognize runs the backend on text within the adapter timeout. It never
// returns an error: failures are reported through Outcome.Degraded.
func (a *Adapter) Recognize(ctx context.Context, text string) Outcome {
	if a.rec == nil {
		return Outcome{
			Degraded: true,
			Reason:   ReasonDisabled,
			Err:      &pii.UnavailableError{Recognizer: "none", Reason: ReasonDisabled},
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: &panicError{value: r}}
			}
		}()
		spans, err := a.rec.Recognize(ctx, text)
		done <- result{spans: spans, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}
	elapsed := time.Since(start)

	if res.err != nil {
		reason := classify(res.err)
		a.observe(elapsed, reason)
		a.log.Warnf("recognize", "%s degraded (%s) after %s: %v", a.rec.Name(), reason, elapsed.Round(time.Millisecond), res.err)
		return Outcome{
			Degraded: true,
			Reason:   reason,
			Err:      &pii.UnavailableError{Recognizer: a.rec.Name(), Reason: reason, Err: res.err},
			Elapsed:  elapsed,
		}
	}

	spans := sanitize(res.spans, text)
	a.observe(elapsed, "")
	a.log.Debugf("recognize", "%s returned %d spans (%d dropped) in %s", a.rec.Name(), len(res.spans), len(res.spans)-len(spans), elapsed.Round(time.Millisecond))
	return Outcome{Spans: spans, Elapsed: elapsed}
}

// Ping checks backend readiness. Backends without a Pinger are assumed ready.
func (a *Adapter) Ping(ctx context.Context) error {
	if a.rec == nil {
		return &pii.UnavailableError{Recognizer: "none", Reason: ReasonDisabled}
	}
	p, ok := a.rec.(Pinger)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := p.Ping(ctx); err != nil {
		return &pii.UnavailableError{Recognizer: a.rec.Name(), Reason: classify(err), Err: err}
	}
	return nil
}

// Mode returns ModeFull when the backend answers a ping, ModeFallback
// otherwise.
func (a *Adapter) Mode(ctx context.Context) string {
	if a.Ping(ctx) != nil {
		return ModeFallback
	}
	return ModeFull
}

// Close releases backend resources when the backend holds any.
func (a *Adapter) Close() error {
	if c, ok := a.rec.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (a *Adapter) observe(elapsed time.Duration, reason string) {
	if a.obs != nil {
		a.obs.ObserveRecognizer(elapsed, reason)
	}
}

func classify(err error) string {
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return ReasonPanic
	case errors.Is(err, context.DeadlineExceeded):
		return ReasonTimeout
	default:
		return ReasonError
	}
}

// sanitize drops spans outside text or cutting through a UTF-8 sequence,
// normalizes labels and clamps scores.
func sanitize(in []pii.Span, text string) []pii.Span {
	out := make([]pii.Span, 0, len(in))
	for _, s := range in {
		if !s.Valid(len(text)) || !onRuneBoundaries(text, s) {
			continue
		}
		t := NormalizeLabel(string(s.Type))
		if t == "" {
			continue
		}
		score := s.Score
		if math.IsNaN(score) || score < 0 {
			score = 0
		}
		out = append(out, pii.Span{
			Start:  s.Start,
			End:    s.End,
			Type:   t,
			Score:  math.Min(score, 1),
			Source: pii.SourceStatistical,
		})
	}
	return out
}

func onRuneBoundaries(text string, s pii.Span) bool {
	if !utf8.RuneStart(text[s.Start]) {
		return false
	}
	return s.End == len(text) || utf8.RuneStart(text[s.End])
}

type panicError struct{ value any }

func (e *panicError) Error() string { return fmt.Sprintf("recognizer panic: %v", e.value) }

// None is the disabled backend.
type None struct{}

// Name implements Recognizer.
func (None) Name() string { return "none" }

// Recognize implements Recognizer.
func (None) Recognize(context.Context, string) ([]pii.Span, error) {
	return nil, pii.ErrRecognizerUnavailable
}
