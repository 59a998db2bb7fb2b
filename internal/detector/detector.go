// Package detector is the detection orchestrator. It runs the pattern table
// and the statistical recognizer over the same text, merges their candidates,
// resolves overlaps and applies the contextual filters that decide what is
// redacted.
//
// The pattern tier is never skipped. The fallback tier runs when the
// recognizer is degraded or produced nothing usable. A Detector is safe for
// concurrent use; all per-request state is local to Detect.
package detector

import (
	"context"
	"sort"
	"strings"
	"time"
	"unicode"

	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/patterns"
	"pii-anonymizer/internal/pii"
	"pii-anonymizer/internal/recognizer"
)

// DefaultThreshold is the minimum score a candidate needs to be considered.
const DefaultThreshold = 0.35

// Observer receives one call per Detect.
type Observer interface {
	ObserveDetection(elapsed time.Duration, degraded bool)
}

// Options configures a Detector.
type Options struct {
	// Threshold drops candidates scoring below it. Zero means DefaultThreshold.
	Threshold float64
	// ContextWindow is the birth-keyword radius in code points. Zero means
	// patterns.DefaultContextWindow.
	ContextWindow int
	Logger        *logger.Logger
	Observer      Observer
}

// Detector turns text into resolved spans.
type Detector struct {
	lib       *patterns.Library
	rec       *recognizer.Adapter
	threshold float64
	window    int
	log       *logger.Logger
	obs       Observer
}

// New creates a Detector. rec may be nil, which runs in permanent fallback
// mode.
func New(lib *patterns.Library, rec *recognizer.Adapter, opts Options) *Detector {
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultThreshold
	}
	if opts.ContextWindow <= 0 {
		opts.ContextWindow = patterns.DefaultContextWindow
	}
	if opts.Logger == nil {
		opts.Logger = logger.Discard()
	}
	if rec == nil {
		rec = recognizer.NewAdapter(nil, recognizer.AdapterOptions{Logger: opts.Logger})
	}
	return &Detector{
		lib:       lib,
		rec:       rec,
		threshold: opts.Threshold,
		window:    opts.ContextWindow,
		log:       opts.Logger,
		obs:       opts.Observer,
	}
}

// Library returns the pattern table in use.
func (d *Detector) Library() *patterns.Library { return d.lib }

// Recognizer returns the guarded statistical recognizer.
func (d *Detector) Recognizer() *recognizer.Adapter { return d.rec }

// Mode reports whether the recognizer currently answers.
func (d *Detector) Mode(ctx context.Context) string { return d.rec.Mode(ctx) }

// Result is the outcome of one detection.
type Result struct {
	// Spans are resolved: sorted by start and pairwise disjoint. Offsets are
	// bytes.
	Spans []pii.Span
	// Degraded is set when the recognizer did not contribute.
	Degraded bool
	Reason   string
	Mode     string
	Elapsed  time.Duration
}

// Detect finds the spans to redact in text. Candidates inside a whole-word,
// case-insensitive occurrence of pseudonym are never reported. Detect does
// not fail: recognizer problems only mark the result degraded.
func (d *Detector) Detect(ctx context.Context, text, pseudonym string) Result {
	start := time.Now()
	if text == "" {
		return Result{Mode: recognizer.ModeFull}
	}

	candidates := d.lib.Scan(text, patterns.TierPattern)
	nPattern := len(candidates)

	out := d.rec.Recognize(ctx, text)
	candidates = append(candidates, out.Spans...)

	nFallback := 0
	if out.Degraded || !d.usable(out.Spans) {
		fb := d.lib.Scan(text, patterns.TierFallback)
		nFallback = len(fb)
		candidates = append(candidates, fb...)
	}

	candidates = d.prefilter(candidates)
	var protected []byteRange
	if pseudonym != "" {
		protected = protectedRanges(text, pseudonym)
		candidates = withoutProtected(text, pseudonym, candidates, protected)
	}
	candidates = preferPatternType(candidates)
	resolved := Resolve(candidates)

	kept := resolved[:0]
	dropped := map[string]int{}
	for _, s := range resolved {
		ok, why := d.keep(text, &s)
		if !ok {
			dropped[why]++
			continue
		}
		kept = append(kept, s)
	}
	widenPhones(text, kept)
	spans := coverRepeats(text, mergeAddresses(text, kept), protected)

	res := Result{
		Spans:    spans,
		Degraded: out.Degraded,
		Reason:   out.Reason,
		Mode:     recognizer.ModeFull,
		Elapsed:  time.Since(start),
	}
	if out.Degraded {
		res.Mode = recognizer.ModeFallback
	}
	if d.obs != nil {
		d.obs.ObserveDetection(res.Elapsed, res.Degraded)
	}
	d.log.Debugf("detect", "pattern=%d statistical=%d fallback=%d resolved=%d kept=%d dropped=%v mode=%s in %s",
		nPattern, len(out.Spans), nFallback, len(resolved), len(spans), dropped, res.Mode, res.Elapsed.Round(time.Microsecond))
	return res
}

// usable reports whether the recognizer produced at least one candidate that
// can survive: at or above the threshold and not of an always-preserved type.
func (d *Detector) usable(spans []pii.Span) bool {
	for _, s := range spans {
		if s.Score >= d.threshold && !preservedTypes[s.Type] {
			return true
		}
	}
	return false
}

// prefilter drops candidates below the threshold and always-preserved types
// before resolution, so they can never shadow a redactable span.
func (d *Detector) prefilter(spans []pii.Span) []pii.Span {
	out := spans[:0]
	for _, s := range spans {
		if s.Score < d.threshold || preservedTypes[s.Type] {
			continue
		}
		out = append(out, s)
	}
	return out
}

type byteRange struct{ start, end int }

// protectedRanges returns every case-insensitive occurrence of pseudonym
// that stands as a whole word.
func protectedRanges(text, pseudonym string) []byteRange {
	var out []byteRange
	for _, r := range pii.WordOccurrences(text, pseudonym) {
		out = append(out, byteRange{r[0], r[1]})
	}
	return out
}

func insideProtected(s pii.Span, protected []byteRange) bool {
	for _, p := range protected {
		if s.Start >= p.start && s.End <= p.end {
			return true
		}
	}
	return false
}

// withoutProtected drops candidates lying inside an occurrence of the
// pseudonym or whose text, stripped of surrounding punctuation, is the
// pseudonym. A candidate that merely shares characters with it is kept.
func withoutProtected(text, pseudonym string, spans []pii.Span, protected []byteRange) []pii.Span {
	want := trimNonWord(pseudonym)
	out := spans[:0]
	for _, s := range spans {
		if insideProtected(s, protected) {
			continue
		}
		if v := trimNonWord(text[s.Start:s.End]); v != "" && strings.EqualFold(v, want) {
			continue
		}
		out = append(out, s)
	}
	return out
}

func trimNonWord(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// coverRepeats adds a span for every further literal occurrence of a value
// that was detected once, so the value is redacted everywhere it appears.
// Occurrences overlapping a kept span or inside the pseudonym are left alone.
func coverRepeats(text string, spans []pii.Span, protected []byteRange) []pii.Span {
	out := spans
	seen := make(map[string]bool, len(spans))
	for _, s := range spans {
		value := text[s.Start:s.End]
		if seen[value] {
			continue
		}
		seen[value] = true
		for from := 0; from < len(text); {
			i := strings.Index(text[from:], value)
			if i < 0 {
				break
			}
			c := s
			c.Start = from + i
			c.End = c.Start + len(value)
			from = c.End
			if overlapsAny(out, c) || insideProtected(c, protected) {
				continue
			}
			out = append(out, c)
		}
	}
	if len(out) > len(spans) {
		pii.SortByStart(out)
	}
	return out
}

// preferPatternType resolves type disagreements on an identical range: when
// a pattern or fallback matcher and the recognizer report the same range,
// the matcher's type is kept with the higher of the two scores.
func preferPatternType(spans []pii.Span) []pii.Span {
	type key struct{ start, end int }
	matcher := map[key]int{}
	for i, s := range spans {
		if s.Source == pii.SourceStatistical {
			continue
		}
		k := key{s.Start, s.End}
		if j, ok := matcher[k]; !ok || s.Outranks(spans[j]) {
			matcher[k] = i
		}
	}
	if len(matcher) == 0 {
		return spans
	}

	boost := map[int]float64{}
	for _, s := range spans {
		if s.Source != pii.SourceStatistical {
			continue
		}
		if j, ok := matcher[key{s.Start, s.End}]; ok && s.Score > spans[j].Score && s.Score > boost[j] {
			boost[j] = s.Score
		}
	}

	out := make([]pii.Span, 0, len(spans))
	for i, s := range spans {
		if s.Source == pii.SourceStatistical {
			if _, ok := matcher[key{s.Start, s.End}]; ok {
				continue
			}
		}
		if b, ok := boost[i]; ok {
			s.Score = b
		}
		out = append(out, s)
	}
	return out
}

// Resolve selects a disjoint subset of candidates. Candidates are taken in
// priority order (see pii.Span.Outranks) and kept unless they overlap a span
// already kept, so every discarded candidate lost to a stronger neighbour.
// The result is sorted by start.
func Resolve(candidates []pii.Span) []pii.Span {
	if len(candidates) == 0 {
		return nil
	}
	ranked := make([]pii.Span, len(candidates))
	copy(ranked, candidates)
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Outranks(ranked[j]) })

	kept := make([]pii.Span, 0, len(ranked))
	for _, c := range ranked {
		if !overlapsAny(kept, c) {
			kept = append(kept, c)
		}
	}
	pii.SortByStart(kept)
	return kept
}

func overlapsAny(spans []pii.Span, s pii.Span) bool {
	for _, k := range spans {
		if k.Overlaps(s) {
			return true
		}
	}
	return false
}
