// Package redact replaces resolved spans with generic tokens and verifies
// that no original value survives in the output.
package redact

import (
	"strings"
	"unicode/utf8"

	"pii-anonymizer/internal/logger"
	"pii-anonymizer/internal/pii"
	"pii-anonymizer/internal/vocabulary"
)

// Replacement records one substitution. Start and End are byte offsets into
// the input text.
type Replacement struct {
	Type        pii.EntityType
	Start       int
	End         int
	Replacement string
}

// Result is the redacted text and what was replaced in it.
type Result struct {
	Text         string
	Replacements []Replacement

	// PseudonymUsed is set when at least one person span took the pseudonym.
	PseudonymUsed bool
}

// Engine applies replacements. It holds only read-only state and is safe for
// concurrent use.
type Engine struct {
	vocab *vocabulary.Vocabulary
	log   *logger.Logger
}

// New creates an Engine. A nil vocabulary means vocabulary.Default().
func New(vocab *vocabulary.Vocabulary, log *logger.Logger) *Engine {
	if vocab == nil {
		vocab = vocabulary.Default()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Engine{vocab: vocab, log: log}
}

// Vocabulary returns the replacement vocabulary in use.
func (e *Engine) Vocabulary() *vocabulary.Vocabulary { return e.vocab }

// Apply replaces every span of text. Person spans take pseudonym when one is
// given. spans must be resolved: sorted, disjoint and within text.
//
// After substitution the output is scanned for every original value. Any
// occurrence outside an inserted token is an invariant violation: Apply then
// returns a *pii.InvariantError and no text.
func (e *Engine) Apply(text string, spans []pii.Span, pseudonym string) (Result, error) {
	if err := checkSpans(text, spans); err != nil {
		e.log.Errorf("apply", "rejected span list: %v", err)
		return Result{}, err
	}
	if len(spans) == 0 {
		return Result{Text: text}, nil
	}

	reps := make([]Replacement, len(spans))
	usedPseudonym := false
	for i, s := range spans {
		tok := e.vocab.Token(s.Type)
		if s.Type == pii.Person && pseudonym != "" {
			tok = pseudonym
			usedPseudonym = true
		}
		reps[i] = Replacement{Type: s.Type, Start: s.Start, End: s.End, Replacement: tok}
	}

	// Splice from the last span backwards so earlier offsets stay valid.
	// Pieces are collected in reverse and joined once.
	pieces := make([]string, 0, 2*len(reps)+1)
	tail := len(text)
	for i := len(reps) - 1; i >= 0; i-- {
		r := reps[i]
		pieces = append(pieces, text[r.End:tail], r.Replacement)
		tail = r.Start
	}
	pieces = append(pieces, text[:tail])

	var b strings.Builder
	b.Grow(len(text))
	inserted := make([]outRange, 0, len(reps))
	for i := len(pieces) - 1; i >= 0; i-- {
		// odd positions, counted from the end, hold replacement tokens
		if (len(pieces)-1-i)%2 == 1 {
			inserted = append(inserted, outRange{b.Len(), b.Len() + len(pieces[i])})
		}
		b.WriteString(pieces[i])
	}
	out := b.String()

	if n := leaks(out, text, spans, inserted, pseudonym); n > 0 {
		err := &pii.InvariantError{Check: "original value in output", Count: n}
		e.log.Errorf("apply", "%v; output withheld", err)
		return Result{}, err
	}
	return Result{Text: out, Replacements: reps, PseudonymUsed: usedPseudonym}, nil
}

type outRange struct{ start, end int }

// leaks counts occurrences of original span values in out that are not
// wholly inside an inserted token or a whole-word occurrence of the pseudonym.
func leaks(out, text string, spans []pii.Span, inserted []outRange, pseudonym string) int {
	allowed := inserted
	if pseudonym != "" {
		for _, loc := range pii.WordOccurrences(out, pseudonym) {
			allowed = append(allowed, outRange{loc[0], loc[1]})
		}
	}

	count := 0
	seen := make(map[string]bool, len(spans))
	for _, s := range spans {
		value := text[s.Start:s.End]
		if seen[value] {
			continue
		}
		seen[value] = true
		for from := 0; from < len(out); {
			i := strings.Index(out[from:], value)
			if i < 0 {
				break
			}
			start := from + i
			end := start + len(value)
			if !within(allowed, start, end) {
				count++
			}
			from = start + 1
		}
	}
	return count
}

func within(ranges []outRange, start, end int) bool {
	for _, r := range ranges {
		if start >= r.start && end <= r.end {
			return true
		}
	}
	return false
}

// checkSpans verifies the resolved-span contract.
func checkSpans(text string, spans []pii.Span) error {
	bad := 0
	for i, s := range spans {
		switch {
		case !s.Valid(len(text)):
			bad++
		case !utf8.RuneStart(text[s.Start]) || (s.End < len(text) && !utf8.RuneStart(text[s.End])):
			bad++
		case i > 0 && s.Start < spans[i-1].End:
			bad++
		}
	}
	if bad > 0 {
		return &pii.InvariantError{Check: "resolved spans sorted, disjoint and in range", Count: bad}
	}
	return nil
}
