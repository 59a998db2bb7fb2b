// Package pii holds the data model shared by every detection and redaction
// stage: entity types, candidate spans, and the error taxonomy.
//
// Offsets in a Span are byte offsets into the source string, half-open
// [Start, End). Conversion to Unicode code-point offsets happens only at the
// edges of the system (see OffsetIndex).
package pii

import (
	"fmt"
	"sort"
)

// EntityType names a class of sensitive data, e.g. "PAN_NUMBER".
type EntityType string

// Canonical entity types referenced directly by detection logic.
// The full taxonomy lives in the pattern table and the vocabulary.
const (
	Person        EntityType = "PERSON"
	Organization  EntityType = "ORGANIZATION"
	Address       EntityType = "ADDRESS"
	StreetAddress EntityType = "STREET_ADDRESS"
	CityState     EntityType = "CITY_STATE"
	ZipCode       EntityType = "ZIP_CODE"
	AptUnit       EntityType = "APT_UNIT"
	PhoneNumber   EntityType = "PHONE_NUMBER"
	IPAddress     EntityType = "IP_ADDRESS"
	DateOfBirth   EntityType = "DATE_OF_BIRTH"
	Date          EntityType = "DATE"
	PANNumber     EntityType = "PAN_NUMBER"
)

// Source records which detection layer produced a span.
type Source string

// Detection layers.
const (
	SourceStatistical Source = "statistical"
	SourcePattern     Source = "pattern"
	SourceFallback    Source = "fallback-regex"
)

// rank orders sources for overlap tie-breaks: format-exact patterns first,
// broader fallback regexes next, statistical inference last.
func (s Source) rank() int {
	switch s {
	case SourcePattern:
		return 2
	case SourceFallback:
		return 1
	default:
		return 0
	}
}

// Span is a candidate or resolved detection.
type Span struct {
	Start  int        `json:"start"`
	End    int        `json:"end"`
	Type   EntityType `json:"type"`
	Score  float64    `json:"score"`
	Source Source     `json:"source"`
}

// Len returns the span length in bytes.
func (s Span) Len() int { return s.End - s.Start }

// Overlaps reports whether s and o share at least one byte.
func (s Span) Overlaps(o Span) bool {
	return s.Start < o.End && o.Start < s.End
}

// Valid reports whether the span lies inside a text of length n.
func (s Span) Valid(n int) bool {
	return s.Start >= 0 && s.End <= n && s.Start < s.End
}

// String is safe to log: it carries no matched text.
func (s Span) String() string {
	return fmt.Sprintf("%s[%d:%d]@%.2f/%s", s.Type, s.Start, s.End, s.Score, s.Source)
}

// Outranks reports whether s should be kept over o when they overlap:
// higher score, then pattern over fallback over statistical, then the longer
// span, then the earlier start.
func (s Span) Outranks(o Span) bool {
	if s.Score != o.Score {
		return s.Score > o.Score
	}
	if s.Source.rank() != o.Source.rank() {
		return s.Source.rank() > o.Source.rank()
	}
	if s.Len() != o.Len() {
		return s.Len() > o.Len()
	}
	if s.Start != o.Start {
		return s.Start < o.Start
	}
	return s.Type < o.Type
}

// SortByStart orders spans by (start, -score), the order the orchestrator
// reports them in.
func SortByStart(spans []Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		return spans[i].Score > spans[j].Score
	})
}

// NonOverlapping reports whether spans are sorted by start and pairwise
// disjoint.
func NonOverlapping(spans []Span) bool {
	for i := 1; i < len(spans); i++ {
		if spans[i].Start < spans[i-1].End {
			return false
		}
	}
	return true
}
