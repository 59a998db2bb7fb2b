// Package patterns holds the declarative pattern table for format-exact
// identifiers and the fallback-regex strategies used when the statistical
// recognizer is degraded.
//
// The table is loaded once at startup (embedded default plus an optional YAML
// override) and is read-only afterwards, so a Library may be shared by any
// number of concurrent requests.
package patterns

import (
	_ "embed"
	"fmt"
	"math"
	"os"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"

	"pii-anonymizer/internal/pii"
)

//go:embed default_patterns.yaml
var defaultTable []byte

// Tier selects when an entity's matchers run.
type Tier string

const (
	// TierPattern matchers always run.
	TierPattern Tier = "pattern"
	// TierFallback matchers run only when the statistical layer produced
	// nothing usable.
	TierFallback Tier = "fallback"
)

// DefaultContextWindow is the keyword search radius in code points.
const DefaultContextWindow = 50

// Context scoring: a keyword near the match raises the score by contextBoost
// and never leaves it below contextFloor.
const (
	contextBoost = 0.35
	contextFloor = 0.4
)

// Entity is one entry of the pattern table.
type Entity struct {
	Type        pii.EntityType `yaml:"type"`
	Category    string         `yaml:"category"`
	Description string         `yaml:"description,omitempty"`
	Tier        Tier           `yaml:"tier"`
	Context     []string       `yaml:"context,omitempty"`
	Matchers    []*Matcher     `yaml:"matchers"`
}

// Matcher is a single compiled regular expression with its scoring rules.
type Matcher struct {
	Name            string  `yaml:"name"`
	Regex           string  `yaml:"regex"`
	Confidence      float64 `yaml:"confidence"`
	Group           int     `yaml:"group,omitempty"`
	ContextRequired bool    `yaml:"context_required,omitempty"`
	Validate        string  `yaml:"validate,omitempty"`

	re      *regexp.Regexp
	check   validator
	context []string // folded keywords, shared with the owning entity
	window  int
}

// Match is a raw matcher hit: byte offsets and the context-adjusted score.
type Match struct {
	Start, End int
	Score      float64
}

type table struct {
	Version  int       `yaml:"version"`
	Entities []*Entity `yaml:"entities"`
}

// Library is an immutable, compiled pattern table.
type Library struct {
	entities []*Entity
	byType   map[pii.EntityType]*Entity
	window   int
}

// Default returns the library compiled from the embedded table.
func Default() (*Library, error) {
	return Parse(defaultTable)
}

// LoadFile parses a YAML pattern table from disk.
func LoadFile(path string) (*Library, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pattern file: %w", err)
	}
	lib, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return lib, nil
}

// Parse compiles a YAML pattern table. Every regex is compiled and every
// entry validated here, so a bad table fails at startup rather than per
// request.
func Parse(data []byte) (*Library, error) {
	var t table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse pattern table: %w", err)
	}
	lib := &Library{
		byType: make(map[pii.EntityType]*Entity, len(t.Entities)),
		window: DefaultContextWindow,
	}
	for i, e := range t.Entities {
		if err := compileEntity(e); err != nil {
			return nil, fmt.Errorf("entity %d (%s): %w", i, e.Type, err)
		}
		if _, dup := lib.byType[e.Type]; dup {
			return nil, fmt.Errorf("entity %d: duplicate type %s", i, e.Type)
		}
		lib.byType[e.Type] = e
		lib.entities = append(lib.entities, e)
	}
	lib.SetContextWindow(DefaultContextWindow)
	return lib, nil
}

func compileEntity(e *Entity) error {
	if e.Type == "" {
		return fmt.Errorf("missing type")
	}
	if e.Category == "" {
		return fmt.Errorf("missing category")
	}
	switch e.Tier {
	case "":
		e.Tier = TierPattern
	case TierPattern, TierFallback:
	default:
		return fmt.Errorf("unknown tier %q", e.Tier)
	}
	if len(e.Matchers) == 0 {
		return fmt.Errorf("no matchers")
	}
	folded := make([]string, 0, len(e.Context))
	for _, kw := range e.Context {
		folded = append(folded, pii.Fold(kw))
	}
	for _, m := range e.Matchers {
		if err := m.compile(folded); err != nil {
			return fmt.Errorf("matcher %q: %w", m.Name, err)
		}
	}
	return nil
}

func (m *Matcher) compile(context []string) error {
	re, err := regexp.Compile(m.Regex)
	if err != nil {
		return err
	}
	if m.Group < 0 || m.Group > re.NumSubexp() {
		return fmt.Errorf("group %d out of range (regex has %d)", m.Group, re.NumSubexp())
	}
	if m.Confidence <= 0 || m.Confidence > 1 {
		return fmt.Errorf("confidence %v outside (0, 1]", m.Confidence)
	}
	if m.ContextRequired && len(context) == 0 {
		return fmt.Errorf("context_required without context keywords")
	}
	if m.Validate != "" {
		check, ok := validators[m.Validate]
		if !ok {
			return fmt.Errorf("unknown validator %q", m.Validate)
		}
		m.check = check
	}
	m.re = re
	m.context = context
	return nil
}

// Extend returns a new library in which entities from override replace
// entities of the same type, and new types are appended.
func (l *Library) Extend(override *Library) *Library {
	out := &Library{
		byType: make(map[pii.EntityType]*Entity, len(l.entities)+len(override.entities)),
		window: l.window,
	}
	for _, e := range l.entities {
		if o, ok := override.byType[e.Type]; ok {
			e = o
		}
		out.entities = append(out.entities, e)
		out.byType[e.Type] = e
	}
	for _, e := range override.entities {
		if _, ok := out.byType[e.Type]; !ok {
			out.entities = append(out.entities, e)
			out.byType[e.Type] = e
		}
	}
	out.SetContextWindow(l.window)
	return out
}

// SetContextWindow sets the keyword search radius. Call it before the library
// is shared.
func (l *Library) SetContextWindow(radius int) {
	if radius <= 0 {
		radius = DefaultContextWindow
	}
	l.window = radius
	for _, e := range l.entities {
		for _, m := range e.Matchers {
			m.window = radius
		}
	}
}

// Entity returns the table entry for t.
func (l *Library) Entity(t pii.EntityType) (*Entity, bool) {
	e, ok := l.byType[t]
	return e, ok
}

// Matchers returns the matchers registered for t.
func (l *Library) Matchers(t pii.EntityType) []*Matcher {
	if e, ok := l.byType[t]; ok {
		return e.Matchers
	}
	return nil
}

// Entities returns the table entries sorted by type.
func (l *Library) Entities() []*Entity {
	out := append([]*Entity(nil), l.entities...)
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

// Categories maps every entity type of the library to its declared category.
func (l *Library) Categories() map[pii.EntityType]string {
	out := make(map[pii.EntityType]string, len(l.entities))
	for _, e := range l.entities {
		out[e.Type] = e.Category
	}
	return out
}

// Scan runs every matcher of the given tier over text. Hits of one entity on
// the same range are collapsed to the best score.
func (l *Library) Scan(text string, tier Tier) []pii.Span {
	src := pii.SourcePattern
	if tier == TierFallback {
		src = pii.SourceFallback
	}
	var out []pii.Span
	for _, e := range l.entities {
		if e.Tier != tier {
			continue
		}
		best := map[[2]int]float64{}
		var order [][2]int
		for _, m := range e.Matchers {
			for _, hit := range m.Match(text) {
				k := [2]int{hit.Start, hit.End}
				prev, seen := best[k]
				if !seen {
					order = append(order, k)
				}
				if !seen || hit.Score > prev {
					best[k] = hit.Score
				}
			}
		}
		for _, k := range order {
			out = append(out, pii.Span{Start: k[0], End: k[1], Type: e.Type, Score: best[k], Source: src})
		}
	}
	return out
}

// Match returns every non-empty hit of m in text with its context-adjusted
// score. It has no side effects.
func (m *Matcher) Match(text string) []Match {
	idx := m.re.FindAllStringSubmatchIndex(text, -1)
	if len(idx) == 0 {
		return nil
	}
	window := m.window
	if window <= 0 {
		window = DefaultContextWindow
	}
	out := make([]Match, 0, len(idx))
	for _, loc := range idx {
		start, end := loc[2*m.Group], loc[2*m.Group+1]
		if start < 0 || end <= start {
			continue
		}
		if m.check != nil && !m.check(text[start:end]) {
			continue
		}
		score := m.Confidence
		if len(m.context) > 0 {
			near := pii.ContainsAnyWord(pii.Window(text, start, end, window), m.context)
			switch {
			case near:
				score = math.Min(1, math.Max(score+contextBoost, contextFloor))
			case m.ContextRequired:
				continue
			}
		}
		out = append(out, Match{Start: start, End: end, Score: score})
	}
	return out
}

// CoverageRow summarises one entity of the table for auditors.
type CoverageRow struct {
	Type            pii.EntityType `json:"type"`
	Category        string         `json:"category"`
	Tier            Tier           `json:"tier"`
	Matchers        int            `json:"matchers"`
	Validators      []string       `json:"validators,omitempty"`
	Context         []string       `json:"context,omitempty"`
	ContextRequired bool           `json:"context_required"`
}

// Coverage lists every entity of the library, sorted by type.
func (l *Library) Coverage() []CoverageRow {
	entities := l.Entities()
	rows := make([]CoverageRow, 0, len(entities))
	for _, e := range entities {
		row := CoverageRow{
			Type:     e.Type,
			Category: e.Category,
			Tier:     e.Tier,
			Matchers: len(e.Matchers),
			Context:  e.Context,
		}
		seen := map[string]bool{}
		for _, m := range e.Matchers {
			if m.Validate != "" && !seen[m.Validate] {
				seen[m.Validate] = true
				row.Validators = append(row.Validators, m.Validate)
			}
			row.ContextRequired = row.ContextRequired || m.ContextRequired
		}
		rows = append(rows, row)
	}
	return rows
}
