package redact

import (
	"errors"
	"strings"
	"testing"

	"pii-anonymizer/internal/pii"
	"pii-anonymizer/internal/vocabulary"
)

func spanOf(text, value string, typ pii.EntityType) pii.Span {
	i := strings.Index(text, value)
	return pii.Span{Start: i, End: i + len(value), Type: typ, Score: 0.9, Source: pii.SourcePattern}
}

func TestApplyReplacesEverySpan(t *testing.T) {
	v := vocabulary.Default()
	e := New(v, nil)
	text := "Call John Smith at 555-123-4567 or mail js@example.com."
	spans := []pii.Span{
		spanOf(text, "John Smith", pii.Person),
		spanOf(text, "555-123-4567", pii.PhoneNumber),
		spanOf(text, "js@example.com", "EMAIL_ADDRESS"),
	}
	res, err := e.Apply(text, spans, "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := "Call " + v.Token(pii.Person) + " at " + v.Token(pii.PhoneNumber) + " or mail " + v.Token("EMAIL_ADDRESS") + "."
	if res.Text != want {
		t.Errorf("text = %q, want %q", res.Text, want)
	}
	if len(res.Replacements) != 3 || res.PseudonymUsed {
		t.Fatalf("replacements = %+v", res.Replacements)
	}
	for i, r := range res.Replacements {
		if r.Start != spans[i].Start || r.End != spans[i].End || r.Type != spans[i].Type {
			t.Errorf("replacement %d = %+v", i, r)
		}
	}
	if res.Replacements[0].Replacement != "[redacted name]" {
		t.Errorf("person token = %q", res.Replacements[0].Replacement)
	}
}

func TestApplyPseudonym(t *testing.T) {
	e := New(nil, nil)
	text := "John Smith and Jane Doe share PAN ACBPM9988K"
	spans := []pii.Span{
		spanOf(text, "John Smith", pii.Person),
		spanOf(text, "Jane Doe", pii.Person),
		spanOf(text, "ACBPM9988K", pii.PANNumber),
	}
	res, err := e.Apply(text, spans, "Patient_001")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Text != "Patient_001 and Patient_001 share PAN [redacted identifier]" {
		t.Errorf("text = %q", res.Text)
	}
	if !res.PseudonymUsed {
		t.Error("PseudonymUsed not set")
	}
}

func TestApplyFailsOnLeak(t *testing.T) {
	e := New(nil, nil)
	text := "John called. John left."
	res, err := e.Apply(text, []pii.Span{{Start: 0, End: 4, Type: pii.Person}}, "")
	if !errors.Is(err, pii.ErrRedactionInvariant) {
		t.Fatalf("err = %v, want ErrRedactionInvariant", err)
	}
	var inv *pii.InvariantError
	if !errors.As(err, &inv) || inv.Count != 1 {
		t.Errorf("err = %#v", err)
	}
	if res.Text != "" || res.Replacements != nil {
		t.Errorf("partial output returned: %+v", res)
	}
	if strings.Contains(err.Error(), "John") {
		t.Errorf("error leaks input: %v", err)
	}
}

func TestApplyIgnoresValuesInsideInsertedText(t *testing.T) {
	e := New(nil, nil)

	// the original value is part of its own replacement token
	text := "the word redacted here"
	if _, err := e.Apply(text, []pii.Span{spanOf(text, "redacted", pii.Person)}, ""); err != nil {
		t.Errorf("token containing the value: %v", err)
	}

	// the original value is part of the pseudonym, inserted and pre-existing
	text = "Smith met Patient_Smith"
	res, err := e.Apply(text, []pii.Span{{Start: 0, End: 5, Type: pii.Person}}, "Patient_Smith")
	if err != nil {
		t.Fatalf("pseudonym containing the value: %v", err)
	}
	if res.Text != "Patient_Smith met Patient_Smith" {
		t.Errorf("text = %q", res.Text)
	}
}

func TestApplyPseudonymInsideLongerWordIsALeak(t *testing.T) {
	e := New(nil, nil)
	// "Smith" survives inside "Smithers"; that occurrence is not the pseudonym
	text := "Smith met Smithers"
	_, err := e.Apply(text, []pii.Span{{Start: 0, End: 5, Type: pii.Organization}}, "Smith")
	if !errors.Is(err, pii.ErrRedactionInvariant) {
		t.Errorf("err = %v, want ErrRedactionInvariant", err)
	}
}

func TestApplyRejectsBadSpans(t *testing.T) {
	e := New(nil, nil)
	text := "José Smith"
	cases := map[string][]pii.Span{
		"out of range": {{Start: 5, End: 40, Type: pii.Person}},
		"empty":        {{Start: 3, End: 3, Type: pii.Person}},
		"overlapping":  {{Start: 0, End: 6, Type: pii.Person}, {Start: 5, End: 11, Type: pii.Person}},
		"unsorted":     {{Start: 6, End: 11, Type: pii.Person}, {Start: 0, End: 5, Type: pii.Person}},
		"mid rune":     {{Start: 0, End: 4, Type: pii.Person}},
	}
	for name, spans := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := e.Apply(text, spans, ""); !errors.Is(err, pii.ErrRedactionInvariant) {
				t.Errorf("err = %v, want ErrRedactionInvariant", err)
			}
		})
	}
}

func TestApplyMultibyteAndEmpty(t *testing.T) {
	e := New(nil, nil)
	text := "José Smith über alles"
	res, err := e.Apply(text, []pii.Span{spanOf(text, "José Smith", pii.Person)}, "")
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Text != "[redacted name] über alles" {
		t.Errorf("text = %q", res.Text)
	}

	res, err = e.Apply(text, nil, "")
	if err != nil || res.Text != text || len(res.Replacements) != 0 {
		t.Errorf("no spans: %+v %v", res, err)
	}
}
