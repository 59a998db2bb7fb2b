package patterns

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"pii-anonymizer/internal/pii"
)

func mustDefault(t *testing.T) *Library {
	t.Helper()
	lib, err := Default()
	if err != nil {
		t.Fatalf("Default: %v", err)
	}
	return lib
}

// hits returns the matched text and score of every span of type typ.
func hits(text string, spans []pii.Span, typ pii.EntityType) map[string]float64 {
	out := map[string]float64{}
	for _, s := range spans {
		if s.Type == typ {
			out[text[s.Start:s.End]] = s.Score
		}
	}
	return out
}

func TestDefaultTableCompiles(t *testing.T) {
	lib := mustDefault(t)
	if len(lib.Entities()) < 40 {
		t.Errorf("expected a full table, got %d entities", len(lib.Entities()))
	}
	if len(lib.Matchers(pii.PANNumber)) == 0 {
		t.Error("PAN_NUMBER has no matchers")
	}
	if lib.Matchers("NO_SUCH_TYPE") != nil {
		t.Error("unknown type should have no matchers")
	}
}

func TestPANIsFormatExact(t *testing.T) {
	lib := mustDefault(t)

	text := "My PAN is ACBPM9988K."
	got := hits(text, lib.Scan(text, TierPattern), pii.PANNumber)
	score, ok := got["ACBPM9988K"]
	if !ok {
		t.Fatalf("PAN not detected: %v", got)
	}
	if score < 0.95 {
		t.Errorf("PAN score = %v, want >= 0.95", score)
	}

	for _, text := range []string{"AC-BPM-9988-K", "acbpm9988k"} {
		if spans := lib.Scan(text, TierPattern); len(spans) != 0 {
			t.Errorf("%q: unexpected spans %v", text, spans)
		}
	}
}

func TestDateOfBirthCapturesOnlyTheDate(t *testing.T) {
	lib := mustDefault(t)
	text := "DOB: 05/15/1980"
	got := hits(text, lib.Scan(text, TierPattern), pii.DateOfBirth)
	if score, ok := got["05/15/1980"]; !ok || score != 1 {
		t.Errorf("DOB hits = %v", got)
	}

	text = "Appointment scheduled for 03/20/2024"
	if got := hits(text, lib.Scan(text, TierPattern), pii.DateOfBirth); len(got) != 0 {
		t.Errorf("appointment date reported as DOB: %v", got)
	}
	if got := hits(text, lib.Scan(text, TierFallback), pii.Date); len(got) != 1 {
		t.Errorf("fallback DATE hits = %v", got)
	}
}

func TestCaptureGroup(t *testing.T) {
	lib := mustDefault(t)
	text := "MRN: 88273411, follow up Monday"
	got := hits(text, lib.Scan(text, TierPattern), "MEDICAL_RECORD_NUMBER")
	if _, ok := got["88273411"]; !ok || len(got) != 1 {
		t.Errorf("MRN hits = %v", got)
	}
}

func TestLuhnGatesCards(t *testing.T) {
	lib := mustDefault(t)
	text := "card 4111 1111 1111 1111"
	if got := hits(text, lib.Scan(text, TierPattern), "CREDIT_CARD"); len(got) != 1 {
		t.Errorf("valid card hits = %v", got)
	}
	text = "card 4111 1111 1111 1112"
	if got := hits(text, lib.Scan(text, TierPattern), "CREDIT_CARD"); len(got) != 0 {
		t.Errorf("invalid card hits = %v", got)
	}
}

func TestContextRequired(t *testing.T) {
	lib := mustDefault(t)
	text := "Provider NPI 1234567893 on file"
	got := hits(text, lib.Scan(text, TierPattern), "NPI_NUMBER")
	if score, ok := got["1234567893"]; !ok || score < 0.7 {
		t.Errorf("NPI with context = %v", got)
	}
	text = "Order 1234567893 shipped"
	if got := hits(text, lib.Scan(text, TierPattern), "NPI_NUMBER"); len(got) != 0 {
		t.Errorf("NPI without context = %v", got)
	}
}

func TestContextBoost(t *testing.T) {
	lib := mustDefault(t)
	cases := []struct {
		text string
		want float64
	}{
		{"call 555-123-4567 today", 1},
		{"Reference 555-123-4567", 0.75},
	}
	for _, c := range cases {
		got := hits(c.text, lib.Scan(c.text, TierPattern), pii.PhoneNumber)
		if got["555-123-4567"] != c.want {
			t.Errorf("%q: phone hits = %v, want score %v", c.text, got, c.want)
		}
	}
}

func TestCompanySuffix(t *testing.T) {
	lib := mustDefault(t)
	text := "She works at Acme Widgets Pvt Ltd in Pune"
	got := hits(text, lib.Scan(text, TierPattern), "COMPANY_NAME")
	if score, ok := got["Acme Widgets Pvt Ltd"]; !ok || score < 0.95 {
		t.Errorf("company hits = %v", got)
	}
}

func TestPreservedShapesDoNotMatch(t *testing.T) {
	lib := mustDefault(t)
	for _, text := range []string{"5 items", "$250.00", "v2.1.0", "New York, USA"} {
		if spans := lib.Scan(text, TierPattern); len(spans) != 0 {
			t.Errorf("%q: unexpected spans %v", text, spans)
		}
	}
}

func TestFallbackTierSource(t *testing.T) {
	lib := mustDefault(t)
	text := "Seen by Dr. Smith yesterday"
	spans := lib.Scan(text, TierFallback)
	got := hits(text, spans, pii.Person)
	if _, ok := got["Smith"]; !ok {
		t.Fatalf("person hits = %v", got)
	}
	for _, s := range spans {
		if s.Source != pii.SourceFallback {
			t.Errorf("span %v has source %s", s, s.Source)
		}
	}
	for _, s := range lib.Scan(text, TierPattern) {
		if s.Type == pii.Person {
			t.Error("fallback entity ran in the pattern tier")
		}
	}
}

func TestValidators(t *testing.T) {
	cases := []struct {
		name string
		fn   validator
		in   string
		want bool
	}{
		{"luhn ok", luhn, "4111111111111111", true},
		{"luhn spaced", luhn, "4111 1111 1111 1111", true},
		{"luhn bad", luhn, "4111111111111112", false},
		{"luhn short", luhn, "18", false},
		{"iban ok", ibanMod97, "GB82WEST12345698765432", true},
		{"iban bad", ibanMod97, "GB82WEST12345698765431", false},
		{"vin ok", mixedAlnum, "1HGCM82633A004352", true},
		{"vin digits", mixedAlnum, "12345678901234567", false},
		{"has digit", hasDigit, "abc1", true},
		{"no digit", hasDigit, "abcdef", false},
	}
	for _, c := range cases {
		if got := c.fn(c.in); got != c.want {
			t.Errorf("%s: got %v, want %v", c.name, got, c.want)
		}
	}
}

func TestParseRejectsBadTables(t *testing.T) {
	cases := map[string]string{
		"bad regex": `
entities:
  - type: X
    category: x
    matchers: [{name: a, regex: '(', confidence: 0.5}]`,
		"group out of range": `
entities:
  - type: X
    category: x
    matchers: [{name: a, regex: 'abc', confidence: 0.5, group: 1}]`,
		"unknown validator": `
entities:
  - type: X
    category: x
    matchers: [{name: a, regex: 'abc', confidence: 0.5, validate: crc}]`,
		"unknown tier": `
entities:
  - type: X
    category: x
    tier: sometimes
    matchers: [{name: a, regex: 'abc', confidence: 0.5}]`,
		"zero confidence": `
entities:
  - type: X
    category: x
    matchers: [{name: a, regex: 'abc'}]`,
		"context required without keywords": `
entities:
  - type: X
    category: x
    matchers: [{name: a, regex: 'abc', confidence: 0.5, context_required: true}]`,
		"duplicate type": `
entities:
  - type: X
    category: x
    matchers: [{name: a, regex: 'abc', confidence: 0.5}]
  - type: X
    category: x
    matchers: [{name: b, regex: 'def', confidence: 0.5}]`,
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestExtendReplacesAndAppends(t *testing.T) {
	base := mustDefault(t)
	path := filepath.Join(t.TempDir(), "extra.yaml")
	doc := `
entities:
  - type: PAN_NUMBER
    category: identifier
    matchers: [{name: pan_lower, regex: '\b[a-z]{5}[0-9]{4}[a-z]\b', confidence: 0.9}]
  - type: EMPLOYEE_ID
    category: identifier
    context: [employee]
    matchers: [{name: emp, regex: '\bEMP-\d{6}\b', confidence: 0.8}]
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	extra, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	lib := base.Extend(extra)

	text := "employee EMP-123456 pan acbpm9988k"
	spans := lib.Scan(text, TierPattern)
	if got := hits(text, spans, "EMPLOYEE_ID"); got["EMP-123456"] != 1 {
		t.Errorf("EMPLOYEE_ID hits = %v", got)
	}
	if got := hits(text, spans, pii.PANNumber); len(got) != 1 {
		t.Errorf("replaced PAN matcher hits = %v", got)
	}
	if len(lib.Entities()) != len(base.Entities())+1 {
		t.Errorf("entity count = %d, want %d", len(lib.Entities()), len(base.Entities())+1)
	}
	// The base library is unchanged.
	if got := hits(text, base.Scan(text, TierPattern), pii.PANNumber); len(got) != 0 {
		t.Errorf("base library changed: %v", got)
	}
}

func TestContextWindowRadius(t *testing.T) {
	lib := mustDefault(t)
	far := "npi" + strings.Repeat(" ", 60) + "1234567893"
	if got := hits(far, lib.Scan(far, TierPattern), "NPI_NUMBER"); len(got) != 0 {
		t.Errorf("keyword outside the window counted: %v", got)
	}
	lib.SetContextWindow(100)
	if got := hits(far, lib.Scan(far, TierPattern), "NPI_NUMBER"); len(got) != 1 {
		t.Errorf("keyword inside a widened window ignored: %v", got)
	}
}

func TestCoverage(t *testing.T) {
	lib := mustDefault(t)
	rows := lib.Coverage()
	if len(rows) != len(lib.Entities()) {
		t.Fatalf("coverage has %d rows for %d entities", len(rows), len(lib.Entities()))
	}
	var card *CoverageRow
	for i := range rows {
		if i > 0 && rows[i-1].Type >= rows[i].Type {
			t.Errorf("rows not sorted at %s", rows[i].Type)
		}
		if rows[i].Type == "CREDIT_CARD" {
			card = &rows[i]
		}
	}
	if card == nil {
		t.Fatal("CREDIT_CARD missing from coverage")
	}
	if card.Tier != TierPattern || card.Matchers < 2 || len(card.Validators) != 1 || card.Validators[0] != "luhn" {
		t.Errorf("card row = %+v", *card)
	}
}
