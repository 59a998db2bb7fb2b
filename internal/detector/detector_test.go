package detector

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"pii-anonymizer/internal/patterns"
	"pii-anonymizer/internal/pii"
	"pii-anonymizer/internal/recognizer"
)

// dictRecognizer labels every occurrence of its phrases.
type dictRecognizer map[string]string

func (dictRecognizer) Name() string { return "dict" }

func (d dictRecognizer) Recognize(_ context.Context, text string) ([]pii.Span, error) {
	var out []pii.Span
	for phrase, label := range d {
		for from := 0; ; {
			i := strings.Index(text[from:], phrase)
			if i < 0 {
				break
			}
			start := from + i
			out = append(out, pii.Span{Start: start, End: start + len(phrase), Type: pii.EntityType(label), Score: 0.85})
			from = start + len(phrase)
		}
	}
	return out, nil
}

// firstOnlyRecognizer labels only the first occurrence of each phrase.
type firstOnlyRecognizer map[string]string

func (firstOnlyRecognizer) Name() string { return "first-only" }

func (f firstOnlyRecognizer) Recognize(_ context.Context, text string) ([]pii.Span, error) {
	var out []pii.Span
	for phrase, label := range f {
		if i := strings.Index(text, phrase); i >= 0 {
			out = append(out, pii.Span{Start: i, End: i + len(phrase), Type: pii.EntityType(label), Score: 0.9})
		}
	}
	return out, nil
}

type failingRecognizer struct{}

func (failingRecognizer) Name() string { return "failing" }

func (failingRecognizer) Recognize(context.Context, string) ([]pii.Span, error) {
	return nil, errors.New("model not loaded")
}

type detectionObserver struct {
	mu       sync.Mutex
	calls    int
	degraded int
}

func (o *detectionObserver) ObserveDetection(_ time.Duration, degraded bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls++
	if degraded {
		o.degraded++
	}
}

func newDetector(t *testing.T, rec recognizer.Recognizer) *Detector {
	t.Helper()
	lib, err := patterns.Default()
	if err != nil {
		t.Fatalf("patterns.Default: %v", err)
	}
	var adapter *recognizer.Adapter
	if rec != nil {
		adapter = recognizer.NewAdapter(rec, recognizer.AdapterOptions{Timeout: time.Second})
	}
	return New(lib, adapter, Options{})
}

type found struct {
	typ  pii.EntityType
	text string
}

func summarize(text string, spans []pii.Span) []found {
	out := make([]found, len(spans))
	for i, s := range spans {
		out[i] = found{s.Type, text[s.Start:s.End]}
	}
	return out
}

func assertFound(t *testing.T, text string, spans []pii.Span, want []found) {
	t.Helper()
	got := summarize(text, spans)
	if len(got) != len(want) {
		t.Fatalf("spans = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("span %d = %v, want %v", i, got[i], want[i])
		}
	}
	if !pii.NonOverlapping(spans) {
		t.Errorf("spans overlap or are unsorted: %v", spans)
	}
}

func TestDetectContextGatedDates(t *testing.T) {
	d := newDetector(t, nil)
	ctx := context.Background()

	for _, text := range []string{"DOB: 05/15/1980", "Birthdays: 05/15/1980", "Newborn delivered 05/15/1980"} {
		res := d.Detect(ctx, text, "")
		assertFound(t, text, res.Spans, []found{{pii.DateOfBirth, "05/15/1980"}})
	}

	text := "Appointment scheduled for 03/20/2024"
	if res := d.Detect(ctx, text, ""); len(res.Spans) != 0 {
		t.Errorf("appointment date detected: %v", summarize(text, res.Spans))
	}
}

func TestDetectFormatExactPAN(t *testing.T) {
	d := newDetector(t, nil)
	ctx := context.Background()

	text := "PAN: ACBPM9988K"
	res := d.Detect(ctx, text, "")
	assertFound(t, text, res.Spans, []found{{pii.PANNumber, "ACBPM9988K"}})
	if res.Spans[0].Score < 0.95 {
		t.Errorf("PAN score = %v, want >= 0.95", res.Spans[0].Score)
	}

	for _, text := range []string{"AC-BPM-9988-K", "acbpm9988k"} {
		if res := d.Detect(ctx, text, ""); len(res.Spans) != 0 {
			t.Errorf("%q detected: %v", text, res.Spans)
		}
	}
}

func TestDetectPreservedCategories(t *testing.T) {
	text := "Ordered 5 items for $250.00 in New York, USA from v2.1.0 at 127.0.0.1 with 45% off"
	d := newDetector(t, dictRecognizer{
		"5 items":  "QUANTITY",
		"$250.00":  "MONEY",
		"New York": "GPE",
		"USA":      "GPE",
		"45%":      "PERCENT",
	})
	if res := d.Detect(context.Background(), text, ""); len(res.Spans) != 0 {
		t.Errorf("preserved values detected: %v", summarize(text, res.Spans))
	}
}

func TestDetectDegradedModeKeepsPatternCoverage(t *testing.T) {
	text := "Contact John Smith at john@example.com, PAN ACBPM9988K, MRN: 88273411."
	obs := &detectionObserver{}
	lib, err := patterns.Default()
	if err != nil {
		t.Fatal(err)
	}
	d := New(lib, recognizer.NewAdapter(failingRecognizer{}, recognizer.AdapterOptions{}), Options{Observer: obs})

	res := d.Detect(context.Background(), text, "")
	if !res.Degraded || res.Mode != recognizer.ModeFallback || res.Reason != recognizer.ReasonError {
		t.Fatalf("degraded=%v mode=%s reason=%s", res.Degraded, res.Mode, res.Reason)
	}
	// The bare name is only visible to the statistical layer and is skipped.
	assertFound(t, text, res.Spans, []found{
		{"EMAIL_ADDRESS", "john@example.com"},
		{pii.PANNumber, "ACBPM9988K"},
		{"MEDICAL_RECORD_NUMBER", "88273411"},
	})
	if obs.calls != 1 || obs.degraded != 1 {
		t.Errorf("observer calls=%d degraded=%d", obs.calls, obs.degraded)
	}

	full := newDetector(t, dictRecognizer{"John Smith": "PER"})
	res = full.Detect(context.Background(), text, "")
	if res.Degraded || res.Mode != recognizer.ModeFull {
		t.Fatalf("healthy recognizer reported degraded: %+v", res)
	}
	if len(res.Spans) != 4 || res.Spans[0].Type != pii.Person {
		t.Errorf("spans = %v", summarize(text, res.Spans))
	}
}

func TestDetectFallbackTierWhenDegraded(t *testing.T) {
	text := "Dr. Smith visited General Hospital on 03/20/2024"
	res := newDetector(t, nil).Detect(context.Background(), text, "")
	assertFound(t, text, res.Spans, []found{
		{pii.Person, "Smith"},
		{pii.Organization, "General Hospital"},
	})
	for _, s := range res.Spans {
		if s.Source != pii.SourceFallback {
			t.Errorf("%v: source = %s", s, s.Source)
		}
	}
}

func TestDetectPatternTypeWinsOnSameRange(t *testing.T) {
	text := "Reach me at 9876543210 please"
	d := newDetector(t, dictRecognizer{"9876543210": "PERSON"})
	res := d.Detect(context.Background(), text, "")
	assertFound(t, text, res.Spans, []found{{pii.PhoneNumber, "9876543210"}})
	if res.Spans[0].Source != pii.SourcePattern || res.Spans[0].Score != 0.85 {
		t.Errorf("span = %+v, want pattern source with the statistical score", res.Spans[0])
	}
}

func TestDetectCommonWordsAndRoles(t *testing.T) {
	text := "The patient, John Smith, reported pain."
	d := newDetector(t, dictRecognizer{"John Smith": "PERSON", "patient": "PERSON"})
	res := d.Detect(context.Background(), text, "")
	assertFound(t, text, res.Spans, []found{{pii.Person, "John Smith"}})
}

func TestDetectPseudonymProtected(t *testing.T) {
	text := "John Smith met Patient_001 and patient_001 yesterday."
	d := newDetector(t, dictRecognizer{"John Smith": "PERSON", "Patient_001": "PERSON", "patient_001": "PERSON"})
	res := d.Detect(context.Background(), text, "Patient_001")
	assertFound(t, text, res.Spans, []found{{pii.Person, "John Smith"}})
}

func TestDetectShortPseudonymKeepsPatternCoverage(t *testing.T) {
	text := "Email jane.doe@example.com, PAN ACBPM9988K, card 4111 1111 1111 1111"
	d := newDetector(t, nil)
	for _, pseudonym := range []string{"a", "1", "E", "Email", "jane"} {
		res := d.Detect(context.Background(), text, pseudonym)
		assertFound(t, text, res.Spans, []found{
			{"EMAIL_ADDRESS", "jane.doe@example.com"},
			{pii.PANNumber, "ACBPM9988K"},
			{"CREDIT_CARD", "4111 1111 1111 1111"},
		})
	}
}

func TestDetectCoversRepeatedValues(t *testing.T) {
	text := "Meera Rao called. Later Meera Rao left; Patient_Meera Rao is the label."
	d := newDetector(t, firstOnlyRecognizer{"Meera Rao": "PERSON"})
	res := d.Detect(context.Background(), text, "Patient_Meera Rao")
	assertFound(t, text, res.Spans, []found{
		{pii.Person, "Meera Rao"},
		{pii.Person, "Meera Rao"},
	})
	if res.Spans[1].Start != strings.Index(text, "Later")+len("Later ") {
		t.Errorf("second span at %d", res.Spans[1].Start)
	}

	// every literal occurrence is covered, also inside a longer word, so the
	// value cannot survive the leak check
	text = "Ann visited Annapolis"
	res = newDetector(t, firstOnlyRecognizer{"Ann": "PERSON"}).Detect(context.Background(), text, "")
	assertFound(t, text, res.Spans, []found{{pii.Person, "Ann"}, {pii.Person, "Ann"}})
	if res.Spans[1].Start != strings.Index(text, "Annapolis") {
		t.Errorf("second span at %d", res.Spans[1].Start)
	}
}

func TestDetectMergesAddressComponents(t *testing.T) {
	text := "Lives at 12 Main Street, Springfield, IL 62704."
	res := newDetector(t, nil).Detect(context.Background(), text, "")
	assertFound(t, text, res.Spans, []found{{pii.Address, "12 Main Street, Springfield, IL 62704"}})
}

func TestDetectDropsWeakStatisticalNoise(t *testing.T) {
	text := "Order 12345 shipped to the World"
	d := newDetector(t, dictRecognizer{"12345": "ID", "World": "ADDRESS"})
	if res := d.Detect(context.Background(), text, ""); len(res.Spans) != 0 {
		t.Errorf("noise detected: %v", summarize(text, res.Spans))
	}
}

func TestDetectEmptyText(t *testing.T) {
	res := newDetector(t, nil).Detect(context.Background(), "", "")
	if len(res.Spans) != 0 || res.Degraded {
		t.Errorf("empty text: %+v", res)
	}
}

func TestResolve(t *testing.T) {
	stat := pii.SourceStatistical
	pat := pii.SourcePattern
	cases := []struct {
		name string
		in   []pii.Span
		want []pii.Span
	}{
		{
			name: "higher score wins",
			in: []pii.Span{
				{Start: 0, End: 10, Type: "A", Score: 0.6, Source: pat},
				{Start: 5, End: 15, Type: "B", Score: 0.9, Source: stat},
			},
			want: []pii.Span{{Start: 5, End: 15, Type: "B", Score: 0.9, Source: stat}},
		},
		{
			name: "pattern wins a score tie",
			in: []pii.Span{
				{Start: 0, End: 12, Type: "A", Score: 0.8, Source: stat},
				{Start: 2, End: 10, Type: "B", Score: 0.8, Source: pat},
			},
			want: []pii.Span{{Start: 2, End: 10, Type: "B", Score: 0.8, Source: pat}},
		},
		{
			name: "longest span wins between equals",
			in: []pii.Span{
				{Start: 0, End: 4, Type: "A", Score: 0.7, Source: stat},
				{Start: 0, End: 9, Type: "B", Score: 0.7, Source: stat},
			},
			want: []pii.Span{{Start: 0, End: 9, Type: "B", Score: 0.7, Source: stat}},
		},
		{
			name: "disjoint spans all kept and sorted",
			in: []pii.Span{
				{Start: 20, End: 25, Type: "A", Score: 0.5, Source: stat},
				{Start: 0, End: 5, Type: "B", Score: 0.9, Source: pat},
				{Start: 5, End: 10, Type: "C", Score: 0.4, Source: stat},
			},
			want: []pii.Span{
				{Start: 0, End: 5, Type: "B", Score: 0.9, Source: pat},
				{Start: 5, End: 10, Type: "C", Score: 0.4, Source: stat},
				{Start: 20, End: 25, Type: "A", Score: 0.5, Source: stat},
			},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Resolve(c.in)
			if len(got) != len(c.want) {
				t.Fatalf("Resolve = %v, want %v", got, c.want)
			}
			for i := range got {
				if got[i] != c.want[i] {
					t.Errorf("span %d = %v, want %v", i, got[i], c.want[i])
				}
			}
		})
	}
}

func TestResolveRandomizedIsDisjoint(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	sources := []pii.Source{pii.SourceStatistical, pii.SourcePattern, pii.SourceFallback}
	for round := 0; round < 200; round++ {
		in := make([]pii.Span, rng.Intn(20))
		for i := range in {
			start := rng.Intn(100)
			in[i] = pii.Span{
				Start:  start,
				End:    start + 1 + rng.Intn(15),
				Type:   pii.EntityType([]string{"A", "B", "C"}[rng.Intn(3)]),
				Score:  float64(rng.Intn(5)) / 4,
				Source: sources[rng.Intn(len(sources))],
			}
		}
		out := Resolve(in)
		if !pii.NonOverlapping(out) {
			t.Fatalf("round %d: overlapping output %v", round, out)
		}
		// every dropped candidate lost to a kept span that outranks it
		for _, c := range in {
			kept := false
			beaten := false
			for _, k := range out {
				if k == c {
					kept = true
				}
				if k.Overlaps(c) && (k == c || k.Outranks(c)) {
					beaten = true
				}
			}
			if !kept && !beaten {
				t.Fatalf("round %d: %v dropped without a stronger overlap", round, c)
			}
		}
	}
}

func TestWidenPhones(t *testing.T) {
	text := "call (555)1234567 now"
	spans := []pii.Span{{Start: 6, End: 17, Type: pii.PhoneNumber}}
	widenPhones(text, spans)
	if got := text[spans[0].Start:spans[0].End]; got != "(555)1234567" {
		t.Errorf("widened = %q", got)
	}

	blocked := []pii.Span{{Start: 0, End: 6, Type: "X"}, {Start: 6, End: 17, Type: pii.PhoneNumber}}
	widenPhones(text, blocked)
	if blocked[1].Start != 6 {
		t.Errorf("phone widened into a neighbouring span")
	}
}

func TestNonIdentifyingIP(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1":       true,
		"0.0.0.0":         true,
		"255.255.255.255": true,
		"10.1.2.3":        true,
		"172.16.5.4":      true,
		"192.168.0.1":     true,
		"169.254.1.1":     true,
		"::1":             true,
		"fe80::1":         true,
		"fd00::1":         true,
		"8.8.8.8":         false,
		"203.0.113.9":     false,
		"2001:db8::1":     false,
		"not-an-ip":       false,
	}
	for in, want := range cases {
		if got := nonIdentifyingIP(in); got != want {
			t.Errorf("nonIdentifyingIP(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestIsCommonPhrase(t *testing.T) {
	cases := map[string]bool{
		"Patient":        true,
		"Dear Doctor":    false,
		"the Manager":    true,
		"Monday Morning": true,
		"I've seen tech": true,
		"John":           false,
		"City Hospital":  false,
		"Hospital":       true,
	}
	for in, want := range cases {
		if got := isCommonPhrase(in); got != want {
			t.Errorf("isCommonPhrase(%q) = %v, want %v", in, got, want)
		}
	}
}
