package detector

import (
	"net/netip"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"pii-anonymizer/internal/pii"
)

// preservedTypes are never redacted, whichever layer reports them.
var preservedTypes = map[pii.EntityType]bool{
	"CARDINAL":    true,
	"ORDINAL":     true,
	"QUANTITY":    true,
	"MONEY":       true,
	"PERCENT":     true,
	"NORP":        true,
	"EVENT":       true,
	"WORK_OF_ART": true,
	"LAW":         true,
	"LANGUAGE":    true,
	"PRODUCT":     true,
	"FAC":         true,
	"GPE":         true,
	"LOC":         true,
	"LOCATION":    true,
}

// genericDateTypes are kept only with a birth keyword nearby, and then become
// DATE_OF_BIRTH.
var genericDateTypes = map[pii.EntityType]bool{
	pii.Date:         true,
	"DATE_TIME":      true,
	"TIME":           true,
	"DATE_FULL":      true,
	"DATE_ISO":       true,
	"ADMISSION_DATE": true,
	"DISCHARGE_DATE": true,
	"DEATH_DATE":     true,
}

var birthKeywords = []string{"birth", "born", "dob", "d.o.b", "birthday", "birthdate"}

// hasBirthContext reports whether a birth keyword appears anywhere in window,
// also inside longer words ("Birthdays", "Newborn").
func hasBirthContext(window string) bool {
	folded := pii.Fold(window)
	for _, kw := range birthKeywords {
		if strings.Contains(folded, kw) {
			return true
		}
	}
	return false
}

// nameLikeTypes get the common-word filter.
var nameLikeTypes = map[pii.EntityType]bool{
	pii.Person:       true,
	pii.Organization: true,
	"COMPANY_NAME":   true,
}

// addressTypes are merged when adjacent and get the broad-location filter.
var addressTypes = map[pii.EntityType]bool{
	pii.Address:       true,
	pii.StreetAddress: true,
	pii.CityState:     true,
	pii.AptUnit:       true,
	pii.ZipCode:       true,
}

// commonWords are role nouns and everyday words that recognizers mistake for
// names.
var commonWords = toSet(
	// roles
	"patient", "doctor", "nurse", "user", "client", "customer", "admin",
	"manager", "director", "ceo", "cfo", "cto", "president", "chairman",
	"physician", "surgeon", "therapist", "coach", "member", "guest",
	// days and months
	"monday", "tuesday", "wednesday", "thursday", "friday", "saturday", "sunday",
	"january", "february", "march", "april", "may", "june", "july",
	"august", "september", "october", "november", "december",
	// time words
	"morning", "afternoon", "evening", "night", "today", "tomorrow", "yesterday",
	// everyday words
	"ok", "okay", "yes", "no", "hello", "hi", "bye", "thanks", "thank",
	"please", "sorry", "help", "need", "want", "like", "love", "hate",
	"good", "bad", "great", "nice", "best", "worst", "first", "last",
	"new", "old", "big", "small", "high", "low", "fast", "slow",
	"the", "and", "but", "for", "with", "this", "that", "these", "those",
	// industry words
	"tech", "technology", "technologies", "software", "hardware", "internet",
	"web", "mobile", "app", "apps", "digital", "data", "cloud", "ai", "ml",
	"seen", "see", "saw", "evolve", "evolved", "evolving",
	"ve", "ive", "i've", "have", "has", "had", "been", "being", "be",
	// care settings
	"coaching", "therapy", "session", "practice", "clinic", "hospital",
	"university", "college", "school", "bank", "pharmacy", "department",
	"mindfulness", "wellness", "resilience", "burnout",
)

var contractionPrefixes = []string{"ve ", "i've ", "ive "}

var broadLocations = toSet(
	"earth", "world", "global", "international",
	"north", "south", "east", "west",
	"online", "remote", "virtual", "home",
)

var (
	versionShape = regexp.MustCompile(`(?i)^v?\d+(\.\d+){1,3}$`)
	addressGap   = regexp.MustCompile(`^[\s,.\-\d]*$`)
	trailingZip  = regexp.MustCompile(`^[\s,]*\d{5}(?:-\d{4})?\b`)
)

const (
	minSpanRunes         = 3
	minStatisticalDigits = 6
	maxAddressGap        = 20
)

var limitedBroadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

func toSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// keep applies the post-resolution filters to one span. It may reclassify a
// generic date as DATE_OF_BIRTH. The returned string names the filter that
// dropped the span, for debug counts.
func (d *Detector) keep(text string, s *pii.Span) (bool, string) {
	matched := strings.TrimSpace(text[s.Start:s.End])

	if utf8.RuneCountInString(matched) < minSpanRunes {
		return false, "short"
	}
	if genericDateTypes[s.Type] {
		if !hasBirthContext(pii.Window(text, s.Start, s.End, d.window)) {
			return false, "date"
		}
		s.Type = pii.DateOfBirth
		return true, ""
	}
	if nameLikeTypes[s.Type] && isCommonPhrase(matched) {
		return false, "common_word"
	}
	if s.Type != pii.IPAddress && s.Type != pii.DateOfBirth && versionShape.MatchString(matched) {
		return false, "version"
	}
	if s.Type == pii.IPAddress && nonIdentifyingIP(matched) {
		return false, "ip"
	}
	if s.Source == pii.SourceStatistical && len(matched) < minStatisticalDigits && allDigits(matched) {
		return false, "short_number"
	}
	if addressTypes[s.Type] && isBroadLocation(matched) {
		return false, "broad_location"
	}
	return true, ""
}

// isCommonPhrase reports whether every word of s is a common word.
func isCommonPhrase(s string) bool {
	folded := pii.Fold(s)
	if commonWords[folded] {
		return true
	}
	for _, p := range contractionPrefixes {
		if strings.HasPrefix(folded, p) {
			return true
		}
	}
	words := strings.Fields(folded)
	if len(words) == 0 {
		return false
	}
	for _, w := range words {
		w = strings.TrimFunc(w, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
		})
		if w != "" && !commonWords[w] {
			return false
		}
	}
	return true
}

func isBroadLocation(s string) bool {
	folded := pii.Fold(s)
	return broadLocations[folded] || isCommonPhrase(s)
}

// nonIdentifyingIP reports loopback, unspecified, limited broadcast, private
// and link-local addresses. Unparseable text is treated as identifying.
func nonIdentifyingIP(s string) bool {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsUnspecified() ||
		addr == limitedBroadcast ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast()
}

func allDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// widenPhones pulls a leading "(" into phone spans so no orphan parenthesis
// is left behind. spans must be sorted and disjoint.
func widenPhones(text string, spans []pii.Span) {
	for i := range spans {
		s := &spans[i]
		if s.Type != pii.PhoneNumber || s.Start == 0 || text[s.Start-1] != '(' {
			continue
		}
		if i > 0 && spans[i-1].End > s.Start-1 {
			continue
		}
		s.Start--
	}
}

// mergeAddresses joins neighbouring address components separated only by
// separators and house or postal numbers into one ADDRESS span, then lets
// each address absorb a trailing ZIP code. spans must be sorted and disjoint.
func mergeAddresses(text string, spans []pii.Span) []pii.Span {
	out := make([]pii.Span, 0, len(spans))
	for _, s := range spans {
		if n := len(out); n > 0 && addressTypes[s.Type] && addressTypes[out[n-1].Type] {
			prev := &out[n-1]
			gap := text[prev.End:s.Start]
			if len(gap) <= maxAddressGap && addressGap.MatchString(gap) {
				prev.End = s.End
				prev.Type = pii.Address
				prev.Score = max(prev.Score, s.Score)
				continue
			}
		}
		out = append(out, s)
	}
	for i := range out {
		if !addressTypes[out[i].Type] || out[i].Type == pii.ZipCode {
			continue
		}
		loc := trailingZip.FindStringIndex(text[out[i].End:])
		if loc == nil {
			continue
		}
		end := out[i].End + loc[1]
		if i+1 < len(out) && out[i+1].Start < end {
			continue
		}
		out[i].End = end
	}
	return out
}
