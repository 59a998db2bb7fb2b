package pii

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
)

// OffsetIndex converts between byte offsets and code-point offsets of one
// string. Callers outside the core speak code points.
type OffsetIndex struct {
	n       int
	byteAt  []int // byteAt[i] = byte offset of rune i; byteAt[runes] = len(text)
	ascii   bool
	runeLen int
}

// NewOffsetIndex indexes text.
func NewOffsetIndex(text string) *OffsetIndex {
	idx := &OffsetIndex{n: len(text)}
	ascii := true
	for i := 0; i < len(text); i++ {
		if text[i] >= utf8.RuneSelf {
			ascii = false
			break
		}
	}
	if ascii {
		idx.ascii = true
		idx.runeLen = len(text)
		return idx
	}
	idx.byteAt = make([]int, 0, len(text)+1)
	for i := range text {
		idx.byteAt = append(idx.byteAt, i)
	}
	idx.runeLen = len(idx.byteAt)
	idx.byteAt = append(idx.byteAt, len(text))
	return idx
}

// RuneCount returns the number of code points in the indexed text.
func (x *OffsetIndex) RuneCount() int { return x.runeLen }

// ToRunes converts a byte offset to a code-point offset. Offsets that fall
// inside a multi-byte rune round down to that rune.
func (x *OffsetIndex) ToRunes(b int) int {
	if x.ascii {
		return clamp(b, 0, x.n)
	}
	b = clamp(b, 0, x.n)
	lo, hi := 0, len(x.byteAt)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if x.byteAt[mid] <= b {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// ToBytes converts a code-point offset to a byte offset.
func (x *OffsetIndex) ToBytes(r int) int {
	if x.ascii {
		return clamp(r, 0, x.n)
	}
	return x.byteAt[clamp(r, 0, x.runeLen)]
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Window returns the text around [start, end) extended by radius code points
// on each side, including the span itself.
func Window(text string, start, end, radius int) string {
	lo := start
	for i := 0; i < radius && lo > 0; i++ {
		_, size := utf8.DecodeLastRuneInString(text[:lo])
		lo -= size
	}
	hi := end
	for i := 0; i < radius && hi < len(text); i++ {
		_, size := utf8.DecodeRuneInString(text[hi:])
		hi += size
	}
	return text[lo:hi]
}

// Fold case-folds s for keyword and word-list comparisons. A Caser keeps
// state, so each call gets its own.
func Fold(s string) string {
	return cases.Fold().String(s)
}

// ContainsWord reports whether keyword occurs in text as a whole word or
// phrase: the characters on either side of the match are not letters or
// digits. Both arguments must already be folded.
func ContainsWord(text, keyword string) bool {
	if keyword == "" {
		return false
	}
	from := 0
	for {
		i := strings.Index(text[from:], keyword)
		if i < 0 {
			return false
		}
		i += from
		j := i + len(keyword)
		if boundaryBefore(text, i) && boundaryAfter(text, j) {
			return true
		}
		from = i + 1
		if from >= len(text) {
			return false
		}
	}
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, j int) bool {
	if j >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[j:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// ContainsAnyWord reports whether any keyword occurs as a whole word in the
// folded window.
func ContainsAnyWord(window string, keywords []string) bool {
	folded := Fold(window)
	for _, kw := range keywords {
		if ContainsWord(folded, kw) {
			return true
		}
	}
	return false
}

// WordOccurrences returns the byte ranges of every case-insensitive
// occurrence of word in text that stands as a whole word.
func WordOccurrences(text, word string) [][2]int {
	if word == "" {
		return nil
	}
	re, err := regexp.Compile("(?i)" + regexp.QuoteMeta(word))
	if err != nil {
		return nil
	}
	var out [][2]int
	for from := 0; from < len(text); {
		loc := re.FindStringIndex(text[from:])
		if loc == nil {
			break
		}
		i, j := from+loc[0], from+loc[1]
		if boundaryBefore(text, i) && boundaryAfter(text, j) {
			out = append(out, [2]int{i, j})
			from = j
			continue
		}
		_, size := utf8.DecodeRuneInString(text[i:])
		from = i + size
	}
	return out
}
