package recognizer

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"pii-anonymizer/internal/pii"
)

// tokenLabel is the arg-max prediction for one token.
type tokenLabel struct {
	label string
	score float64
	start int
	end   int
}

// entitiesFromTokenLabels decodes BIO/IOB2 token predictions into spans. A
// span's score is the mean probability of its tokens.
func entitiesFromTokenLabels(labels []tokenLabel) []pii.Span {
	var out []pii.Span
	var cur *pii.Span
	var sum float64
	var n int

	flush := func() {
		if cur != nil {
			cur.Score = sum / float64(n)
			out = append(out, *cur)
			cur = nil
		}
	}

	for _, tl := range labels {
		if tl.start < 0 || tl.end <= tl.start {
			continue
		}
		prefix, typ := splitLabel(tl.label)
		if typ == "" || strings.EqualFold(tl.label, "O") {
			flush()
			continue
		}
		if prefix == "B" || prefix == "S" || cur == nil || !strings.EqualFold(string(cur.Type), typ) {
			flush()
			cur = &pii.Span{Start: tl.start, End: tl.end, Type: pii.EntityType(typ)}
			sum, n = tl.score, 1
			continue
		}
		if tl.end > cur.End {
			cur.End = tl.end
		}
		sum += tl.score
		n++
	}
	flush()
	return out
}

func splitLabel(lbl string) (string, string) {
	lbl = strings.TrimSpace(lbl)
	if lbl == "" {
		return "", ""
	}
	parts := strings.SplitN(lbl, "-", 2)
	if len(parts) == 1 {
		return "", lbl
	}
	return strings.ToUpper(parts[0]), parts[1]
}

// mergeEntities joins overlapping spans of the same type, as produced by
// overlapping windows, keeping the higher score.
func mergeEntities(in []pii.Span) []pii.Span {
	if len(in) == 0 {
		return nil
	}
	sort.Slice(in, func(i, j int) bool {
		if in[i].Start == in[j].Start {
			return in[i].End < in[j].End
		}
		return in[i].Start < in[j].Start
	})
	out := make([]pii.Span, 0, len(in))
	cur := in[0]
	for _, s := range in[1:] {
		if s.Start < cur.End && strings.EqualFold(string(s.Type), string(cur.Type)) {
			if s.End > cur.End {
				cur.End = s.End
			}
			cur.Score = math.Max(cur.Score, s.Score)
			continue
		}
		out = append(out, cur)
		cur = s
	}
	return append(out, cur)
}

// argmaxSoftmax returns the index of the best class in a logits row and its
// softmax probability.
func argmaxSoftmax(row []float32) (int, float64) {
	if len(row) == 0 {
		return -1, 0
	}
	best := 0
	for i, v := range row {
		if v > row[best] {
			best = i
		}
	}
	maxVal := float64(row[best])
	var sum float64
	for _, v := range row {
		sum += math.Exp(float64(v) - maxVal)
	}
	if sum == 0 {
		return best, 0
	}
	return best, 1 / sum
}

// labelsFromIDMap turns a config.json id2label map into a dense slice.
func labelsFromIDMap(id2label map[string]string) []string {
	maxID := -1
	ids := make(map[int]string, len(id2label))
	for k, v := range id2label {
		id, err := strconv.Atoi(strings.TrimSpace(k))
		if err != nil || id < 0 {
			continue
		}
		ids[id] = v
		if id > maxID {
			maxID = id
		}
	}
	if maxID < 0 {
		return nil
	}
	labels := make([]string, maxID+1)
	for id, lbl := range ids {
		labels[id] = lbl
	}
	return labels
}
