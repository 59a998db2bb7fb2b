package recognizer

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"
)

// wordPiece is a BERT-compatible tokenizer that keeps the byte range of every
// piece so token labels can be mapped back onto the input.
type wordPiece struct {
	vocab        map[string]int64
	lowerCase    bool
	clsID        int64
	sepID        int64
	padID        int64
	unkID        int64
	continuation string
	maxWordBytes int
}

// token is one word piece with its byte range in the source text.
type token struct {
	id         int64
	start, end int
}

func newWordPiece(vocab map[string]int64, lowerCase bool) *wordPiece {
	return &wordPiece{
		vocab:        vocab,
		lowerCase:    lowerCase,
		continuation: "##",
		clsID:        vocab["[CLS]"],
		sepID:        vocab["[SEP]"],
		padID:        vocab["[PAD]"],
		unkID:        vocab["[UNK]"],
		maxWordBytes: 200,
	}
}

// loadTokenizer reads vocab.txt, or the WordPiece vocab of tokenizer.json,
// from dir.
func loadTokenizer(dir string, lowerCase bool) (*wordPiece, error) {
	if path := filepath.Join(dir, "vocab.txt"); fileExists(path) {
		vocab, err := readVocabTxt(path)
		if err != nil {
			return nil, err
		}
		return newWordPiece(vocab, lowerCase), nil
	}
	if path := filepath.Join(dir, "tokenizer.json"); fileExists(path) {
		vocab, err := readVocabJSON(path)
		if err != nil {
			return nil, err
		}
		return newWordPiece(vocab, lowerCase), nil
	}
	return nil, fmt.Errorf("tokenizer assets not found in %s (vocab.txt or tokenizer.json)", dir)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func readVocabTxt(path string) (map[string]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open vocab: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only file

	vocab := make(map[string]int64)
	sc := bufio.NewScanner(f)
	var idx int64
	for sc.Scan() {
		tok := strings.TrimSpace(sc.Text())
		if tok == "" {
			continue
		}
		vocab[tok] = idx
		idx++
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan vocab: %w", err)
	}
	return vocab, nil
}

func readVocabJSON(path string) (map[string]int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read tokenizer.json: %w", err)
	}
	var raw struct {
		Model struct {
			Type  string           `json:"type"`
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode tokenizer.json: %w", err)
	}
	if t := strings.ToLower(raw.Model.Type); t != "" && t != "wordpiece" {
		return nil, fmt.Errorf("tokenizer.json: unsupported model type %q", raw.Model.Type)
	}
	if len(raw.Model.Vocab) == 0 {
		return nil, fmt.Errorf("tokenizer.json missing vocab")
	}
	return raw.Model.Vocab, nil
}

// tokenize splits text into word pieces without special tokens.
func (t *wordPiece) tokenize(text string) []token {
	var out []token
	for _, w := range splitWords(text) {
		word := text[w.start:w.end]
		if len(word) > t.maxWordBytes {
			out = append(out, token{id: t.unkID, start: w.start, end: w.end})
			continue
		}
		norm := word
		if t.lowerCase {
			norm = strings.ToLower(word)
		}
		pieces := t.pieces(norm)
		if len(norm) != len(word) {
			// Lower-casing changed byte lengths; piece offsets no longer
			// line up, so every piece covers the whole word.
			for _, p := range pieces {
				out = append(out, token{id: p.id, start: w.start, end: w.end})
			}
			continue
		}
		for _, p := range pieces {
			out = append(out, token{id: p.id, start: w.start + p.start, end: w.start + p.end})
		}
	}
	return out
}

// pieces runs greedy longest-match-first over one word. Offsets are relative
// to the word.
func (t *wordPiece) pieces(word string) []token {
	if id, ok := t.vocab[word]; ok {
		return []token{{id: id, start: 0, end: len(word)}}
	}
	var out []token
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for end > start {
			sub := word[start:end]
			if start > 0 {
				sub = t.continuation + sub
			}
			if id, ok := t.vocab[sub]; ok {
				out = append(out, token{id: id, start: start, end: end})
				start = end
				found = true
				break
			}
			// step back one rune, not one byte
			_, size := utf8.DecodeLastRuneInString(word[start:end])
			end -= size
		}
		if !found {
			return []token{{id: t.unkID, start: 0, end: len(word)}}
		}
	}
	return out
}

type wordSpan struct {
	start, end int
}

// splitWords splits on whitespace and isolates punctuation, as BERT's basic
// tokenizer does.
func splitWords(text string) []wordSpan {
	var spans []wordSpan
	start := -1
	flush := func(end int) {
		if start >= 0 {
			spans = append(spans, wordSpan{start: start, end: end})
			start = -1
		}
	}
	for i, r := range text {
		switch {
		case unicode.IsSpace(r):
			flush(i)
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush(i)
			spans = append(spans, wordSpan{start: i, end: i + utf8.RuneLen(r)})
		default:
			if start < 0 {
				start = i
			}
		}
	}
	flush(len(text))
	return spans
}

// window is a slice of tokens that fits one model invocation.
type window struct {
	tokens []token
}

// windows splits tokens into chunks of at most size tokens. Consecutive
// chunks overlap by a quarter so entities on a boundary are seen whole at
// least once.
func windows(tokens []token, size int) []window {
	if size <= 0 || len(tokens) == 0 {
		return nil
	}
	if len(tokens) <= size {
		return []window{{tokens: tokens}}
	}
	stride := size - size/4
	if stride <= 0 {
		stride = 1
	}
	var out []window
	for start := 0; start < len(tokens); start += stride {
		end := start + size
		if end > len(tokens) {
			end = len(tokens)
		}
		out = append(out, window{tokens: tokens[start:end]})
		if end == len(tokens) {
			break
		}
	}
	return out
}

// encode fills ids and mask (both of length seqLen) for one window:
// [CLS] tokens... [SEP] [PAD]...
func (t *wordPiece) encode(w window, ids, mask []int64) {
	seqLen := len(ids)
	for i := range ids {
		ids[i] = t.padID
		mask[i] = 0
	}
	pos := 0
	ids[pos], mask[pos] = t.clsID, 1
	pos++
	for _, tok := range w.tokens {
		if pos >= seqLen-1 {
			break
		}
		ids[pos], mask[pos] = tok.id, 1
		pos++
	}
	ids[pos], mask[pos] = t.sepID, 1
}
