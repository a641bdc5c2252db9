package store

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tokenizer maps normalized words to vocabulary ids, for turning a text
// corpus into the token streams the evaluators consume.
type Tokenizer struct {
	vocab    map[string]int
	unkID    int
	nextID   int
	capSize  int
	growable bool
}

// NewTokenizer creates a tokenizer over a fixed vocabulary. Unknown words
// map to id 0.
func NewTokenizer(vocab map[string]int) *Tokenizer {
	return &Tokenizer{vocab: vocab, unkID: 0}
}

// NewGrowingTokenizer creates a tokenizer that assigns fresh ids to unseen
// words, capped at vocabSize; words beyond the cap map to id 0.
func NewGrowingTokenizer(vocabSize int) *Tokenizer {
	return &Tokenizer{vocab: make(map[string]int), unkID: 0, nextID: 1, capSize: vocabSize, growable: true}
}

// normalizer strips accents and lowercases after NFD decomposition.
var normalizer = transform.Chain(
	norm.NFD,
	runes.Remove(runes.In(unicode.Mn)),
	norm.NFC,
)

// Normalize applies unicode normalization and lowercasing to a word.
func Normalize(word string) string {
	out, _, err := transform.String(normalizer, word)
	if err != nil {
		out = word
	}
	return strings.ToLower(out)
}

// Encode tokenizes a text into ids: normalize, split on spaces and
// punctuation, look up each piece.
func (t *Tokenizer) Encode(text string) []int {
	words := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})

	ids := make([]int, 0, len(words))
	for _, w := range words {
		ids = append(ids, t.lookup(Normalize(w)))
	}
	return ids
}

func (t *Tokenizer) lookup(word string) int {
	if id, ok := t.vocab[word]; ok {
		return id
	}
	if t.growable && t.nextID < t.capSize {
		id := t.nextID
		t.vocab[word] = id
		t.nextID++
		return id
	}
	return t.unkID
}

// VocabSize returns the number of known words (including the unk id).
func (t *Tokenizer) VocabSize() int {
	return len(t.vocab) + 1
}
