package textutil

import (
	"math"
	"strings"
	"unicode"
)

// Fingerprint represents a term-frequency vector for text similarity comparison.
type Fingerprint struct {
	tokens map[string]float64
	norm   float64
}

// NewFingerprint creates a fingerprint from the provided text.
// Returns nil if the text produces no valid tokens.
func NewFingerprint(text string) *Fingerprint {
	tokens := Tokenize(text)
	if len(tokens) == 0 {
		return nil
	}
	counts := make(map[string]float64, len(tokens))
	for _, token := range tokens {
		counts[token]++
	}
	var sum float64
	for _, count := range counts {
		sum += count * count
	}
	return &Fingerprint{tokens: counts, norm: math.Sqrt(sum)}
}

// Similarity is the cosine of the angle between the two term vectors, from 0
// (no shared tokens) to 1. A nil fingerprint scores 0.
func (f *Fingerprint) Similarity(other *Fingerprint) float64 {
	if f == nil || other == nil || f.norm == 0 || other.norm == 0 {
		return 0
	}
	var dot float64
	for token, count := range f.tokens {
		dot += count * other.tokens[token]
	}
	return dot / (f.norm * other.norm)
}

// Tokenize lowercases normalized text and splits it on anything that is not a
// letter or digit. Words written without spaces (Japanese, Chinese) become
// overlapping character bigrams.
func Tokenize(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(Normalize(text)), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	var tokens []string
	for _, word := range words {
		runes := []rune(word)
		if !hasIdeographic(runes) {
			if len(runes) >= 2 {
				tokens = append(tokens, word)
			}
			continue
		}
		if len(runes) == 1 {
			tokens = append(tokens, word)
			continue
		}
		for i := 0; i+1 < len(runes); i++ {
			tokens = append(tokens, string(runes[i:i+2]))
		}
	}
	return tokens
}

func hasIdeographic(runes []rune) bool {
	for _, r := range runes {
		if unicode.In(r, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul) {
			return true
		}
	}
	return false
}
