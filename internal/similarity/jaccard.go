// Package similarity scores how alike two normalized questions are.
package similarity

import (
	"strings"
	"unicode"
)

// Tokens splits s on whitespace into a set of words. Leading and trailing
// punctuation is dropped from each word, so "tiers?" and "tiers" match.
// A word made only of punctuation is kept as it is, so a non-blank input
// never yields an empty set. s is expected to be normalized already.
func Tokens(s string) map[string]struct{} {
	fields := strings.Fields(s)
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		if trimmed := strings.TrimFunc(f, unicode.IsPunct); trimmed != "" {
			f = trimmed
		}
		set[f] = struct{}{}
	}
	return set
}

// Jaccard returns |A∩B| / |A∪B| over the word sets of a and b.
// Two blank inputs score 1; exactly one blank input scores 0.
func Jaccard(a, b string) float64 {
	return JaccardSets(Tokens(a), Tokens(b))
}

// JaccardSets is Jaccard over precomputed token sets.
func JaccardSets(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for t := range small {
		if _, ok := large[t]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
