// Package similarity provides the fuzzy string-matching primitives used
// by EntityResolver (§4.3) and ReconciliationMatcher (§4.5): a
// normalized sequence-ratio similarity, a token-sort variant that is
// order-insensitive, and a partial-ratio variant for substring matches.
// All three are built on pmezard/go-difflib's SequenceMatcher, the same
// longest-matching-block algorithm Python's difflib (and this spec's
// token-set/ratio vocabulary) is named after.
package similarity

import (
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
)

// Ratio returns a normalized [0,1] similarity between a and b using
// difflib's longest-matching-blocks ratio over characters.
func Ratio(a, b string) float64 {
	if a == b {
		return 1.0
	}
	m := difflib.NewMatcher(splitChars(a), splitChars(b))
	return m.Ratio()
}

// TokenSortRatio sorts the whitespace-delimited tokens of each string
// before comparing, so word order does not affect the score. Used for
// vendor-name and description comparisons where token order varies.
func TokenSortRatio(a, b string) float64 {
	return Ratio(sortedTokens(a), sortedTokens(b))
}

// PartialRatio finds the best-aligned substring of the longer string
// against the shorter one, approximating fuzzywuzzy's partial_ratio:
// it returns the maximum Ratio over the matching blocks difflib finds.
func PartialRatio(a, b string) float64 {
	longer, shorter := a, b
	if len(shorter) > len(longer) {
		longer, shorter = shorter, longer
	}
	if len(shorter) == 0 {
		if len(longer) == 0 {
			return 1.0
		}
		return 0.0
	}
	m := difflib.NewMatcher(splitChars(longer), splitChars(shorter))
	best := 0.0
	for _, block := range m.GetMatchingBlocks() {
		start := block.A - block.B
		if start < 0 {
			start = 0
		}
		end := start + len(shorter)
		if end > len(longer) {
			end = len(longer)
			start = end - len(shorter)
			if start < 0 {
				start = 0
			}
		}
		r := Ratio(longer[start:end], shorter)
		if r > best {
			best = r
		}
	}
	return best
}

func splitChars(s string) []string {
	runes := []rune(s)
	out := make([]string, len(runes))
	for i, r := range runes {
		out[i] = string(r)
	}
	return out
}

func sortedTokens(s string) string {
	tokens := strings.Fields(strings.ToLower(s))
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}
