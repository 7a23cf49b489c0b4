package align

import (
	"strings"
	"unicode"
)

// Similarity returns a symmetric score in [0,1] between two utterances:
// 2*LCS/(m+n) over normalized tokens. Token-level LCS tolerates filler
// words, small transcription errors, and truncation better than rune-level
// edit distance on short ASR chunks.
func Similarity(a, b string) float64 {
	ta := NormalizeTokens(a)
	tb := NormalizeTokens(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	lcs := tokenLCS(ta, tb)
	return float64(2*lcs) / float64(len(ta)+len(tb))
}

// NormalizeTokens lowercases, strips punctuation, and splits on whitespace.
func NormalizeTokens(s string) []string {
	fields := strings.Fields(strings.ToLower(s))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		t := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	return tokens
}

func tokenLCS(a, b []string) int {
	if len(b) > len(a) {
		a, b = b, a
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}
