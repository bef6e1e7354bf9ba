package scoring

import (
	"strings"
	"unicode"
)

// normalizeText lowercases a string and flattens the separator and
// punctuation noise typical of shared-library filenames.
func normalizeText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func tokenize(s string) []string {
	return strings.Fields(normalizeText(s))
}

// Similarity returns how well candidate text covers the tokens of a request
// field, in [0, 1]. Compact equality short-circuits to a perfect score so
// that "Blue Monday" matches "bluemonday" despite tokenization.
func Similarity(field, text string) float64 {
	want := tokenize(field)
	have := tokenize(text)
	if len(want) == 0 || len(have) == 0 {
		return 0
	}
	if strings.ReplaceAll(normalizeText(field), " ", "") == strings.ReplaceAll(normalizeText(text), " ", "") {
		return 1
	}

	haveSet := make(map[string]bool, len(have))
	for _, t := range have {
		haveSet[t] = true
	}
	matched := 0
	for _, t := range want {
		if haveSet[t] {
			matched++
			continue
		}
		// Longer tokens still count when embedded, e.g. "remastered"
		// inside "remastered2011".
		if len(t) >= 4 {
			for _, h := range have {
				if strings.Contains(h, t) {
					matched++
					break
				}
			}
		}
	}
	return float64(matched) / float64(len(want))
}
