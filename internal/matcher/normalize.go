package matcher

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds text for phrase matching: diacritics are stripped, letters
// lowercased and every run of non-alphanumeric characters becomes a single
// space. The result is padded with one space on each side so a phrase match
// can be tested with strings.Contains(" "+phrase+" ").
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	b.Grow(len(folded) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if b.Len() == 1 {
		return ""
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

// ContainsPhrase reports whether the normalized phrase occurs on word
// boundaries in the normalized text.
func ContainsPhrase(normText, phrase string) bool {
	p := strings.TrimSpace(Normalize(phrase))
	if p == "" {
		return false
	}
	return strings.Contains(normText, " "+p+" ")
}
