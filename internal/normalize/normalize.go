// Package normalize turns payment references and document names into
// canonical comparable forms. All functions are safe on empty input.
package normalize

import (
	"regexp"
	"strings"
)

var accentFold = strings.NewReplacer(
	"À", "A", "Á", "A", "Â", "A", "Ã", "A", "Ä", "A", "Å", "A",
	"È", "E", "É", "E", "Ê", "E", "Ë", "E",
	"Ì", "I", "Í", "I", "Î", "I", "Ï", "I",
	"Ò", "O", "Ó", "O", "Ô", "O", "Õ", "O", "Ö", "O",
	"Ù", "U", "Ú", "U", "Û", "U", "Ü", "U",
	"Ç", "C", "Ñ", "N",
	"à", "A", "á", "A", "â", "A", "ã", "A", "ä", "A", "å", "A",
	"è", "E", "é", "E", "ê", "E", "ë", "E",
	"ì", "I", "í", "I", "î", "I", "ï", "I",
	"ò", "O", "ó", "O", "ô", "O", "õ", "O", "ö", "O",
	"ù", "U", "ú", "U", "û", "U", "ü", "U",
	"ç", "C", "ñ", "N",
)

// Normalize upper-cases, folds accents and collapses every punctuation or
// whitespace run into a single space.
func Normalize(text string) string {
	if text == "" {
		return ""
	}
	text = accentFold.Replace(strings.ToUpper(text))

	var b strings.Builder
	b.Grow(len(text))
	space := true // swallow leading separators
	for _, r := range text {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// Tokens splits a text into its normalized whole-word tokens.
func Tokens(text string) []string {
	n := Normalize(text)
	if n == "" {
		return nil
	}
	return strings.Split(n, " ")
}

// StructuredKey strips everything except letters and digits, upper-cased.
// It makes structured payment communications comparable regardless of
// separators: "+++123/456/7890+++" and "123 456 7890" share a key.
func StructuredKey(text string) string {
	text = accentFold.Replace(strings.ToUpper(text))
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// RegexPattern escapes a normalized label for use as a rule pattern and
// collapses each digit run into a \d+ wildcard, so varying invoice numbers
// inside an otherwise identical label still match.
func RegexPattern(text string) string {
	n := Normalize(text)
	if n == "" {
		return ""
	}
	quoted := regexp.QuoteMeta(n)
	var b strings.Builder
	inDigits := false
	for _, r := range quoted {
		if r >= '0' && r <= '9' {
			if !inDigits {
				b.WriteString(`\d+`)
				inDigits = true
			}
			continue
		}
		inDigits = false
		b.WriteRune(r)
	}
	return b.String()
}

// CommonSubstring returns the longest common substring of the normalized
// labels. With no labels, or any normalized-empty label, it returns "".
func CommonSubstring(labels ...string) string {
	if len(labels) == 0 {
		return ""
	}
	common := Normalize(labels[0])
	for _, label := range labels[1:] {
		common = longestCommon(common, Normalize(label))
		if common == "" {
			return ""
		}
	}
	return strings.TrimSpace(common)
}

// longestCommon is a standard dynamic-programming longest common substring
// over bytes (inputs are already normalized ASCII).
func longestCommon(a, b string) string {
	if a == "" || b == "" {
		return ""
	}
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	best, bestEnd := 0, 0
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > best {
					best = cur[j]
					bestEnd = i
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return a[bestEnd-best : bestEnd]
}

// ContainsWholeWord reports whether needle occurs in haystack as a complete,
// fully delimited token sequence after normalization. "INV/2025/08/10" is not
// contained in "INV/2025/08/101": the final token differs.
func ContainsWholeWord(haystack, needle string) bool {
	nt := Tokens(needle)
	ht := Tokens(haystack)
	if len(nt) == 0 || len(ht) < len(nt) {
		return false
	}
	for i := 0; i+len(nt) <= len(ht); i++ {
		match := true
		for j := range nt {
			if ht[i+j] != nt[j] {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
