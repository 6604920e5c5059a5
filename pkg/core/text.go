package core

import (
	"regexp"
	"sort"
	"strings"
)

var (
	whitespaceRE = regexp.MustCompile(`\s+`)
	tokenRE      = regexp.MustCompile(`\w+`)
)

// maxCanonicalLen caps canonicalized memory text. Long transcripts are
// truncated rather than rejected.
const maxCanonicalLen = 500

// CanonicalizeText collapses whitespace, trims, and caps the text at 500
// characters. It is applied to remember payloads and to semantic/procedural
// consolidation output so that equivalent statements dedup to the same form.
func CanonicalizeText(text string) string {
	cleaned := strings.TrimSpace(whitespaceRE.ReplaceAllString(text, " "))
	if len(cleaned) > maxCanonicalLen {
		cleaned = cleaned[:maxCanonicalLen]
	}
	return cleaned
}

// NormalizeText returns the lowercased canonical form used as the
// text-based dedup key in the working buffer.
func NormalizeText(text string) string {
	return strings.ToLower(CanonicalizeText(text))
}

// ExtractKeywords returns the sorted, deduplicated lowercase tokens of text
// with at least minLen characters. Keywords are stored on durable records to
// support lexical recall without re-tokenizing.
func ExtractKeywords(text string, minLen int) []string {
	if minLen <= 0 {
		minLen = 4
	}
	seen := make(map[string]struct{})
	for _, tok := range tokenRE.FindAllString(strings.ToLower(text), -1) {
		if len(tok) >= minLen {
			seen[tok] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for tok := range seen {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

// Tokenize returns the lowercase word tokens of text, preserving duplicates.
// Used by lexical overlap scoring in the classifier and recall ranker.
func Tokenize(text string) []string {
	return tokenRE.FindAllString(strings.ToLower(text), -1)
}

// TokenSet returns the distinct lowercase tokens of text.
func TokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}

// JaccardOverlap computes the Jaccard similarity of the distinct token sets
// of two texts (intersection size over union size). Returns 0 when either
// text has no tokens.
func JaccardOverlap(a, b string) float64 {
	setA := TokenSet(a)
	setB := TokenSet(b)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}
	inter := 0
	for tok := range setA {
		if _, ok := setB[tok]; ok {
			inter++
		}
	}
	union := len(setA) + len(setB) - inter
	return float64(inter) / float64(union)
}
