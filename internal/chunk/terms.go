package chunk

import (
	"sort"
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"about": {}, "after": {}, "all": {}, "also": {}, "and": {}, "any": {}, "are": {},
	"because": {}, "been": {}, "before": {}, "being": {}, "but": {}, "can": {}, "could": {},
	"did": {}, "does": {}, "each": {}, "for": {}, "from": {}, "had": {}, "has": {},
	"have": {}, "her": {}, "him": {}, "his": {}, "how": {}, "into": {}, "its": {},
	"just": {}, "more": {}, "most": {}, "not": {}, "now": {}, "only": {}, "other": {},
	"our": {}, "out": {}, "over": {}, "she": {}, "should": {}, "some": {}, "such": {},
	"than": {}, "that": {}, "the": {}, "their": {}, "them": {}, "then": {}, "there": {},
	"these": {}, "they": {}, "this": {}, "those": {}, "through": {}, "too": {}, "under": {},
	"very": {}, "was": {}, "were": {}, "what": {}, "when": {}, "where": {}, "which": {},
	"while": {}, "who": {}, "will": {}, "with": {}, "would": {}, "you": {}, "your": {},
}

// IsStopWord reports whether w (lowercase) carries no topical meaning.
func IsStopWord(w string) bool {
	_, ok := stopWords[w]
	return ok
}

// Tokenize lowercases text and splits on anything that is not a letter or digit.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Terms returns up to limit salient terms of text, most frequent first and
// alphabetical among ties. Stop words, numbers and words under three
// letters are dropped.
func Terms(text string, limit int) []string {
	freq := make(map[string]int)
	for _, w := range Tokenize(text) {
		if len([]rune(w)) < 3 || IsStopWord(w) || isNumber(w) {
			continue
		}
		freq[w]++
	}

	terms := make([]string, 0, len(freq))
	for w := range freq {
		terms = append(terms, w)
	}
	sort.Slice(terms, func(i, j int) bool {
		if freq[terms[i]] != freq[terms[j]] {
			return freq[terms[i]] > freq[terms[j]]
		}
		return terms[i] < terms[j]
	})
	if limit > 0 && len(terms) > limit {
		terms = terms[:limit]
	}
	return terms
}

func isNumber(w string) bool {
	for _, r := range w {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
