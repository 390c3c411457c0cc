package similarity

import (
	"maps"
	"strings"
	"unicode"

	"github.com/kljensen/snowball"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultSynonyms maps a canonical term to the words incident reports
// use interchangeably for it. "network failure" and "network down" both
// normalize to "network outage".
var DefaultSynonyms = map[string][]string{
	"outage":  {"failure", "failures", "failed", "fail", "fails", "failing", "down", "offline", "outages", "unavailable", "unreachable", "dead", "broken"},
	"network": {"networks", "internet", "connectivity", "connection", "connections", "wan", "lan", "wifi"},
	"pos":     {"register", "registers", "till", "tills", "terminal", "terminals"},
	"printer": {"printers", "printing"},
	"power":   {"electricity", "electrical"},
	"slow":    {"sluggish", "latency", "lag", "lagging", "degraded"},
	"error":   {"errors", "fault", "faults"},
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "is": {}, "are": {}, "was": {}, "were": {},
	"be": {}, "been": {}, "of": {}, "on": {}, "in": {}, "at": {}, "to": {},
	"for": {}, "and": {}, "or": {}, "with": {}, "by": {}, "from": {},
	"it": {}, "its": {}, "this": {}, "that": {},
}

// Normalizer turns free-text descriptions into canonical token streams.
// It is safe for concurrent use.
type Normalizer struct {
	lexicon  map[string]string
	language string
}

// NewNormalizer creates a normalizer using DefaultSynonyms extended by
// extra. An extra entry for an existing canonical term adds variants.
func NewNormalizer(extra map[string][]string) *Normalizer {
	groups := make(map[string][]string, len(DefaultSynonyms)+len(extra))
	maps.Copy(groups, DefaultSynonyms)
	for canon, variants := range extra {
		groups[canon] = append(append([]string(nil), groups[canon]...), variants...)
	}

	n := &Normalizer{lexicon: make(map[string]string), language: "english"}
	for canon, variants := range groups {
		c := fold(canon)
		n.lexicon[c] = c
		for _, v := range variants {
			n.lexicon[fold(v)] = c
		}
	}
	return n
}

// Tokens returns the canonical tokens of text in order of appearance.
// Accents are stripped, case is folded, stopwords are dropped, synonyms
// collapse onto their canonical term and everything else is stemmed.
func (n *Normalizer) Tokens(text string) []string {
	text = fold(text)
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, stop := stopwords[f]; stop {
			continue
		}
		tokens = append(tokens, n.canonical(f))
	}
	return tokens
}

func (n *Normalizer) canonical(word string) string {
	if c, ok := n.lexicon[word]; ok {
		return c
	}
	if isNumeric(word) {
		return word
	}
	stemmed, err := snowball.Stem(word, n.language, true)
	if err != nil || stemmed == "" {
		return word
	}
	if c, ok := n.lexicon[stemmed]; ok {
		return c
	}
	return stemmed
}

// fold strips diacritics and applies Unicode case folding.
func fold(s string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	return cases.Fold().String(strings.TrimSpace(stripped))
}

func isNumeric(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return s != ""
}
