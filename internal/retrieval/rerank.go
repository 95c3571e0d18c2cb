package retrieval

import (
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"
)

// Lexical signal weights. Together they can lift a fragment at most 40% of
// the way from its similarity to 1.
const (
	weightOverlap  = 0.15
	weightExact    = 0.15
	weightPosition = 0.05
	weightLength   = 0.05
)

var termPattern = regexp.MustCompile(`[\p{L}\p{N}_]+`)

var stopWords = toSet(
	// English
	"a", "an", "and", "are", "as", "at", "be", "by", "did", "do", "does", "for", "from",
	"how", "in", "is", "it", "of", "on", "or", "that", "the", "this", "to", "was",
	"what", "when", "where", "which", "who", "why", "with",
	// Spanish
	"de", "la", "que", "el", "en", "y", "los", "del", "se", "con", "por", "su", "para",
	"como", "un", "una", "al", "lo", "las", "o", "sus", "si", "qué", "cual", "cuando",
	"donde", "quien", "es", "son", "fue", "era",
)

func toSet(words ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(words))
	for _, w := range words {
		m[w] = struct{}{}
	}
	return m
}

// queryTerms returns the distinct non-stop-word terms of query, falling back
// to all terms when only stop words remain.
func queryTerms(query string) []string {
	all := termPattern.FindAllString(strings.ToLower(query), -1)
	var terms []string
	for _, t := range all {
		if _, stop := stopWords[t]; !stop && !slices.Contains(terms, t) {
			terms = append(terms, t)
		}
	}
	if len(terms) == 0 {
		for _, t := range all {
			if !slices.Contains(terms, t) {
				terms = append(terms, t)
			}
		}
	}
	return terms
}

// lexicalScore rates how well text matches terms, in [0, 0.4].
func lexicalScore(terms []string, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	words := toSet(termPattern.FindAllString(lower, -1)...)

	overlap, exact := 0, 0
	firstMatch := -1
	for _, t := range terms {
		if _, ok := words[t]; ok {
			overlap++
		}
		if len(t) > 2 {
			exact += strings.Count(lower, t)
		}
		if pos := strings.Index(lower, t); pos >= 0 && (firstMatch < 0 || pos < firstMatch) {
			firstMatch = pos
		}
	}

	n := float64(len(terms))
	overlapScore := float64(overlap) / n
	exactScore := min(float64(exact)/n, 1)
	positionScore := 0.0
	if overlap > 0 && firstMatch >= 0 {
		positionScore = 1 / (1 + float64(firstMatch)/100)
	}
	lengthScore := min(float64(utf8.RuneCountInString(text))/500, 1)

	return weightOverlap*overlapScore +
		weightExact*exactScore +
		weightPosition*positionScore +
		weightLength*lengthScore
}

// Rerank sets Relevance = Score + (1-Score)*lexical for every result and
// stably sorts by it. Relevance never drops below Score, and no result is
// added or removed.
func Rerank(query string, results []Result) {
	terms := queryTerms(query)
	for i := range results {
		sim := float64(results[i].Score)
		results[i].Relevance = float32(sim + (1-sim)*lexicalScore(terms, results[i].Fragment.Text))
	}
	slices.SortStableFunc(results, func(a, b Result) int {
		switch {
		case a.Relevance > b.Relevance:
			return -1
		case a.Relevance < b.Relevance:
			return 1
		}
		return 0
	})
}
