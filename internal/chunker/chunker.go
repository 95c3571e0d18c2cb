package chunker

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"

	"docqa/internal/extract"
)

// Defaults match the ingestion configuration defaults.
const (
	DefaultMaxTokens = 1000
	DefaultOverlap   = 200
	DefaultTolerance = 100
)

// Options controls how text is chunked. Token counts are whitespace-delimited
// words.
type Options struct {
	MaxTokens int
	Overlap   int
	// Tolerance is how far below MaxTokens a window may end to land on a
	// paragraph or sentence boundary.
	Tolerance int
}

// Chunk represents a slice of the document text.
type Chunk struct {
	Index      int
	Text       string
	TokenCount int
	// Start and End are byte offsets of Text within the normalized document.
	Start int
	End   int
}

type boundary int

const (
	boundaryNone boundary = iota
	boundaryLine
	boundarySentence
	boundaryParagraph
)

type span struct {
	start, end int
	// after is the strength of the break following this token.
	after boundary
}

func (o Options) withDefaults() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Overlap < 0 {
		o.Overlap = 0
	}
	if o.Overlap >= o.MaxTokens {
		o.Overlap = o.MaxTokens / 4
	}
	if o.Tolerance < 0 {
		o.Tolerance = 0
	}
	// Keep every window advancing by at least one token.
	if limit := o.MaxTokens - o.Overlap - 1; o.Tolerance > limit {
		o.Tolerance = max(limit, 0)
	}
	return o
}

// Chunks returns a lazy sequence of overlapping windows over text. The
// sequence can be ranged over any number of times.
func Chunks(text string, opts Options) iter.Seq[Chunk] {
	opts = opts.withDefaults()
	return func(yield func(Chunk) bool) {
		spans := tokenize(text)
		n := len(spans)
		if n == 0 {
			return
		}
		index := 0
		for start := 0; start < n; {
			end := windowEnd(spans, start, opts)
			c := Chunk{
				Index:      index,
				Text:       text[spans[start].start:spans[end-1].end],
				TokenCount: end - start,
				Start:      spans[start].start,
				End:        spans[end-1].end,
			}
			if !yield(c) {
				return
			}
			if end == n {
				return
			}
			index++
			next := end - opts.Overlap
			if next <= start {
				next = start + 1
			}
			start = next
		}
	}
}

// ChunkText collects Chunks into a slice.
func ChunkText(text string, opts Options) []Chunk {
	var chunks []Chunk
	for c := range Chunks(text, opts) {
		chunks = append(chunks, c)
	}
	return chunks
}

// CountTokens counts tokens the same way the chunker does.
func CountTokens(text string) int {
	return len(strings.Fields(text))
}

// FromDocument extracts text from raw bytes of the given format and returns
// its fragment sequence. Extraction errors (unsupported format, empty
// document) are returned before any fragment is produced.
func FromDocument(content []byte, format extract.Format, opts Options) (iter.Seq[Chunk], error) {
	text, err := extract.Extract(content, format)
	if err != nil {
		return nil, err
	}
	return Chunks(text, opts), nil
}

// windowEnd picks the exclusive end token of the window starting at start.
// Within Tolerance tokens below the target size the strongest boundary wins,
// the later position breaking ties. Without any boundary the window is cut
// at exactly MaxTokens.
func windowEnd(spans []span, start int, opts Options) int {
	target := start + opts.MaxTokens
	if target >= len(spans) {
		return len(spans)
	}
	best, bestStrength := target, spans[target-1].after
	floor := max(target-opts.Tolerance, start+1)
	for e := target - 1; e >= floor; e-- {
		if s := spans[e-1].after; s > bestStrength {
			best, bestStrength = e, s
		}
	}
	return best
}

// tokenize splits text on whitespace, recording byte offsets and the kind of
// break that follows each token.
func tokenize(text string) []span {
	var spans []span
	inWord := false
	wordStart := 0
	for i, r := range text {
		if unicode.IsSpace(r) {
			if inWord {
				spans = append(spans, span{start: wordStart, end: i})
				inWord = false
			}
			continue
		}
		if !inWord {
			wordStart = i
			inWord = true
		}
	}
	if inWord {
		spans = append(spans, span{start: wordStart, end: len(text)})
	}
	for i := range spans {
		if i == len(spans)-1 {
			spans[i].after = boundaryParagraph
			continue
		}
		gap := text[spans[i].end:spans[i+1].start]
		word := text[spans[i].start:spans[i].end]
		switch {
		case strings.Count(gap, "\n") >= 2:
			spans[i].after = boundaryParagraph
		case endsSentence(word):
			spans[i].after = boundarySentence
		case strings.Contains(gap, "\n"):
			spans[i].after = boundaryLine
		}
	}
	return spans
}

func endsSentence(word string) bool {
	word = strings.TrimRight(word, `"')]’”`)
	r, _ := utf8.DecodeLastRuneInString(word)
	switch r {
	case '.', '!', '?', ';', '…':
		return true
	}
	return false
}
