package extract

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	hyphenBreak  = regexp.MustCompile(`(\w)-\n(\w)`)
	spaceRun     = regexp.MustCompile(`[ \t]+`)
	blankRun     = regexp.MustCompile(`\n{3,}`)
	pageNumber   = regexp.MustCompile(`(?i)^\s*page \d+( of \d+)?\s*$`)
	footnoteMark = regexp.MustCompile(`^\s*\[\d+\]\s*$`)
	hasDigit     = regexp.MustCompile(`\d`)
)

// Normalize cleans extracted text: unifies line endings, replaces control
// characters, rejoins words hyphenated across a line break, collapses
// horizontal whitespace and blank-line runs, and drops page-number and
// footnote-marker lines.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	text = strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == unicode.ReplacementChar, unicode.IsSpace(r), !unicode.IsPrint(r):
			return ' '
		}
		return r
	}, text)
	text = hyphenBreak.ReplaceAllString(text, "$1$2")
	text = spaceRun.ReplaceAllString(text, " ")

	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if isArtifactLine(line) {
			continue
		}
		kept = append(kept, line)
	}
	text = strings.Join(kept, "\n")
	text = blankRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// isArtifactLine matches page headers/footers: "Page 3 of 10", "[2]" and
// short lines carrying a number.
func isArtifactLine(line string) bool {
	if line == "" {
		return false
	}
	if pageNumber.MatchString(line) || footnoteMark.MatchString(line) {
		return true
	}
	return len([]rune(line)) < 10 && hasDigit.MatchString(line)
}
