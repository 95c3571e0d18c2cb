package extract

import (
	"regexp"
	"strings"
)

var (
	mdFence      = regexp.MustCompile("(?m)^\\s*(```|~~~).*$")
	mdInlineCode = regexp.MustCompile("`([^`]+)`")
	mdImage      = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdQuote      = regexp.MustCompile(`(?m)^>\s?`)
	mdRule       = regexp.MustCompile(`(?m)^\s*[-*_]{3,}\s*$`)
	mdBullet     = regexp.MustCompile(`(?m)^\s*[-*+]\s+`)
	mdNumbered   = regexp.MustCompile(`(?m)^\s*\d+\.\s+`)
	mdStrong     = regexp.MustCompile(`(\*\*|__)([^*_]+)(\*\*|__)`)
	mdEmphasis   = regexp.MustCompile(`(^|\W)[*_]([^*_\n]+)[*_]`)
	mdHTMLTag    = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)
)

// stripMarkdown removes markdown syntax and keeps the readable text. Code
// block contents are kept, their fences are not.
func stripMarkdown(content string) string {
	content = mdFence.ReplaceAllString(content, "")
	content = mdInlineCode.ReplaceAllString(content, "$1")
	content = mdImage.ReplaceAllString(content, "")
	content = mdLink.ReplaceAllString(content, "$1")
	content = mdHeading.ReplaceAllString(content, "")
	content = mdQuote.ReplaceAllString(content, "")
	content = mdRule.ReplaceAllString(content, "")
	content = mdBullet.ReplaceAllString(content, "")
	content = mdNumbered.ReplaceAllString(content, "")
	content = mdStrong.ReplaceAllString(content, "$2")
	content = mdEmphasis.ReplaceAllString(content, "$1$2")
	content = mdHTMLTag.ReplaceAllString(content, "")
	return strings.TrimSpace(content)
}
