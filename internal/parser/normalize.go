package parser

import (
	"path/filepath"
	"regexp"
	"strings"
)

var (
	blankRuns = regexp.MustCompile(`\n\s*\n\s*\n+`)

	mdCodeBlock  = regexp.MustCompile("(?s)```.*?```")
	mdInlineCode = regexp.MustCompile("`[^`\n]+`")
	mdImage      = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdHeading    = regexp.MustCompile(`(?m)^#{1,6}[ \t]+`)
	mdBold       = regexp.MustCompile(`(\*\*|__)([^*_\n]+)(\*\*|__)`)
	mdItalic     = regexp.MustCompile(`\*([^*\n]+)\*`)
	mdQuote      = regexp.MustCompile(`(?m)^>[ \t]?`)
	mdRule       = regexp.MustCompile(`(?m)^[ \t]*[-*_]{3,}[ \t]*$`)
	mdBullet     = regexp.MustCompile(`(?m)^[ \t]*[-*+][ \t]+`)
	mdNumbered   = regexp.MustCompile(`(?m)^[ \t]*\d+\.[ \t]+`)
)

// IsMarkdown reports whether the file name has a markdown extension
func IsMarkdown(fileName string) bool {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".md", ".markdown":
		return true
	}
	return false
}

// Normalize trims the text, strips markdown structure for markdown files and
// collapses runs of blank lines into a single empty line.
func Normalize(fileName, text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.TrimSpace(text)
	if IsMarkdown(fileName) {
		text = StripMarkdown(text)
	}
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// StripMarkdown removes headings, emphasis, links, code and list markers
func StripMarkdown(text string) string {
	text = mdCodeBlock.ReplaceAllString(text, "")
	text = mdInlineCode.ReplaceAllString(text, "")
	text = mdImage.ReplaceAllString(text, "")
	text = mdLink.ReplaceAllString(text, "$1")
	text = mdRule.ReplaceAllString(text, "")
	text = mdHeading.ReplaceAllString(text, "")
	text = mdBold.ReplaceAllString(text, "$2")
	text = mdItalic.ReplaceAllString(text, "$1")
	text = mdQuote.ReplaceAllString(text, "")
	text = mdBullet.ReplaceAllString(text, "")
	text = mdNumbered.ReplaceAllString(text, "")
	return text
}
