package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var whitespaceRuns = regexp.MustCompile(`\s+`)   // Any run of whitespace, newlines included
var blankLineRuns = regexp.MustCompile(`\n{3,}`) // Three or more consecutive newlines

// CollapseWhitespace replaces every whitespace run with a single space and trims the result.
func CollapseWhitespace(s string) string {
	return strings.TrimSpace(whitespaceRuns.ReplaceAllString(s, " "))
}

// TidyText trims each line and squeezes runs of blank lines down to one.
func TidyText(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.TrimSpace(blankLineRuns.ReplaceAllString(strings.Join(lines, "\n"), "\n\n"))
}

// TruncateRunes cuts s to at most maxRunes characters without splitting a multi-byte rune.
// A non-positive maxRunes disables truncation.
func TruncateRunes(s string, maxRunes int) string {
	if maxRunes <= 0 || utf8.RuneCountInString(s) <= maxRunes {
		return s
	}
	count := 0
	for i := range s {
		if count == maxRunes {
			return s[:i]
		}
		count++
	}
	return s
}

// RuneLen returns the number of characters in s.
func RuneLen(s string) int {
	return utf8.RuneCountInString(s)
}
