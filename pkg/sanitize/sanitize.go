// Package sanitize cleans user-supplied text before it is stored and shown
// on other users' devices.
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	scriptRegex = regexp.MustCompile(`(?is)<script[^>]*>.*?</script>`)
	styleRegex  = regexp.MustCompile(`(?is)<style[^>]*>.*?</style>`)
	tagRegex    = regexp.MustCompile(`<[^>]*>`)
	spaceRegex  = regexp.MustCompile(`\s+`)
)

// StripHTML removes script and style blocks and every other tag
func StripHTML(input string) string {
	input = scriptRegex.ReplaceAllString(input, "")
	input = styleRegex.ReplaceAllString(input, "")
	return tagRegex.ReplaceAllString(input, "")
}

// StripControlCharacters removes control characters, keeping nothing of them
func StripControlCharacters(input string) string {
	var b strings.Builder
	b.Grow(len(input))
	for _, r := range input {
		if !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Text turns a notification line into plain single-line text of at most
// maxRunes runes. Zero maxRunes means no limit.
func Text(input string, maxRunes int) string {
	input = StripHTML(input)
	// Newlines and tabs become spaces before control characters go
	input = spaceRegex.ReplaceAllString(input, " ")
	input = strings.TrimSpace(StripControlCharacters(input))

	if maxRunes > 0 {
		if runes := []rune(input); len(runes) > maxRunes {
			input = strings.TrimSpace(string(runes[:maxRunes]))
		}
	}
	return input
}
