package textchunk

import (
	"regexp"
	"strings"
)

// Typographic punctuation the synthesis API reads less reliably than the
// ASCII forms.
var punctuationReplacer = strings.NewReplacer(
	"\r\n", "\n",
	"\t", " ",
	"—", "-",
	"–", "-",
	"‒", "-",
	"…", "...",
	"“", `"`,
	"”", `"`,
	"‘", "'",
	"’", "'",
)

var spaceRunPattern = regexp.MustCompile(`[ ]{2,}`)

// Normalize prepares raw text for chunking: typographic quotes, dashes and
// ellipses become their ASCII forms, tabs and space runs collapse to single
// spaces. Newlines survive, since Split treats them as sentence boundaries.
func Normalize(text string) string {
	text = punctuationReplacer.Replace(text)
	text = spaceRunPattern.ReplaceAllString(text, " ")

	return strings.TrimSpace(text)
}
