package utils

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var sanitizer = bluemonday.StrictPolicy()

const maxNameRunes = 64

// SanitizeName strips markup and control whitespace from a display name before it is printed on a pass.
func SanitizeName(input string) string {
	clean := html.UnescapeString(sanitizer.Sanitize(input))
	clean = strings.Join(strings.Fields(clean), " ")
	if utf8.RuneCountInString(clean) > maxNameRunes {
		clean = string([]rune(clean)[:maxNameRunes])
	}
	return clean
}
