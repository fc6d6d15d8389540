// Package strings holds small text helpers for CLI and tool output.
package strings

import (
	"strings"
)

// DefaultDescriptionMaxLen is the column width used when rendering entry
// descriptions in tables.
const DefaultDescriptionMaxLen = 60

// MinTruncateLen is the smallest usable maxLen; anything shorter leaves no
// room for content plus the ellipsis.
const MinTruncateLen = 4

// TruncateDescription flattens s to a single line, collapsing runs of
// whitespace, and truncates it to maxLen runes with a trailing "..." when
// it does not fit. Operating on runes keeps multi-byte characters intact.
func TruncateDescription(s string, maxLen int) string {
	if maxLen < MinTruncateLen {
		maxLen = MinTruncateLen
	}

	s = strings.Join(strings.Fields(s), " ")

	runes := []rune(s)
	if len(runes) > maxLen {
		return string(runes[:maxLen-3]) + "..."
	}
	return s
}
