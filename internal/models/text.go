package models

import (
	"strings"
	"unicode/utf8"
)

var platformLimits = map[Platform]int{
	PlatformTwitter: 280,
}

// DefaultCharLimit applies to platforms without a known limit
const DefaultCharLimit = 280

// CharLimit returns the maximum text length accepted by the platform
func (p Platform) CharLimit() int {
	if limit, ok := platformLimits[p]; ok {
		return limit
	}
	return DefaultCharLimit
}

// TextLength counts characters the way the platforms do, in runes
func TextLength(text string) int {
	return utf8.RuneCountInString(text)
}

// FitsPlatform reports whether the content text is within the platform limit
func (c *Content) FitsPlatform() bool {
	return TextLength(c.Text) <= c.Platform.CharLimit()
}

// Truncate shortens text to at most limit runes, cutting on a word boundary
// when one is available and appending an ellipsis.
func Truncate(text string, limit int) string {
	if limit <= 0 {
		return ""
	}
	if TextLength(text) <= limit {
		return text
	}
	runes := []rune(text)
	if limit == 1 {
		return "…"
	}
	cut := string(runes[:limit-1])
	if idx := strings.LastIndexAny(cut, " \n\t"); idx > len(cut)/2 {
		cut = cut[:idx]
	}
	return strings.TrimRight(cut, " \n\t.,;:") + "…"
}
