package generator

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shipnote/shipnote-bot/internal/models"
)

// shortRepo returns the name part of "owner/name"
func shortRepo(repository string) string {
	if i := strings.LastIndex(repository, "/"); i >= 0 {
		return repository[i+1:]
	}
	return repository
}

// hashtag turns a repository name into a tag, e.g. "my-app.js" -> "myappjs"
func hashtag(name string) string {
	var b strings.Builder
	for _, r := range name {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}

// FallbackText synthesizes a deterministic post from the activity counts and
// titles, trimmed to limit
func FallbackText(activities []models.Activity, limit int) string {
	tags := "#buildinpublic"
	if len(activities) == 0 {
		return models.Truncate("Just made progress on my side project! "+tags, limit)
	}

	name := shortRepo(activities[0].Repository)
	if tag := hashtag(name); tag != "" && tag != "buildinpublic" {
		tags += " #" + tag
	}

	head := fmt.Sprintf("Just made progress on %s!", name)
	if phrases := countTypes(activities).phrases(); len(phrases) > 0 {
		head += " " + strings.Join(phrases, ", ") + "."
	}

	highlight := ""
	if title := summarizeTitle(activities[0].Title); title != "" {
		highlight = fmt.Sprintf(" Latest: %s.", strings.TrimRight(title, "."))
	}

	text := head + highlight + " " + tags
	if models.TextLength(text) <= limit {
		return text
	}
	text = head + " " + tags
	if models.TextLength(text) <= limit {
		return text
	}
	return models.Truncate(text, limit)
}
