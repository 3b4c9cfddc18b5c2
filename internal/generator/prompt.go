package generator

import (
	"fmt"
	"strings"
)

const defaultStyle = "casual"

var styleTones = map[string]string{
	"professional": "clear and professional, focused on impact",
	"casual":       "friendly and conversational, like telling a fellow developer",
	"technical":    "precise and technical, naming the concrete changes",
	"enthusiastic": "energetic and upbeat, celebrating the progress",
}

func normalizeStyle(style string) string {
	style = strings.ToLower(strings.TrimSpace(style))
	if _, ok := styleTones[style]; ok {
		return style
	}
	return defaultStyle
}

func systemPrompt(style string) string {
	return fmt.Sprintf("You are a developer sharing build-in-public updates on social media. "+
		"Your tone is %s. You write only the post itself.", styleTones[style])
}

func standardPrompt(summary, style string, limit int) string {
	return fmt.Sprintf(`Write a social media post about this recent development work.

%s

Requirements:
- At most %d characters in total
- Include 1-2 relevant hashtags
- Match a %s tone
- Do not repeat these instructions
- No meta commentary such as "Here's a tweet"; output only the post text`, summary, limit, style)
}

func instructionsPrompt(instructions, summary, enrichment string, limit int) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(instructions))
	b.WriteString("\n\nProduce only the requested content with zero framing: no introduction, no quotes, no explanation.\n")
	fmt.Fprintf(&b, "Keep it under %d characters and include 1-2 relevant hashtags.\n\n", limit)
	b.WriteString("Context about the work:\n")
	b.WriteString(summary)
	if enrichment != "" {
		b.WriteString("\n\n")
		b.WriteString(enrichment)
	}
	return b.String()
}
