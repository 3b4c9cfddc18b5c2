package generator

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	// a polite opener, only dropped when framing follows it
	framingOpener = regexp.MustCompile(`(?i)^(?:sure|okay|ok|certainly|absolutely|of course)\s*[!,.]\s*`)
	// "here's a tweet", "here is the draft post", "here's:", or a bare "tweet:" label
	framingLead = regexp.MustCompile(`(?i)^(?:here(?:'s|’s|\s+is)(?:\s+(?:(?:a|an|the|your|my)\s+)?(?:(?:draft|short|quick|new)\s+)?(?:tweet|post|announcement|draft)\b|\s*[:\-—])|(?:(?:a|an|the|your|my)\s+)?(?:tweet|post|announcement|draft)(?:\s*:|\s+[-—]))`)
)

const minEchoClause = 10

// cleanOutput strips quotes, framing openers and a restated instruction from
// the start of a model answer, repeating until nothing changes
func cleanOutput(text, instructions string) string {
	text = strings.TrimSpace(text)
	for {
		before := text
		text = stripQuotes(text)
		text = stripFraming(text)
		text = stripEcho(text, instructions)
		if text == before {
			return text
		}
	}
}

func stripFraming(text string) string {
	rest := text
	if loc := framingOpener.FindStringIndex(rest); loc != nil {
		rest = rest[loc[1]:]
	}
	if loc := framingLead.FindStringIndex(rest); loc != nil {
		return trimLead(rest[loc[1]:])
	}
	return text
}

// stripEcho removes a leading verbatim copy of any long instruction clause
func stripEcho(text, instructions string) string {
	for _, clause := range clauses(instructions) {
		if len(clause) <= minEchoClause {
			continue
		}
		if n, ok := foldPrefix(text, clause); ok {
			return trimLead(text[n:])
		}
	}
	return text
}

// foldPrefix reports whether s starts with prefix under Unicode case folding
// and how many bytes of s the match covers, which may differ from len(prefix)
func foldPrefix(s, prefix string) (int, bool) {
	n := 0
	for _, want := range prefix {
		if n >= len(s) {
			return 0, false
		}
		got, size := utf8.DecodeRuneInString(s[n:])
		if got != want && !strings.EqualFold(string(got), string(want)) {
			return 0, false
		}
		n += size
	}
	return n, true
}

func clauses(s string) []string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == ',' || r == ';' || r == ':' || r == '!' || r == '?' || r == '\n'
	})
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// trimLead drops the separators left behind after removing an opener
func trimLead(s string) string {
	return strings.TrimLeftFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ':' || r == '-' || r == '.' || r == ',' || r == '!' || r == '—'
	})
}

func stripQuotes(s string) string {
	s = strings.TrimSpace(s)
	pairs := [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}, {"`", "`"}}
	for _, p := range pairs {
		if len(s) >= len(p[0])+len(p[1]) && strings.HasPrefix(s, p[0]) && strings.HasSuffix(s, p[1]) {
			return strings.TrimSpace(s[len(p[0]) : len(s)-len(p[1])])
		}
	}
	return s
}
