package approval

import (
	"strings"
	"unicode"
)

// Command names understood by the processor
const (
	CmdStart    = "start"
	CmdHelp     = "help"
	CmdPending  = "pending"
	CmdGenerate = "generate"
	CmdApprove  = "approve"
	CmdReject   = "reject"
	CmdEdit     = "edit"
	CmdSchedule = "schedule"
	CmdStatus   = "status"
)

// InboundMessage is a chat message or a button callback
type InboundMessage struct {
	ChatID       string
	Text         string
	CallbackData string
	FromHandle   string
}

// Command is a parsed inbound message. Rest holds everything after the
// command word verbatim, for commands taking free text.
type Command struct {
	Name     string
	Args     []string
	Rest     string
	Callback bool
}

// Arg returns the i-th argument or ""
func (c Command) Arg(i int) string {
	if i < len(c.Args) {
		return c.Args[i]
	}
	return ""
}

// Parse reads "/word arg..." text or a "verb:id[:arg]" callback payload.
// It returns false when the message is neither.
func Parse(msg InboundMessage) (Command, bool) {
	if data := strings.TrimSpace(msg.CallbackData); data != "" {
		parts := strings.SplitN(data, ":", 3)
		if parts[0] == "" {
			return Command{}, false
		}
		return Command{Name: strings.ToLower(parts[0]), Args: parts[1:], Callback: true}, true
	}

	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return Command{}, false
	}
	word, rest := text, ""
	if i := strings.IndexFunc(text, unicode.IsSpace); i >= 0 {
		word, rest = text[:i], text[i:]
	}

	name := strings.TrimPrefix(word, "/")
	// "/approve@shipnote_bot" in group chats
	if at := strings.Index(name, "@"); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return Command{}, false
	}
	rest = strings.TrimSpace(rest)
	return Command{Name: strings.ToLower(name), Args: strings.Fields(rest), Rest: rest}, true
}

// afterFirstArg returns Rest without its first argument, keeping the
// remaining text and line breaks as typed
func (c Command) afterFirstArg() string {
	first := c.Arg(0)
	if first == "" {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(c.Rest, first))
}

const helpText = `*shipnote* turns your GitHub activity into posts you approve before they go out.

/pending - drafts waiting for your review
/generate [instructions] - write a new draft now
/approve <id> - approve a draft for posting
/reject <id> - discard a draft
/edit <id> <text> - replace the draft text
/schedule <id> <when> - pick a time: now, +1h, +3h, +6h, tomorrow9, tomorrow13, tomorrow18, best
/status <id> - show where a draft is`
