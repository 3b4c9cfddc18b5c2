package approval

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shipnote/shipnote-bot/internal/generator"
	"github.com/shipnote/shipnote-bot/internal/models"
	"github.com/shipnote/shipnote-bot/internal/storage"
	"github.com/sirupsen/logrus"
)

const pendingListLimit = 5

// Button is an inline keyboard button carrying callback data
type Button struct {
	Label string
	Data  string
}

// SendOptions decorates an outgoing message
type SendOptions struct {
	Buttons  [][]Button
	Markdown bool
}

// Sender delivers messages to a chat
type Sender interface {
	Send(ctx context.Context, chatID, text string, opts SendOptions) error
}

// HandleMessage runs one inbound chat message and sends exactly one reply
func (p *Processor) HandleMessage(ctx context.Context, msg InboundMessage) error {
	log := p.log.WithField("chat_id", msg.ChatID)

	user, err := p.store.FindUserByChatID(ctx, msg.ChatID)
	if errors.Is(err, storage.ErrNotFound) {
		return p.sender.Send(ctx, msg.ChatID, "This chat is not linked to a shipnote account yet.", SendOptions{})
	}
	if err != nil {
		log.Errorf("Failed to resolve chat user: %v", err)
		return p.sender.Send(ctx, msg.ChatID, "Something went wrong, please try again later.", SendOptions{})
	}

	cmd, ok := Parse(msg)
	if !ok {
		return p.sender.Send(ctx, msg.ChatID, helpText, SendOptions{Markdown: true})
	}

	text, opts := p.dispatch(ctx, user, cmd)
	log.WithFields(logrus.Fields{"user_id": user.ID, "command": cmd.Name, "callback": cmd.Callback}).Debug("Handled command")
	return p.sender.Send(ctx, msg.ChatID, text, opts)
}

func (p *Processor) dispatch(ctx context.Context, user *models.User, cmd Command) (string, SendOptions) {
	id := cmd.Arg(0)

	switch cmd.Name {
	case CmdStart, CmdHelp:
		return helpText, SendOptions{Markdown: true}

	case CmdPending:
		return p.listPending(ctx, user)

	case CmdGenerate:
		return p.generateDraft(ctx, user, cmd.Rest)

	case CmdApprove:
		content, err := p.Approve(ctx, user, id)
		if err != nil {
			return p.failure(CmdApprove, id, err), SendOptions{}
		}
		return fmt.Sprintf("Approved %s, it will be posted %s.", content.ID, p.describeWhen(content.ScheduledFor, user)),
			SendOptions{Buttons: scheduleKeyboard(content.ID)}

	case CmdReject:
		content, err := p.Reject(ctx, user, id)
		if err != nil {
			return p.failure(CmdReject, id, err), SendOptions{}
		}
		return fmt.Sprintf("Rejected %s. Its activity is free for a new draft.", content.ID), SendOptions{}

	case CmdEdit:
		if cmd.Callback {
			if _, err := p.owned(ctx, user, id); err != nil {
				return p.failure(CmdEdit, id, err), SendOptions{}
			}
			return fmt.Sprintf("Send the new text with /edit %s <text>", id), SendOptions{}
		}
		content, err := p.Edit(ctx, user, id, cmd.afterFirstArg())
		if err != nil {
			return p.failure(CmdEdit, id, err), SendOptions{}
		}
		return draftMessage(content), SendOptions{Markdown: true, Buttons: reviewKeyboard(content.ID)}

	case CmdSchedule:
		when := cmd.Arg(1)
		if when == "" {
			if _, err := p.owned(ctx, user, id); err != nil {
				return p.failure(CmdSchedule, id, err), SendOptions{}
			}
			return "When should it go out?", SendOptions{Buttons: scheduleKeyboard(id)}
		}
		content, err := p.Schedule(ctx, user, id, when)
		if err != nil {
			return p.failure(CmdSchedule, id, err), SendOptions{}
		}
		return fmt.Sprintf("Scheduled %s for %s.", content.ID, p.describeWhen(content.ScheduledFor, user)), SendOptions{}

	case CmdStatus:
		content, err := p.Status(ctx, user, id)
		if err != nil {
			return p.failure(CmdStatus, id, err), SendOptions{}
		}
		return p.statusMessage(content, user), SendOptions{}
	}

	return helpText, SendOptions{Markdown: true}
}

func (p *Processor) listPending(ctx context.Context, user *models.User) (string, SendOptions) {
	contents, err := p.Pending(ctx, user, pendingListLimit)
	if err != nil {
		p.log.WithField("user_id", user.ID).Errorf("Failed to list pending drafts: %v", err)
		return "Could not load your drafts, please try again later.", SendOptions{}
	}
	if len(contents) == 0 {
		return "No drafts waiting for review.", SendOptions{}
	}

	var b strings.Builder
	var keyboard [][]Button
	fmt.Fprintf(&b, "%d draft(s) waiting for review:\n", len(contents))
	for _, c := range contents {
		fmt.Fprintf(&b, "\n%s\n%s\n", c.ID, c.Text)
		keyboard = append(keyboard, reviewKeyboard(c.ID)[0])
	}
	return b.String(), SendOptions{Buttons: keyboard}
}

func (p *Processor) generateDraft(ctx context.Context, user *models.User, instructions string) (string, SendOptions) {
	if p.generator == nil {
		return "Draft generation is not available right now.", SendOptions{}
	}
	log := p.log.WithField("user_id", user.ID)

	group, err := p.generator.RecentGroup(ctx, user, p.window)
	if errors.Is(err, generator.ErrNoActivity) {
		return "No new activity to write about. Push some code first!", SendOptions{}
	}
	if err != nil {
		log.Errorf("Failed to collect activity: %v", err)
		return "Could not collect your recent activity, please try again later.", SendOptions{}
	}

	var content *models.Content
	if strings.TrimSpace(instructions) != "" {
		content, err = p.generator.GenerateWithInstructions(ctx, user, group, instructions)
	} else {
		content, err = p.generator.Generate(ctx, user, group)
	}
	if err != nil {
		log.Errorf("Failed to generate draft: %v", err)
		return "Could not write a draft, please try again later.", SendOptions{}
	}
	return draftMessage(content), SendOptions{Markdown: true, Buttons: reviewKeyboard(content.ID)}
}

// RequestApproval puts a new draft in front of its owner. Users who opted
// into auto-approve get it approved right away and a confirmation instead.
func (p *Processor) RequestApproval(ctx context.Context, user *models.User, content *models.Content) error {
	if user == nil || user.ChatID == "" {
		return fmt.Errorf("user has no chat linked")
	}

	if user.AutoApprove {
		approved, err := p.approve(ctx, content)
		if err != nil {
			return fmt.Errorf("failed to auto-approve content %s: %w", content.ID, err)
		}
		text := fmt.Sprintf("Auto-approved a new post, it will go out %s:\n\n%s",
			p.describeWhen(approved.ScheduledFor, user), approved.Text)
		return p.sender.Send(ctx, user.ChatID, text, SendOptions{})
	}

	return p.sender.Send(ctx, user.ChatID, draftMessage(content),
		SendOptions{Markdown: true, Buttons: reviewKeyboard(content.ID)})
}

func (p *Processor) failure(command, id string, err error) string {
	switch {
	case errors.Is(err, ErrNotPermitted):
		if id == "" {
			return fmt.Sprintf("Usage: /%s <id>", command)
		}
		return fmt.Sprintf("Draft %s was not found or is not yours.", id)
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrValidation):
		return fmt.Sprintf("Cannot %s %s: %v", command, id, err)
	}
	p.log.WithFields(logrus.Fields{"command": command, "content_id": id}).Errorf("Command failed: %v", err)
	return fmt.Sprintf("Could not %s %s, please try again later.", command, id)
}

func (p *Processor) describeWhen(t *time.Time, user *models.User) string {
	if t == nil {
		return "when scheduled"
	}
	if !t.After(p.now().Add(time.Minute)) {
		return "right away"
	}
	return "at " + t.In(p.userLocation(user)).Format("Mon Jan 2 15:04 MST")
}

func (p *Processor) statusMessage(c *models.Content, user *models.User) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s is %s", c.ID, c.Status)
	switch c.Status {
	case models.ContentApproved:
		fmt.Fprintf(&b, ", posting %s", p.describeWhen(c.ScheduledFor, user))
	case models.ContentPublishing:
		b.WriteString(", posting right now")
	case models.ContentPosted:
		if c.PostURL != "" {
			fmt.Fprintf(&b, ": %s", c.PostURL)
		}
		fmt.Fprintf(&b, " (%d likes, %d shares, %d replies)", c.Analytics.Likes, c.Analytics.Shares, c.Analytics.Replies)
	case models.ContentFailed:
		if c.FailureReason != "" {
			fmt.Fprintf(&b, ": %s", c.FailureReason)
		}
	}
	return b.String() + "."
}

func draftMessage(c *models.Content) string {
	var b strings.Builder
	b.WriteString("*New draft*")
	if c.Generation.GeneratedByFallback {
		b.WriteString(" (template)")
	}
	b.WriteString("\n\n")
	b.WriteString(escapeMarkdown(c.Text))
	fmt.Fprintf(&b, "\n\n_%d/%d characters_ · id `%s`", models.TextLength(c.Text), c.Platform.CharLimit(), c.ID)
	return b.String()
}

func reviewKeyboard(id string) [][]Button {
	return [][]Button{
		{
			{Label: "Approve", Data: CmdApprove + ":" + id},
			{Label: "Edit", Data: CmdEdit + ":" + id},
			{Label: "Reject", Data: CmdReject + ":" + id},
		},
		{
			{Label: "Schedule", Data: CmdSchedule + ":" + id},
		},
	}
}

func scheduleKeyboard(id string) [][]Button {
	var rows [][]Button
	var row []Button
	for _, slot := range scheduleSlots {
		row = append(row, Button{Label: slot.Label, Data: CmdSchedule + ":" + id + ":" + slot.When})
		if len(row) == 4 {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	return rows
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "[", "\\[", "`", "\\`")

// escapeMarkdown escapes the characters legacy Telegram Markdown treats as markup
func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}
