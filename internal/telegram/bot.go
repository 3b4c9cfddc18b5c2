// Package telegram is the chat transport for the approval workflow
package telegram

import (
	"context"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shipnote/shipnote-bot/internal/approval"
	"github.com/sirupsen/logrus"
)

const pollTimeoutSeconds = 30

// BotAPI is the subset of the Telegram client the bot uses
type BotAPI interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Handler processes one inbound message
type Handler interface {
	HandleMessage(ctx context.Context, msg approval.InboundMessage) error
}

// Bot long-polls Telegram for updates and sends replies
type Bot struct {
	api BotAPI
	log logrus.FieldLogger
}

// New connects to Telegram with the given token
func New(token string, log logrus.FieldLogger) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to telegram: %w", err)
	}
	log.WithField("bot", api.Self.UserName).Info("Telegram bot authorized")
	return NewWithAPI(api, log), nil
}

// NewWithAPI wraps an existing client
func NewWithAPI(api BotAPI, log logrus.FieldLogger) *Bot {
	return &Bot{api: api, log: log.WithField("component", "telegram")}
}

// Run delivers updates to handler until ctx is done. Messages are handled
// one at a time in arrival order.
func (b *Bot) Run(ctx context.Context, handler Handler) {
	cfg := tgbotapi.NewUpdate(0)
	cfg.Timeout = pollTimeoutSeconds
	updates := b.api.GetUpdatesChan(cfg)
	defer b.api.StopReceivingUpdates()

	b.log.Info("Polling for chat updates")
	for {
		select {
		case <-ctx.Done():
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			b.handleUpdate(ctx, handler, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, handler Handler, update tgbotapi.Update) {
	msg, ok := inbound(update)
	if !ok {
		return
	}

	if update.CallbackQuery != nil {
		// stops the spinner on the pressed button
		if _, err := b.api.Request(tgbotapi.NewCallback(update.CallbackQuery.ID, "")); err != nil {
			b.log.Debugf("Failed to answer callback: %v", err)
		}
	}

	if err := handler.HandleMessage(ctx, msg); err != nil {
		b.log.WithField("chat_id", msg.ChatID).Errorf("Failed to handle message: %v", err)
	}
}

// inbound converts an update into the transport independent message
func inbound(update tgbotapi.Update) (approval.InboundMessage, bool) {
	if cq := update.CallbackQuery; cq != nil {
		if cq.Message == nil || cq.Message.Chat == nil {
			return approval.InboundMessage{}, false
		}
		msg := approval.InboundMessage{
			ChatID:       strconv.FormatInt(cq.Message.Chat.ID, 10),
			CallbackData: cq.Data,
		}
		if cq.From != nil {
			msg.FromHandle = cq.From.UserName
		}
		return msg, true
	}

	m := update.Message
	if m == nil || m.Chat == nil || m.Text == "" {
		return approval.InboundMessage{}, false
	}
	msg := approval.InboundMessage{
		ChatID: strconv.FormatInt(m.Chat.ID, 10),
		Text:   m.Text,
	}
	if m.From != nil {
		msg.FromHandle = m.From.UserName
	}
	return msg, true
}

// Send implements approval.Sender
func (b *Bot) Send(ctx context.Context, chatID, text string, opts approval.SendOptions) error {
	id, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", chatID, err)
	}

	msg := tgbotapi.NewMessage(id, text)
	if opts.Markdown {
		msg.ParseMode = tgbotapi.ModeMarkdown
	}
	if len(opts.Buttons) > 0 {
		msg.ReplyMarkup = keyboard(opts.Buttons)
	}

	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send message to chat %s: %w", chatID, err)
	}
	return nil
}

func keyboard(buttons [][]approval.Button) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		out := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			out = append(out, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(out...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}
