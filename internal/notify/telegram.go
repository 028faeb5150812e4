// Package notify tells the operator what a run did, through a Telegram chat.
package notify

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// Sender is the part of *tele.Bot the notifier uses.
type Sender interface {
	Send(to tele.Recipient, what interface{}, opts ...interface{}) (*tele.Message, error)
}

type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	Timeout  time.Duration
}

// Telegram sends plain text messages to one chat (optionally one forum
// topic). It satisfies logx.Sink so it can also carry forwarded log lines.
type Telegram struct {
	bot      Sender
	chat     *tele.Chat
	threadID int
}

// NewTelegram builds an offline bot: no polling and no startup getMe call.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	return NewTelegramWithSender(b, cfg.ChatID, cfg.ThreadID), nil
}

func NewTelegramWithSender(s Sender, chatID int64, threadID int) *Telegram {
	return &Telegram{bot: s, chat: &tele.Chat{ID: chatID}, threadID: threadID}
}

// maxMessage is Telegram's limit for one text message, in UTF-16 units;
// counting runes stays under it for everything but astral-plane text.
const maxMessage = 4000

func (t *Telegram) Notify(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if r := []rune(text); len(r) > maxMessage {
		text = string(r[:maxMessage]) + "…"
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		ThreadID:              t.threadID,
		DisableWebPagePreview: true,
	})
	return err
}
