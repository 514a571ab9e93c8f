package alert

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig addresses one ops chat, optionally a forum topic in it.
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint. Tests point it at a fake.
	APIURL  string
	Timeout time.Duration
}

// Telegram sends plain text messages to the configured chat.
type Telegram struct {
	bot    *tele.Bot
	chat   *tele.Chat
	thread int
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("alert: telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("alert: telegram chat id is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	// Offline skips the getMe probe; the bot only sends.
	b, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		URL:     cfg.APIURL,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b, chat: &tele.Chat{ID: cfg.ChatID}, thread: cfg.ThreadID}, nil
}

// SendText satisfies logx.Sender and Sender.
func (t *Telegram) SendText(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              t.thread,
	})
	return err
}
