package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramSink posts alerts to a fixed chat. Send-only: no poller and no
// handlers, the bot never reads updates.
type TelegramSink struct {
	bot  *tele.Bot
	chat *tele.Chat
}

// NewTelegramSink validates the token against the Bot API and returns a
// sink bound to chatID.
func NewTelegramSink(token string, chatID int64) (*TelegramSink, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram: missing bot token")
	}
	if chatID == 0 {
		return nil, errors.New("telegram: missing chat_id")
	}
	b, err := tele.NewBot(tele.Settings{Token: token})
	if err != nil {
		return nil, err
	}
	return &TelegramSink{bot: b, chat: &tele.Chat{ID: chatID}}, nil
}

func (s *TelegramSink) Send(ctx context.Context, text string) error {
	_, err := s.bot.Send(s.chat, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
