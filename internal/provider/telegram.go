package provider

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/gofrs/uuid/v5"

	"github.com/and161185/token-notifier/internal/model"
)

type botSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram sends messaging-channel notices through a bot. The stored address is the chat ID.
type Telegram struct {
	bot botSender
	dir Directory
}

// NewTelegram authorizes the bot token and constructs the provider.
func NewTelegram(token string, dir Directory) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: bot, dir: dir}, nil
}

// Send posts content to the user's chat.
func (t *Telegram) Send(ctx context.Context, userID uuid.UUID, content model.Content) error {
	addr, err := recipient(ctx, t.dir, userID, model.ChannelMessaging)
	if err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(addr, 10, 64)
	if err != nil {
		return fail(model.ChannelMessaging, fmt.Errorf("bad chat id %q: %w", addr, err), false)
	}
	if err := ctx.Err(); err != nil {
		return fail(model.ChannelMessaging, err, true)
	}

	msg := tgbotapi.NewMessage(chatID, text(content))
	if _, err := t.bot.Send(msg); err != nil {
		temporary := true
		var apiErr *tgbotapi.Error
		if errors.As(err, &apiErr) {
			temporary = apiErr.Code == 429 || apiErr.Code >= 500
		}
		return fail(model.ChannelMessaging, err, temporary)
	}
	return nil
}
