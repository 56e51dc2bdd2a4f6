package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mymmrac/telego"
)

// TelegramChannel sends through one Telegram bot. The route address is a
// numeric chat id or an @channel username.
type TelegramChannel struct {
	bot *telego.Bot
}

// NewTelegramChannel creates a bot client for token. Extra options are
// passed to telego, e.g. telego.WithAPIServer in tests.
func NewTelegramChannel(token string, opts ...telego.BotOption) (*TelegramChannel, error) {
	opts = append([]telego.BotOption{telego.WithDiscardLogger()}, opts...)
	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("telegram: new bot: %w", err)
	}
	return &TelegramChannel{bot: bot}, nil
}

// Name implements Channel.
func (c *TelegramChannel) Name() string { return "telegram" }

// Send implements Channel.
func (c *TelegramChannel) Send(ctx context.Context, address string, p Payload) error {
	chat, err := parseChatID(address)
	if err != nil {
		return err
	}
	_, err = c.bot.SendMessage(ctx, &telego.SendMessageParams{
		ChatID:              chat,
		Text:                RenderText(p),
		DisableNotification: p.Priority == PriorityLow,
	})
	if err != nil {
		return fmt.Errorf("telegram: send: %w", err)
	}
	return nil
}

func parseChatID(address string) (telego.ChatID, error) {
	address = strings.TrimSpace(address)
	if strings.HasPrefix(address, "@") {
		return telego.ChatID{Username: address}, nil
	}
	id, err := strconv.ParseInt(address, 10, 64)
	if err != nil {
		return telego.ChatID{}, fmt.Errorf("telegram: invalid chat id %q", address)
	}
	return telego.ChatID{ID: id}, nil
}
