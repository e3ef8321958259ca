// Package bot sends bridge alerts to a Telegram admin chat and answers status commands
package bot

import (
	"context"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// StatusFunc renders the current bridge status for the /status command
type StatusFunc func() string

// Bot is the Telegram side of the bridge
type Bot struct {
	api          *tgbotapi.BotAPI
	targetChatID int64
	logger       *zap.Logger
}

// New authorizes the bot. authorizedChatID may be empty, in which case alerts are dropped.
func New(token, authorizedChatID string, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	api.Debug = false

	b := &Bot{api: api, logger: logger}
	if authorizedChatID != "" {
		id, err := strconv.ParseInt(authorizedChatID, 10, 64)
		if err != nil {
			logger.Warn("invalid AUTHORIZED_CHAT_ID, alerts disabled", zap.String("value", authorizedChatID))
		} else {
			b.targetChatID = id
		}
	}

	logger.Info("telegram bot authorized", zap.String("account", api.Self.UserName))
	return b, nil
}

// SendNotification sends a message to the admin chat
func (b *Bot) SendNotification(message string) {
	if b.targetChatID == 0 {
		return
	}
	msg := tgbotapi.NewMessage(b.targetChatID, message)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Warn("telegram send failed", zap.Error(err))
	}
}

// StartPolling answers commands until ctx is done
func (b *Bot) StartPolling(ctx context.Context, status StatusFunc) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	go func() {
		<-ctx.Done()
		b.api.StopReceivingUpdates()
	}()

	go func() {
		for update := range updates {
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if reply := b.handleCommand(update.Message.Command(), update.Message.Chat.ID, status); reply != "" {
				if _, err := b.api.Send(tgbotapi.NewMessage(update.Message.Chat.ID, reply)); err != nil {
					b.logger.Warn("telegram send failed", zap.Error(err))
				}
			}
		}
	}()
}

func (b *Bot) handleCommand(command string, chatID int64, status StatusFunc) string {
	switch command {
	case "start":
		return "ZKTeco attendance bridge\n\n/status - bridge status\n/getid - this chat's id"
	case "getid":
		return "Chat ID: " + strconv.FormatInt(chatID, 10)
	case "status":
		if chatID != b.targetChatID {
			return "Not authorized"
		}
		return status()
	}
	return "Unknown command, use /start"
}
