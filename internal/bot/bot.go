// Package bot is the operator side: it posts moderation notifications with
// action buttons and handles the operator's callbacks and commands.
package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/xaenox/antispam-bot/internal/decision"
	"github.com/xaenox/antispam-bot/internal/storage"
)

type Bot struct {
	api     *tgbotapi.BotAPI
	storage storage.Storage
	chatID  int64
	logger  *zap.Logger
}

// New connects to the Bot API. chatID is where notifications go.
func New(token string, chatID int64, storage storage.Storage, logger *zap.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}
	return NewWithAPI(api, chatID, storage, logger), nil
}

func NewWithAPI(api *tgbotapi.BotAPI, chatID int64, storage storage.Storage, logger *zap.Logger) *Bot {
	return &Bot{
		api:     api,
		storage: storage,
		chatID:  chatID,
		logger:  logger,
	}
}

// Notify sends a notification to the operator chat.
func (b *Bot) Notify(ctx context.Context, n *decision.Notification) error {
	msg := tgbotapi.NewMessage(b.chatID, n.Text())
	msg.ParseMode = "MarkdownV2"
	msg.DisableWebPagePreview = true
	if len(n.Buttons) > 0 {
		msg.ReplyMarkup = keyboard(n.Buttons)
	}

	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	return nil
}

func keyboard(buttons [][]decision.Button) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, row := range buttons {
		r := make([]tgbotapi.InlineKeyboardButton, 0, len(row))
		for _, btn := range row {
			r = append(r, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Data))
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(r...))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// Start polls for updates until ctx is done.
func (b *Bot) Start(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	u.AllowedUpdates = []string{"message", "callback_query"}

	updates := b.api.GetUpdatesChan(u)
	b.logger.Info("Operator bot started", zap.String("username", b.api.Self.UserName))

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		b.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.IsCommand():
		if update.Message.Chat == nil || update.Message.Chat.ID != b.chatID {
			return
		}
		b.handleCommand(ctx, update.Message)
	}
}

// handleCallback answers a button press. Only the counter reset changes
// state; the other actions are acknowledged and logged.
func (b *Bot) handleCallback(ctx context.Context, query *tgbotapi.CallbackQuery) {
	cb, err := decision.ParseCallback(query.Data)
	if err != nil {
		b.logger.Warn("Unknown callback", zap.String("data", query.Data), zap.Error(err))
		b.answerCallback(query.ID, "Unknown action")
		return
	}

	logger := b.logger.With(
		zap.String("action", cb.Action),
		zap.Int64("user_id", cb.UserID),
		zap.Int64("chat_id", cb.ChatID))
	if query.From != nil {
		logger = logger.With(zap.Int64("operator_id", query.From.ID))
	}

	switch cb.Action {
	case decision.CallbackResetWarn:
		if err := b.storage.ResetCheckCount(ctx, cb.UserID); err != nil {
			logger.Error("Failed to reset check count", zap.Error(err))
			b.answerCallback(query.ID, "Failed to reset counter")
			return
		}
		logger.Info("Check count reset by operator")
		b.answerCallback(query.ID, "Counter reset")
		b.sendMessage(b.chatID, fmt.Sprintf("Counter reset for user %d, the account is monitored again.", cb.UserID))
	default:
		logger.Info("Operator action recorded")
		b.answerCallback(query.ID, actionLabel(cb.Action)+" recorded")
	}
}

func actionLabel(action string) string {
	switch action {
	case decision.CallbackBan:
		return "Ban"
	case decision.CallbackMute1h:
		return "Mute"
	case decision.CallbackWarn:
		return "Warning"
	default:
		return action
	}
}

func (b *Bot) answerCallback(id, text string) {
	if _, err := b.api.Request(tgbotapi.NewCallback(id, text)); err != nil {
		b.logger.Error("Failed to answer callback",
			zap.Error(err),
			zap.String("callback_id", id))
	}
}

func (b *Bot) handleCommand(ctx context.Context, message *tgbotapi.Message) {
	switch message.Command() {
	case "start", "help":
		b.handleHelp(message)
	case "reset":
		b.handleReset(ctx, message)
	case "status":
		b.handleStatus(ctx, message)
	default:
		b.sendMessage(message.Chat.ID, "Unknown command. Use /help to see available commands.")
	}
}

func (b *Bot) handleHelp(message *tgbotapi.Message) {
	help := `Available commands:
/help - Show this help message
/status <user_id> - Show the stored verdict of a user
/reset <user_id> - Reset the check counter of a user

Notifications about spam bots and rule violations arrive here with action buttons.`

	b.sendMessage(message.Chat.ID, help)
}

func parseUserID(message *tgbotapi.Message) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(message.CommandArguments()), 10, 64)
	return id, err == nil
}

func (b *Bot) handleReset(ctx context.Context, message *tgbotapi.Message) {
	userID, ok := parseUserID(message)
	if !ok {
		b.sendMessage(message.Chat.ID, "Usage: /reset <user_id>")
		return
	}

	if err := b.storage.ResetCheckCount(ctx, userID); err != nil {
		b.logger.Error("Failed to reset check count",
			zap.Error(err),
			zap.Int64("user_id", userID))
		b.sendErrorMessage(message.Chat.ID, fmt.Sprintf("Failed to reset counter for user %d.", userID))
		return
	}
	b.sendMessage(message.Chat.ID, fmt.Sprintf("Counter reset for user %d, the account is monitored again.", userID))
}

func (b *Bot) handleStatus(ctx context.Context, message *tgbotapi.Message) {
	userID, ok := parseUserID(message)
	if !ok {
		b.sendMessage(message.Chat.ID, "Usage: /status <user_id>")
		return
	}

	view, err := b.storage.GetComposedView(ctx, userID)
	if err != nil {
		b.logger.Error("Failed to get user",
			zap.Error(err),
			zap.Int64("user_id", userID))
		b.sendErrorMessage(message.Chat.ID, "Sorry, failed to retrieve the user. Please try again later.")
		return
	}
	if view == nil {
		b.sendMessage(message.Chat.ID, fmt.Sprintf("User %d is not known yet.", userID))
		return
	}

	u := view.User
	response := fmt.Sprintf("*User* `%d`\n", u.ID)
	if u.Username != nil {
		response += fmt.Sprintf("*Username:* %s\n", decision.EscapeMarkdown("@"+strings.TrimPrefix(*u.Username, "@")))
	}
	response += fmt.Sprintf("*Checks:* %d/%d\n", u.CheckCount, b.storage.Threshold())
	response += fmt.Sprintf("*Bot:* %s\n", decision.EscapeMarkdown(strconv.FormatBool(u.IsBot)))
	if u.Confidence != nil {
		response += fmt.Sprintf("*Confidence:* %s\n", decision.EscapeMarkdown(strconv.FormatFloat(*u.Confidence, 'f', -1, 64)))
	}
	if u.Thoughts != nil {
		response += fmt.Sprintf("*Reason:* _%s_\n", decision.EscapeMarkdown(*u.Thoughts))
	}
	response += fmt.Sprintf("*Messages stored:* %d", len(view.Messages))

	msg := tgbotapi.NewMessage(message.Chat.ID, response)
	msg.ParseMode = "MarkdownV2"
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send status message",
			zap.Error(err),
			zap.Int64("chat_id", message.Chat.ID))
	}
}

func (b *Bot) sendMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}

func (b *Bot) sendErrorMessage(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, "⚠️ "+text)
	if _, err := b.api.Send(msg); err != nil {
		b.logger.Error("Failed to send error message",
			zap.Error(err),
			zap.Int64("chat_id", chatID))
	}
}
