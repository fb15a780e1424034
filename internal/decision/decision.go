// Package decision merges the bot verdict and the moderation verdict into an
// operator notification.
package decision

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/xaenox/antispam-bot/internal/models"
)

type Kind int

const (
	KindSpamBot Kind = iota + 1
	KindViolation
)

func (k Kind) String() string {
	switch k {
	case KindSpamBot:
		return "spam_bot"
	case KindViolation:
		return "violation"
	default:
		return "none"
	}
}

// Input is everything the composer needs about one handled message.
type Input struct {
	UserID       int64
	ChatID       int64
	ChatUsername string
	MessageID    int
	Text         string

	IsBot         bool
	BotThoughts   string
	BotConfidence float64

	Moderation models.ModerationVerdict
}

// Button is an operator-selectable action. Data is the callback payload.
type Button struct {
	Label string
	Data  string
}

// Notification is the payload delivered to the operator channel.
type Notification struct {
	Kind              Kind
	UserID            int64
	ChatID            int64
	MessageID         int
	Link              string
	Reason            string
	Confidence        float64
	Action            string
	ModerationMessage string
	OriginalText      string
	Buttons           [][]Button
}

// Compose returns nil when no notification is warranted. A bot verdict wins
// over the moderation verdict.
func Compose(in Input) *Notification {
	n := &Notification{
		UserID:       in.UserID,
		ChatID:       in.ChatID,
		MessageID:    in.MessageID,
		Link:         MessageLink(in.ChatUsername, in.ChatID, in.MessageID),
		OriginalText: in.Text,
		Buttons:      ActionButtons(in.UserID, in.ChatID),
	}

	switch {
	case in.IsBot:
		n.Kind = KindSpamBot
		n.Reason = in.BotThoughts
		if n.Reason == "" {
			n.Reason = "No reason given"
		}
		n.Confidence = in.BotConfidence
		n.Action = "Delete message and ban"
	case in.Moderation.IsViolating:
		n.Kind = KindViolation
		n.Reason = in.Moderation.Thoughts
		if n.Reason == "" {
			n.Reason = "No reason given"
		}
		n.Action = string(in.Moderation.Action)
		if n.Action == "" {
			n.Action = "Unknown action"
		}
		n.ModerationMessage = in.Moderation.ModerationMessage
	default:
		return nil
	}
	return n
}

// MessageLink builds a deep link to a chat message. Public chats use their
// username, private supergroups the t.me/c form without the -100 prefix.
func MessageLink(username string, chatID int64, messageID int) string {
	if username != "" {
		return fmt.Sprintf("https://t.me/%s/%d", strings.TrimPrefix(username, "@"), messageID)
	}
	id := strconv.FormatInt(chatID, 10)
	id = strings.TrimPrefix(id, "-100")
	return fmt.Sprintf("https://t.me/c/%s/%d", id, messageID)
}

// Callback data prefixes of the operator buttons.
const (
	CallbackBan       = "ban"
	CallbackMute1h    = "mute_1h"
	CallbackWarn      = "warn"
	CallbackResetWarn = "reset_warn"
)

// ActionButtons returns the operator keyboard in two rows.
func ActionButtons(userID, chatID int64) [][]Button {
	data := func(prefix string) string {
		return fmt.Sprintf("%s_%d_%d", prefix, userID, chatID)
	}
	return [][]Button{
		{
			{Label: "❌ Ban", Data: data(CallbackBan)},
			{Label: "🔇 Mute (1h)", Data: data(CallbackMute1h)},
		},
		{
			{Label: "⚠️ Warn", Data: data(CallbackWarn)},
			{Label: "🔄 Reset counter", Data: data(CallbackResetWarn)},
		},
	}
}

// Callback is a parsed operator button press.
type Callback struct {
	Action string
	UserID int64
	ChatID int64
}

// ParseCallback reverses ActionButtons' payload format.
func ParseCallback(data string) (Callback, error) {
	for _, prefix := range []string{CallbackResetWarn, CallbackMute1h, CallbackBan, CallbackWarn} {
		rest, ok := strings.CutPrefix(data, prefix+"_")
		if !ok {
			continue
		}
		userPart, chatPart, ok := strings.Cut(rest, "_")
		if !ok {
			return Callback{}, fmt.Errorf("malformed callback data %q", data)
		}
		userID, err := strconv.ParseInt(userPart, 10, 64)
		if err != nil {
			return Callback{}, fmt.Errorf("invalid user id in %q: %w", data, err)
		}
		chatID, err := strconv.ParseInt(chatPart, 10, 64)
		if err != nil {
			return Callback{}, fmt.Errorf("invalid chat id in %q: %w", data, err)
		}
		return Callback{Action: prefix, UserID: userID, ChatID: chatID}, nil
	}
	return Callback{}, fmt.Errorf("unknown callback %q", data)
}
