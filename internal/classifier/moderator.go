package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/antispam-bot/internal/models"
)

const moderationSystemTemplate = `You moderate a chat (channel: %s, channel description: %s).
Moderate only if the message is aimed at a live participant of the CHAT and contains:

1. A direct insult.
2. NSFW content.
3. Threats of harm (physical, doxxing and the like).

Do NOT flag:
- Swearing and sarcasm.
- Criticism of the channel, its posts or actors.
- Hypothetical arguments or ideas.

**Sensitivity %s**:
- LOW: flag only obvious violations.
- MEDIUM: flag if a violation is likely.
- HIGH: flag potential violations too.
%s
Reply in JSON:
{
  "thoughts": "<explanation>",
  "is_violating": true/false,
  "action": "warn"/"delete_and_ban"/"",
  "moderation_message": "<message for the user, if needed>"
}`

const moderationInstruction = "Does this last message violate the rules? Check ONLY it. Reply in JSON as specified above. Chat language: %s."

// ModerationInput is the message under review with its dialog context.
type ModerationInput struct {
	UserID      int64
	Text        string
	SenderName  string
	IsBot       bool
	Dialog      []models.DialogEntry
	ChannelName string
	// Image is a data URL of a photo attached to the message.
	Image string
}

// Moderator is the content-moderation adapter.
type Moderator struct {
	oracle      *Oracle
	language    string
	sensitivity models.Sensitivity
	description string
	logger      *zap.Logger
}

func NewModerator(oracle *Oracle, language string, sensitivity models.Sensitivity, description string, logger *zap.Logger) *Moderator {
	if !sensitivity.Valid() {
		sensitivity = models.SensitivityLow
	}
	return &Moderator{
		oracle:      oracle,
		language:    language,
		sensitivity: sensitivity,
		description: description,
		logger:      logger,
	}
}

// buildModerationMessages puts every context entry in its own turn, then the
// target message, then the instruction that singles the target out.
func (m *Moderator) buildModerationMessages(in ModerationInput) []openai.ChatCompletionMessage {
	botNote := ""
	if in.IsBot {
		botNote = "\nAn automated check marked the author as a likely spam bot. This is informational only.\n"
	}
	channel := in.ChannelName
	if channel == "" {
		channel = "unknown"
	}

	messages := []openai.ChatCompletionMessage{{
		Role: openai.ChatMessageRoleSystem,
		Content: fmt.Sprintf(moderationSystemTemplate,
			channel, m.description, strings.ToUpper(string(m.sensitivity)), botNote),
	}}
	for _, entry := range in.Dialog {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: entry.SenderName + ": " + entry.Text,
		})
	}

	target := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser}
	text := in.SenderName + ": " + in.Text
	if in.Image != "" {
		target.MultiContent = []openai.ChatMessagePart{textPart(text), imagePart(in.Image)}
	} else {
		target.Content = text
	}
	messages = append(messages, target, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: fmt.Sprintf(moderationInstruction, strings.ToUpper(m.language)),
	})
	return messages
}

// Moderate runs the moderation pass. An unparseable reply yields a
// non-violating verdict carrying the raw text as thoughts.
func (m *Moderator) Moderate(ctx context.Context, in ModerationInput) (models.ModerationVerdict, error) {
	response, model, err := m.oracle.Complete(ctx, m.buildModerationMessages(in))
	if err != nil {
		return models.ModerationVerdict{}, err
	}
	m.logger.Debug("Moderation response",
		zap.Int64("user_id", in.UserID),
		zap.String("model", model),
		zap.String("response", response))

	verdict, err := parseModerationVerdict(response)
	if err != nil {
		m.logger.Error("Failed to parse moderation response",
			zap.Error(err),
			zap.Int64("user_id", in.UserID),
			zap.String("response", response))
		return models.ModerationVerdict{Thoughts: response}, nil
	}
	return verdict, nil
}

type moderationReply struct {
	Thoughts          string  `json:"thoughts"`
	IsViolating       *bool   `json:"is_violating"`
	Action            *string `json:"action"`
	ModerationMessage string  `json:"moderation_message"`
}

func parseModerationVerdict(response string) (models.ModerationVerdict, error) {
	var reply moderationReply
	if err := json.Unmarshal([]byte(unwrapJSON(response)), &reply); err != nil {
		return models.ModerationVerdict{}, err
	}
	if reply.IsViolating == nil {
		return models.ModerationVerdict{}, errors.New("missing is_violating")
	}

	verdict := models.ModerationVerdict{
		Thoughts:          reply.Thoughts,
		IsViolating:       *reply.IsViolating,
		ModerationMessage: reply.ModerationMessage,
	}
	if reply.Action != nil {
		switch a := models.ModerationAction(strings.ToLower(strings.TrimSpace(*reply.Action))); a {
		case models.ActionWarn, models.ActionDeleteAndBan:
			verdict.Action = a
		}
	}
	return verdict, nil
}
