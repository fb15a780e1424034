package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/xaenox/antispam-bot/internal/models"
)

const botSystemPrompt = "You are a filter that decides whether an account is a spam bot."

const botPromptTemplate = `Decide whether the user %s is a spam bot. Signals:
1. Advertising, offers of jobs or easy earnings.
2. Often under female names: canned enthusiastic reviews of films, series or cartoons; templated, polite, saccharine texts with no reaction to the chat; sometimes a single emoji.

Users may have a personal channel. A suspicious channel strengthens suspicion, but only if the text is already strange.

Important:
- Judge only by the combination of signals: suspicious message, templated style, name and channel.
- If the message is single, short and could be a typo, do not flag the user as a bot.

The data contains the list "messages" of the user's messages. In it "Context" is the earlier message the user replies to and "Message" is the user's own text. Pay attention to the user's messages: repetitive messages are a sign of a bot.

Reply in JSON: {"thoughts": "...", "is_bot": true/false, "confidence": 0-1}

IMPORTANT: write the "thoughts" field in the chat language, %s.

Data: %s`

// GPTClassifier is the bot-classification adapter.
type GPTClassifier struct {
	oracle   *Oracle
	language string
	logger   *zap.Logger
}

func NewGPTClassifier(oracle *Oracle, language string, logger *zap.Logger) *GPTClassifier {
	return &GPTClassifier{
		oracle:   oracle,
		language: language,
		logger:   logger,
	}
}

type accountPrompt struct {
	ID              int64          `json:"id"`
	Username        *string        `json:"username,omitempty"`
	FirstName       *string        `json:"first_name,omitempty"`
	LastName        *string        `json:"last_name,omitempty"`
	FullName        *string        `json:"full_name,omitempty"`
	IsBot           bool           `json:"is_bot"`
	Confidence      *float64       `json:"confidence,omitempty"`
	Thoughts        *string        `json:"thoughts,omitempty"`
	Messages        []string       `json:"messages,omitempty"`
	PersonalChannel *channelPrompt `json:"personal_channel,omitempty"`
}

type channelPrompt struct {
	Title    *string      `json:"title,omitempty"`
	Username *string      `json:"username,omitempty"`
	Posts    []postPrompt `json:"posts,omitempty"`
}

type postPrompt struct {
	Text string `json:"text"`
}

// stripAccount drops image payloads and empty fields from the view. The
// channel is dropped entirely when nothing is left of it.
func stripAccount(view *models.ComposedView) accountPrompt {
	u := view.User
	p := accountPrompt{
		ID:         u.ID,
		Username:   u.Username,
		FirstName:  u.FirstName,
		LastName:   u.LastName,
		FullName:   u.FullName,
		IsBot:      u.IsBot,
		Confidence: u.Confidence,
		Thoughts:   u.Thoughts,
		Messages:   view.RenderedMessages(),
	}
	if ch := view.Channel; ch != nil {
		cp := &channelPrompt{Title: ch.Title, Username: ch.Username}
		for _, post := range ch.Posts {
			if post.Text != nil && *post.Text != "" {
				cp.Posts = append(cp.Posts, postPrompt{Text: *post.Text})
			}
		}
		if cp.Title != nil || cp.Username != nil || len(cp.Posts) > 0 {
			p.PersonalChannel = cp
		}
	}
	return p
}

func accountName(u models.TrustRecord) string {
	switch {
	case u.FullName != nil && *u.FullName != "":
		return *u.FullName
	case u.Username != nil && *u.Username != "":
		return *u.Username
	default:
		return strconv.FormatInt(u.ID, 10)
	}
}

// buildBotMessages assembles the request: the stripped account as JSON text,
// then the profile image, the channel image and each post's text and image.
func (c *GPTClassifier) buildBotMessages(view *models.ComposedView) ([]openai.ChatCompletionMessage, error) {
	data, err := json.Marshal(stripAccount(view))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal account: %w", err)
	}

	parts := []openai.ChatMessagePart{
		textPart(fmt.Sprintf(botPromptTemplate, accountName(view.User), strings.ToUpper(c.language), data)),
	}
	if photo := view.User.ProfilePhoto; photo != nil && *photo != "" {
		parts = append(parts, textPart("User avatar:"), imagePart(*photo))
	}
	if ch := view.Channel; ch != nil {
		if ch.Photo != nil && *ch.Photo != "" {
			parts = append(parts, textPart("Channel avatar:"), imagePart(*ch.Photo))
		}
		for _, post := range ch.Posts {
			if post.Text != nil && *post.Text != "" {
				parts = append(parts, textPart(*post.Text))
			}
			if post.Media != nil && *post.Media != "" {
				parts = append(parts, imagePart(*post.Media))
			}
		}
	}

	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: botSystemPrompt},
		{Role: openai.ChatMessageRoleUser, MultiContent: parts},
	}, nil
}

// Classify runs one bot-classification pass over the composed view. An
// unparseable reply yields a non-bot verdict carrying the raw text.
func (c *GPTClassifier) Classify(ctx context.Context, view *models.ComposedView) (models.BotVerdict, error) {
	messages, err := c.buildBotMessages(view)
	if err != nil {
		return models.BotVerdict{}, err
	}

	response, model, err := c.oracle.Complete(ctx, messages)
	if err != nil {
		return models.BotVerdict{}, err
	}
	c.logger.Debug("Bot classification response",
		zap.Int64("user_id", view.User.ID),
		zap.String("model", model),
		zap.String("response", response))

	verdict, err := parseBotVerdict(response)
	if err != nil {
		c.logger.Error("Failed to parse bot classification response",
			zap.Error(err),
			zap.Int64("user_id", view.User.ID),
			zap.String("response", response))
		return models.BotVerdict{Thoughts: response}, nil
	}
	return verdict, nil
}

type botReply struct {
	Thoughts   *string  `json:"thoughts"`
	IsBot      *bool    `json:"is_bot"`
	Confidence *float64 `json:"confidence"`
}

func parseBotVerdict(response string) (models.BotVerdict, error) {
	var reply botReply
	if err := json.Unmarshal([]byte(unwrapJSON(response)), &reply); err != nil {
		return models.BotVerdict{}, err
	}
	if reply.IsBot == nil {
		return models.BotVerdict{}, errors.New("missing is_bot")
	}
	if reply.Confidence == nil {
		return models.BotVerdict{}, errors.New("missing confidence")
	}
	if *reply.Confidence < 0 || *reply.Confidence > 1 {
		return models.BotVerdict{}, fmt.Errorf("confidence %v out of range", *reply.Confidence)
	}

	verdict := models.BotVerdict{IsBot: *reply.IsBot, Confidence: *reply.Confidence}
	if reply.Thoughts != nil {
		verdict.Thoughts = *reply.Thoughts
	}
	return verdict, nil
}
