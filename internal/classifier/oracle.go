package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const DefaultTemperature = 0.01

// Oracle sends chat completion requests to an OpenAI-compatible endpoint,
// asking every configured model in order.
type Oracle struct {
	client      *openai.Client
	models      []string
	temperature float64
	maxTokens   int
	logger      *zap.Logger
}

func NewOracle(apiKey, baseURL string, models []string, temperature float64, maxTokens int, logger *zap.Logger) *Oracle {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &Oracle{
		client:      openai.NewClientWithConfig(cfg),
		models:      models,
		temperature: temperature,
		maxTokens:   maxTokens,
		logger:      logger,
	}
}

// Models returns the model identifiers in priority order.
func (o *Oracle) Models() []string {
	return o.models
}

// Complete asks every model in order and returns the reply of the last one
// that succeeded, with its name. When every model fails the error wraps
// ErrClassificationUnavailable and the last model error.
func (o *Oracle) Complete(ctx context.Context, messages []openai.ChatCompletionMessage) (string, string, error) {
	if len(o.models) == 0 {
		return "", "", fmt.Errorf("%w: no models configured", ErrClassificationUnavailable)
	}

	var (
		reply, used string
		lastErr     error
	)
	for _, model := range o.models {
		if err := ctx.Err(); err != nil {
			return "", "", err
		}

		resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
			Model:       model,
			Messages:    messages,
			MaxTokens:   o.maxTokens,
			Temperature: float32(o.temperature),
			ResponseFormat: &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONObject,
			},
		})
		if err == nil && len(resp.Choices) == 0 {
			err = errors.New("response has no choices")
		}
		if err != nil {
			o.logger.Error("Failed to get oracle response",
				zap.String("model", model),
				zap.Error(err))
			lastErr = err
			continue
		}

		reply, used = strings.TrimSpace(resp.Choices[0].Message.Content), model
		o.logger.Debug("Oracle answered", zap.String("model", model))
	}
	if used == "" {
		return "", "", fmt.Errorf("%w: %w", ErrClassificationUnavailable, lastErr)
	}
	return reply, used, nil
}

func textPart(text string) openai.ChatMessagePart {
	return openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text}
}

func imagePart(url string) openai.ChatMessagePart {
	return openai.ChatMessagePart{
		Type:     openai.ChatMessagePartTypeImageURL,
		ImageURL: &openai.ChatMessageImageURL{URL: url},
	}
}
