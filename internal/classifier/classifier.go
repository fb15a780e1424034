package classifier

import (
	"context"
	"errors"
	"strings"

	"github.com/xaenox/antispam-bot/internal/models"
)

// ErrClassificationUnavailable is returned when every configured model failed.
var ErrClassificationUnavailable = errors.New("classification unavailable")

// AccountClassifier judges whether an account is an automated spam account.
type AccountClassifier interface {
	Classify(ctx context.Context, view *models.ComposedView) (models.BotVerdict, error)
}

// ContentModerator judges whether a single message violates chat policy.
type ContentModerator interface {
	Moderate(ctx context.Context, in ModerationInput) (models.ModerationVerdict, error)
}

// unwrapJSON strips a markdown code fence around a JSON reply, if any.
func unwrapJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		// drop the language tag line
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
