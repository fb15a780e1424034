// Package pipeline runs the per-message moderation flow: evidence, trust
// state, recheck gate, classification, moderation and the operator decision.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/xaenox/antispam-bot/internal/aggregator"
	"github.com/xaenox/antispam-bot/internal/classifier"
	"github.com/xaenox/antispam-bot/internal/decision"
	"github.com/xaenox/antispam-bot/internal/gate"
	"github.com/xaenox/antispam-bot/internal/media"
	"github.com/xaenox/antispam-bot/internal/models"
	"github.com/xaenox/antispam-bot/internal/platform"
	"github.com/xaenox/antispam-bot/internal/storage"
)

// contextTextLimit caps each stored dialog context line, in runes.
const contextTextLimit = 100

// Notifier delivers operator notifications.
type Notifier interface {
	Notify(ctx context.Context, n *decision.Notification) error
}

type Config struct {
	MonitoredChats []int64
	IgnoredSenders []int64
	ContextDepth   int
}

// Deps holds the collaborators shared by every message. It is built once at
// startup and owned by the caller.
type Deps struct {
	Aggregator *aggregator.Aggregator
	Media      *media.Workspace
	Store      storage.Storage
	Classifier classifier.AccountClassifier
	Moderator  classifier.ContentModerator
	Notifier   Notifier
	Logger     *zap.Logger
}

type Pipeline struct {
	deps      Deps
	depth     int
	monitored map[int64]struct{}
	ignored   map[int64]struct{}
	logger    *zap.Logger
}

func New(cfg Config, deps Deps) *Pipeline {
	p := &Pipeline{
		deps:      deps,
		depth:     cfg.ContextDepth,
		monitored: make(map[int64]struct{}, len(cfg.MonitoredChats)),
		ignored:   make(map[int64]struct{}, len(cfg.IgnoredSenders)),
		logger:    deps.Logger,
	}
	if p.depth <= 0 {
		p.depth = aggregator.DefaultOptions().ContextDepth
	}
	for _, id := range cfg.MonitoredChats {
		p.monitored[id] = struct{}{}
	}
	for _, id := range cfg.IgnoredSenders {
		p.ignored[id] = struct{}{}
	}
	return p
}

// Monitored reports whether messages from chatID are handled.
func (p *Pipeline) Monitored(chatID int64) bool {
	_, ok := p.monitored[chatID]
	return ok
}

// Outcome describes what Handle did with one message.
type Outcome struct {
	Skipped      string
	UserID       int64
	State        gate.State
	Classified   bool
	Verdict      storage.VerdictResult
	IsBot        bool
	Moderation   models.ModerationVerdict
	Notification *decision.Notification
}

type botState struct {
	isBot      bool
	thoughts   string
	confidence float64
}

func storedBot(rec models.TrustRecord) botState {
	s := botState{isBot: rec.IsBot}
	if rec.Thoughts != nil {
		s.thoughts = *rec.Thoughts
	}
	if rec.Confidence != nil {
		s.confidence = *rec.Confidence
	}
	return s
}

// Handle runs the full flow for one incoming message. Only trust store
// failures abort it; platform and oracle failures degrade.
func (p *Pipeline) Handle(ctx context.Context, msg *platform.Message) (*Outcome, error) {
	if !p.Monitored(msg.ChatID) {
		return &Outcome{Skipped: "unmonitored chat"}, nil
	}
	if _, ok := p.ignored[msg.SenderID]; ok {
		p.logger.Debug("Ignoring message from ignored sender", zap.Int64("user_id", msg.SenderID))
		return &Outcome{Skipped: "ignored sender"}, nil
	}

	session := p.deps.Media.NewSession()
	defer session.Cleanup()

	agg := p.deps.Aggregator
	chat := agg.Chat(ctx, msg.ChatID)
	linked := agg.LinkedChannel(ctx, msg.ChatID)

	var dialog []models.DialogEntry
	if msg.IsReply() {
		dialog = agg.FetchDialogContext(ctx, msg, p.depth)
	}
	image := agg.MessageImage(ctx, session, msg)
	id := agg.ResolveSender(ctx, msg)
	log := p.logger.With(zap.Int64("user_id", id.UserID), zap.Int64("chat_id", msg.ChatID), zap.Int("message_id", msg.ID))

	rec, err := p.deps.Store.GetUser(ctx, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("failed to load user %d: %w", id.UserID, err)
	}
	out := &Outcome{UserID: id.UserID, State: gate.Evaluate(rec, p.deps.Store.Threshold())}
	log.Debug("Recheck gate", zap.Stringer("state", out.State))

	if out.State == gate.Unseen {
		snap := agg.BuildSnapshot(ctx, session, id)
		snap.Dialog = dialog
		if err := p.deps.Store.SaveSnapshot(ctx, snap); err != nil {
			return nil, fmt.Errorf("failed to save snapshot of user %d: %w", id.UserID, err)
		}
	}

	record := &models.MessageRecord{
		UserID:    id.UserID,
		ChatID:    msg.ChatID,
		MessageID: int64(msg.ID),
		Text:      models.StringPtr(msg.Text),
		Context:   models.StringPtr(RenderContext(dialog)),
		Media:     models.StringPtr(image),
	}
	if err := p.deps.Store.AppendMessage(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to append message of user %d: %w", id.UserID, err)
	}

	var bot botState
	if out.State.ShouldClassify() {
		bot, err = p.classify(ctx, log, id.UserID, out)
		if err != nil {
			return nil, err
		}
	} else {
		bot = storedBot(*rec)
	}
	out.IsBot = bot.isBot

	in := classifier.ModerationInput{
		UserID:     id.UserID,
		Text:       msg.Text,
		SenderName: id.Name(),
		IsBot:      bot.isBot,
		Dialog:     dialog,
		Image:      image,
	}
	if linked != nil {
		in.ChannelName = linked.Title
	}
	moderation, err := p.deps.Moderator.Moderate(ctx, in)
	if err != nil {
		log.Error("Failed to moderate message, treating as non-violating", zap.Error(err))
		moderation = models.ModerationVerdict{}
	}
	out.Moderation = moderation

	dec := decision.Input{
		UserID:        id.UserID,
		ChatID:        msg.ChatID,
		MessageID:     msg.ID,
		Text:          msg.Text,
		IsBot:         bot.isBot,
		BotThoughts:   bot.thoughts,
		BotConfidence: bot.confidence,
		Moderation:    moderation,
	}
	if chat != nil {
		dec.ChatUsername = chat.Username
	}
	out.Notification = decision.Compose(dec)
	if out.Notification != nil {
		log.Info("Notifying operator", zap.Stringer("kind", out.Notification.Kind))
		if err := p.deps.Notifier.Notify(ctx, out.Notification); err != nil {
			log.Error("Failed to notify operator", zap.Error(err))
		}
	}
	return out, nil
}

// classify runs one bot-classification pass and records it. When the oracle
// is unavailable, or another writer settled the user first, the stored
// verdict is used.
func (p *Pipeline) classify(ctx context.Context, log *zap.Logger, userID int64, out *Outcome) (botState, error) {
	should, err := p.deps.Store.ShouldClassify(ctx, userID)
	if err != nil {
		return botState{}, fmt.Errorf("failed to check user %d: %w", userID, err)
	}
	if !should {
		log.Info("User settled concurrently, skipping classification")
		return p.stored(ctx, userID)
	}

	view, err := p.deps.Store.GetComposedView(ctx, userID)
	if err != nil {
		return botState{}, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	if view == nil {
		return botState{}, fmt.Errorf("user %d: %w", userID, storage.ErrUserNotFound)
	}

	verdict, err := p.deps.Classifier.Classify(ctx, view)
	if err != nil {
		log.Error("Failed to classify account, keeping stored verdict", zap.Error(err))
		return storedBot(view.User), nil
	}

	res, err := p.deps.Store.RecordVerdict(ctx, userID, verdict)
	if err != nil {
		return botState{}, fmt.Errorf("failed to record verdict of user %d: %w", userID, err)
	}
	out.Verdict = res
	if !res.Authorized {
		log.Info("User settled concurrently, verdict discarded", zap.Int("check_count", res.CheckCount))
		return p.stored(ctx, userID)
	}

	out.Classified = true
	log.Info("Recorded bot verdict",
		zap.Bool("is_bot", verdict.IsBot),
		zap.Float64("confidence", verdict.Confidence),
		zap.Int("check_count", res.CheckCount),
		zap.Bool("purged", res.Purged))
	return botState{isBot: verdict.IsBot, thoughts: verdict.Thoughts, confidence: verdict.Confidence}, nil
}

func (p *Pipeline) stored(ctx context.Context, userID int64) (botState, error) {
	rec, err := p.deps.Store.GetUser(ctx, userID)
	if err != nil {
		return botState{}, fmt.Errorf("failed to load user %d: %w", userID, err)
	}
	if rec == nil {
		return botState{}, fmt.Errorf("user %d: %w", userID, storage.ErrUserNotFound)
	}
	return storedBot(*rec), nil
}

// RenderContext formats dialog entries as stored message context, one
// "From <name>: <text>" line per entry.
func RenderContext(dialog []models.DialogEntry) string {
	lines := make([]string, 0, len(dialog))
	for _, e := range dialog {
		name := e.SenderName
		if name == "" {
			name = strconv.FormatInt(e.SenderID, 10)
		}
		text := e.Text
		if r := []rune(text); len(r) > contextTextLimit {
			text = string(r[:contextTextLimit])
		}
		lines = append(lines, "From "+name+": "+text)
	}
	return strings.Join(lines, "\n")
}
