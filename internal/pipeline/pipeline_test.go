package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/antispam-bot/internal/aggregator"
	"github.com/xaenox/antispam-bot/internal/classifier"
	"github.com/xaenox/antispam-bot/internal/decision"
	"github.com/xaenox/antispam-bot/internal/gate"
	"github.com/xaenox/antispam-bot/internal/media"
	"github.com/xaenox/antispam-bot/internal/models"
	"github.com/xaenox/antispam-bot/internal/platform"
	"github.com/xaenox/antispam-bot/internal/platform/platformtest"
	"github.com/xaenox/antispam-bot/internal/storage"
)

const (
	chatID    = int64(-1001864529853)
	channelID = int64(-1001705454724)
	userID    = int64(42)
)

var jpeg = []byte("\xff\xd8\xff\xe0\x00\x10JFIF\x00")

type fakeClassifier struct {
	mu      sync.Mutex
	calls   int
	verdict models.BotVerdict
	err     error
	views   []*models.ComposedView
}

func (c *fakeClassifier) Classify(_ context.Context, view *models.ComposedView) (models.BotVerdict, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	c.views = append(c.views, view)
	return c.verdict, c.err
}

type fakeModerator struct {
	mu      sync.Mutex
	verdict models.ModerationVerdict
	err     error
	inputs  []classifier.ModerationInput
}

func (m *fakeModerator) Moderate(_ context.Context, in classifier.ModerationInput) (models.ModerationVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inputs = append(m.inputs, in)
	return m.verdict, m.err
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []*decision.Notification
}

func (n *fakeNotifier) Notify(_ context.Context, note *decision.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, note)
	return nil
}

// countingStore records which reads the pipeline makes. When settled is set,
// ShouldClassify reports the user as settled regardless of the stored count.
type countingStore struct {
	storage.Storage
	mu      sync.Mutex
	views   int
	users   int
	checks  int
	settled bool
}

func (s *countingStore) GetComposedView(ctx context.Context, userID int64) (*models.ComposedView, error) {
	s.mu.Lock()
	s.views++
	s.mu.Unlock()
	return s.Storage.GetComposedView(ctx, userID)
}

func (s *countingStore) GetUser(ctx context.Context, userID int64) (*models.TrustRecord, error) {
	s.mu.Lock()
	s.users++
	s.mu.Unlock()
	return s.Storage.GetUser(ctx, userID)
}

func (s *countingStore) ShouldClassify(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	s.checks++
	settled := s.settled
	s.mu.Unlock()
	if settled {
		return false, nil
	}
	return s.Storage.ShouldClassify(ctx, userID)
}

type testEnv struct {
	fake       *platformtest.Fake
	fs         afero.Fs
	store      storage.Storage
	classifier *fakeClassifier
	moderator  *fakeModerator
	notifier   *fakeNotifier
	pipeline   *Pipeline
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zaptest.NewLogger(t)

	fake := platformtest.New()
	fake.AddPeer(platform.Peer{ID: chatID, Kind: platform.PeerGroup, Title: "Geek Chat"})
	fake.AddPeer(platform.Peer{ID: channelID, Kind: platform.PeerChannel, Title: "Geek News", Username: "geeknews"})
	fake.LinkedChats[chatID] = channelID
	fake.AddPeer(platform.Peer{ID: userID, Kind: platform.PeerUser, Username: "lily", FirstName: "Lily", HasPhoto: true})
	fake.Photos[userID] = jpeg
	fake.AddPeer(platform.Peer{ID: -1002, Kind: platform.PeerChannel, Title: "Your wins", HasPhoto: true})
	fake.Photos[-1002] = jpeg
	fake.PersonalChannels[userID] = -1002
	fake.History[-1002] = []platform.Message{
		{ID: 8, ChatID: -1002, Text: "earn 500$ a day", HasMedia: true, HasPhoto: true},
	}
	fake.SetMessagePhoto(-1002, 8, jpeg)

	fs := afero.NewMemMapFs()
	ws, err := media.NewWorkspace(fs, "media", logger)
	require.NoError(t, err)

	db, err := storage.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, storage.MigrateUp(db))
	store := storage.NewSQLStorage(db, 3, logger)
	t.Cleanup(func() { store.Close() })

	env := &testEnv{
		fake:       fake,
		fs:         fs,
		store:      store,
		classifier: &fakeClassifier{verdict: models.BotVerdict{Thoughts: "normal user", Confidence: 0.1}},
		moderator:  &fakeModerator{verdict: models.ModerationVerdict{Thoughts: "fine"}},
		notifier:   &fakeNotifier{},
	}
	env.pipeline = New(Config{
		MonitoredChats: []int64{chatID},
		IgnoredSenders: []int64{8045161528},
		ContextDepth:   3,
	}, Deps{
		Aggregator: aggregator.New(fake, ws, aggregator.DefaultOptions(), logger),
		Media:      ws,
		Store:      store,
		Classifier: env.classifier,
		Moderator:  env.moderator,
		Notifier:   env.notifier,
		Logger:     logger,
	})
	return env
}

func (e *testEnv) handle(t *testing.T, id int, text string) *Outcome {
	t.Helper()
	out, err := e.pipeline.Handle(context.Background(), &platform.Message{ID: id, ChatID: chatID, SenderID: userID, Text: text})
	require.NoError(t, err)
	return out
}

func (e *testEnv) view(t *testing.T) *models.ComposedView {
	t.Helper()
	view, err := e.store.GetComposedView(context.Background(), userID)
	require.NoError(t, err)
	require.NotNil(t, view)
	return view
}

func TestHandleNewUser(t *testing.T) {
	env := newTestEnv(t)

	out := env.handle(t, 100, "hello everyone")
	assert.Equal(t, gate.Unseen, out.State)
	assert.True(t, out.Classified)
	assert.Equal(t, 1, out.Verdict.CheckCount)
	assert.Equal(t, 1, env.classifier.calls)

	view := env.view(t)
	assert.Equal(t, 1, view.User.CheckCount)
	require.NotNil(t, view.User.Thoughts)
	assert.Equal(t, "normal user", *view.User.Thoughts)
	assert.Equal(t, "@lily", *view.User.Username)
	assert.NotNil(t, view.User.ProfilePhoto)
	require.NotNil(t, view.Channel)
	assert.Equal(t, "Your wins", *view.Channel.Title)
	require.Len(t, view.Channel.Posts, 1)
	assert.NotNil(t, view.Channel.Posts[0].Media)
	require.Len(t, view.Messages, 1)
	assert.Equal(t, "hello everyone", *view.Messages[0].Text)

	// the classifier saw the message appended before classification
	require.Len(t, env.classifier.views, 1)
	assert.Len(t, env.classifier.views[0].Messages, 1)

	require.Len(t, env.moderator.inputs, 1)
	assert.Equal(t, "Geek News", env.moderator.inputs[0].ChannelName)
	assert.Equal(t, "Lily", env.moderator.inputs[0].SenderName)
	assert.Nil(t, out.Notification)
	assert.Empty(t, env.notifier.sent)
}

func TestHandleReachesThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.handle(t, 100, "one")
	out := env.handle(t, 101, "two")
	assert.Equal(t, gate.ActiveMonitoring, out.State)
	assert.Equal(t, 2, out.Verdict.CheckCount)
	assert.False(t, out.Verdict.Purged)

	out = env.handle(t, 102, "three")
	assert.Equal(t, 3, out.Verdict.CheckCount)
	assert.True(t, out.Verdict.Purged)

	view := env.view(t)
	assert.Nil(t, view.User.ProfilePhoto)
	assert.Nil(t, view.Channel.Photo)
	for _, p := range view.Channel.Posts {
		assert.Nil(t, p.Media)
	}
	for _, m := range view.Messages {
		assert.Nil(t, m.Media)
	}
	assert.Len(t, view.Messages, 3)
}

func TestHandleSettledUserSkipsClassification(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.verdict = models.BotVerdict{Thoughts: "templated praise", IsBot: true, Confidence: 0.95}
	for i := 0; i < 3; i++ {
		env.handle(t, 100+i, fmt.Sprintf("message %d", i))
	}
	require.Equal(t, 3, env.classifier.calls)

	// a later verdict would clear the flag, but it must never be requested
	env.classifier.verdict = models.BotVerdict{}
	out := env.handle(t, 200, "still here")
	assert.Equal(t, gate.Settled, out.State)
	assert.False(t, out.Classified)
	assert.Equal(t, 3, env.classifier.calls)
	assert.True(t, out.IsBot)

	require.NotNil(t, out.Notification)
	assert.Equal(t, decision.KindSpamBot, out.Notification.Kind)
	assert.Equal(t, "templated praise", out.Notification.Reason)
	assert.Equal(t, 0.95, out.Notification.Confidence)
	assert.Equal(t, "https://t.me/c/1864529853/200", out.Notification.Link)

	view := env.view(t)
	assert.Equal(t, 3, view.User.CheckCount)
	assert.Len(t, view.Messages, 4)
}

func TestHandleGateReadsTrustRecordOnly(t *testing.T) {
	env := newTestEnv(t)
	store := &countingStore{Storage: env.store}
	env.pipeline.deps.Store = store

	for i := 0; i < 3; i++ {
		env.handle(t, 100+i, fmt.Sprintf("message %d", i))
	}
	assert.Equal(t, 3, store.checks)
	assert.Equal(t, 3, store.views)

	out := env.handle(t, 200, "settled now")
	assert.Equal(t, gate.Settled, out.State)
	assert.Equal(t, 3, store.checks)
	assert.Equal(t, 3, store.views)
	assert.Equal(t, 4, store.users)
}

func TestHandleStoreSettledBeforeOracle(t *testing.T) {
	env := newTestEnv(t)
	env.handle(t, 100, "first")
	require.Equal(t, 1, env.classifier.calls)

	store := &countingStore{Storage: env.store, settled: true}
	env.pipeline.deps.Store = store

	out := env.handle(t, 101, "second")
	assert.Equal(t, gate.ActiveMonitoring, out.State)
	assert.False(t, out.Classified)
	assert.Equal(t, 1, env.classifier.calls)
	assert.Equal(t, 0, store.views)
	assert.Equal(t, 1, env.view(t).User.CheckCount)
}

func TestHandleModerationFallbackSendsNothing(t *testing.T) {
	env := newTestEnv(t)
	env.moderator.verdict = models.ModerationVerdict{Thoughts: "not json at all"}

	out := env.handle(t, 100, "hi")
	assert.False(t, out.Moderation.IsViolating)
	assert.Nil(t, out.Notification)
	assert.Empty(t, env.notifier.sent)
}

func TestHandleViolation(t *testing.T) {
	env := newTestEnv(t)
	env.moderator.verdict = models.ModerationVerdict{
		Thoughts:          "direct insult",
		IsViolating:       true,
		Action:            models.ActionWarn,
		ModerationMessage: "be nice",
	}

	out := env.handle(t, 100, "you are an idiot")
	require.NotNil(t, out.Notification)
	assert.Equal(t, decision.KindViolation, out.Notification.Kind)
	require.Len(t, env.notifier.sent, 1)
	assert.Equal(t, "warn_42_-1001864529853", env.notifier.sent[0].Buttons[1][0].Data)
}

func TestHandleClassificationUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.err = fmt.Errorf("%w: all models failed", classifier.ErrClassificationUnavailable)
	env.moderator.verdict = models.ModerationVerdict{IsViolating: true, Thoughts: "threat"}

	out := env.handle(t, 100, "I will find you")
	assert.False(t, out.Classified)
	assert.False(t, out.IsBot)
	assert.Equal(t, 0, env.view(t).User.CheckCount)

	require.NotNil(t, out.Notification)
	assert.Equal(t, decision.KindViolation, out.Notification.Kind)
}

func TestHandleModerationUnavailableKeepsBotPath(t *testing.T) {
	env := newTestEnv(t)
	env.classifier.verdict = models.BotVerdict{Thoughts: "ad", IsBot: true, Confidence: 0.8}
	env.moderator.err = classifier.ErrClassificationUnavailable

	out := env.handle(t, 100, "buy now")
	assert.False(t, out.Moderation.IsViolating)
	require.NotNil(t, out.Notification)
	assert.Equal(t, decision.KindSpamBot, out.Notification.Kind)
}

func TestHandleFilters(t *testing.T) {
	env := newTestEnv(t)

	out, err := env.pipeline.Handle(context.Background(), &platform.Message{ID: 1, ChatID: -100999, SenderID: userID, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "unmonitored chat", out.Skipped)

	out, err = env.pipeline.Handle(context.Background(), &platform.Message{ID: 2, ChatID: chatID, SenderID: 8045161528, Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ignored sender", out.Skipped)

	assert.Zero(t, env.classifier.calls)
	assert.Empty(t, env.moderator.inputs)
	assert.Zero(t, env.fake.CallCount("Sender"))
}

func TestHandleReplyContextAndPhoto(t *testing.T) {
	env := newTestEnv(t)
	env.fake.AddPeer(platform.Peer{ID: 7, Kind: platform.PeerUser, Username: "bob"})
	env.fake.AddMessage(platform.Message{ID: 50, ChatID: chatID, SenderID: 7, Text: strings.Repeat("a", 150)})
	env.fake.SetMessagePhoto(chatID, 51, jpeg)

	_, err := env.pipeline.Handle(context.Background(), &platform.Message{
		ID: 51, ChatID: chatID, SenderID: userID, Text: "look", ReplyToID: 50, HasMedia: true, HasPhoto: true,
	})
	require.NoError(t, err)

	view := env.view(t)
	require.Len(t, view.Messages, 1)
	require.NotNil(t, view.Messages[0].Context)
	assert.Equal(t, "From bob: "+strings.Repeat("a", 100), *view.Messages[0].Context)
	require.NotNil(t, view.Messages[0].Media)
	assert.True(t, strings.HasPrefix(*view.Messages[0].Media, "data:image/jpeg;base64,"))

	require.Len(t, env.moderator.inputs, 1)
	in := env.moderator.inputs[0]
	require.Len(t, in.Dialog, 1)
	assert.Equal(t, "bob", in.Dialog[0].SenderName)
	assert.NotEmpty(t, in.Image)

	files, err := afero.ReadDir(env.fs, "media")
	require.NoError(t, err)
	assert.Empty(t, files, "temp files are removed after handling")
}

func TestRenderContext(t *testing.T) {
	assert.Empty(t, RenderContext(nil))
	got := RenderContext([]models.DialogEntry{
		{Text: "first", SenderName: "Alice"},
		{Text: "привет", SenderID: 9},
	})
	assert.Equal(t, "From Alice: first\nFrom 9: привет", got)
}
