package telegram

import (
	"context"
	"testing"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xaenox/antispam-bot/internal/platform"
)

func newQueueClient(t *testing.T, accept func(int64) bool) *Client {
	t.Helper()
	cache, err := newEntityCache(16)
	require.NoError(t, err)
	return &Client{
		cache:  cache,
		cfg:    Config{Accept: accept},
		queue:  make(chan *platform.Message, 4),
		logger: zaptest.NewLogger(t),
	}
}

func TestEnqueue(t *testing.T) {
	ctx := context.Background()
	monitored := func(id int64) bool { return id == -1001864529853 }
	entities := tg.Entities{
		Users:    map[int64]*tg.User{42: {ID: 42, AccessHash: 1, Username: "lily"}},
		Channels: map[int64]*tg.Channel{1864529853: {ID: 1864529853, AccessHash: 2, Title: "Geek Chat", Megagroup: true}},
	}

	t.Run("queues monitored messages and caches entities", func(t *testing.T) {
		c := newQueueClient(t, monitored)
		raw := &tg.Message{ID: 1, PeerID: &tg.PeerChannel{ChannelID: 1864529853}, Message: "hi"}
		raw.SetFromID(&tg.PeerUser{UserID: 42})

		require.NoError(t, c.enqueue(ctx, entities, raw))

		require.Len(t, c.queue, 1)
		msg := <-c.queue
		assert.Equal(t, int64(42), msg.SenderID)
		assert.Equal(t, "hi", msg.Text)

		_, ok := c.cache.get(42)
		assert.True(t, ok)
		chat, ok := c.cache.get(-1001864529853)
		require.True(t, ok)
		assert.Equal(t, "Geek Chat", chat.peer.Title)
	})

	t.Run("skips unmonitored and outgoing messages", func(t *testing.T) {
		c := newQueueClient(t, monitored)

		require.NoError(t, c.enqueue(ctx, entities, &tg.Message{ID: 2, PeerID: &tg.PeerChannel{ChannelID: 1}}))
		require.NoError(t, c.enqueue(ctx, entities, &tg.Message{ID: 3, Out: true, PeerID: &tg.PeerChannel{ChannelID: 1864529853}}))
		require.NoError(t, c.enqueue(ctx, entities, &tg.MessageService{ID: 4}))

		assert.Empty(t, c.queue)
	})

	t.Run("full queue gives up when the context ends", func(t *testing.T) {
		c := newQueueClient(t, nil)
		c.queue = make(chan *platform.Message)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := c.enqueue(cctx, tg.Entities{}, &tg.Message{ID: 5, PeerID: &tg.PeerChat{ChatID: 4512}})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
