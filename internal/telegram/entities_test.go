package telegram

import (
	"testing"
	"time"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xaenox/antispam-bot/internal/platform"
)

func TestMarkedIDs(t *testing.T) {
	assert.Equal(t, int64(-1001864529853), markChannel(1864529853))
	assert.Equal(t, int64(1864529853), unmarkChannel(-1001864529853))
	assert.Equal(t, int64(-4512), markChat(4512))
	assert.True(t, isChannelID(-1001864529853))
	assert.False(t, isChannelID(-4512))
	assert.False(t, isChannelID(42))

	assert.Equal(t, int64(42), peerID(&tg.PeerUser{UserID: 42}))
	assert.Equal(t, int64(-4512), peerID(&tg.PeerChat{ChatID: 4512}))
	assert.Equal(t, int64(-1001705454724), peerID(&tg.PeerChannel{ChannelID: 1705454724}))
	assert.Equal(t, int64(0), peerID(nil))
}

func TestEntityCache(t *testing.T) {
	cache, err := newEntityCache(16)
	require.NoError(t, err)

	t.Run("user", func(t *testing.T) {
		cache.addUser(&tg.User{
			ID:         42,
			AccessHash: 777,
			Username:   "lily",
			FirstName:  "Lily",
			Photo:      &tg.UserProfilePhoto{PhotoID: 9},
		})
		e, ok := cache.get(42)
		require.True(t, ok)
		assert.Equal(t, platform.Peer{ID: 42, Kind: platform.PeerUser, Username: "lily", FirstName: "Lily", HasPhoto: true}, e.peer)
		assert.Equal(t, int64(9), e.photoID)
		assert.Equal(t, &tg.InputPeerUser{UserID: 42, AccessHash: 777}, e.input)
	})

	t.Run("min user keeps full access hash", func(t *testing.T) {
		cache.addUser(&tg.User{ID: 42, Min: true, AccessHash: 1, Username: "lily"})
		e, ok := cache.get(42)
		require.True(t, ok)
		assert.Equal(t, &tg.InputPeerUser{UserID: 42, AccessHash: 777}, e.input)
	})

	t.Run("channels and chats", func(t *testing.T) {
		cache.addChats([]tg.ChatClass{
			&tg.Channel{ID: 1705454724, AccessHash: 5, Title: "Geek News", Username: "geeknews", Broadcast: true},
			&tg.Channel{ID: 1864529853, AccessHash: 6, Title: "Geek Chat", Megagroup: true},
			&tg.Chat{ID: 4512, Title: "Old group"},
			&tg.ChatEmpty{ID: 1},
		})

		e, ok := cache.get(-1001705454724)
		require.True(t, ok)
		assert.Equal(t, platform.PeerChannel, e.peer.Kind)
		assert.Equal(t, "Geek News", e.peer.DisplayName())
		assert.Equal(t, &tg.InputPeerChannel{ChannelID: 1705454724, AccessHash: 5}, e.input)

		e, ok = cache.get(-1001864529853)
		require.True(t, ok)
		assert.Equal(t, platform.PeerGroup, e.peer.Kind)

		e, ok = cache.get(-4512)
		require.True(t, ok)
		assert.Equal(t, &tg.InputPeerChat{ChatID: 4512}, e.input)

		_, ok = cache.get(-1)
		assert.False(t, ok)
	})

	t.Run("update entities", func(t *testing.T) {
		cache.addEntities(tg.Entities{
			Users: map[int64]*tg.User{7: {ID: 7, AccessHash: 70, FirstName: "Bob"}},
		})
		e, ok := cache.get(7)
		require.True(t, ok)
		assert.Equal(t, "Bob", e.peer.FullName())
	})
}

func TestConvertMessage(t *testing.T) {
	t.Run("group reply with photo", func(t *testing.T) {
		media := &tg.MessageMediaPhoto{}
		media.SetPhoto(&tg.Photo{ID: 1, AccessHash: 2, Sizes: []tg.PhotoSizeClass{&tg.PhotoSize{Type: "m"}, &tg.PhotoSize{Type: "y"}}})
		reply := &tg.MessageReplyHeader{}
		reply.SetReplyToMsgID(150)

		raw := &tg.Message{
			ID:      200,
			PeerID:  &tg.PeerChannel{ChannelID: 1864529853},
			Message: "look at this",
			Date:    1700000000,
		}
		raw.SetFromID(&tg.PeerUser{UserID: 42})
		raw.SetReplyTo(reply)
		raw.SetMedia(media)

		msg := convertMessage(raw)
		require.NotNil(t, msg)
		assert.Equal(t, 200, msg.ID)
		assert.Equal(t, int64(-1001864529853), msg.ChatID)
		assert.Equal(t, int64(42), msg.SenderID)
		assert.Equal(t, "look at this", msg.Text)
		assert.Equal(t, time.Unix(1700000000, 0).UTC(), msg.Date)
		assert.Equal(t, 150, msg.ReplyToID)
		assert.True(t, msg.HasMedia)
		assert.True(t, msg.HasPhoto)
		assert.False(t, msg.Forwarded)
		assert.Same(t, raw, msg.Raw)

		photo, ok := messagePhoto(raw.Media)
		require.True(t, ok)
		loc, err := photoLocation(photo)
		require.NoError(t, err)
		assert.Equal(t, "y", loc.ThumbSize)
	})

	t.Run("channel post has the channel as sender", func(t *testing.T) {
		raw := &tg.Message{ID: 5, PeerID: &tg.PeerChannel{ChannelID: 1705454724}, Message: "news"}
		msg := convertMessage(raw)
		require.NotNil(t, msg)
		assert.Equal(t, int64(-1001705454724), msg.SenderID)
		assert.False(t, msg.IsReply())
		assert.False(t, msg.HasMedia)
	})

	t.Run("forwarded document", func(t *testing.T) {
		raw := &tg.Message{ID: 6, PeerID: &tg.PeerChat{ChatID: 4512}}
		raw.SetFwdFrom(tg.MessageFwdHeader{Date: 1})
		raw.SetMedia(&tg.MessageMediaDocument{})
		msg := convertMessage(raw)
		require.NotNil(t, msg)
		assert.True(t, msg.Forwarded)
		assert.True(t, msg.HasMedia)
		assert.False(t, msg.HasPhoto)
	})

	t.Run("service messages are skipped", func(t *testing.T) {
		assert.Nil(t, convertMessage(&tg.MessageService{ID: 1}))
		assert.Nil(t, convertMessage(&tg.MessageEmpty{ID: 2}))
	})
}

func TestPhotoLocationWithoutSizes(t *testing.T) {
	_, err := photoLocation(&tg.Photo{ID: 3})
	assert.Error(t, err)
}
