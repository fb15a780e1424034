package telegram

import (
	"fmt"
	"time"

	"github.com/gotd/td/tg"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xaenox/antispam-bot/internal/platform"
)

// channelIDOffset turns a channel id into the marked -100... form used for
// chat ids throughout the bot.
const channelIDOffset int64 = -1000000000000

func markChannel(id int64) int64 { return channelIDOffset - id }

func unmarkChannel(id int64) int64 { return channelIDOffset - id }

func markChat(id int64) int64 { return -id }

func isChannelID(id int64) bool { return id < channelIDOffset }

// peerID returns the marked id of a peer: users as is, basic groups negated,
// channels with the -100 prefix.
func peerID(p tg.PeerClass) int64 {
	switch p := p.(type) {
	case *tg.PeerUser:
		return p.UserID
	case *tg.PeerChat:
		return markChat(p.ChatID)
	case *tg.PeerChannel:
		return markChannel(p.ChannelID)
	default:
		return 0
	}
}

// entity is what is needed to address a peer later.
type entity struct {
	peer    platform.Peer
	input   tg.InputPeerClass
	photoID int64
	min     bool
}

// entityCache remembers access hashes of every peer seen in updates and RPC
// results, keyed by marked id.
type entityCache struct {
	lru *lru.Cache[int64, entity]
}

func newEntityCache(size int) (*entityCache, error) {
	c, err := lru.New[int64, entity](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create entity cache: %w", err)
	}
	return &entityCache{lru: c}, nil
}

func (c *entityCache) get(id int64) (entity, bool) {
	return c.lru.Get(id)
}

// put keeps a full entity over a min one, whose access hash is unusable.
func (c *entityCache) put(e entity) {
	if e.min {
		if old, ok := c.lru.Get(e.peer.ID); ok && !old.min {
			return
		}
	}
	c.lru.Add(e.peer.ID, e)
}

func (c *entityCache) addUser(u *tg.User) {
	e := entity{
		peer: platform.Peer{
			ID:        u.ID,
			Kind:      platform.PeerUser,
			Username:  u.Username,
			FirstName: u.FirstName,
			LastName:  u.LastName,
		},
		input: &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash},
		min:   u.Min,
	}
	if p, ok := u.Photo.(*tg.UserProfilePhoto); ok {
		e.photoID = p.PhotoID
		e.peer.HasPhoto = true
	}
	c.put(e)
}

func (c *entityCache) addChannel(ch *tg.Channel) {
	kind := platform.PeerChannel
	if ch.Megagroup {
		kind = platform.PeerGroup
	}
	e := entity{
		peer: platform.Peer{
			ID:       markChannel(ch.ID),
			Kind:     kind,
			Username: ch.Username,
			Title:    ch.Title,
		},
		input: &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash},
		min:   ch.Min,
	}
	if p, ok := ch.Photo.(*tg.ChatPhoto); ok {
		e.photoID = p.PhotoID
		e.peer.HasPhoto = true
	}
	c.put(e)
}

func (c *entityCache) addChat(ch *tg.Chat) {
	e := entity{
		peer: platform.Peer{
			ID:    markChat(ch.ID),
			Kind:  platform.PeerGroup,
			Title: ch.Title,
		},
		input: &tg.InputPeerChat{ChatID: ch.ID},
	}
	if p, ok := ch.Photo.(*tg.ChatPhoto); ok {
		e.photoID = p.PhotoID
		e.peer.HasPhoto = true
	}
	c.put(e)
}

func (c *entityCache) addUsers(users []tg.UserClass) {
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			c.addUser(user)
		}
	}
}

func (c *entityCache) addChats(chats []tg.ChatClass) {
	for _, ch := range chats {
		switch ch := ch.(type) {
		case *tg.Channel:
			c.addChannel(ch)
		case *tg.Chat:
			c.addChat(ch)
		}
	}
}

func (c *entityCache) addEntities(e tg.Entities) {
	for _, u := range e.Users {
		c.addUser(u)
	}
	for _, ch := range e.Chats {
		c.addChat(ch)
	}
	for _, ch := range e.Channels {
		c.addChannel(ch)
	}
}

// convertMessage maps a platform message. Service and empty messages are not
// handled and yield nil.
func convertMessage(mc tg.MessageClass) *platform.Message {
	m, ok := mc.(*tg.Message)
	if !ok {
		return nil
	}

	msg := &platform.Message{
		ID:     m.ID,
		ChatID: peerID(m.PeerID),
		Text:   m.Message,
		Date:   time.Unix(int64(m.Date), 0).UTC(),
		Raw:    m,
	}
	if from, ok := m.GetFromID(); ok {
		msg.SenderID = peerID(from)
	} else {
		// channel posts have no author
		msg.SenderID = msg.ChatID
	}
	if _, ok := m.GetFwdFrom(); ok {
		msg.Forwarded = true
	}
	if reply, ok := m.GetReplyTo(); ok {
		if h, ok := reply.(*tg.MessageReplyHeader); ok {
			if id, ok := h.GetReplyToMsgID(); ok {
				msg.ReplyToID = id
			}
		}
	}
	if media, ok := m.GetMedia(); ok {
		msg.HasMedia = true
		if _, ok := messagePhoto(media); ok {
			msg.HasPhoto = true
		}
	}
	return msg
}

func messagePhoto(media tg.MessageMediaClass) (*tg.Photo, bool) {
	mp, ok := media.(*tg.MessageMediaPhoto)
	if !ok {
		return nil, false
	}
	pc, ok := mp.GetPhoto()
	if !ok {
		return nil, false
	}
	photo, ok := pc.(*tg.Photo)
	return photo, ok
}

// photoLocation addresses the largest size of a photo.
func photoLocation(p *tg.Photo) (*tg.InputPhotoFileLocation, error) {
	if len(p.Sizes) == 0 {
		return nil, fmt.Errorf("photo %d has no sizes", p.ID)
	}
	return &tg.InputPhotoFileLocation{
		ID:            p.ID,
		AccessHash:    p.AccessHash,
		FileReference: p.FileReference,
		ThumbSize:     p.Sizes[len(p.Sizes)-1].GetType(),
	}, nil
}
