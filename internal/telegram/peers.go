package telegram

import (
	"context"
	"fmt"
	"io"

	"github.com/gotd/td/tg"

	"github.com/xaenox/antispam-bot/internal/platform"
)

func (c *Client) lookup(id int64) (entity, error) {
	e, ok := c.cache.get(id)
	if !ok {
		return entity{}, fmt.Errorf("peer %d is not known to the session", id)
	}
	return e, nil
}

func (c *Client) inputChannel(chatID int64) (*tg.InputChannel, error) {
	e, err := c.lookup(chatID)
	if err != nil {
		return nil, err
	}
	p, ok := e.input.(*tg.InputPeerChannel)
	if !ok {
		return nil, fmt.Errorf("peer %d is not a channel", chatID)
	}
	return &tg.InputChannel{ChannelID: p.ChannelID, AccessHash: p.AccessHash}, nil
}

func (c *Client) inputUser(userID int64) (*tg.InputUser, error) {
	e, err := c.lookup(userID)
	if err != nil {
		return nil, err
	}
	p, ok := e.input.(*tg.InputPeerUser)
	if !ok {
		return nil, fmt.Errorf("peer %d is not a user", userID)
	}
	return &tg.InputUser{UserID: p.UserID, AccessHash: p.AccessHash}, nil
}

func (c *Client) cachedPeer(id int64) *platform.Peer {
	e, ok := c.cache.get(id)
	if !ok {
		return nil
	}
	p := e.peer
	return &p
}

// messages absorbs the entities of a history or lookup result and returns its
// messages.
func (c *Client) messages(res tg.MessagesMessagesClass) []platform.Message {
	mm, ok := res.AsModified()
	if !ok {
		return nil
	}
	c.cache.addUsers(mm.GetUsers())
	c.cache.addChats(mm.GetChats())

	var out []platform.Message
	for _, mc := range mm.GetMessages() {
		if msg := convertMessage(mc); msg != nil {
			out = append(out, *msg)
		}
	}
	return out
}

func (c *Client) Sender(ctx context.Context, msg *platform.Message) (*platform.Peer, error) {
	if p := c.cachedPeer(msg.SenderID); p != nil {
		return p, nil
	}
	if msg.SenderID <= 0 {
		return nil, nil
	}

	chat, err := c.lookup(msg.ChatID)
	if err != nil {
		return nil, err
	}
	users, err := c.api.UsersGetUsers(ctx, []tg.InputUserClass{
		&tg.InputUserFromMessage{Peer: chat.input, MsgID: msg.ID, UserID: msg.SenderID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get user %d: %w", msg.SenderID, err)
	}
	c.cache.addUsers(users)
	return c.cachedPeer(msg.SenderID), nil
}

func (c *Client) ListParticipants(ctx context.Context, chatID int64, offset, limit int) ([]platform.Peer, error) {
	channel, err := c.inputChannel(chatID)
	if err != nil {
		return nil, err
	}
	res, err := c.api.ChannelsGetParticipants(ctx, &tg.ChannelsGetParticipantsRequest{
		Channel: channel,
		Filter:  &tg.ChannelParticipantsSearch{},
		Offset:  offset,
		Limit:   limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get participants of %d: %w", chatID, err)
	}
	participants, ok := res.(*tg.ChannelsChannelParticipants)
	if !ok {
		return nil, nil
	}
	c.cache.addChats(participants.Chats)

	peers := make([]platform.Peer, 0, len(participants.Users))
	for _, u := range participants.Users {
		user, ok := u.(*tg.User)
		if !ok {
			continue
		}
		c.cache.addUser(user)
		if p := c.cachedPeer(user.ID); p != nil {
			peers = append(peers, *p)
		}
	}
	return peers, nil
}

func (c *Client) RecentMessages(ctx context.Context, peer platform.Peer, limit int) ([]platform.Message, error) {
	e, err := c.lookup(peer.ID)
	if err != nil {
		return nil, err
	}
	res, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  e.input,
		Limit: limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get history of %d: %w", peer.ID, err)
	}
	return c.messages(res), nil
}

func (c *Client) ReplyTarget(ctx context.Context, msg *platform.Message) (*platform.Message, error) {
	if !msg.IsReply() {
		return nil, nil
	}
	ids := []tg.InputMessageClass{&tg.InputMessageID{ID: msg.ReplyToID}}

	var (
		res tg.MessagesMessagesClass
		err error
	)
	if isChannelID(msg.ChatID) {
		channel, cerr := c.inputChannel(msg.ChatID)
		if cerr != nil {
			return nil, cerr
		}
		res, err = c.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{Channel: channel, ID: ids})
	} else {
		res, err = c.api.MessagesGetMessages(ctx, ids)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message %d in %d: %w", msg.ReplyToID, msg.ChatID, err)
	}

	for _, m := range c.messages(res) {
		if m.ID == msg.ReplyToID {
			return &m, nil
		}
	}
	return nil, nil
}

func (c *Client) PersonalChannel(ctx context.Context, userID int64) (*platform.Peer, error) {
	user, err := c.inputUser(userID)
	if err != nil {
		return nil, err
	}
	full, err := c.api.UsersGetFullUser(ctx, user)
	if err != nil {
		return nil, fmt.Errorf("failed to get full user %d: %w", userID, err)
	}
	c.cache.addUsers(full.Users)
	c.cache.addChats(full.Chats)

	id, ok := full.FullUser.GetPersonalChannelID()
	if !ok {
		return nil, nil
	}
	return c.cachedPeer(markChannel(id)), nil
}

func (c *Client) LinkedDiscussionChat(ctx context.Context, chatID int64) (*platform.Peer, error) {
	if !isChannelID(chatID) {
		return nil, nil
	}
	channel, err := c.inputChannel(chatID)
	if err != nil {
		return nil, err
	}
	full, err := c.api.ChannelsGetFullChannel(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("failed to get full channel %d: %w", unmarkChannel(chatID), err)
	}
	c.cache.addUsers(full.Users)
	c.cache.addChats(full.Chats)

	cf, ok := full.FullChat.(*tg.ChannelFull)
	if !ok {
		return nil, nil
	}
	linked, ok := cf.GetLinkedChatID()
	if !ok {
		return nil, nil
	}
	return c.cachedPeer(markChannel(linked)), nil
}

func (c *Client) Chat(_ context.Context, chatID int64) (*platform.Peer, error) {
	return c.cachedPeer(chatID), nil
}

func (c *Client) DownloadProfilePhoto(ctx context.Context, peer platform.Peer, w io.Writer) error {
	e, err := c.lookup(peer.ID)
	if err != nil {
		return err
	}
	if e.photoID == 0 {
		return fmt.Errorf("peer %d has no profile photo", peer.ID)
	}
	loc := &tg.InputPeerPhotoFileLocation{Big: true, Peer: e.input, PhotoID: e.photoID}
	if _, err := c.downloader.Download(c.api, loc).Stream(ctx, w); err != nil {
		return fmt.Errorf("failed to download profile photo of %d: %w", peer.ID, err)
	}
	return nil
}

func (c *Client) DownloadMessagePhoto(ctx context.Context, msg *platform.Message, w io.Writer) error {
	raw, ok := msg.Raw.(*tg.Message)
	if !ok {
		return fmt.Errorf("message %d carries no telegram payload", msg.ID)
	}
	media, ok := raw.GetMedia()
	if !ok {
		return fmt.Errorf("message %d has no media", msg.ID)
	}
	photo, ok := messagePhoto(media)
	if !ok {
		return fmt.Errorf("message %d has no photo", msg.ID)
	}
	loc, err := photoLocation(photo)
	if err != nil {
		return err
	}
	if _, err := c.downloader.Download(c.api, loc).Stream(ctx, w); err != nil {
		return fmt.Errorf("failed to download photo of message %d: %w", msg.ID, err)
	}
	return nil
}
