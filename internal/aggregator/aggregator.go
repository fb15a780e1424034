// Package aggregator collects the evidence moderation decisions are made on.
// Platform failures degrade to empty results and are logged; only the sender
// identity has a hard fallback.
package aggregator

import (
	"context"
	"fmt"
	"io"

	"github.com/xaenox/antispam-bot/internal/media"
	"github.com/xaenox/antispam-bot/internal/models"
	"github.com/xaenox/antispam-bot/internal/platform"
	"go.uber.org/zap"
)

type Options struct {
	ContextDepth    int
	MaxPosts        int
	PostScanLimit   int
	RecentMessages  int
	ParticipantPage int
}

func DefaultOptions() Options {
	return Options{
		ContextDepth:    3,
		MaxPosts:        2,
		PostScanLimit:   20,
		RecentMessages:  5,
		ParticipantPage: 200,
	}
}

type Aggregator struct {
	client platform.Client
	media  *media.Workspace
	opts   Options
	logger *zap.Logger
}

func New(client platform.Client, ws *media.Workspace, opts Options, logger *zap.Logger) *Aggregator {
	return &Aggregator{client: client, media: ws, opts: opts, logger: logger}
}

func (a *Aggregator) Options() Options {
	return a.opts
}

// Identity is the resolved sender of a message. User is nil when only the
// numeric id is known.
type Identity struct {
	UserID   int64
	Username string
	FullName string
	User     *platform.Peer
}

// Name is the full name, then @username, then the bare id.
func (i Identity) Name() string {
	switch {
	case i.FullName != "":
		return i.FullName
	case i.Username != "":
		return i.Username
	default:
		return fmt.Sprintf("%d", i.UserID)
	}
}

// ResolveSender asks the platform for the sender and falls back to scanning
// the chat's participants page by page.
func (a *Aggregator) ResolveSender(ctx context.Context, msg *platform.Message) Identity {
	user, err := a.client.Sender(ctx, msg)
	if err != nil {
		a.logger.Warn("Failed to get sender",
			zap.Int64("user_id", msg.SenderID),
			zap.Int64("chat_id", msg.ChatID),
			zap.Error(err))
		user = nil
	}
	if user == nil || user.Kind != platform.PeerUser {
		user = a.scanParticipants(ctx, msg.ChatID, msg.SenderID)
	}
	if user == nil {
		return Identity{UserID: msg.SenderID}
	}

	id := Identity{UserID: user.ID, FullName: user.FullName(), User: user}
	if user.Username != "" {
		id.Username = "@" + user.Username
	}
	return id
}

func (a *Aggregator) scanParticipants(ctx context.Context, chatID, userID int64) *platform.Peer {
	offset := 0
	for {
		page, err := a.client.ListParticipants(ctx, chatID, offset, a.opts.ParticipantPage)
		if err != nil {
			a.logger.Warn("Failed to scan chat participants",
				zap.Int64("chat_id", chatID),
				zap.Int64("user_id", userID),
				zap.Int("offset", offset),
				zap.Error(err))
			return nil
		}
		if len(page) == 0 {
			return nil
		}
		for i := range page {
			if page[i].ID == userID {
				return &page[i]
			}
		}
		offset += len(page)
	}
}

// FetchRecentMessages returns up to n recent messages of the user's history in
// platform order.
func (a *Aggregator) FetchRecentMessages(ctx context.Context, user platform.Peer, n int) []models.RecentMessage {
	msgs, err := a.client.RecentMessages(ctx, user, n)
	if err != nil {
		a.logger.Warn("Failed to fetch recent messages", zap.Int64("user_id", user.ID), zap.Error(err))
		return nil
	}
	if len(msgs) > n {
		msgs = msgs[:n]
	}
	out := make([]models.RecentMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, models.RecentMessage{ID: m.ID, Text: m.Text, Date: m.Date, HasMedia: m.HasMedia})
	}
	return out
}

// FetchDialogContext walks the reply chain above msg for at most depth hops
// and returns it oldest first. A platform error ends the walk; whatever was
// collected is kept.
func (a *Aggregator) FetchDialogContext(ctx context.Context, msg *platform.Message, depth int) []models.DialogEntry {
	var entries []models.DialogEntry
	current := msg
	for i := 0; i < depth && current.IsReply(); i++ {
		replied, err := a.client.ReplyTarget(ctx, current)
		if err != nil {
			a.logger.Warn("Failed to get reply context",
				zap.Int64("chat_id", msg.ChatID),
				zap.Int("message_id", current.ID),
				zap.Int("hop", i),
				zap.Error(err))
			break
		}
		if replied == nil || replied.Text == "" {
			break
		}

		sender, err := a.client.Sender(ctx, replied)
		if err != nil {
			a.logger.Warn("Failed to get reply sender",
				zap.Int64("chat_id", msg.ChatID),
				zap.Int("message_id", replied.ID),
				zap.Error(err))
			break
		}
		if sender == nil {
			break
		}

		entries = append(entries, models.DialogEntry{
			Text:       replied.Text,
			SenderID:   replied.SenderID,
			SenderName: sender.DisplayName(),
		})
		current = replied
	}

	for l, r := 0, len(entries)-1; l < r; l, r = l+1, r-1 {
		entries[l], entries[r] = entries[r], entries[l]
	}
	return entries
}

// FetchPersonalChannelAndPosts resolves the channel linked from the user's
// profile and its most recent original posts.
func (a *Aggregator) FetchPersonalChannelAndPosts(ctx context.Context, userID int64, maxPosts int) (*platform.Peer, []platform.Message) {
	channel, err := a.client.PersonalChannel(ctx, userID)
	if err != nil {
		a.logger.Warn("Failed to get personal channel", zap.Int64("user_id", userID), zap.Error(err))
		return nil, nil
	}
	if channel == nil {
		return nil, nil
	}

	msgs, err := a.client.RecentMessages(ctx, *channel, a.opts.PostScanLimit)
	if err != nil {
		a.logger.Warn("Failed to get channel posts",
			zap.Int64("user_id", userID),
			zap.Int64("channel_id", channel.ID),
			zap.Error(err))
		return channel, nil
	}

	posts := make([]platform.Message, 0, maxPosts)
	for _, m := range msgs {
		if len(posts) >= maxPosts {
			break
		}
		if m.Forwarded {
			continue
		}
		posts = append(posts, m)
	}
	return channel, posts
}

// FetchProfileImage downloads the peer's avatar to path.
func (a *Aggregator) FetchProfileImage(ctx context.Context, peer platform.Peer, path string) (string, bool) {
	if !peer.HasPhoto {
		return "", false
	}
	return a.media.Download(path, func(w io.Writer) error {
		return a.client.DownloadProfilePhoto(ctx, peer, w)
	})
}

// FetchMessageImage downloads the photo attached to msg to path.
func (a *Aggregator) FetchMessageImage(ctx context.Context, msg *platform.Message, path string) (string, bool) {
	if !msg.HasPhoto {
		return "", false
	}
	return a.media.Download(path, func(w io.Writer) error {
		return a.client.DownloadMessagePhoto(ctx, msg, w)
	})
}

// MessageImage downloads and encodes the photo attached to msg.
func (a *Aggregator) MessageImage(ctx context.Context, s *media.Session, msg *platform.Message) string {
	path, ok := a.FetchMessageImage(ctx, msg, s.Path(fmt.Sprintf("message_%d_media", msg.ID)))
	if !ok {
		return ""
	}
	url, _ := a.media.EncodeDataURL(path)
	return url
}

// LinkedChannel returns the linked channel of a chat, or nil.
func (a *Aggregator) LinkedChannel(ctx context.Context, chatID int64) *platform.Peer {
	linked, err := a.client.LinkedDiscussionChat(ctx, chatID)
	if err != nil {
		a.logger.Warn("Failed to get linked chat", zap.Int64("chat_id", chatID), zap.Error(err))
		return nil
	}
	return linked
}

// Chat returns the chat entity, or nil.
func (a *Aggregator) Chat(ctx context.Context, chatID int64) *platform.Peer {
	chat, err := a.client.Chat(ctx, chatID)
	if err != nil {
		a.logger.Warn("Failed to get chat", zap.Int64("chat_id", chatID), zap.Error(err))
		return nil
	}
	return chat
}

// BuildSnapshot assembles the account snapshot of an unseen user. Images are
// downloaded into s and encoded as data URLs. The user's recent messages are
// left out since the trust store keeps no place for them.
func (a *Aggregator) BuildSnapshot(ctx context.Context, s *media.Session, id Identity) models.AccountSnapshot {
	snap := models.AccountSnapshot{
		UserID:   id.UserID,
		Username: id.Username,
		FullName: id.FullName,
	}
	if id.User != nil {
		snap.FirstName = id.User.FirstName
		snap.LastName = id.User.LastName
		if path, ok := a.FetchProfileImage(ctx, *id.User, s.Path(fmt.Sprintf("user_%d_photo", id.UserID))); ok {
			snap.ProfileImage, _ = a.media.EncodeDataURL(path)
		}
	}

	channel, posts := a.FetchPersonalChannelAndPosts(ctx, id.UserID, a.opts.MaxPosts)
	if channel == nil {
		return snap
	}

	pc := &models.PersonalChannel{ID: channel.ID, Title: channel.Title, Username: channel.Username}
	if path, ok := a.FetchProfileImage(ctx, *channel, s.Path(fmt.Sprintf("channel_%d_photo", channel.ID))); ok {
		pc.Image, _ = a.media.EncodeDataURL(path)
	}
	for i := range posts {
		post := models.ChannelPost{ID: int64(posts[i].ID), Text: posts[i].Text}
		if path, ok := a.FetchMessageImage(ctx, &posts[i], s.Path(fmt.Sprintf("post_%d_media", posts[i].ID))); ok {
			post.Image, _ = a.media.EncodeDataURL(path)
		}
		pc.Posts = append(pc.Posts, post)
	}
	snap.Channel = pc
	return snap
}

// InspectSnapshot is BuildSnapshot plus the user's recent messages.
func (a *Aggregator) InspectSnapshot(ctx context.Context, s *media.Session, id Identity) models.AccountSnapshot {
	snap := a.BuildSnapshot(ctx, s, id)
	if id.User != nil {
		snap.RecentMessages = a.FetchRecentMessages(ctx, *id.User, a.opts.RecentMessages)
	}
	return snap
}
