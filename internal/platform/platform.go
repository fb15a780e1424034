// Package platform declares the chat-platform operations the moderation
// pipeline consumes. Implementations live in transport packages.
package platform

import (
	"context"
	"io"
	"time"
)

type PeerKind int

const (
	PeerUser PeerKind = iota
	PeerChannel
	PeerGroup
)

// Peer is a user, channel or group as far as moderation cares.
type Peer struct {
	ID        int64
	Kind      PeerKind
	Username  string
	FirstName string
	LastName  string
	Title     string
	HasPhoto  bool
}

// FullName joins first and last name.
func (p Peer) FullName() string {
	switch {
	case p.FirstName != "" && p.LastName != "":
		return p.FirstName + " " + p.LastName
	case p.FirstName != "":
		return p.FirstName
	default:
		return p.LastName
	}
}

// DisplayName is the title for channels and groups and the username for users.
func (p Peer) DisplayName() string {
	if p.Kind != PeerUser && p.Title != "" {
		return p.Title
	}
	return p.Username
}

// Message is a platform message. Raw carries the transport payload needed to
// resolve replies and media later.
type Message struct {
	ID        int
	ChatID    int64
	SenderID  int64
	Text      string
	Date      time.Time
	HasMedia  bool
	HasPhoto  bool
	Forwarded bool
	ReplyToID int
	Raw       any
}

// IsReply reports whether the message answers another message.
func (m *Message) IsReply() bool {
	return m.ReplyToID != 0
}

// Client is the read side of the chat platform. Lookups return nil, nil when
// the platform has nothing to return.
type Client interface {
	Sender(ctx context.Context, msg *Message) (*Peer, error)
	ListParticipants(ctx context.Context, chatID int64, offset, limit int) ([]Peer, error)
	RecentMessages(ctx context.Context, peer Peer, limit int) ([]Message, error)
	ReplyTarget(ctx context.Context, msg *Message) (*Message, error)
	PersonalChannel(ctx context.Context, userID int64) (*Peer, error)
	LinkedDiscussionChat(ctx context.Context, chatID int64) (*Peer, error)
	Chat(ctx context.Context, chatID int64) (*Peer, error)
	DownloadProfilePhoto(ctx context.Context, peer Peer, w io.Writer) error
	DownloadMessagePhoto(ctx context.Context, msg *Message, w io.Writer) error
}
