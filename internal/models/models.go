package models

import (
	"strings"
	"time"
)

// TrustRecord is the persisted per-user classification state.
type TrustRecord struct {
	ID           int64     `db:"id" json:"id"`
	Username     *string   `db:"username" json:"username,omitempty"`
	FirstName    *string   `db:"first_name" json:"first_name,omitempty"`
	LastName     *string   `db:"last_name" json:"last_name,omitempty"`
	FullName     *string   `db:"full_name" json:"full_name,omitempty"`
	ProfilePhoto *string   `db:"profile_photo" json:"profile_photo,omitempty"`
	IsBot        bool      `db:"is_bot" json:"is_bot"`
	Confidence   *float64  `db:"confidence" json:"confidence,omitempty"`
	Thoughts     *string   `db:"thoughts" json:"thoughts,omitempty"`
	CheckCount   int       `db:"check_count" json:"check_count"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// ChannelSnapshot is the user's personal channel as seen at first contact.
type ChannelSnapshot struct {
	ID       int64          `db:"id" json:"id"`
	UserID   int64          `db:"user_id" json:"user_id"`
	Title    *string        `db:"title" json:"title,omitempty"`
	Username *string        `db:"username" json:"username,omitempty"`
	Photo    *string        `db:"photo" json:"photo,omitempty"`
	Posts    []PostSnapshot `db:"-" json:"posts,omitempty"`
}

// PostSnapshot is one original (non-forwarded) post of a personal channel.
type PostSnapshot struct {
	ID        int64   `db:"id" json:"id"`
	ChannelID int64   `db:"channel_id" json:"channel_id"`
	PostID    int64   `db:"post_id" json:"post_id"`
	Text      *string `db:"text" json:"text,omitempty"`
	Media     *string `db:"media" json:"media,omitempty"`
}

// MessageRecord is an append-only entry of a user's chat history.
type MessageRecord struct {
	ID        int64     `db:"id" json:"id"`
	UserID    int64     `db:"user_id" json:"user_id"`
	ChatID    int64     `db:"chat_id" json:"chat_id"`
	MessageID int64     `db:"message_id" json:"message_id"`
	Text      *string   `db:"text" json:"text,omitempty"`
	Context   *string   `db:"context" json:"context,omitempty"`
	Media     *string   `db:"media" json:"media,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Render formats the message the way classification prompts expect it.
// An empty context is omitted.
func (m MessageRecord) Render() string {
	text := deref(m.Text)
	context := strings.TrimSpace(deref(m.Context))
	if context == "" {
		return "Message: " + text
	}
	return "Context: " + context + "\nMessage: " + text
}

// Empty reports whether the message carries neither text nor context.
func (m MessageRecord) Empty() bool {
	return deref(m.Text) == "" && strings.TrimSpace(deref(m.Context)) == ""
}

// DialogEntry is one hop of a reply chain.
type DialogEntry struct {
	Text       string `json:"text"`
	SenderID   int64  `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
}

// ChannelPost is a post collected from a personal channel before persistence.
type ChannelPost struct {
	ID    int64  `json:"id"`
	Text  string `json:"text,omitempty"`
	Image string `json:"image,omitempty"`
}

// PersonalChannel is the channel linked from a user's profile.
type PersonalChannel struct {
	ID       int64         `json:"id"`
	Title    string        `json:"title,omitempty"`
	Username string        `json:"username,omitempty"`
	Image    string        `json:"image,omitempty"`
	Posts    []ChannelPost `json:"posts,omitempty"`
}

// RecentMessage is a message fetched from the user's own history.
type RecentMessage struct {
	ID       int       `json:"id"`
	Text     string    `json:"text,omitempty"`
	Date     time.Time `json:"date"`
	HasMedia bool      `json:"has_media"`
}

// AccountSnapshot is built once for an unseen user and decomposed into store
// entities. Image fields hold data URLs.
type AccountSnapshot struct {
	UserID         int64            `json:"user_id"`
	Username       string           `json:"username,omitempty"`
	FirstName      string           `json:"first_name,omitempty"`
	LastName       string           `json:"last_name,omitempty"`
	FullName       string           `json:"full_name,omitempty"`
	ProfileImage   string           `json:"profile_image,omitempty"`
	Channel        *PersonalChannel `json:"channel,omitempty"`
	RecentMessages []RecentMessage  `json:"recent_messages,omitempty"`
	Dialog         []DialogEntry    `json:"dialog,omitempty"`
}

// DisplayName picks the name shown to the oracle and the operator.
func (s AccountSnapshot) DisplayName() string {
	if s.FullName != "" {
		return s.FullName
	}
	return s.Username
}

// ComposedView is the read-only join of a user's trust record, channel, posts
// and message history. It is assembled on demand and never cached.
type ComposedView struct {
	User     TrustRecord
	Channel  *ChannelSnapshot
	Messages []MessageRecord
}

// RenderedMessages returns every non-empty message in prompt form.
func (v *ComposedView) RenderedMessages() []string {
	out := make([]string, 0, len(v.Messages))
	for _, m := range v.Messages {
		if m.Empty() {
			continue
		}
		out = append(out, m.Render())
	}
	return out
}

// BotVerdict is the result of one bot-classification pass.
type BotVerdict struct {
	Thoughts   string  `json:"thoughts"`
	IsBot      bool    `json:"is_bot"`
	Confidence float64 `json:"confidence"`
}

// ModerationAction is the oracle's enforcement suggestion.
type ModerationAction string

const (
	ActionNone         ModerationAction = ""
	ActionWarn         ModerationAction = "warn"
	ActionDeleteAndBan ModerationAction = "delete_and_ban"
)

// ModerationVerdict is the result of a content-moderation pass.
type ModerationVerdict struct {
	Thoughts          string           `json:"thoughts"`
	IsViolating       bool             `json:"is_violating"`
	Action            ModerationAction `json:"action"`
	ModerationMessage string           `json:"moderation_message"`
}

// Sensitivity governs how eagerly the moderation oracle flags messages.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

// Valid reports whether s is one of the known levels.
func (s Sensitivity) Valid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return true
	}
	return false
}

// StringPtr returns nil for an empty string.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
