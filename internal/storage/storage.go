package storage

import (
	"context"
	"errors"

	"github.com/xaenox/antispam-bot/internal/models"
)

// DefaultThreshold is the number of classification passes after which a user
// is settled.
const DefaultThreshold = 3

var ErrUserNotFound = errors.New("user not found")

// VerdictResult reports what RecordVerdict did. Authorized is false when the
// user was already settled and nothing was written.
type VerdictResult struct {
	CheckCount int
	Authorized bool
	Purged     bool
}

// Settled reports whether the user's recheck budget is exhausted.
func (r VerdictResult) Settled(threshold int) bool {
	return r.CheckCount >= threshold
}

// Storage is the trust state store. Every method runs as one transaction.
type Storage interface {
	UpsertUser(ctx context.Context, user *models.TrustRecord) error
	UpsertChannel(ctx context.Context, userID int64, channel *models.ChannelSnapshot) (int64, error)
	AppendPosts(ctx context.Context, channelID int64, posts []models.PostSnapshot) error
	// SaveSnapshot decomposes an account snapshot into user, channel and posts.
	SaveSnapshot(ctx context.Context, snap models.AccountSnapshot) error
	AppendMessage(ctx context.Context, msg *models.MessageRecord) error
	// GetUser reads the trust record alone, without its profile photo. It
	// returns nil, nil when the user has no record.
	GetUser(ctx context.Context, userID int64) (*models.TrustRecord, error)
	// GetComposedView returns nil, nil when the user has no record.
	GetComposedView(ctx context.Context, userID int64) (*models.ComposedView, error)
	// RecordVerdict increments check_count only while it is below the
	// threshold and purges every image of the user when it gets there.
	RecordVerdict(ctx context.Context, userID int64, verdict models.BotVerdict) (VerdictResult, error)
	ShouldClassify(ctx context.Context, userID int64) (bool, error)
	ResetCheckCount(ctx context.Context, userID int64) error
	Threshold() int
	Close() error
}

func snapshotUser(snap models.AccountSnapshot) *models.TrustRecord {
	return &models.TrustRecord{
		ID:           snap.UserID,
		Username:     models.StringPtr(snap.Username),
		FirstName:    models.StringPtr(snap.FirstName),
		LastName:     models.StringPtr(snap.LastName),
		FullName:     models.StringPtr(snap.FullName),
		ProfilePhoto: models.StringPtr(snap.ProfileImage),
	}
}

func snapshotChannel(snap models.AccountSnapshot) (*models.ChannelSnapshot, []models.PostSnapshot) {
	if snap.Channel == nil {
		return nil, nil
	}
	ch := &models.ChannelSnapshot{
		UserID:   snap.UserID,
		Title:    models.StringPtr(snap.Channel.Title),
		Username: models.StringPtr(snap.Channel.Username),
		Photo:    models.StringPtr(snap.Channel.Image),
	}
	posts := make([]models.PostSnapshot, 0, len(snap.Channel.Posts))
	for _, p := range snap.Channel.Posts {
		posts = append(posts, models.PostSnapshot{
			PostID: p.ID,
			Text:   models.StringPtr(p.Text),
			Media:  models.StringPtr(p.Image),
		})
	}
	return ch, posts
}
