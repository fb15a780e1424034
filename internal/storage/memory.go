package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xaenox/antispam-bot/internal/models"
)

// MemoryStorage keeps all state in maps behind one mutex, so every operation
// is atomic with respect to the others.
type MemoryStorage struct {
	mu        sync.RWMutex
	threshold int
	users     map[int64]*models.TrustRecord
	channels  map[int64]*models.ChannelSnapshot // by user id
	messages  map[int64][]models.MessageRecord  // by user id
	nextID    int64
}

func NewMemoryStorage(threshold int) *MemoryStorage {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	return &MemoryStorage{
		threshold: threshold,
		users:     make(map[int64]*models.TrustRecord),
		channels:  make(map[int64]*models.ChannelSnapshot),
		messages:  make(map[int64][]models.MessageRecord),
	}
}

func (s *MemoryStorage) Threshold() int {
	return s.threshold
}

func (s *MemoryStorage) Close() error {
	return nil
}

func (s *MemoryStorage) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStorage) settledLocked(userID int64) bool {
	u, ok := s.users[userID]
	return ok && u.CheckCount >= s.threshold
}

func (s *MemoryStorage) UpsertUser(ctx context.Context, user *models.TrustRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertUserLocked(user)
	return nil
}

func (s *MemoryStorage) upsertUserLocked(user *models.TrustRecord) {
	now := time.Now().UTC()
	rec := *user
	rec.UpdatedAt = now
	if existing, ok := s.users[user.ID]; ok {
		rec.CheckCount = existing.CheckCount
		rec.CreatedAt = existing.CreatedAt
		if existing.CheckCount >= s.threshold {
			rec.ProfilePhoto = nil
		}
	} else {
		rec.CheckCount = 0
		rec.CreatedAt = now
	}
	s.users[user.ID] = &rec
}

func (s *MemoryStorage) UpsertChannel(ctx context.Context, userID int64, channel *models.ChannelSnapshot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertChannelLocked(userID, channel)
}

func (s *MemoryStorage) upsertChannelLocked(userID int64, channel *models.ChannelSnapshot) (int64, error) {
	if _, ok := s.users[userID]; !ok {
		return 0, ErrUserNotFound
	}
	rec := &models.ChannelSnapshot{
		UserID:   userID,
		Title:    channel.Title,
		Username: channel.Username,
		Photo:    channel.Photo,
	}
	if existing, ok := s.channels[userID]; ok {
		rec.ID = existing.ID
		rec.Posts = existing.Posts
	} else {
		rec.ID = s.id()
	}
	if s.settledLocked(userID) {
		rec.Photo = nil
	}
	s.channels[userID] = rec
	channel.ID = rec.ID
	channel.UserID = userID
	return rec.ID, nil
}

func (s *MemoryStorage) AppendPosts(ctx context.Context, channelID int64, posts []models.PostSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.ID == channelID {
			s.appendPostsLocked(ch, posts)
			return nil
		}
	}
	return fmt.Errorf("channel %d not found", channelID)
}

func (s *MemoryStorage) appendPostsLocked(ch *models.ChannelSnapshot, posts []models.PostSnapshot) {
	settled := s.settledLocked(ch.UserID)
	for _, p := range posts {
		p.ID = s.id()
		p.ChannelID = ch.ID
		if settled {
			p.Media = nil
		}
		ch.Posts = append(ch.Posts, p)
	}
}

func (s *MemoryStorage) SaveSnapshot(ctx context.Context, snap models.AccountSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertUserLocked(snapshotUser(snap))
	channel, posts := snapshotChannel(snap)
	if channel == nil {
		return nil
	}
	if _, err := s.upsertChannelLocked(snap.UserID, channel); err != nil {
		return err
	}
	s.appendPostsLocked(s.channels[snap.UserID], posts)
	return nil
}

func (s *MemoryStorage) AppendMessage(ctx context.Context, msg *models.MessageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[msg.UserID]; !ok {
		return ErrUserNotFound
	}
	msg.ID = s.id()
	msg.CreatedAt = time.Now().UTC()
	rec := *msg
	if s.settledLocked(msg.UserID) {
		rec.Media = nil
	}
	s.messages[msg.UserID] = append(s.messages[msg.UserID], rec)
	return nil
}

func (s *MemoryStorage) GetUser(ctx context.Context, userID int64) (*models.TrustRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	rec := *u
	rec.ProfilePhoto = nil
	return &rec, nil
}

func (s *MemoryStorage) GetComposedView(ctx context.Context, userID int64) (*models.ComposedView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	view := &models.ComposedView{
		User:     *u,
		Messages: append([]models.MessageRecord(nil), s.messages[userID]...),
	}
	if ch, ok := s.channels[userID]; ok {
		cp := *ch
		cp.Posts = append([]models.PostSnapshot(nil), ch.Posts...)
		view.Channel = &cp
	}
	return view, nil
}

func (s *MemoryStorage) RecordVerdict(ctx context.Context, userID int64, verdict models.BotVerdict) (VerdictResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return VerdictResult{}, ErrUserNotFound
	}
	if u.CheckCount >= s.threshold {
		return VerdictResult{CheckCount: u.CheckCount}, nil
	}

	confidence := verdict.Confidence
	thoughts := verdict.Thoughts
	u.IsBot = verdict.IsBot
	u.Confidence = &confidence
	u.Thoughts = &thoughts
	u.CheckCount++
	u.UpdatedAt = time.Now().UTC()

	res := VerdictResult{CheckCount: u.CheckCount, Authorized: true}
	if u.CheckCount >= s.threshold {
		s.purgeLocked(userID)
		res.Purged = true
	}
	return res, nil
}

func (s *MemoryStorage) purgeLocked(userID int64) {
	s.users[userID].ProfilePhoto = nil
	if ch, ok := s.channels[userID]; ok {
		ch.Photo = nil
		for i := range ch.Posts {
			ch.Posts[i].Media = nil
		}
	}
	msgs := s.messages[userID]
	for i := range msgs {
		msgs[i].Media = nil
	}
}

func (s *MemoryStorage) ShouldClassify(ctx context.Context, userID int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return true, nil
	}
	return u.CheckCount < s.threshold, nil
}

func (s *MemoryStorage) ResetCheckCount(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return ErrUserNotFound
	}
	u.CheckCount = 0
	u.UpdatedAt = time.Now().UTC()
	return nil
}
