package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/xaenox/antispam-bot/internal/models"
)

type DatabaseConfig struct {
	Driver   string
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	Path     string
}

// DSN returns the connection string for the configured driver.
func (c DatabaseConfig) DSN() string {
	switch c.Driver {
	case "sqlite":
		return c.Path
	default:
		if c.URL != "" {
			return c.URL
		}
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
	}
}

// SQLStorage implements Storage on PostgreSQL or SQLite. Queries are written
// with ? placeholders and rebound for the driver.
type SQLStorage struct {
	db        *sqlx.DB
	threshold int
	forUpdate string
	logger    *zap.Logger
}

// Open connects to the configured database and applies migrations.
func Open(cfg DatabaseConfig, threshold int, logger *zap.Logger) (*SQLStorage, error) {
	var (
		db  *sqlx.DB
		err error
	)
	switch cfg.Driver {
	case "postgres", "":
		db, err = sqlx.Connect("postgres", cfg.DSN())
	case "sqlite":
		db, err = OpenSQLite(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("error connecting to the database: %w", err)
	}

	if err := MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("error initializing database schema: %w", err)
	}

	logger.Info("Connected to database", zap.String("driver", db.DriverName()))
	return NewSQLStorage(db, threshold, logger), nil
}

// OpenSQLite opens a SQLite database with foreign keys enforced. A single
// connection is used so ":memory:" databases are shared and writers serialize.
func OpenSQLite(path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	return db, nil
}

// NewSQLStorage wraps a migrated connection.
func NewSQLStorage(db *sqlx.DB, threshold int, logger *zap.Logger) *SQLStorage {
	if threshold < 1 {
		threshold = DefaultThreshold
	}
	s := &SQLStorage{db: db, threshold: threshold, logger: logger}
	if db.DriverName() == "postgres" {
		s.forUpdate = " FOR UPDATE"
	}
	return s
}

func (s *SQLStorage) Threshold() int {
	return s.threshold
}

func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// DB exposes the connection for migrations and tools.
func (s *SQLStorage) DB() *sqlx.DB {
	return s.db
}

func (s *SQLStorage) withTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error starting transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("Failed to roll back transaction", zap.Error(rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}
	return nil
}

// settled locks the user row and reports whether the user exists and has
// exhausted the recheck budget.
func (s *SQLStorage) settled(ctx context.Context, tx *sqlx.Tx, userID int64) (exists, settled bool, err error) {
	var count int
	err = tx.GetContext(ctx, &count, s.db.Rebind(`SELECT check_count FROM users WHERE id = ?`+s.forUpdate), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, fmt.Errorf("error reading check_count: %w", err)
	}
	return true, count >= s.threshold, nil
}

func (s *SQLStorage) UpsertUser(ctx context.Context, user *models.TrustRecord) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		return s.upsertUser(ctx, tx, user)
	})
}

func (s *SQLStorage) upsertUser(ctx context.Context, tx *sqlx.Tx, user *models.TrustRecord) error {
	_, settled, err := s.settled(ctx, tx, user.ID)
	if err != nil {
		return err
	}
	photo := user.ProfilePhoto
	if settled {
		photo = nil
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO users (id, username, first_name, last_name, full_name, profile_photo,
			is_bot, confidence, thoughts, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			full_name = excluded.full_name,
			profile_photo = excluded.profile_photo,
			is_bot = excluded.is_bot,
			confidence = excluded.confidence,
			thoughts = excluded.thoughts,
			updated_at = excluded.updated_at`
	_, err = tx.ExecContext(ctx, s.db.Rebind(query),
		user.ID, user.Username, user.FirstName, user.LastName, user.FullName, photo,
		user.IsBot, user.Confidence, user.Thoughts, now, now)
	if err != nil {
		return fmt.Errorf("error upserting user %d: %w", user.ID, err)
	}
	return nil
}

func (s *SQLStorage) UpsertChannel(ctx context.Context, userID int64, channel *models.ChannelSnapshot) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		id, err = s.upsertChannel(ctx, tx, userID, channel)
		return err
	})
	return id, err
}

func (s *SQLStorage) upsertChannel(ctx context.Context, tx *sqlx.Tx, userID int64, channel *models.ChannelSnapshot) (int64, error) {
	exists, settled, err := s.settled(ctx, tx, userID)
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, ErrUserNotFound
	}
	photo := channel.Photo
	if settled {
		photo = nil
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO personal_channels (user_id, title, username, photo, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			title = excluded.title,
			username = excluded.username,
			photo = excluded.photo,
			updated_at = excluded.updated_at
		RETURNING id`
	var id int64
	err = tx.QueryRowxContext(ctx, s.db.Rebind(query),
		userID, channel.Title, channel.Username, photo, now, now).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("error upserting channel for user %d: %w", userID, err)
	}
	channel.ID = id
	channel.UserID = userID
	return id, nil
}

func (s *SQLStorage) AppendPosts(ctx context.Context, channelID int64, posts []models.PostSnapshot) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var userID int64
		err := tx.GetContext(ctx, &userID, s.db.Rebind(`SELECT user_id FROM personal_channels WHERE id = ?`), channelID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("channel %d not found", channelID)
		}
		if err != nil {
			return fmt.Errorf("error reading channel %d: %w", channelID, err)
		}
		return s.appendPosts(ctx, tx, userID, channelID, posts)
	})
}

func (s *SQLStorage) appendPosts(ctx context.Context, tx *sqlx.Tx, userID, channelID int64, posts []models.PostSnapshot) error {
	_, settled, err := s.settled(ctx, tx, userID)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	query := s.db.Rebind(`INSERT INTO channel_posts (channel_id, post_id, text, media, created_at) VALUES (?, ?, ?, ?, ?)`)
	for _, p := range posts {
		media := p.Media
		if settled {
			media = nil
		}
		if _, err := tx.ExecContext(ctx, query, channelID, p.PostID, p.Text, media, now); err != nil {
			return fmt.Errorf("error appending post to channel %d: %w", channelID, err)
		}
	}
	return nil
}

func (s *SQLStorage) SaveSnapshot(ctx context.Context, snap models.AccountSnapshot) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		if err := s.upsertUser(ctx, tx, snapshotUser(snap)); err != nil {
			return err
		}
		channel, posts := snapshotChannel(snap)
		if channel == nil {
			return nil
		}
		channelID, err := s.upsertChannel(ctx, tx, snap.UserID, channel)
		if err != nil {
			return err
		}
		return s.appendPosts(ctx, tx, snap.UserID, channelID, posts)
	})
}

func (s *SQLStorage) AppendMessage(ctx context.Context, msg *models.MessageRecord) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		exists, settled, err := s.settled(ctx, tx, msg.UserID)
		if err != nil {
			return err
		}
		if !exists {
			return ErrUserNotFound
		}
		media := msg.Media
		if settled {
			media = nil
		}

		msg.CreatedAt = time.Now().UTC()
		query := `
			INSERT INTO user_messages (user_id, chat_id, message_id, text, context, media, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			RETURNING id`
		err = tx.QueryRowxContext(ctx, s.db.Rebind(query),
			msg.UserID, msg.ChatID, msg.MessageID, msg.Text, msg.Context, media, msg.CreatedAt).Scan(&msg.ID)
		if err != nil {
			return fmt.Errorf("error appending message for user %d: %w", msg.UserID, err)
		}
		return nil
	})
}

func (s *SQLStorage) GetUser(ctx context.Context, userID int64) (*models.TrustRecord, error) {
	var user models.TrustRecord
	err := s.db.GetContext(ctx, &user, s.db.Rebind(`
		SELECT id, username, first_name, last_name, full_name, is_bot,
			confidence, thoughts, check_count, created_at, updated_at
		FROM users WHERE id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading user %d: %w", userID, err)
	}
	return &user, nil
}

func (s *SQLStorage) GetComposedView(ctx context.Context, userID int64) (*models.ComposedView, error) {
	var view *models.ComposedView
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var user models.TrustRecord
		err := tx.GetContext(ctx, &user, s.db.Rebind(`
			SELECT id, username, first_name, last_name, full_name, profile_photo, is_bot,
				confidence, thoughts, check_count, created_at, updated_at
			FROM users WHERE id = ?`), userID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading user %d: %w", userID, err)
		}
		view = &models.ComposedView{User: user}

		var channel models.ChannelSnapshot
		err = tx.GetContext(ctx, &channel, s.db.Rebind(`
			SELECT id, user_id, title, username, photo
			FROM personal_channels WHERE user_id = ?`), userID)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("error reading channel of user %d: %w", userID, err)
		default:
			err = tx.SelectContext(ctx, &channel.Posts, s.db.Rebind(`
				SELECT id, channel_id, post_id, text, media
				FROM channel_posts WHERE channel_id = ? ORDER BY id`), channel.ID)
			if err != nil {
				return fmt.Errorf("error reading posts of channel %d: %w", channel.ID, err)
			}
			view.Channel = &channel
		}

		err = tx.SelectContext(ctx, &view.Messages, s.db.Rebind(`
			SELECT id, user_id, chat_id, message_id, text, context, media, created_at
			FROM user_messages WHERE user_id = ? ORDER BY id`), userID)
		if err != nil {
			return fmt.Errorf("error reading messages of user %d: %w", userID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return view, nil
}

func (s *SQLStorage) RecordVerdict(ctx context.Context, userID int64, verdict models.BotVerdict) (VerdictResult, error) {
	var res VerdictResult
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			UPDATE users SET
				is_bot = ?,
				confidence = ?,
				thoughts = ?,
				check_count = COALESCE(check_count, 0) + 1,
				updated_at = ?
			WHERE id = ? AND COALESCE(check_count, 0) < ?
			RETURNING check_count`
		err := tx.QueryRowxContext(ctx, s.db.Rebind(query),
			verdict.IsBot, verdict.Confidence, verdict.Thoughts, time.Now().UTC(), userID, s.threshold).Scan(&res.CheckCount)
		if errors.Is(err, sql.ErrNoRows) {
			err = tx.GetContext(ctx, &res.CheckCount, s.db.Rebind(`SELECT check_count FROM users WHERE id = ?`), userID)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUserNotFound
			}
			if err != nil {
				return fmt.Errorf("error reading check_count of user %d: %w", userID, err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("error recording verdict for user %d: %w", userID, err)
		}
		res.Authorized = true

		if res.CheckCount >= s.threshold {
			if err := s.purgeImages(ctx, tx, userID); err != nil {
				return err
			}
			res.Purged = true
			s.logger.Info("Purged user images",
				zap.Int64("user_id", userID),
				zap.Int("check_count", res.CheckCount))
		}
		return nil
	})
	if err != nil {
		return VerdictResult{}, err
	}
	return res, nil
}

func (s *SQLStorage) purgeImages(ctx context.Context, tx *sqlx.Tx, userID int64) error {
	statements := []string{
		`UPDATE users SET profile_photo = NULL WHERE id = ?`,
		`UPDATE personal_channels SET photo = NULL WHERE user_id = ?`,
		`UPDATE channel_posts SET media = NULL WHERE channel_id IN (SELECT id FROM personal_channels WHERE user_id = ?)`,
		`UPDATE user_messages SET media = NULL WHERE user_id = ?`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, s.db.Rebind(stmt), userID); err != nil {
			return fmt.Errorf("error purging images of user %d: %w", userID, err)
		}
	}
	return nil
}

func (s *SQLStorage) ShouldClassify(ctx context.Context, userID int64) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count, s.db.Rebind(`SELECT check_count FROM users WHERE id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("error reading check_count of user %d: %w", userID, err)
	}
	return count < s.threshold, nil
}

func (s *SQLStorage) ResetCheckCount(ctx context.Context, userID int64) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, s.db.Rebind(`UPDATE users SET check_count = 0, updated_at = ? WHERE id = ?`),
			time.Now().UTC(), userID)
		if err != nil {
			return fmt.Errorf("error resetting check_count of user %d: %w", userID, err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("error getting rows affected: %w", err)
		}
		if rows == 0 {
			return ErrUserNotFound
		}
		return nil
	})
}
