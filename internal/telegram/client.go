// Package telegram is the MTProto user-session transport. It feeds chat
// messages to the pipeline and implements platform.Client on top of gotd.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"

	"github.com/xaenox/antispam-bot/internal/platform"
)

const (
	defaultCacheSize = 4096
	queueSize        = 128
	dialogsLimit     = 100
)

// CodePrompt asks the operator for the login code sent by Telegram.
type CodePrompt func(ctx context.Context, sentCode *tg.AuthSentCode) (string, error)

type Config struct {
	APIID       int
	APIHash     string
	Phone       string
	Password    string
	SessionPath string
	CacheSize   int
	CodePrompt  CodePrompt
	// Accept filters chats before their messages are queued. Nil accepts all.
	Accept func(chatID int64) bool
}

// MessageHandler processes one queued chat message.
type MessageHandler func(ctx context.Context, msg *platform.Message)

type Client struct {
	client     *telegram.Client
	api        *tg.Client
	downloader *downloader.Downloader
	cache      *entityCache
	cfg        Config
	queue      chan *platform.Message
	logger     *zap.Logger
}

var _ platform.Client = (*Client)(nil)

func New(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIID == 0 || cfg.APIHash == "" {
		return nil, errors.New("telegram api id and hash are required")
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.SessionPath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.SessionPath), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create session directory: %w", err)
		}
	}

	cache, err := newEntityCache(cfg.CacheSize)
	if err != nil {
		return nil, err
	}

	c := &Client{
		downloader: downloader.NewDownloader(),
		cache:      cache,
		cfg:        cfg,
		queue:      make(chan *platform.Message, queueSize),
		logger:     logger,
	}

	dispatcher := tg.NewUpdateDispatcher()
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		return c.enqueue(ctx, e, u.Message)
	})
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		return c.enqueue(ctx, e, u.Message)
	})

	opts := telegram.Options{
		Logger:        logger.Named("mtproto"),
		UpdateHandler: dispatcher,
	}
	if cfg.SessionPath != "" {
		opts.SessionStorage = &session.FileStorage{Path: cfg.SessionPath}
	}
	c.client = telegram.NewClient(cfg.APIID, cfg.APIHash, opts)
	c.api = c.client.API()
	return c, nil
}

func (c *Client) enqueue(ctx context.Context, e tg.Entities, mc tg.MessageClass) error {
	c.cache.addEntities(e)

	msg := convertMessage(mc)
	if msg == nil {
		return nil
	}
	if raw, ok := msg.Raw.(*tg.Message); ok && raw.Out {
		return nil
	}
	if c.cfg.Accept != nil && !c.cfg.Accept(msg.ChatID) {
		return nil
	}

	select {
	case c.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run connects, logs in when the session is not authorized yet and calls f
// with a ready client.
func (c *Client) Run(ctx context.Context, f func(ctx context.Context) error) error {
	return c.client.Run(ctx, func(ctx context.Context) error {
		prompt := c.cfg.CodePrompt
		if prompt == nil {
			prompt = func(context.Context, *tg.AuthSentCode) (string, error) {
				return "", errors.New("login code required but no prompt configured")
			}
		}
		flow := auth.NewFlow(
			auth.Constant(c.cfg.Phone, c.cfg.Password, auth.CodeAuthenticatorFunc(prompt)),
			auth.SendCodeOptions{},
		)
		if err := c.client.Auth().IfNecessary(ctx, flow); err != nil {
			return fmt.Errorf("failed to authenticate: %w", err)
		}

		self, err := c.client.Self(ctx)
		if err != nil {
			return fmt.Errorf("failed to get self: %w", err)
		}
		c.cache.addUser(self)
		c.logger.Info("Logged in to Telegram",
			zap.Int64("user_id", self.ID),
			zap.String("username", self.Username))

		return f(ctx)
	})
}

// WarmUp fills the entity cache from the session's dialogs so chats can be
// addressed before their first update arrives.
func (c *Client) WarmUp(ctx context.Context) error {
	dialogs, err := c.api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
		OffsetPeer: &tg.InputPeerEmpty{},
		Limit:      dialogsLimit,
	})
	if err != nil {
		return fmt.Errorf("failed to get dialogs: %w", err)
	}

	switch d := dialogs.(type) {
	case *tg.MessagesDialogs:
		c.cache.addUsers(d.Users)
		c.cache.addChats(d.Chats)
	case *tg.MessagesDialogsSlice:
		c.cache.addUsers(d.Users)
		c.cache.addChats(d.Chats)
	default:
		c.logger.Warn("Unknown dialogs type", zap.String("type", fmt.Sprintf("%T", dialogs)))
	}
	return nil
}

// Serve runs the client and hands queued messages to handle one at a time
// until ctx is done.
func (c *Client) Serve(ctx context.Context, handle MessageHandler) error {
	return c.Run(ctx, func(ctx context.Context) error {
		if err := c.WarmUp(ctx); err != nil {
			c.logger.Warn("Failed to warm up entity cache", zap.Error(err))
		}
		c.logger.Info("Listening for chat messages")
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg := <-c.queue:
				handle(ctx, msg)
			}
		}
	})
}
