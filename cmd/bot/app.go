package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/gotd/td/tg"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/xaenox/antispam-bot/internal/aggregator"
	"github.com/xaenox/antispam-bot/internal/classifier"
	"github.com/xaenox/antispam-bot/internal/media"
	"github.com/xaenox/antispam-bot/internal/models"
	"github.com/xaenox/antispam-bot/internal/storage"
	"github.com/xaenox/antispam-bot/internal/telegram"
	"github.com/xaenox/antispam-bot/pkg/config"
)

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func openStorage(cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	db := cfg.Database
	if db.UseInMemory {
		logger.Info("Using in-memory storage")
		return storage.NewMemoryStorage(cfg.Moderation.RecheckThreshold), nil
	}
	logger.Info("Using SQL storage", zap.String("driver", db.Driver))
	store, err := storage.Open(storage.DatabaseConfig{
		Driver:   db.Driver,
		URL:      db.URL,
		Host:     db.Host,
		Port:     db.Port,
		User:     db.User,
		Password: db.Password,
		DBName:   db.DBName,
		SSLMode:  db.SSLMode,
		Path:     db.Path,
	}, cfg.Moderation.RecheckThreshold, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func newTelegramClient(cfg *config.Config, accept func(int64) bool, logger *zap.Logger) (*telegram.Client, error) {
	return telegram.New(telegram.Config{
		APIID:       cfg.Telegram.APIID,
		APIHash:     cfg.Telegram.APIHash,
		Phone:       cfg.Telegram.Phone,
		Password:    cfg.Telegram.Password,
		SessionPath: cfg.Telegram.SessionPath,
		CodePrompt:  terminalCode,
		Accept:      accept,
	}, logger)
}

// terminalCode reads the login code from stdin.
func terminalCode(ctx context.Context, _ *tg.AuthSentCode) (string, error) {
	fmt.Print("Enter the code Telegram sent you: ")
	code, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("failed to read code: %w", err)
	}
	return strings.TrimSpace(code), nil
}

func newWorkspace(cfg *config.Config, logger *zap.Logger) (*media.Workspace, error) {
	return media.NewWorkspace(afero.NewOsFs(), cfg.Media.Dir, logger)
}

func newAggregator(cfg *config.Config, client *telegram.Client, ws *media.Workspace, logger *zap.Logger) *aggregator.Aggregator {
	a := cfg.Aggregator
	return aggregator.New(client, ws, aggregator.Options{
		ContextDepth:    a.ContextDepth,
		MaxPosts:        a.MaxPosts,
		PostScanLimit:   a.PostScanLimit,
		RecentMessages:  a.RecentMessages,
		ParticipantPage: a.ParticipantPage,
	}, logger)
}

func newJudges(cfg *config.Config, logger *zap.Logger) (*classifier.GPTClassifier, *classifier.Moderator) {
	oracle := classifier.NewOracle(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.BaseURL,
		cfg.OpenAI.Models,
		cfg.OpenAI.Temperature,
		cfg.OpenAI.MaxTokens,
		logger,
	)
	clf := classifier.NewGPTClassifier(oracle, cfg.Moderation.Language, logger)
	mod := classifier.NewModerator(
		oracle,
		cfg.Moderation.Language,
		models.Sensitivity(cfg.Moderation.Sensitivity),
		cfg.Moderation.ChannelDescription,
		logger,
	)
	return clf, mod
}

func monitoredSet(ids []int64) func(int64) bool {
	set := make(map[int64]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return func(id int64) bool {
		_, ok := set[id]
		return ok
	}
}
