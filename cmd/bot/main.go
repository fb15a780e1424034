package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xaenox/antispam-bot/internal/bot"
	"github.com/xaenox/antispam-bot/internal/pipeline"
	"github.com/xaenox/antispam-bot/internal/platform"
	"github.com/xaenox/antispam-bot/internal/storage"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "antispam-bot",
	Short: "Telegram anti-spam and moderation bot",
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the monitored chats and notify the operator",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Initialize logger
		logger, _ := zap.NewProduction()
		defer logger.Sync()

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		store, err := openStorage(cfg, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize storage: %w", err)
		}
		defer store.Close()

		ws, err := newWorkspace(cfg, logger)
		if err != nil {
			return err
		}

		client, err := newTelegramClient(cfg, monitoredSet(cfg.Telegram.MonitoredChats), logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram client: %w", err)
		}

		b, err := bot.New(cfg.Bot.Token, cfg.Bot.OperatorChatID, store, logger)
		if err != nil {
			return err
		}

		clf, mod := newJudges(cfg, logger)
		pipe := pipeline.New(pipeline.Config{
			MonitoredChats: cfg.Telegram.MonitoredChats,
			IgnoredSenders: cfg.Telegram.IgnoredUserIDs,
			ContextDepth:   cfg.Aggregator.ContextDepth,
		}, pipeline.Deps{
			Aggregator: newAggregator(cfg, client, ws, logger),
			Media:      ws,
			Store:      store,
			Classifier: clf,
			Moderator:  mod,
			Notifier:   b,
			Logger:     logger,
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger.Info("Starting antispam bot",
			zap.Int64s("monitored_chats", cfg.Telegram.MonitoredChats),
			zap.Strings("models", cfg.OpenAI.Models),
			zap.Int("recheck_threshold", store.Threshold()))

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return b.Start(ctx)
		})
		g.Go(func() error {
			return client.Serve(ctx, func(ctx context.Context, msg *platform.Message) {
				if _, err := pipe.Handle(ctx, msg); err != nil {
					logger.Error("Failed to handle message",
						zap.Error(err),
						zap.Int64("chat_id", msg.ChatID),
						zap.Int("message_id", msg.ID))
				}
			})
		})

		if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		logger.Info("Antispam bot stopped")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, _ := zap.NewProduction()
		defer logger.Sync()

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		// Open applies pending migrations.
		store, err := openStorage(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		sqlStore, ok := store.(*storage.SQLStorage)
		if !ok {
			fmt.Println("In-memory storage has no schema to migrate")
			return nil
		}
		version, dirty, err := storage.MigrationVersion(sqlStore.DB())
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}
		fmt.Printf("Schema version: %d (dirty: %t)\n", version, dirty)
		return nil
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset <user_id>",
	Short: "Reset the check counter of a user",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q: %w", args[0], err)
		}

		logger, _ := zap.NewProduction()
		defer logger.Sync()

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}

		store, err := openStorage(cfg, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := store.ResetCheckCount(cmd.Context(), userID); err != nil {
			return fmt.Errorf("failed to reset user %d: %w", userID, err)
		}
		fmt.Printf("Check counter reset for user %d\n", userID)
		return nil
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <user_id>",
	Short: "Print the account snapshot of a chat member as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q: %w", args[0], err)
		}
		chatID, _ := cmd.Flags().GetInt64("chat")

		logger, _ := zap.NewProduction()
		defer logger.Sync()

		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		if chatID == 0 && len(cfg.Telegram.MonitoredChats) > 0 {
			chatID = cfg.Telegram.MonitoredChats[0]
		}

		ws, err := newWorkspace(cfg, logger)
		if err != nil {
			return err
		}
		client, err := newTelegramClient(cfg, nil, logger)
		if err != nil {
			return fmt.Errorf("failed to create telegram client: %w", err)
		}
		agg := newAggregator(cfg, client, ws, logger)

		return client.Run(cmd.Context(), func(ctx context.Context) error {
			if err := client.WarmUp(ctx); err != nil {
				return err
			}

			session := ws.NewSession()
			defer session.Cleanup()

			id := agg.ResolveSender(ctx, &platform.Message{ChatID: chatID, SenderID: userID})
			snap := agg.InspectSnapshot(ctx, session, id)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		})
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to the YAML config file")

	inspectCmd.Flags().Int64("chat", 0, "Chat to look the user up in (defaults to the first monitored chat)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(inspectCmd)
}
