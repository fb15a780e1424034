package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envNames = []string{
	"DATABASE_URL", "FORWARD_TO_USER_ID", "ALLOWED_CHAT_ID", "IGNORED_USER_IDS",
	"RECHECK_THRESHOLD", "LLM_MODELS", "BOT_TOKEN", "OPENAI_API_KEY", "OPENAI_BASE_URL",
	"TELEGRAM_API_ID", "TELEGRAM_API_HASH", "TELEGRAM_PHONE", "MODERATION_SENSITIVITY",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range envNames {
		t.Setenv(name, "")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Moderation.RecheckThreshold)
	assert.Equal(t, "ru", cfg.Moderation.Language)
	assert.Equal(t, "low", cfg.Moderation.Sensitivity)
	assert.Equal(t, 0.01, cfg.OpenAI.Temperature)
	assert.Equal(t, "https://openrouter.ai/api/v1", cfg.OpenAI.BaseURL)
	assert.Equal(t, []string{
		"mistralai/mistral-small-3.2-24b-instruct:free",
		"google/gemini-2.5-flash-lite-preview-06-17",
	}, cfg.OpenAI.Models)
	assert.Equal(t, AggregatorConfig{ContextDepth: 3, MaxPosts: 2, PostScanLimit: 20, RecentMessages: 5, ParticipantPage: 200}, cfg.Aggregator)
	assert.Equal(t, "media", cfg.Media.Dir)
	assert.Equal(t, "session/user.json", cfg.Telegram.SessionPath)
	assert.Equal(t, []int64{-1001864529853}, cfg.Telegram.MonitoredChats)
	assert.Contains(t, cfg.Telegram.IgnoredUserIDs, int64(-1001705454724))
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFile(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
telegram:
  api_id: 123
  api_hash: abc
  monitored_chats: [-1001, -1002]
bot:
  operator_chat_id: 555
database:
  driver: sqlite
  path: /tmp/antispam.db
openai:
  models: [model-a]
moderation:
  sensitivity: medium
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 123, cfg.Telegram.APIID)
	assert.Equal(t, "abc", cfg.Telegram.APIHash)
	assert.Equal(t, []int64{-1001, -1002}, cfg.Telegram.MonitoredChats)
	assert.Equal(t, int64(555), cfg.Bot.OperatorChatID)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "/tmp/antispam.db", cfg.Database.Path)
	assert.Equal(t, []string{"model-a"}, cfg.OpenAI.Models)
	assert.Equal(t, "medium", cfg.Moderation.Sensitivity)
	// untouched keys keep defaults
	assert.Equal(t, 3, cfg.Moderation.RecheckThreshold)
}

func TestLoadConfigInMemory(t *testing.T) {
	clearEnv(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
database:
  use_in_memory: true
  driver: ""
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Database.UseInMemory)
	require.NoError(t, cfg.Validate())

	t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/antispam")
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.Database.UseInMemory)
	assert.Equal(t, "postgres", cfg.Database.Driver)
}

func TestLoadConfigEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://doom:secret@db:6543/doom_bot?sslmode=require")
	t.Setenv("FORWARD_TO_USER_ID", "777")
	t.Setenv("ALLOWED_CHAT_ID", "-1003")
	t.Setenv("IGNORED_USER_IDS", "1, 2,,3")
	t.Setenv("RECHECK_THRESHOLD", "5")
	t.Setenv("LLM_MODELS", "model-a, model-b")
	t.Setenv("BOT_TOKEN", "bot-token")
	t.Setenv("OPENAI_API_KEY", "sk-test")
	t.Setenv("TELEGRAM_API_ID", "99")
	t.Setenv("TELEGRAM_API_HASH", "hash")
	t.Setenv("MODERATION_SENSITIVITY", "high")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, DatabaseConfig{
		Driver:   "postgres",
		URL:      "postgres://doom:secret@db:6543/doom_bot?sslmode=require",
		Host:     "db",
		Port:     6543,
		User:     "doom",
		Password: "secret",
		DBName:   "doom_bot",
		SSLMode:  "require",
	}, cfg.Database)
	assert.Equal(t, int64(777), cfg.Bot.OperatorChatID)
	assert.Equal(t, []int64{-1001864529853, -1003}, cfg.Telegram.MonitoredChats)
	assert.Equal(t, []int64{1, 2, 3}, cfg.Telegram.IgnoredUserIDs)
	assert.Equal(t, 5, cfg.Moderation.RecheckThreshold)
	assert.Equal(t, []string{"model-a", "model-b"}, cfg.OpenAI.Models)
	assert.Equal(t, "bot-token", cfg.Bot.Token)
	assert.Equal(t, "sk-test", cfg.OpenAI.APIKey)
	assert.Equal(t, 99, cfg.Telegram.APIID)
	assert.Equal(t, "hash", cfg.Telegram.APIHash)
	assert.Equal(t, "high", cfg.Moderation.Sensitivity)
}

func TestLoadConfigInvalidEnv(t *testing.T) {
	for _, name := range []string{"FORWARD_TO_USER_ID", "ALLOWED_CHAT_ID", "IGNORED_USER_IDS", "RECHECK_THRESHOLD"} {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(name, "not-a-number")
			_, err := LoadConfig("")
			assert.Error(t, err)
		})
	}
}

func TestParseDatabaseURL(t *testing.T) {
	cfg, err := parseDatabaseURL("postgresql://user@localhost/antispam")
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, 5432, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode)
	assert.Equal(t, "antispam", cfg.DBName)

	cfg, err = parseDatabaseURL("sqlite:///data/antispam.db")
	require.NoError(t, err)
	assert.Equal(t, DatabaseConfig{Driver: "sqlite", Path: "/data/antispam.db"}, cfg)

	cfg, err = parseDatabaseURL("sqlite:antispam.db")
	require.NoError(t, err)
	assert.Equal(t, "antispam.db", cfg.Path)

	_, err = parseDatabaseURL("mysql://localhost/antispam")
	assert.Error(t, err)

	_, err = parseDatabaseURL("postgres://localhost:port/antispam")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Database:   DatabaseConfig{Driver: "sqlite"},
			OpenAI:     OpenAIConfig{Models: []string{"m"}},
			Moderation: ModerationConfig{RecheckThreshold: 1, Sensitivity: "low"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero threshold", func(c *Config) { c.Moderation.RecheckThreshold = 0 }},
		{"no models", func(c *Config) { c.OpenAI.Models = nil }},
		{"bad sensitivity", func(c *Config) { c.Moderation.Sensitivity = "extreme" }},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("in-memory ignores driver", func(t *testing.T) {
		cfg := valid()
		cfg.Database = DatabaseConfig{Driver: "mysql", UseInMemory: true}
		assert.NoError(t, cfg.Validate())
	})
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, loadDotEnv(filepath.Join(t.TempDir(), ".env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("ANTISPAM_DOTENV_PROBE=loaded\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("ANTISPAM_DOTENV_PROBE") })

	require.NoError(t, loadDotEnv(path))
	assert.Equal(t, "loaded", os.Getenv("ANTISPAM_DOTENV_PROBE"))
}
