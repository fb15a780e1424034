package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/xaenox/antispam-bot/internal/models"
)

type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Bot        BotConfig        `mapstructure:"bot"`
	Database   DatabaseConfig   `mapstructure:"database"`
	OpenAI     OpenAIConfig     `mapstructure:"openai"`
	Moderation ModerationConfig `mapstructure:"moderation"`
	Aggregator AggregatorConfig `mapstructure:"aggregator"`
	Media      MediaConfig      `mapstructure:"media"`
}

// TelegramConfig is the MTProto user session that reads the chats.
type TelegramConfig struct {
	APIID          int     `mapstructure:"api_id"`
	APIHash        string  `mapstructure:"api_hash"`
	Phone          string  `mapstructure:"phone"`
	Password       string  `mapstructure:"password"`
	SessionPath    string  `mapstructure:"session_path"`
	MonitoredChats []int64 `mapstructure:"monitored_chats"`
	IgnoredUserIDs []int64 `mapstructure:"ignored_user_ids"`
}

// BotConfig is the Bot API account that talks to the operator.
type BotConfig struct {
	Token          string `mapstructure:"token"`
	OperatorChatID int64  `mapstructure:"operator_chat_id"`
}

type DatabaseConfig struct {
	Driver      string `mapstructure:"driver"`
	URL         string `mapstructure:"url"`
	Host        string `mapstructure:"host"`
	Port        int    `mapstructure:"port"`
	User        string `mapstructure:"user"`
	Password    string `mapstructure:"password"`
	DBName      string `mapstructure:"dbname"`
	SSLMode     string `mapstructure:"sslmode"`
	Path        string `mapstructure:"path"`
	UseInMemory bool   `mapstructure:"use_in_memory"`
}

type OpenAIConfig struct {
	APIKey      string   `mapstructure:"api_key"`
	BaseURL     string   `mapstructure:"base_url"`
	Models      []string `mapstructure:"models"`
	MaxTokens   int      `mapstructure:"max_tokens"`
	Temperature float64  `mapstructure:"temperature"`
}

type ModerationConfig struct {
	RecheckThreshold   int    `mapstructure:"recheck_threshold"`
	Language           string `mapstructure:"language"`
	Sensitivity        string `mapstructure:"sensitivity"`
	ChannelDescription string `mapstructure:"channel_description"`
}

type AggregatorConfig struct {
	ContextDepth    int `mapstructure:"context_depth"`
	MaxPosts        int `mapstructure:"max_posts"`
	PostScanLimit   int `mapstructure:"post_scan_limit"`
	RecentMessages  int `mapstructure:"recent_messages"`
	ParticipantPage int `mapstructure:"participant_page"`
}

type MediaConfig struct {
	Dir string `mapstructure:"dir"`
}

func parseDatabaseURL(dbURL string) (DatabaseConfig, error) {
	u, err := url.Parse(dbURL)
	if err != nil {
		return DatabaseConfig{}, err
	}

	switch u.Scheme {
	case "sqlite", "sqlite3", "file":
		path := u.Opaque
		if path == "" {
			path = u.Host + u.Path
		}
		return DatabaseConfig{Driver: "sqlite", Path: path}, nil
	case "postgres", "postgresql":
	default:
		return DatabaseConfig{}, fmt.Errorf("unsupported database scheme %q", u.Scheme)
	}

	password, _ := u.User.Password()
	port := 5432 // default PostgreSQL port
	if u.Port() != "" {
		if port, err = strconv.Atoi(u.Port()); err != nil {
			return DatabaseConfig{}, fmt.Errorf("invalid port %q", u.Port())
		}
	}

	sslMode := u.Query().Get("sslmode")
	if sslMode == "" {
		sslMode = "disable"
	}

	return DatabaseConfig{
		Driver:   "postgres",
		URL:      dbURL,
		Host:     u.Hostname(),
		Port:     port,
		User:     u.User.Username(),
		Password: password,
		// Remove leading slash from path to get database name
		DBName:  strings.TrimPrefix(u.Path, "/"),
		SSLMode: sslMode,
	}, nil
}

func parseIDs(list string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func parseList(list string) []string {
	var out []string
	for _, part := range strings.Split(list, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// loadDotEnv exports the variables of an env file. A missing file is fine.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("telegram.api_id", 0)
	v.SetDefault("telegram.api_hash", "")
	v.SetDefault("telegram.phone", "")
	v.SetDefault("telegram.password", "")
	v.SetDefault("telegram.session_path", "session/user.json")
	v.SetDefault("telegram.monitored_chats", []int64{-1001864529853})
	v.SetDefault("telegram.ignored_user_ids", []int64{8045161528, 7347675444, -1001705454724})
	v.SetDefault("bot.token", "")
	v.SetDefault("bot.operator_chat_id", 0)
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "antispam")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.path", "antispam.db")
	v.SetDefault("database.use_in_memory", false)
	v.SetDefault("openai.api_key", "")
	v.SetDefault("openai.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("openai.models", []string{
		"mistralai/mistral-small-3.2-24b-instruct:free",
		"google/gemini-2.5-flash-lite-preview-06-17",
	})
	v.SetDefault("openai.max_tokens", 1024)
	v.SetDefault("openai.temperature", 0.01)
	v.SetDefault("moderation.recheck_threshold", 3)
	v.SetDefault("moderation.language", "ru")
	v.SetDefault("moderation.sensitivity", string(models.SensitivityLow))
	v.SetDefault("moderation.channel_description", "A geek culture channel")
	v.SetDefault("aggregator.context_depth", 3)
	v.SetDefault("aggregator.max_posts", 2)
	v.SetDefault("aggregator.post_scan_limit", 20)
	v.SetDefault("aggregator.recent_messages", 5)
	v.SetDefault("aggregator.participant_page", 200)
	v.SetDefault("media.dir", "media")
}

// LoadConfig reads defaults, then the YAML file at path if it exists, then
// the environment. A .env file in the working directory is loaded first.
func LoadConfig(path string) (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	// Enable environment variable support
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := applyEnv(v, &config); err != nil {
		return nil, err
	}
	return &config, nil
}

// applyEnv maps the flat variable names used by deployments.
func applyEnv(v *viper.Viper, config *Config) error {
	if dbURL := v.GetString("DATABASE_URL"); dbURL != "" {
		dbConfig, err := parseDatabaseURL(dbURL)
		if err != nil {
			return fmt.Errorf("failed to parse DATABASE_URL: %w", err)
		}
		dbConfig.UseInMemory = config.Database.UseInMemory
		config.Database = dbConfig
	}

	if id := v.GetString("FORWARD_TO_USER_ID"); id != "" {
		chatID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid FORWARD_TO_USER_ID: %w", err)
		}
		config.Bot.OperatorChatID = chatID
	}

	if id := v.GetString("ALLOWED_CHAT_ID"); id != "" {
		chatID, err := strconv.ParseInt(id, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid ALLOWED_CHAT_ID: %w", err)
		}
		if chatID != 0 && !containsID(config.Telegram.MonitoredChats, chatID) {
			config.Telegram.MonitoredChats = append(config.Telegram.MonitoredChats, chatID)
		}
	}

	if ids := v.GetString("IGNORED_USER_IDS"); ids != "" {
		parsed, err := parseIDs(ids)
		if err != nil {
			return fmt.Errorf("invalid IGNORED_USER_IDS: %w", err)
		}
		config.Telegram.IgnoredUserIDs = parsed
	}

	if threshold := v.GetString("RECHECK_THRESHOLD"); threshold != "" {
		n, err := strconv.Atoi(threshold)
		if err != nil {
			return fmt.Errorf("invalid RECHECK_THRESHOLD: %w", err)
		}
		config.Moderation.RecheckThreshold = n
	}

	if list := v.GetString("LLM_MODELS"); list != "" {
		config.OpenAI.Models = parseList(list)
	}

	if token := v.GetString("BOT_TOKEN"); token != "" {
		config.Bot.Token = token
	}

	if apiKey := v.GetString("OPENAI_API_KEY"); apiKey != "" {
		config.OpenAI.APIKey = apiKey
	}
	return nil
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Moderation.RecheckThreshold < 1 {
		return fmt.Errorf("recheck threshold must be at least 1, got %d", c.Moderation.RecheckThreshold)
	}
	if len(c.OpenAI.Models) == 0 {
		return errors.New("at least one oracle model is required")
	}
	if !models.Sensitivity(c.Moderation.Sensitivity).Valid() {
		return fmt.Errorf("unknown sensitivity %q", c.Moderation.Sensitivity)
	}
	if c.Database.UseInMemory {
		return nil
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	return nil
}
