package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the process configuration. It is read once from a YAML file and
// then overridden from the environment.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Generation GenerationConfig `yaml:"generation"`
	Safety     SafetyConfig     `yaml:"safety"`
	Platforms  PlatformsConfig  `yaml:"platforms"`
	Accounts   AccountsConfig   `yaml:"accounts"`
	Knowledge  KnowledgeConfig  `yaml:"knowledge"`
	Auth       AuthConfig       `yaml:"auth"`
}

type ServerConfig struct {
	Port           string   `yaml:"port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver     string `yaml:"driver"`
	URL        string `yaml:"url"`
	SQLitePath string `yaml:"sqlite_path"`
}

type ScheduleConfig struct {
	Enabled                bool          `yaml:"enabled"`
	Interval               time.Duration `yaml:"interval"`
	GracePeriod            time.Duration `yaml:"grace_period"`
	MaxCatchUpPosts        int           `yaml:"max_catch_up_posts"`
	CatchUpStagger         time.Duration `yaml:"catch_up_stagger"`
	MinPlatformPostSpacing time.Duration `yaml:"min_platform_post_spacing"`
}

type GenerationConfig struct {
	// Provider is "openai" or "gemini".
	Provider            string                `yaml:"provider"`
	Model               string                `yaml:"model"`
	APIURL              string                `yaml:"api_url"`
	APIKey              string                `yaml:"api_key"`
	Temperature         float64               `yaml:"temperature"`
	MaxTokens           int                   `yaml:"max_tokens"`
	DedupWindow         int                   `yaml:"dedup_window"`
	SeedCandidates      int                   `yaml:"seed_candidates"`
	ContextChunks       int                   `yaml:"context_chunks"`
	ExemplarSample      int                   `yaml:"exemplar_sample"`
	ShortenAttempts     int                   `yaml:"shorten_attempts"`
	MaxModelConcurrency int                   `yaml:"max_model_concurrency"`
	MaxRetries          int                   `yaml:"max_retries"`
	RetryBaseDelay      time.Duration         `yaml:"retry_base_delay"`
	RetryMaxDelay       time.Duration         `yaml:"retry_max_delay"`
	Pricing             map[string]ModelPrice `yaml:"pricing"`
}

// ModelPrice is USD per 1000 tokens.
type ModelPrice struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k"`
	CompletionPer1K float64 `yaml:"completion_per_1k"`
}

type SafetyConfig struct {
	DailyCostLimit    float64  `yaml:"daily_cost_limit"`
	ModerationEnabled bool     `yaml:"moderation_enabled"`
	ModerationModel   string   `yaml:"moderation_model"`
	ExtraBlockedWords []string `yaml:"extra_blocked_words"`
}

type PlatformsConfig struct {
	PostEnabled   bool   `yaml:"post_enabled"`
	TwitterAPIURL string `yaml:"twitter_api_url"`
	ThreadsAPIURL string `yaml:"threads_api_url"`
}

type AccountsConfig struct {
	Dir               string `yaml:"dir"`
	MaxPersonaLength  int    `yaml:"max_persona_length"`
	MaxExemplarLength int    `yaml:"max_exemplar_length"`
}

type KnowledgeConfig struct {
	// Backend is "pgvector" or "file".
	Backend string `yaml:"backend"`
	File    string `yaml:"file"`
}

type AuthConfig struct {
	JWTSecret            string        `yaml:"jwt_secret"`
	TokenTTL             time.Duration `yaml:"token_ttl"`
	OperatorUsername     string        `yaml:"operator_username"`
	OperatorPasswordHash string        `yaml:"operator_password_hash"`
	// OperatorAPIKeySHA256 is the hex SHA-256 of a static bearer key for CLI use.
	OperatorAPIKeySHA256 string `yaml:"operator_api_key_sha256"`
}

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Schedule.Enabled = true
	cfg.applyDefaults()
	return cfg
}

// Load reads the YAML file at path (a missing file is not an error), applies
// defaults and environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.Schedule.Enabled = true
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:3000"}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.SQLitePath == "" {
		c.Database.SQLitePath = "data/activity.db"
	}

	s := &c.Schedule
	if s.Interval == 0 {
		s.Interval = 6 * time.Hour
	}
	if s.GracePeriod == 0 {
		s.GracePeriod = time.Hour
	}
	if s.MaxCatchUpPosts == 0 {
		s.MaxCatchUpPosts = 3
	}
	if s.CatchUpStagger == 0 {
		s.CatchUpStagger = 30 * time.Second
	}
	if s.MinPlatformPostSpacing == 0 {
		s.MinPlatformPostSpacing = 60 * time.Second
	}

	g := &c.Generation
	if g.Provider == "" {
		g.Provider = "openai"
	}
	if g.Model == "" {
		g.Model = "gpt-4o-mini"
	}
	if g.Temperature == 0 {
		g.Temperature = 0.8
	}
	if g.MaxTokens == 0 {
		g.MaxTokens = 400
	}
	if g.DedupWindow == 0 {
		g.DedupWindow = 50
	}
	if g.SeedCandidates == 0 {
		g.SeedCandidates = 10
	}
	if g.ContextChunks == 0 {
		g.ContextChunks = 5
	}
	if g.ExemplarSample == 0 {
		g.ExemplarSample = 3
	}
	if g.ShortenAttempts == 0 {
		g.ShortenAttempts = 2
	}
	if g.MaxModelConcurrency == 0 {
		g.MaxModelConcurrency = 4
	}
	if g.MaxRetries == 0 {
		g.MaxRetries = 3
	}
	if g.RetryBaseDelay == 0 {
		g.RetryBaseDelay = 500 * time.Millisecond
	}
	if g.RetryMaxDelay == 0 {
		g.RetryMaxDelay = 10 * time.Second
	}
	if g.Pricing == nil {
		g.Pricing = map[string]ModelPrice{
			"gpt-4o-mini":      {PromptPer1K: 0.00015, CompletionPer1K: 0.0006},
			"gpt-4o":           {PromptPer1K: 0.0025, CompletionPer1K: 0.01},
			"gemini-2.5-flash": {PromptPer1K: 0.0003, CompletionPer1K: 0.0025},
		}
	}

	if c.Safety.DailyCostLimit == 0 {
		c.Safety.DailyCostLimit = 10.0
	}
	if c.Safety.ModerationModel == "" {
		c.Safety.ModerationModel = "omni-moderation-latest"
	}

	if c.Accounts.Dir == "" {
		c.Accounts.Dir = "accounts"
	}
	if c.Accounts.MaxPersonaLength == 0 {
		c.Accounts.MaxPersonaLength = 5000
	}
	if c.Accounts.MaxExemplarLength == 0 {
		c.Accounts.MaxExemplarLength = 300
	}
	if c.Knowledge.Backend == "" {
		c.Knowledge.Backend = "file"
		if c.Database.Driver == "postgres" {
			c.Knowledge.Backend = "pgvector"
		}
	}
	if c.Knowledge.File == "" {
		c.Knowledge.File = "data/knowledge.json"
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 24 * time.Hour
	}
	if c.Auth.OperatorUsername == "" {
		c.Auth.OperatorUsername = "operator"
	}
}

func (c *Config) applyEnv() {
	c.Server.Port = GetEnv("PORT", c.Server.Port)
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		c.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	c.Database.Driver = GetEnv("DATABASE_DRIVER", c.Database.Driver)
	c.Database.URL = GetEnv("DATABASE_URL", c.Database.URL)
	c.Database.SQLitePath = GetEnv("SQLITE_PATH", c.Database.SQLitePath)

	switch c.Generation.Provider {
	case "gemini":
		c.Generation.APIKey = GetEnv("GEMINI_API_KEY", c.Generation.APIKey)
	default:
		c.Generation.APIKey = GetEnv("OPENAI_API_KEY", c.Generation.APIKey)
	}

	c.Platforms.PostEnabled = GetEnvBool("POST_ENABLED", c.Platforms.PostEnabled)
	c.Accounts.Dir = GetEnv("ACCOUNTS_DIR", c.Accounts.Dir)

	c.Auth.JWTSecret = GetEnv("JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.OperatorUsername = GetEnv("OPERATOR_USERNAME", c.Auth.OperatorUsername)
	c.Auth.OperatorPasswordHash = GetEnv("OPERATOR_PASSWORD_HASH", c.Auth.OperatorPasswordHash)
	c.Auth.OperatorAPIKeySHA256 = GetEnv("OPERATOR_API_KEY_SHA256", c.Auth.OperatorAPIKeySHA256)
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	s := c.Schedule
	switch {
	case s.Interval <= 0:
		return errors.New("config: schedule.interval must be positive")
	case s.GracePeriod < 0:
		return errors.New("config: schedule.grace_period must not be negative")
	case s.MaxCatchUpPosts < 0:
		return errors.New("config: schedule.max_catch_up_posts must not be negative")
	case s.CatchUpStagger < 0:
		return errors.New("config: schedule.catch_up_stagger must not be negative")
	case s.MinPlatformPostSpacing < 0:
		return errors.New("config: schedule.min_platform_post_spacing must not be negative")
	}
	g := c.Generation
	if g.DedupWindow < 0 || g.ContextChunks <= 0 || g.ShortenAttempts < 0 || g.MaxModelConcurrency <= 0 {
		return errors.New("config: generation limits must be positive")
	}
	switch g.Provider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("config: unknown generation provider %q", g.Provider)
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	switch c.Knowledge.Backend {
	case "pgvector", "file":
	default:
		return fmt.Errorf("config: unknown knowledge backend %q", c.Knowledge.Backend)
	}
	if c.Knowledge.Backend == "pgvector" && c.Database.Driver != "postgres" {
		return errors.New("config: knowledge backend pgvector requires the postgres database driver")
	}
	if c.Safety.DailyCostLimit < 0 {
		return errors.New("config: safety.daily_cost_limit must not be negative")
	}
	return nil
}
