package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `json:"basic_config"`
	Databases   map[string]DatabaseConfig `json:"databases"`
	Redis       RedisConfig               `json:"redis"`
	Providers   map[string]ProviderConfig `json:"providers"`
	Chat        ChatConfig                `json:"chat"`
	Embedding   EmbeddingConfig           `json:"embedding"`
	HitPay      HitPayConfig              `json:"hitpay"`
	Paddle      PaddleConfig              `json:"paddle"`
}

type BasicConfig struct {
	ServerAddress      string `json:"server_address"`
	PublicURL          string `json:"public_url"`
	MinWorkers         int    `json:"min_workers"`
	MaxWorkers         int    `json:"max_workers"`
	QueueSize          int    `json:"queue_size"`
	WorkerIdleTimeout  int    `json:"worker_idle_timeout"`   // minutes
	TokenTTLHours      int    `json:"token_ttl_hours"`
	TokenCleanInterval int    `json:"token_clean_interval"` // minutes
}

type DatabaseConfig struct {
	DSN      string `json:"dsn"`
	Username string `json:"username"`
	Password string `json:"password"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	DBName   string `json:"db_name"`
	Params   string `json:"params"`
}

type RedisConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
	DB       int    `json:"db"`

	// KeyPrefix namespaces every key so several deployments can share one server.
	KeyPrefix string `json:"key_prefix"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

type ProviderConfig struct {
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	MaxTokens int    `json:"max_tokens"`
}

// ChatConfig selects the completion provider and per-turn limits.
type ChatConfig struct {
	Provider             string `json:"provider"`
	Model                string `json:"model"`
	TitleProvider        string `json:"title_provider"`
	TitleModel           string `json:"title_model"`
	StreamTimeoutSeconds int    `json:"stream_timeout_seconds"`
	CreditsPerTurn       int64  `json:"credits_per_turn"`
}

type EmbeddingConfig struct {
	BaseURL    string `json:"base_url"`
	Model      string `json:"model"`
	APIKey     string `json:"api_key"`
	Dimensions int    `json:"dimensions"`
}

type HitPayConfig struct {
	APIKey     string `json:"api_key"`
	Salt       string `json:"salt"`
	Production bool   `json:"production"`
}

type PaddleConfig struct {
	WebhookSecret string `json:"webhook_secret"`
}

const (
	DefaultServerAddress  = ":8090"
	DefaultEmbeddingModel = "text-embedding-ada-002"
	DefaultEmbeddingDims  = 1536
	DefaultStreamTimeout  = 60
)

// Load reads configuration from the provided path (defaults to config.json).
// A .env file next to the working directory is loaded first so secrets can
// stay out of the JSON file.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = "config.json"
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("open config %s: %w", absPath, err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	cfg.applyEnv()
	cfg.applyDefaults()

	// relative sqlite paths are resolved next to the config file
	if sqliteCfg, ok := cfg.Databases["sqlite3"]; ok {
		dsn := sqliteCfg.DSN
		if dsn != "" && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") && !filepath.IsAbs(dsn) {
			sqliteCfg.DSN = filepath.Join(filepath.Dir(absPath), dsn)
			cfg.Databases["sqlite3"] = sqliteCfg
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings the server cannot start without.
func (c *Config) Validate() error {
	if len(c.Databases) == 0 {
		return fmt.Errorf("at least one database must be configured")
	}
	if c.Chat.Provider == "" {
		return fmt.Errorf("chat.provider must be configured")
	}
	if _, ok := c.Providers[c.Chat.Provider]; !ok {
		return fmt.Errorf("chat provider %s has no providers entry", c.Chat.Provider)
	}
	if _, ok := c.Providers[c.Chat.TitleProvider]; !ok {
		return fmt.Errorf("title provider %s has no providers entry", c.Chat.TitleProvider)
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.BasicConfig.ServerAddress == "" {
		c.BasicConfig.ServerAddress = DefaultServerAddress
	}
	if c.BasicConfig.MinWorkers <= 0 {
		c.BasicConfig.MinWorkers = 2
	}
	if c.BasicConfig.MaxWorkers < c.BasicConfig.MinWorkers {
		c.BasicConfig.MaxWorkers = c.BasicConfig.MinWorkers * 4
	}
	if c.BasicConfig.QueueSize <= 0 {
		c.BasicConfig.QueueSize = 128
	}
	if c.BasicConfig.TokenTTLHours <= 0 {
		c.BasicConfig.TokenTTLHours = 24
	}
	if c.Chat.TitleProvider == "" {
		c.Chat.TitleProvider = c.Chat.Provider
	}
	if c.Chat.StreamTimeoutSeconds <= 0 {
		c.Chat.StreamTimeoutSeconds = DefaultStreamTimeout
	}
	if c.Chat.CreditsPerTurn <= 0 {
		c.Chat.CreditsPerTurn = 1
	}
	if c.Embedding.Model == "" {
		c.Embedding.Model = DefaultEmbeddingModel
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = DefaultEmbeddingDims
	}
}

// applyEnv lets deployment secrets override whatever the JSON file carries.
func (c *Config) applyEnv() {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Embedding.APIKey = v
		if p, ok := c.Providers["openai"]; ok && p.APIKey == "" {
			p.APIKey = v
			c.Providers["openai"] = p
		}
	}
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" {
		if p, ok := c.Providers["claude"]; ok && p.APIKey == "" {
			p.APIKey = v
			c.Providers["claude"] = p
		}
	}
	if v := os.Getenv("HITPAY_API_KEY"); v != "" {
		c.HitPay.APIKey = v
	}
	if v := os.Getenv("HITPAY_WEBHOOK_SALT"); v != "" {
		c.HitPay.Salt = v
	}
	if v := os.Getenv("HITPAY_ENV"); v != "" {
		c.HitPay.Production = strings.EqualFold(v, "production")
	}
	if v := os.Getenv("PADDLE_NOTIFICATION_WEBHOOK_SECRET"); v != "" {
		c.Paddle.WebhookSecret = v
	}
	if v := os.Getenv("COACHCHAT_PUBLIC_URL"); v != "" {
		c.BasicConfig.PublicURL = v
	}
	if v := os.Getenv("COACHCHAT_REDIS_ADDR"); v != "" {
		host, port, ok := strings.Cut(v, ":")
		c.Redis.Host = host
		if ok {
			if p, err := strconv.Atoi(port); err == nil {
				c.Redis.Port = p
			}
		}
	}
}
