package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

const (
	ModeStream = "stream"
	ModeJSON   = "json"
)

type Config struct {
	Port             int    `env:"PORT" envDefault:"8787"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string `env:"LOG_FORMAT" envDefault:"console"`
	ChatMode         string `env:"CHAT_MODE" envDefault:"stream"`
	AccountID        string `env:"CF_ACCOUNT_ID"`
	APIToken         string `env:"CF_API_TOKEN"`
	AIBaseURL        string `env:"CF_AI_BASE_URL" envDefault:"https://api.cloudflare.com/client/v4"`
	Model            string `env:"AI_MODEL" envDefault:"@cf/mistral/mistral-7b-instruct-v0.1"`
	SystemPrompt     string `env:"SYSTEM_PROMPT" envDefault:"You are a helpful assistant."`
	DefaultQuery     string `env:"DEFAULT_QUERY" envDefault:"Hello, how are you?"`
	AssetsDir        string `env:"ASSETS_DIR"`
	DatabaseURL      string `env:"DATABASE_URL"`
	NATSStoreDir     string `env:"NATS_STORE_DIR" envDefault:"./data/nats"`
	WriterBufferSize int    `env:"WRITER_BUFFER_SIZE" envDefault:"10000"`
	WriterBatchSize  int    `env:"WRITER_BATCH_SIZE" envDefault:"100"`
	WriterFlushMs    int    `env:"WRITER_FLUSH_MS" envDefault:"100"`
}

func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.ChatMode {
	case ModeStream, ModeJSON:
	default:
		return fmt.Errorf("invalid CHAT_MODE %q: want %q or %q", c.ChatMode, ModeStream, ModeJSON)
	}
	if c.WriterBatchSize <= 0 || c.WriterFlushMs <= 0 {
		return fmt.Errorf("writer batch size and flush interval must be positive")
	}
	return nil
}

// AnalyticsEnabled reports whether stream analytics should be persisted.
func (c *Config) AnalyticsEnabled() bool {
	return c.DatabaseURL != ""
}
