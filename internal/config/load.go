package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

func defaultConfig() *Config {
	return &Config{
		Env:           "development",
		StatusMessage: "chatting with a language model",
		MaxText:       100_000,
		MaxImages:     5,
		MaxMessages:   25,
		AllowDMs:      true,
		DBPath:        "data/message_history.db",
		HTTPAddr:      ":8081",
	}
}

func Load() (*Config, error) {
	cfg := defaultConfig()

	cfgPath := strings.TrimSpace(os.Getenv("CHATRELAY_CONFIG_PATH"))
	if cfgPath == "" {
		if wd, err := os.Getwd(); err == nil {
			p := filepath.Join(wd, "config", "config.yaml")
			if _, err := os.Stat(p); err == nil {
				cfgPath = p
			}
		}
	}

	if cfgPath != "" {
		b, err := os.ReadFile(cfgPath)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", cfgPath, err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LOG_MODE")); v != "" {
		cfg.Env = v
	}
	if v := strings.TrimSpace(os.Getenv("DISCORD_BOT_TOKEN")); v != "" {
		cfg.BotToken = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATRELAY_HTTP_ADDR")); v != "" {
		cfg.HTTPAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("CHATRELAY_DB_PATH")); v != "" {
		cfg.DBPath = v
	}

	if cfg.Env == "" {
		cfg.Env = "development"
	}
	if cfg.MaxText <= 0 {
		cfg.MaxText = 100_000
	}
	if cfg.MaxImages < 0 {
		cfg.MaxImages = 0
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = 25
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = "data/message_history.db"
	}

	if strings.TrimSpace(cfg.BotToken) == "" {
		return nil, errors.New("bot_token is required (config file or DISCORD_BOT_TOKEN)")
	}
	provider, model, err := cfg.SplitModel()
	if err != nil {
		return nil, err
	}
	if _, ok := cfg.Providers[provider]; !ok {
		return nil, fmt.Errorf("model %q references provider %q with no providers entry", model, provider)
	}
	if strings.TrimSpace(cfg.Providers[provider].BaseURL) == "" {
		return nil, fmt.Errorf("provider %q missing base_url", provider)
	}

	return cfg, nil
}

// SplitModel splits the configured "provider/model" id.
func (c *Config) SplitModel() (provider string, model string, err error) {
	parts := strings.SplitN(strings.TrimSpace(c.Model), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("model must be \"provider/model\", got %q", c.Model)
	}
	return parts[0], parts[1], nil
}

// MaxMessageLength is the outgoing chunk bound for the configured response
// mode: plain messages use the plain limit, embeds reserve room for the
// streaming indicator.
func (c *Config) MaxMessageLength() int {
	if c.UsePlainResponses {
		return PlainMaxMessageLength
	}
	return EmbedMaxMessageLength - len([]rune(StreamingIndicator))
}
