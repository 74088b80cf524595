package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// envOverrides are applied on top of the file so secrets can stay out of it.
type envOverrides struct {
	WebhookSecret string `env:"COURIER_WEBHOOK_SECRET"`
	SenderAPIKey  string `env:"COURIER_SENDER_API_KEY"`
	TelegramToken string `env:"COURIER_TELEGRAM_TOKEN"`
	LogLevel      string `env:"COURIER_LOG_LEVEL"`
	StoragePath   string `env:"COURIER_STORAGE_PATH"`
	DebugToken    string `env:"COURIER_DEBUG_TOKEN"`
}

// ApplyEnv overlays the process environment onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	o.apply(cfg)
	return nil
}

// applyEnvFrom is ApplyEnv over an explicit environment.
func applyEnvFrom(cfg *Config, environ map[string]string) error {
	var o envOverrides
	if err := env.ParseWithOptions(&o, env.Options{Environment: environ}); err != nil {
		return fmt.Errorf("env overrides: %w", err)
	}
	o.apply(cfg)
	return nil
}

func (o envOverrides) apply(cfg *Config) {
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Webhook.Secret, o.WebhookSecret)
	set(&cfg.Sender.APIKey, o.SenderAPIKey)
	set(&cfg.Alert.Telegram.Token, o.TelegramToken)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.HTTP.DebugToken, o.DebugToken)
}
