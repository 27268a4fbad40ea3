package config

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

const redacted = "***"

// Dump renders the effective configuration as YAML with credentials masked,
// suitable for startup logging.
func Dump(cfg Config) (string, error) {
	masked := cfg
	if masked.Exchange.APIKey != "" {
		masked.Exchange.APIKey = redacted
	}
	if masked.Exchange.APISecret != "" {
		masked.Exchange.APISecret = redacted
	}
	if masked.Notify.Telegram.BotToken != "" {
		masked.Notify.Telegram.BotToken = redacted
	}
	raw, err := yaml.Marshal(masked)
	if err != nil {
		return "", fmt.Errorf("render config: %w", err)
	}
	return string(raw), nil
}
