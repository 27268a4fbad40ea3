// Package config loads the YAML configuration. Secrets may be written as
// ${ENV_VAR} references and resolve against the process environment at load
// time, which pairs with the .env bootstrap in main.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

func Load(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path cannot be empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	v := viper.New()
	v.SetConfigFile(abs)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config file failed (%s): %w", abs, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "toml"
		dc.WeaklyTypedInput = true
	}); err != nil {
		return nil, fmt.Errorf("parsing config failed: %w", err)
	}

	expandSecrets(&cfg)
	cfg.applyDefaults()
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expandSecrets resolves ${VAR} references in credential fields only;
// other fields stay literal.
func expandSecrets(cfg *Config) {
	cfg.Exchange.APIKey = os.ExpandEnv(cfg.Exchange.APIKey)
	cfg.Exchange.APISecret = os.ExpandEnv(cfg.Exchange.APISecret)
	cfg.Notify.Telegram.BotToken = os.ExpandEnv(cfg.Notify.Telegram.BotToken)
	cfg.Notify.Telegram.ChatID = os.ExpandEnv(cfg.Notify.Telegram.ChatID)
}
