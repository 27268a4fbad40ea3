package binance

import (
	"strings"
	"time"
)

type Config struct {
	APIKey      string
	APISecret   string
	RESTBaseURL string
	HTTPTimeout time.Duration
}

const defaultBaseURL = "https://fapi.binance.com"

func (c Config) withDefaults() Config {
	out := c
	if strings.TrimSpace(out.RESTBaseURL) == "" {
		out.RESTBaseURL = defaultBaseURL
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 10 * time.Second
	}
	return out
}
