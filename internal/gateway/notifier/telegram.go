package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultAPIBase = "https://api.telegram.org"

// Telegram pushes operational alerts to a chat/channel. Delivery is
// best-effort: transient failures retry with a growing pause, client errors
// do not.
type Telegram struct {
	BotToken string
	ChatID   string
	// APIBase overrides the bot API host, used by tests.
	APIBase string
	Client  *http.Client

	attempts       int
	attemptTimeout time.Duration
	retryPause     time.Duration
}

func NewTelegram(botToken, chatID string) *Telegram {
	return &Telegram{
		BotToken:       botToken,
		ChatID:         chatID,
		APIBase:        defaultAPIBase,
		Client:         &http.Client{Timeout: 15 * time.Second},
		attempts:       3,
		attemptTimeout: 10 * time.Second,
		retryPause:     time.Second,
	}
}

// SendText posts a Markdown message, retrying transient failures up to 3
// times.
func (t *Telegram) SendText(text string) error {
	if t.BotToken == "" || t.ChatID == "" {
		return fmt.Errorf("telegram notifier not configured")
	}
	base := t.APIBase
	if base == "" {
		base = defaultAPIBase
	}
	url := fmt.Sprintf("%s/bot%s/sendMessage", base, t.BotToken)

	body, _ := json.Marshal(map[string]any{
		"chat_id":    t.ChatID,
		"text":       text,
		"parse_mode": "Markdown",
	})

	attempts := t.attempts
	if attempts <= 0 {
		attempts = 3
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		status, err := t.post(url, body)
		switch {
		case err != nil:
			lastErr = err
		case status/100 == 2:
			return nil
		case status == http.StatusTooManyRequests || status/100 == 5:
			lastErr = fmt.Errorf("telegram status=%d", status)
		default:
			// 4xx other than rate limiting will not resolve by retrying.
			return fmt.Errorf("telegram status=%d", status)
		}
		time.Sleep(time.Duration(i+1) * t.retryPause)
	}
	return lastErr
}

func (t *Telegram) post(url string, body []byte) (int, error) {
	timeout := t.attemptTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}
