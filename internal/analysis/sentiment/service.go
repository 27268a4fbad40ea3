// Package sentiment supplies a normalized market-sentiment score. Providers
// are best-effort: any failure degrades to the neutral score and never
// blocks a trading cycle.
package sentiment

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"marlin/internal/logger"
)

// Score is a normalized sentiment reading. Value lies in [-100, 100]
// (negative = fearful/bearish), Confidence in [0, 1].
type Score struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source,omitempty"`
}

// Neutral is the degraded reading used on provider failure.
func Neutral() Score { return Score{} }

// Provider yields the current sentiment for an instrument.
type Provider interface {
	Score(ctx context.Context, symbol string) Score
}

const (
	fearGreedEndpoint     = "https://api.alternative.me/fng/?limit=1"
	fearGreedConfidence   = 0.6
	fearGreedErrorBackoff = 2 * time.Minute
	fearGreedMaxAge       = 12 * time.Hour
)

// FearGreedService maps the crypto Fear & Greed index onto Score. The index
// is market-wide, so the symbol argument is ignored. Readings are cached and
// refreshed lazily; errors back off before the next attempt.
type FearGreedService struct {
	endpoint string
	client   *http.Client

	mu        sync.RWMutex
	current   Score
	fetchedAt time.Time
	nextTry   time.Time
}

var _ Provider = (*FearGreedService)(nil)

func NewFearGreedService() *FearGreedService {
	return &FearGreedService{
		endpoint: fearGreedEndpoint,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *FearGreedService) Score(ctx context.Context, _ string) Score {
	now := time.Now()
	s.mu.RLock()
	current := s.current
	fetchedAt := s.fetchedAt
	nextTry := s.nextTry
	s.mu.RUnlock()

	fresh := !fetchedAt.IsZero() && now.Sub(fetchedAt) < fearGreedMaxAge
	if fresh {
		return current
	}
	if !nextTry.IsZero() && now.Before(nextTry) {
		return Neutral()
	}
	score, err := s.refresh(ctx)
	if err != nil {
		logger.Warnf("sentiment: fear&greed refresh failed: %v", err)
		s.mu.Lock()
		s.nextTry = now.Add(fearGreedErrorBackoff)
		s.mu.Unlock()
		return Neutral()
	}
	return score
}

func (s *FearGreedService) refresh(ctx context.Context) (Score, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return Score{}, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return Score{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Score{}, fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return Score{}, err
	}
	raw := gjson.GetBytes(body, "data.0.value")
	if !raw.Exists() {
		return Score{}, fmt.Errorf("api data empty")
	}
	index := raw.Float()
	if index < 0 || index > 100 {
		return Score{}, fmt.Errorf("index out of range: %v", index)
	}

	score := Score{
		// 0..100 index centered to [-100, 100].
		Value:      (index - 50) * 2,
		Confidence: fearGreedConfidence,
		Source:     "fear_greed",
	}
	now := time.Now()
	s.mu.Lock()
	s.current = score
	s.fetchedAt = now
	s.nextTry = time.Time{}
	s.mu.Unlock()
	return score, nil
}

// Static always returns the same score. Useful for tests and for running
// with sentiment disabled.
type Static struct{ S Score }

var _ Provider = Static{}

func (p Static) Score(context.Context, string) Score { return p.S }
