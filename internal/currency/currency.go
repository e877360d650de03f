// Package currency implements the CurrencyService contract of §6:
// rate(from, to, date?) with a 24h cache and a static fallback table.
package currency

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Service converts between currencies.
type Service interface {
	// Rate returns the multiplier to convert one unit of from into to,
	// as of date (UTC midnight granularity is sufficient).
	Rate(ctx context.Context, from, to string, date time.Time) (float64, error)
}

type cacheEntry struct {
	rate      float64
	expiresAt time.Time
}

// staticFallback holds a small table of approximate rates used when no
// live source is configured or the live source errors; IDR is the home
// currency of this engine's default deployment.
var staticFallback = map[string]float64{
	"USD->IDR": 15600,
	"IDR->USD": 1.0 / 15600,
	"EUR->IDR": 16900,
	"IDR->EUR": 1.0 / 16900,
	"SGD->IDR": 11600,
	"IDR->SGD": 1.0 / 11600,
}

// FallbackService is the default Service: a process-wide, read-mostly
// 24h cache in front of the static table. Any future live-rate provider
// wraps this one and calls it on error, so the static table always
// exists as a safety net (§6: "failures fall back to a static table").
type FallbackService struct {
	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewFallback creates a FallbackService.
func NewFallback() *FallbackService {
	return &FallbackService{cache: make(map[string]cacheEntry)}
}

// Rate implements Service.
func (s *FallbackService) Rate(_ context.Context, from, to string, _ time.Time) (float64, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return 1.0, nil
	}
	key := from + "->" + to

	s.mu.RLock()
	entry, ok := s.cache[key]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.rate, nil
	}

	rate, ok := staticFallback[key]
	if !ok {
		return 0, fmt.Errorf("currency: no rate for %s", key)
	}

	s.mu.Lock()
	s.cache[key] = cacheEntry{rate: rate, expiresAt: time.Now().Add(24 * time.Hour)}
	s.mu.Unlock()

	return rate, nil
}

var _ Service = (*FallbackService)(nil)
