package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"
)

var ErrRateUnavailable = errors.New("fx: rate unavailable")

// Source returns how many units of `to` one unit of `from` buys at asOf.
type Source interface {
	Rate(ctx context.Context, from, to string, asOf time.Time) (decimal.Decimal, error)
}

// StaticSource quotes every currency against a single base currency.
type StaticSource struct {
	base  string
	rates map[string]decimal.Decimal // base units per one unit of key
}

// NewStaticSource parses a table such as {"EUR": "1.08"} meaning one EUR buys
// 1.08 units of base.
func NewStaticSource(base string, table map[string]string) (*StaticSource, error) {
	rates := make(map[string]decimal.Decimal, len(table))
	for code, raw := range table {
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("parse rate for %s: %w", code, err)
		}
		if !rate.IsPositive() {
			return nil, fmt.Errorf("rate for %s must be positive", code)
		}
		rates[strings.ToUpper(code)] = rate
	}
	return &StaticSource{base: strings.ToUpper(base), rates: rates}, nil
}

func (s *StaticSource) Rate(_ context.Context, from, to string, _ time.Time) (decimal.Decimal, error) {
	fromBase, err := s.toBase(from)
	if err != nil {
		return decimal.Zero, err
	}
	toBase, err := s.toBase(to)
	if err != nil {
		return decimal.Zero, err
	}
	return fromBase.Div(toBase), nil
}

func (s *StaticSource) toBase(code string) (decimal.Decimal, error) {
	code = strings.ToUpper(code)
	if code == s.base {
		return decimal.NewFromInt(1), nil
	}
	rate, ok := s.rates[code]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no rate for %s", ErrRateUnavailable, code)
	}
	return rate, nil
}

type cachedRate struct {
	rate      decimal.Decimal
	fetchedAt time.Time
}

// CachedSource keeps rates for ttl and collapses concurrent misses for the
// same pair into one upstream call.
type CachedSource struct {
	upstream Source
	ttl      time.Duration
	now      func() time.Time

	group singleflight.Group
	mu    sync.RWMutex
	cache map[string]cachedRate
}

func NewCachedSource(upstream Source, ttl time.Duration) *CachedSource {
	return &CachedSource{
		upstream: upstream,
		ttl:      ttl,
		now:      time.Now,
		cache:    make(map[string]cachedRate),
	}
}

func (c *CachedSource) Rate(ctx context.Context, from, to string, asOf time.Time) (decimal.Decimal, error) {
	key := strings.ToUpper(from) + ":" + strings.ToUpper(to)

	c.mu.RLock()
	entry, ok := c.cache[key]
	c.mu.RUnlock()
	if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
		return entry.rate, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		rate, err := c.upstream.Rate(ctx, from, to, asOf)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.cache[key] = cachedRate{rate: rate, fetchedAt: c.now()}
		c.mu.Unlock()
		return rate, nil
	})
	if err != nil {
		if ok {
			log.Warn().Err(err).Str("pair", key).Msg("fx refresh failed, serving stale rate")
			return entry.rate, nil
		}
		return decimal.Zero, fmt.Errorf("fetch rate %s: %w", key, err)
	}
	if shared {
		log.Debug().Str("pair", key).Msg("fx lookup shared with concurrent caller")
	}
	return v.(decimal.Decimal), nil
}
