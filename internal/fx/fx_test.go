package fx

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestStaticSource(t *testing.T) {
	src, err := NewStaticSource("USD", map[string]string{"EUR": "1.25", "gbp": " 1.5 "})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	cases := []struct {
		from, to string
		want     string
	}{
		{"EUR", "USD", "1.25"},
		{"USD", "EUR", "0.8"},
		{"GBP", "EUR", "1.2"},
		{"USD", "usd", "1"},
	}
	for _, tc := range cases {
		got, err := src.Rate(ctx, tc.from, tc.to, time.Now())
		if err != nil {
			t.Fatalf("%s->%s: %v", tc.from, tc.to, err)
		}
		if !got.Equal(decimal.RequireFromString(tc.want)) {
			t.Errorf("%s->%s = %s, want %s", tc.from, tc.to, got, tc.want)
		}
	}

	if _, err := src.Rate(ctx, "CHF", "USD", time.Now()); !errors.Is(err, ErrRateUnavailable) {
		t.Fatalf("unknown currency err = %v", err)
	}
}

func TestStaticSourceRejectsBadRates(t *testing.T) {
	if _, err := NewStaticSource("USD", map[string]string{"EUR": "abc"}); err == nil {
		t.Fatal("expected parse error")
	}
	if _, err := NewStaticSource("USD", map[string]string{"EUR": "0"}); err == nil {
		t.Fatal("expected non-positive error")
	}
}

type countingSource struct {
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (s *countingSource) Rate(context.Context, string, string, time.Time) (decimal.Decimal, error) {
	s.calls.Add(1)
	if s.gate != nil {
		<-s.gate
	}
	if s.err != nil {
		return decimal.Zero, s.err
	}
	return decimal.RequireFromString("1.1"), nil
}

func TestCachedSourceCollapsesConcurrentMisses(t *testing.T) {
	up := &countingSource{gate: make(chan struct{})}
	c := NewCachedSource(up, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Rate(context.Background(), "EUR", "USD", time.Now()); err != nil {
				t.Error(err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(up.gate)
	wg.Wait()

	if n := up.calls.Load(); n != 1 {
		t.Fatalf("upstream calls = %d, want 1", n)
	}
}

func TestCachedSourceExpiresAndServesStale(t *testing.T) {
	up := &countingSource{}
	c := NewCachedSource(up, time.Minute)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	if _, err := c.Rate(ctx, "EUR", "USD", now); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Rate(ctx, "EUR", "USD", now); err != nil {
		t.Fatal(err)
	}
	if up.calls.Load() != 1 {
		t.Fatalf("calls = %d, want cached", up.calls.Load())
	}

	now = now.Add(2 * time.Minute)
	up.err = errors.New("upstream down")
	got, err := c.Rate(ctx, "EUR", "USD", now)
	if err != nil {
		t.Fatalf("stale rate should be served: %v", err)
	}
	if !got.Equal(decimal.RequireFromString("1.1")) {
		t.Fatalf("rate = %s", got)
	}

	if _, err := c.Rate(ctx, "GBP", "USD", now); err == nil {
		t.Fatal("expected error for uncached pair")
	}
}
