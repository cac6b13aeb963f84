// Package marketdata fronts the venue client with per-worker caches so warm
// invocations avoid refetching the world every tick. Caches are local to the
// process; workers on other hosts keep their own, freshness bounded by TTL.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"perpbot-go/internal/exchange"
	"perpbot-go/internal/model"
	"perpbot-go/internal/util"
)

const (
	tickerTTL    = 30 * time.Second
	orderBookTTL = 5 * time.Second

	// Stale cache entries may stand in for a failed refresh up to this
	// multiple of the TTL; beyond that the symbol is unavailable.
	staleGraceFactor = 3
)

// ErrUnavailable marks a symbol as unscannable for the current tick after
// the retry budget is exhausted.
type ErrUnavailable struct {
	Symbol string
	Err    error
}

func (e *ErrUnavailable) Error() string {
	return fmt.Sprintf("market data unavailable for %s: %v", e.Symbol, e.Err)
}

func (e *ErrUnavailable) Unwrap() error { return e.Err }

// IsUnavailable reports whether err marks a symbol as unscanned.
func IsUnavailable(err error) bool {
	var u *ErrUnavailable
	return errors.As(err, &u)
}

// CandleLimit returns how many candles the gateway caches per interval.
func CandleLimit(interval model.Interval) int {
	if interval == model.Interval1m {
		return 60
	}
	return 50
}

type tickerCache struct {
	tickers   map[string]model.Ticker
	fetchedAt time.Time
}

type candleCache struct {
	candles   []model.Candle
	fetchedAt time.Time
}

type bookCache struct {
	book      model.OrderBook
	fetchedAt time.Time
}

// Gateway caches tickers, candle series, and order books in front of the
// venue client. Transient failures are retried with jittered backoff inside
// the gateway; logic layers never retry.
type Gateway struct {
	client exchange.Client
	retry  util.Retry
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	tickers tickerCache
	candles map[string]*candleCache // keyed by symbol|interval
	books   map[string]*bookCache
}

// NewGateway wraps client with the three caches.
func NewGateway(client exchange.Client, log zerolog.Logger) *Gateway {
	return &Gateway{
		client:  client,
		retry:   util.GatewayRetry(),
		log:     log,
		now:     time.Now,
		candles: make(map[string]*candleCache),
		books:   make(map[string]*bookCache),
	}
}

// WithClock overrides the gateway clock. Test helper.
func (g *Gateway) WithClock(now func() time.Time) *Gateway {
	g.now = now
	return g
}

// Tickers returns the full 24h snapshot, cached for 30s across invocations.
func (g *Gateway) Tickers(ctx context.Context) (map[string]model.Ticker, error) {
	g.mu.Lock()
	cached := g.tickers
	g.mu.Unlock()

	age := g.now().Sub(cached.fetchedAt)
	if cached.tickers != nil && age < tickerTTL {
		return cached.tickers, nil
	}

	var fresh map[string]model.Ticker
	err := g.retry.Do(ctx, exchange.IsTemporary, func(ctx context.Context) error {
		var err error
		fresh, err = g.client.FetchTickers(ctx)
		return err
	})
	if err != nil {
		if cached.tickers != nil && age < tickerTTL*staleGraceFactor {
			g.log.Warn().Err(err).Dur("age", age).Msg("ticker refresh failed, serving stale cache")
			return cached.tickers, nil
		}
		return nil, &ErrUnavailable{Symbol: "*", Err: err}
	}

	g.mu.Lock()
	g.tickers = tickerCache{tickers: fresh, fetchedAt: g.now()}
	g.mu.Unlock()
	return fresh, nil
}

// Ticker returns one symbol's snapshot from the batch cache.
func (g *Gateway) Ticker(ctx context.Context, symbol string) (model.Ticker, error) {
	tickers, err := g.Tickers(ctx)
	if err != nil {
		return model.Ticker{}, err
	}
	t, ok := tickers[symbol]
	if !ok {
		return model.Ticker{}, &ErrUnavailable{Symbol: symbol, Err: fmt.Errorf("symbol not in ticker universe")}
	}
	return t, nil
}

// ApplyMark injects a streamed mark price into the ticker cache, keeping it
// warm between REST refreshes. Maps already handed out by Tickers are never
// written again: the update is published on a copy swapped in under the lock,
// so workers may iterate their snapshot while the stream goroutine writes.
func (g *Gateway) ApplyMark(symbol string, price float64, ts time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cached := g.tickers.tickers
	if cached == nil {
		return
	}
	t, ok := cached[symbol]
	if !ok || ts.Before(t.Timestamp) {
		return
	}
	t.LastPrice = price
	t.Timestamp = ts
	next := make(map[string]model.Ticker, len(cached))
	for k, v := range cached {
		next[k] = v
	}
	next[symbol] = t
	g.tickers.tickers = next
}

// Candles returns the last CandleLimit(interval) candles for symbol, oldest
// first. On a warm cache only candles newer than the cached head are
// fetched and merged.
func (g *Gateway) Candles(ctx context.Context, symbol string, interval model.Interval) ([]model.Candle, error) {
	limit := CandleLimit(interval)
	key := symbol + "|" + string(interval)

	g.mu.Lock()
	cached := g.candles[key]
	g.mu.Unlock()

	fetchLimit := limit
	if cached != nil && len(cached.candles) > 0 {
		head := cached.candles[len(cached.candles)-1].OpenTime
		gap := int(g.now().Sub(head)/interval.Duration()) + 1
		if gap < fetchLimit {
			fetchLimit = gap
		}
	}
	if fetchLimit < 2 {
		fetchLimit = 2 // re-read the forming candle plus the last closed one
	}

	var fresh []model.Candle
	err := g.retry.Do(ctx, exchange.IsTemporary, func(ctx context.Context) error {
		var err error
		fresh, err = g.client.FetchCandles(ctx, symbol, interval, fetchLimit)
		return err
	})
	if err != nil {
		if cached != nil {
			age := g.now().Sub(cached.fetchedAt)
			if age < interval.Duration()*staleGraceFactor {
				return cached.candles, nil
			}
		}
		return nil, &ErrUnavailable{Symbol: symbol, Err: err}
	}

	merged := mergeCandles(cachedCandles(cached), fresh, limit)

	g.mu.Lock()
	g.candles[key] = &candleCache{candles: merged, fetchedAt: g.now()}
	g.mu.Unlock()
	return merged, nil
}

// OrderBook returns up to depth levels, cached for 5s.
func (g *Gateway) OrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	if depth > 20 {
		depth = 20
	}
	g.mu.Lock()
	cached := g.books[symbol]
	g.mu.Unlock()

	if cached != nil && g.now().Sub(cached.fetchedAt) < orderBookTTL {
		return cached.book, nil
	}

	var book model.OrderBook
	err := g.retry.Do(ctx, exchange.IsTemporary, func(ctx context.Context) error {
		var err error
		book, err = g.client.FetchOrderBook(ctx, symbol, depth)
		return err
	})
	if err != nil {
		if cached != nil && g.now().Sub(cached.fetchedAt) < orderBookTTL*staleGraceFactor {
			return cached.book, nil
		}
		return model.OrderBook{}, &ErrUnavailable{Symbol: symbol, Err: err}
	}

	g.mu.Lock()
	g.books[symbol] = &bookCache{book: book, fetchedAt: g.now()}
	g.mu.Unlock()
	return book, nil
}

func cachedCandles(c *candleCache) []model.Candle {
	if c == nil {
		return nil
	}
	return c.candles
}

// mergeCandles appends fresh onto cached, deduplicating on OpenTime (fresh
// wins: the forming candle is re-read every tick) and trimming to limit.
func mergeCandles(cached, fresh []model.Candle, limit int) []model.Candle {
	if len(cached) == 0 {
		if len(fresh) > limit {
			fresh = fresh[len(fresh)-limit:]
		}
		return fresh
	}
	out := make([]model.Candle, 0, len(cached)+len(fresh))
	if len(fresh) > 0 {
		oldest := fresh[0].OpenTime
		for _, c := range cached {
			if c.OpenTime.Before(oldest) {
				out = append(out, c)
			}
		}
	} else {
		out = append(out, cached...)
	}
	out = append(out, fresh...)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
