package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"perpbot-go/internal/model"
)

// Paper is the non-live venue client. Market data calls pass through to the
// real venue (public endpoints), while orders are filled locally at the last
// seen price plus configured slippage and logged instead of submitted.
type Paper struct {
	reads       Client
	slippageBps float64
	log         zerolog.Logger

	mu        sync.Mutex
	marks     map[string]float64
	positions map[string]model.VenuePosition
}

// NewPaper wraps reads (typically the REST client without credentials) with
// simulated execution.
func NewPaper(reads Client, slippageBps float64, log zerolog.Logger) *Paper {
	return &Paper{
		reads:       reads,
		slippageBps: slippageBps,
		log:         log,
		marks:       make(map[string]float64),
		positions:   make(map[string]model.VenuePosition),
	}
}

func (p *Paper) FetchTickers(ctx context.Context) (map[string]model.Ticker, error) {
	tickers, err := p.reads.FetchTickers(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	for sym, t := range tickers {
		p.marks[sym] = t.LastPrice
	}
	p.mu.Unlock()
	return tickers, nil
}

func (p *Paper) FetchCandles(ctx context.Context, symbol string, interval model.Interval, limit int) ([]model.Candle, error) {
	return p.reads.FetchCandles(ctx, symbol, interval, limit)
}

func (p *Paper) FetchOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	return p.reads.FetchOrderBook(ctx, symbol, depth)
}

func (p *Paper) FetchPositions(context.Context) (map[string]model.VenuePosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]model.VenuePosition, len(p.positions))
	for k, v := range p.positions {
		out[k] = v
	}
	return out, nil
}

// SetMark overrides the simulated fill price for a symbol. Test helper and
// stream hook.
func (p *Paper) SetMark(symbol string, price float64) {
	p.mu.Lock()
	p.marks[symbol] = price
	p.mu.Unlock()
}

func (p *Paper) PlaceMarketOrder(_ context.Context, symbol string, side model.Side, qty float64, leverage int) (OrderResult, error) {
	price, err := p.fillPrice(symbol, side)
	if err != nil {
		return OrderResult{}, err
	}

	dir := model.Long
	if side == model.Sell {
		dir = model.Short
	}
	p.mu.Lock()
	p.positions[symbol] = model.VenuePosition{
		Symbol: symbol, Direction: dir, Quantity: qty, EntryPrice: price, Leverage: leverage,
	}
	p.mu.Unlock()

	p.log.Info().Str("symbol", symbol).Str("side", string(side)).
		Float64("qty", qty).Int("leverage", leverage).Float64("fill_price", price).
		Msg("paper order filled")

	return OrderResult{
		OrderID:   "paper-" + uuid.NewString(),
		FilledQty: qty,
		AvgPrice:  price,
		Status:    "FILLED",
	}, nil
}

func (p *Paper) ClosePosition(_ context.Context, symbol string, side model.Side, qty float64) (OrderResult, error) {
	price, err := p.fillPrice(symbol, side)
	if err != nil {
		return OrderResult{}, err
	}

	p.mu.Lock()
	delete(p.positions, symbol)
	p.mu.Unlock()

	p.log.Info().Str("symbol", symbol).Str("side", string(side)).
		Float64("qty", qty).Float64("fill_price", price).
		Msg("paper position closed")

	return OrderResult{
		OrderID:   "paper-" + uuid.NewString(),
		FilledQty: qty,
		AvgPrice:  price,
		Status:    "FILLED",
	}, nil
}

func (p *Paper) fillPrice(symbol string, side model.Side) (float64, error) {
	p.mu.Lock()
	mark, ok := p.marks[symbol]
	p.mu.Unlock()
	if !ok || mark <= 0 {
		return 0, &VenueError{Kind: KindInvalidSymbol, Op: "paper_fill", Symbol: symbol,
			Err: fmt.Errorf("no mark price seen for %s", symbol)}
	}
	slip := mark * p.slippageBps / 10_000
	if side == model.Sell {
		return mark - slip, nil
	}
	return mark + slip, nil
}
