// Package exchange hosts the venue client: a typed interface over the
// futures REST API, a paper implementation for non-live mode, and an
// optional mark-price stream.
package exchange

import (
	"context"

	"perpbot-go/internal/model"
)

// OrderResult is the venue's acknowledgement of a market order.
type OrderResult struct {
	OrderID   string
	FilledQty float64
	AvgPrice  float64
	Status    string
}

// Filled reports whether the order fully executed.
func (r OrderResult) Filled() bool { return r.Status == "FILLED" }

// Client is the typed venue surface the rest of the system depends on.
// Implementations classify every failure into the VenueError taxonomy.
type Client interface {
	// FetchTickers returns the 24h snapshot for every perpetual on the venue.
	FetchTickers(ctx context.Context) (map[string]model.Ticker, error)

	// FetchCandles returns up to limit candles, oldest first.
	FetchCandles(ctx context.Context, symbol string, interval model.Interval, limit int) ([]model.Candle, error)

	// FetchOrderBook returns up to depth levels per side.
	FetchOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error)

	// FetchPositions returns the venue's open positions, used by the
	// reconciler to detect ghosts and orphaned reservations.
	FetchPositions(ctx context.Context) (map[string]model.VenuePosition, error)

	// PlaceMarketOrder opens a position at the given leverage.
	PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, qty float64, leverage int) (OrderResult, error)

	// ClosePosition submits a reduce-only market order.
	ClosePosition(ctx context.Context, symbol string, side model.Side, qty float64) (OrderResult, error)
}
