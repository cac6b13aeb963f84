// Package model defines the data types shared between the market data
// gateway, the scanner, the trading engine, and the risk ledger.
package model

import "time"

// Interval identifies a candle interval supported by the venue.
type Interval string

const (
	Interval1m Interval = "1m"
	Interval5m Interval = "5m"
	Interval1h Interval = "1h"
	Interval4h Interval = "4h"
)

// Duration returns the wall-clock length of one candle at this interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	default:
		return time.Minute
	}
}

// Candle is a single OHLCV bar. Series are ordered by OpenTime ascending and
// contiguous at a fixed interval.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// Ticker is a 24h rolling snapshot for one symbol.
type Ticker struct {
	Symbol         string
	LastPrice      float64
	QuoteVolume24h float64
	Timestamp      time.Time
}

// Level is a single price level of an order book side.
type Level struct {
	Price    float64
	Quantity float64
}

// OrderBook holds up to the requested depth of bids and asks.
type OrderBook struct {
	Symbol string
	Bids   []Level
	Asks   []Level
}

// VenuePosition is the venue's view of an open position, used by the
// reconciler to detect ghosts and orphaned reservations.
type VenuePosition struct {
	Symbol     string
	Direction  Direction
	Quantity   float64
	EntryPrice float64
	Leverage   int
}
