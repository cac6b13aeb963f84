package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a momentum signal and the resulting position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// EntrySide maps a direction to the order side that opens it.
func (d Direction) EntrySide() Side {
	if d == Short {
		return Sell
	}
	return Buy
}

// ExitSide maps a direction to the order side that closes it.
func (d Direction) ExitSide() Side {
	if d == Short {
		return Buy
	}
	return Sell
}

// Side enumerates order directions sent to the venue.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Status tracks a position through its lifecycle. RESERVED rows exist between
// the ledger's risk decision and the venue fill; they are promoted to OPEN by
// commit or swept by the reconciler.
type Status string

const (
	StatusReserved Status = "RESERVED"
	StatusOpen     Status = "OPEN"
	StatusClosing  Status = "CLOSING"
	StatusClosed   Status = "CLOSED"
)

// Position is the central persisted entity. At most one position with status
// RESERVED, OPEN, or CLOSING exists per symbol at any time.
type Position struct {
	Symbol          string          `json:"symbol"`
	ReservationID   string          `json:"reservation_id"`
	Direction       Direction       `json:"direction"`
	Status          Status          `json:"status"`
	EntryPrice      float64         `json:"entry_price"`
	Quantity        float64         `json:"quantity"`
	Leverage        int             `json:"leverage"`
	MarginCommitted decimal.Decimal `json:"margin_committed"`
	TPPrice         float64         `json:"tp_price"`
	SLPrice         float64         `json:"sl_price"`
	ATRAtEntry      float64         `json:"atr_at_entry"`
	ScoreAtEntry    int             `json:"score_at_entry"`
	OpenedAt        time.Time       `json:"opened_at"`
	ReservedAt      time.Time       `json:"reserved_at"`

	// Close-side fields, only meaningful once Status passes CLOSING.
	CloseToken    string          `json:"close_token,omitempty"`
	ExitPrice     float64         `json:"exit_price,omitempty"`
	ExitReason    ExitReason      `json:"exit_reason,omitempty"`
	ClosedAt      time.Time       `json:"closed_at,omitempty"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	CloseFailures int             `json:"close_failures,omitempty"`
	Stuck         bool            `json:"stuck,omitempty"`
}

// UnrealizedPnLPct returns the directional price move since entry, in
// percent of the entry price. Leverage is deliberately excluded; exit rules
// operate on raw price distance.
func (p *Position) UnrealizedPnLPct(mark float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	move := (mark - p.EntryPrice) / p.EntryPrice * 100
	if p.Direction == Short {
		move = -move
	}
	return move
}

// Age reports how long the position has been open.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}
