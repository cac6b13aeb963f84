// Package recorder persists trade outcomes and skipped candidates for
// offline analysis. Recording is best-effort: a write failure is logged and
// never blocks the trading path.
package recorder

import (
	"context"
	"time"

	"perpbot-go/internal/model"
)

// OpenedTrade is the entry-side history row, written when a position opens
// with the full scoring context for later auditing.
type OpenedTrade struct {
	Symbol      string
	Direction   model.Direction
	Score       int
	EntryPrice  float64
	Quantity    float64
	Leverage    int
	Risk        string // worst-case loss at the stop, decimal string
	TPPrice     float64
	SLPrice     float64
	ATR         float64
	VolumeRatio float64
	NightPump   bool
	Session     string
	OpenedAt    time.Time
}

// ClosedTrade is one row of the trade history.
type ClosedTrade struct {
	Symbol      string
	Direction   model.Direction
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	Leverage    int
	Score       int
	RealizedPnL string // decimal string, exact
	ExitReason  model.ExitReason
	OpenedAt    time.Time
	ClosedAt    time.Time
}

// SkippedTrade is one row of the skipped-trades log: a candidate the scanner
// emitted but the engine dropped, with the reason.
type SkippedTrade struct {
	Symbol    string
	Score     int
	Direction model.Direction
	Reason    model.SkipReason
	Detail    string
	At        time.Time
}

// Recorder receives lifecycle outcomes.
type Recorder interface {
	RecordOpen(ctx context.Context, trade OpenedTrade) error
	RecordClose(ctx context.Context, trade ClosedTrade) error
	RecordSkip(ctx context.Context, skip SkippedTrade) error
}

// Noop discards everything. Used in tests.
type Noop struct{}

func (Noop) RecordOpen(context.Context, OpenedTrade) error  { return nil }
func (Noop) RecordClose(context.Context, ClosedTrade) error { return nil }
func (Noop) RecordSkip(context.Context, SkippedTrade) error { return nil }
