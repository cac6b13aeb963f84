// Package ledger is the authoritative record of open positions and
// aggregate risk. Every mutation is a conditional write against the current
// state document; concurrent workers coordinate only through these writes,
// never through in-process locks.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"perpbot-go/internal/model"
)

// Typed failures surfaced by ledger operations. Callers branch on these;
// only ErrContended is ever retried, and only by the caller.
var (
	ErrContended          = errors.New("ledger: state contended")
	ErrNoCapacity         = errors.New("ledger: no capacity")
	ErrDuplicateSymbol    = errors.New("ledger: duplicate symbol")
	ErrCircuitBreaker     = errors.New("ledger: daily loss circuit breaker engaged")
	ErrUnknownReservation = errors.New("ledger: unknown reservation")
	ErrUnknownToken       = errors.New("ledger: unknown close token")
	ErrNotOpen            = errors.New("ledger: position not open")
	ErrAlreadyClosing     = errors.New("ledger: position already closing")
)

// State is the single shared document: the risk accumulator plus every
// live position row. It is read and replaced wholesale under a version
// check, mirroring a conditional write on one keyed record.
type State struct {
	Version           int64                      `json:"version"`
	TotalReservedRisk decimal.Decimal            `json:"total_reserved_risk"`
	DailyPnL          decimal.Decimal            `json:"daily_pnl"`
	Day               string                     `json:"day"` // UTC date, 2006-01-02
	BreachedAt        *time.Time                 `json:"daily_loss_breach_at,omitempty"`
	Positions         map[string]*model.Position `json:"positions"`
	UpdatedAt         time.Time                  `json:"updated_at"`
}

// Clone deep-copies the state so mutations never leak into a store's
// internal snapshot.
func (s State) Clone() State {
	out := s
	out.Positions = make(map[string]*model.Position, len(s.Positions))
	for k, v := range s.Positions {
		cp := *v
		out.Positions[k] = &cp
	}
	if s.BreachedAt != nil {
		t := *s.BreachedAt
		out.BreachedAt = &t
	}
	return out
}

func newState(day string) State {
	return State{
		TotalReservedRisk: decimal.Zero,
		DailyPnL:          decimal.Zero,
		Day:               day,
		Positions:         make(map[string]*model.Position),
	}
}

// Store persists the state document with compare-and-swap semantics.
// CompareAndSwap must fail with ErrContended when the stored version does
// not match expect, and must persist next atomically otherwise.
type Store interface {
	Load(ctx context.Context) (State, error)
	CompareAndSwap(ctx context.Context, expect int64, next State) error
}
