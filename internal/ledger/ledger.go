package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perpbot-go/internal/metrics"
	"perpbot-go/internal/model"
)

// Limits are the invariant parameters the ledger enforces on every
// reservation.
type Limits struct {
	Capital          decimal.Decimal
	MaxOpenTrades    int
	MaxPortfolioRisk decimal.Decimal // fraction of capital
	DailyLossLimit   decimal.Decimal // fraction of capital
}

// MaxRisk is the absolute portfolio risk cap in quote currency.
func (l Limits) MaxRisk() decimal.Decimal {
	return l.Capital.Mul(l.MaxPortfolioRisk)
}

// LossFloor is the daily pnl level at which the circuit breaker engages.
func (l Limits) LossFloor() decimal.Decimal {
	return l.Capital.Mul(l.DailyLossLimit).Neg()
}

// ReserveRequest is the engine's sized claim on risk capacity. Margin is the
// worst-case loss at the stop in quote currency, which is what the portfolio
// cap accumulates.
type ReserveRequest struct {
	Symbol    string
	Margin    decimal.Decimal
	Direction model.Direction
	Score     int
	Leverage  int
}

// Reservation proves a slot was granted; it must be committed or rolled
// back.
type Reservation struct {
	ID              string
	Symbol          string
	MarginGranted   decimal.Decimal
	LeverageGranted int
}

// CommitDetails carries the venue fill into the OPEN transition.
type CommitDetails struct {
	EntryPrice float64
	Quantity   float64
	TPPrice    float64
	SLPrice    float64
	ATR        float64
}

// Ledger enforces the portfolio limits through single conditional writes.
// Every operation performs exactly one compare-and-swap; on ErrContended the
// caller retries with fresh state (bounded), never the ledger itself.
type Ledger struct {
	store  Store
	limits Limits
	log    zerolog.Logger
	now    func() time.Time
}

// New builds a ledger over store with the given limits.
func New(store Store, limits Limits, log zerolog.Logger) *Ledger {
	return &Ledger{store: store, limits: limits, log: log, now: time.Now}
}

// WithClock overrides the ledger clock. Test helper.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// ReserveSlot atomically verifies exclusivity, the portfolio risk cap, the
// open-trade count, and the circuit breaker, then inserts a RESERVED row.
func (l *Ledger) ReserveSlot(ctx context.Context, req ReserveRequest) (Reservation, error) {
	state, err := l.store.Load(ctx)
	if err != nil {
		return Reservation{}, err
	}

	if state.BreachedAt != nil || state.DailyPnL.LessThanOrEqual(l.limits.LossFloor()) {
		return Reservation{}, ErrCircuitBreaker
	}
	if _, exists := state.Positions[req.Symbol]; exists {
		return Reservation{}, ErrDuplicateSymbol
	}
	if len(state.Positions) >= l.limits.MaxOpenTrades {
		return Reservation{}, ErrNoCapacity
	}
	if state.TotalReservedRisk.Add(req.Margin).GreaterThan(l.limits.MaxRisk()) {
		return Reservation{}, ErrNoCapacity
	}

	now := l.now().UTC()
	res := Reservation{
		ID:              uuid.NewString(),
		Symbol:          req.Symbol,
		MarginGranted:   req.Margin,
		LeverageGranted: req.Leverage,
	}
	next := state.Clone()
	next.TotalReservedRisk = next.TotalReservedRisk.Add(req.Margin)
	next.Positions[req.Symbol] = &model.Position{
		Symbol:          req.Symbol,
		ReservationID:   res.ID,
		Direction:       req.Direction,
		Status:          model.StatusReserved,
		MarginCommitted: req.Margin,
		Leverage:        req.Leverage,
		ScoreAtEntry:    req.Score,
		ReservedAt:      now,
	}
	next.UpdatedAt = now

	if err := l.store.CompareAndSwap(ctx, state.Version, next); err != nil {
		return Reservation{}, err
	}
	l.publishGauges(next)
	l.log.Info().Str("symbol", req.Symbol).Str("reservation_id", res.ID).
		Str("direction", string(req.Direction)).Int("score", req.Score).
		Str("margin", req.Margin.String()).Int("leverage", req.Leverage).
		Msg("risk slot reserved")
	return res, nil
}

// CommitPosition transitions RESERVED → OPEN with the venue fill.
// Idempotent: re-committing the same reservation is a no-op success.
func (l *Ledger) CommitPosition(ctx context.Context, reservationID string, details CommitDetails) error {
	state, err := l.store.Load(ctx)
	if err != nil {
		return err
	}

	pos := findByReservation(state, reservationID)
	if pos == nil {
		return ErrUnknownReservation
	}
	if pos.Status != model.StatusReserved {
		// Already committed; same reservation, same outcome.
		return nil
	}

	now := l.now().UTC()
	next := state.Clone()
	p := next.Positions[pos.Symbol]
	p.Status = model.StatusOpen
	p.EntryPrice = details.EntryPrice
	p.Quantity = details.Quantity
	p.TPPrice = details.TPPrice
	p.SLPrice = details.SLPrice
	p.ATRAtEntry = details.ATR
	p.OpenedAt = now
	next.UpdatedAt = now

	if err := l.store.CompareAndSwap(ctx, state.Version, next); err != nil {
		return err
	}
	l.publishGauges(next)
	l.log.Info().Str("symbol", pos.Symbol).Str("reservation_id", reservationID).
		Float64("entry_price", details.EntryPrice).Float64("qty", details.Quantity).
		Float64("tp", details.TPPrice).Float64("sl", details.SLPrice).
		Msg("position committed")
	return nil
}

// RollbackReservation removes a RESERVED row and releases its risk.
// Idempotent: unknown reservations are treated as already rolled back.
func (l *Ledger) RollbackReservation(ctx context.Context, reservationID string) error {
	state, err := l.store.Load(ctx)
	if err != nil {
		return err
	}
	pos := findByReservation(state, reservationID)
	if pos == nil || pos.Status != model.StatusReserved {
		return nil
	}

	next := state.Clone()
	next.TotalReservedRisk = next.TotalReservedRisk.Sub(pos.MarginCommitted)
	delete(next.Positions, pos.Symbol)
	next.UpdatedAt = l.now().UTC()

	if err := l.store.CompareAndSwap(ctx, state.Version, next); err != nil {
		return err
	}
	l.publishGauges(next)
	l.log.Info().Str("symbol", pos.Symbol).Str("reservation_id", reservationID).
		Msg("reservation rolled back")
	return nil
}

// ListOpen returns OPEN positions. Read-only; may lag a concurrent write.
func (l *Ledger) ListOpen(ctx context.Context) ([]model.Position, error) {
	return l.listByStatus(ctx, model.StatusOpen)
}

// ListClosing returns CLOSING positions whose exit order still needs to be
// confirmed; later closer invocations drain these.
func (l *Ledger) ListClosing(ctx context.Context) ([]model.Position, error) {
	return l.listByStatus(ctx, model.StatusClosing)
}

func (l *Ledger) listByStatus(ctx context.Context, status model.Status) ([]model.Position, error) {
	state, err := l.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Position
	for _, p := range state.Positions {
		if p.Status == status {
			out = append(out, *p)
		}
	}
	return out, nil
}

// Snapshot returns the full state document for reconciliation.
func (l *Ledger) Snapshot(ctx context.Context) (State, error) {
	return l.store.Load(ctx)
}

// BeginClose transitions OPEN → CLOSING and issues the close token that
// grants exclusive rights to finalize. Exactly one concurrent caller wins.
func (l *Ledger) BeginClose(ctx context.Context, symbol string, reason model.ExitReason) (string, error) {
	state, err := l.store.Load(ctx)
	if err != nil {
		return "", err
	}
	pos, ok := state.Positions[symbol]
	if !ok || pos.Status == model.StatusReserved {
		return "", ErrNotOpen
	}
	if pos.Status == model.StatusClosing {
		return "", ErrAlreadyClosing
	}

	token := uuid.NewString()
	next := state.Clone()
	p := next.Positions[symbol]
	p.Status = model.StatusClosing
	p.CloseToken = token
	p.ExitReason = reason
	next.UpdatedAt = l.now().UTC()

	if err := l.store.CompareAndSwap(ctx, state.Version, next); err != nil {
		return "", err
	}
	l.publishGauges(next)
	l.log.Info().Str("symbol", symbol).Str("reason", string(reason)).
		Str("close_token", token).Msg("close started")
	return token, nil
}

// FinalizeClose consumes the close token: CLOSING → CLOSED, releases the
// margin, and folds realized pnl into the daily accumulator. The closed
// position is returned for history recording.
func (l *Ledger) FinalizeClose(ctx context.Context, token string, exitPrice float64, realizedPnL decimal.Decimal) (model.Position, error) {
	state, err := l.store.Load(ctx)
	if err != nil {
		return model.Position{}, err
	}
	var pos *model.Position
	for _, p := range state.Positions {
		if p.CloseToken == token && p.Status == model.StatusClosing {
			pos = p
			break
		}
	}
	if pos == nil {
		return model.Position{}, ErrUnknownToken
	}

	now := l.now().UTC()
	next := state.Clone()
	closed := *next.Positions[pos.Symbol]
	closed.Status = model.StatusClosed
	closed.ExitPrice = exitPrice
	closed.ClosedAt = now
	closed.RealizedPnL = realizedPnL

	next.TotalReservedRisk = next.TotalReservedRisk.Sub(closed.MarginCommitted)
	next.DailyPnL = next.DailyPnL.Add(realizedPnL)
	if next.DailyPnL.LessThanOrEqual(l.limits.LossFloor()) && next.BreachedAt == nil {
		next.BreachedAt = &now
		l.log.Error().Str("daily_pnl", next.DailyPnL.String()).
			Msg("daily loss limit breached, circuit breaker engaged")
	}
	delete(next.Positions, pos.Symbol)
	next.UpdatedAt = now

	if err := l.store.CompareAndSwap(ctx, state.Version, next); err != nil {
		return model.Position{}, err
	}
	l.publishGauges(next)
	metrics.DailyPnL.Set(decimalToFloat(next.DailyPnL))
	l.log.Info().Str("symbol", closed.Symbol).Float64("exit_price", exitPrice).
		Str("realized_pnl", realizedPnL.String()).Str("reason", string(closed.ExitReason)).
		Msg("close finalized")
	return closed, nil
}

// RecordCloseFailure bumps the consecutive close-failure counter while the
// position stays CLOSING. At three failures it is flagged stuck and an
// operator alert is emitted; trading continues on other symbols.
func (l *Ledger) RecordCloseFailure(ctx context.Context, symbol string) (stuck bool, err error) {
	state, err := l.store.Load(ctx)
	if err != nil {
		return false, err
	}
	pos, ok := state.Positions[symbol]
	if !ok || pos.Status != model.StatusClosing {
		return false, ErrNotOpen
	}

	next := state.Clone()
	p := next.Positions[symbol]
	p.CloseFailures++
	if p.CloseFailures >= 3 && !p.Stuck {
		p.Stuck = true
	}
	next.UpdatedAt = l.now().UTC()

	if err := l.store.CompareAndSwap(ctx, state.Version, next); err != nil {
		return false, err
	}
	if p.Stuck {
		l.log.Error().Str("symbol", symbol).Int("failures", p.CloseFailures).
			Msg("position stuck: repeated close failures, operator attention required")
	}
	return p.Stuck, nil
}

// DailyRollover resets the daily pnl and the circuit breaker once now's UTC
// date passes the accumulator's stored date. The storage clock is
// authoritative; worker wall clocks only trigger the check.
func (l *Ledger) DailyRollover(ctx context.Context, now time.Time) error {
	state, err := l.store.Load(ctx)
	if err != nil {
		return err
	}
	today := now.UTC().Format("2006-01-02")
	if state.Day >= today {
		return nil
	}

	next := state.Clone()
	next.DailyPnL = decimal.Zero
	next.Day = today
	next.BreachedAt = nil
	next.UpdatedAt = now.UTC()

	if err := l.store.CompareAndSwap(ctx, state.Version, next); err != nil {
		return err
	}
	metrics.DailyPnL.Set(0)
	l.log.Info().Str("day", today).Msg("daily pnl rolled over")
	return nil
}

func findByReservation(state State, reservationID string) *model.Position {
	for _, p := range state.Positions {
		if p.ReservationID == reservationID {
			return p
		}
	}
	return nil
}

func (l *Ledger) publishGauges(state State) {
	open := 0
	for _, p := range state.Positions {
		if p.Status == model.StatusOpen {
			open++
		}
	}
	metrics.OpenPositions.Set(float64(open))
	metrics.ReservedRisk.Set(decimalToFloat(state.TotalReservedRisk))
}

func decimalToFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// AvailableSlots is the scanner's emission budget for one tick.
func (l *Ledger) AvailableSlots(ctx context.Context) (int, error) {
	state, err := l.store.Load(ctx)
	if err != nil {
		return 0, err
	}
	used := len(state.Positions)
	slots := l.limits.MaxOpenTrades - used
	if slots < 0 {
		slots = 0
	}
	return slots, nil
}

// String renders limits for startup logging.
func (l Limits) String() string {
	return fmt.Sprintf("capital=%s max_open=%d max_risk=%s loss_floor=%s",
		l.Capital, l.MaxOpenTrades, l.MaxRisk(), l.LossFloor())
}
