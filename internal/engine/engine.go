// Package engine turns scored candidates into venue positions: adaptive
// leverage, liquidity-aware sizing, the per-trade loss cap, and the
// reserve/order/commit handshake against the risk ledger.
package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perpbot-go/internal/config"
	"perpbot-go/internal/exchange"
	"perpbot-go/internal/ledger"
	"perpbot-go/internal/metrics"
	"perpbot-go/internal/model"
	"perpbot-go/internal/news"
	"perpbot-go/internal/recorder"
	"perpbot-go/internal/util"
)

// Bounded wait for the venue fill confirmation; past it the reservation is
// left for the reconciler.
const commitTimeout = 10 * time.Second

// Engine processes one tick's candidates serially, best first.
type Engine struct {
	ledger   *ledger.Ledger
	client   exchange.Client
	rec      recorder.Recorder
	calendar *news.Calendar
	cfg      config.Trading
	log      zerolog.Logger
	retry    util.Retry
	now      func() time.Time
}

// New builds an engine over the ledger and venue client. A nil calendar
// disables the entry-side news blackout.
func New(led *ledger.Ledger, client exchange.Client, rec recorder.Recorder, cal *news.Calendar, cfg config.Trading, log zerolog.Logger) *Engine {
	return &Engine{
		ledger:   led,
		client:   client,
		rec:      rec,
		calendar: cal,
		cfg:      cfg,
		log:      log,
		retry:    util.LedgerRetry(),
		now:      time.Now,
	}
}

// WithClock overrides the engine clock. Test helper.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// LeverageForScore maps conviction to leverage. Callers only pass emitted
// candidates (score >= 60); anything below gets the 1x floor.
func LeverageForScore(score int) int {
	switch {
	case score >= 90:
		return 7
	case score >= 80:
		return 5
	case score >= 70:
		return 3
	case score >= 60:
		return 2
	default:
		return 1
	}
}

// Sizing is the engine's position-size decision for one candidate. Risk is
// the worst-case loss at the stop in quote currency; it is the quantity the
// ledger reserves against the portfolio cap.
type Sizing struct {
	Leverage int
	Notional float64
	Margin   float64
	Quantity float64
	Risk     float64
}

// Size computes leverage and notional for a candidate, reducing leverage
// until the per-trade loss cap holds. Returns false when no leverage down to
// 1x keeps the worst-case loss within bounds.
func (e *Engine) Size(c model.Candidate) (Sizing, bool) {
	if c.Price <= 0 {
		return Sizing{}, false
	}
	slDistPct := math.Abs(c.Price-c.SuggestedSL) / c.Price
	maxLoss := e.cfg.Capital * e.cfg.MaxLossPerTrade

	for lev := LeverageForScore(c.Score); lev >= 1; lev-- {
		notional := math.Min(
			e.cfg.Capital*e.cfg.PerTradeFraction()*float64(lev),
			c.Volume24h*e.cfg.LiquidityCap,
		)
		if notional <= 0 {
			return Sizing{}, false
		}
		risk := slDistPct * float64(lev) * notional
		if risk > maxLoss {
			continue
		}
		return Sizing{
			Leverage: lev,
			Notional: notional,
			Margin:   notional / float64(lev),
			Quantity: notional / c.Price,
			Risk:     risk,
		}, true
	}
	return Sizing{}, false
}

// ProcessTick walks the candidates in emission order. NO_CAPACITY stops the
// tick, CIRCUIT_BREAKER aborts it, everything else drops only the current
// candidate. No entries open while a news window is active or starts within
// the blackout lead; the closer would flatten them moments later anyway.
func (e *Engine) ProcessTick(ctx context.Context, candidates []model.Candidate) {
	if e.calendar != nil {
		lead := time.Duration(e.cfg.NewsBlackoutMin) * time.Minute
		if w, ok := e.calendar.Upcoming(e.now(), lead); ok {
			for _, c := range candidates {
				e.skip(ctx, c, model.SkipNewsBlackout, "blackout window: "+w.Label)
			}
			return
		}
	}
	for _, c := range candidates {
		proceed := e.processCandidate(ctx, c)
		if !proceed {
			return
		}
	}
}

func (e *Engine) processCandidate(ctx context.Context, c model.Candidate) (proceed bool) {
	sizing, ok := e.Size(c)
	if !ok {
		e.skip(ctx, c, model.SkipRiskExceeded, "loss cap infeasible at 1x")
		return true
	}

	res, err := e.reserve(ctx, c, sizing)
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrNoCapacity):
		e.skip(ctx, c, model.SkipNoCapacity, "no slot or risk budget")
		return false // later candidates score lower; nothing will fit
	case errors.Is(err, ledger.ErrDuplicateSymbol):
		e.skip(ctx, c, model.SkipDuplicate, "position already held")
		return true
	case errors.Is(err, ledger.ErrCircuitBreaker):
		e.skip(ctx, c, model.SkipCircuitBreaker, "daily loss limit breached")
		return false
	case errors.Is(err, ledger.ErrContended):
		e.skip(ctx, c, model.SkipContended, "reservation retries exhausted")
		return true
	default:
		e.log.Error().Err(err).Str("symbol", c.Symbol).Msg("reservation failed")
		return true
	}

	order, err := e.client.PlaceMarketOrder(ctx, c.Symbol, c.Direction.EntrySide(), sizing.Quantity, sizing.Leverage)
	if err != nil || !order.Filled() {
		e.rollback(ctx, res)
		detail := "order not filled"
		if err != nil {
			detail = err.Error()
		}
		e.skip(ctx, c, model.SkipOrderFailed, detail)
		return true
	}
	metrics.OrdersTotal.WithLabelValues(string(c.Direction.EntrySide())).Inc()

	e.commit(ctx, c, res, order)
	return true
}

func (e *Engine) reserve(ctx context.Context, c model.Candidate, s Sizing) (ledger.Reservation, error) {
	var res ledger.Reservation
	err := e.retry.Do(ctx,
		func(err error) bool { return errors.Is(err, ledger.ErrContended) },
		func(ctx context.Context) error {
			var err error
			res, err = e.ledger.ReserveSlot(ctx, ledger.ReserveRequest{
				Symbol:    c.Symbol,
				Margin:    decimal.NewFromFloat(s.Risk),
				Direction: c.Direction,
				Score:     c.Score,
				Leverage:  s.Leverage,
			})
			return err
		})
	if err == nil {
		metrics.ReservationsTotal.WithLabelValues("granted").Inc()
	} else {
		metrics.ReservationsTotal.WithLabelValues("denied").Inc()
	}
	return res, err
}

// commit confirms the fill within a bounded timeout. On failure the
// reservation is deliberately left in place: the order may have filled, and
// the reconciler sweep decides between promotion and rollback.
func (e *Engine) commit(ctx context.Context, c model.Candidate, res ledger.Reservation, order exchange.OrderResult) {
	commitCtx, cancel := context.WithTimeout(ctx, commitTimeout)
	defer cancel()

	err := e.retry.Do(commitCtx,
		func(err error) bool { return errors.Is(err, ledger.ErrContended) },
		func(ctx context.Context) error {
			return e.ledger.CommitPosition(ctx, res.ID, ledger.CommitDetails{
				EntryPrice: order.AvgPrice,
				Quantity:   order.FilledQty,
				TPPrice:    retarget(c.SuggestedTP, c.Price, order.AvgPrice),
				SLPrice:    retarget(c.SuggestedSL, c.Price, order.AvgPrice),
				ATR:        c.ATR,
			})
		})
	if err != nil {
		e.log.Error().Err(err).Str("symbol", c.Symbol).Str("reservation_id", res.ID).
			Msg("commit failed, reservation left for reconciliation")
		metrics.ReconciliationsTotal.WithLabelValues("pending").Inc()
		return
	}

	if err := e.rec.RecordOpen(ctx, recorder.OpenedTrade{
		Symbol:      c.Symbol,
		Direction:   c.Direction,
		Score:       c.Score,
		EntryPrice:  order.AvgPrice,
		Quantity:    order.FilledQty,
		Leverage:    res.LeverageGranted,
		Risk:        res.MarginGranted.String(),
		TPPrice:     retarget(c.SuggestedTP, c.Price, order.AvgPrice),
		SLPrice:     retarget(c.SuggestedSL, c.Price, order.AvgPrice),
		ATR:         c.ATR,
		VolumeRatio: c.Detail.VolumeRatio,
		NightPump:   c.Detail.NightPump,
		Session:     c.Detail.SessionName,
		OpenedAt:    e.now().UTC(),
	}); err != nil {
		e.log.Warn().Err(err).Str("symbol", c.Symbol).Msg("trade open not recorded")
	}
}

func (e *Engine) rollback(ctx context.Context, res ledger.Reservation) {
	err := e.retry.Do(ctx,
		func(err error) bool { return errors.Is(err, ledger.ErrContended) },
		func(ctx context.Context) error {
			return e.ledger.RollbackReservation(ctx, res.ID)
		})
	if err != nil {
		e.log.Error().Err(err).Str("symbol", res.Symbol).Str("reservation_id", res.ID).
			Msg("rollback failed, reservation left for reconciliation")
	}
}

func (e *Engine) skip(ctx context.Context, c model.Candidate, reason model.SkipReason, detail string) {
	metrics.SkippedTotal.WithLabelValues(string(reason)).Inc()
	e.log.Info().Str("symbol", c.Symbol).Int("score", c.Score).
		Str("reason", string(reason)).Str("detail", detail).Msg("candidate skipped")
	if err := e.rec.RecordSkip(ctx, recorder.SkippedTrade{
		Symbol:    c.Symbol,
		Score:     c.Score,
		Direction: c.Direction,
		Reason:    reason,
		Detail:    detail,
		At:        e.now().UTC(),
	}); err != nil {
		e.log.Warn().Err(err).Str("symbol", c.Symbol).Msg("skip not recorded")
	}
}

// retarget shifts a suggested protective price by the slippage between the
// scanner snapshot and the actual fill.
func retarget(suggested, snapshot, fill float64) float64 {
	if snapshot == 0 {
		return suggested
	}
	return suggested + (fill - snapshot)
}
