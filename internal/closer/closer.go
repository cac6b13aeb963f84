// Package closer evaluates the exit rules over open positions and drives
// the begin/finalize close handshake. Multiple staggered workers run the
// same logic; begin_close serializes them per symbol.
package closer

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"perpbot-go/internal/config"
	"perpbot-go/internal/exchange"
	"perpbot-go/internal/ledger"
	"perpbot-go/internal/marketdata"
	"perpbot-go/internal/metrics"
	"perpbot-go/internal/model"
	"perpbot-go/internal/news"
	"perpbot-go/internal/recorder"
	"perpbot-go/internal/util"
)

// Marks is the slice of the market data gateway the closer reads.
type Marks interface {
	Ticker(ctx context.Context, symbol string) (model.Ticker, error)
}

// Closer is one stateless exit worker.
type Closer struct {
	ledger   *ledger.Ledger
	marks    Marks
	client   exchange.Client
	rec      recorder.Recorder
	calendar *news.Calendar
	cfg      config.Trading
	log      zerolog.Logger
	retry    util.Retry
	now      func() time.Time
}

// New builds a closer worker.
func New(led *ledger.Ledger, marks Marks, client exchange.Client, rec recorder.Recorder, cal *news.Calendar, cfg config.Trading, log zerolog.Logger) *Closer {
	return &Closer{
		ledger:   led,
		marks:    marks,
		client:   client,
		rec:      rec,
		calendar: cal,
		cfg:      cfg,
		log:      log,
		retry:    util.LedgerRetry(),
		now:      time.Now,
	}
}

// WithClock overrides the closer clock. Test helper.
func (c *Closer) WithClock(now func() time.Time) *Closer {
	c.now = now
	return c
}

// Tick runs one closer invocation: evaluate exits over OPEN positions, then
// drain CLOSING positions left behind by earlier failures.
func (c *Closer) Tick(ctx context.Context) error {
	metrics.CloserTicks.Inc()
	if err := c.ledger.DailyRollover(ctx, c.now()); err != nil && !errors.Is(err, ledger.ErrContended) {
		c.log.Warn().Err(err).Msg("daily rollover check failed")
	}

	open, err := c.ledger.ListOpen(ctx)
	if err != nil {
		// Without the position list nothing can be evaluated safely; the
		// next worker retries in seconds.
		return err
	}

	for i := range open {
		pos := open[i]
		ticker, err := c.marks.Ticker(ctx, pos.Symbol)
		if err != nil {
			if marketdata.IsUnavailable(err) {
				c.log.Warn().Str("symbol", pos.Symbol).Msg("mark price unavailable, exit deferred")
				continue
			}
			return err
		}
		reason, triggered := c.trigger(&pos, ticker.LastPrice)
		if !triggered {
			continue
		}
		c.close(ctx, pos, reason)
	}

	c.drain(ctx)
	return nil
}

// trigger evaluates the exit rules in priority order; the first match wins.
func (c *Closer) trigger(pos *model.Position, mark float64) (model.ExitReason, bool) {
	if pos.SLPrice > 0 {
		if (pos.Direction == model.Long && mark <= pos.SLPrice) ||
			(pos.Direction == model.Short && mark >= pos.SLPrice) {
			return model.ExitStopLoss, true
		}
	}
	if pos.TPPrice > 0 {
		if (pos.Direction == model.Long && mark >= pos.TPPrice) ||
			(pos.Direction == model.Short && mark <= pos.TPPrice) {
			return model.ExitTakeProfit, true
		}
	}
	now := c.now()
	if c.calendar != nil {
		if _, upcoming := c.calendar.Upcoming(now, time.Duration(c.cfg.NewsBlackoutMin)*time.Minute); upcoming {
			return model.ExitNewsBlackout, true
		}
	}
	age := pos.Age(now)
	if age >= time.Duration(c.cfg.MaxHoldMinutes)*time.Minute {
		return model.ExitTime, true
	}
	if age >= time.Duration(c.cfg.FastExitMinutes)*time.Minute {
		pnl := pos.UnrealizedPnLPct(mark)
		if pnl < c.cfg.FastExitThresholdPct && pnl > -c.cfg.FastExitThresholdPct {
			return model.ExitFastDiscard, true
		}
	}
	return "", false
}

// close runs the begin_close handshake and the venue exit for one position.
func (c *Closer) close(ctx context.Context, pos model.Position, reason model.ExitReason) {
	var token string
	err := c.retry.Do(ctx,
		func(err error) bool { return errors.Is(err, ledger.ErrContended) },
		func(ctx context.Context) error {
			var err error
			token, err = c.ledger.BeginClose(ctx, pos.Symbol, reason)
			return err
		})
	switch {
	case err == nil:
	case errors.Is(err, ledger.ErrAlreadyClosing):
		return // another worker owns this close
	case errors.Is(err, ledger.ErrNotOpen):
		c.log.Warn().Str("symbol", pos.Symbol).Msg("position vanished before close, reconciler will verify")
		return
	default:
		c.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("begin close failed")
		return
	}

	c.log.Info().Str("symbol", pos.Symbol).Str("reason", string(reason)).
		Float64("entry", pos.EntryPrice).Msg("exit triggered")
	c.execute(ctx, pos, token, reason)
}

// execute submits the reduce-only exit order and finalizes the ledger state.
// Venue failures leave the position CLOSING for a later drain pass.
func (c *Closer) execute(ctx context.Context, pos model.Position, token string, reason model.ExitReason) {
	var order exchange.OrderResult
	err := util.Retry{
		Attempts: 3,
		Delays:   []time.Duration{200 * time.Millisecond, 500 * time.Millisecond},
		Jitter:   0.2,
	}.Do(ctx, exchange.IsTemporary, func(ctx context.Context) error {
		var err error
		order, err = c.client.ClosePosition(ctx, pos.Symbol, pos.Direction.ExitSide(), pos.Quantity)
		return err
	})
	if err != nil || !order.Filled() {
		stuck, ferr := c.ledger.RecordCloseFailure(ctx, pos.Symbol)
		if ferr != nil {
			c.log.Error().Err(ferr).Str("symbol", pos.Symbol).Msg("close failure not recorded")
		}
		c.log.Error().Err(err).Str("symbol", pos.Symbol).Bool("stuck", stuck).
			Msg("close order failed, position stays CLOSING")
		return
	}

	pnl := realizedPnL(pos, order.AvgPrice)
	var closed model.Position
	err = c.retry.Do(ctx,
		func(err error) bool { return errors.Is(err, ledger.ErrContended) },
		func(ctx context.Context) error {
			var err error
			closed, err = c.ledger.FinalizeClose(ctx, token, order.AvgPrice, pnl)
			return err
		})
	if err != nil {
		if errors.Is(err, ledger.ErrUnknownToken) {
			return // already finalized by a competing drain pass
		}
		c.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("finalize close failed")
		return
	}

	metrics.ClosesTotal.WithLabelValues(string(reason)).Inc()
	if err := c.rec.RecordClose(ctx, recorder.ClosedTrade{
		Symbol:      closed.Symbol,
		Direction:   closed.Direction,
		EntryPrice:  closed.EntryPrice,
		ExitPrice:   closed.ExitPrice,
		Quantity:    closed.Quantity,
		Leverage:    closed.Leverage,
		Score:       closed.ScoreAtEntry,
		RealizedPnL: closed.RealizedPnL.String(),
		ExitReason:  closed.ExitReason,
		OpenedAt:    closed.OpenedAt,
		ClosedAt:    closed.ClosedAt,
	}); err != nil {
		c.log.Warn().Err(err).Str("symbol", closed.Symbol).Msg("trade close not recorded")
	}
}

// drain retries CLOSING positions whose exit order never confirmed. The
// persisted close token keeps ownership with whichever worker gets here.
func (c *Closer) drain(ctx context.Context) {
	closing, err := c.ledger.ListClosing(ctx)
	if err != nil {
		c.log.Warn().Err(err).Msg("closing list unavailable, drain skipped")
		return
	}
	for _, pos := range closing {
		if pos.CloseToken == "" {
			continue
		}
		c.log.Info().Str("symbol", pos.Symbol).Int("failures", pos.CloseFailures).
			Msg("retrying unconfirmed close")
		c.execute(ctx, pos, pos.CloseToken, pos.ExitReason)
	}
}

// realizedPnL is the quote-currency result of the round trip, fees excluded.
func realizedPnL(pos model.Position, exit float64) decimal.Decimal {
	diff := exit - pos.EntryPrice
	if pos.Direction == model.Short {
		diff = -diff
	}
	return decimal.NewFromFloat(diff * pos.Quantity)
}
