package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"perpbot-go/internal/model"
	"perpbot-go/internal/util"
)

func testLimits() Limits {
	return Limits{
		Capital:          decimal.NewFromInt(10000),
		MaxOpenTrades:    3,
		MaxPortfolioRisk: decimal.NewFromFloat(0.20),
		DailyLossLimit:   decimal.NewFromFloat(0.05),
	}
}

func testLedger(t *testing.T) *Ledger {
	t.Helper()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	return New(NewMemoryStore(now), testLimits(), util.NopLogger()).
		WithClock(func() time.Time { return now })
}

func reserve(t *testing.T, l *Ledger, symbol string, margin float64) Reservation {
	t.Helper()
	res, err := l.ReserveSlot(context.Background(), ReserveRequest{
		Symbol: symbol, Margin: decimal.NewFromFloat(margin),
		Direction: model.Long, Score: 75, Leverage: 3,
	})
	if err != nil {
		t.Fatalf("reserve %s: %v", symbol, err)
	}
	return res
}

func commit(t *testing.T, l *Ledger, res Reservation) {
	t.Helper()
	err := l.CommitPosition(context.Background(), res.ID, CommitDetails{
		EntryPrice: 100, Quantity: 1, TPPrice: 102, SLPrice: 99, ATR: 1,
	})
	if err != nil {
		t.Fatalf("commit %s: %v", res.Symbol, err)
	}
}

func TestReserveDuplicateSymbol(t *testing.T) {
	l := testLedger(t)
	res := reserve(t, l, "XUSDT", 500)
	commit(t, l, res)

	_, err := l.ReserveSlot(context.Background(), ReserveRequest{
		Symbol: "XUSDT", Margin: decimal.NewFromInt(500), Direction: model.Short, Score: 80, Leverage: 5,
	})
	if !errors.Is(err, ErrDuplicateSymbol) {
		t.Fatalf("expected ErrDuplicateSymbol, got %v", err)
	}

	open, err := l.ListOpen(context.Background())
	if err != nil {
		t.Fatalf("list open: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("duplicate reservation must not change position count, got %d", len(open))
	}
}

func TestReserveRiskCap(t *testing.T) {
	// S2: 600 + 700 committed, a request for 800 breaches the 2000 cap.
	l := testLedger(t)
	commit(t, l, reserve(t, l, "AUSDT", 600))
	commit(t, l, reserve(t, l, "BUSDT", 700))

	_, err := l.ReserveSlot(context.Background(), ReserveRequest{
		Symbol: "CUSDT", Margin: decimal.NewFromInt(800), Direction: model.Long, Score: 70, Leverage: 3,
	})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}

	// 700 still fits exactly (600+700+700 = 2000).
	if _, err := l.ReserveSlot(context.Background(), ReserveRequest{
		Symbol: "CUSDT", Margin: decimal.NewFromInt(700), Direction: model.Long, Score: 70, Leverage: 3,
	}); err != nil {
		t.Fatalf("margin at the cap boundary must be granted: %v", err)
	}
}

func TestReserveMaxOpenTrades(t *testing.T) {
	l := testLedger(t)
	commit(t, l, reserve(t, l, "AUSDT", 100))
	commit(t, l, reserve(t, l, "BUSDT", 100))
	reserve(t, l, "CUSDT", 100) // reserved rows occupy a slot too

	_, err := l.ReserveSlot(context.Background(), ReserveRequest{
		Symbol: "DUSDT", Margin: decimal.NewFromInt(100), Direction: model.Long, Score: 70, Leverage: 3,
	})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity at slot limit, got %v", err)
	}
}

func TestCommitIdempotent(t *testing.T) {
	// P5: a second commit of the same reservation changes nothing.
	l := testLedger(t)
	res := reserve(t, l, "XUSDT", 400)
	commit(t, l, res)

	before, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	commit(t, l, res)
	after, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if !before.TotalReservedRisk.Equal(after.TotalReservedRisk) {
		t.Fatalf("reserved risk changed on re-commit: %s -> %s", before.TotalReservedRisk, after.TotalReservedRisk)
	}
	if before.Positions["XUSDT"].OpenedAt != after.Positions["XUSDT"].OpenedAt {
		t.Fatalf("opened_at changed on re-commit")
	}
}

func TestCommitUnknownReservation(t *testing.T) {
	l := testLedger(t)
	err := l.CommitPosition(context.Background(), "missing", CommitDetails{EntryPrice: 1, Quantity: 1})
	if !errors.Is(err, ErrUnknownReservation) {
		t.Fatalf("expected ErrUnknownReservation, got %v", err)
	}
}

func TestRollbackReleasesRiskAndIsIdempotent(t *testing.T) {
	l := testLedger(t)
	res := reserve(t, l, "XUSDT", 900)

	for i := 0; i < 2; i++ {
		if err := l.RollbackReservation(context.Background(), res.ID); err != nil {
			t.Fatalf("rollback #%d: %v", i+1, err)
		}
	}

	state, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !state.TotalReservedRisk.IsZero() {
		t.Fatalf("expected zero reserved risk after rollback, got %s", state.TotalReservedRisk)
	}
	if len(state.Positions) != 0 {
		t.Fatalf("expected no positions after rollback")
	}
}

func TestBeginCloseSingleWinner(t *testing.T) {
	// S4: two workers race begin_close; exactly one gets the token.
	l := testLedger(t)
	commit(t, l, reserve(t, l, "XUSDT", 500))

	const workers = 2
	tokens := make([]string, workers)
	errs := make([]error, workers)
	retry := util.LedgerRetry()

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = retry.Do(context.Background(),
				func(err error) bool { return errors.Is(err, ErrContended) },
				func(ctx context.Context) error {
					token, err := l.BeginClose(ctx, "XUSDT", model.ExitTakeProfit)
					tokens[i] = token
					return err
				})
		}(i)
	}
	wg.Wait()

	won := 0
	for i := 0; i < workers; i++ {
		switch {
		case errs[i] == nil && tokens[i] != "":
			won++
		case errors.Is(errs[i], ErrAlreadyClosing):
		default:
			t.Fatalf("worker %d: unexpected outcome token=%q err=%v", i, tokens[i], errs[i])
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winner, got %d", won)
	}
}

func TestBeginCloseNotOpen(t *testing.T) {
	l := testLedger(t)
	if _, err := l.BeginClose(context.Background(), "GHOST", model.ExitTakeProfit); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	// A RESERVED row is not closable either.
	reserve(t, l, "YUSDT", 100)
	if _, err := l.BeginClose(context.Background(), "YUSDT", model.ExitTakeProfit); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen for reserved row, got %v", err)
	}
}

func TestFinalizeCloseAccountsPnL(t *testing.T) {
	// P6: daily pnl is the exact sum of realized pnl of today's closes.
	l := testLedger(t)
	commit(t, l, reserve(t, l, "AUSDT", 500))
	commit(t, l, reserve(t, l, "BUSDT", 500))

	tokenA, err := l.BeginClose(context.Background(), "AUSDT", model.ExitTakeProfit)
	if err != nil {
		t.Fatalf("begin close A: %v", err)
	}
	if _, err := l.FinalizeClose(context.Background(), tokenA, 102, decimal.NewFromFloat(42.5)); err != nil {
		t.Fatalf("finalize A: %v", err)
	}

	tokenB, err := l.BeginClose(context.Background(), "BUSDT", model.ExitStopLoss)
	if err != nil {
		t.Fatalf("begin close B: %v", err)
	}
	if _, err := l.FinalizeClose(context.Background(), tokenB, 99, decimal.NewFromFloat(-10.5)); err != nil {
		t.Fatalf("finalize B: %v", err)
	}

	state, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if !state.DailyPnL.Equal(decimal.NewFromFloat(32.0)) {
		t.Fatalf("expected daily pnl 32, got %s", state.DailyPnL)
	}
	if !state.TotalReservedRisk.IsZero() {
		t.Fatalf("expected all risk released, got %s", state.TotalReservedRisk)
	}
	if len(state.Positions) != 0 {
		t.Fatalf("closed positions must leave the live set")
	}
}

func TestFinalizeCloseUnknownToken(t *testing.T) {
	l := testLedger(t)
	if _, err := l.FinalizeClose(context.Background(), "bogus", 1, decimal.Zero); !errors.Is(err, ErrUnknownToken) {
		t.Fatalf("expected ErrUnknownToken, got %v", err)
	}
}

func TestCircuitBreakerEngagesAndRollsOver(t *testing.T) {
	// S5 and P3: a -550 day on 10000 capital trips the -500 floor.
	l := testLedger(t)
	commit(t, l, reserve(t, l, "AUSDT", 500))

	token, err := l.BeginClose(context.Background(), "AUSDT", model.ExitStopLoss)
	if err != nil {
		t.Fatalf("begin close: %v", err)
	}
	if _, err := l.FinalizeClose(context.Background(), token, 90, decimal.NewFromInt(-550)); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	for i := 0; i < 3; i++ {
		_, err = l.ReserveSlot(context.Background(), ReserveRequest{
			Symbol: "BUSDT", Margin: decimal.NewFromInt(100), Direction: model.Long, Score: 70, Leverage: 3,
		})
		if !errors.Is(err, ErrCircuitBreaker) {
			t.Fatalf("call %d: expected ErrCircuitBreaker, got %v", i, err)
		}
	}

	nextDay := time.Date(2026, 8, 27, 0, 0, 1, 0, time.UTC)
	if err := l.DailyRollover(context.Background(), nextDay); err != nil {
		t.Fatalf("rollover: %v", err)
	}
	if _, err := l.ReserveSlot(context.Background(), ReserveRequest{
		Symbol: "BUSDT", Margin: decimal.NewFromInt(100), Direction: model.Long, Score: 70, Leverage: 3,
	}); err != nil {
		t.Fatalf("reserve after rollover: %v", err)
	}
}

func TestDailyRolloverSameDayNoop(t *testing.T) {
	l := testLedger(t)
	before, _ := l.Snapshot(context.Background())
	if err := l.DailyRollover(context.Background(), time.Date(2026, 8, 26, 23, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("rollover: %v", err)
	}
	after, _ := l.Snapshot(context.Background())
	if before.Version != after.Version {
		t.Fatalf("same-day rollover must not write")
	}
}

func TestConcurrentReservesRespectRiskCap(t *testing.T) {
	// P1/P2: many workers race for capacity; the granted sum never exceeds
	// the cap and no symbol is granted twice.
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	l := New(NewMemoryStore(now), Limits{
		Capital:          decimal.NewFromInt(10000),
		MaxOpenTrades:    100,
		MaxPortfolioRisk: decimal.NewFromFloat(0.20),
		DailyLossLimit:   decimal.NewFromFloat(0.05),
	}, util.NopLogger()).WithClock(func() time.Time { return now })

	symbols := []string{"A", "B", "C", "D", "E", "F", "G", "H"}
	retry := util.Retry{Attempts: 20, Delays: []time.Duration{time.Millisecond}}

	var wg sync.WaitGroup
	for _, sym := range symbols {
		for dup := 0; dup < 2; dup++ { // two workers race per symbol
			wg.Add(1)
			go func(sym string) {
				defer wg.Done()
				_ = retry.Do(context.Background(),
					func(err error) bool { return errors.Is(err, ErrContended) },
					func(ctx context.Context) error {
						_, err := l.ReserveSlot(ctx, ReserveRequest{
							Symbol: sym, Margin: decimal.NewFromInt(600),
							Direction: model.Long, Score: 70, Leverage: 3,
						})
						return err
					})
			}(sym)
		}
	}
	wg.Wait()

	state, err := l.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if state.TotalReservedRisk.GreaterThan(decimal.NewFromInt(2000)) {
		t.Fatalf("risk cap violated: %s", state.TotalReservedRisk)
	}
	// 600 margin each: at most 3 fit under 2000.
	if len(state.Positions) > 3 {
		t.Fatalf("too many grants: %d", len(state.Positions))
	}
	seen := map[string]bool{}
	for sym := range state.Positions {
		if seen[sym] {
			t.Fatalf("symbol %s granted twice", sym)
		}
		seen[sym] = true
	}
}

func TestRecordCloseFailureFlagsStuck(t *testing.T) {
	l := testLedger(t)
	commit(t, l, reserve(t, l, "XUSDT", 500))
	if _, err := l.BeginClose(context.Background(), "XUSDT", model.ExitTime); err != nil {
		t.Fatalf("begin close: %v", err)
	}

	for i := 1; i <= 3; i++ {
		stuck, err := l.RecordCloseFailure(context.Background(), "XUSDT")
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if (i >= 3) != stuck {
			t.Fatalf("failure %d: stuck=%v", i, stuck)
		}
	}

	closing, err := l.ListClosing(context.Background())
	if err != nil {
		t.Fatalf("list closing: %v", err)
	}
	if len(closing) != 1 || !closing[0].Stuck {
		t.Fatalf("expected one stuck closing position")
	}
}
