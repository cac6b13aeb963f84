package scanner

import (
	"context"
	"fmt"
	"math"
	"testing"
	"time"

	"perpbot-go/internal/config"
	"perpbot-go/internal/marketdata"
	"perpbot-go/internal/model"
	"perpbot-go/internal/recorder"
	"perpbot-go/internal/util"
)

type fakeData struct {
	tickers     map[string]model.Ticker
	candles     map[string][]model.Candle
	candleCalls map[string]int
	failFrom    map[string]int // fail fetches numbered >= this, 1-based
}

func (f *fakeData) Tickers(context.Context) (map[string]model.Ticker, error) {
	return f.tickers, nil
}

func (f *fakeData) Candles(_ context.Context, symbol string, _ model.Interval) ([]model.Candle, error) {
	if f.candleCalls == nil {
		f.candleCalls = make(map[string]int)
	}
	f.candleCalls[symbol]++
	if n, ok := f.failFrom[symbol]; ok && f.candleCalls[symbol] >= n {
		return nil, &marketdata.ErrUnavailable{Symbol: symbol, Err: fmt.Errorf("retries exhausted")}
	}
	return f.candles[symbol], nil
}

func testTrading() config.Trading {
	return config.Trading{
		MinVolume24h:     5_000_000,
		MinMomentumScore: 60,
		TPMult:           2.0,
		SLMult:           1.0,
		MinATRPct1Min:    0.25,
		MinVolRatio:      1.3,
		MinThrustPct:     0.20,
		PrefilterTopK:    50,
		QuoteAllowlist:   []string{"USDT"},
	}
}

func candle(t0 time.Time, i int, close, spread, volume float64) model.Candle {
	return model.Candle{
		OpenTime: t0.Add(time.Duration(i) * time.Minute),
		Open:     close, High: close + spread, Low: close - spread,
		Close: close, Volume: volume,
	}
}

var fixtureStart = time.Date(2026, 8, 26, 11, 0, 0, 0, time.UTC)

// breakoutSeries: flat at 100 for 59 candles, then a jump to 101.2 on
// elevated volume. Produces an EMA 5/13 upward crossover on the last candle.
func breakoutSeries() []model.Candle {
	out := make([]model.Candle, 60)
	for i := 0; i < 60; i++ {
		close, vol := 100.0, 100.0
		if i == 59 {
			close = 101.2
		}
		if i >= 57 {
			vol = 220.0
		}
		out[i] = candle(fixtureStart, i, close, 0.2, vol)
	}
	return out
}

// pumpSeries: a 102 plateau, a dip to 100, then a two-candle recovery. The
// fast EMA is already above the slow one before the last candle, so there is
// no crossover; the surge qualifies as a night pump instead.
func pumpSeries() []model.Candle {
	out := make([]model.Candle, 60)
	for i := 0; i < 60; i++ {
		close, vol := 102.0, 100.0
		switch {
		case i >= 45 && i <= 57:
			close = 100.0
		case i == 58:
			close = 101.5
		case i == 59:
			close = 102.3
		}
		if i >= 57 {
			vol = 400.0
		}
		out[i] = candle(fixtureStart, i, close, 0.3, vol)
	}
	return out
}

func flatSeries() []model.Candle {
	out := make([]model.Candle, 60)
	for i := 0; i < 60; i++ {
		out[i] = candle(fixtureStart, i, 100.0, 0.3, 100.0)
	}
	return out
}

func ticker(symbol string, volume float64) model.Ticker {
	return model.Ticker{Symbol: symbol, LastPrice: 100, QuoteVolume24h: volume, Timestamp: fixtureStart}
}

func newScanner(data *fakeData, cfg config.Trading, sessions []config.Session) *Scanner {
	s := New(data, recorder.Noop{}, cfg, sessions, util.NopLogger())
	return s.WithClock(func() time.Time { return fixtureStart.Add(time.Hour) })
}

func TestScanEmitsBreakoutLong(t *testing.T) {
	data := &fakeData{
		tickers: map[string]model.Ticker{"AUSDT": ticker("AUSDT", 10_000_000)},
		candles: map[string][]model.Candle{"AUSDT": breakoutSeries()},
	}
	s := newScanner(data, testTrading(), nil)

	got, err := s.Scan(context.Background(), 3)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one candidate, got %d", len(got))
	}
	c := got[0]
	if c.Direction != model.Long {
		t.Fatalf("expected LONG, got %s", c.Direction)
	}
	if c.Score != 100 {
		t.Fatalf("expected score 100, got %d", c.Score)
	}
	if !c.Detail.Crossover || c.Detail.NightPump {
		t.Fatalf("expected crossover without night pump, got %+v", c.Detail)
	}
	if math.Abs(c.SuggestedTP-(c.Price+2*c.ATR)) > 1e-9 {
		t.Fatalf("tp = %v, want entry + 2*atr", c.SuggestedTP)
	}
	if math.Abs(c.SuggestedSL-(c.Price-c.ATR)) > 1e-9 {
		t.Fatalf("sl = %v, want entry - atr", c.SuggestedSL)
	}
}

func TestScanScoreThresholdInclusive(t *testing.T) {
	data := &fakeData{
		tickers: map[string]model.Ticker{"AUSDT": ticker("AUSDT", 10_000_000)},
		candles: map[string][]model.Candle{"AUSDT": breakoutSeries()},
	}

	cfg := testTrading()
	cfg.MinMomentumScore = 100
	got, err := newScanner(data, cfg, nil).Scan(context.Background(), 3)
	if err != nil || len(got) != 1 {
		t.Fatalf("score at the threshold must be emitted, got %d err=%v", len(got), err)
	}

	cfg.MinMomentumScore = 101
	got, err = newScanner(data, cfg, nil).Scan(context.Background(), 3)
	if err != nil || len(got) != 0 {
		t.Fatalf("score below the threshold must not be emitted, got %d err=%v", len(got), err)
	}
}

func TestScanNightPumpBypassesCrossover(t *testing.T) {
	data := &fakeData{
		tickers: map[string]model.Ticker{"PUSDT": ticker("PUSDT", 10_000_000)},
		candles: map[string][]model.Candle{"PUSDT": pumpSeries()},
	}
	got, err := newScanner(data, testTrading(), nil).Scan(context.Background(), 3)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one candidate, got %d", len(got))
	}
	c := got[0]
	if !c.Detail.NightPump || c.Detail.Crossover {
		t.Fatalf("expected night pump without crossover, got %+v", c.Detail)
	}
	if c.Direction != model.Long {
		t.Fatalf("pump direction should follow the move sign, got %s", c.Direction)
	}
}

func TestScanQuietMarketEmitsNothing(t *testing.T) {
	data := &fakeData{
		tickers: map[string]model.Ticker{"AUSDT": ticker("AUSDT", 10_000_000)},
		candles: map[string][]model.Candle{"AUSDT": flatSeries()},
	}
	got, err := newScanner(data, testTrading(), nil).Scan(context.Background(), 3)
	if err != nil || len(got) != 0 {
		t.Fatalf("flat series must not pass the mobility gates, got %d err=%v", len(got), err)
	}
}

func TestScanUniverseFilter(t *testing.T) {
	data := &fakeData{
		tickers: map[string]model.Ticker{
			"AUSDT":    ticker("AUSDT", 10_000_000),
			"THINUSDT": ticker("THINUSDT", 1_000_000), // under the volume floor
			"ABTC":     ticker("ABTC", 10_000_000),    // quote not allowed
			"BADUSDT":  ticker("BADUSDT", 10_000_000), // denied
		},
		candles: map[string][]model.Candle{"AUSDT": breakoutSeries()},
	}
	cfg := testTrading()
	cfg.Denylist = []string{"BADUSDT"}

	got, err := newScanner(data, cfg, nil).Scan(context.Background(), 3)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 || got[0].Symbol != "AUSDT" {
		t.Fatalf("only AUSDT should survive the universe filter, got %v", got)
	}
	for _, sym := range []string{"THINUSDT", "ABTC", "BADUSDT"} {
		if data.candleCalls[sym] != 0 {
			t.Fatalf("filtered symbol %s must not be fetched", sym)
		}
	}
}

func TestScanRespectsSlotBudget(t *testing.T) {
	data := &fakeData{
		tickers: map[string]model.Ticker{
			"AUSDT": ticker("AUSDT", 10_000_000),
			"BUSDT": ticker("BUSDT", 10_000_000),
		},
		candles: map[string][]model.Candle{
			"AUSDT": breakoutSeries(),
			"BUSDT": breakoutSeries(),
		},
	}
	got, err := newScanner(data, testTrading(), nil).Scan(context.Background(), 1)
	if err != nil || len(got) != 1 {
		t.Fatalf("expected the slot budget to cap emission at 1, got %d err=%v", len(got), err)
	}

	got, err = newScanner(data, testTrading(), nil).Scan(context.Background(), 0)
	if err != nil || len(got) != 0 {
		t.Fatalf("zero slots must short-circuit, got %d err=%v", len(got), err)
	}
}

type skipCapture struct {
	recorder.Noop
	skips []recorder.SkippedTrade
}

func (c *skipCapture) RecordSkip(_ context.Context, s recorder.SkippedTrade) error {
	c.skips = append(c.skips, s)
	return nil
}

func TestScanLogsDataUnavailableDrops(t *testing.T) {
	data := &fakeData{
		tickers: map[string]model.Ticker{"AUSDT": ticker("AUSDT", 10_000_000)},
		candles: map[string][]model.Candle{"AUSDT": breakoutSeries()},
		// The pre-filter fetch succeeds; the deep-analysis fetch fails.
		failFrom: map[string]int{"AUSDT": 2},
	}
	rec := &skipCapture{}
	s := New(data, rec, testTrading(), nil, util.NopLogger()).
		WithClock(func() time.Time { return fixtureStart.Add(time.Hour) })

	got, err := s.Scan(context.Background(), 3)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("an unfetchable survivor must not be emitted, got %v", got)
	}
	if len(rec.skips) != 1 {
		t.Fatalf("expected one recorded skip, got %d", len(rec.skips))
	}
	if rec.skips[0].Symbol != "AUSDT" || rec.skips[0].Reason != model.SkipDataUnavailable {
		t.Fatalf("skip row = %+v, want AUSDT DATA_UNAVAILABLE", rec.skips[0])
	}
}

func TestSessionBoost(t *testing.T) {
	sessions := []config.Session{
		{Name: "Asia", StartHour: 0, EndHour: 8, Multiplier: 2.0, Symbols: []string{"BNB"}},
	}
	s := New(&fakeData{}, recorder.Noop{}, testTrading(), sessions, util.NopLogger())

	name, mult := s.sessionBoost("BNBUSDT", time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC))
	if name != "Asia" || mult != 2.0 {
		t.Fatalf("expected Asia x2.0 for BNB at 03:00 UTC, got %s x%v", name, mult)
	}
	if _, mult := s.sessionBoost("BNBUSDT", time.Date(2026, 8, 26, 9, 0, 0, 0, time.UTC)); mult != 1.0 {
		t.Fatalf("outside the window the multiplier must be 1.0, got %v", mult)
	}
	if _, mult := s.sessionBoost("SOLUSDT", time.Date(2026, 8, 26, 3, 0, 0, 0, time.UTC)); mult != 1.0 {
		t.Fatalf("no affinity means multiplier 1.0, got %v", mult)
	}
}
