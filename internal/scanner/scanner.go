// Package scanner turns the ticker universe into a ranked candidate list in
// four phases: universe filter, mobility pre-filter, deep analysis, emission.
package scanner

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"perpbot-go/internal/config"
	"perpbot-go/internal/indicator"
	"perpbot-go/internal/marketdata"
	"perpbot-go/internal/metrics"
	"perpbot-go/internal/model"
	"perpbot-go/internal/recorder"
)

// Deadline for the universe filter and pre-filter together. A tick that
// cannot finish them in time emits nothing rather than acting on a partial
// universe.
const prefilterDeadline = 20 * time.Second

// MarketData is the slice of the gateway the scanner reads.
type MarketData interface {
	Tickers(ctx context.Context) (map[string]model.Ticker, error)
	Candles(ctx context.Context, symbol string, interval model.Interval) ([]model.Candle, error)
}

// Scanner computes momentum scores over the tradable universe.
type Scanner struct {
	data     MarketData
	rec      recorder.Recorder
	cfg      config.Trading
	sessions []config.Session
	log      zerolog.Logger
	now      func() time.Time
}

// New builds a scanner over the market data source.
func New(data MarketData, rec recorder.Recorder, cfg config.Trading, sessions []config.Session, log zerolog.Logger) *Scanner {
	return &Scanner{data: data, rec: rec, cfg: cfg, sessions: sessions, log: log, now: time.Now}
}

// WithClock overrides the scanner clock. Test helper.
func (s *Scanner) WithClock(now func() time.Time) *Scanner {
	s.now = now
	return s
}

type prefiltered struct {
	ticker   model.Ticker
	mobility float64
}

// Scan runs one tick and returns at most slots candidates, best first.
func (s *Scanner) Scan(ctx context.Context, slots int) ([]model.Candidate, error) {
	metrics.ScannerTicks.Inc()
	if slots <= 0 {
		return nil, nil
	}

	phaseCtx, cancel := context.WithTimeout(ctx, prefilterDeadline)
	defer cancel()

	universe, err := s.universe(phaseCtx)
	if err != nil {
		return nil, err
	}
	survivors := s.prefilter(phaseCtx, universe)
	if phaseCtx.Err() != nil {
		s.log.Warn().Int("universe", len(universe)).Int("survivors", len(survivors)).
			Msg("pre-filter deadline exceeded, emitting no candidates")
		return nil, nil
	}

	var candidates []model.Candidate
	for _, p := range survivors {
		c, ok := s.analyze(ctx, p)
		if !ok {
			continue
		}
		if c.Score >= s.cfg.MinMomentumScore {
			candidates = append(candidates, c)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].Detail.MobilityRank > candidates[j].Detail.MobilityRank
	})
	if len(candidates) > slots {
		candidates = candidates[:slots]
	}
	metrics.CandidatesEmitted.Add(float64(len(candidates)))
	for _, c := range candidates {
		s.log.Info().Str("symbol", c.Symbol).Str("direction", string(c.Direction)).
			Int("score", c.Score).Float64("price", c.Price).Float64("atr", c.ATR).
			Float64("tp", c.SuggestedTP).Float64("sl", c.SuggestedSL).
			Bool("night_pump", c.Detail.NightPump).Str("session", c.Detail.SessionName).
			Msg("candidate scored")
	}
	return candidates, nil
}

// universe keeps liquid symbols with an allowed quote asset, minus the
// denylist.
func (s *Scanner) universe(ctx context.Context) ([]model.Ticker, error) {
	tickers, err := s.data.Tickers(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Ticker
	for _, t := range tickers {
		if t.QuoteVolume24h < s.cfg.MinVolume24h {
			continue
		}
		if !s.quoteAllowed(t.Symbol) || s.denied(t.Symbol) {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (s *Scanner) quoteAllowed(symbol string) bool {
	for _, q := range s.cfg.QuoteAllowlist {
		if strings.HasSuffix(symbol, q) {
			return true
		}
	}
	return false
}

func (s *Scanner) denied(symbol string) bool {
	for _, d := range s.cfg.Denylist {
		if symbol == d {
			return true
		}
	}
	return false
}

// prefilter applies the cheap mobility gates over the last 25 one-minute
// candles and keeps the top K by mobility rank. Unfetchable symbols are
// skipped for the tick, never fatal.
func (s *Scanner) prefilter(ctx context.Context, universe []model.Ticker) []prefiltered {
	var out []prefiltered
	for _, t := range universe {
		if ctx.Err() != nil {
			return out
		}
		candles, err := s.data.Candles(ctx, t.Symbol, model.Interval1m)
		if err != nil {
			if !marketdata.IsUnavailable(err) {
				s.log.Warn().Err(err).Str("symbol", t.Symbol).Msg("candle fetch failed in pre-filter")
			}
			continue
		}
		if len(candles) < 25 {
			continue
		}
		w := candles[len(candles)-25:]
		closes := indicator.Closes(w)
		vols := indicator.Volumes(w)
		last := closes[len(closes)-1]
		if last == 0 {
			continue
		}

		atrPct := indicator.ATR(w, 10) / last * 100
		if atrPct < s.cfg.MinATRPct1Min {
			continue
		}
		volRatio := ratio(indicator.Mean(vols[22:]), indicator.Mean(vols[2:22]))
		if volRatio < s.cfg.MinVolRatio {
			continue
		}
		thrust := math.Abs(indicator.PctChange(closes[len(closes)-6], last))
		if thrust < s.cfg.MinThrustPct {
			continue
		}

		out = append(out, prefiltered{ticker: t, mobility: atrPct * volRatio * thrust})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].mobility > out[j].mobility })
	if len(out) > s.cfg.PrefilterTopK {
		out = out[:s.cfg.PrefilterTopK]
	}
	return out
}

// analyze runs the deep scoring pass over 60 one-minute candles.
func (s *Scanner) analyze(ctx context.Context, p prefiltered) (model.Candidate, bool) {
	symbol := p.ticker.Symbol
	candles, err := s.data.Candles(ctx, symbol, model.Interval1m)
	if err != nil || len(candles) < 20 {
		// The symbol passed every mobility gate; it is dropped on data,
		// not merit, and that goes in the skipped-trades log.
		s.skipUnavailable(ctx, symbol, err)
		return model.Candidate{}, false
	}
	closes := indicator.Closes(candles)
	vols := indicator.Volumes(candles)
	n := len(closes)
	last := closes[n-1]
	if last == 0 {
		return model.Candidate{}, false
	}

	fast := indicator.EMA(closes, 5)
	slow := indicator.EMA(closes, 13)
	crossUp := indicator.CrossoverUp(fast, slow)
	crossDown := indicator.CrossoverDown(fast, slow)

	priceChange3 := (last - closes[n-4]) / closes[n-4]
	volRatio := ratio(indicator.Mean(vols[n-3:]), indicator.Mean(vols[n-20:n-3]))
	atr := indicator.ATR(candles, 14)
	atrPct := atr / last * 100

	pump, pumpDir := s.nightPump(closes, volRatio)

	var dir model.Direction
	switch {
	case crossUp:
		dir = model.Long
	case crossDown:
		dir = model.Short
	case pump:
		dir = pumpDir
	default:
		return model.Candidate{}, false
	}
	if atrPct < 0.10 {
		return model.Candidate{}, false
	}

	score := 0.0
	if crossUp || crossDown {
		score += 40
	}
	if (dir == model.Long && priceChange3 > 0) || (dir == model.Short && priceChange3 < 0) {
		score += 20
	}
	switch {
	case volRatio >= 2.0:
		score += 35
	case volRatio >= 1.5:
		score += 25
	case volRatio >= 1.2:
		score += 15
	case volRatio < 1.0:
		score -= 20
	}
	if atrPct >= 0.15 {
		score += 15
	}

	sessionName, mult := s.sessionBoost(symbol, s.now())
	score *= mult
	if pump {
		score *= 1.5
	}
	final := int(math.Round(score))
	if final > 100 {
		final = 100
	}
	if final < 0 {
		final = 0
	}

	entry := last
	var tp, sl float64
	if dir == model.Long {
		tp = entry + s.cfg.TPMult*atr
		sl = entry - s.cfg.SLMult*atr
	} else {
		tp = entry - s.cfg.TPMult*atr
		sl = entry + s.cfg.SLMult*atr
	}

	return model.Candidate{
		Symbol:       symbol,
		Direction:    dir,
		Score:        final,
		Price:        entry,
		ATR:          atr,
		SuggestedTP:  tp,
		SuggestedSL:  sl,
		Volume24h:    p.ticker.QuoteVolume24h,
		SnapshotTime: s.now().UTC(),
		Detail: model.ScoreDetail{
			Crossover:         crossUp || crossDown,
			NightPump:         pump,
			PriceChange3:      priceChange3,
			VolumeRatio:       volRatio,
			ATRPct:            atrPct,
			SessionName:       sessionName,
			SessionMultiplier: mult,
			MobilityRank:      p.mobility,
		},
	}, true
}

func (s *Scanner) skipUnavailable(ctx context.Context, symbol string, err error) {
	detail := "deep-analysis candle window too short"
	if err != nil {
		detail = err.Error()
	}
	metrics.SkippedTotal.WithLabelValues(string(model.SkipDataUnavailable)).Inc()
	s.log.Warn().Str("symbol", symbol).Str("detail", detail).Msg("candidate dropped, market data unavailable")
	if rerr := s.rec.RecordSkip(ctx, recorder.SkippedTrade{
		Symbol: symbol,
		Reason: model.SkipDataUnavailable,
		Detail: detail,
		At:     s.now().UTC(),
	}); rerr != nil {
		s.log.Warn().Err(rerr).Str("symbol", symbol).Msg("skip not recorded")
	}
}

// nightPump detects the low-liquidity surge pattern: a sharp 5-minute move
// on extreme volume that outruns the 15-minute trend.
func (s *Scanner) nightPump(closes []float64, volRatio float64) (bool, model.Direction) {
	n := len(closes)
	if n < 16 {
		return false, ""
	}
	move5 := (closes[n-1] - closes[n-6]) / closes[n-6]
	move15 := (closes[n-1] - closes[n-16]) / closes[n-16]
	if math.Abs(move5)*100 <= 0.5 || volRatio <= 3.0 {
		return false, ""
	}
	if math.Abs(move5) <= 2*math.Abs(move15) {
		return false, ""
	}
	if move5 > 0 {
		return true, model.Long
	}
	return true, model.Short
}

// sessionBoost returns the multiplier for symbols with affinity for the
// current UTC session; 1.0 otherwise.
func (s *Scanner) sessionBoost(symbol string, now time.Time) (string, float64) {
	hour := now.UTC().Hour()
	base := s.baseAsset(symbol)
	for _, sess := range s.sessions {
		if hour < sess.StartHour || hour >= sess.EndHour {
			continue
		}
		for _, sym := range sess.Symbols {
			if sym == base {
				return sess.Name, sess.Multiplier
			}
		}
	}
	return "", 1.0
}

func (s *Scanner) baseAsset(symbol string) string {
	for _, q := range s.cfg.QuoteAllowlist {
		if strings.HasSuffix(symbol, q) {
			return strings.TrimSuffix(symbol, q)
		}
	}
	return symbol
}

func ratio(num, den float64) float64 {
	if den == 0 {
		return 0
	}
	return num / den
}
