package exchange

import (
	"context"
	"errors"
	"testing"

	"perpbot-go/internal/model"
	"perpbot-go/internal/util"
)

type stubReads struct {
	Client
	tickers map[string]model.Ticker
}

func (s *stubReads) FetchTickers(context.Context) (map[string]model.Ticker, error) {
	return s.tickers, nil
}

func TestPaperFillsWithSlippage(t *testing.T) {
	p := NewPaper(&stubReads{}, 10, util.NopLogger()) // 10 bps
	p.SetMark("XUSDT", 10000)

	buy, err := p.PlaceMarketOrder(context.Background(), "XUSDT", model.Buy, 5, 3)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if !buy.Filled() || buy.AvgPrice != 10010 {
		t.Fatalf("buy must fill at mark + slippage, got %+v", buy)
	}

	sell, err := p.ClosePosition(context.Background(), "XUSDT", model.Sell, 5)
	if err != nil {
		t.Fatalf("sell: %v", err)
	}
	if sell.AvgPrice != 9990 {
		t.Fatalf("sell must fill at mark - slippage, got %v", sell.AvgPrice)
	}
}

func TestPaperTracksPositions(t *testing.T) {
	p := NewPaper(&stubReads{}, 0, util.NopLogger())
	p.SetMark("XUSDT", 100)

	if _, err := p.PlaceMarketOrder(context.Background(), "XUSDT", model.Sell, 5, 2); err != nil {
		t.Fatalf("open: %v", err)
	}
	positions, _ := p.FetchPositions(context.Background())
	pos, ok := positions["XUSDT"]
	if !ok || pos.Direction != model.Short || pos.Quantity != 5 {
		t.Fatalf("expected a tracked short, got %+v", positions)
	}

	if _, err := p.ClosePosition(context.Background(), "XUSDT", model.Buy, 5); err != nil {
		t.Fatalf("close: %v", err)
	}
	positions, _ = p.FetchPositions(context.Background())
	if len(positions) != 0 {
		t.Fatalf("closed position must disappear, got %+v", positions)
	}
}

func TestPaperMarksFromTickers(t *testing.T) {
	reads := &stubReads{tickers: map[string]model.Ticker{"YUSDT": {Symbol: "YUSDT", LastPrice: 42}}}
	p := NewPaper(reads, 0, util.NopLogger())

	if _, err := p.FetchTickers(context.Background()); err != nil {
		t.Fatalf("tickers: %v", err)
	}
	order, err := p.PlaceMarketOrder(context.Background(), "YUSDT", model.Buy, 1, 2)
	if err != nil || order.AvgPrice != 42 {
		t.Fatalf("fill must use the ticker mark, got %+v err=%v", order, err)
	}
}

func TestPaperRejectsUnknownSymbol(t *testing.T) {
	p := NewPaper(&stubReads{}, 0, util.NopLogger())
	_, err := p.PlaceMarketOrder(context.Background(), "NOPEUSDT", model.Buy, 1, 2)
	var ve *VenueError
	if !errors.As(err, &ve) || ve.Kind != KindInvalidSymbol {
		t.Fatalf("expected an INVALID_SYMBOL venue error, got %v", err)
	}
}
