package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"perpbot-go/internal/model"
)

const rateLimitWait = 2 * time.Second

// RESTClient talks to a Binance-futures-shaped REST API. All outbound
// requests pass through a token bucket sized below the venue's published
// limit; when tokens are exhausted requests wait up to rateLimitWait and
// then fail as RATE_LIMITED.
type RESTClient struct {
	baseURL   string
	apiKey    string
	apiSecret string
	http      *http.Client
	limiter   *rate.Limiter
	log       zerolog.Logger
}

// NewRESTClient builds a venue client. requestsPerMin should already carry
// the 90% safety margin.
func NewRESTClient(baseURL, apiKey, apiSecret string, requestsPerMin float64, timeout time.Duration, log zerolog.Logger) *RESTClient {
	perSec := requestsPerMin / 60.0
	return &RESTClient{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		apiKey:    apiKey,
		apiSecret: apiSecret,
		http:      &http.Client{Timeout: timeout},
		limiter:   rate.NewLimiter(rate.Limit(perSec), int(perSec)+1),
		log:       log,
	}
}

func (c *RESTClient) FetchTickers(ctx context.Context) (map[string]model.Ticker, error) {
	var raw []struct {
		Symbol      string `json:"symbol"`
		LastPrice   string `json:"lastPrice"`
		QuoteVolume string `json:"quoteVolume"`
		CloseTime   int64  `json:"closeTime"`
	}
	if err := c.get(ctx, "fetch_tickers", "", "/fapi/v1/ticker/24hr", nil, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]model.Ticker, len(raw))
	for _, t := range raw {
		price, err1 := strconv.ParseFloat(t.LastPrice, 64)
		vol, err2 := strconv.ParseFloat(t.QuoteVolume, 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out[t.Symbol] = model.Ticker{
			Symbol:         t.Symbol,
			LastPrice:      price,
			QuoteVolume24h: vol,
			Timestamp:      time.UnixMilli(t.CloseTime),
		}
	}
	return out, nil
}

func (c *RESTClient) FetchCandles(ctx context.Context, symbol string, interval model.Interval, limit int) ([]model.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", string(interval))
	params.Set("limit", strconv.Itoa(limit))

	var raw [][]json.RawMessage
	if err := c.get(ctx, "fetch_candles", symbol, "/fapi/v1/klines", params, &raw); err != nil {
		return nil, err
	}
	out := make([]model.Candle, 0, len(raw))
	for _, k := range raw {
		if len(k) < 6 {
			continue
		}
		var openTime int64
		var o, h, l, cl, v string
		if err := json.Unmarshal(k[0], &openTime); err != nil {
			continue
		}
		fields := []struct {
			raw json.RawMessage
			dst *string
		}{{k[1], &o}, {k[2], &h}, {k[3], &l}, {k[4], &cl}, {k[5], &v}}
		ok := true
		for _, f := range fields {
			if err := json.Unmarshal(f.raw, f.dst); err != nil {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		candle := model.Candle{OpenTime: time.UnixMilli(openTime)}
		candle.Open, _ = strconv.ParseFloat(o, 64)
		candle.High, _ = strconv.ParseFloat(h, 64)
		candle.Low, _ = strconv.ParseFloat(l, 64)
		candle.Close, _ = strconv.ParseFloat(cl, 64)
		candle.Volume, _ = strconv.ParseFloat(v, 64)
		out = append(out, candle)
	}
	return out, nil
}

func (c *RESTClient) FetchOrderBook(ctx context.Context, symbol string, depth int) (model.OrderBook, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("limit", strconv.Itoa(depth))

	var raw struct {
		Bids [][2]string `json:"bids"`
		Asks [][2]string `json:"asks"`
	}
	if err := c.get(ctx, "fetch_order_book", symbol, "/fapi/v1/depth", params, &raw); err != nil {
		return model.OrderBook{}, err
	}
	book := model.OrderBook{Symbol: symbol}
	for _, b := range raw.Bids {
		book.Bids = append(book.Bids, parseLevel(b))
	}
	for _, a := range raw.Asks {
		book.Asks = append(book.Asks, parseLevel(a))
	}
	return book, nil
}

func (c *RESTClient) FetchPositions(ctx context.Context) (map[string]model.VenuePosition, error) {
	var raw []struct {
		Symbol      string `json:"symbol"`
		PositionAmt string `json:"positionAmt"`
		EntryPrice  string `json:"entryPrice"`
		Leverage    string `json:"leverage"`
	}
	if err := c.signedCall(ctx, "fetch_positions", "", http.MethodGet, "/fapi/v2/positionRisk", url.Values{}, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]model.VenuePosition)
	for _, p := range raw {
		amt, err := strconv.ParseFloat(p.PositionAmt, 64)
		if err != nil || amt == 0 {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		lev, _ := strconv.Atoi(p.Leverage)
		dir := model.Long
		if amt < 0 {
			dir = model.Short
			amt = -amt
		}
		out[p.Symbol] = model.VenuePosition{
			Symbol:     p.Symbol,
			Direction:  dir,
			Quantity:   amt,
			EntryPrice: entry,
			Leverage:   lev,
		}
	}
	return out, nil
}

func (c *RESTClient) PlaceMarketOrder(ctx context.Context, symbol string, side model.Side, qty float64, leverage int) (OrderResult, error) {
	// Leverage is set per symbol before the order; the venue remembers it.
	levParams := url.Values{}
	levParams.Set("symbol", symbol)
	levParams.Set("leverage", strconv.Itoa(leverage))
	if err := c.signedCall(ctx, "set_leverage", symbol, http.MethodPost, "/fapi/v1/leverage", levParams, &json.RawMessage{}); err != nil {
		return OrderResult{}, err
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("newOrderRespType", "RESULT")
	return c.submitOrder(ctx, "place_market_order", symbol, params)
}

func (c *RESTClient) ClosePosition(ctx context.Context, symbol string, side model.Side, qty float64) (OrderResult, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", "MARKET")
	params.Set("quantity", strconv.FormatFloat(qty, 'f', -1, 64))
	params.Set("reduceOnly", "true")
	params.Set("newOrderRespType", "RESULT")
	return c.submitOrder(ctx, "close_position", symbol, params)
}

func (c *RESTClient) submitOrder(ctx context.Context, op, symbol string, params url.Values) (OrderResult, error) {
	var raw struct {
		OrderID     int64  `json:"orderId"`
		ExecutedQty string `json:"executedQty"`
		AvgPrice    string `json:"avgPrice"`
		Status      string `json:"status"`
	}
	if err := c.signedCall(ctx, op, symbol, http.MethodPost, "/fapi/v1/order", params, &raw); err != nil {
		return OrderResult{}, err
	}
	qty, _ := strconv.ParseFloat(raw.ExecutedQty, 64)
	price, _ := strconv.ParseFloat(raw.AvgPrice, 64)
	return OrderResult{
		OrderID:   strconv.FormatInt(raw.OrderID, 10),
		FilledQty: qty,
		AvgPrice:  price,
		Status:    raw.Status,
	}, nil
}

func parseLevel(pair [2]string) model.Level {
	price, _ := strconv.ParseFloat(pair[0], 64)
	qty, _ := strconv.ParseFloat(pair[1], 64)
	return model.Level{Price: price, Quantity: qty}
}

func (c *RESTClient) get(ctx context.Context, op, symbol, path string, params url.Values, dst any) error {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return &VenueError{Kind: KindUnknown, Op: op, Symbol: symbol, Err: err}
	}
	return c.send(req, op, symbol, dst)
}

func (c *RESTClient) signedCall(ctx context.Context, op, symbol, method, path string, params url.Values, dst any) error {
	params.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	params.Set("recvWindow", "5000")
	query := params.Encode()
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(query))
	query += "&signature=" + hex.EncodeToString(mac.Sum(nil))

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return &VenueError{Kind: KindUnknown, Op: op, Symbol: symbol, Err: err}
	}
	req.Header.Set("X-MBX-APIKEY", c.apiKey)
	return c.send(req, op, symbol, dst)
}

func (c *RESTClient) send(req *http.Request, op, symbol string, dst any) error {
	waitCtx, cancel := context.WithTimeout(req.Context(), rateLimitWait)
	defer cancel()
	if err := c.limiter.Wait(waitCtx); err != nil {
		return &VenueError{Kind: KindRateLimited, Op: op, Symbol: symbol,
			Err: fmt.Errorf("token bucket exhausted: %w", err)}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &VenueError{Kind: KindTransient, Op: op, Symbol: symbol, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return &VenueError{Kind: KindTransient, Op: op, Symbol: symbol, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return &VenueError{Kind: classifyStatus(resp.StatusCode, body), Op: op, Symbol: symbol,
			Err: fmt.Errorf("http %d: %s", resp.StatusCode, truncate(body, 200))}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return &VenueError{Kind: KindUnknown, Op: op, Symbol: symbol,
			Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func classifyStatus(status int, body []byte) Kind {
	switch {
	case status == http.StatusTooManyRequests || status == 418:
		return KindRateLimited
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindUnauthorized
	case status >= 500:
		return KindTransient
	}
	var apiErr struct {
		Code int `json:"code"`
	}
	if json.Unmarshal(body, &apiErr) == nil {
		switch apiErr.Code {
		case -2019, -2018: // margin is insufficient / balance not sufficient
			return KindInsufficientMargin
		case -1121: // invalid symbol
			return KindInvalidSymbol
		case -1003: // too many requests
			return KindRateLimited
		}
	}
	return KindUnknown
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
