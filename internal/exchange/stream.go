package exchange

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// MarkFunc receives mark-price updates from the stream.
type MarkFunc func(symbol string, price float64, ts time.Time)

// MarkPriceStream keeps the ticker cache warm between REST polls by
// consuming the venue's combined mark-price stream. Optional: the closer is
// fully functional from the REST cache alone.
type MarkPriceStream struct {
	url  string
	sink MarkFunc
	log  zerolog.Logger
}

// NewMarkPriceStream subscribes to the all-symbols mark price feed at url.
func NewMarkPriceStream(url string, sink MarkFunc, log zerolog.Logger) *MarkPriceStream {
	return &MarkPriceStream{url: url + "/!markPrice@arr@1s", sink: sink, log: log}
}

// Run blocks until ctx is cancelled, reconnecting with exponential backoff
// on any stream failure.
func (s *MarkPriceStream) Run(ctx context.Context) error {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.consume(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.log.Warn().Err(err).Msg("mark price stream disconnected, retrying")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = time.Duration(math.Min(float64(maxBackoff), float64(backoff)*1.8))
			continue
		}
		backoff = time.Second
	}
}

type markPriceEvent struct {
	Symbol    string `json:"s"`
	MarkPrice string `json:"p"`
	EventTime int64  `json:"E"`
}

func (s *MarkPriceStream) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	s.log.Info().Str("url", s.url).Msg("mark price stream connected")

	conn.SetReadLimit(4 << 20)
	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(30 * time.Second))
		return nil
	})

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-pingCtx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var events []markPriceEvent
		if err := json.Unmarshal(message, &events); err != nil {
			s.log.Warn().Err(err).Msg("failed to decode mark price batch")
			continue
		}
		for _, ev := range events {
			price, err := strconv.ParseFloat(ev.MarkPrice, 64)
			if err != nil || price <= 0 {
				continue
			}
			s.sink(ev.Symbol, price, time.UnixMilli(ev.EventTime))
		}
	}
}
