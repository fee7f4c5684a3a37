package data

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// DefaultBinanceWSURL is the public spot stream endpoint
const DefaultBinanceWSURL = "wss://stream.binance.com:9443/ws"

// binanceTrade is the raw trade frame. Both cases of "e"/"E", "t"/"T" and
// "m"/"M" are declared so encoding/json never folds one into the other.
type binanceTrade struct {
	EventType  string `json:"e"`
	EventTime  int64  `json:"E"`
	Symbol     string `json:"s"`
	TradeID    int64  `json:"t"`
	Price      string `json:"p"`
	Quantity   string `json:"q"`
	TradeTime  int64  `json:"T"`
	BuyerMaker bool   `json:"m"`
	Ignore     bool   `json:"M"`
}

// BinanceTradeStream reads the <symbol>@trade stream of one symbol
type BinanceTradeStream struct {
	logger *zap.Logger
	conn   *websocket.Conn
	symbol string

	closeOnce sync.Once
	stop      chan struct{}
}

var _ MarketStream = (*BinanceTradeStream)(nil)

// DialBinance returns a Connector for the trade stream of symbol. An empty
// baseURL uses DefaultBinanceWSURL.
func DialBinance(logger *zap.Logger, baseURL, symbol string) Connector {
	if baseURL == "" {
		baseURL = DefaultBinanceWSURL
	}
	return func(ctx context.Context) (MarketStream, error) {
		return NewBinanceTradeStream(ctx, logger, baseURL, symbol)
	}
}

// NewBinanceTradeStream connects to <baseURL>/<symbol>@trade
func NewBinanceTradeStream(ctx context.Context, logger *zap.Logger, baseURL, symbol string) (*BinanceTradeStream, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/" + strings.ToLower(symbol) + "@trade")
	if err != nil {
		return nil, fmt.Errorf("invalid stream url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", u.Host, err)
	}

	s := &BinanceTradeStream{
		logger: logger,
		conn:   conn,
		symbol: symbol,
		stop:   make(chan struct{}),
	}

	conn.SetPingHandler(func(appData string) error {
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	// unblock a pending read when the caller goes away
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.stop:
		}
	}()

	logger.Debug("Connected to Binance trade stream", zap.String("symbol", symbol))
	return s, nil
}

// NextEvent blocks until the next trade frame. Non-trade frames are skipped.
func (s *BinanceTradeStream) NextEvent(ctx context.Context) (types.MarketEvent, error) {
	for {
		if err := ctx.Err(); err != nil {
			return types.MarketEvent{}, err
		}

		_, message, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			return types.MarketEvent{}, fmt.Errorf("binance read: %w", err)
		}

		event, ok, err := parseBinanceTrade(message)
		if err != nil {
			s.logger.Debug("Skipping malformed frame", zap.Error(err))
			continue
		}
		if ok {
			return event, nil
		}
	}
}

// Close closes the connection. It is safe to call more than once.
func (s *BinanceTradeStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.stop)
		err = s.conn.Close()
	})
	return err
}

// parseBinanceTrade decodes a trade frame. It returns ok=false for frames
// that are not trades.
func parseBinanceTrade(raw []byte) (types.MarketEvent, bool, error) {
	var msg binanceTrade
	if err := json.Unmarshal(raw, &msg); err != nil {
		return types.MarketEvent{}, false, err
	}
	if msg.EventType != "trade" {
		return types.MarketEvent{}, false, nil
	}

	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return types.MarketEvent{}, false, fmt.Errorf("price %q: %w", msg.Price, err)
	}
	qty := decimal.Zero
	if msg.Quantity != "" {
		if qty, err = decimal.NewFromString(msg.Quantity); err != nil {
			return types.MarketEvent{}, false, fmt.Errorf("quantity %q: %w", msg.Quantity, err)
		}
	}

	ts := msg.TradeTime
	if ts == 0 {
		ts = msg.EventTime
	}

	return types.MarketEvent{
		Kind:      types.MarketEventTrade,
		Timestamp: ts,
		Price:     price.InexactFloat64(),
		Quantity:  qty.InexactFloat64(),
	}, true, nil
}
