package data_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/data"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

func TestBinanceTradeStream(t *testing.T) {
	upgrader := websocket.Upgrader{}
	paths := make(chan string, 1)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		frames := []string{
			`{"result":null,"id":1}`,
			`{"e":"trade","E":1700000000100,"s":"BTCUSDT","t":42,"p":"37000.50","q":"0.015","T":1700000000000,"m":true,"M":true}`,
			`{"e":"24hrTicker","E":1700000000200,"s":"BTCUSDT"}`,
			`{"e":"trade","E":1700000001100,"s":"BTCUSDT","t":43,"p":"37001.00","q":"0.5","T":1700000001000,"m":false,"M":true}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		time.Sleep(50 * time.Millisecond)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	stream, err := data.DialBinance(zap.NewNop(), wsURL, "BTCUSDT")(ctx)
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}

	if path := <-paths; path != "/btcusdt@trade" {
		t.Errorf("Stream path incorrect: expected /btcusdt@trade, got %s", path)
	}

	first, err := stream.NextEvent(ctx)
	if err != nil {
		t.Fatalf("First event failed: %v", err)
	}
	want := types.MarketEvent{Kind: types.MarketEventTrade, Timestamp: 1700000000000, Price: 37000.5, Quantity: 0.015}
	if first != want {
		t.Errorf("First event incorrect: expected %+v, got %+v", want, first)
	}

	second, err := stream.NextEvent(ctx)
	if err != nil {
		t.Fatalf("Second event failed: %v", err)
	}
	if second.Price != 37001 || second.Timestamp != 1700000001000 {
		t.Errorf("Second event incorrect: %+v", second)
	}

	if _, err := stream.NextEvent(ctx); err == nil {
		t.Error("Expected an error once the server closes")
	}
}
