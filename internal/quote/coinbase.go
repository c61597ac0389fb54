package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pricealerts/internal/models"

	"github.com/gorilla/websocket"
)

// CoinbaseProvider reads crypto quotes from the Coinbase exchange feed. Each
// call opens a connection, subscribes to the ticker channel for one product
// and returns the first ticker message.
type CoinbaseProvider struct {
	wsURL  string
	dialer *websocket.Dialer
}

func NewCoinbaseProvider(wsURL string) *CoinbaseProvider {
	if wsURL == "" {
		wsURL = "wss://ws-feed.exchange.coinbase.com"
	}
	return &CoinbaseProvider{
		wsURL:  wsURL,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
}

func (p *CoinbaseProvider) Name() string {
	return "coinbase"
}

type subscriptionMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels"`
}

type tickerMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Low24h    string `json:"low_24h"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
}

func (p *CoinbaseProvider) Quote(ctx context.Context, key string) (models.Quote, bool, error) {
	product := strings.ToUpper(strings.TrimSpace(key))
	if !strings.Contains(product, "-") {
		// not a product id, e.g. a display name fallback
		return models.Quote{}, false, nil
	}

	c, _, err := p.dialer.DialContext(ctx, p.wsURL, nil)
	if err != nil {
		return models.Quote{}, false, fmt.Errorf("dial coinbase: %w", err)
	}
	defer c.Close()

	if deadline, ok := ctx.Deadline(); ok {
		c.SetReadDeadline(deadline)
		c.SetWriteDeadline(deadline)
	}

	subscribe := subscriptionMessage{
		Type:       "subscribe",
		ProductIDs: []string{product},
		Channels:   []string{"ticker"},
	}
	if err := c.WriteJSON(subscribe); err != nil {
		return models.Quote{}, false, fmt.Errorf("subscribe: %w", err)
	}

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return models.Quote{}, false, ctx.Err()
			}
			return models.Quote{}, false, fmt.Errorf("read: %w", err)
		}

		var msg tickerMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return models.Quote{}, false, fmt.Errorf("decode: %w", err)
		}

		switch msg.Type {
		case "error":
			// unknown products are rejected at subscribe time
			return models.Quote{}, false, nil
		case "ticker":
			if msg.ProductID != product {
				continue
			}
			q := models.Quote{
				LastPrice: parsePrice(msg.Price),
				DayLow:    parsePrice(msg.Low24h),
			}
			return q, q.Complete(), nil
		}
	}
}

func parsePrice(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
