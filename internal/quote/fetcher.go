// Package quote resolves tickers to current market quotes.
package quote

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pricealerts/internal/logger"
	"pricealerts/internal/models"

	"go.uber.org/zap"
)

// Provider looks up a quote by a provider query key. A key the provider does
// not know yields ok == false with a nil error; err is reserved for
// transport failures.
type Provider interface {
	Name() string
	Quote(ctx context.Context, key string) (q models.Quote, ok bool, err error)
}

// Fetcher normalises tickers and applies the display-name fallback.
type Fetcher struct {
	stocks  Provider
	crypto  Provider
	fiat    string
	timeout time.Duration
}

// NewFetcher builds a Fetcher. crypto may be nil, in which case stocks also
// serves crypto pairs.
func NewFetcher(stocks, crypto Provider, fiat string, timeout time.Duration) *Fetcher {
	if crypto == nil {
		crypto = stocks
	}
	if fiat == "" {
		fiat = "USD"
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Fetcher{
		stocks:  stocks,
		crypto:  crypto,
		fiat:    strings.ToUpper(fiat),
		timeout: timeout,
	}
}

// NormalizeTicker upper-cases ticker and, for crypto, appends the fiat
// market suffix unless one is already present.
func NormalizeTicker(ticker string, isCrypto bool, fiat string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if !isCrypto || t == "" || strings.Contains(t, "-") {
		return t
	}
	return t + "-" + strings.ToUpper(fiat)
}

// Fetch returns the quote for ticker, retrying once with displayName when
// the ticker is unknown. ok is false when neither key resolves to a complete
// quote. Each provider call runs under its own timeout.
func (f *Fetcher) Fetch(ctx context.Context, ticker, displayName string, isCrypto bool) (models.Quote, bool, error) {
	provider := f.stocks
	if isCrypto {
		provider = f.crypto
	}

	key := NormalizeTicker(ticker, isCrypto, f.fiat)
	q, ok, err := f.lookup(ctx, provider, key)
	if err != nil {
		return models.Quote{}, false, fmt.Errorf("quote %s via %s: %w", key, provider.Name(), err)
	}
	if ok {
		return q, true, nil
	}

	fallback := strings.TrimSpace(displayName)
	if fallback == "" || strings.EqualFold(fallback, key) {
		return models.Quote{}, false, nil
	}

	logger.Log.Debug("Ticker not found, retrying with display name",
		zap.String("ticker", key),
		zap.String("display_name", fallback),
		zap.String("provider", provider.Name()),
	)

	q, ok, err = f.lookup(ctx, provider, fallback)
	if err != nil {
		return models.Quote{}, false, fmt.Errorf("quote %q via %s: %w", fallback, provider.Name(), err)
	}
	return q, ok, nil
}

func (f *Fetcher) lookup(ctx context.Context, p Provider, key string) (models.Quote, bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	q, ok, err := p.Quote(callCtx, key)
	if err != nil {
		return models.Quote{}, false, err
	}
	if !ok || !q.Complete() {
		return models.Quote{}, false, nil
	}
	return q, true, nil
}
