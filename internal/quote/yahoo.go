package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"pricealerts/internal/models"
)

// YahooProvider reads quotes from the Yahoo Finance chart endpoint.
type YahooProvider struct {
	baseURL    string
	httpClient *http.Client
}

func NewYahooProvider(baseURL string) *YahooProvider {
	if baseURL == "" {
		baseURL = "https://query1.finance.yahoo.com"
	}
	return &YahooProvider{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *YahooProvider) Name() string {
	return "yahoo"
}

type yahooChartResponse struct {
	Chart struct {
		Result []struct {
			Meta struct {
				Currency            string  `json:"currency"`
				Symbol              string  `json:"symbol"`
				RegularMarketPrice  float64 `json:"regularMarketPrice"`
				RegularMarketDayLow float64 `json:"regularMarketDayLow"`
			} `json:"meta"`
		} `json:"result"`
		Error *struct {
			Code        string `json:"code"`
			Description string `json:"description"`
		} `json:"error"`
	} `json:"chart"`
}

func (p *YahooProvider) Quote(ctx context.Context, key string) (models.Quote, bool, error) {
	endpoint := fmt.Sprintf("%s/v8/finance/chart/%s?interval=1d&range=1d", p.baseURL, url.PathEscape(key))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Quote{}, false, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "Mozilla/5.0 (price-level-alerts)")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return models.Quote{}, false, err
	}
	defer resp.Body.Close()

	// unknown symbols come back as 404 with a chart.error body
	if resp.StatusCode == http.StatusNotFound {
		return models.Quote{}, false, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return models.Quote{}, false, fmt.Errorf("yahoo returned status %d: %s", resp.StatusCode, string(body))
	}

	var data yahooChartResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return models.Quote{}, false, fmt.Errorf("decode: %w", err)
	}

	if data.Chart.Error != nil || len(data.Chart.Result) == 0 {
		return models.Quote{}, false, nil
	}

	meta := data.Chart.Result[0].Meta
	q := models.Quote{
		LastPrice: meta.RegularMarketPrice,
		DayLow:    meta.RegularMarketDayLow,
	}
	return q, q.Complete(), nil
}
