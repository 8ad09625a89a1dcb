package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"predictstake/internal/config"
)

type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.Status, e.Body)
}

// CoinGeckoSource is the last-resort REST market-data source. It supports
// batch queries but is externally throttled: calls are serialized with a
// fixed inter-request delay, and HTTP 429 surfaces as *RateLimitError so the
// resolver can apply its longer cooldown and single retry.
type CoinGeckoSource struct {
	httpClient   *http.Client
	baseURL      string
	currency     string
	requestDelay time.Duration
	rateCooldown time.Duration
	logger       *zap.Logger

	mu       sync.Mutex
	lastCall time.Time
}

func NewCoinGeckoSource(httpClient *http.Client, cfg config.CoinGeckoConfig, logger *zap.Logger) *CoinGeckoSource {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://api.coingecko.com/api/v3"
	}
	currency := strings.ToLower(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		currency = "usd"
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	delay := cfg.RequestDelay
	if delay <= 0 {
		delay = 3 * time.Second
	}
	cooldown := cfg.RateCooldown
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CoinGeckoSource{
		httpClient:   httpClient,
		baseURL:      baseURL,
		currency:     currency,
		requestDelay: delay,
		rateCooldown: cooldown,
		logger:       logger,
	}
}

func (s *CoinGeckoSource) Name() string { return "coingecko" }

// Supports always reports true: every asset id the ledger knows is a
// CoinGecko slug, so this source is the universal fallback.
func (s *CoinGeckoSource) Supports(asset string) bool { return s != nil }

func (s *CoinGeckoSource) FetchBatch(ctx context.Context, assets []string) (map[string]decimal.Decimal, error) {
	ids := make([]string, 0, len(assets))
	for _, asset := range assets {
		trimmed := strings.ToLower(strings.TrimSpace(asset))
		if trimmed != "" {
			ids = append(ids, trimmed)
		}
	}
	if len(ids) == 0 {
		return map[string]decimal.Decimal{}, nil
	}

	if err := s.throttle(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("ids", strings.Join(ids, ","))
	query.Set("vs_currencies", s.currency)
	body, err := s.doRequest(ctx, "/simple/price", query)
	if err != nil {
		return nil, err
	}

	var parsed map[string]map[string]float64
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("decode simple/price: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(parsed))
	for _, asset := range assets {
		quotes, ok := parsed[strings.ToLower(strings.TrimSpace(asset))]
		if !ok {
			continue
		}
		price, ok := quotes[s.currency]
		if !ok || price <= 0 {
			continue
		}
		out[asset] = decimal.NewFromFloat(price)
	}
	return out, nil
}

func (s *CoinGeckoSource) doRequest(ctx context.Context, path string, query url.Values) ([]byte, error) {
	fullURL := s.baseURL + path
	if len(query) > 0 {
		fullURL = fullURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &RateLimitError{RetryAfter: s.retryAfter(resp)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{Status: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

// throttle enforces the fixed inter-request delay across all callers. The
// wait is recomputed after every sleep: concurrent callers all read the same
// lastCall before the first of them fires, so each must re-check against the
// previous actual request rather than the one it originally observed.
func (s *CoinGeckoSource) throttle(ctx context.Context) error {
	s.mu.Lock()
	for {
		wait := s.requestDelay - time.Since(s.lastCall)
		if wait <= 0 {
			break
		}
		s.mu.Unlock()
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		s.mu.Lock()
	}
	s.lastCall = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *CoinGeckoSource) retryAfter(resp *http.Response) time.Duration {
	if raw := strings.TrimSpace(resp.Header.Get("Retry-After")); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	if s.logger != nil {
		s.logger.Warn("coingecko rate limited without Retry-After header")
	}
	return s.rateCooldown
}
