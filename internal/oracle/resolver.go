package oracle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"predictstake/internal/retry"
)

// SourceHealth is the last observed state of one price source, surfaced via
// the ops API and upserted into the oracle_health table after each pass.
type SourceHealth struct {
	Name       string
	Status     string
	LastPollAt *time.Time
	LastError  *string
}

// Resolver tries an ordered list of price sources with fallback. Source order
// is priority order: the first source that supports an asset owns its batch
// fetch; later sources are only consulted for assets still unpriced.
type Resolver struct {
	Sources []Source
	Cache   *Cache
	Logger  *zap.Logger
	// RetryCooldown is the wait before the single retry after a rate limit,
	// used when the source did not provide its own retry-after.
	RetryCooldown time.Duration

	mu     sync.Mutex
	health map[string]SourceHealth
}

// ResolvePrices prices as many of the requested assets as possible, one
// best-fit batch call per source group, then sequential per-asset fallback
// for whatever the batches missed. Assets that stay unpriced are simply
// absent from the result; one asset's failure never blocks another's.
func (r *Resolver) ResolvePrices(ctx context.Context, assets []string) map[string]Quote {
	out := map[string]Quote{}
	pending := make([]string, 0, len(assets))
	seen := map[string]struct{}{}
	for _, asset := range assets {
		key := strings.ToLower(strings.TrimSpace(asset))
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		if q, ok := r.Cache.Get(asset); ok {
			out[asset] = q
			continue
		}
		pending = append(pending, asset)
	}
	if len(pending) == 0 {
		return out
	}

	// Partition by the first source that covers each asset, so each group
	// rides its best-fit batch call.
	groups := make([][]string, len(r.Sources))
	for _, asset := range pending {
		for i, src := range r.Sources {
			if src.Supports(asset) {
				groups[i] = append(groups[i], asset)
				break
			}
		}
	}

	for i, group := range groups {
		if len(group) == 0 {
			continue
		}
		src := r.Sources[i]
		prices, err := r.fetchBatch(ctx, src, group)
		if err != nil {
			r.logWarn("batch fetch failed", err, zap.String("source", src.Name()), zap.Int("assets", len(group)))
			continue
		}
		now := time.Now().UTC()
		for asset, price := range prices {
			q := Quote{Asset: asset, Price: price, Source: src.Name(), FetchedAt: now}
			out[asset] = q
			r.Cache.Put(q)
		}
	}

	// Sequential per-asset fallback for whatever the batches missed.
	for _, asset := range pending {
		if _, ok := out[asset]; ok {
			continue
		}
		if ctx.Err() != nil {
			break
		}
		q, err := r.ResolvePrice(ctx, asset)
		if err != nil {
			r.logWarn("asset unpriced after fallback", err, zap.String("asset", asset))
			continue
		}
		out[asset] = q
	}
	return out
}

// ResolvePrice tries each supporting source in priority order and returns the
// first price obtained, or ErrUnavailable once every source is exhausted.
func (r *Resolver) ResolvePrice(ctx context.Context, asset string) (Quote, error) {
	if q, ok := r.Cache.Get(asset); ok {
		return q, nil
	}
	for _, src := range r.Sources {
		if !src.Supports(asset) {
			continue
		}
		prices, err := r.fetchBatch(ctx, src, []string{asset})
		if err != nil {
			r.logWarn("source fetch failed", err, zap.String("source", src.Name()), zap.String("asset", asset))
			continue
		}
		price, ok := prices[asset]
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		q := Quote{Asset: asset, Price: price, Source: src.Name(), FetchedAt: time.Now().UTC()}
		r.Cache.Put(q)
		return q, nil
	}
	return Quote{}, fmt.Errorf("%w: %s", ErrUnavailable, asset)
}

// fetchBatch wraps one source call with the rate-limit policy: on a rate
// limit, wait the cooldown (or the source's retry-after) and retry exactly
// once. All other errors are final for this pass.
func (r *Resolver) fetchBatch(ctx context.Context, src Source, assets []string) (map[string]decimal.Decimal, error) {
	var prices map[string]decimal.Decimal
	err := retry.Do(ctx, 2, IsRateLimited, r.rateLimitDelay, func() error {
		var ferr error
		prices, ferr = src.FetchBatch(ctx, assets)
		return ferr
	})
	r.recordHealth(src, err)
	if err != nil {
		return nil, err
	}
	return prices, nil
}

func (r *Resolver) rateLimitDelay(err error) time.Duration {
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		return rl.RetryAfter
	}
	if r.RetryCooldown > 0 {
		return r.RetryCooldown
	}
	return 30 * time.Second
}

// Health returns the last observed status of every configured source.
func (r *Resolver) Health() []SourceHealth {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SourceHealth, 0, len(r.Sources))
	for _, src := range r.Sources {
		h, ok := r.health[src.Name()]
		if !ok {
			h = SourceHealth{Name: src.Name(), Status: "unknown"}
		}
		out = append(out, h)
	}
	return out
}

func (r *Resolver) recordHealth(src Source, err error) {
	now := time.Now().UTC()
	h := SourceHealth{Name: src.Name(), Status: "healthy", LastPollAt: &now}
	if err != nil {
		h.Status = "down"
		if IsRateLimited(err) {
			h.Status = "rate_limited"
		}
		msg := err.Error()
		h.LastError = &msg
	}
	r.mu.Lock()
	if r.health == nil {
		r.health = map[string]SourceHealth{}
	}
	r.health[src.Name()] = h
	r.mu.Unlock()
}

func (r *Resolver) logWarn(msg string, err error, fields ...zap.Field) {
	if r == nil || r.Logger == nil {
		return
	}
	r.Logger.Warn(msg, append(fields, zap.Error(err))...)
}
