package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable means every source was exhausted for an asset. It marks that
// one asset only; other assets in the same pass are unaffected.
var ErrUnavailable = errors.New("price unavailable")

// Quote is one resolved USD price with its provenance.
type Quote struct {
	Asset     string
	Price     decimal.Decimal
	Source    string
	FetchedAt time.Time
}

// Source is one ordered oracle strategy. FetchBatch returns whatever subset
// of the requested assets it could price; a missing key is not an error.
// A non-nil error means the fetch as a whole failed (transport, rate limit).
type Source interface {
	Name() string
	Supports(asset string) bool
	FetchBatch(ctx context.Context, assets []string) (map[string]decimal.Decimal, error)
}

// RateLimitError is the distinct failure mode of the REST market-data source.
// RetryAfter is the cooldown the caller should observe before the single
// permitted retry.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func IsRateLimited(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}
