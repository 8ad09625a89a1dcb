package settle

import (
	"time"

	"predictstake/internal/market"
)

// EligibleStakes filters the stake book down to stakes that can be settled
// now: past expiry and not yet rewarded. Pure function, no side effects.
func EligibleStakes(stakes []market.Stake, now time.Time) []market.Stake {
	eligible := make([]market.Stake, 0, len(stakes))
	for _, s := range stakes {
		if s.Rewarded {
			continue
		}
		if !s.Expired(now) {
			continue
		}
		eligible = append(eligible, s)
	}
	return eligible
}

// DistinctAssets returns the unique cryptoId set across the given stakes,
// preserving first-seen order so batch oracle calls are deterministic.
func DistinctAssets(stakes []market.Stake) []string {
	seen := map[string]struct{}{}
	assets := make([]string, 0, len(stakes))
	for _, s := range stakes {
		if _, ok := seen[s.CryptoID]; ok {
			continue
		}
		seen[s.CryptoID] = struct{}{}
		assets = append(assets, s.CryptoID)
	}
	return assets
}
