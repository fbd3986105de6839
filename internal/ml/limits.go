// Package ml provides the machine-learning scoring node: score-limit
// resolution, the scoring case, and the client for the external model
// service.
package ml

import (
	"fmt"
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ResolveLimits picks the concrete tier table for a context. Static tables
// apply to everyone; dynamic tables are keyed by prior-advance taken count
// and resolve to the largest configured key <= the actual count. No
// matching bucket is a configuration defect, not a user-data condition.
func ResolveLimits(cfg *domain.ScoreLimitConfig, takenCount int) (domain.ScoreLimits, error) {
	if len(cfg.Dynamic) == 0 {
		if len(cfg.Static) == 0 {
			return nil, fmt.Errorf("score config %s: no limits configured", cfg.Name)
		}
		return cfg.Static, nil
	}

	keys := make([]int, 0, len(cfg.Dynamic))
	for k := range cfg.Dynamic {
		keys = append(keys, k)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))

	for _, k := range keys {
		if k <= takenCount {
			return cfg.Dynamic[k], nil
		}
	}

	return nil, fmt.Errorf("score config %s: no dynamic bucket matches taken count %d", cfg.Name, takenCount)
}

// ClearedTiers returns every tier whose threshold the score clears, in
// ascending tier order. Exact equality clears; tiers are independent, so a
// score may clear a non-adjacent tier directly.
func ClearedTiers(limits domain.ScoreLimits, score float64) []int {
	tiers := make([]int, 0, len(limits))
	for tier, threshold := range limits {
		if score >= threshold {
			tiers = append(tiers, tier)
		}
	}
	sort.Ints(tiers)
	return tiers
}

// HighestClearedTier returns the largest tier the score clears, or zero.
func HighestClearedTier(limits domain.ScoreLimits, score float64) int {
	tiers := ClearedTiers(limits, score)
	if len(tiers) == 0 {
		return 0
	}
	return tiers[len(tiers)-1]
}

// ValidateConfig rejects tables whose thresholds are not monotonic in the
// tier. A table where a higher amount is cheaper to clear than a lower one
// is an authoring bug; it is caught at load time rather than producing
// undefined resolution at runtime.
func ValidateConfig(cfg *domain.ScoreLimitConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("score config name is required")
	}
	if len(cfg.Static) == 0 && len(cfg.Dynamic) == 0 {
		return fmt.Errorf("score config %s: static or dynamic limits required", cfg.Name)
	}

	if err := validateTable(cfg.Name, cfg.Static); err != nil {
		return err
	}
	for bucket, table := range cfg.Dynamic {
		if bucket < 0 {
			return fmt.Errorf("score config %s: negative taken-count bucket %d", cfg.Name, bucket)
		}
		if err := validateTable(fmt.Sprintf("%s[%d]", cfg.Name, bucket), table); err != nil {
			return err
		}
	}
	return nil
}

func validateTable(name string, limits domain.ScoreLimits) error {
	if len(limits) == 0 {
		return nil
	}

	tiers := make([]int, 0, len(limits))
	for tier := range limits {
		if tier <= 0 {
			return fmt.Errorf("score table %s: non-positive tier %d", name, tier)
		}
		tiers = append(tiers, tier)
	}
	sort.Ints(tiers)

	prev := limits[tiers[0]]
	for _, tier := range tiers[1:] {
		if limits[tier] < prev {
			return fmt.Errorf("score table %s: tier %d threshold %.4f below a lower tier's threshold %.4f", name, tier, limits[tier], prev)
		}
		prev = limits[tier]
	}
	return nil
}
