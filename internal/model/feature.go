package model

import (
	"strings"

	"github.com/rotisserie/eris"
)

// Feature names a numeric profile attribute that can drive clustering.
type Feature string

const (
	FeatureRecency    Feature = "recency"
	FeatureFrequency  Feature = "frequency"
	FeatureMonetary   Feature = "monetary"
	FeatureAvgPayment Feature = "avg_payment"
)

// DefaultFeatures is the RFM triple.
var DefaultFeatures = []Feature{FeatureRecency, FeatureFrequency, FeatureMonetary}

var featureAliases = map[string]Feature{
	"recency":            FeatureRecency,
	"recency_days":       FeatureRecency,
	"frequency":          FeatureFrequency,
	"total_payments":     FeatureFrequency,
	"monetary":           FeatureMonetary,
	"avg_payment":        FeatureAvgPayment,
	"avg_payment_amount": FeatureAvgPayment,
}

// ParseFeature resolves a feature name or one of its aliases.
func ParseFeature(s string) (Feature, error) {
	f, ok := featureAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", eris.Wrapf(ErrInvalidParams, "unknown feature %q", s)
	}
	return f, nil
}

// ParseFeatures resolves a list of names, rejecting duplicates.
func ParseFeatures(names []string) ([]Feature, error) {
	out := make([]Feature, 0, len(names))
	seen := make(map[Feature]bool, len(names))
	for _, n := range names {
		f, err := ParseFeature(n)
		if err != nil {
			return nil, err
		}
		if seen[f] {
			return nil, eris.Wrapf(ErrInvalidParams, "duplicate feature %q", n)
		}
		seen[f] = true
		out = append(out, f)
	}
	return out, nil
}

// HeavyTailed reports whether the feature is a count or amount that gets log1p before scaling.
func (f Feature) HeavyTailed() bool {
	switch f {
	case FeatureFrequency, FeatureMonetary, FeatureAvgPayment:
		return true
	default:
		return false
	}
}

// Value extracts the untransformed feature from a profile. ok is false when missing.
func (f Feature) Value(p *EntityProfile) (float64, bool) {
	switch f {
	case FeatureRecency:
		if p.Recency == nil {
			return 0, false
		}
		return float64(*p.Recency), true
	case FeatureFrequency:
		return float64(p.Frequency), p.Frequency > 0
	case FeatureMonetary:
		return p.Monetary, p.Frequency > 0
	case FeatureAvgPayment:
		return p.AvgPayment, p.Frequency > 0
	default:
		return 0, false
	}
}
