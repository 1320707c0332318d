// Package segment derives per-segment statistics, labels, and strategy text from a clustering.
package segment

import (
	"math"
	"math/rand/v2"
	"slices"

	"github.com/rotisserie/eris"

	"github.com/sells-group/segment-cli/internal/model"
)

// Rule thresholds, as multiples of the global mean over all clustered entities.
const (
	highValue     = 1.5
	lowValue      = 0.6
	highFrequency = 1.5
	lowFrequency  = 0.6
	activeRecency = 0.8
	atRiskRecency = 1.2
)

// Summary is one segment's descriptive statistics and derived semantics.
type Summary struct {
	SegmentID  int                       `json:"segment_id" yaml:"segment_id"`
	Label      model.Label               `json:"label" yaml:"label"`
	Count      int                       `json:"count" yaml:"count"`
	Percentage float64                   `json:"percentage" yaml:"percentage"`
	Means      map[model.Feature]float64 `json:"means" yaml:"means"`
	Strategy   string                    `json:"strategy" yaml:"strategy"`
}

// Analysis is the full, deterministic output of Analyze.
type Analysis struct {
	Segments    []Summary                 `json:"segments" yaml:"segments"`
	GlobalMeans map[model.Feature]float64 `json:"global_means" yaml:"global_means"`
	Total       int                       `json:"total" yaml:"total"`
}

// Analyze computes per-segment means over raw (untransformed) values, member counts and
// percentages, and a label per segment. labels[i] must be in [0, k).
func Analyze(raw [][]float64, labels []int, feats []model.Feature, k int) (*Analysis, error) {
	if len(raw) != len(labels) {
		return nil, eris.Errorf("segment: %d rows but %d labels", len(raw), len(labels))
	}
	if len(raw) == 0 {
		return nil, model.NewDataError("no clustered entities")
	}

	d := len(feats)
	sums := make([][]float64, k)
	for c := range sums {
		sums[c] = make([]float64, d)
	}
	counts := make([]int, k)
	global := make([]float64, d)

	for i, row := range raw {
		c := labels[i]
		if c < 0 || c >= k {
			return nil, eris.Errorf("segment: label %d out of range [0, %d)", c, k)
		}
		counts[c]++
		for j, v := range row {
			sums[c][j] += v
			global[j] += v
		}
	}

	n := float64(len(raw))
	a := &Analysis{
		Segments:    make([]Summary, k),
		GlobalMeans: make(map[model.Feature]float64, d),
		Total:       len(raw),
	}
	for j, f := range feats {
		a.GlobalMeans[f] = global[j] / n
	}

	for c := range k {
		means := make(map[model.Feature]float64, d)
		for j, f := range feats {
			if counts[c] > 0 {
				means[f] = sums[c][j] / float64(counts[c])
			}
		}
		label := Classify(means, a.GlobalMeans)
		a.Segments[c] = Summary{
			SegmentID:  c,
			Label:      label,
			Count:      counts[c],
			Percentage: round2(float64(counts[c]) / n * 100),
			Means:      means,
			Strategy:   label.Strategy(),
		}
	}
	return a, nil
}

type level int

const (
	levelNormal level = iota
	levelHigh
	levelLow
)

func compare(means, global map[model.Feature]float64, f model.Feature, high, low float64) level {
	m, ok := means[f]
	g, gok := global[f]
	if !ok || !gok || g <= 0 {
		return levelNormal
	}
	switch {
	case m > high*g:
		return levelHigh
	case m < low*g:
		return levelLow
	}
	return levelNormal
}

// Classify maps a segment's means to a label by comparing them with the global means.
// Features absent from the run count as normal. Rules are checked in order:
//
//	high value + active            -> high_value_active
//	high value + at risk           -> high_value_at_risk
//	high value                     -> high_value_steady
//	high frequency, value not low  -> growth_potential
//	normal value + active          -> growth_potential
//	low value + (low freq | risk)  -> low_engagement
//	at risk                        -> at_risk
//	otherwise                      -> average
func Classify(means, global map[model.Feature]float64) model.Label {
	value := compare(means, global, model.FeatureMonetary, highValue, lowValue)
	freq := compare(means, global, model.FeatureFrequency, highFrequency, lowFrequency)
	// recency is inverted: fewer days since the last payment is better
	rec := compare(means, global, model.FeatureRecency, atRiskRecency, activeRecency)
	active, atRisk := rec == levelLow, rec == levelHigh

	switch {
	case value == levelHigh && active:
		return model.LabelHighValueActive
	case value == levelHigh && atRisk:
		return model.LabelHighValueAtRisk
	case value == levelHigh:
		return model.LabelHighValueSteady
	case freq == levelHigh && value != levelLow:
		return model.LabelGrowthPotential
	case value == levelNormal && active:
		return model.LabelGrowthPotential
	case value == levelLow && (freq == levelLow || atRisk):
		return model.LabelLowEngagement
	case atRisk:
		return model.LabelAtRisk
	}
	return model.LabelAverage
}

// VizSample draws up to size rows with the fixed seed, in original row order, for plotting.
func VizSample(raw [][]float64, labels []int, feats []model.Feature, size int, seed uint64) []model.VizPoint {
	n := len(raw)
	idx := make([]int, 0, min(n, size))
	if n <= size {
		for i := range n {
			idx = append(idx, i)
		}
	} else {
		rng := rand.New(rand.NewPCG(seed, 0x7612))
		idx = append(idx, rng.Perm(n)[:size]...)
		slices.Sort(idx)
	}

	out := make([]model.VizPoint, len(idx))
	for o, i := range idx {
		vals := make(map[model.Feature]float64, len(feats))
		for j, f := range feats {
			vals[f] = raw[i][j]
		}
		out[o] = model.VizPoint{SegmentID: labels[i], Values: vals}
	}
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
