// Package analysis runs the clustering pipeline as a pure function of a profile snapshot
// and task parameters.
package analysis

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/cluster"
	"github.com/sells-group/segment-cli/internal/features"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/segment"
)

// Options tunes the engine. Zero values take cluster defaults.
type Options struct {
	Cluster   cluster.Options
	VizSample int // default 2000
}

// Result is everything a clustering run produces, before persistence.
type Result struct {
	Params      model.TaskParams
	Metrics     model.ClusterMetrics
	Segments    []segment.Summary
	GlobalMeans map[model.Feature]float64
	Assignments []model.SegmentAssignment
	Viz         []model.VizPoint
}

// ProgressFunc receives monotonically increasing checkpoint values.
type ProgressFunc func(ctx context.Context, progress int) error

// Run transforms, clusters, and labels profiles. Assignments carry taskID; the caller persists
// the result. progress is called at the cleaned, transform, clustered, and labeled checkpoints.
func Run(ctx context.Context, taskID string, profiles []model.EntityProfile, params model.TaskParams, opts Options, progress ProgressFunc) (*Result, error) {
	if progress == nil {
		progress = func(context.Context, int) error { return nil }
	}
	if opts.VizSample <= 0 {
		opts.VizSample = 2000
	}
	log := zap.L().With(zap.String("component", "analysis"), zap.String("task_id", taskID))

	if len(profiles) == 0 {
		return nil, model.NewDataError("entity store is empty")
	}
	if err := progress(ctx, model.ProgressCleaned); err != nil {
		return nil, err
	}

	m, err := features.Transform(profiles, params.Features)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: transform")
	}
	if m.Excluded > 0 {
		log.Info("excluded profiles with missing features", zap.Int("excluded", m.Excluded))
	}
	if m.Len() < params.K {
		return nil, model.NewDataError("%d entities with complete features, need at least k=%d", m.Len(), params.K)
	}
	if err := progress(ctx, model.ProgressTransform); err != nil {
		return nil, err
	}

	cres, err := cluster.KMeans(ctx, m.X, params.K, opts.Cluster)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: cluster")
	}
	if err := progress(ctx, model.ProgressClustered); err != nil {
		return nil, err
	}

	a, err := segment.Analyze(m.Raw, cres.Labels, m.Features, params.K)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: label")
	}
	if err := progress(ctx, model.ProgressLabeled); err != nil {
		return nil, err
	}

	metrics := cres.Metrics()
	metrics.Excluded = m.Excluded

	res := &Result{
		Params:      params,
		Metrics:     metrics,
		Segments:    a.Segments,
		GlobalMeans: a.GlobalMeans,
		Assignments: make([]model.SegmentAssignment, len(m.IDs)),
		Viz:         segment.VizSample(m.Raw, cres.Labels, m.Features, opts.VizSample, opts.Cluster.Seed),
	}
	for i, id := range m.IDs {
		c := cres.Labels[i]
		res.Assignments[i] = model.SegmentAssignment{
			EntityID:  id,
			TaskID:    taskID,
			SegmentID: c,
			Label:     a.Segments[c].Label,
		}
	}

	log.Info("clustering complete",
		zap.Int("k", params.K),
		zap.Int("clustered", m.Len()),
		zap.Float64("inertia", metrics.Inertia),
		zap.Float64("silhouette", metrics.Silhouette),
		zap.Bool("silhouette_estimated", metrics.SilhouetteEstimated),
	)
	return res, nil
}

// SegmentResults shapes the summaries into persisted segment rows for one result set.
func (r *Result) SegmentResults(resultID, taskID string) []model.SegmentResult {
	out := make([]model.SegmentResult, len(r.Segments))
	for i, s := range r.Segments {
		out[i] = model.SegmentResult{
			ResultID:     resultID,
			TaskID:       taskID,
			SegmentID:    s.SegmentID,
			Label:        s.Label,
			Name:         s.Label.DisplayName(),
			Count:        s.Count,
			Percentage:   s.Percentage,
			Means:        s.Means,
			Strategy:     s.Strategy,
			Metrics:      r.Metrics,
			FeaturesUsed: r.Params.Features,
			Algorithm:    model.AlgorithmKMeans,
		}
	}
	return out
}

// Elbow reports the best inertia for each k in [minK, maxK] over the transformed profiles.
func Elbow(ctx context.Context, profiles []model.EntityProfile, feats []model.Feature, minK, maxK int, opts cluster.Options) ([]cluster.ElbowPoint, error) {
	m, err := features.Transform(profiles, feats)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: transform")
	}
	return cluster.Elbow(ctx, m.X, minK, maxK, opts)
}
