// Package cluster partitions a standardized feature matrix with seeded, multi-restart k-means.
package cluster

import (
	"context"
	"math"
	"math/rand/v2"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/segment-cli/internal/model"
)

// Options configures KMeans. Zero values take the defaults below.
type Options struct {
	Seed      uint64
	Restarts  int     // default 10
	MaxIter   int     // default 300
	Tolerance float64 // relative to mean column variance; default 1e-4

	// Silhouette is exact up to SilhouetteThreshold rows, above that it is
	// estimated on SilhouetteSample rows drawn with the fixed seed.
	SilhouetteThreshold int // default 10000
	SilhouetteSample    int // default 10000
	SkipSilhouette      bool
}

func (o Options) withDefaults() Options {
	if o.Restarts <= 0 {
		o.Restarts = 10
	}
	if o.MaxIter <= 0 {
		o.MaxIter = 300
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 1e-4
	}
	if o.SilhouetteThreshold <= 0 {
		o.SilhouetteThreshold = 10000
	}
	if o.SilhouetteSample <= 0 {
		o.SilhouetteSample = 10000
	}
	return o
}

// Result is the winning restart.
type Result struct {
	K          int
	Labels     []int
	Centroids  [][]float64
	Inertia    float64
	Iterations int
	Restart    int

	Silhouette          float64
	SilhouetteEstimated bool
	SilhouetteSample    int
}

// Metrics converts the quality measures for persistence.
func (r *Result) Metrics() model.ClusterMetrics {
	return model.ClusterMetrics{
		K:                   r.K,
		Inertia:             r.Inertia,
		Silhouette:          r.Silhouette,
		SilhouetteEstimated: r.SilhouetteEstimated,
		SilhouetteSample:    r.SilhouetteSample,
		Iterations:          r.Iterations,
		Clustered:           len(r.Labels),
	}
}

// Sizes returns the member count per cluster.
func (r *Result) Sizes() []int {
	sizes := make([]int, r.K)
	for _, l := range r.Labels {
		sizes[l]++
	}
	return sizes
}

// KMeans runs opts.Restarts independent seeded restarts in parallel and keeps the one with the
// lowest inertia (ties go to the lower restart index). The same x, k, and opts always
// produce the same labels and inertia.
func KMeans(ctx context.Context, x [][]float64, k int, opts Options) (*Result, error) {
	if k < 2 {
		return nil, eris.Wrapf(model.ErrInvalidParams, "cluster: k must be >= 2, got %d", k)
	}
	if err := validate(x, k); err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	log := zap.L().With(zap.String("component", "cluster"))

	tol := opts.Tolerance * meanVariance(x)
	runs := make([]*Result, opts.Restarts)

	g, gctx := errgroup.WithContext(ctx)
	for r := range opts.Restarts {
		g.Go(func() error {
			rng := rand.New(rand.NewPCG(opts.Seed, uint64(r)))
			res, err := lloyd(gctx, x, k, rng, opts.MaxIter, tol)
			if err != nil {
				return err
			}
			res.Restart = r
			runs[r] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "cluster: k-means")
	}

	best := runs[0]
	for _, r := range runs[1:] {
		if r.Inertia < best.Inertia {
			best = r
		}
	}
	log.Debug("k-means finished",
		zap.Int("k", k),
		zap.Int("rows", len(x)),
		zap.Int("restart", best.Restart),
		zap.Int("iterations", best.Iterations),
		zap.Float64("inertia", best.Inertia),
	)

	if !opts.SkipSilhouette {
		sil, err := SampledSilhouette(ctx, x, best.Labels, k, opts.Seed, opts.SilhouetteThreshold, opts.SilhouetteSample)
		if err != nil {
			return nil, err
		}
		best.Silhouette = sil.Score
		best.SilhouetteEstimated = sil.Estimated
		best.SilhouetteSample = sil.Sample
	}
	return best, nil
}

func validate(x [][]float64, k int) error {
	if len(x) < k {
		return model.NewDataError("%d rows is fewer than k=%d", len(x), k)
	}
	d := len(x[0])
	if d == 0 {
		return model.NewDataError("matrix has no columns")
	}
	for i, row := range x {
		if len(row) != d {
			return eris.Errorf("cluster: row %d has %d columns, want %d", i, len(row), d)
		}
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return model.NewDataError("non-finite value in row %d", i)
			}
		}
	}
	return nil
}

// lloyd runs one restart: k-means++ seeding then assign/update until labels stop changing,
// the squared centroid shift drops to tol, or maxIter is reached.
func lloyd(ctx context.Context, x [][]float64, k int, rng *rand.Rand, maxIter int, tol float64) (*Result, error) {
	n, d := len(x), len(x[0])
	centroids := seedPlusPlus(x, k, rng)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = -1
	}
	dist := make([]float64, n)
	next := newMatrix(k, d)

	iter := 0
	for iter < maxIter {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iter++

		changed := assign(x, centroids, labels, dist)
		means(x, labels, dist, k, next)

		shift := 0.0
		for c := range centroids {
			shift += sqDist(centroids[c], next[c])
		}
		centroids, next = next, centroids

		if !changed || shift <= tol {
			break
		}
	}

	// Inertia is measured on the final assignment against that assignment's means.
	assign(x, centroids, labels, dist)
	means(x, labels, dist, k, centroids)
	inertia := 0.0
	for i, row := range x {
		inertia += sqDist(row, centroids[labels[i]])
	}

	return &Result{K: k, Labels: labels, Centroids: centroids, Inertia: inertia, Iterations: iter}, nil
}

// seedPlusPlus picks k initial centroids, each new one with probability proportional to its
// squared distance from the nearest centroid chosen so far.
func seedPlusPlus(x [][]float64, k int, rng *rand.Rand) [][]float64 {
	n := len(x)
	centroids := make([][]float64, 0, k)
	centroids = append(centroids, clone(x[rng.IntN(n)]))

	closest := make([]float64, n)
	for i, row := range x {
		closest[i] = sqDist(row, centroids[0])
	}

	for len(centroids) < k {
		total := 0.0
		for _, v := range closest {
			total += v
		}

		idx := rng.IntN(n)
		if total > 0 {
			target := rng.Float64() * total
			acc := 0.0
			for i, v := range closest {
				acc += v
				if acc >= target && v > 0 {
					idx = i
					break
				}
			}
		}

		c := clone(x[idx])
		centroids = append(centroids, c)
		for i, row := range x {
			if dd := sqDist(row, c); dd < closest[i] {
				closest[i] = dd
			}
		}
	}
	return centroids
}

// assign labels each row with its nearest centroid (lowest index on ties) and records the
// squared distance. It reports whether any label changed.
func assign(x, centroids [][]float64, labels []int, dist []float64) bool {
	changed := false
	for i, row := range x {
		best, bestD := 0, math.Inf(1)
		for c, cen := range centroids {
			if dd := sqDist(row, cen); dd < bestD {
				best, bestD = c, dd
			}
		}
		if labels[i] != best {
			labels[i] = best
			changed = true
		}
		dist[i] = bestD
	}
	return changed
}

// means writes cluster means into out. An empty cluster takes over the row farthest from its
// centroid among clusters with more than one member, so every cluster stays non-empty.
func means(x [][]float64, labels []int, dist []float64, k int, out [][]float64) {
	counts := make([]int, k)
	for _, l := range labels {
		counts[l]++
	}

	for c := range k {
		if counts[c] > 0 {
			continue
		}
		far, farD := -1, -1.0
		for i, l := range labels {
			if counts[l] > 1 && dist[i] > farD {
				far, farD = i, dist[i]
			}
		}
		if far < 0 {
			break
		}
		counts[labels[far]]--
		labels[far] = c
		counts[c] = 1
		dist[far] = 0
	}

	for c := range out {
		clear(out[c])
	}
	for i, row := range x {
		o := out[labels[i]]
		for j, v := range row {
			o[j] += v
		}
	}
	for c := range out {
		if counts[c] == 0 {
			continue
		}
		inv := 1 / float64(counts[c])
		for j := range out[c] {
			out[c][j] *= inv
		}
	}
}

// meanVariance is the mean population variance across columns.
func meanVariance(x [][]float64) float64 {
	d := len(x[0])
	col := make([]float64, len(x))
	total := 0.0
	for j := range d {
		for i, row := range x {
			col[i] = row[j]
		}
		_, std := stat.PopMeanStdDev(col, nil)
		total += std * std
	}
	return total / float64(d)
}

func sqDist(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		diff := a[i] - b[i]
		s += diff * diff
	}
	return s
}

func clone(v []float64) []float64 {
	return append([]float64(nil), v...)
}

func newMatrix(r, c int) [][]float64 {
	m := make([][]float64, r)
	for i := range m {
		m[i] = make([]float64, c)
	}
	return m
}
