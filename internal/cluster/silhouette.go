package cluster

import (
	"context"
	"math/rand/v2"
	"runtime"
	"slices"

	"github.com/rotisserie/eris"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// silhouetteStream separates the sampling stream from the k-means restart streams.
const silhouetteStream = 0x5111

// SilhouetteResult is a run-level silhouette score.
type SilhouetteResult struct {
	Score float64
	// Estimated is set when Score was computed on Sample rows instead of all rows.
	Estimated bool
	Sample    int
}

// SampledSilhouette computes the exact silhouette when len(x) <= threshold, otherwise the
// silhouette of sampleSize rows drawn without replacement using seed.
func SampledSilhouette(ctx context.Context, x [][]float64, labels []int, k int, seed uint64, threshold, sampleSize int) (SilhouetteResult, error) {
	if len(x) <= threshold || sampleSize >= len(x) {
		s, err := Silhouette(ctx, x, labels, k)
		return SilhouetteResult{Score: s, Sample: len(x)}, err
	}

	rng := rand.New(rand.NewPCG(seed, silhouetteStream))
	idx := rng.Perm(len(x))[:sampleSize]
	slices.Sort(idx)

	sx := make([][]float64, len(idx))
	sl := make([]int, len(idx))
	for i, j := range idx {
		sx[i] = x[j]
		sl[i] = labels[j]
	}
	s, err := Silhouette(ctx, sx, sl, k)
	return SilhouetteResult{Score: s, Estimated: true, Sample: sampleSize}, err
}

// Silhouette is the mean over rows of (b-a)/max(a,b), where a is the mean distance to the
// row's own cluster and b the lowest mean distance to another cluster. Rows in singleton
// clusters score 0, as does a labeling with fewer than two clusters.
func Silhouette(ctx context.Context, x [][]float64, labels []int, k int) (float64, error) {
	n := len(x)
	counts := make([]int, k)
	for _, l := range labels {
		counts[l]++
	}
	present := 0
	for _, c := range counts {
		if c > 0 {
			present++
		}
	}
	if n < 2 || present < 2 {
		return 0, nil
	}

	scores := make([]float64, n)
	workers := runtime.GOMAXPROCS(0)
	span := (n + workers - 1) / workers

	g, gctx := errgroup.WithContext(ctx)
	for start := 0; start < n; start += span {
		end := min(start+span, n)
		g.Go(func() error {
			sums := make([]float64, k)
			for i := start; i < end; i++ {
				if i%256 == 0 {
					if err := gctx.Err(); err != nil {
						return err
					}
				}
				own := labels[i]
				if counts[own] < 2 {
					continue
				}
				clear(sums)
				for j, row := range x {
					if j != i {
						sums[labels[j]] += floats.Distance(x[i], row, 2)
					}
				}
				a := sums[own] / float64(counts[own]-1)
				b := -1.0
				for c, s := range sums {
					if c == own || counts[c] == 0 {
						continue
					}
					if m := s / float64(counts[c]); b < 0 || m < b {
						b = m
					}
				}
				if den := max(a, b); den > 0 {
					scores[i] = (b - a) / den
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, eris.Wrap(err, "cluster: silhouette")
	}

	return floats.Sum(scores) / float64(n), nil
}
