package cluster

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/segment-cli/internal/model"
)

// blobs returns n points per center with small gaussian noise.
func blobs(centers [][]float64, n int, seed uint64) [][]float64 {
	rng := rand.New(rand.NewPCG(seed, 1))
	var out [][]float64
	for _, c := range centers {
		for range n {
			p := make([]float64, len(c))
			for j := range c {
				p[j] = c[j] + rng.NormFloat64()*0.1
			}
			out = append(out, p)
		}
	}
	return out
}

var threeCenters = [][]float64{{0, 0, 0}, {5, 5, 5}, {-5, 5, -5}}

func TestKMeans_SeparatesBlobs(t *testing.T) {
	x := blobs(threeCenters, 30, 3)

	res, err := KMeans(context.Background(), x, 3, Options{Seed: 42})
	require.NoError(t, err)
	require.Len(t, res.Labels, 90)

	// every blob maps to a single distinct label
	seen := map[int]bool{}
	for b := 0; b < 3; b++ {
		l := res.Labels[b*30]
		for i := b * 30; i < (b+1)*30; i++ {
			assert.Equal(t, l, res.Labels[i])
		}
		seen[l] = true
	}
	assert.Len(t, seen, 3)
	assert.Equal(t, []int{30, 30, 30}, sortedSizes(res.Sizes()))
	assert.Greater(t, res.Silhouette, 0.9)
	assert.False(t, res.SilhouetteEstimated)
}

func TestKMeans_Deterministic(t *testing.T) {
	rng := rand.New(rand.NewPCG(9, 9))
	x := make([][]float64, 100)
	for i := range x {
		x[i] = []float64{rng.NormFloat64(), rng.NormFloat64(), rng.NormFloat64()}
	}

	first, err := KMeans(context.Background(), x, 3, Options{Seed: 42})
	require.NoError(t, err)
	for range 3 {
		again, err := KMeans(context.Background(), x, 3, Options{Seed: 42})
		require.NoError(t, err)
		assert.Equal(t, first.Labels, again.Labels)
		assert.Equal(t, first.Inertia, again.Inertia)
		assert.Equal(t, first.Restart, again.Restart)
	}

	// dense ids, counts sum to rows
	sizes := first.Sizes()
	require.Len(t, sizes, 3)
	total := 0
	for _, s := range sizes {
		assert.Positive(t, s)
		total += s
	}
	assert.Equal(t, 100, total)
}

func TestKMeans_InertiaMatchesAssignment(t *testing.T) {
	x := blobs(threeCenters, 10, 5)
	res, err := KMeans(context.Background(), x, 3, Options{Seed: 1, SkipSilhouette: true})
	require.NoError(t, err)

	want := 0.0
	for i, row := range x {
		want += sqDist(row, res.Centroids[res.Labels[i]])
	}
	assert.InDelta(t, want, res.Inertia, 1e-9)
}

func TestKMeans_FewerRowsThanK(t *testing.T) {
	_, err := KMeans(context.Background(), [][]float64{{1, 2}}, 2, Options{})
	var de *model.DataError
	require.True(t, errors.As(err, &de))
}

func TestKMeans_NonFinite(t *testing.T) {
	_, err := KMeans(context.Background(), [][]float64{{1}, {math.NaN()}, {2}}, 2, Options{})
	var de *model.DataError
	require.True(t, errors.As(err, &de))
}

func TestKMeans_InvalidK(t *testing.T) {
	_, err := KMeans(context.Background(), [][]float64{{1}, {2}}, 1, Options{})
	assert.ErrorIs(t, err, model.ErrInvalidParams)
}

func TestKMeans_DuplicatePointsKeepClustersNonEmpty(t *testing.T) {
	x := [][]float64{{1, 1}, {1, 1}, {1, 1}, {1, 1}, {2, 2}}
	res, err := KMeans(context.Background(), x, 3, Options{Seed: 42})
	require.NoError(t, err)
	for _, s := range res.Sizes() {
		assert.Positive(t, s)
	}
}

func TestKMeans_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := KMeans(ctx, blobs(threeCenters, 5, 1), 3, Options{})
	assert.Error(t, err)
}

func TestSilhouette_Sampled(t *testing.T) {
	x := blobs(threeCenters, 40, 8)
	res, err := KMeans(context.Background(), x, 3, Options{Seed: 42, SilhouetteThreshold: 50, SilhouetteSample: 60})
	require.NoError(t, err)
	assert.True(t, res.SilhouetteEstimated)
	assert.Equal(t, 60, res.SilhouetteSample)
	assert.Greater(t, res.Silhouette, 0.9)

	again, err := SampledSilhouette(context.Background(), x, res.Labels, 3, 42, 50, 60)
	require.NoError(t, err)
	assert.Equal(t, res.Silhouette, again.Score)
}

func TestSilhouette_Edges(t *testing.T) {
	s, err := Silhouette(context.Background(), [][]float64{{0}, {1}}, []int{0, 0}, 2)
	require.NoError(t, err)
	assert.Zero(t, s)

	// singletons score 0; the pair scores (b-a)/b each
	x := [][]float64{{0}, {1}, {10}}
	s, err = Silhouette(context.Background(), x, []int{0, 0, 1}, 2)
	require.NoError(t, err)
	want := ((10.0-1)/10 + (9.0-1)/9 + 0) / 3
	assert.InDelta(t, want, s, 1e-12)
}

func TestElbow(t *testing.T) {
	x := blobs(threeCenters, 20, 2)
	pts, err := Elbow(context.Background(), x, 2, 5, Options{Seed: 42})
	require.NoError(t, err)
	require.Len(t, pts, 4)
	assert.Equal(t, 2, pts[0].K)
	// three well separated blobs: the drop from k=2 to k=3 dominates
	assert.Greater(t, pts[0].Inertia-pts[1].Inertia, 10*(pts[1].Inertia-pts[2].Inertia))

	_, err = Elbow(context.Background(), x, 1, 3, Options{})
	assert.Error(t, err)
}

func sortedSizes(s []int) []int {
	out := append([]int(nil), s...)
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if out[j] < out[i] {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}
