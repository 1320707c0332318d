package cluster

import (
	"context"

	"github.com/rotisserie/eris"
)

// ElbowPoint is the best inertia found for one k.
type ElbowPoint struct {
	K       int     `json:"k"`
	Inertia float64 `json:"inertia"`
}

// Elbow runs KMeans for every k in [minK, maxK] without silhouette scoring, to help pick k.
func Elbow(ctx context.Context, x [][]float64, minK, maxK int, opts Options) ([]ElbowPoint, error) {
	if minK < 2 || maxK < minK {
		return nil, eris.Errorf("cluster: invalid elbow range [%d, %d]", minK, maxK)
	}
	if maxK > len(x) {
		maxK = len(x)
	}
	opts.SkipSilhouette = true

	var out []ElbowPoint
	for k := minK; k <= maxK; k++ {
		res, err := KMeans(ctx, x, k, opts)
		if err != nil {
			return nil, eris.Wrapf(err, "cluster: elbow k=%d", k)
		}
		out = append(out, ElbowPoint{K: k, Inertia: res.Inertia})
	}
	return out, nil
}
