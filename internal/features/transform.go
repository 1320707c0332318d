// Package features turns profile snapshots into a standardized numeric matrix for clustering.
package features

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/segment-cli/internal/model"
)

// Matrix is the clustering input. Row i of X, Raw, and IDs describe the same entity.
type Matrix struct {
	Features []model.Feature
	IDs      []string
	// Raw holds untransformed feature values, used for segment statistics.
	Raw [][]float64
	// X holds log1p'd (where heavy-tailed) and standardized values.
	X [][]float64
	// Mean and Scale are the per-column standardization parameters fit on this snapshot.
	Mean  []float64
	Scale []float64
	// Excluded counts profiles dropped for a missing feature.
	Excluded int
}

// Len returns the number of rows.
func (m *Matrix) Len() int { return len(m.X) }

// Transform extracts feats from profiles, excludes rows with any missing feature,
// applies log1p to heavy-tailed features, and standardizes every column to zero mean and
// unit population variance. A constant column is centered but not scaled.
func Transform(profiles []model.EntityProfile, feats []model.Feature) (*Matrix, error) {
	if len(feats) == 0 {
		return nil, model.NewDataError("no features selected")
	}

	m := &Matrix{
		Features: feats,
		IDs:      make([]string, 0, len(profiles)),
		Raw:      make([][]float64, 0, len(profiles)),
	}

	for i := range profiles {
		p := &profiles[i]
		raw := make([]float64, len(feats))
		complete := true
		for j, f := range feats {
			v, ok := f.Value(p)
			if !ok {
				complete = false
				break
			}
			raw[j] = v
		}
		if !complete {
			m.Excluded++
			continue
		}
		m.IDs = append(m.IDs, p.ID)
		m.Raw = append(m.Raw, raw)
	}

	if len(m.Raw) == 0 {
		return nil, model.NewDataError("no entities with complete features (%d excluded)", m.Excluded)
	}

	n, d := len(m.Raw), len(feats)
	m.X = make([][]float64, n)
	backing := make([]float64, n*d)
	for i := range m.X {
		m.X[i] = backing[i*d : (i+1)*d : (i+1)*d]
	}

	m.Mean = make([]float64, d)
	m.Scale = make([]float64, d)
	col := make([]float64, n)
	for j, f := range feats {
		for i := range m.Raw {
			v := m.Raw[i][j]
			if f.HeavyTailed() {
				v = math.Log1p(v)
			}
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, model.NewDataError("non-finite %s value for entity %s", f, m.IDs[i])
			}
			col[i] = v
		}

		mean, std := stat.PopMeanStdDev(col, nil)
		if std == 0 || math.IsNaN(std) {
			std = 1
		}
		m.Mean[j], m.Scale[j] = mean, std

		for i := range col {
			m.X[i][j] = (col[i] - mean) / std
		}
	}

	return m, nil
}
