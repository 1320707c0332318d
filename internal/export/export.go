// Package export renders a segment result set as a structured summary for downstream report
// generation and spreadsheets.
package export

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/segment-cli/internal/model"
)

// Format is an output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatXLSX Format = "xlsx"
)

// ParseFormat resolves a format name; "yml" is accepted for yaml.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	case "xlsx":
		return FormatXLSX, nil
	}
	return "", eris.Errorf("export: unknown format %q", s)
}

// Segment is the per-segment part of a Summary.
type Segment struct {
	SegmentID  int                       `json:"segment_id" yaml:"segment_id"`
	Label      model.Label               `json:"label" yaml:"label"`
	Name       string                    `json:"name" yaml:"name"`
	Count      int                       `json:"count" yaml:"count"`
	Percentage float64                   `json:"percentage" yaml:"percentage"`
	Means      map[model.Feature]float64 `json:"means" yaml:"means"`
	Strategy   string                    `json:"strategy" yaml:"strategy"`
}

// Summary is the structured input handed to report generation.
type Summary struct {
	ResultID    string                    `json:"result_id" yaml:"result_id"`
	TaskID      string                    `json:"task_id" yaml:"task_id"`
	Algorithm   string                    `json:"algorithm" yaml:"algorithm"`
	Features    []model.Feature           `json:"features" yaml:"features"`
	Metrics     model.ClusterMetrics      `json:"metrics" yaml:"metrics"`
	GlobalMeans map[model.Feature]float64 `json:"global_means" yaml:"global_means"`
	Segments    []Segment                 `json:"segments" yaml:"segments"`
	GeneratedAt time.Time                 `json:"generated_at" yaml:"generated_at"`
}

// Summarize builds a Summary from a result set. Global means are the member-weighted
// average of the segment means.
func Summarize(rs *model.ResultSet) Summary {
	s := Summary{
		ResultID:    rs.ID,
		TaskID:      rs.TaskID,
		Algorithm:   rs.Algorithm,
		Features:    rs.Features,
		Metrics:     rs.Metrics,
		GlobalMeans: make(map[model.Feature]float64, len(rs.Features)),
		Segments:    make([]Segment, len(rs.Segments)),
		GeneratedAt: time.Now().UTC(),
	}

	total := 0
	for i, seg := range rs.Segments {
		s.Segments[i] = Segment{
			SegmentID:  seg.SegmentID,
			Label:      seg.Label,
			Name:       seg.Name,
			Count:      seg.Count,
			Percentage: seg.Percentage,
			Means:      seg.Means,
			Strategy:   seg.Strategy,
		}
		total += seg.Count
		for f, m := range seg.Means {
			s.GlobalMeans[f] += m * float64(seg.Count)
		}
	}
	if total > 0 {
		for f := range s.GlobalMeans {
			s.GlobalMeans[f] /= float64(total)
		}
	}
	return s
}

// Write encodes the result set to w.
func Write(w io.Writer, rs *model.ResultSet, format Format) error {
	s := Summarize(rs)
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return eris.Wrap(enc.Encode(s), "export: encode json")
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(s); err != nil {
			return eris.Wrap(err, "export: encode yaml")
		}
		return eris.Wrap(enc.Close(), "export: close yaml")
	case FormatXLSX:
		return writeXLSX(w, s)
	}
	return eris.Errorf("export: unknown format %q", format)
}

func writeXLSX(w io.Writer, s Summary) error {
	f := xlsx.NewFile()

	segs, err := f.AddSheet("Segments")
	if err != nil {
		return eris.Wrap(err, "export: add segments sheet")
	}
	header := segs.AddRow()
	for _, h := range []string{"segment_id", "label", "name", "count", "percentage"} {
		header.AddCell().SetString(h)
	}
	for _, feat := range s.Features {
		header.AddCell().SetString("mean_" + string(feat))
	}
	header.AddCell().SetString("strategy")

	for _, seg := range s.Segments {
		row := segs.AddRow()
		row.AddCell().SetInt(seg.SegmentID)
		row.AddCell().SetString(string(seg.Label))
		row.AddCell().SetString(seg.Name)
		row.AddCell().SetInt(seg.Count)
		row.AddCell().SetFloat(seg.Percentage)
		for _, feat := range s.Features {
			row.AddCell().SetFloat(seg.Means[feat])
		}
		row.AddCell().SetString(seg.Strategy)
	}

	run, err := f.AddSheet("Run")
	if err != nil {
		return eris.Wrap(err, "export: add run sheet")
	}
	kv := func(k, v string) {
		r := run.AddRow()
		r.AddCell().SetString(k)
		r.AddCell().SetString(v)
	}
	kv("result_id", s.ResultID)
	kv("task_id", s.TaskID)
	kv("algorithm", s.Algorithm)
	names := make([]string, len(s.Features))
	for i, feat := range s.Features {
		names[i] = string(feat)
	}
	kv("features", strings.Join(names, ","))
	num := func(k string, v float64) {
		r := run.AddRow()
		r.AddCell().SetString(k)
		r.AddCell().SetFloat(v)
	}
	num("k", float64(s.Metrics.K))
	num("inertia", s.Metrics.Inertia)
	num("silhouette", s.Metrics.Silhouette)
	kv("silhouette_estimated", boolString(s.Metrics.SilhouetteEstimated))
	num("clustered", float64(s.Metrics.Clustered))
	num("excluded", float64(s.Metrics.Excluded))

	return eris.Wrap(f.Write(w), "export: write xlsx")
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
