package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/segment-cli/internal/analysis"
	"github.com/sells-group/segment-cli/internal/cluster"
	"github.com/sells-group/segment-cli/internal/export"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/store"
)

var segmentsCmd = &cobra.Command{
	Use:   "segments",
	Short: "Inspect and export segment result sets",
}

// -- segments list --

var segmentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the segments of the active (or given) result set",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "analysis")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		resultID, _ := cmd.Flags().GetString("result-id")
		rs, err := loadResultSet(cmd, st, resultID)
		if err != nil {
			return eris.Wrap(err, "segments list")
		}

		formatSegmentList(cmd.OutOrStdout(), rs)
		return nil
	},
}

// -- segments export --

var segmentsExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write a structured segment summary for report generation",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		formatName, _ := cmd.Flags().GetString("format")
		format, err := export.ParseFormat(formatName)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, "analysis")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		resultID, _ := cmd.Flags().GetString("result-id")
		rs, err := loadResultSet(cmd, st, resultID)
		if err != nil {
			return eris.Wrap(err, "segments export")
		}

		output, _ := cmd.Flags().GetString("output")
		if output == "" {
			if format == export.FormatXLSX {
				return eris.New("segments export: xlsx requires --output")
			}
			return export.Write(cmd.OutOrStdout(), rs, format)
		}

		f, err := os.Create(output)
		if err != nil {
			return eris.Wrapf(err, "segments export: create %s", output)
		}
		if err := export.Write(f, rs, format); err != nil {
			_ = f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return eris.Wrapf(err, "segments export: close %s", output)
		}
		fmt.Fprintf(os.Stderr, "wrote %s (%d segments)\n", output, len(rs.Segments))
		return nil
	},
}

// -- segments elbow --

var segmentsElbowCmd = &cobra.Command{
	Use:   "elbow",
	Short: "Report k-means inertia over a range of k to help choose K",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		minK, _ := cmd.Flags().GetInt("min-k")
		maxK, _ := cmd.Flags().GetInt("max-k")
		names, _ := cmd.Flags().GetStringSlice("features")
		if len(names) == 0 {
			names = cfg.Analysis.DefaultFeatures
		}
		feats, err := model.ParseFeatures(names)
		if err != nil {
			return err
		}
		if maxK > cfg.Analysis.MaxK {
			return eris.Errorf("segments elbow: max-k must be <= %d", cfg.Analysis.MaxK)
		}

		st, err := initStore(ctx, "analysis")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		profiles, err := st.LoadProfiles(ctx)
		if err != nil {
			return eris.Wrap(err, "segments elbow")
		}

		points, err := analysis.Elbow(ctx, profiles, feats, minK, maxK, cluster.Options{
			Seed:      cfg.Analysis.Seed,
			Restarts:  cfg.Analysis.Restarts,
			MaxIter:   cfg.Analysis.MaxIter,
			Tolerance: cfg.Analysis.Tolerance,
		})
		if err != nil {
			return eris.Wrap(err, "segments elbow")
		}

		formatElbow(cmd.OutOrStdout(), points)
		return nil
	},
}

func init() {
	segmentsListCmd.Flags().String("result-id", "", "result set to show (default: the active set)")

	segmentsExportCmd.Flags().String("format", "json", "output format (json, yaml, xlsx)")
	segmentsExportCmd.Flags().String("output", "", "write to this file instead of stdout")
	segmentsExportCmd.Flags().String("result-id", "", "result set to export (default: the active set)")

	segmentsElbowCmd.Flags().Int("min-k", 2, "smallest k to try")
	segmentsElbowCmd.Flags().Int("max-k", 10, "largest k to try")
	segmentsElbowCmd.Flags().StringSlice("features", nil, "features to cluster on (default from config)")

	segmentsCmd.AddCommand(segmentsListCmd)
	segmentsCmd.AddCommand(segmentsExportCmd)
	segmentsCmd.AddCommand(segmentsElbowCmd)
	rootCmd.AddCommand(segmentsCmd)
}

func loadResultSet(cmd *cobra.Command, st store.Store, resultID string) (*model.ResultSet, error) {
	if resultID != "" {
		return st.GetResultSet(cmd.Context(), resultID)
	}
	return st.ActiveResultSet(cmd.Context())
}

// formatSegmentList writes one line per segment followed by the run metrics.
func formatSegmentList(out io.Writer, rs *model.ResultSet) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	header := "SEGMENT\tLABEL\tCOUNT\tPCT"
	rule := "-------\t-----\t-----\t---"
	for _, f := range rs.Features {
		header += "\t" + string(f)
		rule += "\t---"
	}
	_, _ = fmt.Fprintln(w, header)
	_, _ = fmt.Fprintln(w, rule)

	for _, s := range rs.Segments {
		line := fmt.Sprintf("%d\t%s\t%d\t%.1f%%", s.SegmentID, s.Name, s.Count, s.Percentage)
		for _, f := range rs.Features {
			line += fmt.Sprintf("\t%.2f", s.Means[f])
		}
		_, _ = fmt.Fprintln(w, line)
	}
	_ = w.Flush()

	est := ""
	if rs.Metrics.SilhouetteEstimated {
		est = fmt.Sprintf(" (estimated on %d rows)", rs.Metrics.SilhouetteSample)
	}
	_, _ = fmt.Fprintf(out, "\nresult %s  task %s  k=%d  inertia=%.2f  silhouette=%.3f%s\n",
		truncateID(rs.ID), truncateID(rs.TaskID), rs.Metrics.K, rs.Metrics.Inertia, rs.Metrics.Silhouette, est)
}

// formatElbow writes the inertia curve.
func formatElbow(out io.Writer, points []cluster.ElbowPoint) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "K\tINERTIA")
	_, _ = fmt.Fprintln(w, "-\t-------")
	for _, p := range points {
		_, _ = fmt.Fprintf(w, "%d\t%.4f\n", p.K, p.Inertia)
	}
	_ = w.Flush()
}
