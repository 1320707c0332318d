package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/monitoring"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show task counts, stored profiles, and the active result set",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "analysis")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st).Collect(ctx)
		if err != nil {
			return eris.Wrap(err, "status")
		}

		format, _ := cmd.Flags().GetString("format")
		return writeStatus(cmd.OutOrStdout(), snap, format)
	},
}

func init() {
	statusCmd.Flags().String("format", "table", "output format (table, json, yaml)")
	rootCmd.AddCommand(statusCmd)
}

func writeStatus(out io.Writer, snap *monitoring.Snapshot, format string) error {
	switch format {
	case "", "table":
		formatStatus(out, snap)
		return nil
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		if err := enc.Encode(snap); err != nil {
			return eris.Wrap(err, "status: encode yaml")
		}
		return enc.Close()
	}
	return eris.Errorf("status: unknown format %q", format)
}

// formatStatus writes the snapshot as key/value lines.
func formatStatus(out io.Writer, snap *monitoring.Snapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Profiles:\t%d\n", snap.Profiles)
	_, _ = fmt.Fprintln(w, "Tasks:\t")
	for _, s := range []model.TaskStatus{model.TaskPending, model.TaskRunning, model.TaskCompleted, model.TaskFailed} {
		_, _ = fmt.Fprintf(w, "  %s:\t%d\n", s, snap.Tasks[s])
	}
	if snap.ActiveResultID == "" {
		_, _ = fmt.Fprintln(w, "Active result set:\tnone")
	} else {
		_, _ = fmt.Fprintf(w, "Active result set:\t%s (%d segments)\n", snap.ActiveResultID, snap.ActiveSegments)
		if m := snap.ActiveMetrics; m != nil {
			_, _ = fmt.Fprintf(w, "  Silhouette:\t%.3f\n", m.Silhouette)
			_, _ = fmt.Fprintf(w, "  Inertia:\t%.2f\n", m.Inertia)
		}
	}
	if t := snap.LastCompleted; t != nil {
		done := ""
		if t.CompletedAt != nil {
			done = t.CompletedAt.Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "Last completed:\t%s %s %s\n", truncateID(t.ID), t.Name, done)
	}
	_ = w.Flush()
}
