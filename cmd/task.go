package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/task"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create, inspect, and run clustering tasks",
	Long:  "Commands for creating clustering tasks, listing their lifecycle state, and running or failing them by hand.",
}

// -- task create --

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Record a pending clustering task",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "analysis")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		name, _ := cmd.Flags().GetString("name")
		k, _ := cmd.Flags().GetInt("k")
		feats, _ := cmd.Flags().GetStringSlice("features")
		owner, _ := cmd.Flags().GetString("created-by")

		t, err := task.NewService(st, cfg.Analysis).Create(ctx, task.CreateRequest{
			Name:      name,
			K:         k,
			Features:  feats,
			CreatedBy: owner,
		})
		if err != nil {
			return eris.Wrap(err, "task create")
		}

		run, _ := cmd.Flags().GetBool("run")
		if run {
			if err := task.NewRunner(st, cfg.Analysis).Execute(ctx, t.ID); err != nil {
				return eris.Wrap(err, "task create")
			}
			if t, err = st.GetTask(ctx, t.ID); err != nil {
				return eris.Wrap(err, "task create")
			}
		}

		formatTaskDetail(cmd.OutOrStdout(), t)
		return nil
	},
}

// -- task list --

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "analysis")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		page, _ := cmd.Flags().GetInt("page")
		size, _ := cmd.Flags().GetInt("page-size")

		filter := model.TaskFilter{Status: model.TaskStatus(status), Page: page, PageSize: size}
		if status != "" && !filter.Status.Valid() {
			return eris.Errorf("task list: unknown status %q", status)
		}

		tasks, total, err := st.ListTasks(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "task list")
		}
		if len(tasks) == 0 {
			fmt.Fprintln(os.Stderr, "No tasks found.")
			return nil
		}

		formatTaskList(cmd.OutOrStdout(), tasks)
		f := filter.Normalize()
		fmt.Fprintf(os.Stderr, "page %d, %d of %d tasks\n", f.Page, len(tasks), total)
		return nil
	},
}

// -- task get --

var taskGetCmd = &cobra.Command{
	Use:   "get <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "analysis")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		t, err := st.GetTask(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "task get")
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		}
		formatTaskDetail(cmd.OutOrStdout(), t)
		return nil
	},
}

// -- task run --

var taskRunCmd = &cobra.Command{
	Use:   "run <task-id>",
	Short: "Run a pending task in the foreground",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		st, err := initStore(ctx, "analysis")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := task.NewRunner(st, cfg.Analysis).Execute(ctx, args[0]); err != nil {
			return eris.Wrap(err, "task run")
		}

		t, err := st.GetTask(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "task run")
		}
		formatTaskDetail(cmd.OutOrStdout(), t)
		return nil
	},
}

// -- task delete --

var taskDeleteCmd = &cobra.Command{
	Use:   "delete <task-id>",
	Short: "Delete a task that is not running, with its segment rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "analysis")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := task.NewService(st, cfg.Analysis).Delete(ctx, args[0]); err != nil {
			return eris.Wrap(err, "task delete")
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

// -- task fail --

var taskFailCmd = &cobra.Command{
	Use:   "fail <task-id>",
	Short: "Mark a pending or running task failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx, "analysis")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		msg, _ := cmd.Flags().GetString("message")
		if err := task.NewService(st, cfg.Analysis).Fail(ctx, args[0], msg); err != nil {
			return eris.Wrap(err, "task fail")
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "failed %s\n", args[0])
		return nil
	},
}

func init() {
	taskCreateCmd.Flags().String("name", "", "task name (default \"clustering k=N\")")
	taskCreateCmd.Flags().Int("k", 0, "number of segments (default from config)")
	taskCreateCmd.Flags().StringSlice("features", nil, "features to cluster on (recency, frequency, monetary, avg_payment)")
	taskCreateCmd.Flags().String("created-by", "", "free-text owner")
	taskCreateCmd.Flags().Bool("run", false, "run the task immediately in the foreground")

	taskListCmd.Flags().String("status", "", "filter by status (pending, running, completed, failed)")
	taskListCmd.Flags().Int("page", 1, "page number")
	taskListCmd.Flags().Int("page-size", 20, "tasks per page (max 50)")

	taskGetCmd.Flags().Bool("json", false, "print the task as JSON")

	taskFailCmd.Flags().String("message", "", "failure message")

	taskCmd.AddCommand(taskCreateCmd)
	taskCmd.AddCommand(taskListCmd)
	taskCmd.AddCommand(taskGetCmd)
	taskCmd.AddCommand(taskRunCmd)
	taskCmd.AddCommand(taskDeleteCmd)
	taskCmd.AddCommand(taskFailCmd)
	rootCmd.AddCommand(taskCmd)
}

// formatTaskList writes a tabular list of tasks to w.
func formatTaskList(out io.Writer, tasks []model.AnalysisTask) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tK\tFEATURES\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t--------\t-\t--------\t-------\t--------")

	for _, t := range tasks {
		name := t.Name
		if len(name) > 30 {
			name = name[:27] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%d\t%s\t%s\t%s\n",
			truncateID(t.ID),
			name,
			t.Status,
			t.Progress,
			t.Params.K,
			joinFeatures(t.Params.Features),
			t.CreatedAt.Format("2006-01-02 15:04"),
			taskDuration(t),
		)
	}
	_ = w.Flush()
}

// formatTaskDetail writes one task as key/value lines.
func formatTaskDetail(out io.Writer, t *model.AnalysisTask) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "ID:\t%s\n", t.ID)
	_, _ = fmt.Fprintf(w, "Name:\t%s\n", t.Name)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", t.Status)
	_, _ = fmt.Fprintf(w, "Progress:\t%d%%\n", t.Progress)
	_, _ = fmt.Fprintf(w, "K:\t%d\n", t.Params.K)
	_, _ = fmt.Fprintf(w, "Features:\t%s\n", joinFeatures(t.Params.Features))
	if t.CreatedBy != "" {
		_, _ = fmt.Fprintf(w, "Created by:\t%s\n", t.CreatedBy)
	}
	_, _ = fmt.Fprintf(w, "Created:\t%s\n", t.CreatedAt.Format(time.RFC3339))
	if d := taskDuration(*t); d != "" {
		_, _ = fmt.Fprintf(w, "Duration:\t%s\n", d)
	}
	if t.ResultID != "" {
		_, _ = fmt.Fprintf(w, "Result set:\t%s\n", t.ResultID)
	}
	if t.Error != "" {
		_, _ = fmt.Fprintf(w, "Error:\t%s\n", t.Error)
	}
	_ = w.Flush()
}

// taskDuration is the elapsed run time of a finished task, or empty when it never finished.
func taskDuration(t model.AnalysisTask) string {
	if t.StartedAt == nil || t.CompletedAt == nil {
		return ""
	}
	return t.CompletedAt.Sub(*t.StartedAt).Round(time.Second).String()
}

func joinFeatures(feats []model.Feature) string {
	names := make([]string, len(feats))
	for i, f := range feats {
		names[i] = string(f)
	}
	return strings.Join(names, ",")
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
