package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/sells-group/segment-cli/internal/fetcher"
	"github.com/sells-group/segment-cli/internal/ingest"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [ledger.csv]",
	Short: "Aggregate a payment ledger into entity profiles",
	Long: "Streams a CSV payment ledger in chunks, filters and cleans rows, aggregates one RFM profile per " +
		"recipient, and upserts the profiles. With --url the ledger is downloaded first; zip archives are unpacked.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		url, _ := cmd.Flags().GetString("url")
		if (len(args) == 0) == (url == "") {
			return eris.New("ingest: provide exactly one of a ledger path or --url")
		}
		if cmd.Flags().Changed("details") {
			cfg.Ingest.ImportDetails, _ = cmd.Flags().GetBool("details")
		}
		if cmd.Flags().Changed("chunk-size") {
			cfg.Ingest.ChunkSize, _ = cmd.Flags().GetInt("chunk-size")
		}
		if cmd.Flags().Changed("reference-date") {
			cfg.Ingest.ReferenceDate, _ = cmd.Flags().GetString("reference-date")
		}
		noProgress, _ := cmd.Flags().GetBool("no-progress")

		st, err := initStore(ctx, "ingest")
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		path := ""
		if len(args) == 1 {
			path = args[0]
		} else {
			f := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
				UserAgent:  cfg.Fetch.UserAgent,
				MaxRetries: cfg.Fetch.MaxRetries,
				RateLimit:  cfg.Fetch.RateLimit,
			})
			path, err = fetcher.FetchLedger(ctx, f, url, cfg.Ingest.TempDir)
			if err != nil {
				return err
			}
		}

		opts, err := ingest.OptionsFromConfig(cfg.Ingest)
		if err != nil {
			return err
		}
		job, err := ingest.NewJob(st, opts)
		if err != nil {
			return err
		}

		file, err := os.Open(path)
		if err != nil {
			return eris.Wrapf(err, "ingest: open %s", path)
		}
		defer file.Close() //nolint:errcheck

		var src io.Reader = file
		if !noProgress {
			info, err := file.Stat()
			if err != nil {
				return eris.Wrap(err, "ingest: stat ledger")
			}
			bar := progressbar.NewOptions64(info.Size(),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionShowBytes(true),
				progressbar.OptionSetWidth(40),
				progressbar.OptionShowElapsedTimeOnFinish(),
				progressbar.OptionSetDescription("reading ledger"),
			)
			pr := progressbar.NewReader(file, bar)
			src = &pr
			defer bar.Finish() //nolint:errcheck
		}

		sum, err := job.Run(ctx, src)
		if sum != nil {
			formatIngestSummary(cmd.OutOrStdout(), sum)
		}
		return err
	},
}

func formatIngestSummary(out io.Writer, s *ingest.Summary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Rows read:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "  Valid:\t%d\n", s.Valid)
	_, _ = fmt.Fprintf(w, "  Filtered:\t%d\n", s.Filtered)
	_, _ = fmt.Fprintf(w, "  Parse errors:\t%d\n", s.ParseErrors)
	_, _ = fmt.Fprintf(w, "Chunks:\t%d\n", s.Chunks)
	_, _ = fmt.Fprintf(w, "Unique entities:\t%d\n", s.UniqueEntities)
	if s.RecencyClamped > 0 {
		_, _ = fmt.Fprintf(w, "Recency clamped:\t%d\n", s.RecencyClamped)
	}
	_, _ = fmt.Fprintf(w, "Profiles written:\t%d\n", s.ProfilesWritten)
	if s.ProfilesFailed > 0 {
		_, _ = fmt.Fprintf(w, "Profiles failed:\t%d\n", s.ProfilesFailed)
	}
	if s.DetailsWritten > 0 {
		_, _ = fmt.Fprintf(w, "Details written:\t%d\n", s.DetailsWritten)
	}
	_, _ = fmt.Fprintf(w, "Elapsed:\t%s\n", s.Elapsed.Round(time.Millisecond))
	_ = w.Flush()
}

func init() {
	ingestCmd.Flags().String("url", "", "download the ledger from this URL instead of reading a local file")
	ingestCmd.Flags().Bool("details", false, "also persist cleaned line items (high volume)")
	ingestCmd.Flags().Int("chunk-size", 0, "rows per chunk (default from config)")
	ingestCmd.Flags().String("reference-date", "", "recency reference date, YYYY-MM-DD (default from config)")
	ingestCmd.Flags().Bool("no-progress", false, "disable the progress bar")
	rootCmd.AddCommand(ingestCmd)
}
