// Package ingest turns a payment ledger into persisted entity profiles.
package ingest

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/segment-cli/internal/config"
	"github.com/sells-group/segment-cli/internal/ledger"
	"github.com/sells-group/segment-cli/internal/loader"
	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/monitoring"
	"github.com/sells-group/segment-cli/internal/rfm"
)

// maxLoggedRowErrors caps how many dropped rows are logged individually per ingest.
const maxLoggedRowErrors = 10

// Writer persists ingest output.
type Writer interface {
	UpsertProfiles(ctx context.Context, profiles []model.EntityProfile) (int64, error)
	InsertPaymentDetails(ctx context.Context, details []model.PaymentDetail) (int64, error)
}

// Options configures a Job.
type Options struct {
	ChunkSize        int
	Encoding         string
	Reference        time.Time
	ImportDetails    bool
	ProfileBatchSize int
	DetailBatchSize  int
	Filter           ledger.FilterConfig
	// Cleaners is the number of chunks filtered concurrently; zero means 2.
	Cleaners int
}

// OptionsFromConfig maps the ingest config section onto job options.
func OptionsFromConfig(cfg config.IngestConfig) (Options, error) {
	ref, err := cfg.Reference()
	if err != nil {
		return Options{}, err
	}
	return Options{
		ChunkSize:        cfg.ChunkSize,
		Encoding:         cfg.Encoding,
		Reference:        ref,
		ImportDetails:    cfg.ImportDetails,
		ProfileBatchSize: cfg.ProfileBatchSize,
		DetailBatchSize:  cfg.DetailBatchSize,
		Filter: ledger.FilterConfig{
			AcceptedTypes:      cfg.AcceptedTypes,
			PrimaryTypePattern: cfg.PrimaryTypePattern,
			DateLayout:         cfg.DateLayout,
		},
	}, nil
}

// Summary reports the outcome of one ingest.
type Summary struct {
	ledger.Stats
	Chunks          int           `json:"chunks"`
	UniqueEntities  int           `json:"unique_entities"`
	RecencyClamped  int           `json:"recency_clamped"`
	ProfilesWritten int64         `json:"profiles_written"`
	ProfilesFailed  int64         `json:"profiles_failed"`
	DetailsWritten  int64         `json:"details_written"`
	Elapsed         time.Duration `json:"elapsed"`
}

// Job runs chunked read, clean, and aggregate, then bulk-writes profiles.
type Job struct {
	w      Writer
	opts   Options
	filter *ledger.Filter
}

// NewJob validates opts and compiles the row filter.
func NewJob(w Writer, opts Options) (*Job, error) {
	if opts.ChunkSize <= 0 {
		return nil, eris.Errorf("ingest: chunk size must be positive, got %d", opts.ChunkSize)
	}
	if opts.Reference.IsZero() {
		return nil, eris.New("ingest: reference date is required")
	}
	if opts.ProfileBatchSize <= 0 {
		opts.ProfileBatchSize = 5000
	}
	if opts.DetailBatchSize <= 0 {
		opts.DetailBatchSize = 10000
	}
	if opts.Cleaners <= 0 {
		opts.Cleaners = 2
	}
	f, err := ledger.NewFilter(opts.Filter)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: filter")
	}
	return &Job{w: w, opts: opts, filter: f}, nil
}

// RunFile ingests the ledger at path.
func (j *Job) RunFile(ctx context.Context, path string) (*Summary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return j.Run(ctx, f)
}

type cleanedChunk struct {
	index int
	rows  []ledger.CleanRow
	stats ledger.Stats
	errs  []ledger.RowError
}

// Run ingests a ledger stream. Profiles are written only after every chunk is aggregated,
// so a read or detail failure leaves profiles untouched. Every failure returns the summary
// so far together with the error.
func (j *Job) Run(ctx context.Context, r io.Reader) (*Summary, error) {
	start := time.Now()
	log := zap.L().With(zap.String("component", "ingest"))

	reader, err := ledger.NewReader(r, ledger.Options{ChunkSize: j.opts.ChunkSize, Encoding: j.opts.Encoding})
	if err != nil {
		return nil, err
	}

	sum := &Summary{}
	agg := rfm.NewAggregator()
	var detailsFailed bool

	g, gctx := errgroup.WithContext(ctx)
	chunks, readErr := reader.Chunks(gctx)
	cleaned := make(chan cleanedChunk, j.opts.Cleaners)

	// cleaners
	g.Go(func() error {
		var cg errgroup.Group
		for range j.opts.Cleaners {
			cg.Go(func() error {
				for c := range chunks {
					rows, stats, errs := j.filter.Clean(c)
					select {
					case cleaned <- cleanedChunk{index: c.Index, rows: rows, stats: stats, errs: errs}:
					case <-gctx.Done():
						return gctx.Err()
					}
				}
				return nil
			})
		}
		err := cg.Wait()
		close(cleaned)
		if err != nil {
			return err
		}
		return <-readErr
	})

	// aggregator, single consumer
	g.Go(func() error {
		logged := 0
		for c := range cleaned {
			agg.UpdateAll(c.rows)
			sum.Stats.Add(c.stats)
			sum.Chunks++

			for _, re := range c.errs {
				if logged >= maxLoggedRowErrors {
					break
				}
				logged++
				log.Warn("dropped ledger row",
					zap.Int("chunk", re.Chunk),
					zap.Int("row", re.Row),
					zap.String("entity_id", re.EntityID),
					zap.String("reason", re.Reason),
				)
			}

			if j.opts.ImportDetails && len(c.rows) > 0 {
				n, err := j.writeDetails(gctx, c.rows)
				sum.DetailsWritten += n
				if err != nil {
					detailsFailed = true
					return eris.Wrapf(err, "ingest: write details of chunk %d", c.index)
				}
			}

			log.Debug("chunk aggregated",
				zap.Int("chunk", c.index),
				zap.Int64("valid", c.stats.Valid),
				zap.Int("entities", agg.Len()),
			)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		recordRows(sum.Stats)
		sum.Elapsed = time.Since(start)
		if detailsFailed {
			return sum, err
		}
		return sum, eris.Wrap(err, "ingest: read ledger")
	}
	recordRows(sum.Stats)

	fin := agg.Finalize(j.opts.Reference)
	sum.UniqueEntities = len(fin.Profiles)
	sum.RecencyClamped = fin.Clamped
	monitoring.RecencyClampsTotal.Add(float64(fin.Clamped))

	res, err := loader.Run(ctx, fin.Profiles,
		loader.Options{Name: "entity profiles", BatchSize: j.opts.ProfileBatchSize},
		j.w.UpsertProfiles,
	)
	sum.ProfilesWritten = res.Written
	sum.ProfilesFailed = res.Failed
	sum.Elapsed = time.Since(start)
	monitoring.ProfilesWrittenTotal.WithLabelValues("written").Add(float64(res.Written))
	monitoring.ProfilesWrittenTotal.WithLabelValues("failed").Add(float64(res.Failed))
	monitoring.IngestDurationSeconds.Observe(sum.Elapsed.Seconds())

	if err != nil {
		return sum, eris.Wrap(err, "ingest: write profiles")
	}

	log.Info("ingest complete",
		zap.Int64("total_rows", sum.Total),
		zap.Int64("valid_rows", sum.Valid),
		zap.Int64("filtered_rows", sum.Filtered),
		zap.Int64("parse_errors", sum.ParseErrors),
		zap.Int("unique_entities", sum.UniqueEntities),
		zap.Int("recency_clamped", sum.RecencyClamped),
		zap.Int64("profiles_written", sum.ProfilesWritten),
		zap.Int64("details_written", sum.DetailsWritten),
		zap.Duration("elapsed", sum.Elapsed),
	)
	return sum, nil
}

func (j *Job) writeDetails(ctx context.Context, rows []ledger.CleanRow) (int64, error) {
	details := make([]model.PaymentDetail, len(rows))
	for i := range rows {
		details[i] = rows[i].Detail()
	}
	res, err := loader.Run(ctx, details,
		loader.Options{Name: "payment details", BatchSize: j.opts.DetailBatchSize},
		j.w.InsertPaymentDetails,
	)
	monitoring.DetailsWrittenTotal.Add(float64(res.Written))
	return res.Written, err
}

func recordRows(s ledger.Stats) {
	monitoring.LedgerRowsTotal.WithLabelValues("valid").Add(float64(s.Valid))
	monitoring.LedgerRowsTotal.WithLabelValues("filtered").Add(float64(s.Filtered))
	monitoring.LedgerRowsTotal.WithLabelValues("parse_error").Add(float64(s.ParseErrors))
}
