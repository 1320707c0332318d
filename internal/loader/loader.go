// Package loader writes records in fixed-size batches, one transaction per batch.
package loader

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// WriteFunc persists one batch atomically and returns the number of rows it wrote.
type WriteFunc[T any] func(ctx context.Context, batch []T) (int64, error)

// Result reports how many items were committed and how many were not.
type Result struct {
	Batches int   `json:"batches"`
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
	// Affected sums the row counts reported by the writer (e.g. rows matched by an update).
	Affected int64 `json:"affected"`
}

// BatchError identifies the batch that failed. Batches before it stay committed.
type BatchError struct {
	Batch  int
	Offset int
	Size   int
	Err    error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %d (offset %d, size %d): %v", e.Batch, e.Offset, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error { return e.Err }

// Options configures Run.
type Options struct {
	Name      string
	BatchSize int
	// OnBatch is called after each committed batch with the cumulative result.
	OnBatch func(Result)
}

// Run writes items in batches of opts.BatchSize. It never retries: the first failed batch stops
// the run and a *BatchError is returned along with the counts so far. Failed counts every item
// not committed, including those after the failing batch.
func Run[T any](ctx context.Context, items []T, opts Options, write WriteFunc[T]) (Result, error) {
	var res Result
	if len(items) == 0 {
		return res, nil
	}
	if opts.BatchSize <= 0 {
		return res, eris.Errorf("loader: %s: batch size must be positive, got %d", opts.Name, opts.BatchSize)
	}

	log := zap.L().With(zap.String("component", "loader"), zap.String("target", opts.Name))

	for off := 0; off < len(items); off += opts.BatchSize {
		end := min(off+opts.BatchSize, len(items))
		batch := items[off:end]

		if err := ctx.Err(); err != nil {
			res.Failed = int64(len(items) - off)
			return res, eris.Wrapf(err, "loader: %s: cancelled", opts.Name)
		}

		n, err := write(ctx, batch)
		if err != nil {
			res.Failed = int64(len(items) - off)
			log.Error("batch write failed",
				zap.Int("batch", res.Batches),
				zap.Int("offset", off),
				zap.Int("size", len(batch)),
				zap.Int64("written", res.Written),
				zap.Error(err),
			)
			return res, &BatchError{Batch: res.Batches, Offset: off, Size: len(batch), Err: err}
		}

		res.Batches++
		res.Written += int64(len(batch))
		res.Affected += n
		if opts.OnBatch != nil {
			opts.OnBatch(res)
		}
		log.Debug("batch committed", zap.Int("batch", res.Batches), zap.Int64("written", res.Written))
	}

	return res, nil
}
