// Package backfill implements the bounded historical-range worker and the
// generation-based manager that rearranges, schedules and bounds the
// concurrency of the backfill job fleet.
package backfill

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/0xkanth/indexer/internal/addressfilter"
	"github.com/0xkanth/indexer/internal/model"
	"github.com/0xkanth/indexer/internal/provider"
	"github.com/0xkanth/indexer/internal/scanner"
)

var (
	blocksBackfilled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_backfill_blocks_processed_total",
		Help: "Total number of blocks processed by backfill workers",
	})

	jobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_backfill_jobs_active",
		Help: "Number of backfill workers currently running",
	})
)

// yieldEvery is how often, in blocks, a worker checks for cancellation
// instead of running the descending walk to completion uninterrupted.
const yieldEvery = 10

// JobStore is the subset of the relational store gateway a Worker needs.
type JobStore interface {
	UpdateJobHigh(ctx context.Context, jobID int64, high uint64) error
	InsertMatches(ctx context.Context, chainID uint64, matches []model.Match) error
}

// Worker walks one backfill job's [Low, High) range backwards, recognizing
// only the addresses that job carries.
type Worker struct {
	job      model.Job
	provider *provider.Provider
	store    JobStore
	filter   *addressfilter.Filter
	buf      *scanner.Buffer
	logger   zerolog.Logger
}

// NewWorker constructs a Worker for job, with its own address filter scoped
// to exactly the addresses job declares.
func NewWorker(job model.Job, prov *provider.Provider, store JobStore, bufferCapacity, bufferMaxTries int, logger zerolog.Logger) *Worker {
	return &Worker{
		job:      job,
		provider: prov,
		store:    store,
		filter:   addressfilter.New(job.Addresses),
		buf:      scanner.NewBuffer(bufferCapacity, bufferMaxTries),
		logger: logger.With().
			Str("component", "backfill_worker").
			Int64("job_id", job.ID).
			Uint64("low", job.Low).
			Uint64("high", job.High).
			Logger(),
	}
}

// Run walks [job.Low, job.High) backwards, stopping early if ctx is
// cancelled. It flushes before returning whether it finished the range or
// was cancelled partway through. A block that fails to load returns the
// error without flushing, leaving the job's high at its last checkpoint.
func (w *Worker) Run(ctx context.Context) error {
	jobsActive.Inc()
	defer jobsActive.Dec()

	block := w.job.High
	for block > w.job.Low {
		block--

		if block%yieldEvery == 0 {
			select {
			case <-ctx.Done():
				return w.flush(context.Background(), block+1)
			default:
			}
		}

		if err := w.processBlock(ctx, block); err != nil {
			return err
		}

		w.buf.Tick()
		if w.buf.ShouldFlush() {
			if err := w.flush(ctx, block); err != nil {
				return err
			}
		}
	}

	return w.flush(ctx, w.job.Low)
}

func (w *Worker) processBlock(ctx context.Context, block uint64) error {
	snap, err := w.provider.Open()
	if err != nil {
		return fmt.Errorf("backfill: open snapshot: %w", err)
	}
	defer snap.Close()

	header, err := snap.MustHeader(block)
	if err != nil {
		// a block missing inside a declared backfill range is a fatal
		// integrity error: the caller is expected to terminate this
		// worker, not retry it.
		return fmt.Errorf("backfill: %w", err)
	}

	scanner.ScanBlock(snap, header, w.filter, w.buf)
	blocksBackfilled.Inc()
	return nil
}

func (w *Worker) flush(ctx context.Context, newHigh uint64) error {
	matches := w.buf.Drain()
	if err := w.store.InsertMatches(ctx, w.job.ChainID, matches); err != nil {
		return fmt.Errorf("backfill: insert matches: %w", err)
	}
	if err := w.store.UpdateJobHigh(ctx, w.job.ID, newHigh); err != nil {
		return fmt.Errorf("backfill: update job high: %w", err)
	}
	w.logger.Debug().Int("matches", len(matches)).Uint64("new_high", newHigh).Msg("flushed")
	return nil
}
