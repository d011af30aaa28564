package backfill

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/0xkanth/indexer/internal/eventbus"
	"github.com/0xkanth/indexer/internal/model"
	"github.com/0xkanth/indexer/internal/provider"
)

// wakeInterval bounds how long a generation runs before the manager
// re-rearranges and reprioritizes even without an explicit new-job event.
const wakeInterval = time.Second

var rearrangeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "indexer_backfill_rearrange_duration_seconds",
	Help:    "Time taken to rearrange and reload the backfill job set",
	Buckets: prometheus.DefBuckets,
})

// StopStrategy governs when the manager's outer loop exits.
type StopStrategy int

const (
	// StopOnCancel runs generations forever until ctx is cancelled — the
	// production behavior.
	StopOnCancel StopStrategy = iota
	// StopOnEmpty exits as soon as a generation starts with zero jobs —
	// used by tests that want the manager to run to completion.
	StopOnEmpty
)

// ManagerStore is the subset of the relational store gateway the manager
// itself needs (workers get their own narrower JobStore).
type ManagerStore interface {
	JobStore
	ReorgBackfillJobs(ctx context.Context, chainID uint64) error
	GetBackfillJobs(ctx context.Context, chainID uint64) ([]model.Job, error)
}

// Manager runs the generation loop: rearrange, load jobs, spawn one Worker
// per job under a concurrency cap, wait for a wake signal, cancel the
// generation's workers, repeat.
type Manager struct {
	chainID        uint64
	concurrency    int
	bufferCapacity int
	bufferMaxTries int
	store          ManagerStore
	provider       *provider.Provider
	bus            *eventbus.Bus
	stopStrategy   StopStrategy
	logger         zerolog.Logger
}

// NewManager constructs a Manager for chainID, bounding concurrent workers
// at concurrency.
func NewManager(
	chainID uint64,
	concurrency int,
	bufferCapacity, bufferMaxTries int,
	store ManagerStore,
	prov *provider.Provider,
	bus *eventbus.Bus,
	stopStrategy StopStrategy,
	logger zerolog.Logger,
) *Manager {
	return &Manager{
		chainID:        chainID,
		concurrency:    concurrency,
		bufferCapacity: bufferCapacity,
		bufferMaxTries: bufferMaxTries,
		store:          store,
		provider:       prov,
		bus:            bus,
		stopStrategy:   stopStrategy,
		logger:         logger.With().Str("component", "backfill_manager").Uint64("chain_id", chainID).Logger(),
	}
}

// Run executes generations until ctx is cancelled (or, under StopOnEmpty,
// until a generation starts empty). Each generation flushes and joins every
// spawned worker before the next one begins.
func (m *Manager) Run(ctx context.Context) error {
	for {
		start := time.Now()
		if err := m.store.ReorgBackfillJobs(ctx, m.chainID); err != nil {
			return err
		}
		rearrangeDuration.Observe(time.Since(start).Seconds())

		jobs, err := m.store.GetBackfillJobs(ctx, m.chainID)
		if err != nil {
			return err
		}

		if m.stopStrategy == StopOnEmpty && len(jobs) == 0 {
			m.logger.Info().Msg("no backfill jobs remaining, stopping")
			return nil
		}

		genCtx, cancelGen := context.WithCancel(ctx)
		sem := make(chan struct{}, m.concurrency)
		var wg sync.WaitGroup

		for _, job := range jobs {
			job := job
			wg.Add(1)
			go func() {
				defer wg.Done()

				select {
				case sem <- struct{}{}:
				case <-genCtx.Done():
					return
				}
				defer func() { <-sem }()

				if genCtx.Err() != nil {
					return
				}

				worker := NewWorker(job, m.provider, m.store, m.bufferCapacity, m.bufferMaxTries, m.logger)
				if err := worker.Run(genCtx); err != nil {
					m.logger.Error().Err(err).Int64("job_id", job.ID).Msg("backfill worker failed")
				}
			}()
		}

		select {
		case <-ctx.Done():
		case <-time.After(wakeInterval):
		case <-m.bus.NewJobChan():
		}

		cancelGen()
		wg.Wait()

		if ctx.Err() != nil {
			m.logger.Info().Msg("closing backfill manager")
			return nil
		}
		m.logger.Debug().Msg("rotating backfill workers")
	}
}
