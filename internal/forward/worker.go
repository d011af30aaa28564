// Package forward implements the chain-tip follower: the sync driver that
// walks forward from wherever it last stopped, admits newly registered
// addresses into its address filter as they arrive, and schedules a
// backfill job covering each new address's pre-registration history.
package forward

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/0xkanth/indexer/internal/addressfilter"
	"github.com/0xkanth/indexer/internal/eventbus"
	"github.com/0xkanth/indexer/internal/model"
	"github.com/0xkanth/indexer/internal/provider"
	"github.com/0xkanth/indexer/internal/scanner"
)

// waitPollInterval is how often Worker reloads the provider while waiting
// for the node to produce a block beyond its current cursor.
const waitPollInterval = 2 * time.Second

var (
	cursorHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_forward_cursor_height",
		Help: "Last block number the forward worker has fully processed",
	})

	chainTipHeight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "indexer_forward_chain_tip_height",
		Help: "Last block number visible from the node according to the most recent snapshot",
	})
)

// Store is the subset of the relational store gateway Worker needs.
type Store interface {
	SetupChain(ctx context.Context, chainID, startBlock uint64) (model.Chain, error)
	UpdateChainTip(ctx context.Context, chainID, lastKnownBlock uint64) error
	InsertMatches(ctx context.Context, chainID uint64, matches []model.Match) error
	CreateBackfillJob(ctx context.Context, chainID uint64, addr common.Address, low, high uint64) error
	GetAddresses(ctx context.Context, chainID uint64) ([]common.Address, error)
}

// Worker is the Forward sync driver for one chain.
type Worker struct {
	chainID    uint64
	startBlock uint64
	nextBlock  uint64

	provider *provider.Provider
	store    Store
	bus      *eventbus.Bus
	filter   *addressfilter.Filter
	buf      *scanner.Buffer
	logger   zerolog.Logger
}

// New creates a Worker for chainID, loading its address filter from every
// account the store currently has registered.
func New(
	ctx context.Context,
	chainID, startBlock uint64,
	prov *provider.Provider,
	store Store,
	bus *eventbus.Bus,
	bufferCapacity, bufferMaxTries int,
	logger zerolog.Logger,
) (*Worker, error) {
	chain, err := store.SetupChain(ctx, chainID, startBlock)
	if err != nil {
		return nil, fmt.Errorf("forward: setup chain: %w", err)
	}

	addrs, err := store.GetAddresses(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("forward: load addresses: %w", err)
	}

	return &Worker{
		chainID:    chainID,
		startBlock: chain.StartBlock,
		nextBlock:  chain.LastKnownBlock + 1,
		provider:   prov,
		store:      store,
		bus:        bus,
		filter:     addressfilter.New(addrs),
		buf:        scanner.NewBuffer(bufferCapacity, bufferMaxTries),
		logger:     logger.With().Str("component", "forward_worker").Uint64("chain_id", chainID).Logger(),
	}, nil
}

// Run walks forward from the worker's recovered cursor until ctx is
// cancelled. It never returns nil on cancellation without first flushing.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return w.flush(context.Background())
		}

		if err := w.processNewAddresses(ctx); err != nil {
			return err
		}

		snap, err := w.provider.Open()
		if err != nil {
			return fmt.Errorf("forward: open snapshot: %w", err)
		}

		header, ok := snap.Header(w.nextBlock)
		if !ok {
			snap.Close()
			if err := w.flush(ctx); err != nil {
				return err
			}
			if err := w.waitNewBlock(ctx, w.nextBlock); err != nil {
				return err
			}
			continue
		}

		scanner.ScanBlock(snap, header, w.filter, w.buf)
		snap.Close()

		w.nextBlock++
		cursorHeight.Set(float64(w.nextBlock - 1))

		w.buf.Tick()
		if w.buf.ShouldFlush() {
			if err := w.flush(ctx); err != nil {
				return err
			}
		}
	}
}

// processNewAddresses drains every address registered since the last loop
// iteration, admits it into the address filter, and schedules a backfill
// job covering its history from the chain's configured start block up to
// (but not including) the worker's current cursor.
func (w *Worker) processNewAddresses(ctx context.Context) error {
	for {
		select {
		case addr, ok := <-w.bus.NewAddressChan():
			if !ok {
				return nil
			}
			w.filter.Insert(addr)
			if err := w.store.CreateBackfillJob(ctx, w.chainID, addr, w.startBlock, w.nextBlock); err != nil {
				return fmt.Errorf("forward: schedule backfill: %w", err)
			}
		default:
			return nil
		}
	}
}

func (w *Worker) waitNewBlock(ctx context.Context, block uint64) error {
	for {
		snap, err := w.provider.Open()
		if err != nil {
			return fmt.Errorf("forward: open snapshot: %w", err)
		}
		latest := snap.LastBlock()
		snap.Close()

		chainTipHeight.Set(float64(latest))
		if latest >= block {
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(waitPollInterval):
		}
	}
}

func (w *Worker) flush(ctx context.Context) error {
	matches := w.buf.Drain()
	if err := w.store.InsertMatches(ctx, w.chainID, matches); err != nil {
		return fmt.Errorf("forward: insert matches: %w", err)
	}
	if err := w.store.UpdateChainTip(ctx, w.chainID, w.nextBlock-1); err != nil {
		return fmt.Errorf("forward: update chain tip: %w", err)
	}
	w.logger.Debug().Int("matches", len(matches)).Uint64("cursor", w.nextBlock-1).Msg("flushed")
	return nil
}
