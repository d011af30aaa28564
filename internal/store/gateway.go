// Package store implements the relational store gateway: the only
// component in the service that talks to Postgres, and the only component
// allowed to write chains, accounts, txs or backfill_jobs rows.
// RegisterAddress and InsertMatches treat foreign-key violations and
// duplicate-primary-key conflicts as success (RegisterAddress logs them at
// debug level); every other method returns any database error it gets.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/0xkanth/indexer/internal/backfill/rearrange"
	"github.com/0xkanth/indexer/internal/eventbus"
	"github.com/0xkanth/indexer/internal/model"
	"github.com/0xkanth/indexer/internal/registrynotify"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
)

// Gateway is the relational store gateway: every write the sync engine makes
// and every read an external consumer needs goes through it.
type Gateway struct {
	pool     *pgxpool.Pool
	bus      *eventbus.Bus
	notifier *registrynotify.Publisher // optional, may be nil
	logger   zerolog.Logger
}

// New creates a Gateway bound to pool, publishing address-registration and
// job-creation events on bus. notifier may be nil when no NATS relay is
// configured.
func New(pool *pgxpool.Pool, bus *eventbus.Bus, notifier *registrynotify.Publisher, logger zerolog.Logger) *Gateway {
	return &Gateway{
		pool:     pool,
		bus:      bus,
		notifier: notifier,
		logger:   logger.With().Str("component", "store").Logger(),
	}
}

// absorbed reports whether err is a foreign-key violation or a duplicate
// primary key, which this service treats as a successful no-op rather than
// an error: a late-arriving match for an address that was deregistered, or a
// retried insert after a crash, both look like this and are not failures.
func absorbed(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgForeignKeyViolation || pgErr.Code == pgUniqueViolation
	}
	return false
}

// SetupChain ensures a chains row exists for chainID, creating it with
// startBlock as both start_block and last_known_block if absent, and
// returns the current row either way.
func (g *Gateway) SetupChain(ctx context.Context, chainID, startBlock uint64) (model.Chain, error) {
	const q = `
		INSERT INTO chains (chain_id, start_block, last_known_block, updated_at)
		VALUES ($1, $2, $2, now())
		ON CONFLICT (chain_id) DO NOTHING
	`
	if _, err := g.pool.Exec(ctx, q, chainID, startBlock); err != nil {
		return model.Chain{}, fmt.Errorf("store: setup chain: %w", err)
	}

	const sel = `SELECT chain_id, start_block, last_known_block, updated_at FROM chains WHERE chain_id = $1`
	row := g.pool.QueryRow(ctx, sel, chainID)

	var c model.Chain
	if err := row.Scan(&c.ChainID, &c.StartBlock, &c.LastKnownBlock, &c.UpdatedAt); err != nil {
		return model.Chain{}, fmt.Errorf("store: load chain: %w", err)
	}
	return c, nil
}

// UpdateChainTip advances a chain's forward cursor. Callers (the Forward
// worker) are responsible for the monotonicity invariant; this method does
// not itself enforce last_known_block only increasing, matching the
// original's unconditional UPDATE.
func (g *Gateway) UpdateChainTip(ctx context.Context, chainID, lastKnownBlock uint64) error {
	const q = `UPDATE chains SET last_known_block = $2, updated_at = now() WHERE chain_id = $1`
	if _, err := g.pool.Exec(ctx, q, chainID, lastKnownBlock); err != nil {
		return fmt.Errorf("store: update chain tip: %w", err)
	}
	return nil
}

// RegisterAddress inserts an accounts row for (address, chainID). On
// success it fans the address out on the in-process new-address queue and,
// if a NATS relay is configured, publishes it so other processes running
// this same indexer learn about the registration too.
func (g *Gateway) RegisterAddress(ctx context.Context, addr common.Address, chainID uint64) error {
	const q = `
		INSERT INTO accounts (address, chain_id, created_at, updated_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (address, chain_id) DO NOTHING
	`
	if _, err := g.pool.Exec(ctx, q, addr.Bytes(), chainID); err != nil {
		if absorbed(err) {
			g.logger.Debug().Err(err).Str("address", addr.Hex()).Msg("register address absorbed")
			return nil
		}
		return fmt.Errorf("store: register address: %w", err)
	}

	g.bus.PublishNewAddress(addr)

	if g.notifier != nil {
		if err := g.notifier.PublishRegistration(ctx, addr, chainID); err != nil {
			g.logger.Error().Err(err).Str("address", addr.Hex()).Msg("failed to relay registration over nats")
		}
	}

	return nil
}

// GetAddresses returns every address registered for chainID, in the order
// the store returns them — used to seed a fresh Address Filter.
func (g *Gateway) GetAddresses(ctx context.Context, chainID uint64) ([]common.Address, error) {
	const q = `SELECT address FROM accounts WHERE chain_id = $1`
	rows, err := g.pool.Query(ctx, q, chainID)
	if err != nil {
		return nil, fmt.Errorf("store: get addresses: %w", err)
	}
	defer rows.Close()

	var out []common.Address
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("store: scan address: %w", err)
		}
		out = append(out, common.BytesToAddress(raw))
	}
	return out, rows.Err()
}

// InsertMatches writes a batch of match rows, absorbing duplicate-PK
// conflicts for rows already written by a previous, interrupted flush.
func (g *Gateway) InsertMatches(ctx context.Context, chainID uint64, matches []model.Match) error {
	if len(matches) == 0 {
		return nil
	}

	const q = `
		INSERT INTO txs (address, chain_id, hash, block_number, created_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (address, chain_id, hash) DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, m := range matches {
		batch.Queue(q, m.Address.Bytes(), chainID, m.TxHash.Bytes(), m.BlockNumber)
	}

	br := g.pool.SendBatch(ctx, batch)
	defer br.Close()

	for range matches {
		if _, err := br.Exec(); err != nil && !absorbed(err) {
			return fmt.Errorf("store: insert match: %w", err)
		}
	}
	return nil
}

// CreateBackfillJob creates a single-address job over [low, high) and wakes
// the Backfill Manager. Empty jobs (low >= high) are not written, mirroring
// the Rearranger's own empty-job rule. The insert is conflict-ignore on the
// job's natural key (chain_id, low, high, addresses): a re-delivered
// new-address event, or registrynotify.Subscribe replaying a registration
// after an at-least-once NATS redelivery, must not create a second job
// covering the same range, so backfill_jobs carries a unique constraint on
// that key and this insert absorbs a violation of it exactly like
// InsertMatches absorbs a duplicate match row.
func (g *Gateway) CreateBackfillJob(ctx context.Context, chainID uint64, addr common.Address, low, high uint64) error {
	if low >= high {
		return nil
	}

	const q = `
		INSERT INTO backfill_jobs (addresses, chain_id, low, high, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (chain_id, low, high, addresses) DO NOTHING
	`
	if _, err := g.pool.Exec(ctx, q, addressesToBytea(addr), chainID, low, high); err != nil {
		return fmt.Errorf("store: create backfill job: %w", err)
	}

	g.bus.PublishNewJob()
	return nil
}

// GetBackfillJobs returns every backfill job currently pending for chainID,
// ordered by high descending so the Backfill Manager always picks up the
// most recently registered address's history first.
func (g *Gateway) GetBackfillJobs(ctx context.Context, chainID uint64) ([]model.Job, error) {
	const q = `SELECT id, addresses, low, high FROM backfill_jobs WHERE chain_id = $1 ORDER BY high DESC`
	rows, err := g.pool.Query(ctx, q, chainID)
	if err != nil {
		return nil, fmt.Errorf("store: get backfill jobs: %w", err)
	}
	defer rows.Close()

	var out []model.Job
	for rows.Next() {
		var j model.Job
		var rawAddrs [][]byte
		if err := rows.Scan(&j.ID, &rawAddrs, &j.Low, &j.High); err != nil {
			return nil, fmt.Errorf("store: scan backfill job: %w", err)
		}
		j.ChainID = chainID
		j.Addresses = bytesToAddresses(rawAddrs)
		out = append(out, j)
	}
	return out, rows.Err()
}

// UpdateJobHigh lowers a backfill job's high watermark as a Backfill worker
// makes descending progress; it is the checkpoint a Backfill worker's flush
// writes after inserting its buffered matches.
func (g *Gateway) UpdateJobHigh(ctx context.Context, jobID int64, high uint64) error {
	const q = `UPDATE backfill_jobs SET high = $2, updated_at = now() WHERE id = $1`
	if _, err := g.pool.Exec(ctx, q, jobID, high); err != nil {
		return fmt.Errorf("store: update job high: %w", err)
	}
	return nil
}

// ReorgBackfillJobs loads every pending job for chainID, merges overlapping
// ranges with rearrange.Rearrange, and atomically replaces the job table's
// contents with the merged result inside a single serializable transaction
// — load, compute, delete-all, insert-all — so a crash mid-reorg never
// leaves a partially rearranged set.
func (g *Gateway) ReorgBackfillJobs(ctx context.Context, chainID uint64) error {
	tx, err := g.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("store: begin reorg tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `SELECT id, addresses, low, high FROM backfill_jobs WHERE chain_id = $1`, chainID)
	if err != nil {
		return fmt.Errorf("store: reorg: load jobs: %w", err)
	}

	var jobs []model.Job
	for rows.Next() {
		var j model.Job
		var rawAddrs [][]byte
		if err := rows.Scan(&j.ID, &rawAddrs, &j.Low, &j.High); err != nil {
			rows.Close()
			return fmt.Errorf("store: reorg: scan job: %w", err)
		}
		j.ChainID = chainID
		j.Addresses = bytesToAddresses(rawAddrs)
		jobs = append(jobs, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("store: reorg: iterate jobs: %w", err)
	}

	merged := rearrange.Rearrange(jobs)

	if _, err := tx.Exec(ctx, `DELETE FROM backfill_jobs WHERE chain_id = $1`, chainID); err != nil {
		return fmt.Errorf("store: reorg: delete jobs: %w", err)
	}

	const ins = `
		INSERT INTO backfill_jobs (addresses, chain_id, low, high, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`
	for _, j := range merged {
		if _, err := tx.Exec(ctx, ins, addressesToBytea(j.Addresses...), chainID, j.Low, j.High); err != nil {
			return fmt.Errorf("store: reorg: insert job: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: reorg: commit: %w", err)
	}

	g.logger.Debug().
		Uint64("chain_id", chainID).
		Int("before", len(jobs)).
		Int("after", len(merged)).
		Msg("rearranged backfill jobs")

	return nil
}

// History returns every match row recorded for addr on chainID, the one
// read-side query this service exposes beyond the sync engine itself.
func (g *Gateway) History(ctx context.Context, addr common.Address, chainID uint64) ([]model.Match, error) {
	const q = `SELECT address, hash, block_number FROM txs WHERE address = $1 AND chain_id = $2 ORDER BY block_number`
	rows, err := g.pool.Query(ctx, q, addr.Bytes(), chainID)
	if err != nil {
		return nil, fmt.Errorf("store: history: %w", err)
	}
	defer rows.Close()

	var out []model.Match
	for rows.Next() {
		var rawAddr, rawHash []byte
		var m model.Match
		if err := rows.Scan(&rawAddr, &rawHash, &m.BlockNumber); err != nil {
			return nil, fmt.Errorf("store: history scan: %w", err)
		}
		m.Address = common.BytesToAddress(rawAddr)
		m.TxHash = common.BytesToHash(rawHash)
		out = append(out, m)
	}
	return out, rows.Err()
}

func addressesToBytea(addrs ...common.Address) [][]byte {
	out := make([][]byte, len(addrs))
	for i, a := range addrs {
		out[i] = a.Bytes()
	}
	return out
}

func bytesToAddresses(raw [][]byte) []common.Address {
	out := make([]common.Address, len(raw))
	for i, b := range raw {
		out[i] = common.BytesToAddress(b)
	}
	return out
}
