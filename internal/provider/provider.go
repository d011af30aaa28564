// Package provider implements the read-only embedded node-database contract
// the sync engine reads blocks, transactions and receipts through.
//
// The backing store is a pair of bbolt environments: a "hot" database holding
// recent, still-mutable chain data, and a frozen "ancient" database holding
// everything below the freeze boundary — the same recent/ancient split a
// reth node keeps between its live MDBX database and its static-files
// segment. bbolt's read transactions are already point-in-time MVCC
// snapshots, which is exactly the semantics Open is required to hand back.
package provider

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.etcd.io/bbolt"

	"github.com/0xkanth/indexer/internal/model"
)

var (
	bucketHeaders  = []byte("headers")
	bucketTxRanges = []byte("tx_ranges")
	bucketTxs      = []byte("txs")
	bucketReceipts = []byte("receipts")
	bucketMeta     = []byte("meta")

	keyLastBlock  = []byte("last_block")
	keyFrozenUpto = []byte("frozen_upto")
)

// ErrMissingBlock is returned by Snapshot.MustHeader when a block declared to
// exist (inside a backfill job's range) cannot be found — an integrity
// error, fatal to the worker that hit it.
var ErrMissingBlock = errors.New("provider: missing block inside declared range")

// Config names the two bbolt environments, mirroring the [reth] section of
// the service configuration (db = hot store, static_files = ancient store).
type Config struct {
	DB          string
	StaticFiles string
}

// Provider opens fresh snapshots of the embedded node database on demand.
type Provider struct {
	cfg Config
}

// New returns a Provider for the given config. It does not open anything
// itself; each call to Open begins its own read transaction pair.
func New(cfg Config) *Provider {
	return &Provider{cfg: cfg}
}

// Open begins a new point-in-time snapshot over both environments. Callers
// must Close the snapshot when done with it; a snapshot never observes
// writes made after it was opened and must be reopened to see new blocks.
func (p *Provider) Open() (*Snapshot, error) {
	hot, err := bbolt.Open(p.cfg.DB, 0o600, &bbolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("provider: open hot db: %w", err)
	}

	ancient, err := bbolt.Open(p.cfg.StaticFiles, 0o600, &bbolt.Options{ReadOnly: true})
	if err != nil {
		hot.Close()
		return nil, fmt.Errorf("provider: open ancient db: %w", err)
	}

	hotTx, err := hot.Begin(false)
	if err != nil {
		hot.Close()
		ancient.Close()
		return nil, fmt.Errorf("provider: begin hot tx: %w", err)
	}

	ancientTx, err := ancient.Begin(false)
	if err != nil {
		hotTx.Rollback()
		hot.Close()
		ancient.Close()
		return nil, fmt.Errorf("provider: begin ancient tx: %w", err)
	}

	frozenUpto := uint64(0)
	if b := ancientTx.Bucket(bucketMeta); b != nil {
		if v := b.Get(keyFrozenUpto); v != nil {
			frozenUpto = binary.BigEndian.Uint64(v)
		}
	}

	return &Snapshot{
		hotDB:      hot,
		ancientDB:  ancient,
		hotTx:      hotTx,
		ancientTx:  ancientTx,
		frozenUpto: frozenUpto,
	}, nil
}

// Snapshot is a point-in-time read-only view over the embedded node
// database. It must be Closed and replaced (via Provider.Open) to observe
// blocks appended after it was taken.
type Snapshot struct {
	hotDB, ancientDB   *bbolt.DB
	hotTx, ancientTx   *bbolt.Tx
	frozenUpto         uint64
}

// Close releases the underlying read transactions and file handles.
func (s *Snapshot) Close() error {
	err1 := s.hotTx.Rollback()
	err2 := s.ancientTx.Rollback()
	err3 := s.hotDB.Close()
	err4 := s.ancientDB.Close()
	for _, err := range []error{err1, err2, err3, err4} {
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Snapshot) txFor(number uint64) *bbolt.Tx {
	if number < s.frozenUpto {
		return s.ancientTx
	}
	return s.hotTx
}

// LastBlock returns the highest block number visible in this snapshot.
func (s *Snapshot) LastBlock() uint64 {
	b := s.hotTx.Bucket(bucketMeta)
	if b == nil {
		return 0
	}
	v := b.Get(keyLastBlock)
	if v == nil {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func blockKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

// Header returns the header for block n, or (nil, false) if the node has no
// such block yet — not an error during forward traversal.
func (s *Snapshot) Header(n uint64) (*model.Header, bool) {
	b := s.txFor(n).Bucket(bucketHeaders)
	if b == nil {
		return nil, false
	}
	v := b.Get(blockKey(n))
	if v == nil {
		return nil, false
	}
	var h model.Header
	if err := gobDecode(v, &h); err != nil {
		return nil, false
	}
	return &h, true
}

// MustHeader returns the header for block n, treating its absence as a fatal
// integrity error — used by the backfill worker, for which every block in
// [low, high) is expected to exist.
func (s *Snapshot) MustHeader(n uint64) (*model.Header, error) {
	h, ok := s.Header(n)
	if !ok {
		return nil, fmt.Errorf("%w: block %d", ErrMissingBlock, n)
	}
	return h, nil
}

type txRange struct {
	First uint64
	End   uint64
}

// TxRange returns the half-open range of transaction IDs belonging to block
// n.
func (s *Snapshot) TxRange(n uint64) (first, end uint64) {
	b := s.txFor(n).Bucket(bucketTxRanges)
	if b == nil {
		return 0, 0
	}
	v := b.Get(blockKey(n))
	if v == nil {
		return 0, 0
	}
	var r txRange
	if err := gobDecode(v, &r); err != nil {
		return 0, 0
	}
	return r.First, r.End
}

func txKey(id uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, id)
	return k
}

// Transaction returns transaction id, or (nil, false) if it does not exist.
func (s *Snapshot) Transaction(id uint64) (*model.Transaction, bool) {
	// transactions are append-only and monotonically numbered; an id below
	// the ancient/hot boundary count lives in the ancient store, but since
	// we only look transactions up by id returned from TxRange for a given
	// block, the same store that served the range also serves the tx.
	for _, tx := range []*bbolt.Tx{s.hotTx, s.ancientTx} {
		b := tx.Bucket(bucketTxs)
		if b == nil {
			continue
		}
		v := b.Get(txKey(id))
		if v == nil {
			continue
		}
		var t model.Transaction
		if err := gobDecode(v, &t); err != nil {
			continue
		}
		return &t, true
	}
	return nil, false
}

// Receipt returns the receipt for transaction id, or (nil, false).
func (s *Snapshot) Receipt(id uint64) (*model.Receipt, bool) {
	for _, tx := range []*bbolt.Tx{s.hotTx, s.ancientTx} {
		b := tx.Bucket(bucketReceipts)
		if b == nil {
			continue
		}
		v := b.Get(txKey(id))
		if v == nil {
			continue
		}
		var r model.Receipt
		if err := gobDecode(v, &r); err != nil {
			continue
		}
		return &r, true
	}
	return nil, false
}

// TransactionByHash looks up a transaction by its hash, trading a full scan
// across both stores for simplicity — this backs an occasional lookup, not
// a general indexer query surface.
func (s *Snapshot) TransactionByHash(h common.Hash) (*model.Transaction, bool) {
	for _, tx := range []*bbolt.Tx{s.hotTx, s.ancientTx} {
		b := tx.Bucket(bucketTxs)
		if b == nil {
			continue
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var t model.Transaction
			if err := gobDecode(v, &t); err != nil {
				continue
			}
			if t.Hash == h {
				return &t, true
			}
		}
	}
	return nil, false
}

func gobDecode(data []byte, out interface{}) error {
	dec := gob.NewDecoder(bytes.NewReader(data))
	return dec.Decode(out)
}
