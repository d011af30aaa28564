package backfill

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/0xkanth/indexer/internal/model"
	"github.com/0xkanth/indexer/internal/provider"
)

var (
	fixtureBucketHeaders  = []byte("headers")
	fixtureBucketTxRanges = []byte("tx_ranges")
	fixtureBucketTxs      = []byte("txs")
	fixtureBucketReceipts = []byte("receipts")
	fixtureBucketMeta     = []byte("meta")
	fixtureKeyLastBlock   = []byte("last_block")
)

type fixtureTxRange struct {
	First uint64
	End   uint64
}

func fixtureKey(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

func fixtureGob(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(v))
	return buf.Bytes()
}

// newFixtureProvider seeds a fresh bbolt-backed provider with one
// transaction per block number in blocks, each signed by signer, so any
// filter recognizing signer matches every one of those blocks.
func newFixtureProvider(t *testing.T, blocks []uint64, signer common.Address) *provider.Provider {
	t.Helper()
	dir := t.TempDir()
	hotPath := filepath.Join(dir, "hot.db")
	ancientPath := filepath.Join(dir, "ancient.db")

	db, err := bbolt.Open(hotPath, 0o600, nil)
	require.NoError(t, err)
	err = db.Update(func(tx *bbolt.Tx) error {
		headers, _ := tx.CreateBucketIfNotExists(fixtureBucketHeaders)
		ranges, _ := tx.CreateBucketIfNotExists(fixtureBucketTxRanges)
		txs, _ := tx.CreateBucketIfNotExists(fixtureBucketTxs)
		receipts, _ := tx.CreateBucketIfNotExists(fixtureBucketReceipts)
		meta, _ := tx.CreateBucketIfNotExists(fixtureBucketMeta)

		var maxBlock uint64
		for _, block := range blocks {
			if block > maxBlock {
				maxBlock = block
			}
			h := model.Header{Number: block, Hash: common.BigToHash(new(big.Int).SetUint64(block))}
			if err := headers.Put(fixtureKey(block), fixtureGob(t, h)); err != nil {
				return err
			}
			if err := ranges.Put(fixtureKey(block), fixtureGob(t, fixtureTxRange{First: block, End: block + 1})); err != nil {
				return err
			}

			txHash := common.BigToHash(new(big.Int).SetUint64(block + 1_000_000))
			transaction := model.Transaction{Hash: txHash, Signer: signer}
			if err := txs.Put(fixtureKey(block), fixtureGob(t, transaction)); err != nil {
				return err
			}
			if err := receipts.Put(fixtureKey(block), fixtureGob(t, model.Receipt{})); err != nil {
				return err
			}
		}

		lastBlock := make([]byte, 8)
		binary.BigEndian.PutUint64(lastBlock, maxBlock)
		return meta.Put(fixtureKeyLastBlock, lastBlock)
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ancientDB, err := bbolt.Open(ancientPath, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, ancientDB.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(fixtureBucketMeta)
		return err
	}))
	require.NoError(t, ancientDB.Close())

	return provider.New(provider.Config{DB: hotPath, StaticFiles: ancientPath})
}
