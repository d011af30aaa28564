package scanner

import (
	"bytes"
	"encoding/binary"
	"encoding/gob"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/0xkanth/indexer/internal/addressfilter"
	"github.com/0xkanth/indexer/internal/model"
	"github.com/0xkanth/indexer/internal/provider"
)

var (
	bucketHeaders  = []byte("headers")
	bucketTxRanges = []byte("tx_ranges")
	bucketTxs      = []byte("txs")
	bucketReceipts = []byte("receipts")
	bucketMeta     = []byte("meta")
	keyLastBlock   = []byte("last_block")
)

type txRange struct {
	First uint64
	End   uint64
}

func gobBytes(t *testing.T, v interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, gob.NewEncoder(&buf).Encode(v))
	return buf.Bytes()
}

func key(n uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, n)
	return k
}

// openSnapshotWithBlock seeds an empty hot/ancient bbolt pair with a single
// block containing one transaction whose recipient, signer and one log topic
// are the three candidate addresses given.
func openSnapshotWithBlock(t *testing.T, signer, to common.Address, topicAddr common.Address) *provider.Snapshot {
	t.Helper()
	dir := t.TempDir()
	hotPath := filepath.Join(dir, "hot.db")
	ancientPath := filepath.Join(dir, "ancient.db")

	db, err := bbolt.Open(hotPath, 0o600, nil)
	require.NoError(t, err)
	err = db.Update(func(tx *bbolt.Tx) error {
		headers, _ := tx.CreateBucketIfNotExists(bucketHeaders)
		ranges, _ := tx.CreateBucketIfNotExists(bucketTxRanges)
		txs, _ := tx.CreateBucketIfNotExists(bucketTxs)
		receipts, _ := tx.CreateBucketIfNotExists(bucketReceipts)
		meta, _ := tx.CreateBucketIfNotExists(bucketMeta)

		h := model.Header{Number: 1, Hash: common.HexToHash("0x01")}
		if err := headers.Put(key(1), gobBytes(t, h)); err != nil {
			return err
		}
		if err := ranges.Put(key(1), gobBytes(t, txRange{First: 1, End: 2})); err != nil {
			return err
		}

		paddedTopic := common.Hash{}
		copy(paddedTopic[12:], topicAddr.Bytes())

		transaction := model.Transaction{Hash: common.HexToHash("0xff"), Signer: signer, To: &to}
		if err := txs.Put(key(1), gobBytes(t, transaction)); err != nil {
			return err
		}
		receipt := model.Receipt{Logs: []model.Log{{Topics: []common.Hash{paddedTopic}}}}
		if err := receipts.Put(key(1), gobBytes(t, receipt)); err != nil {
			return err
		}

		lastBlock := make([]byte, 8)
		binary.BigEndian.PutUint64(lastBlock, 1)
		return meta.Put(keyLastBlock, lastBlock)
	})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	ancientDB, err := bbolt.Open(ancientPath, 0o600, nil)
	require.NoError(t, err)
	require.NoError(t, ancientDB.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	}))
	require.NoError(t, ancientDB.Close())

	p := provider.New(provider.Config{DB: hotPath, StaticFiles: ancientPath})
	snap, err := p.Open()
	require.NoError(t, err)
	return snap
}

func TestScanBlock_MatchesSignerRecipientAndTopicAddress(t *testing.T) {
	signer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	topicAddr := common.HexToAddress("0x3333333333333333333333333333333333333333")

	snap := openSnapshotWithBlock(t, signer, to, topicAddr)
	defer snap.Close()

	filter := addressfilter.New([]common.Address{signer, to, topicAddr})
	buf := NewBuffer(100, 100)

	header, ok := snap.Header(1)
	require.True(t, ok)

	ScanBlock(snap, header, filter, buf)

	require.Equal(t, 3, buf.Len())
}

func TestScanBlock_SkipsUnregisteredCandidates(t *testing.T) {
	signer := common.HexToAddress("0x1111111111111111111111111111111111111111")
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	topicAddr := common.HexToAddress("0x3333333333333333333333333333333333333333")

	snap := openSnapshotWithBlock(t, signer, to, topicAddr)
	defer snap.Close()

	filter := addressfilter.New(nil)
	buf := NewBuffer(100, 100)

	header, ok := snap.Header(1)
	require.True(t, ok)

	ScanBlock(snap, header, filter, buf)

	require.Equal(t, 0, buf.Len())
}

func TestTopicAsAddress(t *testing.T) {
	addr := common.HexToAddress("0xabcdefabcdefabcdefabcdefabcdefabcdefabcd")
	var padded common.Hash
	copy(padded[12:], addr.Bytes())

	got, ok := topicAsAddress(padded)
	require.True(t, ok)
	require.Equal(t, addr, got)

	_, ok = topicAsAddress(common.HexToHash("0xffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"))
	require.False(t, ok)
}
