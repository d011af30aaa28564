// Package scanner implements the block-scanning inner loop shared by the
// Forward worker and every Backfill worker: given a block header, enumerate
// its transactions, build the candidate address set for each one, and push
// a Match for every candidate the caller's address filter recognizes. This
// package performs no store I/O of its own — it only appends to a Buffer,
// which the caller flushes on its own schedule.
package scanner

import (
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/0xkanth/indexer/internal/addressfilter"
	"github.com/0xkanth/indexer/internal/model"
	"github.com/0xkanth/indexer/internal/provider"
)

var (
	txsScanned = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_scanner_transactions_scanned_total",
		Help: "Total number of transactions inspected by the block scanner",
	})

	matchesFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "indexer_scanner_matches_found_total",
		Help: "Total number of address matches appended to a buffer",
	})
)

// topicAsAddress treats a 32-byte log topic as a padded address only when
// its leading 12 bytes are zero — the standard convention for how an
// address ends up as an indexed event parameter.
func topicAsAddress(topic common.Hash) (common.Address, bool) {
	for _, b := range topic[:12] {
		if b != 0 {
			return common.Address{}, false
		}
	}
	var addr common.Address
	copy(addr[:], topic[12:])
	return addr, true
}

// ScanBlock enumerates every transaction in header's block, builds each
// transaction's candidate address set (log-topic addresses, signer,
// recipient) and appends a Match to buf for every candidate filter
// recognizes.
func ScanBlock(snap *provider.Snapshot, header *model.Header, filter *addressfilter.Filter, buf *Buffer) {
	first, end := snap.TxRange(header.Number)

	for id := first; id < end; id++ {
		tx, ok := snap.Transaction(id)
		if !ok {
			continue
		}
		receipt, ok := snap.Receipt(id)
		if !ok {
			continue
		}

		txsScanned.Inc()

		candidates := mapset.NewThreadUnsafeSet[common.Address]()
		for _, log := range receipt.Logs {
			for _, topic := range log.Topics {
				if addr, ok := topicAsAddress(topic); ok {
					candidates.Add(addr)
				}
			}
		}
		candidates.Add(tx.Signer)
		if tx.To != nil {
			candidates.Add(*tx.To)
		}

		for addr := range candidates.Iter() {
			if !filter.Contains(addr) {
				continue
			}
			buf.Append(model.Match{
				Address:     addr,
				BlockNumber: header.Number,
				TxHash:      tx.Hash,
			})
			matchesFound.Inc()
		}
	}
}
