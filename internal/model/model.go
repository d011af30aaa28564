// Package model holds the domain entities shared across the sync engine,
// the relational store gateway and the event bus.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Chain is the per-network sync cursor row (chains table).
type Chain struct {
	ChainID         uint64
	StartBlock      uint64
	LastKnownBlock  uint64
	UpdatedAt       time.Time
}

// Job is a pending or in-flight backfill range, carrying the union of every
// address that needs history over [Low, High).
type Job struct {
	ID        int64
	ChainID   uint64
	Addresses []common.Address
	Low       uint64
	High      uint64
}

// Empty reports whether the job's range carries no blocks.
func (j Job) Empty() bool {
	return j.Low >= j.High
}

// Match is one (address, block, tx) hit produced by the block scanner,
// before it has been written to the relational store.
type Match struct {
	Address     common.Address
	BlockNumber uint64
	TxHash      common.Hash
}

// Header is the subset of block-header fields the sync engine needs.
type Header struct {
	Number     uint64
	Hash       common.Hash
	ParentHash common.Hash
	Time       uint64
}

// Transaction is the subset of transaction fields the sync engine needs,
// with the signer already recovered by the provider.
type Transaction struct {
	Hash   common.Hash
	Signer common.Address
	To     *common.Address
}

// Log is a single decoded event log entry from a transaction receipt.
type Log struct {
	Topics []common.Hash
}

// Receipt is the subset of receipt fields the sync engine needs.
type Receipt struct {
	Logs []Log
}
