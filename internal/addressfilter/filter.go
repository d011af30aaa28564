// Package addressfilter implements the two-stage address membership check
// each sync worker holds: a scalable approximate layer that can never
// produce a false negative, front-ending an exact ordered set that is only
// ever consulted once the approximate layer reports a possible hit.
package addressfilter

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/btree"
)

// falsePositiveRate bounds the approximate layer's bloom filters at a 1%
// false-positive rate; the exact layer behind it guarantees no observable
// false positive ever reaches a caller.
const falsePositiveRate = 0.01

// minGenerationCapacity is the floor applied to a freshly seeded filter so a
// cold start with few addresses doesn't immediately need to grow.
const minGenerationCapacity = 1024

// item is the btree element: a 20-byte address compared lexicographically.
type item common.Address

func (a item) Less(than btree.Item) bool {
	b := than.(item)
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// generation is one fixed-capacity bloom filter; the approximate layer is
// the OR of every generation it has ever grown into.
type generation struct {
	filter   *bloom.BloomFilter
	capacity uint
	count    uint
}

// Filter is the per-worker address membership check. Each sync worker uses
// its own Filter from a single goroutine; the read-write mutex still makes
// Insert and Contains safe to call concurrently.
type Filter struct {
	mu          sync.RWMutex
	generations []*generation
	exact       *btree.BTree
}

// New creates a Filter seeded with the given addresses, sizing its first
// bloom generation to comfortably hold them.
func New(seed []common.Address) *Filter {
	capacity := nextCapacity(len(seed))
	f := &Filter{
		generations: []*generation{newGeneration(capacity)},
		exact:       btree.New(32),
	}
	for _, a := range seed {
		f.Insert(a)
	}
	return f
}

func newGeneration(capacity uint) *generation {
	return &generation{
		filter:   bloom.NewWithEstimates(capacity, falsePositiveRate),
		capacity: capacity,
	}
}

func nextCapacity(n int) uint {
	c := uint(minGenerationCapacity)
	for c < uint(n) {
		c *= 2
	}
	return c
}

// Insert adds an address to both layers. Idempotent: inserting an address
// already present changes nothing observable.
func (f *Filter) Insert(addr common.Address) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.exact.ReplaceOrInsert(item(addr))

	last := f.generations[len(f.generations)-1]
	last.filter.Add(addr.Bytes())
	last.count++

	if last.count >= last.capacity {
		f.generations = append(f.generations, newGeneration(last.capacity*2))
	}
}

// Contains reports whether addr was ever Inserted. The approximate layer is
// checked first; the exact layer is only consulted when it reports a
// possible match, which is the whole point of the two-stage design.
func (f *Filter) Contains(addr common.Address) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	maybe := false
	for _, g := range f.generations {
		if g.filter.Test(addr.Bytes()) {
			maybe = true
			break
		}
	}
	if !maybe {
		return false
	}

	return f.exact.Has(item(addr))
}

// Len returns the number of distinct addresses registered in the exact
// layer.
func (f *Filter) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.exact.Len()
}
