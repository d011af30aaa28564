package scanner

import (
	"github.com/0xkanth/indexer/internal/model"
)

// Buffer accumulates matches between flushes. The same type backs both the
// Forward worker and every Backfill worker since the flush policy (capacity
// or try count) is identical; only what a caller does with a drained batch
// and how it advances its own cursor differs between the two.
type Buffer struct {
	matches  []model.Match
	tries    int
	capacity int
	maxTries int
}

// NewBuffer creates an empty Buffer flushing at capacity matches or maxTries
// processed blocks, whichever comes first.
func NewBuffer(capacity, maxTries int) *Buffer {
	return &Buffer{
		matches:  make([]model.Match, 0, capacity),
		capacity: capacity,
		maxTries: maxTries,
	}
}

// Append adds a match to the buffer.
func (b *Buffer) Append(m model.Match) {
	b.matches = append(b.matches, m)
}

// Tick counts one processed block towards maxTries. Callers invoke this once
// per block regardless of whether it produced any matches.
func (b *Buffer) Tick() {
	b.tries++
}

// Len reports how many unflushed matches the buffer holds.
func (b *Buffer) Len() int {
	return len(b.matches)
}

// ShouldFlush reports whether the buffer has crossed its capacity or try
// threshold and should be flushed before continuing.
func (b *Buffer) ShouldFlush() bool {
	return len(b.matches) >= b.capacity || b.tries >= b.maxTries
}

// Drain returns every buffered match and resets the buffer's internal
// counters, ready for the next batch.
func (b *Buffer) Drain() []model.Match {
	out := b.matches
	b.matches = make([]model.Match, 0, b.capacity)
	b.tries = 0
	return out
}
