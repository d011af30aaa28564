// Package rearrange implements the pure function that merges overlapping
// per-address backfill ranges into a disjoint set of jobs, each carrying the
// union of every address whose declared range covers it. It has no
// dependency on the store or any other package so it can be unit tested in
// complete isolation and reused from inside the gateway's reorg
// transaction.
package rearrange

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/0xkanth/indexer/internal/model"
)

// Rearrange merges jobs sharing the same chain into the minimal set of
// disjoint [low, high) ranges such that every input range is covered by
// exactly the output ranges it overlaps, each carrying the union of
// addresses from every input job that covered it. Jobs whose range is empty
// (low >= high) are dropped before merging, so their bounds never split
// another job's range. The input order does not matter; the output order is
// sorted by low for determinism.
func Rearrange(jobs []model.Job) []model.Job {
	nonEmpty := make([]model.Job, 0, len(jobs))
	for _, j := range jobs {
		if !j.Empty() {
			nonEmpty = append(nonEmpty, j)
		}
	}
	jobs = nonEmpty
	if len(jobs) == 0 {
		return nil
	}

	pointSet := make(map[uint64]struct{}, len(jobs)*2)
	for _, j := range jobs {
		pointSet[j.Low] = struct{}{}
		pointSet[j.High] = struct{}{}
	}

	points := make([]uint64, 0, len(pointSet))
	for p := range pointSet {
		points = append(points, p)
	}
	sort.Slice(points, func(i, j int) bool { return points[i] < points[j] })

	var out []model.Job
	for i := 0; i+1 < len(points); i++ {
		start, end := points[i], points[i+1]
		if start >= end {
			continue
		}

		seen := make(map[common.Address]struct{})
		var addrs []common.Address
		for _, j := range jobs {
			if j.Low <= start && j.High >= end {
				for _, a := range j.Addresses {
					if _, ok := seen[a]; ok {
						continue
					}
					seen[a] = struct{}{}
					addrs = append(addrs, a)
				}
			}
		}

		if len(addrs) == 0 {
			continue
		}

		sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i].Bytes(), addrs[j].Bytes()) < 0 })

		out = append(out, model.Job{
			ChainID:   jobs[0].ChainID,
			Addresses: addrs,
			Low:       start,
			High:      end,
		})
	}

	return out
}
