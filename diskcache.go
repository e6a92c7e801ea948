package teemo

import (
	"sort"
	"sync"
	"sync/atomic"
)

// diskCache is the global accountant of buffered-but-unflushed bytes across
// every Slice in a job (C3). It never touches the filesystem itself; it
// decides *which* slices should flush and leaves the actual write to the
// Slice Manager, which owns the open file handle.
//
// Grounded in rain's DiskCache config field (config.go's DiskCache /
// control_task.go's per-task bufsize), generalized from "one buffer per
// active download" to "one aggregate ceiling shared by every slice of the
// job", per spec.md §4.3.
type diskCache struct {
	threshold int64 // disk_cache_bytes; 0 => flush immediately on every append
	buffered  int64 // atomic aggregate across all slices

	mu     sync.Mutex
	slices []*Slice
}

func newDiskCache(threshold int, slices []*Slice) *diskCache {
	return &diskCache{
		threshold: int64(threshold),
		slices:    slices,
	}
}

// Track records n newly buffered bytes for the aggregate counter. Call
// after every Slice.Append.
func (d *diskCache) Track(n int) {
	atomic.AddInt64(&d.buffered, int64(n))
}

// Released records n bytes leaving the buffer (a successful flush). Call
// after every Slice.FlushTo.
func (d *diskCache) Released(n int) {
	atomic.AddInt64(&d.buffered, -int64(n))
}

// Buffered returns the current aggregate buffered byte count.
func (d *diskCache) Buffered() int64 {
	return atomic.LoadInt64(&d.buffered)
}

// Immediate reports whether disk_cache_bytes == 0, meaning every append
// must flush right away with no buffering.
func (d *diskCache) Immediate() bool {
	return d.threshold == 0
}

// OverCap reports whether the aggregate buffered bytes meet or exceed the
// configured threshold.
func (d *diskCache) OverCap() bool {
	if d.threshold <= 0 {
		return false
	}
	return d.Buffered() >= d.threshold
}

// FlushCandidates returns slices with a non-empty buffer, largest buffer
// first, to flush until the aggregate drops back under threshold. The
// Slice Manager calls this under OverCap() and flushes from the front of
// the returned slice until Buffered() falls back below threshold or the
// list is exhausted.
func (d *diskCache) FlushCandidates() []*Slice {
	d.mu.Lock()
	all := make([]*Slice, len(d.slices))
	copy(all, d.slices)
	d.mu.Unlock()

	candidates := all[:0:0]
	for _, s := range all {
		if s.bufferedLen() > 0 {
			candidates = append(candidates, s)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].bufferedLen() > candidates[j].bufferedLen()
	})
	return candidates
}
