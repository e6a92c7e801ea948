package teemo

import (
	"os"
	"sync"
	"sync/atomic"
)

// sliceStatus is the per-Slice transfer state.
type sliceStatus int32

const (
	sliceIdle sliceStatus = iota
	sliceActive
	sliceDone
	sliceFailed
)

// Slice owns one contiguous byte range [Begin, End] of the target file, its
// capture counter, and the in-memory buffer its active transfer appends
// into. Grounded in rain's Block (block.go) plus the positioned-write
// writer in io.go, generalized per spec.md §3/§4.2: a Slice now owns its
// own buffer and flush operation instead of writing straight through, so
// the Disk Cache (C3) can defer flushes and batch writes.
//
// Invariant: Begin+Captured <= End+1. Appends for a given Slice are
// serialized by the single transfer assigned to it (the entry handler never
// runs two goroutines against the same Slice); Captured is read via atomic
// load by the progress aggregator and the persister without additional
// locking.
type Slice struct {
	Index int

	Begin int64
	End   int64 // inclusive; End == -1 means "open-ended" (unknown total size)

	captured int64 // atomic
	status   int32 // atomic sliceStatus

	mu     sync.Mutex
	buffer []byte
}

// NewSlice constructs a Slice in IDLE status with zero bytes captured.
func NewSlice(index int, begin, end int64) *Slice {
	return &Slice{
		Index:  index,
		Begin:  begin,
		End:    end,
		status: int32(sliceIdle),
	}
}

// Captured returns the number of bytes captured so far (flushed + buffered).
func (s *Slice) Captured() int64 {
	return atomic.LoadInt64(&s.captured)
}

// Status returns the current transfer status.
func (s *Slice) Status() sliceStatus {
	return sliceStatus(atomic.LoadInt32(&s.status))
}

func (s *Slice) setStatus(st sliceStatus) {
	atomic.StoreInt32(&s.status, int32(st))
}

// Open reports whether the slice has no fixed end (the single streaming
// slice synthesized when total size is unknown).
func (s *Slice) Open() bool {
	return s.End < 0
}

// Size returns the total byte length of the slice, or -1 when open-ended.
func (s *Slice) Size() int64 {
	if s.Open() {
		return -1
	}
	return s.End - s.Begin + 1
}

// Remaining returns the number of bytes still to capture, or -1 when
// open-ended.
func (s *Slice) Remaining() int64 {
	if s.Open() {
		return -1
	}
	return s.End - s.Begin - atomic.LoadInt64(&s.captured) + 1
}

// Done reports whether the slice is in DONE status, which FlushTo sets once
// every byte of its range has been captured and written to disk; captured
// bytes still sitting in the buffer do not count. Never true for an
// open-ended slice until it is explicitly closed by the entry handler
// observing EOF.
func (s *Slice) Done() bool {
	return s.Status() == sliceDone
}

// nextOffset is the absolute file offset the next append should land at.
func (s *Slice) nextOffset() int64 {
	return s.Begin + atomic.LoadInt64(&s.captured)
}

// Append grows Captured and buffers the bytes in memory. It never touches
// the filesystem; FlushTo does. Returns the number of buffered bytes after
// the append so the caller (disk cache accountant) can track the aggregate.
func (s *Slice) Append(b []byte) int {
	if len(b) == 0 {
		return s.bufferedLen()
	}
	s.mu.Lock()
	s.buffer = append(s.buffer, b...)
	n := len(s.buffer)
	atomic.AddInt64(&s.captured, int64(len(b)))
	s.mu.Unlock()
	return n
}

func (s *Slice) bufferedLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// NeedsFlush reports whether the buffered bytes meet or exceed threshold.
// A threshold of 0 means "flush immediately on every append".
func (s *Slice) NeedsFlush(threshold int) bool {
	return s.bufferedLen() >= threshold
}

// FlushTo writes the buffered bytes at Begin + (Captured - len(buffer)),
// i.e. right after the bytes already on disk, and empties the buffer. Returns the number of bytes flushed. Grounded in rain's
// fileAt.Write (io.go): a positioned write followed by a durability sync,
// generalized to operate on the Slice's own buffer instead of writing
// through synchronously on every read.
func (s *Slice) FlushTo(f *os.File) (int, error) {
	s.mu.Lock()
	buf := s.buffer
	s.buffer = nil
	captured := atomic.LoadInt64(&s.captured)
	s.mu.Unlock()

	if len(buf) == 0 {
		return 0, nil
	}

	offset := s.Begin + captured - int64(len(buf))

	n, err := f.WriteAt(buf, offset)
	if err != nil {
		// Bytes weren't persisted: put them back so the aggregate cache
		// counter and a later retry stay consistent.
		s.mu.Lock()
		s.buffer = append(buf, s.buffer...)
		s.mu.Unlock()
		return n, err
	}
	if err := f.Sync(); err != nil {
		return n, err
	}

	if !s.Open() && atomic.LoadInt64(&s.captured) == s.End-s.Begin+1 {
		s.setStatus(sliceDone)
	}
	return n, nil
}

// MarkActive transitions the slice into ACTIVE status; called when a
// transfer is dispatched against it.
func (s *Slice) MarkActive() {
	s.setStatus(sliceActive)
}

// MarkFailed transitions the slice into FAILED status and discards its
// in-memory buffer, rolling Captured back by the discarded length so it
// keeps reflecting only what's actually on disk (spec.md §4.6's per-slice
// retry rule; §8's sum(captured) == on-disk + buffered invariant must hold
// even after a slice gives up and is persisted for a later resume).
func (s *Slice) MarkFailed() {
	s.mu.Lock()
	discarded := int64(len(s.buffer))
	s.buffer = nil
	s.mu.Unlock()
	if discarded > 0 {
		atomic.AddInt64(&s.captured, -discarded)
	}
	s.setStatus(sliceFailed)
}

// ResetForRetry clears FAILED back to IDLE so the slice can be requeued.
func (s *Slice) ResetForRetry() {
	s.setStatus(sliceIdle)
}
