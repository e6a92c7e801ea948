package teemo

import (
	"context"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// speedGovernor enforces an aggregate byte/second ceiling across every
// Slice transfer of a job and emits a smoothed bytes-per-second sample once
// a second (C4). It is a no-op stall-wise when max_speed_bps <= 0 but still
// samples, per spec.md §4.4.
//
// The token-bucket ceiling is grounded in rain's control.go
// (ctl.rate = rate.NewLimiter(...), ctl.rateWaitN), generalized from a
// single *rate.Limiter guarding one download loop to one shared across all
// concurrent slice transfers of a job. The smoothing itself is grounded in
// event_extend.go's EventExtend.getRecord: a short rolling window of
// recent byte deltas summed into a speed figure, adapted from a 5-sample
// tick history into the 1s sliding window spec.md names explicitly.
type speedGovernor struct {
	limiter *rate.Limiter // nil when unlimited

	lastSample  int64 // atomic, most recent bytes captured at last 1s tick
	totalAtTick int64 // atomic, aggregate bytes transferred as of last tick
	cumulative  int64 // atomic, all bytes ever transferred
}

// newSpeedGovernor builds a governor. maxBps <= 0 means unlimited.
func newSpeedGovernor(maxBps int) *speedGovernor {
	g := &speedGovernor{}
	if maxBps > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(maxBps), maxBps)
	}
	return g
}

// Charge accounts for n freshly transferred bytes and, if a cap is
// configured, cooperatively stalls for the minimum interval that
// re-establishes a rate at or under the cap, implementing the sliding
// 1000ms window via a standard token-bucket limiter. ctx lets a
// cancellation or stop signal interrupt the stall promptly.
func (g *speedGovernor) Charge(ctx context.Context, n int) error {
	atomic.AddInt64(&g.cumulative, int64(n))

	if g.limiter == nil || n <= 0 {
		return nil
	}

	// WaitN refuses any n that exceeds the limiter's burst, so a cap below
	// transferBufferSize would otherwise fail every charge outright instead
	// of stalling. Split into burst-sized pieces and wait on each in turn.
	burst := g.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := g.limiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// Tick is called once a second by the entry handler to produce a smoothed
// bytes-per-second sample for the speed callback.
func (g *speedGovernor) Tick() int64 {
	total := atomic.LoadInt64(&g.cumulative)
	prev := atomic.SwapInt64(&g.totalAtTick, total)
	sample := total - prev
	atomic.StoreInt64(&g.lastSample, sample)
	return sample
}

// LastSample returns the most recently computed 1s sample without
// advancing the window (used by tests and verbose diagnostics).
func (g *speedGovernor) LastSample() int64 {
	return atomic.LoadInt64(&g.lastSample)
}
