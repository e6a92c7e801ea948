package teemo

import (
	"context"
	"sync"
	"sync/atomic"
)

var globalInitOnce sync.Once

// GlobalInit performs process-wide one-time setup. Grounded in
// original_source/include/teemo/teemo.h's Teemo::GlobalInit (there, a
// libcurl global init guard); Go's net/http needs no such step, so this
// stays a cheap idempotent no-op kept only so callers ported from the
// original API still have somewhere to put startup order.
func GlobalInit() Result {
	globalInitOnce.Do(func() {})
	return SUCCESSED
}

// GlobalUnInit is GlobalInit's counterpart. No-op for the same reason.
func GlobalUnInit() {}

// Future is a single-value result handed back by Start, mirroring
// original_source's std::shared_future<Result>: Wait may be called from
// more than one goroutine and every caller observes the same Result once
// it's ready.
type Future struct {
	done   chan struct{}
	result Result
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(r Result) {
	f.result = r
	close(f.done)
}

// Wait blocks until the job reaches a terminal state and returns its
// Result.
func (f *Future) Wait() Result {
	<-f.done
	return f.result
}

// Done returns a channel closed once the Result is available, for callers
// that want to select on it alongside other events.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Job is the façade spec.md §1 calls the Entry Handler's owner: one Job
// per logical download, reusable across sequential Start calls the way
// original_source's Teemo class is, but never two concurrent ones (that's
// ALREADY_DOWNLOADING). Grounded in rain.go's Rain+RainControl pair,
// collapsed into a single type because spec.md's Options has no
// per-request override surface distinct from the job-level one rain.go's
// New(uri, opts...) provides.
type Job struct {
	mu   sync.Mutex
	opts *Options

	url        string
	targetPath string

	active  int32 // atomic bool
	handler *entryHandler
	future  *Future
}

// New returns a Job configured with spec.md §3's defaults.
func New() *Job {
	return &Job{opts: NewOptions()}
}

func (j *Job) isActive() bool {
	return atomic.LoadInt32(&j.active) != 0
}

// SetThreadNum sets the slice count used for a fresh plan (ignored when
// resuming from a valid sidecar, which already fixes the slice count).
func (j *Job) SetThreadNum(n int) Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.isActive() {
		return ALREADY_DOWNLOADING
	}
	v, res := validateThreadNum(n)
	if res != SUCCESSED {
		return res
	}
	j.opts.ThreadNum = v
	return SUCCESSED
}

func (j *Job) SetConnTimeoutMs(ms int) Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.isActive() {
		return ALREADY_DOWNLOADING
	}
	v, res := validateConnTimeout(ms)
	if res != SUCCESSED {
		return res
	}
	j.opts.ConnTimeoutMs = v
	return SUCCESSED
}

func (j *Job) SetFetchInfoRetries(n int) Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.isActive() {
		return ALREADY_DOWNLOADING
	}
	v, res := validateFetchInfoRetries(n)
	if res != SUCCESSED {
		return res
	}
	j.opts.FetchInfoRetries = v
	return SUCCESSED
}

// SetTmpExpireSeconds sets how old a sidecar's saved_at_unix may be before
// resuming from it is refused as TMP_FILE_EXPIRED. Negative disables
// expiry.
func (j *Job) SetTmpExpireSeconds(s int) Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.isActive() {
		return ALREADY_DOWNLOADING
	}
	j.opts.TmpExpireSeconds = s
	return SUCCESSED
}

// SetMaxSpeedBps sets the aggregate speed cap; <=0 means unlimited.
func (j *Job) SetMaxSpeedBps(n int) Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.isActive() {
		return ALREADY_DOWNLOADING
	}
	j.opts.MaxSpeedBps = n
	return SUCCESSED
}

func (j *Job) SetDiskCacheBytes(n int) Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.isActive() {
		return ALREADY_DOWNLOADING
	}
	v, res := validateDiskCacheBytes(n)
	if res != SUCCESSED {
		return res
	}
	j.opts.DiskCacheBytes = v
	return SUCCESSED
}

// SetSkippingURLCheck controls whether a resumed sidecar's stored URL must
// match the caller's URL, and whether an empty caller URL may adopt the
// sidecar's stored one (spec.md §4.5.1).
func (j *Job) SetSkippingURLCheck(skip bool) Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.isActive() {
		return ALREADY_DOWNLOADING
	}
	j.opts.SkippingURLCheck = skip
	return SUCCESSED
}

// SetStopSignal installs an externally-owned StopSignal the job also
// watches alongside its own Stop method.
func (j *Job) SetStopSignal(s *StopSignal) Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.isActive() {
		return ALREADY_DOWNLOADING
	}
	j.opts.StopSignal = s
	return SUCCESSED
}

func (j *Job) SetVerbose(f VerboseFunc) Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.isActive() {
		return ALREADY_DOWNLOADING
	}
	j.opts.Verbose = f
	return SUCCESSED
}

// Start begins a download in the background and returns a Future for its
// terminal Result, plus SUCCESSED if it was accepted or ALREADY_DOWNLOADING
// if this Job is already running one. resultCb, progressCb and speedCb are
// optional; when non-nil resultCb is invoked from the job's own goroutine
// and progressCb/speedCb from its ticker goroutine (see safeResultCall and
// entryHandler.safeProgress/safeSpeed), and they must not block.
func (j *Job) Start(ctx context.Context, url, targetPath string, resultCb ResultFunc, progressCb ProgressFunc, speedCb SpeedFunc) (*Future, Result) {
	j.mu.Lock()
	if j.isActive() {
		j.mu.Unlock()
		return nil, ALREADY_DOWNLOADING
	}
	atomic.StoreInt32(&j.active, 1)

	opts := j.opts.Copy()
	opts.Progress = progressCb
	opts.Speed = speedCb

	j.url = url
	j.targetPath = targetPath
	h := newEntryHandler(url, targetPath, opts)
	j.handler = h
	future := newFuture()
	j.future = future
	j.mu.Unlock()

	go func() {
		res := h.run(ctx)
		atomic.StoreInt32(&j.active, 0)
		future.resolve(res)
		if resultCb != nil {
			safeResultCall(resultCb, res)
		}
	}()

	return future, SUCCESSED
}

func safeResultCall(f ResultFunc, r Result) {
	defer func() {
		if rec := recover(); rec != nil {
			entryLog.Warn().Interface("panic", rec).Msg("result callback panicked")
		}
	}()
	f(r)
}

// Stop requests cancellation of the active job, if any. It's cooperative:
// the in-flight transfer goroutines observe ctx.Done() at their next read
// or retry boundary, flush what they have, and resolve the Future with
// CANCELED.
func (j *Job) Stop() {
	j.mu.Lock()
	h := j.handler
	j.mu.Unlock()
	if h != nil {
		h.stop()
	}
}

// URL returns the URL passed to the most recent Start call.
func (j *Job) URL() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.url
}

// TargetFilePath returns the target path passed to the most recent Start
// call.
func (j *Job) TargetFilePath() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.targetPath
}

// State returns the Entry Handler's current state, or stateIdle if no job
// has ever run on this Job.
func (j *Job) State() entryState {
	j.mu.Lock()
	h := j.handler
	j.mu.Unlock()
	if h == nil {
		return stateIdle
	}
	return h.State()
}
