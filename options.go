package teemo

import "time"

// Design constants, grounded in original_source/include/teemo/teemo.h's
// TEEMO_DEFAULT_* constants and spec.md §3's documented defaults.
const (
	defaultThreadNum        = 1
	maxThreadNum            = 100
	defaultConnTimeoutMs    = 3000
	defaultFetchInfoRetries = 1
	defaultTmpExpireSeconds = -1 // never expires
	defaultMaxSpeedBps      = -1 // unlimited
	defaultDiskCacheBytes   = 20 * 1024 * 1024
	sliceRetryBudget        = 3 // spec.md §9's fixed Open-Question default
	progressTickInterval    = 200 * time.Millisecond
	speedTickInterval       = time.Second
)

// VerboseFunc, ProgressFunc, SpeedFunc and ResultFunc mirror teemo.h's
// VerboseOuputFunctor / ProgressFunctor / RealtimeSpeedFunctor /
// ResultFunctor: capability-bearing closures invoked from the goroutines the
// entry handler runs (Result from the job goroutine, Progress and Speed from
// its ticker goroutine, Verbose from any of them including the per-slice
// transfers, possibly concurrently). They must be safe to call from those
// goroutines (send-safe) and a panic inside one must never escape into the
// state machine (see entry.go's safeVerbose/safeProgress/safeSpeed and
// teemo.go's safeResultCall).
type VerboseFunc func(msg string)
type ProgressFunc func(total, downloaded int64)
type SpeedFunc func(bytesPerSec int64)
type ResultFunc func(r Result)

// Options holds every tunable named in spec.md §3. It is the "thin
// configuration façade" spec.md §1 names as an out-of-scope collaborator —
// implemented here because a job needs somewhere to keep its settings, but
// deliberately free of behavior beyond bounds-checked storage. Grounded in
// rain's Config (config.go), trimmed to exactly the fields spec.md's data
// model lists: the teacher's outdir/outname/AutoFileRenaming/CreateDir/
// AllowOverwrite group doesn't survive because spec.md's start() takes an
// explicit target_path with no filename derivation step (see SPEC_FULL.md's
// Scope Delta).
type Options struct {
	ThreadNum        int
	ConnTimeoutMs    int
	FetchInfoRetries int
	TmpExpireSeconds int // -1 => never
	MaxSpeedBps      int // <=0 => unlimited
	DiskCacheBytes   int
	SkippingURLCheck bool

	StopSignal *StopSignal

	Verbose  VerboseFunc
	Progress ProgressFunc
	Speed    SpeedFunc
	Result   ResultFunc
}

// NewOptions returns Options populated with spec.md §3's defaults.
func NewOptions() *Options {
	return &Options{
		ThreadNum:        defaultThreadNum,
		ConnTimeoutMs:    defaultConnTimeoutMs,
		FetchInfoRetries: defaultFetchInfoRetries,
		TmpExpireSeconds: defaultTmpExpireSeconds,
		MaxSpeedBps:      defaultMaxSpeedBps,
		DiskCacheBytes:   defaultDiskCacheBytes,
	}
}

// Copy returns a shallow copy, taken at job start so later setter calls
// (which spec.md requires to fail with ALREADY_DOWNLOADING while active)
// can't mutate a running job's snapshot out from under it.
func (o *Options) Copy() *Options {
	tmp := *o
	return &tmp
}

func validateThreadNum(n int) (int, Result) {
	if n <= 0 {
		return defaultThreadNum, SUCCESSED
	}
	if n > maxThreadNum {
		return 0, INVALID_THREAD_NUM
	}
	return n, SUCCESSED
}

func validateConnTimeout(ms int) (int, Result) {
	if ms <= 0 {
		return defaultConnTimeoutMs, SUCCESSED
	}
	return ms, SUCCESSED
}

func validateFetchInfoRetries(n int) (int, Result) {
	if n <= 0 {
		return defaultFetchInfoRetries, SUCCESSED
	}
	return n, SUCCESSED
}

func validateDiskCacheBytes(n int) (int, Result) {
	if n < 0 {
		return 0, SUCCESSED
	}
	return n, SUCCESSED
}
