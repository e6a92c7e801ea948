package teemo

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var entryLog = componentLogger("entry")

// entryState is the Entry Handler's own state (C6), distinct from a
// Slice's sliceStatus. Grounded in rain's Status enum (status.go), expanded
// from its five coarse states into the explicit
// IDLE/FETCH_INFO/PLAN/TRANSFER/FINALIZE/DONE/FAILED/CANCELED machine
// spec.md §2 names.
type entryState int32

const (
	stateIdle entryState = iota
	stateFetchInfo
	statePlan
	stateTransfer
	stateFinalize
	stateDone
	stateFailed
	stateCanceled
)

// transferBufferSize is the read chunk size for a single slice's body.
// Grounded in rain's control_task.go COPY_BUFFER_SIZE (1024*32).
const transferBufferSize = 32 * 1024

// entryHandler drives one job from IDLE through to a terminal state. One
// instance is created per Start call; a Job never reuses an entryHandler
// across runs (see teemo.go's (*Job).Start).
type entryHandler struct {
	url        string
	targetPath string
	opts       *Options
	client     *http.Client

	desc *ResourceDescriptor
	mgr  *sliceManager
	gov  *speedGovernor

	state  int32 // atomic entryState
	cancel context.CancelFunc
}

func newEntryHandler(url, targetPath string, opts *Options) *entryHandler {
	return &entryHandler{
		url:        url,
		targetPath: targetPath,
		opts:       opts,
		client:     httpClientFor(opts.ConnTimeoutMs),
		state:      int32(stateIdle),
	}
}

func (h *entryHandler) setState(st entryState) {
	atomic.StoreInt32(&h.state, int32(st))
}

func (h *entryHandler) State() entryState {
	return entryState(atomic.LoadInt32(&h.state))
}

// stop cancels the handler's context, invoked by (*Job).Stop.
func (h *entryHandler) stop() {
	if h.cancel != nil {
		h.cancel()
	}
}

// run executes the full state machine to completion and returns the
// terminal Result. It never panics: any unexpected error is reported as
// UNKNOWN_ERROR rather than propagated.
func (h *entryHandler) run(parent context.Context) Result {
	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	defer cancel()

	if h.opts.StopSignal != nil {
		go func() {
			if h.opts.StopSignal.Wait(0) {
				cancel()
			}
		}()
	}

	h.setState(stateFetchInfo)
	h.log("fetch_info: resolving url")

	if !isSyntacticallyValidURL(h.url) {
		if h.opts.SkippingURLCheck && h.url == "" {
			if resolved, ok := peekIndexURL(h.targetPath); ok {
				h.url = resolved
			}
		}
	}
	if !isSyntacticallyValidURL(h.url) {
		return h.fail(INVALID_URL, nil)
	}
	if h.targetPath == "" {
		return h.fail(INVALID_TARGET_FILE_PATH, nil)
	}

	var verbose VerboseFunc
	if h.opts.Verbose != nil {
		verbose = h.safeVerbose
	}
	desc, err := fetchResourceInfo(ctx, h.client, h.url, h.opts.FetchInfoRetries, verbose)
	if err != nil {
		if ctx.Err() != nil {
			return h.canceled()
		}
		return h.fail(INVALID_URL, err)
	}
	h.desc = desc

	h.setState(statePlan)
	h.log("plan: reconciling index and sizing slices")

	mgr, res, mgrErr := newSliceManager(h.targetPath, h.opts, desc)
	if res != SUCCESSED {
		return h.fail(res, mgrErr)
	}
	h.mgr = mgr

	if desc.TotalSize == 0 || mgr.AllDone() {
		return h.finalizeAndFinish()
	}

	h.setState(stateTransfer)
	h.gov = newSpeedGovernor(h.opts.MaxSpeedBps)

	tickDone := make(chan struct{})
	go h.tickLoop(ctx, tickDone)

	pending := mgr.Dispatch()
	multiSlice := mgr.SliceCount() > 1

	var wg sync.WaitGroup
	errs := make(chan error, len(pending))
	for _, s := range pending {
		wg.Add(1)
		go func(sl *Slice) {
			defer wg.Done()
			if err := h.transferSliceWithRetry(ctx, sl, multiSlice); err != nil {
				errs <- err
			}
		}(s)
	}
	wg.Wait()
	close(tickDone)
	close(errs)

	if ctx.Err() != nil {
		mgr.Abort()
		return h.canceled()
	}

	for err := range errs {
		mgr.Abort()
		return h.fail(SLICE_DOWNLOAD_FAILED, err)
	}

	return h.finalizeAndFinish()
}

func (h *entryHandler) finalizeAndFinish() Result {
	h.setState(stateFinalize)
	h.log("finalize: renaming temp file and removing sidecar")
	if err := h.mgr.Finalize(); err != nil {
		return h.fail(resultFromError(err), err)
	}
	h.setState(stateDone)
	return SUCCESSED
}

// transferSliceWithRetry drives one Slice's transfer, retrying the whole
// slice (from its current capture offset, not from scratch) up to
// sliceRetryBudget times with a linear backoff. Grounded in rain's
// startTask/execute retry loop (control_task.go), generalized from a
// global retry counter to a per-slice budget per spec.md §4.6.
func (h *entryHandler) transferSliceWithRetry(ctx context.Context, s *Slice, multiSlice bool) error {
	var lastErr error
	for attempt := 0; attempt < sliceRetryBudget; attempt++ {
		if attempt > 0 {
			s.ResetForRetry()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
		}
		err := h.transferOnce(ctx, s, multiSlice)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		h.log(fmt.Sprintf("slice %d: attempt %d/%d failed: %v", s.Index, attempt+1, sliceRetryBudget, err))
	}
	s.MarkFailed()
	return fmt.Errorf("slice %d exhausted retries: %w", s.Index, lastErr)
}

func (h *entryHandler) transferOnce(ctx context.Context, s *Slice, multiSlice bool) error {
	s.MarkActive()
	begin := s.nextOffset()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return err
	}
	if s.Open() {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", begin))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", begin, s.End))
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("slice %d: HTTP status %d", s.Index, resp.StatusCode)
	}
	// A server that ignored the Range header and sent the whole body back
	// is unusable for a multi-slice plan: every slice would race to write
	// the same bytes. Fail fast rather than silently corrupting the file.
	if multiSlice && resp.StatusCode != http.StatusPartialContent {
		return fmt.Errorf("slice %d: server ignored range request (status %d)", s.Index, resp.StatusCode)
	}

	buf := make([]byte, transferBufferSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if err := h.gov.Charge(ctx, n); err != nil {
				return err
			}
			s.Append(buf[:n])
			if err := h.mgr.AfterAppend(s, n); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	if s.Open() {
		s.End = s.Begin + s.Captured() - 1
		if err := h.mgr.flush(s); err != nil {
			return err
		}
		s.setStatus(sliceDone)
		return nil
	}
	if s.Captured() != s.Size() {
		return fmt.Errorf("slice %d: short read, %d bytes remaining", s.Index, s.Remaining())
	}
	// The body is fully read but a buffered tail may not have crossed the
	// disk cache's flush threshold yet; the slice only reports Done() once
	// every captured byte is actually on disk, so force the final flush.
	if !s.Done() {
		if err := h.mgr.flush(s); err != nil {
			return err
		}
	}
	return nil
}

// tickLoop emits progress and speed samples on the cadence spec.md §4.4/§5
// name (200ms progress, 1s speed), stopping when either done or ctx is
// canceled.
func (h *entryHandler) tickLoop(ctx context.Context, done <-chan struct{}) {
	progress := time.NewTicker(progressTickInterval)
	speed := time.NewTicker(speedTickInterval)
	defer progress.Stop()
	defer speed.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-progress.C:
			if h.opts.Progress != nil {
				total := h.desc.TotalSize
				if total < 0 {
					total = 0
				}
				h.safeProgress(total, h.mgr.TotalCaptured())
			}
		case <-speed.C:
			sample := h.gov.Tick()
			if h.opts.Speed != nil {
				h.safeSpeed(sample)
			}
		}
	}
}

func (h *entryHandler) safeProgress(total, downloaded int64) {
	defer func() {
		if r := recover(); r != nil {
			entryLog.Warn().Interface("panic", r).Msg("progress callback panicked")
		}
	}()
	h.opts.Progress(total, downloaded)
}

func (h *entryHandler) safeSpeed(bps int64) {
	defer func() {
		if r := recover(); r != nil {
			entryLog.Warn().Interface("panic", r).Msg("speed callback panicked")
		}
	}()
	h.opts.Speed(bps)
}

func (h *entryHandler) fail(res Result, cause error) Result {
	h.setState(stateFailed)
	if cause != nil {
		h.log(fmt.Sprintf("failed: %s: %v", res, cause))
	} else {
		h.log(fmt.Sprintf("failed: %s", res))
	}
	return res
}

func (h *entryHandler) canceled() Result {
	h.setState(stateCanceled)
	h.log("canceled")
	return CANCELED
}

func (h *entryHandler) log(msg string) {
	entryLog.Debug().Str("url", h.url).Str("state", h.stateName()).Msg(msg)
	if h.opts.Verbose != nil {
		h.safeVerbose(msg)
	}
}

func (h *entryHandler) safeVerbose(msg string) {
	defer func() {
		if r := recover(); r != nil {
			entryLog.Warn().Interface("panic", r).Msg("verbose callback panicked")
		}
	}()
	h.opts.Verbose(msg)
}

func (h *entryHandler) stateName() string {
	switch h.State() {
	case stateIdle:
		return "IDLE"
	case stateFetchInfo:
		return "FETCH_INFO"
	case statePlan:
		return "PLAN"
	case stateTransfer:
		return "TRANSFER"
	case stateFinalize:
		return "FINALIZE"
	case stateDone:
		return "DONE"
	case stateFailed:
		return "FAILED"
	case stateCanceled:
		return "CANCELED"
	default:
		return "UNKNOWN"
	}
}

// resultFromError extracts the Result a manager method wrapped via
// wrapResult, falling back to UNKNOWN_ERROR for anything else.
func resultFromError(err error) Result {
	if re, ok := err.(*resultError); ok {
		return re.result
	}
	return UNKNOWN_ERROR
}
