package teemo

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// sliceManagerLog is the ambient internal logger for this component,
// separate from Options.Verbose (see logging.go).
var sliceManagerLog = componentLogger("manager")

const (
	indexSuffix = ".teemo"
	tmpSuffix   = ".teemo.tmp"
)

// sliceManager is the Slice Manager (C5): it owns the Slice set, loads and
// validates the sidecar index, synthesizes a plan against a discovered
// resource when no valid index exists, tracks the disk cache policy,
// persists progress, and finalizes the target file. Grounded in rain's
// control.go/control_task.go/control_breakpoint.go/breakpoint.go, whose
// Breakpoint+Block+bufio-backed task loop plays the same role for a single
// download; generalized here into a standalone component the entry
// handler drives instead of a god-object that also owns HTTP and the
// public API.
type sliceManager struct {
	targetPath string
	tmpPath    string
	indexPath  string

	opts *Options
	desc *ResourceDescriptor

	mu     sync.Mutex
	slices []*Slice
	tmp    *os.File
	cache  *diskCache
}

// peekIndexURL reads only the url= line of a sidecar, used by the entry
// handler's FETCH_INFO state to resolve an empty caller URL when
// skipping_url_check is set (spec.md §4.5.1). Returns ok=false when no
// usable sidecar exists.
func peekIndexURL(targetPath string) (string, bool) {
	data, err := os.ReadFile(targetPath + indexSuffix)
	if err != nil {
		return "", false
	}
	rec, err := DecodeIndex(data)
	if err != nil || rec.URL == "" {
		return "", false
	}
	return rec.URL, true
}

// newSliceManager performs index reconciliation (§4.5.1), plan synthesis
// (§4.5.2) and temp file setup (§4.5.3). On any policy failure it returns
// the specific Result spec.md names instead of a generic error, so the
// entry handler can surface it verbatim as the job's terminal result.
func newSliceManager(targetPath string, opts *Options, desc *ResourceDescriptor) (*sliceManager, Result, error) {
	m := &sliceManager{
		targetPath: targetPath,
		tmpPath:    targetPath + tmpSuffix,
		indexPath:  targetPath + indexSuffix,
		opts:       opts,
		desc:       desc,
	}

	slices, res, err := m.reconcileOrPlan()
	if res != SUCCESSED {
		return nil, res, err
	}
	m.slices = slices
	m.cache = newDiskCache(opts.DiskCacheBytes, m.slices)

	if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
		return nil, CREATE_TARGET_FILE_FAILED, err
	}

	if res, err := m.openOrCreateTmp(); res != SUCCESSED {
		return nil, res, err
	}
	return m, SUCCESSED, nil
}

func (m *sliceManager) reconcileOrPlan() ([]*Slice, Result, error) {
	data, err := os.ReadFile(m.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m.synthesizePlan(), SUCCESSED, nil
		}
		return nil, OPEN_INDEX_FILE_FAILED, err
	}

	rec, err := DecodeIndex(data)
	if err != nil {
		return nil, INVALID_INDEX_FORMAT, err
	}

	if len(rec.Slices) > 0 && !fileExist(m.tmpPath) {
		return nil, TMP_FILE_CANNOT_RW, fmt.Errorf("sidecar references %s but it is missing", m.tmpPath)
	}

	if !m.opts.SkippingURLCheck {
		if m.desc.URL != "" && rec.URL != m.desc.URL {
			return nil, URL_DIFFERENT, fmt.Errorf("index url %q != %q", rec.URL, m.desc.URL)
		}
	}

	if m.opts.TmpExpireSeconds >= 0 {
		age := time.Now().Unix() - rec.SavedAtUnix
		if age >= int64(m.opts.TmpExpireSeconds) {
			return nil, TMP_FILE_EXPIRED, fmt.Errorf("sidecar age %ds >= expiry %ds", age, m.opts.TmpExpireSeconds)
		}
	}

	if rec.TotalSize >= 0 && m.desc.TotalSize >= 0 && rec.TotalSize != m.desc.TotalSize {
		return nil, TMP_FILE_SIZE_ERROR, fmt.Errorf("index total_size %d != %d", rec.TotalSize, m.desc.TotalSize)
	}
	if m.desc.TotalSize < 0 && rec.TotalSize >= 0 {
		m.desc.TotalSize = rec.TotalSize
	}
	if m.desc.URL == "" {
		m.desc.URL = rec.URL
	}

	slices := make([]*Slice, 0, len(rec.Slices))
	for i, sr := range rec.Slices {
		s := NewSlice(i, sr.Begin, sr.End)
		if sr.Captured > 0 {
			// Bytes are already on disk from a prior run; seed Captured
			// without touching the in-memory buffer.
			s.captured = sr.Captured
		}
		if !s.Open() && s.Captured() == s.End-s.Begin+1 {
			s.setStatus(sliceDone)
		}
		slices = append(slices, s)
	}
	return slices, SUCCESSED, nil
}

// synthesizePlan builds a fresh Slice Plan per spec.md §3: slices of
// ceil(total/thread_num) bytes each, the last one taking whatever is left,
// when total size is known and non-zero (for some sizes this yields fewer
// than thread_num slices, e.g. 3 slices for 9 bytes and thread_num 4),
// one open-ended streaming slice when unknown, and no
// slices at all for a zero-length resource (handled by the caller via
// AllDone()).
func (m *sliceManager) synthesizePlan() []*Slice {
	total := m.desc.TotalSize

	if total < 0 {
		return []*Slice{NewSlice(0, 0, -1)}
	}
	if total == 0 {
		return nil
	}

	n := m.opts.ThreadNum
	if n < 1 {
		n = 1
	}
	if int64(n) > total {
		n = int(total)
	}

	sliceLen := (total + int64(n) - 1) / int64(n)
	slices := make([]*Slice, 0, n)
	var pos int64
	idx := 0
	for pos < total {
		end := pos + sliceLen - 1
		if end > total-1 {
			end = total - 1
		}
		slices = append(slices, NewSlice(idx, pos, end))
		pos = end + 1
		idx++
	}
	return slices
}

func (m *sliceManager) openOrCreateTmp() (Result, error) {
	f, err := os.OpenFile(m.tmpPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		if os.IsNotExist(err) {
			return CREATE_TMP_FILE_FAILED, err
		}
		return OPEN_TMP_FILE_FAILED, err
	}

	if free, err := freeDiskSpace(filepath.Dir(m.tmpPath)); err == nil {
		if m.desc.TotalSize > 0 && free < uint64(m.desc.TotalSize) {
			sliceManagerLog.Warn().
				Str("free", formatFileSize(int64(free))).
				Str("needed", formatFileSize(m.desc.TotalSize)).
				Msg("target volume may not have enough free space")
		}
	}

	if m.desc.TotalSize > 0 {
		if err := f.Truncate(m.desc.TotalSize); err != nil {
			f.Close()
			return TMP_FILE_CANNOT_RW, err
		}
	}

	m.tmp = f
	return SUCCESSED, nil
}

// freeDiskSpace reports free bytes on the volume containing dir. Wired to
// github.com/shirou/gopsutil/v3/disk (see SPEC_FULL.md's DOMAIN STACK
// table): a best-effort diagnostic consulted before sizing the sparse temp
// file, not a hard precondition — disk.Usage failing (e.g. an unsupported
// platform) never blocks the download.
func freeDiskSpace(dir string) (uint64, error) {
	usage, err := disk.Usage(dir)
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}

// Dispatch returns the set of non-DONE slices for the entry handler to
// drive transfers against (§4.5.4).
func (m *sliceManager) Dispatch() []*Slice {
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := make([]*Slice, 0, len(m.slices))
	for _, s := range m.slices {
		if !s.Done() {
			pending = append(pending, s)
		}
	}
	return pending
}

// AllDone reports whether every slice has captured its full range and no
// bytes remain buffered anywhere.
func (m *sliceManager) AllDone() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.slices {
		if !s.Done() {
			return false
		}
	}
	return m.cache.Buffered() == 0
}

// AfterAppend is called once per received chunk, after Slice.Append. It
// applies the disk cache write policy (§4.3): immediate flush when
// disk_cache_bytes==0, self-triggered flush when this slice's own buffer
// crosses the threshold or it just completed, and an aggregate-cap sweep
// across the largest buffers otherwise.
func (m *sliceManager) AfterAppend(s *Slice, n int) error {
	m.cache.Track(n)

	if m.cache.Immediate() || s.NeedsFlush(m.opts.DiskCacheBytes) || s.Remaining() == 0 {
		return m.flush(s)
	}
	if m.cache.OverCap() {
		for _, cand := range m.cache.FlushCandidates() {
			if err := m.flush(cand); err != nil {
				return err
			}
			if !m.cache.OverCap() {
				break
			}
		}
	}
	return nil
}

func (m *sliceManager) flush(s *Slice) error {
	n, err := s.FlushTo(m.tmp)
	if err != nil {
		return wrapResult(FLUSH_TMP_FILE_FAILED, err)
	}
	m.cache.Released(n)
	return m.Persist()
}

// FlushAll flushes every slice with a non-empty buffer, best-effort, used
// on cancellation and shutdown.
func (m *sliceManager) FlushAll() {
	m.mu.Lock()
	slices := append([]*Slice(nil), m.slices...)
	m.mu.Unlock()
	for _, s := range slices {
		if s.bufferedLen() > 0 {
			if _, err := s.FlushTo(m.tmp); err != nil {
				sliceManagerLog.Warn().Err(err).Int("slice", s.Index).Msg("best-effort flush failed")
			}
		}
	}
}

// Persist rewrites the sidecar atomically (write-to-temp + rename),
// merging adjacent DONE slices cosmetically per §4.5.7. The temp file is
// "<target>.teemo.new", distinct from the download's own ".teemo.tmp", and
// concurrent callers are serialized on m.mu so they never share it.
func (m *sliceManager) Persist() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := make([]sliceRecord, len(m.slices))
	for i, s := range m.slices {
		recs[i] = sliceRecord{Begin: s.Begin, End: s.End, Captured: s.Captured()}
	}
	rec := &IndexRecord{
		SchemaVersion: indexSchemaVersion,
		URL:           m.desc.URL,
		TotalSize:     m.desc.TotalSize,
		SavedAtUnix:   time.Now().Unix(),
		Slices:        mergeAdjacentDone(recs),
	}

	data := EncodeIndex(rec)
	tmpIndexPath := m.indexPath + ".new"
	if err := os.WriteFile(tmpIndexPath, data, 0o644); err != nil {
		return wrapResult(UPDATE_INDEX_FILE_FAILED, err)
	}
	if err := os.Rename(tmpIndexPath, m.indexPath); err != nil {
		return wrapResult(UPDATE_INDEX_FILE_FAILED, err)
	}
	return nil
}

// Finalize closes the temp file, renames it to the target path and
// deletes the sidecar (§4.5.6). Only valid once AllDone() is true.
func (m *sliceManager) Finalize() error {
	if m.tmp != nil {
		if err := m.tmp.Close(); err != nil {
			return wrapResult(FLUSH_TMP_FILE_FAILED, err)
		}
		m.tmp = nil
	}
	if err := os.Rename(m.tmpPath, m.targetPath); err != nil {
		return wrapResult(RENAME_TMP_FILE_FAILED, err)
	}
	if err := os.Remove(m.indexPath); err != nil && !os.IsNotExist(err) {
		sliceManagerLog.Warn().Err(err).Msg("could not remove sidecar after finalize")
	}
	return nil
}

// Abort persists final state and closes the temp file handle without
// renaming or deleting the sidecar, used on CANCELED/FAILED termination so
// a later run can resume.
func (m *sliceManager) Abort() {
	m.FlushAll()
	if err := m.Persist(); err != nil {
		sliceManagerLog.Warn().Err(err).Msg("final persist on abort failed")
	}
	if m.tmp != nil {
		m.tmp.Close()
		m.tmp = nil
	}
}

// SliceCount returns the number of slices in the plan, used by the entry
// handler to tell a legitimate single-slice download apart from a
// multi-slice one that needs the 200-vs-206 sanity check (§4.6).
func (m *sliceManager) SliceCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slices)
}

// TotalCaptured sums Captured across every slice, used by the progress
// ticker.
func (m *sliceManager) TotalCaptured() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total int64
	for _, s := range m.slices {
		total += s.Captured()
	}
	return total
}
