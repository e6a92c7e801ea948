package teemo_test

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/arashi-tools/teemo"
)

// rangeServer serves body out of memory, honoring Range requests the way a
// real static file server does: 206 + Content-Range for a ranged GET, 200
// + the full body otherwise.
func rangeServer(body []byte, etag string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if etag != "" {
			w.Header().Set("ETag", etag)
		}
		rng := r.Header.Get("Range")
		if rng == "" {
			w.Header().Set("Content-Length", fmt.Sprint(len(body)))
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
			fmt.Sscanf(rng, "bytes=%d-", &start)
			end = len(body) - 1
		}
		if end >= len(body) {
			end = len(body) - 1
		}
		chunk := body[start : end+1]
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(body)))
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Length", fmt.Sprint(len(chunk)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(chunk)
	}))
}

// noRangeServer always returns the full body with 200, ignoring Range
// headers entirely, to exercise the multi-slice sanity check in §4.6.
func noRangeServer(body []byte) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprint(len(body)))
		w.WriteHeader(http.StatusOK)
		w.Write(body)
	}))
}

func startAndWait(t *testing.T, job *teemo.Job, url, target string) teemo.Result {
	t.Helper()
	future, res := job.Start(context.Background(), url, target, nil, nil, nil)
	if res != teemo.SUCCESSED {
		t.Fatalf("Start returned %s", res)
	}
	return future.Wait()
}

func TestDownloadFreshSmallFile(t *testing.T) {
	body := bytes.Repeat([]byte("teemo"), 2000) // 10000 bytes
	srv := rangeServer(body, "\"abc\"")
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	job := teemo.New()
	job.SetThreadNum(4)

	if res := startAndWait(t, job, srv.URL, target); res != teemo.SUCCESSED {
		t.Fatalf("download failed: %s", res)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("downloaded content mismatch: got %d bytes, want %d", len(got), len(body))
	}
	if _, err := os.Stat(target + ".teemo"); !os.IsNotExist(err) {
		t.Fatal("expected sidecar to be removed after a successful finalize")
	}
}

func TestDownloadSingleThread(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 4096)
	srv := rangeServer(body, "")
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	job := teemo.New()
	job.SetThreadNum(1)

	if res := startAndWait(t, job, srv.URL, target); res != teemo.SUCCESSED {
		t.Fatalf("download failed: %s", res)
	}
	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal("single-thread download content mismatch")
	}
}

func TestDownloadZeroLengthResource(t *testing.T) {
	srv := rangeServer(nil, "")
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "empty.bin")

	job := teemo.New()
	if res := startAndWait(t, job, srv.URL, target); res != teemo.SUCCESSED {
		t.Fatalf("download failed: %s", res)
	}
	info, err := os.Stat(target)
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() != 0 {
		t.Fatalf("expected zero-length target, got %d bytes", info.Size())
	}
}

func TestDownloadNonRangeServerFails(t *testing.T) {
	body := bytes.Repeat([]byte("y"), 4096)
	srv := noRangeServer(body)
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	job := teemo.New()
	job.SetThreadNum(4)

	res := startAndWait(t, job, srv.URL, target)
	if res != teemo.SLICE_DOWNLOAD_FAILED {
		t.Fatalf("result = %s, want SLICE_DOWNLOAD_FAILED", res)
	}
}

func TestDownloadRejectsInvalidURL(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	job := teemo.New()
	res := startAndWait(t, job, "not-a-url", target)
	if res != teemo.INVALID_URL {
		t.Fatalf("result = %s, want INVALID_URL", res)
	}
}

func TestDownloadCancel(t *testing.T) {
	body := bytes.Repeat([]byte("z"), 5*1024*1024)
	srv := rangeServer(body, "")
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	job := teemo.New()
	job.SetThreadNum(2)
	job.SetMaxSpeedBps(64 * 1024) // slow it down so Stop lands mid-transfer

	future, res := job.Start(context.Background(), srv.URL, target, nil, nil, nil)
	if res != teemo.SUCCESSED {
		t.Fatalf("Start returned %s", res)
	}
	time.Sleep(100 * time.Millisecond)
	job.Stop()

	if got := future.Wait(); got != teemo.CANCELED {
		t.Fatalf("result = %s, want CANCELED", got)
	}
	if _, err := os.Stat(target + ".teemo"); err != nil {
		t.Fatal("expected sidecar to survive a cancellation for later resume")
	}
}

func TestDownloadResumeAfterInterruption(t *testing.T) {
	body := bytes.Repeat([]byte("r"), 2*1024*1024)
	srv := rangeServer(body, "\"etag-1\"")
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	first := teemo.New()
	first.SetThreadNum(2)
	first.SetMaxSpeedBps(128 * 1024)
	future, res := first.Start(context.Background(), srv.URL, target, nil, nil, nil)
	if res != teemo.SUCCESSED {
		t.Fatalf("Start returned %s", res)
	}
	time.Sleep(150 * time.Millisecond)
	first.Stop()
	if got := future.Wait(); got != teemo.CANCELED {
		t.Fatalf("first run result = %s, want CANCELED", got)
	}

	info, err := os.Stat(target + ".teemo.tmp")
	if err != nil {
		t.Fatalf("expected a partial tmp file to survive cancellation: %v", err)
	}
	if info.Size() != int64(len(body)) {
		t.Fatalf("tmp file size = %d, want preallocated %d", info.Size(), len(body))
	}

	second := teemo.New()
	second.SetThreadNum(2)
	if res := startAndWait(t, second, srv.URL, target); res != teemo.SUCCESSED {
		t.Fatalf("resumed download failed: %s", res)
	}

	got, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, body) {
		t.Fatal("resumed download content mismatch")
	}
}

func TestDownloadSpeedCapRoughlyBounds(t *testing.T) {
	body := bytes.Repeat([]byte("w"), 256*1024)
	srv := rangeServer(body, "")
	defer srv.Close()

	dir := t.TempDir()
	target := filepath.Join(dir, "out.bin")

	job := teemo.New()
	job.SetThreadNum(1)
	job.SetMaxSpeedBps(128 * 1024)

	start := time.Now()
	if res := startAndWait(t, job, srv.URL, target); res != teemo.SUCCESSED {
		t.Fatalf("download failed: %s", res)
	}
	elapsed := time.Since(start)
	// 256KiB at a 128KiB/s cap (first 128KiB covered by the burst) should
	// take at least ~1s; 200ms of slack for scheduling noise.
	if elapsed < 800*time.Millisecond {
		t.Fatalf("download finished in %s, expected the speed cap to slow it down", elapsed)
	}
}
