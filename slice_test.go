package teemo

import (
	"os"
	"sync"
	"testing"
)

func TestSliceAppendAndFlush(t *testing.T) {
	f, err := os.CreateTemp("", "teemo-slice-*.tmp")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	defer f.Close()
	if err := f.Truncate(10); err != nil {
		t.Fatal(err)
	}

	s := NewSlice(0, 0, 9)
	s.MarkActive()
	s.Append([]byte("hello"))
	s.Append([]byte("world"))

	if s.Captured() != 10 {
		t.Fatalf("captured = %d, want 10", s.Captured())
	}
	if s.Remaining() != 0 {
		t.Fatalf("remaining = %d, want 0", s.Remaining())
	}

	n, err := s.FlushTo(f)
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Fatalf("flushed %d bytes, want 10", n)
	}
	if !s.Done() {
		t.Fatal("expected slice to be DONE after full flush")
	}

	got := make([]byte, 10)
	if _, err := f.ReadAt(got, 0); err != nil {
		t.Fatal(err)
	}
	if string(got) != "helloworld" {
		t.Fatalf("file contents = %q, want %q", got, "helloworld")
	}
}

func TestSliceFlushToIsPositional(t *testing.T) {
	f, err := os.CreateTemp("", "teemo-slice-*.tmp")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	defer f.Close()
	if err := f.Truncate(20); err != nil {
		t.Fatal(err)
	}

	s := NewSlice(1, 10, 19)
	s.Append([]byte("abcde"))
	if _, err := s.FlushTo(f); err != nil {
		t.Fatal(err)
	}
	s.Append([]byte("fghij"))
	if _, err := s.FlushTo(f); err != nil {
		t.Fatal(err)
	}

	got := make([]byte, 10)
	if _, err := f.ReadAt(got, 10); err != nil {
		t.Fatal(err)
	}
	if string(got) != "abcdefghij" {
		t.Fatalf("file contents at offset 10 = %q, want %q", got, "abcdefghij")
	}
}

func TestSliceOpenEndedNeverDoneUntilClosed(t *testing.T) {
	s := NewSlice(0, 0, -1)
	s.Append([]byte("x"))
	if s.Done() {
		t.Fatal("open-ended slice must not report Done before being explicitly closed")
	}
	s.End = s.Begin + s.Captured() - 1
	s.setStatus(sliceDone)
	if !s.Done() {
		t.Fatal("expected Done after explicit close")
	}
}

func TestSliceConcurrentAppendAndFlush(t *testing.T) {
	f, err := os.CreateTemp("", "teemo-slice-*.tmp")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	defer f.Close()
	const total = 4096
	if err := f.Truncate(total); err != nil {
		t.Fatal(err)
	}

	s := NewSlice(0, 0, total-1)
	var wg sync.WaitGroup
	chunk := make([]byte, 64)
	for i := range chunk {
		chunk[i] = byte('a' + i%26)
	}

	flushes := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range flushes {
			if _, err := s.FlushTo(f); err != nil {
				t.Error(err)
			}
		}
	}()

	for i := 0; i < total/len(chunk); i++ {
		s.Append(chunk)
		flushes <- struct{}{}
	}
	close(flushes)
	wg.Wait()

	if s.Captured() != total {
		t.Fatalf("captured = %d, want %d", s.Captured(), total)
	}
	if !s.Done() {
		t.Fatal("expected slice DONE once every byte is captured and flushed")
	}
}
