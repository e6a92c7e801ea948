package teemo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsSyntacticallyValidURL(t *testing.T) {
	cases := map[string]bool{
		"https://example.com/a": true,
		"http://a":              true,
		"not-a-url":             false,
		"":                      false,
		"ftp://":                false,
	}
	for in, want := range cases {
		if got := isSyntacticallyValidURL(in); got != want {
			t.Errorf("isSyntacticallyValidURL(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestFetchResourceInfoParsesContentRange(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-261/5000")
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("ETag", "\"xyz\"")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 262))
	}))
	defer srv.Close()

	desc, err := fetchResourceInfo(context.Background(), httpClientFor(3000), srv.URL, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if desc.TotalSize != 5000 {
		t.Fatalf("TotalSize = %d, want 5000", desc.TotalSize)
	}
	if !desc.AcceptsRanges {
		t.Fatal("expected AcceptsRanges = true")
	}
	if desc.ETag != "\"xyz\"" {
		t.Fatalf("ETag = %q", desc.ETag)
	}
}

func TestFetchResourceInfoRetriesOnFailure(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	desc, err := fetchResourceInfo(context.Background(), httpClientFor(3000), srv.URL, 5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts before success, got %d", attempts)
	}
	if desc.TotalSize != 100 {
		t.Fatalf("TotalSize = %d, want 100", desc.TotalSize)
	}
}

func TestFetchResourceInfoExhaustsRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := fetchResourceInfo(context.Background(), httpClientFor(3000), srv.URL, 2, nil)
	if err == nil {
		t.Fatal("expected an error once retries are exhausted")
	}
}
