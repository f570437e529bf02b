package preview

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

const fileID = "1AbCdEfGhIjKlMnOp"

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func newFetcher(srv *httptest.Server) *Fetcher {
	return &Fetcher{Client: srv.Client(), DriveBase: srv.URL, LH3Base: srv.URL, APIBase: srv.URL}
}

func TestFetchSkipsDisguisedHTML(t *testing.T) {
	var (
		mu   sync.Mutex
		hits []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		n := len(hits)
		mu.Unlock()
		switch n {
		case 1:
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			_, _ = w.Write([]byte("<html><body>Sign in</body></html>"))
		case 2:
			// HTML interstitial mislabeled as an image.
			w.Header().Set("Content-Type", "image/jpeg")
			_, _ = w.Write([]byte("  <!DOCTYPE html><html><head></head></html>"))
		default:
			w.Header().Set("Content-Type", "application/octet-stream")
			_, _ = w.Write(pngBytes)
		}
	}))
	defer srv.Close()

	img, err := newFetcher(srv).Fetch(context.Background(), fileID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if img.ContentType != "image/png" {
		t.Fatalf("content type = %q", img.ContentType)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(hits) != 3 {
		t.Fatalf("expected 3 attempts, got %d (%v)", len(hits), hits)
	}
	if hits[0] != "/thumbnail" || hits[2] != "/uc" {
		t.Fatalf("unexpected candidate order %v", hits)
	}
}

func TestFetchAcceptsDeclaredImageType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		_, _ = w.Write([]byte("some webp-ish bytes"))
	}))
	defer srv.Close()

	img, err := newFetcher(srv).Fetch(context.Background(), fileID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if img.ContentType != "image/webp" {
		t.Fatalf("content type = %q", img.ContentType)
	}
}

func TestFetchAllCandidatesFail(t *testing.T) {
	var count atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if count.Add(1)%2 == 0 {
			http.Error(w, "nope", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("plain text"))
	}))
	defer srv.Close()

	f := newFetcher(srv)
	f.APIKey = "k"
	_, err := f.Fetch(context.Background(), fileID)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if n := count.Load(); n != 4 {
		t.Fatalf("expected 4 candidates with an API key, got %d", n)
	}
}

func TestFetchRejectsInvalidID(t *testing.T) {
	f := &Fetcher{}
	for _, id := range []string{"", "short", "../../etc/passwd", strings.Repeat("a", 201)} {
		if _, err := f.Fetch(context.Background(), id); !errors.Is(err, ErrInvalidFileID) {
			t.Fatalf("Fetch(%q) = %v", id, err)
		}
	}
}

func TestCandidates(t *testing.T) {
	f := &Fetcher{}
	got := f.Candidates(fileID)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates without a key, got %d", len(got))
	}
	if got[0] != "https://drive.google.com/thumbnail?id="+fileID+"&sz=w1600" {
		t.Fatalf("first candidate = %q", got[0])
	}
	f.APIKey = "secret"
	got = f.Candidates(fileID)
	if len(got) != 4 || !strings.HasSuffix(got[3], "?alt=media&key=secret") {
		t.Fatalf("api candidate missing: %v", got)
	}
}

func TestSniff(t *testing.T) {
	cases := []struct {
		name string
		data []byte
		want string
	}{
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE1}, "image/jpeg"},
		{"png", pngBytes, "image/png"},
		{"webp", []byte("RIFF\x00\x00\x00\x00WEBPVP8 "), "image/webp"},
		{"gif", []byte("GIF89a...."), "image/gif"},
		{"bmp", []byte("BM\x00\x00\x00\x00\x00\x00\x00\x00\x36\x00\x00\x00"), "image/bmp"},
		{"riff wav", []byte("RIFF\x00\x00\x00\x00WAVEfmt "), ""},
		{"text", []byte("hello"), ""},
	}
	for _, tc := range cases {
		if got := Sniff(tc.data); got != tc.want {
			t.Fatalf("%s: Sniff = %q, want %q", tc.name, got, tc.want)
		}
	}
}

type mapCache struct {
	mu    sync.Mutex
	items map[string]*Image
	fail  bool
}

func (c *mapCache) Get(_ context.Context, id string) (*Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return nil, errors.New("cache down")
	}
	return c.items[id], nil
}

func (c *mapCache) Put(_ context.Context, id string, img *Image) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errors.New("cache down")
	}
	c.items[id] = img
	return nil
}

func TestFetchUsesCache(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(pngBytes)
	}))
	defer srv.Close()

	cache := &mapCache{items: map[string]*Image{}}
	f := newFetcher(srv)
	f.Cache = cache
	for i := 0; i < 2; i++ {
		if _, err := f.Fetch(context.Background(), fileID); err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
	}
	if n := hits.Load(); n != 1 {
		t.Fatalf("expected the second fetch to be served from cache, got %d upstream hits", n)
	}

	cache.fail = true
	if _, err := f.Fetch(context.Background(), fileID); err != nil {
		t.Fatalf("cache failure must not fail the fetch: %v", err)
	}
}
