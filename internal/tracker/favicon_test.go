package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestFaviconFetchInlinesAndCaches(t *testing.T) {
	var hits atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "image/png")
		w.Write([]byte("\x89PNG\r\n\x1a\nfakepixels"))
	}))
	defer ts.Close()

	c := newFaviconCache()
	ctx := context.Background()

	got := c.fetch(ctx, ts.URL+"/favicon.ico")
	if !strings.HasPrefix(got, "data:image/png;base64,") {
		t.Fatalf("got %q, want png data URL", got)
	}

	again := c.fetch(ctx, ts.URL+"/favicon.ico")
	if again != got {
		t.Error("second fetch returned a different value")
	}
	if hits.Load() != 1 {
		t.Errorf("server hit %d times, want 1 (cached)", hits.Load())
	}
}

func TestFaviconFetchFailureYieldsPlaceholder(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer ts.Close()

	c := newFaviconCache()
	if got := c.fetch(context.Background(), ts.URL+"/missing.ico"); got != placeholderFavicon {
		t.Errorf("got %q, want placeholder", got)
	}
}

func TestFaviconSkipsPrivilegedSchemes(t *testing.T) {
	c := newFaviconCache()
	ctx := context.Background()

	if got := c.fetch(ctx, "about:config"); got != placeholderFavicon {
		t.Errorf("about: got %q, want placeholder", got)
	}
	// Already-inline icons pass through untouched.
	inline := "data:image/png;base64,AAAA"
	if got := c.fetch(ctx, inline); got != inline {
		t.Errorf("data: got %q, want passthrough", got)
	}
}
