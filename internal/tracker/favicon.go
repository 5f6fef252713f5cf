package tracker

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/lotas/tabzentrale/internal/applog"
)

// placeholderFavicon is returned for any fetch failure (network error,
// CORS, 404) so consumers always get a renderable icon.
const placeholderFavicon = "data:image/svg+xml,%3Csvg%20xmlns='http://www.w3.org/2000/svg'%20width='16'%20height='16'%3E%3Ccircle%20cx='8'%20cy='8'%20r='7'%20fill='%23999'/%3E%3C/svg%3E"

// maxFaviconBytes bounds how much of a favicon response is read.
const maxFaviconBytes = 256 << 10

var skipPrefixes = []string{"about:", "moz-extension:", "chrome-extension:", "file:", "chrome:", "resource:", "data:"}

// faviconCache fetches favicon URLs once and converts them to inline
// data URLs so they cross origin boundaries safely when forwarded to
// the coordinator. Cached by URL; failures are swallowed.
type faviconCache struct {
	client *http.Client

	mu    sync.Mutex
	byURL map[string]string
}

func newFaviconCache() *faviconCache {
	return &faviconCache{
		client: &http.Client{Timeout: 10 * time.Second},
		byURL:  make(map[string]string),
	}
}

func (c *faviconCache) fetch(ctx context.Context, url string) string {
	if strings.HasPrefix(url, "data:") {
		return url // already inline
	}
	for _, prefix := range skipPrefixes {
		if strings.HasPrefix(url, prefix) {
			return placeholderFavicon
		}
	}

	c.mu.Lock()
	if cached, ok := c.byURL[url]; ok {
		c.mu.Unlock()
		return cached
	}
	c.mu.Unlock()

	dataURL := c.download(ctx, url)

	c.mu.Lock()
	c.byURL[url] = dataURL
	c.mu.Unlock()
	return dataURL
}

func (c *faviconCache) download(ctx context.Context, url string) string {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return placeholderFavicon
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36")

	resp, err := c.client.Do(req)
	if err != nil {
		applog.Error("favicon.fetch", err, "url", url)
		return placeholderFavicon
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		applog.Info("favicon.fetch", "url", url, "status", resp.StatusCode)
		return placeholderFavicon
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFaviconBytes))
	if err != nil || len(body) == 0 {
		return placeholderFavicon
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || strings.HasPrefix(contentType, "text/") {
		contentType = http.DetectContentType(body)
	}
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}

	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(body)
}
