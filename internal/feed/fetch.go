// Package feed mirrors external ICS subscriptions (Canvas, Outlook,
// generic feeds) into the calendar store. Fetching is polite: ETag and
// Last-Modified are honored, and a stale cached body beats no body when
// the network is down.
package feed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"smartcal/internal/config"
	"smartcal/internal/log"
)

type cacheMeta struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// Fetcher downloads feed bodies with a per-URL disk cache.
type Fetcher struct {
	client   *http.Client
	cacheDir string
}

func NewFetcher(cacheDir string) *Fetcher {
	if cacheDir == "" {
		cacheDir = "./var/feed-cache"
	}
	return &Fetcher{
		client:   &http.Client{Timeout: 15 * time.Second},
		cacheDir: cacheDir,
	}
}

// Fetch returns the feed body, reporting whether it came from cache.
func (f *Fetcher) Fetch(ctx context.Context, fc config.FeedConfig) ([]byte, bool, error) {
	if fc.URL == "" {
		return nil, false, fmt.Errorf("feed %q has no URL", fc.Name)
	}

	dir := f.cacheDirFor(fc.URL)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, false, err
	}
	meta := f.loadMeta(dir)
	cached, _ := os.ReadFile(filepath.Join(dir, "body.ics"))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fc.URL, nil)
	if err != nil {
		return nil, false, err
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if len(cached) > 0 {
			log.Warn("feed fetch failed, using cached body", "feed", fc.Name, "url", redactURL(fc.URL), "err", err)
			return cached, true, nil
		}
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, false, err
		}
		f.saveCache(dir, cacheMeta{
			URL:          fc.URL,
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			FetchedAt:    time.Now().UTC(),
		}, body, fc.Name)
		log.Debug("feed fetched", "feed", fc.Name, "bytes", len(body))
		return body, false, nil

	case http.StatusNotModified:
		if len(cached) == 0 {
			return nil, false, errors.New("304 Not Modified with no cached body")
		}
		log.Debug("feed not modified, using cache", "feed", fc.Name)
		return cached, true, nil

	default:
		if len(cached) > 0 {
			log.Warn("feed fetch returned non-OK, using cached body", "feed", fc.Name, "status", resp.StatusCode)
			return cached, true, nil
		}
		return nil, false, fmt.Errorf("feed %q: %s", fc.Name, resp.Status)
	}
}

func (f *Fetcher) cacheDirFor(u string) string {
	sum := sha256.Sum256([]byte(u))
	return filepath.Join(f.cacheDir, hex.EncodeToString(sum[:8]))
}

func (f *Fetcher) loadMeta(dir string) cacheMeta {
	var meta cacheMeta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return cacheMeta{}
	}
	if json.Unmarshal(data, &meta) != nil {
		return cacheMeta{}
	}
	return meta
}

func (f *Fetcher) saveCache(dir string, meta cacheMeta, body []byte, name string) {
	// Body first, so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(dir, "body.ics"), body, 0o600); err != nil {
		log.Error("feed cache write failed", err, "feed", name)
		return
	}
	data, err := json.MarshalIndent(&meta, "", "  ")
	if err == nil {
		err = os.WriteFile(filepath.Join(dir, "meta.json"), data, 0o600)
	}
	if err != nil {
		log.Error("feed cache meta write failed", err, "feed", name)
	}
}

// redactURL keeps the host but drops path and query, which often carry
// per-user feed tokens.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "(redacted)"
	}
	return u.Scheme + "://" + u.Host + "/..."
}
