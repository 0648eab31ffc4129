// Package ics is the calendar source: it fetches the configured iCal feed,
// parses it and expands recurrences into concrete events.
package ics

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ixs/knxcal/internal/config"
	"github.com/ixs/knxcal/internal/log"
	"github.com/ixs/knxcal/internal/model"
)

// cacheEntry holds HTTP cache metadata for the feed URL.
type cacheEntry struct {
	URL          string    `json:"url"`
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Client fetches a single ICS feed. When a cache directory is configured it
// revalidates with ETag/Last-Modified and falls back to the cached body on
// network failure, so a flaky calendar host does not abort every cycle.
type Client struct {
	httpClient *http.Client
	url        string
	cacheDir   string
	horizon    time.Duration
}

// NewClient creates a calendar source for the configured feed.
func NewClient(cfg config.CalendarConfig) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		url:        cfg.URL,
		cacheDir:   cfg.CacheDir,
		horizon:    time.Duration(cfg.HorizonDays) * 24 * time.Hour,
	}
}

// Events fetches, parses and expands the feed into concrete events starting
// no earlier than windowStart, sorted by start time. A fetch or parse
// failure is fatal for the cycle and is returned to the caller.
func (c *Client) Events(ctx context.Context, windowStart time.Time) ([]model.Event, error) {
	body, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	parsed, err := Parse(c.url, body)
	if err != nil {
		return nil, err
	}

	windowEnd := windowStart.Add(c.horizon)
	events := Expand(parsed, windowStart, windowEnd)

	sort.SliceStable(events, func(i, j int) bool { return events[i].Less(events[j]) })
	return events, nil
}

// fetch retrieves the ICS body, honoring ETag and Last-Modified when a cache
// directory is configured.
func (c *Client) fetch(ctx context.Context) ([]byte, error) {
	if c.url == "" {
		return nil, errors.New("calendar URL is empty")
	}

	var (
		cachePath  string
		meta       cacheEntry
		cachedBody []byte
	)
	if c.cacheDir != "" {
		cachePath = c.cachePathForURL()
		if err := os.MkdirAll(cachePath, 0o700); err != nil {
			return nil, err
		}
		meta, _ = loadCacheMeta(cachePath)
		cachedBody, _ = loadCacheBody(cachePath)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	if meta.ETag != "" {
		req.Header.Set("If-None-Match", meta.ETag)
	}
	if meta.LastModified != "" {
		req.Header.Set("If-Modified-Since", meta.LastModified)
	}

	log.Debug("ics fetch start", "url", redactURL(c.url))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if len(cachedBody) > 0 {
			log.Warn("ics fetch network error, using cached body", "url", redactURL(c.url), "err", err.Error())
			return cachedBody, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return nil, readErr
		}

		if cachePath != "" {
			newMeta := cacheEntry{
				URL:          c.url,
				ETag:         resp.Header.Get("ETag"),
				LastModified: resp.Header.Get("Last-Modified"),
				UpdatedAt:    time.Now().UTC(),
			}
			if err := saveCache(cachePath, newMeta, body); err != nil {
				log.Error("ics cache save failed", err, "url", redactURL(c.url))
			}
		}

		log.Debug("ics fetch success", "url", redactURL(c.url), "bytes", len(body))
		return body, nil

	case http.StatusNotModified:
		if len(cachedBody) == 0 {
			return nil, errors.New("received 304 Not Modified but no cached body available")
		}
		log.Debug("ics fetch not modified, using cache", "url", redactURL(c.url))
		return cachedBody, nil

	default:
		if len(cachedBody) > 0 {
			log.Warn("ics fetch non-OK, using cached body", "url", redactURL(c.url), "status", resp.StatusCode)
			return cachedBody, nil
		}
		return nil, errors.New(resp.Status)
	}
}

func (c *Client) cachePathForURL() string {
	sum := sha256.Sum256([]byte(c.url))
	return filepath.Join(c.cacheDir, hex.EncodeToString(sum[:8]))
}

func loadCacheMeta(cachePath string) (cacheEntry, error) {
	var meta cacheEntry
	data, err := os.ReadFile(filepath.Join(cachePath, "meta.json"))
	if err != nil {
		return meta, err
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return cacheEntry{}, err
	}
	return meta, nil
}

func loadCacheBody(cachePath string) ([]byte, error) {
	return os.ReadFile(filepath.Join(cachePath, "body.ics"))
}

func saveCache(cachePath string, meta cacheEntry, body []byte) error {
	// Write body first so meta never points at a missing body.
	if err := os.WriteFile(filepath.Join(cachePath, "body.ics"), body, 0o600); err != nil {
		return err
	}

	data, err := json.MarshalIndent(&meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(cachePath, "meta.json"), data, 0o600)
}

// redactURL hides the path and query of the feed URL for logging; private
// calendar URLs routinely embed access tokens.
func redactURL(u string) string {
	const redactedSuffix = "/...(redacted)"

	i := -1
	for idx := 0; idx+2 < len(u); idx++ {
		if u[idx:idx+3] == "://" {
			i = idx + 3
			break
		}
	}
	if i == -1 {
		return "ics://...(redacted)"
	}

	j := i
	for j < len(u) && u[j] != '/' {
		j++
	}
	return u[:j] + redactedSuffix
}
