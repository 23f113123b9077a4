// Package playerfile implements the on-disk player-script cache: content
// keyed by a stable fingerprint of the player URL, with single-flight
// download coalescing and age-based eviction at startup (spec.md §4.3).
package playerfile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/kestrel-labs/sigresolve/internal/apperr"
	"github.com/kestrel-labs/sigresolve/internal/observability"
)

var playerIDPath = regexp.MustCompile(`^/s/player/([^/]+)/`)
var sanitizeRx = regexp.MustCompile(`[^A-Za-z0-9_-]`)

const maxSanitizedKeyLen = 120

// Cache manages the on-disk player-script file cache.
type Cache struct {
	dir                string
	ignoreScriptRegion bool
	fetchTimeout       time.Duration
	maxAge             time.Duration
	client             *http.Client
	limiter            *rate.Limiter
	log                zerolog.Logger

	allowedHosts      map[string]bool
	allowInsecureHTTP bool

	inFlight singleflight.Group
}

// Config configures a new Cache.
type Config struct {
	Dir                string
	IgnoreScriptRegion bool
	FetchTimeout       time.Duration
	MaxAge             time.Duration
	FetchRPS           float64
	FetchBurst         int

	// AllowedHosts overrides the default YouTube host allowlist used by
	// NormalizeURL. Nil uses the default set.
	AllowedHosts map[string]bool
	// AllowInsecureHTTP permits http:// player URLs past NormalizeURL,
	// for pointing the cache at a local test fixture. Production
	// configuration always leaves this false.
	AllowInsecureHTTP bool
}

// defaultAllowedHosts are the only hosts a player URL may resolve to when
// Config.AllowedHosts is left unset.
var defaultAllowedHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"m.youtube.com":   true,
}

// New constructs a Cache rooted at cfg.Dir. It does not perform I/O.
func New(cfg Config, log zerolog.Logger) *Cache {
	hosts := cfg.AllowedHosts
	if hosts == nil {
		hosts = defaultAllowedHosts
	}
	return &Cache{
		dir:                cfg.Dir,
		ignoreScriptRegion: cfg.IgnoreScriptRegion,
		fetchTimeout:       cfg.FetchTimeout,
		maxAge:             cfg.MaxAge,
		client:             &http.Client{Timeout: cfg.FetchTimeout},
		limiter:            rate.NewLimiter(rate.Limit(cfg.FetchRPS), cfg.FetchBurst),
		log:                log.With().Str("component", "player_file_cache").Logger(),
		allowedHosts:       hosts,
		allowInsecureHTTP:  cfg.AllowInsecureHTTP,
	}
}

// NormalizeURL validates and normalizes a client-supplied player URL, per
// spec.md §4.3: it must be an https URL on an allowed host, or a relative
// "/s/player/..." path (rewritten onto the www host).
func (c *Cache) NormalizeURL(raw string) (string, error) {
	if strings.HasPrefix(raw, "/s/player/") {
		return "https://www.youtube.com" + raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", apperr.Validation("invalid player_url: %v", err)
	}
	if (!c.allowInsecureHTTP && u.Scheme != "https") || !c.allowedHosts[u.Hostname()] {
		return "", apperr.Validation("player_url must be an https youtube.com URL or a /s/player/ path")
	}
	return raw, nil
}

// key derives the cache key for a validated player URL.
func (c *Cache) key(playerURL string) string {
	if c.ignoreScriptRegion {
		if id, ok := playerID(playerURL); ok {
			sanitized := sanitizeRx.ReplaceAllString(id, "_")
			if len(sanitized) <= maxSanitizedKeyLen {
				return sanitized
			}
		}
	}
	sum := sha256.Sum256([]byte(playerURL))
	return hex.EncodeToString(sum[:])
}

func playerID(playerURL string) (string, bool) {
	u, err := url.Parse(playerURL)
	if err != nil {
		return "", false
	}
	m := playerIDPath.FindStringSubmatch(u.Path)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// GetPlayerFilePath returns the on-disk path for playerURL's content,
// downloading it on a cold cache. Concurrent calls for the same target
// path coalesce onto a single fetch via singleflight. A caller that joined
// another caller's fetch which then failed retries with a fresh fetch; the
// caller whose own fetch failed returns the error.
func (c *Cache) GetPlayerFilePath(ctx context.Context, playerURL string) (string, error) {
	key := c.key(playerURL)
	path := filepath.Join(c.dir, key+".js")

	if st, err := os.Stat(path); err == nil && !st.IsDir() {
		now := time.Now()
		_ = os.Chtimes(path, now, now)
		return path, nil
	}

	for {
		leader := false
		v, err, _ := c.inFlight.Do(path, func() (interface{}, error) {
			leader = true
			return path, c.download(ctx, playerURL, path)
		})
		if err == nil {
			return v.(string), nil
		}
		c.inFlight.Forget(path)
		if leader || ctx.Err() != nil {
			return "", err
		}
	}
}

func (c *Cache) download(ctx context.Context, playerURL, destPath string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("player file cache: rate limiter: %w", err)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, c.fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, playerURL, nil)
	if err != nil {
		return fmt.Errorf("player file cache: building request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		observability.PlayerScriptFetchesTotal.WithLabelValues(playerURL, "error").Inc()
		return apperr.PlayerFetchFailed(err.Error())
	}
	defer resp.Body.Close()

	status := http.StatusText(resp.StatusCode)
	observability.PlayerScriptFetchesTotal.WithLabelValues(playerURL, status).Inc()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.PlayerFetchFailed(status)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("player file cache: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(c.dir, ".download-*")
	if err != nil {
		return fmt.Errorf("player file cache: temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("player file cache: writing body: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("player file cache: closing temp file: %w", err)
	}

	_ = os.Remove(destPath) // clear any stale entry before the atomic rename
	if err := os.Rename(tmpPath, destPath); err != nil {
		return fmt.Errorf("player file cache: rename: %w", err)
	}

	c.publishSize()
	return nil
}

func (c *Cache) publishSize() {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return
	}
	count := 0
	for _, e := range entries {
		if !e.IsDir() {
			count++
		}
	}
	observability.CacheSize.WithLabelValues("player").Set(float64(count))
}

// Sweep ensures the cache directory exists and deletes entries unused for
// longer than maxAge, publishing the resulting size. Run once at startup.
func (c *Cache) Sweep() error {
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("player file cache: mkdir: %w", err)
	}

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return fmt.Errorf("player file cache: readdir: %w", err)
	}

	cutoff := time.Now().Add(-c.maxAge)
	kept := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, e.Name())
		info, err := e.Info()
		if err != nil {
			c.log.Warn().Err(err).Str("path", path).Msg("skipping unreadable cache entry")
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(path); err != nil {
				c.log.Warn().Err(err).Str("path", path).Msg("failed to evict stale cache entry")
				continue
			}
			continue
		}
		kept++
	}

	observability.CacheSize.WithLabelValues("player").Set(float64(kept))
	return nil
}
