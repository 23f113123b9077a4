package playerfile

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/sigresolve/internal/logging"
)

func newTestCache(t *testing.T, cfg Config) *Cache {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	if cfg.FetchTimeout == 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.MaxAge == 0 {
		cfg.MaxAge = time.Hour
	}
	if cfg.FetchRPS == 0 {
		cfg.FetchRPS = 1000
	}
	if cfg.FetchBurst == 0 {
		cfg.FetchBurst = 100
	}
	return New(cfg, logging.New("test"))
}

func TestNormalizeURLAcceptsAllowedHostAndRelativePath(t *testing.T) {
	c := newTestCache(t, Config{})

	u, err := c.NormalizeURL("https://www.youtube.com/s/player/abcd1234/player.js")
	require.NoError(t, err)
	require.Equal(t, "https://www.youtube.com/s/player/abcd1234/player.js", u)

	u, err = c.NormalizeURL("/s/player/abcd1234/player.js")
	require.NoError(t, err)
	require.Equal(t, "https://www.youtube.com/s/player/abcd1234/player.js", u)
}

func TestNormalizeURLRejectsDisallowedHost(t *testing.T) {
	c := newTestCache(t, Config{})
	_, err := c.NormalizeURL("https://evil.example.com/player.js")
	require.Error(t, err)
}

func TestNormalizeURLRejectsNonHTTPS(t *testing.T) {
	c := newTestCache(t, Config{})
	_, err := c.NormalizeURL("http://www.youtube.com/s/player/x/player.js")
	require.Error(t, err)
}

func TestKeyIsDeterministicAndRegionAware(t *testing.T) {
	c := newTestCache(t, Config{IgnoreScriptRegion: false})
	k1 := c.key("https://www.youtube.com/s/player/abcd1234/player.js")
	k2 := c.key("https://www.youtube.com/s/player/abcd1234/player.js")
	require.Equal(t, k1, k2)

	k3 := c.key("https://www.youtube.com/s/player/zzzz9999/player.js")
	require.NotEqual(t, k1, k3)
}

func TestKeyIgnoreScriptRegionUsesPlayerID(t *testing.T) {
	c := newTestCache(t, Config{IgnoreScriptRegion: true})
	k1 := c.key("https://www.youtube.com/s/player/abcd1234/en_US/player.js")
	k2 := c.key("https://www.youtube.com/s/player/abcd1234/ja_JP/player.js")
	require.Equal(t, k1, k2, "region-ignoring keying should collapse distinct regions to one key")
}

func TestGetPlayerFilePathDownloadsAndCaches(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.Write([]byte("var player = 1;"))
	}))
	defer srv.Close()

	c := newTestCache(t, Config{})
	path, err := c.GetPlayerFilePath(context.Background(), srv.URL)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "var player = 1;", string(data))

	path2, err := c.GetPlayerFilePath(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, path, path2)
	require.EqualValues(t, 1, atomic.LoadInt32(&hits), "second call should be served from the on-disk cache")
}

func TestGetPlayerFilePathCoalescesConcurrentDownloads(t *testing.T) {
	var hits int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		<-release
		w.Write([]byte("var player = 1;"))
	}))
	defer srv.Close()

	c := newTestCache(t, Config{})

	var wg sync.WaitGroup
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := c.GetPlayerFilePath(context.Background(), srv.URL)
			errs[i] = err
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	require.EqualValues(t, 1, atomic.LoadInt32(&hits), "concurrent downloads of the same key should coalesce via singleflight")
}

func TestGetPlayerFilePathPropagatesFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestCache(t, Config{})
	_, err := c.GetPlayerFilePath(context.Background(), srv.URL)
	require.Error(t, err)
}

func TestSweepEvictsStaleEntriesAndKeepsFresh(t *testing.T) {
	dir := t.TempDir()
	c := newTestCache(t, Config{Dir: dir, MaxAge: time.Hour})

	stale := filepath.Join(dir, "stale.js")
	fresh := filepath.Join(dir, "fresh.js")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(fresh, []byte("y"), 0o644))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stale, old, old))

	require.NoError(t, c.Sweep())

	_, err := os.Stat(stale)
	require.True(t, os.IsNotExist(err))
	_, err = os.Stat(fresh)
	require.NoError(t, err)
}
