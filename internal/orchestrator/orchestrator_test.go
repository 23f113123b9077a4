package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/sigresolve/internal/cache/lru"
	"github.com/kestrel-labs/sigresolve/internal/cache/playerfile"
	"github.com/kestrel-labs/sigresolve/internal/evaluator"
	"github.com/kestrel-labs/sigresolve/internal/logging"
	"github.com/kestrel-labs/sigresolve/internal/solvers"
)

// passthroughPool stands in for the worker pool: it runs the embedded
// default preprocessor directly, in-process, so orchestrator tests don't
// need a spawned evaluator subprocess.
type passthroughPool struct{ calls int }

func (p *passthroughPool) Submit(ctx context.Context, input string) (string, error) {
	p.calls++
	return evaluator.Preprocess(evaluator.DefaultPreprocessSource(), input)
}

func newTestOrchestrator(t *testing.T, pool Pool) (*Orchestrator, *httptest.Server) {
	t.Helper()

	const script = "var ytplayer = {};"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(script))
	}))
	t.Cleanup(srv.Close)

	files := playerfile.New(playerfile.Config{
		Dir:          t.TempDir(),
		FetchTimeout: 5 * time.Second,
		MaxAge:       time.Hour,
		FetchRPS:     100,
		FetchBurst:   10,
	}, logging.New("test"))

	preprocessed, err := lru.New[string]("preprocessed", 10)
	require.NoError(t, err)
	solverCache, err := lru.New[solvers.Solvers]("solvers", 10)
	require.NoError(t, err)
	stsCache, err := lru.New[string]("sts", 10)
	require.NoError(t, err)

	orch := New(files, preprocessed, solverCache, stsCache, pool, evaluator.DefaultSolversSource(), logging.New("test"))
	return orch, srv
}

func TestGetSolversReturnsDefaultStubPair(t *testing.T) {
	pool := &passthroughPool{}
	orch, srv := newTestOrchestrator(t, pool)

	sol, err := orch.GetSolvers(context.Background(), srv.URL)
	require.NoError(t, err)
	require.True(t, sol.HasSig())
	require.True(t, sol.HasN())

	sig, err := sol.Sig("ABCDE")
	require.NoError(t, err)
	require.Equal(t, "EDCBA", sig)
}

func TestGetSolversCachesAcrossCalls(t *testing.T) {
	pool := &passthroughPool{}
	orch, srv := newTestOrchestrator(t, pool)

	_, err := orch.GetSolvers(context.Background(), srv.URL)
	require.NoError(t, err)
	_, err = orch.GetSolvers(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Equal(t, 1, pool.calls, "second call should hit the solver cache, not resubmit to the pool")
}

// The solver pair served from solverCache closes over one shared
// goja.Runtime; concurrent requests for the same player_url must not race
// on it (catches the bug under go test -race even though it can't run here).
func TestGetSolversConcurrentUseOfCachedPairIsRaceFree(t *testing.T) {
	pool := &passthroughPool{}
	orch, srv := newTestOrchestrator(t, pool)

	_, err := orch.GetSolvers(context.Background(), srv.URL)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sol, err := orch.GetSolvers(context.Background(), srv.URL)
			if err != nil {
				errs[i] = err
				return
			}
			if _, err := sol.Sig("ABCDE"); err != nil {
				errs[i] = err
				return
			}
			_, errs[i] = sol.N("xyz")
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestPlayerFilePathDownloadsOnce(t *testing.T) {
	pool := &passthroughPool{}
	orch, srv := newTestOrchestrator(t, pool)

	path1, err := orch.PlayerFilePath(context.Background(), srv.URL)
	require.NoError(t, err)
	path2, err := orch.PlayerFilePath(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, path1, path2)
}
