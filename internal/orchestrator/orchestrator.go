// Package orchestrator composes the player-file cache, the in-memory LRU
// caches, and the worker pool into getSolvers — spec.md §4.5.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/kestrel-labs/sigresolve/internal/cache/lru"
	"github.com/kestrel-labs/sigresolve/internal/cache/playerfile"
	"github.com/kestrel-labs/sigresolve/internal/evaluator"
	"github.com/kestrel-labs/sigresolve/internal/observability"
	"github.com/kestrel-labs/sigresolve/internal/solvers"
)

// Pool is the subset of worker.Pool the orchestrator depends on.
type Pool interface {
	Submit(ctx context.Context, input string) (string, error)
}

// Orchestrator resolves a player URL down to a Solvers pair and an sts
// string, coordinating the three-tier cache and the worker pool.
type Orchestrator struct {
	files        *playerfile.Cache
	preprocessed *lru.Cache[string]
	solverCache  *lru.Cache[solvers.Solvers]
	sts          *lru.Cache[string]
	pool         Pool
	solverSrc    string
	log          zerolog.Logger
}

// New constructs an Orchestrator. solverSrc is the (opaque, out-of-scope)
// solver-extraction script run against each newly preprocessed script.
func New(files *playerfile.Cache, preprocessed *lru.Cache[string], solverCache *lru.Cache[solvers.Solvers], sts *lru.Cache[string], pool Pool, solverSrc string, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		files:        files,
		preprocessed: preprocessed,
		solverCache:  solverCache,
		sts:          sts,
		pool:         pool,
		solverSrc:    solverSrc,
		log:          log.With().Str("component", "orchestrator").Logger(),
	}
}

// GetSolvers resolves playerURL to its Solvers pair, per spec.md §4.5.
// A zero Solvers{} (HasSig/HasN both false) means the script yielded no
// solvers at all.
func (o *Orchestrator) GetSolvers(ctx context.Context, playerURL string) (solvers.Solvers, error) {
	path, err := o.files.GetPlayerFilePath(ctx, playerURL)
	if err != nil {
		return solvers.Solvers{}, err
	}

	if s, ok := o.solverCache.Get(path); ok {
		return s, nil
	}

	prepared, ok := o.preprocessed.Get(path)
	if !ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return solvers.Solvers{}, fmt.Errorf("orchestrator: reading player file: %w", err)
		}

		prepared, err = o.pool.Submit(ctx, string(data))
		if err != nil {
			observability.WorkerErrorsTotal.WithLabelValues(playerID(path), err.Error()).Inc()
			return solvers.Solvers{}, err
		}
		o.preprocessed.Set(path, prepared)
	}

	s, err := evaluator.SolversFromPrepared(o.solverSrc, prepared)
	if err != nil {
		return solvers.Solvers{}, fmt.Errorf("orchestrator: extracting solvers: %w", err)
	}
	if !s.HasSig() && !s.HasN() {
		return solvers.Solvers{}, nil
	}
	o.solverCache.Set(path, s)
	return s, nil
}

// PlayerFilePath exposes the cache-key resolution for callers (GetSts)
// that only need the file path, not the solvers.
func (o *Orchestrator) PlayerFilePath(ctx context.Context, playerURL string) (string, error) {
	return o.files.GetPlayerFilePath(ctx, playerURL)
}

// NormalizeURL validates and normalizes a client-supplied player_url,
// per spec.md §4.3, using the player-file cache's host allowlist. The
// download path itself does not re-check the host.
func (o *Orchestrator) NormalizeURL(raw string) (string, error) {
	return o.files.NormalizeURL(raw)
}

// StsCache exposes the sts string cache to the GetSts handler.
func (o *Orchestrator) StsCache() *lru.Cache[string] { return o.sts }

func playerID(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}
