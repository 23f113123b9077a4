// Command sigresolve-server is the composition root: it loads
// configuration, wires the cache/pool/orchestrator stack, and serves the
// HTTP surface described in spec.md §6.
package main

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	_ "github.com/KimMachineGun/automemlimit/memlimit"

	"github.com/kestrel-labs/sigresolve/internal/api"
	"github.com/kestrel-labs/sigresolve/internal/cache/lru"
	"github.com/kestrel-labs/sigresolve/internal/cache/playerfile"
	"github.com/kestrel-labs/sigresolve/internal/config"
	"github.com/kestrel-labs/sigresolve/internal/evaluator"
	"github.com/kestrel-labs/sigresolve/internal/logging"
	"github.com/kestrel-labs/sigresolve/internal/orchestrator"
	"github.com/kestrel-labs/sigresolve/internal/solvers"
	"github.com/kestrel-labs/sigresolve/internal/worker"
)

func main() {
	log := logging.New("sigresolve")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if err := run(cfg, log); err != nil {
		log.Fatal().Err(err).Msg("sigresolve-server exited")
	}
}

func run(cfg config.Config, log zerolog.Logger) error {
	evaluatorPath, err := cfg.ResolveEvaluatorPath()
	if err != nil {
		return fmt.Errorf("resolving evaluator path: %w", err)
	}

	files := playerfile.New(playerfile.Config{
		Dir:                cfg.CacheDir(),
		IgnoreScriptRegion: cfg.IgnoreScriptRegion(),
		FetchTimeout:       config.PlayerFetchTimeout,
		MaxAge:             config.PlayerFileMaxAge,
		FetchRPS:           cfg.PlayerFetchRPS,
		FetchBurst:         cfg.PlayerFetchBurst,
	}, log)

	if err := files.Sweep(); err != nil {
		log.Warn().Err(err).Msg("startup player-file cache sweep failed")
	}

	preprocessed, err := lru.New[string]("preprocessed", cfg.PreprocessedCacheSize)
	if err != nil {
		return fmt.Errorf("constructing preprocessed cache: %w", err)
	}
	solverCache, err := lru.New[solvers.Solvers]("solvers", cfg.SolverCacheSize)
	if err != nil {
		return fmt.Errorf("constructing solver cache: %w", err)
	}
	stsCache, err := lru.New[string]("sts", cfg.StsCacheSize)
	if err != nil {
		return fmt.Errorf("constructing sts cache: %w", err)
	}

	pool := worker.New(worker.Config{
		Concurrency:              cfg.Concurrency(),
		MessagesLimit:            cfg.MessagesLimit,
		MaxTaskAge:               config.MaxTaskAge,
		InFlightTimeout:          config.InFlightTimeout,
		RecoveryBackoffBase:      config.RecoveryBackoffBase,
		RecoveryBackoffMax:       config.RecoveryBackoffMax,
		RecoveryFailureThreshold: config.RecoveryFailureThreshold,
		EvaluatorPath:            evaluatorPath,
	}, log)
	defer pool.Stop()

	orch := orchestrator.New(files, preprocessed, solverCache, stsCache, pool, evaluator.DefaultSolversSource(), log)

	handlers := api.NewHandlers(orch, log)
	router := api.NewRouter(handlers, cfg.APIToken, log)

	addr := net.JoinHostPort(cfg.Host, cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: config.InFlightTimeout + 30*time.Second,
	}

	log.Info().Str("addr", addr).Int("concurrency", cfg.Concurrency()).Str("cache_dir", cfg.CacheDir()).Msg("sigresolve-server listening")

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
