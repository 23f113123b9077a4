package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kestrel-labs/sigresolve/internal/apperr"
	"github.com/kestrel-labs/sigresolve/internal/logging"
)

// TestMain implements the standard os/exec "helper process" pattern: the
// test binary re-execs itself with GO_WANT_HELPER_PROCESS set to behave as
// a throwaway evaluator subprocess, so pool tests exercise the real
// spawn/send/readResponse path without needing cmd/sigresolve-evaluator
// built first.
func TestMain(m *testing.M) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") == "1" {
		runFakeEvaluator()
		return
	}
	// Spawned evaluator subprocesses inherit this process's environment, so
	// setting it here (after the check above) makes every Pool-spawned copy
	// of this test binary take the helper-process branch instead.
	os.Setenv("GO_WANT_HELPER_PROCESS", "1")
	os.Exit(m.Run())
}

// runFakeEvaluator echoes each request's input back as output, except for
// two magic inputs used to drive crash/hang scenarios: "CRASH" exits
// nonzero immediately, "HANG" sleeps far past any test's in-flight
// timeout (killed by the pool's in-flight timeout or Stop). It sleeps
// rather than blocking in an empty select, which the Go runtime would
// abort as a deadlock and so report as a crash.
func runFakeEvaluator() {
	in := bufio.NewReader(os.Stdin)
	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	for {
		line, err := in.ReadString('\n')
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			continue
		}
		switch req.Input {
		case "CRASH":
			os.Exit(1)
		case "HANG":
			time.Sleep(time.Hour)
		}
		resp := Response{ID: req.ID, Output: &req.Input}
		data, _ := json.Marshal(resp)
		data = append(data, '\n')
		out.Write(data)
		out.Flush()
	}
}

func testEvaluatorPath(t *testing.T) string {
	t.Helper()
	exe, err := os.Executable()
	require.NoError(t, err)
	return exe
}

func testPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	if cfg.MessagesLimit == 0 {
		cfg.MessagesLimit = 1000
	}
	if cfg.MaxTaskAge == 0 {
		cfg.MaxTaskAge = time.Minute
	}
	if cfg.InFlightTimeout == 0 {
		cfg.InFlightTimeout = time.Second
	}
	if cfg.RecoveryBackoffBase == 0 {
		cfg.RecoveryBackoffBase = 5 * time.Millisecond
	}
	if cfg.RecoveryBackoffMax == 0 {
		cfg.RecoveryBackoffMax = 50 * time.Millisecond
	}
	if cfg.RecoveryFailureThreshold == 0 {
		cfg.RecoveryFailureThreshold = 3
	}
	cfg.EvaluatorPath = testEvaluatorPath(t)

	p := New(cfg, logging.New("test"))
	t.Cleanup(p.Stop)
	return p
}

func TestPoolSubmitResolves(t *testing.T) {
	p := testPool(t, Config{})
	out, err := p.Submit(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, "hello", out)
}

func TestPoolSubmitManyConcurrently(t *testing.T) {
	p := testPool(t, Config{Concurrency: 4})

	results := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func() {
			_, err := p.Submit(context.Background(), "x")
			results <- err
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-results)
	}
}

func TestPoolWorkerCrashRejectsTaskButPoolSurvives(t *testing.T) {
	p := testPool(t, Config{Concurrency: 1})

	_, err := p.Submit(context.Background(), "CRASH")
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindWorkerCrashed, ae.Kind)

	out, err := p.Submit(context.Background(), "still works")
	require.NoError(t, err)
	require.Equal(t, "still works", out)
}

func TestPoolInFlightTimeoutRejectsHungTask(t *testing.T) {
	p := testPool(t, Config{Concurrency: 1, InFlightTimeout: 50 * time.Millisecond})

	_, err := p.Submit(context.Background(), "HANG")
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	require.Equal(t, apperr.KindWorkerTimeout, ae.Kind)

	out, err := p.Submit(context.Background(), "after timeout")
	require.NoError(t, err)
	require.Equal(t, "after timeout", out)
}

func TestPoolContextCancelDuringQueueWait(t *testing.T) {
	p := testPool(t, Config{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Submit(ctx, "queued but cancelled")
	require.ErrorIs(t, err, context.Canceled)
}

func TestPoolStopRejectsSubsequentSubmits(t *testing.T) {
	p := New(Config{
		Concurrency:              1,
		MessagesLimit:            100,
		MaxTaskAge:               time.Minute,
		InFlightTimeout:          time.Second,
		RecoveryBackoffBase:      5 * time.Millisecond,
		RecoveryBackoffMax:       50 * time.Millisecond,
		RecoveryFailureThreshold: 3,
		EvaluatorPath:            testEvaluatorPath(t),
	}, logging.New("test"))

	p.Stop()

	_, err := p.Submit(context.Background(), "after stop")
	require.Error(t, err)
}
