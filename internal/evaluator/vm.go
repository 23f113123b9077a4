// Package evaluator hosts the goja ECMAScript VM used to run the opaque
// preprocessor and solver-extraction functions spec.md treats as external
// collaborators. Two call sites use it very differently:
//
//   - Preprocess runs inside the cmd/sigresolve-evaluator subprocess, one
//     call per worker dispatch, process-isolated from the control plane.
//   - SolversFromPrepared (and the solvers it returns) run in-process in
//     the orchestrator: they're assumed cheap relative to preprocessing,
//     per spec.md §4.5's lack of a pool hop for them, but are still given
//     a bounded interrupt so a pathological script can't wedge a request
//     goroutine forever.
package evaluator

import (
	_ "embed"
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"

	"github.com/kestrel-labs/sigresolve/internal/solvers"
)

//go:embed assets/default_preprocess.js
var defaultPreprocessSrc string

//go:embed assets/default_solvers.js
var defaultSolversSrc string

// DefaultPreprocessSource returns the bundled placeholder preprocessor.
func DefaultPreprocessSource() string { return defaultPreprocessSrc }

// DefaultSolversSource returns the bundled placeholder solver extractor.
func DefaultSolversSource() string { return defaultSolversSrc }

// callTimeout bounds any single goja call so a malicious or buggy upstream
// script can't hang the calling goroutine forever.
const callTimeout = 10 * time.Second

// runWithInterrupt executes fn against rt, interrupting rt if fn runs past
// callTimeout.
func runWithInterrupt(rt *goja.Runtime, fn func() (goja.Value, error)) (goja.Value, error) {
	done := make(chan struct{})
	timer := time.AfterFunc(callTimeout, func() {
		rt.Interrupt(fmt.Errorf("evaluation exceeded %s", callTimeout))
	})
	defer timer.Stop()
	defer close(done)
	return fn()
}

// Preprocess runs preprocessorSrc's `preprocess(src)` against src and
// returns the resulting prepared string.
func Preprocess(preprocessorSrc, src string) (prepared string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("preprocessor panicked: %v", r)
		}
	}()

	rt := goja.New()
	if _, err := runWithInterrupt(rt, func() (goja.Value, error) {
		return rt.RunString(preprocessorSrc)
	}); err != nil {
		return "", fmt.Errorf("loading preprocessor: %w", err)
	}

	fn, ok := goja.AssertFunction(rt.Get("preprocess"))
	if !ok {
		return "", fmt.Errorf("preprocessor script does not define preprocess()")
	}

	result, err := runWithInterrupt(rt, func() (goja.Value, error) {
		return fn(goja.Undefined(), rt.ToValue(src))
	})
	if err != nil {
		return "", fmt.Errorf("running preprocess: %w", err)
	}
	return result.String(), nil
}

// SolversFromPrepared runs solverSrc's `solversFromPrepared(prepared)` and
// wraps whichever of `sig`/`n` it returns as pure Go closures. A missing
// field is left nil, matching spec.md §4.5's "return none" contract.
func SolversFromPrepared(solverSrc, prepared string) (out solvers.Solvers, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("solver extraction panicked: %v", r)
		}
	}()

	rt := goja.New()
	if _, err := runWithInterrupt(rt, func() (goja.Value, error) {
		return rt.RunString(solverSrc)
	}); err != nil {
		return solvers.Solvers{}, fmt.Errorf("loading solver script: %w", err)
	}

	fn, ok := goja.AssertFunction(rt.Get("solversFromPrepared"))
	if !ok {
		return solvers.Solvers{}, fmt.Errorf("solver script does not define solversFromPrepared()")
	}

	result, err := runWithInterrupt(rt, func() (goja.Value, error) {
		return fn(goja.Undefined(), rt.ToValue(prepared))
	})
	if err != nil {
		return solvers.Solvers{}, fmt.Errorf("running solversFromPrepared: %w", err)
	}

	obj := result.ToObject(rt)
	if obj == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return solvers.Solvers{}, nil
	}

	// sig and n share one goja.Runtime, and a Runtime is not safe for
	// concurrent use. The resulting Solvers value is cached and replayed
	// against concurrent requests for the same player_url, so every
	// closure built here takes a common lock before touching rt.
	var mu sync.Mutex

	if sigFn, ok := goja.AssertFunction(obj.Get("sig")); ok {
		out.Sig = wrapSolverFunc(rt, &mu, sigFn)
	}
	if nFn, ok := goja.AssertFunction(obj.Get("n")); ok {
		out.N = wrapSolverFunc(rt, &mu, nFn)
	}
	return out, nil
}

// wrapSolverFunc closes over one already-loaded runtime+function so a
// solver can be invoked repeatedly without re-parsing the player script.
// mu serializes every call against rt, since the runtime is shared across
// both the sig and n closures and the cached Solvers value is served to
// concurrent callers.
func wrapSolverFunc(rt *goja.Runtime, mu *sync.Mutex, fn goja.Callable) func(string) (string, error) {
	return func(input string) (result string, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("solver panicked: %v", r)
			}
		}()
		mu.Lock()
		defer mu.Unlock()
		v, err := runWithInterrupt(rt, func() (goja.Value, error) {
			return fn(goja.Undefined(), rt.ToValue(input))
		})
		if err != nil {
			return "", err
		}
		return v.String(), nil
	}
}
