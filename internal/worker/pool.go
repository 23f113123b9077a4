package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrel-labs/sigresolve/internal/apperr"
	"github.com/kestrel-labs/sigresolve/internal/observability"
	"github.com/kestrel-labs/sigresolve/internal/queue"
)

// Config is the worker pool's immutable-after-init configuration.
type Config struct {
	Concurrency             int
	MessagesLimit           int
	MaxTaskAge              time.Duration
	InFlightTimeout         time.Duration
	RecoveryBackoffBase     time.Duration
	RecoveryBackoffMax      time.Duration
	RecoveryFailureThreshold int
	EvaluatorPath           string
}

type workerID uint64

type managedWorker struct {
	id                workerID
	p                 *proc
	messagesRemaining int
	quarantined       bool
}

type inFlightRecord struct {
	task    *queue.Task
	timer   *time.Timer
	epoch   uint64 // guards against a stale timer/reply racing a later dispatch on a reused id slot
}

// eventKind distinguishes the dispatcher's unified event channel entries.
type eventKind int

const (
	eventReply eventKind = iota
	eventCrash
	eventTimeout
	eventRecoveryRetry
)

type event struct {
	kind    eventKind
	worker  workerID
	epoch   uint64
	resp    Response
	err     error
}

// Pool schedules queued string-evaluation tasks onto a bounded set of
// isolated evaluator subprocesses. All mutable state is owned by a single
// dispatcher goroutine (run); every other method only ever sends on a
// channel, matching spec.md §5's single-logical-scheduler model.
type Pool struct {
	cfg Config
	log zerolog.Logger

	submitCh chan *queue.Task
	eventCh  chan event
	stopCh   chan struct{}
	doneCh   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs and starts a Pool. The returned Pool eagerly spawns
// Config.Concurrency workers on its first scheduling pass.
func New(cfg Config, log zerolog.Logger) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:      cfg,
		log:      log.With().Str("component", "worker_pool").Logger(),
		submitCh: make(chan *queue.Task),
		eventCh:  make(chan event, 64),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	go p.run()
	return p
}

// Stop signals the dispatcher goroutine to exit and retires every worker.
// Idempotent.
func (p *Pool) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
	<-p.doneCh
	p.cancel()
}

// Submit enqueues input and blocks until the task settles or ctx is done.
func (p *Pool) Submit(ctx context.Context, input string) (string, error) {
	task := queue.NewTask(input, time.Now())

	select {
	case p.submitCh <- task:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-p.doneCh:
		return "", apperr.PoolFatal(fmt.Errorf("pool stopped"))
	}

	select {
	case res := <-task.Done():
		return res.Output, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// --- dispatcher goroutine: everything below this point runs exclusively
// on the goroutine started by New, and touches no shared state that
// another goroutine also mutates. ---

type dispatcherState struct {
	workers        map[workerID]*managedWorker
	idle           []workerID // LIFO stack: most-recently-released last
	queue          *queue.Queue
	inFlight       map[workerID]*inFlightRecord
	nextID         workerID
	nextEpoch      uint64
	poolFatal      error
	recoveryFailures int
	backoff        time.Duration
	recoveryPending bool
}

func (p *Pool) run() {
	defer close(p.doneCh)

	st := &dispatcherState{
		workers:  make(map[workerID]*managedWorker),
		inFlight: make(map[workerID]*inFlightRecord),
		queue:    queue.New(),
		backoff:  p.cfg.RecoveryBackoffBase,
	}

	p.schedule(st)

	for {
		select {
		case <-p.stopCh:
			p.drainAndStop(st)
			return
		case task := <-p.submitCh:
			p.handleSubmit(st, task)
		case ev := <-p.eventCh:
			p.handleEvent(st, ev)
		}
		p.publishMetrics(st)
	}
}

func (p *Pool) handleSubmit(st *dispatcherState, task *queue.Task) {
	if st.poolFatal != nil {
		task.Reject(apperr.PoolFatal(st.poolFatal))
		return
	}
	st.queue.Push(task)
	p.schedule(st)
}

func (p *Pool) handleEvent(st *dispatcherState, ev event) {
	mw, tracked := st.workers[ev.worker]

	switch ev.kind {
	case eventRecoveryRetry:
		st.recoveryPending = false
		p.schedule(st)
		return

	case eventCrash:
		if rec, ok := st.inFlight[ev.worker]; ok && rec.epoch == ev.epoch {
			stopTimer(rec.timer)
			delete(st.inFlight, ev.worker)
			rec.task.Reject(apperr.WorkerCrashed(ev.err))
		}
		p.retire(st, ev.worker)
		p.schedule(st)
		return

	case eventTimeout:
		rec, ok := st.inFlight[ev.worker]
		if !ok || rec.epoch != ev.epoch {
			return // stale timer for an already-settled dispatch
		}
		delete(st.inFlight, ev.worker)
		rec.task.Reject(apperr.WorkerTimeout())
		p.retire(st, ev.worker)
		p.schedule(st)
		return
	}

	// eventReply
	rec, ok := st.inFlight[ev.worker]
	if !ok || rec.epoch != ev.epoch {
		// Stray message: no in-flight task tracked for this worker/epoch.
		p.log.Warn().Uint64("worker", uint64(ev.worker)).Msg("stray worker message, retiring")
		p.retire(st, ev.worker)
		p.schedule(st)
		return
	}
	stopTimer(rec.timer)
	delete(st.inFlight, ev.worker)

	resp := ev.resp
	switch {
	case resp.Error != nil:
		rec.task.Reject(apperr.WorkerReportedError(resp.Error.Message, resp.Error.Stack))
		p.budgetExhausted(mw)
	case resp.Output == nil:
		rec.task.Reject(apperr.WorkerProtocolError("malformed envelope: no output and no error"))
		p.budgetExhausted(mw)
	default:
		rec.task.Resolve(*resp.Output)
	}

	p.releaseWorker(st, mw, tracked)
	p.schedule(st)
}

func (p *Pool) budgetExhausted(mw *managedWorker) {
	if mw != nil {
		mw.messagesRemaining = 0
	}
}

// releaseWorker returns a worker to idle, or retires it, per spec.md
// §4.2's per-response algorithm: quarantined workers always retire;
// otherwise retire only once the message budget is spent.
func (p *Pool) releaseWorker(st *dispatcherState, mw *managedWorker, tracked bool) {
	if !tracked || mw == nil {
		return
	}
	if mw.quarantined || mw.messagesRemaining <= 0 {
		p.retire(st, mw.id)
		return
	}
	st.idle = append(st.idle, mw.id)
}

// retire removes a worker from every tracking set and terminates its
// subprocess. Idempotent: retiring an already-untracked id is a no-op.
func (p *Pool) retire(st *dispatcherState, id workerID) {
	mw, ok := st.workers[id]
	if !ok {
		return
	}
	delete(st.workers, id)
	for i, idleID := range st.idle {
		if idleID == id {
			st.idle = append(st.idle[:i], st.idle[i+1:]...)
			break
		}
	}
	if rec, ok := st.inFlight[id]; ok {
		stopTimer(rec.timer)
		delete(st.inFlight, id)
	}
	if err := mw.p.kill(); err != nil {
		p.log.Debug().Err(err).Uint64("worker", uint64(id)).Msg("worker already gone")
	}
}

// schedule runs one scheduling pass: ensure pool size, then dispatch
// queued tasks onto idle workers until either runs out. A pass whose
// worker spawn returns an error enters recovery instead of dispatching.
func (p *Pool) schedule(st *dispatcherState) {
	if st.poolFatal != nil {
		p.rejectAll(st, apperr.PoolFatal(st.poolFatal))
		return
	}
	if st.recoveryPending {
		return
	}

	if err := p.ensureConcurrency(st); err != nil {
		p.enterRecovery(st, err)
		return
	}

	for st.queue.Len() > 0 && len(st.idle) > 0 {
		id := st.idle[len(st.idle)-1]
		st.idle = st.idle[:len(st.idle)-1]
		mw := st.workers[id]

		if mw.messagesRemaining <= 0 || mw.quarantined {
			p.retire(st, id)
			continue
		}

		task := st.queue.Peek()
		if task.Age(time.Now()) > p.cfg.MaxTaskAge {
			st.queue.Shift()
			task.Reject(apperr.QueueAgeExceeded())
			st.idle = append(st.idle, id) // worker untouched, release back
			continue
		}
		st.queue.Shift()
		p.dispatch(st, mw, task)
	}

	p.recoverySucceeded(st)
}

func (p *Pool) dispatch(st *dispatcherState, mw *managedWorker, task *queue.Task) {
	mw.messagesRemaining--
	st.nextEpoch++
	epoch := st.nextEpoch

	timer := time.AfterFunc(p.cfg.InFlightTimeout, func() {
		select {
		case p.eventCh <- event{kind: eventTimeout, worker: mw.id, epoch: epoch}:
		case <-p.doneCh:
		}
	})
	st.inFlight[mw.id] = &inFlightRecord{task: task, timer: timer, epoch: epoch}

	if err := mw.p.send(Request{ID: uint64(epoch), Input: task.Input}); err != nil {
		delete(st.inFlight, mw.id)
		stopTimer(timer)
		mw.messagesRemaining = 0
		task.Reject(apperr.DispatchFailed(err))
		p.retire(st, mw.id)
		return
	}

	go p.readLoop(mw, epoch)
}

// readLoop owns exactly one blocking read per dispatch, forwarding the
// decoded response (or crash) back into the dispatcher's serialized event
// stream. It exits after one response or one crash, matching "one
// in-flight task per worker" — a fresh readLoop is started per dispatch.
func (p *Pool) readLoop(mw *managedWorker, epoch uint64) {
	resp, err := mw.p.readResponse()
	if err != nil {
		select {
		case p.eventCh <- event{kind: eventCrash, worker: mw.id, epoch: epoch, err: err}:
		case <-p.doneCh:
		}
		return
	}
	select {
	case p.eventCh <- event{kind: eventReply, worker: mw.id, epoch: epoch, resp: resp}:
	case <-p.doneCh:
	}
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (p *Pool) rejectAll(st *dispatcherState, err error) {
	for st.queue.Len() > 0 {
		st.queue.Shift().Reject(err)
	}
}

// ensureConcurrency spawns workers until len(workers) == Concurrency.
func (p *Pool) ensureConcurrency(st *dispatcherState) error {
	for len(st.workers) < p.cfg.Concurrency {
		proc, err := spawn(p.ctx, p.cfg.EvaluatorPath)
		if err != nil {
			return fmt.Errorf("spawn worker: %w", err)
		}
		st.nextID++
		id := st.nextID
		st.workers[id] = &managedWorker{id: id, p: proc, messagesRemaining: p.cfg.MessagesLimit}
		st.idle = append(st.idle, id)
		p.log.Debug().Uint64("worker", uint64(id)).Msg("spawned worker")
	}
	return nil
}

// enterRecovery implements spec.md §4.2's recovery state machine.
func (p *Pool) enterRecovery(st *dispatcherState, cause error) {
	st.recoveryFailures++
	p.log.Warn().Err(cause).Int("failures", st.recoveryFailures).Msg("scheduling pass failed, entering recovery")

	tracked := make(map[workerID]bool, len(st.workers))
	for id, mw := range st.workers {
		mw.quarantined = true
		mw.messagesRemaining = 0
		tracked[id] = true
		if _, inflight := st.inFlight[id]; !inflight {
			p.retire(st, id)
		}
	}

	// Cross-check: anything in-flight that isn't among the workers we just
	// quarantined is anomalous bookkeeping drift; fail it now rather than
	// let it dangle.
	for id, rec := range st.inFlight {
		if !tracked[id] {
			stopTimer(rec.timer)
			delete(st.inFlight, id)
			rec.task.Reject(apperr.PoolFatal(cause))
			p.retire(st, id)
		}
	}

	if st.recoveryFailures >= p.cfg.RecoveryFailureThreshold {
		st.poolFatal = cause
		p.rejectAll(st, apperr.PoolFatal(cause))
		return
	}

	delay := st.backoff
	if delay > p.cfg.RecoveryBackoffMax {
		delay = p.cfg.RecoveryBackoffMax
	}
	st.backoff *= 2
	if st.backoff > p.cfg.RecoveryBackoffMax {
		st.backoff = p.cfg.RecoveryBackoffMax
	}
	st.recoveryPending = true
	time.AfterFunc(delay, func() {
		select {
		case p.eventCh <- event{kind: eventRecoveryRetry}:
		case <-p.doneCh:
		}
	})
}

func (p *Pool) recoverySucceeded(st *dispatcherState) {
	if st.recoveryFailures == 0 {
		return
	}
	if len(st.workers) < p.cfg.Concurrency {
		return
	}
	st.recoveryFailures = 0
	st.backoff = p.cfg.RecoveryBackoffBase
}

func (p *Pool) drainAndStop(st *dispatcherState) {
	for _, mw := range st.workers {
		if rec, ok := st.inFlight[mw.id]; ok {
			stopTimer(rec.timer)
			rec.task.Reject(apperr.PoolFatal(fmt.Errorf("pool stopping")))
		}
		_ = mw.p.kill()
	}
	p.rejectAll(st, apperr.PoolFatal(fmt.Errorf("pool stopped")))
}

func (p *Pool) publishMetrics(st *dispatcherState) {
	idle, inflight, quarantined := 0, len(st.inFlight), 0
	for _, mw := range st.workers {
		if mw.quarantined {
			quarantined++
		}
	}
	idle = len(st.idle)
	observability.PoolWorkers.WithLabelValues("idle").Set(float64(idle))
	observability.PoolWorkers.WithLabelValues("in_flight").Set(float64(inflight))
	observability.PoolWorkers.WithLabelValues("quarantined").Set(float64(quarantined))
	observability.PoolRecoveryFailures.Set(float64(st.recoveryFailures))
	if st.poolFatal != nil {
		observability.PoolFatal.Set(1)
	} else {
		observability.PoolFatal.Set(0)
	}
}
