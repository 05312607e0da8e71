// Package dispatch turns inbound signals into at most one execution per
// correlation id. Each account gets its own FIFO worker so orders for one
// account run strictly in order while accounts run in parallel.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"execution-core/internal/events"
	"execution-core/internal/execution"
	"execution-core/internal/model"
	"execution-core/internal/monitor"
	"execution-core/internal/session"
)

var (
	ErrQueueFull        = errors.New("dispatch queue full")
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrCancelled        = errors.New("signal cancelled")
	ErrUnknownSignal    = errors.New("no pending signal with that correlation id")
)

// Sessions is the part of the session manager the dispatcher borrows through.
type Sessions interface {
	Acquire(ctx context.Context, accountID string) (*session.Session, error)
	Release(s *session.Session)
	Close(ctx context.Context, s *session.Session) error
	Track(accountID string)
}

// Executor places and reconciles orders.
type Executor interface {
	Resolve(symbol string) (string, bool)
	Execute(ctx context.Context, sig model.Signal, s *session.Session) model.ExecutionResult
	Reconcile(ctx context.Context, sig model.Signal, s *session.Session) (execution.Reconciliation, error)
}

// ResultLog is the append-only record of terminal results.
type ResultLog interface {
	Append(res model.ExecutionResult) error
}

// History receives results for the queryable store. Writes may be batched.
type History interface {
	RecordExecution(res model.ExecutionResult)
}

// Config controls queueing and retry.
type Config struct {
	DedupeWindow time.Duration
	MaxRetry     int
	QueueSize    int
	MinInterval  time.Duration // per-account pacing, 0 disables
	CloseTimeout time.Duration // bound on tearing down a failed session
}

// Dispatcher owns the per-account workers and is the single writer of
// execution results.
type Dispatcher struct {
	cfg      Config
	sessions Sessions
	exec     Executor
	results  ResultLog
	history  History
	bus      *events.Bus
	metrics  *monitor.SystemMetrics
	now      func() time.Time

	dedupe *dedupeCache

	mu      sync.Mutex
	workers map[string]*worker
	jobs    map[string]*job
	closed  bool
	wg      sync.WaitGroup
}

type worker struct {
	accountID string
	queue     chan *job
	limiter   *rate.Limiter
}

type job struct {
	sig    model.Signal
	future *Future
	ctx    context.Context
	cancel context.CancelFunc
	stop   func() bool
}

// New creates a dispatcher. results, history, bus and metrics may be nil.
func New(cfg Config, sessions Sessions, exec Executor, results ResultLog, history History, bus *events.Bus, metrics *monitor.SystemMetrics) *Dispatcher {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = 10 * time.Minute
	}
	if cfg.MaxRetry < 0 {
		cfg.MaxRetry = 0
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 30 * time.Second
	}
	d := &Dispatcher{
		cfg:      cfg,
		sessions: sessions,
		exec:     exec,
		results:  results,
		history:  history,
		bus:      bus,
		metrics:  metrics,
		now:      time.Now,
		workers:  make(map[string]*worker),
		jobs:     make(map[string]*job),
	}
	d.dedupe = newDedupeCache(cfg.DedupeWindow, func() time.Time { return d.now() })
	return d
}

// SetClock replaces the time source for the dedupe window.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Start runs the dedupe janitor until ctx is done.
func (d *Dispatcher) Start(ctx context.Context) {
	interval := d.cfg.DedupeWindow / 2
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := d.dedupe.Cleanup(); n > 0 {
					log.Printf("dispatch: 🧹 expired %d dedupe entries", n)
				}
			}
		}
	}()
}

// Dispatch accepts sig and returns its future. A correlation id already seen
// inside the dedupe window returns the existing future and never executes
// again. Cancelling ctx cancels the signal while it is still cancellable.
func (d *Dispatcher) Dispatch(ctx context.Context, sig model.Signal) (*Future, error) {
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}
	d.metrics.RecordSignal()

	f := newFuture(sig.CorrelationID)
	if existing, joined := d.dedupe.reserve(sig.CorrelationID, f); joined {
		d.metrics.RecordDuplicate()
		log.Printf("dispatch: 🔁 %s already seen, returning existing result", sig.CorrelationID)
		return existing, nil
	}

	jctx, cancel := context.WithCancel(context.Background())
	j := &job{sig: sig, future: f, ctx: jctx, cancel: cancel}
	j.stop = context.AfterFunc(ctx, cancel)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		j.release()
		d.dedupe.remove(sig.CorrelationID)
		return nil, ErrDispatcherClosed
	}
	w := d.workerLocked(sig.AccountID)
	select {
	case w.queue <- j:
	default:
		d.mu.Unlock()
		j.release()
		d.dedupe.remove(sig.CorrelationID)
		log.Printf("dispatch: ❌ queue full for %s, dropping %s", sig.AccountID, sig.CorrelationID)
		return nil, fmt.Errorf("%w: account %s", ErrQueueFull, sig.AccountID)
	}
	d.jobs[sig.CorrelationID] = j
	depth := len(w.queue)
	d.mu.Unlock()

	d.metrics.SetQueueDepth(sig.AccountID, depth)
	d.bus.Publish(events.EventSignalReceived, sig)
	log.Printf("dispatch: 📥 %s queued for %s (%s %s %v)", sig.CorrelationID, sig.AccountID, sig.Side, sig.Symbol, sig.Quantity)
	return f, nil
}

// Cancel cancels a queued or pre-submit signal. Once the submit click has
// been issued the execution runs to its classified outcome regardless.
func (d *Dispatcher) Cancel(correlationID string) error {
	d.mu.Lock()
	j, ok := d.jobs[correlationID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSignal, correlationID)
	}
	j.cancel()
	log.Printf("dispatch: 🛑 cancel requested for %s", correlationID)
	return nil
}

// Prime seeds the dedupe window with results recovered from the execution
// log, so redelivery after a restart does not execute twice.
func (d *Dispatcher) Prime(results []model.ExecutionResult) int {
	n := 0
	for _, res := range results {
		if res.CorrelationID == "" {
			continue
		}
		if d.dedupe.prime(res) {
			n++
		}
	}
	return n
}

// Lookup returns a completed result still inside the dedupe window.
func (d *Dispatcher) Lookup(correlationID string) (model.ExecutionResult, bool) {
	return d.dedupe.lookup(correlationID)
}

// Pending counts signals queued or executing.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

// Close stops accepting signals, cancels queued work and waits for the
// workers to finish until ctx is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	for _, j := range d.jobs {
		j.cancel()
	}
	for _, w := range d.workers {
		close(w.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) workerLocked(accountID string) *worker {
	if w, ok := d.workers[accountID]; ok {
		return w
	}
	w := &worker{accountID: accountID, queue: make(chan *job, d.cfg.QueueSize)}
	if d.cfg.MinInterval > 0 {
		w.limiter = rate.NewLimiter(rate.Every(d.cfg.MinInterval), 1)
	}
	d.workers[accountID] = w
	d.sessions.Track(accountID)
	d.wg.Add(1)
	go d.run(w)
	return w
}

func (d *Dispatcher) run(w *worker) {
	defer d.wg.Done()
	for j := range w.queue {
		d.metrics.SetQueueDepth(w.accountID, len(w.queue))
		res, err := d.process(w, j)
		d.finalize(j, res, err)
	}
}

func (j *job) release() {
	if j.stop != nil {
		j.stop()
	}
	if j.cancel != nil {
		j.cancel()
	}
}

func (d *Dispatcher) cancelled(sig model.Signal, attempt int) model.ExecutionResult {
	res := model.ResultFor(sig)
	res.Outcome = model.OutcomeCancelled
	res.Reason = model.ReasonCancelled
	res.Attempts = attempt
	res.Timestamp = d.now()
	return res
}

// process runs one signal through the retry policy. A non-nil error means the
// signal never reached the engine.
func (d *Dispatcher) process(w *worker, j *job) (model.ExecutionResult, error) {
	sig := j.sig
	// Unmapped symbols are terminal before any session is borrowed. They still
	// go through the queue so results keep arrival order.
	if _, ok := d.exec.Resolve(sig.Symbol); !ok {
		res := d.exec.Execute(j.ctx, sig, nil)
		res.Attempts = 1
		return res, nil
	}
	if w.limiter != nil {
		if err := w.limiter.Wait(j.ctx); err != nil {
			return d.cancelled(sig, 1), nil
		}
	}

	for attempt := 1; ; attempt++ {
		if j.ctx.Err() != nil {
			return d.cancelled(sig, attempt), nil
		}
		s, err := d.sessions.Acquire(j.ctx, sig.AccountID)
		if err != nil {
			if j.ctx.Err() != nil {
				return d.cancelled(sig, attempt), nil
			}
			res := model.ResultFor(sig)
			res.Outcome = model.OutcomeDriverError
			res.Attempts = attempt
			res.Timestamp = d.now()
			if model.IsAuthError(err) {
				res.Reason = model.ReasonAuth
				log.Printf("dispatch: 🚨 %s not executed: %v", sig.CorrelationID, err)
				return res, err
			}
			res.Reason = err.Error()
			if attempt > d.cfg.MaxRetry {
				return res, nil
			}
			d.retrying(sig, res, attempt)
			continue
		}

		res := d.exec.Execute(j.ctx, sig, s)
		res.Attempts = attempt

		switch res.Outcome {
		case model.OutcomeTimeout:
			rc, rerr := d.reconcile(sig, s)
			d.sessions.Release(s)
			if rerr != nil {
				log.Printf("dispatch: ⚠️ %s reconciliation failed: %v", sig.CorrelationID, rerr)
				res.NeedsReconciliation = true
				return res, nil
			}
			if rc.Found {
				return reconciled(res, rc), nil
			}
			res.NeedsReconciliation = false
			if attempt > d.cfg.MaxRetry {
				res.Reason = model.ReasonNotPlaced
				return res, nil
			}
			d.retrying(sig, res, attempt)

		case model.OutcomeDriverError:
			d.closeSession(s)
			if res.NeedsReconciliation {
				rc, rerr := d.reconcileFresh(sig)
				if rerr != nil {
					log.Printf("dispatch: ⚠️ %s reconciliation after driver error failed: %v", sig.CorrelationID, rerr)
					return res, nil
				}
				if rc.Found {
					return reconciled(res, rc), nil
				}
				res.NeedsReconciliation = false
			}
			if attempt > d.cfg.MaxRetry {
				return res, nil
			}
			d.retrying(sig, res, attempt)

		default:
			d.sessions.Release(s)
			return res, nil
		}
	}
}

func (d *Dispatcher) retrying(sig model.Signal, res model.ExecutionResult, attempt int) {
	d.metrics.RecordRetry(res.Outcome)
	log.Printf("dispatch: 🔄 %s attempt %d ended %s (%s), retrying", sig.CorrelationID, attempt, res.Outcome, res.Reason)
}

func reconciled(res model.ExecutionResult, rc execution.Reconciliation) model.ExecutionResult {
	log.Printf("dispatch: ✓ %s found on venue as %s after %s", res.CorrelationID, rc.BrokerReference, res.Outcome)
	res.Outcome = model.OutcomeSuccess
	res.Reason = ""
	res.BrokerReference = rc.BrokerReference
	res.Reconciled = true
	res.NeedsReconciliation = false
	return res
}

// reconcile runs after the submit click, so caller cancellation no longer applies.
func (d *Dispatcher) reconcile(sig model.Signal, s *session.Session) (execution.Reconciliation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CloseTimeout)
	defer cancel()
	return d.exec.Reconcile(ctx, sig, s)
}

// reconcileFresh checks the venue through a newly acquired session after the
// previous one was torn down mid-submit.
func (d *Dispatcher) reconcileFresh(sig model.Signal) (execution.Reconciliation, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CloseTimeout)
	defer cancel()
	s, err := d.sessions.Acquire(ctx, sig.AccountID)
	if err != nil {
		return execution.Reconciliation{}, err
	}
	defer d.sessions.Release(s)
	return d.exec.Reconcile(ctx, sig, s)
}

func (d *Dispatcher) closeSession(s *session.Session) {
	d.sessions.Release(s)
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.CloseTimeout)
	defer cancel()
	if err := d.sessions.Close(ctx, s); err != nil {
		log.Printf("dispatch: ⚠️ closing session for %s: %v", s.AccountID, err)
	}
}

// finalize is the only place results are written.
func (d *Dispatcher) finalize(j *job, res model.ExecutionResult, err error) {
	if res.Timestamp.IsZero() {
		res.Timestamp = d.now()
	}
	cid := j.sig.CorrelationID

	if err != nil {
		// Never reached the engine: not logged and not deduped.
		d.dedupe.remove(cid)
	} else {
		if d.results != nil {
			if aerr := d.results.Append(res); aerr != nil {
				log.Printf("dispatch: ❌ execution log append for %s failed: %v", cid, aerr)
			}
		}
		if d.history != nil {
			d.history.RecordExecution(res)
		}
		d.dedupe.complete(cid)
	}

	d.mu.Lock()
	if cur, ok := d.jobs[cid]; ok && cur == j {
		delete(d.jobs, cid)
	}
	d.mu.Unlock()
	j.release()

	j.future.complete(res, err)
	d.metrics.RecordResult(res)
	d.bus.Publish(events.EventExecutionResult, res)
	log.Printf("dispatch: 🏁 %s %s reason=%q ref=%q attempts=%d evidence=%q",
		cid, res.Outcome, res.Reason, res.BrokerReference, res.Attempts, res.Evidence)
}
