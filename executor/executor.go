// Package executor claims jobs from the store and runs them.
//
// A fixed pool of slots each loop: claim the lowest-id New job whose
// dependencies all succeeded, run its handler, and record the outcome with
// a compare-and-swap on the job's lease. Jobs that mutate a repository hold
// that repository's lock while their handler runs. Transient failures go
// back to New with an exponential backoff until the retry bound; jobs
// interrupted by a stop go back to New untouched.
package executor

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/deltapub/deltapub/common/stats"
	"github.com/deltapub/deltapub/jobs"
	"github.com/deltapub/deltapub/repo"
	"github.com/deltapub/deltapub/store"
)

var (
	ErrAlreadyStarted = errors.New("executor already started")
	ErrStopped        = errors.New("executor stopped")
)

type Executor struct {
	cfg      Config
	store    store.Store
	handlers map[jobs.Kind]Handler
	stat     stats.StatsReceiver
	lease    string
	locks    *repoLocks
	limiter  *rate.Limiter
	wake     chan struct{}
	busy     int64

	// Cancelled by a forceful stop.
	jobCtx    context.Context
	jobCancel context.CancelFunc

	mu        sync.Mutex
	recovered bool
	started   bool
	stopOnce  sync.Once
	stopping  chan struct{}
	done      chan struct{}
	runErr    error
}

// New returns an executor running the default handlers over backend and
// deltas. Use NewWithHandlers to supply others.
func New(cfg Config, st store.Store, backend repo.Backend, deltas DeltaRequester, stat stats.StatsReceiver) (*Executor, error) {
	return NewWithHandlers(cfg, st, DefaultHandlers(backend, deltas), stat)
}

func NewWithHandlers(cfg Config, st store.Store, handlers map[jobs.Kind]Handler, stat stats.StatsReceiver) (*Executor, error) {
	cfg = cfg.withDefaults()
	incarnation, err := uuid.NewV4()
	if err != nil {
		return nil, errors.Wrap(err, "generating executor incarnation")
	}
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		cfg:       cfg,
		store:     st,
		handlers:  handlers,
		stat:      stat.Scope("executor"),
		lease:     store.LeasePrefix(cfg.Instance) + incarnation.String(),
		locks:     newRepoLocks(),
		limiter:   rate.NewLimiter(rate.Limit(cfg.ClaimRate), 1),
		wake:      make(chan struct{}, cfg.Concurrency),
		jobCtx:    ctx,
		jobCancel: cancel,
		stopping:  make(chan struct{}),
		done:      make(chan struct{}),
	}
	log.WithFields(log.Fields{
		"lease":       e.lease,
		"concurrency": cfg.Concurrency,
		"maxRetries":  cfg.MaxRetries,
	}).Info("created executor")
	return e, nil
}

// Lease identifies this executor incarnation on the jobs it holds.
func (e *Executor) Lease() string { return e.lease }

// SubmitOption adjusts a submission before it is inserted.
type SubmitOption func(*jobs.Submission)

// WithMaxRetries overrides the configured retry bound for one job.
func WithMaxRetries(n int) SubmitOption {
	return func(s *jobs.Submission) { s.MaxRetries = n }
}

// Submit inserts a New job of kind with params, to run after every job in
// deps has succeeded, and wakes idle slots.
func (e *Executor) Submit(ctx context.Context, kind jobs.Kind, params jobs.Params, deps []jobs.ID, opts ...SubmitOption) (jobs.ID, error) {
	raw, err := jobs.MarshalParams(params)
	if err != nil {
		return 0, jobs.BrokenError(err)
	}
	// Catches params of another kind's type.
	if _, err := jobs.ParseParams(kind, raw); err != nil {
		return 0, err
	}
	s := &jobs.Submission{
		Kind:         kind,
		Repo:         params.Repository(),
		Params:       raw,
		Dependencies: deps,
		MaxRetries:   e.cfg.MaxRetries,
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.Validate(); err != nil {
		return 0, jobs.BrokenError(err)
	}

	var id jobs.ID
	err = e.retryInternal(ctx, "insert", func() error {
		var err error
		id, err = e.store.Insert(ctx, s)
		return err
	})
	if err != nil {
		return 0, err
	}
	log.WithFields(log.Fields{
		"jobID": id,
		"kind":  kind,
		"repo":  s.Repo,
		"deps":  deps,
	}).Info("submitted job")
	e.wakeAll()
	return id, nil
}

// Status returns the stored job.
func (e *Executor) Status(ctx context.Context, id jobs.ID) (*jobs.Job, error) {
	return e.store.Get(ctx, id)
}

// Recover puts every job left Started by an earlier incarnation of this
// instance back to New, keeping its retry count. It returns how many it reset.
func (e *Executor) Recover(ctx context.Context) (int, error) {
	var started []*jobs.Job
	err := e.retryInternal(ctx, "list started", func() error {
		var err error
		started, err = e.store.ListStartedForLease(ctx, e.cfg.Instance)
		return err
	})
	if err != nil {
		return 0, err
	}

	n := 0
	now := time.Now()
	for _, job := range started {
		if job.Lease == e.lease {
			continue
		}
		err := e.retryInternal(ctx, "recover", func() error {
			return e.store.Requeue(ctx, job.ID, job.Lease, job.RetryCount, now)
		})
		if errors.Is(err, store.ErrLeaseLost) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
		e.stat.Counter(stats.ExecutorRecoveredCounter).Inc(1)
		log.WithFields(log.Fields{
			"jobID": job.ID,
			"kind":  job.Kind,
			"lease": job.Lease,
		}).Info("recovered job")
	}

	e.mu.Lock()
	e.recovered = true
	e.mu.Unlock()
	if n > 0 {
		e.wakeAll()
	}
	return n, nil
}

// Start recovers, if Recover has not been called, and then runs the slots
// until Stop.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	select {
	case <-e.stopping:
		e.mu.Unlock()
		return ErrStopped
	default:
	}
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	recovered := e.recovered
	e.mu.Unlock()

	if !recovered {
		if _, err := e.Recover(ctx); err != nil {
			e.mu.Lock()
			e.started = false
			e.mu.Unlock()
			return errors.Wrap(err, "recovering started jobs")
		}
	}

	var g errgroup.Group
	for i := 0; i < e.cfg.Concurrency; i++ {
		slot := i
		g.Go(func() error { return e.runSlot(slot) })
	}
	go func() {
		err := g.Wait()
		e.mu.Lock()
		e.runErr = err
		e.mu.Unlock()
		close(e.done)
	}()
	log.WithFields(log.Fields{
		"lease": e.lease,
		"slots": e.cfg.Concurrency,
	}).Info("executor started")
	return nil
}

// Stop stops claiming and waits for the slots to exit. A graceful stop lets
// running jobs finish. A forceful one also cancels them, and jobs that
// notice go back to New. If ctx ends first the running jobs are cancelled
// and ctx.Err() returned.
func (e *Executor) Stop(ctx context.Context, graceful bool) error {
	e.stopOnce.Do(func() { close(e.stopping) })
	if !graceful {
		e.jobCancel()
	}

	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		e.jobCancel()
		return nil
	}

	select {
	case <-e.done:
		e.jobCancel()
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.runErr
	case <-ctx.Done():
		e.jobCancel()
		return ctx.Err()
	}
}

// Done is closed once every slot has exited after Stop.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) isStopping() bool {
	select {
	case <-e.stopping:
		return true
	default:
		return false
	}
}

func (e *Executor) wakeAll() {
	for i := 0; i < cap(e.wake); i++ {
		select {
		case e.wake <- struct{}{}:
		default:
			return
		}
	}
}

func (e *Executor) runSlot(slot int) error {
	log.WithField("slot", slot).Debug("slot started")
	defer log.WithField("slot", slot).Debug("slot exited")

	for !e.isStopping() {
		found, err := e.ClaimAndRunOne(e.jobCtx)
		if err != nil && e.jobCtx.Err() == nil {
			log.WithFields(log.Fields{
				"slot": slot,
				"err":  err,
			}).Error("claiming job")
		}
		if found {
			continue
		}

		timer := time.NewTimer(e.cfg.PollInterval)
		select {
		case <-e.stopping:
		case <-e.wake:
		case <-timer.C:
		}
		timer.Stop()
	}
	return nil
}

// ClaimAndRunOne claims the next runnable job, runs it and records the
// outcome. It returns false if no job was claimable.
func (e *Executor) ClaimAndRunOne(ctx context.Context) (bool, error) {
	job, err := e.claimNext(ctx)
	if err != nil || job == nil {
		return false, err
	}
	e.run(ctx, job)
	return true, nil
}

func (e *Executor) claimNext(ctx context.Context) (*jobs.Job, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var failed []jobs.ID
	err := e.retryInternal(ctx, "propagate failures", func() error {
		var err error
		failed, err = e.store.PropagateFailures(ctx, time.Now())
		return err
	})
	if err != nil {
		return nil, err
	}
	if len(failed) > 0 {
		e.stat.Counter(stats.ExecutorDependencyFailedCounter).Inc(int64(len(failed)))
		log.WithField("jobIDs", failed).Info("failed jobs whose dependencies failed")
	}

	var candidates []*jobs.Job
	err = e.retryInternal(ctx, "list claimable", func() error {
		var err error
		candidates, err = e.store.ListClaimable(ctx, time.Now(), e.cfg.ClaimBatch)
		return err
	})
	if err != nil {
		return nil, err
	}

	for _, c := range candidates {
		if e.isStopping() {
			return nil, nil
		}
		if p, ok := e.handlers[c.Kind].(Pauser); ok && p.Paused() {
			continue
		}
		job, err := e.claim(ctx, c.ID)
		if errors.Is(err, store.ErrNotClaimable) {
			e.stat.Counter(stats.ExecutorClaimConflictCounter).Inc(1)
			continue
		}
		if err != nil {
			return nil, err
		}
		e.stat.Counter(stats.ExecutorClaimedCounter).Inc(1)
		return job, nil
	}
	return nil, nil
}

// claim retries Internal errors. A retried claim that finds the job already
// Started under our lease means the earlier attempt committed.
func (e *Executor) claim(ctx context.Context, id jobs.ID) (*jobs.Job, error) {
	var job *jobs.Job
	attempts := 0
	err := e.retryInternal(ctx, "claim", func() error {
		attempts++
		var err error
		job, err = e.store.Claim(ctx, id, e.lease, time.Now())
		return err
	})
	if errors.Is(err, store.ErrNotClaimable) && attempts > 1 {
		if j, gerr := e.store.Get(ctx, id); gerr == nil && j.Status == jobs.StatusStarted && j.Lease == e.lease {
			return j, nil
		}
	}
	return job, err
}

func (e *Executor) run(ctx context.Context, job *jobs.Job) {
	latency := e.stat.Latency(stats.ExecutorJobLatency_ms).Time()
	e.stat.Gauge(stats.ExecutorBusySlotsGauge).Update(atomic.AddInt64(&e.busy, 1))
	defer func() {
		e.stat.Gauge(stats.ExecutorBusySlotsGauge).Update(atomic.AddInt64(&e.busy, -1))
	}()

	fields := log.Fields{
		"jobID":   job.ID,
		"kind":    job.Kind,
		"repo":    job.Repo,
		"retries": job.RetryCount,
	}
	log.WithFields(fields).Info("running job")

	var results string
	var err error
	handler, ok := e.handlers[job.Kind]
	if !ok {
		err = jobs.BrokenError(errors.Errorf("no handler for %s jobs", job.Kind))
	} else {
		var params jobs.Params
		if params, err = jobs.ParseParams(job.Kind, job.Params); err == nil {
			results, err = e.execute(ctx, job, handler, params)
		}
	}
	if err != nil && ctx.Err() != nil {
		err = errors.Wrap(jobs.ErrInterrupted, err.Error())
	}

	e.complete(context.WithoutCancel(ctx), job, results, err)
	latency.Stop()
	e.wakeAll()
}

func (e *Executor) execute(ctx context.Context, job *jobs.Job, handler Handler, params jobs.Params) (string, error) {
	if handler.LocksRepo() {
		wait := e.stat.Latency(stats.ExecutorRepoLockWait_ms).Time()
		release, err := e.locks.acquire(ctx, job.Repo, e.cfg.LockTimeout)
		wait.Stop()
		if err != nil {
			if errors.Is(err, ErrLockTimeout) {
				e.stat.Counter(stats.ExecutorRepoLockTimeoutCounter).Inc(1)
			}
			return "", err
		}
		defer release()

		if e.cfg.RepoRoot != "" {
			dm := stats.NewDirsMonitor(stats.MonitorDir{
				Directory:  filepath.Join(e.cfg.RepoRoot, job.Repo),
				StatSuffix: string(job.Kind),
			})
			dm.Start(ctx)
			defer dm.Record(ctx, e.stat, stats.ExecutorRepoDiskUsageKb)
		}
	}

	out, err := handler.Run(ctx, job, params)
	if err != nil {
		return "", err
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", jobs.PermanentError(errors.Wrap(err, "encoding results"))
	}
	return string(b), nil
}

// complete records the outcome of a job step.
func (e *Executor) complete(ctx context.Context, job *jobs.Job, results string, jobErr error) {
	fields := log.Fields{
		"jobID": job.ID,
		"kind":  job.Kind,
		"repo":  job.Repo,
	}
	if jobErr != nil {
		fields["err"] = jobErr
	}
	now := time.Now()

	var what string
	var op func() error
	switch {
	case jobErr == nil:
		what = "succeeded"
		e.stat.Counter(stats.ExecutorSucceededCounter).Inc(1)
		op = func() error { return e.store.Finish(ctx, job.ID, e.lease, jobs.StatusSuccess, results, now) }

	case jobs.IsInterrupted(jobErr):
		what = "interrupted"
		e.stat.Counter(stats.ExecutorInterruptedCounter).Inc(1)
		op = func() error { return e.store.Requeue(ctx, job.ID, e.lease, job.RetryCount, now) }

	case jobs.KindOf(jobErr) == jobs.Broken:
		what = "broken"
		e.stat.Counter(stats.ExecutorBrokenCounter).Inc(1)
		op = func() error { return e.store.Finish(ctx, job.ID, e.lease, jobs.StatusBroken, jobErr.Error(), now) }

	case jobs.ShouldRetry(jobErr, job.RetryCount, job.MaxRetries):
		retry := job.RetryCount + 1
		runAt := now.Add(jobs.RetryDelay(retry, e.cfg.RetryBaseDelay, e.cfg.RetryMaxDelay))
		what = "will retry"
		fields["retry"] = retry
		fields["runAt"] = runAt
		e.stat.Counter(stats.ExecutorRetriedCounter).Inc(1)
		op = func() error { return e.store.Requeue(ctx, job.ID, e.lease, retry, runAt) }

	default:
		what = "failed"
		e.stat.Counter(stats.ExecutorFailedCounter).Inc(1)
		op = func() error { return e.store.Finish(ctx, job.ID, e.lease, jobs.StatusFailure, jobErr.Error(), now) }
	}

	if err := e.retryInternal(ctx, "complete", op); err != nil {
		fields["storeErr"] = err
		log.WithFields(fields).Error("could not record job outcome")
		return
	}
	if jobErr == nil {
		log.WithFields(fields).Info("job " + what)
	} else {
		log.WithFields(fields).Warn("job " + what)
	}
}

// retryInternal runs op, retrying with exponential backoff while it fails
// with a jobs.Internal error, for at most StoreRetryMaxElapsed. Other
// errors are returned as they are.
func (e *Executor) retryInternal(ctx context.Context, what string, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = e.cfg.StoreRetryMaxElapsed
	for {
		err := op()
		if err == nil || !jobs.IsInternal(err) {
			return err
		}
		e.stat.Counter(stats.ExecutorStoreErrorCounter).Inc(1)
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return err
		}
		log.WithFields(log.Fields{
			"op":    what,
			"err":   err,
			"retry": wait,
		}).Warn("store error")
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return err
		}
	}
}
