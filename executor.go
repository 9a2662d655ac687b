package loom

import (
	"context"
	"io"
	"sync"
	"time"

	log "gopkg.in/src-d/go-log.v1"
	"gopkg.in/src-d/go-queue.v1"

	"github.com/lorekit/loom/metrics"
)

// DefaultGracePeriod is how long the executor waits for in-flight jobs
// after an interrupt before giving up on them.
const DefaultGracePeriod = 10 * time.Second

// ProcessFunc processes one scheduler job. The context is cancelled when
// the run is interrupted; implementations should stop as soon as
// possible after that.
type ProcessFunc func(ctx context.Context, logger log.Logger, j *Job) error

// Executor takes jobs from an iterator, queues them and distributes them
// across a worker pool. With a single worker the run is strictly
// sequential and the first failure aborts the remaining queue; with more
// workers failures are isolated and reported in aggregate at the end.
//
// On an external interrupt (cancellation of the context passed to
// Execute) the executor drains: in-flight jobs get their context
// cancelled, the executor waits up to the grace period for them to
// finish, and any still running afterwards are abandoned and counted as
// force-terminated. Completion is event-driven; there is no polling.
type Executor struct {
	Notifiers struct {
		// Start function, if set, is called whenever a job is started.
		Start func(*Job)
		// Stop function, if set, is called whenever a job stops. If
		// there was an error, it is passed as second parameter,
		// otherwise, it is nil.
		Stop func(*Job, error)
	}

	// Grace is how long draining waits for in-flight jobs. Defaults to
	// DefaultGracePeriod.
	Grace time.Duration

	queue   queue.Queue
	pool    *WorkerPool
	iter    JobIter
	workers int
	log     log.Logger

	ctx    context.Context
	cancel context.CancelFunc

	m         sync.Mutex
	published int
	processed int
	failed    int
	inflight  int
	stopped   bool
	firstErr  error

	done      chan struct{}
	closeOnce sync.Once
	qiter     queue.JobIter
}

// NewExecutor creates a job executor with the given worker count.
func NewExecutor(q queue.Queue, iter JobIter, workers int, process ProcessFunc) *Executor {
	if workers < 1 {
		workers = 1
	}

	e := &Executor{
		Grace:   DefaultGracePeriod,
		queue:   q,
		iter:    iter,
		workers: workers,
		log:     log.New(log.Fields{"workers": workers}),
		done:    make(chan struct{}),
	}

	e.pool = NewWorkerPool(e.work(process))
	return e
}

// Execute queues all jobs and distributes them across the worker pool.
// It blocks until every job reached a terminal state, the first failure
// in sequential mode, or an interrupt finished draining.
func (e *Executor) Execute(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	defer e.cancel()

	n, err := e.publish()
	if err != nil {
		return err
	}

	if n == 0 {
		e.log.Warningf("no jobs to process")
		return nil
	}

	e.m.Lock()
	e.published = n
	e.m.Unlock()

	e.pool.SetWorkerCount(e.workers)
	go e.consume()

	select {
	case <-e.done:
		e.pool.Close()
		return e.report()
	case <-ctx.Done():
		return e.drain()
	}
}

func (e *Executor) report() error {
	e.m.Lock()
	defer e.m.Unlock()

	if e.workers == 1 && e.firstErr != nil {
		return e.firstErr
	}

	if e.failed > 0 {
		return ErrJobsFailed.New(e.failed, e.published)
	}

	return nil
}

// drain handles an interrupt: jobs still queued are dropped, in-flight
// jobs run until done or until the grace period expires.
func (e *Executor) drain() error {
	e.m.Lock()
	e.stopped = true
	pending := e.published - e.processed - e.inflight
	e.m.Unlock()

	e.log.Warningf("interrupted, draining in-flight jobs")

	select {
	case <-e.done:
		e.log.Warningf("drained gracefully")
	case <-time.After(e.Grace):
		e.m.Lock()
		for i := 0; i < e.inflight; i++ {
			metrics.JobForced()
		}
		e.m.Unlock()
		e.log.Errorf(nil, "grace period expired, abandoning in-flight jobs")
	}

	e.closeQueueIter()

	e.m.Lock()
	defer e.m.Unlock()
	return ErrInterrupted.New(pending, e.inflight)
}

func (e *Executor) publish() (int, error) {
	e.log.Debugf("queueing jobs")

	var n int
	for {
		job, err := e.iter.Next()
		if err != nil {
			if err == io.EOF {
				e.log.With(log.Fields{"jobs": n}).Debugf("jobs queued")
				return n, nil
			}

			return n, err
		}

		qj, err := queue.NewJob()
		if err != nil {
			return n, err
		}

		if err := qj.Encode(job); err != nil {
			return n, err
		}

		if err := e.queue.Publish(qj); err != nil {
			return n, err
		}

		n++
	}
}

func (e *Executor) consume() {
	iter, err := e.queue.Consume(e.workers)
	if err != nil {
		e.log.Errorf(err, "error consuming jobs")
		return
	}

	e.m.Lock()
	e.qiter = iter
	e.m.Unlock()

	for {
		qj, err := iter.Next()
		if queue.ErrEmptyJob.Is(err) {
			e.log.Errorf(err, "empty job in queue")
			continue
		}

		if queue.ErrAlreadyClosed.Is(err) || (err == nil && qj == nil) {
			return
		}

		if err != nil {
			e.log.Errorf(err, "error consuming jobs")
			return
		}

		var job Job
		if err := qj.Decode(&job); err != nil {
			e.log.Errorf(err, "error decoding job")
			if err := qj.Reject(false); err != nil {
				e.log.Errorf(err, "error rejecting job")
			}

			e.jobAccounted()
			continue
		}

		if e.stopping() {
			// Sequential abort or draining: the job never runs.
			if err := qj.Reject(false); err != nil {
				e.log.Errorf(err, "error rejecting job")
			}

			e.jobAccounted()
			continue
		}

		e.markInflight()
		e.pool.Do(&WorkerJob{&job, &jobTracker{exec: e, job: &job, inner: qj}})
	}
}

// work wraps the processing function with status transitions and
// notifications.
func (e *Executor) work(process ProcessFunc) func(log.Logger, *Job) error {
	return func(logger log.Logger, j *Job) error {
		// A job may reach a worker after draining already began.
		if err := e.ctx.Err(); err != nil {
			j.Status = JobFailed
			e.notifyStop(j, err)
			return err
		}

		j.Status = JobRunning
		j.StartedAt = time.Now()
		e.notifyStart(j)

		err := process(e.ctx, logger.With(log.Fields{"job": j.ID.String(), "repository": j.Path}), j)
		if err != nil {
			j.Status = JobFailed
			e.m.Lock()
			if e.firstErr == nil {
				e.firstErr = err
			}
			e.m.Unlock()
		} else {
			j.Status = JobSucceeded
		}

		e.notifyStop(j, err)
		return err
	}
}

func (e *Executor) stopping() bool {
	e.m.Lock()
	defer e.m.Unlock()
	return e.stopped
}

func (e *Executor) markInflight() {
	e.m.Lock()
	e.inflight++
	e.m.Unlock()
}

// jobAccounted records a job that reached a terminal state without
// running (rejected while stopping, or undecodable).
func (e *Executor) jobAccounted() {
	e.m.Lock()
	e.processed++
	done := e.processed == e.published
	e.m.Unlock()

	if done {
		e.finish()
	}
}

func (e *Executor) jobDone(j *Job, failed bool) {
	e.m.Lock()
	e.processed++
	e.inflight--
	if failed {
		e.failed++
		if e.workers == 1 {
			e.stopped = true
		}

		metrics.JobFailed()
	} else {
		metrics.JobProcessed()
	}

	done := e.processed == e.published
	e.m.Unlock()

	if done {
		e.finish()
	}
}

func (e *Executor) finish() {
	e.closeQueueIter()
	close(e.done)
}

func (e *Executor) closeQueueIter() {
	e.closeOnce.Do(func() {
		e.m.Lock()
		iter := e.qiter
		e.m.Unlock()

		if iter != nil {
			if err := iter.Close(); err != nil {
				e.log.Errorf(err, "error closing queue iterator")
			}
		}
	})
}

func (e *Executor) notifyStart(j *Job) {
	if e.Notifiers.Start == nil {
		return
	}

	e.Notifiers.Start(j)
}

func (e *Executor) notifyStop(j *Job, err error) {
	if e.Notifiers.Stop == nil {
		return
	}

	e.Notifiers.Stop(j, err)
}

// jobTracker forwards acknowledgements to the queue and keeps the
// executor's accounting up to date. The worker acks on success and
// rejects on failure.
type jobTracker struct {
	exec  *Executor
	job   *Job
	inner queue.Acknowledger
}

func (t *jobTracker) Ack() error {
	err := t.inner.Ack()
	t.exec.jobDone(t.job, false)
	return err
}

func (t *jobTracker) Reject(requeue bool) error {
	err := t.inner.Reject(false)
	t.exec.jobDone(t.job, true)
	return err
}
