package loom

import (
	log "gopkg.in/src-d/go-log.v1"
)

// Worker is a worker that processes jobs from a channel.
type Worker struct {
	log        log.Logger
	do         func(log.Logger, *Job) error
	jobChannel chan *WorkerJob
	quit       chan struct{}
	running    bool
}

// NewWorker creates a new Worker. The first parameter is a logger scoped
// to the worker. The second parameter is the processing function that
// will be called for every job. The third parameter is a channel that the
// worker will consume jobs from.
func NewWorker(log log.Logger, do func(log.Logger, *Job) error, ch chan *WorkerJob) *Worker {
	return &Worker{
		log:        log,
		do:         do,
		jobChannel: ch,
		quit:       make(chan struct{}),
	}
}

// Start processes jobs from the input channel until it is stopped. Start
// blocks until the worker is stopped or the channel is closed.
func (w *Worker) Start() {
	w.running = true
	defer func() { w.running = false }()

	w.log.Debugf("starting")
	for {
		select {
		case job, ok := <-w.jobChannel:
			if !ok {
				return
			}

			if err := w.do(w.log, job.Job); err != nil {
				if err := job.Reject(false); err != nil {
					w.log.Errorf(err, "error rejecting job")
				}

				w.log.Errorf(err, "error on job")
				continue
			}

			if err := job.Ack(); err != nil {
				w.log.Errorf(err, "error acking job")
			}
		case <-w.quit:
			return
		}
	}
}

// Stop stops the worker. It blocks until it is actually stopped. If it is
// currently processing a job, it will finish before stopping.
func (w *Worker) Stop() {
	w.quit <- struct{}{}
}

// IsRunning returns true if the worker is running.
func (w *Worker) IsRunning() bool {
	return w.running
}
