package loom

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	log "gopkg.in/src-d/go-log.v1"
	queue "gopkg.in/src-d/go-queue.v1"
	_ "gopkg.in/src-d/go-queue.v1/memory"
)

// sliceJobIter yields one job per path. It stands in for the line-based
// iterator used by the batch command.
type sliceJobIter struct {
	paths []string
	pos   int
}

func (i *sliceJobIter) Next() (*Job, error) {
	if i.pos >= len(i.paths) {
		return nil, io.EOF
	}

	j := NewJob(i.paths[i.pos])
	i.pos++
	return j, nil
}

func (i *sliceJobIter) Close() error { return nil }

func TestExecutor(t *testing.T) {
	suite.Run(t, new(ExecutorSuite))
}

type ExecutorSuite struct {
	suite.Suite
}

func (s *ExecutorSuite) newQueue() queue.Queue {
	broker, err := queue.NewBroker("memory://")
	s.Require().NoError(err)

	q, err := broker.Queue(fmt.Sprintf("test-%d", time.Now().UnixNano()))
	s.Require().NoError(err)
	return q
}

func paths(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("/repos/r%d", i)
	}

	return out
}

func (s *ExecutorSuite) TestExecuteAll() {
	require := s.Require()

	var mu sync.Mutex
	var seen []string
	process := func(ctx context.Context, logger log.Logger, j *Job) error {
		mu.Lock()
		seen = append(seen, j.Path)
		mu.Unlock()
		return nil
	}

	e := NewExecutor(s.newQueue(), &sliceJobIter{paths: paths(5)}, 2, process)
	require.NoError(e.Execute(context.Background()))

	require.Len(seen, 5)
	require.ElementsMatch(paths(5), seen)
}

func (s *ExecutorSuite) TestExecuteEmpty() {
	process := func(context.Context, log.Logger, *Job) error {
		s.FailNow("process called with no jobs")
		return nil
	}

	e := NewExecutor(s.newQueue(), &sliceJobIter{}, 2, process)
	s.Require().NoError(e.Execute(context.Background()))
}

func (s *ExecutorSuite) TestConcurrencyBound() {
	require := s.Require()

	var mu sync.Mutex
	var current, max int
	process := func(ctx context.Context, logger log.Logger, j *Job) error {
		mu.Lock()
		current++
		if current > max {
			max = current
		}
		mu.Unlock()

		time.Sleep(10 * time.Millisecond)

		mu.Lock()
		current--
		mu.Unlock()
		return nil
	}

	e := NewExecutor(s.newQueue(), &sliceJobIter{paths: paths(8)}, 2, process)
	require.NoError(e.Execute(context.Background()))
	require.True(max <= 2, "observed %d concurrent jobs with 2 workers", max)
}

func (s *ExecutorSuite) TestAggregateFailures() {
	require := s.Require()

	var mu sync.Mutex
	var calls int
	process := func(ctx context.Context, logger log.Logger, j *Job) error {
		mu.Lock()
		calls++
		mu.Unlock()

		if j.Path == "/repos/r1" || j.Path == "/repos/r3" {
			return fmt.Errorf("graft failed for %s", j.Path)
		}

		return nil
	}

	e := NewExecutor(s.newQueue(), &sliceJobIter{paths: paths(5)}, 2, process)
	err := e.Execute(context.Background())
	require.Error(err)
	require.True(ErrJobsFailed.Is(err))
	require.Contains(err.Error(), "2 of 5")

	// Failures are isolated with more than one worker.
	require.Equal(5, calls)
}

func (s *ExecutorSuite) TestSequentialAbort() {
	require := s.Require()

	boom := fmt.Errorf("graft failed")
	var mu sync.Mutex
	var calls int
	process := func(ctx context.Context, logger log.Logger, j *Job) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return boom
	}

	e := NewExecutor(s.newQueue(), &sliceJobIter{paths: paths(3)}, 1, process)
	err := e.Execute(context.Background())

	// A single worker surfaces the first failure and aborts the rest.
	require.Equal(boom, err)
	require.Equal(1, calls)
}

func (s *ExecutorSuite) TestNotifiers() {
	require := s.Require()

	process := func(ctx context.Context, logger log.Logger, j *Job) error {
		if j.Path == "/repos/r1" {
			return fmt.Errorf("graft failed")
		}

		return nil
	}

	var mu sync.Mutex
	var started int
	statuses := make(map[string]JobStatus)

	e := NewExecutor(s.newQueue(), &sliceJobIter{paths: paths(2)}, 2, process)
	e.Notifiers.Start = func(j *Job) {
		mu.Lock()
		started++
		mu.Unlock()
	}
	e.Notifiers.Stop = func(j *Job, err error) {
		mu.Lock()
		statuses[j.Path] = j.Status
		mu.Unlock()
	}

	err := e.Execute(context.Background())
	require.True(ErrJobsFailed.Is(err))

	require.Equal(2, started)
	require.Equal(JobSucceeded, statuses["/repos/r0"])
	require.Equal(JobFailed, statuses["/repos/r1"])
}

func (s *ExecutorSuite) TestInterrupt() {
	require := s.Require()

	running := make(chan struct{})
	process := func(ctx context.Context, logger log.Logger, j *Job) error {
		close(running)
		<-ctx.Done()
		return ctx.Err()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := NewExecutor(s.newQueue(), &sliceJobIter{paths: paths(3)}, 1, process)
	e.Grace = time.Second

	go func() {
		<-running
		cancel()
	}()

	start := time.Now()
	err := e.Execute(ctx)
	require.Error(err)
	require.True(ErrInterrupted.Is(err))

	// The in-flight job honored cancellation, so draining must not eat
	// the whole grace period.
	require.True(time.Since(start) < e.Grace,
		"draining took longer than the grace period")
}
