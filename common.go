package loom

import (
	"io"

	"gopkg.in/src-d/go-errors.v1"
)

var (
	// ErrNoEpochsFound is returned by discovery when epoch 0 of an
	// archive cannot be reached.
	ErrNoEpochsFound = errors.NewKind("no epochs found for archive %s")

	// ErrNoEpochRemotes is returned by the grafter when the repository
	// has no epoch remotes at all.
	ErrNoEpochRemotes = errors.NewKind("no epoch remotes in repository")

	// ErrNonContiguousEpochs is returned when the epoch remotes do not
	// form a contiguous run starting at 0. The argument is the first
	// missing index.
	ErrNonContiguousEpochs = errors.NewKind("non-contiguous epochs: epoch %d is missing")

	// ErrCombinedBranchExists is returned when the combined branch is
	// already present and overwrite was not requested.
	ErrCombinedBranchExists = errors.NewKind("branch %s already exists")

	// ErrNoUniqueRoot is returned when an epoch branch does not have
	// exactly one parentless commit.
	ErrNoUniqueRoot = errors.NewKind("epoch %d: expected a single root commit, found %d")

	// ErrRewriteFailed wraps a failure of the permanent history rewrite.
	// It is fatal and never retried; the combined branch may be left
	// inconsistent and requires manual inspection.
	ErrRewriteFailed = errors.NewKind("permanent rewrite of %s failed")

	// ErrCloneFailed wraps a clone failure after the operator (or the
	// non-interactive default) decided to abort the run.
	ErrCloneFailed = errors.NewKind("cloning epoch %d failed")

	// ErrEpochSkipped marks an epoch left out of the remote set after a
	// clone failure. A skipped epoch creates a gap that the grafter will
	// refuse to bridge.
	ErrEpochSkipped = errors.NewKind("epoch %d skipped")

	// ErrInterrupted is returned by the executor when a batch run was
	// stopped by an external interrupt instead of running to completion.
	ErrInterrupted = errors.NewKind("batch interrupted: %d jobs pending, %d in flight")

	// ErrJobsFailed is returned by the executor when one or more jobs
	// failed in a run that was not interrupted.
	ErrJobsFailed = errors.NewKind("%d of %d jobs failed")
)

// JobIter is an iterator of Job.
type JobIter interface {
	io.Closer
	// Next returns the next job. It returns io.EOF if there are no more
	// jobs.
	Next() (*Job, error)
}
