package loom

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/satori/go.uuid"
)

// Epoch is one numbered source repository segment of a larger logical
// archive.
type Epoch struct {
	// Index is the position of the epoch in the archive, starting at 0.
	Index int
	// URL is the canonical upstream location of the epoch.
	URL string
}

// RemoteName returns the name of the local remote that mirrors the epoch.
func (e Epoch) RemoteName() string {
	return fmt.Sprintf("e%d", e.Index)
}

var epochRemoteRe = regexp.MustCompile(`^e(\d+)$`)

// EpochIndex extracts the epoch index from a remote name. The second
// return value is false if the name does not follow the epoch naming
// pattern.
func EpochIndex(remote string) (int, bool) {
	m := epochRemoteRe.FindStringSubmatch(remote)
	if m == nil {
		return 0, false
	}

	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}

	return n, true
}

// EpochURL builds the source URL of epoch n of an archive under the given
// URL prefix.
func EpochURL(prefix, archive string, n int) string {
	return fmt.Sprintf("%s/%s/%d",
		strings.TrimSuffix(prefix, "/"), archive, n)
}

// EpochSet is an ordered sequence of epochs belonging to one archive.
// Discovery creates it and re-runs may append to it; epochs are never
// removed.
type EpochSet []Epoch

// Indices returns the epoch indices in order.
func (s EpochSet) Indices() []int {
	idx := make([]int, len(s))
	for i, e := range s {
		idx[i] = e.Index
	}

	return idx
}

// FirstMissing checks that the indices in the set are exactly {0..k}. It
// returns the first expected-but-missing index and false if there is a
// gap, or 0 and true if the set is contiguous.
func (s EpochSet) FirstMissing() (int, bool) {
	for i, e := range s {
		if e.Index != i {
			return i, false
		}
	}

	return 0, true
}

// JobStatus is the lifecycle state of a scheduler job.
type JobStatus string

const (
	// JobPending means the job is queued and not yet picked by a worker.
	JobPending JobStatus = "pending"
	// JobRunning means a worker is processing the job.
	JobRunning JobStatus = "running"
	// JobSucceeded means the job finished without error.
	JobSucceeded JobStatus = "succeeded"
	// JobFailed means the job finished with an error or was terminated
	// during draining.
	JobFailed JobStatus = "failed"
)

// Job is a unit of work for the batch scheduler: one repository to fetch
// and graft. Jobs are owned by the executor and live for a single run.
type Job struct {
	ID        uuid.UUID
	Path      string
	Status    JobStatus
	StartedAt time.Time
}

// NewJob creates a pending job for the repository at path.
func NewJob(path string) *Job {
	return &Job{
		ID:     uuid.Must(uuid.NewV4()),
		Path:   path,
		Status: JobPending,
	}
}
