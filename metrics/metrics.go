package metrics

import (
	"expvar"
	"net/http"
	"sync"
	"time"
)

// Start will start the server at the given address and will expose the
// metric variables.
func Start(addr string) error {
	return http.ListenAndServe(addr, nil)
}

var (
	epochsDiscovered = expvar.NewInt("epochs_discovered")
	epochsAdded      = expvar.NewInt("epochs_added")
	epochsSkipped    = expvar.NewInt("epochs_skipped")
	clonesReused     = expvar.NewInt("clones_reused")

	reposGraftedMu      sync.Mutex
	reposGrafted        = expvar.NewInt("repos_grafted")
	reposGraftedAvgTime = expvar.NewFloat("repos_grafted_avgtime")

	jobsProcessed = expvar.NewInt("jobs_processed")
	jobsFailed    = expvar.NewInt("jobs_failed")
	jobsForced    = expvar.NewInt("jobs_forced")
)

// EpochDiscovered increments the counter of epoch sources found by
// discovery.
func EpochDiscovered() {
	epochsDiscovered.Add(1)
}

// EpochAdded increments the counter of epochs cloned and registered as
// remotes.
func EpochAdded() {
	epochsAdded.Add(1)
}

// EpochSkipped increments the counter of epochs left out after a clone
// failure.
func EpochSkipped() {
	epochsSkipped.Add(1)
}

// CloneReused increments the counter of epochs whose clone or remote
// configuration was already up to date and required no network transfer.
func CloneReused() {
	clonesReused.Add(1)
}

// RepoGrafted increments the counter of grafted repositories and updates
// the average time a graft run takes.
func RepoGrafted(elapsed time.Duration) {
	reposGraftedMu.Lock()
	defer reposGraftedMu.Unlock()
	reposGrafted.Add(1)
	grafted := float64(reposGrafted.Value())
	// (t[n] + t[0..n-1] * (n - 1)) / n
	t := (float64(elapsed) + reposGraftedAvgTime.Value()*(grafted-1)) / grafted
	reposGraftedAvgTime.Set(t)
}

// JobProcessed increments the counter of finished scheduler jobs.
func JobProcessed() {
	jobsProcessed.Add(1)
}

// JobFailed increments the counter of failed scheduler jobs.
func JobFailed() {
	jobsFailed.Add(1)
}

// JobForced increments the counter of jobs terminated while draining
// after an interrupt.
func JobForced() {
	jobsForced.Add(1)
}
