package loom

import (
	"context"

	"gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	"gopkg.in/src-d/go-git.v4/storage/memory"
	log "gopkg.in/src-d/go-log.v1"

	"github.com/lorekit/loom/metrics"
)

// DefaultEpochCeiling bounds discovery probing when no explicit ceiling
// is configured. Upstream archives are far below this today.
const DefaultEpochCeiling = 128

// Prober checks whether an epoch source exists. Probes are cheap
// reachability checks with no data transfer.
type Prober interface {
	Probe(ctx context.Context, url string) error
}

// NewGitProber returns a Prober that lists the advertised references of
// the remote. An empty repository counts as reachable.
func NewGitProber() Prober {
	return gitProber{}
}

type gitProber struct{}

func (gitProber) Probe(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rem := git.NewRemote(memory.NewStorage(), &config.RemoteConfig{
		Name: "origin",
		URLs: []string{url},
	})

	_, err := rem.List(&git.ListOptions{})
	if err == transport.ErrEmptyRemoteRepository {
		return nil
	}

	return err
}

// Discoverer finds the contiguous run of existing epoch sources of an
// archive. Epoch archives are assigned consecutively by upstream, so
// probing stops at the first miss: a miss means "no more epochs", not a
// hole.
type Discoverer struct {
	Prober Prober
	// Ceiling is the maximum number of epochs probed. Zero means
	// DefaultEpochCeiling.
	Ceiling int
}

// NewDiscoverer creates a Discoverer with the production git prober.
func NewDiscoverer() *Discoverer {
	return &Discoverer{Prober: NewGitProber()}
}

// Discover probes prefix/archive/0, 1, 2... in increasing order and
// returns every epoch strictly before the first one that fails. It fails
// with ErrNoEpochsFound if epoch 0 itself is unreachable.
func (d *Discoverer) Discover(ctx context.Context, prefix, archive string) (EpochSet, error) {
	return d.DiscoverFrom(ctx, prefix, archive, 0)
}

// DiscoverFrom behaves like Discover but starts probing at the given
// index. It is used on re-runs to find epochs published since the last
// run; known-valid epochs below from are not re-probed. An empty result
// with a nil error means no new epochs.
func (d *Discoverer) DiscoverFrom(ctx context.Context, prefix, archive string, from int) (EpochSet, error) {
	ceiling := d.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultEpochCeiling
	}

	logger := log.New(log.Fields{"archive": archive})

	var set EpochSet
	for n := from; n < ceiling; n++ {
		url := EpochURL(prefix, archive, n)
		if err := d.Prober.Probe(ctx, url); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

			if n == 0 {
				return nil, ErrNoEpochsFound.Wrap(err, archive)
			}

			logger.With(log.Fields{"epoch": n}).
				Debugf("probe failed, assuming end of archive")
			break
		}

		logger.With(log.Fields{"epoch": n, "url": url}).Debugf("epoch found")
		metrics.EpochDiscovered()
		set = append(set, Epoch{Index: n, URL: url})
	}

	return set, nil
}
