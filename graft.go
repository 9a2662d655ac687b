package loom

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	log "gopkg.in/src-d/go-log.v1"

	"github.com/lorekit/loom/metrics"
	"github.com/lorekit/loom/storage"
)

const (
	// DefaultCombinedBranch is the branch holding the stitched history.
	DefaultCombinedBranch = "combined"

	// DefaultEpochBranch is the branch epoch sources publish their
	// history on.
	DefaultEpochBranch = "master"

	// DefaultFetchJobs bounds the parallel fetches of the sync step.
	DefaultFetchJobs = 4
)

// Mapping is a planned graft: the root commit of an epoch and the tip of
// the previous epoch that becomes its parent.
type Mapping struct {
	Epoch  int
	Root   plumbing.Hash
	Parent plumbing.Hash
}

func (m Mapping) String() string {
	return fmt.Sprintf("e%d %s -> %s", m.Epoch, m.Root, m.Parent)
}

// GraftResult reports what a graft run did, or would do under dry run.
type GraftResult struct {
	// Epochs is the number of epochs stitched together.
	Epochs int
	// Mappings are the grafts, in increasing epoch order.
	Mappings []Mapping
	// Tip is the commit the combined branch points at. Zero under dry
	// run.
	Tip plumbing.Hash
	// Commits is the total number of commits in the combined history.
	// Zero under dry run.
	Commits int
	// Caveats are operator-facing notes about epochs with non-default
	// configuration.
	Caveats []string
	// Warnings are non-fatal issues found by the verification step.
	Warnings []string
}

// Grafter stitches the epoch remotes of one repository into a single
// permanent history. A run is strictly sequential within the repository:
// the tip of epoch i-1 must exist before the root of epoch i can be
// mapped. Only the sync step fetches in parallel.
//
// Two concurrent runs against the same repository are not supported; the
// combined branch guard rejects the second run at startup.
type Grafter struct {
	// Branch is the name of the combined branch. Defaults to
	// DefaultCombinedBranch.
	Branch string

	// EpochBranch is the branch fetched from every epoch remote.
	// Defaults to DefaultEpochBranch.
	EpochBranch string

	// Overwrite discards an existing combined branch instead of
	// failing.
	Overwrite bool

	// DryRun computes and reports the planned grafts without mutating
	// the repository. The sync step is skipped, so it operates on
	// already-fetched remotes.
	DryRun bool

	// FetchJobs bounds the parallel fetches of the sync step. Defaults
	// to DefaultFetchJobs.
	FetchJobs int

	// Config, if set, is used to surface caveats about epochs with
	// overridden configuration. The grafter never writes to it.
	Config storage.Store

	repo *git.Repository
	log  log.Logger
}

// NewGrafter creates a Grafter for the given repository.
func NewGrafter(repo *git.Repository) *Grafter {
	return &Grafter{
		Branch:      DefaultCombinedBranch,
		EpochBranch: DefaultEpochBranch,
		FetchJobs:   DefaultFetchJobs,
		repo:        repo,
		log:         log.New(nil),
	}
}

// Run executes a full graft: discover epoch remotes, validate
// contiguity, sync, stage one mapping per epoch boundary and rewrite the
// history permanently onto the combined branch.
func (g *Grafter) Run(ctx context.Context) (*GraftResult, error) {
	start := time.Now()

	set, err := EpochRemotes(g.repo)
	if err != nil {
		return nil, err
	}

	if len(set) == 0 {
		return nil, ErrNoEpochRemotes.New()
	}

	if missing, ok := set.FirstMissing(); !ok {
		return nil, ErrNonContiguousEpochs.New(missing)
	}

	if branchExists(g.repo, g.Branch) && !g.Overwrite && !g.DryRun {
		return nil, ErrCombinedBranchExists.New(g.Branch)
	}

	if !g.DryRun {
		// Drop leftovers of an aborted run before staging anything.
		if err := clearMappings(g.repo); err != nil {
			return nil, err
		}

		if err := deleteBranch(g.repo, g.Branch); err != nil {
			return nil, err
		}

		if err := g.sync(ctx, set); err != nil {
			return nil, err
		}
	}

	mappings, tip, err := g.stage(set)
	if err != nil {
		return nil, err
	}

	result := &GraftResult{
		Epochs:   len(set),
		Mappings: mappings,
		Caveats:  g.caveats(set),
	}

	if g.DryRun {
		return result, nil
	}

	// The branch is first a lightweight pointer at the last epoch's
	// tip; the rewrite below replaces it with self-contained history.
	if err := createBranch(g.repo, g.Branch, tip); err != nil {
		return nil, err
	}

	newTip, commits, err := g.rewrite(tip)
	if err != nil {
		return nil, ErrRewriteFailed.Wrap(err, g.Branch)
	}

	result.Tip = newTip
	result.Commits = commits

	left, err := listMappings(g.repo)
	if err != nil {
		return nil, err
	}

	for orig := range left {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("transient mapping for %s was not cleared", orig))
	}

	metrics.RepoGrafted(time.Since(start))
	return result, nil
}

// sync fetches all epoch remotes in parallel, bounded by FetchJobs.
func (g *Grafter) sync(ctx context.Context, set EpochSet) error {
	jobs := g.FetchJobs
	if jobs <= 0 {
		jobs = DefaultFetchJobs
	}

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(jobs)
	for _, e := range set {
		e := e
		eg.Go(func() error {
			g.log.With(log.Fields{"remote": e.RemoteName()}).Debugf("fetching")
			err := g.repo.FetchContext(gctx, &git.FetchOptions{
				RemoteName: e.RemoteName(),
			})
			if err == git.NoErrAlreadyUpToDate {
				return nil
			}

			return err
		})
	}

	return eg.Wait()
}

// stage walks the epochs in order, validating each root and staging one
// mapping per epoch boundary. It returns the planned mappings and the
// tip of the last epoch.
func (g *Grafter) stage(set EpochSet) ([]Mapping, plumbing.Hash, error) {
	prev, err := g.epochTip(set[0])
	if err != nil {
		return nil, plumbing.ZeroHash, err
	}

	var mappings []Mapping
	for _, e := range set[1:] {
		tip, err := g.epochTip(e)
		if err != nil {
			return nil, plumbing.ZeroHash, err
		}

		roots, err := rootCommits(g.repo, tip)
		if err != nil {
			return nil, plumbing.ZeroHash, err
		}

		if len(roots) != 1 {
			return nil, plumbing.ZeroHash, ErrNoUniqueRoot.New(e.Index, len(roots))
		}

		m := Mapping{Epoch: e.Index, Root: roots[0], Parent: prev}
		if !g.DryRun {
			if _, err := createMapping(g.repo, m.Root, m.Parent); err != nil {
				return nil, plumbing.ZeroHash, err
			}
		}

		mappings = append(mappings, m)
		prev = tip
	}

	return mappings, prev, nil
}

func (g *Grafter) epochTip(e Epoch) (plumbing.Hash, error) {
	branch := g.EpochBranch
	if branch == "" {
		branch = DefaultEpochBranch
	}

	name := plumbing.NewRemoteReferenceName(e.RemoteName(), branch)
	return branchTip(g.repo, name)
}

func (g *Grafter) caveats(set EpochSet) []string {
	if g.Config == nil {
		return nil
	}

	modes, err := g.Config.Modes()
	if err != nil {
		g.log.Errorf(err, "cannot read epoch configuration")
		return nil
	}

	var caveats []string
	for _, e := range set {
		m, ok := modes[e.Index]
		if !ok {
			continue
		}

		switch m.Kind {
		case storage.LocalOnly:
			caveats = append(caveats, ErrLocalOnlyStale.New(e.Index).Error())
		case storage.Mirror:
			caveats = append(caveats,
				fmt.Sprintf("epoch %d is fetched from mirror %s", e.Index, m.MirrorURL))
		}
	}

	return caveats
}
