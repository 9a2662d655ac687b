package loom

import (
	"context"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"
	"gopkg.in/src-d/go-billy.v4"
	"gopkg.in/src-d/go-billy.v4/osfs"
	"gopkg.in/src-d/go-billy.v4/util"
	"gopkg.in/src-d/go-errors.v1"
	"gopkg.in/src-d/go-git.v4"
	log "gopkg.in/src-d/go-log.v1"

	"github.com/lorekit/loom/metrics"
	"github.com/lorekit/loom/storage"
)

var (
	// ErrCleanCloneDir is a warning raised when removing a local clone
	// directory fails after an epoch was added.
	ErrCleanCloneDir = errors.NewKind("cleaning up clone dir of epoch %d failed")

	// ErrLocalOnlyStale is the caveat raised for local-only epochs,
	// which are allowed to diverge from upstream indefinitely.
	ErrLocalOnlyStale = errors.NewKind("epoch %d is local-only and may be stale relative to upstream")
)

// Decision is the operator's answer to a failed epoch clone.
type Decision int

const (
	// Retry attempts the clone again.
	Retry Decision = iota
	// Skip leaves the epoch out of the remote set. A skipped epoch
	// creates a gap that contiguity validation will later reject.
	Skip
	// Abort stops the entire run.
	Abort
)

// DecisionFunc decides how to proceed after a clone failure. The same
// manager logic runs unattended or interactively by swapping this
// function.
type DecisionFunc func(e Epoch, attempt int, err error) Decision

// SkipOnFailure is the non-interactive default decision: skip the epoch.
func SkipOnFailure(Epoch, int, error) Decision {
	return Skip
}

// Manager mirrors epoch sources into a target repository as remotes named
// after the epoch. Per-epoch configuration overrides how each epoch's
// remote URL and local clone are handled.
type Manager struct {
	Notifiers struct {
		// Start function, if set, is called whenever an epoch starts
		// being added.
		Start func(Epoch)
		// Stop function, if set, is called whenever an epoch finishes.
		// If there was an error, it is passed as second parameter,
		// otherwise, it is nil.
		Stop func(Epoch, error)
		// Warn function, if set, is called whenever there is a warning
		// while adding an epoch.
		Warn func(Epoch, error)
	}

	// KeepClones retains local clone directories that would otherwise
	// be deleted once their epoch has been fetched.
	KeepClones bool

	// Decide resolves clone failures. Defaults to SkipOnFailure.
	Decide DecisionFunc

	repo      *git.Repository
	config    storage.Store
	clonesDir string
	clonesFs  billy.Filesystem
	log       log.Logger

	// cfgMu serializes read-modify-write cycles on the repository
	// config, which concurrent AddAll workers share.
	cfgMu sync.Mutex
}

// NewManager creates a Manager that registers epochs in repo, reads
// overrides from config and keeps local clones under clonesDir.
func NewManager(repo *git.Repository, config storage.Store, clonesDir string) *Manager {
	return &Manager{
		Decide:    SkipOnFailure,
		repo:      repo,
		config:    config,
		clonesDir: clonesDir,
		clonesFs:  osfs.New(clonesDir),
		log:       log.New(log.Fields{"clones": clonesDir}),
	}
}

// Add clones, registers and fetches a single epoch according to its
// configured mode. Re-running is idempotent: an epoch whose remote
// already points at its final URL is not cloned or fetched again.
func (m *Manager) Add(ctx context.Context, e Epoch) error {
	m.notifyStart(e)
	err := m.add(ctx, e)
	m.notifyStop(e, err)
	return err
}

// AddAll adds every epoch of the set in order. Skipped epochs do not stop
// the run; any other failure aborts it. With jobs > 1 epochs are added
// concurrently, which requires a non-interactive decision source.
func (m *Manager) AddAll(ctx context.Context, set EpochSet, jobs int) error {
	if jobs <= 1 {
		for _, e := range set {
			err := m.Add(ctx, e)
			if ErrEpochSkipped.Is(err) {
				continue
			}

			if err != nil {
				return err
			}
		}

		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(jobs)
	for _, e := range set {
		e := e
		g.Go(func() error {
			err := m.Add(gctx, e)
			if ErrEpochSkipped.Is(err) {
				return nil
			}

			return err
		})
	}

	return g.Wait()
}

func (m *Manager) add(ctx context.Context, e Epoch) error {
	mode, err := m.config.Mode(e.Index)
	if err != nil {
		return err
	}

	source := e.URL
	if mode.Kind == storage.Mirror {
		source = mode.MirrorURL
	}

	cloneDir := e.RemoteName() + ".git"
	clonePath := filepath.Join(m.clonesDir, cloneDir)

	// Where the remote must point once the epoch has been fetched.
	finalURL := e.URL
	switch mode.Kind {
	case storage.Mirror:
		finalURL = mode.MirrorURL
	case storage.LocalOnly:
		finalURL = clonePath
	}

	if url, ok := m.lockedRemoteURL(e.RemoteName()); ok && url == finalURL {
		if mode.Kind != storage.LocalOnly || m.cloneExists(cloneDir) {
			m.log.With(log.Fields{"epoch": e.Index}).
				Debugf("epoch already configured, nothing to do")
			metrics.CloneReused()
			if mode.Kind == storage.LocalOnly {
				m.notifyWarn(e, ErrLocalOnlyStale.New(e.Index))
			}

			return nil
		}
	}

	if !m.cloneExists(cloneDir) {
		if err := m.clone(ctx, e, source, clonePath, cloneDir); err != nil {
			return err
		}
	}

	if err := m.lockedSetRemoteURL(e.RemoteName(), clonePath); err != nil {
		return err
	}

	err = m.repo.FetchContext(ctx, &git.FetchOptions{RemoteName: e.RemoteName()})
	if err != nil && err != git.NoErrAlreadyUpToDate {
		return err
	}

	if mode.Kind == storage.LocalOnly {
		m.notifyWarn(e, ErrLocalOnlyStale.New(e.Index))
	} else {
		if err := m.lockedSetRemoteURL(e.RemoteName(), finalURL); err != nil {
			return err
		}

		if !m.KeepClones {
			m.cleanCloneDir(e, cloneDir)
		}
	}

	metrics.EpochAdded()
	return nil
}

func (m *Manager) clone(ctx context.Context, e Epoch, source, clonePath, cloneDir string) error {
	logger := m.log.With(log.Fields{"epoch": e.Index, "url": source})
	for attempt := 1; ; attempt++ {
		logger.Infof("cloning epoch")
		_, err := git.PlainCloneContext(ctx, clonePath, true, &git.CloneOptions{
			URL: source,
		})
		if err == nil || err == git.ErrRepositoryAlreadyExists {
			return nil
		}

		// Drop whatever the failed clone left behind before deciding.
		if rerr := util.RemoveAll(m.clonesFs, cloneDir); rerr != nil {
			m.notifyWarn(e, ErrCleanCloneDir.Wrap(rerr, e.Index))
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch m.decide(e, attempt, err) {
		case Retry:
			logger.With(log.Fields{"attempt": attempt}).
				Warningf("retrying failed clone")
		case Abort:
			return ErrCloneFailed.Wrap(err, e.Index)
		default:
			m.notifyWarn(e, ErrEpochSkipped.Wrap(err, e.Index))
			metrics.EpochSkipped()
			return ErrEpochSkipped.Wrap(err, e.Index)
		}
	}
}

func (m *Manager) lockedRemoteURL(name string) (string, bool) {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return remoteURL(m.repo, name)
}

func (m *Manager) lockedSetRemoteURL(name, url string) error {
	m.cfgMu.Lock()
	defer m.cfgMu.Unlock()
	return setRemoteURL(m.repo, name, url)
}

func (m *Manager) decide(e Epoch, attempt int, err error) Decision {
	if m.Decide == nil {
		return Skip
	}

	return m.Decide(e, attempt, err)
}

func (m *Manager) cloneExists(cloneDir string) bool {
	_, err := m.clonesFs.Stat(cloneDir)
	return err == nil
}

func (m *Manager) cleanCloneDir(e Epoch, cloneDir string) {
	if err := util.RemoveAll(m.clonesFs, cloneDir); err != nil {
		m.notifyWarn(e, ErrCleanCloneDir.Wrap(err, e.Index))
	}
}

func (m *Manager) notifyStart(e Epoch) {
	if m.Notifiers.Start == nil {
		return
	}

	m.Notifiers.Start(e)
}

func (m *Manager) notifyStop(e Epoch, err error) {
	if m.Notifiers.Stop == nil {
		return
	}

	m.Notifiers.Stop(e, err)
}

func (m *Manager) notifyWarn(e Epoch, err error) {
	if m.Notifiers.Warn == nil {
		return
	}

	m.Notifiers.Warn(e, err)
}
