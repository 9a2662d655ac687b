package loom

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/suite"
	"gopkg.in/src-d/go-billy.v4/osfs"
	"gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/client"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/file"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/server"

	"github.com/lorekit/loom/storage"
)

func TestManager(t *testing.T) {
	suite.Run(t, new(ManagerSuite))
}

type ManagerSuite struct {
	suite.Suite
	tmp       string
	target    *git.Repository
	clonesDir string
	store     *storage.LocalStore
}

func (s *ManagerSuite) SetupSuite() {
	// Serve local paths in-process so tests need no git binary.
	client.InstallProtocol("file",
		server.NewClient(server.NewFilesystemLoader(osfs.New("/"))))
}

func (s *ManagerSuite) TearDownSuite() {
	client.InstallProtocol("file", file.DefaultClient)
}

func (s *ManagerSuite) SetupTest() {
	var err error
	s.tmp, err = ioutil.TempDir("", "loom-manager")
	s.Require().NoError(err)

	s.target, err = git.PlainInit(filepath.Join(s.tmp, "target.git"), true)
	s.Require().NoError(err)

	s.clonesDir = filepath.Join(s.tmp, "clones")
	s.store = storage.Local()
}

func (s *ManagerSuite) TearDownTest() {
	s.Require().NoError(os.RemoveAll(s.tmp))
}

// newSource creates a bare repository on disk with a linear history and
// returns its path and tip.
func (s *ManagerSuite) newSource(name string, msgs ...string) (string, plumbing.Hash) {
	path := filepath.Join(s.tmp, name)
	r, err := git.PlainInit(path, true)
	s.Require().NoError(err)

	tip := buildLinearHistory(s.T(), r, "master", msgs...)
	return path, tip
}

func (s *ManagerSuite) newManager() *Manager {
	return NewManager(s.target, s.store, s.clonesDir)
}

func (s *ManagerSuite) remoteTip(remote string) plumbing.Hash {
	tip, err := branchTip(s.target,
		plumbing.NewRemoteReferenceName(remote, "master"))
	s.Require().NoError(err)
	return tip
}

func (s *ManagerSuite) cloneDirExists(e Epoch) bool {
	_, err := os.Stat(filepath.Join(s.clonesDir, e.RemoteName()+".git"))
	return err == nil
}

func (s *ManagerSuite) TestAddDefault() {
	require := s.Require()

	src, tip := s.newSource("src0.git", "e0-1", "e0-2")
	e := Epoch{Index: 0, URL: src}

	require.NoError(s.newManager().Add(context.Background(), e))

	url, ok := remoteURL(s.target, "e0")
	require.True(ok)
	require.Equal(src, url)
	require.Equal(tip, s.remoteTip("e0"))

	// Default mode drops the local clone once the epoch is fetched.
	require.False(s.cloneDirExists(e))
}

func (s *ManagerSuite) TestAddKeepClones() {
	require := s.Require()

	src, _ := s.newSource("src0.git", "e0-1")
	e := Epoch{Index: 0, URL: src}

	m := s.newManager()
	m.KeepClones = true
	require.NoError(m.Add(context.Background(), e))

	require.True(s.cloneDirExists(e))
}

func (s *ManagerSuite) TestAddLocalOnly() {
	require := s.Require()

	src, tip := s.newSource("src0.git", "e0-1", "e0-2")
	e := Epoch{Index: 0, URL: src}
	require.NoError(s.store.SetMode(0, storage.Mode{Kind: storage.LocalOnly}))

	var warns []error
	m := s.newManager()
	m.Notifiers.Warn = func(_ Epoch, err error) { warns = append(warns, err) }

	require.NoError(m.Add(context.Background(), e))

	// The remote stays pointed at the local clone and the clone is kept.
	url, ok := remoteURL(s.target, "e0")
	require.True(ok)
	require.Equal(filepath.Join(s.clonesDir, "e0.git"), url)
	require.True(s.cloneDirExists(e))
	require.Equal(tip, s.remoteTip("e0"))

	require.Len(warns, 1)
	require.True(ErrLocalOnlyStale.Is(warns[0]))

	// Once local-only, upstream is never needed again.
	require.NoError(os.RemoveAll(src))
	require.NoError(m.Add(context.Background(), e))
	require.Len(warns, 2)
	require.True(ErrLocalOnlyStale.Is(warns[1]))
}

func (s *ManagerSuite) TestAddMirror() {
	require := s.Require()

	src, _ := s.newSource("src0.git", "e0-1")
	mirror, mirrorTip := s.newSource("mirror0.git", "m0-1", "m0-2")
	require.NoError(s.store.SetMode(0, storage.Mode{
		Kind:      storage.Mirror,
		MirrorURL: mirror,
	}))

	e := Epoch{Index: 0, URL: src}
	require.NoError(s.newManager().Add(context.Background(), e))

	url, ok := remoteURL(s.target, "e0")
	require.True(ok)
	require.Equal(mirror, url)
	require.Equal(mirrorTip, s.remoteTip("e0"))
}

func (s *ManagerSuite) TestAddIdempotent() {
	require := s.Require()

	src, _ := s.newSource("src0.git", "e0-1")
	e := Epoch{Index: 0, URL: src}

	m := s.newManager()
	require.NoError(m.Add(context.Background(), e))

	// A second run must detect the configured remote and do nothing, so
	// it succeeds even with upstream gone.
	require.NoError(os.RemoveAll(src))
	m.Decide = func(Epoch, int, error) Decision {
		s.FailNow("decision source called on an idempotent re-run")
		return Abort
	}
	require.NoError(m.Add(context.Background(), e))
}

func (s *ManagerSuite) TestCloneFailureSkip() {
	require := s.Require()

	e := Epoch{Index: 1, URL: filepath.Join(s.tmp, "missing.git")}

	var warns []error
	m := s.newManager()
	m.Notifiers.Warn = func(_ Epoch, err error) { warns = append(warns, err) }

	err := m.Add(context.Background(), e)
	require.Error(err)
	require.True(ErrEpochSkipped.Is(err))

	_, ok := remoteURL(s.target, "e1")
	require.False(ok)
	require.False(s.cloneDirExists(e))

	require.Len(warns, 1)
	require.True(ErrEpochSkipped.Is(warns[0]))
}

func (s *ManagerSuite) TestCloneFailureAbort() {
	require := s.Require()

	e := Epoch{Index: 0, URL: filepath.Join(s.tmp, "missing.git")}

	m := s.newManager()
	m.Decide = func(Epoch, int, error) Decision { return Abort }

	err := m.Add(context.Background(), e)
	require.Error(err)
	require.True(ErrCloneFailed.Is(err))
}

func (s *ManagerSuite) TestCloneFailureRetry() {
	require := s.Require()

	e := Epoch{Index: 0, URL: filepath.Join(s.tmp, "missing.git")}

	var attempts []int
	m := s.newManager()
	m.Decide = func(_ Epoch, attempt int, err error) Decision {
		require.Error(err)
		attempts = append(attempts, attempt)
		if attempt < 3 {
			return Retry
		}

		return Skip
	}

	err := m.Add(context.Background(), e)
	require.True(ErrEpochSkipped.Is(err))
	require.Equal([]int{1, 2, 3}, attempts)
}

func (s *ManagerSuite) TestAddAllSkipsAndContinues() {
	require := s.Require()

	src0, _ := s.newSource("src0.git", "e0-1")
	src2, _ := s.newSource("src2.git", "e2-1")
	set := EpochSet{
		{Index: 0, URL: src0},
		{Index: 1, URL: filepath.Join(s.tmp, "missing.git")},
		{Index: 2, URL: src2},
	}

	require.NoError(s.newManager().AddAll(context.Background(), set, 1))

	_, ok := remoteURL(s.target, "e0")
	require.True(ok)
	_, ok = remoteURL(s.target, "e1")
	require.False(ok)
	_, ok = remoteURL(s.target, "e2")
	require.True(ok)
}

func (s *ManagerSuite) TestAddAllAbort() {
	require := s.Require()

	src0, _ := s.newSource("src0.git", "e0-1")
	set := EpochSet{
		{Index: 0, URL: src0},
		{Index: 1, URL: filepath.Join(s.tmp, "missing.git")},
	}

	m := s.newManager()
	m.Decide = func(Epoch, int, error) Decision { return Abort }

	err := m.AddAll(context.Background(), set, 1)
	require.Error(err)
	require.True(ErrCloneFailed.Is(err))
}

func (s *ManagerSuite) TestAddAllConcurrent() {
	require := s.Require()

	src0, _ := s.newSource("src0.git", "e0-1")
	src1, _ := s.newSource("src1.git", "e1-1")
	set := EpochSet{
		{Index: 0, URL: src0},
		{Index: 1, URL: src1},
	}

	require.NoError(s.newManager().AddAll(context.Background(), set, 2))

	_, ok := remoteURL(s.target, "e0")
	require.True(ok)
	_, ok = remoteURL(s.target, "e1")
	require.True(ok)
}

func (s *ManagerSuite) TestNotifiers() {
	require := s.Require()

	src, _ := s.newSource("src0.git", "e0-1")
	e := Epoch{Index: 0, URL: src}

	var started, stopped []Epoch
	m := s.newManager()
	m.Notifiers.Start = func(e Epoch) { started = append(started, e) }
	m.Notifiers.Stop = func(e Epoch, err error) {
		require.NoError(err)
		stopped = append(stopped, e)
	}

	require.NoError(m.Add(context.Background(), e))
	require.Equal([]Epoch{e}, started)
	require.Equal([]Epoch{e}, stopped)
}
