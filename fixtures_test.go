package loom

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/filemode"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
	"gopkg.in/src-d/go-git.v4/plumbing/storer"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/client"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/server"
	"gopkg.in/src-d/go-git.v4/storage/memory"
)

var fixtureTime = time.Date(2019, time.March, 4, 10, 0, 0, 0, time.UTC)

var protoCounter int64

// nextProto returns a fresh in-process transport scheme so tests do not
// step on each other's protocol registrations.
func nextProto() string {
	return fmt.Sprintf("inproc%d", atomic.AddInt64(&protoCounter, 1))
}

func fixtureSignature(n int) object.Signature {
	return object.Signature{
		Name:  "archive bot",
		Email: "bot@example.com",
		When:  fixtureTime.Add(time.Duration(n) * time.Minute),
	}
}

func writeBlob(t require.TestingT, s storer.EncodedObjectStorer, content string) plumbing.Hash {
	obj := s.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)

	w, err := obj.Writer()
	require.NoError(t, err)
	_, err = w.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	h, err := s.SetEncodedObject(obj)
	require.NoError(t, err)
	return h
}

func writeTree(t require.TestingT, s storer.EncodedObjectStorer, blob plumbing.Hash) plumbing.Hash {
	tree := &object.Tree{Entries: []object.TreeEntry{{
		Name: "m",
		Mode: filemode.Regular,
		Hash: blob,
	}}}

	obj := s.NewEncodedObject()
	require.NoError(t, tree.Encode(obj))

	h, err := s.SetEncodedObject(obj)
	require.NoError(t, err)
	return h
}

func writeCommit(t require.TestingT, s storer.EncodedObjectStorer, msg string, seq int, parents ...plumbing.Hash) plumbing.Hash {
	blob := writeBlob(t, s, msg)
	tree := writeTree(t, s, blob)

	c := &object.Commit{
		Author:       fixtureSignature(seq),
		Committer:    fixtureSignature(seq),
		Message:      msg,
		TreeHash:     tree,
		ParentHashes: parents,
	}

	obj := s.NewEncodedObject()
	require.NoError(t, c.Encode(obj))

	h, err := s.SetEncodedObject(obj)
	require.NoError(t, err)
	return h
}

// buildLinearHistory creates a chain of commits with the given messages
// and points refs/heads/<branch> at the last one.
func buildLinearHistory(t require.TestingT, r *git.Repository, branch string, msgs ...string) plumbing.Hash {
	var tip plumbing.Hash
	for i, msg := range msgs {
		var parents []plumbing.Hash
		if i > 0 {
			parents = []plumbing.Hash{tip}
		}

		tip = writeCommit(t, r.Storer, msg, i, parents...)
	}

	name := plumbing.NewBranchReferenceName(branch)
	require.NoError(t, r.Storer.SetReference(plumbing.NewHashReference(name, tip)))
	return tip
}

// newEpochRepo creates an in-memory repository with a linear master
// history of n commits labeled e<index>-1..e<index>-n.
func newEpochRepo(t require.TestingT, index, n int) *git.Repository {
	r, err := git.Init(memory.NewStorage(), nil)
	require.NoError(t, err)

	msgs := make([]string, n)
	for i := range msgs {
		msgs[i] = fmt.Sprintf("e%d-%d", index, i+1)
	}

	buildLinearHistory(t, r, "master", msgs...)
	return r
}

// serveRepos installs an in-process transport that serves the given
// repositories and returns their URLs plus an uninstall function.
func serveRepos(t require.TestingT, proto string, repos map[string]*git.Repository) (map[string]string, func()) {
	loader := server.MapLoader{}
	urls := make(map[string]string, len(repos))
	for name, r := range repos {
		url := fmt.Sprintf("%s://%s", proto, name)
		ep, err := transport.NewEndpoint(url)
		require.NoError(t, err)

		loader[ep.String()] = r.Storer
		urls[name] = url
	}

	client.InstallProtocol(proto, server.NewClient(loader))
	return urls, func() { client.InstallProtocol(proto, nil) }
}

// newTarget creates an in-memory repository with one remote per given
// epoch repository, served through proto, and fetches them when fetch is
// true.
func newTarget(t require.TestingT, proto string, fetch bool, epochs ...*git.Repository) (*git.Repository, func()) {
	repos := make(map[string]*git.Repository, len(epochs))
	for i, r := range epochs {
		repos[fmt.Sprintf("e%d", i)] = r
	}

	urls, uninstall := serveRepos(t, proto, repos)

	target, err := git.Init(memory.NewStorage(), nil)
	require.NoError(t, err)

	for i := range epochs {
		name := fmt.Sprintf("e%d", i)
		_, err := target.CreateRemote(&config.RemoteConfig{
			Name:  name,
			URLs:  []string{urls[name]},
			Fetch: []config.RefSpec{fetchRefSpec(name)},
		})
		require.NoError(t, err)

		if fetch {
			err := target.Fetch(&git.FetchOptions{RemoteName: name})
			require.NoError(t, err)
		}
	}

	return target, uninstall
}
