package loom

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"gopkg.in/src-d/go-git.v4"
	"gopkg.in/src-d/go-git.v4/config"
	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
	"gopkg.in/src-d/go-git.v4/plumbing/storer"
	"gopkg.in/src-d/go-git.v4/plumbing/transport"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/client"
	"gopkg.in/src-d/go-git.v4/plumbing/transport/server"
)

// replacePrefix is the namespace of staged graft mappings. A reference
// refs/replace/<root> points at a copy of <root> re-parented onto the
// previous epoch's tip. The permanent rewrite consumes and then clears
// this namespace.
const replacePrefix = "refs/replace/"

// fetchRefSpec mirrors all branches of an epoch remote under
// refs/remotes/<name>/*.
func fetchRefSpec(remote string) config.RefSpec {
	return config.RefSpec(fmt.Sprintf("+refs/heads/*:refs/remotes/%s/*", remote))
}

// EpochRemotes returns the epochs registered as remotes of r, ordered by
// index. The URL of each returned epoch is the remote's current URL, which
// for local-only epochs is a local clone path rather than upstream.
func EpochRemotes(r *git.Repository) (EpochSet, error) {
	cfg, err := r.Storer.Config()
	if err != nil {
		return nil, err
	}

	var set EpochSet
	for name, rc := range cfg.Remotes {
		n, ok := EpochIndex(name)
		if !ok {
			continue
		}

		var url string
		if len(rc.URLs) > 0 {
			url = rc.URLs[0]
		}

		set = append(set, Epoch{Index: n, URL: url})
	}

	sort.Slice(set, func(i, j int) bool { return set[i].Index < set[j].Index })
	return set, nil
}

// remoteURL returns the configured URL of a remote, if it exists.
func remoteURL(r *git.Repository, name string) (string, bool) {
	cfg, err := r.Storer.Config()
	if err != nil {
		return "", false
	}

	rc, ok := cfg.Remotes[name]
	if !ok || len(rc.URLs) == 0 {
		return "", false
	}

	return rc.URLs[0], true
}

// setRemoteURL repoints an existing remote at url, or registers the
// remote if it does not exist yet.
func setRemoteURL(r *git.Repository, name, url string) error {
	cfg, err := r.Storer.Config()
	if err != nil {
		return err
	}

	rc, ok := cfg.Remotes[name]
	if !ok {
		rc = &config.RemoteConfig{Name: name}
		cfg.Remotes[name] = rc
	}

	rc.URLs = []string{url}
	rc.Fetch = []config.RefSpec{fetchRefSpec(name)}
	return r.Storer.SetConfig(cfg)
}

// branchTip resolves a reference to the commit it points at.
func branchTip(r *git.Repository, name plumbing.ReferenceName) (plumbing.Hash, error) {
	ref, err := r.Reference(name, true)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	return ref.Hash(), nil
}

// rootCommits returns all parentless commits reachable from the given
// commit. An epoch with more than one root is a data-integrity failure of
// the source archive.
func rootCommits(r *git.Repository, from plumbing.Hash) ([]plumbing.Hash, error) {
	var roots []plumbing.Hash

	iter, err := r.Log(&git.LogOptions{From: from})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		if c.NumParents() == 0 {
			roots = append(roots, c.Hash)
		}

		return nil
	})

	return roots, err
}

// commitCount counts the commits reachable from the given commit.
func commitCount(r *git.Repository, from plumbing.Hash) (int, error) {
	iter, err := r.Log(&git.LogOptions{From: from})
	if err != nil {
		return 0, err
	}
	defer iter.Close()

	var n int
	err = iter.ForEach(func(*object.Commit) error {
		n++
		return nil
	})

	return n, err
}

// createMapping stages a graft of root onto parent: it writes a copy of
// the root commit with parent as its only parent and records it under
// refs/replace/<root>. Nothing reachable from any branch changes until
// the permanent rewrite consumes the mapping.
func createMapping(r *git.Repository, root, parent plumbing.Hash) (plumbing.Hash, error) {
	c, err := object.GetCommit(r.Storer, root)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	h, err := reencodeCommit(r.Storer, c, []plumbing.Hash{parent})
	if err != nil {
		return plumbing.ZeroHash, err
	}

	name := plumbing.ReferenceName(replacePrefix + root.String())
	ref := plumbing.NewHashReference(name, h)
	return h, r.Storer.SetReference(ref)
}

// listMappings returns the staged graft mappings as original → replacement
// commit hashes.
func listMappings(r *git.Repository) (map[plumbing.Hash]plumbing.Hash, error) {
	iter, err := r.References()
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	mappings := make(map[plumbing.Hash]plumbing.Hash)
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		name := string(ref.Name())
		if !strings.HasPrefix(name, replacePrefix) {
			return nil
		}

		orig := plumbing.NewHash(strings.TrimPrefix(name, replacePrefix))
		mappings[orig] = ref.Hash()
		return nil
	})

	return mappings, err
}

// clearMappings drops every staged graft mapping.
func clearMappings(r *git.Repository) error {
	mappings, err := listMappings(r)
	if err != nil {
		return err
	}

	for orig := range mappings {
		name := plumbing.ReferenceName(replacePrefix + orig.String())
		if err := r.Storer.RemoveReference(name); err != nil {
			return err
		}
	}

	return nil
}

// branchExists reports whether a local branch with the given name exists.
func branchExists(r *git.Repository, name string) bool {
	_, err := r.Reference(plumbing.NewBranchReferenceName(name), false)
	return err == nil
}

// createBranch points a local branch at the given commit.
func createBranch(r *git.Repository, name string, at plumbing.Hash) error {
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), at)
	return r.Storer.SetReference(ref)
}

// deleteBranch removes a local branch. Removing a branch that does not
// exist is not an error.
func deleteBranch(r *git.Repository, name string) error {
	if !branchExists(r, name) {
		return nil
	}

	return r.Storer.RemoveReference(plumbing.NewBranchReferenceName(name))
}

// reencodeCommit writes a copy of c with the given parents and returns
// the hash of the new commit object.
func reencodeCommit(s storer.EncodedObjectStorer, c *object.Commit, parents []plumbing.Hash) (plumbing.Hash, error) {
	nc := &object.Commit{
		Author:       c.Author,
		Committer:    c.Committer,
		Message:      c.Message,
		TreeHash:     c.TreeHash,
		ParentHashes: parents,
		PGPSignature: c.PGPSignature,
	}

	obj := s.NewEncodedObject()
	if err := nc.Encode(obj); err != nil {
		return plumbing.ZeroHash, err
	}

	return s.SetEncodedObject(obj)
}

// WithInProcRepository serves r through an in-process transport and calls
// f with a URL that reaches it. The protocol is uninstalled when f
// returns.
func WithInProcRepository(r *git.Repository, f func(string) error) error {
	proto := fmt.Sprintf("loom%d", rand.Uint32())
	url := fmt.Sprintf("%s://%s", proto, "repo")
	ep, err := transport.NewEndpoint(url)
	if err != nil {
		return err
	}

	loader := server.MapLoader{ep.String(): r.Storer}
	s := server.NewClient(loader)
	client.InstallProtocol(proto, s)
	defer client.InstallProtocol(proto, nil)

	return f(url)
}
