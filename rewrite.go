package loom

import (
	"fmt"

	"gopkg.in/src-d/go-git.v4/plumbing"
	"gopkg.in/src-d/go-git.v4/plumbing/object"
)

// rewrite applies the staged mappings irreversibly: every commit above a
// grafted root is re-encoded with its rewritten parents, the combined
// branch is repointed at the new tip and the mapping layer is cleared.
// The resulting history is self-contained, with no reliance on the
// replace namespace.
//
// Objects are written before any reference moves, so a crash mid-rewrite
// leaves the branch at the pre-rewrite tip with the mappings still
// staged; the reset step of the next run recovers from that. A returned
// error is fatal and must not be retried.
func (g *Grafter) rewrite(tip plumbing.Hash) (plumbing.Hash, int, error) {
	mappings, err := listMappings(g.repo)
	if err != nil {
		return plumbing.ZeroHash, 0, err
	}

	memo := make(map[plumbing.Hash]plumbing.Hash)

	type frame struct {
		hash     plumbing.Hash
		expanded bool
	}

	// Iterative post-order walk: parents are rewritten before their
	// children. Archive histories are deep enough that recursion is not
	// an option.
	stack := []frame{{hash: tip}}
	var count int
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if _, ok := memo[f.hash]; ok {
			continue
		}

		parents, err := g.effectiveParents(mappings, f.hash)
		if err != nil {
			return plumbing.ZeroHash, 0, err
		}

		if !f.expanded {
			stack = append(stack, frame{hash: f.hash, expanded: true})
			for _, p := range parents {
				if _, ok := memo[p]; !ok {
					stack = append(stack, frame{hash: p})
				}
			}

			continue
		}

		changed := false
		newParents := make([]plumbing.Hash, len(parents))
		for i, p := range parents {
			np, ok := memo[p]
			if !ok {
				return plumbing.ZeroHash, 0,
					fmt.Errorf("parent %s of %s not rewritten", p, f.hash)
			}

			newParents[i] = np
			if np != p {
				changed = true
			}
		}

		_, grafted := mappings[f.hash]
		if !changed && !grafted {
			memo[f.hash] = f.hash
			count++
			continue
		}

		c, err := object.GetCommit(g.repo.Storer, f.hash)
		if err != nil {
			return plumbing.ZeroHash, 0, err
		}

		nh, err := reencodeCommit(g.repo.Storer, c, newParents)
		if err != nil {
			return plumbing.ZeroHash, 0, err
		}

		memo[f.hash] = nh
		count++
	}

	newTip, ok := memo[tip]
	if !ok {
		return plumbing.ZeroHash, 0, fmt.Errorf("tip %s not rewritten", tip)
	}

	if err := createBranch(g.repo, g.Branch, newTip); err != nil {
		return plumbing.ZeroHash, 0, err
	}

	if err := clearMappings(g.repo); err != nil {
		return plumbing.ZeroHash, 0, err
	}

	return newTip, count, nil
}

// effectiveParents returns the parents of a commit with staged mappings
// applied: a grafted root reports the parents of its replacement.
func (g *Grafter) effectiveParents(mappings map[plumbing.Hash]plumbing.Hash, h plumbing.Hash) ([]plumbing.Hash, error) {
	lookup := h
	if rep, ok := mappings[h]; ok {
		lookup = rep
	}

	c, err := object.GetCommit(g.repo.Storer, lookup)
	if err != nil {
		return nil, err
	}

	return c.ParentHashes, nil
}
