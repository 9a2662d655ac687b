package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/lorekit/loom"
	lcli "github.com/lorekit/loom/cli"
	"github.com/lorekit/loom/storage"

	"gopkg.in/src-d/go-cli.v0"
	log "gopkg.in/src-d/go-log.v1"
)

func init() {
	app.AddCommand(&cloneCmd{})
}

type cloneCmd struct {
	cli.Command `name:"clone" short-description:"discover and mirror the epochs of an archive" long-description:"Probes the archive's numbered epoch sources, clones each one and registers it as a remote of the target repository. Re-running adds newly published epochs only. In non-interactive mode a failed clone skips its epoch; a skipped epoch leaves a gap that graft will refuse to bridge."`
	lcli.MetricsOpts

	Prefix     string   `long:"prefix" env:"LOOM_PREFIX" default:"https://lore.kernel.org" description:"URL prefix the archive's epochs live under"`
	MaxEpochs  int      `long:"max-epochs" default:"128" description:"maximum number of epochs probed"`
	Jobs       int      `long:"jobs" short:"j" default:"1" description:"number of epochs added in parallel; more than one implies --yes"`
	Skip       []int    `long:"skip" description:"epoch index to leave out, can be repeated"`
	KeepClones bool     `long:"keep-clones" description:"keep local clone directories after fetching"`
	LocalOnly  []int    `long:"local-only" description:"mark an epoch local-only before cloning, can be repeated"`
	Mirrors    []string `long:"mirror" description:"mirror override for an epoch as <n>=<url>, can be repeated"`
	ClonesDir  string   `long:"clones-dir" description:"directory holding local epoch clones, defaults to <path>/.epochs"`
	ShowConfig bool     `long:"show-config" description:"display per-epoch configuration and exit"`
	Yes        bool     `long:"yes" short:"y" description:"never prompt; failed clones are skipped"`

	cloneArgs `positional-args:"true" required:"yes"`
}

type cloneArgs struct {
	Path    string `positional-arg-name:"path" description:"target repository path"`
	Archive string `positional-arg-name:"archive" description:"archive name under the URL prefix"`
}

func (c *cloneCmd) ExecuteContext(ctx context.Context, args []string) error {
	c.MaybeStartMetrics()

	repo, err := lcli.OpenOrInitRepository(c.Path)
	if err != nil {
		return err
	}

	store := storage.NewGitConfig(repo)
	if err := applyOverrides(store, c.LocalOnly, c.Mirrors, nil); err != nil {
		return err
	}

	if c.ShowConfig {
		return printOverrides(store)
	}

	have, err := loom.EpochRemotes(repo)
	if err != nil {
		return err
	}

	from := 0
	if len(have) > 0 {
		from = have[len(have)-1].Index + 1
	}

	d := loom.NewDiscoverer()
	d.Ceiling = c.MaxEpochs
	set, err := d.DiscoverFrom(ctx, c.Prefix, c.Archive, from)
	if err != nil {
		return err
	}

	logger := log.New(log.Fields{"archive": c.Archive, "path": c.Path})
	if len(set) == 0 {
		logger.Infof("no new epochs, archive is up to date")
		return nil
	}

	set = c.filterSkipped(set, logger)

	clonesDir := c.ClonesDir
	if clonesDir == "" {
		clonesDir = filepath.Join(c.Path, ".epochs")
	}

	mgr := loom.NewManager(repo, store, clonesDir)
	mgr.KeepClones = c.KeepClones
	if !c.Yes && c.Jobs <= 1 {
		mgr.Decide = askDecision
	}

	mgr.Notifiers.Start = func(e loom.Epoch) {
		logger.With(log.Fields{"epoch": e.Index}).Infof("adding epoch")
	}
	mgr.Notifiers.Stop = func(e loom.Epoch, err error) {
		if err != nil {
			logger.With(log.Fields{"epoch": e.Index}).Errorf(err, "epoch not added")
			return
		}

		logger.With(log.Fields{"epoch": e.Index}).Infof("epoch ready")
	}
	mgr.Notifiers.Warn = func(e loom.Epoch, err error) {
		logger.With(log.Fields{"epoch": e.Index}).Warningf("%s", err)
	}

	if err := mgr.AddAll(ctx, set, c.Jobs); err != nil {
		return err
	}

	logger.With(log.Fields{"epochs": len(set)}).Infof("archive updated")
	return nil
}

func (c *cloneCmd) filterSkipped(set loom.EpochSet, logger log.Logger) loom.EpochSet {
	if len(c.Skip) == 0 {
		return set
	}

	skip := make(map[int]bool, len(c.Skip))
	for _, n := range c.Skip {
		skip[n] = true
	}

	var kept loom.EpochSet
	for _, e := range set {
		if skip[e.Index] {
			logger.With(log.Fields{"epoch": e.Index}).
				Warningf("epoch skipped on request, graft will fail until it is added")
			continue
		}

		kept = append(kept, e)
	}

	return kept
}

// applyOverrides stores the local-only, mirror and default overrides
// given on the command line.
func applyOverrides(store storage.Store, localOnly []int, mirrors []string, defaults []int) error {
	for _, n := range localOnly {
		err := store.SetMode(n, storage.Mode{Kind: storage.LocalOnly})
		if err != nil {
			return err
		}
	}

	for _, m := range mirrors {
		parts := strings.SplitN(m, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid mirror override %q, expected <n>=<url>", m)
		}

		n, err := strconv.Atoi(parts[0])
		if err != nil {
			return fmt.Errorf("invalid epoch index in mirror override %q", m)
		}

		err = store.SetMode(n, storage.Mode{Kind: storage.Mirror, MirrorURL: parts[1]})
		if err != nil {
			return err
		}
	}

	for _, n := range defaults {
		if err := store.SetMode(n, storage.Mode{Kind: storage.Default}); err != nil {
			return err
		}
	}

	return nil
}

func printOverrides(store storage.Store) error {
	modes, err := store.Modes()
	if err != nil {
		return err
	}

	if len(modes) == 0 {
		fmt.Println("all epochs use default handling")
		return nil
	}

	max := 0
	for n := range modes {
		if n > max {
			max = n
		}
	}

	for n := 0; n <= max; n++ {
		m, ok := modes[n]
		if !ok {
			continue
		}

		fmt.Printf("epoch %d: %s\n", n, m)
		if m.Kind == storage.LocalOnly {
			fmt.Printf("  caveat: sourced from its local clone, may be stale relative to upstream\n")
		}
	}

	return nil
}
