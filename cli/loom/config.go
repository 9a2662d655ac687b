package main

import (
	lcli "github.com/lorekit/loom/cli"
	"github.com/lorekit/loom/storage"

	"gopkg.in/src-d/go-cli.v0"
)

func init() {
	app.AddCommand(&configCmd{})
}

type configCmd struct {
	cli.Command `name:"config" short-description:"show or change per-epoch overrides" long-description:"Per-epoch overrides live in the target repository's own configuration and survive re-runs. Local-only epochs stay sourced from their local clone and may silently diverge from upstream; this is operator-managed state and no staleness check is performed."`

	LocalOnly []int    `long:"local-only" description:"mark an epoch local-only, can be repeated"`
	Mirrors   []string `long:"mirror" description:"mirror override for an epoch as <n>=<url>, can be repeated"`
	Defaults  []int    `long:"default" description:"reset an epoch to default handling, can be repeated"`
	Show      bool     `long:"show" description:"display per-epoch configuration"`

	configArgs `positional-args:"true" required:"yes"`
}

type configArgs struct {
	Path string `positional-arg-name:"path" description:"target repository path"`
}

func (c *configCmd) Execute(args []string) error {
	repo, err := lcli.OpenRepository(c.Path)
	if err != nil {
		return err
	}

	store := storage.NewGitConfig(repo)
	err = applyOverrides(store, c.LocalOnly, c.Mirrors, c.Defaults)
	if err != nil {
		return err
	}

	changed := len(c.LocalOnly)+len(c.Mirrors)+len(c.Defaults) > 0
	if c.Show || !changed {
		return printOverrides(store)
	}

	return nil
}
