package main

import (
	"context"
	"fmt"

	"github.com/lorekit/loom"
	lcli "github.com/lorekit/loom/cli"
	"github.com/lorekit/loom/storage"

	"gopkg.in/src-d/go-cli.v0"
	log "gopkg.in/src-d/go-log.v1"
)

func init() {
	app.AddCommand(&graftCmd{})
}

type graftCmd struct {
	cli.Command `name:"graft" short-description:"stitch the epoch remotes into one permanent history" long-description:"Validates that the epoch remotes form a contiguous run starting at 0, fetches them, grafts the root of every epoch onto the tip of the previous one and rewrites the result permanently onto the combined branch. The rewrite is irreversible; use --dry-run to preview the planned grafts."`

	Overwrite   bool   `long:"overwrite" description:"replace an existing combined branch"`
	DryRun      bool   `long:"dry-run" description:"print planned grafts without touching the repository"`
	Branch      string `long:"branch" default:"combined" description:"name of the combined branch"`
	EpochBranch string `long:"epoch-branch" default:"master" description:"branch fetched from every epoch remote"`
	Jobs        int    `long:"jobs" short:"j" default:"4" description:"parallel fetches during the sync step"`
	Yes         bool   `long:"yes" short:"y" description:"do not ask for confirmation before rewriting history"`

	graftArgs `positional-args:"true" required:"yes"`
}

type graftArgs struct {
	Path string `positional-arg-name:"path" description:"target repository path"`
}

func (c *graftCmd) ExecuteContext(ctx context.Context, args []string) error {
	repo, err := lcli.OpenRepository(c.Path)
	if err != nil {
		return err
	}

	logger := log.New(log.Fields{"path": c.Path, "branch": c.Branch})

	if !c.DryRun && !c.Yes {
		q := fmt.Sprintf("permanently rewrite history onto branch %q of %s?", c.Branch, c.Path)
		if !confirm(q) {
			logger.Infof("aborted by operator, nothing was changed")
			return nil
		}
	}

	g := loom.NewGrafter(repo)
	g.Branch = c.Branch
	g.EpochBranch = c.EpochBranch
	g.Overwrite = c.Overwrite
	g.DryRun = c.DryRun
	g.FetchJobs = c.Jobs
	g.Config = storage.NewGitConfig(repo)

	res, err := g.Run(ctx)
	if err != nil {
		if loom.ErrRewriteFailed.Is(err) {
			logger.Errorf(err, "the combined branch may be inconsistent and requires manual inspection")
		}

		return err
	}

	printGraftResult(res, c.DryRun)
	return nil
}

func printGraftResult(res *loom.GraftResult, dryRun bool) {
	if dryRun {
		fmt.Printf("would graft %d epochs:\n", res.Epochs)
		for _, m := range res.Mappings {
			fmt.Printf("  %s\n", m)
		}
	} else {
		fmt.Printf("grafted %d epochs, %d commits, tip %s\n",
			res.Epochs, res.Commits, res.Tip)
	}

	for _, c := range res.Caveats {
		fmt.Printf("caveat: %s\n", c)
	}

	for _, w := range res.Warnings {
		fmt.Printf("warning: %s\n", w)
	}
}
