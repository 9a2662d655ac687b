package main

import (
	"context"
	"os"
	"time"

	"github.com/lorekit/loom"
	lcli "github.com/lorekit/loom/cli"
	"github.com/lorekit/loom/storage"

	"gopkg.in/src-d/go-cli.v0"
	log "gopkg.in/src-d/go-log.v1"
	queue "gopkg.in/src-d/go-queue.v1"
	_ "gopkg.in/src-d/go-queue.v1/memory"
)

func init() {
	app.AddCommand(&batchCmd{})
}

type batchCmd struct {
	cli.Command `name:"batch" short-description:"fetch and graft many repositories" long-description:"Reads repository paths from a file, one per line, and runs fetch plus graft (with overwrite) on each under a bounded worker pool. With a single worker the run is sequential and stops at the first failure; with more workers failures are isolated and reported in aggregate. An interrupt drains in-flight jobs and exits with status 130."`
	lcli.MetricsOpts

	Workers int           `long:"workers" default:"4" description:"size of the worker pool"`
	Jobs    int           `long:"jobs" short:"j" default:"4" description:"parallel fetches inside each graft"`
	Grace   time.Duration `long:"grace" default:"10s" description:"how long to wait for in-flight jobs after an interrupt"`

	batchArgs `positional-args:"true" required:"yes"`
}

type batchArgs struct {
	File string `positional-arg-name:"file" description:"file with one repository path per line"`
}

func (c *batchCmd) ExecuteContext(ctx context.Context, args []string) error {
	c.MaybeStartMetrics()

	f, err := os.Open(c.File)
	if err != nil {
		return err
	}

	broker, err := queue.NewBroker("memory://")
	if err != nil {
		return err
	}
	defer broker.Close()

	q, err := broker.Queue("loom-batch")
	if err != nil {
		return err
	}

	e := loom.NewExecutor(q, loom.NewLineJobIter(f), c.Workers, c.process)
	e.Grace = c.Grace
	e.Notifiers.Start = func(j *loom.Job) {
		log.New(log.Fields{"repository": j.Path}).Infof("job started")
	}
	e.Notifiers.Stop = func(j *loom.Job, err error) {
		logger := log.New(log.Fields{"repository": j.Path, "status": string(j.Status)})
		if err != nil {
			logger.Errorf(err, "job failed")
			return
		}

		logger.Infof("job done")
	}

	err = e.Execute(ctx)
	if loom.ErrInterrupted.Is(err) {
		log.Errorf(err, "batch interrupted")
		os.Exit(130)
	}

	return err
}

// process runs one batch job: fetch all epoch remotes and graft them,
// overwriting any previous combined branch.
func (c *batchCmd) process(ctx context.Context, logger log.Logger, j *loom.Job) error {
	repo, err := lcli.OpenRepository(j.Path)
	if err != nil {
		return err
	}

	g := loom.NewGrafter(repo)
	g.Overwrite = true
	g.FetchJobs = c.Jobs
	g.Config = storage.NewGitConfig(repo)

	res, err := g.Run(ctx)
	if err != nil {
		return err
	}

	logger.With(log.Fields{
		"epochs":  res.Epochs,
		"commits": res.Commits,
		"tip":     res.Tip.String(),
	}).Infof("repository grafted")

	for _, caveat := range res.Caveats {
		logger.Warningf("%s", caveat)
	}

	return nil
}
