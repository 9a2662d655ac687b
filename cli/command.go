package cli

import (
	"fmt"
	"os"

	"gopkg.in/src-d/go-git.v4"
	log "gopkg.in/src-d/go-log.v1"

	"github.com/lorekit/loom/metrics"
)

// MetricsOpts holds cli configuration to expose metrics.
type MetricsOpts struct {
	Metrics     bool `long:"metrics" env:"LOOM_METRICS" description:"expose a metrics endpoint using an HTTP server"`
	MetricsPort int  `long:"metrics-port" env:"LOOM_METRICS_PORT" description:"port to bind metrics to" default:"6062"`
}

// MaybeStartMetrics starts the metrics server if configured.
func (c *MetricsOpts) MaybeStartMetrics() {
	if c.Metrics {
		addr := fmt.Sprintf("0.0.0.0:%d", c.MetricsPort)
		go func() {
			logger := log.New(log.Fields{"address": addr})
			logger.Debugf("started metrics service")
			if err := metrics.Start(addr); err != nil {
				logger.With(log.Fields{
					"error": err,
				}).Warningf("metrics service stopped")
			}
		}()
	}
}

// OpenRepository opens an existing repository at path.
func OpenRepository(path string) (*git.Repository, error) {
	r, err := git.PlainOpen(path)
	if err != nil {
		return nil, fmt.Errorf("cannot open repository %s: %s", path, err)
	}

	return r, nil
}

// OpenOrInitRepository opens the repository at path, initializing a new
// one if none exists yet.
func OpenOrInitRepository(path string) (*git.Repository, error) {
	r, err := git.PlainOpen(path)
	if err == nil {
		return r, nil
	}

	if err != git.ErrRepositoryNotExists {
		return nil, fmt.Errorf("cannot open repository %s: %s", path, err)
	}

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}

	r, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("cannot initialize repository %s: %s", path, err)
	}

	return r, nil
}
