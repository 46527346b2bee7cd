package elasticring

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// coordinator drives periodic discovery in the background.
type coordinator struct {
	discovery  *discovery
	interval   time.Duration
	retryDelay time.Duration
	logger     *slog.Logger
	jitter     func() float64
	cancel     context.CancelFunc
	done       chan struct{}
}

func newCoordinator(d *discovery, cfg Config, logger *slog.Logger) *coordinator {
	return &coordinator{
		discovery:  d,
		interval:   cfg.DiscoveryInterval,
		retryDelay: cfg.DiscoveryRetryDelay,
		logger:     logger,
		jitter:     func() float64 { return 0.8 + 0.4*rand.Float64() },
	}
}

// start launches the refresh worker. It is a no-op when the interval is zero.
//
// The worker runs with its own context.Background() derived context so it keeps
// running independently of the caller's context. It is stopped via stop().
func (c *coordinator) start() {
	if c.interval <= 0 {
		c.logger.Debug("periodic discovery disabled")
		return
	}

	var ctx context.Context
	ctx, c.cancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})

	go c.run(ctx)
}

// stop cancels the worker and waits for it to exit.
func (c *coordinator) stop() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
}

// next returns the jittered refresh interval.
func (c *coordinator) next() time.Duration {
	return time.Duration(float64(c.interval) * c.jitter())
}

// run refreshes every jittered interval. After a failed refresh it waits the
// retry delay instead, when one is configured.
func (c *coordinator) run(ctx context.Context) {
	defer close(c.done)

	var timer = time.NewTimer(c.next())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			var wait = c.next()
			if err := c.discovery.refresh(ctx); err != nil {
				c.logger.Error("failed to refresh cluster topology", "error", err)
				if c.retryDelay > 0 {
					wait = c.retryDelay
				}
			}
			timer.Reset(wait)
		}
	}
}
