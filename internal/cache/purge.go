package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Purger runs Cache.Purge on a cron schedule.
type Purger struct {
	cron    *cron.Cron
	cache   *Cache
	timeout time.Duration
	logger  zerolog.Logger
}

// NewPurger schedules purges of c. schedule is a cron spec or a descriptor
// such as "@every 1h".
func NewPurger(c *Cache, schedule string, logger zerolog.Logger) (*Purger, error) {
	p := &Purger{
		cron:    cron.New(),
		cache:   c,
		timeout: time.Minute,
		logger:  logger,
	}
	if _, err := p.cron.AddFunc(schedule, p.run); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}
	return p, nil
}

// Start begins the schedule in its own goroutine.
func (p *Purger) Start() {
	p.cron.Start()
}

// Stop halts the schedule and waits for a running purge to finish.
func (p *Purger) Stop() {
	<-p.cron.Stop().Done()
}

func (p *Purger) run() {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	n, err := p.cache.Purge(ctx)
	if err != nil {
		p.logger.Error().Err(err).Msg("cache purge failed")
		return
	}
	p.logger.Info().Int("removed", n).Msg("cache purge complete")
}
