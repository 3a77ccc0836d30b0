package security

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Evictor drops idle clients from a RateLimiter on a cron schedule.
type Evictor struct {
	cron    *cron.Cron
	limiter *RateLimiter
	idle    time.Duration
	logger  zerolog.Logger
}

// NewEvictor schedules rl.Evict(idle). schedule is a cron spec or a
// descriptor such as "@every 1m".
func NewEvictor(rl *RateLimiter, schedule string, idle time.Duration, logger zerolog.Logger) (*Evictor, error) {
	if idle <= 0 {
		return nil, fmt.Errorf("client idle timeout must be positive, got %s", idle)
	}
	e := &Evictor{cron: cron.New(), limiter: rl, idle: idle, logger: logger}
	if _, err := e.cron.AddFunc(schedule, e.run); err != nil {
		return nil, fmt.Errorf("invalid evict schedule %q: %w", schedule, err)
	}
	return e, nil
}

// Start begins the schedule in its own goroutine.
func (e *Evictor) Start() {
	e.cron.Start()
}

// Stop halts the schedule and waits for a running eviction.
func (e *Evictor) Stop() {
	<-e.cron.Stop().Done()
}

func (e *Evictor) run() {
	if n := e.limiter.Evict(e.idle); n > 0 {
		e.logger.Debug().Int("evicted", n).Int("clients", e.limiter.Clients()).Msg("rate limiter clients evicted")
	}
}
