// Package workers provides the bounded task pool every buy and sell dispatch
// runs on. The bound is the point: a storm of sell triggers or timeout
// resolutions degrades into rejected submissions instead of unbounded
// goroutines.
package workers

import (
	"fmt"
	"time"

	"github.com/alitto/pond"
	"github.com/rs/zerolog"

	"github.com/hourglassbot/hourglass/internal/config"
)

// PoolConfig holds configuration for a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
	NonBlocking bool // if true, Submit returns an error instead of blocking when full
}

// Pool wraps alitto/pond with standardized config and logging
type Pool struct {
	pool   *pond.WorkerPool
	config PoolConfig
	logger zerolog.Logger
}

// NewPool creates a worker pool
func NewPool(cfg PoolConfig) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 100
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	logger := config.NewLogger("worker-pool").With().Str("pool", cfg.Name).Logger()

	pool := pond.New(
		cfg.MaxWorkers,
		cfg.MaxCapacity,
		pond.MinWorkers(1),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			logger.Error().Interface("panic", p).Msg("Worker pool panic recovered")
		}),
	)

	return &Pool{
		pool:   pool,
		config: cfg,
		logger: logger,
	}
}

// Submit adds a task to the pool
func (p *Pool) Submit(task func()) error {
	if p.config.NonBlocking {
		if !p.pool.TrySubmit(task) {
			return fmt.Errorf("worker pool %q is full (capacity: %d)", p.config.Name, p.config.MaxCapacity)
		}
		return nil
	}

	p.pool.Submit(task)
	return nil
}

// SubmitAndWait submits a task and blocks until it completes
func (p *Pool) SubmitAndWait(task func()) {
	done := make(chan struct{})
	p.pool.Submit(func() {
		defer close(done)
		task()
	})
	<-done
}

// Stop drains the pool gracefully; queued tasks finish first
func (p *Pool) Stop() {
	p.pool.StopAndWait()
}

// Stats returns pool counters for the ops endpoints
func (p *Pool) Stats() map[string]interface{} {
	return map[string]interface{}{
		"running_workers":  p.pool.RunningWorkers(),
		"idle_workers":     p.pool.IdleWorkers(),
		"submitted_tasks":  p.pool.SubmittedTasks(),
		"waiting_tasks":    p.pool.WaitingTasks(),
		"successful_tasks": p.pool.SuccessfulTasks(),
		"failed_tasks":     p.pool.FailedTasks(),
	}
}
