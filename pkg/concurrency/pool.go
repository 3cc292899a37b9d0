// Package concurrency wraps alitto/pond worker pools
package concurrency

import (
	"time"

	"order_orchestrator/internal/core"

	"github.com/alitto/pond"
)

// PoolConfig sizes a worker pool
type PoolConfig struct {
	Name        string
	MaxWorkers  int
	MaxCapacity int
	IdleTimeout time.Duration
}

// Stats is a point-in-time view of pool activity
type Stats struct {
	Running   int
	Idle      int
	Submitted uint64
	Waiting   uint64
	Succeeded uint64
	Failed    uint64
}

// WorkerPool fans batches of venue calls out over a bounded set of workers.
// Panicking tasks are logged and counted as failed; they never take the
// process down.
type WorkerPool struct {
	pool   *pond.WorkerPool
	name   string
	logger core.ILogger
}

func NewWorkerPool(cfg PoolConfig, logger core.ILogger) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxCapacity <= 0 {
		cfg.MaxCapacity = 64
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 30 * time.Second
	}

	log := logger.WithFields(map[string]interface{}{"component": "worker_pool", "pool": cfg.Name})
	wp := &WorkerPool{name: cfg.Name, logger: log}
	wp.pool = pond.New(cfg.MaxWorkers, cfg.MaxCapacity,
		pond.MinWorkers(0),
		pond.IdleTimeout(cfg.IdleTimeout),
		pond.Strategy(pond.Balanced()),
		pond.PanicHandler(func(p interface{}) {
			log.Error("Task panicked", "panic", p)
		}),
	)
	return wp
}

// RunAll submits every task as one group and blocks until all have
// returned or panicked.
func (wp *WorkerPool) RunAll(tasks []func()) {
	if len(tasks) == 0 {
		return
	}
	group := wp.pool.Group()
	for _, task := range tasks {
		group.Submit(task)
	}
	group.Wait()
	wp.logger.Debug("Batch finished", "tasks", len(tasks))
}

// Stop drains queued tasks and releases the workers
func (wp *WorkerPool) Stop() {
	wp.pool.StopAndWait()
}

func (wp *WorkerPool) Stats() Stats {
	return Stats{
		Running:   wp.pool.RunningWorkers(),
		Idle:      wp.pool.IdleWorkers(),
		Submitted: wp.pool.SubmittedTasks(),
		Waiting:   wp.pool.WaitingTasks(),
		Succeeded: wp.pool.SuccessfulTasks(),
		Failed:    wp.pool.FailedTasks(),
	}
}
