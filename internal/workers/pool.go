// Package workers runs independent simulations on a bounded set of
// goroutines.
package workers

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

var (
	ErrPoolStopped     = errors.New("worker pool is stopped")
	ErrQueueFull       = errors.New("worker queue is full")
	ErrShutdownTimeout = errors.New("worker pool shutdown timed out")
)

// Task is one job. ctx is cancelled when the pool stops.
type Task interface {
	Execute(ctx context.Context) error
}

// TaskFunc adapts a function to Task
type TaskFunc func(ctx context.Context) error

func (f TaskFunc) Execute(ctx context.Context) error { return f(ctx) }

// PanicError carries a panic raised by a task
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Observer is told about every finished task
type Observer interface {
	ObserveTask(pool string, d time.Duration, err error)
}

// Config sizes a pool. Zero values fall back to one worker per CPU, a
// queue as deep as the worker count and a 10 s shutdown timeout.
type Config struct {
	Name            string
	Workers         int
	QueueSize       int
	ShutdownTimeout time.Duration
	Observer        Observer
}

// Stats counts tasks since the pool was created
type Stats struct {
	Submitted int64 `json:"submitted"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
	Queued    int   `json:"queued"`
}

// Pool feeds queued tasks to a fixed number of workers
type Pool struct {
	logger *zap.Logger
	cfg    Config
	queue  chan Task

	ctx     context.Context
	stop    context.CancelFunc
	started atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup

	submitted atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
}

// NewPool creates a pool. Call Start before submitting.
func NewPool(logger *zap.Logger, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "workers"
	}

	ctx, stop := context.WithCancel(context.Background())
	return &Pool{
		logger: logger.With(zap.String("pool", cfg.Name)),
		cfg:    cfg,
		queue:  make(chan Task, cfg.QueueSize),
		ctx:    ctx,
		stop:   stop,
	}
}

// Start launches the workers once
func (p *Pool) Start() {
	if p.stopped.Load() || p.started.Swap(true) {
		return
	}
	p.logger.Debug("Worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize),
	)
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
}

func (p *Pool) accepting() bool {
	return p.started.Load() && !p.stopped.Load()
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case task := <-p.queue:
			p.runTask(task)
		}
	}
}

func (p *Pool) runTask(task Task) {
	start := time.Now()
	err := p.safeExecute(task)
	if p.cfg.Observer != nil {
		p.cfg.Observer.ObserveTask(p.cfg.Name, time.Since(start), err)
	}
	if err != nil {
		p.failed.Add(1)
		return
	}
	p.succeeded.Add(1)
}

// safeExecute turns a task panic into a *PanicError
func (p *Pool) safeExecute(task Task) (err error) {
	defer func() {
		if v := recover(); v != nil {
			p.panicked.Add(1)
			p.logger.Error("Task panicked", zap.Any("panic", v))
			err = &PanicError{Value: v}
		}
	}()
	return task.Execute(p.ctx)
}

// Submit enqueues task without blocking
func (p *Pool) Submit(task Task) error {
	if !p.accepting() {
		return ErrPoolStopped
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		return ErrQueueFull
	}
}

// Do enqueues task, waiting for queue space, and returns its error. It
// gives up when ctx is done or the pool stops.
func (p *Pool) Do(ctx context.Context, task Task) error {
	if !p.accepting() {
		return ErrPoolStopped
	}

	result := make(chan error, 1)
	job := TaskFunc(func(taskCtx context.Context) (err error) {
		defer func() { result <- err }()
		return task.Execute(taskCtx)
	})

	select {
	case p.queue <- job:
		p.submitted.Add(1)
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ctx.Done():
		return ErrPoolStopped
	}
}

// Stop cancels in-flight tasks and waits up to the shutdown timeout for
// the workers to return. Queued tasks are discarded.
func (p *Pool) Stop() error {
	if p.stopped.Swap(true) {
		return nil
	}
	p.stop()
	if !p.started.Load() {
		return nil
	}

	exited := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(exited)
	}()

	select {
	case <-exited:
		p.logger.Debug("Worker pool stopped", zap.Any("stats", p.Stats()))
		return nil
	case <-time.After(p.cfg.ShutdownTimeout):
		p.logger.Warn("Worker pool shutdown timed out", zap.Duration("timeout", p.cfg.ShutdownTimeout))
		return ErrShutdownTimeout
	}
}

// Stats returns the task counters
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Succeeded: p.succeeded.Load(),
		Failed:    p.failed.Load(),
		Panicked:  p.panicked.Load(),
		Queued:    len(p.queue),
	}
}
