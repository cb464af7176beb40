package cable

import (
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
)

// Job is a unit of work executed on the worker pool.
type Job func() error

// ExceptionHandler receives errors escaping a job.
type ExceptionHandler interface {
	HandleException(err error)
}

// WorkerPool runs application callbacks off the socket goroutines. Every
// submitted job runs exactly once, including jobs submitted after Halt.
type WorkerPool struct {
	pool    *ants.Pool
	logger  *slog.Logger
	hooks   *Hooks
	backlog int64

	executed   atomic.Int64
	failed     atomic.Int64
	pending    atomic.Int64
	queued     atomic.Int64
	overloaded atomic.Int64
}

type WorkerStats struct {
	Size     int   `json:"size"`
	Running  int   `json:"running"`
	Waiting  int   `json:"waiting"`
	Pending  int64 `json:"pending"`
	Executed int64 `json:"executed"`
	Failed   int64 `json:"failed"`

	// Backlog counts unordered jobs waiting for a free worker; Overloaded
	// counts the ones refused because the backlog was full.
	Backlog    int64 `json:"backlog"`
	Overloaded int64 `json:"overloaded"`
}

// NewWorkerPool starts a pool of size workers. At most backlog unordered
// jobs wait for a worker at once.
func NewWorkerPool(size, backlog int, logger *slog.Logger, hooks *Hooks) (*WorkerPool, error) {
	if size <= 0 {
		size = DefaultWorkerPoolSize
	}
	if backlog <= 0 {
		backlog = DefaultWorkerBacklog
	}

	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(v any) {
		logger.Error("Worker panic escaped job recovery", "panic", v)
	}))
	if err != nil {
		return nil, err
	}

	return &WorkerPool{
		pool:    pool,
		logger:  logger,
		hooks:   hooks,
		backlog: int64(backlog),
	}, nil
}

// AsyncInvoke runs job on the pool with no ordering guarantee relative to
// other jobs. Errors are handed to receiver, including ErrWorkerOverload when
// the backlog is full and job is dropped.
func (w *WorkerPool) AsyncInvoke(receiver ExceptionHandler, job Job) {
	if w.queued.Add(1) > w.backlog {
		w.queued.Add(-1)
		w.overloaded.Add(1)
		w.logger.Warn("Worker backlog full, dropping job", "backlog", w.backlog)
		w.handleError(receiver, ErrWorkerOverload)
		return
	}

	w.pending.Add(1)
	go func() {
		w.submit(func() {
			w.invoke(receiver, job)
		})
		w.queued.Add(-1)
	}()
}

// NewExecutor returns a FIFO queue whose jobs never run concurrently with
// each other.
func (w *WorkerPool) NewExecutor(receiver ExceptionHandler) *Executor {
	return &Executor{pool: w, receiver: receiver}
}

func (w *WorkerPool) submit(task func()) {
	if err := w.pool.Submit(task); err != nil {
		// Released pool: run here so the job is not lost.
		task()
	}
}

func (w *WorkerPool) invoke(receiver ExceptionHandler, job Job) {
	defer w.pending.Add(-1)

	start := time.Now()
	err := w.run(job)
	w.executed.Add(1)
	w.hooks.instrument(Event{Name: EventWork, Duration: time.Since(start)})

	if err != nil {
		w.handleError(receiver, err)
	}
}

func (w *WorkerPool) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &CallbackError{Callback: CallbackJob, Panic: r, Stack: debug.Stack()}
		}
	}()
	return job()
}

func (w *WorkerPool) handleError(receiver ExceptionHandler, err error) {
	w.failed.Add(1)

	connection := ""
	if c, ok := receiver.(*Connection); ok {
		connection = c.ID()
	}

	var cbErr *CallbackError
	var stack []byte
	if errors.As(err, &cbErr) && cbErr.Stack != nil {
		stack = cbErr.Stack
		w.logger.Error("There was an exception", "connection", connection, "error", err, "stack", string(stack))
	} else {
		w.logger.Error("There was an exception", "connection", connection, "error", err)
	}
	w.hooks.error(connection, err, stack)

	if receiver != nil {
		receiver.HandleException(err)
	}
}

// Halt stops accepting pool workers and waits up to timeout for running jobs.
func (w *WorkerPool) Halt(timeout time.Duration) error {
	if w.pool.IsClosed() {
		return nil
	}
	return w.pool.ReleaseTimeout(timeout)
}

func (w *WorkerPool) Stats() WorkerStats {
	return WorkerStats{
		Size:     w.pool.Cap(),
		Running:  w.pool.Running(),
		Waiting:  w.pool.Waiting(),
		Pending:  w.pending.Load(),
		Executed: w.executed.Load(),
		Failed:   w.failed.Load(),

		Backlog:    w.queued.Load(),
		Overloaded: w.overloaded.Load(),
	}
}

// Executor serializes jobs for one receiver on top of the shared pool. At
// most one drain per executor waits for a worker; the queue length is left to
// the receiver (see Config.MaxPendingMessages).
type Executor struct {
	pool     *WorkerPool
	receiver ExceptionHandler

	mu      sync.Mutex
	queue   []Job
	running bool
}

func (e *Executor) Post(job Job) {
	e.pool.pending.Add(1)

	e.mu.Lock()
	e.queue = append(e.queue, job)
	if e.running {
		e.mu.Unlock()
		return
	}
	e.running = true
	e.mu.Unlock()

	go e.pool.submit(e.drain)
}

func (e *Executor) drain() {
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			e.running = false
			e.mu.Unlock()
			return
		}
		job := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.pool.invoke(e.receiver, job)
	}
}

func (e *Executor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
