package async

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// ErrPoolClosed is returned by Submit after Shutdown
var ErrPoolClosed = errors.New("worker pool shut down")

var pkgLogger atomic.Pointer[observability.Logger]

func init() {
	pkgLogger.Store(observability.NewLogger(observability.InfoLevel, nil).WithField("component", "async"))
}

// SetLogger replaces the logger used for background task failures
func SetLogger(l *observability.Logger) {
	if l != nil {
		pkgLogger.Store(l.WithField("component", "async"))
	}
}

func logger() *observability.Logger {
	return pkgLogger.Load()
}

// SafeGo executes a function in a goroutine with panic recovery, a timeout
// and error logging. Use it instead of a bare go statement for work that
// must not outlive its budget or crash the process.
//
// Example:
//
//	SafeGo(r.Context(), 2*time.Second, "record usage", func(ctx context.Context) error {
//	    _, err := evaluator.RecordUsage(ctx, req)
//	    return err
//	})
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				logger().WithFields(map[string]interface{}{
					"task":  taskName,
					"panic": fmt.Sprintf("%v", r),
					"stack": string(debug.Stack()),
				}).Error("panic in background task")
			}
		}()

		if err := fn(ctx); err != nil {
			logger().WithError(err).WithField("task", taskName).Warn("background task failed")
		}
	}()
}

// SafeGoNoError is like SafeGo for functions that don't return errors
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context)) {
	SafeGo(parentCtx, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// WorkerPool runs submitted tasks on a fixed number of workers. Every task
// gets its own timeout; errors and panics are collected on Errors.
type WorkerPool struct {
	taskName string
	timeout  time.Duration
	workCh   chan func(context.Context) error
	doneCh   chan struct{}
	errCh    chan error
	ctx      context.Context
	cancel   context.CancelFunc

	mu     sync.RWMutex
	closed bool
}

// NewWorkerPool starts workers goroutines bound to ctx
func NewWorkerPool(ctx context.Context, workers int, taskName string, timeout time.Duration) *WorkerPool {
	if workers <= 0 {
		workers = 1
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, workers*2),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			pool.worker(id)
		}(i)
	}
	go func() {
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// Submit queues a task. It blocks while the queue is full and returns
// ErrPoolClosed once Shutdown has been called.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if err := p.ctx.Err(); err != nil {
		return err
	}
	select {
	case p.workCh <- fn:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

// Shutdown stops accepting work and waits up to timeout for queued tasks
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	p.close()

	select {
	case <-p.doneCh:
		p.cancel()
		return nil
	case <-time.After(timeout):
		p.cancel()
		return fmt.Errorf("worker pool %s shutdown timed out after %v", p.taskName, timeout)
	}
}

// Errors returns the channel task errors are reported on
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.workCh)
	}
}

func (p *WorkerPool) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			return
		case fn, ok := <-p.workCh:
			if !ok {
				return
			}
			p.run(id, fn)
		}
	}
}

func (p *WorkerPool) run(id int, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			logger().WithFields(map[string]interface{}{
				"task":   p.taskName,
				"worker": id,
				"panic":  fmt.Sprintf("%v", r),
			}).Error("panic in worker")
			p.report(fmt.Errorf("panic: %v", r))
		}
	}()

	if err := fn(ctx); err != nil {
		p.report(err)
	}
}

func (p *WorkerPool) report(err error) {
	select {
	case p.errCh <- err:
	default:
		logger().WithError(err).WithField("task", p.taskName).Warn("worker error channel full, dropping error")
	}
}

// Batch runs fn over items on a bounded pool and returns every error.
//
// Example:
//
//	errs := Batch(ctx, expired, 4, "license sweep", 5*time.Second, func(ctx context.Context, l *licenses.TenantLicense) error {
//	    return store.SaveLicense(ctx, l)
//	})
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, workers, taskName, timeout)

	var (
		mu   sync.Mutex
		errs []error
	)
	collect := func(err error) {
		mu.Lock()
		errs = append(errs, err)
		mu.Unlock()
	}

	for _, item := range items {
		item := item
		err := pool.Submit(func(ctx context.Context) error {
			if err := fn(ctx, item); err != nil {
				collect(err)
			}
			return nil
		})
		if err != nil {
			collect(err)
			break
		}
	}

	pool.close()
	<-pool.doneCh
	pool.cancel()

	// panics are reported on errCh rather than through collect
	for {
		select {
		case err := <-pool.errCh:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}
