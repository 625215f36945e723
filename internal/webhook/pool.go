package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"example.com/stravasync/internal/domain"
	"example.com/stravasync/internal/observability"
)

// ErrQueueFull is returned when the in-process queue has no free slot.
var ErrQueueFull = errors.New("webhook queue full")

// Handler processes one event.
type Handler interface {
	Process(ctx context.Context, evt domain.WebhookEvent) error
}

// WorkerPool runs handler calls on a fixed number of goroutines. It is a suture service.
type WorkerPool struct {
	handler Handler
	tasks   chan domain.WebhookEvent
	workers int
	timeout time.Duration
	logger  zerolog.Logger
}

// PoolOption customises the WorkerPool.
type PoolOption func(*WorkerPool)

// WithWorkers sets the number of worker goroutines.
func WithWorkers(n int) PoolOption {
	return func(p *WorkerPool) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithTaskTimeout bounds each handler call.
func WithTaskTimeout(d time.Duration) PoolOption {
	return func(p *WorkerPool) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithPoolLogger overrides the pool logger.
func WithPoolLogger(logger zerolog.Logger) PoolOption {
	return func(p *WorkerPool) {
		p.logger = logger
	}
}

// NewWorkerPool constructs a WorkerPool with a buffer of queueSize events.
func NewWorkerPool(handler Handler, queueSize int, opts ...PoolOption) *WorkerPool {
	if queueSize <= 0 {
		queueSize = 256
	}
	p := &WorkerPool{
		handler: handler,
		tasks:   make(chan domain.WebhookEvent, queueSize),
		workers: 4,
		timeout: 2 * time.Minute,
		logger:  zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Enqueue implements Queue without blocking the caller.
func (p *WorkerPool) Enqueue(ctx context.Context, evt domain.WebhookEvent) error {
	select {
	case p.tasks <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

// Serve runs the workers until ctx is cancelled. Queued events survive a restart of
// the service within the same process.
func (p *WorkerPool) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case evt := <-p.tasks:
					p.run(ctx, evt)
				}
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

// String implements fmt.Stringer for suture.
func (p *WorkerPool) String() string { return "webhook-worker-pool" }

func (p *WorkerPool) run(ctx context.Context, evt domain.WebhookEvent) {
	logger := eventLogger(p.logger, evt)
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	err := p.safeProcess(ctx, evt)
	if err != nil {
		observability.RecordWebhookEvent(evt.AspectType, "failed")
		logger.Error().Err(err).Str("code", domain.ErrorCode(err)).Dur("elapsed", time.Since(start)).Msg("webhook processing failed")
		return
	}
	observability.RecordWebhookEvent(evt.AspectType, "processed")
	logger.Debug().Dur("elapsed", time.Since(start)).Msg("webhook processed")
}

func (p *WorkerPool) safeProcess(ctx context.Context, evt domain.WebhookEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in webhook handler: %v", r)
		}
	}()
	return p.handler.Process(ctx, evt)
}
