package webhooks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull indicates that the event could not be buffered.
	ErrQueueFull = errors.New("webhooks: queue full")
	// ErrQueueStopped indicates that the queue no longer accepts events.
	ErrQueueStopped = errors.New("webhooks: queue stopped")
)

const (
	defaultQueueSize   = 256
	defaultWorkers     = 2
	defaultMaxAttempts = 3
	defaultBackoff     = time.Second
)

// QueueConfig describes the worker pool that processes acknowledged webhook events.
type QueueConfig struct {
	Handler     Handler
	Size        int
	Workers     int
	MaxAttempts int
	Backoff     time.Duration
	// Retryable decides whether a failed event is attempted again. Nil retries nothing.
	Retryable func(error) bool
	Logger    *zap.Logger
}

// Queue buffers events and processes them with a fixed set of workers. Delivery is
// at-least-once for the lifetime of the process; an event still failing after MaxAttempts
// is logged and dropped, and backfill recovers it.
type Queue struct {
	handler     Handler
	jobs        chan Event
	workers     int
	maxAttempts int
	backoff     time.Duration
	retryable   func(error) bool
	logger      *zap.Logger

	mu      sync.RWMutex
	stopped bool
}

// NewQueue constructs a Queue. Run must be called for events to be processed.
func NewQueue(cfg QueueConfig) (*Queue, error) {
	if cfg.Handler == nil {
		return nil, fmt.Errorf("webhooks: handler required")
	}
	size := cfg.Size
	if size <= 0 {
		size = defaultQueueSize
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	retryable := cfg.Retryable
	if retryable == nil {
		retryable = func(error) bool { return false }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{
		handler:     cfg.Handler,
		jobs:        make(chan Event, size),
		workers:     workers,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		retryable:   retryable,
		logger:      logger,
	}, nil
}

// Enqueue buffers the event without blocking.
func (q *Queue) Enqueue(event Event) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrQueueStopped
	}
	select {
	case q.jobs <- event:
		return nil
	default:
		q.logger.Warn("webhook queue full; dropping event",
			zap.String("kind", string(event.Kind)),
			zap.String("provider", event.Provider.String()),
			zap.String("provider_user_id", event.ProviderUserID))
		return ErrQueueFull
	}
}

// Run processes events until ctx is cancelled, then stops accepting events, drains what is
// already buffered and returns once every worker has finished.
func (q *Queue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for index := 0; index < q.workers; index++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q.work(ctx)
		}()
	}
	<-ctx.Done()

	q.mu.Lock()
	q.stopped = true
	close(q.jobs)
	q.mu.Unlock()

	wg.Wait()
	return nil
}

// work keeps handling events after shutdown begins so that an acknowledged event is not
// abandoned halfway through its transaction.
func (q *Queue) work(ctx context.Context) {
	handleCtx := context.WithoutCancel(ctx)
	for {
		select {
		case event, ok := <-q.jobs:
			if !ok {
				return
			}
			q.process(handleCtx, event)
		case <-ctx.Done():
			for event := range q.jobs {
				q.process(handleCtx, event)
			}
			return
		}
	}
}

// process handles one event, retrying retryable failures with a linear backoff.
func (q *Queue) process(ctx context.Context, event Event) Result {
	var result Result
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		result = q.handler.Handle(ctx, event)
		if result.Err == nil {
			return result
		}
		if !q.retryable(result.Err) {
			q.logger.Info("webhook event dropped",
				zap.String("kind", string(event.Kind)),
				zap.String("provider", event.Provider.String()),
				zap.String("provider_user_id", event.ProviderUserID),
				zap.Error(result.Err))
			return result
		}
		if attempt == q.maxAttempts || !q.wait(ctx, attempt) {
			break
		}
	}
	q.logger.Error("webhook event failed",
		zap.String("kind", string(event.Kind)),
		zap.String("provider", event.Provider.String()),
		zap.String("provider_user_id", event.ProviderUserID),
		zap.String("activity_id", event.ActivityID),
		zap.Int("max_attempts", q.maxAttempts),
		zap.Error(result.Err))
	return result
}

func (q *Queue) wait(ctx context.Context, attempt int) bool {
	timer := time.NewTimer(q.backoff * time.Duration(attempt))
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
