package webhooks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/ingest"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errTransient = errors.New("transient")

type recordingIngestor struct {
	mu    sync.Mutex
	calls []string
}

func (r *recordingIngestor) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recordingIngestor) Push(_ context.Context, activity vendor.Activity) (ingest.Outcome, error) {
	r.record("push:" + activity.ProviderUserID + ":" + activity.ExternalID)
	return ingest.OutcomeCreated, nil
}

func (r *recordingIngestor) PingThenFetch(_ context.Context, provider vendor.Provider, providerUserID, activityID string) (ingest.Outcome, error) {
	r.record("ping:" + provider.String() + ":" + providerUserID + ":" + activityID)
	return ingest.OutcomeUpdated, nil
}

func (r *recordingIngestor) FetchCallback(_ context.Context, _ vendor.Provider, providerUserID, _ string) ([]ingest.Outcome, error) {
	r.record("callback:" + providerUserID)
	return []ingest.Outcome{ingest.OutcomeCreated, ingest.OutcomeFiltered}, nil
}

func (r *recordingIngestor) DeleteActivity(_ context.Context, _ vendor.Provider, providerUserID, externalID string) (ingest.Outcome, error) {
	r.record("delete:" + providerUserID + ":" + externalID)
	return ingest.OutcomeDeleted, nil
}

func (r *recordingIngestor) Deregister(_ context.Context, _ vendor.Provider, providerUserID string) (ingest.Outcome, error) {
	r.record("deregister:" + providerUserID)
	return ingest.OutcomeRevoked, nil
}

func TestIngestRouterDispatchesByKind(t *testing.T) {
	ingestor := &recordingIngestor{}
	router := NewIngestRouter(ingestor)
	ctx := context.Background()

	activity := vendor.Activity{ExternalID: "a-1"}
	results := []Result{
		router.Handle(ctx, Event{Kind: KindActivityPush, Provider: vendor.ProviderGarmin, ProviderUserID: "g", Activity: &activity}),
		router.Handle(ctx, Event{Kind: KindActivityPing, Provider: vendor.ProviderStrava, ProviderUserID: "s", ActivityID: "9"}),
		router.Handle(ctx, Event{Kind: KindActivityCallback, Provider: vendor.ProviderGarmin, ProviderUserID: "g", CallbackURL: "https://x"}),
		router.Handle(ctx, Event{Kind: KindActivityDelete, Provider: vendor.ProviderStrava, ProviderUserID: "s", ActivityID: "9"}),
		router.Handle(ctx, Event{Kind: KindDeregistration, Provider: vendor.ProviderGarmin, ProviderUserID: "g"}),
	}
	for index, result := range results {
		if result.Err != nil {
			t.Fatalf("result %d: unexpected error %v", index, result.Err)
		}
	}
	if len(results[2].Outcomes) != 2 {
		t.Fatalf("expected callback outcomes to pass through, got %v", results[2].Outcomes)
	}
	expected := []string{"push:g:a-1", "ping:strava:s:9", "callback:g", "delete:s:9", "deregister:g"}
	if len(ingestor.calls) != len(expected) {
		t.Fatalf("expected %d calls, got %v", len(expected), ingestor.calls)
	}
	for index, call := range expected {
		if ingestor.calls[index] != call {
			t.Fatalf("call %d: expected %s, got %s", index, call, ingestor.calls[index])
		}
	}

	if result := router.Handle(ctx, Event{Kind: KindActivityPush}); !errors.Is(result.Err, ErrMalformedPayload) {
		t.Fatalf("expected push without activity to be malformed, got %v", result.Err)
	}
	if result := router.Handle(ctx, Event{Kind: "unknown"}); !errors.Is(result.Err, ErrNoHandler) {
		t.Fatalf("expected missing handler error, got %v", result.Err)
	}
}

func runQueue(t *testing.T, queue *Queue) (context.CancelFunc, <-chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = queue.Run(ctx)
	}()
	return cancel, done
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestQueueRetriesRetryableFailures(t *testing.T) {
	var attempts atomic.Int32
	handler := HandlerFunc(func(context.Context, Event) Result {
		if attempts.Add(1) < 3 {
			return Result{Err: errTransient}
		}
		return Result{Outcomes: []ingest.Outcome{ingest.OutcomeCreated}}
	})
	core, logs := observer.New(zapcore.DebugLevel)
	queue, err := NewQueue(QueueConfig{
		Handler:     handler,
		MaxAttempts: 3,
		Backoff:     time.Millisecond,
		Retryable:   func(err error) bool { return errors.Is(err, errTransient) },
		Logger:      zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	cancel, done := runQueue(t, queue)
	defer func() {
		cancel()
		<-done
	}()

	if err := queue.Enqueue(Event{Kind: KindActivityPing}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	waitFor(t, func() bool { return attempts.Load() == 3 })
	time.Sleep(20 * time.Millisecond)
	if attempts.Load() != 3 {
		t.Fatalf("expected exactly three attempts, got %d", attempts.Load())
	}
	if logs.FilterMessage("webhook event failed").Len() != 0 {
		t.Fatalf("did not expect a failure log after eventual success")
	}
}

func TestQueueGivesUpAfterMaxAttempts(t *testing.T) {
	var attempts atomic.Int32
	handler := HandlerFunc(func(context.Context, Event) Result {
		attempts.Add(1)
		return Result{Err: errTransient}
	})
	core, logs := observer.New(zapcore.DebugLevel)
	queue, err := NewQueue(QueueConfig{
		Handler:     handler,
		MaxAttempts: 2,
		Backoff:     time.Millisecond,
		Retryable:   func(error) bool { return true },
		Logger:      zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	cancel, done := runQueue(t, queue)
	defer func() {
		cancel()
		<-done
	}()

	if err := queue.Enqueue(Event{Kind: KindActivityPing, ActivityID: "42"}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	waitFor(t, func() bool { return logs.FilterMessage("webhook event failed").Len() == 1 })
	if attempts.Load() != 2 {
		t.Fatalf("expected two attempts, got %d", attempts.Load())
	}
	entry := logs.FilterMessage("webhook event failed").All()[0]
	if entry.Level != zapcore.ErrorLevel || entry.ContextMap()["activity_id"] != "42" {
		t.Fatalf("unexpected failure log %+v", entry)
	}
}

func TestQueueDropsTerminalFailuresWithoutRetry(t *testing.T) {
	var attempts atomic.Int32
	handler := HandlerFunc(func(context.Context, Event) Result {
		attempts.Add(1)
		return Result{Err: ingest.ErrUnknownUser}
	})
	core, logs := observer.New(zapcore.DebugLevel)
	queue, err := NewQueue(QueueConfig{
		Handler:   handler,
		Backoff:   time.Millisecond,
		Retryable: ingest.Retryable,
		Logger:    zap.New(core),
	})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	cancel, done := runQueue(t, queue)
	defer func() {
		cancel()
		<-done
	}()

	if err := queue.Enqueue(Event{Kind: KindActivityPush}); err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	waitFor(t, func() bool { return logs.FilterMessage("webhook event dropped").Len() == 1 })
	if attempts.Load() != 1 {
		t.Fatalf("expected a single attempt, got %d", attempts.Load())
	}
}

func TestQueueDrainsBufferedEventsOnShutdown(t *testing.T) {
	release := make(chan struct{})
	var handled atomic.Int32
	handler := HandlerFunc(func(context.Context, Event) Result {
		<-release
		handled.Add(1)
		return Result{}
	})
	queue, err := NewQueue(QueueConfig{Handler: handler, Size: 4, Workers: 1})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	cancel, done := runQueue(t, queue)
	for index := 0; index < 3; index++ {
		if err := queue.Enqueue(Event{Kind: KindActivityPing}); err != nil {
			t.Fatalf("enqueue %d failed: %v", index, err)
		}
	}
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("queue did not stop")
	}
	if handled.Load() != 3 {
		t.Fatalf("expected every buffered event to be handled, got %d", handled.Load())
	}
	if err := queue.Enqueue(Event{Kind: KindActivityPing}); !errors.Is(err, ErrQueueStopped) {
		t.Fatalf("expected stopped queue to reject events, got %v", err)
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	queue, err := NewQueue(QueueConfig{Handler: HandlerFunc(func(context.Context, Event) Result { return Result{} }), Size: 1})
	if err != nil {
		t.Fatalf("failed to build queue: %v", err)
	}
	if err := queue.Enqueue(Event{Kind: KindActivityPing}); err != nil {
		t.Fatalf("first enqueue failed: %v", err)
	}
	if err := queue.Enqueue(Event{Kind: KindActivityPing}); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected full queue, got %v", err)
	}
}
