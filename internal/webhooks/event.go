// Package webhooks decodes vendor webhook payloads into events and processes them off the
// request path: receivers acknowledge, enqueue, and a worker pool hands each event to the
// handler registered for its kind.
package webhooks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/ingest"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
)

// ErrMalformedPayload indicates a webhook body that cannot be decoded into events.
var ErrMalformedPayload = errors.New("webhooks: malformed payload")

// ErrNoHandler indicates an event kind without a registered handler.
var ErrNoHandler = errors.New("webhooks: no handler for event kind")

// Kind names what a webhook event asks the service to do.
type Kind string

const (
	// KindActivityPush carries a complete activity.
	KindActivityPush Kind = "activity.push"
	// KindActivityPing names an activity to fetch by id.
	KindActivityPing Kind = "activity.ping"
	// KindActivityCallback carries a URL to fetch summaries from.
	KindActivityCallback Kind = "activity.callback"
	// KindActivityDelete names an activity deleted at the vendor.
	KindActivityDelete Kind = "activity.delete"
	// KindDeregistration reports that the user revoked access.
	KindDeregistration Kind = "account.deregistration"
)

// Event is one decoded webhook notification.
type Event struct {
	Kind           Kind
	Provider       vendor.Provider
	ProviderUserID string
	ActivityID     string
	CallbackURL    string
	Activity       *vendor.Activity
	ReceivedAt     time.Time
}

// Result reports how an event was handled. Err is nil when the event was applied or
// deliberately dropped.
type Result struct {
	Outcomes []ingest.Outcome
	Err      error
}

// Handler processes a single event.
type Handler interface {
	Handle(ctx context.Context, event Event) Result
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, event Event) Result

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, event Event) Result {
	return f(ctx, event)
}

// Router routes events to the handler registered for their kind.
type Router struct {
	handlers map[Kind]Handler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{handlers: make(map[Kind]Handler)}
}

// Register sets the handler for kind, replacing any previous one.
func (r *Router) Register(kind Kind, handler Handler) {
	r.handlers[kind] = handler
}

// Handle dispatches event by kind.
func (r *Router) Handle(ctx context.Context, event Event) Result {
	handler, ok := r.handlers[event.Kind]
	if !ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrNoHandler, event.Kind)}
	}
	return handler.Handle(ctx, event)
}

// Ingestor is the part of the ingestion service the webhook handlers drive.
type Ingestor interface {
	Push(ctx context.Context, activity vendor.Activity) (ingest.Outcome, error)
	PingThenFetch(ctx context.Context, provider vendor.Provider, providerUserID, activityID string) (ingest.Outcome, error)
	FetchCallback(ctx context.Context, provider vendor.Provider, providerUserID, callbackURL string) ([]ingest.Outcome, error)
	DeleteActivity(ctx context.Context, provider vendor.Provider, providerUserID, externalID string) (ingest.Outcome, error)
	Deregister(ctx context.Context, provider vendor.Provider, providerUserID string) (ingest.Outcome, error)
}

// NewIngestRouter registers a handler for every event kind backed by the ingestion service.
func NewIngestRouter(ingestor Ingestor) *Router {
	router := NewRouter()
	router.Register(KindActivityPush, HandlerFunc(func(ctx context.Context, event Event) Result {
		if event.Activity == nil {
			return Result{Err: fmt.Errorf("%w: push without activity", ErrMalformedPayload)}
		}
		activity := *event.Activity
		if activity.Provider == "" {
			activity.Provider = event.Provider
		}
		if activity.ProviderUserID == "" {
			activity.ProviderUserID = event.ProviderUserID
		}
		return single(ingestor.Push(ctx, activity))
	}))
	router.Register(KindActivityPing, HandlerFunc(func(ctx context.Context, event Event) Result {
		return single(ingestor.PingThenFetch(ctx, event.Provider, event.ProviderUserID, event.ActivityID))
	}))
	router.Register(KindActivityCallback, HandlerFunc(func(ctx context.Context, event Event) Result {
		outcomes, err := ingestor.FetchCallback(ctx, event.Provider, event.ProviderUserID, event.CallbackURL)
		return Result{Outcomes: outcomes, Err: err}
	}))
	router.Register(KindActivityDelete, HandlerFunc(func(ctx context.Context, event Event) Result {
		return single(ingestor.DeleteActivity(ctx, event.Provider, event.ProviderUserID, event.ActivityID))
	}))
	router.Register(KindDeregistration, HandlerFunc(func(ctx context.Context, event Event) Result {
		return single(ingestor.Deregister(ctx, event.Provider, event.ProviderUserID))
	}))
	return router
}

func single(outcome ingest.Outcome, err error) Result {
	if err != nil {
		return Result{Err: err}
	}
	return Result{Outcomes: []ingest.Outcome{outcome}}
}
