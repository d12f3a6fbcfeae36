// Package vendor holds the provider names and the error taxonomy shared by the
// activity fetchers and the ingestion paths.
package vendor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Provider names an external activity source.
type Provider string

const (
	// ProviderStrava identifies Strava (ping-then-fetch webhooks).
	ProviderStrava Provider = "strava"
	// ProviderGarmin identifies Garmin Connect (push webhooks).
	ProviderGarmin Provider = "garmin"
)

// ErrUnknownProvider indicates that a provider name is not supported.
var ErrUnknownProvider = errors.New("vendor: unknown provider")

// ParseProvider validates a provider name.
func ParseProvider(raw string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(raw))) {
	case ProviderStrava:
		return ProviderStrava, nil
	case ProviderGarmin:
		return ProviderGarmin, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, raw)
	}
}

// String returns the provider name.
func (p Provider) String() string {
	return string(p)
}

var (
	// ErrUnauthorized is returned when the vendor rejects the access token.
	ErrUnauthorized = errors.New("vendor: unauthorized")
	// ErrRateLimited is returned when the vendor throttles the caller.
	ErrRateLimited = errors.New("vendor: rate limited")
	// ErrNotFound is returned when the vendor has no such activity.
	ErrNotFound = errors.New("vendor: not found")
	// ErrBackfillInProgress is returned when the vendor reports a backfill already in flight.
	ErrBackfillInProgress = errors.New("vendor: backfill already in progress")
	// ErrWindowRejected is matched by every *WindowRejectedError.
	ErrWindowRejected = errors.New("vendor: window rejected")
)

// WindowRejectedError reports that the vendor refused a request window because it starts
// before the earliest instant the vendor holds data for.
type WindowRejectedError struct {
	Floor time.Time
	Cause error
}

func (e *WindowRejectedError) Error() string {
	return fmt.Sprintf("vendor: window rejected, earliest start %s", e.Floor.UTC().Format(time.RFC3339))
}

// Is lets errors.Is match ErrWindowRejected.
func (e *WindowRejectedError) Is(target error) bool {
	return target == ErrWindowRejected
}

func (e *WindowRejectedError) Unwrap() error {
	return e.Cause
}

const maxErrorBodySize = 500

// HTTPError captures a non-success vendor response.
type HTTPError struct {
	StatusCode int
	Body       string
	URL        string
}

func (e *HTTPError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("vendor: %s returned status %d: %s", e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("vendor: %s returned status %d", e.URL, e.StatusCode)
}

// Unwrap maps well-known statuses onto the sentinel taxonomy.
func (e *HTTPError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusTooManyRequests:
		return ErrRateLimited
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return nil
	}
}

// ParseErrorResponse returns nil for 2xx/3xx responses and an *HTTPError otherwise.
// The body is re-wrapped so the caller can still read it.
func ParseErrorResponse(resp *http.Response) error {
	if resp.StatusCode < http.StatusBadRequest {
		return nil
	}
	bodyBytes, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(bodyBytes))

	body := ""
	if err == nil {
		body = string(bodyBytes)
		if len(body) > maxErrorBodySize {
			body = body[:maxErrorBodySize] + "..."
		}
	}
	requestURL := ""
	if resp.Request != nil && resp.Request.URL != nil {
		requestURL = resp.Request.URL.Path
	}
	return &HTTPError{StatusCode: resp.StatusCode, Body: body, URL: requestURL}
}

// Activity is the vendor-neutral shape a fetcher hands to the normalizer. Pointer fields are
// absent when the vendor omitted them.
type Activity struct {
	Provider        Provider
	ExternalID      string
	ProviderUserID  string
	Name            string
	Type            string
	StartTime       time.Time
	DurationSeconds int
	DistanceMeters  float64
	ElevationMeters float64
	AverageHR       *int
	GearID          string
	City            string
	State           string
	Country         string
	Locality        string
	Latitude        *float64
	Longitude       *float64
}
