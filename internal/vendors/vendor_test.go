package vendor

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestParseProvider(t *testing.T) {
	provider, err := ParseProvider(" Strava ")
	if err != nil || provider != ProviderStrava {
		t.Fatalf("expected strava, got %q (%v)", provider, err)
	}
	if _, err := ParseProvider("polar"); !errors.Is(err, ErrUnknownProvider) {
		t.Fatalf("expected unknown provider error, got %v", err)
	}
}

func TestParseErrorResponseMapsStatuses(t *testing.T) {
	testCases := []struct {
		status int
		want   error
	}{
		{status: http.StatusUnauthorized, want: ErrUnauthorized},
		{status: http.StatusTooManyRequests, want: ErrRateLimited},
		{status: http.StatusNotFound, want: ErrNotFound},
	}
	for _, testCase := range testCases {
		recorder := httptest.NewRecorder()
		recorder.WriteHeader(testCase.status)
		_, _ = recorder.WriteString(`{"message":"nope"}`)
		response := recorder.Result()
		response.Request = httptest.NewRequest(http.MethodGet, "/api/v3/activities/1", http.NoBody)

		err := ParseErrorResponse(response)
		if !errors.Is(err, testCase.want) {
			t.Fatalf("status %d: expected %v, got %v", testCase.status, testCase.want, err)
		}
		body, _ := io.ReadAll(response.Body)
		if !strings.Contains(string(body), "nope") {
			t.Fatalf("expected body to remain readable")
		}
	}
}

func TestParseErrorResponseIgnoresSuccess(t *testing.T) {
	recorder := httptest.NewRecorder()
	recorder.WriteHeader(http.StatusAccepted)
	if err := ParseErrorResponse(recorder.Result()); err != nil {
		t.Fatalf("expected nil error for 202, got %v", err)
	}
}

func TestWindowRejectedErrorMatchesSentinel(t *testing.T) {
	floor := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	var err error = &WindowRejectedError{Floor: floor}
	if !errors.Is(err, ErrWindowRejected) {
		t.Fatalf("expected sentinel match")
	}
	var rejected *WindowRejectedError
	if !errors.As(err, &rejected) || !rejected.Floor.Equal(floor) {
		t.Fatalf("expected floor to be recoverable")
	}
}
