package garmin

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
)

const summariesJSON = `[{
  "userId": "garmin-user-1",
  "summaryId": "5001-detail",
  "activityId": 5001,
  "activityName": "Gravel grind",
  "activityType": "GRAVEL_CYCLING",
  "startTimeInSeconds": 1714584600,
  "durationInSeconds": 7200,
  "distanceInMeters": 48280.3,
  "totalElevationGainInMeters": 512.0,
  "averageHeartRateInBeatsPerMinute": 133,
  "locationName": "Marin Headlands"
}]`

func TestFetchCallbackDecodesSummaries(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer access-1" {
			t.Errorf("unexpected authorization header %q", got)
		}
		if r.URL.Query().Get("token") != "abc" {
			t.Errorf("callback query must be preserved, got %v", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(summariesJSON))
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	activities, err := client.FetchCallback(context.Background(), "access-1", server.URL+"/callback?token=abc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(activities) != 1 {
		t.Fatalf("expected one activity, got %d", len(activities))
	}
	activity := activities[0]
	if activity.ExternalID != "5001" || activity.ProviderUserID != "garmin-user-1" {
		t.Fatalf("unexpected identity %+v", activity)
	}
	if activity.DurationSeconds != 7200 || activity.Locality != "Marin Headlands" {
		t.Fatalf("unexpected fields %+v", activity)
	}
	if activity.AverageHR == nil || *activity.AverageHR != 133 {
		t.Fatalf("unexpected heart rate %v", activity.AverageHR)
	}
	if !activity.StartTime.Equal(time.Unix(1714584600, 0)) {
		t.Fatalf("unexpected start %v", activity.StartTime)
	}
}

func TestFetchCallbackRejectsRelativeURL(t *testing.T) {
	client := NewClient(ClientConfig{})
	if _, err := client.FetchCallback(context.Background(), "access-1", "/relative"); err == nil {
		t.Fatalf("expected invalid callback url error")
	}
}

func TestBackfillClassifiesRejections(t *testing.T) {
	testCases := []struct {
		name      string
		status    int
		body      string
		wantErr   error
		wantFloor time.Time
	}{
		{
			name:    "in-progress",
			status:  http.StatusConflict,
			body:    `{"errorMessage":"duplicate backfill"}`,
			wantErr: vendor.ErrBackfillInProgress,
		},
		{
			name:      "floor",
			status:    http.StatusBadRequest,
			body:      `{"errorMessage":"start time is before min start time of 2024-02-10T00:00:00Z"}`,
			wantErr:   vendor.ErrWindowRejected,
			wantFloor: time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "unauthorized",
			status:  http.StatusUnauthorized,
			body:    `{}`,
			wantErr: vendor.ErrUnauthorized,
		},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(testCase.status)
				_, _ = w.Write([]byte(testCase.body))
			}))
			defer server.Close()

			client := NewClient(ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
			start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
			_, err := client.Backfill(context.Background(), "access-1", start, start.Add(30*24*time.Hour))
			if !errors.Is(err, testCase.wantErr) {
				t.Fatalf("expected %v, got %v", testCase.wantErr, err)
			}
			if !testCase.wantFloor.IsZero() {
				var rejected *vendor.WindowRejectedError
				if !errors.As(err, &rejected) {
					t.Fatalf("expected window rejection, got %T", err)
				}
				if !rejected.Floor.Equal(testCase.wantFloor) {
					t.Fatalf("expected floor %v, got %v", testCase.wantFloor, rejected.Floor)
				}
			}
		})
	}
}

func TestBackfillSendsWindowAndAcceptsEmptyBody(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != backfillPath {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("summaryStartTimeInSeconds") != "1704067200" ||
			r.URL.Query().Get("summaryEndTimeInSeconds") != "1704153600" {
			t.Errorf("unexpected window %v", r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(ClientConfig{BaseURL: server.URL, HTTPClient: server.Client()})
	activities, err := client.Backfill(context.Background(), "access-1", start, end)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(activities) != 0 {
		t.Fatalf("expected no synchronous activities, got %d", len(activities))
	}
}

func TestParseFloor(t *testing.T) {
	floor, ok := ParseFloor("Invalid request: min start time of 2023-11-05T08:30:00.000Z")
	if !ok || !floor.Equal(time.Date(2023, 11, 5, 8, 30, 0, 0, time.UTC)) {
		t.Fatalf("unexpected floor %v (%v)", floor, ok)
	}
	if _, ok := ParseFloor("something else entirely"); ok {
		t.Fatalf("expected no floor")
	}
}

func TestSummaryExternalIDFallsBackToSummaryID(t *testing.T) {
	summary := Summary{SummaryID: "abc-detail"}
	if summary.ExternalID() != "abc" {
		t.Fatalf("unexpected external id %q", summary.ExternalID())
	}
}
