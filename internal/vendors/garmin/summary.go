package garmin

import (
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
)

// Summary is one Garmin activity summary, as pushed to the webhook or returned by a
// callback or backfill fetch.
type Summary struct {
	UserID              string   `json:"userId"`
	UserAccessToken     string   `json:"userAccessToken,omitempty"`
	SummaryID           string   `json:"summaryId"`
	ActivityID          int64    `json:"activityId"`
	ActivityName        string   `json:"activityName"`
	ActivityType        string   `json:"activityType"`
	StartTimeInSeconds  int64    `json:"startTimeInSeconds"`
	DurationInSeconds   int      `json:"durationInSeconds"`
	DistanceInMeters    float64  `json:"distanceInMeters"`
	ElevationGainMeters float64  `json:"totalElevationGainInMeters"`
	AverageHeartRate    *int     `json:"averageHeartRateInBeatsPerMinute"`
	DeviceName          string   `json:"deviceName"`
	LocationName        string   `json:"locationName"`
	StartLatitude       *float64 `json:"startingLatitudeInDegree"`
	StartLongitude      *float64 `json:"startingLongitudeInDegree"`
}

// ExternalID is the activity id when present, otherwise the summary id with Garmin's
// "-detail" suffix removed.
func (s Summary) ExternalID() string {
	if s.ActivityID != 0 {
		return strconv.FormatInt(s.ActivityID, 10)
	}
	return strings.TrimSuffix(strings.TrimSpace(s.SummaryID), "-detail")
}

// Activity converts the summary to the vendor-neutral shape.
func (s Summary) Activity() vendor.Activity {
	activity := vendor.Activity{
		Provider:        vendor.ProviderGarmin,
		ExternalID:      s.ExternalID(),
		ProviderUserID:  strings.TrimSpace(s.UserID),
		Name:            s.ActivityName,
		Type:            s.ActivityType,
		DurationSeconds: s.DurationInSeconds,
		DistanceMeters:  s.DistanceInMeters,
		ElevationMeters: s.ElevationGainMeters,
		AverageHR:       s.AverageHeartRate,
		Locality:        strings.TrimSpace(s.LocationName),
		Latitude:        s.StartLatitude,
		Longitude:       s.StartLongitude,
	}
	if s.StartTimeInSeconds > 0 {
		activity.StartTime = time.Unix(s.StartTimeInSeconds, 0).UTC()
	}
	return activity
}
