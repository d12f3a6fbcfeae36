package webhooks

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors/garmin"
)

const garminActivityExportPermission = "ACTIVITY_EXPORT"

type garminActivityEntry struct {
	garmin.Summary
	CallbackURL string `json:"callbackURL"`
}

// garminDetailEntry is an activityDetails notification entry. Its summary fields sit in a
// nested object next to the samples.
type garminDetailEntry struct {
	UserID      string         `json:"userId"`
	SummaryID   string         `json:"summaryId"`
	ActivityID  int64          `json:"activityId"`
	CallbackURL string         `json:"callbackURL"`
	Summary     garmin.Summary `json:"summary"`
}

func (e garminDetailEntry) activityEntry() garminActivityEntry {
	summary := e.Summary
	if summary.UserID == "" {
		summary.UserID = e.UserID
	}
	if summary.SummaryID == "" {
		summary.SummaryID = e.SummaryID
	}
	if summary.ActivityID == 0 {
		summary.ActivityID = e.ActivityID
	}
	return garminActivityEntry{Summary: summary, CallbackURL: e.CallbackURL}
}

type garminActivityPayload struct {
	Activities       []garminActivityEntry `json:"activities"`
	ActivityDetails  []garminDetailEntry   `json:"activityDetails"`
	ManuallyUpdated  []garminActivityEntry `json:"manuallyUpdatedActivities"`
	Deregistrations  []garminUserEntry     `json:"deregistrations"`
	PermissionChange []garminUserEntry     `json:"userPermissionsChange"`
}

type garminUserEntry struct {
	UserID          string   `json:"userId"`
	UserAccessToken string   `json:"userAccessToken"`
	Permissions     []string `json:"permissions"`
}

// DecodeGarminActivities turns a Garmin activity notification into events. Entries with a
// callbackURL are ping notifications; entries with summary fields are pushes.
func DecodeGarminActivities(body []byte, receivedAt time.Time) ([]Event, error) {
	payload, err := decodeGarmin(body)
	if err != nil {
		return nil, err
	}
	entries := make([]garminActivityEntry, 0, len(payload.Activities)+len(payload.ActivityDetails)+len(payload.ManuallyUpdated))
	entries = append(entries, payload.Activities...)
	for _, detail := range payload.ActivityDetails {
		entries = append(entries, detail.activityEntry())
	}
	entries = append(entries, payload.ManuallyUpdated...)
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: garmin notification without activities", ErrMalformedPayload)
	}

	events := make([]Event, 0, len(entries))
	for _, entry := range entries {
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			return nil, fmt.Errorf("%w: garmin entry without userId", ErrMalformedPayload)
		}
		event := Event{
			Provider:       vendor.ProviderGarmin,
			ProviderUserID: userID,
			ReceivedAt:     receivedAt,
		}
		if callbackURL := strings.TrimSpace(entry.CallbackURL); callbackURL != "" {
			event.Kind = KindActivityCallback
			event.CallbackURL = callbackURL
		} else {
			activity := entry.Summary.Activity()
			event.Kind = KindActivityPush
			event.ActivityID = activity.ExternalID
			event.Activity = &activity
		}
		events = append(events, event)
	}
	return events, nil
}

// DecodeGarminAccount turns a Garmin deregistration or permission-change notification into
// deregistration events. A permission change that keeps ACTIVITY_EXPORT yields no event.
func DecodeGarminAccount(body []byte, receivedAt time.Time) ([]Event, error) {
	payload, err := decodeGarmin(body)
	if err != nil {
		return nil, err
	}
	if len(payload.Deregistrations) == 0 && len(payload.PermissionChange) == 0 {
		return nil, fmt.Errorf("%w: garmin notification without deregistrations", ErrMalformedPayload)
	}

	var events []Event
	revoke := func(entry garminUserEntry) error {
		userID := strings.TrimSpace(entry.UserID)
		if userID == "" {
			return fmt.Errorf("%w: garmin entry without userId", ErrMalformedPayload)
		}
		events = append(events, Event{
			Kind:           KindDeregistration,
			Provider:       vendor.ProviderGarmin,
			ProviderUserID: userID,
			ReceivedAt:     receivedAt,
		})
		return nil
	}
	for _, entry := range payload.Deregistrations {
		if err := revoke(entry); err != nil {
			return nil, err
		}
	}
	for _, entry := range payload.PermissionChange {
		if hasPermission(entry.Permissions, garminActivityExportPermission) {
			continue
		}
		if err := revoke(entry); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func decodeGarmin(body []byte) (garminActivityPayload, error) {
	var payload garminActivityPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return garminActivityPayload{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return payload, nil
}

func hasPermission(permissions []string, permission string) bool {
	for _, candidate := range permissions {
		if strings.EqualFold(strings.TrimSpace(candidate), permission) {
			return true
		}
	}
	return false
}
