package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
)

const (
	stravaObjectActivity = "activity"
	stravaObjectAthlete  = "athlete"
)

type stravaEventPayload struct {
	ObjectType     string         `json:"object_type"`
	ObjectID       json.Number    `json:"object_id"`
	AspectType     string         `json:"aspect_type"`
	OwnerID        json.Number    `json:"owner_id"`
	SubscriptionID json.Number    `json:"subscription_id"`
	EventTime      int64          `json:"event_time"`
	Updates        map[string]any `json:"updates"`
}

// DecodeStrava turns a Strava push subscription callback into events. Activity creates and
// updates become pings because Strava only sends ids; an athlete update with
// authorized=false is a deauthorization. Other athlete updates yield no events.
func DecodeStrava(body []byte, receivedAt time.Time) ([]Event, error) {
	var payload stravaEventPayload
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	ownerID := numberString(payload.OwnerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: strava event without owner_id", ErrMalformedPayload)
	}
	event := Event{
		Provider:       vendor.ProviderStrava,
		ProviderUserID: ownerID,
		ReceivedAt:     receivedAt,
	}

	switch strings.ToLower(payload.ObjectType) {
	case stravaObjectActivity:
		event.ActivityID = numberString(payload.ObjectID)
		if event.ActivityID == "" {
			return nil, fmt.Errorf("%w: strava activity event without object_id", ErrMalformedPayload)
		}
		switch strings.ToLower(payload.AspectType) {
		case "create", "update":
			event.Kind = KindActivityPing
		case "delete":
			event.Kind = KindActivityDelete
		default:
			return nil, fmt.Errorf("%w: unknown aspect_type %q", ErrMalformedPayload, payload.AspectType)
		}
		return []Event{event}, nil
	case stravaObjectAthlete:
		if authorized, ok := payload.Updates["authorized"]; ok && strings.EqualFold(fmt.Sprint(authorized), "false") {
			event.Kind = KindDeregistration
			return []Event{event}, nil
		}
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown object_type %q", ErrMalformedPayload, payload.ObjectType)
	}
}

func numberString(value json.Number) string {
	raw := strings.TrimSpace(value.String())
	if raw == "" {
		return ""
	}
	if parsed, err := value.Int64(); err == nil {
		return strconv.FormatInt(parsed, 10)
	}
	return raw
}
