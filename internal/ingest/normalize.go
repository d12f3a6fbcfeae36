package ingest

import (
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
)

const (
	milesPerMeter = 0.000621371
	feetPerMeter  = 3.28084
)

// Ride types stored on the ledger.
const (
	RideTypeCycling    = "cycling"
	RideTypeRoad       = "road"
	RideTypeMountain   = "mountain"
	RideTypeGravel     = "gravel"
	RideTypeCyclocross = "cyclocross"
	RideTypeEBike      = "ebike"
	RideTypeEMountain  = "emtb"
	RideTypeVirtual    = "virtual"
	RideTypeIndoor     = "indoor"
	RideTypeTrack      = "track"
	RideTypeBMX        = "bmx"
	RideTypeHandcycle  = "handcycle"
)

// cyclingTypes maps vendor activity types, upper-cased with separators removed, to the
// ride type stored on the ledger. Anything absent is not a ride.
var cyclingTypes = map[string]string{
	// Strava sport types.
	"RIDE":              RideTypeCycling,
	"ROADRIDE":          RideTypeRoad,
	"MOUNTAINBIKERIDE":  RideTypeMountain,
	"GRAVELRIDE":        RideTypeGravel,
	"EBIKERIDE":         RideTypeEBike,
	"EMOUNTAINBIKERIDE": RideTypeEMountain,
	"VIRTUALRIDE":       RideTypeVirtual, // also Garmin VIRTUAL_RIDE
	"VELOMOBILE":        RideTypeCycling,
	"HANDCYCLE":         RideTypeHandcycle,
	// Garmin activity types.
	"CYCLING":           RideTypeCycling,
	"ROADBIKING":        RideTypeRoad,
	"MOUNTAINBIKING":    RideTypeMountain,
	"DOWNHILLBIKING":    RideTypeMountain,
	"GRAVELCYCLING":     RideTypeGravel,
	"CYCLOCROSS":        RideTypeCyclocross,
	"EBIKEFITNESS":      RideTypeEBike,
	"EBIKEMOUNTAIN":     RideTypeEMountain,
	"INDOORCYCLING":     RideTypeIndoor,
	"TRACKCYCLING":      RideTypeTrack,
	"BMX":               RideTypeBMX,
	"RECUMBENTCYCLING":  RideTypeCycling,
	"HANDCYCLING":       RideTypeHandcycle,
	"INDOORHANDCYCLING": RideTypeHandcycle,
}

// NormalizedRide is a vendor activity in ledger units.
type NormalizedRide struct {
	Provider          vendor.Provider
	ExternalID        string
	ProviderUserID    string
	StartTime         time.Time
	DurationSeconds   int
	DistanceMiles     float64
	ElevationGainFeet float64
	AverageHR         *int
	RideType          string
	GearID            string
	Location          string
}

// Normalize converts a vendor activity into ledger units. It reports false for activities
// that are not rides; those are discarded. An activity without an id or start time is
// malformed.
func Normalize(activity vendor.Activity) (NormalizedRide, bool, error) {
	externalID := strings.TrimSpace(activity.ExternalID)
	if externalID == "" {
		return NormalizedRide{}, false, fmt.Errorf("%w: missing activity id", ErrMalformedActivity)
	}
	rideType, ok := ClassifyActivityType(activity.Type)
	if !ok {
		return NormalizedRide{}, false, nil
	}
	if activity.StartTime.IsZero() {
		return NormalizedRide{}, false, fmt.Errorf("%w: activity %s has no start time", ErrMalformedActivity, externalID)
	}
	duration := activity.DurationSeconds
	if duration < 0 {
		duration = 0
	}
	var averageHR *int
	if activity.AverageHR != nil && *activity.AverageHR > 0 {
		value := *activity.AverageHR
		averageHR = &value
	}
	return NormalizedRide{
		Provider:          activity.Provider,
		ExternalID:        externalID,
		ProviderUserID:    strings.TrimSpace(activity.ProviderUserID),
		StartTime:         activity.StartTime.UTC(),
		DurationSeconds:   duration,
		DistanceMiles:     activity.DistanceMeters * milesPerMeter,
		ElevationGainFeet: activity.ElevationMeters * feetPerMeter,
		AverageHR:         averageHR,
		RideType:          rideType,
		GearID:            strings.TrimSpace(activity.GearID),
		Location:          DeriveLocation(activity),
	}, true, nil
}

// ClassifyActivityType maps a vendor activity type to a ledger ride type.
func ClassifyActivityType(raw string) (string, bool) {
	key := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToUpper(r)
		}
		return -1
	}, raw)
	rideType, ok := cyclingTypes[key]
	return rideType, ok
}

// DeriveLocation picks the most specific description available: city and state, city and
// country, state and country, any single place name, then coordinates to three decimals.
func DeriveLocation(activity vendor.Activity) string {
	city := strings.TrimSpace(activity.City)
	state := strings.TrimSpace(activity.State)
	country := strings.TrimSpace(activity.Country)
	switch {
	case city != "" && state != "":
		return city + ", " + state
	case city != "" && country != "":
		return city + ", " + country
	case state != "" && country != "":
		return state + ", " + country
	}
	for _, single := range []string{strings.TrimSpace(activity.Locality), city, state, country} {
		if single != "" {
			return single
		}
	}
	if activity.Latitude != nil && activity.Longitude != nil {
		return fmt.Sprintf("%.3f, %.3f", *activity.Latitude, *activity.Longitude)
	}
	return ""
}
