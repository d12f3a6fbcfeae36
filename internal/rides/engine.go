package rides

import (
	"fmt"

	"gorm.io/gorm"
)

// RideState is the part of a ride that contributes to component hours.
type RideState struct {
	BikeID          *string
	DurationSeconds int
}

// Hours returns the ride time credited to components. Negative durations count as zero.
func (s RideState) Hours() float64 {
	if s.DurationSeconds <= 0 {
		return 0
	}
	return float64(s.DurationSeconds) / 3600
}

func (s RideState) bike() string {
	if s.BikeID == nil {
		return ""
	}
	return *s.BikeID
}

// ApplyDelta moves component hours from the previous state of a ride to its next state.
// It is the only code that changes hours_used in response to ride changes, and it must run
// inside the transaction that writes the ride.
//
// The previous bike loses prevHours and the next bike gains nextHours. When both are the same
// bike the two collapse into a single signed write. Every decrement is followed by a clamp
// pass over the touched bikes.
func ApplyDelta(tx *gorm.DB, userID string, previous, next RideState) error {
	deltas := make(map[string]float64, 2)
	order := make([]string, 0, 2)
	accumulate := func(bikeID string, hours float64) {
		if bikeID == "" {
			return
		}
		if _, seen := deltas[bikeID]; !seen {
			order = append(order, bikeID)
		}
		deltas[bikeID] += hours
	}
	accumulate(previous.bike(), -previous.Hours())
	accumulate(next.bike(), next.Hours())

	decremented := make([]string, 0, len(order))
	for _, bikeID := range order {
		delta := deltas[bikeID]
		if delta == 0 {
			continue
		}
		err := tx.Model(&Component{}).
			Where("user_id = ? AND bike_id = ?", userID, bikeID).
			Update("hours_used", gorm.Expr("CASE WHEN hours_used + ? < 0 THEN 0 ELSE hours_used + ? END", delta, delta)).
			Error
		if err != nil {
			return fmt.Errorf("rides: apply %.6f hours to bike %s: %w", delta, bikeID, err)
		}
		if delta < 0 {
			decremented = append(decremented, bikeID)
		}
	}
	if len(decremented) == 0 {
		return nil
	}
	return clampHours(tx, userID, decremented)
}

func clampHours(tx *gorm.DB, userID string, bikeIDs []string) error {
	err := tx.Model(&Component{}).
		Where("user_id = ? AND bike_id IN ? AND hours_used < 0", userID, bikeIDs).
		Update("hours_used", 0).
		Error
	if err != nil {
		return fmt.Errorf("rides: clamp component hours: %w", err)
	}
	return nil
}

// Account records a ride transition: hours move through ApplyDelta and the gear mapping
// ledger follows any ride attributed through a mapping. A nil before marks a new ride and
// a nil after marks a deleted one.
func Account(tx *gorm.DB, userID string, before, after *Ride) error {
	if err := ApplyDelta(tx, userID, before.State(), after.State()); err != nil {
		return err
	}
	if err := adjustMappingLedger(tx, userID, before, -1); err != nil {
		return err
	}
	return adjustMappingLedger(tx, userID, after, 1)
}

func adjustMappingLedger(tx *gorm.DB, userID string, ride *Ride, sign int64) error {
	if ride == nil || ride.Attribution != AttributionGearMapping || ride.GearID == "" || ride.BikeID == nil {
		return nil
	}
	seconds := int64(ride.DurationSeconds)
	if seconds <= 0 {
		return nil
	}
	err := tx.Model(&GearMapping{}).
		Where("user_id = ? AND gear_id = ? AND bike_id = ?", userID, ride.GearID, *ride.BikeID).
		Update("applied_seconds", gorm.Expr("applied_seconds + ?", sign*seconds)).
		Error
	if err != nil {
		return fmt.Errorf("rides: adjust gear mapping ledger: %w", err)
	}
	return nil
}
