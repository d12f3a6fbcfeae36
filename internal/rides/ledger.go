package rides

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LockRide loads one of the user's rides for update.
func LockRide(tx *gorm.DB, userID, rideID string) (*Ride, error) {
	var ride Ride
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ? AND ride_id = ?", userID, rideID).
		Take(&ride).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

// LockRideByExternalID loads the ride carrying the provider's activity id, or nil when
// none exists. External ids are unique across users.
func LockRideByExternalID(tx *gorm.DB, provider vendor.Provider, externalID string) (*Ride, error) {
	column, ok := ExternalIDColumn(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", vendor.ErrUnknownProvider, provider)
	}
	var ride Ride
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(column+" = ?", externalID).
		Take(&ride).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ride, nil
}

// ExistingExternalIDs returns the subset of ids already stored for the provider.
func ExistingExternalIDs(tx *gorm.DB, provider vendor.Provider, externalIDs []string) (map[string]struct{}, error) {
	existing := make(map[string]struct{}, len(externalIDs))
	if len(externalIDs) == 0 {
		return existing, nil
	}
	column, ok := ExternalIDColumn(provider)
	if !ok {
		return nil, fmt.Errorf("%w: %s", vendor.ErrUnknownProvider, provider)
	}
	var found []string
	if err := tx.Model(&Ride{}).
		Where(column+" IN ?", externalIDs).
		Pluck(column, &found).
		Error; err != nil {
		return nil, err
	}
	for _, id := range found {
		existing[id] = struct{}{}
	}
	return existing, nil
}

// RemoveRide reverses the ride's hours, releases rides flagged as its duplicates and
// deletes it.
func RemoveRide(tx *gorm.DB, userID string, ride *Ride) error {
	if err := Account(tx, userID, ride, nil); err != nil {
		return err
	}
	if err := tx.Model(&Ride{}).
		Where("user_id = ? AND duplicate_of_id = ?", userID, ride.ID).
		Updates(map[string]any{"is_duplicate": false, "duplicate_of_id": nil}).
		Error; err != nil {
		return fmt.Errorf("rides: release duplicates of %s: %w", ride.ID, err)
	}
	if err := tx.Where("user_id = ? AND ride_id = ?", userID, ride.ID).Delete(&Ride{}).Error; err != nil {
		return fmt.Errorf("rides: delete ride %s: %w", ride.ID, err)
	}
	return nil
}

// SingleBikeID returns the user's bike id when the user owns exactly one bike.
func SingleBikeID(tx *gorm.DB, userID string) (*string, error) {
	var bikeIDs []string
	if err := tx.Model(&Bike{}).
		Where("user_id = ?", userID).
		Limit(2).
		Pluck("bike_id", &bikeIDs).
		Error; err != nil {
		return nil, err
	}
	if len(bikeIDs) != 1 {
		return nil, nil
	}
	return &bikeIDs[0], nil
}

// MappedBikeID returns the bike a gear mapping points the gear id at, or nil.
func MappedBikeID(tx *gorm.DB, userID, gearID string) (*string, error) {
	if gearID == "" {
		return nil, nil
	}
	var mapping GearMapping
	err := tx.Where("user_id = ? AND gear_id = ?", userID, gearID).Take(&mapping).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &mapping.BikeID, nil
}

func ownsBike(tx *gorm.DB, userID, bikeID string) (bool, error) {
	var count int64
	err := tx.Model(&Bike{}).
		Where("user_id = ? AND bike_id = ?", userID, bikeID).
		Count(&count).
		Error
	return count > 0, err
}
