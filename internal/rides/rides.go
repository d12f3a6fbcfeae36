package rides

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// RideInput carries the fields of a manually entered ride. A nil BikeID attributes the ride
// to the user's only bike when there is exactly one.
type RideInput struct {
	StartTime         time.Time
	DurationSeconds   int
	DistanceMiles     float64
	ElevationGainFeet float64
	AverageHR         *int
	RideType          string
	BikeID            *string
	Notes             string
	TrailSystem       string
	Location          string
}

// RideUpdate is a partial update of a ride. Unset fields keep their stored value.
type RideUpdate struct {
	StartTime         Optional[time.Time]
	DurationSeconds   Optional[int]
	DistanceMiles     Optional[float64]
	ElevationGainFeet Optional[float64]
	AverageHR         Optional[*int]
	RideType          Optional[string]
	BikeID            Optional[*string]
	Notes             Optional[string]
	TrailSystem       Optional[string]
	Location          Optional[string]
}

// AddRide records a manual ride and credits its hours.
func (s *Service) AddRide(ctx context.Context, userID string, input RideInput) (Ride, error) {
	if input.StartTime.IsZero() {
		return Ride{}, newServiceError(opAddRide, "missing_start_time", ErrInvalidInput)
	}
	if input.DurationSeconds < 0 {
		return Ride{}, newServiceError(opAddRide, "negative_duration", ErrInvalidInput)
	}
	rideID, err := s.newID(opAddRide)
	if err != nil {
		return Ride{}, err
	}

	ride := Ride{
		ID:                rideID,
		UserID:            userID,
		Source:            SourceManual,
		StartTime:         input.StartTime.UTC(),
		DurationSeconds:   input.DurationSeconds,
		DistanceMiles:     input.DistanceMiles,
		ElevationGainFeet: input.ElevationGainFeet,
		AverageHR:         input.AverageHR,
		RideType:          strings.TrimSpace(input.RideType),
		Notes:             input.Notes,
		TrailSystem:       strings.TrimSpace(input.TrailSystem),
		Location:          strings.TrimSpace(input.Location),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.BikeID != nil {
			if err := s.requireBike(tx, opAddRide, userID, *input.BikeID); err != nil {
				return err
			}
			bikeID := *input.BikeID
			ride.BikeID = &bikeID
			ride.Attribution = AttributionManual
		} else {
			bikeID, err := SingleBikeID(tx, userID)
			if err != nil {
				s.logError(opAddRide, "bike_lookup_failed", err, zap.String("user_id", userID))
				return newServiceError(opAddRide, "bike_lookup_failed", err)
			}
			if bikeID != nil {
				ride.BikeID = bikeID
				ride.Attribution = AttributionSingleBike
			}
		}
		if err := tx.Create(&ride).Error; err != nil {
			s.logError(opAddRide, "ride_insert_failed", err, zap.String("user_id", userID))
			return newServiceError(opAddRide, "ride_insert_failed", err)
		}
		if err := Account(tx, userID, nil, &ride); err != nil {
			s.logError(opAddRide, "accounting_failed", err, zap.String("ride_id", ride.ID))
			return newServiceError(opAddRide, "accounting_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Ride{}, txErr
	}
	return ride, nil
}

// UpdateRide applies a partial update and moves hours from the ride's old state to its new one.
func (s *Service) UpdateRide(ctx context.Context, userID, rideID string, update RideUpdate) (Ride, error) {
	if duration, ok := update.DurationSeconds.Get(); ok && duration < 0 {
		return Ride{}, newServiceError(opUpdateRide, "negative_duration", ErrInvalidInput)
	}
	if start, ok := update.StartTime.Get(); ok && start.IsZero() {
		return Ride{}, newServiceError(opUpdateRide, "missing_start_time", ErrInvalidInput)
	}

	var updated Ride
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ride, err := s.lockRide(tx, opUpdateRide, userID, rideID)
		if err != nil {
			return err
		}
		before := *ride

		update.StartTime.applyTo(&ride.StartTime)
		ride.StartTime = ride.StartTime.UTC()
		update.DurationSeconds.applyTo(&ride.DurationSeconds)
		update.DistanceMiles.applyTo(&ride.DistanceMiles)
		update.ElevationGainFeet.applyTo(&ride.ElevationGainFeet)
		update.AverageHR.applyTo(&ride.AverageHR)
		update.RideType.applyTo(&ride.RideType)
		update.Notes.applyTo(&ride.Notes)
		update.TrailSystem.applyTo(&ride.TrailSystem)
		update.Location.applyTo(&ride.Location)
		if bikeID, ok := update.BikeID.Get(); ok {
			if bikeID != nil {
				if err := s.requireBike(tx, opUpdateRide, userID, *bikeID); err != nil {
					return err
				}
				value := *bikeID
				ride.BikeID = &value
				ride.Attribution = AttributionManual
			} else {
				ride.BikeID = nil
				ride.Attribution = AttributionCleared
			}
		}

		if err := tx.Save(ride).Error; err != nil {
			s.logError(opUpdateRide, "ride_save_failed", err, zap.String("ride_id", rideID))
			return newServiceError(opUpdateRide, "ride_save_failed", err)
		}
		if err := Account(tx, userID, &before, ride); err != nil {
			s.logError(opUpdateRide, "accounting_failed", err, zap.String("ride_id", rideID))
			return newServiceError(opUpdateRide, "accounting_failed", err)
		}
		updated = *ride
		return nil
	})
	if txErr != nil {
		return Ride{}, txErr
	}
	return updated, nil
}

// DeleteRide removes the ride and reverses its hours.
func (s *Service) DeleteRide(ctx context.Context, userID, rideID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ride, err := s.lockRide(tx, opDeleteRide, userID, rideID)
		if err != nil {
			return err
		}
		if err := RemoveRide(tx, userID, ride); err != nil {
			s.logError(opDeleteRide, "ride_delete_failed", err, zap.String("ride_id", rideID))
			return newServiceError(opDeleteRide, "ride_delete_failed", err)
		}
		return nil
	})
}

// GetRide returns one of the user's rides.
func (s *Service) GetRide(ctx context.Context, userID, rideID string) (Ride, error) {
	var ride Ride
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND ride_id = ?", userID, rideID).
		Take(&ride).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Ride{}, newServiceError(opGetRide, "ride_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGetRide, "query_failed", err, zap.String("ride_id", rideID))
		return Ride{}, newServiceError(opGetRide, "query_failed", err)
	}
	return ride, nil
}

// ListRides returns the user's rides, newest first.
func (s *Service) ListRides(ctx context.Context, userID string) ([]Ride, error) {
	var rides []Ride
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("start_time DESC").
		Find(&rides).
		Error; err != nil {
		s.logError(opListRides, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListRides, "query_failed", err)
	}
	return rides, nil
}

func (s *Service) lockRide(tx *gorm.DB, operation, userID, rideID string) (*Ride, error) {
	ride, err := LockRide(tx, userID, rideID)
	if errors.Is(err, ErrNotFound) {
		return nil, newServiceError(operation, "ride_not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(operation, "ride_select_failed", err, zap.String("ride_id", rideID))
		return nil, newServiceError(operation, "ride_select_failed", err)
	}
	return ride, nil
}

func (s *Service) requireBike(tx *gorm.DB, operation, userID, bikeID string) error {
	owned, err := ownsBike(tx, userID, bikeID)
	if err != nil {
		s.logError(operation, "bike_lookup_failed", err, zap.String("bike_id", bikeID))
		return newServiceError(operation, "bike_lookup_failed", err)
	}
	if !owned {
		return newServiceError(operation, "bike_not_found", ErrNotFound)
	}
	return nil
}
