package ingest

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/ridelog/internal/rides"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome describes what ingesting one activity did.
type Outcome string

const (
	OutcomeCreated    Outcome = "created"
	OutcomeUpdated    Outcome = "updated"
	OutcomeFiltered   Outcome = "filtered"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeDeleted    Outcome = "deleted"
	OutcomeIgnored    Outcome = "ignored"
	OutcomeRevoked    Outcome = "revoked"
)

// resolveGear picks the bike for a ride carrying a vendor gear id: the mapped bike, else the
// user's only bike, else none. Only the mapping is a lasting rule; a single-bike default is
// stored on the ride and not revisited when a second bike is added.
func resolveGear(tx *gorm.DB, userID, gearID string) (*string, rides.Attribution, error) {
	mapped, err := rides.MappedBikeID(tx, userID, gearID)
	if err != nil {
		return nil, rides.AttributionNone, err
	}
	if mapped != nil {
		return mapped, rides.AttributionGearMapping, nil
	}
	single, err := rides.SingleBikeID(tx, userID)
	if err != nil {
		return nil, rides.AttributionNone, err
	}
	if single != nil {
		return single, rides.AttributionSingleBike, nil
	}
	return nil, rides.AttributionNone, nil
}

// upsert stores the ride keyed by its external id and moves hours from the stored state to
// the new one, all in one transaction.
func (s *Service) upsert(ctx context.Context, userID string, normalized NormalizedRide) (rides.Ride, Outcome, error) {
	var stored rides.Ride
	outcome := OutcomeUpdated
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := rides.LockRideByExternalID(tx, normalized.Provider, normalized.ExternalID)
		if err != nil {
			return fmt.Errorf("load ride: %w", err)
		}
		if existing == nil {
			outcome = OutcomeCreated
			created, err := s.createRide(tx, userID, normalized)
			if err != nil {
				return err
			}
			stored = created
			return nil
		}
		if existing.UserID != userID {
			return fmt.Errorf("%w: %s/%s", ErrOwnershipConflict, normalized.Provider, normalized.ExternalID)
		}
		updated, err := s.updateRide(tx, userID, existing, normalized)
		if err != nil {
			return err
		}
		stored = updated
		return nil
	})
	if txErr != nil {
		return rides.Ride{}, "", txErr
	}
	return stored, outcome, nil
}

func (s *Service) createRide(tx *gorm.DB, userID string, normalized NormalizedRide) (rides.Ride, error) {
	rideID, err := s.idProvider.NewID()
	if err != nil {
		return rides.Ride{}, fmt.Errorf("generate ride id: %w", err)
	}
	bikeID, attribution, err := resolveGear(tx, userID, normalized.GearID)
	if err != nil {
		return rides.Ride{}, fmt.Errorf("resolve gear: %w", err)
	}
	ride := rides.Ride{
		ID:                rideID,
		UserID:            userID,
		Source:            rides.SourceForProvider(normalized.Provider),
		StartTime:         normalized.StartTime,
		DurationSeconds:   normalized.DurationSeconds,
		DistanceMiles:     normalized.DistanceMiles,
		ElevationGainFeet: normalized.ElevationGainFeet,
		AverageHR:         normalized.AverageHR,
		RideType:          normalized.RideType,
		BikeID:            bikeID,
		Attribution:       attribution,
		GearID:            normalized.GearID,
		Location:          normalized.Location,
	}
	ride.SetExternalID(normalized.Provider, normalized.ExternalID)
	if err := tx.Create(&ride).Error; err != nil {
		return rides.Ride{}, fmt.Errorf("insert ride: %w", err)
	}
	if err := rides.Account(tx, userID, nil, &ride); err != nil {
		return rides.Ride{}, err
	}
	flagged, err := rides.FlagDuplicate(tx, &ride)
	if err != nil {
		return rides.Ride{}, fmt.Errorf("duplicate check: %w", err)
	}
	if flagged {
		s.logger.Info("ride flagged as duplicate",
			zap.String("user_id", userID),
			zap.String("ride_id", ride.ID),
			zap.String("duplicate_of_id", *ride.DuplicateOfID))
	}
	return ride, nil
}

// updateRide overwrites the vendor-owned fields. A location is only filled when none is
// stored, and the bike is only re-resolved when the ride has none or its gear changed
// under an automatic attribution. A bike the user cleared stays cleared unless new gear
// has a mapping.
func (s *Service) updateRide(tx *gorm.DB, userID string, existing *rides.Ride, normalized NormalizedRide) (rides.Ride, error) {
	before := *existing
	ride := existing

	ride.StartTime = normalized.StartTime
	ride.DurationSeconds = normalized.DurationSeconds
	ride.DistanceMiles = normalized.DistanceMiles
	ride.ElevationGainFeet = normalized.ElevationGainFeet
	ride.AverageHR = normalized.AverageHR
	ride.RideType = normalized.RideType
	if ride.Location == "" {
		ride.Location = normalized.Location
	}

	gearChanged := normalized.GearID != "" && normalized.GearID != ride.GearID
	if gearChanged {
		ride.GearID = normalized.GearID
	}
	switch {
	case ride.Attribution == rides.AttributionCleared:
		if gearChanged {
			mapped, err := rides.MappedBikeID(tx, userID, ride.GearID)
			if err != nil {
				return rides.Ride{}, fmt.Errorf("resolve gear: %w", err)
			}
			if mapped != nil {
				ride.BikeID = mapped
				ride.Attribution = rides.AttributionGearMapping
			}
		}
	case ride.BikeID == nil || (gearChanged && ride.Attribution != rides.AttributionManual):
		bikeID, attribution, err := resolveGear(tx, userID, ride.GearID)
		if err != nil {
			return rides.Ride{}, fmt.Errorf("resolve gear: %w", err)
		}
		if bikeID != nil || gearChanged {
			ride.BikeID = bikeID
			ride.Attribution = attribution
		}
	}

	if err := tx.Save(ride).Error; err != nil {
		return rides.Ride{}, fmt.Errorf("save ride: %w", err)
	}
	if err := rides.Account(tx, userID, &before, ride); err != nil {
		return rides.Ride{}, err
	}
	return *ride, nil
}
