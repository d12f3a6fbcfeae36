package rides

import (
	"context"
	"math"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	duplicateStartWindow       = 10 * time.Minute
	duplicateDurationTolerance = 0.10
)

// FlagDuplicate marks the ride as a duplicate of an earlier ride from a different source
// that starts within ten minutes of it and lasts within ten percent as long. A ride the
// user already dismissed is never flagged again.
func FlagDuplicate(tx *gorm.DB, ride *Ride) (bool, error) {
	if ride.IsDuplicate || ride.DuplicateDismissed {
		return false, nil
	}
	var candidates []Ride
	if err := tx.Where("user_id = ? AND ride_id <> ? AND source <> ? AND is_duplicate = ? AND start_time BETWEEN ? AND ?",
		ride.UserID, ride.ID, ride.Source, false,
		ride.StartTime.Add(-duplicateStartWindow), ride.StartTime.Add(duplicateStartWindow)).
		Order("created_at ASC").
		Find(&candidates).
		Error; err != nil {
		return false, err
	}
	for _, candidate := range candidates {
		if !similarDuration(candidate.DurationSeconds, ride.DurationSeconds) {
			continue
		}
		originalID := candidate.ID
		if err := tx.Model(&Ride{}).
			Where("ride_id = ?", ride.ID).
			Updates(map[string]any{"is_duplicate": true, "duplicate_of_id": originalID}).
			Error; err != nil {
			return false, err
		}
		ride.IsDuplicate = true
		ride.DuplicateOfID = &originalID
		return true, nil
	}
	return false, nil
}

func similarDuration(first, second int) bool {
	longer := math.Max(float64(first), float64(second))
	if longer <= 0 {
		return true
	}
	return math.Abs(float64(first-second)) <= longer*duplicateDurationTolerance
}

// ListDuplicates returns the user's rides flagged as duplicates.
func (s *Service) ListDuplicates(ctx context.Context, userID string) ([]Ride, error) {
	var rides []Ride
	if err := s.db.WithContext(ctx).
		Where("user_id = ? AND is_duplicate = ?", userID, true).
		Order("start_time DESC").
		Find(&rides).
		Error; err != nil {
		s.logError(opListDuplicates, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListDuplicates, "query_failed", err)
	}
	return rides, nil
}

// Merge keeps one ride and deletes the other. The discarded ride's hours are reversed
// before it is deleted, and its external ids move to the kept ride so later vendor updates
// land on the ride that survived.
func (s *Service) Merge(ctx context.Context, userID, keepID, discardID string) (Ride, error) {
	if keepID == discardID {
		return Ride{}, newServiceError(opMerge, "same_ride", ErrInvalidInput)
	}
	var kept Ride
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		keep, err := s.lockRide(tx, opMerge, userID, keepID)
		if err != nil {
			return err
		}
		discard, err := s.lockRide(tx, opMerge, userID, discardID)
		if err != nil {
			return err
		}

		carried := map[string]any{}
		for _, provider := range []vendor.Provider{vendor.ProviderStrava, vendor.ProviderGarmin} {
			discardedID := discard.ExternalID(provider)
			if discardedID == "" || keep.ExternalID(provider) != "" {
				continue
			}
			column, _ := ExternalIDColumn(provider)
			carried[column] = discardedID
			keep.SetExternalID(provider, discardedID)
		}

		if err := RemoveRide(tx, userID, discard); err != nil {
			s.logError(opMerge, "discard_failed", err, zap.String("ride_id", discardID))
			return newServiceError(opMerge, "discard_failed", err)
		}

		updates := map[string]any{"is_duplicate": false, "duplicate_of_id": nil}
		for column, value := range carried {
			updates[column] = value
		}
		if err := tx.Model(&Ride{}).
			Where("user_id = ? AND ride_id = ?", userID, keepID).
			Updates(updates).
			Error; err != nil {
			s.logError(opMerge, "keep_update_failed", err, zap.String("ride_id", keepID))
			return newServiceError(opMerge, "keep_update_failed", err)
		}
		keep.IsDuplicate = false
		keep.DuplicateOfID = nil
		kept = *keep
		return nil
	})
	if txErr != nil {
		return Ride{}, txErr
	}
	s.logger.Info("rides merged",
		zap.String("user_id", userID),
		zap.String("kept_ride_id", keepID),
		zap.String("discarded_ride_id", discardID))
	return kept, nil
}

// MarkNotDuplicate clears the duplicate flag and keeps it cleared on later ingestion.
func (s *Service) MarkNotDuplicate(ctx context.Context, userID, rideID string) (Ride, error) {
	var updated Ride
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ride, err := s.lockRide(tx, opMarkNotDuplicate, userID, rideID)
		if err != nil {
			return err
		}
		if err := tx.Model(&Ride{}).
			Where("user_id = ? AND ride_id = ?", userID, rideID).
			Updates(map[string]any{"is_duplicate": false, "duplicate_of_id": nil, "duplicate_dismissed": true}).
			Error; err != nil {
			s.logError(opMarkNotDuplicate, "ride_update_failed", err, zap.String("ride_id", rideID))
			return newServiceError(opMarkNotDuplicate, "ride_update_failed", err)
		}
		ride.IsDuplicate = false
		ride.DuplicateOfID = nil
		ride.DuplicateDismissed = true
		updated = *ride
		return nil
	})
	if txErr != nil {
		return Ride{}, txErr
	}
	return updated, nil
}
