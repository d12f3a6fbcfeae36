package rides

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// UnmappedGear is a vendor gear id seen on the user's rides that no mapping covers yet.
type UnmappedGear struct {
	GearID    string `json:"gearId"`
	RideCount int64  `json:"rideCount"`
}

// MappingResult reports a gear mapping change and how many rides it reattributed.
type MappingResult struct {
	Mapping      GearMapping `json:"mapping"`
	RidesUpdated int         `json:"ridesUpdated"`
}

// CreateGearMapping points a vendor gear id at a bike and attributes every unassigned ride
// carrying that gear id to the bike.
func (s *Service) CreateGearMapping(ctx context.Context, userID string, provider vendor.Provider, gearID, bikeID string) (MappingResult, error) {
	gearID = strings.TrimSpace(gearID)
	bikeID = strings.TrimSpace(bikeID)
	if gearID == "" || bikeID == "" {
		return MappingResult{}, newServiceError(opCreateMapping, "missing_field", ErrInvalidInput)
	}
	mappingID, err := s.newID(opCreateMapping)
	if err != nil {
		return MappingResult{}, err
	}

	result := MappingResult{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.requireBike(tx, opCreateMapping, userID, bikeID); err != nil {
			return err
		}
		var existing int64
		if err := tx.Model(&GearMapping{}).
			Where("user_id = ? AND gear_id = ?", userID, gearID).
			Count(&existing).
			Error; err != nil {
			s.logError(opCreateMapping, "mapping_select_failed", err, zap.String("gear_id", gearID))
			return newServiceError(opCreateMapping, "mapping_select_failed", err)
		}
		if existing > 0 {
			return newServiceError(opCreateMapping, "mapping_exists", ErrConflict)
		}

		mapping := GearMapping{
			ID:       mappingID,
			UserID:   userID,
			GearID:   gearID,
			Provider: provider.String(),
			BikeID:   bikeID,
		}
		if err := tx.Create(&mapping).Error; err != nil {
			s.logError(opCreateMapping, "mapping_insert_failed", err, zap.String("gear_id", gearID))
			return newServiceError(opCreateMapping, "mapping_insert_failed", err)
		}

		var unassigned []Ride
		if err := tx.Where("user_id = ? AND gear_id = ? AND bike_id IS NULL", userID, gearID).
			Find(&unassigned).
			Error; err != nil {
			s.logError(opCreateMapping, "ride_select_failed", err, zap.String("gear_id", gearID))
			return newServiceError(opCreateMapping, "ride_select_failed", err)
		}
		for index := range unassigned {
			ride := &unassigned[index]
			before := *ride
			target := bikeID
			ride.BikeID = &target
			ride.Attribution = AttributionGearMapping
			if err := s.reattribute(tx, opCreateMapping, userID, &before, ride); err != nil {
				return err
			}
		}

		if err := tx.Where("mapping_id = ?", mapping.ID).Take(&mapping).Error; err != nil {
			s.logError(opCreateMapping, "mapping_reload_failed", err, zap.String("mapping_id", mapping.ID))
			return newServiceError(opCreateMapping, "mapping_reload_failed", err)
		}
		result = MappingResult{Mapping: mapping, RidesUpdated: len(unassigned)}
		return nil
	})
	if txErr != nil {
		return MappingResult{}, txErr
	}
	s.logger.Info("gear mapping created",
		zap.String("user_id", userID),
		zap.String("gear_id", gearID),
		zap.String("bike_id", bikeID),
		zap.Int("rides_updated", result.RidesUpdated))
	return result, nil
}

// DeleteGearMapping removes the mapping and unassigns the rides it attributed, reversing
// their hours. Rides the user reassigned by hand keep their bike.
func (s *Service) DeleteGearMapping(ctx context.Context, userID, mappingID string) (MappingResult, error) {
	result := MappingResult{}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var mapping GearMapping
		err := tx.Where("user_id = ? AND mapping_id = ?", userID, mappingID).Take(&mapping).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteMapping, "mapping_not_found", ErrNotFound)
		}
		if err != nil {
			s.logError(opDeleteMapping, "mapping_select_failed", err, zap.String("mapping_id", mappingID))
			return newServiceError(opDeleteMapping, "mapping_select_failed", err)
		}

		var attributed []Ride
		if err := tx.Where("user_id = ? AND gear_id = ? AND bike_id = ? AND attribution = ?",
			userID, mapping.GearID, mapping.BikeID, AttributionGearMapping).
			Find(&attributed).
			Error; err != nil {
			s.logError(opDeleteMapping, "ride_select_failed", err, zap.String("mapping_id", mappingID))
			return newServiceError(opDeleteMapping, "ride_select_failed", err)
		}
		for index := range attributed {
			ride := &attributed[index]
			before := *ride
			ride.BikeID = nil
			ride.Attribution = AttributionNone
			if err := s.reattribute(tx, opDeleteMapping, userID, &before, ride); err != nil {
				return err
			}
		}

		if err := tx.Where("mapping_id = ?", mapping.ID).Take(&mapping).Error; err != nil {
			s.logError(opDeleteMapping, "mapping_reload_failed", err, zap.String("mapping_id", mappingID))
			return newServiceError(opDeleteMapping, "mapping_reload_failed", err)
		}
		if mapping.AppliedSeconds != 0 {
			s.logger.Warn("gear mapping ledger out of balance after reversal",
				zap.String("mapping_id", mapping.ID),
				zap.Int64("applied_seconds", mapping.AppliedSeconds))
		}
		if err := tx.Delete(&mapping).Error; err != nil {
			s.logError(opDeleteMapping, "mapping_delete_failed", err, zap.String("mapping_id", mappingID))
			return newServiceError(opDeleteMapping, "mapping_delete_failed", err)
		}
		result = MappingResult{Mapping: mapping, RidesUpdated: len(attributed)}
		return nil
	})
	if txErr != nil {
		return MappingResult{}, txErr
	}
	return result, nil
}

// ListGearMappings returns the user's gear mappings.
func (s *Service) ListGearMappings(ctx context.Context, userID string) ([]GearMapping, error) {
	var mappings []GearMapping
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("gear_id ASC").
		Find(&mappings).
		Error; err != nil {
		s.logError(opListMappings, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListMappings, "query_failed", err)
	}
	return mappings, nil
}

// UnmappedGear returns, per gear id without a mapping, how many of the user's rides carry it.
func (s *Service) UnmappedGear(ctx context.Context, userID string) ([]UnmappedGear, error) {
	mapped := s.db.Model(&GearMapping{}).Select("gear_id").Where("user_id = ?", userID)
	var gear []UnmappedGear
	if err := s.db.WithContext(ctx).
		Model(&Ride{}).
		Select("gear_id, COUNT(*) AS ride_count").
		Where("user_id = ? AND gear_id <> ''", userID).
		Where("gear_id NOT IN (?)", mapped).
		Group("gear_id").
		Order("gear_id ASC").
		Scan(&gear).
		Error; err != nil {
		s.logError(opUnmappedGear, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opUnmappedGear, "query_failed", err)
	}
	return gear, nil
}

func (s *Service) reattribute(tx *gorm.DB, operation, userID string, before, after *Ride) error {
	if err := tx.Model(&Ride{}).
		Where("user_id = ? AND ride_id = ?", userID, after.ID).
		Updates(map[string]any{"bike_id": after.BikeID, "attribution": after.Attribution}).
		Error; err != nil {
		s.logError(operation, "ride_update_failed", err, zap.String("ride_id", after.ID))
		return newServiceError(operation, "ride_update_failed", err)
	}
	if err := Account(tx, userID, before, after); err != nil {
		s.logError(operation, "accounting_failed", err, zap.String("ride_id", after.ID))
		return newServiceError(operation, "accounting_failed", err)
	}
	return nil
}
