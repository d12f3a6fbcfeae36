// Package rides owns the ride ledger, the equipment it is attributed to, and the hour
// accounting that keeps component wear consistent with it.
package rides

import (
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var noOpLogger = zap.NewNop()

const (
	opServiceNew       = "rides.service.new"
	opAddRide          = "rides.add_ride"
	opUpdateRide       = "rides.update_ride"
	opDeleteRide       = "rides.delete_ride"
	opGetRide          = "rides.get_ride"
	opListRides        = "rides.list_rides"
	opCreateBike       = "rides.create_bike"
	opCreateComponent  = "rides.create_component"
	opListBikes        = "rides.list_bikes"
	opListComponents   = "rides.list_components"
	opCreateMapping    = "rides.create_gear_mapping"
	opDeleteMapping    = "rides.delete_gear_mapping"
	opListMappings     = "rides.list_gear_mappings"
	opUnmappedGear     = "rides.unmapped_gear"
	opMerge            = "rides.merge"
	opMarkNotDuplicate = "rides.mark_not_duplicate"
	opListDuplicates   = "rides.list_duplicates"
)

// ServiceConfig describes the dependencies of the ride service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service exposes ride, equipment, gear mapping and duplicate operations. Every operation
// that changes both rides and component hours runs in one transaction.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the ride service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

func (s *Service) newID(operation string) (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(operation, "id_generation_failed", err)
		return "", newServiceError(operation, "id_generation_failed", err)
	}
	return id, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("rides service error", attrs...)
}
