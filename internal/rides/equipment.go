package rides

import (
	"context"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// BikeInput describes a new bike.
type BikeInput struct {
	Name  string
	Brand string
	Model string
}

// ComponentInput describes a new component. A nil BikeID registers a spare. HoursUsed seeds
// the counter for parts that already have wear.
type ComponentInput struct {
	BikeID            *string
	Slot              Slot
	Brand             string
	Model             string
	IsStock           bool
	ServiceDueAtHours *float64
	HoursUsed         float64
}

// CreateBike registers a bike for the user.
func (s *Service) CreateBike(ctx context.Context, userID string, input BikeInput) (Bike, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return Bike{}, newServiceError(opCreateBike, "missing_name", ErrInvalidInput)
	}
	bikeID, err := s.newID(opCreateBike)
	if err != nil {
		return Bike{}, err
	}
	bike := Bike{
		ID:     bikeID,
		UserID: userID,
		Name:   name,
		Brand:  strings.TrimSpace(input.Brand),
		Model:  strings.TrimSpace(input.Model),
	}
	if err := s.db.WithContext(ctx).Create(&bike).Error; err != nil {
		s.logError(opCreateBike, "bike_insert_failed", err, zap.String("user_id", userID))
		return Bike{}, newServiceError(opCreateBike, "bike_insert_failed", err)
	}
	bike.Components = []Component{}
	return bike, nil
}

// CreateComponent registers a component on one of the user's bikes or as a spare.
func (s *Service) CreateComponent(ctx context.Context, userID string, input ComponentInput) (Component, error) {
	slot := Slot(strings.ToLower(strings.TrimSpace(string(input.Slot))))
	if !slot.valid() {
		return Component{}, newServiceError(opCreateComponent, "invalid_slot", ErrInvalidInput)
	}
	if input.HoursUsed < 0 {
		return Component{}, newServiceError(opCreateComponent, "negative_hours", ErrInvalidInput)
	}
	componentID, err := s.newID(opCreateComponent)
	if err != nil {
		return Component{}, err
	}
	component := Component{
		ID:                componentID,
		UserID:            userID,
		Slot:              slot,
		Brand:             strings.TrimSpace(input.Brand),
		Model:             strings.TrimSpace(input.Model),
		IsStock:           input.IsStock,
		ServiceDueAtHours: input.ServiceDueAtHours,
		HoursUsed:         input.HoursUsed,
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if input.BikeID != nil {
			if err := s.requireBike(tx, opCreateComponent, userID, *input.BikeID); err != nil {
				return err
			}
			bikeID := *input.BikeID
			component.BikeID = &bikeID
		}
		if err := tx.Create(&component).Error; err != nil {
			s.logError(opCreateComponent, "component_insert_failed", err, zap.String("user_id", userID))
			return newServiceError(opCreateComponent, "component_insert_failed", err)
		}
		return nil
	})
	if txErr != nil {
		return Component{}, txErr
	}
	return component, nil
}

// ListBikes returns the user's bikes with their mounted components.
func (s *Service) ListBikes(ctx context.Context, userID string) ([]Bike, error) {
	var bikes []Bike
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&bikes).
		Error; err != nil {
		s.logError(opListBikes, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListBikes, "query_failed", err)
	}
	components, err := s.ListComponents(ctx, userID)
	if err != nil {
		return nil, err
	}
	byBike := make(map[string][]Component, len(bikes))
	for _, component := range components {
		if component.BikeID != nil {
			byBike[*component.BikeID] = append(byBike[*component.BikeID], component)
		}
	}
	for index := range bikes {
		bikes[index].Components = byBike[bikes[index].ID]
		if bikes[index].Components == nil {
			bikes[index].Components = []Component{}
		}
	}
	return bikes, nil
}

// ListComponents returns every component the user owns, spares included.
func (s *Service) ListComponents(ctx context.Context, userID string) ([]Component, error) {
	var components []Component
	if err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at ASC").
		Find(&components).
		Error; err != nil {
		s.logError(opListComponents, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListComponents, "query_failed", err)
	}
	return components, nil
}
