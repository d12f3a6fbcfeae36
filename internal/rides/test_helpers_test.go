package rides

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testUserID = "user-1"

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "rides.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func mustBike(t *testing.T, service *Service, name string) Bike {
	t.Helper()
	bike, err := service.CreateBike(context.Background(), testUserID, BikeInput{Name: name})
	if err != nil {
		t.Fatalf("create bike failed: %v", err)
	}
	return bike
}

func mustComponent(t *testing.T, service *Service, bikeID string, slot Slot, hours float64) Component {
	t.Helper()
	component, err := service.CreateComponent(context.Background(), testUserID, ComponentInput{
		BikeID:    &bikeID,
		Slot:      slot,
		HoursUsed: hours,
	})
	if err != nil {
		t.Fatalf("create component failed: %v", err)
	}
	return component
}

func componentHours(t *testing.T, db *gorm.DB, componentID string) float64 {
	t.Helper()
	var component Component
	if err := db.Where("component_id = ?", componentID).Take(&component).Error; err != nil {
		t.Fatalf("failed to load component: %v", err)
	}
	return component.HoursUsed
}

func assertHours(t *testing.T, db *gorm.DB, componentID string, want float64) {
	t.Helper()
	got := componentHours(t, db, componentID)
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %.4f hours, got %.4f", want, got)
	}
}

// insertVendorRide stores a ride as ingestion would, without accounting.
func insertVendorRide(t *testing.T, db *gorm.DB, ride Ride) Ride {
	t.Helper()
	if ride.ID == "" {
		id, err := NewUUIDProvider().NewID()
		if err != nil {
			t.Fatalf("id generation failed: %v", err)
		}
		ride.ID = id
	}
	if ride.UserID == "" {
		ride.UserID = testUserID
	}
	if ride.StartTime.IsZero() {
		ride.StartTime = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	}
	if err := db.Create(&ride).Error; err != nil {
		t.Fatalf("failed to insert ride: %v", err)
	}
	return ride
}

func stringPointer(value string) *string {
	return &value
}
