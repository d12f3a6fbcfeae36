package users

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&User{}, &Identity{}); err != nil {
		t.Fatalf("failed to migrate identity schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestLinkAndResolveIdentity(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.LinkIdentity(ctx, vendor.ProviderStrava, "12345", "user-1"); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	userID, err := service.ResolveUserID(ctx, vendor.ProviderStrava, "12345")
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "user-1" {
		t.Fatalf("expected user-1, got %q", userID)
	}

	// relinking the same pair is idempotent.
	if err := service.LinkIdentity(ctx, vendor.ProviderStrava, "12345", "user-1"); err != nil {
		t.Fatalf("relink failed: %v", err)
	}

	if _, err := service.ResolveUserID(ctx, vendor.ProviderGarmin, "12345"); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected identities to be scoped by provider, got %v", err)
	}
}

func TestLinkIdentityRefusesReassignment(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.LinkIdentity(ctx, vendor.ProviderGarmin, "garmin-user", "user-1"); err != nil {
		t.Fatalf("link failed: %v", err)
	}
	err := service.LinkIdentity(ctx, vendor.ProviderGarmin, "garmin-user", "user-2")
	if !errors.Is(err, ErrIdentityConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := service.UnlinkUser(ctx, "user-1", vendor.ProviderGarmin); err != nil {
		t.Fatalf("unlink failed: %v", err)
	}
	if _, err := service.ResolveUserID(ctx, vendor.ProviderGarmin, "garmin-user"); !errors.Is(err, ErrIdentityNotFound) {
		t.Fatalf("expected cached identity to be evicted, got %v", err)
	}
	if err := service.LinkIdentity(ctx, vendor.ProviderGarmin, "garmin-user", "user-2"); err != nil {
		t.Fatalf("expected relink after deletion to succeed: %v", err)
	}
}

func TestActiveDataSource(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	source, err := service.ActiveDataSource(ctx, "user-1")
	if err != nil || source != "" {
		t.Fatalf("expected no active source for unknown user, got %q (%v)", source, err)
	}
	if err := service.SetActiveDataSource(ctx, "user-1", vendor.ProviderGarmin); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := service.ClearActiveDataSourceIf(ctx, "user-1", vendor.ProviderStrava); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	source, _ = service.ActiveDataSource(ctx, "user-1")
	if source != vendor.ProviderGarmin {
		t.Fatalf("clearing a different provider must not touch the active source, got %q", source)
	}
	if err := service.ClearActiveDataSourceIf(ctx, "user-1", vendor.ProviderGarmin); err != nil {
		t.Fatalf("clear failed: %v", err)
	}
	source, _ = service.ActiveDataSource(ctx, "user-1")
	if source != "" {
		t.Fatalf("expected active source to be cleared, got %q", source)
	}
}
