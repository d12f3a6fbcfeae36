package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"gorm.io/gorm"
)

var (
	// ErrInvalidIdentity indicates that a provider identity is missing its subject or user.
	ErrInvalidIdentity = errors.New("users: invalid identity")
	// ErrIdentityNotFound indicates that no internal user is linked to the vendor user id.
	ErrIdentityNotFound = errors.New("users: identity not found")
	// ErrIdentityConflict indicates that the vendor user id is already linked to another user.
	ErrIdentityConflict = errors.New("users: identity linked to a different user")
)

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages users and their provider-specific identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache *sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: &sync.Map{},
	}, nil
}

// EnsureUser creates the user row for a session-authenticated id on first sight.
func (s *Service) EnsureUser(ctx context.Context, userID string) error {
	userID = normalize(userID)
	if userID == "" {
		return ErrInvalidIdentity
	}
	user := User{ID: userID}
	return s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		FirstOrCreate(&user).
		Error
}

// ActiveDataSource returns the provider the user has chosen as authoritative, or "" when
// every connected provider may ingest.
func (s *Service) ActiveDataSource(ctx context.Context, userID string) (vendor.Provider, error) {
	var user User
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return vendor.Provider(user.ActiveDataSource), nil
}

// SetActiveDataSource records the authoritative provider; an empty provider clears it.
func (s *Service) SetActiveDataSource(ctx context.Context, userID string, provider vendor.Provider) error {
	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ?", userID).
		Update("active_data_source", provider.String()).
		Error
}

// ClearActiveDataSourceIf clears the active data source only when it currently names the provider.
func (s *Service) ClearActiveDataSourceIf(ctx context.Context, userID string, provider vendor.Provider) error {
	return s.db.WithContext(ctx).
		Model(&User{}).
		Where("user_id = ? AND active_data_source = ?", userID, provider.String()).
		Update("active_data_source", "").
		Error
}

// LinkIdentity records that the vendor user id belongs to the internal user. Relinking to the
// same user refreshes last_seen_at; linking to a different user fails until the old link is removed.
func (s *Service) LinkIdentity(ctx context.Context, provider vendor.Provider, subject, userID string) error {
	subject = normalize(subject)
	userID = normalize(userID)
	if subject == "" || userID == "" {
		return ErrInvalidIdentity
	}
	if err := s.EnsureUser(ctx, userID); err != nil {
		return err
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider.String(), subject).
		Take(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:   provider.String(),
			Subject:    subject,
			UserID:     userID,
			LastSeenAt: s.now(),
		}
		if err := s.db.WithContext(ctx).Create(&identity).Error; err != nil {
			return err
		}
	case err != nil:
		return err
	case identity.UserID != userID:
		return fmt.Errorf("%w: %s/%s", ErrIdentityConflict, provider, subject)
	default:
		if err := s.db.WithContext(ctx).
			Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider.String(), subject).
			Update("last_seen_at", s.now()).
			Error; err != nil {
			return err
		}
	}

	s.cache.Store(cacheKey(provider, subject), userID)
	return nil
}

// ResolveUserID returns the internal user id linked to the vendor user id.
func (s *Service) ResolveUserID(ctx context.Context, provider vendor.Provider, subject string) (string, error) {
	subject = normalize(subject)
	if subject == "" {
		return "", ErrInvalidIdentity
	}
	key := cacheKey(provider, subject)
	if cached, ok := s.cache.Load(key); ok {
		if userID, ok := cached.(string); ok {
			return userID, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider.String(), subject).
		Take(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrIdentityNotFound
	}
	if err != nil {
		return "", err
	}
	s.cache.Store(key, identity.UserID)
	return identity.UserID, nil
}

// SubjectForUser returns the vendor user id linked to the internal user for the provider.
func (s *Service) SubjectForUser(ctx context.Context, userID string, provider vendor.Provider) (string, error) {
	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND user_id = ?", provider.String(), userID).
		Take(&identity).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrIdentityNotFound
	}
	if err != nil {
		return "", err
	}
	return identity.Subject, nil
}

// UnlinkUser removes the user's identity for the provider.
func (s *Service) UnlinkUser(ctx context.Context, userID string, provider vendor.Provider) error {
	var identities []Identity
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND user_id = ?", provider.String(), userID).
		Find(&identities).
		Error; err != nil {
		return err
	}
	if len(identities) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).
		Where("provider = ? AND user_id = ?", provider.String(), userID).
		Delete(&Identity{}).
		Error; err != nil {
		return err
	}
	for _, identity := range identities {
		s.cache.Delete(cacheKey(provider, identity.Subject))
	}
	return nil
}

func cacheKey(provider vendor.Provider, subject string) string {
	return provider.String() + ":" + subject
}
