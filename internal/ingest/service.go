// Package ingest turns vendor activities into ledger rides: push and ping-then-fetch
// webhook events, user-initiated backfills, and vendor account lifecycle.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/rides"
	"github.com/MarcoPoloResearchLab/ridelog/internal/tokens"
	"github.com/MarcoPoloResearchLab/ridelog/internal/users"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

var (
	// ErrMalformedActivity indicates an activity missing the fields needed to store it.
	ErrMalformedActivity = errors.New("ingest: malformed activity")
	// ErrUnknownUser indicates that the vendor user id is not linked to any user.
	ErrUnknownUser = errors.New("ingest: unknown vendor user")
	// ErrOwnershipConflict indicates that an external id is already stored for another user.
	ErrOwnershipConflict = errors.New("ingest: activity belongs to another user")
	// ErrInvalidRange indicates a backfill range outside 1..365 days.
	ErrInvalidRange = errors.New("ingest: backfill days must be between 1 and 365")
	// ErrMissingCode indicates an OAuth callback without an authorization code.
	ErrMissingCode = errors.New("ingest: authorization code required")
	// ErrProviderUnavailable indicates that no fetcher is configured for the provider.
	ErrProviderUnavailable = errors.New("ingest: provider not configured")

	noOpLogger = zap.NewNop()
)

const (
	opServiceNew = "ingest.service.new"
	opIngest     = "ingest.activity"
	opPing       = "ingest.ping"
	opCallback   = "ingest.callback"
	opDelete     = "ingest.delete"
	opBackfill   = "ingest.backfill"
	opConnect    = "ingest.connect"
	opDisconnect = "ingest.disconnect"
)

// Credentials stores and refreshes vendor grants.
type Credentials interface {
	AccessToken(ctx context.Context, userID string, provider vendor.Provider, skew time.Duration) (string, error)
	ForceRefresh(ctx context.Context, userID string, provider vendor.Provider) (string, error)
	Exchange(ctx context.Context, provider vendor.Provider, code string) (*oauth2.Token, error)
	Save(ctx context.Context, userID string, provider vendor.Provider, token *oauth2.Token) error
	Delete(ctx context.Context, userID string, provider vendor.Provider) error
	Connected(ctx context.Context, userID string, provider vendor.Provider) (bool, error)
}

// Identities routes vendor user ids to users and tracks the active data source.
type Identities interface {
	ResolveUserID(ctx context.Context, provider vendor.Provider, subject string) (string, error)
	LinkIdentity(ctx context.Context, provider vendor.Provider, subject, userID string) error
	UnlinkUser(ctx context.Context, userID string, provider vendor.Provider) error
	SubjectForUser(ctx context.Context, userID string, provider vendor.Provider) (string, error)
	ActiveDataSource(ctx context.Context, userID string) (vendor.Provider, error)
	SetActiveDataSource(ctx context.Context, userID string, provider vendor.Provider) error
	ClearActiveDataSourceIf(ctx context.Context, userID string, provider vendor.Provider) error
}

// StravaFetcher is the part of the Strava client ingestion uses.
type StravaFetcher interface {
	GetActivity(ctx context.Context, accessToken, activityID string) (vendor.Activity, error)
	ListWindow(ctx context.Context, accessToken string, start, end time.Time) ([]vendor.Activity, error)
}

// GarminFetcher is the part of the Garmin client ingestion uses.
type GarminFetcher interface {
	FetchCallback(ctx context.Context, accessToken, callbackURL string) ([]vendor.Activity, error)
	Backfill(ctx context.Context, accessToken string, start, end time.Time) ([]vendor.Activity, error)
	UserID(ctx context.Context, accessToken string) (string, error)
}

// Notifier is told which of a user's rides an ingestion path changed.
type Notifier interface {
	RidesChanged(userID string, rideIDs []string)
}

// ServiceConfig describes the dependencies of the ingestion service.
type ServiceConfig struct {
	Database    *gorm.DB
	Credentials Credentials
	Identities  Identities
	Strava      StravaFetcher
	Garmin      GarminFetcher
	Notifier    Notifier
	IDProvider  rides.IDProvider
	Clock       func() time.Time
	Logger      *zap.Logger
	APISkew     time.Duration
	WebhookSkew time.Duration
	// BackfillWindows caps the span of one vendor request during backfill.
	BackfillWindows map[vendor.Provider]time.Duration
}

// Service runs every ingestion path through the same upsert-and-account transaction.
type Service struct {
	db          *gorm.DB
	credentials Credentials
	identities  Identities
	strava      StravaFetcher
	garmin      GarminFetcher
	notifier    Notifier
	idProvider  rides.IDProvider
	clock       func() time.Time
	logger      *zap.Logger
	apiSkew     time.Duration
	webhookSkew time.Duration
	windows     map[vendor.Provider]time.Duration
	backfills   sync.Map
}

// NewService constructs the ingestion service.
func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, fmt.Errorf("%s: database connection required", opServiceNew)
	case cfg.Credentials == nil:
		return nil, fmt.Errorf("%s: credential store required", opServiceNew)
	case cfg.Identities == nil:
		return nil, fmt.Errorf("%s: identity directory required", opServiceNew)
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = rides.NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	apiSkew := cfg.APISkew
	if apiSkew <= 0 {
		apiSkew = tokens.DefaultAPISkew
	}
	webhookSkew := cfg.WebhookSkew
	if webhookSkew <= 0 {
		webhookSkew = tokens.DefaultWebhookSkew
	}
	windows := map[vendor.Provider]time.Duration{
		vendor.ProviderStrava: 90 * 24 * time.Hour,
		vendor.ProviderGarmin: 30 * 24 * time.Hour,
	}
	for provider, window := range cfg.BackfillWindows {
		if window > 0 {
			windows[provider] = window
		}
	}
	return &Service{
		db:          cfg.Database,
		credentials: cfg.Credentials,
		identities:  cfg.Identities,
		strava:      cfg.Strava,
		garmin:      cfg.Garmin,
		notifier:    cfg.Notifier,
		idProvider:  idProvider,
		clock:       clock,
		logger:      logger,
		apiSkew:     apiSkew,
		webhookSkew: webhookSkew,
		windows:     windows,
	}, nil
}

// Retryable reports whether an ingestion error may succeed on another attempt. Missing
// users, missing grants, malformed payloads and conflicts never do.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrMalformedActivity),
		errors.Is(err, ErrUnknownUser),
		errors.Is(err, ErrOwnershipConflict),
		errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrMissingCode),
		errors.Is(err, tokens.ErrUnauthorized),
		errors.Is(err, tokens.ErrProviderNotConfigured),
		errors.Is(err, vendor.ErrUnauthorized),
		errors.Is(err, vendor.ErrNotFound),
		errors.Is(err, rides.ErrConflict),
		errors.Is(err, context.Canceled):
		return false
	default:
		return true
	}
}

func (s *Service) resolveUser(ctx context.Context, provider vendor.Provider, providerUserID string) (string, error) {
	if providerUserID == "" {
		return "", fmt.Errorf("%w: %s event carries no user id", ErrUnknownUser, provider)
	}
	userID, err := s.identities.ResolveUserID(ctx, provider, providerUserID)
	if errors.Is(err, users.ErrIdentityNotFound) || errors.Is(err, users.ErrInvalidIdentity) {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownUser, provider, providerUserID)
	}
	if err != nil {
		return "", err
	}
	return userID, nil
}

// suppressed reports whether webhook events from the provider are ignored because the user
// chose another provider as the active data source.
func (s *Service) suppressed(ctx context.Context, userID string, provider vendor.Provider) (bool, error) {
	active, err := s.identities.ActiveDataSource(ctx, userID)
	if err != nil {
		return false, err
	}
	return active != "" && active != provider, nil
}

// withToken calls fn with a fresh access token and, when the vendor rejects it, refreshes
// once and calls fn again.
func (s *Service) withToken(ctx context.Context, userID string, provider vendor.Provider, skew time.Duration, fn func(accessToken string) error) error {
	accessToken, err := s.credentials.AccessToken(ctx, userID, provider, skew)
	if err != nil {
		return err
	}
	err = fn(accessToken)
	if !errors.Is(err, vendor.ErrUnauthorized) {
		return err
	}
	s.logger.Info("vendor rejected access token; refreshing",
		zap.String("user_id", userID),
		zap.String("provider", provider.String()))
	accessToken, refreshErr := s.credentials.ForceRefresh(ctx, userID, provider)
	if refreshErr != nil {
		return refreshErr
	}
	return fn(accessToken)
}

func (s *Service) notify(userID string, rideIDs ...string) {
	if s.notifier != nil {
		s.notifier.RidesChanged(userID, rideIDs)
	}
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
	s.logger.Error("ingest service error", attrs...)
}
