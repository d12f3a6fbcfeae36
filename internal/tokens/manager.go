package tokens

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"gorm.io/gorm"
)

const (
	// DefaultAPISkew is the refresh margin applied before direct API calls.
	DefaultAPISkew = time.Minute
	// DefaultWebhookSkew is the refresh margin applied before webhook-triggered calls,
	// which may sit in the queue before running.
	DefaultWebhookSkew = 5 * time.Minute
)

var (
	// ErrUnauthorized indicates that no usable credential exists for the user and provider.
	ErrUnauthorized = errors.New("tokens: unauthorized")
	// ErrRefreshFailed indicates that the vendor rejected the refresh exchange.
	ErrRefreshFailed = errors.New("tokens: refresh failed")
	// ErrProviderNotConfigured indicates that no OAuth client is configured for the provider.
	ErrProviderNotConfigured = errors.New("tokens: provider not configured")
)

// ManagerConfig describes the dependencies of the token manager.
type ManagerConfig struct {
	Database   *gorm.DB
	OAuth      map[vendor.Provider]*oauth2.Config
	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Manager persists vendor credentials and refreshes them before they expire.
//
// Concurrent refreshes for the same user are not serialised: two requests racing past the
// expiry check both refresh, both tokens are usable, and the last write wins.
type Manager struct {
	db         *gorm.DB
	oauth      map[vendor.Provider]*oauth2.Config
	httpClient *http.Client
	clock      func() time.Time
	logger     *zap.Logger
}

// NewManager constructs a Manager.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Database == nil {
		return nil, errors.New("tokens: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	oauthConfigs := make(map[vendor.Provider]*oauth2.Config, len(cfg.OAuth))
	for provider, oauthConfig := range cfg.OAuth {
		if oauthConfig != nil {
			oauthConfigs[provider] = oauthConfig
		}
	}
	return &Manager{
		db:         cfg.Database,
		oauth:      oauthConfigs,
		httpClient: httpClient,
		clock:      clock,
		logger:     logger,
	}, nil
}

// AccessToken returns an access token valid for at least skew. A token inside the skew window
// is refreshed and persisted before it is returned.
func (m *Manager) AccessToken(ctx context.Context, userID string, provider vendor.Provider, skew time.Duration) (string, error) {
	credential, err := m.load(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	if !credential.needsRefresh(m.clock(), skew) {
		return credential.AccessToken, nil
	}
	refreshed, err := m.refresh(ctx, credential)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// ForceRefresh refreshes the credential regardless of its expiry, used after the vendor
// rejected a token the manager believed valid.
func (m *Manager) ForceRefresh(ctx context.Context, userID string, provider vendor.Provider) (string, error) {
	credential, err := m.load(ctx, userID, provider)
	if err != nil {
		return "", err
	}
	refreshed, err := m.refresh(ctx, credential)
	if err != nil {
		return "", err
	}
	return refreshed.AccessToken, nil
}

// Exchange trades an authorization code for a token.
func (m *Manager) Exchange(ctx context.Context, provider vendor.Provider, code string) (*oauth2.Token, error) {
	oauthConfig, ok := m.oauth[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}
	token, err := oauthConfig.Exchange(m.clientContext(ctx), strings.TrimSpace(code))
	if err != nil {
		return nil, classifyRetrieveError(err)
	}
	return token, nil
}

// Save stores a freshly authorized token, replacing any previous grant. An empty refresh
// token in the new grant keeps the stored one.
func (m *Manager) Save(ctx context.Context, userID string, provider vendor.Provider, token *oauth2.Token) error {
	if token == nil || strings.TrimSpace(token.AccessToken) == "" {
		return fmt.Errorf("%w: empty access token", ErrUnauthorized)
	}
	var existing Credential
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider.String()).
		Take(&existing).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return m.db.WithContext(ctx).Create(&Credential{
			UserID:       userID,
			Provider:     provider.String(),
			AccessToken:  token.AccessToken,
			RefreshToken: token.RefreshToken,
			ExpiresAt:    token.Expiry,
		}).Error
	}
	if err != nil {
		return err
	}
	return m.persist(ctx, existing, token)
}

// Delete removes the stored grant. Deleting a missing grant is not an error.
func (m *Manager) Delete(ctx context.Context, userID string, provider vendor.Provider) error {
	return m.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider.String()).
		Delete(&Credential{}).
		Error
}

// Connected reports whether a grant is stored for the user and provider.
func (m *Manager) Connected(ctx context.Context, userID string, provider vendor.Provider) (bool, error) {
	var count int64
	err := m.db.WithContext(ctx).
		Model(&Credential{}).
		Where("user_id = ? AND provider = ?", userID, provider.String()).
		Count(&count).
		Error
	return count > 0, err
}

func (m *Manager) load(ctx context.Context, userID string, provider vendor.Provider) (Credential, error) {
	var credential Credential
	err := m.db.WithContext(ctx).
		Where("user_id = ? AND provider = ?", userID, provider.String()).
		Take(&credential).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Credential{}, fmt.Errorf("%w: no %s credential for user", ErrUnauthorized, provider)
	}
	if err != nil {
		return Credential{}, err
	}
	return credential, nil
}

// refresh performs exactly one refresh exchange and persists the result before returning.
func (m *Manager) refresh(ctx context.Context, credential Credential) (Credential, error) {
	provider := vendor.Provider(credential.Provider)
	if strings.TrimSpace(credential.RefreshToken) == "" {
		return Credential{}, fmt.Errorf("%w: no refresh token stored for %s", ErrUnauthorized, provider)
	}
	oauthConfig, ok := m.oauth[provider]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %s", ErrProviderNotConfigured, provider)
	}

	// An empty access token forces the source to exchange the refresh token immediately.
	source := oauthConfig.TokenSource(m.clientContext(ctx), &oauth2.Token{RefreshToken: credential.RefreshToken})
	token, err := source.Token()
	if err != nil {
		m.logger.Warn("token refresh failed",
			zap.String("user_id", credential.UserID),
			zap.String("provider", credential.Provider),
			zap.Error(err))
		return Credential{}, classifyRetrieveError(err)
	}

	if err := m.persist(ctx, credential, token); err != nil {
		return Credential{}, err
	}
	m.logger.Debug("token refreshed",
		zap.String("user_id", credential.UserID),
		zap.String("provider", credential.Provider),
		zap.Time("expires_at", token.Expiry))

	credential.AccessToken = token.AccessToken
	credential.ExpiresAt = token.Expiry
	if token.RefreshToken != "" {
		credential.RefreshToken = token.RefreshToken
	}
	return credential, nil
}

func (m *Manager) persist(ctx context.Context, credential Credential, token *oauth2.Token) error {
	updates := map[string]interface{}{
		"access_token": token.AccessToken,
		"expires_at":   token.Expiry,
	}
	if token.RefreshToken != "" && token.RefreshToken != credential.RefreshToken {
		updates["refresh_token"] = token.RefreshToken
	}
	return m.db.WithContext(ctx).
		Model(&Credential{}).
		Where("user_id = ? AND provider = ?", credential.UserID, credential.Provider).
		Updates(updates).
		Error
}

func (m *Manager) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)
}

func classifyRetrieveError(err error) error {
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) && retrieveErr.Response != nil {
		switch retrieveErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w: %v", ErrUnauthorized, ErrRefreshFailed, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
}
