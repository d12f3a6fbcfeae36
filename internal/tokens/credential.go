package tokens

import (
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/config"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"golang.org/x/oauth2"
)

// Credential stores one user's OAuth grant for one provider.
type Credential struct {
	UserID       string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Provider     string    `gorm:"column:provider;primaryKey;size:32;not null"`
	AccessToken  string    `gorm:"column:access_token;type:text;not null"`
	RefreshToken string    `gorm:"column:refresh_token;type:text;not null;default:''"`
	ExpiresAt    time.Time `gorm:"column:expires_at"`
	CreatedAt    time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Credential) TableName() string {
	return "oauth_credentials"
}

// needsRefresh reports whether the access token expires within skew of now. A zero expiry
// means the vendor did not report one and the token is treated as long-lived.
func (c Credential) needsRefresh(now time.Time, skew time.Duration) bool {
	if c.AccessToken == "" {
		return true
	}
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

var providerScopes = map[vendor.Provider][]string{
	vendor.ProviderStrava: {"read,activity:read_all"},
	vendor.ProviderGarmin: nil,
}

// NewOAuthConfig builds the oauth2 client configuration for a vendor. Both vendors expect
// client credentials in the form body, so the auth style is fixed rather than auto-detected.
func NewOAuthConfig(provider vendor.Provider, cfg config.ProviderConfig) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       providerScopes[provider],
		Endpoint: oauth2.Endpoint{
			AuthURL:   cfg.AuthURL,
			TokenURL:  cfg.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}
