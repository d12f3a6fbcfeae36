package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "RIDELOG"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "ridelog.db"
	defaultLogLevel          = "info"
	defaultCookieName        = "app_session"
	defaultSessionIssuer     = "tauth"
	defaultStravaAPIBaseURL  = "https://www.strava.com/api/v3"
	defaultStravaTokenURL    = "https://www.strava.com/oauth/token"
	defaultStravaAuthURL     = "https://www.strava.com/oauth/authorize"
	defaultGarminAPIBaseURL  = "https://apis.garmin.com"
	defaultGarminTokenURL    = "https://diauth.garmin.com/di-oauth2-service/oauth/token"
	defaultGarminAuthURL     = "https://connect.garmin.com/oauth2Confirm"
	defaultAPITokenSkew      = time.Minute
	defaultWebhookTokenSkew  = 5 * time.Minute
	defaultStravaWindowDays  = 90
	defaultGarminWindowDays  = 30
	defaultWebhookQueueSize  = 256
	defaultWebhookWorkers    = 2
	defaultWebhookMaxAttempt = 3
)

// ProviderConfig holds OAuth client settings and API endpoints for one vendor.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	VerifyToken  string
}

// Enabled reports whether client credentials were supplied for the provider.
func (p ProviderConfig) Enabled() bool {
	return strings.TrimSpace(p.ClientID) != "" && strings.TrimSpace(p.ClientSecret) != ""
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	AllowedOrigins     []string
	TAuthSigningKey    string
	TAuthCookieName    string
	TAuthIssuer        string
	DatabasePath       string
	LogLevel           string
	Strava             ProviderConfig
	Garmin             ProviderConfig
	APITokenSkew       time.Duration
	WebhookTokenSkew   time.Duration
	StravaBackfillDays int
	GarminBackfillDays int
	WebhookQueueSize   int
	WebhookWorkers     int
	WebhookMaxAttempts int
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)

	configViper.SetDefault("strava.api_base_url", defaultStravaAPIBaseURL)
	configViper.SetDefault("strava.token_url", defaultStravaTokenURL)
	configViper.SetDefault("strava.auth_url", defaultStravaAuthURL)
	configViper.SetDefault("garmin.api_base_url", defaultGarminAPIBaseURL)
	configViper.SetDefault("garmin.token_url", defaultGarminTokenURL)
	configViper.SetDefault("garmin.auth_url", defaultGarminAuthURL)

	configViper.SetDefault("tokens.api_skew", defaultAPITokenSkew)
	configViper.SetDefault("tokens.webhook_skew", defaultWebhookTokenSkew)
	configViper.SetDefault("backfill.strava_window_days", defaultStravaWindowDays)
	configViper.SetDefault("backfill.garmin_window_days", defaultGarminWindowDays)
	configViper.SetDefault("webhooks.queue_size", defaultWebhookQueueSize)
	configViper.SetDefault("webhooks.workers", defaultWebhookWorkers)
	configViper.SetDefault("webhooks.max_attempts", defaultWebhookMaxAttempt)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		AllowedOrigins:     cleanList(configViper.GetStringSlice("http.allowed_origins")),
		TAuthSigningKey:    configViper.GetString("tauth.signing_secret"),
		TAuthCookieName:    configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:        configViper.GetString("tauth.issuer"),
		DatabasePath:       configViper.GetString("database.path"),
		LogLevel:           configViper.GetString("log.level"),
		Strava:             loadProvider(configViper, "strava"),
		Garmin:             loadProvider(configViper, "garmin"),
		APITokenSkew:       configViper.GetDuration("tokens.api_skew"),
		WebhookTokenSkew:   configViper.GetDuration("tokens.webhook_skew"),
		StravaBackfillDays: configViper.GetInt("backfill.strava_window_days"),
		GarminBackfillDays: configViper.GetInt("backfill.garmin_window_days"),
		WebhookQueueSize:   configViper.GetInt("webhooks.queue_size"),
		WebhookWorkers:     configViper.GetInt("webhooks.workers"),
		WebhookMaxAttempts: configViper.GetInt("webhooks.max_attempts"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func cleanList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
	}
	return cleaned
}

func loadProvider(configViper *viper.Viper, prefix string) ProviderConfig {
	return ProviderConfig{
		ClientID:     configViper.GetString(prefix + ".client_id"),
		ClientSecret: configViper.GetString(prefix + ".client_secret"),
		RedirectURL:  configViper.GetString(prefix + ".redirect_url"),
		AuthURL:      configViper.GetString(prefix + ".auth_url"),
		TokenURL:     configViper.GetString(prefix + ".token_url"),
		APIBaseURL:   configViper.GetString(prefix + ".api_base_url"),
		VerifyToken:  configViper.GetString(prefix + ".verify_token"),
	}
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	if c.APITokenSkew < 0 || c.WebhookTokenSkew < 0 {
		return fmt.Errorf("tokens skew must not be negative")
	}
	if c.StravaBackfillDays <= 0 || c.GarminBackfillDays <= 0 {
		return fmt.Errorf("backfill window days must be positive")
	}
	if c.WebhookQueueSize <= 0 || c.WebhookWorkers <= 0 || c.WebhookMaxAttempts <= 0 {
		return fmt.Errorf("webhooks queue_size, workers and max_attempts must be positive")
	}
	if c.Strava.Enabled() && strings.TrimSpace(c.Strava.VerifyToken) == "" {
		return fmt.Errorf("strava.verify_token is required when strava is configured")
	}
	return nil
}
