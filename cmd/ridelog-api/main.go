package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/auth"
	"github.com/MarcoPoloResearchLab/ridelog/internal/config"
	"github.com/MarcoPoloResearchLab/ridelog/internal/database"
	"github.com/MarcoPoloResearchLab/ridelog/internal/ingest"
	"github.com/MarcoPoloResearchLab/ridelog/internal/logging"
	"github.com/MarcoPoloResearchLab/ridelog/internal/rides"
	"github.com/MarcoPoloResearchLab/ridelog/internal/server"
	"github.com/MarcoPoloResearchLab/ridelog/internal/tokens"
	"github.com/MarcoPoloResearchLab/ridelog/internal/users"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors/garmin"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors/strava"
	"github.com/MarcoPoloResearchLab/ridelog/internal/webhooks"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	shutdownTimeout   = 10 * time.Second
	vendorHTTPTimeout = 30 * time.Second
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ridelog-api",
		Short: "Ride ingestion and component wear backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newBackfillCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and webhook workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newBackfillCommand() *cobra.Command {
	var (
		userID   string
		provider string
		days     int
	)
	cmd := &cobra.Command{
		Use:   "backfill",
		Short: "Import a user's historical activities from a provider",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackfill(cmd.Context(), cmd, userID, provider, days)
		},
	}
	cmd.Flags().StringVar(&userID, "user", "", "Internal user id")
	cmd.Flags().StringVar(&provider, "provider", "", "Provider to import from (strava, garmin)")
	cmd.Flags().IntVar(&days, "days", 30, "Number of days to import (1-365)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the API (all when empty)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().String("cookie-name", defaults.GetString("tauth.cookie_name"), "Session cookie name")
	cmd.PersistentFlags().Int("webhook-workers", defaults.GetInt("webhooks.workers"), "Webhook worker count")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "tauth.signing_secret", "signing-secret")
	bindFlag(cmd, "tauth.cookie_name", "cookie-name")
	bindFlag(cmd, "webhooks.workers", "webhook-workers")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// application holds the services both commands are built from.
type application struct {
	config   config.AppConfig
	logger   *zap.Logger
	db       *gorm.DB
	rides    *rides.Service
	ingest   *ingest.Service
	realtime *server.RealtimeDispatcher
}

func newApplication() (*application, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, Clock: time.Now})
	if err != nil {
		return nil, err
	}

	vendorClient := &http.Client{Timeout: vendorHTTPTimeout}
	oauthConfigs := map[vendor.Provider]*oauth2.Config{}
	if appConfig.Strava.Enabled() {
		oauthConfigs[vendor.ProviderStrava] = tokens.NewOAuthConfig(vendor.ProviderStrava, appConfig.Strava)
	}
	if appConfig.Garmin.Enabled() {
		oauthConfigs[vendor.ProviderGarmin] = tokens.NewOAuthConfig(vendor.ProviderGarmin, appConfig.Garmin)
	}
	tokenManager, err := tokens.NewManager(tokens.ManagerConfig{
		Database:   db,
		OAuth:      oauthConfigs,
		HTTPClient: vendorClient,
		Clock:      time.Now,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	rideService, err := rides.NewService(rides.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: rides.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	dispatcher := server.NewRealtimeDispatcher()
	ingestService, err := ingest.NewService(ingest.ServiceConfig{
		Database:    db,
		Credentials: tokenManager,
		Identities:  userService,
		Strava:      strava.NewClient(strava.ClientConfig{BaseURL: appConfig.Strava.APIBaseURL, HTTPClient: vendorClient}),
		Garmin:      garmin.NewClient(garmin.ClientConfig{BaseURL: appConfig.Garmin.APIBaseURL, HTTPClient: vendorClient}),
		Notifier:    dispatcher,
		IDProvider:  rides.NewUUIDProvider(),
		Clock:       time.Now,
		Logger:      logger,
		APISkew:     appConfig.APITokenSkew,
		WebhookSkew: appConfig.WebhookTokenSkew,
		BackfillWindows: map[vendor.Provider]time.Duration{
			vendor.ProviderStrava: time.Duration(appConfig.StravaBackfillDays) * 24 * time.Hour,
			vendor.ProviderGarmin: time.Duration(appConfig.GarminBackfillDays) * 24 * time.Hour,
		},
	})
	if err != nil {
		return nil, err
	}

	return &application{
		config:   appConfig,
		logger:   logger,
		db:       db,
		rides:    rideService,
		ingest:   ingestService,
		realtime: dispatcher,
	}, nil
}

func (a *application) close() {
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
	_ = a.logger.Sync()
}

func runServer(ctx context.Context) error {
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()
	logger := app.logger

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(app.config.TAuthSigningKey),
		Issuer:        app.config.TAuthIssuer,
		CookieName:    app.config.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	queue, err := webhooks.NewQueue(webhooks.QueueConfig{
		Handler:     webhooks.NewIngestRouter(app.ingest),
		Size:        app.config.WebhookQueueSize,
		Workers:     app.config.WebhookWorkers,
		MaxAttempts: app.config.WebhookMaxAttempts,
		Retryable:   ingest.Retryable,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Sessions:          sessionValidator,
		Rides:             app.rides,
		Integrations:      app.ingest,
		Webhooks:          queue,
		Realtime:          app.realtime,
		StravaVerifyToken: app.config.Strava.VerifyToken,
		AllowedOrigins:    app.config.AllowedOrigins,
		Clock:             time.Now,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              app.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		return queue.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", app.config.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

func runBackfill(ctx context.Context, cmd *cobra.Command, userID, providerName string, days int) error {
	provider, err := vendor.ParseProvider(providerName)
	if err != nil {
		return err
	}
	app, err := newApplication()
	if err != nil {
		return err
	}
	defer app.close()

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := app.ingest.Backfill(signalCtx, userID, provider, days)
	if err != nil {
		app.logger.Error("backfill failed",
			zap.String("user_id", userID),
			zap.String("provider", provider.String()),
			zap.Error(err))
		return err
	}
	app.logger.Info("backfill finished",
		zap.String("user_id", userID),
		zap.String("provider", provider.String()),
		zap.Int("imported", result.Imported),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
		zap.Int("total_found", result.TotalFound),
		zap.Strings("warnings", result.Warnings))
	fmt.Fprintf(cmd.OutOrStdout(), "imported=%d updated=%d skipped=%d filtered=%d failed=%d total=%d\n",
		result.Imported, result.Updated, result.Skipped, result.Filtered, result.Failed, result.TotalFound)
	return nil
}
