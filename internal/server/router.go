package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/auth"
	"github.com/MarcoPoloResearchLab/ridelog/internal/ingest"
	"github.com/MarcoPoloResearchLab/ridelog/internal/rides"
	"github.com/MarcoPoloResearchLab/ridelog/internal/tokens"
	"github.com/MarcoPoloResearchLab/ridelog/internal/users"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"github.com/MarcoPoloResearchLab/ridelog/internal/webhooks"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const userIDContextKey = "ridelog_user_id"

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingRidesService     = errors.New("rides service dependency required")
	errMissingIntegrations     = errors.New("integrations dependency required")
	errMissingWebhookQueue     = errors.New("webhook queue dependency required")
)

// SessionValidator authenticates API requests.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// Integrations is the vendor account and backfill surface of the ingestion service.
type Integrations interface {
	Backfill(ctx context.Context, userID string, provider vendor.Provider, days int) (ingest.BackfillResult, error)
	Connect(ctx context.Context, userID string, provider vendor.Provider, code string) (string, error)
	Disconnect(ctx context.Context, userID string, provider vendor.Provider) error
	SetActiveDataSource(ctx context.Context, userID string, provider vendor.Provider) error
	Connections(ctx context.Context, userID string) (ingest.ConnectionStatus, error)
}

// EventQueue accepts decoded webhook events for asynchronous processing.
type EventQueue interface {
	Enqueue(event webhooks.Event) error
}

type Dependencies struct {
	Sessions          SessionValidator
	Rides             *rides.Service
	Integrations      Integrations
	Webhooks          EventQueue
	Realtime          *RealtimeDispatcher
	StravaVerifyToken string
	AllowedOrigins    []string
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Sessions == nil {
		return nil, errMissingSessionValidator
	}
	if deps.Rides == nil {
		return nil, errMissingRidesService
	}
	if deps.Integrations == nil {
		return nil, errMissingIntegrations
	}
	if deps.Webhooks == nil {
		return nil, errMissingWebhookQueue
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins...))

	handler := &httpHandler{
		sessions:          deps.Sessions,
		rides:             deps.Rides,
		integrations:      deps.Integrations,
		queue:             deps.Webhooks,
		realtime:          deps.Realtime,
		stravaVerifyToken: strings.TrimSpace(deps.StravaVerifyToken),
		clock:             clock,
		logger:            logger,
	}

	hooks := router.Group("/webhooks")
	hooks.GET("/strava", handler.handleStravaChallenge)
	hooks.POST("/strava", handler.handleStravaEvent)
	hooks.POST("/garmin/activities", handler.handleGarminActivities)
	hooks.POST("/garmin/deregistrations", handler.handleGarminAccount)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.GET("/rides", handler.handleListRides)
	protected.POST("/rides", handler.handleAddRide)
	protected.GET("/rides/duplicates", handler.handleListDuplicates)
	protected.POST("/rides/merge", handler.handleMergeRides)
	protected.GET("/rides/stream", handler.handleRideStream)
	protected.GET("/rides/:rideId", handler.handleGetRide)
	protected.PATCH("/rides/:rideId", handler.handleUpdateRide)
	protected.DELETE("/rides/:rideId", handler.handleDeleteRide)
	protected.POST("/rides/:rideId/not-duplicate", handler.handleMarkNotDuplicate)

	protected.GET("/bikes", handler.handleListBikes)
	protected.POST("/bikes", handler.handleCreateBike)
	protected.GET("/components", handler.handleListComponents)
	protected.POST("/components", handler.handleCreateComponent)

	protected.GET("/gear-mappings", handler.handleListGearMappings)
	protected.POST("/gear-mappings", handler.handleCreateGearMapping)
	protected.DELETE("/gear-mappings/:mappingId", handler.handleDeleteGearMapping)
	protected.GET("/gear/unmapped", handler.handleUnmappedGear)

	protected.GET("/integrations", handler.handleListConnections)
	protected.PUT("/integrations/active-source", handler.handleSetActiveSource)
	protected.GET("/integrations/:provider/callback", handler.handleOAuthCallback)
	protected.POST("/integrations/:provider/backfill", handler.handleBackfill)
	protected.DELETE("/integrations/:provider", handler.handleDisconnect)

	return router, nil
}

type httpHandler struct {
	sessions          SessionValidator
	rides             *rides.Service
	integrations      Integrations
	queue             EventQueue
	realtime          *RealtimeDispatcher
	stravaVerifyToken string
	clock             func() time.Time
	logger            *zap.Logger
}

func corsMiddleware(origins ...string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-TAuth-Tenant"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		config.AllowOriginFunc = func(string) bool { return true }
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("session validation failed", zap.Error(err))
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}

func (h *httpHandler) publish(userID string, rideIDs ...string) {
	if h.realtime != nil {
		h.realtime.RidesChanged(userID, rideIDs)
	}
}

// respondError maps the error taxonomy onto HTTP statuses. Service errors keep their code
// in the body so clients can tell reasons apart.
func respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, rides.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, rides.ErrConflict),
		errors.Is(err, ingest.ErrOwnershipConflict),
		errors.Is(err, users.ErrIdentityConflict):
		status = http.StatusConflict
	case errors.Is(err, rides.ErrInvalidInput),
		errors.Is(err, ingest.ErrInvalidRange),
		errors.Is(err, ingest.ErrMissingCode),
		errors.Is(err, vendor.ErrUnknownProvider),
		errors.Is(err, webhooks.ErrMalformedPayload):
		status = http.StatusBadRequest
	case errors.Is(err, tokens.ErrUnauthorized),
		errors.Is(err, vendor.ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, ingest.ErrProviderUnavailable),
		errors.Is(err, tokens.ErrProviderNotConfigured):
		status = http.StatusServiceUnavailable
	}
	c.AbortWithStatusJSON(status, gin.H{"error": errorCode(status, err)})
}

func errorCode(status int, err error) string {
	var serviceErr *rides.ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusServiceUnavailable:
		return "provider_unavailable"
	default:
		return "internal_error"
	}
}
