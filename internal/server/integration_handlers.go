package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type backfillRequest struct {
	Days int `json:"days"`
}

type activeSourceRequest struct {
	Provider string `json:"provider"`
}

func (h *httpHandler) handleBackfill(c *gin.Context) {
	provider, err := vendor.ParseProvider(c.Param("provider"))
	if err != nil {
		respondError(c, err)
		return
	}
	var request backfillRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	result, err := h.integrations.Backfill(c.Request.Context(), userID, provider, request.Days)
	if errors.Is(err, vendor.ErrBackfillInProgress) {
		h.logger.Info("backfill already in progress",
			zap.String("user_id", userID),
			zap.String("provider", provider.String()))
		c.JSON(http.StatusAccepted, gin.H{"status": "in_progress"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// handleOAuthCallback completes the authorization redirect. The vendor sends the user back
// with either a code or an error parameter.
func (h *httpHandler) handleOAuthCallback(c *gin.Context) {
	provider, err := vendor.ParseProvider(c.Param("provider"))
	if err != nil {
		respondError(c, err)
		return
	}
	userID := c.GetString(userIDContextKey)
	if denied := strings.TrimSpace(c.Query("error")); denied != "" {
		h.logger.Info("vendor authorization denied",
			zap.String("user_id", userID),
			zap.String("provider", provider.String()),
			zap.String("reason", denied))
		c.JSON(http.StatusBadRequest, gin.H{"error": "authorization_denied"})
		return
	}
	providerUserID, err := h.integrations.Connect(c.Request.Context(), userID, provider, c.Query("code"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"provider":       provider.String(),
		"providerUserId": providerUserID,
		"connected":      true,
	})
}

func (h *httpHandler) handleDisconnect(c *gin.Context) {
	provider, err := vendor.ParseProvider(c.Param("provider"))
	if err != nil {
		respondError(c, err)
		return
	}
	if err := h.integrations.Disconnect(c.Request.Context(), c.GetString(userIDContextKey), provider); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListConnections(c *gin.Context) {
	status, err := h.integrations.Connections(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleSetActiveSource selects the provider whose webhooks are ingested. An empty
// provider clears the selection so every connected provider is accepted.
func (h *httpHandler) handleSetActiveSource(c *gin.Context) {
	var request activeSourceRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	var provider vendor.Provider
	if strings.TrimSpace(request.Provider) != "" {
		parsed, err := vendor.ParseProvider(request.Provider)
		if err != nil {
			respondError(c, err)
			return
		}
		provider = parsed
	}
	if err := h.integrations.SetActiveDataSource(c.Request.Context(), c.GetString(userIDContextKey), provider); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activeDataSource": provider.String()})
}
