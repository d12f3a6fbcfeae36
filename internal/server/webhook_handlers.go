package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/webhooks"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBodyBytes = 1 << 20

type webhookDecoder func(body []byte, receivedAt time.Time) ([]webhooks.Event, error)

// handleStravaChallenge answers the subscription validation request Strava sends when the
// webhook subscription is created.
func (h *httpHandler) handleStravaChallenge(c *gin.Context) {
	verifyToken := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")
	if h.stravaVerifyToken == "" || verifyToken != h.stravaVerifyToken || challenge == "" {
		h.logger.Warn("strava subscription challenge rejected", zap.String("mode", c.Query("hub.mode")))
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"hub.challenge": challenge})
}

func (h *httpHandler) handleStravaEvent(c *gin.Context) {
	h.acceptWebhook(c, "strava", webhooks.DecodeStrava)
}

func (h *httpHandler) handleGarminActivities(c *gin.Context) {
	h.acceptWebhook(c, "garmin_activities", webhooks.DecodeGarminActivities)
}

func (h *httpHandler) handleGarminAccount(c *gin.Context) {
	h.acceptWebhook(c, "garmin_account", webhooks.DecodeGarminAccount)
}

// acceptWebhook decodes the body and enqueues its events. The vendor gets its answer
// before any event is processed; a 503 asks it to redeliver later.
func (h *httpHandler) acceptWebhook(c *gin.Context, source string, decode webhookDecoder) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		h.logger.Warn("webhook body unreadable", zap.String("source", source), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	events, err := decode(body, h.clock().UTC())
	if err != nil {
		h.logger.Warn("webhook payload rejected", zap.String("source", source), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed_payload"})
		return
	}
	for index, event := range events {
		if err := h.queue.Enqueue(event); err != nil {
			level := zap.WarnLevel
			if errors.Is(err, webhooks.ErrQueueStopped) {
				level = zap.InfoLevel
			}
			h.logger.Log(level, "webhook event not queued",
				zap.String("source", source),
				zap.String("kind", string(event.Kind)),
				zap.Int("queued", index),
				zap.Int("total", len(events)),
				zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "queue_unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "accepted", "events": len(events)})
}
