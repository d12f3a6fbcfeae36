package server

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/ridelog/internal/rides"
	"github.com/MarcoPoloResearchLab/ridelog/internal/vendors"
	"github.com/gin-gonic/gin"
)

type ridesResponse struct {
	Rides []rides.Ride `json:"rides"`
}

type rideRequest struct {
	StartTime         time.Time `json:"startTime"`
	DurationSeconds   int       `json:"durationSeconds"`
	DistanceMiles     float64   `json:"distanceMiles"`
	ElevationGainFeet float64   `json:"elevationGainFeet"`
	AverageHR         *int      `json:"averageHr"`
	RideType          string    `json:"rideType"`
	BikeID            *string   `json:"bikeId"`
	Notes             string    `json:"notes"`
	TrailSystem       string    `json:"trailSystem"`
	Location          string    `json:"location"`
}

type rideUpdateRequest struct {
	StartTime         patchField[time.Time] `json:"startTime"`
	DurationSeconds   patchField[int]       `json:"durationSeconds"`
	DistanceMiles     patchField[float64]   `json:"distanceMiles"`
	ElevationGainFeet patchField[float64]   `json:"elevationGainFeet"`
	AverageHR         patchField[*int]      `json:"averageHr"`
	RideType          patchField[string]    `json:"rideType"`
	BikeID            patchField[*string]   `json:"bikeId"`
	Notes             patchField[string]    `json:"notes"`
	TrailSystem       patchField[string]    `json:"trailSystem"`
	Location          patchField[string]    `json:"location"`
}

type mergeRequest struct {
	KeepID    string `json:"keepId"`
	DiscardID string `json:"discardId"`
}

type bikeRequest struct {
	Name  string `json:"name"`
	Brand string `json:"brand"`
	Model string `json:"model"`
}

type componentRequest struct {
	BikeID            *string  `json:"bikeId"`
	Slot              string   `json:"slot"`
	Brand             string   `json:"brand"`
	Model             string   `json:"model"`
	IsStock           bool     `json:"isStock"`
	ServiceDueAtHours *float64 `json:"serviceDueAtHours"`
	HoursUsed         float64  `json:"hoursUsed"`
}

type gearMappingRequest struct {
	Provider string `json:"provider"`
	GearID   string `json:"gearId"`
	BikeID   string `json:"bikeId"`
}

func (h *httpHandler) handleListRides(c *gin.Context) {
	list, err := h.rides.ListRides(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ridesResponse{Rides: list})
}

func (h *httpHandler) handleGetRide(c *gin.Context) {
	ride, err := h.rides.GetRide(c.Request.Context(), c.GetString(userIDContextKey), c.Param("rideId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ride)
}

func (h *httpHandler) handleAddRide(c *gin.Context) {
	var request rideRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	ride, err := h.rides.AddRide(c.Request.Context(), userID, rides.RideInput{
		StartTime:         request.StartTime,
		DurationSeconds:   request.DurationSeconds,
		DistanceMiles:     request.DistanceMiles,
		ElevationGainFeet: request.ElevationGainFeet,
		AverageHR:         request.AverageHR,
		RideType:          request.RideType,
		BikeID:            request.BikeID,
		Notes:             request.Notes,
		TrailSystem:       request.TrailSystem,
		Location:          request.Location,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	h.publish(userID, ride.ID)
	c.JSON(http.StatusCreated, ride)
}

func (h *httpHandler) handleUpdateRide(c *gin.Context) {
	var request rideUpdateRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	ride, err := h.rides.UpdateRide(c.Request.Context(), userID, c.Param("rideId"), rides.RideUpdate{
		StartTime:         request.StartTime.optional(),
		DurationSeconds:   request.DurationSeconds.optional(),
		DistanceMiles:     request.DistanceMiles.optional(),
		ElevationGainFeet: request.ElevationGainFeet.optional(),
		AverageHR:         request.AverageHR.optional(),
		RideType:          request.RideType.optional(),
		BikeID:            request.BikeID.optional(),
		Notes:             request.Notes.optional(),
		TrailSystem:       request.TrailSystem.optional(),
		Location:          request.Location.optional(),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	h.publish(userID, ride.ID)
	c.JSON(http.StatusOK, ride)
}

func (h *httpHandler) handleDeleteRide(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	rideID := c.Param("rideId")
	if err := h.rides.DeleteRide(c.Request.Context(), userID, rideID); err != nil {
		respondError(c, err)
		return
	}
	h.publish(userID, rideID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListDuplicates(c *gin.Context) {
	list, err := h.rides.ListDuplicates(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ridesResponse{Rides: list})
}

func (h *httpHandler) handleMergeRides(c *gin.Context) {
	var request mergeRequest
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.KeepID) == "" || strings.TrimSpace(request.DiscardID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	userID := c.GetString(userIDContextKey)
	kept, err := h.rides.Merge(c.Request.Context(), userID, request.KeepID, request.DiscardID)
	if err != nil {
		respondError(c, err)
		return
	}
	h.publish(userID, request.KeepID, request.DiscardID)
	c.JSON(http.StatusOK, kept)
}

func (h *httpHandler) handleMarkNotDuplicate(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	ride, err := h.rides.MarkNotDuplicate(c.Request.Context(), userID, c.Param("rideId"))
	if err != nil {
		respondError(c, err)
		return
	}
	h.publish(userID, ride.ID)
	c.JSON(http.StatusOK, ride)
}

func (h *httpHandler) handleListBikes(c *gin.Context) {
	bikes, err := h.rides.ListBikes(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bikes": bikes})
}

func (h *httpHandler) handleCreateBike(c *gin.Context) {
	var request bikeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	bike, err := h.rides.CreateBike(c.Request.Context(), c.GetString(userIDContextKey), rides.BikeInput{
		Name:  request.Name,
		Brand: request.Brand,
		Model: request.Model,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, bike)
}

func (h *httpHandler) handleListComponents(c *gin.Context) {
	components, err := h.rides.ListComponents(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"components": components})
}

func (h *httpHandler) handleCreateComponent(c *gin.Context) {
	var request componentRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	component, err := h.rides.CreateComponent(c.Request.Context(), c.GetString(userIDContextKey), rides.ComponentInput{
		BikeID:            request.BikeID,
		Slot:              rides.Slot(strings.ToLower(strings.TrimSpace(request.Slot))),
		Brand:             request.Brand,
		Model:             request.Model,
		IsStock:           request.IsStock,
		ServiceDueAtHours: request.ServiceDueAtHours,
		HoursUsed:         request.HoursUsed,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, component)
}

func (h *httpHandler) handleListGearMappings(c *gin.Context) {
	mappings, err := h.rides.ListGearMappings(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mappings": mappings})
}

func (h *httpHandler) handleCreateGearMapping(c *gin.Context) {
	var request gearMappingRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	provider, err := vendor.ParseProvider(request.Provider)
	if err != nil {
		respondError(c, err)
		return
	}
	userID := c.GetString(userIDContextKey)
	result, err := h.rides.CreateGearMapping(c.Request.Context(), userID, provider, request.GearID, request.BikeID)
	if err != nil {
		respondError(c, err)
		return
	}
	if result.RidesUpdated > 0 {
		h.publish(userID)
	}
	c.JSON(http.StatusCreated, result)
}

func (h *httpHandler) handleDeleteGearMapping(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	result, err := h.rides.DeleteGearMapping(c.Request.Context(), userID, c.Param("mappingId"))
	if err != nil {
		respondError(c, err)
		return
	}
	if result.RidesUpdated > 0 {
		h.publish(userID)
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleUnmappedGear(c *gin.Context) {
	gear, err := h.rides.UnmappedGear(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"gear": gear})
}

type rideChangePayload struct {
	RideIDs   []string  `json:"rideIds"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// handleRideStream holds a server-sent event stream open and forwards the user's
// ride-change messages. Heartbeats keep idle proxies from closing the connection.
func (h *httpHandler) handleRideStream(c *gin.Context) {
	if h.realtime == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime_unavailable"})
		return
	}
	ctx := c.Request.Context()
	messages, cleanup := h.realtime.Subscribe(ctx, c.GetString(userIDContextKey))
	defer cleanup()

	heartbeat := time.NewTicker(realtimeHeartbeatPeriod)
	defer heartbeat.Stop()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case message, ok := <-messages:
			if !ok {
				return false
			}
			rideIDs := message.RideIDs
			if rideIDs == nil {
				rideIDs = []string{}
			}
			c.SSEvent(message.EventType, rideChangePayload{
				RideIDs:   rideIDs,
				Source:    realtimeSourceBackend,
				Timestamp: message.Timestamp,
			})
			return true
		case <-heartbeat.C:
			c.SSEvent(realtimeEventHeartbeat, rideChangePayload{
				RideIDs:   []string{},
				Source:    realtimeSourceBackend,
				Timestamp: h.clock().UTC(),
			})
			return true
		}
	})
}
