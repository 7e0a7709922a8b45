// Package handlers wires the admin/status HTTP surface: read-only views over
// the coordinator's current state, the configured geofences, the active
// trip, and the outbound sync queue, plus a live event stream for dashboard
// clients.
package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/waypointlabs/geoengine/internal/coordinator"
	"github.com/waypointlabs/geoengine/internal/geofence"
	"github.com/waypointlabs/geoengine/internal/models"
	"github.com/waypointlabs/geoengine/internal/sync"
	"github.com/waypointlabs/geoengine/internal/trip"
)

// LogReader is the logging backend's read port for the admin surface.
type LogReader interface {
	ListLogs(ctx context.Context, limit int) ([]models.LogEntry, error)
}

// StatusHandler serves the engine's read-only admin endpoints: /health,
// /state, /geofences, /trip, /queue and /logs. It holds no state of its own beyond
// references to the components it queries.
type StatusHandler struct {
	coordinator *coordinator.Coordinator
	geofences   *geofence.Engine
	trips       *trip.Engine
	sync        *sync.Pipeline
	logs        LogReader
	logger      *zap.Logger
}

// NewStatusHandler constructs a StatusHandler over the given engine
// components. geofences, trips, sync and logs may be nil (no geofence
// monitoring / no active trip tracking / no outbound sync queue / no
// logging backend respectively); their endpoints degrade gracefully rather
// than panicking.
func NewStatusHandler(c *coordinator.Coordinator, geofences *geofence.Engine, trips *trip.Engine, syncPipeline *sync.Pipeline, logs LogReader, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{
		coordinator: c,
		geofences:   geofences,
		trips:       trips,
		sync:        syncPipeline,
		logs:        logs,
		logger:      logger,
	}
}

// HandleHealth reports liveness: 200 as long as the server is accepting
// requests at all. Depth of health lives in HandleGetState, not here.
func (h *StatusHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleGetState returns a snapshot of the coordinator's current tracking
// state: enabled flag, motion state, odometer and last accepted fix.
func (h *StatusHandler) HandleGetState(c *gin.Context) {
	state := h.coordinator.GetState()
	c.JSON(http.StatusOK, gin.H{
		"enabled":       state.Enabled,
		"is_moving":     state.IsMoving,
		"motion_state":  state.MotionState,
		"odometer_m":    state.OdometerM,
		"last_location": state.LastLocation,
	})
}

// HandleListGeofences returns every currently monitored circular and polygon
// geofence.
func (h *StatusHandler) HandleListGeofences(c *gin.Context) {
	if h.geofences == nil {
		c.JSON(http.StatusOK, gin.H{"circular": []any{}, "polygon": []any{}})
		return
	}
	circular, polygon := h.geofences.List()
	c.JSON(http.StatusOK, gin.H{"circular": circular, "polygon": polygon})
}

// HandleGetTrip returns the active or most recently ended trip's state. 404
// if no trip engine is wired or no trip has started yet.
func (h *StatusHandler) HandleGetTrip(c *gin.Context) {
	if h.trips == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "trip tracking not configured"})
		return
	}
	state := h.trips.State()
	if state == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no trip in progress"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// HandleGetQueue reports the outbound sync queue's depth and pause status,
// the two numbers an operator needs to notice a backed-up or stalled uplink.
func (h *StatusHandler) HandleGetQueue(c *gin.Context) {
	if h.sync == nil {
		c.JSON(http.StatusOK, gin.H{"configured": false})
		return
	}
	depth, err := h.sync.QueueDepth()
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("queue depth lookup failed", zap.Error(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "queue depth unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"configured": true,
		"depth":      depth,
		"paused":     h.sync.Paused(),
	})
}

// HandleGetLogs returns the most recent entries from the logging backend,
// newest first, honoring an optional ?limit= query parameter.
func (h *StatusHandler) HandleGetLogs(c *gin.Context) {
	if h.logs == nil {
		c.JSON(http.StatusOK, gin.H{"configured": false, "entries": []any{}})
		return
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := h.logs.ListLogs(c.Request.Context(), limit)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("log lookup failed", zap.Error(err))
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "logs unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"configured": true, "entries": entries})
}
