package handlers

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/charlesng35/threadsync/internal/middleware"
	"github.com/charlesng35/threadsync/internal/realtime"
	"github.com/charlesng35/threadsync/pkg/errors"
	"github.com/charlesng35/threadsync/pkg/response"
)

// RealtimeHandler upgrades authenticated requests into thread channel connections.
type RealtimeHandler struct {
	hub *realtime.Hub
}

// NewRealtimeHandler constructs a realtime handler on hub.
func NewRealtimeHandler(hub *realtime.Hub) *RealtimeHandler {
	return &RealtimeHandler{hub: hub}
}

// Stream hands the request to the hub. It must run behind middleware.Auth.
func (h *RealtimeHandler) Stream(c *gin.Context) {
	if h.hub == nil {
		response.Error(c, errors.ErrNotFound)
		return
	}

	claims, ok := middleware.ClaimsFrom(c)
	if !ok || strings.TrimSpace(claims.UserID) == "" {
		response.Error(c, errors.ErrUnauthorized)
		return
	}

	name := claims.Name
	if name == "" {
		name = claims.UserID
	}
	h.hub.Serve(realtime.Identity{
		UserID:  claims.UserID,
		Name:    name,
		Threads: claims.Threads,
	}, c.Writer, c.Request)
}
