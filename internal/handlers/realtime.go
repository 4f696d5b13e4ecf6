package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/openlot/lotsync/internal/middleware"
	"github.com/openlot/lotsync/internal/realtime"
	"github.com/openlot/lotsync/internal/services"
	"github.com/openlot/lotsync/pkg/errors"
	"github.com/openlot/lotsync/pkg/response"
)

// RealtimeHandler upgrades authenticated callers onto their dealer's refresh
// progress stream.
type RealtimeHandler struct {
	hub      *realtime.Hub
	resolver *services.DealerResolver
}

func NewRealtimeHandler(hub *realtime.Hub, resolver *services.DealerResolver) (*RealtimeHandler, error) {
	if hub == nil || resolver == nil {
		return nil, errors.ErrInternalServer
	}
	return &RealtimeHandler{hub: hub, resolver: resolver}, nil
}

// GET /api/sync/progress
func (h *RealtimeHandler) Progress(c *gin.Context) {
	dealer, err := h.resolver.Resolve(requestContext(c), middleware.Identity(c))
	if err != nil {
		response.Error(c, errors.ErrUnknownDealer.WithInternal(err))
		return
	}

	h.hub.Serve(dealer.ID, c.Writer, c.Request)
}
