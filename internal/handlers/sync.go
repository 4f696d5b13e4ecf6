package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openlot/lotsync/internal/middleware"
	"github.com/openlot/lotsync/internal/services"
	"github.com/openlot/lotsync/pkg/errors"
	"github.com/openlot/lotsync/pkg/response"
)

// SyncHandler exposes refresh control and synchronization history.
type SyncHandler struct {
	sync *services.SyncOrchestrator
}

func NewSyncHandler(sync *services.SyncOrchestrator) (*SyncHandler, error) {
	if sync == nil {
		return nil, errors.ErrInternalServer
	}
	return &SyncHandler{sync: sync}, nil
}

// POST /api/sync/refresh
func (h *SyncHandler) Refresh(c *gin.Context) {
	counts, err := h.sync.ForceRefresh(requestContext(c), middleware.Identity(c))
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, counts)
}

type cleanupRequest struct {
	MaxAgeHours int `json:"max_age_hours" form:"max_age_hours"`
}

// POST /api/sync/cleanup
func (h *SyncHandler) Cleanup(c *gin.Context) {
	req := cleanupRequest{MaxAgeHours: 168}
	if err := c.ShouldBind(&req); err != nil && c.Request.ContentLength > 0 {
		response.Error(c, errors.NewBadRequest("invalid cleanup parameters"))
		return
	}
	if req.MaxAgeHours <= 0 {
		response.Error(c, errors.NewBadRequest("max_age_hours must be positive"))
		return
	}

	removed, err := h.sync.Cleanup(requestContext(c), middleware.Identity(c), time.Duration(req.MaxAgeHours)*time.Hour)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"removed": removed})
}

// GET /api/sync/logs
func (h *SyncHandler) History(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	logs, err := h.sync.SyncHistory(requestContext(c), middleware.Identity(c), limit)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, logs)
}
