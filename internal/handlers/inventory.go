package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openlot/lotsync/internal/middleware"
	"github.com/openlot/lotsync/internal/services"
	"github.com/openlot/lotsync/pkg/errors"
	"github.com/openlot/lotsync/pkg/response"
	"github.com/openlot/lotsync/pkg/validator"
)

// InventoryHandler serves cached inventory reads for the authenticated dealer.
type InventoryHandler struct {
	sync *services.SyncOrchestrator
}

func NewInventoryHandler(sync *services.SyncOrchestrator) (*InventoryHandler, error) {
	if sync == nil {
		return nil, errors.ErrInternalServer
	}
	return &InventoryHandler{sync: sync}, nil
}

type listInventoryQuery struct {
	services.ListingFilters

	Sort     string `form:"sort"`
	Page     int    `form:"page"`
	PageSize int    `form:"page_size"`
}

// GET /api/inventory
func (h *InventoryHandler) List(c *gin.Context) {
	var q listInventoryQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.Error(c, errors.NewBadRequest("invalid query parameters"))
		return
	}
	if err := validator.ValidateStruct(q.ListingFilters); err != nil {
		response.Error(c, errors.NewBadRequest(err.Error()))
		return
	}

	result, err := h.sync.GetInventory(requestContext(c), services.InventoryRequest{
		Identity: middleware.Identity(c),
		Filters:  q.ListingFilters,
		Sort:     services.ListingSort(q.Sort),
		Page:     q.Page,
		PageSize: q.PageSize,
	})
	if err != nil {
		response.Error(c, err)
		return
	}

	response.SuccessWithMeta(c, http.StatusOK, result.Items, &response.Meta{
		Page:       result.Page,
		PerPage:    result.PageSize,
		Total:      result.TotalResults,
		TotalPages: result.TotalPages,
		Cache: &response.CacheStatus{
			FromCache:      result.Cache.FromCache,
			LastRefresh:    result.Cache.LastRefresh,
			StaleCacheUsed: result.Cache.StaleCacheUsed,
		},
	})
}

// GET /api/inventory/:externalID
func (h *InventoryHandler) Get(c *gin.Context) {
	externalID := c.Param("externalID")
	if externalID == "" {
		response.Error(c, errors.NewBadRequest("listing id is required"))
		return
	}

	detail, err := h.sync.GetListing(requestContext(c), middleware.Identity(c), externalID)
	if err != nil {
		response.Error(c, err)
		return
	}

	response.Success(c, http.StatusOK, detail)
}
