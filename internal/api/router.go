package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm"

	"github.com/openlot/lotsync/internal/app"
	iauth "github.com/openlot/lotsync/internal/auth"
	"github.com/openlot/lotsync/internal/handlers"
	"github.com/openlot/lotsync/internal/middleware"
	"github.com/openlot/lotsync/internal/realtime"
	"github.com/openlot/lotsync/internal/services"
)

// Dependencies bundles everything the router mounts.
type Dependencies struct {
	DB       *gorm.DB
	JWT      *iauth.JWTService
	Config   *app.Config
	Sync     *services.SyncOrchestrator
	Resolver *services.DealerResolver
	Hub      *realtime.Hub
}

// NewRouter builds the Gin engine, wires middleware and registers routes.
func NewRouter(deps Dependencies) (*gin.Engine, error) {
	if deps.DB == nil {
		return nil, fmt.Errorf("database handle must be provided")
	}
	if deps.JWT == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if deps.Config == nil {
		return nil, fmt.Errorf("config must be provided")
	}
	if deps.Sync == nil {
		return nil, fmt.Errorf("sync orchestrator must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	r.NoRoute(middleware.NotFoundHandler)

	if deps.Config.Monitoring.Health.Enabled {
		r.GET("/health", handlers.Health(deps.DB))
	}
	if deps.Config.Monitoring.Prometheus.Enabled {
		endpoint := deps.Config.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	inventoryHandler, err := handlers.NewInventoryHandler(deps.Sync)
	if err != nil {
		return nil, err
	}
	syncHandler, err := handlers.NewSyncHandler(deps.Sync)
	if err != nil {
		return nil, err
	}

	api := r.Group("/api")
	api.Use(middleware.Auth(deps.JWT))

	inventory := api.Group("/inventory")
	{
		inventory.GET("", inventoryHandler.List)
		inventory.GET("/:externalID", inventoryHandler.Get)
	}

	sync := api.Group("/sync")
	{
		sync.POST("/refresh", syncHandler.Refresh)
		sync.POST("/cleanup", syncHandler.Cleanup)
		sync.GET("/logs", syncHandler.History)
	}

	if deps.Hub != nil && deps.Resolver != nil {
		realtimeHandler, err := handlers.NewRealtimeHandler(deps.Hub, deps.Resolver)
		if err != nil {
			return nil, err
		}
		sync.GET("/progress", realtimeHandler.Progress)
	}

	return r, nil
}
