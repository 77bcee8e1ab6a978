package api

import (
	"github.com/gin-gonic/gin"

	"github.com/jibbs/catalog/internal/api/handler"
	"github.com/jibbs/catalog/internal/api/middleware"
	"github.com/jibbs/catalog/internal/config"
	"github.com/jibbs/catalog/internal/logger"
	"github.com/jibbs/catalog/internal/service"
)

// SetupRouter configures the Gin router with all routes
func SetupRouter(
	searchService *service.SearchService,
	sweeper *service.Sweeper,
	serverCfg *config.ServerConfig,
	log *logger.Logger,
) *gin.Engine {
	switch serverCfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))
	r.Use(middleware.CORS(serverCfg.CORS))

	healthHandler := handler.NewHealthHandler()
	searchHandler := handler.NewSearchHandler(searchService)
	productHandler := handler.NewProductHandler(searchService)
	adminHandler := handler.NewAdminHandler(sweeper)

	r.GET("/health", healthHandler.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/search", searchHandler.Search)
		v1.GET("/search", searchHandler.SearchGet)

		v1.GET("/categories", searchHandler.GetCategories)

		v1.GET("/products", productHandler.ListProducts)
		v1.GET("/products/:id", productHandler.GetProduct)

		v1.GET("/stats", searchHandler.GetStats)

		v1.POST("/admin/sweep", adminHandler.Sweep)
	}

	return r
}
