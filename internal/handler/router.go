package handler

import (
	"net/http"

	"github.com/Monthlyaway/short-link-relay/internal/logger"
	"github.com/Monthlyaway/short-link-relay/internal/middleware"
	"github.com/gin-gonic/gin"
)

// Routes collects what the router serves. Nil limiters and a nil
// Metrics handler are skipped.
type Routes struct {
	Links   *LinkHandler
	Resolve *ResolveHandler
	Metrics http.Handler
	APIKey  string
	Health  []Check

	GlobalLimit gin.HandlerFunc
	PublicLimit gin.HandlerFunc
	AdminLimit  gin.HandlerFunc
}

// NewRouter builds the gin engine with recovery, request logging and all routes
func NewRouter(routes Routes, log logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLog(log))
	if routes.GlobalLimit != nil {
		router.Use(routes.GlobalLimit)
	}

	router.GET("/health", HealthCheck(routes.Health...))
	if routes.Metrics != nil {
		router.GET("/metrics", gin.WrapH(routes.Metrics))
	}

	admin := router.Group("/api/v1/links", chain(routes.AdminLimit, middleware.RequireAPIKey(routes.APIKey))...)
	{
		admin.POST("", routes.Links.CreateLink)
		admin.GET("", routes.Links.ListLinks)
		admin.GET("/:short_code", routes.Links.GetLink)
		admin.PUT("/:short_code", routes.Links.UpdateLink)
		admin.DELETE("/:short_code", routes.Links.DeleteLink)
	}

	router.GET("/:short_code", append(chain(routes.PublicLimit), routes.Resolve.Resolve)...)

	return router
}

func chain(handlers ...gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(handlers))
	for _, h := range handlers {
		if h != nil {
			out = append(out, h)
		}
	}
	return out
}
