package api

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/IamMattHenry/salemate-notify/internal/app"
	iauth "github.com/IamMattHenry/salemate-notify/internal/auth"
	"github.com/IamMattHenry/salemate-notify/internal/fanout"
	"github.com/IamMattHenry/salemate-notify/internal/handlers"
	"github.com/IamMattHenry/salemate-notify/internal/middleware"
	"github.com/IamMattHenry/salemate-notify/internal/realtime"
)

// NewRouter builds the Gin engine, wires middleware and registers the
// notification routes.
func NewRouter(engine *fanout.Engine, streamer *realtime.Streamer, jwt *iauth.JWTService, cfg *app.Config) (*gin.Engine, error) {
	if engine == nil {
		return nil, fmt.Errorf("fan-out engine must be provided")
	}
	if jwt == nil {
		return nil, fmt.Errorf("jwt service must be provided")
	}
	if cfg == nil {
		return nil, fmt.Errorf("config must be provided")
	}

	r := gin.New()

	// Global middleware
	r.Use(middleware.Recovery())
	r.Use(middleware.Logger())
	r.Use(middleware.Metrics())

	// Health endpoint (public)
	r.GET("/health", handlers.Health())

	if cfg.Monitoring.Prometheus.Enabled {
		endpoint := cfg.Monitoring.Prometheus.Endpoint
		if endpoint == "" {
			endpoint = "/metrics"
		}
		r.GET(endpoint, gin.WrapH(promhttp.Handler()))
	}

	notificationHandler, err := handlers.NewNotificationHandler(engine, streamer)
	if err != nil {
		return nil, err
	}

	api := r.Group("/api", middleware.Auth(jwt))
	{
		notifications := api.Group("/notifications")
		notifications.GET("", notificationHandler.List)
		notifications.GET("/unread", notificationHandler.ListUnread)
		notifications.POST("", notificationHandler.Submit)
		notifications.POST("/test", notificationHandler.GenerateTest)
		notifications.POST("/:id/read", notificationHandler.MarkRead)
		notifications.POST("/read-all", notificationHandler.MarkAllRead)
		notifications.GET("/stream", notificationHandler.Stream)
	}

	return r, nil
}
