package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"fleet-relay-backend/config"
	"fleet-relay-backend/internal/mw"
	"fleet-relay-backend/internal/store"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(s store.Store, r Relay, webpushOptions *webpush.Options, cfg *config.ServerConfig, log *zap.Logger) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	responseCache := mw.NewResponseCache(time.Duration(cfg.CacheTTLSeconds) * time.Second)
	handler := NewHandler(s, r, webpushOptions, responseCache, log)
	caching := responseCache.Handler()

	api := engine.Group("/api")
	api.Use(mw.RateLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst))
	{
		api.POST("/heartbeats", handler.PostHeartbeat)

		api.POST("/commands", handler.PostCommand)
		api.GET("/commands/:id", handler.GetCommand)
		api.POST("/commands/:id/cancel", handler.CancelCommand)

		api.GET("/devices/:address", handler.GetDevice)
		api.PUT("/devices/:address", handler.PutDevice)
		api.GET("/devices/:address/commands", handler.GetDeviceCommands)

		api.POST("/units", handler.PostUnit)
		api.GET("/units/:serial", caching, handler.GetUnit)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	return engine
}
