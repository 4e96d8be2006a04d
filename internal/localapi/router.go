// Package localapi exposes the replica over a loopback HTTP API so local
// tooling can read synced state and submit outbound operations.
package localapi

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"happy-sync/internal/health"
	"happy-sync/internal/queue"
	"happy-sync/internal/settings"
	"happy-sync/internal/store"
	"happy-sync/internal/sync"
)

type Deps struct {
	Log      *slog.Logger
	Engine   *sync.Engine
	Store    *store.Store
	Queue    *queue.Queue
	Settings *settings.Sync
	Health   *health.Monitor
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	if deps.Log != nil {
		r.Use(requestLog(deps.Log))
	}

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	sendLimiter := NewSendLimiter(60, time.Minute)

	sessionHandler := &SessionHandler{Engine: deps.Engine, Store: deps.Store}
	r.GET("/v1/sessions", sessionHandler.List)
	r.GET("/v1/sessions/:id", sessionHandler.Get)
	r.GET("/v1/sessions/:id/messages", sessionHandler.Messages)
	r.POST("/v1/sessions/:id/messages", PerSessionLimit(sendLimiter), sessionHandler.Send)
	r.POST("/v1/sessions/:id/viewed", sessionHandler.MarkViewed)
	r.PUT("/v1/sessions/:id/draft", sessionHandler.Draft)
	r.PUT("/v1/sessions/:id/permission-mode", sessionHandler.PermissionMode)

	accountHandler := &AccountHandler{Store: deps.Store, SettingsSync: deps.Settings}
	r.GET("/v1/account/profile", accountHandler.Profile)
	r.GET("/v1/account/settings", accountHandler.Settings)
	r.POST("/v1/account/settings", accountHandler.ApplySettings)
	r.GET("/v1/feed", accountHandler.Feed)

	machineHandler := &MachineHandler{Store: deps.Store}
	r.GET("/v1/machines", machineHandler.List)
	r.GET("/v1/artifacts", machineHandler.Artifacts)

	r.GET("/v1/kv/:key", func(c *gin.Context) {
		value, ok := deps.Engine.KVGet(c.Param("key"))
		if !ok {
			c.JSON(404, gin.H{"error": "Key not found"})
			return
		}
		c.JSON(200, gin.H{"key": c.Param("key"), "value": value})
	})

	statusHandler := &StatusHandler{Queue: deps.Queue, Health: deps.Health}
	r.GET("/v1/status", statusHandler.Status)
	r.POST("/v1/queue/drain", statusHandler.Drain)

	return r
}

func requestLog(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug("http",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start))
	}
}
