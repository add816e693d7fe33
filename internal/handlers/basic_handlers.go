package handlers

import (
	"net/http"
	"time"

	"go-txpipeline/internal/db"
	"go-txpipeline/internal/events"
	"go-txpipeline/internal/services"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports process and dependency health.
func HealthHandler(pushService *services.WebSocketPushService) gin.HandlerFunc {
	return func(c *gin.Context) {
		dbStatus := "ok"
		if sqlDB, err := db.DB.DB(); err != nil || sqlDB.Ping() != nil {
			dbStatus = "down"
		}

		natsStatus := "disabled"
		if nc := events.GetNATSClient(); nc != nil {
			if nc.IsConnected() {
				natsStatus = "ok"
			} else {
				natsStatus = "down"
			}
		}

		status := http.StatusOK
		if dbStatus != "ok" {
			status = http.StatusServiceUnavailable
		}

		c.JSON(status, gin.H{
			"status":    dbStatus,
			"database":  dbStatus,
			"nats":      natsStatus,
			"ws_conns":  pushService.GetActiveConnections(),
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

// WebSocketHandler upgrades the connection and hands it to the push service.
func WebSocketHandler(pushService *services.WebSocketPushService) gin.HandlerFunc {
	return func(c *gin.Context) {
		pushService.HandleWebSocket(c.Writer, c.Request)
	}
}
