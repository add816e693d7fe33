package router

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"go-txpipeline/internal/app"
	"go-txpipeline/internal/handlers"
	"go-txpipeline/internal/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// corsMiddleware CORS middleware
// Priority: Environment Variable > Default (*)
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowedOrigins := []string{"*"}
		if envOrigins := os.Getenv("CORS_ALLOWED_ORIGINS"); envOrigins != "" {
			origins := strings.Split(envOrigins, ",")
			allowedOrigins = make([]string, 0, len(origins))
			for _, o := range origins {
				if trimmed := strings.TrimSpace(o); trimmed != "" {
					allowedOrigins = append(allowedOrigins, trimmed)
				}
			}
		}

		if len(allowedOrigins) == 1 && allowedOrigins[0] == "*" {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" {
			for _, allowedOrigin := range allowedOrigins {
				if allowedOrigin == origin {
					c.Header("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}

		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, Cache-Control, Accept")
		c.Header("Access-Control-Max-Age", strconv.Itoa(3600))

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// SetupRouter builds the HTTP surface: caller API, admin API, websocket push
// and the Prometheus scrape endpoint.
func SetupRouter(container *app.ServiceContainer) *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware())

	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	authMiddleware := middleware.NewAuthMiddleware(logger)
	adminAuthMiddleware := middleware.NewAdminAuthMiddleware(logger)

	intentHandler := handlers.NewIntentHandler(
		container.LedgerService,
		container.BroadcasterService,
		container.ReconcilerService,
		container.SendRepo,
		container.ReceiptRepo,
		logger,
	)
	walletHandler := handlers.NewWalletHandler(container.WalletService, logger)
	credentialHandler := handlers.NewCredentialHandler(container.CredentialService, logger)
	adminAuthHandler := handlers.NewAdminAuthHandler()

	// monitoring surface, unauthenticated
	r.GET("/health", handlers.HealthHandler(container.WebSocketPushService))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/ws", handlers.WebSocketHandler(container.WebSocketPushService))

	api := r.Group("/api/v1")
	api.Use(authMiddleware.RequireAuth())
	{
		api.POST("/intents", intentHandler.RegisterIntent)
		api.GET("/intents/:key", intentHandler.GetIntent)

		api.PUT("/credentials/:provider", credentialHandler.PutCredential)
		api.GET("/credentials/:provider", credentialHandler.GetCredentialMeta)
		api.DELETE("/credentials/:provider", credentialHandler.DeleteCredential)
	}

	admin := r.Group("/api/v1/admin")
	admin.POST("/login", adminAuthHandler.AdminLoginHandler)
	admin.POST("/totp/generate", adminAuthHandler.GenerateTOTPSecretHandler)
	adminProtected := admin.Group("")
	adminProtected.Use(adminAuthMiddleware.RequireAdminAuth())
	{
		adminProtected.POST("/intents/:id/replace", intentHandler.ForceReplace)
		adminProtected.POST("/wallets/import", walletHandler.ImportWallet)
		adminProtected.GET("/wallets/:address", walletHandler.GetWallet)
	}

	return r
}
