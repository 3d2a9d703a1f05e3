package server

import (
	"net/http"
	"strconv"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/anvilworks/ragserver/internal/handlers"
	"github.com/anvilworks/ragserver/internal/observability"
)

type RouterConfig struct {
	ChatHandler     *handlers.ChatHandler
	TrainingHandler *handlers.TrainingHandler
	SessionHandler  *handlers.SessionHandler
	Metrics         *observability.Metrics
	AllowOrigins    []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapF(cfg.Metrics.WriteHTTP))
	}

	api := router.Group("/api")
	if cfg.Metrics != nil {
		api.Use(requestMetrics(cfg.Metrics))
	}
	{
		api.POST("/chat", cfg.ChatHandler.Chat)
		api.POST("/chat/stream", cfg.ChatHandler.ChatStream)

		api.POST("/train", cfg.TrainingHandler.TrainOne)
		api.POST("/train/batch", cfg.TrainingHandler.TrainBatch)

		api.POST("/sessions", cfg.SessionHandler.Create)
		api.GET("/sessions/:id", cfg.SessionHandler.Info)
		api.GET("/sessions/:id/turns", cfg.SessionHandler.Turns)
		api.POST("/sessions/:id/clear", cfg.SessionHandler.Clear)
		api.DELETE("/sessions/:id", cfg.SessionHandler.Delete)

		api.GET("/instructions", cfg.SessionHandler.GetInstructions)
		api.PUT("/instructions", cfg.SessionHandler.UpdateInstructions)
	}

	return router
}

func requestMetrics(metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.ObserveAPI(route, strconv.Itoa(c.Writer.Status()))
	}
}
