package api

import (
	"github.com/gin-gonic/gin"
)

// NewRouter assembles the gin engine with the REST routes and the
// websocket endpoint.
func NewRouter(h *Handlers, hub *Hub) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), cors())

	router.GET("/health", h.Health)
	router.GET("/ws", hub.ServeWS)

	api := router.Group("/api")
	{
		devices := api.Group("/devices")
		{
			devices.GET("", h.ListDevices)
			devices.POST("/scan", h.ScanDevices)
			devices.GET("/:id", h.GetDevice)
			devices.PUT("/:id/name", h.RenameDevice)
		}

		tasks := api.Group("/tasks")
		{
			tasks.POST("", h.CreateTask)
			tasks.GET("", h.ListTasks)
			tasks.GET("/:id", h.GetTask)
			tasks.DELETE("/:id", h.DeleteTask)
			tasks.POST("/:id/cancel", h.CancelTask)
			tasks.POST("/:id/pause", h.PauseTask)
			tasks.POST("/:id/resume", h.ResumeTask)
			tasks.POST("/:id/intervene", h.Intervene)
		}
	}

	return router
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
