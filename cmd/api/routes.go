package main

import (
	"callern/internal/auth"
	"callern/internal/httpapi"
	"callern/internal/rbac"
	"callern/internal/signaling"

	"github.com/gin-gonic/gin"
)

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, am *auth.Manager, ws *signaling.Server, h httpapi.Handlers) {
	// public
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	r.POST("/v1/auth/login", h.Login)

	// Browsers cannot set headers on websocket upgrades; the token may ride in ?token=.
	r.GET("/v1/ws", auth.RequireChannelToken(am), ws.ServeWS)

	// protected API group
	v1 := r.Group("/v1")
	v1.Use(auth.RequireAccessToken(am))
	{
		v1.GET("/me", h.Me)

		learners := v1.Group("/learners/:learner_id")
		learners.Use(rbac.RequireSelfOrAdmin("learner_id"))
		{
			learners.GET("/packages", h.ListPackages)
		}

		// ADMIN routes
		admin := v1.Group("/admin")
		admin.Use(rbac.RequireAnyRole(rbac.RoleAdmin))
		{
			admin.GET("/ping", func(c *gin.Context) {
				c.JSON(200, gin.H{"status": "ok"})
			})
			admin.POST("/packages", h.GrantPackage)
			admin.GET("/teachers/:teacher_id/availability", h.GetAvailability)
			admin.PUT("/teachers/:teacher_id/availability", h.PutAvailability)
			admin.GET("/rooms", h.ListRooms)
			admin.DELETE("/rooms/:room_id", h.TerminateRoom)
		}
	}
}
