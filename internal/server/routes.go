// Package server composes the HTTP surface: health, session inspection and
// the conversation websocket.
package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/edvolabs/tutorvoice/internal/app"
	wshandler "github.com/edvolabs/tutorvoice/internal/handlers/websocket"
)

// InitializeRoutes registers all routes on the router.
func InitializeRoutes(router *gin.Engine, a *app.App) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	ws := wshandler.NewHandler(a.Config, a.Store, a.Manager, a.Logger.Named("ws"))
	ws.RegisterRoutes(router)

	v1 := router.Group("/v1")
	{
		v1.GET("/sessions/:id", ws.HandleSnapshot)
	}
}
