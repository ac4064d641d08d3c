package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler reports that the process is up and how many users are
// connected.
func (g *Gateway) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": g.deps.Registry.Len(),
	})
}

// BannerHandler answers the root path.
func BannerHandler(c *gin.Context) {
	c.String(http.StatusOK, "Chat server is running!")
}
