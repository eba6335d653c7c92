package rest

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GET /health
func (s *Server) healthCheck(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"state":             status.State,
		"collector_running": status.CollectorRunning,
		"gateway_reachable": status.GatewayReachable,
		"timestamp":         s.now().Unix(),
	})
}
