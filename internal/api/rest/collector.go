package rest

import (
	"net/http"

	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/collector/status
func (s *Server) getCollectorStatus(c *gin.Context) {
	resp := gin.H{
		"running":    s.lm.CollectorRunning(),
		"last_cycle": nil,
	}
	if status, ok := s.lm.CollectorStatus(); ok {
		resp["last_cycle"] = status
	}
	c.JSON(http.StatusOK, resp)
}

// POST /api/v1/collector/command
func (s *Server) executeCollectorCommand(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid request body", err.Error()))
		return
	}

	switch req.Command {
	case "start":
		if err := s.lm.StartCollector(); err != nil {
			s.logger.Error("Collector start failed", zap.Error(err))
			c.JSON(http.StatusConflict, types.NewErrorResponse(types.CodeCollectorBusy, "Collector could not be started", err.Error()))
			return
		}
	case "stop":
		s.lm.StopCollector()
	default:
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Unknown command", req.Command))
		return
	}

	s.logger.Info("Collector command executed",
		zap.String("command", req.Command),
		zap.String("user", c.GetString("username")))

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Command accepted",
		"command": req.Command,
		"running": s.lm.CollectorRunning(),
	})
}
