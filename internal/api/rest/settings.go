package rest

import (
	"errors"
	"net/http"

	"github.com/KevinKickass/OpenSolarCollector/internal/profiles"
	"github.com/KevinKickass/OpenSolarCollector/internal/settings"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/settings
func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.Settings().View(c.Request.Context()))
}

// PUT /api/v1/settings
// Changes take effect at the start of the next scan cycle.
func (s *Server) updateSettings(c *gin.Context) {
	var req settings.Update
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "Invalid request body", err.Error()))
		return
	}

	s.applyUpdate(c, req)
}

// POST /api/v1/settings/profile/:name
func (s *Server) applyProfile(c *gin.Context) {
	name := c.Param("name")

	profile, err := s.lm.Profiles().Load(name)
	if err != nil {
		if errors.Is(err, profiles.ErrNotFound) {
			c.JSON(http.StatusNotFound, types.NewErrorResponse(types.CodeNotFound, "Profile not found", name))
			return
		}
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeSettings, "Profile is invalid", err.Error()))
		return
	}

	s.logger.Info("Applying register map profile", zap.String("profile", profile.ID))
	rm := profile.RegisterMap
	s.applyUpdate(c, settings.Update{RegisterMap: &rm})
}

func (s *Server) applyUpdate(c *gin.Context, u settings.Update) {
	provider := s.lm.Settings()
	if err := provider.Apply(c.Request.Context(), u); err != nil {
		if errors.Is(err, settings.ErrInvalid) {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeSettings, "Invalid settings", err.Error()))
			return
		}
		s.logger.Error("Saving settings failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeStorage, "Failed to save settings", err.Error()))
		return
	}

	c.JSON(http.StatusOK, provider.View(c.Request.Context()))
}

// GET /api/v1/profiles
func (s *Server) listProfiles(c *gin.Context) {
	// Profiles are plain files; pick up edits without a restart.
	s.lm.Profiles().ClearCache()
	list, err := s.lm.Profiles().List()
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeSettings, "Failed to list profiles", err.Error()))
		return
	}
	if list == nil {
		list = []*profiles.Profile{}
	}
	c.JSON(http.StatusOK, gin.H{"profiles": list})
}
