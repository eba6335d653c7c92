package rest

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/export"
	"github.com/KevinKickass/OpenSolarCollector/internal/metrics"
	"github.com/KevinKickass/OpenSolarCollector/internal/storage"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypePDF  = "application/pdf"
)

// GET /api/v1/measurements/latest
func (s *Server) getLatest(c *gin.Context) {
	rows, err := s.lm.Store().LatestPerDevice(c.Request.Context())
	if err != nil {
		s.logger.Error("Latest query failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeStorage, "Failed to load measurements", err.Error()))
		return
	}
	if rows == nil {
		rows = []types.Measurement{}
	}

	var total float64
	for _, m := range rows {
		total += m.Power
	}
	c.JSON(http.StatusOK, gin.H{
		"devices":     rows,
		"total_power": total,
	})
}

// DELETE /api/v1/measurements
func (s *Server) clearMeasurements(c *gin.Context) {
	if err := s.lm.Store().ClearAll(c.Request.Context()); err != nil {
		s.logger.Error("Clearing measurements failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeStorage, "Failed to clear measurements", err.Error()))
		return
	}

	s.logger.Warn("All measurements deleted", zap.String("user", c.GetString("username")))
	c.JSON(http.StatusOK, gin.H{"message": "measurements cleared"})
}

// parseHistoryRequest reads :id, limit and since. since is either a
// duration back from now ("1h", "30m") or an RFC 3339 timestamp.
func (s *Server) parseHistoryRequest(c *gin.Context) (int, storage.HistoryQuery, bool) {
	var q storage.HistoryQuery

	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || !types.ValidDeviceID(id) {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest,
			fmt.Sprintf("device id must be %d..%d", types.MinDeviceID, types.MaxDeviceID), c.Param("id")))
		return 0, q, false
	}

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 1 {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "limit must be a positive integer", v))
			return 0, q, false
		}
		if limit > storage.MaxHistoryLimit {
			limit = storage.MaxHistoryLimit
		}
		q.Limit = limit
	}

	if v := c.Query("since"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			q.Since = s.now().Add(-d)
		} else if t, err := time.Parse(time.RFC3339, v); err == nil {
			q.Since = t
		} else {
			c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.CodeBadRequest, "since must be a duration or RFC 3339 time", v))
			return 0, q, false
		}
	}

	return id, q, true
}

// GET /api/v1/devices/:id/history
func (s *Server) getHistory(c *gin.Context) {
	id, q, ok := s.parseHistoryRequest(c)
	if !ok {
		return
	}

	rows, err := s.lm.Store().History(c.Request.Context(), id, q)
	if err != nil {
		s.logger.Error("History query failed", zap.Int("device_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeStorage, "Failed to load history", err.Error()))
		return
	}
	if rows == nil {
		rows = []types.Measurement{}
	}

	c.JSON(http.StatusOK, gin.H{
		"device_id":    id,
		"measurements": rows,
	})
}

// GET /api/v1/devices/:id/history/export.xlsx
func (s *Server) exportHistory(c *gin.Context) {
	id, q, ok := s.parseHistoryRequest(c)
	if !ok {
		return
	}

	rows, err := s.lm.Store().History(c.Request.Context(), id, q)
	if err != nil {
		metrics.IncExport("xlsx", metrics.ResultError)
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeStorage, "Failed to load history", err.Error()))
		return
	}

	data, err := export.HistoryXLSX(id, rows)
	if err != nil {
		metrics.IncExport("xlsx", metrics.ResultError)
		s.logger.Error("XLSX export failed", zap.Int("device_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeExport, "Failed to build workbook", err.Error()))
		return
	}

	metrics.IncExport("xlsx", metrics.ResultSuccess)
	filename := fmt.Sprintf("inverter-%d-%s.xlsx", id, s.now().UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	c.Data(http.StatusOK, contentTypeXLSX, data)
}

// GET /api/v1/reports/latest.pdf
func (s *Server) latestReport(c *gin.Context) {
	rows, err := s.lm.Store().LatestPerDevice(c.Request.Context())
	if err != nil {
		metrics.IncExport("pdf", metrics.ResultError)
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeStorage, "Failed to load measurements", err.Error()))
		return
	}

	data, err := export.LatestPDF(rows, s.now())
	if err != nil {
		metrics.IncExport("pdf", metrics.ResultError)
		s.logger.Error("PDF report failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, types.NewErrorResponse(types.CodeExport, "Failed to build report", err.Error()))
		return
	}

	metrics.IncExport("pdf", metrics.ResultSuccess)
	c.Header("Content-Disposition", `inline; filename="latest.pdf"`)
	c.Data(http.StatusOK, contentTypePDF, data)
}
