package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/bdougie/lobbycam/internal/analyzer"
	"github.com/bdougie/lobbycam/internal/scenario"
)

func fail(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"success": false, "message": msg})
}

type startRequest struct {
	RTSPURL string `json:"rtspUrl"`
}

func (s *Server) startStream(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RTSPURL == "" {
		fail(c, http.StatusBadRequest, "RTSP URL is required")
		return
	}

	res, err := s.pipeline.Start(c.Request.Context(), req.RTSPURL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"message": fmt.Sprintf("Failed to start stream: %v", err),
			"stream":  res.Stream,
			"capture": res.Capture,
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Stream and frame capture started",
		"stream":  res.Stream,
		"capture": res.Capture,
	})
}

func (s *Server) stopStream(c *gin.Context) {
	res := s.pipeline.Stop()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Stream and frame capture stopped",
		"stream":  res.Stream,
		"capture": res.Capture,
	})
}

func (s *Server) streamStatus(c *gin.Context) {
	st := s.pipeline.Status()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"stream":  st.Stream,
		"capture": st.Capture,
		"model":   st.Model,
		"frames":  st.Frames,
		"emitter": st.Emitter,
	})
}

func (s *Server) listFrames(c *gin.Context) {
	frames := s.pipeline.Frames.List()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"frames":  frames,
		"count":   len(frames),
	})
}

func (s *Server) getFrame(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, "Invalid frame id")
		return
	}

	frame, ok := s.pipeline.Frames.Get(id)
	if !ok {
		fail(c, http.StatusNotFound, "Frame not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "frame": frame})
}

func (s *Server) listScenarios(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"scenarios": s.pipeline.Scenarios.List(),
		"active":    s.pipeline.Scenarios.Active().ID,
	})
}

func (s *Server) activeScenario(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"success": true, "scenario": s.pipeline.Scenarios.Active()})
}

type switchRequest struct {
	ScenarioID string `json:"scenarioId"`
}

func (s *Server) switchScenario(c *gin.Context) {
	var req switchRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.ScenarioID == "" {
		fail(c, http.StatusBadRequest, "scenarioId is required")
		return
	}

	sc, err := s.pipeline.SwitchScenario(req.ScenarioID)
	if errors.Is(err, scenario.ErrUnknownScenario) {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"message":  fmt.Sprintf("Switched to scenario '%s'", sc.ID),
		"scenario": sc,
	})
}

func (s *Server) getModelMode(c *gin.Context) {
	ms := s.pipeline.ModeStatus()
	s.pipeline.RefreshHealthAsync()
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"mode":    ms.Mode,
		"slmUrl":  ms.SLMURL,
		"health":  ms.Health,
	})
}

type modeRequest struct {
	Mode   string `json:"mode"`
	SLMURL string `json:"slmUrl"`
}

func (s *Server) setModelMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "Invalid request body")
		return
	}

	ms, err := s.pipeline.SetMode(req.Mode, req.SLMURL)
	if errors.Is(err, analyzer.ErrInvalidMode) {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": fmt.Sprintf("Analysis mode set to %s", ms.Mode),
		"mode":    ms.Mode,
		"slmUrl":  ms.SLMURL,
		"health":  ms.Health,
	})
}
