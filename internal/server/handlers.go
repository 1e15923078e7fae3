package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"loom/internal/events"
)

type apiResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, apiResponse{Success: true, Data: data})
}

func fail(c *gin.Context, status int, err error) {
	c.JSON(status, apiResponse{Success: false, Error: err.Error()})
}

type startRunRequest struct {
	Goal string `json:"goal"`
}

type confirmRequest struct {
	RequestID string `json:"request_id"`
	Approved  bool   `json:"approved"`
	Feedback  string `json:"feedback,omitempty"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ok(c, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleTools(c *gin.Context) {
	ok(c, gin.H{"tools": s.registry.Describe()})
}

// handleStartRun starts a run and streams its events to the client as SSE
// frames. The session id travels in the X-Session-Id header so the client can
// confirm, cancel, or resume.
func (s *Server) handleStartRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(req.Goal) == "" {
		c.JSON(http.StatusBadRequest, apiResponse{Success: false, Error: "goal is required"})
		return
	}

	sessionID, stream, err := s.orch.RunStream(c.Request.Context(), req.Goal)
	if err != nil {
		fail(c, http.StatusInternalServerError, err)
		return
	}
	c.Header("X-Session-Id", sessionID)
	s.streamSSE(c, stream)
}

// handleResume restores a session from its newest checkpoint and streams the
// continuation.
func (s *Server) handleResume(c *gin.Context) {
	stream, err := s.orch.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.Header("X-Session-Id", c.Param("id"))
	s.streamSSE(c, stream)
}

func (s *Server) handleConfirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, err)
		return
	}
	if err := s.orch.Confirm(c.Param("id"), req.RequestID, req.Approved, req.Feedback); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	ok(c, gin.H{"request_id": req.RequestID})
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.orch.Cancel(c.Param("id")); err != nil {
		fail(c, http.StatusNotFound, err)
		return
	}
	c.JSON(http.StatusAccepted, apiResponse{Success: true})
}

// streamSSE writes the run's events as typed SSE frames until the stream
// closes. Keepalive pings arrive through the stream itself; a client
// disconnect cancels the request context and with it the run.
func (s *Server) streamSSE(c *gin.Context, stream <-chan events.Event) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for ev := range stream {
		frame, err := events.EncodeFrame(ev)
		if err != nil {
			s.logger.Warn("dropping unencodable %s event: %v", ev.Type, err)
			continue
		}
		if _, err := c.Writer.Write(frame); err != nil {
			s.logger.Debug("sse client went away: %v", err)
			return
		}
		c.Writer.Flush()
	}
}

// handleRunWS starts a run and streams its events over a WebSocket. The first
// frame announces the session id; each subsequent frame is one event.
func (s *Server) handleRunWS(c *gin.Context) {
	goal := strings.TrimSpace(c.Query("goal"))
	if goal == "" {
		c.JSON(http.StatusBadRequest, apiResponse{Success: false, Error: "goal is required"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	sessionID, stream, err := s.orch.RunStream(c.Request.Context(), goal)
	if err != nil {
		_ = conn.WriteJSON(apiResponse{Success: false, Error: err.Error()})
		return
	}
	if err := conn.WriteJSON(gin.H{"type": "session", "data": gin.H{"sessionId": sessionID}}); err != nil {
		_ = s.orch.Cancel(sessionID)
		return
	}

	// Read pump exists only to notice the peer closing.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = s.orch.Cancel(sessionID)
				return
			}
		}
	}()

	for ev := range stream {
		if err := conn.WriteJSON(ev); err != nil {
			_ = s.orch.Cancel(sessionID)
			return
		}
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
