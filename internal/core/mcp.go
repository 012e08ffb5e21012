package core

import (
	"errors"
	"net/http"
	"time"

	"github.com/bouzou4/AppleMusic-MCP/internal/mcp"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type toolCallRequest struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// handleListTools returns the advertised tool list.
func (s *Server) handleListTools(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tools": s.tools.Tools()})
}

// handleCallTool validates the bearer access token, decrypts the Music
// credentials it carries and dispatches the tool call.
func (s *Server) handleCallTool(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		s.sendUnauthorized(c)
		return
	}

	info, err := s.auth.ValidateAccessToken(c.Request.Context(), token)
	if err != nil {
		s.logger.Debug("access token rejected", zap.Error(err))
		s.sendUnauthorized(c)
		return
	}

	var req toolCallRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tool call request"})
		return
	}

	start := time.Now()
	if s.metrics != nil {
		s.metrics.ToolExecStart(req.Name)
	}

	result, err := s.tools.CallTool(c.Request.Context(), req.Name, req.Arguments, info.MusicUserToken)

	if s.metrics != nil {
		status := "success"
		if err != nil {
			status = "error"
		}
		s.metrics.ToolExecDone(req.Name, start, status)
	}

	if err != nil {
		if errors.Is(err, mcp.ErrUnknownTool) || errors.Is(err, mcp.ErrInvalidArguments) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("tool call failed",
			zap.String("tool", req.Name),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (s *Server) sendUnauthorized(c *gin.Context) {
	c.Header("WWW-Authenticate", `Bearer realm="OAuth", error="invalid_token", error_description="Missing or invalid access token"`)
	c.JSON(http.StatusUnauthorized, gin.H{
		"error":             "invalid_token",
		"error_description": "Missing or invalid access token",
	})
}
