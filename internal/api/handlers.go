package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"alpaca-trading-engine/internal/broker"
	"alpaca-trading-engine/internal/engine"
)

func (s *Server) handleHealth(c *gin.Context) {
	status := gin.H{"status": "ok"}
	if s.store != nil {
		if err := s.store.HealthCheck(c.Request.Context()); err != nil {
			status["database"] = "down"
			c.JSON(http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "up"
	}
	c.JSON(http.StatusOK, status)
}

type loginRequest struct {
	Operator string `json:"operator" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) handleLogin(c *gin.Context) {
	if s.tokens == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "auth disabled"})
		return
	}
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "operator and password required"})
		return
	}
	if req.Operator != s.config.Auth.Operator || !verifyPassword(s.config.Auth.PasswordHash, req.Password) {
		s.logger.Warn().Str("operator", req.Operator).Msg("Failed login attempt")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, err := s.tokens.Issue(req.Operator)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"token":      token,
		"expires_in": int64(s.config.Auth.TokenTTL.Seconds()),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Status())
}

func (s *Server) handleSnapshot(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.BuildSnapshot(c.Request.Context()))
}

func (s *Server) handlePositions(c *gin.Context) {
	snap := s.engine.BuildSnapshot(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"positions": snap.Positions, "count": len(snap.Positions)})
}

func (s *Server) handlePositionSummary(c *gin.Context) {
	summary, err := s.engine.Summary(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		if errors.Is(err, engine.ErrNotTracked) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleOrders(c *gin.Context) {
	status := c.DefaultQuery("status", broker.OrdersOpen)
	symbol := c.Query("symbol")
	orders, err := s.broker.ListOrders(c.Request.Context(), status, symbol)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (s *Server) handleTrades(c *gin.Context) {
	if s.store == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "persistence disabled"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil || limit <= 0 || limit > 1000 {
		limit = 100
	}
	trades, err := s.store.GetTrades(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleMetricsSummary(c *gin.Context) {
	if s.metrics == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "metrics disabled"})
		return
	}
	c.JSON(http.StatusOK, s.metrics.Snapshot())
}

type tradingToggleRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

func (s *Server) handleTradingToggle(c *gin.Context) {
	var req tradingToggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "enabled (bool) required"})
		return
	}
	s.engine.SetTradingEnabled(*req.Enabled)
	c.JSON(http.StatusOK, gin.H{"trading_enabled": s.engine.TradingEnabled()})
}

func (s *Server) handleFlattenAll(c *gin.Context) {
	closed, err := s.engine.FlattenAll(c.Request.Context())
	resp := gin.H{"closed": closed}
	if err != nil {
		resp["error"] = err.Error()
		c.JSON(http.StatusMultiStatus, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSyncState(c *gin.Context) {
	adopted, err := s.engine.SyncState(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "adopted": adopted})
		return
	}
	c.JSON(http.StatusOK, gin.H{"adopted": adopted})
}
