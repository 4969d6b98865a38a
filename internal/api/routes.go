package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/internal/engine"
	"github.com/NitrogenPNE/ATOMIC-2.0-sub002/pkg/models"
)

type APIHandler struct {
	eng   *engine.Engine
	wsHub *Hub
}

func SetupRouter(eng *engine.Engine, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var.
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{eng: eng, wsHub: wsHub}
	limiter := NewRateLimiter(120, 30)

	api := r.Group("/api/v1")
	api.Use(limiter.Middleware())
	{
		// Public endpoints.
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", wsHub.Subscribe)

		protected := api.Group("")
		protected.Use(AuthMiddleware())
		{
			protected.POST("/fission", handler.handleFission)
			protected.POST("/bond", handler.handleBond)
			protected.POST("/bond/replay", handler.handleBondReplay)

			protected.POST("/tokens", handler.handleMint)
			protected.GET("/tokens/:id", handler.handleGetToken)
			protected.POST("/tokens/:id/allocate", handler.handleAllocate)
			protected.POST("/tokens/:id/deallocate", handler.handleDeallocate)
			protected.POST("/tokens/:id/redeem", handler.handleRedeem)
			protected.POST("/tokens/:id/revoke", handler.handleRevoke)

			protected.GET("/price", handler.handlePrice)

			protected.GET("/ledger/:address", handler.handleLedger)
			protected.GET("/audit/:address", handler.handleAudit)
			protected.GET("/mining/:address", handler.handleMining)
			protected.POST("/mining/:address/rebuild", handler.handleMiningRebuild)
		}
	}

	return r
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrAccessDenied):
		return http.StatusForbidden
	case errors.Is(err, models.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInsufficientAtoms):
		return http.StatusConflict
	case errors.Is(err, models.ErrTemporarilyUnavailable), errors.Is(err, models.ErrLedgerUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, models.ErrDeadline):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *APIHandler) handleFission(c *gin.Context) {
	var req struct {
		TokenID string `json:"tokenId"`
		Blob    string `json:"blob"`
		Data    string `json:"data"` // base64 or raw text payload
		Path    string `json:"path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	result, err := h.eng.Fission.Fission(c.Request.Context(), []byte(req.Data), req.Path, req.TokenID, req.Blob)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	if h.eng.Analytics != nil {
		if aerr := h.eng.Analytics.SaveFissionBatch(c.Request.Context(),
			result.BatchID, result.Address, req.TokenID, result.Classification, len(result.BitAtoms)); aerr != nil {
			// Mirror failures never fail the request.
			_ = aerr
		}
	}

	h.broadcast("fission", gin.H{
		"batchId":  result.BatchID,
		"address":  result.Address,
		"bitAtoms": len(result.BitAtoms),
	})

	c.JSON(http.StatusOK, gin.H{
		"address":         result.Address,
		"batchId":         result.BatchID,
		"classification":  result.Classification,
		"key":             result.Key,
		"bitAtoms":        len(result.BitAtoms),
		"nodeAssignments": result.NodeAssignments,
	})
}

// handleBond triggers one on-demand bond attempt at (address, level).
func (h *APIHandler) handleBond(c *gin.Context) {
	var req struct {
		Address string `json:"address"`
		Level   string `json:"level"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	level, err := models.ParseLevel(req.Level)
	if err != nil || level == models.LevelBit {
		c.JSON(http.StatusBadRequest, gin.H{"error": "level must be one of BYTE, KB, MB, GB, TB"})
		return
	}

	bonder, err := h.eng.Scheduler.Bonder(req.Address, level)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	atom, err := bonder.TryBond(c.Request.Context())
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	h.broadcast("bond", gin.H{"address": req.Address, "level": level.String(), "index": atom.Index})
	c.JSON(http.StatusOK, gin.H{"atom": atom})
}

// handleBondReplay is the operator action completing a quarantined bond.
func (h *APIHandler) handleBondReplay(c *gin.Context) {
	var req struct {
		Address string `json:"address"`
		Level   string `json:"level"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	level, err := models.ParseLevel(req.Level)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	bonder, err := h.eng.Scheduler.Bonder(req.Address, level)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	atom, err := bonder.ReplayQuarantine()
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"atom": atom})
}

func (h *APIHandler) handleMint(c *gin.Context) {
	var req struct {
		Class  string `json:"class"`
		Serial string `json:"serial"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	quote := h.eng.Pricing.Quote()
	result, err := h.eng.Tokens.Mint(req.Class, req.Serial, quote.AdjustedTokenPrice)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *APIHandler) handleGetToken(c *gin.Context) {
	tok, err := h.eng.Tokens.Get(c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (h *APIHandler) handleAllocate(c *gin.Context) {
	var req struct {
		Node string `json:"node"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	receipt, err := h.eng.Tokens.Allocate(c.Param("id"), req.Node)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, receipt)
}

func (h *APIHandler) handleDeallocate(c *gin.Context) {
	var req struct {
		Node string `json:"node"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if err := h.eng.Tokens.Deallocate(c.Param("id"), req.Node); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deallocated"})
}

func (h *APIHandler) handleRedeem(c *gin.Context) {
	if err := h.eng.Tokens.Redeem(c.Param("id")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "redeemed"})
}

func (h *APIHandler) handleRevoke(c *gin.Context) {
	var req struct {
		Note string `json:"note"`
	}
	_ = c.ShouldBindJSON(&req)
	if err := h.eng.Tokens.Revoke(c.Param("id"), req.Note); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

func (h *APIHandler) handlePrice(c *gin.Context) {
	c.JSON(http.StatusOK, h.eng.Pricing.Quote())
}

func (h *APIHandler) handleLedger(c *gin.Context) {
	address := c.Param("address")
	level, err := models.ParseLevel(c.DefaultQuery("level", "BIT"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	particle, err := models.ParseParticle(c.DefaultQuery("particle", string(level.Channels()[0])))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	offset, _ := strconv.ParseUint(c.DefaultQuery("offset", "0"), 10, 64)
	count, _ := strconv.ParseUint(c.DefaultQuery("count", "50"), 10, 64)
	if count > 500 {
		count = 500
	}

	entries, err := h.eng.Store.ReadEntries(address, level, particle, offset, count)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	total, _ := h.eng.Store.Count(address, level, particle)
	consumed, _ := h.eng.Store.Consumed(address, level, particle)
	quarantined, _ := h.eng.Store.Quarantined(address, level, particle)

	c.JSON(http.StatusOK, gin.H{
		"entries":     entries,
		"total":       total,
		"consumed":    consumed,
		"quarantined": quarantined,
	})
}

func (h *APIHandler) handleAudit(c *gin.Context) {
	address := c.Param("address")
	offset, _ := strconv.ParseUint(c.DefaultQuery("offset", "0"), 10, 64)
	count, _ := strconv.ParseUint(c.DefaultQuery("count", "50"), 10, 64)
	if count > 500 {
		count = 500
	}
	records, err := h.eng.Store.ReadAudit(address, offset, count)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *APIHandler) handleMining(c *gin.Context) {
	address := c.Param("address")
	level, err := models.ParseLevel(c.DefaultQuery("level", "BIT"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	particle, err := models.ParseParticle(c.DefaultQuery("particle", string(level.Channels()[0])))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	offset, _ := strconv.ParseUint(c.DefaultQuery("offset", "0"), 10, 64)
	count, _ := strconv.ParseUint(c.DefaultQuery("count", "50"), 10, 64)
	if count > 500 {
		count = 500
	}
	records, err := h.eng.Monitor.Read(address, level, particle, offset, count)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records})
}

func (h *APIHandler) handleMiningRebuild(c *gin.Context) {
	if err := h.eng.Monitor.Rebuild(c.Param("address")); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rebuilt"})
}

// handleHealth returns node status for service discovery.
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":       "operational",
		"hostSerial":   h.eng.Tokens.HostSerial(),
		"sigScheme":    h.eng.Keystore.Scheme(),
		"keyRotation":  h.eng.Keystore.Rotation(),
		"nodeRoster":   h.eng.Planner.Roster(),
		"writeLatency": h.eng.Store.WriteLatency().String(),
		"unavailable":  h.eng.Store.Unavailable(),
		"dbConnected":  h.eng.Analytics != nil,
	})
}

// broadcast pushes a typed event to every websocket subscriber.
func (h *APIHandler) broadcast(kind string, payload gin.H) {
	if h.wsHub == nil {
		return
	}
	msg, _ := json.Marshal(gin.H{"type": kind, "data": payload})
	h.wsHub.Broadcast(msg)
}
