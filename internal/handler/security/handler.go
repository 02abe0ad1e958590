package security

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/casetrail/audit-api/internal/handler"
	"github.com/casetrail/audit-api/internal/middleware"
	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/service/lockout"
	"github.com/casetrail/audit-api/internal/service/pattern"
	"github.com/casetrail/audit-api/internal/service/risk"
)

type Handler struct {
	engine   *risk.Engine
	lockouts *lockout.Tracker
	patterns *pattern.Tracker
	mw       *middleware.AuthMiddleware
}

func NewHandler(engine *risk.Engine, lockouts *lockout.Tracker, patterns *pattern.Tracker, mw *middleware.AuthMiddleware) *Handler {
	return &Handler{engine: engine, lockouts: lockouts, patterns: patterns, mw: mw}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	group := r.Group("/security")
	{
		group.POST("/evaluate", h.Evaluate)
		group.POST("/check", h.CheckBlock)
		group.GET("/patterns/:user_id", h.Pattern)
		group.GET("/lockouts/:user_id", h.LockoutStatus)
		group.POST("/lockouts/:user_id/unlock", h.mw.RequireAdmin(), h.Unlock)
	}
}

type evaluateRequest struct {
	UserID     *uuid.UUID `json:"user_id"`
	Action     string     `json:"action" binding:"required"`
	Resource   string     `json:"resource" binding:"required"`
	ResourceID string     `json:"resource_id"`
	IPAddress  string     `json:"ip_address"`
	Timestamp  *time.Time `json:"timestamp"`
}

// Evaluate scores an access event reported by a domain service. The caller
// gets a result even when parts of the signal are unavailable.
func (h *Handler) Evaluate(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing organization scope"))
		return
	}

	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	event := &model.AccessEvent{
		ID:         uuid.New(),
		OrgID:      orgID,
		UserID:     req.UserID,
		Action:     req.Action,
		Resource:   req.Resource,
		ResourceID: req.ResourceID,
		IPAddress:  req.IPAddress,
		Timestamp:  time.Now(),
	}
	if req.UserID == nil {
		if userID, ok := middleware.UserID(c); ok {
			event.UserID = &userID
		}
	}
	if req.IPAddress == "" {
		event.IPAddress = c.ClientIP()
	}
	if req.Timestamp != nil {
		event.Timestamp = *req.Timestamp
	}

	result := h.engine.Evaluate(c.Request.Context(), event)
	c.JSON(http.StatusOK, handler.NewSuccessResponse(result))
}

type checkRequest struct {
	Action   string `json:"action" binding:"required"`
	Resource string `json:"resource" binding:"required"`
}

// CheckBlock answers whether the authenticated user may perform the action
// right now under the organization's blocking thresholds.
func (h *Handler) CheckBlock(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing organization scope"))
		return
	}
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing user identity"))
		return
	}

	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	decision, err := h.engine.ShouldBlockAction(c.Request.Context(), &model.AccessEvent{
		OrgID:     orgID,
		UserID:    &userID,
		Action:    req.Action,
		Resource:  req.Resource,
		IPAddress: c.ClientIP(),
		Timestamp: time.Now(),
	})
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(decision))
}

// Pattern returns the rolling behavioral snapshot for one user.
func (h *Handler) Pattern(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing organization scope"))
		return
	}
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid user id"))
		return
	}

	snapshot, err := h.patterns.Snapshot(c.Request.Context(), orgID, userID)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(snapshot))
}

func (h *Handler) LockoutStatus(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing organization scope"))
		return
	}
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid user id"))
		return
	}

	status, err := h.lockouts.CheckLoginLockout(c.Request.Context(), orgID, userID)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(status))
}

// Unlock clears an active lockout. Administrators only; the unlock itself
// lands in the audit trail.
func (h *Handler) Unlock(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing organization scope"))
		return
	}
	adminID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing user identity"))
		return
	}
	userID, err := uuid.Parse(c.Param("user_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid user id"))
		return
	}

	if err := h.lockouts.UnlockAccount(c.Request.Context(), orgID, userID, adminID); err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse("account unlocked"))
}
