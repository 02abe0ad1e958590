package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/casetrail/audit-api/internal/handler"
	"github.com/casetrail/audit-api/internal/middleware"
	"github.com/casetrail/audit-api/internal/service/auth"
)

type Handler struct {
	svc *auth.Service
	mw  *middleware.AuthMiddleware
}

func NewHandler(svc *auth.Service, mw *middleware.AuthMiddleware) *Handler {
	return &Handler{svc: svc, mw: mw}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	group := r.Group("/auth")
	{
		group.POST("/login", h.Login)
		group.POST("/logout", h.mw.Authenticate(), h.Logout)
	}
}

type loginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	tokens, err := h.svc.Login(c.Request.Context(), req.Email, req.Password, c.ClientIP(), c.Request.UserAgent())
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(tokens))
}

func (h *Handler) Logout(c *gin.Context) {
	claims, ok := middleware.Claims(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing session"))
		return
	}

	if err := h.svc.Logout(c.Request.Context(), claims, c.ClientIP(), c.Request.UserAgent()); err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse("logged out"))
}
