package audit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/casetrail/audit-api/internal/handler"
	"github.com/casetrail/audit-api/internal/middleware"
	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/repository"
	"github.com/casetrail/audit-api/internal/service/audit"
	"github.com/casetrail/audit-api/pkg/hashchain"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

type Handler struct {
	svc      *audit.Service
	verifier *audit.Verifier
}

func NewHandler(svc *audit.Service, verifier *audit.Verifier) *Handler {
	return &Handler{svc: svc, verifier: verifier}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	entries := r.Group("/audit")
	{
		entries.GET("/entries", h.List)
		entries.GET("/entries/:id", h.Get)
		entries.POST("/entries", h.Record)
		entries.POST("/verify", h.Verify)
	}
}

// List returns one page of the organization's trail, newest first. Hashes
// are truncated in the listing; the detail endpoint carries full values.
func (h *Handler) List(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing organization scope"))
		return
	}

	filter, err := parseFilter(c, orgID)
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	entries, next, err := h.svc.List(c.Request.Context(), *filter)
	if err != nil {
		handler.Error(c, err)
		return
	}

	views := make([]*model.AuditLogEntryView, len(entries))
	for i, entry := range entries {
		views[i] = entry.View(hashchain.Truncate)
	}

	payload := gin.H{"entries": views}
	if next != nil {
		payload["next_cursor"] = next.Encode()
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(payload))
}

func (h *Handler) Get(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing organization scope"))
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse("invalid entry id"))
		return
	}

	entry, err := h.svc.GetByID(c.Request.Context(), orgID, id)
	if err != nil {
		if err == repository.ErrNotFound {
			c.JSON(http.StatusNotFound, handler.NewErrorResponse("entry not found"))
			return
		}
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(entry))
}

type recordRequest struct {
	Action       string                 `json:"action" binding:"required"`
	Resource     string                 `json:"resource" binding:"required"`
	ResourceID   string                 `json:"resource_id"`
	ResourceName string                 `json:"resource_name"`
	Details      map[string]interface{} `json:"details"`
}

// Record files an entry on behalf of a domain service that performed an
// operation outside this API's own routes.
func (h *Handler) Record(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing organization scope"))
		return
	}
	userID, _ := middleware.UserID(c)

	var req recordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		return
	}

	input := &model.AuditEntryInput{
		OrgID:        orgID,
		UserID:       &userID,
		Action:       req.Action,
		Resource:     req.Resource,
		ResourceID:   req.ResourceID,
		ResourceName: req.ResourceName,
		IPAddress:    c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	}
	if req.Details != nil {
		details, err := model.MarshalDetails(req.Details)
		if err != nil {
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
			return
		}
		input.Details = details
	}

	entry, err := h.svc.Record(c.Request.Context(), input)
	if err != nil {
		switch err {
		case audit.ErrInvalidAction, audit.ErrDetailsTooLarge:
			c.JSON(http.StatusBadRequest, handler.NewErrorResponse(err.Error()))
		default:
			handler.Error(c, err)
		}
		return
	}
	c.JSON(http.StatusCreated, handler.NewSuccessResponse(entry))
}

// Verify walks the organization's chain from genesis and reports the first
// break, if any.
func (h *Handler) Verify(c *gin.Context) {
	orgID, ok := middleware.OrgID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, handler.NewErrorResponse("missing organization scope"))
		return
	}

	result, err := h.verifier.Verify(c.Request.Context(), orgID)
	if err != nil {
		handler.Error(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(result))
}

func parseFilter(c *gin.Context, orgID uuid.UUID) (*model.AuditListFilter, error) {
	filter := &model.AuditListFilter{OrgID: orgID, Limit: defaultPageSize}

	if v := c.Query("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return nil, errInvalidParam("limit")
		}
		if limit > maxPageSize {
			limit = maxPageSize
		}
		filter.Limit = limit
	}
	if v := c.Query("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, errInvalidParam("user_id")
		}
		filter.UserID = &id
	}
	filter.Action = c.Query("action")
	filter.Resource = c.Query("resource")

	if v := c.Query("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errInvalidParam("start")
		}
		filter.Start = &t
	}
	if v := c.Query("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errInvalidParam("end")
		}
		filter.End = &t
	}
	if v := c.Query("cursor"); v != "" {
		cursor, err := model.DecodeCursor(v)
		if err != nil {
			return nil, errInvalidParam("cursor")
		}
		filter.Cursor = cursor
	}
	return filter, nil
}

type paramError string

func (e paramError) Error() string { return "invalid " + string(e) + " parameter" }

func errInvalidParam(name string) error { return paramError(name) }
