package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/casetrail/audit-api/internal/handler"
	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/service/audit"
	"github.com/casetrail/audit-api/internal/service/risk"
)

// AuditMiddleware records every completed request against a resource as an
// audit entry and feeds it to the risk engine. Recording is asynchronous so
// the response never waits on the chain append.
type AuditMiddleware struct {
	recorder audit.Recorder
	engine   *risk.Engine
}

func NewAuditMiddleware(recorder audit.Recorder, engine *risk.Engine) *AuditMiddleware {
	return &AuditMiddleware{recorder: recorder, engine: engine}
}

func actionForMethod(method string) string {
	switch method {
	case http.MethodPost:
		return model.AuditActionCreate
	case http.MethodPut, http.MethodPatch:
		return model.AuditActionUpdate
	case http.MethodDelete:
		return model.AuditActionDelete
	default:
		return model.AuditActionView
	}
}

// Audit wraps handlers for one resource type. The action defaults by HTTP
// method; export routes pass their action explicitly.
func (m *AuditMiddleware) Audit(resource string, action ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		// Failed requests never touched the resource.
		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}

		userID, ok := UserID(c)
		if !ok {
			return
		}
		orgID, _ := OrgID(c)

		act := actionForMethod(c.Request.Method)
		if len(action) > 0 {
			act = action[0]
		}

		details, err := json.Marshal(map[string]interface{}{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
			"status": c.Writer.Status(),
		})
		if err != nil {
			return
		}

		uid := userID
		event := &model.AccessEvent{
			ID:         uuid.New(),
			OrgID:      orgID,
			UserID:     &uid,
			Action:     act,
			Resource:   resource,
			ResourceID: c.Param("id"),
			IPAddress:  c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
			Timestamp:  time.Now(),
		}

		m.recorder.RecordAsync(&model.AuditEntryInput{
			OrgID:      orgID,
			UserID:     &uid,
			Action:     act,
			Resource:   resource,
			ResourceID: c.Param("id"),
			Details:    details,
			IPAddress:  c.ClientIP(),
			UserAgent:  c.Request.UserAgent(),
		})

		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			m.engine.Evaluate(ctx, event)
		}()
	}
}

// BlockCheck rejects the request up front when a blocking threshold for the
// action has been reached.
func (m *AuditMiddleware) BlockCheck(resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := UserID(c)
		if !ok {
			c.Next()
			return
		}
		orgID, _ := OrgID(c)

		uid := userID
		decision, err := m.engine.ShouldBlockAction(c.Request.Context(), &model.AccessEvent{
			OrgID:     orgID,
			UserID:    &uid,
			Action:    action,
			Resource:  resource,
			IPAddress: c.ClientIP(),
			Timestamp: time.Now(),
		})
		if err != nil {
			handler.Error(c, err)
			c.Abort()
			return
		}
		if decision.Blocked {
			c.JSON(http.StatusTooManyRequests, handler.NewErrorResponse(decision.Reason))
			c.Abort()
			return
		}
		c.Next()
	}
}
