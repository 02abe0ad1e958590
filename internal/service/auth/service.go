package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/repository"
	"github.com/casetrail/audit-api/pkg/auth"
	apperrors "github.com/casetrail/audit-api/pkg/errors"
	"github.com/casetrail/audit-api/pkg/logger"
	"github.com/casetrail/audit-api/pkg/security"
)

var (
	ErrInvalidCredentials = apperrors.Unauthorized(errors.New("invalid credentials"))
	ErrAccountLocked      = apperrors.Forbidden("account temporarily locked", nil)
	ErrAccountInactive    = apperrors.Forbidden("account is not active", nil)
)

// LockoutGuard is the lockout state machine as seen by the login flow.
type LockoutGuard interface {
	CheckLoginLockout(ctx context.Context, orgID, userID uuid.UUID) (*model.LockoutStatus, error)
	RecordFailedLogin(ctx context.Context, orgID, userID uuid.UUID) (*model.LockoutStatus, error)
	ClearFailedLogins(ctx context.Context, orgID, userID uuid.UUID) error
}

// FailureCounter feeds authentication failures into the behavioral
// counters the risk engine reads.
type FailureCounter interface {
	RecordFailedLogin(ctx context.Context, orgID, userID uuid.UUID, at time.Time) error
}

// Recorder is the audit surface the login flow writes to.
type Recorder interface {
	Record(ctx context.Context, input *model.AuditEntryInput) (*model.AuditLogEntry, error)
	RecordAsync(input *model.AuditEntryInput)
}

type Service struct {
	users    repository.UserRepository
	lockouts LockoutGuard
	failures FailureCounter
	recorder Recorder
	tokens   auth.JWTService
	hasher   security.PasswordHasher
	logger   *logger.Logger
	now      func() time.Time
}

func NewService(users repository.UserRepository, lockouts LockoutGuard, failures FailureCounter, recorder Recorder, tokens auth.JWTService, hasher security.PasswordHasher, log *logger.Logger) *Service {
	return &Service{
		users:    users,
		lockouts: lockouts,
		failures: failures,
		recorder: recorder,
		tokens:   tokens,
		hasher:   hasher,
		logger:   log.WithComponent("auth_service"),
		now:      time.Now,
	}
}

// Login authenticates by email and password. The lockout check runs before
// the password comparison so a locked account reveals nothing about the
// credential.
func (s *Service) Login(ctx context.Context, email, password, ipAddress, userAgent string) (*model.TokenResponse, error) {
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if err == repository.ErrNotFound {
			return nil, ErrInvalidCredentials
		}
		return nil, apperrors.Internal(err)
	}

	status, err := s.lockouts.CheckLoginLockout(ctx, user.OrgID, user.ID)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	if status.IsLocked {
		s.auditLogin(user, ipAddress, userAgent, false, "account locked")
		return nil, ErrAccountLocked
	}

	if user.Status != model.UserStatusActive {
		return nil, ErrAccountInactive
	}

	if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
		s.recordFailure(ctx, user, ipAddress, userAgent)
		return nil, ErrInvalidCredentials
	}

	if err := s.lockouts.ClearFailedLogins(ctx, user.OrgID, user.ID); err != nil {
		s.logger.Error(err, "clearing failed logins after success", "user_id", user.ID.String())
	}
	if err := s.users.UpdateLastLogin(ctx, user.ID, s.now()); err != nil {
		s.logger.Error(err, "updating last login", "user_id", user.ID.String())
	}

	s.auditLogin(user, ipAddress, userAgent, true, "")

	token, expiresAt, err := s.tokens.GenerateAccessToken(user)
	if err != nil {
		return nil, apperrors.Internal(err)
	}
	return &model.TokenResponse{AccessToken: token, ExpiresAt: expiresAt}, nil
}

// Logout records the end of a session. Token invalidation is the client's
// side of the contract; the entry exists for the audit trail.
func (s *Service) Logout(ctx context.Context, claims *model.TokenClaims, ipAddress, userAgent string) error {
	userID := claims.UserID
	_, err := s.recorder.Record(ctx, &model.AuditEntryInput{
		OrgID:      claims.OrgID,
		UserID:     &userID,
		Action:     model.AuditActionLogout,
		Resource:   model.AuditResourceAuth,
		ResourceID: userID.String(),
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
	})
	return err
}

func (s *Service) recordFailure(ctx context.Context, user *model.User, ipAddress, userAgent string) {
	if _, err := s.lockouts.RecordFailedLogin(ctx, user.OrgID, user.ID); err != nil {
		s.logger.Error(err, "recording lockout failure", "user_id", user.ID.String())
	}
	if err := s.failures.RecordFailedLogin(ctx, user.OrgID, user.ID, s.now()); err != nil {
		s.logger.Error(err, "recording failure counter", "user_id", user.ID.String())
	}
	s.auditLogin(user, ipAddress, userAgent, false, "invalid password")
}

func (s *Service) auditLogin(user *model.User, ipAddress, userAgent string, success bool, reason string) {
	payload := map[string]interface{}{"success": success}
	if reason != "" {
		payload["reason"] = reason
	}
	details, err := json.Marshal(payload)
	if err != nil {
		return
	}
	userID := user.ID
	s.recorder.RecordAsync(&model.AuditEntryInput{
		OrgID:      user.OrgID,
		UserID:     &userID,
		Action:     model.AuditActionLogin,
		Resource:   model.AuditResourceAuth,
		ResourceID: user.ID.String(),
		Details:    details,
		IPAddress:  ipAddress,
		UserAgent:  userAgent,
	})
}
