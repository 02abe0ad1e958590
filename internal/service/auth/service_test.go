package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casetrail/audit-api/internal/model"
	"github.com/casetrail/audit-api/internal/repository"
	pkgauth "github.com/casetrail/audit-api/pkg/auth"
	"github.com/casetrail/audit-api/pkg/logger"
	"github.com/casetrail/audit-api/pkg/security"
)

type userRepoStub struct {
	users     map[string]*model.User
	lastLogin *time.Time
}

func (s *userRepoStub) GetByID(ctx context.Context, id uuid.UUID) (*model.User, error) {
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *userRepoStub) GetByEmail(ctx context.Context, email string) (*model.User, error) {
	u, ok := s.users[email]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return u, nil
}

func (s *userRepoStub) UpdateLastLogin(ctx context.Context, id uuid.UUID, at time.Time) error {
	s.lastLogin = &at
	return nil
}

type lockoutGuardStub struct {
	status   model.LockoutStatus
	checkErr error
	failures int
	cleared  int
}

func (s *lockoutGuardStub) CheckLoginLockout(ctx context.Context, orgID, userID uuid.UUID) (*model.LockoutStatus, error) {
	if s.checkErr != nil {
		return nil, s.checkErr
	}
	status := s.status
	return &status, nil
}

func (s *lockoutGuardStub) RecordFailedLogin(ctx context.Context, orgID, userID uuid.UUID) (*model.LockoutStatus, error) {
	s.failures++
	return &model.LockoutStatus{}, nil
}

func (s *lockoutGuardStub) ClearFailedLogins(ctx context.Context, orgID, userID uuid.UUID) error {
	s.cleared++
	return nil
}

type failureCounterStub struct {
	count int
}

func (s *failureCounterStub) RecordFailedLogin(ctx context.Context, orgID, userID uuid.UUID, at time.Time) error {
	s.count++
	return nil
}

type recorderStub struct {
	inputs []*model.AuditEntryInput
}

func (r *recorderStub) Record(ctx context.Context, input *model.AuditEntryInput) (*model.AuditLogEntry, error) {
	r.inputs = append(r.inputs, input)
	return &model.AuditLogEntry{ID: uuid.New()}, nil
}

func (r *recorderStub) RecordAsync(input *model.AuditEntryInput) {
	r.inputs = append(r.inputs, input)
}

type fixture struct {
	svc      *Service
	users    *userRepoStub
	lockouts *lockoutGuardStub
	failures *failureCounterStub
	recorder *recorderStub
	user     *model.User
}

const testPassword = "correct horse battery staple"

func newFixture(t *testing.T) *fixture {
	t.Helper()
	hasher := security.NewBcryptHasher(4)
	hash, err := hasher.Hash(testPassword)
	require.NoError(t, err)

	user := &model.User{
		ID:           uuid.New(),
		OrgID:        uuid.New(),
		Email:        "case.worker@example.com",
		Name:         "Case Worker",
		PasswordHash: hash,
		Status:       model.UserStatusActive,
	}
	f := &fixture{
		users:    &userRepoStub{users: map[string]*model.User{user.Email: user}},
		lockouts: &lockoutGuardStub{},
		failures: &failureCounterStub{},
		recorder: &recorderStub{},
		user:     user,
	}
	tokens := pkgauth.NewJWTService("test-secret", time.Hour)
	f.svc = NewService(f.users, f.lockouts, f.failures, f.recorder, tokens, hasher, logger.NewLogger(nil))
	return f
}

func TestLoginSuccess(t *testing.T) {
	f := newFixture(t)

	resp, err := f.svc.Login(context.Background(), f.user.Email, testPassword, "203.0.113.10", "cli/1.0")
	require.NoError(t, err)
	assert.NotEmpty(t, resp.AccessToken)
	assert.True(t, resp.ExpiresAt.After(time.Now()))

	assert.Equal(t, 1, f.lockouts.cleared)
	require.NotNil(t, f.users.lastLogin)

	require.Len(t, f.recorder.inputs, 1)
	entry := f.recorder.inputs[0]
	assert.Equal(t, model.AuditActionLogin, entry.Action)
	assert.Contains(t, string(entry.Details), `"success":true`)
}

func TestLoginWrongPassword(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Login(context.Background(), f.user.Email, "wrong", "203.0.113.10", "cli/1.0")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	assert.Equal(t, 1, f.lockouts.failures)
	assert.Equal(t, 1, f.failures.count)

	require.Len(t, f.recorder.inputs, 1)
	assert.Contains(t, string(f.recorder.inputs[0].Details), `"success":false`)
}

func TestLoginUnknownEmail(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Login(context.Background(), "nobody@example.com", testPassword, "", "")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Zero(t, f.lockouts.failures)
}

func TestLoginLockedAccount(t *testing.T) {
	f := newFixture(t)
	until := time.Now().Add(10 * time.Minute)
	f.lockouts.status = model.LockoutStatus{IsLocked: true, LockedUntil: &until}

	// The correct password must still be rejected while locked.
	_, err := f.svc.Login(context.Background(), f.user.Email, testPassword, "", "")
	assert.ErrorIs(t, err, ErrAccountLocked)
	assert.Zero(t, f.lockouts.cleared)
}

func TestLoginInactiveAccount(t *testing.T) {
	f := newFixture(t)
	f.user.Status = model.UserStatusInactive

	_, err := f.svc.Login(context.Background(), f.user.Email, testPassword, "", "")
	assert.ErrorIs(t, err, ErrAccountInactive)
}

func TestLoginLockoutCheckFailureDeniesLogin(t *testing.T) {
	f := newFixture(t)
	f.lockouts.checkErr = errors.New("store down")

	_, err := f.svc.Login(context.Background(), f.user.Email, testPassword, "", "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogoutRecordsEntry(t *testing.T) {
	f := newFixture(t)
	claims := &model.TokenClaims{UserID: f.user.ID, OrgID: f.user.OrgID, Email: f.user.Email}

	require.NoError(t, f.svc.Logout(context.Background(), claims, "203.0.113.10", "cli/1.0"))
	require.Len(t, f.recorder.inputs, 1)
	assert.Equal(t, model.AuditActionLogout, f.recorder.inputs[0].Action)
}
