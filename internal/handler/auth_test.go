package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/concert-seat-reservation/internal/clock"
	"github.com/iliyamo/concert-seat-reservation/internal/model"
	"github.com/iliyamo/concert-seat-reservation/internal/repository"
	"github.com/iliyamo/concert-seat-reservation/internal/utils"
)

type mockUsers struct{ mock.Mock }

func (m *mockUsers) Create(ctx context.Context, email, hash, role string) (uint64, error) {
	args := m.Called(ctx, email, hash, role)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockUsers) GetByEmail(ctx context.Context, email string) (model.User, error) {
	args := m.Called(ctx, email)
	return args.Get(0).(model.User), args.Error(1)
}

func (m *mockUsers) GetByID(ctx context.Context, id uint64) (model.User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(model.User), args.Error(1)
}

type mockTokens struct{ mock.Mock }

func (m *mockTokens) StoreRefresh(ctx context.Context, userID uint64, hash string, exp time.Time) error {
	return m.Called(ctx, userID, hash, exp).Error(0)
}

func (m *mockTokens) ValidateRefresh(ctx context.Context, hash string, now time.Time) (uint64, error) {
	args := m.Called(ctx, hash, now)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockTokens) RevokeByHash(ctx context.Context, hash string) error {
	return m.Called(ctx, hash).Error(0)
}

func (m *mockTokens) RevokeAllForUser(ctx context.Context, userID uint64) error {
	return m.Called(ctx, userID).Error(0)
}

var authNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newAuth(users *mockUsers, tokens *mockTokens) *AuthHandler {
	log, _ := test.NewNullLogger()
	return NewAuthHandler(AuthSettings{
		JWTSecret:      "secret",
		AccessTTL:      time.Hour,
		RefreshTTLDays: 7,
		BcryptCost:     4,
	}, users, tokens, clock.NewManual(authNow), log)
}

func post(h echo.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	_ = h(echo.New().NewContext(req, rec))
	return rec
}

func TestRegisterStoreFailure(t *testing.T) {
	users, tokens := &mockUsers{}, &mockTokens{}
	users.On("Create", mock.Anything, "fan@example.com", mock.Anything, model.RoleCustomer).
		Return(uint64(0), errors.New("disk full"))

	rec := post(newAuth(users, tokens).Register, `{"email":"fan@example.com","password":"correct-horse","role":"admin"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"INTERNAL"`)
	users.AssertExpectations(t)
	tokens.AssertNotCalled(t, "StoreRefresh", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestLoginRejectsInactiveUser(t *testing.T) {
	hash, err := utils.HashPassword("correct-horse", 4)
	require.NoError(t, err)
	users, tokens := &mockUsers{}, &mockTokens{}
	users.On("GetByEmail", mock.Anything, "fan@example.com").
		Return(model.User{ID: 3, Email: "fan@example.com", PasswordHash: hash, Role: model.RoleCustomer}, nil)

	rec := post(newAuth(users, tokens).Login, `{"email":"fan@example.com","password":"correct-horse"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	users.AssertExpectations(t)
}

func TestRefreshRotates(t *testing.T) {
	users, tokens := &mockUsers{}, &mockTokens{}
	oldHash := utils.HashRefreshRaw("old-token")
	tokens.On("ValidateRefresh", mock.Anything, oldHash, authNow).Return(uint64(5), nil)
	tokens.On("RevokeByHash", mock.Anything, oldHash).Return(nil)
	tokens.On("StoreRefresh", mock.Anything, uint64(5), mock.MatchedBy(func(h string) bool { return h != oldHash }), authNow.Add(7*24*time.Hour)).
		Return(nil)
	users.On("GetByID", mock.Anything, uint64(5)).
		Return(model.User{ID: 5, Email: "boss@example.com", Role: model.RoleOwner, IsActive: true}, nil)

	rec := post(newAuth(users, tokens).Refresh, `{"refresh_token":"old-token"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"role":"OWNER"`)
	users.AssertExpectations(t)
	tokens.AssertExpectations(t)
}

func TestRefreshUnknownToken(t *testing.T) {
	users, tokens := &mockUsers{}, &mockTokens{}
	tokens.On("ValidateRefresh", mock.Anything, mock.Anything, authNow).Return(uint64(0), repository.ErrNotFound)

	rec := post(newAuth(users, tokens).Refresh, `{"refresh_token":"nope"}`)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	tokens.AssertNotCalled(t, "RevokeByHash", mock.Anything, mock.Anything)
}

func TestLogoutWithRefreshToken(t *testing.T) {
	users, tokens := &mockUsers{}, &mockTokens{}
	hash := utils.HashRefreshRaw("session")
	tokens.On("ValidateRefresh", mock.Anything, hash, authNow).Return(uint64(5), nil)
	tokens.On("RevokeByHash", mock.Anything, hash).Return(nil)

	rec := post(newAuth(users, tokens).Logout, `{"refresh_token":"session"}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	tokens.AssertExpectations(t)
	tokens.AssertNotCalled(t, "RevokeAllForUser", mock.Anything, mock.Anything)
}
