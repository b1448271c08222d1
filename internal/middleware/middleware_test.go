package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/concert-seat-reservation/internal/config"
	"github.com/iliyamo/concert-seat-reservation/internal/model"
	"github.com/iliyamo/concert-seat-reservation/internal/utils"
)

const secret = "test-secret"

func bearer(t *testing.T, id uint64, role string) string {
	t.Helper()
	tok, err := utils.NewAccessToken(secret, id, role, time.Minute, time.Now())
	require.NoError(t, err)
	return "Bearer " + tok.Token
}

func whoami(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"id": UserID(c), "role": Role(c)})
}

func serve(e *echo.Echo, method, path, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if auth != "" {
		req.Header.Set(echo.HeaderAuthorization, auth)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestJWTAuth(t *testing.T) {
	e := echo.New()
	e.GET("/me", whoami, JWTAuth(secret))
	e.GET("/owner", whoami, JWTAuth(secret), RequireRole(model.RoleOwner))

	t.Run("valid token", func(t *testing.T) {
		rec := serve(e, http.MethodGet, "/me", bearer(t, 7, model.RoleCustomer))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"id":7,"role":"CUSTOMER"}`, rec.Body.String())
	})

	t.Run("missing token", func(t *testing.T) {
		rec := serve(e, http.MethodGet, "/me", "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Contains(t, rec.Body.String(), `"code":"AUTH_REQUIRED"`)
	})

	t.Run("bad token", func(t *testing.T) {
		rec := serve(e, http.MethodGet, "/me", "Bearer nope")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("wrong role", func(t *testing.T) {
		rec := serve(e, http.MethodGet, "/owner", bearer(t, 7, model.RoleCustomer))
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("right role", func(t *testing.T) {
		rec := serve(e, http.MethodGet, "/owner", bearer(t, 1, model.RoleOwner))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestRequestLog(t *testing.T) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	e := echo.New()
	e.Use(RequestLog(log))
	e.GET("/ok", func(c echo.Context) error {
		assert.NotEmpty(t, RequestID(c))
		return c.NoContent(http.StatusNoContent)
	})
	e.GET("/boom", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "down")
	})

	rec := serve(e, http.MethodGet, "/ok", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set(echo.HeaderXRequestID, "req-123")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "req-123", rec.Header().Get(echo.HeaderXRequestID))

	last := hook.LastEntry()
	require.NotNil(t, last)
	assert.Equal(t, logrus.ErrorLevel, last.Level)
	assert.Equal(t, "req-123", last.Data["request_id"])
	assert.Equal(t, "/boom", last.Data["route"])
}

func TestRateKey(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/v1/reservations", nil)
	req.Header.Set(echo.HeaderXRealIP, "10.0.0.1")
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetPath("/v1/reservations")

	cfg := config.RateLimitConfig{Prefix: "rl", KeyStrategy: "ip"}
	assert.Equal(t, "rl:ip:10.0.0.1", rateKey(cfg, c))

	cfg.KeyStrategy = "user"
	assert.Equal(t, "rl:user:guest", rateKey(cfg, c))

	c.Set(ContextUserID, uint64(9))
	cfg.KeyStrategy = "ip_user_route"
	assert.Equal(t, "rl:ip:10.0.0.1:user:9:route:POST /v1/reservations", rateKey(cfg, c))
}

func TestDisabledMiddlewaresPassThrough(t *testing.T) {
	log, _ := test.NewNullLogger()
	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.String(http.StatusOK, "x") },
		RateLimit(config.RateLimitConfig{Enabled: true}, nil, log),
		NewResponseCache(config.CacheConfig{Enabled: true}, nil, log).Middleware(),
	)
	rec := serve(e, http.MethodGet, "/x", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-Cache"))
	assert.NoError(t, NewResponseCache(config.CacheConfig{}, nil, log).Invalidate(context.Background()))
}

func TestCaptureWriterLimit(t *testing.T) {
	rec := httptest.NewRecorder()
	cw := &captureWriter{ResponseWriter: rec, status: http.StatusOK, limit: 4}

	_, _ = cw.Write([]byte("ab"))
	assert.Equal(t, "ab", cw.buf.String())
	assert.False(t, cw.overflow)

	_, _ = cw.Write([]byte("cde"))
	assert.True(t, cw.overflow)
	assert.Zero(t, cw.buf.Len())
	assert.Equal(t, "abcde", rec.Body.String(), "the client still gets everything")
}
