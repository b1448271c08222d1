// Package router defines how HTTP routes are registered for the API.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/concert-seat-reservation/internal/handler"
	"github.com/iliyamo/concert-seat-reservation/internal/middleware"
	"github.com/iliyamo/concert-seat-reservation/internal/model"
)

// RegisterRoutes registers the unauthenticated operational endpoints.
func RegisterRoutes(e *echo.Echo, store handler.Pinger) {
	e.GET("/healthz", handler.Health(store))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
}

// RegisterAuth registers the session endpoints. Register, login, refresh
// and logout live under /v1/auth and need no access token; /v1/me does.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, jwtSecret string) {
	g := e.Group("/v1/auth")
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.POST("/refresh", a.Refresh)
	g.POST("/logout", a.Logout)

	e.GET("/v1/me", a.Me,
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleOwner, model.RoleCustomer),
	)
}

// RegisterPublic registers the browse endpoints for guests. cache wraps
// the concert routes and may be nil.
func RegisterPublic(e *echo.Echo, p *handler.CatalogHandler, cache echo.MiddlewareFunc) {
	var mw []echo.MiddlewareFunc
	if cache != nil {
		mw = append(mw, cache)
	}
	e.GET("/v1/concerts", p.ListConcerts, mw...)
	e.GET("/v1/concerts/:id", p.GetConcert, mw...)
	e.GET("/v1/schedules/:id", p.GetSchedule)
	e.GET("/v1/schedules/:id/seats", p.Seats)
}

// RegisterCustomer registers the hold and payment endpoints. All routes
// require a valid JWT and the CUSTOMER role. limit throttles the calls that
// claim seats or touch the gateway and may be nil.
func RegisterCustomer(e *echo.Echo, r *handler.ReservationHandler, p *handler.PaymentHandler, jwtSecret string, limit echo.MiddlewareFunc) {
	g := e.Group(
		"/v1",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleCustomer),
	)
	var mw []echo.MiddlewareFunc
	if limit != nil {
		mw = append(mw, limit)
	}

	g.POST("/reservations", r.Create, mw...)
	g.GET("/reservations/my", r.ListMine)
	g.GET("/reservations/:id", r.Get)
	g.DELETE("/reservations/:id", r.Cancel)

	g.GET("/payments/prepare", p.Prepare, mw...)
	g.POST("/payments", p.Confirm, mw...)
	g.POST("/payments/complete", p.Complete, mw...)
	if p.DevChargeEnabled() {
		g.POST("/dev/payments/charge", p.DevCharge)
	}
}

// RegisterOwner registers OWNER-scoped endpoints under /v1/owner.
func RegisterOwner(e *echo.Echo, o *handler.OwnerHandler, jwtSecret string) {
	g := e.Group(
		"/v1/owner",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(model.RoleOwner),
	)

	// ---- Catalog ----
	g.POST("/concerts", o.CreateConcert)
	g.POST("/concerts/:id/schedules", o.CreateSchedule)
	g.PATCH("/seats/:id/price", o.UpdateSeatPrice)

	// ---- Operations ----
	g.DELETE("/reservations/:id", o.CancelReservation)
	g.GET("/audit", o.Audit)
	g.POST("/sweep", o.Sweep)
}
