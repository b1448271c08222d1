package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

// Context keys written by JWTAuth and RequestLog.
const (
	ContextUserID    = "user_id"
	ContextRole      = "role"
	ContextRequestID = "request_id"
)

// UserID returns the authenticated user id, or 0 for anonymous requests.
func UserID(c echo.Context) uint64 {
	id, _ := c.Get(ContextUserID).(uint64)
	return id
}

// Role returns the authenticated role, or "" for anonymous requests.
func Role(c echo.Context) string {
	r, _ := c.Get(ContextRole).(string)
	return r
}

// RequestID returns the id assigned by RequestLog.
func RequestID(c echo.Context) string {
	id, _ := c.Get(ContextRequestID).(string)
	return id
}

// subject is the user part of rate-limit keys.
func subject(c echo.Context) string {
	if id := UserID(c); id != 0 {
		return strconv.FormatUint(id, 10)
	}
	return "guest"
}
