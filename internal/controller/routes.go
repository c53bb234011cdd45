package controller

import (
	"github.com/labstack/echo/v4"
)

// Guards are the route-level middlewares the API layer provides.
type Guards struct {
	Authenticated echo.MiddlewareFunc // live session required
	Signed        echo.MiddlewareFunc // any token this service signed
	UserRole      echo.MiddlewareFunc
	AdminRole     echo.MiddlewareFunc
	RateLimit     echo.MiddlewareFunc
}

func RegisterHandlersWithBaseURL(e *echo.Echo, c *Controller, base string, g Guards) {
	v1 := e.Group(base)
	v1.GET("/ping", c.CheckServer)

	auth := v1.Group("/auth")
	auth.POST("/login", c.Login, g.RateLimit)
	auth.POST("/register", c.Register, g.RateLimit)
	auth.POST("/refresh-token", c.RefreshToken, g.RateLimit)
	auth.POST("/logout", c.Logout, g.Signed)

	v1.GET("/users/me", c.Me, g.Authenticated, g.UserRole)
	v1.GET("/admin/ping", c.AdminPing, g.Authenticated, g.AdminRole)
}
