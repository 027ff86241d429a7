package controllers

import (
	"log"
	"net/http"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

// SessionMiddleware resolves the widget session from the JWT subject and
// puts it on the context. Tokens for torn-down sessions get 410 so the
// widget knows to bootstrap a fresh session rather than retry.
func SessionMiddleware(registry *SessionRegistry) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tokenRaw := c.Get("user")
			if tokenRaw == nil {
				return echo.ErrUnauthorized
			}
			token := tokenRaw.(*jwt.Token)
			claims := token.Claims.(jwt.MapClaims)
			sessionID, _ := claims["sub"].(string)
			if sessionID == "" {
				log.Println("Error while getting the token information!")
				return echo.ErrUnauthorized
			}

			session, ok := registry.Get(sessionID)
			if !ok {
				return echo.NewHTTPError(http.StatusGone, "Session expired, please reopen the widget")
			}
			c.Set("currentSession", session)
			return next(c)
		}
	}
}
