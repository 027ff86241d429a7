package controllers

import (
	"os"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/labstack/echo/v4"
)

// GenerateSessionToken signs a widget session JWT. The subject is the
// session id; the store domain rides along so handlers never trust a
// client-supplied domain.
func GenerateSessionToken(sessionID string, storeDomain string, c echo.Context) string {
	claims := jwt.MapClaims{
		"sub":   sessionID,
		"store": storeDomain,
		"exp":   time.Now().Add(time.Hour * 12).Unix(),
		"iat":   time.Now().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t, err := token.SignedString([]byte(os.Getenv("JWT_SECRET")))
	if err != nil {
		c.Logger().Errorf("Error when signing session token for %s. Error %s ", sessionID, err)
	}
	return t
}
