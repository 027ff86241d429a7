package controllers

import (
	"context"
	"log"
	"net/http"
	"os"

	"vfitapi/services"

	"github.com/go-playground/validator"
	echojwt "github.com/labstack/echo-jwt"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"gorm.io/gorm"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		// Optionally, you could return the error to give each route more control over the status code
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return nil
}

func SetupServer(
	db *gorm.DB,
	awsService services.AWSServiceProvider,
	urlCache services.URLCacheServiceProvider,
	catalog services.CatalogProvider,
	client services.TryOnClient,
	images services.ImageFetcher,
	registry *SessionRegistry,
) *echo.Echo {

	if awsService != nil {
		err := awsService.InitPresignClient(context.Background())
		if err != nil {
			log.Fatal("Failed to initialize AWS provider: S3")
		}
	}

	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("__db", db)
			return next(c)
		}
	})

	// the widget is embedded on arbitrary storefronts
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))

	controller := WidgetController{
		AWSService: awsService,
		URLCache:   urlCache,
		Catalog:    catalog,
		Client:     client,
		Images:     images,
		Sessions:   registry,
	}

	publicGroup := e.Group("/widget")
	controller.PublicRoutes(publicGroup)

	// websocket upgrades cannot carry an Authorization header from the
	// browser, so the session token is also accepted as a query param
	sessionGroup := e.Group("/widget", echojwt.WithConfig(echojwt.Config{
		SigningKey:  []byte(os.Getenv("JWT_SECRET")),
		TokenLookup: "header:Authorization:Bearer ,query:token",
	}))
	sessionGroup.Use(SessionMiddleware(registry))
	controller.SessionRoutes(sessionGroup)

	return e
}
