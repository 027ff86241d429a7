package controllers

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"vfitapi/bridge"
	"vfitapi/models"
	"vfitapi/orchestrator"
	"vfitapi/services"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"gorm.io/gorm"
)

// free stores get this many total generations before subscribing
const freePlanGenerationLimit = 10

// how long the bridge handshake may take to resolve a store identity
const identityHandshakeTimeout = 5 * time.Second

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// the embedding model accepts any origin; see the bridge package docs
	CheckOrigin: func(r *http.Request) bool { return true },
}

type GenerateOut struct {
	Status orchestrator.Status `json:"status"`
}

type WidgetController struct {
	AWSService services.AWSServiceProvider
	URLCache   services.URLCacheServiceProvider
	Catalog    services.CatalogProvider
	Client     services.TryOnClient
	Images     services.ImageFetcher
	Sessions   *SessionRegistry
}

func (controller *WidgetController) PublicRoutes(g *echo.Group) {
	g.POST("/session", controller.CreateSession)
}

func (controller *WidgetController) SessionRoutes(g *echo.Group) {
	g.GET("/status", controller.Status)
	g.POST("/mode", controller.SetMode)
	g.POST("/photo", controller.SetPhoto)
	g.POST("/garments", controller.SelectGarment)
	g.DELETE("/garments/:index", controller.DeselectGarment)
	g.POST("/generate", controller.Generate)
	g.POST("/reset", controller.Reset)
	g.GET("/identities", controller.Identities)
	g.POST("/action", controller.DispatchAction)
	g.GET("/bridge", controller.BridgeSocket)
}

func (controller *WidgetController) CreateSession(c echo.Context) error {
	var req models.CreateSessionIn
	if err := c.Bind(&req); err != nil {
		fmt.Println(err)
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	pageURL := req.PageURL
	referrer := req.Referrer
	if referrer == "" {
		referrer = c.Request().Referer()
	}
	identity := services.DetectStoreIdentity(pageURL, referrer)

	var storeID uint
	if identity.Resolved() {
		storeRow, err := ensureStore(db, identity.Domain)
		if err != nil {
			sentry.CaptureException(err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to resolve store"})
		}
		storeID = storeRow.ID
	}

	sessionID := uuid.NewString()
	orch := orchestrator.New(orchestrator.Config{
		Client:    controller.Client,
		Images:    controller.Images,
		Catalog:   controller.Catalog,
		History:   &services.GenerationHistory{DB: db, StoreID: storeID},
		Store:     identity,
		SessionID: sessionID,
	})
	session := &WidgetSession{ID: sessionID, Orchestrator: orch}
	session.SetStore(identity)
	controller.Sessions.Put(session)

	return c.JSON(http.StatusCreated, models.SessionCreatedOut{
		SessionID: sessionID,
		Token:     GenerateSessionToken(sessionID, identity.Domain, c),
		Store:     identity,
	})
}

func ensureStore(db *gorm.DB, domain string) (*models.Store, error) {
	var storeRow models.Store
	res := db.Where(models.Store{Domain: domain}).FirstOrCreate(&storeRow)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to get or create store %s: %v", domain, res.Error)
	}
	return &storeRow, nil
}

func currentSession(c echo.Context) (*WidgetSession, error) {
	session, ok := c.Get("currentSession").(*WidgetSession)
	if !ok {
		return nil, echo.ErrUnauthorized
	}
	return session, nil
}

// orchestratorError maps orchestrator and client errors onto the widget's
// HTTP surface. Validation problems are the caller's fault, an in-flight
// cycle is a conflict, upstream trouble is a bad gateway.
func orchestratorError(c echo.Context, err error) error {
	var ackTimeout *bridge.AckTimeoutError
	switch {
	case orchestrator.IsValidationError(err):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrGenerationInFlight):
		return c.JSON(http.StatusConflict, map[string]string{"error": "Please wait for the current generation to finish"})
	case errors.Is(err, orchestrator.ErrClosed):
		return c.JSON(http.StatusGone, map[string]string{"error": "Session expired, please reopen the widget"})
	case errors.As(err, &ackTimeout):
		return c.JSON(http.StatusGatewayTimeout, map[string]string{"error": err.Error(), "timeout": "true"})
	default:
		return c.JSON(http.StatusBadGateway, map[string]string{"error": err.Error()})
	}
}

func (controller *WidgetController) Status(c echo.Context) error {
	session, err := currentSession(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, session.Orchestrator.Snapshot())
}

func (controller *WidgetController) SetMode(c echo.Context) error {
	session, err := currentSession(c)
	if err != nil {
		return err
	}
	var req models.SetModeIn
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := session.Orchestrator.SetMode(models.GenerationMode(req.Mode)); err != nil {
		return orchestratorError(c, err)
	}
	return c.JSON(http.StatusOK, session.Orchestrator.Snapshot())
}

func (controller *WidgetController) SetPhoto(c echo.Context) error {
	session, err := currentSession(c)
	if err != nil {
		return err
	}
	var req models.SetPhotoIn
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	photo := models.PersonPhoto{
		DataURL: req.DataURL,
		Source:  models.PhotoSource(req.Source),
		DemoURL: req.DemoURL,
	}
	if err := session.Orchestrator.SetPersonPhoto(photo); err != nil {
		return orchestratorError(c, err)
	}
	return c.JSON(http.StatusOK, session.Orchestrator.Snapshot())
}

func (controller *WidgetController) SelectGarment(c echo.Context) error {
	session, err := currentSession(c)
	if err != nil {
		return err
	}
	var req models.SelectGarmentIn
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if err := session.Orchestrator.SelectGarment(models.SelectedGarment{URL: req.URL, Type: req.Type}); err != nil {
		return orchestratorError(c, err)
	}
	return c.JSON(http.StatusOK, session.Orchestrator.Snapshot())
}

func (controller *WidgetController) DeselectGarment(c echo.Context) error {
	session, err := currentSession(c)
	if err != nil {
		return err
	}
	var index int
	if err := echo.PathParamsBinder(c).Int("index", &index).BindError(); err != nil {
		return echo.ErrBadRequest
	}
	if err := session.Orchestrator.DeselectGarment(index); err != nil {
		return orchestratorError(c, err)
	}
	return c.JSON(http.StatusOK, session.Orchestrator.Snapshot())
}

func (controller *WidgetController) Reset(c echo.Context) error {
	session, err := currentSession(c)
	if err != nil {
		return err
	}
	session.Orchestrator.Reset()
	return c.JSON(http.StatusOK, session.Orchestrator.Snapshot())
}

func (controller *WidgetController) Generate(c echo.Context) error {
	session, err := currentSession(c)
	if err != nil {
		return err
	}
	db, ok := c.Get("__db").(*gorm.DB)
	if !ok {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Database connection error"})
	}

	if err := controller.checkGenerationLimits(db, session); err != nil {
		var httpErr *echo.HTTPError
		if errors.As(err, &httpErr) {
			return c.JSON(httpErr.Code, map[string]string{"error": fmt.Sprintf("%v", httpErr.Message)})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	result, err := session.Orchestrator.Generate(c.Request().Context())
	if err != nil {
		return orchestratorError(c, err)
	}

	controller.storeResultImages(c.Request().Context(), session, result)
	return c.JSON(http.StatusOK, GenerateOut{Status: session.Orchestrator.Snapshot()})
}

// checkGenerationLimits enforces the per-store quotas before a cycle starts.
// Sessions with no resolved store are not limited; they also earn no history.
// A non-nil return means no cycle may run; the caller renders it.
func (controller *WidgetController) checkGenerationLimits(db *gorm.DB, session *WidgetSession) error {
	identity := session.Store()
	if !identity.Resolved() {
		return nil
	}
	var storeRow models.Store
	if err := db.Where("domain = ?", identity.Domain).First(&storeRow).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get store data")
	}

	if storeRow.Subscription == "free" {
		var totalGenerationCount int64
		if err := db.Model(&models.TryOnGeneration{}).Where("store_id = ?", storeRow.ID).Count(&totalGenerationCount).Error; err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get generation data")
		}
		fmt.Printf("[Store %v] Free plan, generation count: %v\n", storeRow.ID, totalGenerationCount)
		if totalGenerationCount >= freePlanGenerationLimit {
			return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("You have reached the free limit of %v generations, please subscribe", freePlanGenerationLimit))
		}
	}

	if storeRow.EnforcedDailyTryOnLimit != nil {
		var dailyGenerationCount int64
		today := time.Now().UTC().Format("2006-01-02")
		if err := db.Model(&models.TryOnGeneration{}).Where("store_id = ? AND DATE(created_at) = ?", storeRow.ID, today).Count(&dailyGenerationCount).Error; err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, "Failed to get generation data")
		}
		fmt.Printf("[Store %v] Enforced daily limit, generation count: %v\n", storeRow.ID, dailyGenerationCount)
		if dailyGenerationCount >= int64(*storeRow.EnforcedDailyTryOnLimit) {
			return echo.NewHTTPError(http.StatusForbidden, fmt.Sprintf("You have reached the limit of %v daily generations. Please wait for the next day.", *storeRow.EnforcedDailyTryOnLimit))
		}
	}
	return nil
}

// storeResultImages uploads inline result images to R2 concurrently and
// swaps them for presigned read URLs. Failures fall back to serving the
// inline bytes; the cycle itself never fails here.
func (controller *WidgetController) storeResultImages(ctx context.Context, session *WidgetSession, result *models.GenerationResult) {
	if controller.AWSService == nil || result == nil {
		return
	}

	var refs []*models.ImageRef
	if result.Cart != nil {
		for i := range result.Cart.Results {
			refs = append(refs, result.Cart.Results[i].Image)
		}
	}
	if result.Outfit != nil {
		refs = append(refs, result.Outfit.Image)
	}

	bucketName := services.GetEnv("R2_BUCKET_NAME", "")
	var wg sync.WaitGroup
	for _, ref := range refs {
		if ref == nil || len(ref.Data) == 0 || ref.URL != "" {
			continue
		}
		wg.Add(1)
		go func(ref *models.ImageRef) {
			defer wg.Done()
			objectKey := fmt.Sprintf("results/%s/%s.png", session.ID, uuid.NewString())

			uploadUrl, presignErr := controller.AWSService.PresignLink(ctx, bucketName, objectKey)
			if presignErr != nil {
				log.Printf("Unable to presign result upload for %s: %v", objectKey, presignErr)
				sentry.CaptureException(presignErr)
				return
			}
			_, statusCode, err := controller.AWSService.UploadToPresignedURL(ctx, bucketName, uploadUrl, ref.Data)
			if err != nil || statusCode >= 300 {
				log.Printf("Failed to upload result image %s (status %d): %v", objectKey, statusCode, err)
				sentry.CaptureException(fmt.Errorf("failed to upload result image %s (status %d): %v", objectKey, statusCode, err))
				return
			}
			readURL, err := controller.URLCache.GetReadURL(ctx, objectKey)
			if err != nil {
				sentry.CaptureException(err)
				return
			}
			ref.URL = readURL
			ref.Data = nil
		}(ref)
	}
	wg.Wait()
}

// Identities hands the widget its advisory cache-hint bundle: catalog
// identifier maps plus the already-generated identity sets. Hints never
// skip a generation call.
func (controller *WidgetController) Identities(c echo.Context) error {
	session, err := currentSession(c)
	if err != nil {
		return err
	}
	snapshot, err := controller.Catalog.Snapshot(c.Request().Context(), session.Store().Domain)
	if err != nil {
		sentry.CaptureException(err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load identity sets"})
	}

	out := models.IdentitySetsOut{
		PersonKeys:  snapshot.PersonKeys,
		GarmentKeys: snapshot.GarmentKeys,
		Persons:     []string{},
		Garments:    []string{},
		Pairs:       []string{},
	}
	if snapshot.Generated != nil {
		for key := range snapshot.Generated.Persons {
			out.Persons = append(out.Persons, key)
		}
		for key := range snapshot.Generated.Garments {
			out.Garments = append(out.Garments, key)
		}
		for key := range snapshot.Generated.Pairs {
			out.Pairs = append(out.Pairs, key)
		}
	}
	return c.JSON(http.StatusOK, out)
}

// DispatchAction relays an add-to-cart/buy-now intent to the host page and
// waits for its acknowledgement, bounded by the bridge's 10s window.
func (controller *WidgetController) DispatchAction(c echo.Context) error {
	session, err := currentSession(c)
	if err != nil {
		return err
	}
	var req models.DispatchActionIn
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	b := session.Bridge()
	if b == nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": "The store page is not connected"})
	}
	if err := b.DispatchAction(c.Request().Context(), req.Action, req.Payload); err != nil {
		return orchestratorError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// BridgeSocket attaches the host page's relay connection to the session.
// On connect the server asks for product images and, when URL heuristics
// failed earlier, for the store identity.
func (controller *WidgetController) BridgeSocket(c echo.Context) error {
	session, err := currentSession(c)
	if err != nil {
		return err
	}
	db, _ := c.Get("__db").(*gorm.DB)

	conn, err := wsUpgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	port := bridge.NewWebsocketPort(conn)
	b := bridge.New(port)
	session.AttachBridge(b)

	if err := b.RequestProductImages(); err != nil {
		log.Printf("[Session %s] Failed to request product images: %v", session.ID, err)
	}
	if !session.Store().Resolved() {
		go controller.resolveStoreOverBridge(db, session, b)
	}
	go controller.watchWidgetClose(session, b)
	return nil
}

func (controller *WidgetController) resolveStoreOverBridge(db *gorm.DB, session *WidgetSession, b *bridge.Bridge) {
	if err := b.RequestStoreIdentity(); err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), identityHandshakeTimeout)
	defer cancel()
	msg, err := b.AwaitType(ctx, bridge.TypeStoreIdentityResponse)
	if err != nil {
		// the host never answered; the widget keeps working unscoped
		return
	}
	var payload struct {
		Domain string `json:"domain"`
	}
	if err := msg.UnmarshalPayload(&payload); err != nil {
		return
	}
	domain := services.NormalizeShopDomain(payload.Domain)
	if domain == "" {
		return
	}
	identity := models.StoreIdentity{Domain: domain, Source: "bridge"}
	session.SetStore(identity)
	if err := session.Orchestrator.SetStoreIdentity(identity); err != nil {
		return
	}
	if db != nil {
		if _, err := ensureStore(db, domain); err != nil {
			sentry.CaptureException(err)
		}
	}
}

func (controller *WidgetController) watchWidgetClose(session *WidgetSession, b *bridge.Bridge) {
	if _, err := b.AwaitType(context.Background(), bridge.TypeWidgetClose); err != nil {
		// the port died without a close announcement (tab closed, network
		// gone). Tear the session down too, unless the host already came
		// back on a fresh bridge.
		if session.Bridge() == b {
			log.Printf("[Session %s] Bridge connection lost, removing session", session.ID)
			controller.Sessions.Remove(session.ID)
		}
		return
	}
	log.Printf("[Session %s] Widget closed by host page", session.ID)
	controller.Sessions.Remove(session.ID)
}
