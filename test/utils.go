package test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"time"

	"vfitapi/models"
	"vfitapi/services"

	"github.com/golang-jwt/jwt/v4"
	"gorm.io/gorm"
)

func JsonString(model interface{}) string {
	bytes, _ := json.Marshal(model)
	return string(bytes)
}

func NewJSONRequest(method string, target string, param interface{}) *http.Request {

	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	return req
}

func GenerateSessionToken(sessionID string, storeDomain string) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   sessionID,
		"store": storeDomain,
		"exp":   time.Now().Add(time.Hour * 12).Unix(),
		"iat":   time.Now().Unix(),
	})
	t, err := token.SignedString([]byte(os.Getenv("JWT_SECRET")))
	if err != nil {
		log.Fatalf("Error when signing session token for %s. Error %s ", sessionID, err)
	}
	return t
}

func NewJSONAuthRequest(method string, target string, sessionID string, storeDomain string, param interface{}) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(JsonString(param)))
	req.Header.Add("Content-Type", "application/json")
	req.Header.Add("Accept", "application/json")
	token := GenerateSessionToken(sessionID, storeDomain)
	req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", token))
	return req
}

func Int64Pointer(i int64) *int64 {
	return &i
}

func IntPointer(i int) *int {
	return &i
}

func FakeStore(db *gorm.DB, domain string) *models.Store {
	store := &models.Store{
		Domain:       domain,
		Name:         "Test Store",
		Subscription: "free",
	}
	db.Create(&store)
	return store
}

type AWSProviderMock struct {
	MockUrl string
}

func (awsService AWSProviderMock) InitPresignClient(ctx context.Context) error {
	return nil
}

func (awsService AWSProviderMock) PresignLink(ctx context.Context, bucketName string, fileName string) (string, error) {
	return fmt.Sprintf("https://fakebucketurl.com/%s", fileName), nil
}

func (awsService AWSProviderMock) GetPresignedR2FileReadURL(ctx context.Context, bucketName, fileKey string) (string, error) {
	return awsService.MockUrl, nil
}

func (awsService AWSProviderMock) UploadToPresignedURL(ctx context.Context, bucketName, url string, fileContent []byte) (string, int, error) {
	return url, 204, nil
}

type URLCacheMock struct {
	MockUrl string
}

func (m URLCacheMock) GetReadURL(ctx context.Context, objectKey string) (string, error) {
	if m.MockUrl != "" {
		return m.MockUrl, nil
	}
	return fmt.Sprintf("https://fakebucketurl.com/%s", objectKey), nil
}

// TryOnClientMock answers generation calls with canned results and records
// every request it sees.
type TryOnClientMock struct {
	mu sync.Mutex

	CartResponse   *models.CartResult
	OutfitResponse *models.OutfitResult
	Err            error
	Delay          time.Duration

	CartRequests   []*services.CartRequest
	OutfitRequests []*services.OutfitRequest
}

func (m *TryOnClientMock) GenerateCart(ctx context.Context, req *services.CartRequest) (*models.CartResult, error) {
	m.mu.Lock()
	m.CartRequests = append(m.CartRequests, req)
	m.mu.Unlock()
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if m.CartResponse != nil {
		return m.CartResponse, nil
	}
	results := make([]models.PerItemResult, len(req.Garments))
	for i := range req.Garments {
		results[i] = models.PerItemResult{
			Status: models.ItemSuccess,
			Image:  &models.ImageRef{URL: fmt.Sprintf("https://results.example.com/cart-%d.png", i)},
		}
	}
	return &models.CartResult{
		Results: results,
		Summary: models.BatchSummary{
			TotalGarments: len(req.Garments),
			Successful:    len(req.Garments),
		},
	}, nil
}

func (m *TryOnClientMock) GenerateOutfit(ctx context.Context, req *services.OutfitRequest) (*models.OutfitResult, error) {
	m.mu.Lock()
	m.OutfitRequests = append(m.OutfitRequests, req)
	m.mu.Unlock()
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if m.Err != nil {
		return nil, m.Err
	}
	if m.OutfitResponse != nil {
		return m.OutfitResponse, nil
	}
	return &models.OutfitResult{
		Image:            &models.ImageRef{URL: "https://results.example.com/outfit.png"},
		GarmentTypes:     req.GarmentTypes,
		ProcessingTimeMs: 1200,
	}, nil
}

// ImageFetcherMock resolves every reference to a tiny fixed payload without
// touching the network.
type ImageFetcherMock struct {
	Err     error
	FailFor string
}

func (m ImageFetcherMock) Convert(ctx context.Context, ref string) (*services.ImagePayload, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.FailFor != "" && ref == m.FailFor {
		return nil, fmt.Errorf("unable to fetch image %q", ref)
	}
	return &services.ImagePayload{Data: []byte("fake-image-bytes"), MimeType: "image/png"}, nil
}

type CatalogMock struct {
	SnapshotResponse *services.CatalogSnapshot
	Err              error
}

func (m CatalogMock) Snapshot(ctx context.Context, storeDomain string) (*services.CatalogSnapshot, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.SnapshotResponse != nil {
		return m.SnapshotResponse, nil
	}
	return &services.CatalogSnapshot{
		PersonKeys:  map[string]string{},
		GarmentKeys: map[string]string{},
		Generated:   services.NewIdentitySets(),
	}, nil
}
