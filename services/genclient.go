package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"vfitapi/models"
)

// NetworkError is any transport failure, non-2xx response or malformed
// payload from the generation API. The orchestrator surfaces its message
// as-is and preserves the selection so the user can retry.
type NetworkError struct {
	Message string
	Cause   error
}

func (e *NetworkError) Error() string {
	return e.Message
}

func (e *NetworkError) Unwrap() error {
	return e.Cause
}

type CartRequest struct {
	Person      *ImagePayload
	Garments    []*ImagePayload
	PersonKey   string
	GarmentKeys []string
	Store       models.StoreIdentity
	VersionHint int // 1 or 2, 0 when unset
}

type OutfitRequest struct {
	Person       *ImagePayload
	Garments     []*ImagePayload
	GarmentTypes []string
	PersonKey    string
	GarmentKeys  []string
	Store        models.StoreIdentity
}

type TryOnClient interface {
	GenerateCart(ctx context.Context, req *CartRequest) (*models.CartResult, error)
	GenerateOutfit(ctx context.Context, req *OutfitRequest) (*models.OutfitResult, error)
}

// HTTPTryOnClient talks to the external generation service: one multipart
// call per cycle, no per-item requests. The server answers with either an
// inline base64 image or an image URL per result; both collapse into
// models.ImageRef here so nothing downstream branches on the wire shape.
type HTTPTryOnClient struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPTryOnClient(baseURL, apiKey string) *HTTPTryOnClient {
	return &HTTPTryOnClient{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: 180 * time.Second},
	}
}

type wireItem struct {
	Index            int    `json:"index"`
	Status           string `json:"status"`
	Image            string `json:"image,omitempty"`
	ImageURL         string `json:"imageUrl,omitempty"`
	Cached           bool   `json:"cached"`
	ProcessingTimeMs int64  `json:"processing_time_ms"`
	Error            string `json:"error,omitempty"`
}

type wireCartResponse struct {
	Results []wireItem `json:"results"`
	Summary struct {
		TotalGarments int `json:"total_garments"`
		Successful    int `json:"successful"`
		Failed        int `json:"failed"`
		Cached        int `json:"cached"`
	} `json:"summary"`
}

type wireOutfitResponse struct {
	Data struct {
		Image            string   `json:"image,omitempty"`
		ImageURL         string   `json:"imageUrl,omitempty"`
		Cached           bool     `json:"cached"`
		GarmentTypes     []string `json:"garment_types,omitempty"`
		ProcessingTimeMs int64    `json:"processing_time_ms"`
		CreditsDeducted  int      `json:"credits_deducted"`
	} `json:"data"`
}

func (c *HTTPTryOnClient) GenerateCart(ctx context.Context, req *CartRequest) (*models.CartResult, error) {
	fields := map[string]string{
		"store": req.Store.Domain,
	}
	if req.PersonKey != "" {
		fields["person_key"] = req.PersonKey
	}
	if req.VersionHint != 0 {
		fields["version"] = strconv.Itoa(req.VersionHint)
	}
	body, err := c.do(ctx, "/v1/tryon/cart", req.Person, req.Garments, req.GarmentKeys, fields)
	if err != nil {
		return nil, err
	}

	var wire wireCartResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &NetworkError{Message: "Received an unreadable response from the generation service, please try again", Cause: err}
	}

	result := &models.CartResult{
		Summary: models.BatchSummary{
			TotalGarments: wire.Summary.TotalGarments,
			Successful:    wire.Summary.Successful,
			Failed:        wire.Summary.Failed,
			Cached:        wire.Summary.Cached,
		},
	}
	for _, item := range wire.Results {
		ref, err := normalizeImageRef(item.Image, item.ImageURL)
		if err != nil {
			return nil, err
		}
		result.Results = append(result.Results, models.PerItemResult{
			Index:            item.Index,
			Status:           normalizeItemStatus(item.Status),
			Image:            ref,
			Cached:           item.Cached,
			ProcessingTimeMs: item.ProcessingTimeMs,
			ErrorMessage:     item.Error,
		})
	}
	if result.Summary.TotalGarments == 0 {
		result.Summary.TotalGarments = len(result.Results)
	}
	return result, nil
}

func (c *HTTPTryOnClient) GenerateOutfit(ctx context.Context, req *OutfitRequest) (*models.OutfitResult, error) {
	fields := map[string]string{
		"store": req.Store.Domain,
	}
	if req.PersonKey != "" {
		fields["person_key"] = req.PersonKey
	}
	for i, garmentType := range req.GarmentTypes {
		fields[fmt.Sprintf("garment_types[%d]", i)] = garmentType
	}
	body, err := c.do(ctx, "/v1/tryon/outfit", req.Person, req.Garments, req.GarmentKeys, fields)
	if err != nil {
		return nil, err
	}

	var wire wireOutfitResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, &NetworkError{Message: "Received an unreadable response from the generation service, please try again", Cause: err}
	}
	ref, err := normalizeImageRef(wire.Data.Image, wire.Data.ImageURL)
	if err != nil {
		return nil, err
	}
	if ref.Empty() {
		return nil, &NetworkError{Message: "The generation service returned no outfit image, please try again"}
	}
	return &models.OutfitResult{
		Image:            ref,
		Cached:           wire.Data.Cached,
		GarmentTypes:     wire.Data.GarmentTypes,
		ProcessingTimeMs: wire.Data.ProcessingTimeMs,
		CreditsDeducted:  wire.Data.CreditsDeducted,
	}, nil
}

func (c *HTTPTryOnClient) do(ctx context.Context, path string, person *ImagePayload, garments []*ImagePayload, garmentKeys []string, fields map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	personPart, err := writer.CreateFormFile("person", "person.png")
	if err != nil {
		return nil, &NetworkError{Message: "Could not prepare the generation request", Cause: err}
	}
	if _, err := personPart.Write(person.Data); err != nil {
		return nil, &NetworkError{Message: "Could not prepare the generation request", Cause: err}
	}
	for i, garment := range garments {
		part, err := writer.CreateFormFile("garments", fmt.Sprintf("garment-%d.png", i))
		if err != nil {
			return nil, &NetworkError{Message: "Could not prepare the generation request", Cause: err}
		}
		if _, err := part.Write(garment.Data); err != nil {
			return nil, &NetworkError{Message: "Could not prepare the generation request", Cause: err}
		}
	}
	for _, key := range garmentKeys {
		if err := writer.WriteField("garment_keys", key); err != nil {
			return nil, &NetworkError{Message: "Could not prepare the generation request", Cause: err}
		}
	}
	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, &NetworkError{Message: "Could not prepare the generation request", Cause: err}
		}
	}
	if err := writer.Close(); err != nil {
		return nil, &NetworkError{Message: "Could not prepare the generation request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, &buf)
	if err != nil {
		return nil, &NetworkError{Message: "Could not prepare the generation request", Cause: err}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, &NetworkError{Message: "Could not reach the generation service, please try again", Cause: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &NetworkError{Message: "Could not read the generation response, please try again", Cause: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &NetworkError{Message: serverErrorMessage(resp.StatusCode, body)}
	}
	return body, nil
}

func serverErrorMessage(statusCode int, body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" {
			return payload.Error
		}
		if payload.Message != "" {
			return payload.Message
		}
	}
	return fmt.Sprintf("Generation service returned status %d, please try again", statusCode)
}

func normalizeItemStatus(status string) models.ItemStatus {
	switch status {
	case "success":
		return models.ItemSuccess
	case "error", "failed":
		return models.ItemError
	default:
		return models.ItemPending
	}
}

// normalizeImageRef collapses the image/imageUrl field variance into one
// canonical reference. Both empty is legal for failed cart items.
func normalizeImageRef(inline, url string) (*models.ImageRef, error) {
	if inline != "" {
		data, err := base64.StdEncoding.DecodeString(inline)
		if err != nil {
			return nil, &NetworkError{Message: "Received a corrupted result image, please try again", Cause: err}
		}
		return &models.ImageRef{Data: data}, nil
	}
	if url != "" {
		return &models.ImageRef{URL: url}, nil
	}
	return &models.ImageRef{}, nil
}
