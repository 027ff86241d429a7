package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"strings"
	"time"

	_ "golang.org/x/image/webp"
)

// ImagePayload is a converted image ready for a multipart upload.
type ImagePayload struct {
	Data     []byte
	MimeType string
}

type ImageFetcher interface {
	Convert(ctx context.Context, ref string) (*ImagePayload, error)
}

// BlobService turns an image reference (data URI or remote URL) into a binary
// payload. Remote fetches go out without cookies or stored credentials; when
// the direct bytes are not usable as an image, the payload is decoded and
// re-encoded as PNG before the conversion fails permanently. Storefront CDNs
// often serve image bytes that are renderable but carry an opaque content
// type, so the re-encode pass recovers most of them.
type BlobService struct {
	Client *http.Client
}

func NewBlobService() *BlobService {
	return &BlobService{Client: &http.Client{Timeout: 30 * time.Second}}
}

func (s *BlobService) Convert(ctx context.Context, ref string) (*ImagePayload, error) {
	if strings.HasPrefix(ref, "data:") {
		return decodeDataURI(ref)
	}

	data, contentType, err := s.fetch(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch image %s: %w", ref, err)
	}

	if strings.HasPrefix(contentType, "image/") {
		return &ImagePayload{Data: data, MimeType: contentType}, nil
	}

	sniffed := http.DetectContentType(data)
	if strings.HasPrefix(sniffed, "image/") {
		return &ImagePayload{Data: data, MimeType: sniffed}, nil
	}

	// Last resort: decode whatever came back and re-encode as PNG.
	payload, reencodeErr := reencodePNG(data)
	if reencodeErr != nil {
		return nil, fmt.Errorf("image %s is not readable (content type %q): %v", ref, contentType, reencodeErr)
	}
	return payload, nil
}

func (s *BlobService) fetch(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create HTTP request: %v", err)
	}
	req.Header.Set("Accept", "image/*")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, "", fmt.Errorf("unexpected status code %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read response body: %v", err)
	}
	if len(data) == 0 {
		return nil, "", fmt.Errorf("empty response body")
	}
	return data, strings.ToLower(strings.TrimSpace(strings.Split(resp.Header.Get("Content-Type"), ";")[0])), nil
}

// decodeDataURI handles data:<mime>;base64,<payload> references.
func decodeDataURI(ref string) (*ImagePayload, error) {
	comma := strings.Index(ref, ",")
	if comma < 0 {
		return nil, fmt.Errorf("malformed data URI, no payload separator")
	}
	meta := ref[len("data:"):comma]
	payload := ref[comma+1:]

	mimeType := "application/octet-stream"
	base64Encoded := false
	for i, part := range strings.Split(meta, ";") {
		if i == 0 && part != "" {
			mimeType = part
			continue
		}
		if part == "base64" {
			base64Encoded = true
		}
	}
	if !base64Encoded {
		return nil, fmt.Errorf("unsupported data URI encoding, expected base64")
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decode data URI payload: %v", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("data URI payload is empty")
	}
	return &ImagePayload{Data: data, MimeType: mimeType}, nil
}

func reencodePNG(data []byte) (*ImagePayload, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %v", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image to png: %v", err)
	}
	return &ImagePayload{Data: buf.Bytes(), MimeType: "image/png"}, nil
}
