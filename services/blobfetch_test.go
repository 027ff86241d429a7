package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestConvertDataURI(t *testing.T) {
	s := NewBlobService()
	raw := tinyPNG(t)
	ref := "data:image/png;base64," + base64.StdEncoding.EncodeToString(raw)

	payload, err := s.Convert(context.Background(), ref)
	require.NoError(t, err)
	assert.Equal(t, "image/png", payload.MimeType)
	assert.Equal(t, raw, payload.Data)
}

func TestConvertDataURIMalformed(t *testing.T) {
	s := NewBlobService()

	_, err := s.Convert(context.Background(), "data:image/png;base64")
	assert.Error(t, err)

	_, err = s.Convert(context.Background(), "data:image/png,not-base64-encoded")
	assert.Error(t, err)

	_, err = s.Convert(context.Background(), "data:image/png;base64,")
	assert.Error(t, err)
}

func TestConvertRemoteURL(t *testing.T) {
	raw := tinyPNG(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "image/*", r.Header.Get("Accept"))
		assert.Empty(t, r.Header.Get("Cookie"))
		w.Header().Set("Content-Type", "image/png")
		w.Write(raw)
	}))
	defer server.Close()

	s := NewBlobService()
	payload, err := s.Convert(context.Background(), server.URL+"/garment.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", payload.MimeType)
	assert.Equal(t, raw, payload.Data)
}

func TestConvertSniffsMissingContentType(t *testing.T) {
	raw := tinyPNG(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(raw)
	}))
	defer server.Close()

	s := NewBlobService()
	payload, err := s.Convert(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Equal(t, "image/png", payload.MimeType)
}

func TestReencodePNG(t *testing.T) {
	payload, err := reencodePNG(tinyPNG(t))
	require.NoError(t, err)
	assert.Equal(t, "image/png", payload.MimeType)

	decoded, format, err := image.Decode(bytes.NewReader(payload.Data))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 2, decoded.Bounds().Dx())

	_, err = reencodePNG([]byte("definitely not an image"))
	assert.Error(t, err)
}

func TestConvertRemoteErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()

	s := NewBlobService()
	_, err := s.Convert(context.Background(), server.URL+"/missing.png")
	require.Error(t, err)
	// the failing reference is named so the cycle error can point at it
	assert.Contains(t, err.Error(), server.URL)
}

func TestConvertUnreadableBytesFail(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><body>not an image</body></html>"))
	}))
	defer server.Close()

	s := NewBlobService()
	_, err := s.Convert(context.Background(), server.URL)
	assert.Error(t, err)
}
