package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectStoreIdentityShopParamWins(t *testing.T) {
	identity := DetectStoreIdentity(
		"https://checkout.example.com/widget?shop=acme.myshopify.com",
		"https://other.example.com/",
	)
	assert.Equal(t, "acme.myshopify.com", identity.Domain)
	assert.Equal(t, "url", identity.Source)
}

func TestDetectStoreIdentityMyshopifyHost(t *testing.T) {
	identity := DetectStoreIdentity("https://acme.myshopify.com/products/tee", "")
	assert.Equal(t, "acme.myshopify.com", identity.Domain)
	assert.Equal(t, "url", identity.Source)
}

func TestDetectStoreIdentityFallsBackToReferrer(t *testing.T) {
	identity := DetectStoreIdentity(
		"https://widget-cdn.example.com/embed.html",
		"https://www.acme-store.com/products/tee",
	)
	assert.Equal(t, "acme-store.com", identity.Domain)
	assert.Equal(t, "referrer", identity.Source)
}

func TestDetectStoreIdentityUnresolved(t *testing.T) {
	identity := DetectStoreIdentity("", "")
	assert.False(t, identity.Resolved())
}

func TestNormalizeShopDomain(t *testing.T) {
	assert.Equal(t, "acme.myshopify.com", NormalizeShopDomain("ACME.myshopify.com"))
	assert.Equal(t, "acme.myshopify.com", NormalizeShopDomain("https://acme.myshopify.com/admin"))
	assert.Equal(t, "acme.myshopify.com", NormalizeShopDomain("acme.myshopify.com:443"))
	assert.Equal(t, "acme-store.com", NormalizeShopDomain("www.acme-store.com"))
	assert.Equal(t, "", NormalizeShopDomain("localhost"))
	assert.Equal(t, "", NormalizeShopDomain("   "))
}
