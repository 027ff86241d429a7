package services

import (
	"net/url"
	"strings"

	"vfitapi/models"
)

// DetectStoreIdentity resolves the hosting storefront from URL heuristics:
// the shop query parameter first, then a *.myshopify.com page host, then the
// referrer host. Returns a zero identity when nothing matches; callers fall
// back to the bridge handshake in that case.
func DetectStoreIdentity(pageURL, referrer string) models.StoreIdentity {
	if page, err := url.Parse(pageURL); err == nil {
		if shop := NormalizeShopDomain(page.Query().Get("shop")); shop != "" {
			return models.StoreIdentity{Domain: shop, Source: "url"}
		}
		if host := NormalizeShopDomain(page.Hostname()); strings.HasSuffix(host, ".myshopify.com") {
			return models.StoreIdentity{Domain: host, Source: "url"}
		}
	}
	if ref, err := url.Parse(referrer); err == nil {
		if host := NormalizeShopDomain(ref.Hostname()); host != "" {
			return models.StoreIdentity{Domain: host, Source: "referrer"}
		}
	}
	return models.StoreIdentity{}
}

// NormalizeShopDomain lowercases a host and strips scheme, path and a
// leading www. so the same shop never produces two store rows.
func NormalizeShopDomain(raw string) string {
	domain := strings.TrimSpace(strings.ToLower(raw))
	if domain == "" {
		return ""
	}
	if strings.Contains(domain, "://") {
		if parsed, err := url.Parse(domain); err == nil {
			domain = parsed.Hostname()
		}
	}
	if i := strings.IndexAny(domain, "/?#"); i >= 0 {
		domain = domain[:i]
	}
	if i := strings.Index(domain, ":"); i >= 0 {
		domain = domain[:i]
	}
	domain = strings.TrimPrefix(domain, "www.")
	if !strings.Contains(domain, ".") {
		return ""
	}
	return domain
}
