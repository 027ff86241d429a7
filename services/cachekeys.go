package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"vfitapi/models"

	"github.com/dgraph-io/ristretto"
	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	ristretto_store "github.com/eko/gocache/store/ristretto/v4"
	"gorm.io/gorm"
)

// identity snapshots are refreshed once per session at most
const catalogSnapshotTTL = 15 * time.Minute

// NormalizeKey trims and stringifies a catalog identifier. Numeric and string
// identifiers normalize to the same key.
func NormalizeKey(id any) string {
	if id == nil {
		return ""
	}
	switch v := id.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		// JSON numbers decode as float64; catalog ids are integral
		return strings.TrimSpace(fmt.Sprintf("%.0f", v))
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// PairKey composes the person+garment identity. Empty when either component
// is missing, so membership checks never wildcard-match on an absent id.
func PairKey(personKey, garmentKey string) string {
	personKey = strings.TrimSpace(personKey)
	garmentKey = strings.TrimSpace(garmentKey)
	if personKey == "" || garmentKey == "" {
		return ""
	}
	return personKey + "-" + garmentKey
}

// IdentitySets answers the three advisory membership queries against the
// server-side generated-identity records.
type IdentitySets struct {
	Persons  map[string]struct{}
	Garments map[string]struct{}
	Pairs    map[string]struct{}
}

func NewIdentitySets() *IdentitySets {
	return &IdentitySets{
		Persons:  map[string]struct{}{},
		Garments: map[string]struct{}{},
		Pairs:    map[string]struct{}{},
	}
}

func (s *IdentitySets) HasPerson(key string) bool {
	if s == nil || strings.TrimSpace(key) == "" {
		return false
	}
	_, ok := s.Persons[strings.TrimSpace(key)]
	return ok
}

func (s *IdentitySets) HasGarment(key string) bool {
	if s == nil || strings.TrimSpace(key) == "" {
		return false
	}
	_, ok := s.Garments[strings.TrimSpace(key)]
	return ok
}

func (s *IdentitySets) HasPair(personKey, garmentKey string) bool {
	if s == nil {
		return false
	}
	pair := PairKey(personKey, garmentKey)
	if pair == "" {
		return false
	}
	_, ok := s.Pairs[pair]
	return ok
}

// CatalogSnapshot is the per-store bundle the widget session works from: the
// URL → catalog identifier maps and the already-generated identity sets.
type CatalogSnapshot struct {
	PersonKeys  map[string]string
	GarmentKeys map[string]string
	Generated   *IdentitySets
}

// PersonKeyForURL resolves the advisory catalog key for a person image URL.
func (c *CatalogSnapshot) PersonKeyForURL(url string) string {
	if c == nil {
		return ""
	}
	return c.PersonKeys[url]
}

func (c *CatalogSnapshot) GarmentKeyForURL(url string) string {
	if c == nil {
		return ""
	}
	return c.GarmentKeys[url]
}

type CatalogProvider interface {
	Snapshot(ctx context.Context, storeDomain string) (*CatalogSnapshot, error)
}

// CatalogService loads store-scoped catalog snapshots from postgres behind a
// loadable Ristretto cache, same shape as the presigned URL cache.
type CatalogService struct {
	cache *cache.LoadableCache[*CatalogSnapshot]
}

func NewCatalogService(db *gorm.DB) (*CatalogService, error) {
	ristrettoCache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e6,
		MaxCost:     1 << 26,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create ristretto cache: %w", err)
	}
	ristrettoStore := ristretto_store.NewRistretto(ristrettoCache)

	loadFunction := func(ctx context.Context, key any) (*CatalogSnapshot, []store.Option, error) {
		storeDomain, ok := key.(string)
		if !ok {
			return nil, nil, fmt.Errorf("invalid key type provided to catalog cache: expected string, got %T", key)
		}
		snapshot, err := loadCatalogSnapshot(ctx, db, storeDomain)
		return snapshot, []store.Option{store.WithExpiration(catalogSnapshotTTL)}, err
	}

	return &CatalogService{
		cache: cache.NewLoadable[*CatalogSnapshot](
			loadFunction,
			cache.New[*CatalogSnapshot](ristrettoStore),
		),
	}, nil
}

func (s *CatalogService) Snapshot(ctx context.Context, storeDomain string) (*CatalogSnapshot, error) {
	if storeDomain == "" {
		// unresolved store: no catalog correlation, everything advisory stays off
		return &CatalogSnapshot{
			PersonKeys:  map[string]string{},
			GarmentKeys: map[string]string{},
			Generated:   NewIdentitySets(),
		}, nil
	}
	return s.cache.Get(ctx, storeDomain)
}

func loadCatalogSnapshot(ctx context.Context, db *gorm.DB, storeDomain string) (*CatalogSnapshot, error) {
	var storeRow models.Store
	res := db.WithContext(ctx).Where("domain = ?", storeDomain).First(&storeRow)
	if res.Error != nil {
		return nil, fmt.Errorf("failed to load store %s: %w", storeDomain, res.Error)
	}

	snapshot := &CatalogSnapshot{
		PersonKeys:  map[string]string{},
		GarmentKeys: map[string]string{},
		Generated:   NewIdentitySets(),
	}

	var images []models.CatalogImage
	if err := db.WithContext(ctx).Where("store_id = ?", storeRow.ID).Find(&images).Error; err != nil {
		return nil, fmt.Errorf("failed to load catalog images: %w", err)
	}
	for _, img := range images {
		key := NormalizeKey(img.CatalogID)
		if key == "" {
			continue
		}
		switch img.Kind {
		case "person":
			snapshot.PersonKeys[img.URL] = key
		case "garment":
			snapshot.GarmentKeys[img.URL] = key
		}
	}

	var identities []models.GeneratedIdentity
	if err := db.WithContext(ctx).Where("store_id = ?", storeRow.ID).Find(&identities).Error; err != nil {
		return nil, fmt.Errorf("failed to load generated identities: %w", err)
	}
	for _, identity := range identities {
		key := NormalizeKey(identity.Key)
		if key == "" {
			continue
		}
		switch identity.Kind {
		case "person":
			snapshot.Generated.Persons[key] = struct{}{}
		case "garment":
			snapshot.Generated.Garments[key] = struct{}{}
		}
	}

	var pairs []models.GeneratedPair
	if err := db.WithContext(ctx).Where("store_id = ?", storeRow.ID).Find(&pairs).Error; err != nil {
		return nil, fmt.Errorf("failed to load generated pairs: %w", err)
	}
	for _, pair := range pairs {
		if key := NormalizeKey(pair.PairKey); key != "" {
			snapshot.Generated.Pairs[key] = struct{}{}
		}
	}

	return snapshot, nil
}
