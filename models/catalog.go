package models

// Store is one storefront embedding the widget, keyed by its shop domain.
type Store struct {
	JsonModel
	Domain string `gorm:"uniqueIndex" json:"domain"`
	Name   string `json:"name"`
	// free, pro
	Subscription            string `gorm:"default:free" json:"subscription"`
	Credits                 int    `json:"credits"`
	EnforcedDailyTryOnLimit *int   `json:"-"`
}

// CatalogImage maps a storefront image URL to its catalog identifier. The
// identifier is what cache keys are derived from; images without a row here
// simply generate without advisory keys.
type CatalogImage struct {
	JsonModel
	StoreID uint   `gorm:"index" json:"-"`
	Store   Store  `json:"-"`
	Kind    string `json:"kind"` // person, garment
	URL     string `gorm:"index" json:"url"`
	// trimmed/stringified catalog identifier
	CatalogID string `json:"catalog_id"`
}

// GeneratedIdentity records that a single person or garment identity has a
// stored generation, in isolation.
type GeneratedIdentity struct {
	JsonModel
	StoreID uint   `gorm:"index" json:"-"`
	Store   Store  `json:"-"`
	Kind    string `json:"kind"` // person, garment
	Key     string `gorm:"index" json:"key"`
}

// GeneratedPair records a person+garment combination with a stored
// generation. Membership is advisory only and never skips a call.
type GeneratedPair struct {
	JsonModel
	StoreID uint   `gorm:"index" json:"-"`
	Store   Store  `json:"-"`
	PairKey string `gorm:"index" json:"pair_key"`
}

// TryOnGeneration is the history row persisted for every settled cycle.
type TryOnGeneration struct {
	JsonModel
	StoreID   uint   `gorm:"index" json:"-"`
	Store     Store  `json:"-"`
	SessionID string `gorm:"index" json:"session_id"`

	Mode         string `json:"mode"`
	GarmentCount int    `json:"garment_count"`
	Successful   int    `json:"successful"`
	Failed       int    `json:"failed"`
	Cached       int    `json:"cached"`

	Status          string   `json:"status"` // completed, partial, failed
	Duration        *float64 `json:"duration"` // in seconds
	CreditsDeducted int      `json:"credits_deducted"`
	ErrorMessage    *string  `json:"error_message"`
	ResultImageURL  *string  `json:"result_image_url"`
}
