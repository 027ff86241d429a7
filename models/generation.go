package models

// GenerationMode selects how a try-on cycle treats the garment selection:
// cart mode renders one independent result per garment, outfit mode composes
// every garment into a single combined look.
type GenerationMode string

const (
	ModeCart   GenerationMode = "cart"
	ModeOutfit GenerationMode = "outfit"
)

// DefaultMode is the mode a fresh or reset widget session starts in.
const DefaultMode = ModeCart

func (m GenerationMode) Valid() bool {
	return m == ModeCart || m == ModeOutfit
}

// Bounds returns the inclusive garment cardinality allowed for the mode.
func (m GenerationMode) Bounds() (minItems, maxItems int) {
	switch m {
	case ModeOutfit:
		return 2, 8
	default:
		return 1, 6
	}
}

// SelectedGarment is one entry of the ordered garment selection. Identity is
// the URL; the same URL may appear more than once in a selection.
type SelectedGarment struct {
	URL  string `json:"url"`
	Type string `json:"type,omitempty"` // e.g., top, bottom, shoes, accessory
}

type PhotoSource string

const (
	PhotoSourceUpload PhotoSource = "upload"
	PhotoSourceDemo   PhotoSource = "demo"
)

// PersonPhoto is the active person image. At most one is set per session and
// selecting a new one replaces it entirely.
type PersonPhoto struct {
	DataURL string      `json:"data_url"`
	Source  PhotoSource `json:"source"`
	// set only for demo photos, correlates back to the catalog
	DemoURL string `json:"demo_url,omitempty"`
}

// StoreIdentity scopes generation requests and cache lookups to one
// storefront.
type StoreIdentity struct {
	Domain string `json:"domain"`
	// where the domain came from: "url", "referrer", "bridge"
	Source string `json:"source,omitempty"`
}

func (s StoreIdentity) Resolved() bool {
	return s.Domain != ""
}

// ImageRef is the canonical result-image reference. The generation API
// answers with either inline bytes or a URL; exactly one of the fields is
// set after normalization.
type ImageRef struct {
	// inline image bytes, marshalled as base64 when no URL was produced
	Data []byte `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

func (r *ImageRef) Empty() bool {
	return r == nil || (len(r.Data) == 0 && r.URL == "")
}

type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemSuccess ItemStatus = "success"
	ItemError   ItemStatus = "error"
)

// PerItemResult is the cart-mode outcome for a single garment.
type PerItemResult struct {
	Index            int        `json:"index"`
	Status           ItemStatus `json:"status"`
	Image            *ImageRef  `json:"image,omitempty"`
	Cached           bool       `json:"cached"`
	ProcessingTimeMs int64      `json:"processing_time_ms"`
	ErrorMessage     string     `json:"error_message,omitempty"`
}

type BatchSummary struct {
	TotalGarments int `json:"total_garments"`
	Successful    int `json:"successful"`
	Failed        int `json:"failed"`
	Cached        int `json:"cached"`
}

type CartResult struct {
	Results []PerItemResult `json:"results"`
	Summary BatchSummary    `json:"summary"`
}

type OutfitResult struct {
	Image            *ImageRef `json:"image,omitempty"`
	Cached           bool      `json:"cached"`
	GarmentTypes     []string  `json:"garment_types,omitempty"`
	ProcessingTimeMs int64     `json:"processing_time_ms"`
	CreditsDeducted  int       `json:"credits_deducted"`
}

// GenerationResult is discriminated by Mode: exactly one of Cart/Outfit is
// non-nil.
type GenerationResult struct {
	Mode   GenerationMode `json:"mode"`
	Cart   *CartResult    `json:"cart,omitempty"`
	Outfit *OutfitResult  `json:"outfit,omitempty"`
}

// BatchProgress aggregates cart-mode counters. Completed+Failed never exceeds
// Total; pending items are the remainder.
type BatchProgress struct {
	Total                  int    `json:"total"`
	Completed              int    `json:"completed"`
	Failed                 int    `json:"failed"`
	EstimatedTimeRemaining *int64 `json:"estimated_time_remaining_ms,omitempty"`
}
