package models

type CreateSessionIn struct {
	PageURL  string `json:"page_url" validate:"omitempty,max=2000"`
	Referrer string `json:"referrer" validate:"omitempty,max=2000"`
}

type SessionCreatedOut struct {
	SessionID string        `json:"session_id"`
	Token     string        `json:"token"`
	Store     StoreIdentity `json:"store"`
}

type SetModeIn struct {
	Mode string `json:"mode" validate:"required,oneof=cart outfit"`
}

type SelectGarmentIn struct {
	URL  string `json:"url" validate:"required,max=2000"`
	Type string `json:"type" validate:"omitempty,oneof=top bottom shoes accessory"`
}

type SetPhotoIn struct {
	DataURL string `json:"data_url" validate:"required"`
	Source  string `json:"source" validate:"required,oneof=upload demo"`
	DemoURL string `json:"demo_url" validate:"omitempty,max=2000"`
}

type DispatchActionIn struct {
	Action  string `json:"action" validate:"required,oneof=add_to_cart buy_now"`
	Payload any    `json:"payload"`
}

// IdentitySetsOut is the per-session cache-hint bundle: catalog identifier
// maps plus the already-generated identity sets.
type IdentitySetsOut struct {
	PersonKeys  map[string]string `json:"person_keys"`
	GarmentKeys map[string]string `json:"garment_keys"`
	Persons     []string          `json:"persons"`
	Garments    []string          `json:"garments"`
	Pairs       []string          `json:"pairs"`
}
