package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"vfitapi/models"
	"vfitapi/services"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State of one widget session's generation lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateReady      State = "ready"
	StateGenerating State = "generating"
	StateSettled    State = "settled"
)

// Outcome discriminates a settled cycle.
type Outcome string

const (
	OutcomeSuccess        Outcome = "success"
	OutcomePartialSuccess Outcome = "partial"
	OutcomeFailure        Outcome = "failure"
)

// how many garment conversions run at once
const convertConcurrency = 4

const defaultProgressTick = 400 * time.Millisecond

// synthetic outfit progress never claims completion before the response
const syntheticProgressCap = 90
const syntheticProgressStep = 7

// Config wires an Orchestrator to its collaborators. Client and Images are
// required; everything else is optional.
type Config struct {
	Client  services.TryOnClient
	Images  services.ImageFetcher
	Catalog services.CatalogProvider
	History services.HistoryRecorder
	Store   models.StoreIdentity

	// SessionID tags history rows; a fresh id is generated when empty.
	SessionID string

	// DetachOnClose lets an in-flight generation run to completion when the
	// orchestrator is torn down, so an already-started (and already charged)
	// cycle is not wasted. Default is to cancel it.
	DetachOnClose bool

	// ProgressTick overrides the synthetic outfit progress interval, mainly
	// for tests.
	ProgressTick time.Duration

	// VersionHint is forwarded to the generation API when set (1 or 2).
	VersionHint int
}

// Orchestrator owns one widget session's generation state: the active mode,
// the person photo, the ordered garment selection, progress and results of
// the current cycle. All state is discarded on reset; nothing here outlives
// the session. Exactly one cycle may be in flight at a time.
type Orchestrator struct {
	mu  sync.Mutex
	cfg Config

	mode     models.GenerationMode
	person   *models.PersonPhoto
	garments []models.SelectedGarment

	generating  bool
	cycle       uint64
	cycleCancel context.CancelFunc

	result       *models.GenerationResult
	progress     *models.BatchProgress
	syntheticPct int

	errMessage    string
	statusMessage string

	closed bool
}

// Status is a render-ready snapshot of the orchestrator.
type Status struct {
	State         State                    `json:"state"`
	Mode          models.GenerationMode    `json:"mode"`
	CanGenerate   bool                     `json:"can_generate"`
	Person        *models.PersonPhoto      `json:"person,omitempty"`
	Garments      []models.SelectedGarment `json:"garments"`
	Progress      *models.BatchProgress    `json:"progress,omitempty"`
	Percent       int                      `json:"percent"`
	Result        *models.GenerationResult `json:"result,omitempty"`
	Error         string                   `json:"error,omitempty"`
	StatusMessage string                   `json:"status_message,omitempty"`
}

func New(cfg Config) *Orchestrator {
	if cfg.ProgressTick <= 0 {
		cfg.ProgressTick = defaultProgressTick
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}
	return &Orchestrator{
		cfg:  cfg,
		mode: models.DefaultMode,
	}
}

func (o *Orchestrator) SessionID() string {
	return o.cfg.SessionID
}

// SetMode replaces the generation mode. The two modes have disjoint
// cardinality rules, so the selection and any prior outcome are cleared to
// keep stale state from violating the new mode's bounds.
func (o *Orchestrator) SetMode(mode models.GenerationMode) error {
	if !mode.Valid() {
		return &ValidationError{Message: fmt.Sprintf("Unknown generation mode %q", mode)}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.generating {
		return ErrGenerationInFlight
	}
	o.mode = mode
	o.garments = nil
	o.clearOutcomeLocked()
	return nil
}

// SelectGarment appends to the ordered selection. Duplicate URLs are allowed.
// Attempting to exceed the mode's capacity is a silent no-op.
func (o *Orchestrator) SelectGarment(garment models.SelectedGarment) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.generating {
		return ErrGenerationInFlight
	}
	_, maxItems := o.mode.Bounds()
	if len(o.garments) >= maxItems {
		return nil
	}
	o.garments = append(o.garments, garment)
	return nil
}

// DeselectGarment removes by position and re-indexes the remainder.
func (o *Orchestrator) DeselectGarment(index int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.generating {
		return ErrGenerationInFlight
	}
	if index < 0 || index >= len(o.garments) {
		return &ValidationError{Message: fmt.Sprintf("No garment selected at position %d", index)}
	}
	o.garments = append(o.garments[:index], o.garments[index+1:]...)
	return nil
}

// SetStoreIdentity updates the storefront scope, for when the bridge
// handshake resolves it after the session was created.
func (o *Orchestrator) SetStoreIdentity(store models.StoreIdentity) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.generating {
		return ErrGenerationInFlight
	}
	o.cfg.Store = store
	return nil
}

// SetPersonPhoto replaces the active person photo entirely; there is no
// history of prior photos.
func (o *Orchestrator) SetPersonPhoto(photo models.PersonPhoto) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if o.generating {
		return ErrGenerationInFlight
	}
	if photo.DataURL == "" {
		return &ValidationError{Message: "A photo is required"}
	}
	o.person = &photo
	return nil
}

// Reset is always permitted, including mid-generation: an in-flight cycle is
// cancelled and its eventual outcome discarded. Mode returns to the default
// and every piece of selection, progress, result and error state is dropped.
func (o *Orchestrator) Reset() {
	o.mu.Lock()
	cancel := o.cycleCancel
	o.cycleCancel = nil
	o.cycle++
	o.generating = false
	o.mode = models.DefaultMode
	o.person = nil
	o.garments = nil
	o.clearOutcomeLocked()
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (o *Orchestrator) clearOutcomeLocked() {
	o.result = nil
	o.progress = nil
	o.syntheticPct = 0
	o.errMessage = ""
	o.statusMessage = ""
}

// CanGenerate reports whether a photo is set and the garment count is within
// the active mode's bounds.
func (o *Orchestrator) CanGenerate() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.canGenerateLocked()
}

func (o *Orchestrator) canGenerateLocked() bool {
	minItems, maxItems := o.mode.Bounds()
	return o.person != nil && len(o.garments) >= minItems && len(o.garments) <= maxItems
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stateLocked()
}

func (o *Orchestrator) stateLocked() State {
	switch {
	case o.generating:
		return StateGenerating
	case o.result != nil:
		return StateSettled
	case o.canGenerateLocked():
		return StateReady
	default:
		return StateIdle
	}
}

// OutcomeOf classifies a settled result.
func OutcomeOf(result *models.GenerationResult) Outcome {
	if result == nil {
		return OutcomeFailure
	}
	if result.Cart != nil {
		summary := result.Cart.Summary
		switch {
		case summary.Failed == 0:
			return OutcomeSuccess
		case summary.Successful == 0:
			return OutcomeFailure
		default:
			return OutcomePartialSuccess
		}
	}
	return OutcomeSuccess
}

// Snapshot returns the current render state. Safe to call from any
// goroutine, including while a cycle is in flight.
func (o *Orchestrator) Snapshot() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	garments := make([]models.SelectedGarment, len(o.garments))
	copy(garments, o.garments)

	var progress *models.BatchProgress
	if o.progress != nil {
		p := *o.progress
		progress = &p
	}

	return Status{
		State:         o.stateLocked(),
		Mode:          o.mode,
		CanGenerate:   o.canGenerateLocked(),
		Person:        o.person,
		Garments:      garments,
		Progress:      progress,
		Percent:       o.percentLocked(),
		Result:        o.result,
		Error:         o.errMessage,
		StatusMessage: o.statusMessage,
	}
}

func (o *Orchestrator) percentLocked() int {
	if o.result != nil && !o.generating {
		return 100
	}
	if o.mode == models.ModeOutfit {
		return o.syntheticPct
	}
	if o.progress != nil && o.progress.Total > 0 {
		return int(math.Round(float64(o.progress.Completed) / float64(o.progress.Total) * 100))
	}
	return 0
}

// Generate runs one full cycle: validate, convert every image, resolve
// advisory cache keys, dispatch exactly one network call and map the
// response. Validation failures never reach the network. On a network error
// the selection is preserved so an explicit user retry can re-invoke
// Generate with the same state.
func (o *Orchestrator) Generate(ctx context.Context) (*models.GenerationResult, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil, ErrClosed
	}
	if o.generating {
		o.mu.Unlock()
		return nil, ErrGenerationInFlight
	}
	if err := o.validateLocked(); err != nil {
		o.errMessage = err.Error()
		o.statusMessage = ""
		o.mu.Unlock()
		return nil, err
	}

	mode := o.mode
	person := *o.person
	garments := make([]models.SelectedGarment, len(o.garments))
	copy(garments, o.garments)

	o.generating = true
	o.cycle++
	cycle := o.cycle
	o.clearOutcomeLocked()
	o.statusMessage = "Preparing your images..."
	if mode == models.ModeCart {
		o.progress = &models.BatchProgress{Total: len(garments)}
	}

	genCtx, cancel := context.WithCancel(ctx)
	o.cycleCancel = cancel
	o.mu.Unlock()
	defer cancel()

	startedAt := time.Now()
	result, err := o.runCycle(genCtx, cycle, mode, person, garments)
	duration := time.Since(startedAt).Seconds()

	o.mu.Lock()
	if o.cycle != cycle {
		// reset or teardown raced the cycle; its outcome is abandoned
		o.mu.Unlock()
		return nil, ErrClosed
	}
	o.generating = false
	o.cycleCancel = nil
	if err != nil {
		o.errMessage = userMessage(err)
		o.statusMessage = ""
		o.syntheticPct = 0
		o.progress = nil
		o.result = nil
		o.mu.Unlock()
		o.recordHistory(mode, garments, nil, duration, err)
		return nil, err
	}
	o.result = result
	o.errMessage = ""
	o.statusMessage = "Done"
	o.syntheticPct = 100
	if result.Cart != nil {
		o.progress = &models.BatchProgress{
			Total:     result.Cart.Summary.TotalGarments,
			Completed: result.Cart.Summary.Successful,
			Failed:    result.Cart.Summary.Failed,
		}
	}
	o.mu.Unlock()

	o.recordHistory(mode, garments, result, duration, nil)
	return result, nil
}

func (o *Orchestrator) validateLocked() error {
	if o.person == nil {
		return &ValidationError{Message: "Please add your photo before generating"}
	}
	minItems, maxItems := o.mode.Bounds()
	if len(o.garments) < minItems {
		if o.mode == models.ModeOutfit {
			return &ValidationError{Message: fmt.Sprintf("Outfit mode needs at least %d items, you selected %d", minItems, len(o.garments))}
		}
		return &ValidationError{Message: "Please select at least one garment"}
	}
	if len(o.garments) > maxItems {
		return &ValidationError{Message: fmt.Sprintf("At most %d items can be generated at once", maxItems)}
	}
	return nil
}

func (o *Orchestrator) runCycle(ctx context.Context, cycle uint64, mode models.GenerationMode, person models.PersonPhoto, garments []models.SelectedGarment) (*models.GenerationResult, error) {
	personPayload, garmentPayloads, err := o.convertImages(ctx, person, garments)
	if err != nil {
		return nil, err
	}

	personKey, garmentKeys := o.resolveKeys(ctx, person, garments)

	o.setStatus(cycle, "Generating your try-on...")

	switch mode {
	case models.ModeOutfit:
		stop := o.startSyntheticProgress(cycle)
		defer stop()

		garmentTypes := make([]string, len(garments))
		for i, garment := range garments {
			garmentTypes[i] = garment.Type
		}
		outfit, err := o.cfg.Client.GenerateOutfit(ctx, &services.OutfitRequest{
			Person:       personPayload,
			Garments:     garmentPayloads,
			GarmentTypes: garmentTypes,
			PersonKey:    personKey,
			GarmentKeys:  garmentKeys,
			Store:        o.cfg.Store,
		})
		if err != nil {
			return nil, err
		}
		return &models.GenerationResult{Mode: mode, Outfit: outfit}, nil
	default:
		cart, err := o.cfg.Client.GenerateCart(ctx, &services.CartRequest{
			Person:      personPayload,
			Garments:    garmentPayloads,
			PersonKey:   personKey,
			GarmentKeys: garmentKeys,
			Store:       o.cfg.Store,
			VersionHint: o.cfg.VersionHint,
		})
		if err != nil {
			return nil, err
		}
		if len(cart.Results) != cart.Summary.TotalGarments {
			return nil, &services.NetworkError{Message: "The generation service returned an incomplete result set, please try again"}
		}
		return &models.GenerationResult{Mode: mode, Cart: cart}, nil
	}
}

// convertImages turns the person photo and every garment into binary
// payloads. A single failure aborts the whole cycle; partial requests are
// never sent.
func (o *Orchestrator) convertImages(ctx context.Context, person models.PersonPhoto, garments []models.SelectedGarment) (*services.ImagePayload, []*services.ImagePayload, error) {
	personPayload, err := o.cfg.Images.Convert(ctx, person.DataURL)
	if err != nil {
		return nil, nil, &ValidationError{Message: fmt.Sprintf("Could not read your photo: %v", err)}
	}

	garmentPayloads := make([]*services.ImagePayload, len(garments))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(convertConcurrency)
	for i, garment := range garments {
		group.Go(func() error {
			payload, err := o.cfg.Images.Convert(groupCtx, garment.URL)
			if err != nil {
				return &ValidationError{Message: fmt.Sprintf("Could not read garment image %d (%s): %v", i+1, garment.URL, err)}
			}
			garmentPayloads[i] = payload
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, nil, err
	}
	return personPayload, garmentPayloads, nil
}

// resolveKeys looks up advisory catalog identifiers. Keys are optional:
// lookup failures and unknown images simply leave them out.
func (o *Orchestrator) resolveKeys(ctx context.Context, person models.PersonPhoto, garments []models.SelectedGarment) (string, []string) {
	if o.cfg.Catalog == nil {
		return "", nil
	}
	snapshot, err := o.cfg.Catalog.Snapshot(ctx, o.cfg.Store.Domain)
	if err != nil {
		sentry.CaptureException(fmt.Errorf("[Session %s] Error loading catalog snapshot: %v", o.cfg.SessionID, err))
		return "", nil
	}

	personKey := ""
	if person.Source == models.PhotoSourceDemo && person.DemoURL != "" {
		personKey = snapshot.PersonKeyForURL(person.DemoURL)
	}

	var garmentKeys []string
	for _, garment := range garments {
		if key := snapshot.GarmentKeyForURL(garment.URL); key != "" {
			garmentKeys = append(garmentKeys, key)
		}
	}
	return personKey, garmentKeys
}

func (o *Orchestrator) setStatus(cycle uint64, message string) {
	o.mu.Lock()
	if o.cycle == cycle {
		o.statusMessage = message
	}
	o.mu.Unlock()
}

// startSyntheticProgress runs the outfit-mode fake progress ticker: the
// combined call gives no incremental feedback, so the indicator climbs
// monotonically to the cap and snaps to 100 when the response lands. The
// returned stop function must run on every exit path; a leaked ticker would
// keep mutating state after settlement.
func (o *Orchestrator) startSyntheticProgress(cycle uint64) (stop func()) {
	ticker := time.NewTicker(o.cfg.ProgressTick)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				o.mu.Lock()
				if o.cycle == cycle && o.generating && o.syntheticPct < syntheticProgressCap {
					o.syntheticPct += syntheticProgressStep
					if o.syntheticPct > syntheticProgressCap {
						o.syntheticPct = syntheticProgressCap
					}
				}
				o.mu.Unlock()
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			ticker.Stop()
			close(done)
		})
	}
}

func (o *Orchestrator) recordHistory(mode models.GenerationMode, garments []models.SelectedGarment, result *models.GenerationResult, duration float64, cycleErr error) {
	if o.cfg.History == nil {
		return
	}
	row := &models.TryOnGeneration{
		SessionID:    o.cfg.SessionID,
		Mode:         string(mode),
		GarmentCount: len(garments),
		Duration:     &duration,
	}
	switch {
	case cycleErr != nil:
		row.Status = "failed"
		row.ErrorMessage = services.StrPointer(userMessage(cycleErr))
	case result.Cart != nil:
		row.Successful = result.Cart.Summary.Successful
		row.Failed = result.Cart.Summary.Failed
		row.Cached = result.Cart.Summary.Cached
		switch OutcomeOf(result) {
		case OutcomePartialSuccess:
			row.Status = "partial"
		case OutcomeFailure:
			row.Status = "failed"
		default:
			row.Status = "completed"
		}
	case result.Outfit != nil:
		row.Successful = 1
		row.Status = "completed"
		row.CreditsDeducted = result.Outfit.CreditsDeducted
		if result.Outfit.Cached {
			row.Cached = 1
		}
		if result.Outfit.Image != nil && result.Outfit.Image.URL != "" {
			row.ResultImageURL = services.StrPointer(result.Outfit.Image.URL)
		}
	}
	// best effort, errors are reported inside the recorder
	_ = o.cfg.History.Record(context.Background(), row)
}

// userMessage normalizes any cycle error into the single user-facing message
// slot. Raw errors never leave the orchestrator toward the rendering layer.
func userMessage(err error) string {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation.Message
	}
	var network *services.NetworkError
	if errors.As(err, &network) {
		return network.Message
	}
	if errors.Is(err, context.Canceled) {
		return "Generation was cancelled"
	}
	return "Something went wrong while generating, please try again"
}

// Close tears the orchestrator down. Unless DetachOnClose is set, an
// in-flight request is cancelled; either way no further operations are
// accepted.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cancel := o.cycleCancel
	o.cycleCancel = nil
	if !o.cfg.DetachOnClose {
		// discard the in-flight cycle's eventual outcome too
		o.cycle++
	}
	o.mu.Unlock()

	if cancel != nil && !o.cfg.DetachOnClose {
		cancel()
	}
	return nil
}
