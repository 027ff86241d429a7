package orchestrator_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"vfitapi/models"
	"vfitapi/orchestrator"
	"vfitapi/services"
	"vfitapi/test"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type historyMock struct {
	mu   sync.Mutex
	rows []*models.TryOnGeneration
}

func (h *historyMock) Record(ctx context.Context, generation *models.TryOnGeneration) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rows = append(h.rows, generation)
	return nil
}

func (h *historyMock) Rows() []*models.TryOnGeneration {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*models.TryOnGeneration, len(h.rows))
	copy(out, h.rows)
	return out
}

func newOrchestrator(client *test.TryOnClientMock) *orchestrator.Orchestrator {
	return orchestrator.New(orchestrator.Config{
		Client: client,
		Images: test.ImageFetcherMock{},
	})
}

func selectGarments(t *testing.T, o *orchestrator.Orchestrator, count int) {
	t.Helper()
	for i := 0; i < count; i++ {
		require.NoError(t, o.SelectGarment(models.SelectedGarment{
			URL:  fmt.Sprintf("https://shop.example.com/garment-%d.jpg", i),
			Type: "top",
		}))
	}
}

func TestSelectGarmentCapacityIsSilentNoOp(t *testing.T) {
	o := newOrchestrator(&test.TryOnClientMock{})

	selectGarments(t, o, 6)
	// seventh add in cart mode: ignored, no error
	err := o.SelectGarment(models.SelectedGarment{URL: "https://shop.example.com/one-too-many.jpg"})
	assert.NoError(t, err)
	assert.Len(t, o.Snapshot().Garments, 6)
}

func TestSelectGarmentAllowsDuplicates(t *testing.T) {
	o := newOrchestrator(&test.TryOnClientMock{})

	garment := models.SelectedGarment{URL: "https://shop.example.com/same.jpg"}
	require.NoError(t, o.SelectGarment(garment))
	require.NoError(t, o.SelectGarment(garment))
	assert.Len(t, o.Snapshot().Garments, 2)
}

func TestOutfitMinimumValidatedBeforeNetwork(t *testing.T) {
	client := &test.TryOnClientMock{}
	o := newOrchestrator(client)

	require.NoError(t, o.SetMode(models.ModeOutfit))
	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{DataURL: "data:image/png;base64,aGk=", Source: models.PhotoSourceUpload}))
	selectGarments(t, o, 1)

	_, err := o.Generate(context.Background())
	require.Error(t, err)
	assert.True(t, orchestrator.IsValidationError(err))
	assert.Contains(t, err.Error(), "at least 2")
	assert.Contains(t, err.Error(), "you selected 1")
	// validation failures never reach the generation service
	assert.Empty(t, client.OutfitRequests)
	assert.Empty(t, client.CartRequests)
}

func TestGenerateWithoutPhotoFails(t *testing.T) {
	client := &test.TryOnClientMock{}
	o := newOrchestrator(client)
	selectGarments(t, o, 2)

	_, err := o.Generate(context.Background())
	require.Error(t, err)
	assert.True(t, orchestrator.IsValidationError(err))
	assert.Contains(t, err.Error(), "photo")
	assert.Empty(t, client.CartRequests)
}

func TestDeselectGarmentRoundTrip(t *testing.T) {
	o := newOrchestrator(&test.TryOnClientMock{})

	selectGarments(t, o, 3)
	require.NoError(t, o.DeselectGarment(1))

	garments := o.Snapshot().Garments
	require.Len(t, garments, 2)
	assert.Equal(t, "https://shop.example.com/garment-0.jpg", garments[0].URL)
	assert.Equal(t, "https://shop.example.com/garment-2.jpg", garments[1].URL)

	err := o.DeselectGarment(5)
	require.Error(t, err)
	assert.True(t, orchestrator.IsValidationError(err))
}

func TestModeSwitchClearsSelection(t *testing.T) {
	o := newOrchestrator(&test.TryOnClientMock{})

	selectGarments(t, o, 3)
	require.NoError(t, o.SetMode(models.ModeOutfit))

	snapshot := o.Snapshot()
	assert.Empty(t, snapshot.Garments)
	assert.Equal(t, models.ModeOutfit, snapshot.Mode)
	assert.Equal(t, orchestrator.StateIdle, snapshot.State)
}

func TestResetRestoresDefaults(t *testing.T) {
	o := newOrchestrator(&test.TryOnClientMock{})

	require.NoError(t, o.SetMode(models.ModeOutfit))
	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{DataURL: "data:image/png;base64,aGk=", Source: models.PhotoSourceUpload}))
	selectGarments(t, o, 2)

	o.Reset()
	snapshot := o.Snapshot()
	assert.Equal(t, models.ModeCart, snapshot.Mode)
	assert.Nil(t, snapshot.Person)
	assert.Empty(t, snapshot.Garments)
	assert.Equal(t, orchestrator.StateIdle, snapshot.State)

	// reset of an already-reset orchestrator changes nothing
	o.Reset()
	assert.Equal(t, snapshot.Mode, o.Snapshot().Mode)
	assert.Equal(t, orchestrator.StateIdle, o.Snapshot().State)
}

func TestCartGenerationMapsSummaryToProgress(t *testing.T) {
	client := &test.TryOnClientMock{
		CartResponse: &models.CartResult{
			Results: []models.PerItemResult{
				{Status: models.ItemSuccess, Image: &models.ImageRef{URL: "https://results.example.com/0.png"}},
				{Status: models.ItemSuccess, Image: &models.ImageRef{URL: "https://results.example.com/1.png"}},
				{Status: models.ItemError, ErrorMessage: "garment image could not be processed"},
			},
			Summary: models.BatchSummary{TotalGarments: 3, Successful: 2, Failed: 1},
		},
	}
	history := &historyMock{}
	o := orchestrator.New(orchestrator.Config{
		Client:  client,
		Images:  test.ImageFetcherMock{},
		History: history,
	})

	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{DataURL: "data:image/png;base64,aGk=", Source: models.PhotoSourceUpload}))
	selectGarments(t, o, 3)

	result, err := o.Generate(context.Background())
	require.NoError(t, err)
	require.NotNil(t, result.Cart)

	snapshot := o.Snapshot()
	assert.Equal(t, orchestrator.StateSettled, snapshot.State)
	require.NotNil(t, snapshot.Progress)
	assert.Equal(t, 3, snapshot.Progress.Total)
	assert.Equal(t, 2, snapshot.Progress.Completed)
	assert.Equal(t, 1, snapshot.Progress.Failed)
	assert.Equal(t, 100, snapshot.Percent)
	assert.Equal(t, orchestrator.OutcomePartialSuccess, orchestrator.OutcomeOf(result))

	rows := history.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "partial", rows[0].Status)
	assert.Equal(t, 2, rows[0].Successful)
	assert.Equal(t, 1, rows[0].Failed)
}

func TestCartGenerationRejectsIncompleteResultSet(t *testing.T) {
	client := &test.TryOnClientMock{
		CartResponse: &models.CartResult{
			Results: []models.PerItemResult{
				{Status: models.ItemSuccess, Image: &models.ImageRef{URL: "https://results.example.com/0.png"}},
			},
			Summary: models.BatchSummary{TotalGarments: 3, Successful: 1},
		},
	}
	o := newOrchestrator(client)
	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{DataURL: "data:image/png;base64,aGk=", Source: models.PhotoSourceUpload}))
	selectGarments(t, o, 3)

	_, err := o.Generate(context.Background())
	require.Error(t, err)
	var network *services.NetworkError
	assert.True(t, errors.As(err, &network))
	// the selection survives a network error so the user can retry
	snapshot := o.Snapshot()
	assert.Len(t, snapshot.Garments, 3)
	assert.Equal(t, orchestrator.StateReady, snapshot.State)
	assert.NotEmpty(t, snapshot.Error)
}

func TestNetworkErrorPreservesSelection(t *testing.T) {
	client := &test.TryOnClientMock{Err: &services.NetworkError{Message: "We could not reach the generation service, please try again"}}
	o := newOrchestrator(client)
	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{DataURL: "data:image/png;base64,aGk=", Source: models.PhotoSourceUpload}))
	selectGarments(t, o, 2)

	_, err := o.Generate(context.Background())
	require.Error(t, err)

	snapshot := o.Snapshot()
	assert.Len(t, snapshot.Garments, 2)
	assert.NotNil(t, snapshot.Person)
	assert.Equal(t, "We could not reach the generation service, please try again", snapshot.Error)

	// an explicit retry with the same state succeeds once the service recovers
	client.Err = nil
	result, err := o.Generate(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, result.Cart)
}

func TestGenerateWhileGeneratingConflicts(t *testing.T) {
	client := &test.TryOnClientMock{Delay: 200 * time.Millisecond}
	o := newOrchestrator(client)
	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{DataURL: "data:image/png;base64,aGk=", Source: models.PhotoSourceUpload}))
	selectGarments(t, o, 1)

	started := make(chan struct{})
	errs := make(chan error, 1)
	go func() {
		close(started)
		_, err := o.Generate(context.Background())
		errs <- err
	}()
	<-started
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, orchestrator.StateGenerating, o.State())
	_, err := o.Generate(context.Background())
	assert.ErrorIs(t, err, orchestrator.ErrGenerationInFlight)
	assert.ErrorIs(t, o.SelectGarment(models.SelectedGarment{URL: "https://shop.example.com/x.jpg"}), orchestrator.ErrGenerationInFlight)
	assert.ErrorIs(t, o.SetMode(models.ModeOutfit), orchestrator.ErrGenerationInFlight)

	assert.NoError(t, <-errs)
}

func TestOutfitSyntheticProgressClimbsAndSnaps(t *testing.T) {
	client := &test.TryOnClientMock{Delay: 300 * time.Millisecond}
	o := orchestrator.New(orchestrator.Config{
		Client:       client,
		Images:       test.ImageFetcherMock{},
		ProgressTick: 10 * time.Millisecond,
	})
	require.NoError(t, o.SetMode(models.ModeOutfit))
	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{DataURL: "data:image/png;base64,aGk=", Source: models.PhotoSourceUpload}))
	selectGarments(t, o, 2)

	done := make(chan error, 1)
	go func() {
		_, err := o.Generate(context.Background())
		done <- err
	}()

	time.Sleep(150 * time.Millisecond)
	midway := o.Snapshot().Percent
	assert.Greater(t, midway, 0)
	assert.LessOrEqual(t, midway, 90)

	require.NoError(t, <-done)
	assert.Equal(t, 100, o.Snapshot().Percent)
	assert.Equal(t, orchestrator.StateSettled, o.State())
}

func TestResetDuringGenerationDiscardsOutcome(t *testing.T) {
	client := &test.TryOnClientMock{Delay: 200 * time.Millisecond}
	history := &historyMock{}
	o := orchestrator.New(orchestrator.Config{
		Client:  client,
		Images:  test.ImageFetcherMock{},
		History: history,
	})
	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{DataURL: "data:image/png;base64,aGk=", Source: models.PhotoSourceUpload}))
	selectGarments(t, o, 1)

	done := make(chan error, 1)
	go func() {
		_, err := o.Generate(context.Background())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	o.Reset()
	err := <-done
	assert.ErrorIs(t, err, orchestrator.ErrClosed)

	snapshot := o.Snapshot()
	assert.Equal(t, orchestrator.StateIdle, snapshot.State)
	assert.Nil(t, snapshot.Result)
	assert.Empty(t, snapshot.Error)
}

func TestCloseCancelsInFlightCycle(t *testing.T) {
	client := &test.TryOnClientMock{Delay: time.Second}
	o := newOrchestrator(client)
	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{DataURL: "data:image/png;base64,aGk=", Source: models.PhotoSourceUpload}))
	selectGarments(t, o, 1)

	done := make(chan error, 1)
	go func() {
		_, err := o.Generate(context.Background())
		done <- err
	}()
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, o.Close())
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("generation was not cancelled by close")
	}

	assert.ErrorIs(t, o.SelectGarment(models.SelectedGarment{URL: "https://shop.example.com/x.jpg"}), orchestrator.ErrClosed)
	_, err := o.Generate(context.Background())
	assert.ErrorIs(t, err, orchestrator.ErrClosed)
}

func TestCloseWithDetachLetsCycleFinish(t *testing.T) {
	client := &test.TryOnClientMock{Delay: 100 * time.Millisecond}
	history := &historyMock{}
	o := orchestrator.New(orchestrator.Config{
		Client:        client,
		Images:        test.ImageFetcherMock{},
		History:       history,
		DetachOnClose: true,
	})
	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{DataURL: "data:image/png;base64,aGk=", Source: models.PhotoSourceUpload}))
	selectGarments(t, o, 1)

	done := make(chan error, 1)
	go func() {
		_, err := o.Generate(context.Background())
		done <- err
	}()
	time.Sleep(30 * time.Millisecond)

	require.NoError(t, o.Close())
	assert.NoError(t, <-done)

	rows := history.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "completed", rows[0].Status)
}

func TestConvertFailureNamesGarment(t *testing.T) {
	client := &test.TryOnClientMock{}
	o := orchestrator.New(orchestrator.Config{
		Client: client,
		Images: test.ImageFetcherMock{FailFor: "https://shop.example.com/garment-1.jpg"},
	})
	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{DataURL: "data:image/png;base64,aGk=", Source: models.PhotoSourceUpload}))
	selectGarments(t, o, 3)

	_, err := o.Generate(context.Background())
	require.Error(t, err)
	assert.True(t, orchestrator.IsValidationError(err))
	assert.Contains(t, err.Error(), "https://shop.example.com/garment-1.jpg")
	// one bad image means nothing was sent
	assert.Empty(t, client.CartRequests)
}

func TestOutfitGenerationRecordsHistory(t *testing.T) {
	client := &test.TryOnClientMock{
		OutfitResponse: &models.OutfitResult{
			Image:            &models.ImageRef{URL: "https://results.example.com/outfit.png"},
			Cached:           true,
			GarmentTypes:     []string{"top", "bottom"},
			ProcessingTimeMs: 900,
			CreditsDeducted:  2,
		},
	}
	history := &historyMock{}
	o := orchestrator.New(orchestrator.Config{
		Client:  client,
		Images:  test.ImageFetcherMock{},
		History: history,
	})
	require.NoError(t, o.SetMode(models.ModeOutfit))
	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{DataURL: "data:image/png;base64,aGk=", Source: models.PhotoSourceUpload}))
	selectGarments(t, o, 2)

	result, err := o.Generate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, orchestrator.OutcomeSuccess, orchestrator.OutcomeOf(result))

	rows := history.Rows()
	require.Len(t, rows, 1)
	assert.Equal(t, "completed", rows[0].Status)
	assert.Equal(t, 1, rows[0].Cached)
	assert.Equal(t, 2, rows[0].CreditsDeducted)
	require.NotNil(t, rows[0].ResultImageURL)
	assert.Equal(t, "https://results.example.com/outfit.png", *rows[0].ResultImageURL)
}

func TestAdvisoryKeysForwardedToClient(t *testing.T) {
	client := &test.TryOnClientMock{}
	catalog := test.CatalogMock{
		SnapshotResponse: &services.CatalogSnapshot{
			PersonKeys: map[string]string{
				"https://cdn.example.com/demo-1.jpg": "person-demo-1",
			},
			GarmentKeys: map[string]string{
				"https://shop.example.com/garment-0.jpg": "garment-abc",
			},
			Generated: services.NewIdentitySets(),
		},
	}
	o := orchestrator.New(orchestrator.Config{
		Client:  client,
		Images:  test.ImageFetcherMock{},
		Catalog: catalog,
		Store:   models.StoreIdentity{Domain: "shop.myshopify.com", Source: "url"},
	})
	require.NoError(t, o.SetPersonPhoto(models.PersonPhoto{
		DataURL: "data:image/png;base64,aGk=",
		Source:  models.PhotoSourceDemo,
		DemoURL: "https://cdn.example.com/demo-1.jpg",
	}))
	selectGarments(t, o, 2)

	_, err := o.Generate(context.Background())
	require.NoError(t, err)

	require.Len(t, client.CartRequests, 1)
	req := client.CartRequests[0]
	assert.Equal(t, "person-demo-1", req.PersonKey)
	assert.Equal(t, []string{"garment-abc"}, req.GarmentKeys)
	assert.Equal(t, "shop.myshopify.com", req.Store.Domain)
}
