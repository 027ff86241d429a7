package services

import (
	"context"
	"fmt"

	"vfitapi/models"

	"github.com/getsentry/sentry-go"
	"gorm.io/gorm"
)

// HistoryRecorder persists the outcome of a settled generation cycle.
// Recording is best-effort: a failed write never fails the cycle.
type HistoryRecorder interface {
	Record(ctx context.Context, generation *models.TryOnGeneration) error
}

type GenerationHistory struct {
	DB *gorm.DB
	// rows are scoped to the session's store
	StoreID uint
}

func (h *GenerationHistory) Record(ctx context.Context, generation *models.TryOnGeneration) error {
	if generation.StoreID == 0 {
		generation.StoreID = h.StoreID
	}
	if err := h.DB.WithContext(ctx).Create(generation).Error; err != nil {
		sentry.CaptureException(fmt.Errorf("[Generation %s] Error on saving generation history: %v", generation.SessionID, err))
		return err
	}
	return nil
}
