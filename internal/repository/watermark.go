package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"gmail-webhook-relay/internal/model"
)

// GetWatermark returns the stored watermark, or a zero watermark when none was saved yet.
func (r *Repository) GetWatermark(ctx context.Context, configID uint) (model.Watermark, error) {
	var wm model.Watermark
	err := r.db.WithContext(ctx).Where("watch_config_id = ?", configID).First(&wm).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Watermark{WatchConfigID: configID}, nil
	}
	if err != nil {
		return model.Watermark{}, storageErr("get watermark", err)
	}
	return wm, nil
}

// SaveWatermark upserts the watermark for its WatchConfig.
func (r *Repository) SaveWatermark(ctx context.Context, wm *model.Watermark) error {
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "watch_config_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"position", "ref", "updated_at"}),
	}).Create(wm).Error
	return storageErr("save watermark", err)
}

// ResetWatermarks forgets every scan position. Only the authentication reset calls this.
func (r *Repository) ResetWatermarks(ctx context.Context) error {
	err := r.db.WithContext(ctx).Where("1 = 1").Delete(&model.Watermark{}).Error
	return storageErr("reset watermarks", err)
}
