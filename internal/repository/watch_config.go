package repository

import (
	"context"

	"gmail-webhook-relay/internal/model"
)

// ListActiveWatchConfigs returns every active WatchConfig ordered by id.
func (r *Repository) ListActiveWatchConfigs(ctx context.Context) ([]model.WatchConfig, error) {
	var configs []model.WatchConfig
	if err := r.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&configs).Error; err != nil {
		return nil, storageErr("list active watch configs", err)
	}
	return configs, nil
}

func (r *Repository) ListWatchConfigs(ctx context.Context) ([]model.WatchConfig, error) {
	var configs []model.WatchConfig
	if err := r.db.WithContext(ctx).Order("id").Find(&configs).Error; err != nil {
		return nil, storageErr("list watch configs", err)
	}
	return configs, nil
}

// GetWatchConfig returns ErrNotFound when the config was deleted.
func (r *Repository) GetWatchConfig(ctx context.Context, id uint) (*model.WatchConfig, error) {
	var cfg model.WatchConfig
	if err := r.db.WithContext(ctx).First(&cfg, id).Error; err != nil {
		return nil, storageErr("get watch config", err)
	}
	return &cfg, nil
}

func (r *Repository) CreateWatchConfig(ctx context.Context, cfg *model.WatchConfig) error {
	// gorm skips zero-valued fields that carry a default, so write Active explicitly
	if err := r.db.WithContext(ctx).Create(cfg).Error; err != nil {
		return storageErr("create watch config", err)
	}
	if !cfg.Active {
		if err := r.db.WithContext(ctx).Model(cfg).Update("active", false).Error; err != nil {
			return storageErr("create watch config", err)
		}
	}
	return nil
}

func (r *Repository) UpdateWatchConfig(ctx context.Context, cfg *model.WatchConfig) error {
	if err := r.db.WithContext(ctx).Save(cfg).Error; err != nil {
		return storageErr("update watch config", err)
	}
	return nil
}

// DeleteWatchConfig removes the config and its watermark.
func (r *Repository) DeleteWatchConfig(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&model.WatchConfig{}, id)
	if res.Error != nil {
		return storageErr("delete watch config", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	if err := r.db.WithContext(ctx).Delete(&model.Watermark{}, "watch_config_id = ?", id).Error; err != nil {
		return storageErr("delete watermark", err)
	}
	return nil
}
