package repository

import (
	"context"

	"gmail-webhook-relay/internal/model"
)

// ListActiveWebhookTargets reads the current active set. Callers must not cache it.
func (r *Repository) ListActiveWebhookTargets(ctx context.Context) ([]model.WebhookTarget, error) {
	var targets []model.WebhookTarget
	if err := r.db.WithContext(ctx).Where("active = ?", true).Order("id").Find(&targets).Error; err != nil {
		return nil, storageErr("list active webhook targets", err)
	}
	return targets, nil
}

func (r *Repository) ListWebhookTargets(ctx context.Context) ([]model.WebhookTarget, error) {
	var targets []model.WebhookTarget
	if err := r.db.WithContext(ctx).Order("id").Find(&targets).Error; err != nil {
		return nil, storageErr("list webhook targets", err)
	}
	return targets, nil
}

func (r *Repository) GetWebhookTarget(ctx context.Context, id uint) (*model.WebhookTarget, error) {
	var target model.WebhookTarget
	if err := r.db.WithContext(ctx).First(&target, id).Error; err != nil {
		return nil, storageErr("get webhook target", err)
	}
	return &target, nil
}

func (r *Repository) CreateWebhookTarget(ctx context.Context, target *model.WebhookTarget) error {
	if err := r.db.WithContext(ctx).Create(target).Error; err != nil {
		return storageErr("create webhook target", err)
	}
	if !target.Active {
		if err := r.db.WithContext(ctx).Model(target).Update("active", false).Error; err != nil {
			return storageErr("create webhook target", err)
		}
	}
	return nil
}

func (r *Repository) UpdateWebhookTarget(ctx context.Context, target *model.WebhookTarget) error {
	if err := r.db.WithContext(ctx).Save(target).Error; err != nil {
		return storageErr("update webhook target", err)
	}
	return nil
}

func (r *Repository) DeleteWebhookTarget(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&model.WebhookTarget{}, id)
	if res.Error != nil {
		return storageErr("delete webhook target", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
