package repository

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm/clause"

	"gmail-webhook-relay/internal/model"
)

// ProcessedEmailFilter narrows ListProcessedEmails.
type ProcessedEmailFilter struct {
	Page     int
	PageSize int
	Status   string // "success", "failed" or empty
	Search   string
	Days     int
}

// ClaimProcessedEmail inserts rec unless a record with the same message id exists.
// It returns true only for the call that created the row.
func (r *Repository) ClaimProcessedEmail(ctx context.Context, rec *model.ProcessedEmail) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "message_id"}}, DoNothing: true}).
		Create(rec)
	if res.Error != nil {
		return false, storageErr("claim processed email", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// CompleteProcessedEmail records the dispatch outcome on a claimed row. A row is completed once.
func (r *Repository) CompleteProcessedEmail(ctx context.Context, rec *model.ProcessedEmail) error {
	res := r.db.WithContext(ctx).Model(&model.ProcessedEmail{}).
		Where("message_id = ? AND completed = ?", rec.MessageID, false).
		Updates(map[string]interface{}{
			"processed_at":           rec.ProcessedAt,
			"forwarded_successfully": rec.ForwardedSuccessfully,
			"status_code":            rec.StatusCode,
			"response_snippet":       rec.ResponseSnippet,
			"body_snippet":           rec.BodySnippet,
			"completed":              true,
		})
	if res.Error != nil {
		return storageErr("complete processed email", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	rec.Completed = true
	return nil
}

// ReleaseProcessedEmail drops a claim that has not been completed.
func (r *Repository) ReleaseProcessedEmail(ctx context.Context, messageID string) error {
	err := r.db.WithContext(ctx).
		Where("message_id = ? AND completed = ?", messageID, false).
		Delete(&model.ProcessedEmail{}).Error
	return storageErr("release processed email", err)
}

// IsEmailProcessed reports whether a record exists for messageID.
func (r *Repository) IsEmailProcessed(ctx context.Context, messageID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&model.ProcessedEmail{}).Where("message_id = ?", messageID).Count(&count).Error; err != nil {
		return false, storageErr("check processed email", err)
	}
	return count > 0, nil
}

func (r *Repository) GetProcessedEmail(ctx context.Context, id uint) (*model.ProcessedEmail, error) {
	var rec model.ProcessedEmail
	if err := r.db.WithContext(ctx).First(&rec, id).Error; err != nil {
		return nil, storageErr("get processed email", err)
	}
	return &rec, nil
}

// ListProcessedEmails returns one page, newest first, and the total matching count.
func (r *Repository) ListProcessedEmails(ctx context.Context, f ProcessedEmailFilter) ([]model.ProcessedEmail, int64, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = 20
	}
	if f.PageSize > 100 {
		f.PageSize = 100
	}

	q := r.db.WithContext(ctx).Model(&model.ProcessedEmail{})
	switch f.Status {
	case "success":
		q = q.Where("forwarded_successfully = ?", true)
	case "failed":
		q = q.Where("forwarded_successfully = ?", false)
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		like := "%" + strings.ToLower(s) + "%"
		q = q.Where("LOWER(subject) LIKE ? OR LOWER(sender) LIKE ? OR LOWER(body_snippet) LIKE ?", like, like, like)
	}
	if f.Days > 0 {
		q = q.Where("processed_at >= ?", time.Now().UTC().AddDate(0, 0, -f.Days))
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, storageErr("count processed emails", err)
	}

	var records []model.ProcessedEmail
	err := q.Order("processed_at DESC").Order("id DESC").
		Offset((f.Page - 1) * f.PageSize).Limit(f.PageSize).
		Find(&records).Error
	if err != nil {
		return nil, 0, storageErr("list processed emails", err)
	}
	return records, total, nil
}

// RecentProcessedEmails returns the newest limit records.
func (r *Repository) RecentProcessedEmails(ctx context.Context, limit int) ([]model.ProcessedEmail, error) {
	var records []model.ProcessedEmail
	if err := r.db.WithContext(ctx).Order("processed_at DESC").Order("id DESC").Limit(limit).Find(&records).Error; err != nil {
		return nil, storageErr("list recent processed emails", err)
	}
	return records, nil
}

func (r *Repository) DeleteProcessedEmail(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Delete(&model.ProcessedEmail{}, id)
	if res.Error != nil {
		return storageErr("delete processed email", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ClearAllProcessedEmails hard-deletes every audit record. Watermarks are left untouched.
func (r *Repository) ClearAllProcessedEmails(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("1 = 1").Delete(&model.ProcessedEmail{})
	if res.Error != nil {
		return 0, storageErr("clear processed emails", res.Error)
	}
	return res.RowsAffected, nil
}
