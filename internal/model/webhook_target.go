package model

import "time"

// DefaultContentType is used when a WebhookTarget has no content type set.
const DefaultContentType = "application/json"

// WebhookTarget is one forwarding destination.
type WebhookTarget struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Name        string    `json:"name" gorm:"type:varchar(255);not null"`
	URL         string    `json:"url" gorm:"type:varchar(2048);not null"`
	Active      bool      `json:"active" gorm:"default:true;index"`
	ContentType string    `json:"content_type" gorm:"type:varchar(255);default:'application/json'"`
	SendRawBody bool      `json:"send_raw_body" gorm:"default:false"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName specifies the table name for WebhookTarget
func (WebhookTarget) TableName() string {
	return "webhook_targets"
}

// EffectiveContentType returns the content type sent with deliveries.
func (w WebhookTarget) EffectiveContentType() string {
	if w.ContentType == "" {
		return DefaultContentType
	}
	return w.ContentType
}
