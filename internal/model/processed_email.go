package model

import "time"

// ProcessedEmail is the dedup and audit record for one claimed message.
// The unique index on MessageID is the claim.
type ProcessedEmail struct {
	ID                    uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	MessageID             string    `json:"message_id" gorm:"type:varchar(255);not null;uniqueIndex"`
	WatchConfigID         uint      `json:"watch_config_id" gorm:"index"`
	Sender                string    `json:"sender" gorm:"type:varchar(512)"`
	Subject               string    `json:"subject" gorm:"type:varchar(1024)"`
	ReceivedAt            time.Time `json:"received_at"`
	ProcessedAt           time.Time `json:"processed_at" gorm:"index"`
	ForwardedSuccessfully bool      `json:"forwarded_successfully" gorm:"default:false;index"`
	StatusCode            int       `json:"status_code"`
	ResponseSnippet       string    `json:"response_snippet" gorm:"type:text"`
	BodySnippet           string    `json:"body_snippet" gorm:"type:text"`
	Completed             bool      `json:"completed" gorm:"default:false"`
}

// TableName specifies the table name for ProcessedEmail
func (ProcessedEmail) TableName() string {
	return "processed_emails"
}
