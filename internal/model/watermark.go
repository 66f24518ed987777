package model

import "time"

// Watermark marks the newest message already scanned for one WatchConfig.
// Position is provider specific: an IMAP UID, or a Gmail internal date in
// milliseconds with the message id in Ref as a tiebreaker.
type Watermark struct {
	WatchConfigID uint      `json:"watch_config_id" gorm:"primaryKey;autoIncrement:false"`
	Position      int64     `json:"position" gorm:"not null;default:0"`
	Ref           string    `json:"ref" gorm:"type:varchar(255)"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName specifies the table name for Watermark
func (Watermark) TableName() string {
	return "watermarks"
}
