package model

import "time"

// WatchConfig describes one mailbox-monitoring rule.
type WatchConfig struct {
	ID                   uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	EmailAddress         string    `json:"email_address" gorm:"type:varchar(255);not null;index"`
	FilterSubject        string    `json:"filter_subject" gorm:"type:varchar(255)"`
	FilterSender         string    `json:"filter_sender" gorm:"type:varchar(255)"`
	CheckIntervalSeconds int       `json:"check_interval_seconds" gorm:"not null;default:60"`
	Active               bool      `json:"active" gorm:"default:true;index"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// TableName specifies the table name for WatchConfig
func (WatchConfig) TableName() string {
	return "watch_configs"
}

// Interval returns the poll interval, raised to min when the stored value is lower.
func (w WatchConfig) Interval(min time.Duration) time.Duration {
	d := time.Duration(w.CheckIntervalSeconds) * time.Second
	if d < min {
		return min
	}
	return d
}
