package models

import "time"

// RefreshState ist die Singleton-Zeile (key="pb"), deren last_completed_at als
// Invalidierungs-Signatur für alle Read-Caches dient.
type RefreshState struct {
	Key             string     `json:"key" gorm:"primaryKey;size:50"`
	LastRefreshAt   *time.Time `json:"last_refresh_at,omitempty"`
	LastCompletedAt *time.Time `json:"last_completed_at,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (RefreshState) TableName() string {
	return "refresh_state"
}
