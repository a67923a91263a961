package services

import (
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"pb-catalog/models"
)

// refreshStateKey ist der Singleton-Schlüssel der RefreshState-Zeile.
const refreshStateKey = "pb"

// RefreshSignal kapselt die Cache-Invalidierungs-Signatur: ein einzelner
// Zeitstempel, den alle Read-Caches mit ihrer gespeicherten Signatur vergleichen.
type RefreshSignal struct {
	DB *gorm.DB
}

// Signature liefert last_completed_at als ISO-8601-String oder "" wenn noch
// kein Refresh gelaufen ist. Nanosekunden-Auflösung, damit auch Läufe innerhalb
// derselben Sekunde den Cache invalidieren.
func (r *RefreshSignal) Signature() string {
	var rs models.RefreshState
	if err := r.DB.First(&rs, "key = ?", refreshStateKey).Error; err != nil {
		return ""
	}
	if rs.LastCompletedAt == nil {
		return ""
	}
	return rs.LastCompletedAt.UTC().Format(time.RFC3339Nano)
}

// Touch setzt last_refresh_at/last_completed_at innerhalb der übergebenen
// Transaktion, damit Signatur und Datenänderung atomar sichtbar werden.
// Nur der Batch-Refresh ruft Touch auf: last_refresh_at ist dessen
// Skip-Wasserlinie und darf durch nichts anderes vorrücken.
func Touch(tx *gorm.DB, startedAt, completedAt time.Time) error {
	rs := models.RefreshState{
		Key:             refreshStateKey,
		LastRefreshAt:   &startedAt,
		LastCompletedAt: &completedAt,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_refresh_at", "last_completed_at"}),
	}).Create(&rs).Error
}

// TouchCompleted setzt ausschließlich last_completed_at (die Cache-Signatur).
// Interaktive Mutationen (Ingest/Replace/Delete) nutzen das, ohne die
// Batch-Wasserlinie zu berühren.
func TouchCompleted(tx *gorm.DB, completedAt time.Time) error {
	rs := models.RefreshState{
		Key:             refreshStateKey,
		LastCompletedAt: &completedAt,
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_completed_at"}),
	}).Create(&rs).Error
}

// LastRefreshAt liefert den Start des letzten Laufs (für den Skip-Vergleich im Batch).
func (r *RefreshSignal) LastRefreshAt() *time.Time {
	var rs models.RefreshState
	if err := r.DB.First(&rs, "key = ?", refreshStateKey).Error; err != nil {
		return nil
	}
	return rs.LastRefreshAt
}
