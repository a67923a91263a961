package models

// PBComment ist ein einzelner Kommentar aus META["comment"], 1-basiert nummeriert
// in Quellreihenfolge. is_active spiegelt is_current der zugehörigen Datei.
type PBComment struct {
	ID       uint   `json:"id" gorm:"primaryKey"`
	FileID   uint   `json:"file_id" gorm:"not null;index;uniqueIndex:uq_pb_comments_file_idx,priority:1"`
	Idx      int    `json:"idx" gorm:"not null;uniqueIndex:uq_pb_comments_file_idx,priority:2"`
	Text     string `json:"text" gorm:"type:text;not null"`
	IsActive bool   `json:"is_active" gorm:"default:true;index"`
}

// TableName gibt explizit den Tabellennamen an.
func (PBComment) TableName() string {
	return "pb_comments"
}
