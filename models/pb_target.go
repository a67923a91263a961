package models

// PBTarget ist ein Zielgruppen-Token einer Dateiversion, analog zu PBCategory.
type PBTarget struct {
	ID          uint   `json:"id" gorm:"primaryKey"`
	FileID      uint   `json:"file_id" gorm:"not null;index"`
	Value       string `json:"value" gorm:"size:255;not null"`
	Norm        string `json:"norm" gorm:"size:255;not null;index"`
	CountInFile int    `json:"count_in_file" gorm:"default:1"`
	IsActive    bool   `json:"is_active" gorm:"default:true;index"`
}

// TableName gibt explizit den Tabellennamen an.
func (PBTarget) TableName() string {
	return "pb_targets"
}
