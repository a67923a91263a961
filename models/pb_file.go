package models

import (
	"time"
)

// PBFile repräsentiert eine ingestierte Version einer PB-Datei samt aller
// abgeleiteten Katalog-Felder. Pro Identität (webpage_name) ist höchstens
// eine Zeile is_current=true.
type PBFile struct {
	ID        uint      `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	FileName string `json:"file_name" gorm:"size:255;not null"`
	Path     string `json:"path" gorm:"size:512;not null"`

	// Identität
	Country     string `json:"country,omitempty" gorm:"size:120;index"`
	Unit        string `json:"unit,omitempty" gorm:"size:255"`
	Instance    string `json:"instance,omitempty" gorm:"size:120"`
	Subunit     string `json:"subunit,omitempty" gorm:"size:255"`
	WebpageName string `json:"webpage_name,omitempty" gorm:"size:512;index"`
	GroupKey    string `json:"group_key" gorm:"size:191;index:idx_pb_files_group_current,priority:1"`

	// Abgeleitete Katalog-Felder
	Year                *int     `json:"year,omitempty"`
	Description         string   `json:"description,omitempty" gorm:"type:text"`
	Currency            string   `json:"currency,omitempty" gorm:"size:16"`
	NumVotes            int      `json:"num_votes"`
	NumProjects         int      `json:"num_projects"`
	NumSelectedProjects *int     `json:"num_selected_projects,omitempty"`
	Budget              *int64   `json:"budget,omitempty"`
	VoteType            string   `json:"vote_type,omitempty" gorm:"size:64;index"`
	VoteLength          *float64 `json:"vote_length,omitempty"`
	VoteRuleLabel       string   `json:"vote_rule_label,omitempty" gorm:"size:64"`
	Knapsack            bool     `json:"knapsack" gorm:"default:false"`
	FullyFunded         bool     `json:"fully_funded" gorm:"default:false"`
	HasSelectedCol      bool     `json:"has_selected_col" gorm:"default:false"`
	Experimental        bool     `json:"experimental" gorm:"default:false"`
	RuleRaw             string   `json:"rule_raw,omitempty" gorm:"size:255"`
	Edition             string   `json:"edition,omitempty" gorm:"size:64"`
	Language            string   `json:"language,omitempty" gorm:"size:32"`
	Quality             float64  `json:"quality"`
	HasGeo              bool     `json:"has_geo" gorm:"default:false"`
	HasCategory         bool     `json:"has_category" gorm:"default:false"`
	HasTarget           bool     `json:"has_target" gorm:"default:false"`

	// Versionierung
	FileMtime    time.Time `json:"file_mtime" gorm:"not null"`
	IngestedAt   time.Time `json:"ingested_at" gorm:"not null"`
	IsCurrent    bool      `json:"is_current" gorm:"default:true;index;index:idx_pb_files_group_current,priority:2"`
	SupersedesID *uint     `json:"supersedes_id,omitempty"`
}

// TableName gibt explizit den Tabellennamen an.
func (PBFile) TableName() string {
	return "pb_files"
}
