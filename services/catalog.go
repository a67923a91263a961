package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"pb-catalog/models"
)

// TileView ist die API-Repräsentation einer Current-Datei: Rohwerte plus
// vorformatierte Strings, damit Clients nichts nachformatieren müssen.
type TileView struct {
	ID          uint   `json:"id"`
	FileName    string `json:"file_name"`
	Title       string `json:"title"`
	WebpageName string `json:"webpage_name"`

	Country  string `json:"country,omitempty"`
	Unit     string `json:"unit,omitempty"`
	Instance string `json:"instance,omitempty"`
	Subunit  string `json:"subunit,omitempty"`
	Year     *int   `json:"year,omitempty"`

	Description string `json:"description,omitempty"`
	Currency    string `json:"currency,omitempty"`
	VoteType    string `json:"vote_type,omitempty"`
	RuleRaw     string `json:"rule,omitempty"`
	Edition     string `json:"edition,omitempty"`
	Language    string `json:"language,omitempty"`

	NumVotes             int    `json:"num_votes"`
	NumVotesFormatted    string `json:"num_votes_formatted"`
	NumProjects          int    `json:"num_projects"`
	NumProjectsFormatted string `json:"num_projects_formatted"`
	NumSelectedProjects  *int   `json:"num_selected_projects,omitempty"`
	Budget               *int64 `json:"budget,omitempty"`
	BudgetFormatted      string `json:"budget_formatted,omitempty"`

	VoteLength          *float64 `json:"vote_length,omitempty"`
	VoteLengthFormatted string   `json:"vote_length_formatted"`
	VoteRuleLabel       string   `json:"vote_rule_label,omitempty"`
	Knapsack            bool     `json:"knapsack"`

	FullyFunded  bool    `json:"fully_funded"`
	Experimental bool    `json:"experimental"`
	Quality      float64 `json:"quality"`
	HasGeo       bool    `json:"has_geo"`

	Categories []string `json:"categories,omitempty"`
	Targets    []string `json:"targets,omitempty"`
}

// CommentEntry ist ein Kommentar im Aggregations-Ergebnis.
type CommentEntry struct {
	FileName    string `json:"file_name"`
	WebpageName string `json:"webpage_name"`
	Idx         int    `json:"idx"`
	Text        string `json:"text"`
}

// CommentGroup fasst Kommentare unter einem Gruppierungsschlüssel zusammen.
type CommentGroup struct {
	Key      string         `json:"key"`
	Count    int            `json:"count"`
	Comments []CommentEntry `json:"comments"`
}

// Statistics ist die aggregierte Katalog-Statistik über alle Current-Dateien.
type Statistics struct {
	TotalFiles    int    `json:"total_files"`
	TotalVotes    int64  `json:"total_votes"`
	TotalVotesFmt string `json:"total_votes_formatted"`
	TotalProjects int64  `json:"total_projects"`

	BudgetsByCurrency map[string]string `json:"budgets_by_currency"`
	FilesByYear       map[int]int       `json:"files_by_year"`
	FilesByCountry    map[string]int    `json:"files_by_country"`
	FilesByUnit       map[string]int    `json:"files_by_unit"`
	FilesByVoteType   map[string]int    `json:"files_by_vote_type"`
}

// ErrNotCurrent wird für Downloads geliefert, deren Datei keinen Current-Record hat.
var ErrNotCurrent = errors.New("file has no current record")

// CatalogService ist die Lese-Seite des Katalogs. Alle Antworten werden unter
// der Refresh-Signatur gecacht und erst nach dem nächsten abgeschlossenen
// Ingest/Refresh neu aufgebaut.
type CatalogService struct {
	DB     *gorm.DB
	Logger *zap.Logger
	Signal *RefreshSignal

	tiles    Cached[[]TileView]
	comments Cached[map[string][]CommentGroup]
	stats    Cached[*Statistics]
}

// NewCatalogService erstellt eine neue Instanz des CatalogService.
func NewCatalogService(db *gorm.DB, logger *zap.Logger) *CatalogService {
	return &CatalogService{
		DB:     db,
		Logger: logger,
		Signal: &RefreshSignal{DB: db},
	}
}

// Tiles liefert alle Current-Dateien als Kacheln, absteigend nach Quality
// sortiert (Ties: Dateiname aufsteigend).
func (s *CatalogService) Tiles() ([]TileView, error) {
	return s.tiles.GetOrRebuild(s.Signal.Signature(), s.buildTiles)
}

func (s *CatalogService) buildTiles() ([]TileView, error) {
	var rows []models.PBFile
	if err := s.DB.Where("is_current = ?", true).
		Order("quality DESC, file_name ASC").Find(&rows).Error; err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, r.ID)
	}
	catsByFile, err := s.activeValues(&models.PBCategory{}, ids)
	if err != nil {
		return nil, err
	}
	tgtsByFile, err := s.activeValues(&models.PBTarget{}, ids)
	if err != nil {
		return nil, err
	}

	views := make([]TileView, 0, len(rows))
	for _, r := range rows {
		v := TileView{
			ID:                   r.ID,
			FileName:             r.FileName,
			Title:                strings.ReplaceAll(r.WebpageName, "_", " "),
			WebpageName:          r.WebpageName,
			Country:              r.Country,
			Unit:                 r.Unit,
			Instance:             r.Instance,
			Subunit:              r.Subunit,
			Year:                 r.Year,
			Description:          r.Description,
			Currency:             r.Currency,
			VoteType:             r.VoteType,
			RuleRaw:              r.RuleRaw,
			Edition:              r.Edition,
			Language:             r.Language,
			NumVotes:             r.NumVotes,
			NumVotesFormatted:    FormatInt(int64(r.NumVotes)),
			NumProjects:          r.NumProjects,
			NumProjectsFormatted: FormatInt(int64(r.NumProjects)),
			NumSelectedProjects:  r.NumSelectedProjects,
			Budget:               r.Budget,
			VoteLength:           r.VoteLength,
			VoteLengthFormatted:  FormatVoteLength(r.VoteLength),
			VoteRuleLabel:        r.VoteRuleLabel,
			Knapsack:             r.Knapsack,
			FullyFunded:          r.FullyFunded,
			Experimental:         r.Experimental,
			Quality:              r.Quality,
			HasGeo:               r.HasGeo,
			Categories:           catsByFile[r.ID],
			Targets:              tgtsByFile[r.ID],
		}
		if v.Title == "" {
			v.Title = strings.ReplaceAll(strings.TrimSuffix(r.FileName, ".pb"), "_", " ")
		}
		if r.Budget != nil {
			v.BudgetFormatted = FormatBudget(r.Currency, *r.Budget)
		}
		views = append(views, v)
	}
	return views, nil
}

// activeValues lädt die aktiven Display-Werte (Kategorien oder Targets) je Datei.
func (s *CatalogService) activeValues(model interface{}, fileIDs []uint) (map[uint][]string, error) {
	out := map[uint][]string{}
	if len(fileIDs) == 0 {
		return out, nil
	}
	type row struct {
		FileID uint
		Value  string
	}
	var rows []row
	if err := s.DB.Model(model).Select("file_id, value").
		Where("file_id IN ? AND is_active = ?", fileIDs, true).
		Order("file_id, value").Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, r := range rows {
		out[r.FileID] = append(out[r.FileID], r.Value)
	}
	return out, nil
}

// Comments liefert die aktiven Kommentare gruppiert nach level:
// "country", "unit" (country+unit) oder "instance" (country+unit+instance).
// Unbekannte Level fallen auf "country" zurück.
func (s *CatalogService) Comments(level string) ([]CommentGroup, error) {
	switch level {
	case "country", "unit", "instance":
	default:
		level = "country"
	}
	all, err := s.comments.GetOrRebuild(s.Signal.Signature(), s.buildComments)
	if err != nil {
		return nil, err
	}
	return all[level], nil
}

func (s *CatalogService) buildComments() (map[string][]CommentGroup, error) {
	type row struct {
		FileName    string
		WebpageName string
		Country     string
		Unit        string
		Instance    string
		Idx         int
		Text        string
	}
	var rows []row
	err := s.DB.Model(&models.PBComment{}).
		Select("pb_files.file_name, pb_files.webpage_name, pb_files.country, pb_files.unit, pb_files.instance, pb_comments.idx, pb_comments.text").
		Joins("JOIN pb_files ON pb_files.id = pb_comments.file_id").
		Where("pb_comments.is_active = ? AND pb_files.is_current = ?", true, true).
		Order("pb_files.file_name, pb_comments.idx").Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	keyed := map[string]map[string][]CommentEntry{
		"country": {}, "unit": {}, "instance": {},
	}
	for _, r := range rows {
		entry := CommentEntry{FileName: r.FileName, WebpageName: r.WebpageName, Idx: r.Idx, Text: r.Text}
		keys := map[string]string{
			"country":  displayKey(r.Country),
			"unit":     displayKey(r.Country, r.Unit),
			"instance": displayKey(r.Country, r.Unit, r.Instance),
		}
		for level, key := range keys {
			keyed[level][key] = append(keyed[level][key], entry)
		}
	}

	out := map[string][]CommentGroup{}
	for level, groups := range keyed {
		names := make([]string, 0, len(groups))
		for k := range groups {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, k := range names {
			out[level] = append(out[level], CommentGroup{Key: k, Count: len(groups[k]), Comments: groups[k]})
		}
	}
	return out, nil
}

// displayKey baut einen lesbaren Gruppierungsschlüssel aus nicht-leeren Teilen.
func displayKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		return "unknown"
	}
	return strings.Join(kept, " / ")
}

// Stats liefert die Katalog-Statistik über alle Current-Dateien.
func (s *CatalogService) Stats() (*Statistics, error) {
	return s.stats.GetOrRebuild(s.Signal.Signature(), s.buildStats)
}

func (s *CatalogService) buildStats() (*Statistics, error) {
	var rows []models.PBFile
	if err := s.DB.Where("is_current = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}

	stats := &Statistics{
		BudgetsByCurrency: map[string]string{},
		FilesByYear:       map[int]int{},
		FilesByCountry:    map[string]int{},
		FilesByUnit:       map[string]int{},
		FilesByVoteType:   map[string]int{},
	}
	budgetSums := map[string]int64{}
	for _, r := range rows {
		stats.TotalFiles++
		stats.TotalVotes += int64(r.NumVotes)
		stats.TotalProjects += int64(r.NumProjects)
		if r.Year != nil {
			stats.FilesByYear[*r.Year]++
		}
		if r.Country != "" {
			stats.FilesByCountry[r.Country]++
		}
		if r.Unit != "" {
			stats.FilesByUnit[fmt.Sprintf("%s / %s", r.Country, r.Unit)]++
		}
		if r.VoteType != "" {
			stats.FilesByVoteType[r.VoteType]++
		}
		if r.Budget != nil && r.Currency != "" {
			budgetSums[r.Currency] += *r.Budget
		}
	}
	for cur, sum := range budgetSums {
		stats.BudgetsByCurrency[cur] = FormatBudget(cur, sum)
	}
	stats.TotalVotesFmt = FormatShortNumber(float64(stats.TotalVotes))
	return stats, nil
}

// CurrentFilePath liefert den Plattenpfad der Current-Version zu fileName,
// ErrNotCurrent wenn die Datei nicht (mehr) current ist.
func (s *CatalogService) CurrentFilePath(fileName string) (string, error) {
	var rec models.PBFile
	err := s.DB.Where("file_name = ? AND is_current = ?", fileName, true).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotCurrent
	}
	if err != nil {
		return "", err
	}
	return rec.Path, nil
}

// ListFiles ist die Admin-Sicht: alle Versionen, optional nur Current.
func (s *CatalogService) ListFiles(currentOnly bool) ([]models.PBFile, error) {
	var rows []models.PBFile
	query := s.DB.Order("webpage_name, file_mtime DESC, id DESC")
	if currentOnly {
		query = query.Where("is_current = ?", true)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
