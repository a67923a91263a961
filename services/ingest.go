package services

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"pb-catalog/config"
	"pb-catalog/models"
	"pb-catalog/pbfile"
	"pb-catalog/storage"
)

// ParseError kapselt einen Parse-Fehler samt Dateinamen; die Ursache bleibt
// für die Operator-Diagnose unverändert erhalten.
type ParseError struct {
	FileName string
	Err      error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.FileName, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ConflictDetails beschreibt den existierenden Current-Record bei einem
// Ingest-Konflikt (Zwei-Phasen-Bestätigung).
type ConflictDetails struct {
	ExistingID  uint      `json:"existing_id"`
	FileName    string    `json:"file_name"`
	WebpageName string    `json:"webpage_name"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// IngestResult ist das Ergebnis einer interaktiven Ingestion.
type IngestResult struct {
	ID              uint             `json:"id,omitempty"`
	RequiresConfirm bool             `json:"requires_confirm"`
	Conflict        *ConflictDetails `json:"conflict,omitempty"`
}

// RefreshSummary ist die strukturierte Zusammenfassung eines Batch-Laufs.
type RefreshSummary struct {
	Processed       int     `json:"processed"`
	Skipped         int     `json:"skipped"`
	Failed          int     `json:"failed"`
	Total           int     `json:"total"`
	LastRefreshPrev *string `json:"last_refresh_prev"`
	RefreshedAt     string  `json:"refreshed_at"`
}

// IngestService orchestriert Parsing, Versionierung und Archivierung.
// Es wird systemweit höchstens ein aktiver Ingest-Writer angenommen;
// Leser sehen ausschließlich is_current=true Zeilen.
type IngestService struct {
	Config *config.Config
	DB     *gorm.DB
	Store  *storage.FileStore
	Logger *zap.Logger
	Signal *RefreshSignal
}

// NewIngestService erstellt eine neue Instanz des IngestService.
func NewIngestService(cfg *config.Config, db *gorm.DB, store *storage.FileStore, logger *zap.Logger) *IngestService {
	return &IngestService{
		Config: cfg,
		DB:     db,
		Store:  store,
		Logger: logger,
		Signal: &RefreshSignal{DB: db},
	}
}

// parseAndDerive parst die Datei und berechnet das Tile. Scheitert das Parsen,
// wird nichts mutiert.
func (s *IngestService) parseAndDerive(path string) (*pbfile.Raw, *pbfile.Tile, error) {
	raw, err := pbfile.ParseFile(path)
	if err != nil {
		return nil, nil, &ParseError{FileName: filepath.Base(path), Err: err}
	}
	return raw, pbfile.DeriveTile(raw, path), nil
}

// buildRecord füllt einen PBFile-Datensatz aus dem Tile.
func buildRecord(tile *pbfile.Tile, path string, mtime time.Time) *models.PBFile {
	id := pbfile.Identity{Country: tile.Country, Unit: tile.Unit, Instance: tile.Instance, Subunit: tile.Subunit}
	return &models.PBFile{
		FileName:            tile.FileName,
		Path:                path,
		Country:             tile.Country,
		Unit:                tile.Unit,
		Instance:            tile.Instance,
		Subunit:             tile.Subunit,
		WebpageName:         tile.WebpageName,
		GroupKey:            id.GroupKey(),
		Year:                tile.Year,
		Description:         tile.Description,
		Currency:            tile.Currency,
		NumVotes:            tile.NumVotes,
		NumProjects:         tile.NumProjects,
		NumSelectedProjects: tile.NumSelectedProjects,
		Budget:              tile.Budget,
		VoteType:            tile.VoteType,
		VoteLength:          tile.VoteLength,
		VoteRuleLabel:       tile.VoteRuleLabel,
		Knapsack:            tile.Knapsack,
		FullyFunded:         tile.FullyFunded,
		HasSelectedCol:      tile.HasSelectedCol,
		Experimental:        tile.Experimental,
		RuleRaw:             tile.RuleRaw,
		Edition:             tile.Edition,
		Language:            tile.Language,
		Quality:             tile.Quality,
		HasGeo:              tile.HasGeo,
		HasCategory:         tile.HasCategory,
		HasTarget:           tile.HasTarget,
		FileMtime:           mtime.Truncate(time.Second),
		IngestedAt:          time.Now().UTC(),
		IsCurrent:           true,
	}
}

// insertChildren legt Kommentar-, Kategorie- und Target-Zeilen zur Dateiversion an.
func insertChildren(tx *gorm.DB, fileID uint, tile *pbfile.Tile) error {
	for i, text := range tile.Comments {
		c := models.PBComment{FileID: fileID, Idx: i + 1, Text: text, IsActive: true}
		if err := tx.Create(&c).Error; err != nil {
			return err
		}
	}
	for norm, cnt := range tile.CategoryCounts {
		cat := models.PBCategory{FileID: fileID, Value: tile.CategoryDisplay[norm], Norm: norm, CountInFile: cnt, IsActive: true}
		if err := tx.Create(&cat).Error; err != nil {
			return err
		}
	}
	for norm, cnt := range tile.TargetCounts {
		tgt := models.PBTarget{FileID: fileID, Value: tile.TargetDisplay[norm], Norm: norm, CountInFile: cnt, IsActive: true}
		if err := tx.Create(&tgt).Error; err != nil {
			return err
		}
	}
	return nil
}

// setChildrenActive synchronisiert is_active der Kind-Zeilen mit is_current des Parents.
func setChildrenActive(tx *gorm.DB, fileID uint, active bool) error {
	if err := tx.Model(&models.PBComment{}).Where("file_id = ?", fileID).Update("is_active", active).Error; err != nil {
		return err
	}
	if err := tx.Model(&models.PBCategory{}).Where("file_id = ?", fileID).Update("is_active", active).Error; err != nil {
		return err
	}
	return tx.Model(&models.PBTarget{}).Where("file_id = ?", fileID).Update("is_active", active).Error
}

// Ingest verarbeitet eine einzelne hochgeladene Datei. Existiert bereits ein
// Current-Record für dieselbe Identität (webpage_name) und confirm ist false,
// wird kein Zustand verändert und RequiresConfirm zurückgemeldet.
//
// Reihenfolge bei bestätigter Supersession: erst Filesystem-Moves, dann eine
// DB-Transaktion; scheitert die Transaktion, werden die Moves rückgängig gemacht.
func (s *IngestService) Ingest(path string, confirm bool) (*IngestResult, error) {
	log := s.Logger.With(zap.String("file", filepath.Base(path)))

	_, tile, err := s.parseAndDerive(path)
	if err != nil {
		return nil, err
	}

	var prev models.PBFile
	hasPrev := false
	if tile.WebpageName != "" {
		err := s.DB.Where("webpage_name = ? AND is_current = ?", tile.WebpageName, true).First(&prev).Error
		switch {
		case err == nil:
			hasPrev = true
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return nil, err
		}
	}

	if hasPrev && !confirm {
		log.Info("Ingest-Konflikt, Bestätigung erforderlich",
			zap.String("webpage_name", tile.WebpageName), zap.Uint("existing_id", prev.ID))
		return &IngestResult{
			RequiresConfirm: true,
			Conflict: &ConflictDetails{
				ExistingID:  prev.ID,
				FileName:    prev.FileName,
				WebpageName: prev.WebpageName,
				IngestedAt:  prev.IngestedAt,
			},
		}, nil
	}

	now := time.Now().UTC()

	// Filesystem zuerst: altes Artefakt archivieren, neues in den Store.
	var archivedPath string
	if hasPrev {
		archivedPath, err = s.Store.Archive(prev.Path, "replaced_", now)
		if err != nil {
			return nil, err
		}
	}
	destPath, err := s.Store.MoveIntoStore(path, tile.FileName)
	if err != nil {
		if hasPrev {
			if _, rerr := s.Store.Restore(archivedPath); rerr != nil {
				log.Error("Rollback des Archiv-Moves fehlgeschlagen", zap.Error(rerr))
			}
		}
		return nil, err
	}

	// Kompensation: Moves zurückdrehen, damit DB und Platte konsistent bleiben.
	rollbackMoves := func() {
		if rerr := os.Rename(destPath, path); rerr != nil {
			log.Error("Rollback des Store-Moves fehlgeschlagen", zap.Error(rerr))
		}
		if hasPrev {
			if _, rerr := s.Store.Restore(archivedPath); rerr != nil {
				log.Error("Rollback des Archiv-Moves fehlgeschlagen", zap.Error(rerr))
			}
		}
	}

	st, err := os.Stat(destPath)
	if err != nil {
		rollbackMoves()
		return nil, err
	}
	rec := buildRecord(tile, destPath, st.ModTime())
	if hasPrev {
		rec.SupersedesID = &prev.ID
	}

	txErr := s.DB.Transaction(func(tx *gorm.DB) error {
		if hasPrev {
			if err := tx.Model(&models.PBFile{}).Where("id = ?", prev.ID).
				Updates(map[string]interface{}{"is_current": false, "path": archivedPath}).Error; err != nil {
				return err
			}
			if err := setChildrenActive(tx, prev.ID, false); err != nil {
				return err
			}
		}
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		if err := insertChildren(tx, rec.ID, tile); err != nil {
			return err
		}
		return TouchCompleted(tx, time.Now().UTC())
	})
	if txErr != nil {
		rollbackMoves()
		return nil, txErr
	}

	if hasPrev {
		log.Info("Version ersetzt", zap.Uint("superseded_id", prev.ID), zap.Uint("new_id", rec.ID))
	} else {
		log.Info("Neue Datei ingestiert", zap.Uint("id", rec.ID))
	}
	return &IngestResult{ID: rec.ID}, nil
}

// Replace ist eine bestätigte Re-Ingestion, die den bestehenden file_name
// beibehält und nur den Inhalt austauscht.
func (s *IngestService) Replace(existingName, tmpPath string) (*IngestResult, error) {
	log := s.Logger.With(zap.String("file", existingName))

	var prev models.PBFile
	if err := s.DB.Where("file_name = ? AND is_current = ?", existingName, true).First(&prev).Error; err != nil {
		return nil, err
	}

	_, tile, err := s.parseAndDerive(tmpPath)
	if err != nil {
		return nil, err
	}
	tile.FileName = existingName

	now := time.Now().UTC()
	archivedPath, err := s.Store.Archive(prev.Path, "replaced_", now)
	if err != nil {
		return nil, err
	}
	destPath, err := s.Store.MoveIntoStore(tmpPath, existingName)
	if err != nil {
		if _, rerr := s.Store.Restore(archivedPath); rerr != nil {
			log.Error("Rollback des Archiv-Moves fehlgeschlagen", zap.Error(rerr))
		}
		return nil, err
	}

	rollbackMoves := func() {
		if rerr := os.Rename(destPath, tmpPath); rerr != nil {
			log.Error("Rollback des Store-Moves fehlgeschlagen", zap.Error(rerr))
		}
		if _, rerr := s.Store.Restore(archivedPath); rerr != nil {
			log.Error("Rollback des Archiv-Moves fehlgeschlagen", zap.Error(rerr))
		}
	}

	st, err := os.Stat(destPath)
	if err != nil {
		rollbackMoves()
		return nil, err
	}
	rec := buildRecord(tile, destPath, st.ModTime())
	rec.SupersedesID = &prev.ID

	txErr := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.PBFile{}).Where("id = ?", prev.ID).
			Updates(map[string]interface{}{"is_current": false, "path": archivedPath}).Error; err != nil {
			return err
		}
		if err := setChildrenActive(tx, prev.ID, false); err != nil {
			return err
		}
		if err := tx.Create(rec).Error; err != nil {
			return err
		}
		if err := insertChildren(tx, rec.ID, tile); err != nil {
			return err
		}
		return TouchCompleted(tx, time.Now().UTC())
	})
	if txErr != nil {
		rollbackMoves()
		return nil, txErr
	}

	log.Info("Inhalt ersetzt", zap.Uint("superseded_id", prev.ID), zap.Uint("new_id", rec.ID))
	return &IngestResult{ID: rec.ID}, nil
}

// Delete markiert alle Current-Records einer Identität als nicht-current
// (Soft-Delete) und archiviert deren Dateien best-effort: der DB-Zustand wird
// auch dann aktualisiert, wenn der Filesystem-Move scheitert.
func (s *IngestService) Delete(webpageName string) (int, error) {
	log := s.Logger.With(zap.String("webpage_name", webpageName))

	var rows []models.PBFile
	if err := s.DB.Where("webpage_name = ? AND is_current = ?", webpageName, true).Find(&rows).Error; err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	txErr := s.DB.Transaction(func(tx *gorm.DB) error {
		for _, r := range rows {
			if err := tx.Model(&models.PBFile{}).Where("id = ?", r.ID).Update("is_current", false).Error; err != nil {
				return err
			}
			if err := setChildrenActive(tx, r.ID, false); err != nil {
				return err
			}
		}
		return TouchCompleted(tx, time.Now().UTC())
	})
	if txErr != nil {
		return 0, txErr
	}

	for _, r := range rows {
		archived, err := s.Store.Archive(r.Path, "", now)
		if err != nil {
			log.Warn("Archivierung fehlgeschlagen", zap.String("path", r.Path), zap.Error(err))
			continue
		}
		if err := s.DB.Model(&models.PBFile{}).Where("id = ?", r.ID).Update("path", archived).Error; err != nil {
			log.Warn("Pfad-Update nach Archivierung fehlgeschlagen", zap.Uint("id", r.ID), zap.Error(err))
		}
	}

	log.Info("Dateien gelöscht (soft)", zap.Int("count", len(rows)))
	return len(rows), nil
}

// Refresh verarbeitet alle Dateien im kanonischen Verzeichnis als Batch.
// Per-File-Fehler werden gezählt und geloggt, brechen den Lauf aber nicht ab.
// full=true ignoriert den Zeitstempel des letzten Laufs.
func (s *IngestService) Refresh(full bool) (*RefreshSummary, error) {
	files, err := s.Store.ListPBFiles()
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var last *time.Time
	if !full {
		last = s.Signal.LastRefreshAt()
	}

	summary := &RefreshSummary{Total: len(files), RefreshedAt: now.Format(time.RFC3339)}
	if last != nil {
		iso := last.UTC().Format(time.RFC3339)
		summary.LastRefreshPrev = &iso
	}
	s.Logger.Info("Starte Refresh", zap.Int("files", len(files)), zap.Bool("full", full))

	touched := map[string]struct{}{}
	// Dateien ohne Identität werden pro file_name repariert statt über den
	// leeren webpage_name zusammenzufallen.
	orphans := map[string]struct{}{}

	for _, path := range files {
		name := filepath.Base(path)
		st, err := os.Stat(path)
		if err != nil {
			summary.Failed++
			s.Logger.Error("Stat fehlgeschlagen", zap.String("file", name), zap.Error(err))
			continue
		}
		mtime := st.ModTime().Truncate(time.Second)
		if last != nil && !mtime.After(*last) {
			summary.Skipped++
			continue
		}

		_, tile, err := s.parseAndDerive(path)
		if err != nil {
			summary.Failed++
			s.Logger.Error("Datei übersprungen", zap.String("file", name), zap.Error(err))
			continue
		}

		rec := buildRecord(tile, path, mtime)
		txErr := s.DB.Transaction(func(tx *gorm.DB) error {
			if tile.WebpageName != "" {
				var prev models.PBFile
				err := tx.Where("webpage_name = ? AND is_current = ?", tile.WebpageName, true).First(&prev).Error
				if err == nil {
					rec.SupersedesID = &prev.ID
				} else if !errors.Is(err, gorm.ErrRecordNotFound) {
					return err
				}
			}
			if err := tx.Create(rec).Error; err != nil {
				return err
			}
			return insertChildren(tx, rec.ID, tile)
		})
		if txErr != nil {
			summary.Failed++
			s.Logger.Error("Insert fehlgeschlagen", zap.String("file", name), zap.Error(txErr))
			continue
		}
		if tile.WebpageName != "" {
			touched[tile.WebpageName] = struct{}{}
		} else {
			orphans[tile.FileName] = struct{}{}
		}
		summary.Processed++
	}

	// Invariante reparieren, Verwaiste deaktivieren, Signatur setzen.
	present := map[string]struct{}{}
	for _, p := range files {
		present[filepath.Base(p)] = struct{}{}
	}
	txErr := s.DB.Transaction(func(tx *gorm.DB) error {
		for wn := range touched {
			if err := markGroupCurrent(tx, "webpage_name = ?", wn); err != nil {
				return err
			}
		}
		for fn := range orphans {
			if err := markGroupCurrent(tx, "webpage_name = '' AND file_name = ?", fn); err != nil {
				return err
			}
		}
		if err := s.sweepMissing(tx, present); err != nil {
			return err
		}
		return Touch(tx, now, time.Now().UTC())
	})
	if txErr != nil {
		return nil, txErr
	}

	s.Logger.Info("Refresh abgeschlossen",
		zap.Int("processed", summary.Processed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("failed", summary.Failed))
	return summary, nil
}

// markGroupCurrent stellt die Invariante her: innerhalb einer Gruppe ist genau
// die Zeile mit maximaler file_mtime (Ties: höchste id) current, alle anderen
// nicht. Kind-Zeilen werden mitgezogen.
func markGroupCurrent(tx *gorm.DB, query string, arg string) error {
	var rows []models.PBFile
	if err := tx.Where(query, arg).
		Order("file_mtime DESC, id DESC").Find(&rows).Error; err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	latestID := rows[0].ID
	for _, r := range rows {
		current := r.ID == latestID
		if r.IsCurrent != current {
			if err := tx.Model(&models.PBFile{}).Where("id = ?", r.ID).Update("is_current", current).Error; err != nil {
				return err
			}
		}
		if err := setChildrenActive(tx, r.ID, current); err != nil {
			return err
		}
	}
	return nil
}

// sweepMissing deaktiviert Current-Zeilen, deren Datei nicht mehr auf der
// Platte liegt (extern gelöschte Dateien).
func (s *IngestService) sweepMissing(tx *gorm.DB, present map[string]struct{}) error {
	var currents []models.PBFile
	if err := tx.Where("is_current = ?", true).Find(&currents).Error; err != nil {
		return err
	}
	for _, r := range currents {
		if _, ok := present[r.FileName]; ok {
			continue
		}
		if err := tx.Model(&models.PBFile{}).Where("id = ?", r.ID).Update("is_current", false).Error; err != nil {
			return err
		}
		if err := setChildrenActive(tx, r.ID, false); err != nil {
			return err
		}
		s.Logger.Warn("Backing-File fehlt, Record deaktiviert",
			zap.String("file", r.FileName), zap.Uint("id", r.ID))
	}
	return nil
}
