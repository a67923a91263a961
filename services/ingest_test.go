package services

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pb-catalog/config"
	"pb-catalog/models"
	"pb-catalog/storage"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "catalog.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.PBFile{},
		&models.PBComment{},
		&models.PBCategory{},
		&models.PBTarget{},
		&models.RefreshState{},
	))
	return db
}

func newTestIngest(t *testing.T) *IngestService {
	t.Helper()
	base := t.TempDir()
	store, err := storage.NewFileStore(filepath.Join(base, "pb_files"), filepath.Join(base, "pb_files_depreciated"))
	require.NoError(t, err)
	return NewIngestService(&config.Config{}, newTestDB(t), store, zap.NewNop())
}

func pbContent(country, unit, instance string, comment string) string {
	var b strings.Builder
	b.WriteString("META\nkey;value\n")
	fmt.Fprintf(&b, "country;%s\nunit;%s\ninstance;%s\n", country, unit, instance)
	b.WriteString("budget;4000000\ncurrency;PLN\nvote_type;approval\n")
	if comment != "" {
		fmt.Fprintf(&b, "comment;%s\n", comment)
	}
	b.WriteString("PROJECTS\nproject_id;cost;name;selected;category\n")
	b.WriteString("1;100000;Park benches;1;Education\n")
	b.WriteString("2;250000;Bike lanes;0;Sport\n")
	b.WriteString("VOTES\nvoter_id;vote\nv1;1\nv2;1,2\n")
	return b.String()
}

func writeUpload(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func currentByName(t *testing.T, db *gorm.DB, webpageName string) []models.PBFile {
	t.Helper()
	var rows []models.PBFile
	require.NoError(t, db.Where("webpage_name = ? AND is_current = ?", webpageName, true).Find(&rows).Error)
	return rows
}

func TestIngestFreshFile(t *testing.T) {
	svc := newTestIngest(t)

	src := writeUpload(t, "poland_warszawa_2023.pb",
		pbContent("Poland", "Warszawa", "2023", "#1: First note. #2: Second note."))
	result, err := svc.Ingest(src, false)
	require.NoError(t, err)
	assert.False(t, result.RequiresConfirm)
	require.NotZero(t, result.ID)

	// record is current and fully derived
	rows := currentByName(t, svc.DB, "Poland_Warszawa_2023")
	require.Len(t, rows, 1)
	rec := rows[0]
	assert.Equal(t, "poland_warszawa_2023.pb", rec.FileName)
	assert.Equal(t, "Poland", rec.Country)
	assert.Equal(t, 2, rec.NumVotes)
	assert.Equal(t, 2, rec.NumProjects)
	require.NotNil(t, rec.Budget)
	assert.Equal(t, int64(4000000), *rec.Budget)
	assert.Nil(t, rec.SupersedesID)

	// file landed in the canonical store
	assert.Equal(t, svc.Store.CanonicalPath("poland_warszawa_2023.pb"), rec.Path)
	_, err = os.Stat(rec.Path)
	assert.NoError(t, err)

	// children were created active
	var comments []models.PBComment
	require.NoError(t, svc.DB.Where("file_id = ?", rec.ID).Order("idx").Find(&comments).Error)
	require.Len(t, comments, 2)
	assert.Equal(t, 1, comments[0].Idx)
	assert.Equal(t, "First note", comments[0].Text)
	assert.True(t, comments[0].IsActive)

	var cats []models.PBCategory
	require.NoError(t, svc.DB.Where("file_id = ?", rec.ID).Find(&cats).Error)
	assert.Len(t, cats, 2)

	// refresh signature was touched
	sig := svc.Signal.Signature()
	assert.NotEmpty(t, sig)
}

func TestIngestConflictWithoutConfirm(t *testing.T) {
	svc := newTestIngest(t)

	first := writeUpload(t, "poland_warszawa_2023.pb", pbContent("Poland", "Warszawa", "2023", ""))
	_, err := svc.Ingest(first, false)
	require.NoError(t, err)
	sigBefore := svc.Signal.Signature()

	second := writeUpload(t, "poland_warszawa_2023.pb", pbContent("Poland", "Warszawa", "2023", "#1: updated"))
	result, err := svc.Ingest(second, false)
	require.NoError(t, err)
	assert.True(t, result.RequiresConfirm)
	require.NotNil(t, result.Conflict)
	assert.Equal(t, "Poland_Warszawa_2023", result.Conflict.WebpageName)

	// nothing changed: one current record, upload still at its source path
	var count int64
	require.NoError(t, svc.DB.Model(&models.PBFile{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
	_, err = os.Stat(second)
	assert.NoError(t, err)
	assert.Equal(t, sigBefore, svc.Signal.Signature())
}

func TestIngestConfirmedSupersession(t *testing.T) {
	svc := newTestIngest(t)

	first := writeUpload(t, "poland_warszawa_2023.pb", pbContent("Poland", "Warszawa", "2023", "#1: old"))
	res1, err := svc.Ingest(first, false)
	require.NoError(t, err)

	second := writeUpload(t, "poland_warszawa_2023.pb", pbContent("Poland", "Warszawa", "2023", "#1: new"))
	res2, err := svc.Ingest(second, true)
	require.NoError(t, err)
	assert.False(t, res2.RequiresConfirm)
	assert.NotEqual(t, res1.ID, res2.ID)

	// exactly one current row for the identity
	rows := currentByName(t, svc.DB, "Poland_Warszawa_2023")
	require.Len(t, rows, 1)
	assert.Equal(t, res2.ID, rows[0].ID)
	require.NotNil(t, rows[0].SupersedesID)
	assert.Equal(t, res1.ID, *rows[0].SupersedesID)

	// old row archived under a replaced_ subfolder, children deactivated
	var old models.PBFile
	require.NoError(t, svc.DB.First(&old, res1.ID).Error)
	assert.False(t, old.IsCurrent)
	assert.Contains(t, old.Path, "replaced_")
	assert.Equal(t, "poland_warszawa_2023.pb", filepath.Base(old.Path))
	_, err = os.Stat(old.Path)
	assert.NoError(t, err)

	var oldComments []models.PBComment
	require.NoError(t, svc.DB.Where("file_id = ?", old.ID).Find(&oldComments).Error)
	require.Len(t, oldComments, 1)
	assert.False(t, oldComments[0].IsActive)
}

func TestIngestParseErrorLeavesNoTrace(t *testing.T) {
	svc := newTestIngest(t)

	src := writeUpload(t, "broken.pb", "VOTES\nvoter_id;vote\nv1;1\nv1;2\n")
	_, err := svc.Ingest(src, false)
	require.Error(t, err)

	var pe *ParseError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "broken.pb", pe.FileName)

	var count int64
	require.NoError(t, svc.DB.Model(&models.PBFile{}).Count(&count).Error)
	assert.Zero(t, count)
	// upload untouched
	_, statErr := os.Stat(src)
	assert.NoError(t, statErr)
}

func TestDeleteSoftDeletesAndArchives(t *testing.T) {
	svc := newTestIngest(t)

	src := writeUpload(t, "poland_gdansk_2021.pb", pbContent("Poland", "Gdansk", "2021", "#1: note"))
	res, err := svc.Ingest(src, false)
	require.NoError(t, err)

	count, err := svc.Delete("Poland_Gdansk_2021")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	var rec models.PBFile
	require.NoError(t, svc.DB.First(&rec, res.ID).Error)
	assert.False(t, rec.IsCurrent)
	// moved out of the canonical dir into a timestamp subfolder
	assert.NotEqual(t, svc.Store.CanonicalPath(rec.FileName), rec.Path)
	_, err = os.Stat(rec.Path)
	assert.NoError(t, err)

	var comments []models.PBComment
	require.NoError(t, svc.DB.Where("file_id = ?", rec.ID).Find(&comments).Error)
	require.Len(t, comments, 1)
	assert.False(t, comments[0].IsActive)

	// unknown identity
	count, err = svc.Delete("No_Such_Identity")
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestReplaceKeepsFileName(t *testing.T) {
	svc := newTestIngest(t)

	src := writeUpload(t, "poland_warszawa_2023.pb", pbContent("Poland", "Warszawa", "2023", ""))
	res1, err := svc.Ingest(src, false)
	require.NoError(t, err)

	// replacement content carries a different unit but the name must survive
	repl := writeUpload(t, "upload.tmp", pbContent("Poland", "Krakow", "2023", ""))
	res2, err := svc.Replace("poland_warszawa_2023.pb", repl)
	require.NoError(t, err)

	var rec models.PBFile
	require.NoError(t, svc.DB.First(&rec, res2.ID).Error)
	assert.Equal(t, "poland_warszawa_2023.pb", rec.FileName)
	assert.Equal(t, "Krakow", rec.Unit)
	assert.True(t, rec.IsCurrent)
	require.NotNil(t, rec.SupersedesID)
	assert.Equal(t, res1.ID, *rec.SupersedesID)

	var old models.PBFile
	require.NoError(t, svc.DB.First(&old, res1.ID).Error)
	assert.False(t, old.IsCurrent)

	_, err = svc.Replace("missing.pb", repl)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestRefreshBatch(t *testing.T) {
	svc := newTestIngest(t)

	// drop files directly into the canonical dir, as the operator would
	for _, f := range []struct{ name, unit string }{
		{"poland_warszawa_2023.pb", "Warszawa"},
		{"poland_gdansk_2021.pb", "Gdansk"},
	} {
		require.NoError(t, os.WriteFile(svc.Store.CanonicalPath(f.name),
			[]byte(pbContent("Poland", f.unit, "2023", "#1: note")), 0o644))
	}
	// one broken file must not abort the run
	require.NoError(t, os.WriteFile(svc.Store.CanonicalPath("broken.pb"),
		[]byte("VOTES\nvoter_id;vote\nv1;1\nv1;1\n"), 0o644))

	summary, err := svc.Refresh(true)
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Skipped)
	assert.Nil(t, summary.LastRefreshPrev)

	require.Len(t, currentByName(t, svc.DB, "Poland_Warszawa_2023"), 1)
	require.Len(t, currentByName(t, svc.DB, "Poland_Gdansk_2023"), 1)
	assert.NotEmpty(t, svc.Signal.Signature())
}

func TestRefreshSkipsUnchangedFiles(t *testing.T) {
	svc := newTestIngest(t)

	require.NoError(t, os.WriteFile(svc.Store.CanonicalPath("poland_warszawa_2023.pb"),
		[]byte(pbContent("Poland", "Warszawa", "2023", "")), 0o644))

	_, err := svc.Refresh(false)
	require.NoError(t, err)

	// second incremental run: mtime unchanged, everything skipped
	summary, err := svc.Refresh(false)
	require.NoError(t, err)
	assert.Zero(t, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	require.NotNil(t, summary.LastRefreshPrev)

	// full run reparses regardless
	summary, err = svc.Refresh(true)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)

	// still exactly one current row despite repeated ingestion
	require.Len(t, currentByName(t, svc.DB, "Poland_Warszawa_2023"), 1)
}

func TestRefreshCurrentInvariantPrefersNewestMtime(t *testing.T) {
	svc := newTestIngest(t)

	path := svc.Store.CanonicalPath("poland_warszawa_2023.pb")
	require.NoError(t, os.WriteFile(path, []byte(pbContent("Poland", "Warszawa", "2023", "#1: v1")), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	_, err := svc.Refresh(true)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(pbContent("Poland", "Warszawa", "2023", "#1: v2")), 0o644))
	_, err = svc.Refresh(true)
	require.NoError(t, err)

	rows := currentByName(t, svc.DB, "Poland_Warszawa_2023")
	require.Len(t, rows, 1)

	var all []models.PBFile
	require.NoError(t, svc.DB.Where("webpage_name = ?", "Poland_Warszawa_2023").
		Order("file_mtime DESC, id DESC").Find(&all).Error)
	require.NotEmpty(t, all)
	assert.Equal(t, all[0].ID, rows[0].ID, "newest mtime must win")
}

func TestInteractiveIngestKeepsBatchWatermark(t *testing.T) {
	svc := newTestIngest(t)

	// a batch run establishes the watermark
	pathA := svc.Store.CanonicalPath("poland_warszawa_2023.pb")
	require.NoError(t, os.WriteFile(pathA, []byte(pbContent("Poland", "Warszawa", "2023", "")), 0o644))
	_, err := svc.Refresh(false)
	require.NoError(t, err)

	// a file lands in the canonical dir afterwards, not yet scanned
	pathB := svc.Store.CanonicalPath("germany_berlin_2022.pb")
	require.NoError(t, os.WriteFile(pathB, []byte(pbContent("Germany", "Berlin", "2022", "")), 0o644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(pathB, future, future))

	// an interactive ingest of an unrelated file must not advance the watermark
	src := writeUpload(t, "france_paris_2024.pb", pbContent("France", "Paris", "2024", ""))
	_, err = svc.Ingest(src, false)
	require.NoError(t, err)

	summary, err := svc.Refresh(false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, summary.Processed, 1)
	require.Len(t, currentByName(t, svc.DB, "Germany_Berlin_2022"), 1,
		"file dropped before an interactive ingest must still be picked up")
}

func TestIngestRollsBackMovesWhenTransactionFails(t *testing.T) {
	svc := newTestIngest(t)

	first := writeUpload(t, "poland_warszawa_2023.pb", pbContent("Poland", "Warszawa", "2023", "#1: old"))
	res1, err := svc.Ingest(first, false)
	require.NoError(t, err)
	var prev models.PBFile
	require.NoError(t, svc.DB.First(&prev, res1.ID).Error)
	canonical := prev.Path

	// force the insert inside the transaction to fail
	require.NoError(t, svc.DB.Migrator().DropTable(&models.PBComment{}))

	second := writeUpload(t, "poland_warszawa_2023.pb", pbContent("Poland", "Warszawa", "2023", "#1: new"))
	_, err = svc.Ingest(second, true)
	require.Error(t, err)

	// old record untouched, its file back at the canonical path
	var after models.PBFile
	require.NoError(t, svc.DB.First(&after, res1.ID).Error)
	assert.True(t, after.IsCurrent)
	assert.Equal(t, canonical, after.Path)
	_, statErr := os.Stat(canonical)
	assert.NoError(t, statErr)

	// the rejected upload sits at its source path again
	_, statErr = os.Stat(second)
	assert.NoError(t, statErr)
}

func TestRefreshSweepsMissingFiles(t *testing.T) {
	svc := newTestIngest(t)

	path := svc.Store.CanonicalPath("poland_warszawa_2023.pb")
	require.NoError(t, os.WriteFile(path, []byte(pbContent("Poland", "Warszawa", "2023", "")), 0o644))
	_, err := svc.Refresh(true)
	require.NoError(t, err)
	require.Len(t, currentByName(t, svc.DB, "Poland_Warszawa_2023"), 1)

	// file disappears outside of the service
	require.NoError(t, os.Remove(path))
	_, err = svc.Refresh(true)
	require.NoError(t, err)

	assert.Empty(t, currentByName(t, svc.DB, "Poland_Warszawa_2023"))
}
