package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"pb-catalog/config"
	"pb-catalog/models"
	"pb-catalog/services"
	"pb-catalog/storage"

	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Batch-Refresh als eigenständiges CLI, für Cron außerhalb des Servers
// oder manuelle Läufe. Gibt die Zusammenfassung als JSON auf stdout aus.
func main() {
	full := flag.Bool("full", false, "reparse all files regardless of mtime")
	flag.Parse()

	logging, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("can't initialize zap logger: %v", err)
	}
	defer logging.Sync()

	cfg, err := config.Load()
	if err != nil {
		logging.Fatal("Config load error", zap.Error(err))
	}

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		logging.Fatal("Failed to connect to database", zap.Error(err))
	}

	if err := db.AutoMigrate(
		&models.PBFile{},
		&models.PBComment{},
		&models.PBCategory{},
		&models.PBTarget{},
		&models.RefreshState{},
	); err != nil {
		logging.Fatal("Migration failed", zap.Error(err))
	}

	store, err := storage.NewFileStore(cfg.PBFilesDir, cfg.PBArchiveDir)
	if err != nil {
		logging.Fatal("File store setup failed", zap.Error(err))
	}

	ingest := services.NewIngestService(cfg, db, store, logging)
	summary, err := ingest.Refresh(*full)
	if err != nil {
		logging.Fatal("Refresh failed", zap.Error(err))
	}

	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		logging.Fatal("Summary encoding failed", zap.Error(err))
	}
	fmt.Println(string(out))

	if summary.Failed > 0 {
		os.Exit(1)
	}
}
