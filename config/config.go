package config

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config enthält alle Konfigurationsparameter aus Umgebungsvariablen.
type Config struct {
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     int    `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`

	HTTPPort string `envconfig:"HTTP_PORT" default:"4280"`

	// Verzeichnisse für kanonische und archivierte PB-Dateien.
	PBFilesDir   string `envconfig:"PB_FILES_DIR" default:"pb_files"`
	PBArchiveDir string `envconfig:"PB_ARCHIVE_DIR" default:"pb_files_depreciated"`

	// Zeitplan für den periodischen Batch-Refresh.
	CronSchedule string `envconfig:"CRON_SCHEDULE" default:"0 3 * * *"`

	// API-Key für die Admin-Endpunkte; leer = Auth deaktiviert (lokale Entwicklung).
	APISecretKey string `envconfig:"API_SECRET_KEY"`

	// Upload-Limits
	MaxUploadBytes int64 `envconfig:"MAX_UPLOAD_BYTES" default:"10485760"`

	// S3-kompatibles Backup-Ziel (nur vom backup-Binary genutzt).
	BackupS3Bucket   string `envconfig:"BACKUP_S3_BUCKET"`
	BackupS3Endpoint string `envconfig:"BACKUP_S3_ENDPOINT"`
	BackupS3Key      string `envconfig:"BACKUP_S3_ACCESS_KEY"`
	BackupS3Secret   string `envconfig:"BACKUP_S3_SECRET_KEY"`
	BackupS3Region   string `envconfig:"BACKUP_S3_REGION"`
	KeepBackups      int    `envconfig:"KEEP_BACKUPS" default:"4"`
}

// DSN gibt den Data Source Name für die PostgreSQL-Verbindung zurück.
func (c *Config) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Load lädt die Konfiguration aus den Umgebungsvariablen.
func Load() (*Config, error) {
	_ = godotenv.Load()
	var c Config
	err := envconfig.Process("", &c)
	return &c, err
}
