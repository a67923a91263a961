package main

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"time"

	"pb-catalog/config"
	"pb-catalog/storage"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func main() {
	log.Println("Starte Backup-Prozess...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Fehler beim Laden der Konfiguration: %v", err)
	}

	// 1. Datenbank-Dump erstellen
	dumpData, err := createDump(cfg)
	if err != nil {
		log.Fatalf("Fehler beim Erstellen des DB-Dumps: %v", err)
	}

	// 2. PB-Dateibestand (kanonisch + Archiv) als Tarball
	tarData, err := createFilesTarball(cfg)
	if err != nil {
		log.Fatalf("Fehler beim Packen der PB-Dateien: %v", err)
	}

	// 3. S3-Client erstellen und hochladen
	s3Client, err := storage.NewS3Client(cfg)
	if err != nil {
		log.Fatalf("Fehler beim Erstellen des S3-Clients: %v", err)
	}

	stamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	dumpKey := fmt.Sprintf("backup-%s.sql.gz", stamp)
	if _, err := storage.UploadObject(s3Client, cfg, dumpKey, dumpData); err != nil {
		log.Fatalf("Fehler beim Hochladen des Dumps nach S3: %v", err)
	}
	log.Printf("DB-Backup erfolgreich nach s3://%s/%s hochgeladen", cfg.BackupS3Bucket, dumpKey)

	tarKey := fmt.Sprintf("pb-files-%s.tar.gz", stamp)
	if _, err := storage.UploadObject(s3Client, cfg, tarKey, tarData); err != nil {
		log.Fatalf("Fehler beim Hochladen des Datei-Tarballs nach S3: %v", err)
	}
	log.Printf("Datei-Backup erfolgreich nach s3://%s/%s hochgeladen", cfg.BackupS3Bucket, tarKey)

	// 4. Alte Backups rotieren
	if err := rotateBackups(s3Client, cfg, "backup-"); err != nil {
		log.Fatalf("Fehler bei der Rotation alter DB-Backups: %v", err)
	}
	if err := rotateBackups(s3Client, cfg, "pb-files-"); err != nil {
		log.Fatalf("Fehler bei der Rotation alter Datei-Backups: %v", err)
	}

	log.Println("Backup-Prozess erfolgreich abgeschlossen.")
}

func createDump(cfg *config.Config) ([]byte, error) {
	cmd := exec.Command("pg_dump",
		"-h", cfg.DBHost,
		"-U", cfg.DBUser,
		"-d", cfg.DBName,
		"-w", // Passwort wird über PGPASSWORD bereitgestellt
	)
	cmd.Env = append(os.Environ(), fmt.Sprintf("PGPASSWORD=%s", cfg.DBPassword))

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	if _, err := io.Copy(gzipWriter, stdout); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	if err := cmd.Wait(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// createFilesTarball packt PB_FILES_DIR und PB_ARCHIVE_DIR in ein tar.gz,
// relativ zum jeweiligen Verzeichnisnamen.
func createFilesTarball(cfg *config.Config) ([]byte, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	for _, dir := range []string{cfg.PBFilesDir, cfg.PBArchiveDir} {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			continue
		}
		base := filepath.Base(dir)
		err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return err
			}
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(filepath.Join(base, rel))
			if err := tarWriter.WriteHeader(hdr); err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tarWriter, f)
			return err
		})
		if err != nil {
			return nil, err
		}
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}
	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func rotateBackups(client *s3.Client, cfg *config.Config, prefix string) error {
	output, err := client.ListObjectsV2(context.TODO(), &s3.ListObjectsV2Input{
		Bucket: aws.String(cfg.BackupS3Bucket),
		Prefix: aws.String(prefix),
	})
	if err != nil {
		return err
	}

	if len(output.Contents) <= cfg.KeepBackups {
		log.Printf("Weniger als %d Backups mit Präfix %s vorhanden, keine Rotation nötig.", cfg.KeepBackups, prefix)
		return nil
	}

	sort.Slice(output.Contents, func(i, j int) bool {
		return output.Contents[i].LastModified.After(*output.Contents[j].LastModified)
	})

	for _, obj := range output.Contents[cfg.KeepBackups:] {
		log.Printf("Lösche altes Backup: %s", *obj.Key)
		_, err := client.DeleteObject(context.TODO(), &s3.DeleteObjectInput{
			Bucket: aws.String(cfg.BackupS3Bucket),
			Key:    obj.Key,
		})
		if err != nil {
			log.Printf("Fehler beim Löschen von %s: %v", *obj.Key, err)
		}
	}

	return nil
}
