package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// archiveStamp ist das UTC-Format der Archiv-Unterordner.
const archiveStamp = "20060102T150405Z"

// FileStore verwaltet das kanonische PB-Verzeichnis (eine flache Ablage von
// .pb-Dateien, keyed by file_name) und das Archiv-Verzeichnis mit
// Zeitstempel-Unterordnern.
type FileStore struct {
	Dir        string
	ArchiveDir string
}

// NewFileStore legt beide Verzeichnisse an, falls sie fehlen.
func NewFileStore(dir, archiveDir string) (*FileStore, error) {
	for _, d := range []string{dir, archiveDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create dir %s: %w", d, err)
		}
	}
	return &FileStore{Dir: dir, ArchiveDir: archiveDir}, nil
}

// CanonicalPath liefert den Pfad der Datei im kanonischen Verzeichnis.
func (fs *FileStore) CanonicalPath(fileName string) string {
	return filepath.Join(fs.Dir, fileName)
}

// ListPBFiles liefert alle .pb-Dateien im kanonischen Verzeichnis, sortiert.
func (fs *FileStore) ListPBFiles() ([]string, error) {
	pattern := filepath.Join(fs.Dir, "*.pb")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// MoveIntoStore verschiebt eine Datei ins kanonische Verzeichnis und gibt den
// Zielpfad zurück. Rename zuerst; bei Cross-Device-Fehlern Copy+Delete.
func (fs *FileStore) MoveIntoStore(srcPath, fileName string) (string, error) {
	dest := fs.CanonicalPath(fileName)
	if err := moveFile(srcPath, dest); err != nil {
		return "", fmt.Errorf("move into store: %w", err)
	}
	return dest, nil
}

// Archive verschiebt eine Datei in einen Zeitstempel-Unterordner des Archivs
// und behält dabei den Original-Dateinamen. prefix ist "" für normale Archive
// oder "replaced_" für Supersessions.
func (fs *FileStore) Archive(srcPath, prefix string, now time.Time) (string, error) {
	sub := prefix + now.UTC().Format(archiveStamp)
	destDir := filepath.Join(fs.ArchiveDir, sub)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}
	dest := filepath.Join(destDir, filepath.Base(srcPath))
	if err := moveFile(srcPath, dest); err != nil {
		return "", fmt.Errorf("archive: %w", err)
	}
	return dest, nil
}

// Restore verschiebt eine archivierte Datei zurück ins kanonische Verzeichnis.
// Wird als Kompensation genutzt, wenn die DB-Transaktion nach einem Move scheitert.
func (fs *FileStore) Restore(archivedPath string) (string, error) {
	dest := fs.CanonicalPath(filepath.Base(archivedPath))
	if err := moveFile(archivedPath, dest); err != nil {
		return "", fmt.Errorf("restore: %w", err)
	}
	return dest, nil
}

// IsSafeFileName prüft auf Path-Traversal und die erlaubte Endung.
func IsSafeFileName(name string) bool {
	return strings.HasSuffix(name, ".pb") &&
		!strings.Contains(name, "..") &&
		!strings.HasPrefix(name, "/") &&
		!strings.ContainsAny(name, "/\\")
}

// IsProbablyText prüft per Byte-Heuristik, ob der Inhalt Text ist (max. 20%
// Nicht-Text-Bytes in der Stichprobe). Schützt Uploads vor Binärmüll.
func IsProbablyText(sample []byte) bool {
	if len(sample) == 0 {
		return true
	}
	nontext := 0
	for _, b := range sample {
		switch {
		case b == 7 || b == 8 || b == 9 || b == 10 || b == 12 || b == 13 || b == 27:
		case b >= 32 && b < 127:
		case b >= 0x80: // UTF-8-Fortsetzungs- und Startbytes
		default:
			nontext++
		}
	}
	return float64(nontext)/float64(len(sample)) <= 0.20
}

// IsProbablyTextFile liest eine Stichprobe von der Platte und prüft sie.
func IsProbablyTextFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	buf := make([]byte, 4096)
	n, err := f.Read(buf)
	if err != nil && err != io.EOF {
		return false
	}
	return IsProbablyText(buf[:n])
}

// moveFile versucht os.Rename und fällt bei Fehlern (z.B. Cross-Device) auf
// Copy+Delete zurück.
func moveFile(src, dest string) error {
	if err := os.Rename(src, dest); err == nil {
		return nil
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	return os.Remove(src)
}
