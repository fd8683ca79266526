package reliability

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tacore/internal/store"
)

const (
	backupPrefix     = "tacore-backup-"
	backupTimeLayout = "2006-01-02-150405"
	minBackupsToKeep = 3
)

// BackupMetadata describes the contents of one backup archive.
type BackupMetadata struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Filename  string    `json:"filename"`
	SizeBytes int64     `json:"size_bytes"`
	Checksum  string    `json:"checksum"`
}

// BackupInfo describes a backup stored in the bucket.
type BackupInfo struct {
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	AgeHours  int64     `json:"age_hours"`
}

// BackupService snapshots the store, archives it with checksummed
// metadata, uploads the archive, and rotates old backups.
type BackupService struct {
	store      *store.Store
	s3         *S3Client
	version    string
	retainDays int
	log        zerolog.Logger
}

// NewBackupService creates a backup service. retainDays <= 0 disables
// rotation (backups are kept forever).
func NewBackupService(st *store.Store, s3 *S3Client, version string, retainDays int, log zerolog.Logger) *BackupService {
	return &BackupService{
		store:      st,
		s3:         s3,
		version:    version,
		retainDays: retainDays,
		log:        log.With().Str("component", "backup").Logger(),
	}
}

// Run creates and uploads one backup, then rotates old ones. Returns the
// uploaded object key.
func (s *BackupService) Run(ctx context.Context) (string, error) {
	started := time.Now()
	s.log.Info().Msg("Starting backup")

	stagingDir, err := os.MkdirTemp("", "tacore-backup-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(stagingDir)

	// Checkpoint first so the snapshot carries everything in the WAL.
	if err := s.store.WALCheckpoint("TRUNCATE"); err != nil {
		s.log.Warn().Err(err).Msg("WAL checkpoint before backup failed")
	}

	snapshotPath := filepath.Join(stagingDir, "tacore.db")
	if err := s.store.BackupTo(snapshotPath); err != nil {
		return "", err
	}

	info, err := os.Stat(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to stat snapshot: %w", err)
	}
	checksum, err := fileChecksum(snapshotPath)
	if err != nil {
		return "", fmt.Errorf("failed to checksum snapshot: %w", err)
	}

	metadata := BackupMetadata{
		Timestamp: time.Now().UTC(),
		Version:   s.version,
		Filename:  "tacore.db",
		SizeBytes: info.Size(),
		Checksum:  checksum,
	}
	metadataPath := filepath.Join(stagingDir, "backup-metadata.json")
	if err := writeMetadata(metadataPath, metadata); err != nil {
		return "", fmt.Errorf("failed to write metadata: %w", err)
	}

	archiveName := backupPrefix + time.Now().Format(backupTimeLayout) + ".tar.gz"
	archivePath := filepath.Join(stagingDir, archiveName)
	if err := createArchive(archivePath, []string{snapshotPath, metadataPath}); err != nil {
		return "", fmt.Errorf("failed to create archive: %w", err)
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return "", fmt.Errorf("failed to open archive: %w", err)
	}
	defer archive.Close()

	if err := s.s3.Upload(ctx, archiveName, archive); err != nil {
		return "", err
	}

	if err := s.RotateOldBackups(ctx); err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	s.log.Info().
		Str("archive", archiveName).
		Dur("duration_ms", time.Since(started)).
		Msg("Backup completed")
	return archiveName, nil
}

// ListBackups lists stored backups, newest first.
func (s *BackupService) ListBackups(ctx context.Context) ([]BackupInfo, error) {
	objects, err := s.s3.List(ctx, backupPrefix)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	backups := make([]BackupInfo, 0, len(objects))
	for _, obj := range objects {
		if obj.Key == nil {
			continue
		}
		filename := *obj.Key
		if !strings.HasPrefix(filename, backupPrefix) || !strings.HasSuffix(filename, ".tar.gz") {
			continue
		}

		stamp := strings.TrimSuffix(strings.TrimPrefix(filename, backupPrefix), ".tar.gz")
		timestamp, err := time.Parse(backupTimeLayout, stamp)
		if err != nil {
			s.log.Warn().Str("filename", filename).Msg("Unparseable backup filename skipped")
			continue
		}

		var size int64
		if obj.Size != nil {
			size = *obj.Size
		}
		backups = append(backups, BackupInfo{
			Filename:  filename,
			Timestamp: timestamp,
			SizeBytes: size,
			AgeHours:  int64(now.Sub(timestamp).Hours()),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// RotateOldBackups deletes backups past the retention window, always
// keeping the newest minBackupsToKeep.
func (s *BackupService) RotateOldBackups(ctx context.Context) error {
	if s.retainDays <= 0 {
		return nil
	}

	backups, err := s.ListBackups(ctx)
	if err != nil {
		return err
	}
	if len(backups) <= minBackupsToKeep {
		return nil
	}

	cutoff := time.Now().AddDate(0, 0, -s.retainDays)
	deleted := 0
	for i, backup := range backups {
		if i < minBackupsToKeep || !backup.Timestamp.Before(cutoff) {
			continue
		}
		if err := s.s3.Delete(ctx, backup.Filename); err != nil {
			s.log.Error().Err(err).Str("filename", backup.Filename).Msg("Failed to delete old backup")
			continue
		}
		s.log.Info().Str("filename", backup.Filename).Msg("Deleted old backup")
		deleted++
	}
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Int("remaining", len(backups)-deleted).Msg("Backup rotation completed")
	}
	return nil
}

// fileChecksum returns the sha256 of a file.
func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("sha256:%x", hash.Sum(nil)), nil
}

// writeMetadata writes backup metadata as indented JSON.
func writeMetadata(path string, metadata BackupMetadata) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	return encoder.Encode(metadata)
}

// createArchive writes the given files into a tar.gz archive.
func createArchive(archivePath string, files []string) error {
	out, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("failed to create archive file: %w", err)
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	for _, path := range files {
		if err := addFileToArchive(tw, path); err != nil {
			return fmt.Errorf("failed to add %s to archive: %w", filepath.Base(path), err)
		}
	}
	return nil
}

// addFileToArchive appends one file, stored under its basename.
func addFileToArchive(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}

	header := &tar.Header{
		Name:    filepath.Base(path),
		Size:    info.Size(),
		Mode:    int64(info.Mode()),
		ModTime: info.ModTime(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, f)
	return err
}
