package transcript

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"
)

const (
	DefaultUploadTTL             = 24 * time.Hour
	DefaultUploadCleanupInterval = time.Hour
)

// StartUploadCleaner launches a background loop removing expired uploads
// and their stored files.
func (s *Service) StartUploadCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultUploadCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanupExpiredUploads(); err != nil {
				log.Printf("cleanup uploads error: %v", err)
			}
		}
	}
}

func (s *Service) cleanupExpiredUploads() error {
	rows, err := s.db.Query(`
		SELECT id, stored_path FROM uploads
		WHERE expires_at <= ?`, time.Now().UTC())
	if err != nil {
		return err
	}
	defer rows.Close()

	type fileRow struct {
		id   int64
		path string
	}
	var files []fileRow
	for rows.Next() {
		var fr fileRow
		if err := rows.Scan(&fr.id, &fr.path); err != nil {
			return err
		}
		files = append(files, fr)
	}

	for _, f := range files {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			log.Printf("remove upload %s failed: %v", f.path, err)
			continue
		}
		if _, err := s.db.Exec(`DELETE FROM uploads WHERE id = ?`, f.id); err != nil {
			log.Printf("delete upload record %d failed: %v", f.id, err)
		}

		// prune empty directories
		_ = os.Remove(filepath.Dir(f.path))
	}
	return nil
}
