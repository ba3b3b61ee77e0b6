package transcript

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"reviewchat/internal/models"
)

// RecordUpload persists a stored upload and returns its id.
func (s *Service) RecordUpload(ctx context.Context, sessionID int64, fileName, storedPath, mimeType string, size int64, ttl time.Duration) (int64, error) {
	if sessionID <= 0 {
		return 0, errors.New("session_id is required")
	}
	if ttl <= 0 {
		ttl = DefaultUploadTTL
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO uploads (session_id, file_name, stored_path, mime_type, size, processed, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
		sessionID, fileName, storedPath, mimeType, size, now, now.Add(ttl),
	)
	if err != nil {
		return 0, fmt.Errorf("record upload: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("upload id: %w", err)
	}
	return id, nil
}

// ListSessionUploads returns all unexpired uploads for the session in
// upload order. Both processed and unprocessed files are included; the
// caller decides which still need their content extracted.
func (s *Service) ListSessionUploads(ctx context.Context, sessionID int64) ([]*models.UploadedFile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, file_name, stored_path, mime_type, size, processed, created_at, expires_at
		 FROM uploads WHERE session_id = ? AND expires_at > ? ORDER BY id ASC`,
		sessionID, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	var files []*models.UploadedFile
	for rows.Next() {
		f := new(models.UploadedFile)
		if err := rows.Scan(&f.ID, &f.SessionID, &f.FileName, &f.StoredPath, &f.MimeType, &f.Size, &f.Processed, &f.CreatedAt, &f.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// UploadsByIDs returns the named uploads, in the order the ids were given.
// Every id must belong to the session.
func (s *Service) UploadsByIDs(ctx context.Context, sessionID int64, ids []int64) ([]*models.UploadedFile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	all, err := s.ListSessionUploads(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]*models.UploadedFile, len(all))
	for _, f := range all {
		byID[f.ID] = f
	}
	ordered := make([]*models.UploadedFile, 0, len(ids))
	for _, id := range ids {
		f, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("file id %d not found", id)
		}
		ordered = append(ordered, f)
	}
	return ordered, nil
}

// ProcessedUploadIDs returns the set of upload ids already folded into a
// past turn.
func (s *Service) ProcessedUploadIDs(ctx context.Context, sessionID int64) (map[int64]struct{}, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM uploads WHERE session_id = ? AND processed = 1`, sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list processed uploads: %w", err)
	}
	defer rows.Close()

	processed := make(map[int64]struct{})
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan upload id: %w", err)
		}
		processed[id] = struct{}{}
	}
	return processed, rows.Err()
}

// MarkUploadsProcessed flips the processed flag for the given uploads.
// The flag only ever goes from 0 to 1: a file merged once is never merged
// again.
func (s *Service) MarkUploadsProcessed(ctx context.Context, sessionID int64, ids []int64) error {
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE uploads SET processed = 1 WHERE id = ? AND session_id = ?`, id, sessionID,
		); err != nil {
			return fmt.Errorf("mark upload %d processed: %w", id, err)
		}
	}
	return nil
}

// StorageUsage sums the bytes of unexpired uploads for the session.
func (s *Service) StorageUsage(ctx context.Context, sessionID int64) (int64, error) {
	var usage sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(size) FROM uploads WHERE session_id = ? AND expires_at > ?`,
		sessionID, time.Now().UTC(),
	).Scan(&usage)
	if err != nil {
		return 0, fmt.Errorf("storage usage: %w", err)
	}
	if !usage.Valid {
		return 0, nil
	}
	return usage.Int64, nil
}
