package models

import "time"

// UploadedFile represents a user-uploaded document attached to a session.
// Processed flips to true once the file's derived content has been merged
// into a turn; a processed file is never fed to the model again.
type UploadedFile struct {
	ID         int64     `json:"id"`
	SessionID  int64     `json:"session_id"`
	FileName   string    `json:"file_name"`
	StoredPath string    `json:"stored_path"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	Processed  bool      `json:"processed"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
