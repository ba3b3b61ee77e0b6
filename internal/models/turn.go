package models

import "time"

// Role tags who authored a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// PartType discriminates the content part variants.
type PartType string

const (
	PartText  PartType = "text"
	PartImage PartType = "image"
)

// ContentPart is one provider-neutral block of a multi-part turn body.
// Text parts carry Text; image parts carry a data URL plus the mime type
// of the original upload.
type ContentPart struct {
	Type     PartType `json:"type"`
	Text     string   `json:"text,omitempty"`
	ImageURL string   `json:"image_url,omitempty"`
	MimeType string   `json:"mime_type,omitempty"`
}

// Turn is one role-tagged entry of a session transcript. Once created a
// turn is immutable; transcripts only ever append.
type Turn struct {
	ID        int64         `json:"id"`
	SessionID int64         `json:"session_id"`
	Role      Role          `json:"role"`
	Text      string        `json:"text"`
	Parts     []ContentPart `json:"parts,omitempty"`
	// AttachedFileIDs lists the uploads whose derived content was merged
	// into this turn when it was created.
	AttachedFileIDs []int64   `json:"attached_file_ids,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// ContextItem is one extracted piece of uploaded-file content, tagged with
// the upload it came from. Builders preserve input file order.
type ContextItem struct {
	FileID int64
	Part   ContentPart
}
