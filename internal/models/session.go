package models

import "time"

// Session groups one conversation transcript with its model settings.
type Session struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Persona   string    `json:"persona"`
	Provider  string    `json:"provider"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
