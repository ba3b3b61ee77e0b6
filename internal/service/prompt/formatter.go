package prompt

import "reviewchat/internal/models"

// Formatter converts raw user text into provider-neutral content parts.
type Formatter struct{}

// Format wraps the text in a single text block. Image parts derived from
// uploads are appended by the caller after the formatted text.
func (Formatter) Format(text string) []models.ContentPart {
	return []models.ContentPart{{Type: models.PartText, Text: text}}
}
