package prompt

import "fmt"

// Persona selects the system instruction steering the assistant. The set
// is closed; each variant maps to a fixed instruction string.
type Persona string

const (
	PersonaSummarize Persona = "summarize"
	PersonaAnalyze   Persona = "analyze"
	PersonaRecommend Persona = "recommend"
)

var personaInstructions = map[Persona]string{
	PersonaSummarize: "Provide a summary of the reviews in a natural, conversational style within 3 sentences, " +
		"as if it were a user review without annotation. " +
		"Please avoid listing features, and instead, integrate the key selling points naturally into the narrative.",
	PersonaAnalyze: "Analyze the pros and cons of the product based on the reviews, and present them in bullet points. " +
		"Also identify the sentiment of the given reviews by identifying the positive and negative keywords used. " +
		"Calculate and present the ratio of positive to negative keywords.",
	PersonaRecommend: "Extract the typical 'Time', 'Place', 'Occasion', and 'Recommended for' when the product is used or consumed. " +
		"Please extract the most diverse set of high-frequency keywords from the text.",
}

// Instruction returns the fixed system prompt for the persona.
func (p Persona) Instruction() string {
	return personaInstructions[p]
}

// Valid reports whether the persona is one of the closed variants.
func (p Persona) Valid() bool {
	_, ok := personaInstructions[p]
	return ok
}

// Parse maps a request string onto a persona variant.
func Parse(s string) (Persona, error) {
	p := Persona(s)
	if !p.Valid() {
		return "", fmt.Errorf("unknown persona %q", s)
	}
	return p, nil
}
