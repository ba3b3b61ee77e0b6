package llm

import "fmt"

// ProviderError covers model construction and invocation failures on the
// provider side (auth, quota, transport).
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// StreamError covers a malformed or interrupted streamed payload after the
// stream was successfully opened.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }
