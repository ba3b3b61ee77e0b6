package controller

import "reviewchat/internal/models"

// Phase tracks where the current logical turn sits in its lifecycle.
// There is one flow of control per session, so phases advance strictly
// within a single RunCycle call; Dispatched is terminal for the turn and
// guards against overlapping model calls.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseAwaitingInput
	PhaseContextMerging
	PhaseDispatched
	PhaseCompleted
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseAwaitingInput:
		return "awaiting_input"
	case PhaseContextMerging:
		return "context_merging"
	case PhaseDispatched:
		return "dispatched"
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// State is the explicit per-session context object: transcript, processed
// upload set, and turn phase. It replaces ambient session-state lookups;
// callers pass it by reference into the controller.
type State struct {
	SessionID int64
	// Transcript is append-only and never reordered.
	Transcript []*models.Turn
	// Processed holds upload ids already folded into some past turn.
	// It only ever grows.
	Processed map[int64]struct{}

	phase Phase
}

// NewState builds session state from a persisted transcript and processed
// upload set.
func NewState(sessionID int64, transcript []*models.Turn, processed map[int64]struct{}) *State {
	if processed == nil {
		processed = make(map[int64]struct{})
	}
	return &State{
		SessionID:  sessionID,
		Transcript: transcript,
		Processed:  processed,
		phase:      PhaseIdle,
	}
}

// Phase reports the state machine position after the last cycle.
func (s *State) Phase() Phase { return s.phase }

// LastTurn returns the most recent transcript entry, or nil when empty.
func (s *State) LastTurn() *models.Turn {
	if len(s.Transcript) == 0 {
		return nil
	}
	return s.Transcript[len(s.Transcript)-1]
}
