// Package controller decides, once per UI cycle, whether a new user turn
// exists, how uploaded-file context is merged into it, and how the single
// outstanding model call is dispatched and streamed back.
package controller

import (
	"context"
	"errors"
	"strings"

	"reviewchat/internal/models"
)

// ErrDispatchInFlight is returned when a cycle arrives while a model call
// for the same session is still outstanding.
var ErrDispatchInFlight = errors.New("dispatch already in flight for this session")

// ContextBuilder extracts structured content from uploads not yet in the
// processed set, preserving input order. Per-file failures come back as
// separate errors and never abort the batch.
type ContextBuilder interface {
	Process(ctx context.Context, files []*models.UploadedFile, processed map[int64]struct{}) ([]models.ContextItem, []error)
}

// PromptFormatter converts raw user text into provider-neutral parts.
type PromptFormatter interface {
	Format(text string) []models.ContentPart
}

// ModelClient invokes the hosted model once, streaming chunks through
// onToken and returning the accumulated final text.
type ModelClient interface {
	Invoke(ctx context.Context, turns []*models.Turn, onToken func(string) error) (string, error)
}

const (
	contextWrapOpen  = "Here is some context for you:\n<context>\n"
	contextWrapClose = "</context>\n\n"
)

// WrapContext merges extracted file text into the raw user input. With no
// context text the input passes through untouched.
func WrapContext(contextText, rawInput string) string {
	if contextText == "" {
		return rawInput
	}
	return contextWrapOpen + contextText + contextWrapClose + rawInput
}

// CycleInput is what one UI refresh hands to the controller.
type CycleInput struct {
	// RawInput is the text the user submitted this cycle, empty if none.
	RawInput string
	// Uploads is the ordered file selection currently in the uploader.
	Uploads []*models.UploadedFile
}

// CycleResult reports what one cycle changed.
type CycleResult struct {
	// UserTurn is the turn appended for this cycle's input, nil if the
	// cycle produced none.
	UserTurn *models.Turn
	// AssistantTurn is the completed reply, nil when no dispatch happened
	// or the dispatch failed.
	AssistantTurn *models.Turn
	// ProcessedFileIDs lists uploads folded into the processed set this
	// cycle.
	ProcessedFileIDs []int64
	// ContextWarnings carries per-file extraction failures, already
	// localized: the rest of the cycle proceeded.
	ContextWarnings []string
	// Dispatched reports whether the model client was invoked.
	Dispatched bool
}

// Controller owns the per-cycle decision procedure. Collaborators are
// narrow interfaces; the controller never touches file bytes or provider
// payloads itself.
type Controller struct {
	files  ContextBuilder
	prompt PromptFormatter
	model  ModelClient
	// window bounds how many trailing turns are sent as conversation
	// context; 0 sends the full transcript.
	window int
}

// New builds a controller around its three collaborators.
func New(files ContextBuilder, prompt PromptFormatter, model ModelClient, window int) *Controller {
	return &Controller{files: files, prompt: prompt, model: model, window: window}
}

// RunCycle executes one full decision procedure against the session state:
// fold new uploads into pending context, append a user turn if input
// arrived, and dispatch the model exactly once if the last turn is an
// unanswered user turn. State mutations are append-only; on dispatch
// failure the transcript keeps the user turn and gains nothing else.
func (c *Controller) RunCycle(ctx context.Context, st *State, in CycleInput, onToken func(string) error) (*CycleResult, error) {
	if st.phase == PhaseDispatched {
		return nil, ErrDispatchInFlight
	}
	st.phase = PhaseAwaitingInput

	res := &CycleResult{}
	raw := strings.TrimSpace(in.RawInput)

	unprocessed := make([]*models.UploadedFile, 0, len(in.Uploads))
	for _, f := range in.Uploads {
		if f == nil {
			continue
		}
		if _, done := st.Processed[f.ID]; !done {
			unprocessed = append(unprocessed, f)
		}
	}

	if len(unprocessed) > 0 || len(st.Processed) < len(in.Uploads) {
		st.phase = PhaseContextMerging
		items, failures := c.files.Process(ctx, unprocessed, st.Processed)

		var contextText strings.Builder
		var contextImages []models.ContentPart
		for _, item := range items {
			switch item.Part.Type {
			case models.PartText:
				contextText.WriteString(item.Part.Text)
				contextText.WriteString("\n\n")
			case models.PartImage:
				contextImages = append(contextImages, item.Part)
			}
		}

		// A file handed to the builder is marked processed whether or not
		// extraction succeeded; re-renders must never resubmit it.
		fileIDs := make([]int64, 0, len(unprocessed))
		for _, f := range unprocessed {
			st.Processed[f.ID] = struct{}{}
			fileIDs = append(fileIDs, f.ID)
		}
		res.ProcessedFileIDs = fileIDs
		for _, fe := range failures {
			res.ContextWarnings = append(res.ContextWarnings, fe.Error())
		}

		if raw != "" {
			effective := WrapContext(contextText.String(), raw)
			parts := append(c.prompt.Format(effective), contextImages...)
			res.UserTurn = c.appendTurn(st, &models.Turn{
				SessionID:       st.SessionID,
				Role:            models.RoleUser,
				Text:            raw,
				Parts:           parts,
				AttachedFileIDs: fileIDs,
			})
		}
	} else if raw != "" {
		res.UserTurn = c.appendTurn(st, &models.Turn{
			SessionID: st.SessionID,
			Role:      models.RoleUser,
			Text:      raw,
			Parts:     c.prompt.Format(raw),
		})
	}

	last := st.LastTurn()
	if last == nil || last.Role != models.RoleUser {
		// Nothing pending; the cycle ends without touching the model.
		st.phase = PhaseIdle
		return res, nil
	}

	st.phase = PhaseDispatched
	res.Dispatched = true
	final, err := c.model.Invoke(ctx, c.windowed(st.Transcript), onToken)
	if err != nil {
		st.phase = PhaseFailed
		return res, err
	}

	res.AssistantTurn = c.appendTurn(st, &models.Turn{
		SessionID: st.SessionID,
		Role:      models.RoleAssistant,
		Text:      final,
		Parts:     []models.ContentPart{{Type: models.PartText, Text: final}},
	})
	st.phase = PhaseCompleted
	return res, nil
}

func (c *Controller) appendTurn(st *State, turn *models.Turn) *models.Turn {
	st.Transcript = append(st.Transcript, turn)
	return turn
}

func (c *Controller) windowed(transcript []*models.Turn) []*models.Turn {
	if c.window <= 0 || len(transcript) <= c.window {
		return transcript
	}
	return transcript[len(transcript)-c.window:]
}
