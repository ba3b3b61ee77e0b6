package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"reviewchat/internal/config"
	"reviewchat/internal/controller"
	"reviewchat/internal/models"
	"reviewchat/internal/service/llm"
	"reviewchat/internal/service/prompt"
	"reviewchat/internal/service/transcript"
)

// ErrSessionBusy is returned when a cycle arrives while the session's
// previous cycle, including its outstanding model dispatch, has not
// finished. The caller retries; cycles are never overlapped.
var ErrSessionBusy = errors.New("session busy: cycle in flight")

// CycleRequest carries one UI cycle into a session runner.
type CycleRequest struct {
	Context   context.Context
	SessionID int64
	Input     controller.CycleInput
	OnToken   func(string) error
}

// CycleResponse is the runner's outcome for one cycle.
type CycleResponse struct {
	Result *controller.CycleResult
	// Title is non-empty when this cycle produced the session title.
	Title string
}

type cycleTask struct {
	req      CycleRequest
	resultCh chan cycleReturn
}

type cycleReturn struct {
	resp *CycleResponse
	err  error
}

// modelFactory builds the session's model client and title generator for
// one provider configuration.
type modelFactory func(ctx context.Context, cfg *config.Config, opts llm.Options) (controller.ModelClient, titleCalling, error)

func defaultModelFactory(ctx context.Context, cfg *config.Config, opts llm.Options) (controller.ModelClient, titleCalling, error) {
	client, err := llm.NewClient(ctx, cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	return client, client, nil
}

// Manager owns one runner goroutine per active session. The runner is the
// session's single logical flow of control: it hydrates the controller
// state from storage, executes cycles in arrival order, and persists the
// turns each cycle appends.
type Manager struct {
	transcripts *transcript.Service
	cfg         *config.Config
	files       controller.ContextBuilder
	newModel    modelFactory

	mu      sync.Mutex
	runners map[int64]*runnerState
}

// NewManager builds a runner manager over the shared services.
func NewManager(transcripts *transcript.Service, cfg *config.Config, files controller.ContextBuilder) *Manager {
	return &Manager{
		transcripts: transcripts,
		cfg:         cfg,
		files:       files,
		newModel:    defaultModelFactory,
		runners:     make(map[int64]*runnerState),
	}
}

// RunCycle executes one cycle on the session's runner. A cycle arriving
// while another is in flight is rejected with ErrSessionBusy rather than
// queued behind an outstanding dispatch.
func (m *Manager) RunCycle(req CycleRequest) (*CycleResponse, error) {
	if req.SessionID <= 0 {
		return nil, errors.New("session id required")
	}
	state := m.ensureRunner(req.SessionID)
	if !state.tryBegin() {
		return nil, ErrSessionBusy
	}
	defer state.end()

	resultCh := make(chan cycleReturn, 1)
	select {
	case state.cycleCh <- cycleTask{req: req, resultCh: resultCh}:
	case <-state.stopCh:
		return nil, errors.New("session runner stopped")
	}

	ret := <-resultCh
	return ret.resp, ret.err
}

// Purge drops the cached state for a deleted session and stops its runner.
func (m *Manager) Purge(sessionID int64) {
	m.mu.Lock()
	state, ok := m.runners[sessionID]
	if ok {
		delete(m.runners, sessionID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	state.purgeCache()
	close(state.stopCh)
}

// InvalidateState forces the next cycle to rehydrate from storage, e.g.
// after an upload changed the session's file set.
func (m *Manager) InvalidateState(sessionID int64) {
	m.mu.Lock()
	state := m.runners[sessionID]
	m.mu.Unlock()
	if state == nil {
		return
	}
	select {
	case state.purgeCh <- struct{}{}:
	default:
	}
}

func (m *Manager) ensureRunner(sessionID int64) *runnerState {
	m.mu.Lock()
	defer m.mu.Unlock()

	if state, ok := m.runners[sessionID]; ok {
		return state
	}

	state := newRunnerState()
	m.runners[sessionID] = state
	go m.runSession(sessionID, state)
	return state
}

func (m *Manager) runSession(sessionID int64, state *runnerState) {
	for {
		select {
		case <-state.stopCh:
			debugLog("[worker] runner for session %d stopped", sessionID)
			return
		case <-state.purgeCh:
			state.purgeCache()
		case task := <-state.cycleCh:
			m.handleCycle(sessionID, state, task)
		}
	}
}

func (m *Manager) handleCycle(sessionID int64, state *runnerState, task cycleTask) {
	req := task.req
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}

	// Drain a pending invalidation before reading cached state.
	select {
	case <-state.purgeCh:
		state.purgeCache()
	default:
	}

	session, st, err := m.hydrate(ctx, sessionID, state)
	if err != nil {
		task.resultCh <- cycleReturn{err: err}
		return
	}
	res, err := m.ensureResources(ctx, state, session)
	if err != nil {
		task.resultCh <- cycleReturn{err: err}
		return
	}

	ctrl := controller.New(m.files, prompt.Formatter{}, res.model, m.historyWindow())
	result, runErr := ctrl.RunCycle(ctx, st, req.Input, req.OnToken)
	if result == nil {
		task.resultCh <- cycleReturn{err: runErr}
		return
	}

	// Persist what the cycle appended. The user turn is stored even when
	// the dispatch failed so a later cycle can retry against it.
	if perr := m.persistCycle(ctx, sessionID, result); perr != nil {
		task.resultCh <- cycleReturn{err: perr}
		return
	}

	if runErr != nil {
		task.resultCh <- cycleReturn{resp: &CycleResponse{Result: result}, err: runErr}
		return
	}

	title := m.maybeTitle(ctx, session, res, result)
	task.resultCh <- cycleReturn{resp: &CycleResponse{Result: result, Title: title}}
}

// hydrate loads the session, transcript, and processed upload set into the
// runner's cached controller state on first use.
func (m *Manager) hydrate(ctx context.Context, sessionID int64, state *runnerState) (*models.Session, *controller.State, error) {
	if st := state.getState(); st != nil {
		session, err := m.transcripts.GetSession(ctx, sessionID)
		if err != nil {
			return nil, nil, err
		}
		return session, st, nil
	}
	session, turns, err := m.transcripts.GetSessionWithTurns(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	processed, err := m.transcripts.ProcessedUploadIDs(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	st := controller.NewState(sessionID, turns, processed)
	state.setState(st)
	return session, st, nil
}

func (m *Manager) persistCycle(ctx context.Context, sessionID int64, result *controller.CycleResult) error {
	if len(result.ProcessedFileIDs) > 0 {
		if err := m.transcripts.MarkUploadsProcessed(ctx, sessionID, result.ProcessedFileIDs); err != nil {
			return err
		}
	}
	for _, turn := range []*models.Turn{result.UserTurn, result.AssistantTurn} {
		if turn == nil || turn.ID != 0 {
			continue
		}
		stored, err := m.transcripts.AppendTurn(ctx, *turn)
		if err != nil {
			return fmt.Errorf("persist turn: %w", err)
		}
		turn.ID = stored.ID
		turn.CreatedAt = stored.CreatedAt
	}
	return nil
}

// maybeTitle generates and stores a session title after the first
// completed exchange. Title failures are logged, never surfaced: the
// conversation itself succeeded.
func (m *Manager) maybeTitle(ctx context.Context, session *models.Session, res *sessionResources, result *controller.CycleResult) string {
	if session.Title != "New Conversation" || result.UserTurn == nil || result.AssistantTurn == nil {
		return ""
	}
	if res.titles == nil {
		return ""
	}
	title, err := res.titles.GenerateTitle(ctx, []*models.Turn{result.UserTurn, result.AssistantTurn})
	if err != nil {
		log.Printf("generate title for session %d failed: %v", session.ID, err)
		return ""
	}
	if title == "" || title == session.Title {
		return ""
	}
	if err := m.transcripts.UpdateSessionTitle(ctx, session.ID, title); err != nil {
		log.Printf("store title for session %d failed: %v", session.ID, err)
		return ""
	}
	return title
}

// ensureResources rebuilds the model client when the session's provider
// settings changed.
func (m *Manager) ensureResources(ctx context.Context, state *runnerState, session *models.Session) (*sessionResources, error) {
	apiKey, err := m.transcripts.SessionAPIKey(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	res := state.getResources()
	if res != nil && res.provider == session.Provider && res.modelID == session.Model &&
		res.persona == session.Persona && res.apiKey == apiKey {
		return res, nil
	}

	persona, err := prompt.Parse(session.Persona)
	if err != nil {
		return nil, err
	}
	client, titles, err := m.newModel(ctx, m.cfg, llm.Options{
		Provider:     session.Provider,
		Model:        session.Model,
		APIKey:       apiKey,
		SystemPrompt: persona.Instruction(),
		EnableTools:  m.cfg.BasicConfig.EnableWebSearch,
	})
	if err != nil {
		return nil, err
	}
	res = &sessionResources{
		model:    client,
		titles:   titles,
		provider: session.Provider,
		modelID:  session.Model,
		persona:  session.Persona,
		apiKey:   apiKey,
	}
	state.setResources(res)
	return res, nil
}

func (m *Manager) historyWindow() int {
	if m.cfg == nil {
		return 0
	}
	return m.cfg.BasicConfig.HistoryWindow
}
