package worker

import (
	"context"
	"sync"

	"reviewchat/internal/controller"
	"reviewchat/internal/models"
)

// titleCalling generates a session title from its opening turns.
type titleCalling interface {
	GenerateTitle(ctx context.Context, turns []*models.Turn) (string, error)
}

// runnerState holds everything one session's runner goroutine owns: the
// hydrated controller state, the model resources bound to the session's
// current provider settings, and the busy flag rejecting overlapping
// cycles.
type runnerState struct {
	mu    sync.Mutex
	busy  bool
	state *controller.State
	res   *sessionResources

	cycleCh chan cycleTask
	purgeCh chan struct{}
	stopCh  chan struct{}
}

type sessionResources struct {
	model    controller.ModelClient
	titles   titleCalling
	provider string
	modelID  string
	persona  string
	apiKey   string
}

func newRunnerState() *runnerState {
	return &runnerState{
		cycleCh: make(chan cycleTask, 1),
		purgeCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// tryBegin claims the single flow of control for the session. It fails
// while a previous cycle (and its outstanding dispatch) is still running.
func (s *runnerState) tryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return false
	}
	s.busy = true
	return true
}

func (s *runnerState) end() {
	s.mu.Lock()
	s.busy = false
	s.mu.Unlock()
}

func (s *runnerState) getState() *controller.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *runnerState) setState(st *controller.State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *runnerState) getResources() *sessionResources {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.res
}

func (s *runnerState) setResources(res *sessionResources) {
	s.mu.Lock()
	s.res = res
	s.mu.Unlock()
}

func (s *runnerState) purgeCache() {
	s.mu.Lock()
	s.state = nil
	s.res = nil
	s.mu.Unlock()
}
