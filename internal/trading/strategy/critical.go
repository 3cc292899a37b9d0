package strategy

import (
	"sync"

	"order_orchestrator/pkg/telemetry"
)

// Strategy states
const (
	StateIdle      = "idle"
	StateQuoting   = "quoting"
	StateAdjusting = "adjusting"
	StateTaking    = "taking"
	StateDone      = "done"
)

// maxConsecutiveFailures is how many placement failures in a row end a run
const maxConsecutiveFailures = 3

// status holds the fields other goroutines may read while the event loop
// drives the strategy
type status struct {
	tokenID string

	mu          sync.RWMutex
	state       string
	critical    bool
	criticalMsg string
}

func (s *status) State() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *status) setState(state string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.critical {
		s.state = StateDone
		return
	}
	s.state = state
}

func (s *status) HasCriticalError() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.critical
}

func (s *status) CriticalErrorMessage() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.criticalMsg
}

// setCritical latches the first critical error; later ones are ignored
func (s *status) setCritical(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.critical {
		return
	}
	s.critical = true
	s.criticalMsg = msg
	s.state = StateDone
	telemetry.GetGlobalMetrics().SetCriticalError(s.tokenID, true)
}
