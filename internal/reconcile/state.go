package reconcile

import (
	"maps"
	"sync"
	"time"
)

// State holds per-service bookkeeping across passes. It is only written
// between passes, after all checks of a pass have finished.
type State struct {
	mu       sync.RWMutex
	services map[string]ServiceState
}

func NewState() *State {
	return &State{services: make(map[string]ServiceState)}
}

func (s *State) Get(id string) (ServiceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.services[id]
	return st, ok
}

// Snapshot returns a copy of every tracked service.
func (s *State) Snapshot() map[string]ServiceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return maps.Clone(s.services)
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.services)
}

// Apply folds one pass's results into the state. checkedAt is the start
// of the pass that produced them.
func (s *State) Apply(checkedAt time.Time, results []Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range results {
		if r.ServiceID == "" || r.Reason == ReasonCanceled {
			continue
		}
		st := s.services[r.ServiceID]
		st.LastCheck = checkedAt
		switch r.Outcome {
		case OutcomeNoChange:
			st.Digest = r.NewDigest
			st.LastError = ""
		case OutcomeUpdated:
			st.Digest = r.NewDigest
			st.LastUpdate = checkedAt
			st.LastError = ""
		case OutcomeSkipped:
			if r.OldDigest != "" {
				st.Digest = r.OldDigest
			}
			st.LastError = ""
		case OutcomeError:
			if r.Err != nil {
				st.LastError = r.Err.Error()
			} else {
				st.LastError = r.Reason.String()
			}
		}
		s.services[r.ServiceID] = st
	}
}

// Retain drops services that are no longer listed by the orchestrator.
func (s *State) Retain(ids map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	maps.DeleteFunc(s.services, func(id string, _ ServiceState) bool {
		_, ok := ids[id]
		return !ok
	})
}
