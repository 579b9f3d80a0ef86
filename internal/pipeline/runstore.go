package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lvonguyen/threatpipe/internal/action"
)

// ErrRunNotFound is returned when a run ID is not in the store.
var ErrRunNotFound = errors.New("pipeline run not found")

// ErrAlreadyExecuted is returned when execution is requested for a run
// whose plan has already been dispatched or is being dispatched.
var ErrAlreadyExecuted = errors.New("pipeline run already executed")

// RunStore keeps recent pipeline runs in memory, capacity bounded with
// oldest-first eviction. Runs are per-invocation state, not durable
// data; restarts may drop them.
//
// Stored runs are confined to the store: Put and Get copy, and the
// executed-state transition happens under the store lock, so a caller
// never observes a run mutating mid-read.
type RunStore struct {
	mu       sync.RWMutex
	runs     map[string]*Run
	capacity int
	logger   *zap.Logger
}

// NewRunStore creates a run store holding at most capacity runs.
func NewRunStore(capacity int, logger *zap.Logger) *RunStore {
	if capacity <= 0 {
		capacity = 1024
	}
	return &RunStore{
		runs:     make(map[string]*Run),
		capacity: capacity,
		logger:   logger,
	}
}

// Put stores a copy of a run, evicting the oldest when at capacity.
func (s *RunStore) Put(run *Run) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; !exists && len(s.runs) >= s.capacity {
		var oldestID string
		var oldestTime time.Time
		for id, r := range s.runs {
			if r.executing {
				continue
			}
			if oldestID == "" || r.CreatedAt.Before(oldestTime) {
				oldestID = id
				oldestTime = r.CreatedAt
			}
		}
		if oldestID != "" {
			delete(s.runs, oldestID)
			s.logger.Debug("Evicted oldest pipeline run", zap.String("run_id", oldestID))
		}
	}

	stored := *run
	s.runs[run.ID] = &stored
}

// Get returns a copy of a run by ID. Stage outputs hanging off a run
// are written once before storage and never mutated afterwards, so a
// shallow copy is a consistent snapshot.
func (s *RunStore) Get(id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	snapshot := *run
	return &snapshot, nil
}

// BeginExecution claims a run for plan execution. Exactly one caller
// wins: the claim is taken under the store lock, so concurrent execute
// requests for the same run cannot dispatch its side effects twice.
// The returned copy carries the decided plan.
func (s *RunStore) BeginExecution(id string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	if run.Decision == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotDecided, id)
	}
	if run.executing || run.State == StateExecuted {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExecuted, id)
	}

	run.executing = true
	snapshot := *run
	return &snapshot, nil
}

// CompleteExecution records the results of a claimed run and advances
// it to StateExecuted, returning a copy.
func (s *RunStore) CompleteExecution(id string, results []action.Result) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}

	run.executing = false
	run.Results = results
	run.State = StateExecuted

	snapshot := *run
	return &snapshot, nil
}

// Len returns the number of stored runs.
func (s *RunStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.runs)
}
