package services

import (
	"sync"
	"time"

	"listing-tracker/models"
)

const idleMessage = "idle"

// StatusRecord is the process-wide run status. A run moves it from idle to
// running and back; only one run may hold it at a time.
type StatusRecord struct {
	mu     sync.RWMutex
	status models.RunStatus
	now    func() time.Time
}

// NewStatusRecord creates an idle StatusRecord.
func NewStatusRecord() *StatusRecord {
	return &StatusRecord{
		status: models.RunStatus{Message: idleMessage},
		now:    time.Now,
	}
}

// TryBegin marks a run as started. It returns false when a run is already
// in progress.
func (s *StatusRecord) TryBegin(message string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Running {
		return false
	}
	s.status.Running = true
	s.status.Message = message
	return true
}

// Progress updates the message of the running run.
func (s *StatusRecord) Progress(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Running {
		s.status.Message = message
	}
}

// Finish records the outcome of the current run and returns to idle.
func (s *StatusRecord) Finish(result *models.RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.status.Running = false
	s.status.LastRun = s.now().Format(time.RFC3339)
	s.status.LastResult = result
	switch {
	case result == nil:
		s.status.Message = idleMessage
	case result.OK:
		s.status.Message = "last run succeeded"
	default:
		s.status.Message = "last run failed: " + result.Error
	}
}

// Snapshot returns a copy of the current status.
func (s *StatusRecord) Snapshot() models.RunStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := s.status
	if out.LastResult != nil {
		res := *out.LastResult
		out.LastResult = &res
	}
	return out
}
