// Package history is the narrow seam to the durable meeting-history store.
// The real database lives outside this service; the coordinator only records
// participant actions and meeting completion through this interface.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/croshq/meetpoint/internal/domain"
)

type Store interface {
	AddParticipantAction(ctx context.Context, meetingID domain.MeetingID, action domain.ParticipantAction) error
	CompleteMeeting(ctx context.Context, meetingID domain.MeetingID, duration time.Duration) error
}

// Completion records when and how long a meeting ran.
type Completion struct {
	MeetingID   domain.MeetingID
	Duration    time.Duration
	CompletedAt time.Time
}

// MemStore keeps history in process memory for single-node deployments and
// tests.
type MemStore struct {
	mu          sync.Mutex
	actions     map[domain.MeetingID][]domain.ParticipantAction
	completions []Completion
}

func NewMemStore() *MemStore {
	return &MemStore{actions: make(map[domain.MeetingID][]domain.ParticipantAction)}
}

func (s *MemStore) AddParticipantAction(ctx context.Context, meetingID domain.MeetingID, action domain.ParticipantAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[meetingID] = append(s.actions[meetingID], action)
	return nil
}

func (s *MemStore) CompleteMeeting(ctx context.Context, meetingID domain.MeetingID, duration time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completions = append(s.completions, Completion{
		MeetingID:   meetingID,
		Duration:    duration,
		CompletedAt: time.Now(),
	})
	return nil
}

// Actions returns a copy of the recorded actions for a meeting.
func (s *MemStore) Actions(meetingID domain.MeetingID) []domain.ParticipantAction {
	s.mu.Lock()
	defer s.mu.Unlock()
	acts := s.actions[meetingID]
	out := make([]domain.ParticipantAction, len(acts))
	copy(out, acts)
	return out
}

// Completions returns a copy of the recorded completions.
func (s *MemStore) Completions() []Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Completion, len(s.completions))
	copy(out, s.completions)
	return out
}
