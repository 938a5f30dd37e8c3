package registry

import (
	"context"
	"sync"

	"github.com/croshq/meetpoint/internal/domain"
)

// MemStore keeps rosters in process memory. Used by tests and single-process
// deployments; the per-store mutex serializes read-modify-write so
// concurrent joins cannot lose updates.
type MemStore struct {
	mu      sync.Mutex
	rosters map[domain.MeetingID][]domain.Participant
	actions map[domain.MeetingID][]domain.ParticipantAction
	chats   map[domain.MeetingID][]domain.ChatMessage
}

func NewMemStore() *MemStore {
	return &MemStore{
		rosters: make(map[domain.MeetingID][]domain.Participant),
		actions: make(map[domain.MeetingID][]domain.ParticipantAction),
		chats:   make(map[domain.MeetingID][]domain.ChatMessage),
	}
}

func (s *MemStore) Add(ctx context.Context, p domain.Participant) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rosters[p.MeetingID], _ = merge(s.rosters[p.MeetingID], p)
	return nil
}

func (s *MemStore) List(ctx context.Context, meetingID domain.MeetingID) ([]domain.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster := s.rosters[meetingID]
	out := make([]domain.Participant, len(roster))
	copy(out, roster)
	return out, nil
}

func (s *MemStore) Remove(ctx context.Context, meetingID domain.MeetingID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	roster, ok := s.rosters[meetingID]
	if !ok {
		return nil
	}
	remaining, _ := drop(roster, email)
	if len(remaining) == 0 {
		delete(s.rosters, meetingID)
		return nil
	}
	s.rosters[meetingID] = remaining
	return nil
}

func (s *MemStore) AppendAction(ctx context.Context, meetingID domain.MeetingID, action domain.ParticipantAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.actions[meetingID] = append(s.actions[meetingID], action)
	return nil
}

func (s *MemStore) Actions(ctx context.Context, meetingID domain.MeetingID) ([]domain.ParticipantAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acts := s.actions[meetingID]
	out := make([]domain.ParticipantAction, len(acts))
	copy(out, acts)
	return out, nil
}

func (s *MemStore) AppendChat(ctx context.Context, meetingID domain.MeetingID, msg domain.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chats[meetingID] = append(s.chats[meetingID], msg)
	return nil
}

func (s *MemStore) Chats(ctx context.Context, meetingID domain.MeetingID) ([]domain.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.chats[meetingID]
	out := make([]domain.ChatMessage, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *MemStore) Close() error { return nil }
