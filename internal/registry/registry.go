// Package registry is the shared participant roster: one keyed collection of
// participant records per meeting, reachable by every coordination process.
package registry

import (
	"context"
	"errors"

	"github.com/croshq/meetpoint/internal/domain"
)

var ErrConflict = errors.New("registry: too many concurrent updates")

// Store is the roster contract. Add merges by email (at most one record per
// (meetingId, email)); List never errors for an unknown meeting; Remove
// deletes the whole meeting entry once its roster empties. Chats and actions
// are append-only side logs keyed by meeting.
type Store interface {
	Add(ctx context.Context, p domain.Participant) error
	List(ctx context.Context, meetingID domain.MeetingID) ([]domain.Participant, error)
	Remove(ctx context.Context, meetingID domain.MeetingID, email string) error
	AppendAction(ctx context.Context, meetingID domain.MeetingID, action domain.ParticipantAction) error
	Actions(ctx context.Context, meetingID domain.MeetingID) ([]domain.ParticipantAction, error)
	AppendChat(ctx context.Context, meetingID domain.MeetingID, msg domain.ChatMessage) error
	Chats(ctx context.Context, meetingID domain.MeetingID) ([]domain.ChatMessage, error)
	Close() error
}

// merge folds p into roster, keyed by email. A record already present is
// updated in place when the newcomer carries a real (non-placeholder)
// producerId or a displayName the stored record lacks; otherwise the roster
// is returned unchanged. Appends preserve insertion order.
func merge(roster []domain.Participant, p domain.Participant) ([]domain.Participant, bool) {
	for i := range roster {
		if roster[i].Email != p.Email {
			continue
		}
		changed := false
		if p.ProducerID != "" && p.ProducerID != roster[i].ProducerID && !p.HasPlaceholderProducer() {
			roster[i].ProducerID = p.ProducerID
			changed = true
		}
		if p.DisplayName != "" && roster[i].DisplayName == roster[i].Email && p.DisplayName != roster[i].DisplayName {
			roster[i].DisplayName = p.DisplayName
			changed = true
		}
		if p.PhotoURL != "" && roster[i].PhotoURL == "" {
			roster[i].PhotoURL = p.PhotoURL
			changed = true
		}
		return roster, changed
	}
	return append(roster, p), true
}

// drop filters out the record matching email. The second result reports
// whether anything was removed.
func drop(roster []domain.Participant, email string) ([]domain.Participant, bool) {
	out := roster[:0]
	removed := false
	for _, r := range roster {
		if r.Email == email {
			removed = true
			continue
		}
		out = append(out, r)
	}
	return out, removed
}
