// Package domain contains entities without logic, just meta-data.
package domain

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/randutil"
)

const (
	MaxEmailLen       = 254
	MaxDisplayNameLen = 64
)

var (
	ErrEmailEmpty     = errors.New("email empty")
	ErrEmailTooLong   = errors.New("email too long")
	ErrMeetingIDEmpty = errors.New("meeting id empty")
)

type (
	MeetingID  string
	UserID     string
	ProducerID string
)

// Participant is one attendee of a meeting as seen by the signaling layer.
// Email is the stable human identity, UID the stable account identity.
// ProducerID points at the current outbound media source and may be a
// synthetic placeholder until real media is produced.
type Participant struct {
	MeetingID   MeetingID  `json:"meetingId"`
	UID         UserID     `json:"uid"`
	Email       string     `json:"email"`
	DisplayName string     `json:"displayName"`
	PhotoURL    string     `json:"photoURL,omitempty"`
	ProducerID  ProducerID `json:"producerId,omitempty"`
}

// Validate checks the fields a signaling action cannot do without.
func (p *Participant) Validate() error {
	if p.MeetingID == "" {
		return ErrMeetingIDEmpty
	}
	if p.Email == "" {
		return ErrEmailEmpty
	}
	if len(p.Email) > MaxEmailLen {
		return ErrEmailTooLong
	}
	return nil
}

// Normalize fills the fallbacks a join signal is allowed to omit: displayName
// and uid default to the email, and a missing producerId gets a synthetic
// placeholder so the participant stays addressable before producing media.
func (p *Participant) Normalize() {
	if p.DisplayName == "" {
		p.DisplayName = p.Email
	}
	if p.UID == "" {
		p.UID = UserID(p.Email)
	}
	if p.ProducerID == "" {
		p.ProducerID = PlaceholderProducerID()
	}
}

// HasPlaceholderProducer reports whether ProducerID is synthetic rather than
// engine-assigned.
func (p *Participant) HasPlaceholderProducer() bool {
	return len(p.ProducerID) >= 12 && p.ProducerID[:12] == "placeholder-"
}

const placeholderRunes = "abcdefghijklmnopqrstuvwxyz0123456789"

// PlaceholderProducerID synthesizes a producer id for participants that have
// not produced media yet.
func PlaceholderProducerID() ProducerID {
	suffix, err := randutil.GenerateCryptoRandomString(7, placeholderRunes)
	if err != nil {
		suffix = "0000000"
	}
	return ProducerID(fmt.Sprintf("placeholder-%d-%s", time.Now().UnixMilli(), suffix))
}

// ActionType is what a ParticipantAction records.
type ActionType string

const (
	ActionJoin  ActionType = "join"
	ActionLeave ActionType = "leave"
)

// ParticipantAction is one append-only audit record of a join or leave.
type ParticipantAction struct {
	UserID      UserID     `json:"userId"`
	DisplayName string     `json:"displayName"`
	Email       string     `json:"email"`
	Action      ActionType `json:"action"`
	Timestamp   time.Time  `json:"timestamp"`
}

// NewAction builds an audit record from a participant, applying the same
// email fallbacks the join path uses.
func NewAction(p Participant, action ActionType, at time.Time) ParticipantAction {
	uid := p.UID
	if uid == "" {
		uid = UserID(p.Email)
	}
	name := p.DisplayName
	if name == "" {
		name = p.Email
	}
	return ParticipantAction{
		UserID:      uid,
		DisplayName: name,
		Email:       p.Email,
		Action:      action,
		Timestamp:   at,
	}
}
