package domain

import "time"

// ChatMessage is one persisted chat line of a meeting.
type ChatMessage struct {
	MeetingID   MeetingID `json:"meetingId"`
	Email       string    `json:"email"`
	DisplayName string    `json:"displayName,omitempty"`
	Body        string    `json:"body"`
	SentAt      time.Time `json:"sentAt"`
}
