package domain

import "time"

type MeetingStatus string

const (
	MeetingActive    MeetingStatus = "active"
	MeetingCompleted MeetingStatus = "completed"
)

// Meeting is the durable store's view of one meeting. The signaling registry
// holds a faster-changing superset; the two converge eventually, not
// byte-for-byte.
type Meeting struct {
	MeetingID    MeetingID     `json:"meetingId"`
	Host         string        `json:"host"`
	Participants []Participant `json:"participants"`
	Status       MeetingStatus `json:"status"`
	Duration     time.Duration `json:"duration"`
}
