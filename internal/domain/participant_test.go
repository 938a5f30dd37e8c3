package domain

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateRequiresMeetingAndEmail(t *testing.T) {
	p := Participant{MeetingID: "m1", Email: "ann@example.com"}
	require.NoError(t, p.Validate())

	require.ErrorIs(t, (&Participant{Email: "a@b.c"}).Validate(), ErrMeetingIDEmpty)
	require.ErrorIs(t, (&Participant{MeetingID: "m1"}).Validate(), ErrEmailEmpty)

	long := Participant{MeetingID: "m1", Email: strings.Repeat("a", MaxEmailLen+1)}
	require.ErrorIs(t, long.Validate(), ErrEmailTooLong)
}

func TestNormalizeFillsFallbacks(t *testing.T) {
	p := Participant{MeetingID: "m1", Email: "ann@example.com"}
	p.Normalize()

	require.Equal(t, "ann@example.com", p.DisplayName)
	require.Equal(t, UserID("ann@example.com"), p.UID)
	require.True(t, p.HasPlaceholderProducer())
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	p := Participant{
		MeetingID:   "m1",
		UID:         "u1",
		Email:       "ann@example.com",
		DisplayName: "Ann",
		ProducerID:  "real-producer",
	}
	p.Normalize()

	require.Equal(t, "Ann", p.DisplayName)
	require.Equal(t, UserID("u1"), p.UID)
	require.Equal(t, ProducerID("real-producer"), p.ProducerID)
	require.False(t, p.HasPlaceholderProducer())
}

func TestPlaceholderProducerIDShape(t *testing.T) {
	id := string(PlaceholderProducerID())
	parts := strings.SplitN(id, "-", 3)
	require.Len(t, parts, 3)
	require.Equal(t, "placeholder", parts[0])
	require.Len(t, parts[2], 7)

	other := PlaceholderProducerID()
	require.NotEqual(t, id, string(other))
}

func TestNewActionAppliesEmailFallbacks(t *testing.T) {
	at := time.Now()
	a := NewAction(Participant{MeetingID: "m1", Email: "ann@example.com"}, ActionLeave, at)

	require.Equal(t, UserID("ann@example.com"), a.UserID)
	require.Equal(t, "ann@example.com", a.DisplayName)
	require.Equal(t, ActionLeave, a.Action)
	require.Equal(t, at, a.Timestamp)
}
