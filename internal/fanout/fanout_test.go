package fanout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/croshq/meetpoint/internal/domain"
)

func testParticipant() domain.Participant {
	return domain.Participant{
		MeetingID:   "m1",
		UID:         "u1",
		Email:       "ann@example.com",
		DisplayName: "Ann",
		ProducerID:  "prod-1",
	}
}

func TestDecodeRoundTrip(t *testing.T) {
	joined := Joined{Participant: testParticipant(), NeedsStream: true, JoinedAt: 1700000000000}
	raw := encode(t, joined)

	got, err := Decode(ChannelParticipantJoined, raw)
	require.NoError(t, err)
	decoded, ok := got.(Joined)
	require.True(t, ok)
	require.Equal(t, joined.Email, decoded.Email)
	require.True(t, decoded.NeedsStream)
	require.Equal(t, joined.JoinedAt, decoded.JoinedAt)
}

func TestDecodeRejectsUnknownChannel(t *testing.T) {
	_, err := Decode(Channel("BOGUS"), []byte(`{}`))
	require.ErrorIs(t, err, ErrUnknownChannel)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]struct {
		ch  Channel
		raw string
	}{
		"not json":                {ChannelMessage, `{{`},
		"joined without email":    {ChannelParticipantJoined, `{"meetingId":"m1","uid":"u1"}`},
		"producer without id":     {ChannelNewProducer, `{"connId":"c1","kind":"video"}`},
		"message without meeting": {ChannelMessage, `{"email":"a@b.c","body":"hi"}`},
		"typing without email":    {ChannelTyping, `{"meetingId":"m1"}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.ch, []byte(tc.raw))
			require.ErrorIs(t, err, ErrBadPayload)
		})
	}
}

func TestLocalBusDeliversToSubscribedChannelsOnly(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := bus.Subscribe(ctx, ChannelParticipantJoined)
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, Typing{MeetingID: "m1", Email: "ann@example.com"}))
	require.NoError(t, bus.Publish(ctx, Joined{Participant: testParticipant(), NeedsStream: true}))

	select {
	case got := <-events:
		joined, ok := got.(Joined)
		require.True(t, ok)
		require.Equal(t, "ann@example.com", joined.Email)
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}

	select {
	case got := <-events:
		t.Fatalf("unexpected extra event: %#v", got)
	default:
	}
}

func TestLocalBusRejectsInvalidPublish(t *testing.T) {
	bus := NewLocalBus()
	defer bus.Close()

	err := bus.Publish(context.Background(), NewProducer{ConnID: "c1", Kind: "video"})
	require.ErrorIs(t, err, ErrBadPayload)
}

func TestLocalBusCloseEndsStreams(t *testing.T) {
	bus := NewLocalBus()
	events, err := bus.Subscribe(context.Background(), AllChannels...)
	require.NoError(t, err)

	require.NoError(t, bus.Close())

	select {
	case _, open := <-events:
		require.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("stream not closed")
	}
}

func encode(t *testing.T, p Payload) []byte {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return raw
}
