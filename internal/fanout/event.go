// Package fanout relays membership and media-availability events across
// coordination processes. Payloads form a closed tagged union validated at
// the process boundary; malformed events are rejected, never forwarded.
package fanout

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/croshq/meetpoint/internal/domain"
)

var (
	ErrUnknownChannel = errors.New("fanout: unknown channel")
	ErrBadPayload     = errors.New("fanout: malformed payload")
)

type Channel string

const (
	ChannelMessage           Channel = "MESSAGE"
	ChannelTyping            Channel = "TYPING"
	ChannelNewProducer       Channel = "NEW_PRODUCER"
	ChannelParticipantJoined Channel = "PARTICIPANT_JOINED"
	ChannelParticipantLeft   Channel = "PARTICIPANT_LEFT"
)

// AllChannels is what a coordination process subscribes to.
var AllChannels = []Channel{
	ChannelMessage,
	ChannelTyping,
	ChannelNewProducer,
	ChannelParticipantJoined,
	ChannelParticipantLeft,
}

// Payload is one member of the event union.
type Payload interface {
	Channel() Channel
	Validate() error
}

// Joined announces a participant entering a meeting. NeedsStream tells peers
// to attempt consumption even if their local detection is delayed.
type Joined struct {
	domain.Participant
	NeedsStream bool  `json:"needsStream"`
	JoinedAt    int64 `json:"joinedAt"`
}

func (Joined) Channel() Channel { return ChannelParticipantJoined }

func (e Joined) Validate() error {
	if err := e.Participant.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// Left announces a participant leaving a meeting.
type Left struct {
	domain.Participant
	Timestamp time.Time `json:"timestamp"`
}

func (Left) Channel() Channel { return ChannelParticipantLeft }

func (e Left) Validate() error {
	if err := e.Participant.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return nil
}

// NewProducer announces an outbound media source becoming available.
// MeetingID is empty when the producer was created before the join announce;
// relays then fall back to broadcasting.
type NewProducer struct {
	ProducerID domain.ProducerID `json:"producerId"`
	ConnID     string            `json:"connId"`
	Kind       string            `json:"kind"`
	MeetingID  domain.MeetingID  `json:"meetingId,omitempty"`
}

func (NewProducer) Channel() Channel { return ChannelNewProducer }

func (e NewProducer) Validate() error {
	if e.ProducerID == "" {
		return fmt.Errorf("%w: new producer without producerId", ErrBadPayload)
	}
	return nil
}

// Message is a chat message relayed between peers.
type Message struct {
	MeetingID domain.MeetingID `json:"meetingId"`
	Email     string           `json:"email"`
	Body      string           `json:"body"`
	SentAt    time.Time        `json:"sentAt"`
}

func (Message) Channel() Channel { return ChannelMessage }

func (e Message) Validate() error {
	if e.MeetingID == "" || e.Email == "" {
		return fmt.Errorf("%w: message without meetingId or email", ErrBadPayload)
	}
	return nil
}

// Typing is a transient typing indicator.
type Typing struct {
	MeetingID domain.MeetingID `json:"meetingId"`
	Email     string           `json:"email"`
}

func (Typing) Channel() Channel { return ChannelTyping }

func (e Typing) Validate() error {
	if e.MeetingID == "" || e.Email == "" {
		return fmt.Errorf("%w: typing without meetingId or email", ErrBadPayload)
	}
	return nil
}

// Decode parses and validates a wire payload for the given channel.
func Decode(ch Channel, raw []byte) (Payload, error) {
	var p Payload
	switch ch {
	case ChannelParticipantJoined:
		p = &Joined{}
	case ChannelParticipantLeft:
		p = &Left{}
	case ChannelNewProducer:
		p = &NewProducer{}
	case ChannelMessage:
		p = &Message{}
	case ChannelTyping:
		p = &Typing{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, ch)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return deref(p), nil
}

// deref returns the value form so subscribers can type-switch on concrete
// structs rather than pointers.
func deref(p Payload) Payload {
	switch v := p.(type) {
	case *Joined:
		return *v
	case *Left:
		return *v
	case *NewProducer:
		return *v
	case *Message:
		return *v
	case *Typing:
		return *v
	default:
		return p
	}
}
