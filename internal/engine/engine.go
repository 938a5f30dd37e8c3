// Package engine is the narrow capability interface the coordination layer
// needs from the media-routing engine. The engine itself (ICE/DTLS/SRTP, RTP
// routing, codec negotiation) lives behind these interfaces and is not part
// of this repository's concern.
package engine

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/croshq/meetpoint/internal/domain"
)

var (
	ErrUnavailable      = errors.New("engine unavailable")
	ErrProducerNotFound = errors.New("producer not found")
	ErrTransportClosed  = errors.New("transport closed")
)

// Direction of a transport relative to the connection that owns it.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// ConnectionState mirrors the transport's ICE/DTLS path state.
type ConnectionState string

const (
	StateNew          ConnectionState = "new"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateDisconnected ConnectionState = "disconnected"
	StateFailed       ConnectionState = "failed"
	StateClosed       ConnectionState = "closed"
)

// MediaKind of a producer or consumer track.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Capabilities describes what the engine's router can route.
type Capabilities struct {
	Codecs           []webrtc.RTPCodecCapability `json:"codecs"`
	HeaderExtensions []string                    `json:"headerExtensions,omitempty"`
}

// RTPParameters is the subset of RTP negotiation state the signaling layer
// forwards between peer and engine. It is opaque to the coordinator.
type RTPParameters struct {
	MimeType  string `json:"mimeType"`
	ClockRate uint32 `json:"clockRate"`
	Channels  uint16 `json:"channels,omitempty"`
	SSRC      uint32 `json:"ssrc,omitempty"`
}

// TransportInfo is the descriptor handed to a peer so it can mirror the
// engine-side transport.
type TransportInfo struct {
	ID             string                     `json:"id"`
	ICEParameters  webrtc.ICEParameters       `json:"iceParameters"`
	ICECandidates  []webrtc.ICECandidateInit  `json:"iceCandidates"`
	DTLSParameters webrtc.DTLSParameters      `json:"dtlsParameters"`
}

// Router creates transports and answers capability questions.
type Router interface {
	Capabilities() Capabilities
	CreateTransport(ctx context.Context) (Transport, error)
	// CanConsume reports whether a peer with the given capabilities can
	// decode the named producer.
	CanConsume(producerID domain.ProducerID, caps Capabilities) bool
}

// Transport is one negotiated ICE/DTLS path. Owned exclusively by the
// connection that created it; never shared.
type Transport interface {
	ID() string
	Info() TransportInfo
	State() ConnectionState
	Connect(dtls webrtc.DTLSParameters) error
	Produce(kind MediaKind, rtp RTPParameters) (Producer, error)
	Consume(producerID domain.ProducerID, caps Capabilities) (Consumer, error)
	// RestartICE returns fresh ICE parameters for this transport.
	RestartICE() (webrtc.ICEParameters, error)
	Close()
}

// Producer is an outbound media source registered on a send transport.
type Producer interface {
	ID() domain.ProducerID
	Kind() MediaKind
	Paused() bool
	Closed() bool
	Close()
}

// Consumer is an inbound media sink bound to a remote producer.
type Consumer interface {
	ID() string
	ProducerID() domain.ProducerID
	Kind() MediaKind
	RTPParameters() RTPParameters
	Paused() bool
	Resume() error
	Closed() bool
	Close()
}

// Engine owns the worker process and its router.
type Engine interface {
	Router() Router
	// Died is closed (or receives an error) when the engine worker
	// terminates. Worker death is not recoverable in-process.
	Died() <-chan error
	Close()
}
