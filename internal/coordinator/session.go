// Package coordinator holds the per-connection session state machine between
// a signaling connection and the media engine.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/croshq/meetpoint/internal/domain"
	"github.com/croshq/meetpoint/internal/engine"
	"github.com/croshq/meetpoint/internal/fanout"
	"github.com/croshq/meetpoint/internal/history"
	"github.com/croshq/meetpoint/internal/registry"
	"github.com/croshq/meetpoint/internal/retry"
)

const (
	resumeAttempts = 3
	resumeStep     = 500 * time.Millisecond
	publishTimeout = 5 * time.Second
)

// Deps are the collaborators every session shares.
type Deps struct {
	Router    engine.Router
	Registry  registry.Store
	History   history.Store
	Bus       fanout.Bus
	Directory *ProducerDirectory
}

// Session owns the engine-side state of one live signaling connection: at
// most one send and one receive transport, the producers and consumers
// created on them, and the participant identity once announced. All state is
// per-connection except the producer directory.
type Session struct {
	connID string
	deps   Deps

	// resumeBackoff is swapped in tests to avoid real sleeps.
	resumeBackoff retry.Backoff
	now           func() time.Time

	mu        sync.Mutex
	send      engine.Transport
	recv      engine.Transport
	producers map[domain.ProducerID]engine.Producer
	consumers map[string]engine.Consumer
	identity  domain.Participant
	announced bool
	closed    bool
}

func NewSession(connID string, deps Deps) *Session {
	return &Session{
		connID:        connID,
		deps:          deps,
		resumeBackoff: retry.Linear(resumeStep),
		now:           time.Now,
		producers:     make(map[domain.ProducerID]engine.Producer),
		consumers:     make(map[string]engine.Consumer),
	}
}

func (s *Session) ConnID() string { return s.connID }

// Identity returns the announced participant, if any.
func (s *Session) Identity() (domain.Participant, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity, s.announced
}

// Capabilities reports what the engine's router can route.
func (s *Session) Capabilities() (engine.Capabilities, error) {
	if s.deps.Router == nil {
		return engine.Capabilities{}, ErrEngineUnavailable
	}
	return s.deps.Router.Capabilities(), nil
}

// CreateTransport creates the session's transport for the given direction,
// replacing any previous one.
func (s *Session) CreateTransport(ctx context.Context, dir engine.Direction) (engine.TransportInfo, error) {
	if s.deps.Router == nil {
		return engine.TransportInfo{}, ErrEngineUnavailable
	}
	tr, err := s.deps.Router.CreateTransport(ctx)
	if err != nil {
		return engine.TransportInfo{}, fmt.Errorf("create %s transport: %w", dir, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		tr.Close()
		return engine.TransportInfo{}, ErrSessionClosed
	}
	switch dir {
	case engine.DirectionSend:
		if s.send != nil {
			s.send.Close()
		}
		s.send = tr
	default:
		if s.recv != nil {
			s.recv.Close()
		}
		s.recv = tr
	}
	log.Debug().Str("module", "coordinator").
		Str("conn", s.connID).Str("direction", string(dir)).Str("transport", tr.ID()).
		Msg("transport created")
	return tr.Info(), nil
}

// ConnectTransport completes the DTLS handshake for the transport with the
// given id.
func (s *Session) ConnectTransport(transportID string, dtls webrtc.DTLSParameters) error {
	s.mu.Lock()
	tr := s.transportByID(transportID)
	s.mu.Unlock()
	if tr == nil {
		return fmt.Errorf("%w: %s", ErrTransportNotFound, transportID)
	}
	if err := tr.Connect(dtls); err != nil {
		return fmt.Errorf("connect transport %s: %w", transportID, err)
	}
	return nil
}

// transportByID is called with s.mu held.
func (s *Session) transportByID(id string) engine.Transport {
	if s.send != nil && s.send.ID() == id {
		return s.send
	}
	if s.recv != nil && s.recv.ID() == id {
		return s.recv
	}
	return nil
}

// Produce registers an outbound media source on the send transport. A dead
// send transport is recreated once before giving up; the new producer is
// entered in the shared directory and announced on the bus.
func (s *Session) Produce(ctx context.Context, kind engine.MediaKind, rtp engine.RTPParameters) (domain.ProducerID, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrSessionClosed
	}
	tr := s.send
	if tr == nil || tr.State() == engine.StateClosed || tr.State() == engine.StateFailed {
		if s.deps.Router == nil {
			s.mu.Unlock()
			return "", ErrEngineUnavailable
		}
		fresh, err := s.deps.Router.CreateTransport(ctx)
		if err != nil {
			s.mu.Unlock()
			return "", fmt.Errorf("recreate send transport: %w", err)
		}
		if tr != nil {
			tr.Close()
		}
		log.Warn().Str("module", "coordinator").Str("conn", s.connID).
			Msg("send transport was unusable, recreated")
		s.send = fresh
		tr = fresh
	}

	producer, err := tr.Produce(kind, rtp)
	if err != nil {
		s.mu.Unlock()
		return "", fmt.Errorf("produce %s: %w", kind, err)
	}
	s.producers[producer.ID()] = producer
	s.mu.Unlock()

	s.deps.Directory.Register(s.connID, producer.ID(), kind)
	s.mu.Lock()
	meetingID := s.identity.MeetingID
	s.mu.Unlock()
	s.publish(fanout.NewProducer{
		ProducerID: producer.ID(),
		ConnID:     s.connID,
		Kind:       string(kind),
		MeetingID:  meetingID,
	})
	log.Info().Str("module", "coordinator").
		Str("conn", s.connID).Str("producer", string(producer.ID())).Str("kind", string(kind)).
		Msg("producer created")
	return producer.ID(), nil
}

// ConsumerDescriptor is handed back to the peer so it can mirror the consumer.
type ConsumerDescriptor struct {
	ID            string               `json:"id"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          engine.MediaKind     `json:"kind"`
	RTPParameters engine.RTPParameters `json:"rtpParameters"`

	// ResumeAttempts records how many resume calls were made; Resumed is
	// false when all of them failed. The descriptor is still returned.
	ResumeAttempts int  `json:"-"`
	Resumed        bool `json:"-"`
}

// Consume binds an inbound sink on the receive transport to a remote
// producer. Capability mismatch fails before any engine state is created.
// The consumer starts paused and is resumed with a bounded linear retry; if
// every resume fails the descriptor is returned anyway and the failure is
// logged.
func (s *Session) Consume(ctx context.Context, producerID domain.ProducerID, caps engine.Capabilities) (ConsumerDescriptor, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ConsumerDescriptor{}, ErrSessionClosed
	}
	tr := s.recv
	s.mu.Unlock()
	if tr == nil {
		return ConsumerDescriptor{}, ErrRecvTransportMissing
	}
	if s.deps.Router == nil {
		return ConsumerDescriptor{}, ErrEngineUnavailable
	}
	if !s.deps.Router.CanConsume(producerID, caps) {
		return ConsumerDescriptor{}, fmt.Errorf("%w: producer %s", ErrIncompatibleCapabilities, producerID)
	}

	consumer, err := tr.Consume(producerID, caps)
	if err != nil {
		return ConsumerDescriptor{}, fmt.Errorf("consume producer %s: %w", producerID, err)
	}

	s.mu.Lock()
	s.consumers[consumer.ID()] = consumer
	s.mu.Unlock()

	stats, resumeErr := retry.Do(ctx, resumeAttempts, s.resumeBackoff, func(int) error {
		return consumer.Resume()
	})
	if resumeErr != nil {
		log.Warn().Err(resumeErr).Str("module", "coordinator").
			Str("conn", s.connID).Str("consumer", consumer.ID()).
			Int("attempts", stats.Attempts).
			Msg("consumer resume failed, descriptor returned paused")
	}
	return ConsumerDescriptor{
		ID:             consumer.ID(),
		ProducerID:     consumer.ProducerID(),
		Kind:           consumer.Kind(),
		RTPParameters:  consumer.RTPParameters(),
		ResumeAttempts: stats.Attempts,
		Resumed:        resumeErr == nil,
	}, nil
}

// ResumeConsumers re-issues resume on every held consumer. Driven by the
// peer's periodic health check; individual failures are logged, not fatal.
func (s *Session) ResumeConsumers() int {
	s.mu.Lock()
	consumers := make([]engine.Consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.mu.Unlock()

	resumed := 0
	for _, c := range consumers {
		if c.Closed() {
			continue
		}
		if err := c.Resume(); err != nil {
			log.Warn().Err(err).Str("module", "coordinator").
				Str("conn", s.connID).Str("consumer", c.ID()).
				Msg("health-check resume failed")
			continue
		}
		resumed++
	}
	return resumed
}

// RestartICE returns fresh ICE parameters for the transport. When the
// transport is gone or the engine refuses, synthesized placeholder parameters
// are returned so the peer's restart flow can still complete.
func (s *Session) RestartICE(transportID string) webrtc.ICEParameters {
	s.mu.Lock()
	tr := s.transportByID(transportID)
	s.mu.Unlock()
	if tr == nil {
		log.Warn().Str("module", "coordinator").Str("conn", s.connID).
			Str("transport", transportID).
			Msg("ice restart for unknown transport, synthesizing parameters")
		return engine.SynthesizeICEParameters()
	}
	params, err := tr.RestartICE()
	if err != nil {
		log.Warn().Err(err).Str("module", "coordinator").Str("conn", s.connID).
			Str("transport", transportID).
			Msg("engine ice restart failed, synthesizing parameters")
		return engine.SynthesizeICEParameters()
	}
	return params
}

// AnnounceJoin merges the participant into the shared roster, records the
// join, and publishes the arrival. The returned snapshot is the roster as of
// this join, placeholder producer ids included.
func (s *Session) AnnounceJoin(ctx context.Context, p domain.Participant) ([]domain.Participant, error) {
	p.Normalize()
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if err := s.deps.Registry.Add(ctx, p); err != nil {
		return nil, fmt.Errorf("register participant: %w", err)
	}
	roster, err := s.deps.Registry.List(ctx, p.MeetingID)
	if err != nil {
		return nil, fmt.Errorf("read roster: %w", err)
	}

	s.mu.Lock()
	s.identity = p
	s.announced = true
	s.mu.Unlock()

	now := s.now()
	s.recordAction(ctx, p, domain.ActionJoin, now)
	s.publish(fanout.Joined{
		Participant: p,
		NeedsStream: true,
		JoinedAt:    now.UnixMilli(),
	})
	log.Info().Str("module", "coordinator").
		Str("conn", s.connID).Str("meeting", string(p.MeetingID)).Str("email", p.Email).
		Int("roster", len(roster)).
		Msg("participant joined")
	return roster, nil
}

// AnnounceLeave removes the announced participant from the roster, records
// the leave, and publishes the departure. Safe to call for a session that
// never joined. The announced flag is only cleared once the roster removal
// succeeds, so a failed leave can be retried.
func (s *Session) AnnounceLeave(ctx context.Context) error {
	s.mu.Lock()
	p, announced := s.identity, s.announced
	s.mu.Unlock()
	if !announced {
		return nil
	}

	if err := s.deps.Registry.Remove(ctx, p.MeetingID, p.Email); err != nil {
		return fmt.Errorf("remove participant: %w", err)
	}
	s.mu.Lock()
	s.announced = false
	s.mu.Unlock()
	now := s.now()
	s.recordAction(ctx, p, domain.ActionLeave, now)
	s.publish(fanout.Left{Participant: p, Timestamp: now})
	log.Info().Str("module", "coordinator").
		Str("conn", s.connID).Str("meeting", string(p.MeetingID)).Str("email", p.Email).
		Msg("participant left")
	return nil
}

// recordAction appends to both the registry's action log and the durable
// history store. Recording failures are logged, never surfaced: the join or
// leave itself has already happened.
func (s *Session) recordAction(ctx context.Context, p domain.Participant, action domain.ActionType, at time.Time) {
	rec := domain.NewAction(p, action, at)
	if err := s.deps.Registry.AppendAction(ctx, p.MeetingID, rec); err != nil {
		log.Warn().Err(err).Str("module", "coordinator").
			Str("meeting", string(p.MeetingID)).Str("action", string(action)).
			Msg("registry action append failed")
	}
	if s.deps.History != nil {
		if err := s.deps.History.AddParticipantAction(ctx, p.MeetingID, rec); err != nil {
			log.Warn().Err(err).Str("module", "coordinator").
				Str("meeting", string(p.MeetingID)).Str("action", string(action)).
				Msg("history write failed")
		}
	}
}

// publish fires an event at the bus without blocking the signaling path.
func (s *Session) publish(p fanout.Payload) {
	if s.deps.Bus == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := s.deps.Bus.Publish(ctx, p); err != nil {
			log.Warn().Err(err).Str("module", "coordinator").
				Str("channel", string(p.Channel())).
				Msg("event publish failed")
		}
	}()
}

// Close tears the session down: consumers first, then producers, then
// transports. The shared directory forgets this connection's producers.
// Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	consumers := s.consumers
	producers := s.producers
	send, recv := s.send, s.recv
	s.consumers = map[string]engine.Consumer{}
	s.producers = map[domain.ProducerID]engine.Producer{}
	s.send, s.recv = nil, nil
	s.mu.Unlock()

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	if send != nil {
		send.Close()
	}
	if recv != nil {
		recv.Close()
	}
	removed := s.deps.Directory.RemoveConn(s.connID)
	log.Debug().Str("module", "coordinator").Str("conn", s.connID).
		Int("producers", len(removed)).
		Msg("session closed")
}

// WatchEngine invokes onDeath when the engine's worker terminates or ctx
// ends. The server's onDeath exits the process; worker death is not
// recoverable in-process.
func WatchEngine(ctx context.Context, eng engine.Engine, onDeath func(error)) {
	go func() {
		select {
		case <-ctx.Done():
		case err, ok := <-eng.Died():
			if !ok {
				err = errors.New("engine worker channel closed")
			}
			onDeath(err)
		}
	}()
}
