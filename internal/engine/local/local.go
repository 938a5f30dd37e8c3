// Package local is an in-process media engine. It performs no packet
// routing; it models the engine's control surface (transports, producers,
// consumers, capability checks) so the coordination layer can be developed
// and tested against real negotiation flows.
package local

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/croshq/meetpoint/internal/domain"
	"github.com/croshq/meetpoint/internal/engine"
)

type Engine struct {
	router *Router
	died   chan error
	once   sync.Once
}

func New() *Engine {
	e := &Engine{
		router: newRouter(),
		died:   make(chan error, 1),
	}
	log.Info().Str("module", "engine.local").Msg("engine worker and router initialized")
	return e
}

func (e *Engine) Router() engine.Router { return e.router }

func (e *Engine) Died() <-chan error { return e.died }

// Kill simulates worker termination. The host process is expected to exit.
func (e *Engine) Kill(err error) {
	e.once.Do(func() {
		e.died <- err
		close(e.died)
	})
}

func (e *Engine) Close() {
	e.router.close()
}

type Router struct {
	mu        sync.RWMutex
	caps      engine.Capabilities
	producers map[domain.ProducerID]*Producer
	closed    bool
}

func newRouter() *Router {
	return &Router{
		caps: engine.Capabilities{
			Codecs: []webrtc.RTPCodecCapability{
				{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2, SDPFmtpLine: "minptime=10;useinbandfec=1"},
				{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			},
			HeaderExtensions: []string{
				"urn:ietf:params:rtp-hdrext:sdes:mid",
				"urn:ietf:params:rtp-hdrext:ssrc-audio-level",
			},
		},
		producers: make(map[domain.ProducerID]*Producer),
	}
}

func (r *Router) Capabilities() engine.Capabilities {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.caps
}

func (r *Router) CreateTransport(ctx context.Context) (engine.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, engine.ErrUnavailable
	}
	t := newTransport(r)
	log.Debug().Str("module", "engine.local").Str("transport", t.id).Msg("transport created")
	return t, nil
}

// CanConsume requires the producer to exist and the requester to advertise a
// codec matching the producer's kind.
func (r *Router) CanConsume(producerID domain.ProducerID, caps engine.Capabilities) bool {
	r.mu.RLock()
	p, ok := r.producers[producerID]
	r.mu.RUnlock()
	if !ok || p.Closed() {
		return false
	}
	want := "audio/"
	if p.Kind() == engine.KindVideo {
		want = "video/"
	}
	for _, c := range caps.Codecs {
		if len(c.MimeType) >= len(want) && c.MimeType[:len(want)] == want {
			return true
		}
	}
	return false
}

func (r *Router) register(p *Producer) {
	r.mu.Lock()
	r.producers[p.id] = p
	r.mu.Unlock()
}

func (r *Router) unregister(id domain.ProducerID) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *Router) lookup(id domain.ProducerID) (*Producer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.producers[id]
	return p, ok
}

func (r *Router) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
}

type Transport struct {
	router *Router
	id     string
	info   engine.TransportInfo

	mu        sync.Mutex
	state     engine.ConnectionState
	producers []*Producer
	consumers []*Consumer
}

func newTransport(r *Router) *Transport {
	id := uuid.NewString()
	mid := "0"
	var line uint16
	fp := sha256.Sum256([]byte(id))
	t := &Transport{
		router: r,
		id:     id,
		state:  engine.StateNew,
		info: engine.TransportInfo{
			ID:            id,
			ICEParameters: engine.SynthesizeICEParameters(),
			ICECandidates: []webrtc.ICECandidateInit{
				{
					Candidate:     "candidate:1 1 udp 2130706431 127.0.0.1 40000 typ host",
					SDPMid:        &mid,
					SDPMLineIndex: &line,
				},
			},
			DTLSParameters: webrtc.DTLSParameters{
				Role: webrtc.DTLSRoleAuto,
				Fingerprints: []webrtc.DTLSFingerprint{
					{Algorithm: "sha-256", Value: hex.EncodeToString(fp[:8])},
				},
			},
		},
	}
	return t
}

func (t *Transport) ID() string { return t.id }

func (t *Transport) Info() engine.TransportInfo { return t.info }

func (t *Transport) State() engine.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) Connect(dtls webrtc.DTLSParameters) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == engine.StateClosed {
		return engine.ErrTransportClosed
	}
	if len(dtls.Fingerprints) == 0 {
		return fmt.Errorf("connect transport %s: no dtls fingerprints", t.id)
	}
	t.state = engine.StateConnected
	return nil
}

func (t *Transport) Produce(kind engine.MediaKind, rtp engine.RTPParameters) (engine.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == engine.StateClosed {
		return nil, engine.ErrTransportClosed
	}
	p := &Producer{
		id:     domain.ProducerID(uuid.NewString()),
		kind:   kind,
		rtp:    rtp,
		router: t.router,
	}
	t.producers = append(t.producers, p)
	t.router.register(p)
	return p, nil
}

func (t *Transport) Consume(producerID domain.ProducerID, caps engine.Capabilities) (engine.Consumer, error) {
	if !t.router.CanConsume(producerID, caps) {
		return nil, engine.ErrProducerNotFound
	}
	src, _ := t.router.lookup(producerID)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == engine.StateClosed {
		return nil, engine.ErrTransportClosed
	}
	c := &Consumer{
		id:         uuid.NewString(),
		producerID: producerID,
		kind:       src.Kind(),
		rtp:        src.rtp,
	}
	t.consumers = append(t.consumers, c)
	return c, nil
}

func (t *Transport) RestartICE() (webrtc.ICEParameters, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == engine.StateClosed {
		return webrtc.ICEParameters{}, engine.ErrTransportClosed
	}
	t.info.ICEParameters = engine.SynthesizeICEParameters()
	return t.info.ICEParameters, nil
}

func (t *Transport) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == engine.StateClosed {
		return
	}
	t.state = engine.StateClosed
	for _, p := range t.producers {
		p.Close()
	}
	for _, c := range t.consumers {
		c.Close()
	}
}

type Producer struct {
	id     domain.ProducerID
	kind   engine.MediaKind
	rtp    engine.RTPParameters
	router *Router

	mu     sync.Mutex
	closed bool
}

func (p *Producer) ID() domain.ProducerID  { return p.id }
func (p *Producer) Kind() engine.MediaKind { return p.kind }
func (p *Producer) Paused() bool           { return false }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.router.unregister(p.id)
}

type Consumer struct {
	id         string
	producerID domain.ProducerID
	kind       engine.MediaKind
	rtp        engine.RTPParameters

	mu     sync.Mutex
	paused bool
	closed bool
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producerID }
func (c *Consumer) Kind() engine.MediaKind              { return c.kind }
func (c *Consumer) RTPParameters() engine.RTPParameters { return c.rtp }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return engine.ErrTransportClosed
	}
	c.paused = false
	return nil
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Consumer) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}
