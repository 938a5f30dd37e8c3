// Package agent is the peer-side half of the session protocol: it negotiates
// capabilities and transports with the coordination server, produces media,
// consumes remote producers with bounded retries, and keeps its local stream
// set converged with the shared roster.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/croshq/meetpoint/internal/domain"
	"github.com/croshq/meetpoint/internal/engine"
	"github.com/croshq/meetpoint/internal/fanout"
	"github.com/croshq/meetpoint/internal/retry"
)

type State string

const (
	StateIdle               State = "idle"
	StateCapabilitiesLoaded State = "capabilities-loaded"
	StateDeviceLoaded       State = "device-loaded"
	StateTransportsReady    State = "transports-ready"
	StateJoined             State = "joined"
	StateLeft               State = "left"
)

var (
	ErrNotIdle        = errors.New("agent: join already in progress or done")
	ErrNoCapabilities = errors.New("agent: server reported no codecs")
	errEndedTrack     = errors.New("agent: consumed stream has no live track")
)

// Config drives one agent. Zero values fall back to the protocol defaults.
type Config struct {
	MeetingID   domain.MeetingID
	UID         string
	Email       string
	DisplayName string
	ProduceKind engine.MediaKind

	ProduceAttempts int
	ProduceBackoff  retry.Backoff
	ConsumeAttempts int
	ConsumeBackoff  retry.Backoff

	// ConnectWait bounds each transport connect; the outcome is a boolean,
	// not an error.
	ConnectWait    time.Duration
	StabilizeWait  time.Duration
	HealthInterval time.Duration
	DedupInterval  time.Duration
}

func (c *Config) applyDefaults() {
	if c.ProduceKind == "" {
		c.ProduceKind = engine.KindVideo
	}
	if c.ProduceAttempts == 0 {
		c.ProduceAttempts = 3
	}
	if c.ProduceBackoff == nil {
		c.ProduceBackoff = retry.Fixed(time.Second)
	}
	if c.ConsumeAttempts == 0 {
		c.ConsumeAttempts = 5
	}
	if c.ConsumeBackoff == nil {
		c.ConsumeBackoff = retry.Exponential(time.Second, 1.5, 8*time.Second)
	}
	if c.ConnectWait == 0 {
		c.ConnectWait = 4 * time.Second
	}
	if c.StabilizeWait == 0 {
		c.StabilizeWait = time.Second
	}
	if c.HealthInterval == 0 {
		c.HealthInterval = 20 * time.Second
	}
	if c.DedupInterval == 0 {
		c.DedupInterval = 30 * time.Second
	}
}

// consumerInfo mirrors the server's consume response.
type consumerInfo struct {
	ID            string               `json:"id"`
	ProducerID    domain.ProducerID    `json:"producerId"`
	Kind          engine.MediaKind     `json:"kind"`
	RTPParameters engine.RTPParameters `json:"rtpParameters"`
}

// Agent is one headless meeting participant.
type Agent struct {
	cfg Config
	sig Signaler

	// OnMessage and OnTyping, when set, receive relayed chat events.
	OnMessage func(fanout.Message)
	OnTyping  func(fanout.Typing)

	// newStream builds the local stream for a consumed descriptor; swapped
	// in tests to simulate ended tracks.
	newStream func(consumerInfo) Stream
	now       func() time.Time

	mu         sync.Mutex
	state      State
	caps       engine.Capabilities
	sendInfo   engine.TransportInfo
	recvInfo   engine.TransportInfo
	recvState  engine.ConnectionState
	producerID domain.ProducerID
	streams    []StreamEntry
}

func New(cfg Config, sig Signaler) *Agent {
	cfg.applyDefaults()
	return &Agent{
		cfg:       cfg,
		sig:       sig,
		state:     StateIdle,
		recvState: engine.StateNew,
		newStream: func(info consumerInfo) Stream {
			return Stream{ID: info.ID, Tracks: []Track{{Kind: info.Kind, Enabled: true, ReadyState: TrackLive}}}
		},
		now: time.Now,
	}
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Agent) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
	log.Debug().Str("module", "agent").Str("state", string(s)).Msg("state change")
}

// Streams returns a snapshot of the local stream set.
func (a *Agent) Streams() []StreamEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]StreamEntry, len(a.streams))
	copy(out, a.streams)
	return out
}

// Join walks the whole handshake: capabilities, device load, both transports,
// produce, join announce, then initial consumption of the returned roster.
// Produce failure after the bounded retries does not abort the join; the
// agent participates without outbound media.
func (a *Agent) Join(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateIdle && a.state != StateLeft {
		a.mu.Unlock()
		return ErrNotIdle
	}
	a.mu.Unlock()

	var caps engine.Capabilities
	if err := a.sig.Request(ctx, "getRtpCapabilities", nil, &caps); err != nil {
		return fmt.Errorf("load capabilities: %w", err)
	}
	a.mu.Lock()
	a.caps = caps
	a.mu.Unlock()
	a.setState(StateCapabilitiesLoaded)

	if len(caps.Codecs) == 0 {
		return ErrNoCapabilities
	}
	a.setState(StateDeviceLoaded)

	var sendInfo, recvInfo engine.TransportInfo
	if err := a.sig.Request(ctx, "createSendTransport", nil, &sendInfo); err != nil {
		return fmt.Errorf("create send transport: %w", err)
	}
	if err := a.sig.Request(ctx, "createRecvTransport", nil, &recvInfo); err != nil {
		return fmt.Errorf("create recv transport: %w", err)
	}
	a.mu.Lock()
	a.sendInfo, a.recvInfo = sendInfo, recvInfo
	a.mu.Unlock()

	sendUp := a.connectTransport(ctx, "connectSendTransport", sendInfo)
	recvUp := a.connectTransport(ctx, "connectRecvTransport", recvInfo)
	a.setRecvState(recvUp)
	if !sendUp || !recvUp {
		log.Warn().Str("module", "agent").Bool("send", sendUp).Bool("recv", recvUp).
			Msg("transport connect incomplete, continuing")
	}
	a.setState(StateTransportsReady)

	stats, err := retry.Do(ctx, a.cfg.ProduceAttempts, a.cfg.ProduceBackoff, func(int) error {
		var resp struct {
			ProducerID domain.ProducerID `json:"producerId"`
		}
		if err := a.sig.Request(ctx, "produce", map[string]any{
			"kind":          a.cfg.ProduceKind,
			"rtpParameters": engine.RTPParameters{MimeType: mimeFor(a.cfg.ProduceKind), ClockRate: clockFor(a.cfg.ProduceKind)},
		}, &resp); err != nil {
			return err
		}
		a.mu.Lock()
		a.producerID = resp.ProducerID
		a.mu.Unlock()
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "agent").Int("attempts", stats.Attempts).
			Msg("produce abandoned, joining without outbound media")
	}

	a.mu.Lock()
	producerID := a.producerID
	a.mu.Unlock()
	var joined struct {
		Participants []domain.Participant `json:"participants"`
	}
	err = a.sig.Request(ctx, "joined", map[string]any{
		"meetingId":  a.cfg.MeetingID,
		"producerId": producerID,
	}, &joined)
	if err != nil {
		return fmt.Errorf("announce join: %w", err)
	}
	a.setState(StateJoined)
	log.Info().Str("module", "agent").Str("meeting", string(a.cfg.MeetingID)).
		Int("roster", len(joined.Participants)).
		Msg("joined meeting")

	for _, p := range joined.Participants {
		if p.Email == a.cfg.Email {
			continue
		}
		a.consumeParticipant(ctx, p)
	}
	return nil
}

func (a *Agent) setRecvState(connected bool) {
	a.mu.Lock()
	if connected {
		a.recvState = engine.StateConnected
	} else {
		a.recvState = engine.StateFailed
	}
	a.mu.Unlock()
}

// connectTransport reports whether the connect completed within the bounded
// wait.
func (a *Agent) connectTransport(ctx context.Context, action string, info engine.TransportInfo) bool {
	connectCtx, cancel := context.WithTimeout(ctx, a.cfg.ConnectWait)
	defer cancel()
	err := a.sig.Request(connectCtx, action, map[string]any{
		"transportId":    info.ID,
		"dtlsParameters": info.DTLSParameters,
	}, nil)
	if err != nil {
		log.Warn().Err(err).Str("module", "agent").Str("action", action).Msg("transport connect failed")
		return false
	}
	return true
}

// consumeParticipant pulls one remote participant's media. Placeholder
// producer ids get a placeholder tile without touching the server. A stream
// whose tracks are all ended counts as a failed attempt.
func (a *Agent) consumeParticipant(ctx context.Context, p domain.Participant) {
	if p.ProducerID == "" || p.HasPlaceholderProducer() {
		a.addEntry(StreamEntry{
			ProducerID:  p.ProducerID,
			Email:       p.Email,
			DisplayName: p.DisplayName,
			AddedAt:     a.now(),
			Placeholder: true,
		})
		return
	}

	a.mu.Lock()
	caps := a.caps
	a.mu.Unlock()

	stats, err := retry.Do(ctx, a.cfg.ConsumeAttempts, a.cfg.ConsumeBackoff, func(int) error {
		var info consumerInfo
		if err := a.sig.Request(ctx, "consume", map[string]any{
			"producerId":      p.ProducerID,
			"rtpCapabilities": caps,
		}, &info); err != nil {
			return err
		}
		stream := a.newStream(info)
		if !stream.HasLiveTrack() {
			return errEndedTrack
		}
		a.addEntry(StreamEntry{
			ProducerID:  info.ProducerID,
			Email:       p.Email,
			DisplayName: p.DisplayName,
			Stream:      stream,
			AddedAt:     a.now(),
		})
		return nil
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "agent").
			Str("producer", string(p.ProducerID)).Str("email", p.Email).
			Int("attempts", stats.Attempts).
			Msg("giving up on remote stream")
	}
}

// addEntry inserts and immediately deduplicates, so a real stream replaces
// its placeholder without waiting for the reconcile timer.
func (a *Agent) addEntry(e StreamEntry) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streams = Deduplicate(append(a.streams, e))
}

// Run is the agent's event loop: relayed events, the periodic health check,
// and the periodic stream reconcile. Returns when ctx ends or the signaler
// closes.
func (a *Agent) Run(ctx context.Context) error {
	health := time.NewTicker(a.cfg.HealthInterval)
	defer health.Stop()
	reconcile := time.NewTicker(a.cfg.DedupInterval)
	defer reconcile.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p, ok := <-a.sig.Events():
			if !ok {
				return ErrSignalerClosed
			}
			a.handleEvent(ctx, p)
		case <-health.C:
			a.healthCheck(ctx)
		case <-reconcile.C:
			a.reconcile()
		}
	}
}

func (a *Agent) handleEvent(ctx context.Context, p fanout.Payload) {
	switch e := p.(type) {
	case fanout.Joined:
		if e.Email == a.cfg.Email || e.MeetingID != a.cfg.MeetingID {
			return
		}
		a.consumeParticipant(ctx, e.Participant)
	case fanout.Left:
		if e.MeetingID != a.cfg.MeetingID {
			return
		}
		a.removeParticipant(e.ProducerID, e.Email)
	case fanout.NewProducer:
		if e.MeetingID != "" && e.MeetingID != a.cfg.MeetingID {
			return
		}
		a.consumeNewProducer(ctx, e.ProducerID)
	case fanout.Message:
		if a.OnMessage != nil && e.MeetingID == a.cfg.MeetingID {
			a.OnMessage(e)
		}
	case fanout.Typing:
		if a.OnTyping != nil && e.MeetingID == a.cfg.MeetingID {
			a.OnTyping(e)
		}
	}
}

// consumeNewProducer resolves the producer's owner through the roster before
// consuming, so the stream lands on the right participant tile.
func (a *Agent) consumeNewProducer(ctx context.Context, producerID domain.ProducerID) {
	owner := domain.Participant{ProducerID: producerID}
	var resp struct {
		Participants []domain.Participant `json:"participants"`
	}
	err := a.sig.Request(ctx, "participants", map[string]any{"meetingId": a.cfg.MeetingID}, &resp)
	if err != nil {
		log.Warn().Err(err).Str("module", "agent").Msg("roster fetch for new producer failed")
	} else {
		for _, p := range resp.Participants {
			if p.ProducerID == producerID {
				owner = p
				break
			}
		}
	}
	if owner.Email == a.cfg.Email {
		return
	}
	a.consumeParticipant(ctx, owner)
}

// removeParticipant stops and drops the matching entry: producerId match
// first, then email fallback. Unknown participants are a no-op.
func (a *Agent) removeParticipant(producerID domain.ProducerID, email string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := -1
	for i := range a.streams {
		if producerID != "" && a.streams[i].ProducerID == producerID {
			idx = i
			break
		}
	}
	if idx < 0 && email != "" {
		for i := range a.streams {
			if a.streams[i].Email == email {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return
	}
	for t := range a.streams[idx].Stream.Tracks {
		a.streams[idx].Stream.Tracks[t].Enabled = false
		a.streams[idx].Stream.Tracks[t].ReadyState = TrackEnded
	}
	a.streams = append(a.streams[:idx], a.streams[idx+1:]...)
	log.Info().Str("module", "agent").Str("email", email).
		Str("producer", string(producerID)).
		Msg("removed remote stream")
}

// healthCheck re-enables disabled tracks locally and, while any real remote
// stream is held, asks the server to resume its side of the consumers. Ended
// tracks are not replaced here; recovery belongs to the reconnect flow.
func (a *Agent) healthCheck(ctx context.Context) {
	a.mu.Lock()
	resumed, ended, remote := 0, 0, 0
	for i := range a.streams {
		if !a.streams[i].Placeholder {
			remote++
		}
		for t := range a.streams[i].Stream.Tracks {
			track := &a.streams[i].Stream.Tracks[t]
			if track.ReadyState == TrackEnded {
				ended++
				continue
			}
			if !track.Enabled {
				track.Enabled = true
				resumed++
			}
		}
	}
	a.mu.Unlock()

	if remote > 0 {
		var resp struct {
			Resumed int `json:"resumed"`
		}
		if err := a.sig.Request(ctx, "resume", nil, &resp); err != nil {
			log.Warn().Err(err).Str("module", "agent").Msg("server-side resume failed")
		} else if resp.Resumed > 0 {
			log.Info().Str("module", "agent").Int("serverResumed", resp.Resumed).
				Msg("server consumers resumed")
		}
	}
	if resumed > 0 || ended > 0 {
		log.Info().Str("module", "agent").
			Int("resumed", resumed).Int("ended", ended).
			Msg("health check")
	}
}

func (a *Agent) reconcile() {
	a.mu.Lock()
	before := len(a.streams)
	a.streams = Deduplicate(a.streams)
	after := len(a.streams)
	a.mu.Unlock()
	if after < before {
		log.Info().Str("module", "agent").Int("dropped", before-after).Msg("stream set reconciled")
	}
}

// Reconnect restores inbound media: the receive transport is recreated only
// when it previously failed or never came up, then every roster participant
// missing locally is re-consumed. A healthy transport is left alone.
func (a *Agent) Reconnect(ctx context.Context) error {
	a.mu.Lock()
	recvState := a.recvState
	a.mu.Unlock()

	if recvState != engine.StateConnected {
		var recvInfo engine.TransportInfo
		if err := a.sig.Request(ctx, "createRecvTransport", nil, &recvInfo); err != nil {
			return fmt.Errorf("recreate recv transport: %w", err)
		}
		a.mu.Lock()
		a.recvInfo = recvInfo
		a.mu.Unlock()
		a.setRecvState(a.connectTransport(ctx, "connectRecvTransport", recvInfo))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.cfg.StabilizeWait):
		}
	}

	var resp struct {
		Participants []domain.Participant `json:"participants"`
	}
	if err := a.sig.Request(ctx, "participants", map[string]any{"meetingId": a.cfg.MeetingID}, &resp); err != nil {
		return fmt.Errorf("roster fetch: %w", err)
	}
	for _, p := range resp.Participants {
		if p.Email == a.cfg.Email || a.hasParticipant(p) {
			continue
		}
		a.consumeParticipant(ctx, p)
	}
	return nil
}

// Reattach rebuilds the session on a freshly dialed signaler after the
// previous one closed. The server forgets a participant when its connection
// drops, so the whole handshake is redone, then Reconnect picks up any
// roster streams still missing. Call only after Run has returned.
func (a *Agent) Reattach(ctx context.Context, sig Signaler) error {
	a.mu.Lock()
	a.sig = sig
	a.recvState = engine.StateClosed
	a.state = StateLeft
	a.mu.Unlock()

	if err := a.Join(ctx); err != nil {
		return fmt.Errorf("rejoin: %w", err)
	}
	return a.Reconnect(ctx)
}

func (a *Agent) hasParticipant(p domain.Participant) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.streams {
		if e.ProducerID != "" && e.ProducerID == p.ProducerID {
			return true
		}
		if e.Email == p.Email && !e.Placeholder {
			return true
		}
	}
	return false
}

// Leave announces departure and clears the local stream set.
func (a *Agent) Leave(ctx context.Context) error {
	err := a.sig.Request(ctx, "left", map[string]any{"meetingId": a.cfg.MeetingID}, nil)
	a.mu.Lock()
	for i := range a.streams {
		for t := range a.streams[i].Stream.Tracks {
			a.streams[i].Stream.Tracks[t].Enabled = false
			a.streams[i].Stream.Tracks[t].ReadyState = TrackEnded
		}
	}
	a.streams = nil
	a.mu.Unlock()
	a.setState(StateLeft)
	return err
}

func mimeFor(kind engine.MediaKind) string {
	if kind == engine.KindAudio {
		return "audio/opus"
	}
	return "video/VP8"
}

func clockFor(kind engine.MediaKind) uint32 {
	if kind == engine.KindAudio {
		return 48000
	}
	return 90000
}
