package signalws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/croshq/meetpoint/internal/coordinator"
	"github.com/croshq/meetpoint/internal/domain"
	"github.com/croshq/meetpoint/internal/engine"
	"github.com/croshq/meetpoint/internal/fanout"
)

const (
	sendBuffer     = 32
	writeWait      = 5 * time.Second
	requestTimeout = 10 * time.Second
)

// envelope is one inbound signaling frame. ID correlates the response.
type envelope struct {
	Type string          `json:"type"`
	ID   string          `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type response struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

// eventFrame is a broadcast relayed from the fanout bus.
type eventFrame struct {
	Type    string         `json:"type"`
	Channel fanout.Channel `json:"channel"`
	Data    fanout.Payload `json:"data"`
}

// Controller owns the signaling endpoint: it upgrades connections, runs the
// pumps, dispatches envelopes to the per-connection session, and relays bus
// events to the hub.
type Controller struct {
	Hub     *Hub
	Deps    coordinator.Deps
	Limiter *JoinRateLimiter

	ReadLimit  int64
	PingPeriod time.Duration
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	claims, ok := identityFrom(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signalws").Msg("ws upgrade")
		return
	}

	connID := uuid.NewString()
	log.Info().Str("module", "signalws").Str("conn", connID).Str("email", claims.Email).
		Msg("new signaling connection")

	conn := newConn(connID, ws, sendBuffer)
	session := coordinator.NewSession(connID, ctl.Deps)
	connCtx, cancel := context.WithCancel(ctx)
	ctl.Hub.Bind(conn, session, cancel)

	go ctl.writePump(connCtx, conn)
	go ctl.readPump(connCtx, claims, conn, session)
}

func (ctl *Controller) writePump(ctx context.Context, c *Conn) {
	ticker := time.NewTicker(ctl.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Warn().Err(err).Str("module", "signalws").Str("conn", c.id).Msg("ping failed")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signalws").Str("conn", c.id).Msg("set write deadline")
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signalws").Str("conn", c.id).Msg("write error")
				return
			}
		}
	}
}

func (ctl *Controller) readPump(ctx context.Context, claims *Claims, c *Conn, session *coordinator.Session) {
	defer func() {
		leaveCtx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		if err := session.AnnounceLeave(leaveCtx); err != nil {
			log.Warn().Err(err).Str("module", "signalws").Str("conn", c.id).Msg("leave on disconnect")
		}
		cancel()
		session.Close()
		ctl.Hub.Unbind(c.id)
		c.Close()
		log.Info().Str("module", "signalws").Str("conn", c.id).Msg("connection closed")
	}()

	c.ws.SetReadLimit(ctl.ReadLimit)
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.ws.ReadMessage()
			if err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Warn().Err(err).Str("module", "signalws").Str("conn", c.id).Msg("read error")
				}
				return
			}
			ctl.handleFrame(ctx, claims, c, session, data)
		}
	}
}

func (ctl *Controller) handleFrame(ctx context.Context, claims *Claims, c *Conn, session *coordinator.Session, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signalws").Str("conn", c.id).Msg("bad frame")
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	result, err := ctl.dispatch(reqCtx, claims, session, env)
	err = mapRequestErr(env.Type, err)
	if env.ID == "" {
		if err != nil {
			log.Warn().Err(err).Str("module", "signalws").
				Str("conn", c.id).Str("type", env.Type).
				Msg("fire-and-forget action failed")
		}
		return
	}
	resp := response{Type: "response", ID: env.ID, Data: result}
	if err != nil {
		resp.Error = err.Error()
		resp.Data = nil
	}
	ctl.sendJSON(c, resp)
}

func (ctl *Controller) dispatch(ctx context.Context, claims *Claims, session *coordinator.Session, env envelope) (any, error) {
	switch env.Type {
	case "getRtpCapabilities":
		return session.Capabilities()
	case "createSendTransport":
		return session.CreateTransport(ctx, engine.DirectionSend)
	case "createRecvTransport":
		return session.CreateTransport(ctx, engine.DirectionRecv)
	case "connectSendTransport", "connectRecvTransport":
		return ctl.handleConnect(session, env.Data)
	case "produce":
		return ctl.handleProduce(ctx, session, env.Data)
	case "consume":
		return ctl.handleConsume(ctx, session, env.Data)
	case "restartIce":
		return ctl.handleRestartICE(session, env.Data)
	case "joined":
		return ctl.handleJoined(ctx, claims, session, env.Data)
	case "left":
		return gin.H{"left": true}, session.AnnounceLeave(ctx)
	case "participants":
		return ctl.handleParticipants(ctx, env.Data)
	case "message":
		return ctl.handleMessage(ctx, claims, env.Data)
	case "chats":
		return ctl.handleChats(ctx, env.Data)
	case "typing":
		return ctl.handleTyping(ctx, claims, env.Data)
	case "resume":
		return gin.H{"resumed": session.ResumeConsumers()}, nil
	default:
		log.Warn().Str("module", "signalws").Str("type", env.Type).Msg("unknown action")
		return nil, errUnknownAction(env.Type)
	}
}

type errUnknownAction string

func (e errUnknownAction) Error() string { return "unknown action: " + string(e) }

// mapRequestErr turns a blown request deadline into the session timeout
// sentinel so callers see the action that stalled, not a bare context error.
func mapRequestErr(action string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", coordinator.ErrTimedOut, action)
	}
	return err
}

var errTooManyJoins = errors.New("too many join attempts")

func (ctl *Controller) handleConnect(session *coordinator.Session, raw json.RawMessage) (any, error) {
	var req struct {
		TransportID    string                `json:"transportId"`
		DTLSParameters webrtc.DTLSParameters `json:"dtlsParameters"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if err := session.ConnectTransport(req.TransportID, req.DTLSParameters); err != nil {
		return nil, err
	}
	return gin.H{"connected": true}, nil
}

func (ctl *Controller) handleProduce(ctx context.Context, session *coordinator.Session, raw json.RawMessage) (any, error) {
	var req struct {
		Kind          engine.MediaKind     `json:"kind"`
		RTPParameters engine.RTPParameters `json:"rtpParameters"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	id, err := session.Produce(ctx, req.Kind, req.RTPParameters)
	if err != nil {
		return nil, err
	}
	return gin.H{"producerId": id}, nil
}

func (ctl *Controller) handleConsume(ctx context.Context, session *coordinator.Session, raw json.RawMessage) (any, error) {
	var req struct {
		ProducerID      domain.ProducerID   `json:"producerId"`
		RTPCapabilities engine.Capabilities `json:"rtpCapabilities"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return session.Consume(ctx, req.ProducerID, req.RTPCapabilities)
}

func (ctl *Controller) handleRestartICE(session *coordinator.Session, raw json.RawMessage) (any, error) {
	var req struct {
		TransportID string `json:"transportId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	return gin.H{"iceParameters": session.RestartICE(req.TransportID)}, nil
}

func (ctl *Controller) handleJoined(ctx context.Context, claims *Claims, session *coordinator.Session, raw json.RawMessage) (any, error) {
	var req struct {
		MeetingID  domain.MeetingID  `json:"meetingId"`
		ProducerID domain.ProducerID `json:"producerId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	if ctl.Limiter != nil && !ctl.Limiter.Allow(claims.Email) {
		return nil, errTooManyJoins
	}
	roster, err := session.AnnounceJoin(ctx, domain.Participant{
		MeetingID:   req.MeetingID,
		UID:         domain.UserID(claims.UID),
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
		PhotoURL:    claims.PhotoURL,
		ProducerID:  req.ProducerID,
	})
	if err != nil {
		return nil, err
	}
	return gin.H{"participants": roster}, nil
}

func (ctl *Controller) handleParticipants(ctx context.Context, raw json.RawMessage) (any, error) {
	var req struct {
		MeetingID domain.MeetingID `json:"meetingId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	roster, err := ctl.Deps.Registry.List(ctx, req.MeetingID)
	if err != nil {
		return nil, err
	}
	return gin.H{"participants": roster}, nil
}

func (ctl *Controller) handleMessage(ctx context.Context, claims *Claims, raw json.RawMessage) (any, error) {
	var req struct {
		MeetingID domain.MeetingID `json:"meetingId"`
		Body      string           `json:"body"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	sentAt := time.Now()
	chat := domain.ChatMessage{
		MeetingID:   req.MeetingID,
		Email:       claims.Email,
		DisplayName: claims.DisplayName,
		Body:        req.Body,
		SentAt:      sentAt,
	}
	// The chat log is best effort; a failed append must not hold the message
	// back from participants already in the meeting.
	if err := ctl.Deps.Registry.AppendChat(ctx, req.MeetingID, chat); err != nil {
		log.Warn().Err(err).Str("module", "signalws").
			Str("meeting", string(req.MeetingID)).
			Msg("chat append failed")
	}
	err := ctl.Deps.Bus.Publish(ctx, fanout.Message{
		MeetingID: req.MeetingID,
		Email:     claims.Email,
		Body:      req.Body,
		SentAt:    sentAt,
	})
	if err != nil {
		return nil, err
	}
	return gin.H{"sent": true}, nil
}

func (ctl *Controller) handleChats(ctx context.Context, raw json.RawMessage) (any, error) {
	var req struct {
		MeetingID domain.MeetingID `json:"meetingId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	chats, err := ctl.Deps.Registry.Chats(ctx, req.MeetingID)
	if err != nil {
		return nil, err
	}
	return gin.H{"chats": chats}, nil
}

func (ctl *Controller) handleTyping(ctx context.Context, claims *Claims, raw json.RawMessage) (any, error) {
	var req struct {
		MeetingID domain.MeetingID `json:"meetingId"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, err
	}
	err := ctl.Deps.Bus.Publish(ctx, fanout.Typing{MeetingID: req.MeetingID, Email: claims.Email})
	if err != nil {
		return nil, err
	}
	return gin.H{"sent": true}, nil
}

func (ctl *Controller) sendJSON(c *Conn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signalws").Msg("marshal frame")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Err(err).Str("module", "signalws").Str("conn", c.id).Msg("send dropped")
	}
}

// RunRelay forwards bus events to locally attached connections. Joined, Left,
// Message and Typing skip the originating identity; NewProducer skips the
// originating connection. Relayed events are never re-published.
func (ctl *Controller) RunRelay(ctx context.Context) error {
	events, err := ctl.Deps.Bus.Subscribe(ctx, fanout.AllChannels...)
	if err != nil {
		return err
	}
	go func() {
		for p := range events {
			frame, err := json.Marshal(eventFrame{Type: "event", Channel: p.Channel(), Data: p})
			if err != nil {
				log.Error().Err(err).Str("module", "signalws").Msg("marshal event")
				continue
			}
			meetingID, exceptConn, exceptEmail := relayScope(p)
			ctl.Hub.Broadcast(meetingID, exceptConn, exceptEmail, frame)
		}
	}()
	return nil
}

func relayScope(p fanout.Payload) (domain.MeetingID, string, string) {
	switch e := p.(type) {
	case fanout.Joined:
		return e.MeetingID, "", e.Email
	case fanout.Left:
		return e.MeetingID, "", e.Email
	case fanout.NewProducer:
		return e.MeetingID, e.ConnID, ""
	case fanout.Message:
		return e.MeetingID, "", e.Email
	case fanout.Typing:
		return e.MeetingID, "", e.Email
	default:
		return "", "", ""
	}
}
