package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/croshq/meetpoint/internal/fanout"
)

var (
	ErrSignalerClosed  = errors.New("signaler closed")
	ErrRequestTimedOut = errors.New("signaling request timed out")
)

// Signaler is the agent's line to the coordination server: correlated
// request/response plus a stream of broadcast events.
type Signaler interface {
	Request(ctx context.Context, action string, data any, out any) error
	Events() <-chan fanout.Payload
	Close() error
}

const (
	wsRequestTimeout = 10 * time.Second
	wsWriteWait      = 5 * time.Second
	wsPingPeriod     = 30 * time.Second
)

// WSSignaler speaks the server's JSON envelope over one websocket. Responses
// are matched to requests by correlation id; event frames are decoded through
// the fanout union and surfaced on Events.
type WSSignaler struct {
	conn   *websocket.Conn
	events chan fanout.Payload

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan wsResponse
	closed  bool

	done chan struct{}
}

type wsResponse struct {
	Data  json.RawMessage
	Error string
}

// DialSignaler connects to the server's signaling endpoint. url must already
// carry the token query parameter.
func DialSignaler(ctx context.Context, url string) (*WSSignaler, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling server: %w", err)
	}
	s := &WSSignaler{
		conn:    conn,
		events:  make(chan fanout.Payload, 64),
		pending: make(map[string]chan wsResponse),
		done:    make(chan struct{}),
	}
	go s.readLoop()
	go s.pingLoop()
	return s, nil
}

func (s *WSSignaler) Request(ctx context.Context, action string, data any, out any) error {
	id := uuid.NewString()
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(map[string]any{"type": action, "id": id, "data": json.RawMessage(raw)})
	if err != nil {
		return err
	}

	ch := make(chan wsResponse, 1)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSignalerClosed
	}
	s.pending[id] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	s.writeMu.Lock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err = s.conn.WriteMessage(websocket.TextMessage, frame)
	s.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("send %s: %w", action, err)
	}

	timer := time.NewTimer(wsRequestTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSignalerClosed
	case <-timer.C:
		return fmt.Errorf("%w: %s", ErrRequestTimedOut, action)
	case resp := <-ch:
		if resp.Error != "" {
			return fmt.Errorf("%s rejected: %s", action, resp.Error)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Data, out)
	}
}

func (s *WSSignaler) Events() <-chan fanout.Payload { return s.events }

func (s *WSSignaler) readLoop() {
	defer s.shutdown()
	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn().Err(err).Str("module", "agent.signaler").Msg("read error")
			}
			return
		}
		var msg struct {
			Type    string          `json:"type"`
			ID      string          `json:"id"`
			Channel fanout.Channel  `json:"channel"`
			Data    json.RawMessage `json:"data"`
			Error   string          `json:"error"`
		}
		if err := json.Unmarshal(frame, &msg); err != nil {
			log.Warn().Err(err).Str("module", "agent.signaler").Msg("bad frame")
			continue
		}
		switch msg.Type {
		case "response":
			s.mu.Lock()
			ch, ok := s.pending[msg.ID]
			s.mu.Unlock()
			if ok {
				ch <- wsResponse{Data: msg.Data, Error: msg.Error}
			}
		case "event":
			p, err := fanout.Decode(msg.Channel, msg.Data)
			if err != nil {
				log.Warn().Err(err).Str("module", "agent.signaler").
					Str("channel", string(msg.Channel)).
					Msg("dropping malformed event")
				continue
			}
			select {
			case s.events <- p:
			default:
				log.Warn().Str("module", "agent.signaler").
					Str("channel", string(msg.Channel)).
					Msg("event buffer full, dropping")
			}
		}
	}
}

func (s *WSSignaler) pingLoop() {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("module", "agent.signaler").Msg("ping failed")
				return
			}
		}
	}
}

func (s *WSSignaler) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
	close(s.events)
	_ = s.conn.Close()
}

func (s *WSSignaler) Close() error {
	s.shutdown()
	return nil
}
