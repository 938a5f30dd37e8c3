package signalws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/croshq/meetpoint/internal/coordinator"
	"github.com/croshq/meetpoint/internal/domain"
	"github.com/croshq/meetpoint/internal/fanout"
	"github.com/croshq/meetpoint/internal/history"
	"github.com/croshq/meetpoint/internal/registry"
)

const testSecret = "test-secret"

func testController(t *testing.T) *Controller {
	t.Helper()
	bus := fanout.NewLocalBus()
	t.Cleanup(func() { bus.Close() })
	return &Controller{
		Hub: NewHub(),
		Deps: coordinator.Deps{
			Registry:  registry.NewMemStore(),
			History:   history.NewMemStore(),
			Bus:       bus,
			Directory: coordinator.NewProducerDirectory(),
		},
		Limiter:    NewJoinRateLimiter(10, time.Minute),
		ReadLimit:  32768,
		PingPeriod: 50 * time.Second,
	}
}

func testToken(t *testing.T, email string) string {
	t.Helper()
	token, err := SignToken(testSecret, Claims{
		UID:         "uid-" + email,
		Email:       email,
		DisplayName: strings.Split(email, "@")[0],
	}, time.Hour)
	require.NoError(t, err)
	return token
}

func TestTokenRoundTrip(t *testing.T) {
	token := testToken(t, "ann@example.com")
	claims, err := parseToken(testSecret, token)
	require.NoError(t, err)
	require.Equal(t, "ann@example.com", claims.Email)
	require.Equal(t, "uid-ann@example.com", claims.UID)

	_, err = parseToken("wrong-secret", token)
	require.Error(t, err)
}

func TestAuthMiddlewareGuardsAPI(t *testing.T) {
	ctl := testController(t)
	router := SetupRouter(context.Background(), RouterConfig{Mode: "release", Secret: testSecret}, ctl)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/meeting/m1/participants", nil)
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/meeting/m1/participants", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "ann@example.com"))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"participants":[]}`, rec.Body.String())
}

func TestJoinRateLimiter(t *testing.T) {
	rl := NewJoinRateLimiter(2, time.Minute)
	require.True(t, rl.Allow("ann@example.com"))
	require.True(t, rl.Allow("ann@example.com"))
	require.False(t, rl.Allow("ann@example.com"))
	require.True(t, rl.Allow("bob@example.com"))
}

func TestDispatchJoinedUsesTokenIdentity(t *testing.T) {
	ctl := testController(t)
	session := coordinator.NewSession("conn-1", ctl.Deps)
	claims := &Claims{UID: "u1", Email: "ann@example.com", DisplayName: "Ann"}

	raw, _ := json.Marshal(map[string]any{"meetingId": "m1"})
	result, err := ctl.dispatch(context.Background(), claims, session, envelope{Type: "joined", Data: raw})
	require.NoError(t, err)

	roster := result.(gin.H)["participants"].([]domain.Participant)
	require.Len(t, roster, 1)
	require.Equal(t, "ann@example.com", roster[0].Email)
	require.Equal(t, "Ann", roster[0].DisplayName)
	require.True(t, roster[0].HasPlaceholderProducer())
}

func TestDispatchMessageStoresChat(t *testing.T) {
	ctl := testController(t)
	session := coordinator.NewSession("conn-1", ctl.Deps)
	claims := &Claims{UID: "u1", Email: "ann@example.com", DisplayName: "Ann"}

	raw, _ := json.Marshal(map[string]any{"meetingId": "m1", "body": "hello"})
	_, err := ctl.dispatch(context.Background(), claims, session, envelope{Type: "message", Data: raw})
	require.NoError(t, err)
	raw, _ = json.Marshal(map[string]any{"meetingId": "m1", "body": "still here"})
	_, err = ctl.dispatch(context.Background(), claims, session, envelope{Type: "message", Data: raw})
	require.NoError(t, err)

	raw, _ = json.Marshal(map[string]any{"meetingId": "m1"})
	result, err := ctl.dispatch(context.Background(), claims, session, envelope{Type: "chats", Data: raw})
	require.NoError(t, err)
	chats := result.(gin.H)["chats"].([]domain.ChatMessage)
	require.Len(t, chats, 2)
	require.Equal(t, "hello", chats[0].Body)
	require.Equal(t, "still here", chats[1].Body)
	require.Equal(t, "ann@example.com", chats[0].Email)
	require.Equal(t, "Ann", chats[0].DisplayName)
}

func TestChatsEndpointServesHistory(t *testing.T) {
	ctl := testController(t)
	require.NoError(t, ctl.Deps.Registry.AppendChat(context.Background(), "m1", domain.ChatMessage{
		MeetingID: "m1", Email: "ann@example.com", Body: "hello", SentAt: time.Now(),
	}))
	router := SetupRouter(context.Background(), RouterConfig{Mode: "release", Secret: testSecret}, ctl)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/meeting/m1/chats", nil)
	req.Header.Set("Authorization", "Bearer "+testToken(t, "bob@example.com"))
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Chats []domain.ChatMessage `json:"chats"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Chats, 1)
	require.Equal(t, "hello", body.Chats[0].Body)
}

func TestDispatchResumeReportsCount(t *testing.T) {
	ctl := testController(t)
	session := coordinator.NewSession("conn-1", ctl.Deps)

	result, err := ctl.dispatch(context.Background(), &Claims{Email: "ann@example.com"}, session, envelope{Type: "resume"})
	require.NoError(t, err)
	require.Equal(t, 0, result.(gin.H)["resumed"])
}

func TestRequestTimeoutMapsToSentinel(t *testing.T) {
	err := mapRequestErr("consume", fmt.Errorf("consume producer p1: %w", context.DeadlineExceeded))
	require.ErrorIs(t, err, coordinator.ErrTimedOut)
	require.Contains(t, err.Error(), "consume")

	passthrough := errors.New("engine refused")
	require.Equal(t, passthrough, mapRequestErr("produce", passthrough))
	require.NoError(t, mapRequestErr("produce", nil))
}

func TestDispatchUnknownAction(t *testing.T) {
	ctl := testController(t)
	session := coordinator.NewSession("conn-1", ctl.Deps)
	_, err := ctl.dispatch(context.Background(), &Claims{Email: "a@b.c"}, session, envelope{Type: "bogus"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown action")
}

func TestRelayScope(t *testing.T) {
	meeting, conn, email := relayScope(fanout.NewProducer{ProducerID: "p1", ConnID: "c1", MeetingID: "m1"})
	require.Equal(t, domain.MeetingID("m1"), meeting)
	require.Equal(t, "c1", conn)
	require.Empty(t, email)

	meeting, conn, email = relayScope(fanout.Joined{Participant: domain.Participant{MeetingID: "m2", Email: "ann@example.com"}})
	require.Equal(t, domain.MeetingID("m2"), meeting)
	require.Empty(t, conn)
	require.Equal(t, "ann@example.com", email)
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialSignal(t *testing.T, server *httptest.Server, email string) *wsClient {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/api/ws/signal?token=" + testToken(t, email)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) request(action, id string, data any) map[string]json.RawMessage {
	c.t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(c.t, err)
	env, err := json.Marshal(map[string]any{"type": action, "id": id, "data": json.RawMessage(raw)})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, env))

	deadline := time.Now().Add(3 * time.Second)
	for {
		require.NoError(c.t, c.conn.SetReadDeadline(deadline))
		_, frame, err := c.conn.ReadMessage()
		require.NoError(c.t, err)
		var msg map[string]json.RawMessage
		require.NoError(c.t, json.Unmarshal(frame, &msg))
		var typ, gotID string
		_ = json.Unmarshal(msg["type"], &typ)
		_ = json.Unmarshal(msg["id"], &gotID)
		if typ == "response" && gotID == id {
			return msg
		}
	}
}

func TestSignalingJoinOverWebSocket(t *testing.T) {
	ctl := testController(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, ctl.RunRelay(ctx))

	router := SetupRouter(ctx, RouterConfig{Mode: "release", Secret: testSecret}, ctl)
	server := httptest.NewServer(router)
	defer server.Close()

	client := dialSignal(t, server, "ann@example.com")
	resp := client.request("joined", "req-1", map[string]any{"meetingId": "m1"})
	require.NotContains(t, resp, "error")

	var data struct {
		Participants []domain.Participant `json:"participants"`
	}
	require.NoError(t, json.Unmarshal(resp["data"], &data))
	require.Len(t, data.Participants, 1)
	require.Equal(t, "ann@example.com", data.Participants[0].Email)

	resp = client.request("participants", "req-2", map[string]any{"meetingId": "m1"})
	require.NoError(t, json.Unmarshal(resp["data"], &data))
	require.Len(t, data.Participants, 1)
}
