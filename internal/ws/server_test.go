package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"danmakugo/internal/danmaku"
	"danmakugo/internal/filter"
	"danmakugo/internal/limiter"
	"danmakugo/internal/services/admission"
	"danmakugo/internal/services/dispatch"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type testEnv struct {
	ts   *httptest.Server
	disp *dispatch.Dispatcher
	hub  *Hub
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	clock := func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	store := limiter.NewMemoryStore(clock)
	pipe := admission.New(admission.DefaultConfig(),
		limiter.NewRateLimiter(store, limiter.WithClock(clock), limiter.WithLogger(zap.NewNop())),
		limiter.NewDuplicateSuppressor(store, limiter.WithClock(clock), limiter.WithLogger(zap.NewNop())),
		filter.New([]string{"bad"}, '*'),
		admission.WithLogger(zap.NewNop()),
	)

	reg := dispatch.NewRegistry(nil)
	hub := NewHub(reg)
	disp := dispatch.New(reg, pipe, hub, dispatch.DefaultConfig(), dispatch.WithLogger(zap.NewNop()))
	srv := NewWsServer(hub, disp, nil, opts)

	r := gin.New()
	r.GET("/ws", srv.Handle)
	ts := httptest.NewServer(r)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return &testEnv{ts: ts, disp: disp, hub: hub}
}

func (e *testEnv) dial(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + "/ws?" + query
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	hello := readEnvelope(t, c)
	require.Equal(t, EventHello, hello.Event)
	return c
}

func readEnvelope(t *testing.T, c *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, c.ReadJSON(&env))
	return env
}

func send(t *testing.T, c *websocket.Conn, event string, body any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	require.NoError(t, c.WriteJSON(Envelope{Event: event, Body: raw}))
}

func decode[T any](t *testing.T, env Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Body, &v))
	return v
}

func TestSendIsBroadcastToRoomAfterDrain(t *testing.T) {
	e := newTestEnv(t, DefaultOptions())
	alice := e.dial(t, "room_id=r1&sender_id=alice")
	bob := e.dial(t, "room_id=r1&sender_id=bob")

	send(t, alice, EventSend, map[string]string{"content": "hello bad world", "sender_id": "mallory"})
	ack := readEnvelope(t, alice)
	require.Equal(t, EventSend+"-ack", ack.Event)
	assert.Equal(t, SendAck{RoomID: "r1", Result: dispatch.Queued}, decode[SendAck](t, ack))

	require.Equal(t, 1, e.disp.DrainOnce(context.Background()))

	for _, c := range []*websocket.Conn{alice, bob} {
		env := readEnvelope(t, c)
		require.Equal(t, dispatch.EventMessage, env.Event)
		msg := decode[danmaku.FinalizedMessage](t, env)
		assert.Equal(t, "hello *** world", msg.Content)
		assert.Equal(t, "alice", msg.SenderID, "sender comes from the connection")
		assert.Equal(t, "r1", msg.RoomID)
		assert.NotEmpty(t, msg.ID)
	}
}

func TestRejectionGoesOnlyToSender(t *testing.T) {
	e := newTestEnv(t, DefaultOptions())
	alice := e.dial(t, "room_id=r1&sender_id=alice")
	bob := e.dial(t, "room_id=r1&sender_id=bob")

	for _, content := range []string{"one", "two", "three"} {
		send(t, alice, EventSend, SendRequest{RoomID: "r1", Content: content})
		require.Equal(t, EventSend+"-ack", readEnvelope(t, alice).Event)
	}
	e.disp.DrainOnce(context.Background())

	assert.Equal(t, dispatch.EventMessage, readEnvelope(t, alice).Event)
	assert.Equal(t, dispatch.EventMessage, readEnvelope(t, alice).Event)
	rej := readEnvelope(t, alice)
	require.Equal(t, dispatch.EventRejected, rej.Event)
	assert.Equal(t, admission.ReasonRateLimit, decode[danmaku.Rejection](t, rej).Reason)

	assert.Equal(t, "one", decode[danmaku.FinalizedMessage](t, readEnvelope(t, bob)).Content)
	assert.Equal(t, "two", decode[danmaku.FinalizedMessage](t, readEnvelope(t, bob)).Content)

	// bob sees nothing else
	send(t, bob, EventLeave, RoomRequest{RoomID: "r1"})
	assert.Equal(t, EventLeave+"-ack", readEnvelope(t, bob).Event)
}

func TestRoomMembershipErrors(t *testing.T) {
	e := newTestEnv(t, DefaultOptions())
	c := e.dial(t, "sender_id=carol")

	send(t, c, EventSend, SendRequest{Content: "hi"})
	assert.Equal(t, ErrorBody{Error: ErrRoomRequired.Error()}, decode[ErrorBody](t, readEnvelope(t, c)))

	send(t, c, EventJoin, RoomRequest{RoomID: "r1"})
	ack := readEnvelope(t, c)
	require.Equal(t, EventJoin+"-ack", ack.Event)
	assert.Len(t, e.disp.Registry().Members("r1"), 1)

	send(t, c, EventLeave, RoomRequest{RoomID: "r2"})
	assert.Equal(t, ErrorBody{Error: ErrNotInRoom.Error()}, decode[ErrorBody](t, readEnvelope(t, c)))

	send(t, c, EventSend, SendRequest{RoomID: "r2", Content: "hi"})
	assert.Equal(t, ErrorBody{Error: ErrNotInRoom.Error()}, decode[ErrorBody](t, readEnvelope(t, c)))
}

func TestUnknownAndMalformedFrames(t *testing.T) {
	e := newTestEnv(t, DefaultOptions())
	c := e.dial(t, "room_id=r1")

	send(t, c, "danmaku/nope", struct{}{})
	env := readEnvelope(t, c)
	assert.Equal(t, EventError, env.Event)
	assert.Equal(t, ErrUnknownEvent.Error(), decode[ErrorBody](t, env).Error)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("not json")))
	assert.Equal(t, "malformed_frame", decode[ErrorBody](t, readEnvelope(t, c)).Error)

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"event":"danmaku/join","body":[1]}`)))
	assert.Equal(t, "malformed_body", decode[ErrorBody](t, readEnvelope(t, c)).Error)
}

func TestInboundFramesAreRateLimited(t *testing.T) {
	e := newTestEnv(t, Options{InboundRate: 0.5, InboundBurst: 1})
	c := e.dial(t, "")

	send(t, c, EventJoin, RoomRequest{RoomID: "r1"})
	assert.Equal(t, EventJoin+"-ack", readEnvelope(t, c).Event)

	send(t, c, EventJoin, RoomRequest{RoomID: "r2"})
	env := readEnvelope(t, c)
	assert.Equal(t, EventError, env.Event)
	assert.Equal(t, ErrRateLimited.Error(), decode[ErrorBody](t, env).Error)
}

func TestDisconnectLeavesEveryRoom(t *testing.T) {
	e := newTestEnv(t, DefaultOptions())
	c := e.dial(t, "room_id=r1")
	send(t, c, EventJoin, RoomRequest{RoomID: "r2"})
	require.Equal(t, EventJoin+"-ack", readEnvelope(t, c).Event)
	require.Equal(t, 2, e.disp.Registry().Len())
	require.Equal(t, 1, e.hub.Len())

	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return e.disp.Registry().Len() == 0 && e.hub.Len() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubSendToUnknownConnectionIsNoop(t *testing.T) {
	hub := NewHub(dispatch.NewRegistry(nil))

	assert.NoError(t, hub.SendToConnection(context.Background(), "gone", dispatch.EventRejected, danmaku.Rejection{}))
	assert.Zero(t, hub.Deliver("r1", []byte(`{"event":"x"}`)))
}
