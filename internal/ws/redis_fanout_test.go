package ws

import (
	"context"
	"sync"
	"testing"
	"time"

	"danmakugo/internal/danmaku"
	"danmakugo/internal/services/dispatch"

	"github.com/go-redis/redismock/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisFanoutPublishesEnvelope(t *testing.T) {
	rdc, mock := redismock.NewClientMock()
	f := NewRedisFanout(rdc, NewHub(dispatch.NewRegistry(nil)))
	msg := &danmaku.FinalizedMessage{ID: "m1", RoomID: "r1", SenderID: "alice", Content: "hi", Type: danmaku.TypeText}

	frame, err := encodeEnvelope(dispatch.EventMessage, msg)
	require.NoError(t, err)
	mock.ExpectPublish("danmaku:r1:events", string(frame)).SetVal(2)

	require.NoError(t, f.BroadcastToRoom(context.Background(), "r1", dispatch.EventMessage, msg))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRedisFanoutDirectNoticeStaysLocal(t *testing.T) {
	rdc, mock := redismock.NewClientMock()
	f := NewRedisFanout(rdc, NewHub(dispatch.NewRegistry(nil)))

	assert.NoError(t, f.SendToConnection(context.Background(), "c1", dispatch.EventRejected, danmaku.Rejection{}))
	assert.NoError(t, mock.ExpectationsWereMet(), "no redis traffic")
}

type fakeListener struct {
	mu       sync.Mutex
	channels []string
	active   int
}

func (l *fakeListener) listen(ctx context.Context, channel string, deliver func(string)) {
	l.mu.Lock()
	l.channels = append(l.channels, channel)
	l.active++
	l.mu.Unlock()

	deliver(`{"event":"danmaku/message","body":{}}`)
	deliver(`not json`)
	<-ctx.Done()

	l.mu.Lock()
	l.active--
	l.mu.Unlock()
}

func (l *fakeListener) state() (int, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.channels), l.active
}

func TestSubscriptionManagerRefCounts(t *testing.T) {
	l := &fakeListener{}
	sm := newSubscriptionManager(l.listen, NewHub(dispatch.NewRegistry(nil)))

	sm.Subscribe("r1")
	sm.Subscribe("r1")
	sm.Subscribe("r2")

	require.Eventually(t, func() bool { started, active := l.state(); return started == 2 && active == 2 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, sm.refs("r1"))
	assert.ElementsMatch(t, []string{"danmaku:r1:events", "danmaku:r2:events"}, l.channels)

	sm.Unsubscribe("r1")
	assert.Equal(t, 1, sm.refs("r1"))
	sm.Unsubscribe("r1")
	assert.Zero(t, sm.refs("r1"))
	sm.Unsubscribe("unknown")

	require.Eventually(t, func() bool { _, active := l.state(); return active == 1 }, time.Second, 5*time.Millisecond)

	sm.Close()
	require.Eventually(t, func() bool { _, active := l.state(); return active == 0 }, time.Second, 5*time.Millisecond)
}

func TestCheckFrame(t *testing.T) {
	_, err := checkFrame(`{"body":{}}`)
	assert.Error(t, err)

	frame, err := checkFrame(`{"event":"danmaku/message"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"event":"danmaku/message"}`, string(frame))
}
