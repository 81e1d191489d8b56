package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// listenFunc consumes one pub/sub channel until ctx is done.
type listenFunc func(ctx context.Context, channel string, deliver func(payload string))

// SubscriptionManager guarantees that we have **exactly one** Redis
// subscription per "danmaku:<room>:events" channel, no matter how many
// websocket clients of this process joined the room.
type SubscriptionManager struct {
	hub    *Hub
	listen listenFunc
	mu     sync.Mutex
	subs   map[string]*subEntry // roomID ➜ subscription data
}

type subEntry struct {
	refCnt int
	cancel context.CancelFunc
}

func NewSubscriptionManager(rdb *redis.Client, hub *Hub) *SubscriptionManager {
	return newSubscriptionManager(redisListener(rdb), hub)
}

func newSubscriptionManager(listen listenFunc, hub *Hub) *SubscriptionManager {
	return &SubscriptionManager{
		hub:    hub,
		listen: listen,
		subs:   make(map[string]*subEntry),
	}
}

func redisListener(rdb *redis.Client) listenFunc {
	return func(ctx context.Context, channel string, deliver func(string)) {
		ps := rdb.Subscribe(ctx, channel)
		defer ps.Close()

		ch := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok { // Redis connection closed.
					return
				}
				deliver(m.Payload)
			}
		}
	}
}

// Subscribe ensures that the process is subscribed to the room's channel;
// subsequent calls for the same room only increment the ref-counter.
func (sm *SubscriptionManager) Subscribe(roomID string) {
	sm.mu.Lock()
	if e, ok := sm.subs[roomID]; ok {
		e.refCnt++
		sm.mu.Unlock()
		return
	}

	// First consumer → create the SUB and fan-out loop.
	ctx, cancel := context.WithCancel(context.Background())
	sm.subs[roomID] = &subEntry{refCnt: 1, cancel: cancel}
	sm.mu.Unlock()

	go sm.listen(ctx, roomChannel(roomID), func(payload string) {
		frame, err := checkFrame(payload)
		if err != nil {
			zap.L().Warn("ws.bad_fanout_frame", zap.String("room", roomID), zap.Error(err))
			return
		}
		sm.hub.Deliver(roomID, frame)
	})
}

// Unsubscribe decrements the ref-counter and tears the SUB down when the
// last websocket client leaves the room.
func (sm *SubscriptionManager) Unsubscribe(roomID string) {
	sm.mu.Lock()
	e, ok := sm.subs[roomID]
	if !ok {
		sm.mu.Unlock()
		return
	}
	e.refCnt--
	if e.refCnt > 0 {
		sm.mu.Unlock()
		return
	}
	delete(sm.subs, roomID)
	sm.mu.Unlock()

	// Outside the lock → stop the fan-out goroutine.
	e.cancel()
}

// Close cancels every subscription.
func (sm *SubscriptionManager) Close() {
	sm.mu.Lock()
	subs := sm.subs
	sm.subs = make(map[string]*subEntry)
	sm.mu.Unlock()

	for _, e := range subs {
		e.cancel()
	}
}

func (sm *SubscriptionManager) refs(roomID string) int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if e, ok := sm.subs[roomID]; ok {
		return e.refCnt
	}
	return 0
}

// checkFrame makes sure a published payload respects the envelope contract
// before it is forwarded to clients.
func checkFrame(payload string) ([]byte, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return nil, err
	}
	if env.Event == "" {
		return nil, errors.New("frame has no event")
	}
	return []byte(payload), nil
}
