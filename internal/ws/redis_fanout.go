package ws

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "danmaku:"
	channelSuffix = ":events"
)

func roomChannel(roomID string) string { return channelPrefix + roomID + channelSuffix }

// RedisFanout publishes room broadcasts so that every instance delivers them to
// its own members through the subscription manager. Direct notices stay local:
// the sender's connection lives on the instance that admitted its message.
type RedisFanout struct {
	rdc *redis.Client
	hub *Hub
}

func NewRedisFanout(rdc *redis.Client, hub *Hub) *RedisFanout {
	return &RedisFanout{rdc: rdc, hub: hub}
}

func (f *RedisFanout) BroadcastToRoom(ctx context.Context, roomID, event string, payload any) error {
	frame, err := encodeEnvelope(event, payload)
	if err != nil {
		return err
	}
	return f.rdc.Publish(ctx, roomChannel(roomID), string(frame)).Err()
}

func (f *RedisFanout) SendToConnection(ctx context.Context, connID, event string, payload any) error {
	return f.hub.SendToConnection(ctx, connID, event, payload)
}
