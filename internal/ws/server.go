package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"danmakugo/internal/danmaku"
	"danmakugo/internal/services/dispatch"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 12 * time.Second
	pingPeriod     = 3 * time.Second // must be < pongWait
	handlerTimeout = 1900 * time.Millisecond
	maxIDLength    = 128
)

var (
	ErrRoomRequired = errors.New("room_id_required")
	ErrNotInRoom    = errors.New("not_in_room")
	ErrRateLimited  = errors.New("rate_limited")
)

type Options struct {
	InboundRate  float64 // frames per second per connection, <= 0 disables
	InboundBurst int
	ReadLimit    int64
}

func DefaultOptions() Options {
	return Options{InboundRate: 5, InboundBurst: 10, ReadLimit: 4096}
}

type WsServer struct {
	hub      *Hub
	subMgr   *SubscriptionManager // nil when broadcasts stay in-process
	router   *Router
	disp     *dispatch.Dispatcher
	upgrader websocket.Upgrader
	opts     Options
}

func NewWsServer(h *Hub, disp *dispatch.Dispatcher, subMgr *SubscriptionManager, opts Options) *WsServer {
	if opts.ReadLimit <= 0 {
		opts.ReadLimit = DefaultOptions().ReadLimit
	}
	srv := &WsServer{
		hub:    h,
		subMgr: subMgr,
		router: NewRouter(),
		disp:   disp,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true }, // dev-only
		},
		opts: opts,
	}
	srv.registerHandlers() // ← all WS endpoints configured here
	return srv
}

// ---------------------------------------------------------------------------
//  Public: Gin entry-point
// ---------------------------------------------------------------------------

func (s *WsServer) Handle(ginCtx *gin.Context) {
	roomID := ginCtx.Query("room_id")
	senderID := ginCtx.Query("sender_id")
	if len(roomID) > maxIDLength || len(senderID) > maxIDLength {
		ginCtx.JSON(http.StatusBadRequest, gin.H{"error": "room_id and sender_id must be at most 128 bytes"})
		return
	}

	rawConn, err := s.upgrader.Upgrade(ginCtx.Writer, ginCtx.Request, nil)
	if err != nil {
		zap.L().Warn("ws.accept", zap.Error(err))
		return
	}
	rawConn.SetReadLimit(s.opts.ReadLimit)

	connID := uuid.NewString()
	if senderID == "" {
		senderID = connID
	}

	// ─────────────────── Client connected ─────────────────────
	conn := newClientConn(connID, senderID, rawConn, s.inboundLimiter())
	s.hub.register(conn)
	cc := &ConnContext{ConnID: connID, SenderID: senderID, Server: s}

	if roomID != "" {
		s.join(cc, roomID)
	}
	_ = conn.writeEvent(EventHello, HelloBody{ConnID: connID, SenderID: senderID, RoomID: roomID})
	zap.L().Debug("ws.connected", zap.String("conn", connID), zap.String("room", roomID))

	go s.reader(cc, conn)
	go s.pinger(conn)
}

// Close disconnects every client and drops all fan-out subscriptions.
func (s *WsServer) Close() {
	s.hub.CloseAll()
	if s.subMgr != nil {
		s.subMgr.Close()
	}
}

// ---------------------------------------------------------------------------
//  Private helpers
// ---------------------------------------------------------------------------

func (s *WsServer) inboundLimiter() *rate.Limiter {
	if s.opts.InboundRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := s.opts.InboundBurst
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(s.opts.InboundRate), burst)
}

func (s *WsServer) registerHandlers() {
	// 🔹 danmaku/join ---------------------------------------------------------
	Register(
		s.router,
		EventJoin,
		func(_ context.Context, cc *ConnContext, req RoomRequest) (RoomAck, error) {
			if err := checkRoomID(req.RoomID); err != nil {
				return RoomAck{}, err
			}
			s.join(cc, req.RoomID)
			return RoomAck{RoomID: req.RoomID}, nil
		},
	)

	// 🔹 danmaku/leave --------------------------------------------------------
	Register(
		s.router,
		EventLeave,
		func(_ context.Context, cc *ConnContext, req RoomRequest) (RoomAck, error) {
			if !cc.member(req.RoomID) {
				return RoomAck{}, ErrNotInRoom
			}
			s.leave(cc, req.RoomID)
			return RoomAck{RoomID: req.RoomID}, nil
		},
	)

	// 🔹 danmaku/send ---------------------------------------------------------
	Register(
		s.router,
		EventSend,
		func(ctx context.Context, cc *ConnContext, req SendRequest) (SendAck, error) {
			roomID, err := cc.target(req.RoomID)
			if err != nil {
				return SendAck{}, err
			}
			res := s.disp.Submit(ctx, &danmaku.PendingMessage{
				ConnID: cc.ConnID,
				RoomID: roomID,
				Payload: danmaku.Payload{
					SenderID: cc.SenderID, // never trust a sender id from the body
					Content:  req.Content,
					Type:     req.Type,
					Color:    req.Color,
					Emote:    req.Emote,
				},
			})
			return SendAck{RoomID: roomID, Result: res}, nil
		},
	)
}

func checkRoomID(id string) error {
	if id == "" || len(id) > maxIDLength {
		return ErrRoomRequired
	}
	return nil
}

// join and leave are only called from the connection's reader goroutine, or
// before it starts, so cc.rooms needs no lock.
func (s *WsServer) join(cc *ConnContext, roomID string) {
	if cc.member(roomID) {
		return
	}
	if cc.rooms == nil {
		cc.rooms = make(map[string]struct{})
	}
	cc.rooms[roomID] = struct{}{}
	s.disp.Registry().Join(roomID, cc.ConnID)
	if s.subMgr != nil {
		s.subMgr.Subscribe(roomID) // may be a no-op (already subscribed)
	}
}

func (s *WsServer) leave(cc *ConnContext, roomID string) {
	delete(cc.rooms, roomID)
	s.disp.Registry().Leave(roomID, cc.ConnID)
	if s.subMgr != nil {
		s.subMgr.Unsubscribe(roomID)
	}
}

func (s *WsServer) reader(cc *ConnContext, conn *clientConn) {
	defer func() {
		for _, roomID := range s.disp.Registry().LeaveAll(cc.ConnID) {
			if s.subMgr != nil {
				s.subMgr.Unsubscribe(roomID)
			}
		}
		cc.rooms = nil
		s.hub.unregister(conn)
		conn.close()
		zap.L().Debug("ws.disconnected", zap.String("conn", cc.ConnID))
	}()

	_ = conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	conn.rawConn.SetPongHandler(func(string) error {
		return conn.rawConn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.rawConn.ReadMessage()
		if err != nil {
			return // client closed or errored
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			_ = conn.writeEvent(EventError, ErrorBody{Error: "malformed_frame"})
			continue
		}

		if !conn.inbound.Allow() {
			_ = conn.writeEvent(EventError, ErrorBody{Error: ErrRateLimited.Error()})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		res, err := s.router.dispatch(ctx, cc, env)
		cancel()

		// ---- error -> {"event":"error", "body":{...}} ---------------
		if err != nil {
			_ = conn.writeEvent(EventError, ErrorBody{Error: err.Error()})
			continue
		}

		// ---- success -> {"event":"<evt>-ack", "body":{...}} --------
		_ = conn.writeEvent(env.Event+"-ack", res)
	}
}

func (s *WsServer) pinger(conn *clientConn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-conn.done:
			return
		case <-ticker.C:
			if err := conn.ping(); err != nil {
				conn.close()
				return
			}
		}
	}
}

func (cc *ConnContext) member(roomID string) bool {
	_, ok := cc.rooms[roomID]
	return ok
}

// target picks the room a send goes to.
func (cc *ConnContext) target(roomID string) (string, error) {
	if roomID == "" {
		if len(cc.rooms) != 1 {
			return "", ErrRoomRequired
		}
		for id := range cc.rooms {
			return id, nil
		}
	}
	if !cc.member(roomID) {
		return "", ErrNotInRoom
	}
	return roomID, nil
}
