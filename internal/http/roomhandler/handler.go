package roomhandler

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"danmakugo/internal/danmaku"
	"danmakugo/internal/services/dispatch"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxRoomIDLength = 128

type Dispatcher interface {
	Submit(ctx context.Context, pm *danmaku.PendingMessage) dispatch.SubmitResult
	Registry() *dispatch.Registry
	Stats() dispatch.Stats
}

type WordList interface {
	Words() []string
	AddWords(words ...string) int
	Rebuild(words []string) int
	Len() int
}

type History interface {
	RecentMessages(ctx context.Context, roomID string, limit int) ([]danmaku.FinalizedMessage, error)
}

// HealthCheck reports a dependency as unhealthy by returning an error.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	disp       Dispatcher
	words      WordList
	maxContent int
	adminToken string
	history    History
	checks     map[string]HealthCheck
	stats      map[string]func() any
}

type Option func(*Handler)

// WithAdminToken protects /admin with a static bearer token.
func WithAdminToken(token string) Option { return func(h *Handler) { h.adminToken = token } }

func WithHistory(hist History) Option { return func(h *Handler) { h.history = hist } }

func WithHealthCheck(name string, fn HealthCheck) Option {
	return func(h *Handler) { h.checks[name] = fn }
}

// WithStats adds a named section to GET /stats.
func WithStats(name string, fn func() any) Option {
	return func(h *Handler) { h.stats[name] = fn }
}

func New(disp Dispatcher, words WordList, maxContent int, opts ...Option) *Handler {
	h := &Handler{
		disp:       disp,
		words:      words,
		maxContent: maxContent,
		checks:     make(map[string]HealthCheck),
		stats:      make(map[string]func() any),
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Handler) Register(r gin.IRouter) {
	r.GET("/healthz", h.health)
	r.GET("/stats", h.statsInfo)
	r.GET("/rooms", h.list)
	r.GET("/rooms/:id", h.info)
	r.GET("/rooms/:id/messages", h.recent)
	r.POST("/rooms/:id/danmaku", h.send)

	admin := r.Group("/admin", h.requireToken)
	admin.GET("/words", h.listWords)
	admin.POST("/words", h.addWords)
	admin.PUT("/words", h.replaceWords)
}

func (h *Handler) requireToken(c *gin.Context) {
	if h.adminToken == "" {
		c.Next()
		return
	}
	got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(h.adminToken)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
		return
	}
	c.Next()
}

func (h *Handler) health(c *gin.Context) {
	status := http.StatusOK
	out := gin.H{}
	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			out[name] = err.Error()
			continue
		}
		out[name] = "ok"
	}
	out["status"] = http.StatusText(status)
	c.JSON(status, out)
}

func (h *Handler) statsInfo(c *gin.Context) {
	out := gin.H{"dispatch": h.disp.Stats(), "words": h.words.Len()}
	for name, fn := range h.stats {
		out[name] = fn()
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) list(c *gin.Context) {
	c.JSON(http.StatusOK, h.disp.Registry().Snapshot())
}

func (h *Handler) info(c *gin.Context) {
	st, ok := h.disp.Registry().Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "room not found"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// recent serves persisted history; rooms never seen return an empty list.
func (h *Handler) recent(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotImplemented, ErrorResponse{Error: "persistence disabled"})
		return
	}
	var q RecentMessagesQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	msgs, err := h.history.RecentMessages(c.Request.Context(), c.Param("id"), q.Limit)
	if err != nil {
		zap.L().Error("http.recent_messages", zap.String("room", c.Param("id")), zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "history unavailable"})
		return
	}
	if msgs == nil {
		msgs = []danmaku.FinalizedMessage{}
	}
	c.JSON(http.StatusOK, msgs)
}

// send submits like a websocket send; there is no connection to notify, so
// a later rejection is only counted and logged.
func (h *Handler) send(c *gin.Context) {
	roomID := c.Param("id")
	if len(roomID) > maxRoomIDLength {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "room id too long"})
		return
	}
	var body SendDanmakuBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	payload := danmaku.Payload{
		SenderID: body.SenderID,
		Content:  body.Content,
		Type:     body.Type,
		Color:    body.Color,
		Emote:    body.Emote,
	}
	if err := payload.Validate(h.maxContent); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}

	res := h.disp.Submit(c.Request.Context(), &danmaku.PendingMessage{RoomID: roomID, Payload: payload})
	c.JSON(http.StatusAccepted, SendDanmakuResponse{RoomID: roomID, Result: string(res)})
}

func (h *Handler) listWords(c *gin.Context) {
	words := h.words.Words()
	c.JSON(http.StatusOK, WordsResponse{Words: words, Count: len(words)})
}

// addWords extends the live list. Additions outlive a words-file reload.
func (h *Handler) addWords(c *gin.Context) {
	var body WordsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	added := h.words.AddWords(body.Words...)
	zap.L().Info("words.added", zap.Int("added", added))
	c.JSON(http.StatusOK, WordsResponse{Added: added, Count: h.words.Len()})
}

// replaceWords swaps the whole list and forgets earlier additions.
func (h *Handler) replaceWords(c *gin.Context) {
	var body WordsBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	n := h.words.Rebuild(body.Words)
	zap.L().Info("words.rebuilt", zap.Int("count", n))
	c.JSON(http.StatusOK, WordsResponse{Count: n})
}
