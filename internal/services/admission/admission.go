// Package admission decides whether one pending danmaku may be broadcast.
//
// Checks run in a fixed order and stop at the first failure: payload
// validation, sender then room rate limits, duplicate suppression, then the
// sensitive-word filter. Only the counter checks have side effects (they
// consume quota in the counter store). Broadcasting and persistence are left
// to the caller.
package admission

import (
	"context"
	"fmt"
	"time"

	"danmakugo/internal/danmaku"
	"danmakugo/internal/filter"
	"danmakugo/internal/limiter"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Policy string

const (
	PolicyMask   Policy = "mask"
	PolicyReject Policy = "reject"
)

type Config struct {
	SenderLimit      int
	SenderWindow     time.Duration
	RoomLimit        int
	RoomWindow       time.Duration
	DupMaxRepeats    int
	DupWindow        time.Duration
	MaxContentLength int
	Policy           Policy
}

func DefaultConfig() Config {
	return Config{
		SenderLimit:      2,
		SenderWindow:     time.Second,
		RoomLimit:        1000,
		RoomWindow:       time.Second,
		DupMaxRepeats:    3,
		DupWindow:        10 * time.Second,
		MaxContentLength: 100,
		Policy:           PolicyMask,
	}
}

type RateChecker interface {
	CheckAndIncrement(ctx context.Context, scopeKey string, limit int, window time.Duration) limiter.Decision
}

type DuplicateChecker interface {
	CheckDuplicate(ctx context.Context, senderID, content string, maxRepeats int, window time.Duration) limiter.Decision
}

type ContentFilter interface {
	Apply(text string) (string, []filter.Match)
}

type Pipeline struct {
	cfg    Config
	rate   RateChecker
	dup    DuplicateChecker
	filter ContentFilter
	now    func() time.Time
	newID  func() string
	log    *zap.Logger
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

func WithIDGenerator(fn func() string) Option { return func(p *Pipeline) { p.newID = fn } }

func WithLogger(log *zap.Logger) Option { return func(p *Pipeline) { p.log = log } }

func New(cfg Config, rate RateChecker, dup DuplicateChecker, f ContentFilter, opts ...Option) *Pipeline {
	if cfg.Policy == "" {
		cfg.Policy = PolicyMask
	}
	p := &Pipeline{
		cfg:    cfg,
		rate:   rate,
		dup:    dup,
		filter: f,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = zap.L()
	}
	return p
}

// Admit runs every check for pm. On success it returns a finalized message
// with a fresh id and server timestamp; otherwise a *RejectError.
func (p *Pipeline) Admit(ctx context.Context, pm *danmaku.PendingMessage) (*danmaku.FinalizedMessage, error) {
	payload := pm.Payload

	if err := payload.Validate(p.cfg.MaxContentLength); err != nil {
		return nil, reject(ReasonValidation, fmt.Errorf("%w: %w", ErrValidation, err))
	}

	if d := p.rate.CheckAndIncrement(ctx, limiter.SenderScope(payload.SenderID), p.cfg.SenderLimit, p.cfg.SenderWindow); !d.Allowed {
		return nil, reject(ReasonRateLimit, ErrSenderRateLimited)
	}
	if d := p.rate.CheckAndIncrement(ctx, limiter.RoomScope(pm.RoomID), p.cfg.RoomLimit, p.cfg.RoomWindow); !d.Allowed {
		return nil, reject(ReasonRateLimit, ErrRoomRateLimited)
	}

	// Emote-only messages carry nothing to compare or scan.
	if payload.HasText() {
		if d := p.dup.CheckDuplicate(ctx, payload.SenderID, payload.Content, p.cfg.DupMaxRepeats, p.cfg.DupWindow); !d.Allowed {
			return nil, reject(ReasonDuplicate, ErrDuplicateMessage)
		}

		masked, matches := p.filter.Apply(payload.Content)
		if len(matches) > 0 {
			if p.cfg.Policy == PolicyReject {
				return nil, reject(ReasonSensitive, ErrSensitiveContent)
			}
			p.log.Debug("admission.content_masked",
				zap.String("room", pm.RoomID),
				zap.String("sender", payload.SenderID),
				zap.Int("matches", len(matches)),
			)
			payload.Content = masked
		}
	}

	return &danmaku.FinalizedMessage{
		ID:        p.newID(),
		RoomID:    pm.RoomID,
		SenderID:  payload.SenderID,
		Content:   payload.Content,
		Type:      payload.Type,
		Color:     payload.Color,
		Emote:     payload.Emote,
		Timestamp: p.now().UTC(),
	}, nil
}
