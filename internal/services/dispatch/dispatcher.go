// Package dispatch owns room state and drives the admission pipeline.
//
// Messages are queued per room and drained on a fixed tick in bounded
// batches. A room is drained by at most one goroutine at a time, which keeps
// queued messages in enqueue order; different rooms drain concurrently up to
// Config.Workers. When a queue is already longer than the backpressure
// threshold a new message skips the queue and is admitted on the caller's
// goroutine, so it can overtake older queued messages.
package dispatch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"danmakugo/internal/danmaku"
	"danmakugo/internal/services/admission"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	EventMessage  = "danmaku/message"
	EventRejected = "danmaku/rejected"
)

type Admitter interface {
	Admit(ctx context.Context, pm *danmaku.PendingMessage) (*danmaku.FinalizedMessage, error)
}

// Broadcaster is the transport. SendToConnection must be a no-op for
// connections that are already gone.
type Broadcaster interface {
	BroadcastToRoom(ctx context.Context, roomID, event string, payload any) error
	SendToConnection(ctx context.Context, connID, event string, payload any) error
}

// Persister stores accepted messages without blocking the caller.
type Persister interface {
	Persist(roomID string, msg *danmaku.FinalizedMessage)
}

type Config struct {
	Tick                  time.Duration
	BatchSize             int
	BackpressureThreshold int
	Workers               int
	MessageTimeout        time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tick:                  50 * time.Millisecond,
		BatchSize:             50,
		BackpressureThreshold: 100,
		Workers:               8,
		MessageTimeout:        2 * time.Second,
	}
}

// SubmitResult tells the caller which path a message took.
type SubmitResult string

const (
	Queued   SubmitResult = "queued"
	Bypassed SubmitResult = "bypassed"
)

type Dispatcher struct {
	reg       *Registry
	admitter  Admitter
	bc        Broadcaster
	persister Persister
	cfg       Config
	log       *zap.Logger
	now       func() time.Time

	stats stats
}

type Option func(*Dispatcher)

func WithLogger(log *zap.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// WithPersister enables fire-and-forget storage of accepted messages.
func WithPersister(p Persister) Option { return func(d *Dispatcher) { d.persister = p } }

func New(reg *Registry, admitter Admitter, bc Broadcaster, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.Tick <= 0 {
		cfg.Tick = def.Tick
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.MessageTimeout <= 0 {
		cfg.MessageTimeout = def.MessageTimeout
	}
	d := &Dispatcher{
		reg:      reg,
		admitter: admitter,
		bc:       bc,
		cfg:      cfg,
		now:      time.Now,
		stats:    stats{reasons: make(map[string]uint64)},
	}
	for _, o := range opts {
		o(d)
	}
	if d.log == nil {
		d.log = zap.L()
	}
	return d
}

func (d *Dispatcher) Registry() *Registry { return d.reg }

// Submit queues pm for the next drain, or admits it right away when the room
// queue is over the backpressure threshold. A bypassed message is admitted on
// a context detached from ctx: a caller going away must not abort counter
// checks half way. Only MessageTimeout bounds that work.
func (d *Dispatcher) Submit(ctx context.Context, pm *danmaku.PendingMessage) SubmitResult {
	if pm.EnqueuedAt.IsZero() {
		pm.EnqueuedAt = d.now()
	}
	if d.reg.Enqueue(pm, d.cfg.BackpressureThreshold) {
		d.stats.queued.Add(1)
		return Queued
	}

	d.stats.bypassed.Add(1)
	d.log.Debug("dispatch.backpressure_bypass", zap.String("room", pm.RoomID), zap.String("conn", pm.ConnID))
	d.process(context.WithoutCancel(ctx), pm)
	return Bypassed
}

// Run drains on every tick until ctx is done. A batch that was already taken
// off a queue is always processed to completion; messages still queued at
// shutdown are dropped and counted.
func (d *Dispatcher) Run(ctx context.Context) {
	tk := time.NewTicker(d.cfg.Tick)
	defer tk.Stop()

	work := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			if n := d.reg.dropPending(); n > 0 {
				d.log.Warn("dispatch.shutdown_dropped_pending", zap.Int("messages", n))
			}
			d.log.Info("dispatch.stopped")
			return
		case <-tk.C:
			d.DrainOnce(work)
		}
	}
}

// DrainOnce runs one drain pass over every room with queued work and returns
// the number of messages processed.
func (d *Dispatcher) DrainOnce(ctx context.Context) int {
	rooms := d.reg.withWork()
	if len(rooms) == 0 {
		return 0
	}

	var (
		g         errgroup.Group
		processed atomic.Int64
	)
	g.SetLimit(d.cfg.Workers)
	for _, rm := range rooms {
		batch := d.reg.beginDrain(rm, d.cfg.BatchSize)
		if len(batch) == 0 {
			continue
		}
		g.Go(func() error {
			defer d.reg.endDrain(rm)
			for _, pm := range batch {
				d.process(ctx, pm)
			}
			processed.Add(int64(len(batch)))
			return nil
		})
	}
	_ = g.Wait()
	return int(processed.Load())
}

// process admits one message and delivers the outcome. Nothing here may stop
// the rest of a batch: a panic anywhere in admission, broadcast or persistence
// is reported to the sender as a processing failure.
func (d *Dispatcher) process(ctx context.Context, pm *danmaku.PendingMessage) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.MessageTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			d.rejected(ctx, pm, fmt.Errorf("panic while processing message: %v", r))
		}
	}()

	msg, err := d.admitter.Admit(ctx, pm)
	if err != nil {
		d.rejected(ctx, pm, err)
		return
	}

	d.stats.accepted.Add(1)
	if err := d.bc.BroadcastToRoom(ctx, pm.RoomID, EventMessage, msg); err != nil {
		d.log.Error("dispatch.broadcast_failed", zap.String("room", pm.RoomID), zap.String("id", msg.ID), zap.Error(err))
	}
	if d.persister != nil {
		d.persister.Persist(pm.RoomID, msg)
	}
}

func (d *Dispatcher) rejected(ctx context.Context, pm *danmaku.PendingMessage, err error) {
	re := admission.AsReject(err)
	d.stats.reject(re.Reason)

	notice := danmaku.Rejection{
		RoomID:  pm.RoomID,
		Reason:  re.Reason,
		Message: re.Err.Error(),
		Content: pm.Payload.Content,
	}
	if re.Reason == admission.ReasonProcessing {
		d.log.Error("dispatch.process_failed",
			zap.String("room", pm.RoomID),
			zap.String("conn", pm.ConnID),
			zap.Error(err),
		)
		notice.Message = admission.ErrProcessingFailure.Error()
	}

	if pm.ConnID == "" {
		return
	}
	d.notify(ctx, pm.ConnID, notice)
}

// notify runs inside process's recover handler, so it guards itself.
func (d *Dispatcher) notify(ctx context.Context, connID string, notice danmaku.Rejection) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatch.reject_notice_panic", zap.String("conn", connID), zap.Any("panic", r))
		}
	}()
	if err := d.bc.SendToConnection(ctx, connID, EventRejected, notice); err != nil {
		d.log.Debug("dispatch.reject_notice_failed", zap.String("conn", connID), zap.Error(err))
	}
}

type stats struct {
	queued   atomic.Uint64
	bypassed atomic.Uint64
	accepted atomic.Uint64

	mu      sync.Mutex
	reasons map[string]uint64
}

func (s *stats) reject(reason string) {
	s.mu.Lock()
	s.reasons[reason]++
	s.mu.Unlock()
}

// Stats is a snapshot of dispatcher counters since start.
type Stats struct {
	Queued   uint64            `json:"queued"`
	Bypassed uint64            `json:"bypassed"`
	Accepted uint64            `json:"accepted"`
	Rejected map[string]uint64 `json:"rejected"`
	Rooms    int               `json:"rooms"`
}

func (d *Dispatcher) Stats() Stats {
	d.stats.mu.Lock()
	rejected := make(map[string]uint64, len(d.stats.reasons))
	for k, v := range d.stats.reasons {
		rejected[k] = v
	}
	d.stats.mu.Unlock()

	return Stats{
		Queued:   d.stats.queued.Load(),
		Bypassed: d.stats.bypassed.Load(),
		Accepted: d.stats.accepted.Load(),
		Rejected: rejected,
		Rooms:    d.reg.Len(),
	}
}
