package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"danmakugo/internal/danmaku"

	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

type MessageWriter interface {
	StoreMessage(ctx context.Context, roomID string, msg *danmaku.FinalizedMessage) (string, error)
}

type job struct {
	roomID string
	msg    *danmaku.FinalizedMessage
}

// AsyncWriter persists accepted messages off the broadcast path. Persist never
// blocks: when the buffer is full the message is dropped and counted.
type AsyncWriter struct {
	w    MessageWriter
	jobs chan job
	wg   sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	written atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64
}

func NewAsyncWriter(w MessageWriter, workers, buffer int) *AsyncWriter {
	if workers <= 0 {
		workers = 1
	}
	if buffer < 0 {
		buffer = 0
	}
	aw := &AsyncWriter{w: w, jobs: make(chan job, buffer)}
	aw.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go aw.worker()
	}
	return aw
}

func (aw *AsyncWriter) Persist(roomID string, msg *danmaku.FinalizedMessage) {
	aw.mu.RLock()
	defer aw.mu.RUnlock()
	if aw.closed {
		aw.dropped.Add(1)
		return
	}
	select {
	case aw.jobs <- job{roomID: roomID, msg: msg}:
	default:
		aw.dropped.Add(1)
		zap.L().Warn("store.persist_dropped", zap.String("room", roomID), zap.String("id", msg.ID))
	}
}

func (aw *AsyncWriter) worker() {
	defer aw.wg.Done()
	for j := range aw.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if _, err := aw.w.StoreMessage(ctx, j.roomID, j.msg); err != nil {
			aw.failed.Add(1)
			zap.L().Error("store.persist_failed", zap.String("room", j.roomID), zap.String("id", j.msg.ID), zap.Error(err))
		} else {
			aw.written.Add(1)
		}
		cancel()
	}
}

// Close stops accepting messages and waits until everything buffered is written.
func (aw *AsyncWriter) Close() {
	aw.mu.Lock()
	if aw.closed {
		aw.mu.Unlock()
		return
	}
	aw.closed = true
	close(aw.jobs)
	aw.mu.Unlock()

	aw.wg.Wait()
}

type WriterStats struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Dropped uint64 `json:"dropped"`
	Pending int    `json:"pending"`
}

func (aw *AsyncWriter) Stats() WriterStats {
	return WriterStats{
		Written: aw.written.Load(),
		Failed:  aw.failed.Load(),
		Dropped: aw.dropped.Load(),
		Pending: len(aw.jobs),
	}
}
