package dispatch

import (
	"sort"
	"sync"
	"time"

	"danmakugo/internal/danmaku"
)

// room is owned by the Registry. Its mutex guards members, queue and the drain
// bookkeeping; a dequeue always happens under it so no message is taken twice.
type room struct {
	id        string
	createdAt time.Time

	mu        sync.Mutex
	members   map[string]struct{}
	queue     []*danmaku.PendingMessage
	lastDrain time.Time
	draining  bool
	released  bool
}

func (r *room) idle() bool {
	return len(r.members) == 0 && len(r.queue) == 0 && !r.draining
}

// RoomStats is a point-in-time view of one room.
type RoomStats struct {
	ID        string    `json:"id"`
	Members   int       `json:"members"`
	Pending   int       `json:"pending"`
	Draining  bool      `json:"draining"`
	LastDrain time.Time `json:"last_drain,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Registry maps room ids to room state. Its own mutex covers only structural
// changes (create, release); lock order is registry before room.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*room
	now   func() time.Time
}

func NewRegistry(now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{rooms: make(map[string]*room), now: now}
}

// getOrCreate must be called with r.mu held.
func (r *Registry) getOrCreate(id string) (*room, bool) {
	if rm, ok := r.rooms[id]; ok {
		return rm, false
	}
	rm := &room{id: id, createdAt: r.now(), members: make(map[string]struct{})}
	r.rooms[id] = rm
	return rm, true
}

// Join adds connID to the room, creating the room if needed. It reports
// whether the room was created by this call.
func (r *Registry) Join(roomID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, created := r.getOrCreate(roomID)
	rm.mu.Lock()
	rm.members[connID] = struct{}{}
	rm.mu.Unlock()
	return created
}

// Leave removes connID and releases the room once it has no members and no
// pending work. It reports whether the room was released.
func (r *Registry) Leave(roomID, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	delete(rm.members, connID)
	return r.releaseLocked(rm)
}

// LeaveAll removes connID from every room it joined and returns those room ids.
func (r *Registry) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for id, rm := range r.rooms {
		rm.mu.Lock()
		if _, ok := rm.members[connID]; ok {
			delete(rm.members, connID)
			left = append(left, id)
			r.releaseLocked(rm)
		}
		rm.mu.Unlock()
	}
	sort.Strings(left)
	return left
}

// releaseLocked needs both r.mu and rm.mu.
func (r *Registry) releaseLocked(rm *room) bool {
	if rm.released || !rm.idle() {
		return false
	}
	rm.released = true
	if r.rooms[rm.id] == rm {
		delete(r.rooms, rm.id)
	}
	return true
}

func (r *Registry) releaseIfIdle(rm *room) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return r.releaseLocked(rm)
}

// Enqueue appends pm to its room queue, creating the room if needed. When the
// queue already holds more than threshold messages nothing is appended and
// false is returned: the caller must admit pm itself.
func (r *Registry) Enqueue(pm *danmaku.PendingMessage, threshold int) bool {
	for {
		r.mu.Lock()
		rm, _ := r.getOrCreate(pm.RoomID)
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.released {
			// lost a race with Leave; the next lookup creates a fresh room
			rm.mu.Unlock()
			continue
		}
		if threshold >= 0 && len(rm.queue) > threshold {
			rm.mu.Unlock()
			return false
		}
		rm.queue = append(rm.queue, pm)
		rm.mu.Unlock()
		return true
	}
}

// withWork lists rooms that have pending messages and no drain in progress.
func (r *Registry) withWork() []*room {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rm.mu.Lock()
		if len(rm.queue) > 0 && !rm.draining {
			out = append(out, rm)
		}
		rm.mu.Unlock()
	}
	return out
}

// beginDrain takes up to n messages off the front of the queue and marks the
// room as draining so a later tick cannot interleave with this batch.
func (r *Registry) beginDrain(rm *room, n int) []*danmaku.PendingMessage {
	rm.mu.Lock()
	defer rm.mu.Unlock()

	if rm.draining || rm.released || len(rm.queue) == 0 {
		return nil
	}
	if n <= 0 || n > len(rm.queue) {
		n = len(rm.queue)
	}
	batch := make([]*danmaku.PendingMessage, n)
	copy(batch, rm.queue[:n])
	for i := 0; i < n; i++ {
		rm.queue[i] = nil
	}
	rm.queue = rm.queue[n:]
	rm.draining = true
	return batch
}

func (r *Registry) endDrain(rm *room) {
	rm.mu.Lock()
	rm.draining = false
	rm.lastDrain = r.now()
	rm.mu.Unlock()
	r.releaseIfIdle(rm)
}

// Members returns the connection ids currently in roomID.
func (r *Registry) Members(roomID string) []string {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]string, 0, len(rm.members))
	for id := range rm.members {
		out = append(out, id)
	}
	return out
}

func (r *Registry) Get(roomID string) (RoomStats, bool) {
	r.mu.Lock()
	rm, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return RoomStats{}, false
	}
	return rm.stats(), true
}

// Snapshot returns stats for every live room, sorted by id.
func (r *Registry) Snapshot() []RoomStats {
	r.mu.Lock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.Unlock()

	out := make([]RoomStats, 0, len(rooms))
	for _, rm := range rooms {
		out = append(out, rm.stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rooms)
}

// dropPending empties every queue and returns how many messages were dropped.
func (r *Registry) dropPending() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := 0
	for _, rm := range r.rooms {
		rm.mu.Lock()
		dropped += len(rm.queue)
		rm.queue = nil
		r.releaseLocked(rm)
		rm.mu.Unlock()
	}
	return dropped
}

func (rm *room) stats() RoomStats {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return RoomStats{
		ID:        rm.id,
		Members:   len(rm.members),
		Pending:   len(rm.queue),
		Draining:  rm.draining,
		LastDrain: rm.lastDrain,
		CreatedAt: rm.createdAt,
	}
}
