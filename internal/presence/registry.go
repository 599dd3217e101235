// Package presence tracks which teachers are reachable on an open signaling
// channel and whether they accept new calls. State is process-local and is
// rebuilt from client reconnects after a restart; only the administrative
// override is persisted.
package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Entry is the live presence of one teacher.
type Entry struct {
	TeacherID string    `json:"teacher_id"`
	Online    bool      `json:"online"`
	Available bool      `json:"available"`
	InRoom    bool      `json:"in_room"`
	Disabled  bool      `json:"disabled"`
	LastSeen  time.Time `json:"last_seen"`
}

// Reachable is the effective availability used for call guards.
func (e Entry) Reachable() bool {
	return e.Online && e.Available && !e.InRoom && !e.Disabled
}

// Update is broadcast whenever a teacher's effective availability flips.
type Update struct {
	TeacherID string
	Available bool
	At        time.Time
}

// OverrideStore persists the administrative "disabled" flag, which applies
// independently of live presence.
type OverrideStore interface {
	SetDisabled(ctx context.Context, teacherID string, disabled bool) error
	ListDisabled(ctx context.Context) ([]string, error)
}

type Registry struct {
	mu       sync.RWMutex
	entries  map[string]*Entry
	disabled map[string]bool

	store OverrideStore
	log   *slog.Logger
	now   func() time.Time

	obsMu     sync.RWMutex
	observers map[int]func(Update)
	nextObs   int
}

func NewRegistry(store OverrideStore, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		entries:   make(map[string]*Entry),
		disabled:  make(map[string]bool),
		store:     store,
		log:       log,
		now:       time.Now,
		observers: make(map[int]func(Update)),
	}
}

// LoadOverrides primes the disabled set from the store.
func (r *Registry) LoadOverrides(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	ids, err := r.store.ListDisabled(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	for _, id := range ids {
		r.disabled[id] = true
		if e, ok := r.entries[id]; ok {
			e.Disabled = true
		}
	}
	r.mu.Unlock()
	return nil
}

// SetOnline registers a teacher channel. A freshly connected teacher is
// available until they say otherwise.
func (r *Registry) SetOnline(teacherID string) {
	r.mutate(teacherID, func(e *Entry) {
		if !e.Online {
			e.Available = true
		}
		e.Online = true
	})
}

// SetOffline marks the teacher unreachable; the entry is kept for last-seen.
func (r *Registry) SetOffline(teacherID string) {
	r.mutate(teacherID, func(e *Entry) {
		e.Online = false
	})
}

func (r *Registry) SetAvailability(teacherID string, available bool) {
	r.mutate(teacherID, func(e *Entry) {
		e.Available = available
	})
}

// SetInRoom flags a teacher as busy in an active room.
func (r *Registry) SetInRoom(teacherID string, inRoom bool) {
	r.mutate(teacherID, func(e *Entry) {
		e.InRoom = inRoom
	})
}

// Touch refreshes last-seen on heartbeats.
func (r *Registry) Touch(teacherID string) {
	r.mu.Lock()
	if e, ok := r.entries[teacherID]; ok {
		e.LastSeen = r.now()
	}
	r.mu.Unlock()
}

// IsAvailable reports effective availability. Unknown identities are offline.
func (r *Registry) IsAvailable(teacherID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[teacherID]
	if !ok {
		return false
	}
	return e.Reachable()
}

// SetDisabled writes the administrative override, store first.
func (r *Registry) SetDisabled(ctx context.Context, teacherID string, disabled bool) error {
	if r.store != nil {
		if err := r.store.SetDisabled(ctx, teacherID, disabled); err != nil {
			return err
		}
	}
	r.mutate(teacherID, func(e *Entry) {
		e.Disabled = disabled
		if disabled {
			r.disabled[teacherID] = true
		} else {
			delete(r.disabled, teacherID)
		}
	})
	return nil
}

func (r *Registry) Disabled(teacherID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled[teacherID]
}

func (r *Registry) Get(teacherID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[teacherID]
	if !ok {
		return Entry{TeacherID: teacherID, Disabled: r.disabled[teacherID]}, false
	}
	return *e, true
}

// Snapshot returns all known entries ordered by teacher id.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TeacherID < out[j].TeacherID })
	return out
}

// Subscribe registers fn for availability updates. fn runs on the mutating
// goroutine and must not block.
func (r *Registry) Subscribe(fn func(Update)) (cancel func()) {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.obsMu.Unlock()
	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

func (r *Registry) mutate(teacherID string, fn func(e *Entry)) {
	if teacherID == "" {
		return
	}
	r.mu.Lock()
	e, ok := r.entries[teacherID]
	if !ok {
		e = &Entry{TeacherID: teacherID, Disabled: r.disabled[teacherID]}
		r.entries[teacherID] = e
	}
	before := ok && e.Reachable()
	fn(e)
	e.LastSeen = r.now()
	after := e.Reachable()
	at := e.LastSeen
	r.mu.Unlock()

	if before != after {
		r.log.Debug("presence changed", "teacher_id", teacherID, "available", after)
		r.broadcast(Update{TeacherID: teacherID, Available: after, At: at})
	}
}

func (r *Registry) broadcast(u Update) {
	r.obsMu.RLock()
	fns := make([]func(Update), 0, len(r.observers))
	for _, fn := range r.observers {
		fns = append(fns, fn)
	}
	r.obsMu.RUnlock()
	for _, fn := range fns {
		fn(u)
	}
}
