package presence

import (
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

const shardCount = 32

// Event describes a presence transition of a user.
type Event struct {
	UserID string
	Online bool
	At     time.Time
}

// Observer receives every offline->online and online->offline transition.
// PresenceChanged is called without registry locks held. Events for one
// user are delivered one at a time in transition order; events for
// different users may be delivered concurrently.
type Observer interface {
	PresenceChanged(ev Event)
}

type ObserverFunc func(ev Event)

func (f ObserverFunc) PresenceChanged(ev Event) { f(ev) }

type entry struct {
	conns    map[string]struct{}
	lastSeen time.Time
}

// outbox holds a user's undelivered transitions. While draining is set
// some goroutine is delivering them and nobody else may.
type outbox struct {
	events   []Event
	draining bool
}

type shard struct {
	mu       sync.Mutex
	users    map[string]*entry
	outboxes map[string]*outbox
}

// queueLocked appends ev to its user's outbox and reports whether the
// caller must drain it.
func (s *shard) queueLocked(ev Event) bool {
	ob, ok := s.outboxes[ev.UserID]
	if !ok {
		ob = &outbox{}
		s.outboxes[ev.UserID] = ob
	}
	ob.events = append(ob.events, ev)
	if ob.draining {
		return false
	}
	ob.draining = true
	return true
}

// Registry is the set of currently connected users. A user stays online
// until every one of their connections has been disconnected.
type Registry struct {
	shards [shardCount]*shard
	conns  sync.Map // connID -> userID

	obsMu     sync.RWMutex
	observers []Observer

	now func() time.Time
}

func NewRegistry() *Registry {
	r := &Registry{now: time.Now}
	for i := range r.shards {
		r.shards[i] = &shard{
			users:    make(map[string]*entry),
			outboxes: make(map[string]*outbox),
		}
	}
	return r
}

func (r *Registry) shardFor(userID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return r.shards[h.Sum32()%shardCount]
}

// Subscribe registers an observer for presence transitions.
func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

// drain delivers userID's queued transitions until the outbox is empty.
func (r *Registry) drain(s *shard, userID string) {
	for {
		s.mu.Lock()
		ob := s.outboxes[userID]
		if len(ob.events) == 0 {
			delete(s.outboxes, userID)
			s.mu.Unlock()
			return
		}
		ev := ob.events[0]
		ob.events = ob.events[1:]
		s.mu.Unlock()

		r.notify(ev)
	}
}

func (r *Registry) notify(ev Event) {
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()

	for _, o := range observers {
		o.PresenceChanged(ev)
	}
}

// Connect registers connID under userID. It reports whether the user just
// came online.
func (r *Registry) Connect(userID, connID string) bool {
	r.conns.Store(connID, userID)

	s := r.shardFor(userID)
	s.mu.Lock()
	now := r.now()
	e, ok := s.users[userID]
	if ok {
		e.conns[connID] = struct{}{}
		e.lastSeen = now
		s.mu.Unlock()
		return false
	}
	s.users[userID] = &entry{conns: map[string]struct{}{connID: {}}, lastSeen: now}
	mustDrain := s.queueLocked(Event{UserID: userID, Online: true, At: now})
	s.mu.Unlock()

	if mustDrain {
		r.drain(s, userID)
	}
	return true
}

// Disconnect removes connID. It returns the user the connection belonged to
// and whether that was their last connection. Unknown connections are a no-op.
func (r *Registry) Disconnect(connID string) (string, bool) {
	v, ok := r.conns.LoadAndDelete(connID)
	if !ok {
		return "", false
	}
	userID := v.(string)

	s := r.shardFor(userID)
	s.mu.Lock()
	e, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return userID, false
	}
	delete(e.conns, connID)
	if len(e.conns) > 0 {
		s.mu.Unlock()
		return userID, false
	}
	delete(s.users, userID)
	mustDrain := s.queueLocked(Event{UserID: userID, Online: false, At: r.now()})
	s.mu.Unlock()

	if mustDrain {
		r.drain(s, userID)
	}
	return userID, true
}

// Touch refreshes lastSeen for the user owning connID.
func (r *Registry) Touch(connID string) {
	v, ok := r.conns.Load(connID)
	if !ok {
		return
	}
	userID := v.(string)

	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.users[userID]; ok {
		e.lastSeen = r.now()
	}
}

func (r *Registry) IsOnline(userID string) bool {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok
}

func (r *Registry) LastSeen(userID string) (time.Time, bool) {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.users[userID]
	if !ok {
		return time.Time{}, false
	}
	return e.lastSeen, true
}

// ConnectionCount returns the number of open connections of userID.
func (r *Registry) ConnectionCount(userID string) int {
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.users[userID]; ok {
		return len(e.conns)
	}
	return 0
}

// UserFor resolves a connection handle to its user.
func (r *Registry) UserFor(connID string) (string, bool) {
	v, ok := r.conns.Load(connID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// OnlineUsers returns a sorted snapshot of every online user.
func (r *Registry) OnlineUsers() []string {
	var users []string
	for _, s := range r.shards {
		s.mu.Lock()
		for uid := range s.users {
			users = append(users, uid)
		}
		s.mu.Unlock()
	}
	sort.Strings(users)
	return users
}

func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.Lock()
		n += len(s.users)
		s.mu.Unlock()
	}
	return n
}
