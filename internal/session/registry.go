package session

import (
	"sort"
	"sync"
	"time"

	"chatsync/internal/models"
	"chatsync/pkg/logger"
)

// Notifier delivers an outbound event to a set of connections. Registry
// calls it while holding the session lock, so deliveries for one session
// reach every connection in the order the mutations were applied.
// Implementations must not block and must not call back into Registry.
type Notifier interface {
	Notify(connIDs []string, msg *models.WebSocketMessage)
}

// Limits bounds sessions. Zero values mean unlimited.
type Limits struct {
	MaxParticipants int
	MaxBufferBytes  int
}

// Registry owns every live code session. Sessions are created on first
// join and destroyed when their last participant leaves; each session has
// its own lock so that unrelated sessions never wait on each other.
type Registry struct {
	notifier Notifier
	limits   Limits
	now      func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session

	connMu sync.Mutex
	byConn map[string]map[string]struct{} // connID -> sessionIDs
}

func NewRegistry(notifier Notifier, limits Limits) *Registry {
	return &Registry{
		notifier: notifier,
		limits:   limits,
		now:      time.Now,
		sessions: make(map[string]*Session),
		byConn:   make(map[string]map[string]struct{}),
	}
}

func (r *Registry) getOrCreate(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[id]
	if !ok {
		s = &Session{id: id}
		r.sessions[id] = s
		logger.Debug("Code session %s created", id)
	}
	return s
}

func (r *Registry) get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// destroyLocked must be called with s.mu held.
func (r *Registry) destroyLocked(s *Session) {
	s.closed = true
	r.mu.Lock()
	if r.sessions[s.id] == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	logger.Debug("Code session %s destroyed", s.id)
}

func (r *Registry) trackConn(connID, sessionID string) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	ids, ok := r.byConn[connID]
	if !ok {
		ids = make(map[string]struct{})
		r.byConn[connID] = ids
	}
	ids[sessionID] = struct{}{}
}

func (r *Registry) untrackConn(connID, sessionID string) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if ids, ok := r.byConn[connID]; ok {
		delete(ids, sessionID)
		if len(ids) == 0 {
			delete(r.byConn, connID)
		}
	}
}

func (r *Registry) notify(connIDs []string, msg *models.WebSocketMessage) {
	if len(connIDs) == 0 || r.notifier == nil {
		return
	}
	r.notifier.Notify(connIDs, msg)
}

// Join adds participant, reachable on connID, to sessionID, creating the
// session if needed. The joining connection receives session-joined; every
// other participant receives participants-updated when the set changed.
func (r *Registry) Join(sessionID string, p models.Participant, connID string) (*Snapshot, error) {
	if sessionID == "" || p.UserID == "" || connID == "" {
		return nil, ErrMalformedEvent
	}

	for {
		s := r.getOrCreate(sessionID)
		s.mu.Lock()
		if s.closed {
			// Lost a race with the last participant leaving; retry on a fresh session.
			s.mu.Unlock()
			continue
		}

		snap, err := r.joinLocked(s, p, connID)
		s.mu.Unlock()
		return snap, err
	}
}

func (r *Registry) joinLocked(s *Session, p models.Participant, connID string) (*Snapshot, error) {
	added := false
	if i := s.memberIndex(p.UserID); i >= 0 {
		s.members[i].conns[connID] = struct{}{}
	} else {
		if r.limits.MaxParticipants > 0 && len(s.members) >= r.limits.MaxParticipants {
			return nil, ErrSessionFull
		}
		s.members = append(s.members, &member{
			participant: p,
			conns:       map[string]struct{}{connID: {}},
		})
		added = true
	}
	r.trackConn(connID, s.id)

	snap := s.snapshotLocked()
	r.notify([]string{connID}, &models.WebSocketMessage{
		Type:         models.MessageTypeSessionJoined,
		SessionID:    s.id,
		Content:      models.StringPtr(snap.Content),
		Participants: snap.Participants,
	})
	if added {
		r.notify(s.connsExceptLocked(p.UserID), &models.WebSocketMessage{
			Type:         models.MessageTypeParticipantsUpdated,
			SessionID:    s.id,
			Participants: snap.Participants,
		})
		logger.Info("User %s joined code session %s (%d participants)", p.UserID, s.id, len(s.members))
	}
	return snap, nil
}

// SubmitEdit replaces the session buffer with content (last writer wins)
// and sends content-updated to every participant except the writer.
// clientTimestamp is passed through; zero is replaced by the server time.
func (r *Registry) SubmitEdit(sessionID, userID, connID, content string, clientTimestamp int64) error {
	if sessionID == "" || userID == "" {
		return ErrMalformedEvent
	}

	s := r.get(sessionID)
	if s == nil {
		return ErrNotAMember
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.hasConn(userID, connID) {
		return ErrNotAMember
	}
	if r.limits.MaxBufferBytes > 0 && len(content) > r.limits.MaxBufferBytes {
		return ErrContentTooLarge
	}

	now := r.now()
	s.content = content
	s.lastWriter = userID
	s.lastUpdate = now

	ts := clientTimestamp
	if ts == 0 {
		ts = now.UnixMilli()
	}
	r.notify(s.connsExceptLocked(userID), &models.WebSocketMessage{
		Type:      models.MessageTypeContentUpdated,
		SessionID: s.id,
		Content:   models.StringPtr(content),
		WriterID:  userID,
		Timestamp: ts,
	})
	return nil
}

// Leave detaches connID from sessionID. The user stops being a participant
// once none of their connections remain joined.
func (r *Registry) Leave(sessionID, userID, connID string) error {
	if sessionID == "" || userID == "" {
		return ErrMalformedEvent
	}

	s := r.get(sessionID)
	if s == nil {
		return ErrNotAMember
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || !s.hasConn(userID, connID) {
		return ErrNotAMember
	}
	r.leaveLocked(s, userID, connID)
	return nil
}

func (r *Registry) leaveLocked(s *Session, userID, connID string) {
	r.untrackConn(connID, s.id)

	i := s.memberIndex(userID)
	m := s.members[i]
	delete(m.conns, connID)
	if len(m.conns) > 0 {
		return
	}

	s.members = append(s.members[:i], s.members[i+1:]...)
	logger.Info("User %s left code session %s (%d participants)", userID, s.id, len(s.members))

	if len(s.members) == 0 {
		r.destroyLocked(s)
		return
	}
	r.notify(s.connsExceptLocked(userID), &models.WebSocketMessage{
		Type:         models.MessageTypeParticipantsUpdated,
		SessionID:    s.id,
		Participants: s.participantsLocked(),
	})
}

// RemoveConnection leaves every session connID had joined, as if leave had
// been sent for each. It returns the affected session IDs, sorted.
func (r *Registry) RemoveConnection(userID, connID string) []string {
	r.connMu.Lock()
	ids := make([]string, 0, len(r.byConn[connID]))
	for id := range r.byConn[connID] {
		ids = append(ids, id)
	}
	r.connMu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		s := r.get(id)
		if s == nil {
			r.untrackConn(connID, id)
			continue
		}
		s.mu.Lock()
		if !s.closed && s.hasConn(userID, connID) {
			r.leaveLocked(s, userID, connID)
		} else {
			r.untrackConn(connID, id)
		}
		s.mu.Unlock()
	}
	return ids
}

// Get returns a snapshot of sessionID, if it exists.
func (r *Registry) Get(sessionID string) (*Snapshot, bool) {
	s := r.get(sessionID)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false
	}
	return s.snapshotLocked(), true
}

// IsParticipant reports whether userID is currently in sessionID.
func (r *Registry) IsParticipant(sessionID, userID string) bool {
	s := r.get(sessionID)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && s.memberIndex(userID) >= 0
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
