package session

import (
	"sync"
	"time"

	"chatsync/internal/models"
)

type member struct {
	participant models.Participant
	conns       map[string]struct{}
}

// Session is one collaborative buffer. All fields are guarded by mu; a
// closed session has been removed from its registry and must not be used.
type Session struct {
	id string

	mu         sync.Mutex
	members    []*member
	content    string
	lastWriter string
	lastUpdate time.Time
	closed     bool
}

// Snapshot is a consistent copy of a session's state.
type Snapshot struct {
	ID           string
	Participants []models.Participant
	Content      string
	LastWriter   string
	LastUpdate   time.Time
}

func (s *Session) memberIndex(userID string) int {
	for i, m := range s.members {
		if m.participant.UserID == userID {
			return i
		}
	}
	return -1
}

func (s *Session) hasConn(userID, connID string) bool {
	i := s.memberIndex(userID)
	if i < 0 {
		return false
	}
	_, ok := s.members[i].conns[connID]
	return ok
}

func (s *Session) participantsLocked() []models.Participant {
	out := make([]models.Participant, len(s.members))
	for i, m := range s.members {
		out[i] = m.participant
	}
	return out
}

// connsExceptLocked lists every connection of every member but userID.
func (s *Session) connsExceptLocked(userID string) []string {
	var out []string
	for _, m := range s.members {
		if m.participant.UserID == userID {
			continue
		}
		for c := range m.conns {
			out = append(out, c)
		}
	}
	return out
}

func (s *Session) snapshotLocked() *Snapshot {
	return &Snapshot{
		ID:           s.id,
		Participants: s.participantsLocked(),
		Content:      s.content,
		LastWriter:   s.lastWriter,
		LastUpdate:   s.lastUpdate,
	}
}
