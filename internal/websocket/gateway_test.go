package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/models"
	"chatsync/internal/presence"
	"chatsync/internal/session"
	"chatsync/internal/unread"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	members map[string][]string
	saved   []models.ChatMessage
	saveErr error
	listErr error
	nextID  int64
	savedAt time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		members: map[string][]string{
			"dm-ab": {"A", "B"},
			"grp-1": {"A", "B", "C"},
		},
		savedAt: time.UnixMilli(1700000000123),
	}
}

func (s *fakeStore) ConversationMembers(_ context.Context, conversationID string) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.members[conversationID], nil
}

func (s *fakeStore) SaveMessage(_ context.Context, conversationID, senderID, content string) (*models.ChatMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return nil, s.saveErr
	}
	s.nextID++
	msg := models.ChatMessage{
		ID:             s.nextID,
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		CreatedAt:      s.savedAt,
	}
	s.saved = append(s.saved, msg)
	return &msg, nil
}

func newTestGateway(t *testing.T, sendBuffer int, limits session.Limits) (*Gateway, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	g := NewGateway(presence.NewRegistry(), unread.NewRegistry(), store, config.WebSocketConfig{
		SendBuffer: sendBuffer,
	}, limits)
	return g, store
}

// connect registers a socket-less client; tests read its queue directly.
func connect(g *Gateway, userID, name string) *Client {
	c := newClient(g, nil, &models.User{ID: userID, Username: name})
	g.Register(c)
	return c
}

func send(t *testing.T, g *Gateway, c *Client, msg models.WebSocketMessage) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	g.HandleEvent(c, data)
}

// drain returns every queued message, skipping presence broadcasts.
func drain(t *testing.T, c *Client) []models.WebSocketMessage {
	t.Helper()
	var out []models.WebSocketMessage
	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return out
			}
			var m models.WebSocketMessage
			require.NoError(t, json.Unmarshal(data, &m))
			if m.Type == models.MessageTypePresenceChanged {
				continue
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func ids(ps []models.Participant) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = p.UserID
	}
	return out
}

func TestGatewaySessionScenario(t *testing.T) {
	g, _ := newTestGateway(t, 64, session.Limits{})
	a := connect(g, "A", "alice")
	b := connect(g, "B", "bob")

	send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeJoinSession, SessionID: "S1"})
	got := drain(t, a)
	require.Len(t, got, 1)
	assert.Equal(t, models.MessageTypeSessionJoined, got[0].Type)
	require.NotNil(t, got[0].Content)
	assert.Equal(t, "", *got[0].Content)
	assert.Equal(t, []string{"A"}, ids(got[0].Participants))

	send(t, g, b, models.WebSocketMessage{
		Type:        models.MessageTypeJoinSession,
		SessionID:   "S1",
		Participant: &models.Participant{UserID: "B", DisplayName: "Bobby"},
	})
	got = drain(t, a)
	require.Len(t, got, 1)
	assert.Equal(t, models.MessageTypeParticipantsUpdated, got[0].Type)
	assert.Equal(t, []string{"A", "B"}, ids(got[0].Participants))
	assert.Equal(t, "Bobby", got[0].Participants[1].DisplayName)

	got = drain(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, models.MessageTypeSessionJoined, got[0].Type)
	assert.Equal(t, []string{"A", "B"}, ids(got[0].Participants))

	send(t, g, a, models.WebSocketMessage{
		Type:      models.MessageTypeSubmitEdit,
		SessionID: "S1",
		UserID:    "A",
		Content:   models.StringPtr("hello"),
		Timestamp: 42,
	})
	assert.Empty(t, drain(t, a))
	got = drain(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, models.MessageTypeContentUpdated, got[0].Type)
	assert.Equal(t, "hello", *got[0].Content)
	assert.Equal(t, "A", got[0].WriterID)
	assert.Equal(t, int64(42), got[0].Timestamp)

	send(t, g, b, models.WebSocketMessage{Type: models.MessageTypeLeaveSession, SessionID: "S1", UserID: "B"})
	got = drain(t, a)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"A"}, ids(got[0].Participants))

	send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeLeaveSession, SessionID: "S1", UserID: "A"})
	assert.Equal(t, 0, g.Sessions().Count())

	send(t, g, b, models.WebSocketMessage{Type: models.MessageTypeJoinSession, SessionID: "S1"})
	got = drain(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, "", *got[0].Content)
	assert.Equal(t, []string{"B"}, ids(got[0].Participants))
}

func TestGatewayErrorsReplyOnlyToSender(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		code string
	}{
		{"invalid json", `{"type":`, "MALFORMED_EVENT"},
		{"unknown type", `{"type":"rename-session"}`, "MALFORMED_EVENT"},
		{"join without session", `{"type":"join-session"}`, "MALFORMED_EVENT"},
		{"edit without content", `{"type":"submit-edit","session_id":"S1"}`, "MALFORMED_EVENT"},
		{"edit by non-member", `{"type":"submit-edit","session_id":"S1","content":"x"}`, "NOT_A_MEMBER"},
		{"leave by non-member", `{"type":"leave-session","session_id":"S1"}`, "NOT_A_MEMBER"},
		{"edit as someone else", `{"type":"submit-edit","session_id":"S1","user_id":"A","content":"x"}`, "IDENTITY_MISMATCH"},
		{"join as someone else", `{"type":"join-session","session_id":"S1","participant":{"user_id":"A"}}`, "IDENTITY_MISMATCH"},
		{"select without conversation", `{"type":"select-conversation"}`, "MALFORMED_EVENT"},
		{"message without text", `{"type":"send-message","conversation_id":"dm-ab"}`, "MALFORMED_EVENT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g, _ := newTestGateway(t, 64, session.Limits{})
			a := connect(g, "A", "alice")
			m := connect(g, "M", "mallory")

			send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeJoinSession, SessionID: "S1"})
			send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeSubmitEdit, SessionID: "S1", Content: models.StringPtr("safe")})
			drain(t, a)

			g.HandleEvent(m, []byte(tt.raw))

			got := drain(t, m)
			require.Len(t, got, 1)
			assert.Equal(t, models.MessageTypeError, got[0].Type)
			assert.Equal(t, tt.code, got[0].Code)
			assert.NotEmpty(t, got[0].Message)
			assert.Empty(t, drain(t, a))

			snap, ok := g.Sessions().Get("S1")
			require.True(t, ok)
			assert.Equal(t, "safe", snap.Content)
			assert.Equal(t, []string{"A"}, ids(snap.Participants))

			// The offending connection stays usable.
			send(t, g, m, models.WebSocketMessage{Type: models.MessageTypeJoinSession, SessionID: "S1"})
			got = drain(t, m)
			require.Len(t, got, 1)
			assert.Equal(t, models.MessageTypeSessionJoined, got[0].Type)
		})
	}
}

func TestGatewayUnregisterLeavesSessions(t *testing.T) {
	g, _ := newTestGateway(t, 64, session.Limits{})
	a := connect(g, "A", "alice")
	b := connect(g, "B", "bob")

	for _, c := range []*Client{a, b} {
		send(t, g, c, models.WebSocketMessage{Type: models.MessageTypeJoinSession, SessionID: "S1"})
		send(t, g, c, models.WebSocketMessage{Type: models.MessageTypeJoinSession, SessionID: "S2"})
	}
	drain(t, a)
	drain(t, b)

	var events []presence.Event
	var mu sync.Mutex
	g.Presence().Subscribe(presence.ObserverFunc(func(ev presence.Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}))

	g.Unregister(b)
	g.Unregister(b)

	got := drain(t, a)
	require.Len(t, got, 2)
	for _, m := range got {
		assert.Equal(t, models.MessageTypeParticipantsUpdated, m.Type)
		assert.Equal(t, []string{"A"}, ids(m.Participants))
	}
	assert.False(t, g.Presence().IsOnline("B"))
	assert.Equal(t, 1, g.Count())

	mu.Lock()
	assert.Equal(t, []presence.Event{{UserID: "B", Online: false, At: events[0].At}}, events)
	mu.Unlock()

	g.Unregister(a)
	assert.Equal(t, 0, g.Sessions().Count())
	assert.Equal(t, 0, g.Presence().Count())
}

func TestGatewayBroadcastsPresence(t *testing.T) {
	g, _ := newTestGateway(t, 64, session.Limits{})
	a := connect(g, "A", "alice")
	<-a.send // A's own online event

	b := connect(g, "B", "bob")
	var ev models.WebSocketMessage
	require.NoError(t, json.Unmarshal(<-a.send, &ev))
	assert.Equal(t, models.MessageTypePresenceChanged, ev.Type)
	assert.Equal(t, "B", ev.UserID)
	require.NotNil(t, ev.Online)
	assert.True(t, *ev.Online)

	b2 := connect(g, "B", "bob")
	g.Unregister(b)
	select {
	case data := <-a.send:
		t.Fatalf("unexpected event while B still has a connection: %s", data)
	default:
	}

	g.Unregister(b2)
	require.NoError(t, json.Unmarshal(<-a.send, &ev))
	assert.Equal(t, "B", ev.UserID)
	assert.False(t, *ev.Online)
}

func TestGatewayNoEchoToWriterConnections(t *testing.T) {
	g, _ := newTestGateway(t, 64, session.Limits{})
	a1 := connect(g, "A", "alice")
	a2 := connect(g, "A", "alice")
	b := connect(g, "B", "bob")

	for _, c := range []*Client{a1, a2, b} {
		send(t, g, c, models.WebSocketMessage{Type: models.MessageTypeJoinSession, SessionID: "S1"})
	}
	drain(t, a1)
	drain(t, a2)
	drain(t, b)

	send(t, g, a1, models.WebSocketMessage{Type: models.MessageTypeSubmitEdit, SessionID: "S1", Content: models.StringPtr("from a1")})
	assert.Empty(t, drain(t, a1))
	assert.Empty(t, drain(t, a2))
	require.Len(t, drain(t, b), 1)

	send(t, g, b, models.WebSocketMessage{Type: models.MessageTypeSubmitEdit, SessionID: "S1", Content: models.StringPtr("from b")})
	for _, c := range []*Client{a1, a2} {
		got := drain(t, c)
		require.Len(t, got, 1)
		assert.Equal(t, "from b", *got[0].Content)
	}

	// a1 leaving keeps A in the session through a2.
	send(t, g, a1, models.WebSocketMessage{Type: models.MessageTypeLeaveSession, SessionID: "S1"})
	assert.Empty(t, drain(t, b))
	assert.True(t, g.Sessions().IsParticipant("S1", "A"))
}

func TestGatewaySessionLimits(t *testing.T) {
	g, _ := newTestGateway(t, 64, session.Limits{MaxParticipants: 1, MaxBufferBytes: 4})
	a := connect(g, "A", "alice")
	b := connect(g, "B", "bob")

	send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeJoinSession, SessionID: "S1"})
	drain(t, a)

	send(t, g, b, models.WebSocketMessage{Type: models.MessageTypeJoinSession, SessionID: "S1"})
	got := drain(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, "SESSION_FULL", got[0].Code)

	send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeSubmitEdit, SessionID: "S1", Content: models.StringPtr("too long")})
	got = drain(t, a)
	require.Len(t, got, 1)
	assert.Equal(t, "CONTENT_TOO_LARGE", got[0].Code)
}

func TestGatewaySlowConsumerIsClosed(t *testing.T) {
	g, _ := newTestGateway(t, 2, session.Limits{})
	a := connect(g, "A", "alice")
	drain(t, a)
	slow := connect(g, "B", "bob")
	drain(t, a)
	drain(t, slow)

	send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeJoinSession, SessionID: "S1"})
	drain(t, a)
	send(t, g, slow, models.WebSocketMessage{Type: models.MessageTypeJoinSession, SessionID: "S1"})
	drain(t, a)
	drain(t, slow)

	for i := 0; i < 3; i++ {
		send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeSubmitEdit, SessionID: "S1", Content: models.StringPtr("x")})
	}

	// Buffered frames are still readable, then the queue reports closed.
	n := 0
	for range slow.send {
		n++
	}
	assert.Equal(t, 2, n)
	assert.False(t, slow.enqueue([]byte("late")))

	// The read side runs the usual disconnect path.
	g.Unregister(slow)
	got := drain(t, a)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"A"}, ids(got[0].Participants))
}

func TestGatewayMessagesDriveUnreadCounts(t *testing.T) {
	g, store := newTestGateway(t, 64, session.Limits{})
	a := connect(g, "A", "alice")
	b := connect(g, "B", "bob")
	c := connect(g, "C", "carol")

	send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeSendMessage, ConversationID: "dm-ab", Text: "hi"})
	assert.Empty(t, drain(t, a))
	assert.Empty(t, drain(t, c))

	got := drain(t, b)
	require.Len(t, got, 2)
	assert.Equal(t, models.MessageTypeMessage, got[0].Type)
	assert.Equal(t, "hi", got[0].Text)
	assert.Equal(t, "A", got[0].Sender.UserID)
	assert.Equal(t, store.savedAt.UnixMilli(), got[0].Timestamp)
	assert.Equal(t, models.MessageTypeUnreadUpdated, got[1].Type)
	assert.Equal(t, 1, *got[1].Count)

	send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeSendMessage, ConversationID: "dm-ab", Text: "again"})
	got = drain(t, b)
	require.Len(t, got, 2)
	assert.Equal(t, 2, *got[1].Count)

	send(t, g, b, models.WebSocketMessage{Type: models.MessageTypeSelectConversation, ConversationID: "dm-ab"})
	got = drain(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, models.MessageTypeUnreadUpdated, got[0].Type)
	assert.Equal(t, 0, *got[0].Count)

	// Viewing recipients get the message without a count bump.
	send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeSendMessage, ConversationID: "dm-ab", Text: "seen"})
	got = drain(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, models.MessageTypeMessage, got[0].Type)

	send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeSendMessage, ConversationID: "grp-1", Text: "team"})
	drain(t, b)
	drain(t, c)

	send(t, g, c, models.WebSocketMessage{Type: models.MessageTypeGetUnread})
	got = drain(t, c)
	require.Len(t, got, 1)
	assert.Equal(t, models.MessageTypeUnreadCounts, got[0].Type)
	assert.Equal(t, map[string]int{"grp-1": 1}, got[0].Counts)

	send(t, g, b, models.WebSocketMessage{Type: models.MessageTypeGetUnread})
	got = drain(t, b)
	require.Len(t, got, 1)
	assert.Equal(t, map[string]int{"grp-1": 1}, got[0].Counts)

	assert.Len(t, store.saved, 4)
}

func TestGatewayMessageFromOutsider(t *testing.T) {
	g, store := newTestGateway(t, 64, session.Limits{})
	a := connect(g, "A", "alice")
	m := connect(g, "M", "mallory")

	send(t, g, m, models.WebSocketMessage{Type: models.MessageTypeSendMessage, ConversationID: "dm-ab", Text: "spam"})
	got := drain(t, m)
	require.Len(t, got, 1)
	assert.Equal(t, "NOT_A_MEMBER", got[0].Code)
	assert.Empty(t, drain(t, a))
	assert.Empty(t, store.saved)
}

func TestGatewayMessageSurvivesPersistenceFailure(t *testing.T) {
	g, store := newTestGateway(t, 64, session.Limits{})
	store.saveErr = errors.New("disk full")
	a := connect(g, "A", "alice")
	b := connect(g, "B", "bob")

	send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeSendMessage, ConversationID: "dm-ab", Text: "hi"})
	got := drain(t, b)
	require.Len(t, got, 2)
	assert.Equal(t, "hi", got[0].Text)
	assert.NotZero(t, got[0].Timestamp)
	assert.Empty(t, drain(t, a))
}

func TestGatewayDirectoryFailureIsInternal(t *testing.T) {
	g, store := newTestGateway(t, 64, session.Limits{})
	store.listErr = errors.New("connection refused")
	a := connect(g, "A", "alice")

	send(t, g, a, models.WebSocketMessage{Type: models.MessageTypeSendMessage, ConversationID: "dm-ab", Text: "hi"})
	got := drain(t, a)
	require.Len(t, got, 1)
	assert.Equal(t, session.CodeInternal, got[0].Code)
	assert.Equal(t, "internal error", got[0].Message)
}

func TestGatewayConcurrentSessions(t *testing.T) {
	g, _ := newTestGateway(t, 1024, session.Limits{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sid := string(rune('a' + i))
			w := connect(g, "W"+sid, "writer")
			r := connect(g, "R"+sid, "reader")
			for _, c := range []*Client{w, r} {
				data, _ := json.Marshal(models.WebSocketMessage{Type: models.MessageTypeJoinSession, SessionID: sid})
				g.HandleEvent(c, data)
			}
			for j := 0; j < 50; j++ {
				data, _ := json.Marshal(models.WebSocketMessage{
					Type:      models.MessageTypeSubmitEdit,
					SessionID: sid,
					Content:   models.StringPtr(string(rune('0' + j%10))),
				})
				g.HandleEvent(w, data)
			}
			g.Unregister(w)
			g.Unregister(r)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, g.Count())
	assert.Equal(t, 0, g.Sessions().Count())
	assert.Equal(t, 0, g.Presence().Count())
}
