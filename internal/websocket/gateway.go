package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"chatsync/internal/config"
	"chatsync/internal/models"
	"chatsync/internal/presence"
	"chatsync/internal/session"
	"chatsync/internal/unread"
	"chatsync/pkg/logger"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ConversationStore resolves conversation membership and persists chat
// messages.
type ConversationStore interface {
	ConversationMembers(ctx context.Context, conversationID string) ([]string, error)
	SaveMessage(ctx context.Context, conversationID, senderID, content string) (*models.ChatMessage, error)
}

type gatewayMetrics struct {
	connections metric.Int64UpDownCounter
	events      metric.Int64Counter
	errors      metric.Int64Counter
	dropped     metric.Int64Counter
}

func newGatewayMetrics() *gatewayMetrics {
	meter := otel.Meter("chatsync/websocket")
	m := &gatewayMetrics{}
	m.connections, _ = meter.Int64UpDownCounter("ws_connections",
		metric.WithDescription("Currently open websocket connections"))
	m.events, _ = meter.Int64Counter("ws_events_total",
		metric.WithDescription("Inbound events handled, by type"))
	m.errors, _ = meter.Int64Counter("ws_event_errors_total",
		metric.WithDescription("Error replies sent, by code"))
	m.dropped, _ = meter.Int64Counter("ws_dropped_messages_total",
		metric.WithDescription("Outbound messages dropped on full or closed queues"))
	return m
}

// Gateway is the single coordination point between connections and the
// presence, session and unread registries. It is the session registry's
// Notifier and a presence observer.
type Gateway struct {
	presence      *presence.Registry
	sessions      *session.Registry
	unread        *unread.Registry
	conversations ConversationStore
	cfg           config.WebSocketConfig
	metrics       *gatewayMetrics

	mu      sync.RWMutex
	clients map[string]*Client            // connID -> client
	byUser  map[string]map[string]*Client // userID -> connID -> client
}

func NewGateway(
	presenceRegistry *presence.Registry,
	unreadRegistry *unread.Registry,
	conversations ConversationStore,
	wsCfg config.WebSocketConfig,
	limits session.Limits,
) *Gateway {
	if wsCfg.SendBuffer <= 0 {
		wsCfg.SendBuffer = 256
	}
	g := &Gateway{
		presence:      presenceRegistry,
		unread:        unreadRegistry,
		conversations: conversations,
		cfg:           wsCfg,
		metrics:       newGatewayMetrics(),
		clients:       make(map[string]*Client),
		byUser:        make(map[string]map[string]*Client),
	}
	g.sessions = session.NewRegistry(g, limits)
	presenceRegistry.Subscribe(g)
	return g
}

func (g *Gateway) Sessions() *session.Registry { return g.sessions }

func (g *Gateway) Presence() *presence.Registry { return g.presence }

// Serve registers an upgraded connection for user and starts its pumps.
func (g *Gateway) Serve(conn *websocket.Conn, user *models.User) *Client {
	c := newClient(g, conn, user)
	g.Register(c)
	go c.WritePump()
	go c.ReadPump()
	return c
}

// Register makes c reachable and marks its user online.
func (g *Gateway) Register(c *Client) {
	g.mu.Lock()
	g.clients[c.id] = c
	conns, ok := g.byUser[c.userID]
	if !ok {
		conns = make(map[string]*Client)
		g.byUser[c.userID] = conns
	}
	conns[c.id] = c
	g.mu.Unlock()

	g.metrics.connections.Add(context.Background(), 1)
	if g.presence.Connect(c.userID, c.id) {
		logger.Info("User %s is online", c.userID)
	}
	logger.Debug("Connection %s registered for user %s", c.id, c.userID)
}

// Unregister runs the disconnect path: implicit leave of every joined
// session, then presence removal. Calling it twice is a no-op.
func (g *Gateway) Unregister(c *Client) {
	g.mu.Lock()
	if _, ok := g.clients[c.id]; !ok {
		g.mu.Unlock()
		return
	}
	delete(g.clients, c.id)
	if conns, ok := g.byUser[c.userID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(g.byUser, c.userID)
		}
	}
	g.mu.Unlock()
	c.close()

	left := g.sessions.RemoveConnection(c.userID, c.id)
	if _, last := g.presence.Disconnect(c.id); last {
		logger.Info("User %s is offline", c.userID)
	}
	g.metrics.connections.Add(context.Background(), -1)
	logger.Debug("Connection %s unregistered (left %d sessions)", c.id, len(left))
}

// Count returns the number of open connections.
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// Shutdown closes every connection's queue; each writer then sends a close frame.
func (g *Gateway) Shutdown() {
	g.mu.RLock()
	clients := make([]*Client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.RUnlock()

	for _, c := range clients {
		c.close()
	}
	logger.Info("Gateway closed %d connections", len(clients))
}

// Notify implements session.Notifier.
func (g *Gateway) Notify(connIDs []string, msg *models.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Error marshaling %s event: %v", msg.Type, err)
		return
	}

	g.mu.RLock()
	targets := make([]*Client, 0, len(connIDs))
	for _, id := range connIDs {
		if c, ok := g.clients[id]; ok {
			targets = append(targets, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range targets {
		g.deliver(c, data)
	}
}

// PresenceChanged implements presence.Observer by broadcasting the badge
// update to every connection.
func (g *Gateway) PresenceChanged(ev presence.Event) {
	data, err := json.Marshal(&models.WebSocketMessage{
		Type:      models.MessageTypePresenceChanged,
		UserID:    ev.UserID,
		Online:    models.BoolPtr(ev.Online),
		Timestamp: ev.At.UnixMilli(),
	})
	if err != nil {
		logger.Error("Error marshaling presence update: %v", err)
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.clients {
		g.deliver(c, data)
	}
}

func (g *Gateway) deliver(c *Client, data []byte) {
	if !c.enqueue(data) {
		g.metrics.dropped.Add(context.Background(), 1)
	}
}

func (g *Gateway) reply(c *Client, msg *models.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Error marshaling %s reply: %v", msg.Type, err)
		return
	}
	g.deliver(c, data)
}

func (g *Gateway) sendToUser(userID string, except *Client, msg *models.WebSocketMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Error("Error marshaling %s event: %v", msg.Type, err)
		return
	}

	g.mu.RLock()
	targets := make([]*Client, 0, len(g.byUser[userID]))
	for _, c := range g.byUser[userID] {
		if c != except {
			targets = append(targets, c)
		}
	}
	g.mu.RUnlock()

	for _, c := range targets {
		g.deliver(c, data)
	}
}

// isViewing reports whether any connection of userID has conversationID selected.
func (g *Gateway) isViewing(userID, conversationID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, c := range g.byUser[userID] {
		if c.isViewing(conversationID) {
			return true
		}
	}
	return false
}

// replyError sends an error event to c only. The connection stays open.
func (g *Gateway) replyError(c *Client, err error) {
	code := session.Code(err)
	switch {
	case errors.Is(err, session.ErrMalformedEvent), errors.Is(err, session.ErrIdentityMismatch):
		logger.Warn("Rejected event from connection %s (user %s): %v", c.id, c.userID, err)
	case code == session.CodeInternal:
		logger.Error("Event from connection %s (user %s) failed: %v", c.id, c.userID, err)
	default:
		logger.Debug("Rejected event from connection %s (user %s): %v", c.id, c.userID, err)
	}

	message := err.Error()
	if code == session.CodeInternal {
		message = "internal error"
	}

	g.metrics.errors.Add(context.Background(), 1, metric.WithAttributes(attribute.String("code", code)))
	g.reply(c, &models.WebSocketMessage{
		Type:    models.MessageTypeError,
		Code:    code,
		Message: message,
	})
}

// HandleEvent decodes one inbound frame from c and applies it. Failures are
// reported to c alone and never affect other connections.
func (g *Gateway) HandleEvent(c *Client, data []byte) {
	var msg models.WebSocketMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		g.replyError(c, malformed("invalid JSON: %v", err))
		return
	}
	g.metrics.events.Add(context.Background(), 1, metric.WithAttributes(attribute.String("type", string(msg.Type))))

	var err error
	switch msg.Type {
	case models.MessageTypeJoinSession:
		err = g.handleJoin(c, &msg)
	case models.MessageTypeSubmitEdit:
		err = g.handleSubmitEdit(c, &msg)
	case models.MessageTypeLeaveSession:
		err = g.handleLeave(c, &msg)
	case models.MessageTypeSendMessage:
		err = g.handleSendMessage(c, &msg)
	case models.MessageTypeSelectConversation:
		err = g.handleSelectConversation(c, &msg)
	case models.MessageTypeGetUnread:
		g.reply(c, &models.WebSocketMessage{
			Type:   models.MessageTypeUnreadCounts,
			Counts: g.unread.For(c.userID).Snapshot(),
		})
	default:
		err = malformed("unknown event type %q", msg.Type)
	}

	if err != nil {
		g.replyError(c, err)
	}
}

// checkIdentity rejects payloads naming a user other than the authenticated one.
func checkIdentity(c *Client, userID string) error {
	if userID != "" && userID != c.userID {
		return wrapf(session.ErrIdentityMismatch, "payload user %s does not match connection user %s", userID, c.userID)
	}
	return nil
}

func (g *Gateway) handleJoin(c *Client, msg *models.WebSocketMessage) error {
	if msg.SessionID == "" {
		return malformed("join-session requires session_id")
	}

	p := c.participant()
	if msg.Participant != nil {
		if err := checkIdentity(c, msg.Participant.UserID); err != nil {
			return err
		}
		if msg.Participant.DisplayName != "" {
			p.DisplayName = msg.Participant.DisplayName
		}
	}

	_, err := g.sessions.Join(msg.SessionID, p, c.id)
	return err
}

func (g *Gateway) handleSubmitEdit(c *Client, msg *models.WebSocketMessage) error {
	if msg.SessionID == "" || msg.Content == nil {
		return malformed("submit-edit requires session_id and content")
	}
	if err := checkIdentity(c, msg.UserID); err != nil {
		return err
	}
	return g.sessions.SubmitEdit(msg.SessionID, c.userID, c.id, *msg.Content, msg.Timestamp)
}

func (g *Gateway) handleLeave(c *Client, msg *models.WebSocketMessage) error {
	if msg.SessionID == "" {
		return malformed("leave-session requires session_id")
	}
	if err := checkIdentity(c, msg.UserID); err != nil {
		return err
	}
	return g.sessions.Leave(msg.SessionID, c.userID, c.id)
}

func (g *Gateway) handleSendMessage(c *Client, msg *models.WebSocketMessage) error {
	if msg.ConversationID == "" || msg.Text == "" {
		return malformed("send-message requires conversation_id and text")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	members, err := g.conversations.ConversationMembers(ctx, msg.ConversationID)
	if err != nil {
		return err
	}
	if !slices.Contains(members, c.userID) {
		return wrapf(session.ErrNotAMember, "user %s is not in conversation %s", c.userID, msg.ConversationID)
	}

	ts := time.Now().UnixMilli()
	if saved, err := g.conversations.SaveMessage(ctx, msg.ConversationID, c.userID, msg.Text); err != nil {
		logger.Error("Error saving message for conversation %s: %v", msg.ConversationID, err)
	} else {
		ts = saved.CreatedAt.UnixMilli()
	}

	sender := c.participant()
	out := &models.WebSocketMessage{
		Type:           models.MessageTypeMessage,
		ConversationID: msg.ConversationID,
		Sender:         &sender,
		Text:           msg.Text,
		Timestamp:      ts,
	}

	g.sendToUser(c.userID, c, out)
	for _, member := range members {
		if member == c.userID {
			continue
		}
		g.sendToUser(member, nil, out)

		viewing := g.isViewing(member, msg.ConversationID)
		count := g.unread.For(member).OnMessageDelivered(msg.ConversationID, viewing)
		if !viewing {
			g.sendToUser(member, nil, &models.WebSocketMessage{
				Type:           models.MessageTypeUnreadUpdated,
				ConversationID: msg.ConversationID,
				Count:          models.IntPtr(count),
			})
		}
	}
	return nil
}

func (g *Gateway) handleSelectConversation(c *Client, msg *models.WebSocketMessage) error {
	if msg.ConversationID == "" {
		return malformed("select-conversation requires conversation_id")
	}

	c.setSelected(msg.ConversationID)
	g.unread.For(c.userID).OnConversationSelected(msg.ConversationID)
	g.reply(c, &models.WebSocketMessage{
		Type:           models.MessageTypeUnreadUpdated,
		ConversationID: msg.ConversationID,
		Count:          models.IntPtr(0),
	})
	return nil
}
