package presence

import (
	"encoding/json"

	"chatsync/pkg/logger"

	"github.com/nats-io/nats.go"
)

const subjectPrefix = "presence.event."

// Subject returns the NATS subject presence transitions of userID go to.
func Subject(userID string) string {
	return subjectPrefix + userID
}

// NATSEvent is the payload published on Subject(userID).
type NATSEvent struct {
	UserID   string `json:"userId"`
	Status   string `json:"status"`
	NodeID   string `json:"nodeId"`
	LastSeen int64  `json:"lastSeen"`
}

// NATSPublisher fans presence transitions out to other services.
type NATSPublisher struct {
	conn   *nats.Conn
	nodeID string
}

func NewNATSPublisher(conn *nats.Conn, nodeID string) *NATSPublisher {
	return &NATSPublisher{conn: conn, nodeID: nodeID}
}

// PresenceChanged publishes without waiting; nats.Conn buffers writes.
func (p *NATSPublisher) PresenceChanged(ev Event) {
	status := "offline"
	if ev.Online {
		status = "online"
	}
	data, err := json.Marshal(NATSEvent{
		UserID:   ev.UserID,
		Status:   status,
		NodeID:   p.nodeID,
		LastSeen: ev.At.UnixMilli(),
	})
	if err != nil {
		logger.Error("Failed to marshal presence event: %v", err)
		return
	}
	if err := p.conn.Publish(Subject(ev.UserID), data); err != nil {
		logger.Error("Failed to publish presence event for %s: %v", ev.UserID, err)
	}
}

// Connect dials NATS with reconnect handlers that log state changes.
func Connect(url, name string, maxReconnects int, opts ...nats.Option) (*nats.Conn, error) {
	all := append([]nats.Option{
		nats.Name(name),
		nats.MaxReconnects(maxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	}, opts...)
	return nats.Connect(url, all...)
}
