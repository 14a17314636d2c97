package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"chatsync/internal/workerpool"
	"chatsync/pkg/logger"

	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "chatsync:presence:"

// BuildPresenceKey returns the Redis sorted set indexing the nodes a user
// is connected to. Members are node IDs scored by their expiry in Unix
// milliseconds.
func BuildPresenceKey(userID string) string {
	return presenceKeyPrefix + userID
}

// BuildNodeKey returns the Redis key holding the record one node keeps for
// a user.
func BuildNodeKey(userID, nodeID string) string {
	return presenceKeyPrefix + userID + ":node:" + nodeID
}

// Record is the value stored under BuildNodeKey.
type Record struct {
	UserID   string    `json:"user_id"`
	NodeID   string    `json:"node_id"`
	LastSeen time.Time `json:"last_seen"`
}

// OnlineLister is the part of Registry the mirror refreshes from.
type OnlineLister interface {
	OnlineUsers() []string
	LastSeen(userID string) (time.Time, bool)
}

// RedisMirror copies presence transitions into Redis so that other nodes
// can answer isOnline. Every node writes only its own entry for a user, so
// one node going offline never hides a connection held by another. Entries
// expire after ttl unless refreshed, so a crashed node cannot leave users
// online forever.
type RedisMirror struct {
	client *redis.Client
	nodeID string
	ttl    time.Duration
	pool   *workerpool.Pool
	now    func() time.Time

	// At most one write per user is queued or running; later events
	// replace latest and are picked up by that write.
	mu       sync.Mutex
	latest   map[string]Event
	inflight map[string]bool
}

func NewRedisMirror(client *redis.Client, nodeID string, ttl time.Duration, pool *workerpool.Pool) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{
		client:   client,
		nodeID:   nodeID,
		ttl:      ttl,
		pool:     pool,
		now:      time.Now,
		latest:   make(map[string]Event),
		inflight: make(map[string]bool),
	}
}

// PresenceChanged hands the write to the worker pool. When the queue is
// full the event stays pending and RunRefresh retries it.
func (m *RedisMirror) PresenceChanged(ev Event) {
	m.mu.Lock()
	m.latest[ev.UserID] = ev
	if m.inflight[ev.UserID] {
		m.mu.Unlock()
		return
	}
	m.inflight[ev.UserID] = true
	m.mu.Unlock()

	if !m.pool.TrySubmit(func() { m.flush(ev.UserID) }) {
		m.mu.Lock()
		delete(m.inflight, ev.UserID)
		m.mu.Unlock()
		logger.Warn("Redis presence mirror queue full, deferred event for user %s", ev.UserID)
	}
}

// flush writes the newest pending event of userID until none is left.
func (m *RedisMirror) flush(userID string) {
	for {
		m.mu.Lock()
		ev, ok := m.latest[userID]
		if !ok {
			delete(m.inflight, userID)
			m.mu.Unlock()
			return
		}
		delete(m.latest, userID)
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		var err error
		if ev.Online {
			err = m.setOnline(ctx, ev.UserID, ev.At)
		} else {
			err = m.setOffline(ctx, ev.UserID)
		}
		cancel()
		if err != nil {
			logger.Error("Redis presence mirror failed for user %s (online=%t): %v", ev.UserID, ev.Online, err)
		}
	}
}

// Pending returns the number of users with a write not yet applied.
func (m *RedisMirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.latest)
}

func (m *RedisMirror) setOnline(ctx context.Context, userID string, at time.Time) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return m.queueOnline(ctx, pipe, userID, at)
	})
	return err
}

// queueOnline adds the writes marking userID online on this node to pipe.
// Expired node entries are pruned from the index on the way.
func (m *RedisMirror) queueOnline(ctx context.Context, pipe redis.Pipeliner, userID string, at time.Time) error {
	data, err := json.Marshal(Record{UserID: userID, NodeID: m.nodeID, LastSeen: at})
	if err != nil {
		return fmt.Errorf("failed to marshal presence record: %w", err)
	}

	now := m.now()
	index := BuildPresenceKey(userID)
	pipe.Set(ctx, BuildNodeKey(userID, m.nodeID), data, m.ttl)
	pipe.ZRemRangeByScore(ctx, index, "-inf", strconv.FormatInt(now.UnixMilli(), 10))
	pipe.ZAdd(ctx, index, redis.Z{Score: float64(now.Add(m.ttl).UnixMilli()), Member: m.nodeID})
	pipe.Expire(ctx, index, m.ttl)
	return nil
}

// setOffline removes this node's entry only.
func (m *RedisMirror) setOffline(ctx context.Context, userID string) error {
	_, err := m.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, BuildNodeKey(userID, m.nodeID))
		pipe.ZRem(ctx, BuildPresenceKey(userID), m.nodeID)
		return nil
	})
	return err
}

// IsOnline reports whether any node has userID online.
func (m *RedisMirror) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := m.client.ZCount(ctx, BuildPresenceKey(userID), m.liveFrom(), "+inf").Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Get returns the most recently refreshed record among the nodes holding
// userID, or nil when the user is offline everywhere.
func (m *RedisMirror) Get(ctx context.Context, userID string) (*Record, error) {
	nodes, err := m.client.ZRevRangeByScore(ctx, BuildPresenceKey(userID), &redis.ZRangeBy{
		Min: m.liveFrom(),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	for _, node := range nodes {
		data, err := m.client.Get(ctx, BuildNodeKey(userID, node)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}

		var rec Record
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal presence record: %w", err)
		}
		return &rec, nil
	}
	return nil, nil
}

func (m *RedisMirror) liveFrom() string {
	return "(" + strconv.FormatInt(m.now().UnixMilli(), 10)
}

// RunRefresh rewrites the entry of every locally online user every ttl/2
// until ctx is done.
func (m *RedisMirror) RunRefresh(ctx context.Context, users OnlineLister) {
	ticker := time.NewTicker(m.ttl / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Refresh(ctx, users); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Redis presence refresh failed: %v", err)
			}
		}
	}
}

// Refresh re-queues deferred transitions and rewrites the record of every
// user online on this node, restoring entries that expired or were lost.
func (m *RedisMirror) Refresh(ctx context.Context, users OnlineLister) error {
	m.retryDeferred()

	online := users.OnlineUsers()
	if len(online) == 0 {
		return nil
	}
	pipe := m.client.Pipeline()
	for _, uid := range online {
		at, ok := users.LastSeen(uid)
		if !ok {
			continue
		}
		if err := m.queueOnline(ctx, pipe, uid, at); err != nil {
			return err
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// retryDeferred queues a write for every user whose event could not be
// queued earlier. It may block on a full queue.
func (m *RedisMirror) retryDeferred() {
	m.mu.Lock()
	var users []string
	for uid := range m.latest {
		if !m.inflight[uid] {
			m.inflight[uid] = true
			users = append(users, uid)
		}
	}
	m.mu.Unlock()

	for _, uid := range users {
		uid := uid
		if !m.pool.Submit(func() { m.flush(uid) }) {
			m.mu.Lock()
			delete(m.inflight, uid)
			m.mu.Unlock()
		}
	}
}

func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}
