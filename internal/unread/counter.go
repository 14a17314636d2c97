package unread

import (
	"sync"
)

// Counter is one user's private map of conversation ID to unread count.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int
}

func NewCounter() *Counter {
	return &Counter{counts: make(map[string]int)}
}

// OnMessageDelivered counts a message unless the recipient is viewing the
// conversation. It returns the resulting count.
func (c *Counter) OnMessageDelivered(conversationID string, viewing bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !viewing {
		c.counts[conversationID]++
	}
	return c.counts[conversationID]
}

// OnConversationSelected clears the count of conversationID.
func (c *Counter) OnConversationSelected(conversationID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, conversationID)
}

func (c *Counter) Count(conversationID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[conversationID]
}

// Snapshot copies every non-zero count.
func (c *Counter) Snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Registry hands every user their own Counter. Counters live for the
// process only.
type Registry struct {
	mu       sync.Mutex
	counters map[string]*Counter
}

func NewRegistry() *Registry {
	return &Registry{counters: make(map[string]*Counter)}
}

// For returns userID's counter, creating it on first use.
func (r *Registry) For(userID string) *Counter {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.counters[userID]
	if !ok {
		c = NewCounter()
		r.counters[userID] = c
	}
	return c
}
